package spotify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/charmbracelet/log"
	"golang.org/x/time/rate"
)

const userAgent = "spotify-playlist-export/1.0"

// maxErrorBody bounds how much of an error response is read.
const maxErrorBody = 64 << 10

// ErrUpstream matches every *UpstreamError via errors.Is.
var ErrUpstream = errors.New("spotify upstream error")

// UpstreamError is returned when the Web API keeps failing after the retry
// budget is spent, or answers with a non-retryable status.
type UpstreamError struct {
	URL        string
	StatusCode int    // 0 for transport failures
	Message    string // error.message from the response body, if any
	Attempts   int
	Err        error // underlying transport or decode error, if any
}

func (e *UpstreamError) Error() string {
	msg := fmt.Sprintf("spotify request %s failed after %d attempt(s)", e.URL, e.Attempts)
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(": status %d", e.StatusCode)
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *UpstreamError) Is(target error) bool { return target == ErrUpstream }

func (e *UpstreamError) Unwrap() error { return e.Err }

// TokenSource yields a bearer token valid for the next request.
type TokenSource interface {
	AccessToken(ctx context.Context) (string, error)
}

// StaticToken is a TokenSource that always returns the same token.
type StaticToken string

// AccessToken implements TokenSource.
func (t StaticToken) AccessToken(context.Context) (string, error) {
	if t == "" {
		return "", errors.New("empty access token")
	}
	return string(t), nil
}

// SleepFunc waits for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

// Fetcher performs authenticated GET requests against the Web API with
// retries, backoff and client-side pacing.
type Fetcher struct {
	httpClient *http.Client
	retry      RetryPolicy
	limiter    *rate.Limiter
	sleep      SleepFunc
	logger     *log.Logger
}

// FetcherOption configures a Fetcher.
type FetcherOption func(*Fetcher)

// WithRetryPolicy replaces the default retry policy.
func WithRetryPolicy(p RetryPolicy) FetcherOption {
	return func(f *Fetcher) {
		if p.MaxRetries < 0 {
			p.MaxRetries = 0
		}
		f.retry = p
	}
}

// WithRateLimit paces requests to rps per second. Zero disables pacing.
func WithRateLimit(rps float64) FetcherOption {
	return func(f *Fetcher) {
		if rps <= 0 {
			f.limiter = nil
			return
		}
		f.limiter = rate.NewLimiter(rate.Limit(rps), 1)
	}
}

// WithLogger sets the logger used for retry diagnostics.
func WithLogger(l *log.Logger) FetcherOption {
	return func(f *Fetcher) {
		f.logger = l
	}
}

// WithSleep replaces the function used to wait between attempts.
func WithSleep(fn SleepFunc) FetcherOption {
	return func(f *Fetcher) {
		f.sleep = fn
	}
}

// NewFetcher creates a Fetcher. A nil httpClient uses http.DefaultClient.
func NewFetcher(httpClient *http.Client, opts ...FetcherOption) *Fetcher {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	f := &Fetcher{
		httpClient: httpClient,
		retry:      DefaultRetryPolicy(),
		sleep:      sleepContext,
		logger:     log.New(io.Discard),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

type response struct {
	status int
	header http.Header
	body   []byte
}

// Get fetches rawURL and decodes the JSON body into out.
//
// 429 responses wait for Retry-After (or the backoff), 5xx responses and
// transport failures wait for the backoff, and both are retried up to
// MaxRetries times. Any other non-2xx status fails immediately.
func (f *Fetcher) Get(ctx context.Context, rawURL string, tokens TokenSource, out any) error {
	var last *UpstreamError

	for attempt := 0; attempt <= f.retry.MaxRetries; attempt++ {
		if f.limiter != nil {
			if err := f.limiter.Wait(ctx); err != nil {
				return err
			}
		}

		// Fetched per attempt so a refresh during a long drain is picked up.
		token, err := tokens.AccessToken(ctx)
		if err != nil {
			return err
		}

		resp, err := f.do(ctx, rawURL, token)
		var delay time.Duration
		switch {
		case err != nil:
			if ctx.Err() != nil {
				return ctx.Err()
			}
			last = &UpstreamError{URL: rawURL, Err: err}
			delay = f.retry.Backoff(attempt)

		case resp.status == http.StatusTooManyRequests:
			last = &UpstreamError{URL: rawURL, StatusCode: resp.status, Message: errorMessage(resp.body)}
			delay = f.retry.rateLimitDelay(resp.header, attempt)

		case resp.status >= 500:
			last = &UpstreamError{URL: rawURL, StatusCode: resp.status, Message: errorMessage(resp.body)}
			delay = f.retry.Backoff(attempt)

		case resp.status < 200 || resp.status > 299:
			return &UpstreamError{
				URL:        rawURL,
				StatusCode: resp.status,
				Message:    errorMessage(resp.body),
				Attempts:   attempt + 1,
			}

		default:
			if err := json.Unmarshal(resp.body, out); err != nil {
				return &UpstreamError{
					URL:        rawURL,
					StatusCode: resp.status,
					Message:    "malformed response body",
					Attempts:   attempt + 1,
					Err:        err,
				}
			}
			return nil
		}

		last.Attempts = attempt + 1
		if attempt == f.retry.MaxRetries {
			break
		}

		f.logger.Warn("retrying spotify request",
			"url", rawURL, "status", last.StatusCode, "attempt", attempt+1, "delay", delay)
		if err := f.sleep(ctx, delay); err != nil {
			return err
		}
	}

	f.logger.Error("spotify request failed", "url", rawURL, "status", last.StatusCode, "attempts", last.Attempts)
	return last
}

// do performs a single attempt and reads the whole body.
func (f *Fetcher) do(ctx context.Context, rawURL, token string) (*response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", userAgent)

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("executing request: %w", err)
	}
	defer resp.Body.Close()

	var body []byte
	if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
		body, err = io.ReadAll(resp.Body)
	} else {
		body, err = io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	}
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}

	return &response{status: resp.StatusCode, header: resp.Header, body: body}, nil
}

// errorMessage extracts error.message from a Web API error body.
func errorMessage(body []byte) string {
	var er errorResponse
	if err := json.Unmarshal(body, &er); err != nil {
		return ""
	}
	return er.Error.Message
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// FetchAll drains a paginated listing starting at startURL, following next
// links until the last page. Items are concatenated in page order. If any page
// fails the whole drain fails and no partial result is returned.
func FetchAll[T any](ctx context.Context, f *Fetcher, startURL string, tokens TokenSource) ([]T, error) {
	items := make([]T, 0)
	next := startURL
	pages := 0

	for next != "" {
		var page Page[T]
		if err := f.Get(ctx, next, tokens, &page); err != nil {
			return nil, err
		}
		items = append(items, page.Items...)
		pages++

		if page.Next == nil || *page.Next == next {
			break
		}
		next = *page.Next
	}

	f.logger.Debug("drained listing", "url", startURL, "pages", pages, "items", len(items))
	return items, nil
}
