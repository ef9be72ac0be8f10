package spotify

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sleepRecorder struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (s *sleepRecorder) sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	s.delays = append(s.delays, d)
	s.mu.Unlock()
	return ctx.Err()
}

func (s *sleepRecorder) recorded() []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]time.Duration(nil), s.delays...)
}

type countingTokens struct {
	calls atomic.Int32
	token string
	err   error
}

func (c *countingTokens) AccessToken(context.Context) (string, error) {
	c.calls.Add(1)
	return c.token, c.err
}

func newTestFetcher(rec *sleepRecorder, maxRetries int) *Fetcher {
	return NewFetcher(nil,
		WithRetryPolicy(RetryPolicy{MaxRetries: maxRetries, InitialDelay: time.Second, RespectRetryAfter: true}),
		WithSleep(rec.sleep),
	)
}

type item struct {
	ID string `json:"id"`
}

func TestFetchAll_ConcatenatesPagesInOrder(t *testing.T) {
	var requests atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		base := "http://" + r.Host + "/items"
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Query().Get("page") {
		case "":
			fmt.Fprintf(w, `{"items":[{"id":"a"},{"id":"b"}],"total":5,"next":%q}`, base+"?page=2")
		case "2":
			fmt.Fprintf(w, `{"items":[{"id":"c"},{"id":"d"}],"total":5,"next":%q}`, base+"?page=3")
		case "3":
			fmt.Fprint(w, `{"items":[{"id":"e"}],"total":5,"next":null}`)
		}
	}))
	defer server.Close()

	f := newTestFetcher(&sleepRecorder{}, 3)
	items, err := FetchAll[item](context.Background(), f, server.URL+"/items", StaticToken("tok"))
	require.NoError(t, err)

	ids := make([]string, len(items))
	for i, it := range items {
		ids[i] = it.ID
	}
	assert.Equal(t, []string{"a", "b", "c", "d", "e"}, ids)
	assert.Equal(t, int32(3), requests.Load())
}

func TestFetchAll_EmptyListingIsNotNil(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"items":[],"total":0,"next":null}`)
	}))
	defer server.Close()

	items, err := FetchAll[item](context.Background(), newTestFetcher(&sleepRecorder{}, 0), server.URL, StaticToken("tok"))
	require.NoError(t, err)
	assert.NotNil(t, items)
	assert.Empty(t, items)
}

func TestFetchAll_FailedPageAbortsDrain(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("page") == "2" {
			w.WriteHeader(http.StatusNotFound)
			fmt.Fprint(w, `{"error":{"status":404,"message":"Not found."}}`)
			return
		}
		fmt.Fprintf(w, `{"items":[{"id":"a"}],"next":%q}`, "http://"+r.Host+"/?page=2")
	}))
	defer server.Close()

	items, err := FetchAll[item](context.Background(), newTestFetcher(&sleepRecorder{}, 3), server.URL, StaticToken("tok"))
	require.Error(t, err)
	assert.Nil(t, items)
}

func TestGet_HonoursRetryAfter(t *testing.T) {
	var requests atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if requests.Add(1) == 1 {
			w.Header().Set("Retry-After", "2")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		fmt.Fprint(w, `{"id":"ok"}`)
	}))
	defer server.Close()

	rec := &sleepRecorder{}
	var out item
	err := newTestFetcher(rec, 3).Get(context.Background(), server.URL, StaticToken("tok"), &out)
	require.NoError(t, err)

	assert.Equal(t, "ok", out.ID)
	assert.Equal(t, int32(2), requests.Load())
	delays := rec.recorded()
	require.Len(t, delays, 1)
	assert.GreaterOrEqual(t, delays[0], 2*time.Second)
}

func TestGet_RateLimitWithoutHeaderUsesBackoff(t *testing.T) {
	var requests atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if requests.Add(1) <= 2 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		fmt.Fprint(w, `{"id":"ok"}`)
	}))
	defer server.Close()

	rec := &sleepRecorder{}
	var out item
	require.NoError(t, newTestFetcher(rec, 3).Get(context.Background(), server.URL, StaticToken("tok"), &out))
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, rec.recorded())
}

func TestGet_PersistentServerErrorExhaustsBudget(t *testing.T) {
	var requests atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
		fmt.Fprint(w, `{"error":{"status":500,"message":"Server error"}}`)
	}))
	defer server.Close()

	rec := &sleepRecorder{}
	var out item
	err := newTestFetcher(rec, 3).Get(context.Background(), server.URL, StaticToken("tok"), &out)

	require.Error(t, err)
	assert.Equal(t, int32(4), requests.Load())
	assert.True(t, errors.Is(err, ErrUpstream))

	var upErr *UpstreamError
	require.True(t, errors.As(err, &upErr))
	assert.Equal(t, http.StatusInternalServerError, upErr.StatusCode)
	assert.Equal(t, 4, upErr.Attempts)
	assert.Equal(t, "Server error", upErr.Message)
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}, rec.recorded())
}

func TestGet_ClientErrorIsNotRetried(t *testing.T) {
	tests := []struct {
		name   string
		status int
	}{
		{"not found", http.StatusNotFound},
		{"bad request", http.StatusBadRequest},
		{"unauthorized", http.StatusUnauthorized},
		{"forbidden", http.StatusForbidden},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var requests atomic.Int32
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				requests.Add(1)
				w.WriteHeader(tt.status)
				fmt.Fprintf(w, `{"error":{"status":%d,"message":"nope"}}`, tt.status)
			}))
			defer server.Close()

			rec := &sleepRecorder{}
			var out item
			err := newTestFetcher(rec, 3).Get(context.Background(), server.URL, StaticToken("tok"), &out)

			var upErr *UpstreamError
			require.True(t, errors.As(err, &upErr))
			assert.Equal(t, tt.status, upErr.StatusCode)
			assert.Equal(t, "nope", upErr.Message)
			assert.Equal(t, 1, upErr.Attempts)
			assert.Equal(t, int32(1), requests.Load())
			assert.Empty(t, rec.recorded())
		})
	}
}

func TestGet_TransportFailureIsRetried(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := server.URL
	server.Close()

	rec := &sleepRecorder{}
	var out item
	err := newTestFetcher(rec, 2).Get(context.Background(), url, StaticToken("tok"), &out)

	var upErr *UpstreamError
	require.True(t, errors.As(err, &upErr))
	assert.Equal(t, 0, upErr.StatusCode)
	assert.Equal(t, 3, upErr.Attempts)
	assert.NotNil(t, upErr.Err)
	assert.Len(t, rec.recorded(), 2)
}

func TestGet_SendsBearerTokenEveryAttempt(t *testing.T) {
	var requests atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer secret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		if requests.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		fmt.Fprint(w, `{"id":"ok"}`)
	}))
	defer server.Close()

	tokens := &countingTokens{token: "secret"}
	var out item
	require.NoError(t, newTestFetcher(&sleepRecorder{}, 3).Get(context.Background(), server.URL, tokens, &out))
	assert.Equal(t, int32(2), tokens.calls.Load())
}

func TestGet_TokenErrorReturnedAsIs(t *testing.T) {
	sentinel := errors.New("refresh failed")
	var requests atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
	}))
	defer server.Close()

	var out item
	err := newTestFetcher(&sleepRecorder{}, 3).Get(context.Background(), server.URL, &countingTokens{err: sentinel}, &out)
	assert.ErrorIs(t, err, sentinel)
	assert.False(t, errors.Is(err, ErrUpstream))
	assert.Equal(t, int32(0), requests.Load())
}

func TestGet_CancelledDuringBackoff(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	ctx, cancel := context.WithCancel(context.Background())
	f := NewFetcher(nil, WithRetryPolicy(RetryPolicy{MaxRetries: 3, InitialDelay: time.Hour}))

	done := make(chan error, 1)
	go func() {
		var out item
		done <- f.Get(ctx, server.URL, StaticToken("tok"), &out)
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("Get did not return after cancellation")
	}
}

func TestRetryPolicy_Backoff(t *testing.T) {
	p := RetryPolicy{InitialDelay: 500 * time.Millisecond}
	assert.Equal(t, 500*time.Millisecond, p.Backoff(0))
	assert.Equal(t, time.Second, p.Backoff(1))
	assert.Equal(t, 4*time.Second, p.Backoff(3))
}

func TestParseRetryAfter(t *testing.T) {
	tests := []struct {
		in   string
		want time.Duration
		ok   bool
	}{
		{"2", 2 * time.Second, true},
		{" 10 ", 10 * time.Second, true},
		{"0", 0, true},
		{"", 0, false},
		{"-1", 0, false},
		{"Wed, 21 Oct 2015 07:28:00 GMT", 0, false},
	}
	for _, tt := range tests {
		got, ok := parseRetryAfter(tt.in)
		assert.Equal(t, tt.ok, ok, "input %q", tt.in)
		assert.Equal(t, tt.want, got, "input %q", tt.in)
	}
}

func TestStaticToken(t *testing.T) {
	tok, err := StaticToken("abc").AccessToken(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "abc", tok)

	_, err = StaticToken("").AccessToken(context.Background())
	assert.Error(t, err)
}
