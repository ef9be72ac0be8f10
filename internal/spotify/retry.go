package spotify

import (
	"net/http"
	"strconv"
	"strings"
	"time"
)

// RetryPolicy controls how a single upstream request is retried.
type RetryPolicy struct {
	// MaxRetries is the number of additional attempts after the first one.
	MaxRetries int
	// InitialDelay is the base of the exponential backoff.
	InitialDelay time.Duration
	// RespectRetryAfter makes 429 responses wait for the Retry-After header
	// instead of the computed backoff when the header is present.
	RespectRetryAfter bool
}

// DefaultRetryPolicy returns 3 retries starting at one second, honouring Retry-After.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:        3,
		InitialDelay:      time.Second,
		RespectRetryAfter: true,
	}
}

// Backoff returns InitialDelay * 2^attempt.
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	return p.InitialDelay << uint(attempt)
}

// rateLimitDelay picks the wait after a 429 response.
func (p RetryPolicy) rateLimitDelay(h http.Header, attempt int) time.Duration {
	if p.RespectRetryAfter {
		if d, ok := parseRetryAfter(h.Get("Retry-After")); ok {
			return d
		}
	}
	return p.Backoff(attempt)
}

// parseRetryAfter reads a Retry-After value expressed in whole seconds.
func parseRetryAfter(v string) (time.Duration, bool) {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0, false
	}
	secs, err := strconv.Atoi(v)
	if err != nil || secs < 0 {
		return 0, false
	}
	return time.Duration(secs) * time.Second, true
}
