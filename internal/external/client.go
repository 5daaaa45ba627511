// Package external adapts third-party mail providers to the MailTransport
// contract used by the dispatch engine. Provider clients share the probing
// HTTP transport, circuit breaker settings, and status-to-error mapping in
// this file so that every provider reports throttling the same way.
package external

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"phrasecast/internal/types"

	"github.com/sony/gobreaker/v2"
)

type ctxKey int

const probeCtxKey ctxKey = 0

// responseProbe records what the provider answered for one request. SDKs
// that fold HTTP responses into opaque errors still let us see the status
// and Retry-After this way.
type responseProbe struct {
	status     int
	retryAfter string
}

func withProbe(ctx context.Context, p *responseProbe) context.Context {
	return context.WithValue(ctx, probeCtxKey, p)
}

// probingTransport sets the User-Agent and fills the request's
// responseProbe, if any.
type probingTransport struct {
	base      http.RoundTripper
	userAgent string
}

func newProbingTransport(base http.RoundTripper, userAgent string) *probingTransport {
	if base == nil {
		base = http.DefaultTransport
	}
	return &probingTransport{base: base, userAgent: userAgent}
}

func (t *probingTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	ctx := req.Context()
	if t.userAgent != "" {
		req = req.Clone(ctx)
		req.Header.Set("User-Agent", t.userAgent)
	}

	resp, err := t.base.RoundTrip(req)
	if p, ok := ctx.Value(probeCtxKey).(*responseProbe); ok && resp != nil {
		p.status = resp.StatusCode
		p.retryAfter = resp.Header.Get("Retry-After")
	}
	return resp, err
}

// newBreaker returns a breaker that trips after more than five consecutive
// provider-side failures. Throttling and client errors do not count: the
// dispatch engine owns throttle backoff, and a 4xx says nothing about the
// provider's health.
func newBreaker(name string) *gobreaker.CircuitBreaker[string] {
	return gobreaker.NewCircuitBreaker[string](gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures > 5
		},
		IsSuccessful: func(err error) bool {
			if err == nil {
				return true
			}
			switch types.CodeOf(err) {
			case types.ErrCodeUpstreamRateLimited, types.ErrCodeUpstreamEmailProvider,
				types.ErrCodeEmailBlocked, types.ErrCodeUpstreamAuthRejected:
				return true
			}
			return false
		},
	})
}

// breakerOpenError maps gobreaker's rejections to an upstream error.
func breakerOpenError(provider string, err error) error {
	return types.NewAppError(
		types.ErrCodeUpstreamUnavailable,
		fmt.Sprintf("%s circuit breaker is open", provider),
		err,
	)
}

// parseRetryAfter reads a Retry-After value given as delta seconds (integer
// or fractional) or as an HTTP-date. It returns 0 when the header is absent
// or unusable so the caller's default delay applies.
func parseRetryAfter(value string, now time.Time) time.Duration {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0
	}
	if secs, err := strconv.ParseFloat(value, 64); err == nil {
		if secs <= 0 {
			return 0
		}
		return time.Duration(secs * float64(time.Second))
	}
	if t, err := http.ParseTime(value); err == nil {
		if wait := t.Sub(now); wait > 0 {
			return wait
		}
	}
	return 0
}

// mapStatus translates a provider HTTP failure into a domain AppError.
// status is 0 when no response was received.
func mapStatus(provider string, status int, retryAfter string, err error) error {
	switch {
	case status == http.StatusTooManyRequests:
		return types.NewRateLimitedError(
			fmt.Sprintf("%s rate limit exceeded", provider),
			parseRetryAfter(retryAfter, time.Now()),
			err,
		)
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return types.NewAppError(
			types.ErrCodeUpstreamAuthRejected,
			fmt.Sprintf("%s rejected credentials (%d)", provider, status),
			err,
		)
	case status >= 500:
		return types.NewAppError(
			types.ErrCodeUpstreamUnavailable,
			fmt.Sprintf("%s returned %d", provider, status),
			err,
		)
	case status >= 400:
		return types.NewAppError(
			types.ErrCodeUpstreamEmailProvider,
			fmt.Sprintf("%s refused message (%d)", provider, status),
			err,
		)
	default:
		return types.NewAppError(
			types.ErrCodeUpstreamUnavailable,
			fmt.Sprintf("%s request failed", provider),
			err,
		)
	}
}
