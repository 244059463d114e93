/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

package httpclient

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/drizzlepal/go-trafficlimit/trafficlimit"
)

// DefaultRateLimitingWaitTimeout bounds waiting for a free slot when no other timeout is set.
const DefaultRateLimitingWaitTimeout = 15 * time.Second

// RateLimitingRoundTripperOpts tunes NewRateLimitingRoundTripperWithOpts.
type RateLimitingRoundTripperOpts struct {
	WaitTimeout    time.Duration
	LimiterOptions []trafficlimit.SlidingWindowOption
}

// RateLimitingRoundTripper sends at most RateLimit requests in the trailing one-second window.
// Other requests wait until the window slides far enough, at most WaitTimeout.
type RateLimitingRoundTripper struct {
	Delegate    http.RoundTripper
	RateLimit   int
	WaitTimeout time.Duration

	limiter *trafficlimit.SlidingWindowLimiter
}

// NewRateLimitingRoundTripper wraps delegate with the default wait timeout.
func NewRateLimitingRoundTripper(delegate http.RoundTripper, rateLimit int) (*RateLimitingRoundTripper, error) {
	return NewRateLimitingRoundTripperWithOpts(delegate, rateLimit, RateLimitingRoundTripperOpts{})
}

// NewRateLimitingRoundTripperWithOpts wraps delegate.
func NewRateLimitingRoundTripperWithOpts(
	delegate http.RoundTripper, rateLimit int, opts RateLimitingRoundTripperOpts,
) (*RateLimitingRoundTripper, error) {
	switch {
	case rateLimit <= 0:
		return nil, fmt.Errorf("rate limit must be positive")
	case opts.WaitTimeout < 0:
		return nil, fmt.Errorf("wait timeout must not be negative")
	case opts.WaitTimeout == 0:
		opts.WaitTimeout = DefaultRateLimitingWaitTimeout
	}
	return &RateLimitingRoundTripper{
		Delegate:    delegate,
		RateLimit:   rateLimit,
		WaitTimeout: opts.WaitTimeout,
		limiter:     trafficlimit.NewSlidingWindowLimiter(rateLimit, opts.LimiterOptions...),
	}, nil
}

// RoundTrip waits for a free slot and passes r to Delegate.
func (rt *RateLimitingRoundTripper) RoundTrip(r *http.Request) (*http.Response, error) {
	ctx, cancel := context.WithTimeout(r.Context(), rt.WaitTimeout)
	defer cancel()

	if err := rt.acquire(ctx); err != nil {
		if r.Body != nil {
			_ = r.Body.Close()
		}
		return nil, &RateLimitingWaitError{Inner: err}
	}
	return rt.Delegate.RoundTrip(r)
}

// acquire polls the limiter until it admits the request.
// A denied TryAcquire stays counted, so after the first one only Peek is used until a slot is free.
func (rt *RateLimitingRoundTripper) acquire(ctx context.Context) error {
	if rt.limiter.TryAcquire() {
		return nil
	}
	for {
		delay := max(rt.limiter.RetryAfter(), trafficlimit.ShardDuration)
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
		if rt.limiter.Peek() && rt.limiter.TryAcquire() {
			return nil
		}
	}
}

// RateLimitingWaitError means the request was not sent because no slot was freed in time.
type RateLimitingWaitError struct {
	Inner error
}

func (e *RateLimitingWaitError) Error() string {
	return "wait due to client side rate limiting: " + e.Inner.Error()
}

// Unwrap returns Inner.
func (e *RateLimitingWaitError) Unwrap() error {
	return e.Inner
}
