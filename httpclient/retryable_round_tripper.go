/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

package httpclient

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/drizzlepal/go-trafficlimit/log"
)

// Defaults of RetryableRoundTripper.
const (
	DefaultMaxRetryAttempts                  = 10
	DefaultExponentialBackoffInitialInterval = time.Second
	DefaultExponentialBackoffMultiplier      = 2
)

// UnlimitedRetryAttempts as RetryableRoundTripperOpts.MaxRetryAttempts leaves stopping to the backoff policy.
const UnlimitedRetryAttempts = -1

// RetryAttemptNumberHeader carries the number of the retry attempt. The first request goes without it.
const RetryAttemptNumberHeader = "X-Retry-Attempt"

// CheckRetryFunc decides after each attempt whether the request should be sent again.
type CheckRetryFunc func(ctx context.Context, resp *http.Response, roundTripErr error, doneRetryAttempts int) (bool, error)

// BackoffPolicy makes a fresh backoff.BackOff for each request.
type BackoffPolicy func() backoff.BackOff

// RetryableRoundTripperOpts tunes NewRetryableRoundTripperWithOpts. Zero values select the defaults.
type RetryableRoundTripperOpts struct {
	Logger log.FieldLogger

	// MaxRetryAttempts does not count the first request.
	MaxRetryAttempts int

	CheckRetryFunc CheckRetryFunc

	// IgnoreRetryAfter makes BackoffPolicy compute every delay even if the response has the Retry-After header.
	IgnoreRetryAfter bool

	BackoffPolicy BackoffPolicy
}

// RetryableRoundTripper resends requests that the server rejected because of its rate limit
// (429 and 503 by default) or that failed with a temporary error.
// The Retry-After header of the response takes precedence over the backoff policy.
type RetryableRoundTripper struct {
	Delegate         http.RoundTripper
	Logger           log.FieldLogger
	MaxRetryAttempts int
	CheckRetry       CheckRetryFunc
	IgnoreRetryAfter bool
	BackoffPolicy    BackoffPolicy
}

// NewRetryableRoundTripper wraps delegate with the default retry settings.
func NewRetryableRoundTripper(delegate http.RoundTripper) (*RetryableRoundTripper, error) {
	return NewRetryableRoundTripperWithOpts(delegate, RetryableRoundTripperOpts{})
}

// NewRetryableRoundTripperWithOpts wraps delegate.
func NewRetryableRoundTripperWithOpts(
	delegate http.RoundTripper, opts RetryableRoundTripperOpts,
) (*RetryableRoundTripper, error) {
	switch {
	case opts.MaxRetryAttempts == 0:
		opts.MaxRetryAttempts = DefaultMaxRetryAttempts
	case opts.MaxRetryAttempts < 0 && opts.MaxRetryAttempts != UnlimitedRetryAttempts:
		return nil, fmt.Errorf("incorrect max retry attempts")
	}
	rt := &RetryableRoundTripper{
		Delegate:         delegate,
		Logger:           opts.Logger,
		MaxRetryAttempts: opts.MaxRetryAttempts,
		CheckRetry:       opts.CheckRetryFunc,
		IgnoreRetryAfter: opts.IgnoreRetryAfter,
		BackoffPolicy:    opts.BackoffPolicy,
	}
	if rt.Logger == nil {
		rt.Logger = log.NewDisabledLogger()
	}
	if rt.CheckRetry == nil {
		rt.CheckRetry = DefaultCheckRetry
	}
	if rt.BackoffPolicy == nil {
		rt.BackoffPolicy = DefaultBackoffPolicy
	}
	return rt, nil
}

// RoundTrip sends req and retries it while CheckRetry allows.
// The last response (or error) is returned when retries stop.
func (rt *RetryableRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.Body != nil {
		defer func(body io.Closer) { _ = body.Close() }(req.Body) // RoundTripper must close the body.
	}
	rewind, err := makeRequestBodyRewindable(req)
	if err != nil {
		return nil, &RetryableRoundTripperError{Inner: err}
	}

	ctx := req.Context()
	bf := rt.BackoffPolicy()
	attemptReq := req
	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			if attemptReq == req {
				attemptReq = req.Clone(ctx) // The original request must not be modified.
			}
			attemptReq.Header.Set(RetryAttemptNumberHeader, strconv.Itoa(attempt))
		}

		resp, roundTripErr := rt.Delegate.RoundTrip(attemptReq)

		delay, retry := rt.retryDelay(ctx, bf, resp, roundTripErr, attempt)
		if !retry {
			return resp, roundTripErr
		}
		if rewindErr := rewind(attemptReq); rewindErr != nil {
			rt.Logger.Error(fmt.Sprintf("failed to rewind request body between retry attempts, %d request(s) done",
				attempt+1), log.Error(rewindErr))
			return resp, roundTripErr
		}
		if resp != nil {
			drainResponseBody(resp, rt.Logger)
		}
		if waitErr := sleepWithContext(ctx, delay); waitErr != nil {
			rt.Logger.Warnf("context canceled (%v) while waiting for the next retry attempt, %d request(s) done",
				waitErr, attempt+1)
			return nil, waitErr
		}
	}
}

// retryDelay returns how long to wait before the next attempt, or false if there should be no more attempts.
func (rt *RetryableRoundTripper) retryDelay(
	ctx context.Context, bf backoff.BackOff, resp *http.Response, roundTripErr error, attempt int,
) (time.Duration, bool) {
	retry, checkErr := rt.CheckRetry(ctx, resp, roundTripErr, attempt)
	if checkErr != nil {
		rt.Logger.Error(fmt.Sprintf("failed to check if retry is needed, %d request(s) done", attempt+1),
			log.Error(checkErr))
		return 0, false
	}
	if !retry {
		return 0, false
	}
	if rt.MaxRetryAttempts > 0 && attempt >= rt.MaxRetryAttempts {
		rt.Logger.Warnf("max retry attempts exceeded (%d), %d request(s) done", rt.MaxRetryAttempts, attempt+1)
		return 0, false
	}
	if resp != nil && !rt.IgnoreRetryAfter {
		if retryAfter, ok := parseRetryAfterFromResponse(resp); ok {
			return retryAfter, true
		}
	}
	delay := bf.NextBackOff()
	return delay, delay != backoff.Stop
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// RetryableRoundTripperError is returned when the request body cannot be prepared for resending.
type RetryableRoundTripperError struct {
	Inner error
}

func (e *RetryableRoundTripperError) Error() string {
	return fmt.Sprintf("retryable round trip: %s", e.Inner.Error())
}

// Unwrap returns the next error in the error chain.
func (e *RetryableRoundTripperError) Unwrap() error {
	return e.Inner
}

// DefaultCheckRetry retries temporary errors and responses of a server that is out of its rate limit
// (429 Too Many Requests and 503 Service Unavailable).
func DefaultCheckRetry(
	_ context.Context, resp *http.Response, roundTripErr error, _ int,
) (needRetry bool, err error) {
	if roundTripErr != nil {
		return CheckErrorIsTemporary(roundTripErr), nil
	}
	if resp == nil {
		return false, fmt.Errorf("both response and round trip error are nil")
	}
	return resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusServiceUnavailable, nil
}

// DefaultBackoffPolicy is exponential, starting from one second and doubling.
var DefaultBackoffPolicy BackoffPolicy = func() backoff.BackOff {
	bf := backoff.NewExponentialBackOff()
	bf.InitialInterval = DefaultExponentialBackoffInitialInterval
	bf.Multiplier = DefaultExponentialBackoffMultiplier
	bf.Reset()
	return bf
}

// NewConstantBackoffPolicy returns a policy with constant delays and at most maxAttempts retries (zero means no cap).
func NewConstantBackoffPolicy(interval time.Duration, maxAttempts int) BackoffPolicy {
	return func() backoff.BackOff {
		var bf backoff.BackOff = backoff.NewConstantBackOff(interval)
		if maxAttempts > 0 {
			bf = backoff.WithMaxRetries(bf, uint64(maxAttempts))
		}
		bf.Reset()
		return bf
	}
}

// CheckErrorIsTemporary reports whether err is io.EOF or has Temporary() returning true.
func CheckErrorIsTemporary(err error) bool {
	if errors.Is(err, io.EOF) {
		return true
	}
	var terr interface{ Temporary() bool }
	return errors.As(err, &terr) && terr.Temporary()
}

// parseRetryAfterFromResponse supports both forms of the header: delay in seconds and HTTP date.
func parseRetryAfterFromResponse(resp *http.Response) (retryAfter time.Duration, ok bool) {
	retryAfterVal := resp.Header.Get("Retry-After")
	if retryAfterVal == "" {
		return 0, false
	}
	seconds, err := strconv.Atoi(retryAfterVal)
	if err != nil {
		parsedTime, parseTimeErr := http.ParseTime(retryAfterVal)
		if parseTimeErr != nil {
			return 0, false
		}
		if d := time.Until(parsedTime); d > 0 {
			return d, true
		}
		return 0, true
	}
	if seconds < 0 {
		return 0, false
	}
	return time.Duration(seconds) * time.Second, true
}
