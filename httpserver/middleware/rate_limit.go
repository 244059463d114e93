/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

package middleware

import (
	"context"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/drizzlepal/go-trafficlimit/internal/ratelimit"
	"github.com/drizzlepal/go-trafficlimit/log"
	"github.com/drizzlepal/go-trafficlimit/restapi"
	"github.com/drizzlepal/go-trafficlimit/trafficlimit"
)

// DefaultRateLimitMaxKeys is the number of keys with independent budgets when RateLimitOpts.GetKey is set
// and RateLimitOpts.MaxKeys is zero.
const DefaultRateLimitMaxKeys = 10000

// DefaultRateLimitBacklogTimeout is the longest time a request may wait in the backlog by default.
const DefaultRateLimitBacklogTimeout = ratelimit.DefaultRateLimitBacklogTimeout

// RateLimitLogFieldKey is the log field with the key the request is accounted under.
const RateLimitLogFieldKey = trafficlimit.KeyLogFieldKey

// RateLimitParams describes a request that was not admitted.
type RateLimitParams struct {
	ErrDomain           string
	ResponseStatusCode  int
	GetRetryAfter       RateLimitGetRetryAfterFunc
	Key                 string
	RequestBacklogged   bool
	EstimatedRetryAfter time.Duration
}

// RateLimitGetRetryAfterFunc turns the limiter estimate into the Retry-After value.
type RateLimitGetRetryAfterFunc func(r *http.Request, estimatedTime time.Duration) time.Duration

// RateLimitOnRejectFunc writes the response for a request over the limit.
type RateLimitOnRejectFunc func(
	rw http.ResponseWriter, r *http.Request, params RateLimitParams, next http.Handler, logger log.FieldLogger)

// RateLimitOnErrorFunc writes the response when rate limiting itself failed.
type RateLimitOnErrorFunc func(
	rw http.ResponseWriter, r *http.Request, params RateLimitParams, err error, next http.Handler, logger log.FieldLogger)

// RateLimitGetKeyFunc returns the key the request is accounted under.
// Requests with bypass=true are not rate limited.
type RateLimitGetKeyFunc func(r *http.Request) (key string, bypass bool, err error)

// RateLimitOpts tunes RateLimitWithOpts. Zero values select the defaults.
type RateLimitOpts struct {
	// GetKey splits requests into independent budgets. All requests share one budget if it's nil.
	GetKey RateLimitGetKeyFunc
	// MaxKeys bounds the number of tracked keys, the least recently used one is forgotten.
	MaxKeys int
	// ResponseStatusCode is used by DefaultRateLimitOnReject, 503 if zero.
	ResponseStatusCode int
	GetRetryAfter      RateLimitGetRetryAfterFunc
	DryRun             bool
	BacklogLimit       int
	BacklogTimeout     time.Duration

	OnReject         RateLimitOnRejectFunc
	OnRejectInDryRun RateLimitOnRejectFunc
	OnError          RateLimitOnErrorFunc

	// ExcludedKeys and IncludedKeys are glob patterns. Requests with excluded keys
	// or with keys no included pattern matches bypass rate limiting.
	ExcludedKeys []string
	IncludedKeys []string

	LimiterOptions []trafficlimit.SlidingWindowOption
}

// RateLimit admits at most limit requests in the trailing one-second window.
// Rejected requests get 503 with the Retry-After header.
func RateLimit(limit int, errDomain string) (func(next http.Handler) http.Handler, error) {
	return RateLimitWithOpts(limit, errDomain, RateLimitOpts{GetRetryAfter: GetRetryAfterEstimatedTime})
}

// MustRateLimit is like RateLimit but panics on error.
func MustRateLimit(limit int, errDomain string) func(next http.Handler) http.Handler {
	return mustMiddleware(RateLimit(limit, errDomain))
}

// RateLimitWithOpts is RateLimit with options.
func RateLimitWithOpts(limit int, errDomain string, opts RateLimitOpts) (func(next http.Handler) http.Handler, error) {
	maxKeys := 0
	if opts.GetKey != nil {
		if maxKeys = opts.MaxKeys; maxKeys == 0 {
			maxKeys = DefaultRateLimitMaxKeys
		}
	}
	limiter, err := trafficlimit.NewKeyedLimiter(limit, maxKeys, opts.LimiterOptions...)
	if err != nil {
		return nil, fmt.Errorf("new keyed limiter: %w", err)
	}

	backlogLimit := opts.BacklogLimit
	if opts.DryRun {
		// Requests are never delayed in dry-run mode.
		backlogLimit = 0
	}
	keyFilter, err := ratelimit.NewKeyFilter(opts.ExcludedKeys, opts.IncludedKeys)
	if err != nil {
		return nil, fmt.Errorf("new rate limit key filter: %w", err)
	}
	processor, err := ratelimit.NewRequestProcessor(limiter,
		ratelimit.BacklogParams{MaxKeys: maxKeys, Limit: backlogLimit, Timeout: opts.BacklogTimeout},
		ratelimit.WithKeyFilter(keyFilter))
	if err != nil {
		return nil, fmt.Errorf("new rate limit request processor: %w", err)
	}

	if opts.ResponseStatusCode == 0 {
		opts.ResponseStatusCode = http.StatusServiceUnavailable
	}
	onReject := opts.OnReject
	if onReject == nil {
		onReject = DefaultRateLimitOnReject
	}
	if opts.DryRun {
		if onReject = opts.OnRejectInDryRun; onReject == nil {
			onReject = DefaultRateLimitOnRejectInDryRun
		}
	}
	onError := opts.OnError
	if onError == nil {
		onError = DefaultRateLimitOnError
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
			req := &rateLimitedRequest{rw: rw, r: r, next: next, getKey: opts.GetKey,
				onReject: onReject, onError: onError}
			req.params = RateLimitParams{
				ErrDomain:          errDomain,
				ResponseStatusCode: opts.ResponseStatusCode,
				GetRetryAfter:      opts.GetRetryAfter,
			}
			// Rejections and errors are responded by the callbacks.
			_ = processor.ProcessRequest(req)
		})
	}, nil
}

// MustRateLimitWithOpts is like RateLimitWithOpts but panics on error.
func MustRateLimitWithOpts(limit int, errDomain string, opts RateLimitOpts) func(next http.Handler) http.Handler {
	return mustMiddleware(RateLimitWithOpts(limit, errDomain, opts))
}

func mustMiddleware(mw func(next http.Handler) http.Handler, err error) func(next http.Handler) http.Handler {
	if err != nil {
		panic(err)
	}
	return mw
}

// RateLimitWithConfig takes the limit, the number of keys, the dry-run mode, the key patterns
// and the backlog from cfg. The rest comes from opts.
func RateLimitWithConfig(
	cfg *trafficlimit.Config, errDomain string, opts RateLimitOpts,
) (func(next http.Handler) http.Handler, error) {
	opts.MaxKeys = cfg.MaxKeys
	opts.DryRun = cfg.DryRun
	opts.ExcludedKeys = cfg.ExcludedKeys
	opts.IncludedKeys = cfg.IncludedKeys
	opts.BacklogLimit = cfg.Backlog.Limit
	opts.BacklogTimeout = time.Duration(cfg.Backlog.Timeout)
	if opts.GetRetryAfter == nil {
		opts.GetRetryAfter = GetRetryAfterEstimatedTime
	}
	return RateLimitWithOpts(cfg.Limit, errDomain, opts)
}

// GetRetryAfterEstimatedTime uses the limiter estimate as is.
func GetRetryAfterEstimatedTime(_ *http.Request, estimatedTime time.Duration) time.Duration {
	return estimatedTime
}

// DefaultRateLimitOnReject responds with the "tooManyRequests" JSON error.
// The Retry-After header and the retryAfter error context are set when params.GetRetryAfter is not nil.
func DefaultRateLimitOnReject(
	rw http.ResponseWriter, r *http.Request, params RateLimitParams, _ http.Handler, logger log.FieldLogger,
) {
	if logger != nil {
		logger = logger.With(
			log.String(RateLimitLogFieldKey, params.Key),
			log.String(userAgentLogFieldKey, r.UserAgent()),
			log.Bool("backlogged", params.RequestBacklogged),
		)
	}
	apiErr := restapi.NewTooManyRequestsError(params.ErrDomain)
	if params.GetRetryAfter != nil {
		secs := int(math.Ceil(params.GetRetryAfter(r, params.EstimatedRetryAfter).Seconds()))
		rw.Header().Set("Retry-After", strconv.Itoa(secs))
		apiErr.AddContext("retryAfter", secs)
	}
	restapi.RespondError(rw, params.ResponseStatusCode, apiErr, logger)
}

// DefaultRateLimitOnError logs err and responds with 500.
func DefaultRateLimitOnError(
	rw http.ResponseWriter, _ *http.Request, params RateLimitParams, err error, _ http.Handler, logger log.FieldLogger,
) {
	if logger != nil {
		logger.Error(err.Error(), log.String(RateLimitLogFieldKey, params.Key))
	}
	restapi.RespondInternalError(rw, params.ErrDomain, logger)
}

// DefaultRateLimitOnRejectInDryRun logs the rejection and passes the request to next.
func DefaultRateLimitOnRejectInDryRun(
	rw http.ResponseWriter, r *http.Request, params RateLimitParams, next http.Handler, logger log.FieldLogger,
) {
	if logger != nil {
		logger.Warn("too many requests, serving will be continued because of dry run mode",
			log.String(RateLimitLogFieldKey, params.Key),
			log.String(userAgentLogFieldKey, r.UserAgent()),
		)
	}
	next.ServeHTTP(rw, r)
}

// rateLimitedRequest adapts an HTTP request to ratelimit.RequestHandler.
type rateLimitedRequest struct {
	rw       http.ResponseWriter
	r        *http.Request
	next     http.Handler
	getKey   RateLimitGetKeyFunc
	onReject RateLimitOnRejectFunc
	onError  RateLimitOnErrorFunc
	params   RateLimitParams
}

var _ ratelimit.RequestHandler = (*rateLimitedRequest)(nil)

func (req *rateLimitedRequest) GetContext() context.Context {
	return req.r.Context()
}

func (req *rateLimitedRequest) GetKey() (key string, bypass bool, err error) {
	if req.getKey == nil {
		return "", false, nil
	}
	return req.getKey(req.r)
}

func (req *rateLimitedRequest) Execute() error {
	req.next.ServeHTTP(req.rw, req.r)
	return nil
}

func (req *rateLimitedRequest) OnReject(params ratelimit.Params) error {
	req.onReject(req.rw, req.r, req.withParams(params), req.next, GetLoggerFromContext(req.r.Context()))
	return nil
}

func (req *rateLimitedRequest) OnError(params ratelimit.Params, err error) error {
	req.onError(req.rw, req.r, req.withParams(params), err, req.next, GetLoggerFromContext(req.r.Context()))
	return nil
}

func (req *rateLimitedRequest) withParams(params ratelimit.Params) RateLimitParams {
	res := req.params
	res.Key = params.Key
	res.RequestBacklogged = params.RequestBacklogged
	res.EstimatedRetryAfter = params.EstimatedRetryAfter
	return res
}
