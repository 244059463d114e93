/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package interceptor

import (
	"context"
	"fmt"
	"math"
	"net"
	"strconv"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"

	"github.com/drizzlepal/go-trafficlimit/internal/ratelimit"
	"github.com/drizzlepal/go-trafficlimit/log"
	"github.com/drizzlepal/go-trafficlimit/trafficlimit"
)

// DefaultRateLimitMaxKeys is the number of keys with independent budgets when a key function is set
// and WithRateLimitMaxKeys is not used.
const DefaultRateLimitMaxKeys = 10000

// DefaultRateLimitBacklogTimeout is the longest time a call may wait in the backlog by default.
const DefaultRateLimitBacklogTimeout = ratelimit.DefaultRateLimitBacklogTimeout

// RateLimitLogFieldKey is the log field with the key the call is accounted under.
const RateLimitLogFieldKey = trafficlimit.KeyLogFieldKey

// RetryAfterMetadataKey is the response header with the number of seconds
// after which a rejected call may be retried.
const RetryAfterMetadataKey = "retry-after"

// RateLimitParams describes a call that was not admitted.
type RateLimitParams struct {
	Key                 string
	RequestBacklogged   bool
	EstimatedRetryAfter time.Duration
	UnaryGetRetryAfter  RateLimitUnaryGetRetryAfterFunc
	StreamGetRetryAfter RateLimitStreamGetRetryAfterFunc
}

// RateLimitUnaryGetKeyFunc returns the key a unary call is accounted under.
// Calls with bypass=true are not rate limited.
type RateLimitUnaryGetKeyFunc func(ctx context.Context, req interface{},
	info *grpc.UnaryServerInfo) (key string, bypass bool, err error)

// RateLimitStreamGetKeyFunc returns the key a stream call is accounted under.
// Calls with bypass=true are not rate limited.
type RateLimitStreamGetKeyFunc func(srv interface{}, ss grpc.ServerStream,
	info *grpc.StreamServerInfo) (key string, bypass bool, err error)

// RateLimitUnaryOnRejectFunc handles a unary call that exceeded the rate limit.
type RateLimitUnaryOnRejectFunc func(ctx context.Context, req interface{},
	info *grpc.UnaryServerInfo, handler grpc.UnaryHandler, params RateLimitParams) (interface{}, error)

// RateLimitStreamOnRejectFunc handles a stream call that exceeded the rate limit.
type RateLimitStreamOnRejectFunc func(srv interface{}, ss grpc.ServerStream,
	info *grpc.StreamServerInfo, handler grpc.StreamHandler, params RateLimitParams) error

// RateLimitUnaryOnErrorFunc handles a failure of rate limiting itself for a unary call
// (the key cannot be obtained, the call was canceled in the backlog).
type RateLimitUnaryOnErrorFunc func(ctx context.Context, req interface{},
	info *grpc.UnaryServerInfo, handler grpc.UnaryHandler, params RateLimitParams, err error) (interface{}, error)

// RateLimitStreamOnErrorFunc handles a failure of rate limiting itself for a stream call.
type RateLimitStreamOnErrorFunc func(srv interface{}, ss grpc.ServerStream,
	info *grpc.StreamServerInfo, handler grpc.StreamHandler, params RateLimitParams, err error) error

// RateLimitUnaryGetRetryAfterFunc returns a value for the retry-after header of a rejected unary call.
type RateLimitUnaryGetRetryAfterFunc func(ctx context.Context, req interface{},
	info *grpc.UnaryServerInfo, estimatedTime time.Duration) time.Duration

// RateLimitStreamGetRetryAfterFunc returns a value for the retry-after header of a rejected stream call.
type RateLimitStreamGetRetryAfterFunc func(srv interface{}, ss grpc.ServerStream,
	info *grpc.StreamServerInfo, estimatedTime time.Duration) time.Duration

// RateLimitOption configures the rate limit interceptors.
type RateLimitOption func(*rateLimitOptions)

type rateLimitOptions struct {
	maxKeys        int
	dryRun         bool
	backlogLimit   int
	backlogTimeout time.Duration
	excludedKeys   []string
	includedKeys   []string
	limiterOptions []trafficlimit.SlidingWindowOption

	unaryGetKey            RateLimitUnaryGetKeyFunc
	unaryOnReject          RateLimitUnaryOnRejectFunc
	unaryOnRejectInDryRun  RateLimitUnaryOnRejectFunc
	unaryOnError           RateLimitUnaryOnErrorFunc
	unaryGetRetryAfter     RateLimitUnaryGetRetryAfterFunc
	streamGetKey           RateLimitStreamGetKeyFunc
	streamOnReject         RateLimitStreamOnRejectFunc
	streamOnRejectInDryRun RateLimitStreamOnRejectFunc
	streamOnError          RateLimitStreamOnErrorFunc
	streamGetRetryAfter    RateLimitStreamGetRetryAfterFunc
}

// WithRateLimitMaxKeys limits the number of keys with independent budgets.
// The least recently used key is forgotten when the limit is reached.
func WithRateLimitMaxKeys(maxKeys int) RateLimitOption {
	return func(opts *rateLimitOptions) { opts.maxKeys = maxKeys }
}

// WithRateLimitDryRun makes the interceptor log rejections and serve the calls anyway.
func WithRateLimitDryRun(dryRun bool) RateLimitOption {
	return func(opts *rateLimitOptions) { opts.dryRun = dryRun }
}

// WithRateLimitBacklogLimit lets up to backlogLimit denied calls per key wait for a free slot.
func WithRateLimitBacklogLimit(backlogLimit int) RateLimitOption {
	return func(opts *rateLimitOptions) { opts.backlogLimit = backlogLimit }
}

// WithRateLimitBacklogTimeout sets how long a call may wait in the backlog.
func WithRateLimitBacklogTimeout(backlogTimeout time.Duration) RateLimitOption {
	return func(opts *rateLimitOptions) { opts.backlogTimeout = backlogTimeout }
}

// WithRateLimitExcludedKeys sets glob patterns of keys that bypass rate limiting.
func WithRateLimitExcludedKeys(keys ...string) RateLimitOption {
	return func(opts *rateLimitOptions) { opts.excludedKeys = append(opts.excludedKeys, keys...) }
}

// WithRateLimitIncludedKeys sets glob patterns of the only keys that are rate limited.
func WithRateLimitIncludedKeys(keys ...string) RateLimitOption {
	return func(opts *rateLimitOptions) { opts.includedKeys = append(opts.includedKeys, keys...) }
}

// WithRateLimitLimiterOptions passes options (logger, metrics collector, clock)
// to every sliding window limiter created by the interceptor.
func WithRateLimitLimiterOptions(options ...trafficlimit.SlidingWindowOption) RateLimitOption {
	return func(opts *rateLimitOptions) { opts.limiterOptions = append(opts.limiterOptions, options...) }
}

// WithRateLimitConfig applies everything from the configuration except the limit,
// which is passed to the interceptor constructor.
func WithRateLimitConfig(cfg *trafficlimit.Config) RateLimitOption {
	return func(opts *rateLimitOptions) {
		opts.maxKeys = cfg.MaxKeys
		opts.dryRun = cfg.DryRun
		opts.excludedKeys = cfg.ExcludedKeys
		opts.includedKeys = cfg.IncludedKeys
		opts.backlogLimit = cfg.Backlog.Limit
		opts.backlogTimeout = time.Duration(cfg.Backlog.Timeout)
	}
}

// WithRateLimitUnaryGetKey sets the key function for unary calls. By default all calls share one budget.
func WithRateLimitUnaryGetKey(getKey RateLimitUnaryGetKeyFunc) RateLimitOption {
	return func(opts *rateLimitOptions) { opts.unaryGetKey = getKey }
}

// WithRateLimitStreamGetKey sets the key function for stream calls. By default all calls share one budget.
func WithRateLimitStreamGetKey(getKey RateLimitStreamGetKeyFunc) RateLimitOption {
	return func(opts *rateLimitOptions) { opts.streamGetKey = getKey }
}

// WithRateLimitUnaryOnReject replaces DefaultRateLimitUnaryOnReject.
func WithRateLimitUnaryOnReject(onReject RateLimitUnaryOnRejectFunc) RateLimitOption {
	return func(opts *rateLimitOptions) { opts.unaryOnReject = onReject }
}

// WithRateLimitStreamOnReject replaces DefaultRateLimitStreamOnReject.
func WithRateLimitStreamOnReject(onReject RateLimitStreamOnRejectFunc) RateLimitOption {
	return func(opts *rateLimitOptions) { opts.streamOnReject = onReject }
}

// WithRateLimitUnaryOnRejectInDryRun replaces DefaultRateLimitUnaryOnRejectInDryRun.
func WithRateLimitUnaryOnRejectInDryRun(onReject RateLimitUnaryOnRejectFunc) RateLimitOption {
	return func(opts *rateLimitOptions) { opts.unaryOnRejectInDryRun = onReject }
}

// WithRateLimitStreamOnRejectInDryRun replaces DefaultRateLimitStreamOnRejectInDryRun.
func WithRateLimitStreamOnRejectInDryRun(onReject RateLimitStreamOnRejectFunc) RateLimitOption {
	return func(opts *rateLimitOptions) { opts.streamOnRejectInDryRun = onReject }
}

// WithRateLimitUnaryOnError replaces DefaultRateLimitUnaryOnError.
func WithRateLimitUnaryOnError(onError RateLimitUnaryOnErrorFunc) RateLimitOption {
	return func(opts *rateLimitOptions) { opts.unaryOnError = onError }
}

// WithRateLimitStreamOnError replaces DefaultRateLimitStreamOnError.
func WithRateLimitStreamOnError(onError RateLimitStreamOnErrorFunc) RateLimitOption {
	return func(opts *rateLimitOptions) { opts.streamOnError = onError }
}

// WithRateLimitUnaryGetRetryAfter adjusts the retry-after value the limiter estimated for a unary call.
func WithRateLimitUnaryGetRetryAfter(getRetryAfter RateLimitUnaryGetRetryAfterFunc) RateLimitOption {
	return func(opts *rateLimitOptions) { opts.unaryGetRetryAfter = getRetryAfter }
}

// WithRateLimitStreamGetRetryAfter adjusts the retry-after value the limiter estimated for a stream call.
func WithRateLimitStreamGetRetryAfter(getRetryAfter RateLimitStreamGetRetryAfterFunc) RateLimitOption {
	return func(opts *rateLimitOptions) { opts.streamGetRetryAfter = getRetryAfter }
}

// RateLimitUnaryInterceptor admits at most limit unary calls in the trailing one-second window.
func RateLimitUnaryInterceptor(limit int, options ...RateLimitOption) (grpc.UnaryServerInterceptor, error) {
	opts, processor, err := newRateLimitProcessor(limit, true, options)
	if err != nil {
		return nil, err
	}
	onReject := opts.unaryOnReject
	if onReject == nil {
		onReject = DefaultRateLimitUnaryOnReject
	}
	if opts.dryRun {
		onReject = opts.unaryOnRejectInDryRun
		if onReject == nil {
			onReject = DefaultRateLimitUnaryOnRejectInDryRun
		}
	}
	onError := opts.unaryOnError
	if onError == nil {
		onError = DefaultRateLimitUnaryOnError
	}

	return func(
		ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler,
	) (interface{}, error) {
		var resp interface{}
		call := &rateLimitedCall{
			ctx: ctx,
			getKey: func() (string, bool, error) {
				if opts.unaryGetKey == nil {
					return "", false, nil
				}
				return opts.unaryGetKey(ctx, req, info)
			},
			execute: func() (err error) {
				resp, err = handler(ctx, req)
				return err
			},
			onReject: func(params RateLimitParams) (err error) {
				params.UnaryGetRetryAfter = opts.unaryGetRetryAfter
				resp, err = onReject(ctx, req, info, handler, params)
				return err
			},
			onError: func(params RateLimitParams, rlErr error) (err error) {
				params.UnaryGetRetryAfter = opts.unaryGetRetryAfter
				resp, err = onError(ctx, req, info, handler, params, rlErr)
				return err
			},
		}
		err := processor.ProcessRequest(call)
		return resp, err
	}, nil
}

// RateLimitStreamInterceptor admits at most limit stream calls in the trailing one-second window.
func RateLimitStreamInterceptor(limit int, options ...RateLimitOption) (grpc.StreamServerInterceptor, error) {
	opts, processor, err := newRateLimitProcessor(limit, false, options)
	if err != nil {
		return nil, err
	}
	onReject := opts.streamOnReject
	if onReject == nil {
		onReject = DefaultRateLimitStreamOnReject
	}
	if opts.dryRun {
		onReject = opts.streamOnRejectInDryRun
		if onReject == nil {
			onReject = DefaultRateLimitStreamOnRejectInDryRun
		}
	}
	onError := opts.streamOnError
	if onError == nil {
		onError = DefaultRateLimitStreamOnError
	}

	return func(srv interface{}, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		return processor.ProcessRequest(&rateLimitedCall{
			ctx: ss.Context(),
			getKey: func() (string, bool, error) {
				if opts.streamGetKey == nil {
					return "", false, nil
				}
				return opts.streamGetKey(srv, ss, info)
			},
			execute: func() error {
				return handler(srv, ss)
			},
			onReject: func(params RateLimitParams) error {
				params.StreamGetRetryAfter = opts.streamGetRetryAfter
				return onReject(srv, ss, info, handler, params)
			},
			onError: func(params RateLimitParams, rlErr error) error {
				params.StreamGetRetryAfter = opts.streamGetRetryAfter
				return onError(srv, ss, info, handler, params, rlErr)
			},
		})
	}, nil
}

func newRateLimitProcessor(
	limit int, isUnary bool, options []RateLimitOption,
) (*rateLimitOptions, *ratelimit.RequestProcessor, error) {
	opts := &rateLimitOptions{backlogTimeout: DefaultRateLimitBacklogTimeout}
	for _, option := range options {
		option(opts)
	}

	maxKeys := 0
	if (isUnary && opts.unaryGetKey != nil) || (!isUnary && opts.streamGetKey != nil) {
		if maxKeys = opts.maxKeys; maxKeys == 0 {
			maxKeys = DefaultRateLimitMaxKeys
		}
	}

	limiter, err := trafficlimit.NewKeyedLimiter(limit, maxKeys, opts.limiterOptions...)
	if err != nil {
		return nil, nil, fmt.Errorf("new keyed limiter: %w", err)
	}

	backlogParams := ratelimit.BacklogParams{MaxKeys: maxKeys, Limit: opts.backlogLimit, Timeout: opts.backlogTimeout}
	if opts.dryRun {
		// Calls are never delayed in dry-run mode.
		backlogParams.Limit = 0
	}
	keyFilter, err := ratelimit.NewKeyFilter(opts.excludedKeys, opts.includedKeys)
	if err != nil {
		return nil, nil, fmt.Errorf("new rate limit key filter: %w", err)
	}
	processor, err := ratelimit.NewRequestProcessor(limiter, backlogParams, ratelimit.WithKeyFilter(keyFilter))
	if err != nil {
		return nil, nil, fmt.Errorf("new rate limit request processor: %w", err)
	}
	return opts, processor, nil
}

// rateLimitedCall adapts a unary or stream call to ratelimit.RequestHandler.
type rateLimitedCall struct {
	ctx      context.Context
	getKey   func() (string, bool, error)
	execute  func() error
	onReject func(params RateLimitParams) error
	onError  func(params RateLimitParams, err error) error
}

var _ ratelimit.RequestHandler = (*rateLimitedCall)(nil)

func (c *rateLimitedCall) GetContext() context.Context {
	return c.ctx
}

func (c *rateLimitedCall) GetKey() (string, bool, error) {
	return c.getKey()
}

func (c *rateLimitedCall) Execute() error {
	return c.execute()
}

func (c *rateLimitedCall) OnReject(params ratelimit.Params) error {
	return c.onReject(RateLimitParams{
		Key:                 params.Key,
		RequestBacklogged:   params.RequestBacklogged,
		EstimatedRetryAfter: params.EstimatedRetryAfter,
	})
}

func (c *rateLimitedCall) OnError(params ratelimit.Params, err error) error {
	return c.onError(RateLimitParams{
		Key:                 params.Key,
		RequestBacklogged:   params.RequestBacklogged,
		EstimatedRetryAfter: params.EstimatedRetryAfter,
	}, err)
}

// DefaultRateLimitUnaryOnReject sets the retry-after header and returns the ResourceExhausted status.
func DefaultRateLimitUnaryOnReject(
	ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, _ grpc.UnaryHandler, params RateLimitParams,
) (interface{}, error) {
	retryAfter := params.EstimatedRetryAfter
	if params.UnaryGetRetryAfter != nil {
		retryAfter = params.UnaryGetRetryAfter(ctx, req, info, params.EstimatedRetryAfter)
	}
	return nil, rejectCall(ctx, params, retryAfter, func(md metadata.MD) error { return grpc.SetHeader(ctx, md) })
}

// DefaultRateLimitStreamOnReject sets the retry-after header and returns the ResourceExhausted status.
func DefaultRateLimitStreamOnReject(
	srv interface{}, ss grpc.ServerStream, info *grpc.StreamServerInfo, _ grpc.StreamHandler, params RateLimitParams,
) error {
	retryAfter := params.EstimatedRetryAfter
	if params.StreamGetRetryAfter != nil {
		retryAfter = params.StreamGetRetryAfter(srv, ss, info, params.EstimatedRetryAfter)
	}
	return rejectCall(ss.Context(), params, retryAfter, ss.SetHeader)
}

func rejectCall(
	ctx context.Context, params RateLimitParams, retryAfter time.Duration, setHeader func(md metadata.MD) error,
) error {
	logger := GetLoggerFromContext(ctx)
	if logger != nil {
		logger.Warn("rate limit exceeded",
			log.String(RateLimitLogFieldKey, params.Key), log.Bool("backlogged", params.RequestBacklogged))
	}
	retryAfterSecs := strconv.Itoa(int(math.Ceil(retryAfter.Seconds())))
	if err := setHeader(metadata.Pairs(RetryAfterMetadataKey, retryAfterSecs)); err != nil && logger != nil {
		logger.Warn("failed to set retry-after header", log.Error(err))
	}
	return status.Error(codes.ResourceExhausted, "Too many requests")
}

// DefaultRateLimitUnaryOnError logs the error and returns the Internal status.
func DefaultRateLimitUnaryOnError(
	ctx context.Context, _ interface{}, _ *grpc.UnaryServerInfo, _ grpc.UnaryHandler, params RateLimitParams, err error,
) (interface{}, error) {
	return nil, rateLimitingFailed(ctx, params, err)
}

// DefaultRateLimitStreamOnError logs the error and returns the Internal status.
func DefaultRateLimitStreamOnError(
	_ interface{}, ss grpc.ServerStream, _ *grpc.StreamServerInfo, _ grpc.StreamHandler, params RateLimitParams, err error,
) error {
	return rateLimitingFailed(ss.Context(), params, err)
}

func rateLimitingFailed(ctx context.Context, params RateLimitParams, err error) error {
	if logger := GetLoggerFromContext(ctx); logger != nil {
		logger.Error("rate limiting error", log.String(RateLimitLogFieldKey, params.Key), log.Error(err))
	}
	return status.Error(codes.Internal, "Internal server error")
}

// DefaultRateLimitUnaryOnRejectInDryRun logs the rejection and serves the unary call.
func DefaultRateLimitUnaryOnRejectInDryRun(
	ctx context.Context, req interface{}, _ *grpc.UnaryServerInfo, handler grpc.UnaryHandler, params RateLimitParams,
) (interface{}, error) {
	logDryRunRejection(ctx, params)
	return handler(ctx, req)
}

// DefaultRateLimitStreamOnRejectInDryRun logs the rejection and serves the stream call.
func DefaultRateLimitStreamOnRejectInDryRun(
	srv interface{}, ss grpc.ServerStream, _ *grpc.StreamServerInfo, handler grpc.StreamHandler, params RateLimitParams,
) error {
	logDryRunRejection(ss.Context(), params)
	return handler(srv, ss)
}

func logDryRunRejection(ctx context.Context, params RateLimitParams) {
	if logger := GetLoggerFromContext(ctx); logger != nil {
		logger.Warn("rate limit exceeded, continuing in dry run mode", log.String(RateLimitLogFieldKey, params.Key))
	}
}

// RateLimitUnaryGetKeyByPeer accounts unary calls by the host of the remote peer.
// Calls without peer information bypass rate limiting.
func RateLimitUnaryGetKeyByPeer(ctx context.Context, _ interface{}, _ *grpc.UnaryServerInfo) (string, bool, error) {
	return getKeyByPeer(ctx)
}

// RateLimitStreamGetKeyByPeer accounts stream calls by the host of the remote peer.
// Calls without peer information bypass rate limiting.
func RateLimitStreamGetKeyByPeer(_ interface{}, ss grpc.ServerStream, _ *grpc.StreamServerInfo) (string, bool, error) {
	return getKeyByPeer(ss.Context())
}

// RateLimitUnaryGetKeyByMethod gives every unary method its own budget.
func RateLimitUnaryGetKeyByMethod(_ context.Context, _ interface{}, info *grpc.UnaryServerInfo) (string, bool, error) {
	return info.FullMethod, false, nil
}

// RateLimitStreamGetKeyByMethod gives every stream method its own budget.
func RateLimitStreamGetKeyByMethod(_ interface{}, _ grpc.ServerStream, info *grpc.StreamServerInfo) (string, bool, error) {
	return info.FullMethod, false, nil
}

func getKeyByPeer(ctx context.Context) (string, bool, error) {
	p, ok := peer.FromContext(ctx)
	if !ok || p.Addr == nil {
		return "", true, nil
	}
	if host, _, err := net.SplitHostPort(p.Addr.String()); err == nil {
		return host, false, nil
	}
	return p.Addr.String(), false, nil
}
