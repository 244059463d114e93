/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package interceptor

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/xid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"

	"github.com/drizzlepal/go-trafficlimit/log"
)

const headerRequestIDKey = "x-request-id"

// LoggingOption represents a configuration option for the logging interceptors.
type LoggingOption func(*loggingOptions)

type loggingOptions struct {
	generateRequestID func() string
	excludedMethods   []string
}

// WithLoggingRequestIDGenerator sets the function for generating request IDs
// when the incoming metadata does not carry one.
func WithLoggingRequestIDGenerator(generator func() string) LoggingOption {
	return func(opts *loggingOptions) {
		opts.generateRequestID = generator
	}
}

// WithLoggingExcludedMethods sets the full method names that are served without the "finished" log entry
// unless they fail.
func WithLoggingExcludedMethods(methods ...string) LoggingOption {
	return func(opts *loggingOptions) {
		opts.excludedMethods = append(opts.excludedMethods, methods...)
	}
}

func newLoggingOptions(options []LoggingOption) *loggingOptions {
	opts := &loggingOptions{generateRequestID: func() string { return xid.New().String() }}
	for _, option := range options {
		option(opts)
	}
	return opts
}

// LoggingUnaryInterceptor is a gRPC unary interceptor that puts the logger with the request ID into the context
// and logs the end of each call. Rate limiting interceptors chained after it use this logger.
func LoggingUnaryInterceptor(logger log.FieldLogger, options ...LoggingOption) func(
	ctx context.Context,
	req interface{},
	info *grpc.UnaryServerInfo,
	handler grpc.UnaryHandler,
) (interface{}, error) {
	opts := newLoggingOptions(options)
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		var resp interface{}
		ctx = prepareCallContext(ctx, logger, info.FullMethod, opts, func(md metadata.MD) {
			if err := grpc.SetHeader(ctx, md); err != nil {
				logger.Warn("failed to set request id header", log.Error(err))
			}
		})
		err := logCall(ctx, info.FullMethod, opts, func(ctx context.Context) error {
			var handlerErr error
			resp, handlerErr = handler(ctx, req)
			return handlerErr
		})
		return resp, err
	}
}

// LoggingStreamInterceptor is a gRPC stream interceptor that puts the logger with the request ID into the context
// and logs the end of each call. Rate limiting interceptors chained after it use this logger.
func LoggingStreamInterceptor(logger log.FieldLogger, options ...LoggingOption) func(
	srv interface{},
	ss grpc.ServerStream,
	info *grpc.StreamServerInfo,
	handler grpc.StreamHandler,
) error {
	opts := newLoggingOptions(options)
	return func(srv interface{}, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		ctx := prepareCallContext(ss.Context(), logger, info.FullMethod, opts, func(md metadata.MD) {
			if err := ss.SetHeader(md); err != nil {
				logger.Warn("failed to set request id header", log.Error(err))
			}
		})
		return logCall(ctx, info.FullMethod, opts, func(ctx context.Context) error {
			return handler(srv, &streamWithContext{ServerStream: ss, ctx: ctx})
		})
	}
}

func prepareCallContext(
	ctx context.Context, logger log.FieldLogger, fullMethod string, opts *loggingOptions, setHeader func(md metadata.MD),
) context.Context {
	var requestID string
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		if ids := md.Get(headerRequestIDKey); len(ids) > 0 {
			requestID = ids[0]
		}
	}
	if requestID == "" {
		requestID = opts.generateRequestID()
	}
	setHeader(metadata.Pairs(headerRequestIDKey, requestID))

	service, method := splitFullMethodName(fullMethod)
	var remoteAddr string
	if p, ok := peer.FromContext(ctx); ok && p.Addr != nil {
		remoteAddr = p.Addr.String()
	}
	callLogger := logger.With(
		log.String("request_id", requestID),
		log.String("grpc_service", service),
		log.String("grpc_method", method),
		log.String("remote_addr", remoteAddr),
	)
	return NewContextWithLogger(NewContextWithRequestID(ctx, requestID), callLogger)
}

func logCall(ctx context.Context, fullMethod string, opts *loggingOptions, handler func(ctx context.Context) error) error {
	startTime := time.Now()
	err := handler(ctx)
	duration := time.Since(startTime)

	if err == nil && isLoggingDisabled(fullMethod, opts.excludedMethods) {
		return nil
	}
	fields := []log.Field{
		log.String("grpc_code", status.Code(err).String()),
		log.Int64("duration_ms", duration.Milliseconds()),
	}
	if err != nil {
		fields = append(fields, log.String("grpc_error", err.Error()))
	}
	GetLoggerFromContext(ctx).Info(fmt.Sprintf("gRPC call finished in %.3fs", duration.Seconds()), fields...)
	return err
}

func splitFullMethodName(fullMethod string) (service string, method string) {
	const unknown = "unknown"
	fullMethod = strings.TrimPrefix(fullMethod, "/")
	if i := strings.Index(fullMethod, "/"); i >= 0 {
		return fullMethod[:i], fullMethod[i+1:]
	}
	return unknown, unknown
}

func isLoggingDisabled(fullMethod string, excludedMethods []string) bool {
	for _, method := range excludedMethods {
		if fullMethod == method {
			return true
		}
	}
	return false
}
