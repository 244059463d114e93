/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package interceptor

import (
	"context"

	"google.golang.org/grpc"

	"github.com/drizzlepal/go-trafficlimit/log"
)

type ctxKey struct{ name string }

var (
	ctxKeyRequestID = &ctxKey{"request_id"}
	ctxKeyLogger    = &ctxKey{"logger"}
)

// NewContextWithRequestID returns a copy of ctx that carries the call's request id.
func NewContextWithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, ctxKeyRequestID, requestID)
}

// GetRequestIDFromContext returns the call's request id or an empty string.
func GetRequestIDFromContext(ctx context.Context) string {
	requestID, _ := ctx.Value(ctxKeyRequestID).(string)
	return requestID
}

// NewContextWithLogger returns a copy of ctx that carries the call-scoped logger.
func NewContextWithLogger(ctx context.Context, logger log.FieldLogger) context.Context {
	return context.WithValue(ctx, ctxKeyLogger, logger)
}

// GetLoggerFromContext returns the call-scoped logger set by the logging interceptor, or nil.
func GetLoggerFromContext(ctx context.Context) log.FieldLogger {
	logger, _ := ctx.Value(ctxKeyLogger).(log.FieldLogger)
	return logger
}

// streamWithContext replaces the context of a server stream.
type streamWithContext struct {
	grpc.ServerStream
	ctx context.Context
}

func (ss *streamWithContext) Context() context.Context {
	return ss.ctx
}
