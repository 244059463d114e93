/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

package middleware

import (
	"fmt"
	"net/http"
	"time"

	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/drizzlepal/go-trafficlimit/log"
)

const userAgentLogFieldKey = "user_agent"

// Logging is a middleware that puts a request-scoped logger (with request ids in fields) into the request context
// and logs the completion of every request.
// Rate limiting middleware takes its logger from the context, so Logging should go before it.
func Logging(logger log.FieldLogger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
			startTime := time.Now()
			ctx := r.Context()

			reqLogger := logger.With(
				log.String("request_id", GetRequestIDFromContext(ctx)),
				log.String("int_request_id", GetInternalRequestIDFromContext(ctx)),
			)
			wrw := chimw.NewWrapResponseWriter(rw, r.ProtoMajor)
			next.ServeHTTP(wrw, r.WithContext(NewContextWithLogger(ctx, reqLogger)))

			status := wrw.Status()
			if status == 0 {
				status = http.StatusOK
			}
			duration := time.Since(startTime)
			reqLogger.Info(fmt.Sprintf("response completed in %.3fs", duration.Seconds()),
				log.String("method", r.Method),
				log.String("uri", r.RequestURI),
				log.String("remote_addr", r.RemoteAddr),
				log.String(userAgentLogFieldKey, r.UserAgent()),
				log.Int64("duration_ms", duration.Milliseconds()),
				log.Int("status", status),
				log.Int("bytes_sent", wrw.BytesWritten()),
			)
		})
	}
}
