package shield

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/hazyhaar/cellgrid/idgen"
	"github.com/hazyhaar/cellgrid/kit"
)

var newTraceID = idgen.NanoID(12)

// Tracer returns middleware that assigns a trace id to each request (or
// reuses an incoming X-Trace-ID), stores it under kit.TraceIDKey, echoes it
// in the response and attaches a per-request logger derived from base.
func Tracer(base *slog.Logger) func(http.Handler) http.Handler {
	if base == nil {
		base = slog.Default()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			traceID := r.Header.Get("X-Trace-ID")
			if traceID == "" || len(traceID) > 64 {
				traceID = newTraceID()
			}
			w.Header().Set("X-Trace-ID", traceID)

			ctx := kit.WithTraceID(r.Context(), traceID)
			ctx = kit.WithTransport(ctx, "http")
			logger := base.With(
				"trace_id", traceID,
				"method", r.Method,
				"path", r.URL.Path,
				"remote_addr", ExtractIP(r),
			)
			ctx = context.WithValue(ctx, LoggerKey, logger)
			logger.Debug("request")

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
