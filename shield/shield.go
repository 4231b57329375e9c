// CLAUDE:SUMMARY HTTP middleware for the cellgrid API — headers, JSON body cap, trace id + request logger, rate limits, maintenance.
// Package shield provides the HTTP middleware that sits in front of the
// cellgrid API.
//
// Usage:
//
//	r := chi.NewRouter()
//	stack, mm, rl := shield.DefaultAPIStack(opsDB, logger)
//	mm.StartReloader(done)
//	rl.StartReloader(done)
//	for _, mw := range stack {
//	    r.Use(mw)
//	}
//
// Rate limit rules and the maintenance flag live in the SQLite operations
// database (see Schema) so they can be changed without a restart.
package shield

import (
	"context"
	"database/sql"
	"log/slog"
	"net/http"
)

type contextKey string

// LoggerKey is the context key for the per-request structured logger.
const LoggerKey contextKey = "shield_logger"

// DefaultMaxBody caps JSON request bodies.
const DefaultMaxBody = 64 * 1024

// DefaultAPIStack returns the standard middleware stack for the public API.
// Order: HeadToGet → SecurityHeaders → MaxJSONBody → Tracer → Maintenance → RateLimiter.
// Health checks and metrics bypass maintenance and rate limiting.
func DefaultAPIStack(db *sql.DB, logger *slog.Logger) ([]func(http.Handler) http.Handler, *MaintenanceMode, *RateLimiter) {
	if logger == nil {
		logger = slog.Default()
	}
	mm := NewMaintenanceMode(db, "/healthz", "/metrics")
	rl := NewRateLimiter(db, "/healthz", "/metrics")
	return []func(http.Handler) http.Handler{
		HeadToGet,
		SecurityHeaders(DefaultHeaders()),
		MaxJSONBody(DefaultMaxBody),
		Tracer(logger),
		mm.Middleware,
		rl.Middleware,
	}, mm, rl
}

// GetLogger retrieves the per-request logger from the context.
// Returns slog.Default() if no logger was set.
func GetLogger(ctx context.Context) *slog.Logger {
	if l, ok := ctx.Value(LoggerKey).(*slog.Logger); ok {
		return l
	}
	return slog.Default()
}
