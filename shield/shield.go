// Package shield provides the HTTP middleware stack for the scrape service:
// panic recovery, response headers, body limits, request tracing, per-client
// rate limiting, and shared-secret auth.
//
// Usage:
//
//	rl := shield.NewRateLimiter(10, 20)
//	rl.StartGC(done)
//	r := chi.NewRouter()
//	for _, mw := range shield.DefaultStack(rl) {
//	    r.Use(mw)
//	}
//	r.Group(func(r chi.Router) {
//	    r.Use(shield.RequireKey(cfg.APIKey, cfg.RequireAuth))
//	    ...
//	})
package shield

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
)

type contextKey string

const (
	// LoggerKey is the context key for the per-request structured logger.
	LoggerKey contextKey = "shield_logger"

	// TraceIDKey is the context key for the request trace id.
	TraceIDKey contextKey = "shield_trace_id"
)

// DefaultStack returns the standard middleware stack, ordered
// Recover → Headers → MaxBody → TraceID → RateLimit. Auth is not included:
// the health endpoint stays open, so RequireKey is applied per route group.
func DefaultStack(rl *RateLimiter) []func(http.Handler) http.Handler {
	return []func(http.Handler) http.Handler{
		Recover,
		Headers,
		MaxBody(64 * 1024),
		TraceID,
		rl.Middleware,
	}
}

// GetLogger retrieves the per-request logger from the context.
// Returns slog.Default() if no logger was set.
func GetLogger(ctx context.Context) *slog.Logger {
	if l, ok := ctx.Value(LoggerKey).(*slog.Logger); ok {
		return l
	}
	return slog.Default()
}

// writeJSON is the shared error-response helper for middleware rejections.
func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}
