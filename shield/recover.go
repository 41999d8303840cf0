package shield

import (
	"net/http"
	"runtime/debug"
)

// Recover converts a handler panic into a logged generic 500. Internal
// details never reach the client.
func Recover(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				GetLogger(r.Context()).Error("shield: panic recovered",
					"panic", rec, "path", r.URL.Path, "stack", string(debug.Stack()))
				writeJSON(w, http.StatusInternalServerError, map[string]any{
					"ok": false, "error": "internal error",
				})
			}
		}()
		next.ServeHTTP(w, r)
	})
}
