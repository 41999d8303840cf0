package shield

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// RequireKey returns middleware enforcing the static shared secret. The key
// is accepted from the X-API-Key header or as an Authorization bearer token,
// compared in constant time. When required is false the middleware passes
// everything through.
func RequireKey(key string, required bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !required || authorized(r, key) {
				next.ServeHTTP(w, r)
				return
			}
			writeJSON(w, http.StatusUnauthorized, map[string]any{
				"ok": false, "error": "unauthorized",
			})
		})
	}
}

func authorized(r *http.Request, key string) bool {
	if key == "" {
		return false
	}
	if header := strings.TrimSpace(r.Header.Get("X-API-Key")); header != "" {
		return subtle.ConstantTimeCompare([]byte(header), []byte(key)) == 1
	}
	auth := strings.TrimSpace(r.Header.Get("Authorization"))
	if len(auth) > 7 && strings.EqualFold(auth[:7], "bearer ") {
		token := strings.TrimSpace(auth[7:])
		return subtle.ConstantTimeCompare([]byte(token), []byte(key)) == 1
	}
	return false
}
