package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// Auth gates the marketplace API behind a single static key, accepted either
// as a Bearer token or in the X-API-Key header. An empty key disables the
// check; per-actor authentication is the perimeter's job and the engine
// trusts the X-Actor-ID headers it is handed.
func Auth(apiKey string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if apiKey == "" {
				next.ServeHTTP(w, r)
				return
			}

			token := apiToken(r)
			if token == "" {
				denyUnauthorized(w, "missing authentication token")
				return
			}

			// Constant-time compare keeps the key timing-safe.
			if subtle.ConstantTimeCompare([]byte(token), []byte(apiKey)) != 1 {
				denyUnauthorized(w, "invalid authentication token")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// apiToken pulls the presented key out of the request: Authorization with
// the Bearer scheme first, then X-API-Key.
func apiToken(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); auth != "" {
		scheme, rest, found := strings.Cut(auth, " ")
		if found && strings.EqualFold(scheme, "Bearer") {
			return strings.TrimSpace(rest)
		}
	}
	return strings.TrimSpace(r.Header.Get("X-API-Key"))
}

func denyUnauthorized(w http.ResponseWriter, msg string) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(http.StatusUnauthorized)
	w.Write([]byte(`{"error":"` + msg + `"}`))
}
