// Package auth guards the HTTP API with an optional shared API key and
// per-IP rate limiting.
package auth

import (
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
)

// Middleware validates the shared API key on every request. The key is
// read from X-API-Key, falling back to an Authorization Bearer token. An
// empty expected key disables authentication entirely. Paths in skipPaths
// (health and metrics endpoints) are always allowed. With a non-nil
// limiter, repeated failures from one IP are blocked for a cooldown.
func Middleware(apiKey string, skipPaths []string, limiter *RateLimiter) func(http.Handler) http.Handler {
	skip := make(map[string]bool, len(skipPaths))
	for _, p := range skipPaths {
		skip[p] = true
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if apiKey == "" || skip[r.URL.Path] {
				next.ServeHTTP(w, r)
				return
			}

			clientIP := ClientIP(r)
			if limiter != nil && limiter.IsAuthBlocked(clientIP) {
				w.Header().Set("Retry-After", fmt.Sprintf("%d", limiter.AuthBlockRetryAfter(clientIP)))
				writeAuthError(w, http.StatusTooManyRequests, "too many failed authentication attempts")
				return
			}

			if !validKey(r, apiKey) {
				if limiter != nil {
					limiter.AuthFailure(clientIP)
				}
				writeAuthError(w, http.StatusUnauthorized, "missing or invalid API key")
				return
			}

			if limiter != nil {
				limiter.AuthSuccess(clientIP)
			}
			next.ServeHTTP(w, r)
		})
	}
}

// validKey extracts the presented key and compares it in constant time.
func validKey(r *http.Request, expected string) bool {
	key := r.Header.Get("X-API-Key")
	if key == "" {
		if bearer := r.Header.Get("Authorization"); strings.HasPrefix(bearer, "Bearer ") {
			key = strings.TrimPrefix(bearer, "Bearer ")
		}
	}
	if key == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(key), []byte(expected)) == 1
}

// ClientIP returns the originating client address, honoring the first
// X-Forwarded-For hop when present.
func ClientIP(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		first, _, _ := strings.Cut(forwarded, ",")
		return strings.TrimSpace(first)
	}
	return r.RemoteAddr
}

func writeAuthError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"error":   http.StatusText(status),
		"message": message,
	})
}
