// Package auth provides authentication middleware for the brookd API.
// Single-user deployments run with Noop (no auth); setting an API key switches
// the /v0 surface to static bearer-token auth under the default tenant.
package auth

import (
	"crypto/subtle"
	"fmt"
	"net/http"
	"strings"

	"github.com/brook-data/brook/manager/internal/api"
	"github.com/brook-data/brook/manager/internal/domain"
)

// Noop returns a middleware that passes every request through unchanged.
// Handlers downstream fall back to the default tenant.
func Noop() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return next
	}
}

// APIKey returns a middleware validating requests against a static key read
// from "Authorization: Bearer <key>". An empty key behaves like Noop.
// Comparison uses crypto/subtle.ConstantTimeCompare to prevent timing attacks.
// Authenticated requests run under the default tenant; per-key tenants plug in
// here once key management grows beyond a single static secret.
func APIKey(key string) func(http.Handler) http.Handler {
	if key == "" {
		return Noop()
	}

	keyBytes := []byte(key)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := bearerToken(r)
			if token == "" {
				unauthorized(w, "missing or invalid Authorization header")
				return
			}
			if subtle.ConstantTimeCompare([]byte(token), keyBytes) != 1 {
				unauthorized(w, "invalid API key")
				return
			}

			ctx := api.ContextWithTenant(r.Context(), domain.DefaultTenantID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// bearerToken extracts the token from "Authorization: Bearer <token>".
func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if !strings.HasPrefix(h, "Bearer ") {
		return ""
	}
	return strings.TrimPrefix(h, "Bearer ")
}

// unauthorized writes the standard error envelope with a 401.
func unauthorized(w http.ResponseWriter, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	fmt.Fprintf(w, `{"message":%q,"error_code":"Unauthorized"}`, message)
}
