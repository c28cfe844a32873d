// Package api implements the ansuz REST and streaming API using chi.
package api

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"
)

type ownerKey struct{}

// WithOwner returns a copy of ctx carrying the authenticated owner id.
func WithOwner(ctx context.Context, ownerID string) context.Context {
	return context.WithValue(ctx, ownerKey{}, ownerID)
}

// OwnerFromContext returns the owner id set by AuthMiddleware, or "".
func OwnerFromContext(ctx context.Context) string {
	id, _ := ctx.Value(ownerKey{}).(string)
	return id
}

// AuthMiddleware resolves the caller to ownerID.
// With enabled false every request is attributed to ownerID.
// With enabled true the request must carry "Authorization: Bearer <token>".
func AuthMiddleware(enabled bool, token, ownerID string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if enabled {
				auth := r.Header.Get("Authorization")
				got, ok := strings.CutPrefix(auth, "Bearer ")
				if !ok || token == "" || subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
					writeJSON(w, http.StatusUnauthorized, errorBody("unauthorized"))
					return
				}
			}
			next.ServeHTTP(w, r.WithContext(WithOwner(r.Context(), ownerID)))
		})
	}
}
