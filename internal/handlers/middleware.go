package handlers

import (
	"crypto/subtle"
	"net/http"

	"github.com/gorilla/mux"
)

// AuthMiddleware gates every dump operation behind a static bearer token.
// Token issuance and user management live outside this service; the
// middleware only answers "is the caller authorized". An empty configured
// token leaves the gate open.
func AuthMiddleware(token string) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if token == "" {
				next.ServeHTTP(w, r)
				return
			}
			got := r.Header.Get("Authorization")
			want := "Bearer " + token
			if subtle.ConstantTimeCompare([]byte(got), []byte(want)) != 1 {
				writeErrorMessage(w, http.StatusUnauthorized, "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
