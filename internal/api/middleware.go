package api

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// AuthMiddleware guards a route tree with a shared token. The token is
// accepted as a bearer Authorization header or as a token query parameter;
// the query form exists for stream URLs opened in a browser, which cannot
// set headers. An empty configured token disables the check.
func AuthMiddleware(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !authorized(token, r) {
				writeError(w, http.StatusUnauthorized, "unauthorized", "missing or invalid token")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func authorized(token string, r *http.Request) bool {
	if token == "" {
		return true
	}
	for _, candidate := range []string{bearerToken(r), r.URL.Query().Get("token")} {
		if candidate == "" {
			continue
		}
		if subtle.ConstantTimeCompare([]byte(token), []byte(candidate)) == 1 {
			return true
		}
	}
	return false
}

func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if strings.HasPrefix(header, "Bearer ") {
		return strings.TrimPrefix(header, "Bearer ")
	}
	return ""
}
