// Package authmw provides HTTP middleware for bearer token authentication.
package authmw

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// BearerTokens returns middleware that validates the Authorization header
// against a set of accepted operator tokens. Comparison uses constant-time
// equality to prevent timing side-channel attacks.
//
// An empty token set disables authentication. That is the dev-mode
// configuration; production deployments always carry at least one token.
func BearerTokens(tokens []string) func(http.Handler) http.Handler {
	accepted := make([][]byte, 0, len(tokens))
	for _, tok := range tokens {
		if tok = strings.TrimSpace(tok); tok != "" {
			accepted = append(accepted, []byte(tok))
		}
	}

	return func(next http.Handler) http.Handler {
		if len(accepted) == 0 {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			auth := r.Header.Get("Authorization")

			if !strings.HasPrefix(auth, "Bearer ") {
				http.Error(w, `{"error":"missing or malformed authorization header"}`, http.StatusUnauthorized)
				return
			}

			got := []byte(auth[len("Bearer "):])

			ok := false
			for _, want := range accepted {
				// Check every token so timing does not reveal which one
				// matched.
				if subtle.ConstantTimeCompare(got, want) == 1 {
					ok = true
				}
			}
			if !ok {
				http.Error(w, `{"error":"invalid token"}`, http.StatusUnauthorized)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
