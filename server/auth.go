package server

import (
	"net/http"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

// BearerAuth returns middleware that requires "Authorization: Bearer <token>"
// where bcrypt.CompareHashAndPassword(tokenHash, token) succeeds. The hash
// comparison keeps the plaintext token out of config files.
func BearerAuth(tokenHash string) func(http.Handler) http.Handler {
	hash := []byte(tokenHash)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			token, ok := strings.CutPrefix(header, "Bearer ")
			if !ok || token == "" {
				unauthorized(w)
				return
			}
			if bcrypt.CompareHashAndPassword(hash, []byte(token)) != nil {
				unauthorized(w)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func unauthorized(w http.ResponseWriter) {
	w.Header().Set("WWW-Authenticate", `Bearer realm="portal"`)
	http.Error(w, "unauthorized", http.StatusUnauthorized)
}
