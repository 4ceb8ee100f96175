package shield

import "net/http"

// MaxBody returns middleware that caps the request body size. Reference
// images arrive base64-encoded in JSON bodies, so the cap must leave room
// for a screenshot-sized payload plus encoding overhead.
func MaxBody(maxBytes int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Body != nil {
				r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
			}
			next.ServeHTTP(w, r)
		})
	}
}
