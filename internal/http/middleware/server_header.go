package middleware

import "net/http"

// ServerHeader sets the Server response header on every response.
func ServerHeader(value string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if value != "" {
				w.Header().Set("Server", value)
			}
			next.ServeHTTP(w, r)
		})
	}
}
