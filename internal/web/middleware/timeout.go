package middleware

import (
	"context"
	"net/http"
	"time"
)

// Timeout bounds the context of every request. Handlers observe the deadline
// through their context and render the resulting error themselves, so
// degraded read paths can still answer before the deadline fires.
func Timeout(timeout time.Duration) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if timeout <= 0 {
				next.ServeHTTP(w, r)
				return
			}
			ctx, cancel := context.WithTimeout(r.Context(), timeout)
			defer cancel()

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
