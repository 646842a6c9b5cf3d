package middleware

import (
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/fieldops/layoutd/internal/logging"
	"github.com/fieldops/layoutd/internal/web/auth"
	"github.com/fieldops/layoutd/internal/web/ratelimit"
	"github.com/fieldops/layoutd/internal/web/response"
)

// PrincipalKey keys rate limits by the authenticated user, falling back to
// the role for service tokens without a user id. Admins are not limited.
func PrincipalKey(r *http.Request) string {
	p, ok := auth.CurrentPrincipal(r.Context())
	if !ok || p.IsAdmin {
		return ""
	}
	if p.UserID != "" {
		return "user:" + p.UserID
	}
	return "role:" + p.Role
}

// RateLimit rejects requests once the principal exhausted its budget. It
// must run after Auth. Requests without a key pass, and so do requests
// the limiter fails to decide on.
func RateLimit(limiter ratelimit.Limiter, logger *zap.Logger) Middleware {
	logger = logging.OrNop(logger)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := PrincipalKey(r)
			if key == "" {
				next.ServeHTTP(w, r)
				return
			}

			d, err := limiter.Allow(r.Context(), key)
			if err != nil {
				logger.Warn("rate limit check failed", zap.String("key", key), zap.Error(err))
				next.ServeHTTP(w, r)
				return
			}

			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
			w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(d.ResetAt.Unix(), 10))

			if !d.Allowed {
				response.RenderTooManyRequests(w, d.RetryAfter(time.Now()))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
