package middleware

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/fieldops/layoutd/internal/permissions"
	"github.com/fieldops/layoutd/internal/web/auth"
	"github.com/fieldops/layoutd/internal/web/ratelimit"
)

type failingLimiter struct{}

func (failingLimiter) Allow(ctx context.Context, key string) (*ratelimit.Decision, error) {
	return nil, errors.New("redis: connection refused")
}

func limitedRequest(p *permissions.Principal) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/intelligence/track-interaction", nil)
	if p != nil {
		req = req.WithContext(auth.WithPrincipal(req.Context(), *p))
	}
	return req
}

func TestPrincipalKey(t *testing.T) {
	tests := []struct {
		name string
		p    *permissions.Principal
		want string
	}{
		{"user", &permissions.Principal{UserID: "u1", Role: "technician"}, "user:u1"},
		{"service token", &permissions.Principal{Role: "dispatcher"}, "role:dispatcher"},
		{"admin", &permissions.Principal{UserID: "a1", Role: "admin", IsAdmin: true}, ""},
		{"anonymous", nil, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, PrincipalKey(limitedRequest(tt.p)))
		})
	}
}

func TestRateLimit(t *testing.T) {
	limiter := ratelimit.NewTokenBucket(ratelimit.TokenBucketConfig{Capacity: 2, Window: time.Minute})
	defer limiter.Close()

	handler := RateLimit(limiter, nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	}))
	tech := &permissions.Principal{UserID: "u1", Role: "technician"}

	for i := 0; i < 2; i++ {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, limitedRequest(tech))
		assert.Equal(t, http.StatusAccepted, rec.Code)
		assert.Equal(t, "2", rec.Header().Get("X-RateLimit-Limit"))
	}

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, limitedRequest(tech))
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "0", rec.Header().Get("X-RateLimit-Remaining"))
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))
	assert.Contains(t, rec.Body.String(), `"code":"rate_limited"`)

	t.Run("other users keep their budget", func(t *testing.T) {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, limitedRequest(&permissions.Principal{UserID: "u2", Role: "technician"}))
		assert.Equal(t, http.StatusAccepted, rec.Code)
	})

	t.Run("admins are not limited", func(t *testing.T) {
		admin := &permissions.Principal{UserID: "a1", Role: "admin", IsAdmin: true}
		for i := 0; i < 5; i++ {
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, limitedRequest(admin))
			assert.Equal(t, http.StatusAccepted, rec.Code)
			assert.Empty(t, rec.Header().Get("X-RateLimit-Limit"))
		}
	})
}

func TestRateLimit_FailsOpen(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	handler := RateLimit(failingLimiter{}, zap.New(core))(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, limitedRequest(&permissions.Principal{UserID: "u1"}))

	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, 1, logs.FilterMessage("rate limit check failed").Len())
}
