// Package api exposes layout intelligence and permission resolution over HTTP
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/fieldops/layoutd/internal/analyzer"
	"github.com/fieldops/layoutd/internal/engine"
	"github.com/fieldops/layoutd/internal/interactions"
	"github.com/fieldops/layoutd/internal/layout"
	"github.com/fieldops/layoutd/internal/logging"
	"github.com/fieldops/layoutd/internal/permissions"
	"github.com/fieldops/layoutd/internal/recommender"
	"github.com/fieldops/layoutd/internal/web/middleware"
	"github.com/fieldops/layoutd/internal/web/profiling"
	"github.com/fieldops/layoutd/internal/web/ratelimit"
	"github.com/fieldops/layoutd/internal/web/response"
)

// Layouts recommends, analyzes and stores layouts
type Layouts interface {
	Recommend(ctx context.Context, entityType, layoutType, role string) (*recommender.Recommendation, error)
	Analyze(ctx context.Context, entityType string) (*analyzer.Result, error)
	SaveLayout(ctx context.Context, p permissions.Principal, l *layout.Layout, isGlobal bool) (*layout.Layout, error)
	ResetLayout(ctx context.Context, p permissions.Principal, entityType, layoutType, role string) (*layout.Layout, error)
	History(ctx context.Context, entityType, layoutType, role string) ([]*layout.Layout, error)
	RefreshMetadata(ctx context.Context, entityType string) error
}

// Permissions resolves and caches permission snapshots
type Permissions interface {
	ForUser(ctx context.Context, userID string) (*permissions.UserPermissions, error)
	Resolver(ctx context.Context, p permissions.Principal) (*permissions.Resolver, error)
	ClearCache(ctx context.Context, userID, role string) error
}

// Tracker accepts usage events without blocking
type Tracker interface {
	TrackFieldInteraction(ctx context.Context, rec interactions.InteractionRecord) (bool, error)
	TrackLayoutFeedback(ctx context.Context, fb interactions.LayoutFeedback) (bool, error)
}

// HealthCheck probes one backing service
type HealthCheck func(ctx context.Context) error

// Deps are the collaborators of the API. Stream and Checks are optional.
type Deps struct {
	Layouts     Layouts
	Permissions Permissions
	Tracker     Tracker
	Tokens      middleware.TokenValidator
	// Stream serves the layout event websocket
	Stream http.Handler
	// EventLimiter caps tracking events per principal
	EventLimiter ratelimit.Limiter
	Checks       map[string]HealthCheck
	// Gauges feed the profiling stats endpoint
	Gauges func() map[string]int
}

// Config configures the router
type Config struct {
	// RequestTimeout bounds every request except the event stream
	RequestTimeout time.Duration
	// AllowedOrigins enables CORS for the listed origins
	AllowedOrigins []string
	// SignificantImportance is the importance from which an analyzed field
	// is reported as significant; critical fields always are
	SignificantImportance float64
	// Profiling mounts pprof under /debug/pprof for administrators
	Profiling bool
	Logger    *zap.Logger
}

// DefaultConfig returns the default router configuration
func DefaultConfig() Config {
	return Config{
		RequestTimeout:        10 * time.Second,
		SignificantImportance: 0.5,
	}
}

// maxBodyBytes bounds request bodies; layouts are the largest payload
const maxBodyBytes = 1 << 20

type handler struct {
	layouts     Layouts
	permissions Permissions
	tracker     Tracker
	checks      map[string]HealthCheck
	config      Config
	logger      *zap.Logger
}

// NewRouter builds the HTTP handler of the service
func NewRouter(deps Deps, config Config) http.Handler {
	if config.SignificantImportance <= 0 {
		config.SignificantImportance = DefaultConfig().SignificantImportance
	}
	logger := logging.OrNop(config.Logger)
	h := &handler{
		layouts:     deps.Layouts,
		permissions: deps.Permissions,
		tracker:     deps.Tracker,
		checks:      deps.Checks,
		config:      config,
		logger:      logger,
	}

	r := chi.NewRouter()
	r.Use(
		middleware.RequestID(),
		middleware.Recovery(logger),
		middleware.Logging(logger, "/healthz"),
		middleware.CORS(config.AllowedOrigins),
	)
	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		response.RenderNotFound(w, "")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		response.RenderMethodNotAllowed(w)
	})

	r.Get("/healthz", h.health)

	r.Group(func(r chi.Router) {
		r.Use(middleware.Auth(deps.Tokens))

		if deps.Stream != nil {
			r.Get("/intelligence/layouts/stream", deps.Stream.ServeHTTP)
		}
		if config.Profiling {
			r.Group(func(r chi.Router) {
				r.Use(h.requireAdmin)
				profiling.RegisterRoutes(r, profiling.Config{Path: "/debug/pprof", Gauges: deps.Gauges})
			})
		}

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(config.RequestTimeout))

			r.Get("/intelligence/analyze/{entityType}", h.analyze)
			r.Get("/intelligence/layouts/{entityType}", h.recommend)
			r.Post("/intelligence/layouts/{entityType}/save", h.save)
			r.Post("/intelligence/layouts/{entityType}/reset", h.reset)
			r.Get("/intelligence/layouts/{entityType}/history", h.history)
			r.With(h.requireAdmin).Post("/intelligence/metadata/{entityType}/refresh", h.refreshMetadata)
			r.Group(func(r chi.Router) {
				if deps.EventLimiter != nil {
					r.Use(middleware.RateLimit(deps.EventLimiter, logger))
				}
				r.Post("/intelligence/track-interaction", h.trackInteraction)
				r.Post("/intelligence/layout-feedback", h.layoutFeedback)
			})

			r.Get("/permissions/user/{userId}", h.userPermissions)
			r.Post("/permissions/user/{userId}/clear-cache", h.clearCache)
		})
	})

	return r
}

// requireAdmin admits principals that hold an administrative role
func (h *handler) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p := principal(r)
		if !p.IsAdmin {
			res, err := h.permissions.Resolver(r.Context(), p)
			if err != nil {
				h.fail(w, r, err)
				return
			}
			if !res.IsAdmin() {
				h.fail(w, r, engine.E(engine.ErrPermissionDenied, "api.requireAdmin",
					fmt.Errorf("role %q is not an administrator", p.Role)))
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

func (h *handler) health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	status := http.StatusOK
	checks := make(map[string]string, len(h.checks))
	for name, check := range h.checks {
		if err := check(ctx); err != nil {
			h.logger.Warn("health check failed", zap.String("check", name), zap.Error(err))
			checks[name] = "unavailable"
			status = http.StatusServiceUnavailable
			continue
		}
		checks[name] = "ok"
	}

	body := map[string]interface{}{"status": "ok", "checks": checks}
	if status != http.StatusOK {
		body["status"] = "degraded"
	}
	response.RenderJSON(w, status, body)
}
