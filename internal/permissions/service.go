package permissions

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/fieldops/layoutd/internal/engine"
	"github.com/fieldops/layoutd/internal/logging"
	"github.com/fieldops/layoutd/internal/web/cache"
)

// Service loads permission snapshots through a Store and keeps them in a TTL
// cache. Read paths never invalidate; ClearCache is the only way to force a
// refetch before the TTL lapses.
type Service struct {
	store      Store
	snapshots  *cache.Snapshotter
	adminRoles map[string]bool
	logger     *zap.Logger
}

// ServiceConfig configures a Service
type ServiceConfig struct {
	// TTL is how long a snapshot is served without refetching
	TTL time.Duration
	// Timeout bounds each store lookup
	Timeout time.Duration
	// AdminRoles are role names that carry the admin flag
	AdminRoles []string
	Logger     *zap.Logger
}

// DefaultServiceConfig returns the default service configuration
func DefaultServiceConfig() ServiceConfig {
	return ServiceConfig{
		TTL:        time.Minute,
		Timeout:    2 * time.Second,
		AdminRoles: []string{"admin"},
	}
}

// NewService creates a permission service
func NewService(store Store, c cache.Cache, config ServiceConfig) *Service {
	admins := make(map[string]bool, len(config.AdminRoles))
	for _, r := range config.AdminRoles {
		admins[r] = true
	}
	return &Service{
		store: store,
		snapshots: cache.NewSnapshotter(c, cache.SnapshotConfig{
			TTL:     config.TTL,
			Timeout: config.Timeout,
			Logger:  config.Logger,
		}),
		adminRoles: admins,
		logger:     logging.OrNop(config.Logger),
	}
}

// ForPrincipal returns the snapshot of an authenticated principal. Grants of
// the principal's role are overlaid by grants stored for the user id.
func (s *Service) ForPrincipal(ctx context.Context, p Principal) (*UserPermissions, error) {
	if p.UserID == "" {
		return s.ForRole(ctx, p.Role)
	}
	p.IsAdmin = p.IsAdmin || s.adminRoles[p.Role]
	key := cache.PrincipalPermissionsKey(p.UserID, p.Role, p.IsAdmin)
	return cache.Fetch(ctx, s.snapshots, key, func(ctx context.Context) (*UserPermissions, error) {
		return s.load(ctx, p, p.Role, p.UserID)
	})
}

// ForUser returns the snapshot of a stored user
func (s *Service) ForUser(ctx context.Context, userID string) (*UserPermissions, error) {
	if userID == "" {
		return nil, engine.Validationf("permissions.ForUser", "user id is required")
	}
	return cache.Fetch(ctx, s.snapshots, cache.PermissionsKey(userID), func(ctx context.Context) (*UserPermissions, error) {
		p, err := s.store.Principal(ctx, userID)
		if err != nil {
			return nil, err
		}
		p.IsAdmin = p.IsAdmin || s.adminRoles[p.Role]
		return s.load(ctx, p, p.Role, p.UserID)
	})
}

// ForRole returns the snapshot of a role, used when a layout is synthesized
// for a role rather than for a particular user
func (s *Service) ForRole(ctx context.Context, role string) (*UserPermissions, error) {
	p := Principal{Role: role, IsAdmin: s.adminRoles[role]}
	return cache.Fetch(ctx, s.snapshots, cache.RolePermissionsKey(role), func(ctx context.Context) (*UserPermissions, error) {
		if role == "" {
			return Merge(p, nil), nil
		}
		return s.load(ctx, p, role)
	})
}

// Resolver loads the principal's snapshot and wraps it in a Resolver
func (s *Service) Resolver(ctx context.Context, p Principal) (*Resolver, error) {
	perms, err := s.ForPrincipal(ctx, p)
	if err != nil {
		return nil, err
	}
	return NewResolver(perms), nil
}

// ClearCache drops the cached snapshots of userID. When role is not empty
// the role's snapshot is dropped as well, together with every cached
// recommendation, since recommendations are filtered by role grants.
func (s *Service) ClearCache(ctx context.Context, userID, role string) error {
	const op = "permissions.ClearCache"
	if userID == "" {
		return engine.Validationf(op, "user id is required")
	}
	c := s.snapshots.Cache()
	err := s.snapshots.Invalidate(ctx, cache.PermissionsKey(userID))
	if err == nil {
		err = c.DeletePrefix(ctx, cache.PrincipalPermissionsPrefix(userID))
	}
	if err == nil && role != "" {
		err = s.snapshots.Invalidate(ctx, cache.RolePermissionsKey(role))
		if err == nil {
			err = c.DeletePrefix(ctx, cache.AllRecommendationsPrefix())
		}
	}
	if err != nil {
		return engine.E(engine.ErrUpstreamUnavailable, op, err)
	}
	s.logger.Info("permission cache cleared", zap.String("user_id", userID), zap.String("role", role))
	return nil
}

func (s *Service) load(ctx context.Context, p Principal, subjects ...string) (*UserPermissions, error) {
	var nonEmpty []string
	for _, subject := range subjects {
		if subject != "" {
			nonEmpty = append(nonEmpty, subject)
		}
	}
	grants, err := s.store.Grants(ctx, nonEmpty...)
	if err != nil {
		return nil, err
	}
	return Merge(p, grants), nil
}
