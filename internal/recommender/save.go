package recommender

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/fieldops/layoutd/internal/engine"
	"github.com/fieldops/layoutd/internal/layout"
	"github.com/fieldops/layoutd/internal/permissions"
	"github.com/fieldops/layoutd/internal/web/cache"
)

// EventLayoutSaved is published after every successful save or reset
const EventLayoutSaved = "layout.saved"

// Event notifies subscribers that a stored layout changed
type Event struct {
	Type       string    `json:"type"`
	EntityType string    `json:"entityType"`
	LayoutType string    `json:"layoutType"`
	UserRole   *string   `json:"userRole"`
	Version    int64     `json:"version"`
	Timestamp  time.Time `json:"timestamp"`
}

// Publisher delivers events to subscribers. Publish must not block.
type Publisher interface {
	Publish(event Event)
}

type nopPublisher struct{}

func (nopPublisher) Publish(Event) {}

// SaveLayout stores l for its role, or as the global default when isGlobal
// is set. l.Version must equal the stored version (0 for a first save); the
// saved copy carries the next version. Recommendations cached for the entity
// and layout type are dropped.
func (r *Recommender) SaveLayout(ctx context.Context, p permissions.Principal, l *layout.Layout, isGlobal bool) (*layout.Layout, error) {
	const op = "recommender.SaveLayout"
	if l == nil {
		return nil, engine.Validationf(op, "layout is required")
	}
	l = l.Clone()
	lt, err := layout.ParseType(string(l.LayoutType))
	if err != nil {
		return nil, err
	}
	l.LayoutType = lt
	switch {
	case isGlobal:
		l.UserRole = nil
	case l.UserRole == nil && p.Role != "":
		l.UserRole = layout.RolePtr(p.Role)
	}
	if err := l.Validate(); err != nil {
		return nil, err
	}
	if err := r.authorize(ctx, op, p, l.Key()); err != nil {
		return nil, err
	}
	if err := r.checkFields(ctx, op, l); err != nil {
		return nil, err
	}
	return r.store(ctx, l, l.Version)
}

// ResetLayout replaces the stored layout for the tuple with a freshly
// synthesized one. The row is superseded under a new version, never deleted.
func (r *Recommender) ResetLayout(ctx context.Context, p permissions.Principal, entityType, layoutType, role string) (*layout.Layout, error) {
	const op = "recommender.ResetLayout"
	key, err := parseKey(entityType, layoutType, role)
	if err != nil {
		return nil, err
	}
	if err := r.authorize(ctx, op, p, key); err != nil {
		return nil, err
	}

	var expected int64
	current, err := r.layouts.Get(ctx, key)
	switch {
	case err == nil:
		expected = current.Version
	case engine.Is(err, engine.ErrNotFound):
	default:
		return nil, err
	}

	// The global default is narrowed to the requesting role when served, so
	// it is built from every field rather than from the grants of no role.
	perms := permissions.Unrestricted()
	if key.Role != "" {
		if perms, err = r.rolePermissions(ctx, key.Role); err != nil {
			return nil, err
		}
	}
	rec, err := r.synthesize(ctx, key, perms)
	if err != nil {
		return nil, err
	}
	return r.store(ctx, rec.Layout, expected)
}

// History returns the superseded versions of the tuple, oldest first
func (r *Recommender) History(ctx context.Context, entityType, layoutType, role string) ([]*layout.Layout, error) {
	key, err := parseKey(entityType, layoutType, role)
	if err != nil {
		return nil, err
	}
	return r.layouts.History(ctx, key)
}

// authorize requires entity-level edit rights. Only admins may save for a
// role other than their own.
func (r *Recommender) authorize(ctx context.Context, op string, p permissions.Principal, key layout.Key) error {
	res, err := r.perms.Resolver(ctx, p)
	if err != nil {
		return err
	}
	if !res.CanEdit(key.EntityType, "") {
		return engine.E(engine.ErrPermissionDenied, op,
			fmt.Errorf("%s may not edit layouts of %s", describe(p), key.EntityType))
	}
	if key.Role != "" && key.Role != p.Role && !res.IsAdmin() {
		return engine.E(engine.ErrPermissionDenied, op,
			fmt.Errorf("%s may not save layouts for role %q", describe(p), key.Role))
	}
	return nil
}

// checkFields rejects layouts placing fields the entity does not declare
func (r *Recommender) checkFields(ctx context.Context, op string, l *layout.Layout) error {
	meta, err := r.metadata.Entity(ctx, l.EntityType)
	if err != nil {
		return err
	}
	for _, name := range l.FieldNames() {
		if _, ok := meta.Field(name); !ok {
			return engine.Validationf(op, "%s has no field %q", l.EntityType, name)
		}
	}
	return nil
}

func (r *Recommender) store(ctx context.Context, l *layout.Layout, expected int64) (*layout.Layout, error) {
	saved, err := r.layouts.Save(ctx, l, expected)
	if err != nil {
		return nil, err
	}

	key := saved.Key()
	// a global default shows through for every role without its own layout
	prefix := cache.RecommendationPrefix(key.EntityType, string(key.LayoutType))
	if err := r.snapshots.Cache().DeletePrefix(ctx, prefix); err != nil {
		r.logger.Warn("cached recommendations not dropped", zap.Stringer("key", key), zap.Error(err))
	}

	r.events.Publish(Event{
		Type:       EventLayoutSaved,
		EntityType: saved.EntityType,
		LayoutType: string(saved.LayoutType),
		UserRole:   saved.UserRole,
		Version:    saved.Version,
		Timestamp:  saved.UpdatedAt,
	})
	r.logger.Info("layout saved", zap.Stringer("key", key), zap.Int64("version", saved.Version))
	return saved, nil
}

func describe(p permissions.Principal) string {
	if p.UserID != "" {
		return fmt.Sprintf("user %q", p.UserID)
	}
	return fmt.Sprintf("role %q", p.Role)
}
