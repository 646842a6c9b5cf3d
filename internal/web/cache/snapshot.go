package cache

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/fieldops/layoutd/internal/engine"
	"github.com/fieldops/layoutd/internal/logging"
)

// Snapshotter caches read-only upstream snapshots with a freshness TTL and
// a per-lookup timeout. Entries outlive their TTL so that a stale snapshot
// can be served while the upstream is unavailable.
type Snapshotter struct {
	cache   Cache
	ttl     time.Duration
	timeout time.Duration
	logger  *zap.Logger
}

// SnapshotConfig configures a Snapshotter
type SnapshotConfig struct {
	TTL     time.Duration
	Timeout time.Duration
	Logger  *zap.Logger
}

// snapshot wraps a cached value with its own freshness deadline
type snapshot[T any] struct {
	Value     T         `json:"value"`
	FreshTill time.Time `json:"freshTill"`
}

// NewSnapshotter creates a Snapshotter backed by c
func NewSnapshotter(c Cache, config SnapshotConfig) *Snapshotter {
	if config.TTL <= 0 {
		config.TTL = 5 * time.Minute
	}
	if config.Timeout <= 0 {
		config.Timeout = 2 * time.Second
	}
	return &Snapshotter{
		cache:   c,
		ttl:     config.TTL,
		timeout: config.Timeout,
		logger:  logging.OrNop(config.Logger),
	}
}

// Cache returns the underlying cache
func (s *Snapshotter) Cache() Cache {
	return s.cache
}

// Invalidate drops the snapshots stored under keys
func (s *Snapshotter) Invalidate(ctx context.Context, keys ...string) error {
	for _, key := range keys {
		if err := s.cache.Delete(ctx, key); err != nil {
			return err
		}
	}
	return nil
}

// retention is how long a snapshot stays cached after going stale
func (s *Snapshotter) retention() time.Duration {
	if r := 10 * s.ttl; r > time.Hour {
		return r
	}
	return time.Hour
}

// Freshness reports how Lookup produced its value
type Freshness int

const (
	// Loaded values come straight from the upstream
	Loaded Freshness = iota
	// Cached values are snapshots within their TTL
	Cached
	// Stale values are expired snapshots served while the upstream is unavailable
	Stale
)

// Fetch returns the fresh snapshot under key, or calls load under the
// lookup timeout and caches its result. A load that times out is reported
// as engine.ErrUpstreamUnavailable, and any unavailable upstream falls back
// to the stale snapshot when one is cached.
func Fetch[T any](ctx context.Context, s *Snapshotter, key string, load func(context.Context) (T, error)) (T, error) {
	value, _, err := Lookup(ctx, s, key, load)
	return value, err
}

// Lookup is Fetch that also reports where the value came from
func Lookup[T any](ctx context.Context, s *Snapshotter, key string, load func(context.Context) (T, error)) (T, Freshness, error) {
	var cached snapshot[T]
	hit := GetJSON(ctx, s.cache, key, &cached) == nil
	if hit && time.Now().Before(cached.FreshTill) {
		return cached.Value, Cached, nil
	}

	lookupCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	value, err := load(lookupCtx)
	if err == nil {
		snap := snapshot[T]{Value: value, FreshTill: time.Now().Add(s.ttl)}
		if setErr := SetJSON(ctx, s.cache, key, snap, s.retention()); setErr != nil {
			s.logger.Warn("snapshot not cached", zap.String("key", key), zap.Error(setErr))
		}
		return value, Loaded, nil
	}

	if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
		err = engine.E(engine.ErrUpstreamUnavailable, "cache.Fetch", err)
	}
	if hit && engine.Is(err, engine.ErrUpstreamUnavailable) {
		s.logger.Warn("serving stale snapshot", zap.String("key", key), zap.Error(err))
		return cached.Value, Stale, nil
	}
	var zero T
	return zero, Loaded, err
}
