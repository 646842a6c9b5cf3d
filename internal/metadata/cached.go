package metadata

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/fieldops/layoutd/internal/web/cache"
)

// CachedSource fronts another Source with TTL snapshots and a per-lookup
// timeout. When the upstream lookup fails or times out, the most recent
// snapshot is served even if its TTL has lapsed.
type CachedSource struct {
	next      Source
	snapshots *cache.Snapshotter
}

// CachedSourceConfig configures a CachedSource
type CachedSourceConfig struct {
	TTL     time.Duration
	Timeout time.Duration
	Logger  *zap.Logger
}

// NewCachedSource wraps next
func NewCachedSource(next Source, c cache.Cache, config CachedSourceConfig) *CachedSource {
	return &CachedSource{
		next: next,
		snapshots: cache.NewSnapshotter(c, cache.SnapshotConfig{
			TTL:     config.TTL,
			Timeout: config.Timeout,
			Logger:  config.Logger,
		}),
	}
}

// Entity implements Source
func (s *CachedSource) Entity(ctx context.Context, entityType string) (*EntityMetadata, error) {
	return cache.Fetch(ctx, s.snapshots, cache.MetadataKey(entityType), func(ctx context.Context) (*EntityMetadata, error) {
		return s.next.Entity(ctx, entityType)
	})
}

// Sample implements Source. One sample is cached per entity type, so callers
// should request a consistent limit.
func (s *CachedSource) Sample(ctx context.Context, entityType string, limit int) ([]Record, error) {
	records, err := cache.Fetch(ctx, s.snapshots, cache.SampleKey(entityType), func(ctx context.Context) ([]Record, error) {
		return s.next.Sample(ctx, entityType, limit)
	})
	if err != nil {
		return nil, err
	}
	if limit > 0 && len(records) > limit {
		records = records[:limit]
	}
	return records, nil
}

// Invalidate drops the cached snapshots of entityType
func (s *CachedSource) Invalidate(ctx context.Context, entityType string) error {
	return s.snapshots.Invalidate(ctx, cache.MetadataKey(entityType), cache.SampleKey(entityType))
}
