package commands

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/fieldops/layoutd/internal/analyzer"
	"github.com/fieldops/layoutd/internal/cli/config"
	"github.com/fieldops/layoutd/internal/database"
	"github.com/fieldops/layoutd/internal/dispatch"
	"github.com/fieldops/layoutd/internal/interactions"
	"github.com/fieldops/layoutd/internal/layout"
	"github.com/fieldops/layoutd/internal/metadata"
	"github.com/fieldops/layoutd/internal/permissions"
	"github.com/fieldops/layoutd/internal/recommender"
	"github.com/fieldops/layoutd/internal/web/cache"
	"github.com/fieldops/layoutd/internal/web/ratelimit"
)

// app holds the wired components shared by serve and analyze
type app struct {
	cfg     *config.Config
	logger  *zap.Logger
	db      *sql.DB
	redis   *redis.Client
	cache   cache.Cache
	pool    *dispatch.Pool
	tracker *interactions.Tracker
	perms   *permissions.Service
	rec     *recommender.Recommender
	// limiter is nil when tracking.rate_limit is zero
	limiter ratelimit.Limiter
	closers []func() error
}

// buildApp connects to the configured stores and wires the engine. events
// may be nil.
func buildApp(ctx context.Context, cfg *config.Config, logger *zap.Logger, events recommender.Publisher) (*app, error) {
	a := &app{cfg: cfg, logger: logger}
	if err := a.wire(ctx, events); err != nil {
		a.close()
		return nil, err
	}
	return a, nil
}

func (a *app) wire(ctx context.Context, events recommender.Publisher) error {
	cfg, logger := a.cfg, a.logger

	if cfg.Database.Driver != database.DriverMemory {
		db, err := database.Open(ctx, database.Config{
			Driver:          cfg.Database.Driver,
			DSN:             cfg.Database.DSN,
			MaxOpenConns:    16,
			ConnMaxLifetime: 30 * time.Minute,
		})
		if err != nil {
			return err
		}
		a.db = db
		a.closers = append(a.closers, db.Close)

		if _, err := database.Migrate(ctx, db, logger); err != nil {
			return fmt.Errorf("failed to migrate database: %w", err)
		}
	}

	if cfg.Redis.Addr != "" {
		a.redis = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		a.closers = append(a.closers, a.redis.Close)
		if err := a.redis.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("failed to connect to redis: %w", err)
		}
		a.cache = cache.NewRedisCache(a.redis, cache.CacheConfig{DefaultTTL: cfg.Recommender.CacheTTL, Prefix: "layoutd:cache:"})
	} else {
		mc := cache.NewMemoryCache()
		a.closers = append(a.closers, mc.Close)
		a.cache = mc
	}

	meta, err := a.metadataSource()
	if err != nil {
		return err
	}

	store, err := a.permissionStore(ctx)
	if err != nil {
		return err
	}
	adminRoles := cfg.Permissions.AdminRoles
	if len(adminRoles) == 0 {
		adminRoles = permissions.DefaultServiceConfig().AdminRoles
	}
	a.perms = permissions.NewService(store, a.cache, permissions.ServiceConfig{
		TTL:        cfg.Permissions.TTL,
		Timeout:    cfg.Upstream.Timeout,
		AdminRoles: adminRoles,
		Logger:     logger,
	})

	a.pool = dispatch.NewPool(dispatch.PoolConfig{
		QueueSize:      cfg.Tracking.QueueSize,
		Workers:        cfg.Tracking.Workers,
		HandlerTimeout: cfg.Upstream.Timeout,
		Logger:         logger,
	})
	var (
		counters interactions.CounterStore
		eventLog interactions.Log
	)
	if a.redis != nil {
		counters = interactions.NewRedisCounterStore(a.redis, interactions.RedisCounterStoreConfig{Prefix: "layoutd:usage"})
	} else {
		counters = interactions.NewMemoryCounterStore(0)
	}
	if a.db != nil {
		eventLog = interactions.NewSQLLog(a.db)
	}
	a.tracker = interactions.NewTracker(a.pool, counters, eventLog, interactions.TrackerConfig{
		HalfLife: cfg.Tracking.HalfLife,
		Logger:   logger,
	})

	if err := a.eventLimiter(); err != nil {
		return err
	}

	var layouts layout.Store = layout.NewMemoryStore()
	if a.db != nil {
		layouts = layout.NewSQLStore(a.db)
	}

	a.rec = recommender.New(recommender.Deps{
		Metadata:    meta,
		Permissions: a.perms,
		Layouts:     layouts,
		Usage:       a.tracker,
		Analyzer: analyzer.New(analyzer.Config{
			Weights: analyzer.Weights{
				FillRate:    cfg.Analysis.Weights.FillRate,
				Frequency:   cfg.Analysis.Weights.Frequency,
				Criticality: cfg.Analysis.Weights.Criticality,
				Updates:     cfg.Analysis.Weights.Updates,
			},
			SampleSize:          cfg.Analysis.SampleSize,
			SimilarityThreshold: cfg.Analysis.SimilarityThreshold,
			FrequentThreshold:   analyzer.DefaultConfig().FrequentThreshold,
		}),
		Cache:  a.cache,
		Events: events,
	}, recommender.Config{
		ConfidenceCeiling: cfg.Recommender.ConfidenceCeiling,
		ListColumns:       cfg.Recommender.ListColumns,
		CacheTTL:          cfg.Recommender.CacheTTL,
		Timeout:           cfg.Upstream.Timeout,
		Feedback: interactions.FeedbackPolicy{
			Threshold:  int64(cfg.Feedback.NegativeThreshold),
			Penalty:    cfg.Feedback.Penalty,
			MaxPenalty: cfg.Feedback.MaxPenalty,
		},
		Logger: logger,
	})
	return nil
}

func (a *app) metadataSource() (metadata.Source, error) {
	var (
		next metadata.Source
		err  error
	)
	switch {
	case a.cfg.Metadata.CRMURL != "":
		next, err = metadata.NewHTTPSource(metadata.HTTPSourceConfig{
			BaseURL: a.cfg.Metadata.CRMURL,
			Timeout: a.cfg.Upstream.Timeout,
		})
	case a.cfg.Metadata.File != "":
		next, err = metadata.NewFileSource(a.cfg.Metadata.File)
	default:
		return nil, errors.New("either metadata.crm_url or metadata.file must be set")
	}
	if err != nil {
		return nil, err
	}
	return metadata.NewCachedSource(next, a.cache, metadata.CachedSourceConfig{
		TTL:     a.cfg.Metadata.TTL,
		Timeout: a.cfg.Upstream.Timeout,
		Logger:  a.logger,
	}), nil
}

func (a *app) eventLimiter() error {
	limit := a.cfg.Tracking.RateLimit
	if limit == 0 {
		return nil
	}
	if a.redis != nil {
		l, err := ratelimit.NewRedisLimiter(a.redis, ratelimit.RedisConfig{
			Limit:  limit,
			Window: time.Minute,
			Prefix: "layoutd:ratelimit:",
		})
		if err != nil {
			return err
		}
		a.limiter = l
		return nil
	}
	tb := ratelimit.NewTokenBucket(ratelimit.TokenBucketConfig{
		Capacity:        limit,
		Window:          time.Minute,
		CleanupInterval: 5 * time.Minute,
	})
	a.closers = append(a.closers, tb.Close)
	a.limiter = tb
	return nil
}

func (a *app) permissionStore(ctx context.Context) (permissions.Store, error) {
	if a.db == nil {
		store := permissions.NewMemoryStore()
		if a.cfg.Permissions.Seed != "" {
			if err := store.LoadSeed(a.cfg.Permissions.Seed); err != nil {
				return nil, err
			}
		}
		return store, nil
	}

	store := permissions.NewSQLStore(a.db)
	if a.cfg.Permissions.Seed != "" {
		seed, err := permissions.ReadSeed(a.cfg.Permissions.Seed)
		if err != nil {
			return nil, err
		}
		if err := store.ApplySeed(ctx, seed); err != nil {
			return nil, err
		}
	}
	return store, nil
}

// gauges reports queue depth, stream clients and per task counters for the
// profiling stats endpoint
func (a *app) gauges(hub interface{ ClientCount() int }) func() map[string]int {
	return func() map[string]int {
		g := map[string]int{
			"tracking_queue": a.pool.Pending(),
			"stream_clients": hub.ClientCount(),
		}
		for taskType, s := range a.pool.Metrics().AllStats() {
			g[taskType+"_processed"] = int(s.Processed)
			g[taskType+"_failed"] = int(s.Failed)
			g[taskType+"_dropped"] = int(s.Dropped)
		}
		return g
	}
}

// close releases connections in reverse order of acquisition
func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.logger.Warn("close failed", zap.Error(err))
		}
	}
	a.closers = nil
}
