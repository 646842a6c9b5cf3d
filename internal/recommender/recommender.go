// Package recommender chooses the layout an entity is rendered with: a saved
// layout for the exact role, else the saved global default, else one
// synthesized from field analysis and the role's permissions.
package recommender

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/fieldops/layoutd/internal/analyzer"
	"github.com/fieldops/layoutd/internal/engine"
	"github.com/fieldops/layoutd/internal/interactions"
	"github.com/fieldops/layoutd/internal/layout"
	"github.com/fieldops/layoutd/internal/logging"
	"github.com/fieldops/layoutd/internal/metadata"
	"github.com/fieldops/layoutd/internal/permissions"
	"github.com/fieldops/layoutd/internal/web/cache"
)

// Source tells where a recommended layout came from
type Source string

const (
	SourcePersisted     Source = "persisted"
	SourceGlobalDefault Source = "global_default"
	SourceSynthesized   Source = "synthesized"
	SourceFallback      Source = "fallback"
)

// Fixed confidences of saved layouts. Synthesized layouts always score below
// ConfidenceGlobal.
const (
	ConfidencePersisted = 1.0
	ConfidenceGlobal    = 0.8
)

// Recommendation is a layout with how much it can be trusted
type Recommendation struct {
	Layout     *layout.Layout `json:"layout"`
	Confidence float64        `json:"confidence"`
	Reasoning  []string       `json:"reasoning"`
	Source     Source         `json:"source"`
}

// Permissions resolves permission snapshots
type Permissions interface {
	ForRole(ctx context.Context, role string) (*permissions.UserPermissions, error)
	Resolver(ctx context.Context, p permissions.Principal) (*permissions.Resolver, error)
}

// Usage provides decayed interaction counters and feedback tallies
type Usage interface {
	Counters(ctx context.Context, entityType string) (analyzer.Counters, error)
	Feedback(ctx context.Context, key interactions.FeedbackKey) (interactions.FeedbackTally, error)
}

// Config configures a Recommender
type Config struct {
	// ConfidenceCeiling caps synthesized confidence; must stay below ConfidenceGlobal
	ConfidenceCeiling float64
	// ListColumns is how many fields a list layout keeps
	ListColumns int
	// CacheTTL is how long a recommendation is served from cache
	CacheTTL time.Duration
	// Timeout bounds each upstream lookup
	Timeout  time.Duration
	Feedback interactions.FeedbackPolicy
	Logger   *zap.Logger
}

// DefaultConfig returns the default recommender configuration
func DefaultConfig() Config {
	return Config{
		ConfidenceCeiling: 0.79,
		ListColumns:       8,
		CacheTTL:          5 * time.Minute,
		Timeout:           2 * time.Second,
		Feedback:          interactions.DefaultFeedbackPolicy(),
	}
}

// staleFactor scales the confidence of a layout served from a stale snapshot
const staleFactor = 0.5

// Recommender produces and saves layouts
type Recommender struct {
	metadata  metadata.Source
	perms     Permissions
	layouts   layout.Store
	usage     Usage
	analyzer  *analyzer.Analyzer
	snapshots *cache.Snapshotter
	events    Publisher
	config    Config
	logger    *zap.Logger
}

// Deps are the collaborators of a Recommender. Events may be nil.
type Deps struct {
	Metadata    metadata.Source
	Permissions Permissions
	Layouts     layout.Store
	Usage       Usage
	Analyzer    *analyzer.Analyzer
	Cache       cache.Cache
	Events      Publisher
}

// New creates a recommender
func New(deps Deps, config Config) *Recommender {
	def := DefaultConfig()
	if config.ConfidenceCeiling <= 0 || config.ConfidenceCeiling >= ConfidenceGlobal {
		config.ConfidenceCeiling = def.ConfidenceCeiling
	}
	if config.ListColumns <= 0 {
		config.ListColumns = def.ListColumns
	}
	if config.CacheTTL <= 0 {
		config.CacheTTL = def.CacheTTL
	}
	if config.Timeout <= 0 {
		config.Timeout = def.Timeout
	}
	if config.Feedback == (interactions.FeedbackPolicy{}) {
		config.Feedback = def.Feedback
	}
	if deps.Analyzer == nil {
		deps.Analyzer = analyzer.New(analyzer.DefaultConfig())
	}
	if deps.Events == nil {
		deps.Events = nopPublisher{}
	}
	logger := logging.OrNop(config.Logger)
	return &Recommender{
		metadata: deps.Metadata,
		perms:    deps.Permissions,
		layouts:  deps.Layouts,
		usage:    deps.Usage,
		analyzer: deps.Analyzer,
		// the whole chain runs several bounded lookups
		snapshots: cache.NewSnapshotter(deps.Cache, cache.SnapshotConfig{
			TTL:     config.CacheTTL,
			Timeout: 4 * config.Timeout,
			Logger:  logger,
		}),
		events: deps.Events,
		config: config,
		logger: logger,
	}
}

// Recommend returns the layout for (entityType, layoutType, role). An empty
// role asks for the global default. Upstream failures degrade to the last
// known layout for the tuple, or to an empty layout, instead of failing.
func (r *Recommender) Recommend(ctx context.Context, entityType, layoutType, role string) (*Recommendation, error) {
	key, err := parseKey(entityType, layoutType, role)
	if err != nil {
		return nil, err
	}

	rec, freshness, err := cache.Lookup(ctx, r.snapshots, cache.RecommendationKey(key.EntityType, string(key.LayoutType), key.Role),
		func(ctx context.Context) (*Recommendation, error) {
			return r.resolve(ctx, key)
		})
	switch {
	case err == nil && freshness == cache.Stale:
		rec.Confidence *= staleFactor
		rec.Source = SourceFallback
		rec.Reasoning = append(rec.Reasoning, "upstream unavailable, serving the last known layout")
		return rec, nil
	case err == nil:
		return rec, nil
	case ctx.Err() != nil:
		return nil, ctx.Err()
	case engine.Is(err, engine.ErrUpstreamUnavailable):
		r.logger.Warn("recommendation degraded to empty layout", zap.Stringer("key", key), zap.Error(err))
		return emptyRecommendation(key), nil
	default:
		return nil, err
	}
}

// resolve walks the exact, global and synthesized tiers
func (r *Recommender) resolve(ctx context.Context, key layout.Key) (*Recommendation, error) {
	perms, err := r.rolePermissions(ctx, key.Role)
	if err != nil {
		return nil, err
	}
	readable := func(f layout.Field) bool { return perms.CanRead(key.EntityType, f.Name) }

	saved, err := r.saved(ctx, key)
	if err != nil {
		return nil, err
	}
	if saved != nil {
		saved.Filter(readable)
		return &Recommendation{
			Layout:     saved,
			Confidence: ConfidencePersisted,
			Reasoning:  []string{"saved layout for this role"},
			Source:     SourcePersisted,
		}, nil
	}

	if key.Role != "" {
		global, err := r.saved(ctx, key.Global())
		if err != nil {
			return nil, err
		}
		if global != nil {
			global.Filter(readable)
			return &Recommendation{
				Layout:     global,
				Confidence: ConfidenceGlobal,
				Reasoning:  []string{"saved global default layout"},
				Source:     SourceGlobalDefault,
			}, nil
		}
	}

	return r.synthesize(ctx, key, perms)
}

// saved returns the stored layout under key, or nil when there is none
func (r *Recommender) saved(ctx context.Context, key layout.Key) (*layout.Layout, error) {
	ctx, cancel := context.WithTimeout(ctx, r.config.Timeout)
	defer cancel()

	l, err := r.layouts.Get(ctx, key)
	switch {
	case err == nil:
		return l, nil
	case engine.Is(err, engine.ErrNotFound):
		return nil, nil
	default:
		return nil, upstream("recommender.saved", err)
	}
}

func (r *Recommender) rolePermissions(ctx context.Context, role string) (*permissions.Resolver, error) {
	ctx, cancel := context.WithTimeout(ctx, r.config.Timeout)
	defer cancel()

	perms, err := r.perms.ForRole(ctx, role)
	if err != nil {
		return nil, upstream("recommender.permissions", err)
	}
	return permissions.NewResolver(perms), nil
}

// metadataInvalidator is implemented by sources that cache metadata
type metadataInvalidator interface {
	Invalidate(ctx context.Context, entityType string) error
}

// RefreshMetadata drops the cached metadata and sample of entityType and
// every recommendation cached for it, so the next request reads upstream
func (r *Recommender) RefreshMetadata(ctx context.Context, entityType string) error {
	const op = "recommender.RefreshMetadata"
	entityType = strings.TrimSpace(entityType)
	if entityType == "" {
		return engine.Validationf(op, "entity type is required")
	}
	if inv, ok := r.metadata.(metadataInvalidator); ok {
		if err := inv.Invalidate(ctx, entityType); err != nil {
			return engine.E(engine.ErrUpstreamUnavailable, op, err)
		}
	}
	if err := r.snapshots.Cache().DeletePrefix(ctx, cache.RecommendationPrefix(entityType, "")); err != nil {
		return engine.E(engine.ErrUpstreamUnavailable, op, err)
	}
	r.logger.Info("entity metadata refreshed", zap.String("entity_type", entityType))
	return nil
}

// Analyze runs the field analyzer over the entity's current metadata,
// sample and usage counters
func (r *Recommender) Analyze(ctx context.Context, entityType string) (*analyzer.Result, error) {
	if strings.TrimSpace(entityType) == "" {
		return nil, engine.Validationf("recommender.Analyze", "entity type is required")
	}
	_, result, _, err := r.analyze(ctx, entityType)
	return result, err
}

// analyze returns the analysis and notes on any input it had to do without.
// Only missing metadata is an error; sample and counters degrade to empty.
func (r *Recommender) analyze(ctx context.Context, entityType string) (*metadata.EntityMetadata, *analyzer.Result, []string, error) {
	metaCtx, cancel := context.WithTimeout(ctx, r.config.Timeout)
	meta, err := r.metadata.Entity(metaCtx, entityType)
	cancel()
	if err != nil {
		if engine.Is(err, engine.ErrNotFound) || engine.Is(err, engine.ErrValidation) {
			return nil, nil, nil, err
		}
		return nil, nil, nil, upstream("recommender.metadata", err)
	}

	var notes []string

	sampleCtx, cancel := context.WithTimeout(ctx, r.config.Timeout)
	sample, err := r.metadata.Sample(sampleCtx, entityType, r.analyzer.Config().SampleSize)
	cancel()
	if err != nil {
		if ctx.Err() != nil {
			return nil, nil, nil, ctx.Err()
		}
		r.logger.Warn("record sample unavailable", zap.String("entity_type", entityType), zap.Error(err))
		notes = append(notes, "record sample unavailable, fill rates omitted")
		sample = nil
	}

	var counters analyzer.Counters
	if r.usage != nil {
		usageCtx, cancel := context.WithTimeout(ctx, r.config.Timeout)
		counters, err = r.usage.Counters(usageCtx, entityType)
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				return nil, nil, nil, ctx.Err()
			}
			r.logger.Warn("interaction counters unavailable", zap.String("entity_type", entityType), zap.Error(err))
			notes = append(notes, "interaction counters unavailable, usage omitted")
			counters = analyzer.Counters{}
		}
	}

	return meta, r.analyzer.Analyze(meta, sample, counters), notes, nil
}

// penalty returns the feedback penalty of a synthesized layout
func (r *Recommender) penalty(ctx context.Context, key layout.Key) float64 {
	if r.usage == nil {
		return 0
	}
	ctx, cancel := context.WithTimeout(ctx, r.config.Timeout)
	defer cancel()

	tally, err := r.usage.Feedback(ctx, interactions.FeedbackKey{
		EntityType: key.EntityType,
		LayoutType: string(key.LayoutType),
		Role:       key.Role,
	})
	if err != nil {
		r.logger.Warn("feedback tally unavailable", zap.Stringer("key", key), zap.Error(err))
		return 0
	}
	return r.config.Feedback.PenaltyFor(tally)
}

func parseKey(entityType, layoutType, role string) (layout.Key, error) {
	entityType = strings.TrimSpace(entityType)
	if entityType == "" {
		return layout.Key{}, engine.Validationf("recommender.Recommend", "entity type is required")
	}
	lt, err := layout.ParseType(layoutType)
	if err != nil {
		return layout.Key{}, err
	}
	return layout.Key{EntityType: entityType, LayoutType: lt, Role: strings.TrimSpace(role)}, nil
}

// upstream classifies a lookup failure. Classified errors and caller
// cancellation pass through; anything else is ErrUpstreamUnavailable.
func upstream(op string, err error) error {
	if engine.KindOf(err) != nil || errors.Is(err, context.Canceled) {
		return err
	}
	return engine.E(engine.ErrUpstreamUnavailable, op, err)
}

func emptyRecommendation(key layout.Key) *Recommendation {
	return &Recommendation{
		Layout: &layout.Layout{
			EntityType: key.EntityType,
			LayoutType: key.LayoutType,
			UserRole:   layout.RolePtr(key.Role),
			IsDefault:  true,
			Tabs:       []layout.Tab{},
		},
		Confidence: 0,
		Reasoning:  []string{"upstream unavailable and no previous layout, serving an empty layout"},
		Source:     SourceFallback,
	}
}
