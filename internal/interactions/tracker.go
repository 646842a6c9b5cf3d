package interactions

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/fieldops/layoutd/internal/analyzer"
	"github.com/fieldops/layoutd/internal/dispatch"
	"github.com/fieldops/layoutd/internal/engine"
	"github.com/fieldops/layoutd/internal/layout"
	"github.com/fieldops/layoutd/internal/logging"
)

// Task types registered on the dispatch pool
const (
	TaskInteraction = "interaction"
	TaskFeedback    = "feedback"
)

// DefaultHalfLife is the default counter half-life
const DefaultHalfLife = 168 * time.Hour

// TrackerConfig configures a Tracker
type TrackerConfig struct {
	HalfLife time.Duration
	// Epoch anchors decayed sums; zero means DefaultEpoch
	Epoch  time.Time
	Logger *zap.Logger
}

// Tracker accepts interaction and feedback events without blocking the
// caller and folds them into decayed counters on the pool's workers
type Tracker struct {
	pool     *dispatch.Pool
	counters CounterStore
	log      Log
	decay    Decay
	logger   *zap.Logger
	now      func() time.Time
}

// NewTracker creates a tracker and registers its handlers on pool. log may be
// nil when no durable interaction log is configured.
func NewTracker(pool *dispatch.Pool, counters CounterStore, log Log, config TrackerConfig) *Tracker {
	if config.HalfLife == 0 {
		config.HalfLife = DefaultHalfLife
	}
	if config.Epoch.IsZero() {
		config.Epoch = DefaultEpoch
	}
	t := &Tracker{
		pool:     pool,
		counters: counters,
		log:      log,
		decay:    NewDecay(config.HalfLife, config.Epoch),
		logger:   logging.OrNop(config.Logger),
		now:      time.Now,
	}
	pool.RegisterHandler(TaskInteraction, t.handleInteraction)
	pool.RegisterHandler(TaskFeedback, t.handleFeedback)
	return t
}

// TrackFieldInteraction validates rec and queues it. It reports whether the
// event was accepted; a full queue drops it. The caller's ctx does not bound
// processing.
func (t *Tracker) TrackFieldInteraction(ctx context.Context, rec InteractionRecord) (bool, error) {
	if err := rec.Validate(); err != nil {
		return false, err
	}
	rec.Timestamp = t.clamp(rec.Timestamp)
	return t.pool.TryDispatch(TaskInteraction, rec), nil
}

// TrackLayoutFeedback validates fb and queues it
func (t *Tracker) TrackLayoutFeedback(ctx context.Context, fb LayoutFeedback) (bool, error) {
	if err := fb.Validate(); err != nil {
		return false, err
	}
	// tallies are keyed by the canonical type recommendations look up
	lt, _ := layout.ParseType(fb.LayoutType)
	fb.LayoutType = string(lt)
	fb.Timestamp = t.clamp(fb.Timestamp)
	return t.pool.TryDispatch(TaskFeedback, fb), nil
}

// Counters returns the counters of an entity type decayed to the present
func (t *Tracker) Counters(ctx context.Context, entityType string) (analyzer.Counters, error) {
	raw, err := t.counters.Counters(ctx, entityType)
	if err != nil {
		return analyzer.Counters{}, err
	}
	return t.decay.Apply(raw, t.now()), nil
}

// Feedback returns the feedback tally of one layout
func (t *Tracker) Feedback(ctx context.Context, key FeedbackKey) (FeedbackTally, error) {
	return t.counters.Feedback(ctx, key)
}

// clamp fills a missing timestamp and pulls future ones back to now
func (t *Tracker) clamp(ts time.Time) time.Time {
	now := t.now()
	if ts.IsZero() || ts.After(now) {
		return now
	}
	return ts
}

func (t *Tracker) handleInteraction(ctx context.Context, task dispatch.Task) error {
	const op = "interactions.handleInteraction"
	rec, ok := task.Payload.(InteractionRecord)
	if !ok {
		return engine.E(engine.ErrTrackingFailure, op, fmt.Errorf("unexpected payload %T", task.Payload))
	}
	if t.log != nil {
		if err := t.log.AppendInteraction(ctx, rec); err != nil {
			return engine.E(engine.ErrTrackingFailure, op, err)
		}
	}
	if err := t.counters.Add(ctx, rec, t.decay.Weight(rec.Timestamp)); err != nil {
		return engine.E(engine.ErrTrackingFailure, op, err)
	}
	t.logger.Debug("interaction tracked",
		zap.String("entity_type", rec.EntityType),
		zap.String("field", rec.FieldName),
		zap.String("type", string(rec.Type)),
	)
	return nil
}

func (t *Tracker) handleFeedback(ctx context.Context, task dispatch.Task) error {
	const op = "interactions.handleFeedback"
	fb, ok := task.Payload.(LayoutFeedback)
	if !ok {
		return engine.E(engine.ErrTrackingFailure, op, fmt.Errorf("unexpected payload %T", task.Payload))
	}
	if t.log != nil {
		if err := t.log.AppendFeedback(ctx, fb); err != nil {
			return engine.E(engine.ErrTrackingFailure, op, err)
		}
	}
	if err := t.counters.AddFeedback(ctx, fb); err != nil {
		return engine.E(engine.ErrTrackingFailure, op, err)
	}
	t.logger.Debug("layout feedback tracked",
		zap.String("entity_type", fb.EntityType),
		zap.String("layout_type", fb.LayoutType),
		zap.String("sentiment", string(fb.Sentiment)),
	)
	return nil
}
