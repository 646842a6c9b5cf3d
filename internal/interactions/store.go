package interactions

import (
	"context"
	"sync"
	"time"

	"github.com/fieldops/layoutd/internal/analyzer"
	"github.com/fieldops/layoutd/internal/engine"
)

// DefaultSessionTTL bounds how long a session's touched-field set is kept
// for co-occurrence counting
const DefaultSessionTTL = 24 * time.Hour

// CounterStore holds decay-normalized interaction sums and feedback tallies.
// Every write is an increment, so concurrent writers commute.
type CounterStore interface {
	// Add increments the counters of rec by weight
	Add(ctx context.Context, rec InteractionRecord, weight float64) error
	// Counters returns the raw (undecayed) sums of an entity type
	Counters(ctx context.Context, entityType string) (analyzer.Counters, error)
	AddFeedback(ctx context.Context, fb LayoutFeedback) error
	Feedback(ctx context.Context, key FeedbackKey) (FeedbackTally, error)
}

type entityCounters struct {
	fields   map[string]analyzer.FieldCounters
	sessions map[string]float64
	cooc     map[string]map[string]float64
}

type session struct {
	fields  map[string]bool
	expires time.Time
}

type sessionKey struct {
	entityType string
	id         string
}

// MemoryCounterStore keeps counters in process memory
type MemoryCounterStore struct {
	mu         sync.Mutex
	entities   map[string]*entityCounters
	sessions   map[sessionKey]*session
	feedback   map[FeedbackKey]FeedbackTally
	sessionTTL time.Duration
	nextPrune  time.Time
	now        func() time.Time
}

// NewMemoryCounterStore creates an empty in-memory counter store
func NewMemoryCounterStore(sessionTTL time.Duration) *MemoryCounterStore {
	if sessionTTL <= 0 {
		sessionTTL = DefaultSessionTTL
	}
	return &MemoryCounterStore{
		entities:   make(map[string]*entityCounters),
		sessions:   make(map[sessionKey]*session),
		feedback:   make(map[FeedbackKey]FeedbackTally),
		sessionTTL: sessionTTL,
		now:        time.Now,
	}
}

// Add implements CounterStore
func (m *MemoryCounterStore) Add(ctx context.Context, rec InteractionRecord, weight float64) error {
	if err := ctx.Err(); err != nil {
		return engine.E(engine.ErrUpstreamUnavailable, "interactions.Add", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	ec := m.entity(rec.EntityType)
	fc := ec.fields[rec.FieldName]
	switch rec.Type {
	case TypeView:
		fc.Views += weight
	case TypeEdit:
		fc.Edits += weight
	case TypeFilter:
		fc.Filters += weight
	case TypeSort:
		fc.Sorts += weight
	}
	ec.fields[rec.FieldName] = fc

	if rec.SessionID == "" {
		return nil
	}

	now := m.now()
	m.prune(now)

	key := sessionKey{entityType: rec.EntityType, id: rec.SessionID}
	s, ok := m.sessions[key]
	if !ok {
		s = &session{fields: make(map[string]bool)}
		m.sessions[key] = s
	}
	s.expires = now.Add(m.sessionTTL)
	if s.fields[rec.FieldName] {
		return nil
	}
	s.fields[rec.FieldName] = true
	ec.sessions[rec.FieldName] += weight

	for other := range s.fields {
		if other == rec.FieldName {
			continue
		}
		a, b := pair(rec.FieldName, other)
		row, ok := ec.cooc[a]
		if !ok {
			row = make(map[string]float64)
			ec.cooc[a] = row
		}
		row[b] += weight
	}
	return nil
}

// Counters implements CounterStore
func (m *MemoryCounterStore) Counters(ctx context.Context, entityType string) (analyzer.Counters, error) {
	if err := ctx.Err(); err != nil {
		return analyzer.Counters{}, engine.E(engine.ErrUpstreamUnavailable, "interactions.Counters", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	out := analyzer.Counters{
		Fields:       make(map[string]analyzer.FieldCounters),
		Sessions:     make(map[string]float64),
		CoOccurrence: make(map[string]map[string]float64),
	}
	ec, ok := m.entities[entityType]
	if !ok {
		return out, nil
	}
	for k, v := range ec.fields {
		out.Fields[k] = v
	}
	for k, v := range ec.sessions {
		out.Sessions[k] = v
	}
	for a, row := range ec.cooc {
		cp := make(map[string]float64, len(row))
		for b, v := range row {
			cp[b] = v
		}
		out.CoOccurrence[a] = cp
	}
	return out, nil
}

// AddFeedback implements CounterStore
func (m *MemoryCounterStore) AddFeedback(ctx context.Context, fb LayoutFeedback) error {
	if err := ctx.Err(); err != nil {
		return engine.E(engine.ErrUpstreamUnavailable, "interactions.AddFeedback", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	t := m.feedback[fb.Key()]
	if fb.Sentiment == Negative {
		t.Negative++
	} else {
		t.Positive++
	}
	m.feedback[fb.Key()] = t
	return nil
}

// Feedback implements CounterStore
func (m *MemoryCounterStore) Feedback(ctx context.Context, key FeedbackKey) (FeedbackTally, error) {
	if err := ctx.Err(); err != nil {
		return FeedbackTally{}, engine.E(engine.ErrUpstreamUnavailable, "interactions.Feedback", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	return m.feedback[key], nil
}

func (m *MemoryCounterStore) entity(entityType string) *entityCounters {
	ec, ok := m.entities[entityType]
	if !ok {
		ec = &entityCounters{
			fields:   make(map[string]analyzer.FieldCounters),
			sessions: make(map[string]float64),
			cooc:     make(map[string]map[string]float64),
		}
		m.entities[entityType] = ec
	}
	return ec
}

// prune drops expired sessions at most once per session TTL
func (m *MemoryCounterStore) prune(now time.Time) {
	if now.Before(m.nextPrune) {
		return
	}
	for k, s := range m.sessions {
		if now.After(s.expires) {
			delete(m.sessions, k)
		}
	}
	m.nextPrune = now.Add(m.sessionTTL)
}

// pair orders two field names so each unordered pair has one key
func pair(a, b string) (string, string) {
	if b < a {
		return b, a
	}
	return a, b
}
