package layout

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fieldops/layoutd/internal/engine"
)

// Store persists layouts keyed by (entity type, layout type, role). Saves are
// compare-and-swap on Version and superseded versions are kept as history.
type Store interface {
	// Get returns the current layout under key, or engine.ErrNotFound
	Get(ctx context.Context, key Key) (*Layout, error)

	// Save stores layout under its key if the stored version equals
	// expectedVersion (0 when nothing is stored yet). The saved copy carries
	// version expectedVersion+1. A mismatch returns engine.ErrVersionConflict.
	Save(ctx context.Context, layout *Layout, expectedVersion int64) (*Layout, error)

	// History returns the superseded versions under key, oldest first
	History(ctx context.Context, key Key) ([]*Layout, error)
}

// conflict builds the error returned for a stale save. A negative current
// version means the row changed under a concurrent save.
func conflict(key Key, expected, current int64) error {
	if current < 0 {
		return engine.E(engine.ErrVersionConflict, "layout.Save",
			fmt.Errorf("%s was saved concurrently, save expected version %d", key, expected))
	}
	return engine.E(engine.ErrVersionConflict, "layout.Save",
		fmt.Errorf("%s is at version %d, save expected %d", key, current, expected))
}

// prepare copies layout for storage under the next version
func prepare(l *Layout, expectedVersion int64, id string) *Layout {
	next := l.Clone()
	next.Version = expectedVersion + 1
	next.UpdatedAt = time.Now().UTC()
	next.ID = id
	if next.ID == "" {
		next.ID = uuid.NewString()
	}
	return next
}

// MemoryStore is an in-process Store
type MemoryStore struct {
	mu      sync.RWMutex
	current map[Key]*Layout
	history map[Key][]*Layout
}

// NewMemoryStore creates an empty store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		current: make(map[Key]*Layout),
		history: make(map[Key][]*Layout),
	}
}

// Get implements Store
func (s *MemoryStore) Get(ctx context.Context, key Key) (*Layout, error) {
	if err := ctx.Err(); err != nil {
		return nil, engine.E(engine.ErrUpstreamUnavailable, "layout.Get", err)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	l, ok := s.current[key]
	if !ok {
		return nil, engine.E(engine.ErrNotFound, "layout.Get", fmt.Errorf("no layout for %s", key))
	}
	return l.Clone(), nil
}

// Save implements Store
func (s *MemoryStore) Save(ctx context.Context, l *Layout, expectedVersion int64) (*Layout, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	key := l.Key()

	s.mu.Lock()
	defer s.mu.Unlock()

	var current int64
	var id string
	existing, ok := s.current[key]
	if ok {
		current, id = existing.Version, existing.ID
	}
	if current != expectedVersion {
		return nil, conflict(key, expectedVersion, current)
	}

	next := prepare(l, expectedVersion, id)
	if ok {
		s.history[key] = append(s.history[key], existing)
	}
	s.current[key] = next
	return next.Clone(), nil
}

// History implements Store
func (s *MemoryStore) History(ctx context.Context, key Key) ([]*Layout, error) {
	if err := ctx.Err(); err != nil {
		return nil, engine.E(engine.ErrUpstreamUnavailable, "layout.History", err)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Layout, len(s.history[key]))
	for i, l := range s.history[key] {
		out[i] = l.Clone()
	}
	return out, nil
}
