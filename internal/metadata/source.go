package metadata

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"github.com/fieldops/layoutd/internal/engine"
)

// Source is the read-only view of the external entity metadata store
type Source interface {
	// Entity returns the definition of entityType, or an error of kind
	// engine.ErrNotFound when the type is unknown
	Entity(ctx context.Context, entityType string) (*EntityMetadata, error)

	// Sample returns at most limit raw records of entityType
	Sample(ctx context.Context, entityType string, limit int) ([]Record, error)
}

// Document is the on-disk shape read by FileSource
type Document struct {
	Entities []EntityMetadata    `json:"entities"`
	Samples  map[string][]Record `json:"samples,omitempty"`
}

// StaticSource serves metadata held in memory. It backs FileSource and is
// handy for tests and fixtures.
type StaticSource struct {
	mu       sync.RWMutex
	entities map[string]*EntityMetadata
	samples  map[string][]Record
}

// NewStaticSource creates a source from already-validated definitions
func NewStaticSource(doc Document) (*StaticSource, error) {
	s := &StaticSource{
		entities: make(map[string]*EntityMetadata, len(doc.Entities)),
		samples:  make(map[string][]Record, len(doc.Samples)),
	}
	for i := range doc.Entities {
		if err := s.Put(doc.Entities[i], doc.Samples[doc.Entities[i].EntityType]); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// NewFileSource loads a JSON Document from path
func NewFileSource(path string) (*StaticSource, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read metadata file: %w", err)
	}

	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, engine.E(engine.ErrValidation, "metadata.load", err)
	}
	return NewStaticSource(doc)
}

// Put validates and stores (or replaces) one entity and its sample
func (s *StaticSource) Put(meta EntityMetadata, sample []Record) error {
	if err := meta.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	m := meta
	s.entities[m.EntityType] = &m
	s.samples[m.EntityType] = sample
	return nil
}

// Entity implements Source
func (s *StaticSource) Entity(ctx context.Context, entityType string) (*EntityMetadata, error) {
	if err := ctx.Err(); err != nil {
		return nil, engine.E(engine.ErrUpstreamUnavailable, "metadata.entity", err)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	m, ok := s.entities[entityType]
	if !ok {
		return nil, engine.E(engine.ErrNotFound, "metadata.entity", fmt.Errorf("entity type %q", entityType))
	}
	return m, nil
}

// Sample implements Source
func (s *StaticSource) Sample(ctx context.Context, entityType string, limit int) ([]Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, engine.E(engine.ErrUpstreamUnavailable, "metadata.sample", err)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	records := s.samples[entityType]
	if limit > 0 && len(records) > limit {
		records = records[:limit]
	}
	out := make([]Record, len(records))
	copy(out, records)
	return out, nil
}

// EntityTypes lists the known entity types
func (s *StaticSource) EntityTypes() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	types := make([]string, 0, len(s.entities))
	for t := range s.entities {
		types = append(types, t)
	}
	return types
}
