// Package interactions records field interactions and layout feedback, and
// folds them into decayed counters consumed by the field analyzer.
package interactions

import (
	"strings"
	"time"

	"github.com/fieldops/layoutd/internal/engine"
	"github.com/fieldops/layoutd/internal/layout"
)

// Type is the kind of field interaction
type Type string

const (
	TypeView   Type = "view"
	TypeEdit   Type = "edit"
	TypeFilter Type = "filter"
	TypeSort   Type = "sort"
)

// Valid reports whether t is a known interaction type
func (t Type) Valid() bool {
	switch t {
	case TypeView, TypeEdit, TypeFilter, TypeSort:
		return true
	}
	return false
}

// Sentiment is the polarity of layout feedback
type Sentiment string

const (
	Positive Sentiment = "positive"
	Negative Sentiment = "negative"
)

// InteractionRecord is one touch of a field by a user
type InteractionRecord struct {
	EntityType string    `json:"entityType"`
	FieldName  string    `json:"fieldName"`
	Type       Type      `json:"interactionType"`
	SessionID  string    `json:"sessionId,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// Validate checks a record before it is queued
func (r InteractionRecord) Validate() error {
	const op = "interactions.Validate"
	if strings.TrimSpace(r.EntityType) == "" {
		return engine.Validationf(op, "entity type is required")
	}
	if strings.TrimSpace(r.FieldName) == "" {
		return engine.Validationf(op, "field name is required")
	}
	if !r.Type.Valid() {
		return engine.Validationf(op, "unknown interaction type %q", r.Type)
	}
	return nil
}

// LayoutFeedback is a user's verdict on a layout
type LayoutFeedback struct {
	EntityType string    `json:"entityType"`
	LayoutType string    `json:"layoutType"`
	UserRole   string    `json:"userRole,omitempty"`
	Sentiment  Sentiment `json:"feedback"`
	Comments   string    `json:"comments,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// Validate checks feedback before it is queued
func (f LayoutFeedback) Validate() error {
	const op = "interactions.Validate"
	if strings.TrimSpace(f.EntityType) == "" {
		return engine.Validationf(op, "entity type is required")
	}
	if strings.TrimSpace(f.LayoutType) == "" {
		return engine.Validationf(op, "layout type is required")
	}
	if _, err := layout.ParseType(f.LayoutType); err != nil {
		return err
	}
	if f.Sentiment != Positive && f.Sentiment != Negative {
		return engine.Validationf(op, "feedback must be %q or %q", Positive, Negative)
	}
	return nil
}

// FeedbackKey identifies the layout a feedback tally belongs to. An empty
// Role is the global default.
type FeedbackKey struct {
	EntityType string
	LayoutType string
	Role       string
}

// Key returns the tally key of f
func (f LayoutFeedback) Key() FeedbackKey {
	return FeedbackKey{EntityType: f.EntityType, LayoutType: f.LayoutType, Role: f.UserRole}
}

// FeedbackTally counts feedback received for one layout
type FeedbackTally struct {
	Positive int64 `json:"positive"`
	Negative int64 `json:"negative"`
}

// NetNegative is negatives in excess of positives, never below zero
func (t FeedbackTally) NetNegative() int64 {
	if n := t.Negative - t.Positive; n > 0 {
		return n
	}
	return 0
}
