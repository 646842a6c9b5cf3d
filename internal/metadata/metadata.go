// Package metadata models CRM entity definitions and the sources they are
// read from. Definitions are validated once at ingestion; everything past
// this boundary may rely on FieldKind being one of the known kinds.
package metadata

import (
	"fmt"
	"strings"

	"github.com/fieldops/layoutd/internal/engine"
)

// FieldKind is the closed set of field types the engine understands
type FieldKind string

const (
	KindText      FieldKind = "text"
	KindLongText  FieldKind = "long_text"
	KindNumber    FieldKind = "number"
	KindCurrency  FieldKind = "currency"
	KindDate      FieldKind = "date"
	KindDateTime  FieldKind = "datetime"
	KindBoolean   FieldKind = "boolean"
	KindEnum      FieldKind = "enum"
	KindReference FieldKind = "reference"
	KindEmail     FieldKind = "email"
	KindPhone     FieldKind = "phone"
)

var knownKinds = map[FieldKind]bool{
	KindText: true, KindLongText: true, KindNumber: true, KindCurrency: true,
	KindDate: true, KindDateTime: true, KindBoolean: true, KindEnum: true,
	KindReference: true, KindEmail: true, KindPhone: true,
}

// Valid reports whether k is a known kind
func (k FieldKind) Valid() bool {
	return knownKinds[k]
}

// FieldDefinition describes one field of an entity
type FieldDefinition struct {
	Name      string    `json:"name"`
	Label     string    `json:"label,omitempty"`
	Kind      FieldKind `json:"type"`
	Required  bool      `json:"required,omitempty"`
	ReadOnly  bool      `json:"readOnly,omitempty"`
	Options   []string  `json:"options,omitempty"`
	MaxLength int       `json:"maxLength,omitempty"`
}

// DisplayLabel returns the label, deriving one from the name when empty
func (f FieldDefinition) DisplayLabel() string {
	if f.Label != "" {
		return f.Label
	}
	return humanize(f.Name)
}

// Relationship describes a link from this entity to another
type Relationship struct {
	Name        string `json:"name"`
	Target      string `json:"target"`
	Field       string `json:"field,omitempty"`
	Cardinality string `json:"cardinality,omitempty"`
}

// EntityMetadata is the read-only snapshot of one entity type. Fields keep
// their declaration order, which the analyzer uses as its final tie-breaker.
type EntityMetadata struct {
	EntityType    string            `json:"entityType"`
	Fields        []FieldDefinition `json:"fields"`
	NaturalKey    []string          `json:"naturalKey,omitempty"`
	Relationships []Relationship    `json:"relationships,omitempty"`
}

// Field returns the definition of the named field
func (m *EntityMetadata) Field(name string) (FieldDefinition, bool) {
	for _, f := range m.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return FieldDefinition{}, false
}

// FieldNames returns the field names in declaration order
func (m *EntityMetadata) FieldNames() []string {
	names := make([]string, len(m.Fields))
	for i, f := range m.Fields {
		names[i] = f.Name
	}
	return names
}

// IsNaturalKey reports whether name is part of the entity's natural key
func (m *EntityMetadata) IsNaturalKey(name string) bool {
	for _, k := range m.NaturalKey {
		if k == name {
			return true
		}
	}
	return false
}

// Validate checks the definition at the ingestion boundary
func (m *EntityMetadata) Validate() error {
	const op = "metadata.validate"
	if strings.TrimSpace(m.EntityType) == "" {
		return engine.Validationf(op, "entity type is required")
	}

	seen := make(map[string]bool, len(m.Fields))
	for i, f := range m.Fields {
		if f.Name == "" {
			return engine.Validationf(op, "%s: field %d has no name", m.EntityType, i)
		}
		if seen[f.Name] {
			return engine.Validationf(op, "%s: duplicate field %q", m.EntityType, f.Name)
		}
		seen[f.Name] = true
		if !f.Kind.Valid() {
			return engine.Validationf(op, "%s.%s: unknown field type %q", m.EntityType, f.Name, f.Kind)
		}
		if f.Kind == KindEnum && len(f.Options) == 0 {
			return engine.Validationf(op, "%s.%s: enum field has no options", m.EntityType, f.Name)
		}
	}

	for _, k := range m.NaturalKey {
		if !seen[k] {
			return engine.Validationf(op, "%s: natural key references unknown field %q", m.EntityType, k)
		}
	}
	return nil
}

// Record is one raw CRM record, keyed by field name
type Record map[string]interface{}

// Filled reports whether the record holds a non-null value for field
func (r Record) Filled(field string) bool {
	v, ok := r[field]
	if !ok || v == nil {
		return false
	}
	switch val := v.(type) {
	case string:
		return strings.TrimSpace(val) != ""
	case []interface{}:
		return len(val) > 0
	case map[string]interface{}:
		return len(val) > 0
	}
	return true
}

func humanize(name string) string {
	parts := strings.FieldsFunc(name, func(r rune) bool { return r == '_' || r == '-' })
	for i, p := range parts {
		if p == "" {
			continue
		}
		parts[i] = strings.ToUpper(p[:1]) + p[1:]
	}
	if len(parts) == 0 {
		return name
	}
	return strings.Join(parts, " ")
}

// String implements fmt.Stringer for logging
func (m *EntityMetadata) String() string {
	return fmt.Sprintf("%s(%d fields)", m.EntityType, len(m.Fields))
}
