// Package layout defines entity layouts and the versioned store that
// persists saved overrides.
package layout

import (
	"fmt"
	"strings"
	"time"

	"github.com/fieldops/layoutd/internal/engine"
	"github.com/fieldops/layoutd/internal/metadata"
)

// Type is the view a layout is arranged for
type Type string

const (
	TypeDetail Type = "detail"
	TypeList   Type = "list"
	TypeEdit   Type = "edit"
	TypeMobile Type = "mobile"
	TypePrint  Type = "print"
	TypeCustom Type = "custom"
)

// ParseType validates a layout type name
func ParseType(s string) (Type, error) {
	switch t := Type(strings.ToLower(strings.TrimSpace(s))); t {
	case TypeDetail, TypeList, TypeEdit, TypeMobile, TypePrint, TypeCustom:
		return t, nil
	default:
		return "", engine.Validationf("layout.ParseType", "unknown layout type %q", s)
	}
}

// Width is the share of a row a field occupies
type Width string

const (
	WidthFull  Width = "full"
	WidthHalf  Width = "half"
	WidthThird Width = "third"
)

// Field is a placed field. Label and Kind are copied from metadata so a
// layout renders the same after the metadata drifts.
type Field struct {
	Name    string             `json:"name"`
	Label   string             `json:"label"`
	Kind    metadata.FieldKind `json:"type"`
	Width   Width              `json:"width"`
	Order   int                `json:"order"`
	Visible bool               `json:"visible"`
}

// Section is an ordered group of fields
type Section struct {
	Name   string  `json:"name"`
	Fields []Field `json:"fields"`
}

// Tab is an ordered group of sections
type Tab struct {
	Name     string    `json:"name"`
	Sections []Section `json:"sections"`
}

// Layout is an arrangement of an entity's fields for one view and role.
// A nil UserRole marks the global default.
type Layout struct {
	ID         string    `json:"id"`
	EntityType string    `json:"entityType"`
	LayoutType Type      `json:"layoutType"`
	UserRole   *string   `json:"userRole"`
	IsDefault  bool      `json:"isDefault"`
	Version    int64     `json:"version"`
	Tabs       []Tab     `json:"tabs"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

// Key identifies the row a layout is stored under. An empty Role is the
// global default.
type Key struct {
	EntityType string
	LayoutType Type
	Role       string
}

// String renders the key for logs
func (k Key) String() string {
	role := k.Role
	if role == "" {
		role = "<global>"
	}
	return fmt.Sprintf("%s/%s/%s", k.EntityType, k.LayoutType, role)
}

// Global returns the global default key of the same entity and layout type
func (k Key) Global() Key {
	return Key{EntityType: k.EntityType, LayoutType: k.LayoutType}
}

// RolePtr converts a role to the nullable form used by Layout
func RolePtr(role string) *string {
	if role == "" {
		return nil
	}
	return &role
}

// Key returns the store key of l
func (l *Layout) Key() Key {
	k := Key{EntityType: l.EntityType, LayoutType: l.LayoutType}
	if l.UserRole != nil {
		k.Role = *l.UserRole
	}
	return k
}

// Fields returns every placed field in tab, section and field order
func (l *Layout) Fields() []Field {
	var out []Field
	for _, tab := range l.Tabs {
		for _, section := range tab.Sections {
			out = append(out, section.Fields...)
		}
	}
	return out
}

// FieldNames returns the names of every placed field
func (l *Layout) FieldNames() []string {
	fields := l.Fields()
	names := make([]string, len(fields))
	for i, f := range fields {
		names[i] = f.Name
	}
	return names
}

// Filter drops every field for which keep returns false, and any section
// left empty by it
func (l *Layout) Filter(keep func(Field) bool) {
	for ti := range l.Tabs {
		sections := l.Tabs[ti].Sections[:0]
		for _, section := range l.Tabs[ti].Sections {
			fields := make([]Field, 0, len(section.Fields))
			for _, f := range section.Fields {
				if keep(f) {
					fields = append(fields, f)
				}
			}
			if len(fields) > 0 {
				section.Fields = fields
				sections = append(sections, section)
			}
		}
		l.Tabs[ti].Sections = sections
	}
}

// Clone returns a deep copy of l
func (l *Layout) Clone() *Layout {
	c := *l
	if l.UserRole != nil {
		role := *l.UserRole
		c.UserRole = &role
	}
	c.Tabs = make([]Tab, len(l.Tabs))
	for i, tab := range l.Tabs {
		c.Tabs[i] = Tab{Name: tab.Name, Sections: make([]Section, len(tab.Sections))}
		for j, section := range tab.Sections {
			c.Tabs[i].Sections[j] = Section{
				Name:   section.Name,
				Fields: append([]Field(nil), section.Fields...),
			}
		}
	}
	return &c
}

// Validate checks the shape of a layout submitted for saving
func (l *Layout) Validate() error {
	const op = "layout.Validate"
	if strings.TrimSpace(l.EntityType) == "" {
		return engine.Validationf(op, "entity type is required")
	}
	if _, err := ParseType(string(l.LayoutType)); err != nil {
		return err
	}
	if l.UserRole != nil && strings.TrimSpace(*l.UserRole) == "" {
		return engine.Validationf(op, "user role must be null or non-empty")
	}
	if l.Version < 0 {
		return engine.Validationf(op, "version must not be negative")
	}

	seen := make(map[string]bool)
	for _, tab := range l.Tabs {
		for _, section := range tab.Sections {
			for _, f := range section.Fields {
				if f.Name == "" {
					return engine.Validationf(op, "field name is required in section %q", section.Name)
				}
				if seen[f.Name] {
					return engine.Validationf(op, "field %q placed twice", f.Name)
				}
				seen[f.Name] = true
				switch f.Width {
				case WidthFull, WidthHalf, WidthThird:
				default:
					return engine.Validationf(op, "field %q has invalid width %q", f.Name, f.Width)
				}
			}
		}
	}
	return nil
}
