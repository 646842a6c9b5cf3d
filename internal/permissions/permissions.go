// Package permissions resolves entity and field level create/read/edit/delete
// grants for a principal.
//
// Precedence is fixed: an admin may do everything; otherwise a principal with
// no grant row for an entity may do nothing with it; otherwise a field grant,
// when present, decides for that field and verb, and an absent field grant
// falls back to the entity grant for the same verb.
package permissions

// Verb is an action that can be granted on an entity or a field
type Verb string

const (
	// VerbCreate allows creating records
	VerbCreate Verb = "create"
	// VerbRead allows reading records or fields
	VerbRead Verb = "read"
	// VerbEdit allows editing records or fields
	VerbEdit Verb = "edit"
	// VerbDelete allows deleting records
	VerbDelete Verb = "delete"
)

// FieldPermission is a field level grant
type FieldPermission struct {
	Read bool `json:"read"`
	Edit bool `json:"edit"`
}

// EntityPermissions is the grant row of one entity type
type EntityPermissions struct {
	Create bool                       `json:"create"`
	Read   bool                       `json:"read"`
	Edit   bool                       `json:"edit"`
	Delete bool                       `json:"delete"`
	Fields map[string]FieldPermission `json:"fields,omitempty"`
}

// Allows reports the entity level grant for verb
func (p EntityPermissions) Allows(verb Verb) bool {
	switch verb {
	case VerbCreate:
		return p.Create
	case VerbRead:
		return p.Read
	case VerbEdit:
		return p.Edit
	case VerbDelete:
		return p.Delete
	default:
		return false
	}
}

// AllowsField reports the grant for verb on field, falling back to the
// entity level grant for the same verb when the field has no grant. Only
// read and edit exist at the field level.
func (p EntityPermissions) AllowsField(field string, verb Verb) bool {
	fp, ok := p.Fields[field]
	if !ok {
		return p.Allows(verb)
	}
	switch verb {
	case VerbRead:
		return fp.Read
	case VerbEdit:
		return fp.Edit
	default:
		return p.Allows(verb)
	}
}

// Principal identifies who is asking
type Principal struct {
	UserID  string `json:"userId"`
	Role    string `json:"role"`
	IsAdmin bool   `json:"isAdmin"`
}

// UserPermissions is the permission snapshot of a principal
type UserPermissions struct {
	UserID   string                       `json:"userId,omitempty"`
	Role     string                       `json:"role,omitempty"`
	IsAdmin  bool                         `json:"isAdmin"`
	Entities map[string]EntityPermissions `json:"entities"`
}

// Grant is one stored permission row. Subject is a role name or a user id.
// An empty Field makes it an entity level grant.
type Grant struct {
	Subject    string `json:"subject"`
	EntityType string `json:"entityType"`
	Field      string `json:"field,omitempty"`
	Create     bool   `json:"create"`
	Read       bool   `json:"read"`
	Edit       bool   `json:"edit"`
	Delete     bool   `json:"delete"`
}

// Merge builds a snapshot from grants. Grants are applied in order, so rows
// for later subjects override earlier ones. A field grant without an entity
// grant still creates the entity row with every entity verb denied.
func Merge(p Principal, grants []Grant) *UserPermissions {
	up := &UserPermissions{
		UserID:   p.UserID,
		Role:     p.Role,
		IsAdmin:  p.IsAdmin,
		Entities: make(map[string]EntityPermissions),
	}
	for _, g := range grants {
		ep := up.Entities[g.EntityType]
		if g.Field == "" {
			ep.Create, ep.Read, ep.Edit, ep.Delete = g.Create, g.Read, g.Edit, g.Delete
		} else {
			if ep.Fields == nil {
				ep.Fields = make(map[string]FieldPermission)
			}
			ep.Fields[g.Field] = FieldPermission{Read: g.Read, Edit: g.Edit}
		}
		up.Entities[g.EntityType] = ep
	}
	return up
}
