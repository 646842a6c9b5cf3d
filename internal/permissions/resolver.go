package permissions

// Resolver answers permission questions against one snapshot. It performs
// no I/O and never mutates the snapshot.
type Resolver struct {
	perms *UserPermissions
}

// NewResolver creates a resolver over perms. A nil snapshot denies everything.
func NewResolver(perms *UserPermissions) *Resolver {
	if perms == nil {
		perms = &UserPermissions{}
	}
	return &Resolver{perms: perms}
}

// Unrestricted returns a resolver that allows every verb on every field.
// Layouts built with it must be narrowed per role before they are served.
func Unrestricted() *Resolver {
	return NewResolver(&UserPermissions{IsAdmin: true, Entities: map[string]EntityPermissions{}})
}

// Permissions returns the underlying snapshot
func (r *Resolver) Permissions() *UserPermissions {
	return r.perms
}

// IsAdmin reports whether the snapshot belongs to an admin
func (r *Resolver) IsAdmin() bool {
	return r.perms.IsAdmin
}

// CanCreate reports whether records of entityType may be created
func (r *Resolver) CanCreate(entityType string) bool {
	return r.allows(entityType, "", VerbCreate)
}

// CanRead reports whether entityType may be read, or the given field of it
// when field is not empty
func (r *Resolver) CanRead(entityType, field string) bool {
	return r.allows(entityType, field, VerbRead)
}

// CanEdit reports whether entityType may be edited, or the given field of it
// when field is not empty
func (r *Resolver) CanEdit(entityType, field string) bool {
	return r.allows(entityType, field, VerbEdit)
}

// CanDelete reports whether records of entityType may be deleted
func (r *Resolver) CanDelete(entityType string) bool {
	return r.allows(entityType, "", VerbDelete)
}

// ReadableFields filters fields down to those that may be read, preserving order
func (r *Resolver) ReadableFields(entityType string, fields []string) []string {
	return r.filter(entityType, fields, VerbRead)
}

// EditableFields filters fields down to those that may be edited, preserving order
func (r *Resolver) EditableFields(entityType string, fields []string) []string {
	return r.filter(entityType, fields, VerbEdit)
}

func (r *Resolver) allows(entityType, field string, verb Verb) bool {
	if r.perms.IsAdmin {
		return true
	}
	ep, ok := r.perms.Entities[entityType]
	if !ok {
		return false
	}
	if field == "" {
		return ep.Allows(verb)
	}
	return ep.AllowsField(field, verb)
}

func (r *Resolver) filter(entityType string, fields []string, verb Verb) []string {
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		if r.allows(entityType, f, verb) {
			out = append(out, f)
		}
	}
	return out
}
