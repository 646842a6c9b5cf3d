package permissions

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/fieldops/layoutd/internal/engine"
)

// Store loads principals and their stored grants
type Store interface {
	// Principal returns the stored role and admin flag of a user
	Principal(ctx context.Context, userID string) (Principal, error)
	// Grants returns the grants of the given subjects, ordered so that rows
	// of later subjects come after rows of earlier ones
	Grants(ctx context.Context, subjects ...string) ([]Grant, error)
}

// MemoryStore keeps principals and grants in memory
type MemoryStore struct {
	mu         sync.RWMutex
	principals map[string]Principal
	grants     map[string][]Grant
}

// Seed is the file format accepted by LoadSeed
type Seed struct {
	Principals []Principal `json:"principals"`
	Grants     []Grant     `json:"grants"`
}

// NewMemoryStore creates an empty store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		principals: make(map[string]Principal),
		grants:     make(map[string][]Grant),
	}
}

// ReadSeed parses a JSON Seed file
func ReadSeed(path string) (Seed, error) {
	var seed Seed
	data, err := os.ReadFile(path)
	if err != nil {
		return seed, fmt.Errorf("failed to read permissions seed: %w", err)
	}
	if err := json.Unmarshal(data, &seed); err != nil {
		return seed, engine.E(engine.ErrValidation, "permissions.ReadSeed", err)
	}
	return seed, nil
}

// LoadSeed reads a JSON Seed file into the store
func (s *MemoryStore) LoadSeed(path string) error {
	seed, err := ReadSeed(path)
	if err != nil {
		return err
	}
	for _, p := range seed.Principals {
		s.PutPrincipal(p)
	}
	for _, g := range seed.Grants {
		s.PutGrant(g)
	}
	return nil
}

// PutPrincipal stores a principal
func (s *MemoryStore) PutPrincipal(p Principal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.principals[p.UserID] = p
}

// PutGrant stores a grant, replacing any grant with the same subject,
// entity type and field
func (s *MemoryStore) PutGrant(g Grant) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows := s.grants[g.Subject]
	for i, existing := range rows {
		if existing.EntityType == g.EntityType && existing.Field == g.Field {
			rows[i] = g
			return
		}
	}
	s.grants[g.Subject] = append(rows, g)
}

// Principal implements Store
func (s *MemoryStore) Principal(ctx context.Context, userID string) (Principal, error) {
	if err := ctx.Err(); err != nil {
		return Principal{}, engine.E(engine.ErrUpstreamUnavailable, "permissions.Principal", err)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.principals[userID]
	if !ok {
		return Principal{}, engine.E(engine.ErrNotFound, "permissions.Principal", fmt.Errorf("user %q", userID))
	}
	return p, nil
}

// Grants implements Store
func (s *MemoryStore) Grants(ctx context.Context, subjects ...string) ([]Grant, error) {
	if err := ctx.Err(); err != nil {
		return nil, engine.E(engine.ErrUpstreamUnavailable, "permissions.Grants", err)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Grant
	for _, subject := range subjects {
		out = append(out, s.grants[subject]...)
	}
	return out, nil
}

// SQLStore reads principals and grants from the principals and
// permission_grants tables
type SQLStore struct {
	db *sql.DB
}

// NewSQLStore creates a store over db
func NewSQLStore(db *sql.DB) *SQLStore {
	return &SQLStore{db: db}
}

// Principal implements Store
func (s *SQLStore) Principal(ctx context.Context, userID string) (Principal, error) {
	p := Principal{UserID: userID}
	err := s.db.QueryRowContext(ctx,
		`SELECT role, is_admin FROM principals WHERE user_id = $1`, userID,
	).Scan(&p.Role, &p.IsAdmin)
	if errors.Is(err, sql.ErrNoRows) {
		return Principal{}, engine.E(engine.ErrNotFound, "permissions.Principal", fmt.Errorf("user %q", userID))
	}
	if err != nil {
		return Principal{}, engine.E(engine.ErrUpstreamUnavailable, "permissions.Principal", err)
	}
	return p, nil
}

// Grants implements Store
func (s *SQLStore) Grants(ctx context.Context, subjects ...string) ([]Grant, error) {
	if len(subjects) == 0 {
		return nil, nil
	}

	placeholders := make([]string, len(subjects))
	args := make([]interface{}, len(subjects))
	for i, subject := range subjects {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
		args[i] = subject
	}
	query := fmt.Sprintf(`
		SELECT subject, entity_type, field_name, can_create, can_read, can_edit, can_delete
		FROM permission_grants
		WHERE subject IN (%s)
		ORDER BY entity_type, field_name`, strings.Join(placeholders, ", "))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, engine.E(engine.ErrUpstreamUnavailable, "permissions.Grants", err)
	}
	defer rows.Close()

	bySubject := make(map[string][]Grant, len(subjects))
	for rows.Next() {
		var g Grant
		if err := rows.Scan(&g.Subject, &g.EntityType, &g.Field, &g.Create, &g.Read, &g.Edit, &g.Delete); err != nil {
			return nil, engine.E(engine.ErrUpstreamUnavailable, "permissions.Grants", err)
		}
		bySubject[g.Subject] = append(bySubject[g.Subject], g)
	}
	if err := rows.Err(); err != nil {
		return nil, engine.E(engine.ErrUpstreamUnavailable, "permissions.Grants", err)
	}

	var out []Grant
	for _, subject := range subjects {
		out = append(out, bySubject[subject]...)
	}
	return out, nil
}

// PutPrincipal inserts or replaces a principal row
func (s *SQLStore) PutPrincipal(ctx context.Context, p Principal) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO principals (user_id, role, is_admin) VALUES ($1, $2, $3)
		ON CONFLICT (user_id) DO UPDATE SET role = excluded.role, is_admin = excluded.is_admin`,
		p.UserID, p.Role, p.IsAdmin,
	)
	if err != nil {
		return fmt.Errorf("failed to store principal: %w", err)
	}
	return nil
}

// PutGrant inserts or replaces a grant row
func (s *SQLStore) PutGrant(ctx context.Context, g Grant) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO permission_grants (subject, entity_type, field_name, can_create, can_read, can_edit, can_delete)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (subject, entity_type, field_name) DO UPDATE SET
			can_create = excluded.can_create,
			can_read = excluded.can_read,
			can_edit = excluded.can_edit,
			can_delete = excluded.can_delete`,
		g.Subject, g.EntityType, g.Field, g.Create, g.Read, g.Edit, g.Delete,
	)
	if err != nil {
		return fmt.Errorf("failed to store grant: %w", err)
	}
	return nil
}

// ApplySeed upserts every principal and grant of seed
func (s *SQLStore) ApplySeed(ctx context.Context, seed Seed) error {
	for _, p := range seed.Principals {
		if err := s.PutPrincipal(ctx, p); err != nil {
			return err
		}
	}
	for _, g := range seed.Grants {
		if err := s.PutGrant(ctx, g); err != nil {
			return err
		}
	}
	return nil
}
