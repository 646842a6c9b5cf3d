package layout

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/fieldops/layoutd/internal/database"
	"github.com/fieldops/layoutd/internal/engine"
)

// SQLStore keeps the current layout of each key in the layouts table and
// copies every superseded row into layout_versions. The global default is
// stored with an empty user_role.
type SQLStore struct {
	db *sql.DB
}

// NewSQLStore creates a store over db. The schema comes from database.Migrate.
func NewSQLStore(db *sql.DB) *SQLStore {
	return &SQLStore{db: db}
}

const layoutColumns = `id, entity_type, layout_type, user_role, is_default, version, tabs, updated_at`

// rowScanner is implemented by *sql.Row and *sql.Rows
type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanLayout(row rowScanner) (*Layout, error) {
	var (
		l    Layout
		role string
		tabs string
	)
	if err := row.Scan(&l.ID, &l.EntityType, &l.LayoutType, &role, &l.IsDefault, &l.Version, &tabs, &l.UpdatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(tabs), &l.Tabs); err != nil {
		return nil, fmt.Errorf("failed to decode layout tabs: %w", err)
	}
	l.UserRole = RolePtr(role)
	l.UpdatedAt = l.UpdatedAt.UTC()
	return &l, nil
}

// Get implements Store
func (s *SQLStore) Get(ctx context.Context, key Key) (*Layout, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+layoutColumns+`
		FROM layouts
		WHERE entity_type = $1 AND layout_type = $2 AND user_role = $3`,
		key.EntityType, string(key.LayoutType), key.Role,
	)
	l, err := scanLayout(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, engine.E(engine.ErrNotFound, "layout.Get", fmt.Errorf("no layout for %s", key))
	}
	if err != nil {
		return nil, engine.E(engine.ErrUpstreamUnavailable, "layout.Get", err)
	}
	return l, nil
}

// Save implements Store
func (s *SQLStore) Save(ctx context.Context, l *Layout, expectedVersion int64) (*Layout, error) {
	key := l.Key()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to start transaction: %w", err)
	}
	defer tx.Rollback()

	var saved *Layout
	if expectedVersion == 0 {
		saved, err = s.insert(ctx, tx, l)
	} else {
		saved, err = s.swap(ctx, tx, l, expectedVersion)
	}
	if err != nil {
		if database.IsUniqueViolation(err) {
			return nil, conflict(key, expectedVersion, -1)
		}
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		if database.IsUniqueViolation(err) {
			return nil, conflict(key, expectedVersion, -1)
		}
		return nil, fmt.Errorf("failed to commit layout: %w", err)
	}
	return saved, nil
}

// insert creates the first version of a key. A concurrent first save fails
// on the (entity_type, layout_type, user_role) unique key.
func (s *SQLStore) insert(ctx context.Context, tx *sql.Tx, l *Layout) (*Layout, error) {
	next := prepare(l, 0, "")
	tabs, err := json.Marshal(next.Tabs)
	if err != nil {
		return nil, fmt.Errorf("failed to encode layout tabs: %w", err)
	}
	key := next.Key()
	_, err = tx.ExecContext(ctx, `
		INSERT INTO layouts (`+layoutColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		next.ID, key.EntityType, string(key.LayoutType), key.Role, next.IsDefault, next.Version, string(tabs), next.UpdatedAt,
	)
	if err != nil {
		if database.IsUniqueViolation(err) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to insert layout: %w", err)
	}
	return next, nil
}

// swap replaces the row at expectedVersion and archives it
func (s *SQLStore) swap(ctx context.Context, tx *sql.Tx, l *Layout, expectedVersion int64) (*Layout, error) {
	key := l.Key()

	row := tx.QueryRowContext(ctx, `
		SELECT `+layoutColumns+`
		FROM layouts
		WHERE entity_type = $1 AND layout_type = $2 AND user_role = $3`,
		key.EntityType, string(key.LayoutType), key.Role,
	)
	previous, err := scanLayout(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, conflict(key, expectedVersion, 0)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read layout: %w", err)
	}
	if previous.Version != expectedVersion {
		return nil, conflict(key, expectedVersion, previous.Version)
	}

	next := prepare(l, expectedVersion, previous.ID)
	tabs, err := json.Marshal(next.Tabs)
	if err != nil {
		return nil, fmt.Errorf("failed to encode layout tabs: %w", err)
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE layouts
		SET is_default = $1, version = $2, tabs = $3, updated_at = $4
		WHERE entity_type = $5 AND layout_type = $6 AND user_role = $7 AND version = $8`,
		next.IsDefault, next.Version, string(tabs), next.UpdatedAt,
		key.EntityType, string(key.LayoutType), key.Role, expectedVersion,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to update layout: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("failed to update layout: %w", err)
	}
	if affected == 0 {
		return nil, conflict(key, expectedVersion, -1)
	}

	previousTabs, err := json.Marshal(previous.Tabs)
	if err != nil {
		return nil, fmt.Errorf("failed to encode layout tabs: %w", err)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO layout_versions (`+layoutColumns+`, superseded_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		previous.ID, key.EntityType, string(key.LayoutType), key.Role, previous.IsDefault,
		previous.Version, string(previousTabs), previous.UpdatedAt, next.UpdatedAt,
	)
	if err != nil {
		if database.IsUniqueViolation(err) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to archive layout version: %w", err)
	}
	return next, nil
}

// History implements Store
func (s *SQLStore) History(ctx context.Context, key Key) ([]*Layout, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+layoutColumns+`
		FROM layout_versions
		WHERE entity_type = $1 AND layout_type = $2 AND user_role = $3
		ORDER BY version ASC`,
		key.EntityType, string(key.LayoutType), key.Role,
	)
	if err != nil {
		return nil, engine.E(engine.ErrUpstreamUnavailable, "layout.History", err)
	}
	defer rows.Close()

	var out []*Layout
	for rows.Next() {
		l, err := scanLayout(rows)
		if err != nil {
			return nil, engine.E(engine.ErrUpstreamUnavailable, "layout.History", err)
		}
		out = append(out, l)
	}
	if err := rows.Err(); err != nil {
		return nil, engine.E(engine.ErrUpstreamUnavailable, "layout.History", err)
	}
	return out, nil
}
