package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/fieldops/layoutd/internal/logging"
)

// Migration is one versioned schema change
type Migration struct {
	Version    int64
	Name       string
	Statements []string
}

// Migrations is the schema of the service, in order. Role columns hold ''
// for the global default so the unique keys treat it like any other role.
var Migrations = []Migration{
	{
		Version: 1,
		Name:    "create_layouts",
		Statements: []string{
			`CREATE TABLE IF NOT EXISTS layouts (
				id VARCHAR(36) PRIMARY KEY,
				entity_type VARCHAR(255) NOT NULL,
				layout_type VARCHAR(32) NOT NULL,
				user_role VARCHAR(255) NOT NULL,
				is_default BOOLEAN NOT NULL,
				version BIGINT NOT NULL,
				tabs TEXT NOT NULL,
				updated_at TIMESTAMP NOT NULL,
				UNIQUE (entity_type, layout_type, user_role)
			)`,
			`CREATE TABLE IF NOT EXISTS layout_versions (
				layout_id VARCHAR(36) NOT NULL,
				entity_type VARCHAR(255) NOT NULL,
				layout_type VARCHAR(32) NOT NULL,
				user_role VARCHAR(255) NOT NULL,
				is_default BOOLEAN NOT NULL,
				version BIGINT NOT NULL,
				tabs TEXT NOT NULL,
				updated_at TIMESTAMP NOT NULL,
				superseded_at TIMESTAMP NOT NULL,
				PRIMARY KEY (entity_type, layout_type, user_role, version)
			)`,
		},
	},
	{
		Version: 2,
		Name:    "create_permissions",
		Statements: []string{
			`CREATE TABLE IF NOT EXISTS principals (
				user_id VARCHAR(255) PRIMARY KEY,
				role VARCHAR(255) NOT NULL,
				is_admin BOOLEAN NOT NULL
			)`,
			`CREATE TABLE IF NOT EXISTS permission_grants (
				subject VARCHAR(255) NOT NULL,
				entity_type VARCHAR(255) NOT NULL,
				field_name VARCHAR(255) NOT NULL,
				can_create BOOLEAN NOT NULL,
				can_read BOOLEAN NOT NULL,
				can_edit BOOLEAN NOT NULL,
				can_delete BOOLEAN NOT NULL,
				PRIMARY KEY (subject, entity_type, field_name)
			)`,
		},
	},
	{
		Version: 3,
		Name:    "create_interaction_log",
		Statements: []string{
			`CREATE TABLE IF NOT EXISTS field_interactions (
				id VARCHAR(36) PRIMARY KEY,
				entity_type VARCHAR(255) NOT NULL,
				field_name VARCHAR(255) NOT NULL,
				interaction_type VARCHAR(16) NOT NULL,
				session_id VARCHAR(255) NOT NULL,
				occurred_at TIMESTAMP NOT NULL
			)`,
			`CREATE INDEX IF NOT EXISTS idx_field_interactions_entity ON field_interactions (entity_type, occurred_at)`,
			`CREATE TABLE IF NOT EXISTS layout_feedback (
				id VARCHAR(36) PRIMARY KEY,
				entity_type VARCHAR(255) NOT NULL,
				layout_type VARCHAR(32) NOT NULL,
				user_role VARCHAR(255) NOT NULL,
				sentiment VARCHAR(16) NOT NULL,
				comments TEXT NOT NULL,
				occurred_at TIMESTAMP NOT NULL
			)`,
		},
	},
}

// Migrator applies Migrations and records them in schema_migrations
type Migrator struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewMigrator creates a migrator for db
func NewMigrator(db *sql.DB, logger *zap.Logger) *Migrator {
	return &Migrator{db: db, logger: logging.OrNop(logger)}
}

// Initialize ensures the schema_migrations table exists
func (m *Migrator) Initialize(ctx context.Context) error {
	_, err := m.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		version BIGINT PRIMARY KEY,
		name VARCHAR(255) NOT NULL,
		applied_at TIMESTAMP NOT NULL
	)`)
	if err != nil {
		return fmt.Errorf("failed to initialize migrations table: %w", err)
	}
	return nil
}

// Applied returns the versions already recorded
func (m *Migrator) Applied(ctx context.Context) (map[int64]bool, error) {
	rows, err := m.db.QueryContext(ctx, `SELECT version FROM schema_migrations`)
	if err != nil {
		return nil, fmt.Errorf("failed to query migrations: %w", err)
	}
	defer rows.Close()

	applied := make(map[int64]bool)
	for rows.Next() {
		var v int64
		if err := rows.Scan(&v); err != nil {
			return nil, fmt.Errorf("failed to scan migration: %w", err)
		}
		applied[v] = true
	}
	return applied, rows.Err()
}

// Up applies every pending migration and returns how many ran
func (m *Migrator) Up(ctx context.Context, migrations []Migration) (int, error) {
	if err := m.Initialize(ctx); err != nil {
		return 0, err
	}
	applied, err := m.Applied(ctx)
	if err != nil {
		return 0, err
	}

	count := 0
	for _, migration := range migrations {
		if applied[migration.Version] {
			continue
		}
		start := time.Now()
		if err := m.apply(ctx, migration); err != nil {
			return count, fmt.Errorf("migration %s failed: %w", migration.Name, err)
		}
		m.logger.Info("applied migration",
			zap.Int64("version", migration.Version),
			zap.String("name", migration.Name),
			zap.Duration("duration", time.Since(start)),
		)
		count++
	}
	return count, nil
}

func (m *Migrator) apply(ctx context.Context, migration Migration) error {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to start transaction: %w", err)
	}
	defer tx.Rollback()

	for _, stmt := range migration.Statements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to execute migration SQL: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO schema_migrations (version, name, applied_at) VALUES ($1, $2, $3)`,
		migration.Version, migration.Name, time.Now().UTC(),
	); err != nil {
		return fmt.Errorf("failed to record migration: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// Migrate applies every pending schema migration to db
func Migrate(ctx context.Context, db *sql.DB, logger *zap.Logger) (int, error) {
	return NewMigrator(db, logger).Up(ctx, Migrations)
}
