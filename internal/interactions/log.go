package interactions

import (
	"context"
	"database/sql"

	"github.com/google/uuid"

	"github.com/fieldops/layoutd/internal/engine"
)

// Log is the append-only record of raw interactions and feedback
type Log interface {
	AppendInteraction(ctx context.Context, rec InteractionRecord) error
	AppendFeedback(ctx context.Context, fb LayoutFeedback) error
}

// SQLLog appends to the field_interactions and layout_feedback tables
type SQLLog struct {
	db *sql.DB
}

// NewSQLLog creates a log on an open, migrated database
func NewSQLLog(db *sql.DB) *SQLLog {
	return &SQLLog{db: db}
}

// AppendInteraction implements Log
func (l *SQLLog) AppendInteraction(ctx context.Context, rec InteractionRecord) error {
	_, err := l.db.ExecContext(ctx,
		`INSERT INTO field_interactions (id, entity_type, field_name, interaction_type, session_id, occurred_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		uuid.NewString(), rec.EntityType, rec.FieldName, string(rec.Type), rec.SessionID, rec.Timestamp.UTC(),
	)
	if err != nil {
		return engine.E(engine.ErrUpstreamUnavailable, "interactions.AppendInteraction", err)
	}
	return nil
}

// AppendFeedback implements Log
func (l *SQLLog) AppendFeedback(ctx context.Context, fb LayoutFeedback) error {
	_, err := l.db.ExecContext(ctx,
		`INSERT INTO layout_feedback (id, entity_type, layout_type, user_role, sentiment, comments, occurred_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		uuid.NewString(), fb.EntityType, fb.LayoutType, fb.UserRole, string(fb.Sentiment), fb.Comments, fb.Timestamp.UTC(),
	)
	if err != nil {
		return engine.E(engine.ErrUpstreamUnavailable, "interactions.AppendFeedback", err)
	}
	return nil
}
