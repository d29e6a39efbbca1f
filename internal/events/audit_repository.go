package events

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// AuditRecord is one persisted audit-trail entry
type AuditRecord struct {
	ID         int64     `json:"id"`
	EntityType string    `json:"entity_type"`
	EntityID   int64     `json:"entity_id"`
	Action     string    `json:"action"`
	Details    string    `json:"details"`
	CreatedAt  time.Time `json:"created_at"`
}

// AuditRepository handles audit_log database operations
type AuditRepository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewAuditRepository creates a new audit repository
func NewAuditRepository(db *sql.DB, log zerolog.Logger) *AuditRepository {
	return &AuditRepository{
		db:  db,
		log: log.With().Str("repo", "audit").Logger(),
	}
}

// Compile-time check that AuditRepository implements AuditSink
var _ AuditSink = (*AuditRepository)(nil)

// Append inserts a new audit record
func (r *AuditRepository) Append(entityType string, entityID int64, action string, details string) error {
	query := `
		INSERT INTO audit_log (entity_type, entity_id, action, details, created_at)
		VALUES (?, ?, ?, ?, ?)
	`

	_, err := r.db.Exec(query, entityType, entityID, action, details, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("failed to append audit record: %w", err)
	}

	return nil
}

// GetByEntity retrieves audit records for an entity, most recent first
func (r *AuditRepository) GetByEntity(entityType string, entityID int64, limit int) ([]AuditRecord, error) {
	query := `
		SELECT id, entity_type, entity_id, action, details, created_at
		FROM audit_log
		WHERE entity_type = ? AND entity_id = ?
		ORDER BY created_at DESC, id DESC
		LIMIT ?
	`

	rows, err := r.db.Query(query, entityType, entityID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to get audit records: %w", err)
	}
	defer rows.Close()

	var records []AuditRecord
	for rows.Next() {
		var rec AuditRecord
		var createdAt int64
		if err := rows.Scan(&rec.ID, &rec.EntityType, &rec.EntityID, &rec.Action, &rec.Details, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan audit record: %w", err)
		}
		rec.CreatedAt = time.Unix(createdAt, 0).UTC()
		records = append(records, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating audit records: %w", err)
	}

	return records, nil
}
