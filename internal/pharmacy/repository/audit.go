package repository

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/medflow/pharmacy-ledger/pkg/database"
)

// AuditEntry is one line of the activity log. Entries are append-only.
type AuditEntry struct {
	ID         string    `db:"id" json:"id"`
	EntityType string    `db:"entity_type" json:"entity_type"`
	EntityID   string    `db:"entity_id" json:"entity_id"`
	Action     string    `db:"action" json:"action"`
	Metadata   *string   `db:"metadata" json:"metadata,omitempty"`
	ActorID    string    `db:"actor_id" json:"actor_id"`
	ActorName  *string   `db:"actor_name" json:"actor_name,omitempty"`
	CreatedAt  time.Time `db:"created_at" json:"created_at"`
}

// AuditRepository handles activity log persistence.
type AuditRepository struct {
	db *database.DB
}

// NewAuditRepository creates a new audit repository
func NewAuditRepository(db *database.DB) *AuditRepository {
	return &AuditRepository{db: db}
}

// Create appends an entry. Inside a transaction the entry commits or rolls
// back with the change it describes.
func (r *AuditRepository) Create(ctx context.Context, entry *AuditEntry) error {
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}

	query := `
		INSERT INTO audit_log (id, entity_type, entity_id, action, metadata, actor_id, actor_name)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING created_at
	`

	err := r.db.Conn(ctx).QueryRowxContext(ctx, query,
		entry.ID, entry.EntityType, entry.EntityID, entry.Action, entry.Metadata,
		entry.ActorID, entry.ActorName,
	).Scan(&entry.CreatedAt)
	return database.MapError(err)
}

// ListByEntity lists entries for one entity with pagination, newest first.
func (r *AuditRepository) ListByEntity(ctx context.Context, entityType, entityID string, page, perPage int) ([]*AuditEntry, int64, error) {
	var total int64
	countQuery := `SELECT COUNT(*) FROM audit_log WHERE entity_type = $1 AND entity_id = $2`
	if err := sqlx.GetContext(ctx, r.db.Conn(ctx), &total, countQuery, entityType, entityID); err != nil {
		return nil, 0, database.MapError(err)
	}

	if page < 1 {
		page = 1
	}
	offset := (page - 1) * perPage

	query := `
		SELECT id, entity_type, entity_id, action, metadata, actor_id, actor_name, created_at
		FROM audit_log
		WHERE entity_type = $1 AND entity_id = $2
		ORDER BY created_at DESC
		LIMIT $3 OFFSET $4
	`

	entries := []*AuditEntry{}
	if err := sqlx.SelectContext(ctx, r.db.Conn(ctx), &entries, query, entityType, entityID, perPage, offset); err != nil {
		return nil, 0, database.MapError(err)
	}
	return entries, total, nil
}
