package service

import (
	"context"
	"encoding/json"

	"github.com/medflow/pharmacy-ledger/internal/pharmacy/repository"
	"github.com/medflow/pharmacy-ledger/pkg/actor"
	"github.com/medflow/pharmacy-ledger/pkg/errors"
)

// Audited entity types.
const (
	EntityBatch          = "batch"
	EntityMedicine       = "medicine"
	EntityReconciliation = "reconciliation_case"
	EntityDestruction    = "destruction_case"
)

// AuditRecorder writes activity log entries in the caller's transaction.
type AuditRecorder struct {
	repo *repository.AuditRepository
}

// NewAuditRecorder creates a new audit recorder
func NewAuditRecorder(repo *repository.AuditRepository) *AuditRecorder {
	return &AuditRecorder{repo: repo}
}

// Record appends one entry. metadata may be nil.
func (r *AuditRecorder) Record(ctx context.Context, entityType, entityID, action string, a actor.Actor, metadata map[string]any) error {
	entry := &repository.AuditEntry{
		EntityType: entityType,
		EntityID:   entityID,
		Action:     action,
		ActorID:    a.ID,
		ActorName:  a.NamePtr(),
	}

	if len(metadata) > 0 {
		raw, err := json.Marshal(metadata)
		if err != nil {
			return errors.Internal("failed to encode audit metadata").WithCause(err)
		}
		s := string(raw)
		entry.Metadata = &s
	}

	return r.repo.Create(ctx, entry)
}

// History lists the entries of one entity, newest first.
func (r *AuditRecorder) History(ctx context.Context, entityType, entityID string, page, perPage int) ([]*repository.AuditEntry, int64, error) {
	return r.repo.ListByEntity(ctx, entityType, entityID, page, perPage)
}
