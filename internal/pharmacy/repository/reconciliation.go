package repository

import (
	"context"
	"database/sql"
	stderrors "errors"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/medflow/pharmacy-ledger/pkg/database"
	"github.com/medflow/pharmacy-ledger/pkg/errors"
)

// ReconciliationStatus is the state of a stock count.
type ReconciliationStatus string

const (
	ReconciliationInProgress ReconciliationStatus = "IN_PROGRESS"
	ReconciliationCompleted  ReconciliationStatus = "COMPLETED"
	ReconciliationApproved   ReconciliationStatus = "APPROVED"
)

// CanTransitionTo reports whether the case may move to next.
func (s ReconciliationStatus) CanTransitionTo(next ReconciliationStatus) bool {
	switch s {
	case ReconciliationInProgress:
		return next == ReconciliationCompleted
	case ReconciliationCompleted:
		return next == ReconciliationApproved
	default:
		return false
	}
}

// ReconciliationCase is a physical stock count (stock opname).
type ReconciliationCase struct {
	ID             string               `db:"id" json:"id"`
	CaseNumber     string               `db:"case_number" json:"case_number"`
	Status         ReconciliationStatus `db:"status" json:"status"`
	Report         *string              `db:"report" json:"report,omitempty"`
	Notes          *string              `db:"notes" json:"notes,omitempty"`
	CreatedByID    string               `db:"created_by_id" json:"created_by_id"`
	CreatedByName  *string              `db:"created_by_name" json:"created_by_name,omitempty"`
	CompletedAt    *time.Time           `db:"completed_at" json:"completed_at,omitempty"`
	ApprovedByID   *string              `db:"approved_by_id" json:"approved_by_id,omitempty"`
	ApprovedByName *string              `db:"approved_by_name" json:"approved_by_name,omitempty"`
	ApprovedAt     *time.Time           `db:"approved_at" json:"approved_at,omitempty"`
	CreatedAt      time.Time            `db:"created_at" json:"created_at"`
	UpdatedAt      time.Time            `db:"updated_at" json:"updated_at"`

	Lines []*ReconciliationLine `db:"-" json:"lines,omitempty"`
}

// ReconciliationLine records the system and physical quantity of one batch.
type ReconciliationLine struct {
	ID               string     `db:"id" json:"id"`
	CaseID           string     `db:"case_id" json:"case_id"`
	BatchID          string     `db:"batch_id" json:"batch_id"`
	MedicineID       string     `db:"medicine_id" json:"medicine_id"`
	SystemQuantity   int        `db:"system_quantity" json:"system_quantity"`
	PhysicalQuantity *int       `db:"physical_quantity" json:"physical_quantity,omitempty"`
	Note             *string    `db:"note" json:"note,omitempty"`
	CountedAt        *time.Time `db:"counted_at" json:"counted_at,omitempty"`
	CreatedAt        time.Time  `db:"created_at" json:"created_at"`
}

// Counted reports whether a physical count has been recorded.
func (l *ReconciliationLine) Counted() bool {
	return l.PhysicalQuantity != nil
}

// Difference is physical minus system quantity. Zero until counted.
func (l *ReconciliationLine) Difference() int {
	if l.PhysicalQuantity == nil {
		return 0
	}
	return *l.PhysicalQuantity - l.SystemQuantity
}

const reconciliationCaseColumns = `id, case_number, status, report, notes, created_by_id, created_by_name,
	completed_at, approved_by_id, approved_by_name, approved_at, created_at, updated_at`

const reconciliationLineColumns = `id, case_id, batch_id, medicine_id, system_quantity,
	physical_quantity, note, counted_at, created_at`

// ReconciliationRepository handles stock count persistence
type ReconciliationRepository struct {
	db *database.DB
}

// NewReconciliationRepository creates a new reconciliation repository
func NewReconciliationRepository(db *database.DB) *ReconciliationRepository {
	return &ReconciliationRepository{db: db}
}

// CreateCase inserts a new case in IN_PROGRESS.
func (r *ReconciliationRepository) CreateCase(ctx context.Context, c *ReconciliationCase) error {
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	c.Status = ReconciliationInProgress

	query := `
		INSERT INTO reconciliation_cases (id, case_number, status, notes, created_by_id, created_by_name)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING created_at, updated_at
	`

	err := r.db.Conn(ctx).QueryRowxContext(ctx, query,
		c.ID, c.CaseNumber, c.Status, c.Notes, c.CreatedByID, c.CreatedByName,
	).Scan(&c.CreatedAt, &c.UpdatedAt)
	return database.MapError(err)
}

// GetCase gets a case with its lines.
func (r *ReconciliationRepository) GetCase(ctx context.Context, id string) (*ReconciliationCase, error) {
	c, err := r.getCase(ctx, `SELECT `+reconciliationCaseColumns+` FROM reconciliation_cases WHERE id = $1`, id)
	if err != nil {
		return nil, err
	}
	if c.Lines, err = r.ListLines(ctx, id); err != nil {
		return nil, err
	}
	return c, nil
}

// LockCase reads a case row FOR UPDATE without its lines.
func (r *ReconciliationRepository) LockCase(ctx context.Context, id string) (*ReconciliationCase, error) {
	if !database.InTransaction(ctx) {
		return nil, errors.Internal("case lock requires a transaction")
	}
	return r.getCase(ctx, `SELECT `+reconciliationCaseColumns+` FROM reconciliation_cases WHERE id = $1 FOR UPDATE`, id)
}

func (r *ReconciliationRepository) getCase(ctx context.Context, query, id string) (*ReconciliationCase, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, errors.NotFound("reconciliation case")
	}

	var c ReconciliationCase
	if err := sqlx.GetContext(ctx, r.db.Conn(ctx), &c, query, id); err != nil {
		if stderrors.Is(err, sql.ErrNoRows) {
			return nil, errors.NotFound("reconciliation case")
		}
		return nil, database.MapError(err)
	}
	return &c, nil
}

// ListByStatus lists cases in the given status, newest first.
func (r *ReconciliationRepository) ListByStatus(ctx context.Context, status ReconciliationStatus) ([]*ReconciliationCase, error) {
	query := `
		SELECT ` + reconciliationCaseColumns + `
		FROM reconciliation_cases
		WHERE status = $1
		ORDER BY created_at DESC
	`
	cases := []*ReconciliationCase{}
	if err := sqlx.SelectContext(ctx, r.db.Conn(ctx), &cases, query, status); err != nil {
		return nil, database.MapError(err)
	}
	return cases, nil
}

// AddLine inserts a line. A batch appears at most once per case.
func (r *ReconciliationRepository) AddLine(ctx context.Context, l *ReconciliationLine) error {
	if l.ID == "" {
		l.ID = uuid.New().String()
	}

	query := `
		INSERT INTO reconciliation_lines (id, case_id, batch_id, medicine_id, system_quantity, note)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING created_at
	`

	err := r.db.Conn(ctx).QueryRowxContext(ctx, query,
		l.ID, l.CaseID, l.BatchID, l.MedicineID, l.SystemQuantity, l.Note,
	).Scan(&l.CreatedAt)
	return database.MapError(err)
}

// GetLine gets one line of a case.
func (r *ReconciliationRepository) GetLine(ctx context.Context, caseID, lineID string) (*ReconciliationLine, error) {
	if _, err := uuid.Parse(lineID); err != nil {
		return nil, errors.NotFound("reconciliation line")
	}

	var l ReconciliationLine
	query := `SELECT ` + reconciliationLineColumns + ` FROM reconciliation_lines WHERE id = $1 AND case_id = $2`
	if err := sqlx.GetContext(ctx, r.db.Conn(ctx), &l, query, lineID, caseID); err != nil {
		if stderrors.Is(err, sql.ErrNoRows) {
			return nil, errors.NotFound("reconciliation line")
		}
		return nil, database.MapError(err)
	}
	return &l, nil
}

// ListLines lists the lines of a case in batch order.
func (r *ReconciliationRepository) ListLines(ctx context.Context, caseID string) ([]*ReconciliationLine, error) {
	query := `SELECT ` + reconciliationLineColumns + ` FROM reconciliation_lines WHERE case_id = $1 ORDER BY batch_id`
	lines := []*ReconciliationLine{}
	if err := sqlx.SelectContext(ctx, r.db.Conn(ctx), &lines, query, caseID); err != nil {
		return nil, database.MapError(err)
	}
	return lines, nil
}

// RecordCount stores the physical quantity of a line.
func (r *ReconciliationRepository) RecordCount(ctx context.Context, lineID string, physical int, note *string, at time.Time) error {
	result, err := r.db.Conn(ctx).ExecContext(ctx, `
		UPDATE reconciliation_lines SET physical_quantity = $2, note = COALESCE($3, note), counted_at = $4
		WHERE id = $1
	`, lineID, physical, note, at)
	if err != nil {
		return database.MapError(err)
	}

	affected, _ := result.RowsAffected()
	if affected == 0 {
		return errors.NotFound("reconciliation line")
	}
	return nil
}

// MarkCompleted moves an IN_PROGRESS case to COMPLETED.
func (r *ReconciliationRepository) MarkCompleted(ctx context.Context, id, report string, at time.Time) error {
	return r.transition(ctx, `
		UPDATE reconciliation_cases SET status = 'COMPLETED', report = $2, completed_at = $3
		WHERE id = $1 AND status = 'IN_PROGRESS'
	`, id, report, at)
}

// MarkApproved moves a COMPLETED case to APPROVED.
func (r *ReconciliationRepository) MarkApproved(ctx context.Context, id, approverID string, approverName *string, at time.Time) error {
	return r.transition(ctx, `
		UPDATE reconciliation_cases SET status = 'APPROVED', approved_by_id = $2, approved_by_name = $3, approved_at = $4
		WHERE id = $1 AND status = 'COMPLETED'
	`, id, approverID, approverName, at)
}

func (r *ReconciliationRepository) transition(ctx context.Context, query string, args ...any) error {
	result, err := r.db.Conn(ctx).ExecContext(ctx, query, args...)
	if err != nil {
		return database.MapError(err)
	}

	affected, _ := result.RowsAffected()
	if affected == 0 {
		return errors.InvalidState("reconciliation case is not in the expected state")
	}
	return nil
}
