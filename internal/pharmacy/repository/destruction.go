package repository

import (
	"context"
	"database/sql"
	stderrors "errors"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/medflow/pharmacy-ledger/pkg/database"
	"github.com/medflow/pharmacy-ledger/pkg/errors"
	"github.com/shopspring/decimal"
)

// DestructionStatus is the state of a destruction case.
type DestructionStatus string

const (
	DestructionDraft     DestructionStatus = "DRAFT"
	DestructionCompleted DestructionStatus = "COMPLETED"
	DestructionApproved  DestructionStatus = "APPROVED"
)

// CanTransitionTo reports whether the case may move to next.
func (s DestructionStatus) CanTransitionTo(next DestructionStatus) bool {
	switch s {
	case DestructionDraft:
		return next == DestructionCompleted
	case DestructionCompleted:
		return next == DestructionApproved
	default:
		return false
	}
}

// DestructionReason explains why stock is destroyed.
type DestructionReason string

const (
	ReasonExpired  DestructionReason = "EXPIRED"
	ReasonDamaged  DestructionReason = "DAMAGED"
	ReasonRecalled DestructionReason = "RECALLED"
	ReasonOther    DestructionReason = "OTHER"
)

// Valid reports whether r is a known reason.
func (r DestructionReason) Valid() bool {
	switch r {
	case ReasonExpired, ReasonDamaged, ReasonRecalled, ReasonOther:
		return true
	}
	return false
}

// DestructionCase is a witnessed write-off of stock (berita acara pemusnahan).
type DestructionCase struct {
	ID             string            `db:"id" json:"id"`
	CaseNumber     string            `db:"case_number" json:"case_number"`
	Status         DestructionStatus `db:"status" json:"status"`
	Reason         DestructionReason `db:"reason" json:"reason"`
	Location       string            `db:"location" json:"location"`
	Method         string            `db:"method" json:"method"`
	Witnesses      pq.StringArray    `db:"witnesses" json:"witnesses"`
	DocumentRef    *string           `db:"document_ref" json:"document_ref,omitempty"`
	Notes          *string           `db:"notes" json:"notes,omitempty"`
	CreatedByID    string            `db:"created_by_id" json:"created_by_id"`
	CreatedByName  *string           `db:"created_by_name" json:"created_by_name,omitempty"`
	CompletedAt    *time.Time        `db:"completed_at" json:"completed_at,omitempty"`
	ApprovedByID   *string           `db:"approved_by_id" json:"approved_by_id,omitempty"`
	ApprovedByName *string           `db:"approved_by_name" json:"approved_by_name,omitempty"`
	ApprovedAt     *time.Time        `db:"approved_at" json:"approved_at,omitempty"`
	CreatedAt      time.Time         `db:"created_at" json:"created_at"`
	UpdatedAt      time.Time         `db:"updated_at" json:"updated_at"`

	Lines []*DestructionLine `db:"-" json:"lines,omitempty"`
}

// TotalValue sums the acquisition value of all lines.
func (c *DestructionCase) TotalValue() decimal.Decimal {
	total := decimal.Zero
	for _, l := range c.Lines {
		total = total.Add(l.AcquisitionValue)
	}
	return total
}

// DestructionLine is one batch quantity slated for destruction. UnitCost and
// AcquisitionValue are captured when the line is drafted.
type DestructionLine struct {
	ID               string          `db:"id" json:"id"`
	CaseID           string          `db:"case_id" json:"case_id"`
	BatchID          string          `db:"batch_id" json:"batch_id"`
	MedicineID       string          `db:"medicine_id" json:"medicine_id"`
	Quantity         int             `db:"quantity" json:"quantity"`
	UnitCost         decimal.Decimal `db:"unit_cost" json:"unit_cost"`
	AcquisitionValue decimal.Decimal `db:"acquisition_value" json:"acquisition_value"`
	Condition        *string         `db:"condition" json:"condition,omitempty"`
	CreatedAt        time.Time       `db:"created_at" json:"created_at"`
}

const destructionCaseColumns = `id, case_number, status, reason, location, method, witnesses, document_ref,
	notes, created_by_id, created_by_name, completed_at, approved_by_id, approved_by_name, approved_at,
	created_at, updated_at`

const destructionLineColumns = `id, case_id, batch_id, medicine_id, quantity, unit_cost,
	acquisition_value, condition, created_at`

// DestructionRepository handles destruction case persistence
type DestructionRepository struct {
	db *database.DB
}

// NewDestructionRepository creates a new destruction repository
func NewDestructionRepository(db *database.DB) *DestructionRepository {
	return &DestructionRepository{db: db}
}

// CreateCase inserts a new case in DRAFT.
func (r *DestructionRepository) CreateCase(ctx context.Context, c *DestructionCase) error {
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	if c.Witnesses == nil {
		c.Witnesses = pq.StringArray{}
	}
	c.Status = DestructionDraft

	query := `
		INSERT INTO destruction_cases (
			id, case_number, status, reason, location, method, witnesses, notes,
			created_by_id, created_by_name
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING created_at, updated_at
	`

	err := r.db.Conn(ctx).QueryRowxContext(ctx, query,
		c.ID, c.CaseNumber, c.Status, c.Reason, c.Location, c.Method, c.Witnesses, c.Notes,
		c.CreatedByID, c.CreatedByName,
	).Scan(&c.CreatedAt, &c.UpdatedAt)
	return database.MapError(err)
}

// GetCase gets a case with its lines.
func (r *DestructionRepository) GetCase(ctx context.Context, id string) (*DestructionCase, error) {
	c, err := r.getCase(ctx, `SELECT `+destructionCaseColumns+` FROM destruction_cases WHERE id = $1`, id)
	if err != nil {
		return nil, err
	}
	if c.Lines, err = r.ListLines(ctx, id); err != nil {
		return nil, err
	}
	return c, nil
}

// LockCase reads a case row FOR UPDATE without its lines.
func (r *DestructionRepository) LockCase(ctx context.Context, id string) (*DestructionCase, error) {
	if !database.InTransaction(ctx) {
		return nil, errors.Internal("case lock requires a transaction")
	}
	return r.getCase(ctx, `SELECT `+destructionCaseColumns+` FROM destruction_cases WHERE id = $1 FOR UPDATE`, id)
}

func (r *DestructionRepository) getCase(ctx context.Context, query, id string) (*DestructionCase, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, errors.NotFound("destruction case")
	}

	var c DestructionCase
	if err := sqlx.GetContext(ctx, r.db.Conn(ctx), &c, query, id); err != nil {
		if stderrors.Is(err, sql.ErrNoRows) {
			return nil, errors.NotFound("destruction case")
		}
		return nil, database.MapError(err)
	}
	return &c, nil
}

// ListByStatus lists cases in the given status, newest first.
func (r *DestructionRepository) ListByStatus(ctx context.Context, status DestructionStatus) ([]*DestructionCase, error) {
	query := `
		SELECT ` + destructionCaseColumns + `
		FROM destruction_cases
		WHERE status = $1
		ORDER BY created_at DESC
	`
	cases := []*DestructionCase{}
	if err := sqlx.SelectContext(ctx, r.db.Conn(ctx), &cases, query, status); err != nil {
		return nil, database.MapError(err)
	}
	return cases, nil
}

// AddLine inserts a line. A batch appears at most once per case.
func (r *DestructionRepository) AddLine(ctx context.Context, l *DestructionLine) error {
	if l.ID == "" {
		l.ID = uuid.New().String()
	}

	query := `
		INSERT INTO destruction_lines (
			id, case_id, batch_id, medicine_id, quantity, unit_cost, acquisition_value, condition
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING created_at
	`

	err := r.db.Conn(ctx).QueryRowxContext(ctx, query,
		l.ID, l.CaseID, l.BatchID, l.MedicineID, l.Quantity, l.UnitCost, l.AcquisitionValue, l.Condition,
	).Scan(&l.CreatedAt)
	return database.MapError(err)
}

// ListLines lists the lines of a case in batch order.
func (r *DestructionRepository) ListLines(ctx context.Context, caseID string) ([]*DestructionLine, error) {
	query := `SELECT ` + destructionLineColumns + ` FROM destruction_lines WHERE case_id = $1 ORDER BY batch_id`
	lines := []*DestructionLine{}
	if err := sqlx.SelectContext(ctx, r.db.Conn(ctx), &lines, query, caseID); err != nil {
		return nil, database.MapError(err)
	}
	return lines, nil
}

// MarkCompleted attaches the signed report and moves a DRAFT case to COMPLETED.
func (r *DestructionRepository) MarkCompleted(ctx context.Context, id, documentRef string, at time.Time) error {
	return r.transition(ctx, `
		UPDATE destruction_cases SET status = 'COMPLETED', document_ref = $2, completed_at = $3
		WHERE id = $1 AND status = 'DRAFT'
	`, id, documentRef, at)
}

// MarkApproved moves a COMPLETED case to APPROVED.
func (r *DestructionRepository) MarkApproved(ctx context.Context, id, approverID string, approverName *string, at time.Time) error {
	return r.transition(ctx, `
		UPDATE destruction_cases SET status = 'APPROVED', approved_by_id = $2, approved_by_name = $3, approved_at = $4
		WHERE id = $1 AND status = 'COMPLETED'
	`, id, approverID, approverName, at)
}

func (r *DestructionRepository) transition(ctx context.Context, query string, args ...any) error {
	result, err := r.db.Conn(ctx).ExecContext(ctx, query, args...)
	if err != nil {
		return database.MapError(err)
	}

	affected, _ := result.RowsAffected()
	if affected == 0 {
		return errors.InvalidState("destruction case is not in the expected state")
	}
	return nil
}
