package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/medflow/pharmacy-ledger/pkg/clock"
	"github.com/medflow/pharmacy-ledger/pkg/database"
	"github.com/medflow/pharmacy-ledger/pkg/errors"
	"github.com/shopspring/decimal"
)

// Direction of a stock movement.
type Direction string

const (
	DirectionIn   Direction = "IN"
	DirectionOut  Direction = "OUT"
	DirectionSale Direction = "SALE"
)

// CodePrefix is the document prefix used for movement codes.
func (d Direction) CodePrefix() string {
	switch d {
	case DirectionIn:
		return "TRM"
	case DirectionSale:
		return "TRJ"
	default:
		return "TRK"
	}
}

// Valid reports whether d is a known direction.
func (d Direction) Valid() bool {
	return d == DirectionIn || d == DirectionOut || d == DirectionSale
}

// Outbound reports whether the movement removes stock.
func (d Direction) Outbound() bool {
	return d == DirectionOut || d == DirectionSale
}

// Movement is an immutable record of one stock change on one batch.
type Movement struct {
	ID           string          `db:"id" json:"id"`
	Code         string          `db:"code" json:"code"`
	MedicineID   string          `db:"medicine_id" json:"medicine_id"`
	BatchID      *string         `db:"batch_id" json:"batch_id,omitempty"`
	Direction    Direction       `db:"direction" json:"direction"`
	Quantity     int             `db:"quantity" json:"quantity"`
	UnitPrice    decimal.Decimal `db:"unit_price" json:"unit_price"`
	TotalPrice   decimal.Decimal `db:"total_price" json:"total_price"`
	BalanceAfter int             `db:"balance_after" json:"balance_after"`
	ActorID      string          `db:"actor_id" json:"actor_id"`
	ActorName    *string         `db:"actor_name" json:"actor_name,omitempty"`
	RefType      *string         `db:"ref_type" json:"ref_type,omitempty"`
	RefID        *string         `db:"ref_id" json:"ref_id,omitempty"`
	Note         *string         `db:"note" json:"note,omitempty"`
	CreatedAt    time.Time       `db:"created_at" json:"created_at"`
}

const movementColumns = `id, code, medicine_id, batch_id, direction, quantity, unit_price,
	total_price, balance_after, actor_id, actor_name, ref_type, ref_id, note, created_at`

// MovementRepository appends to the movement log. Rows are never updated or
// deleted; the table trigger rejects both.
type MovementRepository struct {
	db *database.DB
}

// NewMovementRepository creates a new movement repository
func NewMovementRepository(db *database.DB) *MovementRepository {
	return &MovementRepository{db: db}
}

// Append assigns a code and inserts the movement.
func (r *MovementRepository) Append(ctx context.Context, m *Movement, now time.Time) error {
	if m.Quantity <= 0 {
		return errors.InvalidArgument("movement quantity must be positive")
	}
	if !m.Direction.Valid() {
		return errors.InvalidArgument(fmt.Sprintf("unknown movement direction %q", m.Direction))
	}
	if m.ID == "" {
		m.ID = uuid.New().String()
	}

	// A database sequence rather than a counter row, so concurrent commits on
	// unrelated batches never wait on each other for a code.
	var n int64
	if err := sqlx.GetContext(ctx, r.db.Conn(ctx), &n, `SELECT nextval('stock_movement_code_seq')`); err != nil {
		return database.MapError(err)
	}
	m.Code = FormatDocumentNumber(m.Direction.CodePrefix(), clock.Date(now), n)
	m.TotalPrice = m.UnitPrice.Mul(decimal.NewFromInt(int64(m.Quantity)))

	query := `
		INSERT INTO stock_movements (
			id, code, medicine_id, batch_id, direction, quantity, unit_price,
			total_price, balance_after, actor_id, actor_name, ref_type, ref_id, note, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
	`

	_, err := r.db.Conn(ctx).ExecContext(ctx, query,
		m.ID, m.Code, m.MedicineID, m.BatchID, m.Direction, m.Quantity, m.UnitPrice,
		m.TotalPrice, m.BalanceAfter, m.ActorID, m.ActorName, m.RefType, m.RefID, m.Note, now,
	)
	if err != nil {
		return database.MapError(err)
	}
	m.CreatedAt = now
	return nil
}

// ListByBatch lists the movements of a batch, oldest first.
func (r *MovementRepository) ListByBatch(ctx context.Context, batchID string) ([]*Movement, error) {
	query := `SELECT ` + movementColumns + ` FROM stock_movements WHERE batch_id = $1 ORDER BY created_at, code`
	return r.list(ctx, query, batchID)
}

// ListByMedicine lists the latest movements of a medicine, newest first.
func (r *MovementRepository) ListByMedicine(ctx context.Context, medicineID string, limit int) ([]*Movement, error) {
	query := `
		SELECT ` + movementColumns + `
		FROM stock_movements
		WHERE medicine_id = $1
		ORDER BY created_at DESC, code DESC
		LIMIT $2
	`
	return r.list(ctx, query, medicineID, limit)
}

// ListByRef lists the movements produced by one business document.
func (r *MovementRepository) ListByRef(ctx context.Context, refType, refID string) ([]*Movement, error) {
	query := `SELECT ` + movementColumns + ` FROM stock_movements WHERE ref_type = $1 AND ref_id = $2 ORDER BY code`
	return r.list(ctx, query, refType, refID)
}

func (r *MovementRepository) list(ctx context.Context, query string, args ...any) ([]*Movement, error) {
	movements := []*Movement{}
	if err := sqlx.SelectContext(ctx, r.db.Conn(ctx), &movements, query, args...); err != nil {
		return nil, database.MapError(err)
	}
	return movements, nil
}

// SequenceRepository hands out daily case numbers such as
// SO-20240115-0007.
type SequenceRepository struct {
	db *database.DB
}

// NewSequenceRepository creates a new sequence repository
func NewSequenceRepository(db *database.DB) *SequenceRepository {
	return &SequenceRepository{db: db}
}

// Next returns the next number for prefix on the calendar day of now.
// Inside a transaction the counter row stays locked until commit, so numbers
// are gap-free per committed document.
func (r *SequenceRepository) Next(ctx context.Context, prefix string, now time.Time) (string, error) {
	day := clock.Date(now)

	query := `
		INSERT INTO document_sequences (prefix, day, last_value) VALUES ($1, $2, 1)
		ON CONFLICT (prefix, day) DO UPDATE SET last_value = document_sequences.last_value + 1
		RETURNING last_value
	`

	var n int64
	if err := sqlx.GetContext(ctx, r.db.Conn(ctx), &n, query, prefix, day); err != nil {
		return "", database.MapError(err)
	}
	return FormatDocumentNumber(prefix, day, n), nil
}

// FormatDocumentNumber renders PREFIX-YYYYMMDD-NNNN.
func FormatDocumentNumber(prefix string, day time.Time, n int64) string {
	return fmt.Sprintf("%s-%s-%04d", prefix, day.Format("20060102"), n)
}
