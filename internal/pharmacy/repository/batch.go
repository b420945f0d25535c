package repository

import (
	"context"
	"database/sql"
	stderrors "errors"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/medflow/pharmacy-ledger/pkg/clock"
	"github.com/medflow/pharmacy-ledger/pkg/database"
	"github.com/medflow/pharmacy-ledger/pkg/errors"
	"github.com/shopspring/decimal"
)

// BatchStatus is the lifecycle state of a batch.
type BatchStatus string

const (
	BatchAvailable   BatchStatus = "AVAILABLE"
	BatchDepleted    BatchStatus = "DEPLETED"
	BatchExpired     BatchStatus = "EXPIRED"
	BatchQuarantined BatchStatus = "QUARANTINED"
	BatchRecalled    BatchStatus = "RECALLED"
)

// Valid reports whether s is a known status.
func (s BatchStatus) Valid() bool {
	switch s {
	case BatchAvailable, BatchDepleted, BatchExpired, BatchQuarantined, BatchRecalled:
		return true
	}
	return false
}

// Batch is a received lot of one medicine with a single expiry date.
type Batch struct {
	ID                string          `db:"id" json:"id"`
	MedicineID        string          `db:"medicine_id" json:"medicine_id"`
	LotNumber         string          `db:"lot_number" json:"lot_number"`
	ExpiryDate        time.Time       `db:"expiry_date" json:"expiry_date"`
	ReceivedDate      time.Time       `db:"received_date" json:"received_date"`
	OriginalQuantity  int             `db:"original_quantity" json:"original_quantity"`
	AvailableQuantity int             `db:"available_quantity" json:"available_quantity"`
	UnitCost          decimal.Decimal `db:"unit_cost" json:"unit_cost"`
	Status            BatchStatus     `db:"status" json:"status"`
	RetiredAt         *time.Time      `db:"retired_at" json:"retired_at,omitempty"`
	CreatedAt         time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt         time.Time       `db:"updated_at" json:"updated_at"`
}

// IsExpired reports whether the batch expired before today. A batch whose
// expiry date is today is still usable.
func (b *Batch) IsExpired(today time.Time) bool {
	return clock.Date(b.ExpiryDate).Before(clock.Date(today))
}

// Allocatable reports whether the batch may be dispensed from today.
func (b *Batch) Allocatable(today time.Time) bool {
	return b.Status == BatchAvailable && b.AvailableQuantity > 0 && !b.IsExpired(today) && b.RetiredAt == nil
}

const batchColumns = `id, medicine_id, lot_number, expiry_date, received_date, original_quantity,
	available_quantity, unit_cost, status, retired_at, created_at, updated_at`

// BatchRepository is the system of record for batch quantities.
// Mutating methods must run inside database.DB.Transaction.
type BatchRepository struct {
	db *database.DB
}

// NewBatchRepository creates a new batch repository
func NewBatchRepository(db *database.DB) *BatchRepository {
	return &BatchRepository{db: db}
}

// Create inserts a new batch. Available quantity starts equal to the original quantity.
func (r *BatchRepository) Create(ctx context.Context, batch *Batch) error {
	if batch.ID == "" {
		batch.ID = uuid.New().String()
	}
	if batch.Status == "" {
		batch.Status = BatchAvailable
	}
	batch.AvailableQuantity = batch.OriginalQuantity
	batch.ExpiryDate = clock.Date(batch.ExpiryDate)
	batch.ReceivedDate = clock.Date(batch.ReceivedDate)

	query := `
		INSERT INTO batches (
			id, medicine_id, lot_number, expiry_date, received_date,
			original_quantity, available_quantity, unit_cost, status
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING created_at, updated_at
	`

	err := r.db.Conn(ctx).QueryRowxContext(ctx, query,
		batch.ID, batch.MedicineID, batch.LotNumber, batch.ExpiryDate, batch.ReceivedDate,
		batch.OriginalQuantity, batch.AvailableQuantity, batch.UnitCost, batch.Status,
	).Scan(&batch.CreatedAt, &batch.UpdatedAt)
	return database.MapError(err)
}

// GetByID gets a batch by ID
func (r *BatchRepository) GetByID(ctx context.Context, id string) (*Batch, error) {
	return r.get(ctx, `SELECT `+batchColumns+` FROM batches WHERE id = $1`, id)
}

// LockForUpdate reads a batch and holds its row lock until the surrounding
// transaction ends. NO KEY UPDATE still lets other transactions insert rows
// that reference the batch.
func (r *BatchRepository) LockForUpdate(ctx context.Context, id string) (*Batch, error) {
	if !database.InTransaction(ctx) {
		return nil, errors.Internal("batch lock requires a transaction")
	}
	return r.get(ctx, `SELECT `+batchColumns+` FROM batches WHERE id = $1 FOR NO KEY UPDATE`, id)
}

// LockManyForUpdate locks the given batches one at a time in ascending id
// order. Duplicate ids are locked once. The result is keyed by batch id.
func (r *BatchRepository) LockManyForUpdate(ctx context.Context, ids []string) (map[string]*Batch, error) {
	ordered := SortedUnique(ids)
	locked := make(map[string]*Batch, len(ordered))
	for _, id := range ordered {
		b, err := r.LockForUpdate(ctx, id)
		if err != nil {
			return nil, err
		}
		locked[id] = b
	}
	return locked, nil
}

func (r *BatchRepository) get(ctx context.Context, query, id string) (*Batch, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, errors.UnknownBatch(id)
	}

	var batch Batch
	if err := sqlx.GetContext(ctx, r.db.Conn(ctx), &batch, query, id); err != nil {
		if stderrors.Is(err, sql.ErrNoRows) {
			return nil, errors.UnknownBatch(id)
		}
		return nil, database.MapError(err)
	}
	return &batch, nil
}

// ListActive returns the batches of a medicine that can be dispensed today,
// in FEFO order: earliest expiry, then earliest receipt, then id.
func (r *BatchRepository) ListActive(ctx context.Context, medicineID string, today time.Time) ([]*Batch, error) {
	query := `
		SELECT ` + batchColumns + `
		FROM batches
		WHERE medicine_id = $1
		  AND status = 'AVAILABLE'
		  AND available_quantity > 0
		  AND expiry_date >= $2
		  AND retired_at IS NULL
		ORDER BY expiry_date, received_date, id
	`
	return r.list(ctx, query, medicineID, clock.Date(today))
}

// ListByMedicine lists all batches of a medicine regardless of status.
func (r *BatchRepository) ListByMedicine(ctx context.Context, medicineID string) ([]*Batch, error) {
	query := `
		SELECT ` + batchColumns + `
		FROM batches
		WHERE medicine_id = $1
		ORDER BY expiry_date, received_date, id
	`
	return r.list(ctx, query, medicineID)
}

// SumAllocatable totals the available quantity that counts toward stock on hand.
func (r *BatchRepository) SumAllocatable(ctx context.Context, medicineID string, today time.Time) (int, error) {
	var total int
	query := `
		SELECT COALESCE(SUM(available_quantity), 0)
		FROM batches
		WHERE medicine_id = $1
		  AND status = 'AVAILABLE'
		  AND expiry_date >= $2
		  AND retired_at IS NULL
	`
	if err := sqlx.GetContext(ctx, r.db.Conn(ctx), &total, query, medicineID, clock.Date(today)); err != nil {
		return 0, database.MapError(err)
	}
	return total, nil
}

// AdjustAvailable applies delta to a batch's available quantity inside the
// caller's transaction. The status follows the quantity: AVAILABLE becomes
// DEPLETED at zero and DEPLETED returns to AVAILABLE above zero.
func (r *BatchRepository) AdjustAvailable(ctx context.Context, id string, delta int) (*Batch, error) {
	if !database.InTransaction(ctx) {
		return nil, errors.Internal("batch adjustment requires a transaction")
	}

	query := `
		UPDATE batches SET
			available_quantity = available_quantity + $2,
			status = CASE
				WHEN available_quantity + $2 = 0 AND status = 'AVAILABLE' THEN 'DEPLETED'
				WHEN available_quantity + $2 > 0 AND status = 'DEPLETED' THEN 'AVAILABLE'
				ELSE status
			END
		WHERE id = $1
		  AND available_quantity + $2 >= 0
		  AND available_quantity + $2 <= original_quantity
		RETURNING ` + batchColumns

	var batch Batch
	err := sqlx.GetContext(ctx, r.db.Conn(ctx), &batch, query, id, delta)
	if err == nil {
		return &batch, nil
	}
	if !stderrors.Is(err, sql.ErrNoRows) {
		return nil, database.MapError(err)
	}

	current, getErr := r.GetByID(ctx, id)
	if getErr != nil {
		return nil, getErr
	}
	if current.AvailableQuantity+delta < 0 {
		return nil, errors.InsufficientStock(-delta, current.AvailableQuantity).WithDetail("batch_id", id)
	}
	return nil, errors.InvalidArgument("adjustment would exceed the batch's original quantity").
		WithDetail("batch_id", id)
}

// AddReceived records additional units received into an existing batch.
func (r *BatchRepository) AddReceived(ctx context.Context, id string, quantity int) (*Batch, error) {
	if quantity <= 0 {
		return nil, errors.InvalidArgument("received quantity must be positive")
	}

	query := `
		UPDATE batches SET
			original_quantity = original_quantity + $2,
			available_quantity = available_quantity + $2,
			status = CASE WHEN status = 'DEPLETED' THEN 'AVAILABLE' ELSE status END
		WHERE id = $1
		RETURNING ` + batchColumns

	var batch Batch
	if err := sqlx.GetContext(ctx, r.db.Conn(ctx), &batch, query, id, quantity); err != nil {
		if stderrors.Is(err, sql.ErrNoRows) {
			return nil, errors.UnknownBatch(id)
		}
		return nil, database.MapError(err)
	}
	return &batch, nil
}

// RaiseOriginal lifts original_quantity to at least quantity. Stock counts
// that find more than was received use it before booking the surplus.
func (r *BatchRepository) RaiseOriginal(ctx context.Context, id string, quantity int) error {
	result, err := r.db.Conn(ctx).ExecContext(ctx,
		`UPDATE batches SET original_quantity = GREATEST(original_quantity, $2) WHERE id = $1`, id, quantity)
	if err != nil {
		return database.MapError(err)
	}

	affected, _ := result.RowsAffected()
	if affected == 0 {
		return errors.UnknownBatch(id)
	}
	return nil
}

// SetStatus forces a batch into status. DEPLETED is only accepted for empty
// batches; the table constraint enforces it.
func (r *BatchRepository) SetStatus(ctx context.Context, id string, status BatchStatus) (*Batch, error) {
	if !status.Valid() {
		return nil, errors.InvalidArgument("unknown batch status " + string(status))
	}

	query := `UPDATE batches SET status = $2 WHERE id = $1 RETURNING ` + batchColumns

	var batch Batch
	if err := sqlx.GetContext(ctx, r.db.Conn(ctx), &batch, query, id, status); err != nil {
		if stderrors.Is(err, sql.ErrNoRows) {
			return nil, errors.UnknownBatch(id)
		}
		return nil, database.MapError(err)
	}
	return &batch, nil
}

// UpdateUnitCost corrects the acquisition cost of a batch.
func (r *BatchRepository) UpdateUnitCost(ctx context.Context, id string, cost decimal.Decimal) error {
	if cost.IsNegative() {
		return errors.InvalidArgument("unit cost cannot be negative")
	}

	result, err := r.db.Conn(ctx).ExecContext(ctx, `UPDATE batches SET unit_cost = $2 WHERE id = $1`, id, cost)
	if err != nil {
		return database.MapError(err)
	}

	affected, _ := result.RowsAffected()
	if affected == 0 {
		return errors.UnknownBatch(id)
	}
	return nil
}

// Retire soft-deletes an empty batch. Batches are never removed because
// movements reference them.
func (r *BatchRepository) Retire(ctx context.Context, id string) error {
	result, err := r.db.Conn(ctx).ExecContext(ctx, `
		UPDATE batches SET retired_at = NOW()
		WHERE id = $1 AND retired_at IS NULL AND available_quantity = 0
	`, id)
	if err != nil {
		return database.MapError(err)
	}

	affected, _ := result.RowsAffected()
	if affected == 0 {
		b, err := r.GetByID(ctx, id)
		if err != nil {
			return err
		}
		if b.RetiredAt != nil {
			return errors.InvalidState("batch is already retired")
		}
		return errors.InvalidState("only empty batches can be retired")
	}
	return nil
}

// ListExpiring lists dispensable batches whose expiry falls within days of today.
func (r *BatchRepository) ListExpiring(ctx context.Context, today time.Time, withinDays int) ([]*Batch, error) {
	today = clock.Date(today)
	query := `
		SELECT ` + batchColumns + `
		FROM batches
		WHERE status = 'AVAILABLE'
		  AND available_quantity > 0
		  AND retired_at IS NULL
		  AND expiry_date >= $1
		  AND expiry_date <= $2
		ORDER BY expiry_date, received_date, id
	`
	return r.list(ctx, query, today, today.AddDate(0, 0, withinDays))
}

// MarkExpired flips every AVAILABLE or DEPLETED batch that expired before
// today to EXPIRED and returns the affected rows.
func (r *BatchRepository) MarkExpired(ctx context.Context, today time.Time) ([]*Batch, error) {
	// Rows are locked in id order first, matching the ledger's lock order.
	query := `
		WITH due AS (
			SELECT id FROM batches
			WHERE status IN ('AVAILABLE', 'DEPLETED')
			  AND expiry_date < $1
			ORDER BY id
			FOR NO KEY UPDATE
		)
		UPDATE batches b SET status = 'EXPIRED'
		FROM due
		WHERE b.id = due.id
		RETURNING b.id, b.medicine_id, b.lot_number, b.expiry_date, b.received_date, b.original_quantity,
			b.available_quantity, b.unit_cost, b.status, b.retired_at, b.created_at, b.updated_at`
	return r.list(ctx, query, clock.Date(today))
}

// ListEligibleForDestruction lists batches with stock left that can no
// longer be dispensed: expired by date or status, or recalled.
func (r *BatchRepository) ListEligibleForDestruction(ctx context.Context, today time.Time) ([]*Batch, error) {
	query := `
		SELECT ` + batchColumns + `
		FROM batches
		WHERE available_quantity > 0
		  AND retired_at IS NULL
		  AND (status IN ('EXPIRED', 'RECALLED') OR expiry_date < $1)
		ORDER BY expiry_date, id
	`
	return r.list(ctx, query, clock.Date(today))
}

func (r *BatchRepository) list(ctx context.Context, query string, args ...any) ([]*Batch, error) {
	batches := []*Batch{}
	if err := sqlx.SelectContext(ctx, r.db.Conn(ctx), &batches, query, args...); err != nil {
		return nil, database.MapError(err)
	}
	return batches, nil
}

// SortedUnique returns ids deduplicated and in ascending order, the order in
// which row locks must be taken.
func SortedUnique(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
