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
	"github.com/shopspring/decimal"
)

// Medicine is a catalog entry. StockOnHand is derived from its batches and
// is only written by the stock aggregator.
type Medicine struct {
	ID            string          `db:"id" json:"id"`
	Code          string          `db:"code" json:"code"`
	Name          string          `db:"name" json:"name"`
	GenericName   *string         `db:"generic_name" json:"generic_name,omitempty"`
	Unit          *string         `db:"unit" json:"unit,omitempty"`
	MinStock      int             `db:"min_stock" json:"min_stock"`
	PurchasePrice decimal.Decimal `db:"purchase_price" json:"purchase_price"`
	SellingPrice  decimal.Decimal `db:"selling_price" json:"selling_price"`
	StockOnHand   int             `db:"stock_on_hand" json:"stock_on_hand"`
	IsActive      bool            `db:"is_active" json:"is_active"`
	CreatedAt     time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt     time.Time       `db:"updated_at" json:"updated_at"`
}

// IsLowStock reports whether stock on hand has fallen to the reorder level.
func (m *Medicine) IsLowStock() bool {
	return m.StockOnHand <= m.MinStock
}

const medicineColumns = `id, code, name, generic_name, unit, min_stock, purchase_price,
	selling_price, stock_on_hand, is_active, created_at, updated_at`

// MedicineRepository handles medicine persistence
type MedicineRepository struct {
	db *database.DB
}

// NewMedicineRepository creates a new medicine repository
func NewMedicineRepository(db *database.DB) *MedicineRepository {
	return &MedicineRepository{db: db}
}

// Create creates a new medicine with zero stock.
func (r *MedicineRepository) Create(ctx context.Context, m *Medicine) error {
	if m.ID == "" {
		m.ID = uuid.New().String()
	}
	m.StockOnHand = 0

	query := `
		INSERT INTO medicines (
			id, code, name, generic_name, unit, min_stock, purchase_price, selling_price, is_active
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING created_at, updated_at
	`

	err := r.db.Conn(ctx).QueryRowxContext(ctx, query,
		m.ID, m.Code, m.Name, m.GenericName, m.Unit, m.MinStock,
		m.PurchasePrice, m.SellingPrice, m.IsActive,
	).Scan(&m.CreatedAt, &m.UpdatedAt)
	return database.MapError(err)
}

// GetByID gets a medicine by ID
func (r *MedicineRepository) GetByID(ctx context.Context, id string) (*Medicine, error) {
	return r.get(ctx, `SELECT `+medicineColumns+` FROM medicines WHERE id = $1`, id)
}

// LockForUpdate reads a medicine row and holds its lock until the surrounding
// transaction ends.
func (r *MedicineRepository) LockForUpdate(ctx context.Context, id string) (*Medicine, error) {
	if !database.InTransaction(ctx) {
		return nil, errors.Internal("medicine lock requires a transaction")
	}
	return r.get(ctx, `SELECT `+medicineColumns+` FROM medicines WHERE id = $1 FOR NO KEY UPDATE`, id)
}

func (r *MedicineRepository) get(ctx context.Context, query, id string) (*Medicine, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, errors.UnknownMedicine(id)
	}

	var m Medicine
	if err := sqlx.GetContext(ctx, r.db.Conn(ctx), &m, query, id); err != nil {
		if stderrors.Is(err, sql.ErrNoRows) {
			return nil, errors.UnknownMedicine(id)
		}
		return nil, database.MapError(err)
	}
	return &m, nil
}

// SetStockOnHand writes the derived total for a medicine.
func (r *MedicineRepository) SetStockOnHand(ctx context.Context, id string, total int) error {
	result, err := r.db.Conn(ctx).ExecContext(ctx, `UPDATE medicines SET stock_on_hand = $2 WHERE id = $1`, id, total)
	if err != nil {
		return database.MapError(err)
	}

	affected, _ := result.RowsAffected()
	if affected == 0 {
		return errors.UnknownMedicine(id)
	}
	return nil
}

// UpdatePrices sets the purchase and selling prices.
func (r *MedicineRepository) UpdatePrices(ctx context.Context, id string, purchase, selling decimal.Decimal) error {
	result, err := r.db.Conn(ctx).ExecContext(ctx,
		`UPDATE medicines SET purchase_price = $2, selling_price = $3 WHERE id = $1`,
		id, purchase, selling,
	)
	if err != nil {
		return database.MapError(err)
	}

	affected, _ := result.RowsAffected()
	if affected == 0 {
		return errors.UnknownMedicine(id)
	}
	return nil
}

// List lists active medicines ordered by name.
func (r *MedicineRepository) List(ctx context.Context, limit, offset int) ([]*Medicine, error) {
	query := `
		SELECT ` + medicineColumns + `
		FROM medicines
		WHERE is_active = true
		ORDER BY name, id
		LIMIT $1 OFFSET $2
	`
	medicines := []*Medicine{}
	if err := sqlx.SelectContext(ctx, r.db.Conn(ctx), &medicines, query, limit, offset); err != nil {
		return nil, database.MapError(err)
	}
	return medicines, nil
}

// ListLowStock lists active medicines at or below their minimum stock.
func (r *MedicineRepository) ListLowStock(ctx context.Context) ([]*Medicine, error) {
	query := `
		SELECT ` + medicineColumns + `
		FROM medicines
		WHERE is_active = true AND stock_on_hand <= min_stock
		ORDER BY stock_on_hand, name
	`
	medicines := []*Medicine{}
	if err := sqlx.SelectContext(ctx, r.db.Conn(ctx), &medicines, query); err != nil {
		return nil, database.MapError(err)
	}
	return medicines, nil
}
