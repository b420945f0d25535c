package service

import (
	"context"

	"github.com/medflow/pharmacy-ledger/internal/pharmacy/repository"
	"github.com/medflow/pharmacy-ledger/pkg/clock"
	"github.com/medflow/pharmacy-ledger/pkg/database"
)

// StockChange is the outcome of recomputing one medicine's stock on hand.
type StockChange struct {
	MedicineID string               `json:"medicine_id"`
	OldTotal   int                  `json:"old_total"`
	NewTotal   int                  `json:"new_total"`
	Medicine   *repository.Medicine `json:"-"`
}

// Changed reports whether the total moved.
func (c StockChange) Changed() bool {
	return c.OldTotal != c.NewTotal
}

// StockAggregator keeps medicines.stock_on_hand equal to the sum of the
// available quantity of the medicine's allocatable batches. It is the only
// writer of that column.
type StockAggregator struct {
	db        *database.DB
	medicines *repository.MedicineRepository
	batches   *repository.BatchRepository
	clock     clock.Clock
}

// NewStockAggregator creates a new stock aggregator
func NewStockAggregator(db *database.DB, medicines *repository.MedicineRepository, batches *repository.BatchRepository, clk clock.Clock) *StockAggregator {
	return &StockAggregator{db: db, medicines: medicines, batches: batches, clock: clk}
}

// Recompute derives the stock on hand of a medicine from its batches and
// stores it. Inside a ledger transaction it sees that transaction's batch
// writes and commits with them; on its own it opens a transaction.
func (a *StockAggregator) Recompute(ctx context.Context, medicineID string) (StockChange, error) {
	var change StockChange
	err := a.db.Transaction(ctx, func(ctx context.Context) error {
		m, err := a.medicines.LockForUpdate(ctx, medicineID)
		if err != nil {
			return err
		}

		total, err := a.batches.SumAllocatable(ctx, medicineID, clock.Today(a.clock))
		if err != nil {
			return err
		}

		change = StockChange{MedicineID: medicineID, OldTotal: m.StockOnHand, NewTotal: total}
		if total != m.StockOnHand {
			if err := a.medicines.SetStockOnHand(ctx, medicineID, total); err != nil {
				return err
			}
			m.StockOnHand = total
		}
		change.Medicine = m
		return nil
	})
	if err != nil {
		return StockChange{}, err
	}
	return change, nil
}

// RecomputeMany recomputes several medicines in ascending id order, the
// order medicine rows are locked in everywhere.
func (a *StockAggregator) RecomputeMany(ctx context.Context, medicineIDs []string) ([]StockChange, error) {
	var changes []StockChange
	err := a.db.Transaction(ctx, func(ctx context.Context) error {
		changes = changes[:0]
		for _, id := range repository.SortedUnique(medicineIDs) {
			change, err := a.Recompute(ctx, id)
			if err != nil {
				return err
			}
			changes = append(changes, change)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return changes, nil
}
