package service

import (
	"context"
	"sort"
	"time"

	"github.com/medflow/pharmacy-ledger/internal/pharmacy/repository"
	"github.com/medflow/pharmacy-ledger/pkg/clock"
	"github.com/medflow/pharmacy-ledger/pkg/errors"
	"github.com/shopspring/decimal"
)

// AllocationLine is the quantity planned from one batch.
type AllocationLine struct {
	BatchID    string          `json:"batch_id"`
	LotNumber  string          `json:"lot_number"`
	ExpiryDate time.Time       `json:"expiry_date"`
	Quantity   int             `json:"quantity"`
	UnitCost   decimal.Decimal `json:"unit_cost"`
}

// AllocationPlan is a read-only FEFO selection for one medicine. Lines are
// in consumption order. Nothing is reserved until the plan is committed.
type AllocationPlan struct {
	MedicineID string           `json:"medicine_id"`
	Requested  int              `json:"requested"`
	Lines      []AllocationLine `json:"lines"`
}

// BatchIDs returns the batches the plan touches.
func (p *AllocationPlan) BatchIDs() []string {
	ids := make([]string, len(p.Lines))
	for i, l := range p.Lines {
		ids[i] = l.BatchID
	}
	return ids
}

// Total is the planned quantity.
func (p *AllocationPlan) Total() int {
	total := 0
	for _, l := range p.Lines {
		total += l.Quantity
	}
	return total
}

// AllocationRequest asks for quantity of one medicine.
type AllocationRequest struct {
	MedicineID string `json:"medicine_id" validate:"required,uuid"`
	Quantity   int    `json:"quantity" validate:"gt=0"`
}

// Allocator plans FEFO allocations.
type Allocator struct {
	medicines *repository.MedicineRepository
	batches   *repository.BatchRepository
	clock     clock.Clock
}

// NewAllocator creates a new FEFO allocator
func NewAllocator(medicines *repository.MedicineRepository, batches *repository.BatchRepository, clk clock.Clock) *Allocator {
	return &Allocator{medicines: medicines, batches: batches, clock: clk}
}

// Allocate plans quantity of a medicine across its dispensable batches,
// earliest expiry first. It fails with InsufficientStock when the batches
// cannot cover the whole quantity.
func (a *Allocator) Allocate(ctx context.Context, medicineID string, quantity int) (*AllocationPlan, error) {
	if quantity <= 0 {
		return nil, errors.InvalidArgument("requested quantity must be positive")
	}

	if _, err := a.medicines.GetByID(ctx, medicineID); err != nil {
		return nil, err
	}

	today := clock.Today(a.clock)
	batches, err := a.batches.ListActive(ctx, medicineID, today)
	if err != nil {
		return nil, err
	}

	return planFEFO(medicineID, batches, quantity, today)
}

// AllocateMany plans every request before returning, so a caller can check
// a whole prescription before committing any of it. The first failing
// request aborts the lot.
func (a *Allocator) AllocateMany(ctx context.Context, requests []AllocationRequest) ([]*AllocationPlan, error) {
	if len(requests) == 0 {
		return nil, errors.InvalidArgument("at least one item is required")
	}

	plans := make([]*AllocationPlan, 0, len(requests))
	for _, req := range requests {
		plan, err := a.Allocate(ctx, req.MedicineID, req.Quantity)
		if err != nil {
			return nil, errors.Annotate(err, "medicine_id", req.MedicineID)
		}
		plans = append(plans, plan)
	}
	return plans, nil
}

// planFEFO walks batches in FEFO order taking as much as each can give.
// Batches that are not allocatable today are skipped even if the caller
// passed them in.
func planFEFO(medicineID string, batches []*repository.Batch, quantity int, today time.Time) (*AllocationPlan, error) {
	if quantity <= 0 {
		return nil, errors.InvalidArgument("requested quantity must be positive")
	}

	ordered := make([]*repository.Batch, 0, len(batches))
	for _, b := range batches {
		if b.Allocatable(today) {
			ordered = append(ordered, b)
		}
	}
	sortFEFO(ordered)

	plan := &AllocationPlan{MedicineID: medicineID, Requested: quantity}
	remaining := quantity
	for _, b := range ordered {
		if remaining == 0 {
			break
		}
		take := min(remaining, b.AvailableQuantity)
		plan.Lines = append(plan.Lines, AllocationLine{
			BatchID:    b.ID,
			LotNumber:  b.LotNumber,
			ExpiryDate: b.ExpiryDate,
			Quantity:   take,
			UnitCost:   b.UnitCost,
		})
		remaining -= take
	}

	if remaining > 0 {
		return nil, errors.InsufficientStock(quantity, quantity-remaining).WithDetail("medicine_id", medicineID)
	}
	return plan, nil
}

// sortFEFO orders by expiry, then receipt date, then id.
func sortFEFO(batches []*repository.Batch) {
	sort.SliceStable(batches, func(i, j int) bool {
		a, b := batches[i], batches[j]
		if !a.ExpiryDate.Equal(b.ExpiryDate) {
			return a.ExpiryDate.Before(b.ExpiryDate)
		}
		if !a.ReceivedDate.Equal(b.ReceivedDate) {
			return a.ReceivedDate.Before(b.ReceivedDate)
		}
		return a.ID < b.ID
	})
}
