package service

import (
	"context"
	"strings"

	"github.com/medflow/pharmacy-ledger/internal/pharmacy/events"
	"github.com/medflow/pharmacy-ledger/internal/pharmacy/repository"
	"github.com/medflow/pharmacy-ledger/pkg/actor"
	"github.com/medflow/pharmacy-ledger/pkg/clock"
	"github.com/medflow/pharmacy-ledger/pkg/database"
	"github.com/medflow/pharmacy-ledger/pkg/errors"
	"github.com/medflow/pharmacy-ledger/pkg/messaging"
	"github.com/shopspring/decimal"
)

// CreateMedicineRequest registers a medicine in the catalog.
type CreateMedicineRequest struct {
	Code          string          `json:"code" validate:"required,max=50"`
	Name          string          `json:"name" validate:"required,max=255"`
	GenericName   string          `json:"generic_name" validate:"max=255"`
	Unit          string          `json:"unit" validate:"max=50"`
	MinStock      int             `json:"min_stock" validate:"gte=0"`
	PurchasePrice decimal.Decimal `json:"purchase_price" validate:"gte=0"`
	SellingPrice  decimal.Decimal `json:"selling_price" validate:"gte=0"`
}

// UpdatePricesRequest changes a medicine's list prices.
type UpdatePricesRequest struct {
	PurchasePrice decimal.Decimal `json:"purchase_price" validate:"gte=0"`
	SellingPrice  decimal.Decimal `json:"selling_price" validate:"gte=0"`
}

// CorrectBatchCostRequest fixes a batch's recorded acquisition cost.
type CorrectBatchCostRequest struct {
	UnitCost decimal.Decimal `json:"unit_cost" validate:"gte=0"`
	Reason   string          `json:"reason" validate:"required,max=500"`
}

// MedicineStock is a medicine with its batches.
type MedicineStock struct {
	Medicine *repository.Medicine `json:"medicine"`
	Batches  []*repository.Batch  `json:"batches"`
}

// Catalog serves the medicine catalog and the read side of the ledger.
type Catalog struct {
	db         *database.DB
	medicines  *repository.MedicineRepository
	batches    *repository.BatchRepository
	movements  *repository.MovementRepository
	aggregator *StockAggregator
	audit      *AuditRecorder
	publisher  *events.PharmacyEventPublisher
	clock      clock.Clock
}

// NewCatalog creates a new catalog service
func NewCatalog(
	db *database.DB,
	medicines *repository.MedicineRepository,
	batches *repository.BatchRepository,
	movements *repository.MovementRepository,
	aggregator *StockAggregator,
	audit *AuditRecorder,
	publisher *events.PharmacyEventPublisher,
	clk clock.Clock,
) *Catalog {
	return &Catalog{
		db:         db,
		medicines:  medicines,
		batches:    batches,
		movements:  movements,
		aggregator: aggregator,
		audit:      audit,
		publisher:  publisher,
		clock:      clk,
	}
}

// CreateMedicine adds a medicine with no stock.
func (c *Catalog) CreateMedicine(ctx context.Context, req CreateMedicineRequest, a actor.Actor) (*repository.Medicine, error) {
	if err := requireActor(a); err != nil {
		return nil, err
	}
	if req.MinStock < 0 {
		return nil, errors.InvalidArgument("min stock cannot be negative")
	}
	if req.PurchasePrice.IsNegative() || req.SellingPrice.IsNegative() {
		return nil, errors.InvalidArgument("prices cannot be negative")
	}

	m := &repository.Medicine{
		Code:          strings.TrimSpace(req.Code),
		Name:          strings.TrimSpace(req.Name),
		GenericName:   optional(strings.TrimSpace(req.GenericName)),
		Unit:          optional(strings.TrimSpace(req.Unit)),
		MinStock:      req.MinStock,
		PurchasePrice: req.PurchasePrice,
		SellingPrice:  req.SellingPrice,
		IsActive:      true,
	}

	err := c.db.Transaction(ctx, func(ctx context.Context) error {
		if err := c.medicines.Create(ctx, m); err != nil {
			return err
		}
		return c.audit.Record(ctx, EntityMedicine, m.ID, "medicine.created", a, map[string]any{"code": m.Code})
	})
	if err != nil {
		return nil, err
	}
	return m, nil
}

// UpdatePrices changes list prices. Batch unit costs are not touched.
func (c *Catalog) UpdatePrices(ctx context.Context, medicineID string, req UpdatePricesRequest, a actor.Actor) (*repository.Medicine, error) {
	if err := requireActor(a); err != nil {
		return nil, err
	}
	if req.PurchasePrice.IsNegative() || req.SellingPrice.IsNegative() {
		return nil, errors.InvalidArgument("prices cannot be negative")
	}

	err := c.db.Transaction(ctx, func(ctx context.Context) error {
		if err := c.medicines.UpdatePrices(ctx, medicineID, req.PurchasePrice, req.SellingPrice); err != nil {
			return err
		}
		return c.audit.Record(ctx, EntityMedicine, medicineID, "medicine.prices_updated", a, map[string]any{
			"purchase_price": req.PurchasePrice.StringFixed(2),
			"selling_price":  req.SellingPrice.StringFixed(2),
		})
	})
	if err != nil {
		return nil, err
	}
	return c.medicines.GetByID(ctx, medicineID)
}

// CorrectBatchCost changes the unit cost used to value future movements of
// a batch. Booked movements and destruction lines keep the cost they were
// recorded with.
func (c *Catalog) CorrectBatchCost(ctx context.Context, batchID string, req CorrectBatchCostRequest, a actor.Actor) (*repository.Batch, error) {
	if err := requireActor(a); err != nil {
		return nil, err
	}
	if req.UnitCost.IsNegative() {
		return nil, errors.InvalidArgument("unit cost cannot be negative")
	}
	reason := strings.TrimSpace(req.Reason)
	if reason == "" {
		return nil, errors.InvalidArgument("a reason is required to correct a batch cost")
	}

	err := c.db.Transaction(ctx, func(ctx context.Context) error {
		b, err := c.batches.LockForUpdate(ctx, batchID)
		if err != nil {
			return err
		}
		if b.UnitCost.Equal(req.UnitCost) {
			return nil
		}
		if err := c.batches.UpdateUnitCost(ctx, b.ID, req.UnitCost); err != nil {
			return err
		}
		return c.audit.Record(ctx, EntityBatch, b.ID, "batch.cost_corrected", a, map[string]any{
			"old_unit_cost": b.UnitCost.StringFixed(2),
			"new_unit_cost": req.UnitCost.StringFixed(2),
			"reason":        reason,
		})
	})
	if err != nil {
		return nil, err
	}
	return c.batches.GetByID(ctx, batchID)
}

// ListMedicines lists active medicines.
func (c *Catalog) ListMedicines(ctx context.Context, limit, offset int) ([]*repository.Medicine, error) {
	return c.medicines.List(ctx, limit, offset)
}

// Stock returns a medicine and all of its batches.
func (c *Catalog) Stock(ctx context.Context, medicineID string) (*MedicineStock, error) {
	m, err := c.medicines.GetByID(ctx, medicineID)
	if err != nil {
		return nil, err
	}
	batches, err := c.batches.ListByMedicine(ctx, medicineID)
	if err != nil {
		return nil, err
	}
	return &MedicineStock{Medicine: m, Batches: batches}, nil
}

// Batch returns one batch.
func (c *Catalog) Batch(ctx context.Context, batchID string) (*repository.Batch, error) {
	return c.batches.GetByID(ctx, batchID)
}

// LowStock lists medicines at or below their minimum stock.
func (c *Catalog) LowStock(ctx context.Context) ([]*repository.Medicine, error) {
	return c.medicines.ListLowStock(ctx)
}

// Expiring lists dispensable batches expiring within days.
func (c *Catalog) Expiring(ctx context.Context, days int) ([]*repository.Batch, error) {
	if days <= 0 {
		return nil, errors.InvalidArgument("days must be positive")
	}
	return c.batches.ListExpiring(ctx, clock.Today(c.clock), days)
}

// MedicineMovements lists the latest movements of a medicine.
func (c *Catalog) MedicineMovements(ctx context.Context, medicineID string, limit int) ([]*repository.Movement, error) {
	return c.movements.ListByMedicine(ctx, medicineID, limit)
}

// BatchMovements lists the movements of one batch, oldest first.
func (c *Catalog) BatchMovements(ctx context.Context, batchID string) ([]*repository.Movement, error) {
	return c.movements.ListByBatch(ctx, batchID)
}

// DocumentMovements lists the movements booked by one document.
func (c *Catalog) DocumentMovements(ctx context.Context, refType, refID string) ([]*repository.Movement, error) {
	return c.movements.ListByRef(ctx, refType, refID)
}

// History lists the activity log of an entity.
func (c *Catalog) History(ctx context.Context, entityType, entityID string, page, perPage int) ([]*repository.AuditEntry, int64, error) {
	return c.audit.History(ctx, entityType, entityID, page, perPage)
}

// Recompute rebuilds a medicine's stock on hand from its batches. It repairs
// drift after manual database fixes and is otherwise a no-op.
func (c *Catalog) Recompute(ctx context.Context, medicineID string, a actor.Actor) (StockChange, error) {
	if err := requireActor(a); err != nil {
		return StockChange{}, err
	}

	var change StockChange
	err := c.db.Transaction(ctx, func(ctx context.Context) error {
		var err error
		if change, err = c.aggregator.Recompute(ctx, medicineID); err != nil {
			return err
		}
		if !change.Changed() {
			return nil
		}

		if err := c.audit.Record(ctx, EntityMedicine, medicineID, "medicine.stock_recomputed", a, map[string]any{
			"old_total": change.OldTotal,
			"new_total": change.NewTotal,
		}); err != nil {
			return err
		}

		database.AfterCommit(ctx, func(ctx context.Context) {
			c.publisher.PublishStockChanged(ctx, messaging.StockChangedEvent{
				MedicineID: change.MedicineID,
				OldTotal:   change.OldTotal,
				NewTotal:   change.NewTotal,
				Cause:      events.CauseRecompute,
				ActorID:    a.ID,
			})
			if change.NewTotal < change.OldTotal {
				c.publisher.PublishLowStock(ctx, change.Medicine)
			}
		})
		return nil
	})
	return change, err
}
