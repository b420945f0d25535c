package service

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/medflow/pharmacy-ledger/internal/pharmacy/events"
	"github.com/medflow/pharmacy-ledger/internal/pharmacy/repository"
	"github.com/medflow/pharmacy-ledger/pkg/actor"
	"github.com/medflow/pharmacy-ledger/pkg/clock"
	"github.com/medflow/pharmacy-ledger/pkg/database"
	"github.com/medflow/pharmacy-ledger/pkg/errors"
	"github.com/medflow/pharmacy-ledger/pkg/logger"
	"github.com/medflow/pharmacy-ledger/pkg/messaging"
	"github.com/shopspring/decimal"
)

// Reference types linking movements to the document that produced them.
const (
	RefReceipt        = "receipt"
	RefDispense       = "dispense"
	RefPrescription   = "prescription"
	RefReconciliation = "reconciliation"
	RefDestruction    = "destruction"
	RefManual         = "manual"
)

// Ref identifies the business document behind a ledger commit.
type Ref struct {
	Type string `json:"type,omitempty"`
	ID   string `json:"id,omitempty"`
	Note string `json:"note,omitempty"`
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// LedgerOptions tunes retries of dispense operations.
type LedgerOptions struct {
	// MaxRetries is how many extra attempts a dispense gets after a lock
	// timeout or a batch emptied between planning and commit.
	MaxRetries int
	RetryDelay time.Duration
}

// Ledger is the only component that changes batch quantities. Every
// commit locks the batches it touches in ascending id order, applies the
// deltas, appends one movement per batch line and recomputes stock on hand
// in one transaction. Events go out after commit.
type Ledger struct {
	db         *database.DB
	medicines  *repository.MedicineRepository
	batches    *repository.BatchRepository
	movements  *repository.MovementRepository
	audit      *AuditRecorder
	aggregator *StockAggregator
	allocator  *Allocator
	publisher  *events.PharmacyEventPublisher
	clock      clock.Clock
	opts       LedgerOptions
	logger     *logger.Logger
}

// NewLedger creates a new ledger
func NewLedger(
	db *database.DB,
	medicines *repository.MedicineRepository,
	batches *repository.BatchRepository,
	movements *repository.MovementRepository,
	audit *AuditRecorder,
	aggregator *StockAggregator,
	allocator *Allocator,
	publisher *events.PharmacyEventPublisher,
	clk clock.Clock,
	opts LedgerOptions,
	log *logger.Logger,
) *Ledger {
	return &Ledger{
		db:         db,
		medicines:  medicines,
		batches:    batches,
		movements:  movements,
		audit:      audit,
		aggregator: aggregator,
		allocator:  allocator,
		publisher:  publisher,
		clock:      clk,
		opts:       opts,
		logger:     log.WithComponent("ledger"),
	}
}

// Receipts

// NewBatchRequest describes a newly received lot.
type NewBatchRequest struct {
	MedicineID   string          `json:"medicine_id" validate:"required,uuid"`
	LotNumber    string          `json:"lot_number" validate:"required,max=100"`
	ExpiryDate   time.Time       `json:"expiry_date" validate:"required"`
	ReceivedDate time.Time       `json:"received_date"`
	Quantity     int             `json:"quantity" validate:"gt=0"`
	UnitCost     decimal.Decimal `json:"unit_cost"`
}

// ReceiveBatch creates a batch and records its inbound movement.
func (l *Ledger) ReceiveBatch(ctx context.Context, req NewBatchRequest, a actor.Actor, ref Ref) (*repository.Batch, *repository.Movement, error) {
	if err := requireActor(a); err != nil {
		return nil, nil, err
	}

	today := clock.Today(l.clock)
	if req.Quantity <= 0 {
		return nil, nil, errors.InvalidArgument("received quantity must be positive")
	}
	if req.UnitCost.IsNegative() {
		return nil, nil, errors.InvalidArgument("unit cost cannot be negative")
	}
	if !clock.Date(req.ExpiryDate).After(today) {
		return nil, nil, errors.InvalidArgument("expiry date must be after today")
	}
	if req.ReceivedDate.IsZero() {
		req.ReceivedDate = today
	}
	if clock.Date(req.ReceivedDate).After(today) {
		return nil, nil, errors.InvalidArgument("received date cannot be in the future")
	}
	if ref.Type == "" {
		ref.Type = RefReceipt
	}

	var (
		batch    *repository.Batch
		movement *repository.Movement
	)
	err := l.db.Transaction(ctx, func(ctx context.Context) error {
		// Lock the medicine before inserting so two receipts for the same
		// medicine queue here instead of deadlocking in recompute.
		if _, err := l.medicines.LockForUpdate(ctx, req.MedicineID); err != nil {
			return err
		}

		batch = &repository.Batch{
			MedicineID:       req.MedicineID,
			LotNumber:        req.LotNumber,
			ExpiryDate:       req.ExpiryDate,
			ReceivedDate:     req.ReceivedDate,
			OriginalQuantity: req.Quantity,
			UnitCost:         req.UnitCost,
		}
		if err := l.batches.Create(ctx, batch); err != nil {
			return err
		}

		var err error
		movement, err = l.appendMovement(ctx, batch, repository.DirectionIn, req.Quantity, req.UnitCost, batch.AvailableQuantity, a, ref)
		if err != nil {
			return err
		}

		if err := l.audit.Record(ctx, EntityBatch, batch.ID, "batch.received", a, map[string]any{
			"lot_number":    batch.LotNumber,
			"quantity":      req.Quantity,
			"movement_code": movement.Code,
		}); err != nil {
			return err
		}

		_, err = l.finish(ctx, []string{req.MedicineID}, a, ref, events.CauseReceipt)
		return err
	})
	if err != nil {
		return nil, nil, err
	}

	l.logger.Info().
		Str("batch_id", batch.ID).
		Str("medicine_id", batch.MedicineID).
		Int("quantity", req.Quantity).
		Str("actor", a.String()).
		Msg("batch received")

	return batch, movement, nil
}

// ReceiveBatches receives several lots atomically, in medicine id order so
// concurrent multi-line receipts lock medicines in the same sequence.
func (l *Ledger) ReceiveBatches(ctx context.Context, reqs []NewBatchRequest, a actor.Actor, ref Ref) ([]*repository.Batch, error) {
	if len(reqs) == 0 {
		return nil, errors.InvalidArgument("receipt has no lines")
	}

	ordered := make([]NewBatchRequest, len(reqs))
	copy(ordered, reqs)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].MedicineID < ordered[j].MedicineID
	})

	var batches []*repository.Batch
	err := l.db.Transaction(ctx, func(ctx context.Context) error {
		batches = batches[:0]
		for _, req := range ordered {
			b, _, err := l.ReceiveBatch(ctx, req, a, ref)
			if err != nil {
				return errors.Annotate(err, "lot_number", req.LotNumber)
			}
			batches = append(batches, b)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return batches, nil
}

// ReceiptRequest adds stock to an existing batch.
type ReceiptRequest struct {
	MedicineID string          `json:"medicine_id" validate:"required,uuid"`
	BatchID    string          `json:"batch_id" validate:"required,uuid"`
	Quantity   int             `json:"quantity" validate:"gt=0"`
	UnitCost   decimal.Decimal `json:"unit_cost"`
}

// CommitReceipt records additional units received into an existing batch.
// Both the original and the available quantity grow.
func (l *Ledger) CommitReceipt(ctx context.Context, req ReceiptRequest, a actor.Actor, ref Ref) (*repository.Movement, error) {
	if err := requireActor(a); err != nil {
		return nil, err
	}
	if req.Quantity <= 0 {
		return nil, errors.InvalidArgument("received quantity must be positive")
	}
	if req.UnitCost.IsNegative() {
		return nil, errors.InvalidArgument("unit cost cannot be negative")
	}
	if ref.Type == "" {
		ref.Type = RefReceipt
	}

	var movement *repository.Movement
	err := l.db.Transaction(ctx, func(ctx context.Context) error {
		b, err := l.batches.LockForUpdate(ctx, req.BatchID)
		if err != nil {
			return err
		}
		if b.MedicineID != req.MedicineID {
			return errors.InvalidArgument("batch does not belong to medicine").
				WithDetail("batch_id", b.ID).
				WithDetail("medicine_id", req.MedicineID)
		}
		if b.RetiredAt != nil {
			return errors.InvalidState("cannot receive into a retired batch")
		}

		updated, err := l.batches.AddReceived(ctx, b.ID, req.Quantity)
		if err != nil {
			return err
		}

		movement, err = l.appendMovement(ctx, updated, repository.DirectionIn, req.Quantity, req.UnitCost, updated.AvailableQuantity, a, ref)
		if err != nil {
			return err
		}

		if err := l.audit.Record(ctx, EntityBatch, b.ID, "batch.restocked", a, map[string]any{
			"quantity":      req.Quantity,
			"balance_after": updated.AvailableQuantity,
			"movement_code": movement.Code,
		}); err != nil {
			return err
		}

		_, err = l.finish(ctx, []string{b.MedicineID}, a, ref, events.CauseReceipt)
		return err
	})
	if err != nil {
		return nil, err
	}
	return movement, nil
}

// Outbound

// Outbound is one plan to commit. A nil UnitPrice prices SALE lines at the
// medicine's selling price and OUT lines at each batch's unit cost.
type Outbound struct {
	Plan      *AllocationPlan
	UnitPrice *decimal.Decimal
}

// CommitAllocation applies a plan as outbound movements.
func (l *Ledger) CommitAllocation(ctx context.Context, plan *AllocationPlan, direction repository.Direction, unitPrice *decimal.Decimal, a actor.Actor, ref Ref) ([]*repository.Movement, error) {
	return l.CommitAllocations(ctx, []Outbound{{Plan: plan, UnitPrice: unitPrice}}, direction, a, ref)
}

// CommitAllocations applies several plans in one transaction. Either every
// line of every plan commits or none does. A batch that no longer holds its
// planned quantity fails the whole call with InsufficientStock.
func (l *Ledger) CommitAllocations(ctx context.Context, outbound []Outbound, direction repository.Direction, a actor.Actor, ref Ref) ([]*repository.Movement, error) {
	if err := requireActor(a); err != nil {
		return nil, err
	}
	if !direction.Outbound() {
		return nil, errors.InvalidArgument(fmt.Sprintf("direction must be OUT or SALE, got %q", direction))
	}
	if len(outbound) == 0 {
		return nil, errors.InvalidArgument("nothing to commit")
	}

	p := posting{actor: a, ref: ref, cause: events.CauseDispense, action: "stock.dispensed"}
	for _, o := range outbound {
		if o.Plan == nil || len(o.Plan.Lines) == 0 {
			return nil, errors.InvalidArgument("allocation plan has no lines")
		}
		if o.UnitPrice != nil && o.UnitPrice.IsNegative() {
			return nil, errors.InvalidArgument("unit price cannot be negative")
		}
		for _, line := range o.Plan.Lines {
			if line.Quantity <= 0 {
				return nil, errors.InvalidArgument("plan line quantity must be positive")
			}
			p.deltas = append(p.deltas, batchDelta{
				batchID:     line.BatchID,
				medicineID:  o.Plan.MedicineID,
				delta:       -line.Quantity,
				direction:   direction,
				unitPrice:   o.UnitPrice,
				lineCost:    line.UnitCost,
				allocatable: true,
			})
		}
	}

	return l.commit(ctx, p)
}

// Plan previews FEFO allocations without committing them.
func (l *Ledger) Plan(ctx context.Context, requests []AllocationRequest) ([]*AllocationPlan, error) {
	return l.allocator.AllocateMany(ctx, requests)
}

// DispenseRequest asks the ledger to plan and commit in one step.
type DispenseRequest struct {
	MedicineID string           `json:"medicine_id" validate:"required,uuid"`
	Quantity   int              `json:"quantity" validate:"gt=0"`
	UnitPrice  *decimal.Decimal `json:"unit_price,omitempty"`
}

// DispenseResult is a committed dispense.
type DispenseResult struct {
	Plans     []*AllocationPlan      `json:"plans"`
	Movements []*repository.Movement `json:"movements"`
}

// Dispense plans and commits one or more medicines together. A commit that
// loses a lock race or finds a batch emptied since planning is replanned
// from scratch, up to MaxRetries times.
func (l *Ledger) Dispense(ctx context.Context, items []DispenseRequest, direction repository.Direction, a actor.Actor, ref Ref) (*DispenseResult, error) {
	if len(items) == 0 {
		return nil, errors.InvalidArgument("at least one item is required")
	}
	if ref.Type == "" {
		ref.Type = RefDispense
		if len(items) > 1 {
			ref.Type = RefPrescription
		}
	}

	seen := make(map[string]struct{}, len(items))
	requests := make([]AllocationRequest, len(items))
	for i, item := range items {
		if _, dup := seen[item.MedicineID]; dup {
			return nil, errors.InvalidArgument("medicine listed more than once").WithDetail("medicine_id", item.MedicineID)
		}
		seen[item.MedicineID] = struct{}{}
		requests[i] = AllocationRequest{MedicineID: item.MedicineID, Quantity: item.Quantity}
	}

	var lastErr error
	for attempt := 0; attempt <= l.opts.MaxRetries; attempt++ {
		if attempt > 0 {
			if err := sleep(ctx, l.opts.RetryDelay); err != nil {
				return nil, err
			}
		}

		plans, err := l.allocator.AllocateMany(ctx, requests)
		if err != nil {
			return nil, err
		}

		outbound := make([]Outbound, len(plans))
		for i, p := range plans {
			outbound[i] = Outbound{Plan: p, UnitPrice: items[i].UnitPrice}
		}

		movements, err := l.CommitAllocations(ctx, outbound, direction, a, ref)
		if err == nil {
			return &DispenseResult{Plans: plans, Movements: movements}, nil
		}
		if !retryable(ctx, err) {
			return nil, err
		}

		lastErr = err
		l.logger.Warn().Err(err).Int("attempt", attempt+1).Msg("dispense commit lost a race, replanning")
	}

	return nil, lastErr
}

func retryable(ctx context.Context, err error) bool {
	// Inside a caller's transaction the failed statement has poisoned it.
	if database.InTransaction(ctx) {
		return false
	}
	return errors.Is(err, errors.ErrLockTimeout) || errors.Is(err, errors.ErrInsufficientStock)
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Adjustments

// Adjustment is a signed correction to one batch.
type Adjustment struct {
	BatchID string `json:"batch_id" validate:"required,uuid"`
	Delta   int    `json:"delta" validate:"ne=0"`
	// UnitPrice values the movement. Nil uses the batch's unit cost.
	UnitPrice *decimal.Decimal `json:"-"`
	// Surplus lets a positive delta grow the batch past its original
	// quantity, for stock found on a physical count.
	Surplus bool `json:"-"`
}

// CommitAdjustment applies a signed correction to one batch. Unlike
// allocations it also works on expired, quarantined or recalled batches.
func (l *Ledger) CommitAdjustment(ctx context.Context, batchID string, delta int, a actor.Actor, ref Ref) (*repository.Movement, error) {
	movements, err := l.CommitAdjustments(ctx, []Adjustment{{BatchID: batchID, Delta: delta}}, a, ref, events.CauseAdjustment, nil)
	if err != nil {
		return nil, err
	}
	return movements[0], nil
}

// CommitAdjustments applies corrections to several batches atomically.
// finalize, when set, runs after the batch updates and before stock on hand
// is recomputed, inside the same transaction.
func (l *Ledger) CommitAdjustments(ctx context.Context, adjustments []Adjustment, a actor.Actor, ref Ref, cause string, finalize func(ctx context.Context, updated map[string]*repository.Batch) error) ([]*repository.Movement, error) {
	if err := requireActor(a); err != nil {
		return nil, err
	}
	if len(adjustments) == 0 {
		return nil, errors.InvalidArgument("nothing to adjust")
	}
	if ref.Type == "" {
		ref.Type = RefManual
	}

	p := posting{actor: a, ref: ref, cause: cause, action: "stock.adjusted", finalize: finalize}
	for _, adj := range adjustments {
		if adj.Delta == 0 {
			return nil, errors.InvalidArgument("adjustment delta must not be zero").WithDetail("batch_id", adj.BatchID)
		}
		direction := repository.DirectionIn
		if adj.Delta < 0 {
			direction = repository.DirectionOut
		}
		p.deltas = append(p.deltas, batchDelta{
			batchID:   adj.BatchID,
			delta:     adj.Delta,
			direction: direction,
			unitPrice: adj.UnitPrice,
			surplus:   adj.Surplus && adj.Delta > 0,
		})
	}

	return l.commit(ctx, p)
}

// Batch lifecycle

// ChangeBatchStatus quarantines, recalls or releases a batch. Expiry and
// depletion are driven by dates and quantities and cannot be set here.
func (l *Ledger) ChangeBatchStatus(ctx context.Context, batchID string, status repository.BatchStatus, a actor.Actor, reason string) (*repository.Batch, error) {
	if err := requireActor(a); err != nil {
		return nil, err
	}

	var updated *repository.Batch
	err := l.db.Transaction(ctx, func(ctx context.Context) error {
		b, err := l.batches.LockForUpdate(ctx, batchID)
		if err != nil {
			return err
		}
		if b.RetiredAt != nil {
			return errors.InvalidState("batch is retired")
		}

		target := status
		switch status {
		case repository.BatchQuarantined, repository.BatchRecalled:
			if b.Status != repository.BatchAvailable && b.Status != repository.BatchQuarantined && b.Status != repository.BatchDepleted {
				return errors.InvalidState(fmt.Sprintf("cannot move a %s batch to %s", b.Status, status))
			}
		case repository.BatchAvailable:
			if b.Status != repository.BatchQuarantined {
				return errors.InvalidState("only quarantined batches can be released")
			}
			if b.AvailableQuantity == 0 {
				target = repository.BatchDepleted
			}
		default:
			return errors.InvalidArgument(fmt.Sprintf("status %s cannot be set by hand", status))
		}

		if updated, err = l.batches.SetStatus(ctx, b.ID, target); err != nil {
			return err
		}

		if err := l.audit.Record(ctx, EntityBatch, b.ID, "batch.status_changed", a, map[string]any{
			"from":   b.Status,
			"to":     target,
			"reason": reason,
		}); err != nil {
			return err
		}

		_, err = l.finish(ctx, []string{b.MedicineID}, a, Ref{Type: RefManual, ID: b.ID, Note: reason}, events.CauseAdjustment)
		return err
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// RetireBatch soft-deletes an empty batch.
func (l *Ledger) RetireBatch(ctx context.Context, batchID string, a actor.Actor) error {
	if err := requireActor(a); err != nil {
		return err
	}

	return l.db.Transaction(ctx, func(ctx context.Context) error {
		if _, err := l.batches.LockForUpdate(ctx, batchID); err != nil {
			return err
		}
		if err := l.batches.Retire(ctx, batchID); err != nil {
			return err
		}
		return l.audit.Record(ctx, EntityBatch, batchID, "batch.retired", a, nil)
	})
}

// Commit engine

type batchDelta struct {
	batchID    string
	medicineID string // expected owner, empty to skip the check
	delta      int
	direction  repository.Direction
	unitPrice  *decimal.Decimal
	lineCost   decimal.Decimal
	// allocatable requires the batch to be dispensable today.
	allocatable bool
	// surplus raises original_quantity when the delta would exceed it.
	surplus bool
}

type posting struct {
	deltas   []batchDelta
	actor    actor.Actor
	ref      Ref
	cause    string
	action   string
	finalize func(ctx context.Context, updated map[string]*repository.Batch) error
}

func (l *Ledger) commit(ctx context.Context, p posting) ([]*repository.Movement, error) {
	var movements []*repository.Movement

	err := l.db.Transaction(ctx, func(ctx context.Context) error {
		movements = movements[:0]
		today := clock.Today(l.clock)

		ids := make([]string, len(p.deltas))
		for i, d := range p.deltas {
			ids[i] = d.batchID
		}
		locked, err := l.batches.LockManyForUpdate(ctx, ids)
		if err != nil {
			return err
		}

		// Validate everything against the locked rows before writing, so a
		// failure on a later line never leaves earlier lines applied.
		remaining := make(map[string]int, len(locked))
		for id, b := range locked {
			remaining[id] = b.AvailableQuantity
		}
		for _, d := range p.deltas {
			b := locked[d.batchID]
			if d.medicineID != "" && b.MedicineID != d.medicineID {
				return errors.InvalidArgument("batch does not belong to medicine").
					WithDetail("batch_id", b.ID).
					WithDetail("medicine_id", d.medicineID)
			}
			if b.RetiredAt != nil {
				return errors.InvalidState("batch is retired").WithDetail("batch_id", b.ID)
			}
			if d.allocatable && !b.Allocatable(today) {
				return errors.InsufficientStock(-d.delta, 0).WithDetail("batch_id", b.ID)
			}
			if remaining[b.ID]+d.delta < 0 {
				return errors.InsufficientStock(-d.delta, remaining[b.ID]).WithDetail("batch_id", b.ID)
			}
			remaining[b.ID] += d.delta
		}

		sellingPrices := map[string]decimal.Decimal{}
		updated := make(map[string]*repository.Batch, len(locked))
		medicineIDs := make([]string, 0, len(locked))

		current := make(map[string]int, len(locked))
		for id, b := range locked {
			current[id] = b.AvailableQuantity
		}
		for _, d := range p.deltas {
			if d.surplus && current[d.batchID]+d.delta > locked[d.batchID].OriginalQuantity {
				if err := l.batches.RaiseOriginal(ctx, d.batchID, current[d.batchID]+d.delta); err != nil {
					return err
				}
			}
			after, err := l.batches.AdjustAvailable(ctx, d.batchID, d.delta)
			if err != nil {
				return err
			}
			updated[after.ID] = after
			current[after.ID] = after.AvailableQuantity
			medicineIDs = append(medicineIDs, after.MedicineID)

			price, err := l.priceFor(ctx, d, after, sellingPrices)
			if err != nil {
				return err
			}

			qty := d.delta
			if qty < 0 {
				qty = -qty
			}
			m, err := l.appendMovement(ctx, after, d.direction, qty, price, after.AvailableQuantity, p.actor, p.ref)
			if err != nil {
				return err
			}
			movements = append(movements, m)

			if err := l.audit.Record(ctx, EntityBatch, after.ID, p.action, p.actor, map[string]any{
				"delta":         d.delta,
				"balance_after": after.AvailableQuantity,
				"movement_code": m.Code,
				"ref_type":      p.ref.Type,
				"ref_id":        p.ref.ID,
			}); err != nil {
				return err
			}
		}

		if p.finalize != nil {
			if err := p.finalize(ctx, updated); err != nil {
				return err
			}
		}

		_, err = l.finish(ctx, medicineIDs, p.actor, p.ref, p.cause)
		return err
	})
	if err != nil {
		return nil, err
	}
	return movements, nil
}

func (l *Ledger) priceFor(ctx context.Context, d batchDelta, b *repository.Batch, selling map[string]decimal.Decimal) (decimal.Decimal, error) {
	switch {
	case d.unitPrice != nil:
		return *d.unitPrice, nil
	case d.direction == repository.DirectionSale:
		if p, ok := selling[b.MedicineID]; ok {
			return p, nil
		}
		m, err := l.medicines.GetByID(ctx, b.MedicineID)
		if err != nil {
			return decimal.Zero, err
		}
		selling[b.MedicineID] = m.SellingPrice
		return m.SellingPrice, nil
	case !d.lineCost.IsZero():
		return d.lineCost, nil
	default:
		return b.UnitCost, nil
	}
}

func (l *Ledger) appendMovement(ctx context.Context, b *repository.Batch, direction repository.Direction, quantity int, price decimal.Decimal, balance int, a actor.Actor, ref Ref) (*repository.Movement, error) {
	batchID := b.ID
	m := &repository.Movement{
		MedicineID:   b.MedicineID,
		BatchID:      &batchID,
		Direction:    direction,
		Quantity:     quantity,
		UnitPrice:    price,
		BalanceAfter: balance,
		ActorID:      a.ID,
		ActorName:    a.NamePtr(),
		RefType:      optional(ref.Type),
		RefID:        optional(ref.ID),
		Note:         optional(ref.Note),
	}
	if err := l.movements.Append(ctx, m, l.clock.Now()); err != nil {
		return nil, err
	}
	return m, nil
}

// finish recomputes stock on hand for the touched medicines and schedules
// the resulting events for after commit.
func (l *Ledger) finish(ctx context.Context, medicineIDs []string, a actor.Actor, ref Ref, cause string) ([]StockChange, error) {
	changes, err := l.aggregator.RecomputeMany(ctx, medicineIDs)
	if err != nil {
		return nil, err
	}

	database.AfterCommit(ctx, func(ctx context.Context) {
		for _, c := range changes {
			l.publisher.PublishStockChanged(ctx, messaging.StockChangedEvent{
				MedicineID: c.MedicineID,
				OldTotal:   c.OldTotal,
				NewTotal:   c.NewTotal,
				Cause:      cause,
				RefType:    ref.Type,
				RefID:      ref.ID,
				ActorID:    a.ID,
			})
			if c.Changed() && c.NewTotal < c.OldTotal {
				l.publisher.PublishLowStock(ctx, c.Medicine)
			}
		}
	})

	return changes, nil
}

func requireActor(a actor.Actor) error {
	if !a.Valid() {
		return errors.InvalidArgument("actor is required")
	}
	return nil
}

// ExpireBatches moves every AVAILABLE batch past its expiry date to EXPIRED
// and recomputes the affected medicines. Expired batches already drop out
// of stock on hand by date, so the status change records what the
// recompute has to catch up with.
func (l *Ledger) ExpireBatches(ctx context.Context) ([]*repository.Batch, []StockChange, error) {
	system := actor.System()
	ref := Ref{Type: RefManual, Note: "expiry sweep"}

	var (
		expired []*repository.Batch
		changes []StockChange
	)
	err := l.db.Transaction(ctx, func(ctx context.Context) error {
		var err error
		expired, err = l.batches.MarkExpired(ctx, clock.Today(l.clock))
		if err != nil || len(expired) == 0 {
			return err
		}

		medicineIDs := make([]string, len(expired))
		for i, b := range expired {
			medicineIDs[i] = b.MedicineID
			if err := l.audit.Record(ctx, EntityBatch, b.ID, "batch.expired", system, map[string]any{
				"expiry_date":        b.ExpiryDate.Format(time.DateOnly),
				"available_quantity": b.AvailableQuantity,
			}); err != nil {
				return err
			}
		}

		if changes, err = l.finish(ctx, medicineIDs, system, ref, events.CauseExpiry); err != nil {
			return err
		}

		database.AfterCommit(ctx, func(ctx context.Context) {
			for _, b := range expired {
				l.publisher.PublishBatchExpired(ctx, b)
			}
		})
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return expired, changes, nil
}
