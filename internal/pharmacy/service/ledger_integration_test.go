package service_test

import (
	"context"
	"strings"
	"sync"
	"testing"

	"github.com/medflow/pharmacy-ledger/internal/pharmacy/repository"
	"github.com/medflow/pharmacy-ledger/internal/pharmacy/service"
	"github.com/medflow/pharmacy-ledger/pkg/actor"
	"github.com/medflow/pharmacy-ledger/pkg/errors"
	"github.com/medflow/pharmacy-ledger/pkg/messaging"
	"github.com/medflow/pharmacy-ledger/pkg/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ============================================================================
// Receipts
// ============================================================================

func TestReceiveBatch_RecordsMovementAndStock(t *testing.T) {
	p := newPharmacy(t)
	ctx := context.Background()
	m := testutil.SeedMedicine(t, p.db, "Paracetamol 500mg")

	b, mv, err := p.svc.Ledger.ReceiveBatch(ctx, service.NewBatchRequest{
		MedicineID: m.ID,
		LotNumber:  "PCT-2406-A",
		ExpiryDate: testutil.Today.AddDate(1, 0, 0),
		Quantity:   120,
		UnitCost:   decimal.RequireFromString("850.25"),
	}, testutil.Pharmacist(), service.Ref{ID: "GR-0001"})
	require.NoError(t, err)

	assert.Equal(t, repository.BatchAvailable, b.Status)
	assert.Equal(t, 120, b.AvailableQuantity)
	assert.True(t, b.ReceivedDate.Equal(testutil.Today), "receipt date defaults to today")

	assert.Equal(t, repository.DirectionIn, mv.Direction)
	assert.True(t, strings.HasPrefix(mv.Code, "TRM-20240601-"), mv.Code)
	assert.Equal(t, 120, mv.BalanceAfter)
	assert.Equal(t, "102030", mv.TotalPrice.StringFixed(0))

	assert.Equal(t, 120, p.stockOnHand(t, m.ID))

	changed := p.events.EventsOfType(messaging.EventStockChanged)
	require.Len(t, changed, 1)
	event := changed[0].(messaging.StockChangedEvent)
	assert.Equal(t, 0, event.OldTotal)
	assert.Equal(t, 120, event.NewTotal)
	assert.Equal(t, "receipt", event.Cause)
}

func TestReceiveBatch_Validation(t *testing.T) {
	p := newPharmacy(t)
	ctx := context.Background()
	m := testutil.SeedMedicine(t, p.db, "Ibuprofen 400mg")

	valid := service.NewBatchRequest{
		MedicineID: m.ID,
		LotNumber:  "IBU-1",
		ExpiryDate: testutil.Today.AddDate(0, 6, 0),
		Quantity:   10,
		UnitCost:   decimal.NewFromInt(500),
	}

	tests := []struct {
		name   string
		mutate func(*service.NewBatchRequest)
		actor  actor.Actor
		want   error
	}{
		{"zero quantity", func(r *service.NewBatchRequest) { r.Quantity = 0 }, testutil.Pharmacist(), errors.ErrInvalidArgument},
		{"negative cost", func(r *service.NewBatchRequest) { r.UnitCost = decimal.NewFromInt(-1) }, testutil.Pharmacist(), errors.ErrInvalidArgument},
		{"expires today", func(r *service.NewBatchRequest) { r.ExpiryDate = testutil.Today }, testutil.Pharmacist(), errors.ErrInvalidArgument},
		{"received tomorrow", func(r *service.NewBatchRequest) { r.ReceivedDate = testutil.Today.AddDate(0, 0, 1) }, testutil.Pharmacist(), errors.ErrInvalidArgument},
		{"unknown medicine", func(r *service.NewBatchRequest) { r.MedicineID = "7e000000-0000-4000-8000-000000000000" }, testutil.Pharmacist(), errors.ErrUnknownMedicine},
		{"missing actor", func(r *service.NewBatchRequest) {}, actor.Actor{}, errors.ErrInvalidArgument},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := valid
			tt.mutate(&req)
			_, _, err := p.svc.Ledger.ReceiveBatch(ctx, req, tt.actor, service.Ref{})
			assert.True(t, errors.Is(err, tt.want), "got %v", err)
		})
	}

	assert.Equal(t, 0, p.stockOnHand(t, m.ID))
}

func TestReceiveBatch_DuplicateLotIsConflict(t *testing.T) {
	p := newPharmacy(t)
	ctx := context.Background()
	m := testutil.SeedMedicine(t, p.db, "Cetirizine 10mg")

	req := service.NewBatchRequest{
		MedicineID: m.ID,
		LotNumber:  "CTZ-01",
		ExpiryDate: testutil.Today.AddDate(1, 0, 0),
		Quantity:   30,
	}
	_, _, err := p.svc.Ledger.ReceiveBatch(ctx, req, testutil.Pharmacist(), service.Ref{})
	require.NoError(t, err)

	_, _, err = p.svc.Ledger.ReceiveBatch(ctx, req, testutil.Pharmacist(), service.Ref{})
	assert.True(t, errors.Is(err, errors.ErrConflict))
	assert.Equal(t, 30, p.stockOnHand(t, m.ID))
}

func TestReceiveBatches_AllOrNothing(t *testing.T) {
	p := newPharmacy(t)
	ctx := context.Background()
	m1 := testutil.SeedMedicine(t, p.db, "Omeprazole 20mg")
	m2 := testutil.SeedMedicine(t, p.db, "Metformin 500mg")

	_, err := p.svc.Ledger.ReceiveBatches(ctx, []service.NewBatchRequest{
		{MedicineID: m1.ID, LotNumber: "OME-1", ExpiryDate: testutil.Today.AddDate(1, 0, 0), Quantity: 40},
		{MedicineID: m2.ID, LotNumber: "MET-1", ExpiryDate: testutil.Today, Quantity: 40},
	}, testutil.Pharmacist(), service.Ref{ID: "GR-0002"})
	require.Error(t, err)

	assert.Equal(t, 0, p.stockOnHand(t, m1.ID))
	assert.Equal(t, 0, p.stockOnHand(t, m2.ID))

	batches, err := p.svc.Ledger.ReceiveBatches(ctx, []service.NewBatchRequest{
		{MedicineID: m1.ID, LotNumber: "OME-1", ExpiryDate: testutil.Today.AddDate(1, 0, 0), Quantity: 40},
		{MedicineID: m2.ID, LotNumber: "MET-1", ExpiryDate: testutil.Today.AddDate(1, 0, 0), Quantity: 25},
	}, testutil.Pharmacist(), service.Ref{ID: "GR-0002"})
	require.NoError(t, err)
	assert.Len(t, batches, 2)
	assert.Equal(t, 40, p.stockOnHand(t, m1.ID))
	assert.Equal(t, 25, p.stockOnHand(t, m2.ID))
}

func TestCommitReceipt_RestocksBatch(t *testing.T) {
	p := newPharmacy(t)
	ctx := context.Background()
	m := testutil.SeedMedicine(t, p.db, "Salbutamol inhaler")
	b := p.receive(t, m.ID, 10, 200)

	mv, err := p.svc.Ledger.CommitReceipt(ctx, service.ReceiptRequest{
		MedicineID: m.ID,
		BatchID:    b.ID,
		Quantity:   15,
		UnitCost:   decimal.NewFromInt(1100),
	}, testutil.Pharmacist(), service.Ref{ID: "GR-0003"})
	require.NoError(t, err)
	assert.Equal(t, 25, mv.BalanceAfter)

	after := p.batch(t, b.ID)
	assert.Equal(t, 25, after.OriginalQuantity)
	assert.Equal(t, 25, after.AvailableQuantity)
	assert.Equal(t, 25, p.stockOnHand(t, m.ID))

	other := testutil.SeedMedicine(t, p.db, "Other")
	_, err = p.svc.Ledger.CommitReceipt(ctx, service.ReceiptRequest{MedicineID: other.ID, BatchID: b.ID, Quantity: 1}, testutil.Pharmacist(), service.Ref{})
	assert.True(t, errors.Is(err, errors.ErrInvalidArgument))
}

// ============================================================================
// FEFO allocation and dispensing
// ============================================================================

func TestDispense_FEFOAcrossBatches(t *testing.T) {
	p := newPharmacy(t)
	ctx := context.Background()
	m := testutil.SeedMedicine(t, p.db, "Amoxicillin 500mg")

	b1 := p.receive(t, m.ID, 5, 10)
	b2 := p.receive(t, m.ID, 3, 5)
	b3 := p.receive(t, m.ID, 10, 40)

	plans, err := p.svc.Ledger.Plan(ctx, []service.AllocationRequest{{MedicineID: m.ID, Quantity: 6}})
	require.NoError(t, err)
	assert.Equal(t, []string{b2.ID, b1.ID}, plans[0].BatchIDs())

	// Planning reserves nothing.
	assert.Equal(t, 18, p.stockOnHand(t, m.ID))

	result, err := p.svc.Ledger.Dispense(ctx, []service.DispenseRequest{{MedicineID: m.ID, Quantity: 6}},
		repository.DirectionOut, testutil.Pharmacist(), service.Ref{ID: "RX-1001"})
	require.NoError(t, err)
	require.Len(t, result.Movements, 2)

	assert.Equal(t, b2.ID, *result.Movements[0].BatchID)
	assert.Equal(t, 3, result.Movements[0].Quantity)
	assert.Equal(t, 0, result.Movements[0].BalanceAfter)
	assert.Equal(t, b1.ID, *result.Movements[1].BatchID)
	assert.Equal(t, 3, result.Movements[1].Quantity)
	assert.Equal(t, 2, result.Movements[1].BalanceAfter)
	assert.True(t, strings.HasPrefix(result.Movements[0].Code, "TRK-"))
	assert.Equal(t, service.RefDispense, *result.Movements[0].RefType)

	assert.Equal(t, repository.BatchDepleted, p.batch(t, b2.ID).Status)
	assert.Equal(t, 2, p.batch(t, b1.ID).AvailableQuantity)
	assert.Equal(t, 10, p.batch(t, b3.ID).AvailableQuantity)
	assert.Equal(t, 12, p.stockOnHand(t, m.ID))
}

func TestDispense_SkipsExpiredAndQuarantined(t *testing.T) {
	p := newPharmacy(t)
	ctx := context.Background()
	m := testutil.SeedMedicine(t, p.db, "Ceftriaxone 1g")

	expired := p.seedExpired(t, m.ID, 50, 3)
	quarantined := p.receive(t, m.ID, 20, 2)
	_, err := p.svc.Ledger.ChangeBatchStatus(ctx, quarantined.ID, repository.BatchQuarantined, testutil.Pharmacist(), "temperature excursion")
	require.NoError(t, err)
	good := p.receive(t, m.ID, 8, 90)

	assert.Equal(t, 8, p.stockOnHand(t, m.ID))

	result, err := p.svc.Ledger.Dispense(ctx, []service.DispenseRequest{{MedicineID: m.ID, Quantity: 8}},
		repository.DirectionOut, testutil.Pharmacist(), service.Ref{})
	require.NoError(t, err)
	require.Len(t, result.Movements, 1)
	assert.Equal(t, good.ID, *result.Movements[0].BatchID)

	assert.Equal(t, 50, p.batch(t, expired.ID).AvailableQuantity)
	assert.Equal(t, 20, p.batch(t, quarantined.ID).AvailableQuantity)
}

func TestDispense_InsufficientStockChangesNothing(t *testing.T) {
	p := newPharmacy(t)
	ctx := context.Background()
	m := testutil.SeedMedicine(t, p.db, "Insulin glargine")
	b := p.receive(t, m.ID, 4, 60)
	p.events.Reset()

	_, err := p.svc.Ledger.Dispense(ctx, []service.DispenseRequest{{MedicineID: m.ID, Quantity: 5}},
		repository.DirectionOut, testutil.Pharmacist(), service.Ref{})
	require.True(t, errors.Is(err, errors.ErrInsufficientStock))

	var appErr *errors.AppError
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, "5", appErr.Details["requested"])
	assert.Equal(t, "4", appErr.Details["available"])

	assert.Equal(t, 4, p.batch(t, b.ID).AvailableQuantity)
	movements, err := p.svc.Catalog.BatchMovements(ctx, b.ID)
	require.NoError(t, err)
	assert.Len(t, movements, 1, "only the receipt")
	p.events.AssertNoEventsPublished(t)
}

func TestDispense_PrescriptionIsAtomic(t *testing.T) {
	p := newPharmacy(t)
	ctx := context.Background()
	m1 := testutil.SeedMedicine(t, p.db, "Lisinopril 10mg")
	m2 := testutil.SeedMedicine(t, p.db, "Atorvastatin 20mg")
	b1 := p.receive(t, m1.ID, 30, 100)
	p.receive(t, m2.ID, 2, 100)

	_, err := p.svc.Ledger.Dispense(ctx, []service.DispenseRequest{
		{MedicineID: m1.ID, Quantity: 10},
		{MedicineID: m2.ID, Quantity: 3},
	}, repository.DirectionOut, testutil.Pharmacist(), service.Ref{ID: "RX-2001"})
	require.True(t, errors.Is(err, errors.ErrInsufficientStock))

	assert.Equal(t, 30, p.batch(t, b1.ID).AvailableQuantity)
	assert.Equal(t, 30, p.stockOnHand(t, m1.ID))

	result, err := p.svc.Ledger.Dispense(ctx, []service.DispenseRequest{
		{MedicineID: m1.ID, Quantity: 10},
		{MedicineID: m2.ID, Quantity: 2},
	}, repository.DirectionOut, testutil.Pharmacist(), service.Ref{ID: "RX-2001"})
	require.NoError(t, err)
	assert.Len(t, result.Plans, 2)
	assert.Equal(t, service.RefPrescription, *result.Movements[0].RefType)
	assert.Equal(t, 20, p.stockOnHand(t, m1.ID))
	assert.Equal(t, 0, p.stockOnHand(t, m2.ID))
}

func TestDispense_RejectsDuplicateMedicine(t *testing.T) {
	p := newPharmacy(t)
	m := testutil.SeedMedicine(t, p.db, "Diazepam 5mg")
	p.receive(t, m.ID, 10, 100)

	_, err := p.svc.Ledger.Dispense(context.Background(), []service.DispenseRequest{
		{MedicineID: m.ID, Quantity: 1},
		{MedicineID: m.ID, Quantity: 1},
	}, repository.DirectionOut, testutil.Pharmacist(), service.Ref{})
	assert.True(t, errors.Is(err, errors.ErrInvalidArgument))
}

func TestDispense_SalePricedAtSellingPrice(t *testing.T) {
	p := newPharmacy(t)
	ctx := context.Background()
	m := testutil.SeedMedicine(t, p.db, "Vitamin C 500mg")
	p.receive(t, m.ID, 10, 100)

	result, err := p.svc.Ledger.Dispense(ctx, []service.DispenseRequest{{MedicineID: m.ID, Quantity: 3}},
		repository.DirectionSale, testutil.Pharmacist(), service.Ref{ID: "POS-1"})
	require.NoError(t, err)

	mv := result.Movements[0]
	assert.True(t, strings.HasPrefix(mv.Code, "TRJ-"))
	assert.Equal(t, "2000.00", mv.UnitPrice.StringFixed(2))
	assert.Equal(t, "6000.00", mv.TotalPrice.StringFixed(2))

	price := decimal.NewFromInt(1800)
	result, err = p.svc.Ledger.Dispense(ctx, []service.DispenseRequest{{MedicineID: m.ID, Quantity: 1, UnitPrice: &price}},
		repository.DirectionSale, testutil.Pharmacist(), service.Ref{ID: "POS-2"})
	require.NoError(t, err)
	assert.Equal(t, "1800.00", result.Movements[0].UnitPrice.StringFixed(2))
}

func TestCommitAllocation_StalePlanFails(t *testing.T) {
	p := newPharmacy(t)
	ctx := context.Background()
	m := testutil.SeedMedicine(t, p.db, "Warfarin 2mg")
	b := p.receive(t, m.ID, 5, 100)

	plans, err := p.svc.Ledger.Plan(ctx, []service.AllocationRequest{{MedicineID: m.ID, Quantity: 5}})
	require.NoError(t, err)

	// Someone else takes stock between planning and committing.
	_, err = p.svc.Ledger.CommitAdjustment(ctx, b.ID, -2, testutil.Pharmacist(), service.Ref{Note: "broken vial"})
	require.NoError(t, err)

	_, err = p.svc.Ledger.CommitAllocation(ctx, plans[0], repository.DirectionOut, nil, testutil.Pharmacist(), service.Ref{})
	assert.True(t, errors.Is(err, errors.ErrInsufficientStock))
	assert.Equal(t, 3, p.batch(t, b.ID).AvailableQuantity)
}

func TestCommitAllocation_FailureOnLaterBatchLeavesEveryBatchUntouched(t *testing.T) {
	p := newPharmacy(t)
	ctx := context.Background()
	m := testutil.SeedMedicine(t, p.db, "Levothyroxine 50mcg")
	early := p.receive(t, m.ID, 10, 30)
	late := p.receive(t, m.ID, 20, 60)

	plans, err := p.svc.Ledger.Plan(ctx, []service.AllocationRequest{{MedicineID: m.ID, Quantity: 25}})
	require.NoError(t, err)
	require.Len(t, plans[0].Lines, 2)
	assert.Equal(t, early.ID, plans[0].Lines[0].BatchID)
	assert.Equal(t, 15, plans[0].Lines[1].Quantity)

	// The later lot drops below its planned share before the commit.
	_, err = p.svc.Ledger.CommitAdjustment(ctx, late.ID, -10, testutil.Pharmacist(), service.Ref{Note: "cracked bottles"})
	require.NoError(t, err)
	p.events.Reset()

	ref := service.Ref{Type: service.RefDispense, ID: "RX-0425"}
	_, err = p.svc.Ledger.CommitAllocation(ctx, plans[0], repository.DirectionOut, nil, testutil.Pharmacist(), ref)
	require.True(t, errors.Is(err, errors.ErrInsufficientStock), "got %v", err)

	assert.Equal(t, 10, p.batch(t, early.ID).AvailableQuantity, "first line rolled back")
	assert.Equal(t, 10, p.batch(t, late.ID).AvailableQuantity)
	assert.Equal(t, 20, p.stockOnHand(t, m.ID))

	movements, err := p.svc.Catalog.DocumentMovements(ctx, service.RefDispense, "RX-0425")
	require.NoError(t, err)
	assert.Empty(t, movements)
	p.events.AssertNoEventsPublished(t)
}

func TestCommitAllocation_InboundDirectionRejected(t *testing.T) {
	p := newPharmacy(t)
	ctx := context.Background()
	m := testutil.SeedMedicine(t, p.db, "Furosemide 40mg")
	p.receive(t, m.ID, 5, 100)

	plans, err := p.svc.Ledger.Plan(ctx, []service.AllocationRequest{{MedicineID: m.ID, Quantity: 1}})
	require.NoError(t, err)

	_, err = p.svc.Ledger.CommitAllocation(ctx, plans[0], repository.DirectionIn, nil, testutil.Pharmacist(), service.Ref{})
	assert.True(t, errors.Is(err, errors.ErrInvalidArgument))
}

func TestDispense_ConcurrentRequestsNeverOversell(t *testing.T) {
	p := newPharmacy(t)
	ctx := context.Background()
	m := testutil.SeedMedicine(t, p.db, "Morphine 10mg")
	batches := []*repository.Batch{
		p.receive(t, m.ID, 10, 30),
		p.receive(t, m.ID, 10, 60),
		p.receive(t, m.ID, 10, 90),
	}

	const workers = 20
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		dispensed int
		failures  []error
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := p.svc.Ledger.Dispense(ctx, []service.DispenseRequest{{MedicineID: m.ID, Quantity: 2}},
				repository.DirectionOut, testutil.Pharmacist(), service.Ref{})
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				failures = append(failures, err)
				return
			}
			dispensed += 2
		}()
	}
	wg.Wait()

	for _, err := range failures {
		assert.True(t, errors.Is(err, errors.ErrInsufficientStock) || errors.Is(err, errors.ErrLockTimeout), "unexpected error: %v", err)
	}

	remaining := 0
	for _, b := range batches {
		after := p.batch(t, b.ID)
		assert.GreaterOrEqual(t, after.AvailableQuantity, 0)
		remaining += after.AvailableQuantity
	}
	assert.Equal(t, 30, dispensed+remaining)
	assert.Equal(t, remaining, p.stockOnHand(t, m.ID))
	assert.Equal(t, p.sumAvailable(t, m.ID), p.stockOnHand(t, m.ID))
}

// ============================================================================
// Adjustments and batch lifecycle
// ============================================================================

func TestCommitAdjustment(t *testing.T) {
	p := newPharmacy(t)
	ctx := context.Background()
	m := testutil.SeedMedicine(t, p.db, "Ranitidine 150mg")
	b := p.receive(t, m.ID, 20, 100)

	mv, err := p.svc.Ledger.CommitAdjustment(ctx, b.ID, -5, testutil.Pharmacist(), service.Ref{Note: "damaged in transit"})
	require.NoError(t, err)
	assert.Equal(t, repository.DirectionOut, mv.Direction)
	assert.Equal(t, 5, mv.Quantity)
	assert.Equal(t, 15, mv.BalanceAfter)
	assert.Equal(t, service.RefManual, *mv.RefType)
	assert.True(t, mv.UnitPrice.Equal(decimal.NewFromInt(1000)), "adjustments are valued at batch cost")

	mv, err = p.svc.Ledger.CommitAdjustment(ctx, b.ID, 2, testutil.Pharmacist(), service.Ref{Note: "found on shelf"})
	require.NoError(t, err)
	assert.Equal(t, repository.DirectionIn, mv.Direction)
	assert.Equal(t, 17, p.stockOnHand(t, m.ID))

	_, err = p.svc.Ledger.CommitAdjustment(ctx, b.ID, 0, testutil.Pharmacist(), service.Ref{})
	assert.True(t, errors.Is(err, errors.ErrInvalidArgument))

	_, err = p.svc.Ledger.CommitAdjustment(ctx, b.ID, 4, testutil.Pharmacist(), service.Ref{})
	assert.True(t, errors.Is(err, errors.ErrInvalidArgument), "cannot exceed the received quantity")

	_, err = p.svc.Ledger.CommitAdjustment(ctx, b.ID, -18, testutil.Pharmacist(), service.Ref{})
	assert.True(t, errors.Is(err, errors.ErrInsufficientStock))

	_, err = p.svc.Ledger.CommitAdjustment(ctx, "7e000000-0000-4000-8000-000000000000", -1, testutil.Pharmacist(), service.Ref{})
	assert.True(t, errors.Is(err, errors.ErrUnknownBatch))

	assert.Equal(t, 17, p.batch(t, b.ID).AvailableQuantity)
}

func TestChangeBatchStatus_Transitions(t *testing.T) {
	p := newPharmacy(t)
	ctx := context.Background()
	m := testutil.SeedMedicine(t, p.db, "Heparin 5000IU")
	b := p.receive(t, m.ID, 12, 100)

	q, err := p.svc.Ledger.ChangeBatchStatus(ctx, b.ID, repository.BatchQuarantined, testutil.Pharmacist(), "cold chain break")
	require.NoError(t, err)
	assert.Equal(t, repository.BatchQuarantined, q.Status)
	assert.Equal(t, 0, p.stockOnHand(t, m.ID))

	r, err := p.svc.Ledger.ChangeBatchStatus(ctx, b.ID, repository.BatchAvailable, testutil.Supervisor(), "lab cleared")
	require.NoError(t, err)
	assert.Equal(t, repository.BatchAvailable, r.Status)
	assert.Equal(t, 12, p.stockOnHand(t, m.ID))

	_, err = p.svc.Ledger.ChangeBatchStatus(ctx, b.ID, repository.BatchAvailable, testutil.Supervisor(), "")
	assert.True(t, errors.Is(err, errors.ErrInvalidState), "only quarantined batches are released")

	_, err = p.svc.Ledger.ChangeBatchStatus(ctx, b.ID, repository.BatchExpired, testutil.Supervisor(), "")
	assert.True(t, errors.Is(err, errors.ErrInvalidArgument))

	_, err = p.svc.Ledger.ChangeBatchStatus(ctx, b.ID, repository.BatchRecalled, testutil.Supervisor(), "manufacturer recall")
	require.NoError(t, err)
	_, err = p.svc.Ledger.ChangeBatchStatus(ctx, b.ID, repository.BatchQuarantined, testutil.Supervisor(), "")
	assert.True(t, errors.Is(err, errors.ErrInvalidState), "recall is final")

	history, total, err := p.svc.Catalog.History(ctx, service.EntityBatch, b.ID, 1, 20)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, total, int64(4))
	assert.NotEmpty(t, history)
}

func TestRetireBatch(t *testing.T) {
	p := newPharmacy(t)
	ctx := context.Background()
	m := testutil.SeedMedicine(t, p.db, "Tramadol 50mg")
	b := p.receive(t, m.ID, 3, 100)

	err := p.svc.Ledger.RetireBatch(ctx, b.ID, testutil.Pharmacist())
	assert.True(t, errors.Is(err, errors.ErrInvalidState), "batch still has stock")

	_, err = p.svc.Ledger.CommitAdjustment(ctx, b.ID, -3, testutil.Pharmacist(), service.Ref{})
	require.NoError(t, err)
	require.NoError(t, p.svc.Ledger.RetireBatch(ctx, b.ID, testutil.Pharmacist()))

	retired := p.batch(t, b.ID)
	assert.NotNil(t, retired.RetiredAt)

	err = p.svc.Ledger.RetireBatch(ctx, b.ID, testutil.Pharmacist())
	assert.True(t, errors.Is(err, errors.ErrInvalidState))

	_, err = p.svc.Ledger.CommitAdjustment(ctx, b.ID, 1, testutil.Pharmacist(), service.Ref{})
	assert.True(t, errors.Is(err, errors.ErrInvalidState))
	assert.Equal(t, 0, p.stockOnHand(t, m.ID))
}

// ============================================================================
// Stock aggregation and alerts
// ============================================================================

func TestLowStockAlert(t *testing.T) {
	p := newPharmacy(t)
	ctx := context.Background()
	m := testutil.SeedMedicine(t, p.db, "Captopril 25mg") // min stock 10
	p.receive(t, m.ID, 15, 100)
	assert.Empty(t, p.events.EventsOfType(messaging.EventLowStockDetected))
	p.events.Reset()

	_, err := p.svc.Ledger.Dispense(ctx, []service.DispenseRequest{{MedicineID: m.ID, Quantity: 4}},
		repository.DirectionOut, testutil.Pharmacist(), service.Ref{})
	require.NoError(t, err)
	assert.Empty(t, p.events.EventsOfType(messaging.EventLowStockDetected), "11 is above the minimum")

	_, err = p.svc.Ledger.Dispense(ctx, []service.DispenseRequest{{MedicineID: m.ID, Quantity: 1}},
		repository.DirectionOut, testutil.Pharmacist(), service.Ref{})
	require.NoError(t, err)
	alerts := p.events.EventsOfType(messaging.EventLowStockDetected)
	require.Len(t, alerts, 1, "10 equals the minimum")
	assert.Equal(t, 10, alerts[0].(messaging.LowStockDetectedEvent).StockOnHand)

	// Throttled within the cooldown.
	_, err = p.svc.Ledger.Dispense(ctx, []service.DispenseRequest{{MedicineID: m.ID, Quantity: 1}},
		repository.DirectionOut, testutil.Pharmacist(), service.Ref{})
	require.NoError(t, err)
	assert.Len(t, p.events.EventsOfType(messaging.EventLowStockDetected), 1)

	low, err := p.svc.Catalog.LowStock(ctx)
	require.NoError(t, err)
	require.Len(t, low, 1)
	assert.Equal(t, m.ID, low[0].ID)
}

func TestRecompute_RepairsDrift(t *testing.T) {
	p := newPharmacy(t)
	ctx := context.Background()
	m := testutil.SeedMedicine(t, p.db, "Digoxin 0.25mg")
	p.receive(t, m.ID, 40, 100)

	_, err := p.db.ExecContext(ctx, `UPDATE medicines SET stock_on_hand = 7 WHERE id = $1`, m.ID)
	require.NoError(t, err)

	change, err := p.svc.Catalog.Recompute(ctx, m.ID, testutil.Supervisor())
	require.NoError(t, err)
	assert.Equal(t, 7, change.OldTotal)
	assert.Equal(t, 40, change.NewTotal)
	assert.Equal(t, 40, p.stockOnHand(t, m.ID))

	change, err = p.svc.Catalog.Recompute(ctx, m.ID, testutil.Supervisor())
	require.NoError(t, err)
	assert.False(t, change.Changed())
}

func TestRecompute_DropToMinimumAlertsLowStock(t *testing.T) {
	p := newPharmacy(t)
	ctx := context.Background()
	m := testutil.SeedMedicine(t, p.db, "Spironolactone 25mg") // min stock 10
	p.receive(t, m.ID, 8, 100)

	_, err := p.db.ExecContext(ctx, `UPDATE medicines SET stock_on_hand = 30 WHERE id = $1`, m.ID)
	require.NoError(t, err)
	p.events.Reset()

	change, err := p.svc.Catalog.Recompute(ctx, m.ID, testutil.Supervisor())
	require.NoError(t, err)
	assert.Equal(t, 30, change.OldTotal)
	assert.Equal(t, 8, change.NewTotal)

	require.Len(t, p.events.EventsOfType(messaging.EventStockChanged), 1)
	alerts := p.events.EventsOfType(messaging.EventLowStockDetected)
	require.Len(t, alerts, 1)
	assert.Equal(t, 8, alerts[0].(messaging.LowStockDetectedEvent).StockOnHand)
}

func TestMovementLog_IsAppendOnly(t *testing.T) {
	p := newPharmacy(t)
	ctx := context.Background()
	m := testutil.SeedMedicine(t, p.db, "Clopidogrel 75mg")
	b := p.receive(t, m.ID, 5, 100)

	movements, err := p.svc.Catalog.BatchMovements(ctx, b.ID)
	require.NoError(t, err)
	require.Len(t, movements, 1)

	_, err = p.db.ExecContext(ctx, `UPDATE stock_movements SET quantity = 1 WHERE id = $1`, movements[0].ID)
	assert.Error(t, err)
	_, err = p.db.ExecContext(ctx, `DELETE FROM stock_movements WHERE id = $1`, movements[0].ID)
	assert.Error(t, err)
}
