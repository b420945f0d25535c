package service

import (
	"testing"

	"github.com/medflow/pharmacy-ledger/internal/pharmacy/repository"
	"github.com/medflow/pharmacy-ledger/pkg/clock"
	"github.com/medflow/pharmacy-ledger/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const medicineID = "0b7e6f1e-5a1f-4c55-8d8e-6f1d2a3b4c5d"

func batch(id, expiry string, qty int) *repository.Batch {
	return &repository.Batch{
		ID:                id,
		MedicineID:        medicineID,
		LotNumber:         "LOT-" + id,
		ExpiryDate:        clock.MustParseDate(expiry),
		ReceivedDate:      clock.MustParseDate("2024-12-01"),
		OriginalQuantity:  qty,
		AvailableQuantity: qty,
		UnitCost:          decimal.NewFromInt(1000),
		Status:            repository.BatchAvailable,
	}
}

var planDay = clock.MustParseDate("2025-01-01")

func TestPlanFEFO_EarliestExpiryFirst(t *testing.T) {
	batches := []*repository.Batch{
		batch("B1", "2025-01-10", 5),
		batch("B2", "2025-01-05", 3),
		batch("B3", "2025-02-01", 10),
	}

	plan, err := planFEFO(medicineID, batches, 6, planDay)
	require.NoError(t, err)

	require.Len(t, plan.Lines, 2)
	assert.Equal(t, "B2", plan.Lines[0].BatchID)
	assert.Equal(t, 3, plan.Lines[0].Quantity)
	assert.Equal(t, "B1", plan.Lines[1].BatchID)
	assert.Equal(t, 3, plan.Lines[1].Quantity)
	assert.Equal(t, 6, plan.Total())
	assert.Equal(t, []string{"B2", "B1"}, plan.BatchIDs())
}

func TestPlanFEFO_SingleBatchCoversRequest(t *testing.T) {
	batches := []*repository.Batch{
		batch("B1", "2025-03-01", 50),
		batch("B2", "2025-06-01", 50),
	}

	plan, err := planFEFO(medicineID, batches, 50, planDay)
	require.NoError(t, err)

	require.Len(t, plan.Lines, 1)
	assert.Equal(t, "B1", plan.Lines[0].BatchID)
	assert.Equal(t, 50, plan.Requested)
}

func TestPlanFEFO_SkipsUnusableBatches(t *testing.T) {
	expired := batch("EXP", "2024-12-31", 100)
	quarantined := batch("QUA", "2025-01-02", 100)
	quarantined.Status = repository.BatchQuarantined
	empty := batch("EMP", "2025-01-03", 0)
	retiredAt := planDay
	retired := batch("RET", "2025-01-04", 100)
	retired.RetiredAt = &retiredAt
	usable := batch("OK", "2025-05-01", 20)

	plan, err := planFEFO(medicineID, []*repository.Batch{expired, quarantined, empty, retired, usable}, 10, planDay)
	require.NoError(t, err)

	require.Len(t, plan.Lines, 1)
	assert.Equal(t, "OK", plan.Lines[0].BatchID)
}

func TestPlanFEFO_ExpiringTodayIsUsable(t *testing.T) {
	plan, err := planFEFO(medicineID, []*repository.Batch{batch("TODAY", "2025-01-01", 4)}, 4, planDay)
	require.NoError(t, err)
	assert.Equal(t, "TODAY", plan.Lines[0].BatchID)
}

func TestPlanFEFO_TieBreaks(t *testing.T) {
	older := batch("B-later-id", "2025-04-01", 2)
	older.ReceivedDate = clock.MustParseDate("2024-11-01")
	newer := batch("A-first-id", "2025-04-01", 2)
	sameDayZ := batch("Z", "2025-04-01", 2)
	sameDayY := batch("Y", "2025-04-01", 2)

	plan, err := planFEFO(medicineID, []*repository.Batch{sameDayZ, newer, sameDayY, older}, 8, planDay)
	require.NoError(t, err)

	// Same expiry: earlier receipt wins, then the lower id.
	assert.Equal(t, []string{"B-later-id", "A-first-id", "Y", "Z"}, plan.BatchIDs())
}

func TestPlanFEFO_InsufficientStock(t *testing.T) {
	batches := []*repository.Batch{
		batch("B1", "2025-01-10", 5),
		batch("B2", "2024-12-01", 50),
	}

	plan, err := planFEFO(medicineID, batches, 6, planDay)
	assert.Nil(t, plan)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrInsufficientStock))

	var appErr *errors.AppError
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, "6", appErr.Details["requested"])
	assert.Equal(t, "5", appErr.Details["available"])
	assert.Equal(t, medicineID, appErr.Details["medicine_id"])
}

func TestPlanFEFO_RejectsNonPositiveQuantity(t *testing.T) {
	for _, qty := range []int{0, -3} {
		_, err := planFEFO(medicineID, []*repository.Batch{batch("B1", "2025-01-10", 5)}, qty, planDay)
		assert.True(t, errors.Is(err, errors.ErrInvalidArgument), "quantity %d", qty)
	}
}

func TestPlanFEFO_DoesNotReorderInput(t *testing.T) {
	batches := []*repository.Batch{
		batch("B1", "2025-01-10", 5),
		batch("B2", "2025-01-05", 3),
	}

	_, err := planFEFO(medicineID, batches, 1, planDay)
	require.NoError(t, err)
	assert.Equal(t, "B1", batches[0].ID)
}

func TestPlanFEFO_CarriesBatchCost(t *testing.T) {
	b := batch("B1", "2025-01-10", 5)
	b.UnitCost = decimal.RequireFromString("1250.50")

	plan, err := planFEFO(medicineID, []*repository.Batch{b}, 2, planDay)
	require.NoError(t, err)
	assert.True(t, b.UnitCost.Equal(plan.Lines[0].UnitCost))
	assert.True(t, plan.Lines[0].ExpiryDate.Equal(b.ExpiryDate))
}
