package repository_test

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/medflow/pharmacy-ledger/internal/pharmacy/repository"
	"github.com/medflow/pharmacy-ledger/pkg/errors"
	"github.com/medflow/pharmacy-ledger/pkg/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMovementAppend_CodesAndPricesTheMovement(t *testing.T) {
	mockDB := testutil.NewMockDB(t)
	defer mockDB.Close()
	repo := repository.NewMovementRepository(mockDB.DB)

	batchID := batchA
	m := &repository.Movement{
		MedicineID:   medID,
		BatchID:      &batchID,
		Direction:    repository.DirectionSale,
		Quantity:     3,
		UnitPrice:    decimal.RequireFromString("2000.00"),
		BalanceAfter: 17,
		ActorID:      testutil.Pharmacist().ID,
	}

	mockDB.ExpectQuery("SELECT nextval('stock_movement_code_seq')").
		WillReturnRows(testutil.MockRows("nextval").AddRow(42))
	mockDB.ExpectExec("INSERT INTO stock_movements").
		WithArgs(testutil.AnyUUID{}, "TRJ-20240601-0042", medID, batchA, "SALE", 3, sqlmock.AnyArg(),
			sqlmock.AnyArg(), 17, m.ActorID, nil, nil, nil, nil, testutil.AnyTime{}).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := repo.Append(context.Background(), m, testutil.TestClock.Now())

	require.NoError(t, err)
	assert.Equal(t, "TRJ-20240601-0042", m.Code)
	assert.Equal(t, "6000.00", m.TotalPrice.StringFixed(2))
	mockDB.ExpectationsWereMet(t)
}

func TestMovementAppend_RejectsEmptyMovements(t *testing.T) {
	mockDB := testutil.NewMockDB(t)
	defer mockDB.Close()
	repo := repository.NewMovementRepository(mockDB.DB)

	err := repo.Append(context.Background(), &repository.Movement{Direction: repository.DirectionOut}, testutil.TestClock.Now())
	assert.True(t, errors.Is(err, errors.ErrInvalidArgument))

	err = repo.Append(context.Background(), &repository.Movement{Direction: "TRANSFER", Quantity: 1}, testutil.TestClock.Now())
	assert.True(t, errors.Is(err, errors.ErrInvalidArgument))
	mockDB.ExpectationsWereMet(t)
}
