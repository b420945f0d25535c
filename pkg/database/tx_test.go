package database_test

import (
	"context"
	stderrors "errors"
	"fmt"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/medflow/pharmacy-ledger/pkg/database"
	"github.com/medflow/pharmacy-ledger/pkg/errors"
	"github.com/medflow/pharmacy-ledger/pkg/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTransaction_CommitRunsHooks(t *testing.T) {
	mockDB := testutil.NewMockDB(t)
	defer mockDB.Close()

	mockDB.ExpectTransaction()
	mockDB.ExpectExec("UPDATE medicines SET stock_on_hand").WillReturnResult(sqlmock.NewResult(0, 1))
	mockDB.ExpectCommit()

	var ran []string
	err := mockDB.DB.Transaction(context.Background(), func(ctx context.Context) error {
		assert.True(t, database.InTransaction(ctx))
		database.AfterCommit(ctx, func(context.Context) { ran = append(ran, "published") })

		_, err := mockDB.DB.Conn(ctx).ExecContext(ctx, "UPDATE medicines SET stock_on_hand = 5 WHERE id = $1", "m1")
		ran = append(ran, "updated")
		return err
	})

	require.NoError(t, err)
	assert.Equal(t, []string{"updated", "published"}, ran)
	mockDB.ExpectationsWereMet(t)
}

func TestTransaction_RollbackSkipsHooks(t *testing.T) {
	mockDB := testutil.NewMockDB(t)
	defer mockDB.Close()

	mockDB.ExpectTransaction()
	mockDB.ExpectRollback()

	hookRan := false
	err := mockDB.DB.Transaction(context.Background(), func(ctx context.Context) error {
		database.AfterCommit(ctx, func(context.Context) { hookRan = true })
		return errors.InsufficientStock(10, 4)
	})

	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrInsufficientStock))
	assert.False(t, hookRan)
	mockDB.ExpectationsWereMet(t)
}

func TestTransaction_NestedCallJoinsOuter(t *testing.T) {
	mockDB := testutil.NewMockDB(t)
	defer mockDB.Close()

	// One BEGIN and one COMMIT for both calls.
	mockDB.ExpectTransaction()
	mockDB.ExpectCommit()

	hooks := 0
	err := mockDB.DB.Transaction(context.Background(), func(ctx context.Context) error {
		return mockDB.DB.Transaction(ctx, func(ctx context.Context) error {
			database.AfterCommit(ctx, func(context.Context) { hooks++ })
			return nil
		})
	})

	require.NoError(t, err)
	assert.Equal(t, 1, hooks)
	mockDB.ExpectationsWereMet(t)
}

func TestTransaction_LockTimeoutIsMapped(t *testing.T) {
	mockDB := testutil.NewMockDB(t)
	defer mockDB.Close()

	mockDB.ExpectTransaction()
	mockDB.ExpectQuery("FOR NO KEY UPDATE").WillReturnError(testutil.LockNotAvailable())
	mockDB.ExpectRollback()

	err := mockDB.DB.Transaction(context.Background(), func(ctx context.Context) error {
		_, err := mockDB.DB.Conn(ctx).QueryxContext(ctx, "SELECT id FROM batches WHERE id = $1 FOR NO KEY UPDATE", "b1")
		return err
	})

	assert.True(t, errors.Is(err, errors.ErrLockTimeout))
	mockDB.ExpectationsWereMet(t)
}

func TestAfterCommit_WithoutTransactionRunsNow(t *testing.T) {
	ran := false
	database.AfterCommit(context.Background(), func(context.Context) { ran = true })
	assert.True(t, ran)
	assert.False(t, database.InTransaction(context.Background()))
}

func TestMapError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want error
	}{
		{"lock not available", &pq.Error{Code: "55P03"}, errors.ErrLockTimeout},
		{"deadlock", &pq.Error{Code: "40P01"}, errors.ErrLockTimeout},
		{"serialization", &pq.Error{Code: "40001"}, errors.ErrLockTimeout},
		{"negative available", testutil.CheckViolation("batches_available_nonnegative"), errors.ErrInsufficientStock},
		{"above original", testutil.CheckViolation("batches_available_within_original"), errors.ErrInvalidArgument},
		{"duplicate lot", &pq.Error{Code: "23505", Constraint: "batches_medicine_lot_number_key"}, errors.ErrConflict},
		{"unknown medicine", &pq.Error{Code: "23503", Constraint: "batches_medicine_fk"}, errors.ErrUnknownMedicine},
		{"unknown batch", &pq.Error{Code: "23503", Constraint: "stock_movements_batch_fk"}, errors.ErrUnknownBatch},
		{"anything else", stderrors.New("connection reset by peer"), errors.ErrStorageFailure},
		{"app errors pass through", errors.InvalidState("case is not open"), errors.ErrInvalidState},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.True(t, errors.Is(database.MapError(tt.err), tt.want))
		})
	}

	assert.NoError(t, database.MapError(nil))
}

func TestMapError_CancellationPassesThrough(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.True(t, database.IsCanceled(ctx.Err()))
	assert.False(t, database.IsCanceled(stderrors.New("timeout")))

	err := database.MapError(fmt.Errorf("query: %w", ctx.Err()))
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, errors.Is(err, errors.ErrStorageFailure))

	assert.True(t, errors.Is(database.MapError(stderrors.New("connection reset")), errors.ErrStorageFailure))
}
