package service_test

import (
	"context"
	"testing"
	"time"

	"github.com/medflow/pharmacy-ledger/internal/pharmacy/repository"
	"github.com/medflow/pharmacy-ledger/pkg/messaging"
	"github.com/medflow/pharmacy-ledger/pkg/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSweep_ExpiresAndWarnsOncePerDay(t *testing.T) {
	p := newPharmacy(t)
	ctx := context.Background()
	m := testutil.SeedMedicine(t, p.db, "Ranitidine 150mg")

	expired := p.seedExpired(t, m.ID, 5, 2)
	soon := p.receive(t, m.ID, 10, 10)
	p.receive(t, m.ID, 10, 200)
	p.events.Reset()

	result, err := p.svc.Sweeper.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Expired)
	assert.Equal(t, 1, result.Expiring)
	assert.Equal(t, 1, result.Warned)

	assert.Equal(t, repository.BatchExpired, p.batch(t, expired.ID).Status)
	assert.Equal(t, 20, p.stockOnHand(t, m.ID))

	gone := p.events.EventsOfType(messaging.EventBatchExpired)
	require.Len(t, gone, 1)
	assert.Equal(t, expired.ID, gone[0].(messaging.BatchExpiredEvent).BatchID)

	warned := p.events.EventsOfType(messaging.EventBatchExpiring)
	require.Len(t, warned, 1)
	warning := warned[0].(messaging.BatchExpiringEvent)
	assert.Equal(t, soon.ID, warning.BatchID)
	assert.Equal(t, 10, warning.DaysUntilExpiry)

	// Same day: nothing new to expire and the warning is not repeated.
	result, err = p.svc.Sweeper.Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, result.Expired)
	assert.Equal(t, 1, result.Expiring)
	assert.Zero(t, result.Warned)
	assert.Len(t, p.events.EventsOfType(messaging.EventBatchExpiring), 1)
}

func TestSweeper_StartRunsImmediately(t *testing.T) {
	p := newPharmacy(t)
	m := testutil.SeedMedicine(t, p.db, "Loratadine 10mg")
	expired := p.seedExpired(t, m.ID, 3, 1)

	p.svc.Sweeper.Start(context.Background())
	assert.Eventually(t, func() bool {
		b, err := p.svc.Catalog.Batch(context.Background(), expired.ID)
		return err == nil && b.Status == repository.BatchExpired
	}, 5*time.Second, 20*time.Millisecond)

	p.svc.Sweeper.Stop()
	p.svc.Sweeper.Stop()
}
