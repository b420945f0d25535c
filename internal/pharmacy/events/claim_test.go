package events

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryClaimer_FirstCallerWins(t *testing.T) {
	ctx := context.Background()
	c := NewMemoryClaimer()

	ok, err := c.Claim(ctx, "receipt:GR-1", time.Hour)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = c.Claim(ctx, "receipt:GR-1", time.Hour)
	require.NoError(t, err)
	assert.False(t, ok, "second claim inside ttl must be refused")

	ok, err = c.Claim(ctx, "receipt:GR-2", time.Hour)
	require.NoError(t, err)
	assert.True(t, ok, "keys are independent")
}

func TestMemoryClaimer_ExpiresAfterTTL(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 6, 1, 8, 0, 0, 0, time.UTC)
	c := NewMemoryClaimer()
	c.now = func() time.Time { return now }

	ok, _ := c.Claim(ctx, "low-stock:m1", 10*time.Minute)
	require.True(t, ok)

	now = now.Add(9 * time.Minute)
	ok, _ = c.Claim(ctx, "low-stock:m1", 10*time.Minute)
	assert.False(t, ok)

	now = now.Add(time.Minute)
	ok, _ = c.Claim(ctx, "low-stock:m1", 10*time.Minute)
	assert.True(t, ok)
}

func TestMemoryClaimer_Release(t *testing.T) {
	ctx := context.Background()
	c := NewMemoryClaimer()

	ok, _ := c.Claim(ctx, "receipt:GR-9", time.Hour)
	require.True(t, ok)
	require.NoError(t, c.Release(ctx, "receipt:GR-9"))

	ok, _ = c.Claim(ctx, "receipt:GR-9", time.Hour)
	assert.True(t, ok)
}

func TestMemoryClaimer_PrunesStaleEntries(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 6, 1, 8, 0, 0, 0, time.UTC)
	c := NewMemoryClaimer()
	c.now = func() time.Time { return now }

	for i := 0; i < 1024; i++ {
		_, _ = c.Claim(ctx, fmt.Sprintf("k%d", i), time.Second)
	}
	now = now.Add(time.Minute)
	_, _ = c.Claim(ctx, "fresh", time.Hour)

	assert.Len(t, c.claims, 1)
}

func TestMemoryClaimer_ConcurrentClaims(t *testing.T) {
	ctx := context.Background()
	c := NewMemoryClaimer()

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		granted int
	)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if ok, _ := c.Claim(ctx, "expiring:b1:20240601", time.Hour); ok {
				mu.Lock()
				granted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, granted)
}
