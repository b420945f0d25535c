package events

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Claimer grants a key to the first caller within ttl. It backs low-stock
// alert throttling and the receipt consumer's duplicate detection.
type Claimer interface {
	// Claim returns true if key was not claimed within the last ttl.
	Claim(ctx context.Context, key string, ttl time.Duration) (bool, error)
	// Release drops a claim so the key can be claimed again.
	Release(ctx context.Context, key string) error
}

// RedisClaimer implements Claimer with SETNX so every service instance
// shares the same claims.
type RedisClaimer struct {
	client    *redis.Client
	keyPrefix string
}

// NewRedisClaimer creates a claimer on an existing Redis client.
func NewRedisClaimer(client *redis.Client, keyPrefix string) *RedisClaimer {
	if keyPrefix == "" {
		keyPrefix = "pharmacy:claim:"
	}
	return &RedisClaimer{client: client, keyPrefix: keyPrefix}
}

// Claim sets the key if it does not exist, with ttl as expiry.
func (c *RedisClaimer) Claim(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ok, err := c.client.SetNX(ctx, c.keyPrefix+key, "1", ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to claim %s: %w", key, err)
	}
	return ok, nil
}

// Release removes a claim so the key can be claimed again.
func (c *RedisClaimer) Release(ctx context.Context, key string) error {
	if err := c.client.Del(ctx, c.keyPrefix+key).Err(); err != nil {
		return fmt.Errorf("failed to release %s: %w", key, err)
	}
	return nil
}

// MemoryClaimer is an in-process Claimer for single-instance deployments
// and tests.
type MemoryClaimer struct {
	mu     sync.Mutex
	now    func() time.Time
	claims map[string]time.Time
}

// NewMemoryClaimer creates an empty in-process claimer.
func NewMemoryClaimer() *MemoryClaimer {
	return &MemoryClaimer{now: time.Now, claims: make(map[string]time.Time)}
}

// Claim grants key when it is unclaimed or its previous claim has expired.
func (c *MemoryClaimer) Claim(_ context.Context, key string, ttl time.Duration) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if until, ok := c.claims[key]; ok && now.Before(until) {
		return false, nil
	}
	c.claims[key] = now.Add(ttl)

	// Drop stale entries opportunistically so the map stays bounded.
	if len(c.claims) > 1024 {
		for k, until := range c.claims {
			if !now.Before(until) {
				delete(c.claims, k)
			}
		}
	}
	return true, nil
}

// Release removes a claim.
func (c *MemoryClaimer) Release(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.claims, key)
	return nil
}
