package coordination

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/r3e-network/execengine/pkg/execerr"
)

// ErrRecomputeTimeout is returned when a caller gives up waiting for
// another goroutine's in-flight recompute (spec.md §4.2: "give up with a
// transient error").
var ErrRecomputeTimeout = execerr.New(execerr.KindOverloaded, "timed out waiting for cache stampede recompute")

// StampedeGuard implements the cache-stampede recompute pattern: the first
// caller to arrive takes a short lock and runs the expensive recompute;
// others poll the cache for the populated value until a deadline.
type StampedeGuard struct {
	locks        *LockManager
	client       *redis.Client
	lockTTL      time.Duration
	pollInterval time.Duration
	// EarlyRefreshProbability implements the optional probabilistic early
	// refresh spec.md §4.2 allows, to smooth load ahead of expiry.
	EarlyRefreshProbability float64
}

func NewStampedeGuard(locks *LockManager, client *redis.Client, lockTTL time.Duration) *StampedeGuard {
	return &StampedeGuard{locks: locks, client: client, lockTTL: lockTTL, pollInterval: 50 * time.Millisecond}
}

// Recompute returns the cached value at cacheKey if present and the early
// refresh coin flip doesn't trigger, or else recomputes it behind a lock
// shared across concurrent callers with the same identity.
func (g *StampedeGuard) Recompute(ctx context.Context, identity, cacheKey string, deadline time.Duration, holderID string, compute func(ctx context.Context) ([]byte, error)) ([]byte, error) {
	if g.EarlyRefreshProbability <= 0 || rand.Float64() >= g.EarlyRefreshProbability {
		if val, err := g.client.Get(ctx, cacheKey).Bytes(); err == nil {
			return val, nil
		}
	}

	lockKey := RecomputeLockKey(identity)
	got, err := g.locks.Acquire(ctx, lockKey, holderID, g.lockTTL)
	if err != nil {
		return nil, err
	}
	if got {
		defer func() { _, _ = g.locks.Release(ctx, lockKey, holderID) }()
		val, err := compute(ctx)
		if err != nil {
			return nil, err
		}
		if err := g.client.Set(ctx, cacheKey, val, g.lockTTL*3).Err(); err != nil {
			return val, nil // best effort population; value is still good
		}
		return val, nil
	}

	return g.waitForPopulated(ctx, cacheKey, deadline)
}

func (g *StampedeGuard) waitForPopulated(ctx context.Context, cacheKey string, deadline time.Duration) ([]byte, error) {
	timer := time.NewTimer(deadline)
	defer timer.Stop()
	ticker := time.NewTicker(g.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("stampede guard: %w", ctx.Err())
		case <-timer.C:
			return nil, ErrRecomputeTimeout
		case <-ticker.C:
			val, err := g.client.Get(ctx, cacheKey).Bytes()
			if err == nil {
				return val, nil
			}
		}
	}
}
