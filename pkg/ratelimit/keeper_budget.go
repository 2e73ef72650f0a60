package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// budgetWindow is the accounting window for per-user deletion budgets.
const budgetWindow = time.Hour

// BudgetCounter is the counter backend for DeletionBudget. *cache.RedisCache
// satisfies it.
type BudgetCounter interface {
	IncrementBy(ctx context.Context, key string, value int64) (int64, error)
	Expire(ctx context.Context, key string, ttl time.Duration) error
	Get(ctx context.Context, key string) (string, error)
}

// DeletionBudget tracks destructive actions per user within the current
// window. Cleanup runs reserve budget before each batch and stop when it is
// exhausted; restores do not refund budget, so a run can never exceed its
// per-window cap even when some deletions are later undone.
//
// Counters live in Redis so concurrently running cleanup jobs for the same
// user (manual plus scheduled) share one budget. Without Redis the budget
// falls back to a process-local counter.
type DeletionBudget struct {
	counter BudgetCounter

	mu        sync.Mutex
	local     map[string]*localBucket
	lastSweep time.Time
}

type localBucket struct {
	used    int64
	resetAt time.Time
}

// NewDeletionBudget creates a budget tracker. counter may be nil.
func NewDeletionBudget(counter BudgetCounter) *DeletionBudget {
	return &DeletionBudget{
		counter: counter,
		local:   make(map[string]*localBucket),
	}
}

func budgetKey(userID string, now time.Time) string {
	// Bucketed by window start so the counter resets on the window boundary.
	return fmt.Sprintf("budget:%s:%d", userID, now.Truncate(budgetWindow).Unix())
}

// Reserve grants up to want units of deletion budget for the user, given the
// per-window limit. It returns the granted amount, which may be less than
// want and is zero when the budget is exhausted. The grant is consumed
// immediately.
func (b *DeletionBudget) Reserve(ctx context.Context, userID string, limit, want int) (int, error) {
	if limit <= 0 || want <= 0 {
		return 0, nil
	}

	if b.counter == nil {
		return b.reserveLocal(userID, limit, want), nil
	}

	now := time.Now()
	key := budgetKey(userID, now)

	used, err := b.counter.IncrementBy(ctx, key, int64(want))
	if err != nil {
		return 0, fmt.Errorf("deletion budget: %w", err)
	}
	// TTL outlives the window by one interval so late readers still see it.
	_ = b.counter.Expire(ctx, key, 2*budgetWindow)

	over := used - int64(limit)
	if over <= 0 {
		return want, nil
	}
	if over >= int64(want) {
		// Nothing granted; give the overshoot back.
		_, _ = b.counter.IncrementBy(ctx, key, -int64(want))
		return 0, nil
	}
	// Partially granted; give back the part over the limit.
	_, _ = b.counter.IncrementBy(ctx, key, -over)
	return want - int(over), nil
}

// Used returns the budget consumed by the user in the current window.
func (b *DeletionBudget) Used(ctx context.Context, userID string) (int, error) {
	if b.counter == nil {
		b.mu.Lock()
		defer b.mu.Unlock()
		bucket := b.local[userID]
		if bucket == nil || time.Now().After(bucket.resetAt) {
			return 0, nil
		}
		return int(bucket.used), nil
	}

	val, err := b.counter.Get(ctx, budgetKey(userID, time.Now()))
	if err != nil {
		// Missing key means nothing consumed yet.
		return 0, nil
	}
	var used int
	if _, err := fmt.Sscanf(val, "%d", &used); err != nil {
		return 0, nil
	}
	return used, nil
}

func (b *DeletionBudget) reserveLocal(userID string, limit, want int) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	if now.Sub(b.lastSweep) > budgetWindow {
		for id, bucket := range b.local {
			if now.After(bucket.resetAt) {
				delete(b.local, id)
			}
		}
		b.lastSweep = now
	}

	bucket := b.local[userID]
	if bucket == nil || now.After(bucket.resetAt) {
		bucket = &localBucket{resetAt: now.Truncate(budgetWindow).Add(budgetWindow)}
		b.local[userID] = bucket
	}

	remaining := int64(limit) - bucket.used
	if remaining <= 0 {
		return 0
	}
	granted := int64(want)
	if granted > remaining {
		granted = remaining
	}
	bucket.used += granted
	return int(granted)
}
