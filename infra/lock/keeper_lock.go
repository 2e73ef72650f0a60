// Package lock serializes destructive cleanup work per user. The Redis
// implementation coordinates across processes; the in-memory fallback
// covers single-instance deployments without Redis.
package lock

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"keeper_server/core/port/out"
	"keeper_server/pkg/apperr"
)

const keyPrefix = "cleanup:lock:"

// New returns a Redis-backed lock when a client is available, otherwise an
// in-process lock.
func New(client *redis.Client) out.CleanupLock {
	if client == nil {
		return NewMemoryLock()
	}
	return NewRedisLock(client)
}

// =============================================================================
// Redis lock
// =============================================================================

// RedisLock holds one key per user with a TTL. Acquisition is SET NX, so a
// crashed holder frees the lock when the TTL lapses.
type RedisLock struct {
	client *redis.Client
}

// NewRedisLock wires the lock on a connected client.
func NewRedisLock(client *redis.Client) *RedisLock {
	return &RedisLock{client: client}
}

func (l *RedisLock) TryAcquire(ctx context.Context, userID string, ttl time.Duration) (bool, error) {
	ok, err := l.client.SetNX(ctx, keyPrefix+userID, time.Now().UTC().Format(time.RFC3339), ttl).Result()
	if err != nil {
		return false, apperr.Upstream("redis", err)
	}
	return ok, nil
}

func (l *RedisLock) Extend(ctx context.Context, userID string, ttl time.Duration) error {
	ok, err := l.client.Expire(ctx, keyPrefix+userID, ttl).Result()
	if err != nil {
		return apperr.Upstream("redis", err)
	}
	if !ok {
		return apperr.NotFound("cleanup lock")
	}
	return nil
}

func (l *RedisLock) Held(ctx context.Context, userID string) (bool, error) {
	n, err := l.client.Exists(ctx, keyPrefix+userID).Result()
	if err != nil {
		return false, apperr.Upstream("redis", err)
	}
	return n > 0, nil
}

func (l *RedisLock) Release(ctx context.Context, userID string) error {
	if err := l.client.Del(ctx, keyPrefix+userID).Err(); err != nil {
		return apperr.Upstream("redis", err)
	}
	return nil
}

// =============================================================================
// In-process lock
// =============================================================================

// MemoryLock is the single-process fallback. Expired entries read as free.
type MemoryLock struct {
	mu      sync.Mutex
	expires map[string]time.Time
}

// NewMemoryLock wires the fallback lock.
func NewMemoryLock() *MemoryLock {
	return &MemoryLock{expires: make(map[string]time.Time)}
}

func (l *MemoryLock) TryAcquire(_ context.Context, userID string, ttl time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if expiry, ok := l.expires[userID]; ok && time.Now().Before(expiry) {
		return false, nil
	}
	l.expires[userID] = time.Now().Add(ttl)
	return true, nil
}

func (l *MemoryLock) Extend(_ context.Context, userID string, ttl time.Duration) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if expiry, ok := l.expires[userID]; !ok || time.Now().After(expiry) {
		return apperr.NotFound("cleanup lock")
	}
	l.expires[userID] = time.Now().Add(ttl)
	return nil
}

func (l *MemoryLock) Held(_ context.Context, userID string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	expiry, ok := l.expires[userID]
	return ok && time.Now().Before(expiry), nil
}

func (l *MemoryLock) Release(_ context.Context, userID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.expires, userID)
	return nil
}

var (
	_ out.CleanupLock = (*RedisLock)(nil)
	_ out.CleanupLock = (*MemoryLock)(nil)
)
