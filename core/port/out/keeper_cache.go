package out

import (
	"context"
	"time"
)

// AnalysisCache is the best-effort cache for analyzer results and
// statistics. Misses never surface as errors; corrupted entries read as
// misses and are evicted by the implementation.
type AnalysisCache interface {
	GetJSON(ctx context.Context, key string, dest any) bool
	SetJSON(ctx context.Context, key string, value any, ttl time.Duration) error
	DeletePrefix(ctx context.Context, prefix string) int
	Flush(ctx context.Context)
}

// CleanupLock serializes destructive work per user. Held for the duration
// of a cleanup run; categorization writers wait on it before persisting
// analyzer fields.
type CleanupLock interface {
	// TryAcquire returns false when another holder owns the lock.
	TryAcquire(ctx context.Context, userID string, ttl time.Duration) (bool, error)

	// Extend refreshes the TTL of a held lock.
	Extend(ctx context.Context, userID string, ttl time.Duration) error

	// Held reports whether anyone currently owns the lock.
	Held(ctx context.Context, userID string) (bool, error)

	Release(ctx context.Context, userID string) error
}
