// Package cache adapts the shared cache backends to the analyzer cache
// port. Redis is preferred when available; the in-memory LRU covers
// single-instance deployments.
package cache

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"keeper_server/core/port/out"
	pkgcache "keeper_server/pkg/cache"
)

// All analyzer keys share one prefix so Flush cannot touch unrelated keys
// on a shared Redis.
const keyPrefix = "analysis:"

// AnalysisCache is a best-effort cache: errors read as misses and are
// logged, never surfaced.
type AnalysisCache struct {
	memory *pkgcache.MemoryCache
	redis  *pkgcache.RedisCache
	logger zerolog.Logger
}

// New selects the backend. client may be nil.
func New(client *redis.Client) *AnalysisCache {
	c := &AnalysisCache{
		logger: log.With().Str("component", "analysis_cache").Logger(),
	}
	if client != nil {
		c.redis = pkgcache.NewRedisCache(client)
	} else {
		c.memory = pkgcache.NewMemoryCache(nil)
	}
	return c
}

func (c *AnalysisCache) GetJSON(ctx context.Context, key string, dest any) bool {
	if c.redis != nil {
		ok, err := c.redis.GetJSON(ctx, keyPrefix+key, dest)
		if err != nil {
			// Corrupted entries read as misses and are evicted.
			_ = c.redis.Delete(ctx, keyPrefix+key)
			c.logger.Warn().Err(err).Str("key", key).Msg("cache read failed, entry evicted")
			return false
		}
		return ok
	}
	return c.memory.GetJSON(keyPrefix+key, dest)
}

func (c *AnalysisCache) SetJSON(ctx context.Context, key string, value any, ttl time.Duration) error {
	if c.redis != nil {
		return c.redis.SetJSON(ctx, keyPrefix+key, value, ttl)
	}
	return c.memory.SetJSON(keyPrefix+key, value, ttl)
}

func (c *AnalysisCache) DeletePrefix(ctx context.Context, prefix string) int {
	if c.redis != nil {
		n, err := c.redis.DeletePrefix(ctx, keyPrefix+prefix)
		if err != nil {
			c.logger.Warn().Err(err).Str("prefix", prefix).Msg("cache invalidation failed")
			return 0
		}
		return n
	}
	return c.memory.DeletePrefix(keyPrefix + prefix)
}

func (c *AnalysisCache) Flush(ctx context.Context) {
	if c.redis != nil {
		if _, err := c.redis.DeletePrefix(ctx, keyPrefix); err != nil {
			c.logger.Warn().Err(err).Msg("cache flush failed")
		}
		return
	}
	c.memory.Flush()
}

var _ out.AnalysisCache = (*AnalysisCache)(nil)
