package cache

import (
	"context"
	"time"

	"github.com/goccy/go-json"

	"github.com/redis/go-redis/v9"
)

// RedisCache is the shared cache tier behind the per-process MemoryCache.
// It carries cross-restart analyzer results and cleanup coordination keys
// (locks, deletion budget counters). Same contract as MemoryCache: a
// corrupted entry is evicted and reported as a miss.
type RedisCache struct {
	client *redis.Client
}

// NewRedisCache creates a Redis cache on an existing client.
func NewRedisCache(client *redis.Client) *RedisCache {
	return &RedisCache{client: client}
}

// Get retrieves a value.
func (c *RedisCache) Get(ctx context.Context, key string) (string, error) {
	return c.client.Get(ctx, key).Result()
}

// Set stores a value with TTL.
func (c *RedisCache) Set(ctx context.Context, key string, value string, ttl time.Duration) error {
	return c.client.Set(ctx, key, value, ttl).Err()
}

// SetNX stores a value only if the key does not exist. Used for the
// per-user cleanup lock.
func (c *RedisCache) SetNX(ctx context.Context, key string, value string, ttl time.Duration) (bool, error) {
	return c.client.SetNX(ctx, key, value, ttl).Result()
}

// Delete removes a key.
func (c *RedisCache) Delete(ctx context.Context, key string) error {
	return c.client.Del(ctx, key).Err()
}

// DeletePrefix removes all keys with the given prefix, scanning in batches.
func (c *RedisCache) DeletePrefix(ctx context.Context, prefix string) (int, error) {
	var cursor uint64
	removed := 0
	for {
		keys, next, err := c.client.Scan(ctx, cursor, prefix+"*", 500).Result()
		if err != nil {
			return removed, err
		}
		if len(keys) > 0 {
			if err := c.client.Del(ctx, keys...).Err(); err != nil {
				return removed, err
			}
			removed += len(keys)
		}
		cursor = next
		if cursor == 0 {
			return removed, nil
		}
	}
}

// Exists reports whether a key exists.
func (c *RedisCache) Exists(ctx context.Context, key string) (bool, error) {
	result, err := c.client.Exists(ctx, key).Result()
	return result > 0, err
}

// GetJSON decodes a cached value into dest. Returns (false, nil) on miss.
// An entry that fails to decode is deleted and treated as a miss.
func (c *RedisCache) GetJSON(ctx context.Context, key string, dest interface{}) (bool, error) {
	data, err := c.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	if err := json.Unmarshal([]byte(data), dest); err != nil {
		_ = c.client.Del(ctx, key).Err()
		return false, nil
	}

	return true, nil
}

// SetJSON encodes value and stores it with TTL.
func (c *RedisCache) SetJSON(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, key, data, ttl).Err()
}

// Increment increments a counter key by one.
func (c *RedisCache) Increment(ctx context.Context, key string) (int64, error) {
	return c.client.Incr(ctx, key).Result()
}

// IncrementBy increments a counter key by the given amount.
func (c *RedisCache) IncrementBy(ctx context.Context, key string, value int64) (int64, error) {
	return c.client.IncrBy(ctx, key, value).Result()
}

// Expire sets a TTL on an existing key.
func (c *RedisCache) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return c.client.Expire(ctx, key, ttl).Err()
}

// TTL returns the remaining TTL of a key.
func (c *RedisCache) TTL(ctx context.Context, key string) (time.Duration, error) {
	return c.client.TTL(ctx, key).Result()
}

// Close closes the underlying client.
func (c *RedisCache) Close() error {
	return c.client.Close()
}
