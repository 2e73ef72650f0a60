// Package ratelimit provides pacing for mail provider API calls and the
// rolling deletion budget enforced by cleanup runs.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// =============================================================================
// Provider API Protection
// Order: Semaphore -> Rate Limiter -> API
// =============================================================================

// Config holds provider pacing configuration.
type Config struct {
	MaxConcurrent     int // max in-flight provider calls (default 100)
	RequestsPerSecond int // provider calls per second (default 10)
	BurstSize         int // allowed burst above the steady rate (default 20)
}

// DefaultConfig returns default configuration.
func DefaultConfig() *Config {
	return &Config{
		MaxConcurrent:     100,
		RequestsPerSecond: 10,
		BurstSize:         20,
	}
}

// APIProtector gates outbound mail provider calls. Rejections here surface
// as rate_limited errors so callers can back off instead of hammering the
// provider quota.
type APIProtector struct {
	config      *Config
	semaphore   chan struct{}
	rateLimiter *SlidingWindowLimiter
}

// NewAPIProtector creates a new API protector.
func NewAPIProtector(redisClient *redis.Client, config *Config) *APIProtector {
	if config == nil {
		config = DefaultConfig()
	}

	return &APIProtector{
		config:      config,
		semaphore:   make(chan struct{}, config.MaxConcurrent),
		rateLimiter: NewSlidingWindowLimiter(redisClient, config.RequestsPerSecond, config.BurstSize),
	}
}

// ProtectionResult contains the result of a protection check.
type ProtectionResult struct {
	Allowed      bool
	Reason       string
	ShouldWait   bool
	WaitDuration time.Duration
}

// Acquire tries to acquire permission for a provider call.
// Returns a release function that must be called after the call completes.
func (p *APIProtector) Acquire(ctx context.Context, key string) (*ProtectionResult, func()) {
	select {
	case p.semaphore <- struct{}{}:
	default:
		return &ProtectionResult{
			Allowed: false,
			Reason:  "too many concurrent requests",
		}, nil
	}

	releaseFunc := func() {
		<-p.semaphore
	}

	allowed, waitDuration := p.rateLimiter.Allow(ctx, key)
	if !allowed {
		releaseFunc()
		return &ProtectionResult{
			Allowed:      false,
			Reason:       "rate limit exceeded",
			ShouldWait:   waitDuration > 0,
			WaitDuration: waitDuration,
		}, nil
	}

	return &ProtectionResult{Allowed: true}, releaseFunc
}

// AcquireWithWait tries to acquire, waiting out a rate limit rejection when
// the suggested wait fits within maxWait.
func (p *APIProtector) AcquireWithWait(ctx context.Context, key string, maxWait time.Duration) (*ProtectionResult, func()) {
	result, release := p.Acquire(ctx, key)

	if !result.Allowed && result.ShouldWait && result.WaitDuration <= maxWait {
		select {
		case <-time.After(result.WaitDuration):
			return p.Acquire(ctx, key)
		case <-ctx.Done():
			return &ProtectionResult{
				Allowed: false,
				Reason:  "context cancelled",
			}, nil
		}
	}

	return result, release
}

// =============================================================================
// SlidingWindowLimiter - Redis Sliding Window Rate Limiter
// =============================================================================

// SlidingWindowLimiter implements sliding window rate limiting using Redis.
// Without Redis it degrades to allow-all; the provider's own quota errors
// then act as the backstop.
type SlidingWindowLimiter struct {
	redis     *redis.Client
	rate      int
	window    time.Duration
	burstSize int
}

// NewSlidingWindowLimiter creates a new sliding window rate limiter.
func NewSlidingWindowLimiter(redisClient *redis.Client, requestsPerSecond, burstSize int) *SlidingWindowLimiter {
	return &SlidingWindowLimiter{
		redis:     redisClient,
		rate:      requestsPerSecond,
		window:    time.Second,
		burstSize: burstSize,
	}
}

// Allow checks if a request is allowed and returns the wait duration if not.
func (l *SlidingWindowLimiter) Allow(ctx context.Context, key string) (bool, time.Duration) {
	if l.redis == nil {
		return true, 0
	}

	now := time.Now()
	windowStart := now.Add(-l.window)
	redisKey := fmt.Sprintf("ratelimit:%s", key)

	// Lua script for atomic sliding window check
	script := redis.NewScript(`
		local key = KEYS[1]
		local now = tonumber(ARGV[1])
		local window_start = tonumber(ARGV[2])
		local max_requests = tonumber(ARGV[3])
		local window_ms = tonumber(ARGV[4])

		-- Remove old entries
		redis.call('ZREMRANGEBYSCORE', key, '-inf', window_start)

		-- Count current requests
		local count = redis.call('ZCARD', key)

		if count < max_requests then
			-- Add new request
			redis.call('ZADD', key, now, now .. '-' .. math.random())
			redis.call('PEXPIRE', key, window_ms * 2)
			return 1
		else
			-- Get oldest entry to calculate wait time
			local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
			if #oldest > 0 then
				return -(oldest[2] + window_ms - now)
			end
			return 0
		end
	`)

	result, err := script.Run(ctx, l.redis, []string{redisKey},
		now.UnixMilli(),
		windowStart.UnixMilli(),
		l.rate+l.burstSize,
		l.window.Milliseconds(),
	).Int64()

	if err != nil {
		// Redis error: fail open
		return true, 0
	}

	if result == 1 {
		return true, 0
	}

	if result < 0 {
		return false, time.Duration(-result) * time.Millisecond
	}

	return false, l.window
}
