// Package cache provides the analyzer/statistics cache layers: a bounded
// in-process TTL cache with O(1) LRU eviction, and an optional Redis tier
// behind it.
package cache

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
)

// Key builds a cache key from user id, namespace, and fingerprint.
// All cached state is user-scoped; there is no global namespace.
func Key(userID, namespace, fingerprint string) string {
	return userID + ":" + namespace + ":" + fingerprint
}

// UserPrefix returns the key prefix covering everything cached for a user.
func UserPrefix(userID string) string {
	return userID + ":"
}

// =============================================================================
// Memory Cache - In-Memory with O(1) LRU Eviction (Doubly Linked List)
// =============================================================================

// lruNode represents a node in the doubly linked list for O(1) LRU operations
type lruNode struct {
	key  string
	prev *lruNode
	next *lruNode
}

// MemoryCache provides fast in-memory caching with TTL and O(1) LRU eviction.
// Uses a doubly linked list + hashmap for constant-time access and eviction.
// Best-effort by contract: a miss never surfaces as an error, and an entry
// that fails to decode is treated as a miss and evicted.
type MemoryCache struct {
	data       map[string]*entry
	mu         sync.RWMutex
	maxItems   int
	defaultTTL time.Duration

	// O(1) LRU tracking with doubly linked list
	lruHead *lruNode            // Most recently used (dummy head)
	lruTail *lruNode            // Least recently used (dummy tail)
	nodeMap map[string]*lruNode // key -> node for O(1) lookup

	// Metrics
	hits      int64
	misses    int64
	evictions int64
	corrupt   int64

	stop chan struct{}
}

type entry struct {
	value     []byte
	expiresAt time.Time
	size      int
}

// MemoryCacheConfig configures the memory cache.
type MemoryCacheConfig struct {
	MaxItems   int           // Maximum number of items (default 10000)
	DefaultTTL time.Duration // Default TTL (default 5 minutes)
}

// DefaultMemoryCacheConfig returns sensible defaults.
func DefaultMemoryCacheConfig() *MemoryCacheConfig {
	return &MemoryCacheConfig{
		MaxItems:   10000,
		DefaultTTL: 5 * time.Minute,
	}
}

// NewMemoryCache creates a new memory cache with O(1) LRU eviction.
func NewMemoryCache(config *MemoryCacheConfig) *MemoryCache {
	if config == nil {
		config = DefaultMemoryCacheConfig()
	}

	head := &lruNode{}
	tail := &lruNode{}
	head.next = tail
	tail.prev = head

	c := &MemoryCache{
		data:       make(map[string]*entry),
		maxItems:   config.MaxItems,
		defaultTTL: config.DefaultTTL,
		lruHead:    head,
		lruTail:    tail,
		nodeMap:    make(map[string]*lruNode),
		stop:       make(chan struct{}),
	}

	go c.cleanupLoop()

	return c
}

// Get retrieves a raw value. TTL is enforced on read.
func (c *MemoryCache) Get(key string) ([]byte, bool) {
	c.mu.RLock()
	e, ok := c.data[key]
	c.mu.RUnlock()

	if !ok {
		c.mu.Lock()
		c.misses++
		c.mu.Unlock()
		return nil, false
	}

	if time.Now().After(e.expiresAt) {
		c.mu.Lock()
		delete(c.data, key)
		c.removeFromAccessOrder(key)
		c.misses++
		c.mu.Unlock()
		return nil, false
	}

	c.mu.Lock()
	c.hits++
	c.updateAccessOrder(key)
	c.mu.Unlock()

	return e.value, true
}

// GetJSON decodes a cached value into dest. A corrupted entry is quarantined
// (evicted) and reported as a miss, never as an error.
func (c *MemoryCache) GetJSON(key string, dest any) bool {
	data, ok := c.Get(key)
	if !ok {
		return false
	}
	if err := json.Unmarshal(data, dest); err != nil {
		c.mu.Lock()
		delete(c.data, key)
		c.removeFromAccessOrder(key)
		c.corrupt++
		c.mu.Unlock()
		return false
	}
	return true
}

// Set stores a raw value with the default TTL.
func (c *MemoryCache) Set(key string, value []byte) {
	c.SetWithTTL(key, value, c.defaultTTL)
}

// SetWithTTL stores a raw value with a specific TTL.
func (c *MemoryCache) SetWithTTL(key string, value []byte, ttl time.Duration) {
	if ttl <= 0 {
		ttl = c.defaultTTL
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.data[key]; !exists && len(c.data) >= c.maxItems {
		c.evictLRU()
	}

	c.data[key] = &entry{
		value:     value,
		expiresAt: time.Now().Add(ttl),
		size:      len(value),
	}
	c.updateAccessOrder(key)
}

// SetJSON encodes value and stores it with a specific TTL.
func (c *MemoryCache) SetJSON(key string, value any, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("cache encode: %w", err)
	}
	c.SetWithTTL(key, data, ttl)
	return nil
}

// Delete removes a key.
func (c *MemoryCache) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.data, key)
	c.removeFromAccessOrder(key)
}

// DeletePrefix removes all keys with the given prefix.
func (c *MemoryCache) DeletePrefix(prefix string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for key := range c.data {
		if strings.HasPrefix(key, prefix) {
			delete(c.data, key)
			c.removeFromAccessOrder(key)
			removed++
		}
	}
	return removed
}

// Flush removes all entries.
func (c *MemoryCache) Flush() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.data = make(map[string]*entry)
	c.lruHead.next = c.lruTail
	c.lruTail.prev = c.lruHead
	c.nodeMap = make(map[string]*lruNode)
}

// Close stops the background cleanup loop.
func (c *MemoryCache) Close() {
	close(c.stop)
}

// Stats returns cache statistics.
func (c *MemoryCache) Stats() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var totalSize int
	for _, e := range c.data {
		totalSize += e.size
	}

	hitRate := float64(0)
	if total := c.hits + c.misses; total > 0 {
		hitRate = float64(c.hits) / float64(total)
	}

	return Stats{
		Items:     len(c.data),
		TotalSize: totalSize,
		Hits:      c.hits,
		Misses:    c.misses,
		Evictions: c.evictions,
		Corrupt:   c.corrupt,
		HitRate:   hitRate,
		MaxItems:  c.maxItems,
	}
}

// Stats contains cache statistics.
type Stats struct {
	Items     int     `json:"items"`
	TotalSize int     `json:"total_size_bytes"`
	Hits      int64   `json:"hits"`
	Misses    int64   `json:"misses"`
	Evictions int64   `json:"evictions"`
	Corrupt   int64   `json:"corrupt_evicted"`
	HitRate   float64 `json:"hit_rate"`
	MaxItems  int     `json:"max_items"`
}

// =============================================================================
// Internal Methods - O(1) LRU with Doubly Linked List
// =============================================================================

// moveToFront moves a node to the front of the list (most recently used)
func (c *MemoryCache) moveToFront(node *lruNode) {
	node.prev.next = node.next
	node.next.prev = node.prev

	node.next = c.lruHead.next
	node.prev = c.lruHead
	c.lruHead.next.prev = node
	c.lruHead.next = node
}

// addToFront adds a new node to the front of the list
func (c *MemoryCache) addToFront(key string) {
	node := &lruNode{key: key}

	node.next = c.lruHead.next
	node.prev = c.lruHead
	c.lruHead.next.prev = node
	c.lruHead.next = node

	c.nodeMap[key] = node
}

func (c *MemoryCache) removeNode(node *lruNode) {
	node.prev.next = node.next
	node.next.prev = node.prev
}

func (c *MemoryCache) updateAccessOrder(key string) {
	if node, ok := c.nodeMap[key]; ok {
		c.moveToFront(node)
	} else {
		c.addToFront(key)
	}
}

func (c *MemoryCache) removeFromAccessOrder(key string) {
	if node, ok := c.nodeMap[key]; ok {
		c.removeNode(node)
		delete(c.nodeMap, key)
	}
}

func (c *MemoryCache) evictLRU() {
	// Evict 10% of items or at least 1
	evictCount := c.maxItems / 10
	if evictCount < 1 {
		evictCount = 1
	}

	for i := 0; i < evictCount && c.lruTail.prev != c.lruHead; i++ {
		node := c.lruTail.prev
		delete(c.data, node.key)
		c.removeNode(node)
		delete(c.nodeMap, node.key)
		c.evictions++
	}
}

func (c *MemoryCache) cleanupLoop() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			c.cleanupExpired()
		}
	}
}

func (c *MemoryCache) cleanupExpired() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	for key, e := range c.data {
		if now.After(e.expiresAt) {
			delete(c.data, key)
			c.removeFromAccessOrder(key)
		}
	}
}
