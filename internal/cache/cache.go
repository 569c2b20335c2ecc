// Package cache provides the in-memory TTL caches that stand in front of
// FriendFeed lookups and rendered pages.
package cache

import (
	"context"
	"reflect"
	"sync"
	"sync/atomic"
	"time"
)

// Interval between sweeps of expired items
const defaultCleanupInterval = 1 * time.Minute

// Cache defines the interface for cache operations
type Cache interface {
	Get(key string) (interface{}, bool)
	Set(key string, value interface{}, ttl time.Duration)
	Add(key string, value interface{}, ttl time.Duration) bool
	Delete(key string)
	Clear()
	GetStats() Stats
}

// Stats holds cache statistics.
// Note: This type name stutters with package name but is kept for API compatibility.
type Stats struct {
	Hits      int64
	Misses    int64
	Evictions int64
	Size      int
	MaxSize   int
	HitRate   float64
}

// MemoryCache implements an in-memory cache with TTL support
type MemoryCache struct {
	data          map[string]*cacheItem
	mu            sync.Mutex
	maxSize       int
	stats         Stats
	cleanupTicker *time.Ticker
	ctx           context.Context
	cancel        context.CancelFunc
	done          chan struct{}
	closeOnce     sync.Once
}

// cacheItem represents a cached item with metadata
type cacheItem struct {
	value       interface{}
	expiresAt   time.Time
	createdAt   time.Time
	accessCount int64
}

// NewMemoryCache creates a new in-memory cache
func NewMemoryCache(maxSize int) *MemoryCache {
	ctx, cancel := context.WithCancel(context.Background())

	cache := &MemoryCache{
		data:    make(map[string]*cacheItem),
		maxSize: maxSize,
		stats:   Stats{MaxSize: maxSize},
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}

	cache.startCleanup(defaultCleanupInterval)

	return cache
}

// Get retrieves a value from the cache
func (c *MemoryCache) Get(key string) (interface{}, bool) {
	value, _, ok := c.getWithExpiry(key)
	return value, ok
}

// getWithExpiry retrieves a value together with the time it expires
func (c *MemoryCache) getWithExpiry(key string) (interface{}, time.Time, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	item, exists := c.data[key]
	if !exists {
		c.stats.Misses++
		return nil, time.Time{}, false
	}

	if time.Now().After(item.expiresAt) {
		delete(c.data, key)
		c.stats.Size = len(c.data)
		c.stats.Misses++
		return nil, time.Time{}, false
	}

	item.accessCount++
	c.stats.Hits++
	return item.value, item.expiresAt, true
}

// liveKeys returns the keys of unexpired items
func (c *MemoryCache) liveKeys() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	keys := make([]string, 0, len(c.data))
	for key, item := range c.data {
		if !now.After(item.expiresAt) {
			keys = append(keys, key)
		}
	}
	return keys
}

// Set stores a value in the cache with TTL
func (c *MemoryCache) Set(key string, value interface{}, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.set(key, value, ttl)
}

// Add stores a value only if the key is absent or expired, like memcache add.
// It reports whether the value was stored.
func (c *MemoryCache) Add(key string, value interface{}, ttl time.Duration) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if item, exists := c.data[key]; exists && time.Now().Before(item.expiresAt) {
		return false
	}
	c.set(key, value, ttl)
	return true
}

func (c *MemoryCache) set(key string, value interface{}, ttl time.Duration) {
	if _, exists := c.data[key]; !exists && len(c.data) >= c.maxSize {
		c.evictLRU()
	}

	now := time.Now()
	c.data[key] = &cacheItem{
		value:     value,
		expiresAt: now.Add(ttl),
		createdAt: now,
	}

	c.stats.Size = len(c.data)
}

// Delete removes a key from the cache
func (c *MemoryCache) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.data[key]; exists {
		delete(c.data, key)
		c.stats.Size = len(c.data)
	}
}

// Clear removes all items from the cache
func (c *MemoryCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.data = make(map[string]*cacheItem)
	c.stats.Size = 0
}

// GetStats returns cache statistics
func (c *MemoryCache) GetStats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	stats := c.stats
	if total := stats.Hits + stats.Misses; total > 0 {
		stats.HitRate = float64(stats.Hits) / float64(total)
	}
	return stats
}

// evictLRU removes the least used item, oldest first on ties
func (c *MemoryCache) evictLRU() {
	var oldestKey string
	var oldestTime time.Time
	var lowestAccess int64 = -1

	for key, item := range c.data {
		if lowestAccess == -1 || item.accessCount < lowestAccess {
			oldestKey = key
			lowestAccess = item.accessCount
			oldestTime = item.createdAt
		} else if item.accessCount == lowestAccess && item.createdAt.Before(oldestTime) {
			oldestKey = key
			oldestTime = item.createdAt
		}
	}

	if oldestKey != "" {
		delete(c.data, oldestKey)
		c.stats.Evictions++
	}
}

// startCleanup starts the cleanup goroutine
func (c *MemoryCache) startCleanup(interval time.Duration) {
	c.cleanupTicker = time.NewTicker(interval)

	go func() {
		defer close(c.done)
		for {
			select {
			case <-c.cleanupTicker.C:
				c.cleanup()
			case <-c.ctx.Done():
				return
			}
		}
	}()
}

// cleanup removes expired items
func (c *MemoryCache) cleanup() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	for key, item := range c.data {
		if now.After(item.expiresAt) {
			delete(c.data, key)
			c.stats.Evictions++
		}
	}

	c.stats.Size = len(c.data)
}

// Close stops the cleanup goroutine and waits for it to exit
func (c *MemoryCache) Close() {
	c.closeOnce.Do(func() {
		c.cancel()
		c.cleanupTicker.Stop()
		<-c.done
	})
}

// MultiLevelCache implements a multi-level cache system. Hits and misses are
// counted once per lookup, whichever level answers.
type MultiLevelCache struct {
	L1 *MemoryCache // Fast, small cache
	L2 *MemoryCache // Slower, larger cache

	hits   atomic.Int64
	misses atomic.Int64
}

// NewMultiLevelCache creates a new multi-level cache
func NewMultiLevelCache(l1Size, l2Size int) *MultiLevelCache {
	return &MultiLevelCache{
		L1: NewMemoryCache(l1Size),
		L2: NewMemoryCache(l2Size),
	}
}

// Get retrieves a value from the multi-level cache
func (mlc *MultiLevelCache) Get(key string) (interface{}, bool) {
	if value, found := mlc.L1.Get(key); found {
		mlc.hits.Add(1)
		return value, true
	}

	if value, expiresAt, found := mlc.L2.getWithExpiry(key); found {
		// Promote to L1 for the rest of the entry's lifetime
		if ttl := time.Until(expiresAt); ttl > 0 {
			mlc.L1.Set(key, value, ttl)
		}
		mlc.hits.Add(1)
		return value, true
	}

	mlc.misses.Add(1)
	return nil, false
}

// Set stores a value in both cache levels
func (mlc *MultiLevelCache) Set(key string, value interface{}, ttl time.Duration) {
	mlc.L1.Set(key, value, ttl)
	mlc.L2.Set(key, value, ttl)
}

// Add stores a value in both levels unless L2 already holds a live entry
func (mlc *MultiLevelCache) Add(key string, value interface{}, ttl time.Duration) bool {
	if !mlc.L2.Add(key, value, ttl) {
		return false
	}
	mlc.L1.Set(key, value, ttl)
	return true
}

// Delete removes a key from both cache levels
func (mlc *MultiLevelCache) Delete(key string) {
	mlc.L1.Delete(key)
	mlc.L2.Delete(key)
}

// Clear clears both cache levels
func (mlc *MultiLevelCache) Clear() {
	mlc.L1.Clear()
	mlc.L2.Clear()
}

// GetStats returns combined statistics. Size counts each live key once even
// when both levels hold it.
func (mlc *MultiLevelCache) GetStats() Stats {
	l1Stats := mlc.L1.GetStats()
	l2Stats := mlc.L2.GetStats()

	distinct := make(map[string]struct{}, l2Stats.Size)
	for _, key := range mlc.L2.liveKeys() {
		distinct[key] = struct{}{}
	}
	for _, key := range mlc.L1.liveKeys() {
		distinct[key] = struct{}{}
	}

	stats := Stats{
		Hits:      mlc.hits.Load(),
		Misses:    mlc.misses.Load(),
		Evictions: l1Stats.Evictions + l2Stats.Evictions,
		Size:      len(distinct),
		MaxSize:   l1Stats.MaxSize + l2Stats.MaxSize,
	}
	if total := stats.Hits + stats.Misses; total > 0 {
		stats.HitRate = float64(stats.Hits) / float64(total)
	}
	return stats
}

// Close closes both cache levels
func (mlc *MultiLevelCache) Close() {
	mlc.L1.Close()
	mlc.L2.Close()
}

// isEmpty reports whether v is a zero value or an empty collection, which
// are never worth caching
func isEmpty(v interface{}) bool {
	if v == nil {
		return true
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Slice, reflect.Map, reflect.String, reflect.Array:
		return rv.Len() == 0
	case reflect.Ptr, reflect.Interface:
		return rv.IsNil()
	default:
		return rv.IsZero()
	}
}
