// Package locks provides the two lock flavors the KB core uses:
// in-process named mutexes (per-alias projection serialization) and
// Redis-backed distributed locks (cross-worker dedup).
package locks

import (
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
)

// LockCache hands out one mutex per name, bounded by an LRU so that a
// long-running worker touching many aliases does not grow forever.
// Eviction of a held lock is harmless: the evicted mutex stays valid
// for its holder, and the next Get for that name starts a fresh one.
type LockCache struct {
	mu    sync.Mutex
	cache *lru.Cache[string, *sync.Mutex]
}

// DefaultLockCacheSize bounds the number of live named locks.
const DefaultLockCacheSize = 1000

// NewLockCache creates a lock cache with the given capacity
// (DefaultLockCacheSize if size <= 0).
func NewLockCache(size int) (*LockCache, error) {
	if size <= 0 {
		size = DefaultLockCacheSize
	}
	cache, err := lru.New[string, *sync.Mutex](size)
	if err != nil {
		return nil, err
	}
	return &LockCache{cache: cache}, nil
}

// Get returns the mutex for name, creating it if needed.
func (c *LockCache) Get(name string) *sync.Mutex {
	c.mu.Lock()
	defer c.mu.Unlock()

	if m, ok := c.cache.Get(name); ok {
		return m
	}
	m := &sync.Mutex{}
	c.cache.Add(name, m)
	return m
}

// Len returns the number of cached locks.
func (c *LockCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cache.Len()
}
