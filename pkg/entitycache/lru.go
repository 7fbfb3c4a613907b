// Package entitycache provides rescache.EntityCache implementations: an
// in-memory, TTL-aware LRU for single-process use, and a Redis-backed
// cache for sharing entries across processes.
package entitycache

import (
	"container/list"
	"context"
	"sync"
	"time"

	"github.com/vitaliisemenov/rescache"
)

// LRU is a bounded, TTL-aware, in-memory rescache.EntityCache. It adapts
// the alert-history service's production LRUCache (container/list backed,
// O(1) get/set/evict, per-reason eviction metrics) to store pipeline
// Entity values keyed by rescache.CacheKey instead of formatter output.
type LRU struct {
	capacity int
	ttl      time.Duration

	mu        sync.Mutex
	items     map[rescache.CacheKey]*list.Element
	evictList *list.List

	hits, misses, evictions int64
	evictionReasons         map[string]int64
}

type lruEntry struct {
	key       rescache.CacheKey
	entity    *rescache.Entity
	expiresAt time.Time
}

// NewLRU builds an LRU bounded to capacity entries. A zero ttl means
// entries never expire on their own (only LRU eviction reclaims them).
func NewLRU(capacity int, ttl time.Duration) *LRU {
	return &LRU{
		capacity:        capacity,
		ttl:             ttl,
		items:           make(map[rescache.CacheKey]*list.Element, capacity),
		evictList:       list.New(),
		evictionReasons: make(map[string]int64),
	}
}

// Read implements rescache.EntityCache.
func (c *LRU) Read(_ context.Context, key rescache.CacheKey) (*rescache.Entity, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.items[key]
	if !ok {
		c.misses++
		return nil, false, nil
	}
	entry := el.Value.(*lruEntry)
	if !entry.expiresAt.IsZero() && time.Now().After(entry.expiresAt) {
		c.removeElement(el, "ttl")
		c.misses++
		return nil, false, nil
	}
	c.evictList.MoveToFront(el)
	c.hits++
	return entry.entity, true, nil
}

// Write implements rescache.EntityCache.
func (c *LRU) Write(_ context.Context, key rescache.CacheKey, e *rescache.Entity) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var expiresAt time.Time
	if c.ttl > 0 {
		expiresAt = time.Now().Add(c.ttl)
	}

	if el, ok := c.items[key]; ok {
		c.evictList.MoveToFront(el)
		entry := el.Value.(*lruEntry)
		entry.entity = e
		entry.expiresAt = expiresAt
		return nil
	}

	if c.evictList.Len() >= c.capacity {
		c.evictOldest()
	}
	entry := &lruEntry{key: key, entity: e, expiresAt: expiresAt}
	c.items[key] = c.evictList.PushFront(entry)
	return nil
}

// Remove implements rescache.EntityCache.
func (c *LRU) Remove(_ context.Context, key rescache.CacheKey) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.items[key]; ok {
		c.removeElement(el, "manual")
	}
	return nil
}

func (c *LRU) evictOldest() {
	if el := c.evictList.Back(); el != nil {
		c.removeElement(el, "lru")
	}
}

func (c *LRU) removeElement(el *list.Element, reason string) {
	c.evictList.Remove(el)
	entry := el.Value.(*lruEntry)
	delete(c.items, entry.key)
	c.evictions++
	c.evictionReasons[reason]++
}

// Stats describes the LRU's hit/miss/eviction counters.
type Stats struct {
	Hits, Misses, Evictions int64
	Size, Capacity          int
	HitRate                 float64
}

// Stats returns a snapshot of the cache's counters.
func (c *LRU) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	total := c.hits + c.misses
	var hitRate float64
	if total > 0 {
		hitRate = float64(c.hits) / float64(total)
	}
	return Stats{
		Hits:      c.hits,
		Misses:    c.misses,
		Evictions: c.evictions,
		Size:      c.evictList.Len(),
		Capacity:  c.capacity,
		HitRate:   hitRate,
	}
}

// EvictionReasons returns a copy of the per-reason eviction counts.
func (c *LRU) EvictionReasons() map[string]int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]int64, len(c.evictionReasons))
	for k, v := range c.evictionReasons {
		out[k] = v
	}
	return out
}

// CleanupExpired sweeps and removes all TTL-expired entries, for a
// background janitor goroutine; it returns the number removed.
func (c *LRU) CleanupExpired() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := time.Now()
	removed := 0
	for el := c.evictList.Back(); el != nil; {
		entry := el.Value.(*lruEntry)
		prev := el.Prev()
		if !entry.expiresAt.IsZero() && now.After(entry.expiresAt) {
			c.removeElement(el, "ttl")
			removed++
		}
		el = prev
	}
	return removed
}
