package rescache

import (
	"context"
	"sync"
)

// memCache is a minimal in-process EntityCache used by pipeline and
// resource tests that need a real read/write round trip without pulling
// in the pkg/entitycache implementations.
type memCache struct {
	mu   sync.Mutex
	data map[CacheKey]*Entity
}

func newMemCache() *memCache {
	return &memCache{data: make(map[CacheKey]*Entity)}
}

func (c *memCache) Read(ctx context.Context, key CacheKey) (*Entity, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.data[key]
	return e, ok, nil
}

func (c *memCache) Write(ctx context.Context, key CacheKey, e *Entity) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data[key] = e
	return nil
}

func (c *memCache) Remove(ctx context.Context, key CacheKey) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.data, key)
	return nil
}

func (c *memCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.data)
}
