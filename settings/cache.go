package settings

import (
	"context"
	"sync"
	"time"
)

// Cache is an explicit read-through cache over the settings store. Each key
// carries its own last-refresh time; stale keys are refreshed together from
// one Values call. The cache is constructed once at process start and passed
// by reference, never held as package-level state.
type Cache struct {
	kv  KV
	ttl time.Duration
	now func() time.Time

	mu      sync.Mutex
	entries map[string]cacheEntry
	loaded  bool
}

type cacheEntry struct {
	value       string
	lastRefresh time.Time
}

// NewCache wraps the settings store with a TTL of ttl per key. A zero ttl
// disables caching (every read hits the store).
func NewCache(kv KV, ttl time.Duration) *Cache {
	return &Cache{
		kv:      kv,
		ttl:     ttl,
		now:     time.Now,
		entries: make(map[string]cacheEntry),
	}
}

// Values returns the current settings map, refreshing from the store when
// any cached key is older than the TTL.
func (c *Cache) Values(ctx context.Context) (map[string]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.loaded || c.ttl <= 0 || c.anyStaleLocked() {
		if err := c.refreshLocked(ctx); err != nil {
			return nil, err
		}
	}

	out := make(map[string]string, len(c.entries))
	for k, e := range c.entries {
		out[k] = e.value
	}
	return out, nil
}

// Set writes through to the store and updates the cached entry in place.
func (c *Cache) Set(ctx context.Context, key, value string) error {
	if err := c.kv.Set(ctx, key, value); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = cacheEntry{value: value, lastRefresh: c.now()}
	return nil
}

// Invalidate forces the next read to hit the store.
func (c *Cache) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.loaded = false
}

func (c *Cache) anyStaleLocked() bool {
	cutoff := c.now().Add(-c.ttl)
	for _, e := range c.entries {
		if e.lastRefresh.Before(cutoff) {
			return true
		}
	}
	return false
}

func (c *Cache) refreshLocked(ctx context.Context) error {
	values, err := c.kv.Values(ctx)
	if err != nil {
		return err
	}
	now := c.now()
	fresh := make(map[string]cacheEntry, len(values))
	for k, v := range values {
		fresh[k] = cacheEntry{value: v, lastRefresh: now}
	}
	c.entries = fresh
	c.loaded = true
	return nil
}

// MemoryKV is an in-process settings store for tests and dev mode.
type MemoryKV struct {
	mu     sync.RWMutex
	values map[string]string
}

func NewMemoryKV(initial map[string]string) *MemoryKV {
	values := make(map[string]string, len(initial))
	for k, v := range initial {
		values[k] = v
	}
	return &MemoryKV{values: values}
}

func (m *MemoryKV) Values(_ context.Context) (map[string]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]string, len(m.values))
	for k, v := range m.values {
		out[k] = v
	}
	return out, nil
}

func (m *MemoryKV) Set(_ context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[key] = value
	return nil
}
