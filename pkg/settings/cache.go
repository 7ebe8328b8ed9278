// Package settings serves runtime policy values with a short TTL cache in
// front of the store, so per-call lookups never turn into per-call queries.
package settings

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/ykq007/mcp-tavily-bridge/pkg/logger"
	"github.com/ykq007/mcp-tavily-bridge/pkg/store"
)

const (
	// DefaultTTL is how long a cached value stays fresh.
	DefaultTTL = 5 * time.Second

	// minTTL is the floor applied to configured TTLs, and the retry TTL
	// used after a failed refresh.
	minTTL = 250 * time.Millisecond
)

type entry struct {
	value     string
	expiresAt time.Time
}

// Cache caches recognised settings with a TTL. Concurrent reads of a stale
// key share one store query; a failed refresh serves the last known value
// and retries shortly after.
type Cache struct {
	store     store.SettingsStore
	ttl       time.Duration
	fallbacks map[string]string

	mu      sync.Mutex
	entries map[string]entry
	group   singleflight.Group

	now func() time.Time
}

// New creates a settings cache. Fallbacks supply the value for keys absent
// from the store (typically the configured defaults).
func New(st store.SettingsStore, ttl time.Duration, fallbacks map[string]string) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if ttl < minTTL {
		ttl = minTTL
	}
	return &Cache{
		store:     st,
		ttl:       ttl,
		fallbacks: fallbacks,
		entries:   make(map[string]entry),
		now:       time.Now,
	}
}

// Get returns the current value for key, refreshing from the store when the
// cached value has expired.
func (c *Cache) Get(ctx context.Context, key string) string {
	c.mu.Lock()
	cached, ok := c.entries[key]
	now := c.now()
	c.mu.Unlock()

	if ok && now.Before(cached.expiresAt) {
		return cached.value
	}

	value, err, _ := c.group.Do(key, func() (any, error) {
		return c.refresh(ctx, key, cached, ok), nil
	})
	if err != nil {
		// The refresh closure never returns an error; keep the compiler
		// honest anyway.
		return c.fallbacks[key]
	}
	return value.(string)
}

// refresh queries the store and publishes the result. A missing row yields
// the fallback at full TTL; a failed query yields the last known value (or
// fallback) at the retry TTL.
func (c *Cache) refresh(ctx context.Context, key string, last entry, hadLast bool) string {
	value, err := c.store.GetSetting(ctx, key)
	ttl := c.ttl

	switch {
	case err == nil:
	case errors.Is(err, store.ErrNotFound):
		value = c.fallbacks[key]
	default:
		logger.Warnf("Settings refresh for %q failed, serving stale value: %v", key, err)
		if hadLast {
			value = last.value
		} else {
			value = c.fallbacks[key]
		}
		ttl = minTTL
	}

	c.mu.Lock()
	c.entries[key] = entry{value: value, expiresAt: c.now().Add(ttl)}
	c.mu.Unlock()
	return value
}

// Set writes through to the store and immediately overwrites the cache.
func (c *Cache) Set(ctx context.Context, key, value string) error {
	if err := c.store.SetSetting(ctx, key, value); err != nil {
		return err
	}
	c.mu.Lock()
	c.entries[key] = entry{value: value, expiresAt: c.now().Add(c.ttl)}
	c.mu.Unlock()
	return nil
}

// Invalidate drops a cached key so the next read hits the store.
func (c *Cache) Invalidate(key string) {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
}

// SelectionStrategy returns the key pool selection strategy.
func (c *Cache) SelectionStrategy(ctx context.Context) string {
	return c.Get(ctx, store.SettingSelectionStrategy)
}

// SourceMode returns the search source routing mode.
func (c *Cache) SourceMode(ctx context.Context) string {
	return c.Get(ctx, store.SettingSearchSourceMode)
}

// ResearchEnabled reports whether the research tool is exposed.
func (c *Cache) ResearchEnabled(ctx context.Context) bool {
	return c.Get(ctx, store.SettingResearchEnabled) == "true"
}

// SetClock overrides the cache's clock for tests.
func (c *Cache) SetClock(now func() time.Time) { c.now = now }
