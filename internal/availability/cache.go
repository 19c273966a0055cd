// Package availability implements the Provider Availability Cache: a
// process-wide, TTL-bounded map consulted by every endpoint handler and WS
// upgrader before routing to a provider, with refreshes de-duplicated via
// golang.org/x/sync/singleflight so a stampede of concurrent requests after
// expiry triggers exactly one health probe.
package availability

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// Status is the cached health record for one provider.
type Status struct {
	Available         bool
	Reason            string
	SupportsStreaming bool
	SupportsBatch     bool
}

// Prober checks one provider's current health. Implementations typically
// wrap adapter.Adapter.SupportsStreaming/SupportsBatch plus a lightweight
// reachability check (e.g. a cheap authenticated request).
type Prober func(ctx context.Context, providerID string) Status

// Cache is safe for concurrent Get/Refresh/Invalidate calls.
type Cache struct {
	refreshTTL time.Duration
	prober     Prober

	mu      sync.RWMutex
	entries map[string]cacheEntry

	group singleflight.Group
}

type cacheEntry struct {
	status    Status
	expiresAt time.Time
}

// New builds a Cache with the given refresh TTL and Prober.
func New(refreshTTL time.Duration, prober Prober) *Cache {
	return &Cache{
		refreshTTL: refreshTTL,
		prober:     prober,
		entries:    make(map[string]cacheEntry),
	}
}

// Get returns the cached Status for providerID, refreshing it first if the
// entry is missing or expired. Concurrent Get calls for the same providerID
// during a refresh share a single Prober invocation.
func (c *Cache) Get(ctx context.Context, providerID string) Status {
	c.mu.RLock()
	entry, ok := c.entries[providerID]
	c.mu.RUnlock()
	if ok && time.Now().Before(entry.expiresAt) {
		return entry.status
	}
	return c.refresh(ctx, providerID)
}

func (c *Cache) refresh(ctx context.Context, providerID string) Status {
	v, _, _ := c.group.Do(providerID, func() (interface{}, error) {
		status := c.prober(ctx, providerID)
		c.mu.Lock()
		c.entries[providerID] = cacheEntry{status: status, expiresAt: time.Now().Add(c.refreshTTL)}
		c.mu.Unlock()
		return status, nil
	})
	return v.(Status)
}

// Invalidate drops providerID's cached entry, forcing the next Get to probe.
// Used by the refresh endpoint.
func (c *Cache) Invalidate(providerID string) {
	c.mu.Lock()
	delete(c.entries, providerID)
	c.mu.Unlock()
}

// InvalidateAll drops every cached entry.
func (c *Cache) InvalidateAll() {
	c.mu.Lock()
	c.entries = make(map[string]cacheEntry)
	c.mu.Unlock()
}

// Snapshot returns a copy of every currently cached providerID -> Status,
// without forcing a refresh of expired entries.
func (c *Cache) Snapshot() map[string]Status {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]Status, len(c.entries))
	for id, e := range c.entries {
		out[id] = e.status
	}
	return out
}
