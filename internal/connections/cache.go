// Package connections holds authenticated downstream clients (Odoo, Drive)
// keyed by (user, tenant, kind), with TTL eviction and a connectivity probe
// on construction.
package connections

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/pinnokio/backend/internal/mandate"
)

// DefaultTTL is how long a cached client stays usable before the next Get
// rebuilds it.
const DefaultTTL = 30 * time.Minute

// Client is the minimal surface the cache needs from a downstream client.
// Probe must be a cheap authenticated call; Close must release sockets.
type Client interface {
	Probe(ctx context.Context) error
	Close() error
}

// Builder constructs and probes a client for one key. It runs outside the
// cache lock, guarded by single-flight.
type Builder func(ctx context.Context, userID, tenantID string, kind mandate.Kind) (Client, error)

type entry struct {
	client    Client
	createdAt time.Time
}

// Cache is the per-process connection cache. Entries are immutable once
// inserted; re-insertion replaces the whole entry under the write lock. The
// lock is never held across I/O.
type Cache struct {
	build Builder
	ttl   time.Duration
	now   func() time.Time

	mu      sync.RWMutex
	entries map[string]entry

	flight singleflight.Group
}

// NewCache builds a cache with the given builder and TTL (DefaultTTL if 0).
func NewCache(build Builder, ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Cache{
		build:   build,
		ttl:     ttl,
		now:     time.Now,
		entries: make(map[string]entry),
	}
}

func cacheKey(userID, tenantID string, kind mandate.Kind) string {
	return userID + "|" + tenantID + "|" + string(kind)
}

// Get returns a live authenticated client. On miss it builds one (at most one
// construction per key at a time; concurrent losers receive the winner's
// client). Construction failures are returned without caching. Stale entries
// are swept after the lookup resolves.
func (c *Cache) Get(ctx context.Context, userID, tenantID string, kind mandate.Kind) (Client, error) {
	defer c.sweep()

	key := cacheKey(userID, tenantID, kind)

	if cl, ok := c.lookup(key); ok {
		return cl, nil
	}

	v, err, _ := c.flight.Do(key, func() (interface{}, error) {
		// Re-check: a concurrent winner may have inserted while we queued.
		if cl, ok := c.lookup(key); ok {
			return cl, nil
		}

		// Drop any expired entry before building its replacement.
		c.mu.Lock()
		if e, ok := c.entries[key]; ok {
			delete(c.entries, key)
			c.mu.Unlock()
			closeClient(key, e.client)
		} else {
			c.mu.Unlock()
		}

		cl, err := c.build(ctx, userID, tenantID, kind)
		if err != nil {
			return nil, err
		}

		c.mu.Lock()
		c.entries[key] = entry{client: cl, createdAt: c.now()}
		c.mu.Unlock()
		slog.Info("[Connections] Client built", "key", key)
		return cl, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(Client), nil
}

// lookup returns a cached, unexpired client.
func (c *Cache) lookup(key string) (Client, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[key]
	if !ok || c.now().Sub(e.createdAt) >= c.ttl {
		return nil, false
	}
	return e.client, true
}

// Invalidate removes and closes one entry.
func (c *Cache) Invalidate(userID, tenantID string, kind mandate.Kind) {
	key := cacheKey(userID, tenantID, kind)
	c.mu.Lock()
	e, ok := c.entries[key]
	if ok {
		delete(c.entries, key)
	}
	c.mu.Unlock()
	if ok {
		closeClient(key, e.client)
	}
}

// Clear removes and closes every entry.
func (c *Cache) Clear() {
	c.mu.Lock()
	old := c.entries
	c.entries = make(map[string]entry)
	c.mu.Unlock()

	for key, e := range old {
		closeClient(key, e.client)
	}
}

// Size returns the number of live entries.
func (c *Cache) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// sweep evicts entries older than the TTL. Removal happens under the write
// lock; the close hook runs outside it. An entry is only ever removed once,
// so its close hook fires exactly once.
func (c *Cache) sweep() {
	now := c.now()

	c.mu.Lock()
	var stale []struct {
		key string
		e   entry
	}
	for key, e := range c.entries {
		if now.Sub(e.createdAt) >= c.ttl {
			stale = append(stale, struct {
				key string
				e   entry
			}{key, e})
			delete(c.entries, key)
		}
	}
	c.mu.Unlock()

	for _, s := range stale {
		closeClient(s.key, s.e.client)
	}
}

func closeClient(key string, cl Client) {
	if err := cl.Close(); err != nil {
		slog.Warn("[Connections] Close failed", "key", key, "error", err)
	}
}
