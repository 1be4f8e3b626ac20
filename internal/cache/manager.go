// Package cache implements the namespaced Redis cache that fronts the slow
// backends (HR Postgres, Odoo, Drive, LLM reference data).
//
// Key discipline: the only allowed key shape is
//
//	cache:{user}:{tenant}:{family}:{subkey}
//
// The subkey may embed colons for entity ids; the first four segments are
// fixed. Every operation degrades gracefully: a Redis transport error reads
// as a miss and writes as a no-op, and the caller proceeds against the
// underlying store.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	keyPrefix = "cache"

	scanCount    = 100
	deleteBatch  = 1000
	redisTimeout = 5 * time.Second
)

// Envelope is the exact value shape stored under every cache key.
type Envelope struct {
	Data       json.RawMessage `json:"data"`
	CachedAt   string          `json:"cached_at"`
	TTLSeconds int             `json:"ttl_seconds"`
	Source     string          `json:"source"`
}

// Stats summarizes one (user, tenant) cache slice.
type Stats struct {
	Count          int            `json:"count"`
	Bytes          int64          `json:"bytes"`
	Oldest         string         `json:"oldest,omitempty"`
	Newest         string         `json:"newest,omitempty"`
	PerFamilyCount map[string]int `json:"per_family_count"`
}

// Manager is the cache-through layer. Safe for concurrent use; go-redis
// clients are thread-safe by construction.
type Manager struct {
	rdb *redis.Client
	now func() time.Time
}

// NewManager wraps an existing Redis client.
func NewManager(rdb *redis.Client) *Manager {
	return &Manager{rdb: rdb, now: time.Now}
}

// Key builds the canonical cache key.
func Key(user, tenant string, family Family, subkey string) string {
	return strings.Join([]string{keyPrefix, user, tenant, string(family), subkey}, ":")
}

// Get reads one entry. The second return is false on miss, on transport
// error, and on an empty-data entry (which is deleted as a side effect: a
// previous write of an empty result must never be served as a hit).
func (m *Manager) Get(ctx context.Context, user, tenant string, family Family, subkey string) (*Envelope, bool) {
	ctx, cancel := context.WithTimeout(ctx, redisTimeout)
	defer cancel()

	key := Key(user, tenant, family, subkey)
	raw, err := m.rdb.Get(ctx, key).Bytes()
	if err == redis.Nil {
		misses.WithLabelValues(string(family)).Inc()
		return nil, false
	}
	if err != nil {
		transportErrors.WithLabelValues("get").Inc()
		slog.Warn("[Cache] Get degraded to miss", "key", key, "error", err)
		misses.WithLabelValues(string(family)).Inc()
		return nil, false
	}

	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		// Not our envelope: drop it rather than serve garbage.
		m.rdb.Del(ctx, key)
		misses.WithLabelValues(string(family)).Inc()
		return nil, false
	}

	if isEmptyData(env.Data) {
		emptyRejected.WithLabelValues(string(family)).Inc()
		m.rdb.Del(ctx, key)
		misses.WithLabelValues(string(family)).Inc()
		return nil, false
	}

	hits.WithLabelValues(string(family)).Inc()
	return &env, true
}

// Set writes one entry with the given TTL (value and TTL set atomically).
// Empty data is refused: callers must not cache empty lists or objects.
// Returns false on refusal or transport error.
func (m *Manager) Set(ctx context.Context, user, tenant string, family Family, subkey string, data interface{}, source string, ttl time.Duration) bool {
	raw, err := json.Marshal(data)
	if err != nil {
		slog.Warn("[Cache] Set refused unmarshalable data", "family", family, "subkey", subkey, "error", err)
		return false
	}
	if isEmptyData(raw) {
		return false
	}

	env := Envelope{
		Data:       raw,
		CachedAt:   m.now().UTC().Format(time.RFC3339),
		TTLSeconds: int(ttl / time.Second),
		Source:     source,
	}
	payload, err := json.Marshal(env)
	if err != nil {
		return false
	}

	ctx, cancel := context.WithTimeout(ctx, redisTimeout)
	defer cancel()

	key := Key(user, tenant, family, subkey)
	if err := m.rdb.Set(ctx, key, payload, ttl).Err(); err != nil {
		transportErrors.WithLabelValues("set").Inc()
		slog.Warn("[Cache] Set failed", "key", key, "error", err)
		return false
	}
	return true
}

// Invalidate removes one exact key. Returns false on transport error.
func (m *Manager) Invalidate(ctx context.Context, user, tenant string, family Family, subkey string) bool {
	ctx, cancel := context.WithTimeout(ctx, redisTimeout)
	defer cancel()

	key := Key(user, tenant, family, subkey)
	if err := m.rdb.Del(ctx, key).Err(); err != nil {
		transportErrors.WithLabelValues("del").Inc()
		slog.Warn("[Cache] Invalidate failed", "key", key, "error", err)
		return false
	}
	invalidations.WithLabelValues(string(family)).Inc()
	return true
}

// InvalidateFamily removes every key under one (user, tenant, family) by
// cursor scan — never a blocking KEYS. Deletes run in batches. Returns the
// number of keys removed.
func (m *Manager) InvalidateFamily(ctx context.Context, user, tenant string, family Family) int {
	pattern := Key(user, tenant, family, "*")
	deleted := 0
	batch := make([]string, 0, deleteBatch)

	flush := func() {
		if len(batch) == 0 {
			return
		}
		dctx, cancel := context.WithTimeout(ctx, redisTimeout)
		defer cancel()
		if err := m.rdb.Del(dctx, batch...).Err(); err != nil {
			transportErrors.WithLabelValues("del").Inc()
			slog.Warn("[Cache] Batched delete failed", "pattern", pattern, "error", err)
			// Drop the failed batch: retrying it on the next flush would
			// grow past the batch bound and inflate the count.
			batch = batch[:0]
			return
		}
		deleted += len(batch)
		batch = batch[:0]
	}

	var cursor uint64
	for {
		sctx, cancel := context.WithTimeout(ctx, redisTimeout)
		keys, next, err := m.rdb.Scan(sctx, cursor, pattern, scanCount).Result()
		cancel()
		if err != nil {
			transportErrors.WithLabelValues("scan").Inc()
			slog.Warn("[Cache] Scan failed", "pattern", pattern, "error", err)
			break
		}
		for _, k := range keys {
			batch = append(batch, k)
			if len(batch) >= deleteBatch {
				flush()
			}
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	flush()

	invalidations.WithLabelValues(string(family)).Add(float64(deleted))
	return deleted
}

// Stats walks one (user, tenant) slice with SCAN and aggregates counts,
// payload bytes and the cached_at range.
func (m *Manager) Stats(ctx context.Context, user, tenant string) (*Stats, error) {
	pattern := strings.Join([]string{keyPrefix, user, tenant, "*"}, ":")
	stats := &Stats{PerFamilyCount: make(map[string]int)}
	var oldest, newest time.Time

	var cursor uint64
	for {
		sctx, cancel := context.WithTimeout(ctx, redisTimeout)
		keys, next, err := m.rdb.Scan(sctx, cursor, pattern, scanCount).Result()
		cancel()
		if err != nil {
			return nil, fmt.Errorf("cache stats scan: %w", err)
		}

		if len(keys) > 0 {
			pctx, pcancel := context.WithTimeout(ctx, redisTimeout)
			pipe := m.rdb.Pipeline()
			lenCmds := make([]*redis.IntCmd, len(keys))
			getCmds := make([]*redis.StringCmd, len(keys))
			for i, k := range keys {
				lenCmds[i] = pipe.StrLen(pctx, k)
				getCmds[i] = pipe.Get(pctx, k)
			}
			_, _ = pipe.Exec(pctx)
			pcancel()

			for i, k := range keys {
				stats.Count++
				if family := keySegment(k, 3); family != "" {
					stats.PerFamilyCount[family]++
				}
				if n, err := lenCmds[i].Result(); err == nil {
					stats.Bytes += n
				}
				raw, err := getCmds[i].Bytes()
				if err != nil {
					continue
				}
				var env Envelope
				if json.Unmarshal(raw, &env) != nil {
					continue
				}
				if t, err := time.Parse(time.RFC3339, env.CachedAt); err == nil {
					if oldest.IsZero() || t.Before(oldest) {
						oldest = t
					}
					if newest.IsZero() || t.After(newest) {
						newest = t
					}
				}
			}
		}

		cursor = next
		if cursor == 0 {
			break
		}
	}

	if !oldest.IsZero() {
		stats.Oldest = oldest.Format(time.RFC3339)
	}
	if !newest.IsZero() {
		stats.Newest = newest.Format(time.RFC3339)
	}
	return stats, nil
}

// isEmptyData reports whether raw JSON is null, [], or {}.
func isEmptyData(raw json.RawMessage) bool {
	switch strings.TrimSpace(string(raw)) {
	case "", "null", "[]", "{}":
		return true
	}
	return false
}

// keySegment returns the nth colon-separated segment of a key, or "".
func keySegment(key string, n int) string {
	parts := strings.SplitN(key, ":", 5)
	if n < len(parts) {
		return parts[n]
	}
	return ""
}
