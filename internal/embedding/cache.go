package embedding

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/castellan/castellan/internal/events"
	"github.com/castellan/castellan/internal/storage"
)

// cacheEntry is the value stored in the LRU, tagged with the time it was
// written so a read can evict on TTL expiry.
type cacheEntry struct {
	Embedding events.Embedding `json:"embedding"`
	StoredAt  time.Time        `json:"stored_at"`
}

func (e cacheEntry) expired(ttl time.Duration) bool {
	return ttl > 0 && time.Since(e.StoredAt) > ttl
}

// Stats holds cache hit/miss counters, incremented atomically so they can
// be read safely from any number of concurrent pipeline workers.
type Stats struct {
	Hits   atomic.Int64
	Misses atomic.Int64
}

// Cache fronts an Embedder with a content-addressed, LRU-bounded, TTL-aware
// cache keyed by (provider, model, sha256(text)) via events.Fingerprint.
// Optional disk persistence survives a warm restart.
type Cache struct {
	inner    Embedder
	provider string
	model    string
	ttl      time.Duration
	lru      *lru.Cache[events.Fingerprint, cacheEntry]
	disk     storage.Backend // nil disables persistence
	stats    Stats
}

// NewCache wraps inner with an LRU cache of the given size and TTL. disk
// may be nil to disable warm-restart persistence.
func NewCache(inner Embedder, provider, model string, size int, ttl time.Duration, disk storage.Backend) (*Cache, error) {
	if size <= 0 {
		size = 50000
	}
	l, err := lru.New[events.Fingerprint, cacheEntry](size)
	if err != nil {
		return nil, err
	}
	return &Cache{inner: inner, provider: provider, model: model, ttl: ttl, lru: l, disk: disk}, nil
}

// Embed returns the cached embedding for text if present and unexpired,
// otherwise computes it via the inner Embedder and stores the result
// (skipping the empty-vector sentinel, which must never be cached or
// persisted).
func (c *Cache) Embed(ctx context.Context, text string) (events.Embedding, error) {
	fp := events.NewFingerprint(c.provider, c.model, text)

	if entry, ok := c.lru.Get(fp); ok && !entry.expired(c.ttl) {
		c.stats.Hits.Add(1)
		return entry.Embedding, nil
	}

	if c.disk != nil {
		if data, err := c.disk.Get(ctx, string(fp)); err == nil {
			var entry cacheEntry
			if json.Unmarshal(data, &entry) == nil && !entry.expired(c.ttl) {
				c.lru.Add(fp, entry)
				c.stats.Hits.Add(1)
				return entry.Embedding, nil
			}
		}
	}

	c.stats.Misses.Add(1)
	vec, err := c.inner.Embed(ctx, text)
	if err != nil {
		return nil, err
	}
	if vec.Empty() {
		return vec, nil
	}

	entry := cacheEntry{Embedding: vec, StoredAt: time.Now()}
	c.lru.Add(fp, entry)
	if c.disk != nil {
		if data, err := json.Marshal(entry); err == nil {
			_ = c.disk.Put(ctx, string(fp), data)
		}
	}

	return vec, nil
}

// HitRate returns the fraction of Embed calls served from cache.
func (c *Cache) HitRate() float64 {
	hits := c.stats.Hits.Load()
	misses := c.stats.Misses.Load()
	total := hits + misses
	if total == 0 {
		return 0
	}
	return float64(hits) / float64(total)
}

var _ Embedder = (*Cache)(nil)
