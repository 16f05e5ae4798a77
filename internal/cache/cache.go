// Package cache implements the in-memory TTL+LRU store for fetched
// FeatureCollections, including the revalidation metadata used to build
// conditional requests.
package cache

import (
	"errors"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/veltmap/livedata/internal/geojson"
)

const (
	DefaultMaxSize = 64
	DefaultTTL     = 5 * time.Minute
)

// Entry is one cached payload. TTL == 0 means the cache default applies.
type Entry struct {
	Payload      *geojson.FeatureCollection
	StoredAt     time.Time
	TTL          time.Duration
	ETag         string
	LastModified string
}

type Stats struct {
	Hits   uint64
	Misses uint64
	Size   int
}

type Config struct {
	MaxSize    int
	DefaultTTL time.Duration
	// Revalidate controls whether ConditionalHeaders produces anything.
	Revalidate bool
}

type Cache struct {
	mu     sync.Mutex
	lru    *lru.Cache[string, *Entry]
	cfg    Config
	hits   uint64
	misses uint64

	now func() time.Time // for tests
}

func New(cfg Config) (*Cache, error) {
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = DefaultMaxSize
	}
	if cfg.DefaultTTL <= 0 {
		cfg.DefaultTTL = DefaultTTL
	}
	l, err := lru.New[string, *Entry](cfg.MaxSize)
	if err != nil {
		return nil, errors.New("cache: bad max size")
	}
	return &Cache{lru: l, cfg: cfg, now: time.Now}, nil
}

func (c *Cache) ttl(e *Entry) time.Duration {
	if e.TTL > 0 {
		return e.TTL
	}
	return c.cfg.DefaultTTL
}

func (c *Cache) fresh(e *Entry, now time.Time) bool {
	return now.Sub(e.StoredAt) <= c.ttl(e)
}

// Get returns the entry iff present and fresh, promoting the key to
// most-recently-used and recording a hit. A present-but-stale entry is
// deleted and recorded as a miss.
func (c *Cache) Get(key string) (*Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.lru.Peek(key)
	if !ok {
		c.misses++
		return nil, false
	}
	if !c.fresh(e, c.now()) {
		c.lru.Remove(key)
		c.misses++
		return nil, false
	}
	c.lru.Get(key) // promote
	c.hits++
	return e, true
}

// Lookup is the fetcher's cache probe. A fresh entry is promoted and
// counted as a hit. A stale entry counts as a miss but is retained so its
// validators can drive a conditional refetch; it is replaced or evicted,
// never served.
func (c *Cache) Lookup(key string) (*Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.lru.Peek(key)
	if !ok || !c.fresh(e, c.now()) {
		c.misses++
		return nil, false
	}
	c.lru.Get(key) // promote
	c.hits++
	return e, true
}

// Has reports raw presence. It does not check freshness and does not
// touch statistics or access order.
func (c *Cache) Has(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Contains(key)
}

// Set inserts or replaces the entry, evicting least-recently-used keys as
// needed. The key becomes most-recently-used.
func (c *Cache) Set(key string, e *Entry) {
	if e == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if e.StoredAt.IsZero() {
		e.StoredAt = c.now()
	}
	c.lru.Add(key, e)
}

func (c *Cache) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lru.Remove(key)
}

// Clear drops every entry and resets statistics.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lru.Purge()
	c.hits, c.misses = 0, 0
}

// Prune deletes every expired entry and returns the count removed.
func (c *Cache) Prune() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	removed := 0
	for _, k := range c.lru.Keys() {
		if e, ok := c.lru.Peek(k); ok && !c.fresh(e, now) {
			c.lru.Remove(k)
			removed++
		}
	}
	return removed
}

// Touch promotes the key to most-recently-used if present.
func (c *Cache) Touch(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lru.Get(key)
}

// ConditionalHeaders returns the If-None-Match / If-Modified-Since pair
// for the key's stored metadata. Empty when revalidation is disabled or
// the entry is absent or stale.
func (c *Cache) ConditionalHeaders(key string) map[string]string {
	c.mu.Lock()
	defer c.mu.Unlock()

	h := map[string]string{}
	if !c.cfg.Revalidate {
		return h
	}
	e, ok := c.lru.Peek(key)
	if !ok || !c.fresh(e, c.now()) {
		return h
	}
	if e.ETag != "" {
		h["If-None-Match"] = e.ETag
	}
	if e.LastModified != "" {
		h["If-Modified-Since"] = e.LastModified
	}
	return h
}

// RevalidationHeaders is like ConditionalHeaders but ignores freshness:
// a stale entry's validators are still usable for a conditional refetch.
func (c *Cache) RevalidationHeaders(key string) map[string]string {
	c.mu.Lock()
	defer c.mu.Unlock()

	h := map[string]string{}
	if !c.cfg.Revalidate {
		return h
	}
	e, ok := c.lru.Peek(key)
	if !ok {
		return h
	}
	if e.ETag != "" {
		h["If-None-Match"] = e.ETag
	}
	if e.LastModified != "" {
		h["If-Modified-Since"] = e.LastModified
	}
	return h
}

// Peek returns the entry regardless of freshness without promoting it or
// touching statistics. Used to revive a payload after a 304.
func (c *Cache) Peek(key string) (*Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Peek(key)
}

func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{Hits: c.hits, Misses: c.misses, Size: c.lru.Len()}
}

// HitRate reports hits/(hits+misses) as a rounded percentage, 0 when no
// lookups have happened.
func (c *Cache) HitRate() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	total := c.hits + c.misses
	if total == 0 {
		return 0
	}
	return int((float64(c.hits)/float64(total))*100 + 0.5)
}
