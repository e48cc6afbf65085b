package analytics

import (
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	"golang.org/x/sync/singleflight"

	"github.com/alem-hub/roadmap-tracker/internal/domain/progress"
)

// DefaultCacheTTL is how long a computed bundle is served from cache.
const DefaultCacheTTL = 5 * time.Minute

// Cache memoizes bundles keyed by a digest of the options, the state
// revision and the number of paths. Entries expire lazily: an expired entry is dropped by the read that
// finds it, never by a background sweep.
type Cache struct {
	ttl     time.Duration
	now     func() time.Time
	mu      sync.Mutex
	entries map[uint64]cacheEntry
	group   singleflight.Group
	hits    atomic.Int64
	misses  atomic.Int64
}

type cacheEntry struct {
	bundle    Bundle
	expiresAt time.Time
}

// CacheStats is a point-in-time view of cache effectiveness.
type CacheStats struct {
	Entries int   `json:"entries"`
	Hits    int64 `json:"hits"`
	Misses  int64 `json:"misses"`
}

// NewCache creates a cache. A non-positive ttl uses DefaultCacheTTL; a nil
// clock uses time.Now.
func NewCache(ttl time.Duration, now func() time.Time) *Cache {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	if now == nil {
		now = time.Now
	}
	return &Cache{
		ttl:     ttl,
		now:     now,
		entries: make(map[uint64]cacheEntry),
	}
}

// Key digests the inputs a bundle is cached under. A bundle computed for one
// revision is never served for another, even when a compute for an older
// snapshot finishes after a Purge.
func Key(opts Options, revision uint64, pathCount int) uint64 {
	opts = opts.withDefaults()
	return xxhash.Sum64String(fmt.Sprintf("%d|%d|%s|%s|%d|%d",
		opts.MinActivitySeconds, opts.VelocityDays, opts.Granularity, opts.Location, revision, pathCount))
}

// Bundle returns the cached bundle for (opts, revision and path count of s),
// computing and storing it on a miss. Concurrent misses for one key compute
// once.
func (c *Cache) Bundle(s *progress.State, opts Options) Bundle {
	key := Key(opts, s.Revision, len(s.LearningPaths))
	now := c.now()

	c.mu.Lock()
	e, ok := c.entries[key]
	if ok && now.Before(e.expiresAt) {
		c.mu.Unlock()
		c.hits.Add(1)
		return e.bundle
	}
	if ok {
		delete(c.entries, key)
	}
	c.mu.Unlock()
	c.misses.Add(1)

	v, _, _ := c.group.Do(strconv.FormatUint(key, 16), func() (any, error) {
		b := Compute(s, opts, now)
		c.mu.Lock()
		c.entries[key] = cacheEntry{bundle: b, expiresAt: now.Add(c.ttl)}
		c.mu.Unlock()
		return b, nil
	})
	return v.(Bundle)
}

// Purge drops every entry.
func (c *Cache) Purge() {
	c.mu.Lock()
	clear(c.entries)
	c.mu.Unlock()
}

// Stats returns entry count and hit/miss counters.
func (c *Cache) Stats() CacheStats {
	c.mu.Lock()
	n := len(c.entries)
	c.mu.Unlock()
	return CacheStats{Entries: n, Hits: c.hits.Load(), Misses: c.misses.Load()}
}
