// Package cache provides the evictable in-memory store for per-identity
// wallet data: TTL expiry, access bookkeeping, tag-based group invalidation
// and a pluggable eviction strategy, with a periodic amortized sweep for
// entries that expire without being read.
package cache

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/walletkit/identity-cache/telemetry"
)

const (
	// DefaultMaxEntries is the entry limit when none is configured.
	DefaultMaxEntries = 1000

	// DefaultTTL is the per-entry TTL when none is configured.
	DefaultTTL = 5 * time.Minute

	// evictDivisor controls how much of the cache one eviction run removes:
	// limit/evictDivisor entries (~10%), at least one.
	evictDivisor = 10

	// topAccessedCount is how many keys Stats reports as most accessed.
	topAccessedCount = 5
)

// Config holds cache configuration.
type Config struct {
	// MaxEntries is the entry limit. Exceeding it at the end of a Set
	// triggers synchronous eviction. Default: DefaultMaxEntries.
	MaxEntries int

	// TTL is the time-to-live applied when Set is called without an explicit
	// TTL. Default: DefaultTTL.
	TTL time.Duration

	// Strategy selects eviction victims. Default: LRU.
	Strategy Strategy

	// Logger for eviction events.
	Logger *slog.Logger

	// Telemetry receives cache metrics. Optional.
	Telemetry *telemetry.Telemetry
}

type entry[V any] struct {
	value        V
	createdAt    time.Time
	ttl          time.Duration
	accessCount  uint64
	lastAccessed time.Time
	tags         []string
	sizeBytes    int64
	seq          uint64
}

func (e *entry[V]) expiredAt(now time.Time) bool {
	return now.Sub(e.createdAt) >= e.ttl
}

// Cache is a keyed in-memory store with per-entry TTL, tag invalidation and
// bounded size. All methods are safe for concurrent use; eviction runs
// synchronously within the Set that crosses the entry limit.
type Cache[V any] struct {
	mu      sync.Mutex
	config  Config
	entries map[string]*entry[V]
	tagged  map[string]map[string]struct{} // tag -> keys

	seq        uint64
	totalBytes int64

	// Lifetime counters. Stats hit/miss rates are computed over the cache's
	// whole lifetime, not a window.
	hits      uint64
	misses    uint64
	evictions uint64
	expired   uint64

	now    func() time.Time
	logger *slog.Logger
	tel    *telemetry.Telemetry
}

// New creates a cache with the given configuration.
func New[V any](cfg Config) *Cache[V] {
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = DefaultMaxEntries
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.Strategy == nil {
		cfg.Strategy = LRU{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Cache[V]{
		config:  cfg,
		entries: make(map[string]*entry[V]),
		tagged:  make(map[string]map[string]struct{}),
		now:     time.Now,
		logger:  cfg.Logger,
		tel:     cfg.Telemetry,
	}
}

// Set stores a value under key with the default TTL and no tags.
func (c *Cache[V]) Set(ctx context.Context, key string, value V) {
	c.SetTTL(ctx, key, value, 0)
}

// SetTTL stores a value under key. A non-positive ttl means the configured
// default. Any prior entry for the key is overwritten unconditionally
// (last-writer-wins). If the insert pushes the cache past its entry limit,
// eviction runs before SetTTL returns.
func (c *Cache[V]) SetTTL(ctx context.Context, key string, value V, ttl time.Duration, tags ...string) {
	if ttl <= 0 {
		ttl = c.config.TTL
	}
	size := estimateSize(value)

	c.mu.Lock()
	defer c.mu.Unlock()

	if prev, ok := c.entries[key]; ok {
		c.dropLocked(key, prev)
	}

	now := c.now()
	c.seq++
	e := &entry[V]{
		value:        value,
		createdAt:    now,
		ttl:          ttl,
		lastAccessed: now,
		tags:         tags,
		sizeBytes:    size,
		seq:          c.seq,
	}
	c.entries[key] = e
	c.totalBytes += size
	for _, tag := range tags {
		keys, ok := c.tagged[tag]
		if !ok {
			keys = make(map[string]struct{})
			c.tagged[tag] = keys
		}
		keys[key] = struct{}{}
	}

	if len(c.entries) > c.config.MaxEntries {
		c.evictLocked(ctx)
	}
	c.tel.RecordCacheSize(ctx, len(c.entries), c.totalBytes)
}

// Get returns the value for key if present and not expired. An expired entry
// is treated as absent and removed, even if the sweep has not reached it yet.
// Successful reads update the entry's access bookkeeping.
func (c *Cache[V]) Get(ctx context.Context, key string) (V, bool) {
	var zero V

	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		c.misses++
		c.tel.RecordCacheOp(ctx, "miss")
		return zero, false
	}

	if e.expiredAt(c.now()) {
		c.dropLocked(key, e)
		c.expired++
		c.misses++
		c.tel.RecordCacheOp(ctx, "expired")
		c.tel.RecordExpiries(ctx, 1)
		return zero, false
	}

	e.accessCount++
	e.lastAccessed = c.now()
	c.hits++
	c.tel.RecordCacheOp(ctx, "hit")
	return e.value, true
}

// Delete removes a key. Idempotent.
func (c *Cache[V]) Delete(ctx context.Context, key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.entries[key]; ok {
		c.dropLocked(key, e)
	}
	c.tel.RecordCacheSize(ctx, len(c.entries), c.totalBytes)
}

// InvalidateByTag removes every entry whose tag set contains tag and returns
// the number removed. Entries without the tag are untouched.
func (c *Cache[V]) InvalidateByTag(ctx context.Context, tag string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	keys, ok := c.tagged[tag]
	if !ok {
		return 0
	}

	count := 0
	for key := range keys {
		if e, ok := c.entries[key]; ok {
			c.dropLocked(key, e)
			count++
		}
	}

	c.logger.Debug("invalidated by tag", "tag", tag, "count", count)
	c.tel.RecordCacheSize(ctx, len(c.entries), c.totalBytes)
	return count
}

// Clear removes all entries. Lifetime counters are retained.
func (c *Cache[V]) Clear(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries = make(map[string]*entry[V])
	c.tagged = make(map[string]map[string]struct{})
	c.totalBytes = 0
	c.tel.RecordCacheSize(ctx, 0, 0)
}

// Len returns the current entry count.
func (c *Cache[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// KeyAccess pairs a key with its access count for Stats reporting.
type KeyAccess struct {
	Key         string `json:"key"`
	AccessCount uint64 `json:"access_count"`
}

// Stats is a point-in-time snapshot of cache statistics. Hit and miss rates
// are computed over the cache's lifetime.
type Stats struct {
	EntryCount  int         `json:"entry_count"`
	TotalBytes  int64       `json:"total_bytes"`
	Hits        uint64      `json:"hits"`
	Misses      uint64      `json:"misses"`
	HitRate     float64     `json:"hit_rate"`
	MissRate    float64     `json:"miss_rate"`
	Evictions   uint64      `json:"evictions"`
	Expired     uint64      `json:"expired"`
	TopAccessed []KeyAccess `json:"top_accessed"`
}

// Stats returns current cache statistics.
func (c *Cache[V]) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := Stats{
		EntryCount: len(c.entries),
		TotalBytes: c.totalBytes,
		Hits:       c.hits,
		Misses:     c.misses,
		Evictions:  c.evictions,
		Expired:    c.expired,
	}
	if lookups := c.hits + c.misses; lookups > 0 {
		s.HitRate = float64(c.hits) / float64(lookups)
		s.MissRate = float64(c.misses) / float64(lookups)
	}

	top := make([]KeyAccess, 0, len(c.entries))
	for key, e := range c.entries {
		top = append(top, KeyAccess{Key: key, AccessCount: e.accessCount})
	}
	sort.Slice(top, func(i, j int) bool {
		if top[i].AccessCount != top[j].AccessCount {
			return top[i].AccessCount > top[j].AccessCount
		}
		return top[i].Key < top[j].Key
	})
	if len(top) > topAccessedCount {
		top = top[:topAccessedCount]
	}
	s.TopAccessed = top

	return s
}

// SweepExpired removes up to limit lazily-expired entries and returns how
// many were removed. Work is bounded by limit so a single call never scans
// the whole cache; repeated calls (the Sweeper's cycles) cover the keyspace
// over time because map iteration order varies.
func (c *Cache[V]) SweepExpired(ctx context.Context, limit int) int {
	if limit <= 0 {
		return 0
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	checked := 0
	deleted := 0
	for key, e := range c.entries {
		if checked >= limit {
			break
		}
		checked++
		if e.expiredAt(now) {
			c.dropLocked(key, e)
			deleted++
		}
	}

	if deleted > 0 {
		c.expired += uint64(deleted)
		c.tel.RecordExpiries(ctx, deleted)
		c.tel.RecordCacheSize(ctx, len(c.entries), c.totalBytes)
	}
	return deleted
}

// evictLocked runs the configured strategy, removing ~10% of the entry limit.
func (c *Cache[V]) evictLocked(ctx context.Context) {
	quota := c.config.MaxEntries / evictDivisor
	if quota < 1 {
		quota = 1
	}

	now := c.now()
	infos := make([]EntryInfo, 0, len(c.entries))
	for key, e := range c.entries {
		infos = append(infos, EntryInfo{
			Key:          key,
			CreatedAt:    e.createdAt.UnixNano(),
			LastAccessed: e.lastAccessed.UnixNano(),
			AccessCount:  e.accessCount,
			Seq:          e.seq,
			Expired:      e.expiredAt(now),
		})
	}

	victims := c.config.Strategy.Victims(infos, quota)
	for _, key := range victims {
		if e, ok := c.entries[key]; ok {
			c.dropLocked(key, e)
			c.evictions++
		}
	}

	c.logger.Debug("evicted entries",
		"strategy", c.config.Strategy.Name(),
		"count", len(victims),
		"remaining", len(c.entries),
	)
	c.tel.RecordEvictions(ctx, c.config.Strategy.Name(), len(victims))
}

// dropLocked removes an entry and its tag index references.
func (c *Cache[V]) dropLocked(key string, e *entry[V]) {
	delete(c.entries, key)
	c.totalBytes -= e.sizeBytes
	for _, tag := range e.tags {
		if keys, ok := c.tagged[tag]; ok {
			delete(keys, key)
			if len(keys) == 0 {
				delete(c.tagged, tag)
			}
		}
	}
}
