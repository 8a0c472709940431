package cache

import (
	"context"
	"time"

	"github.com/walletkit/identity-cache/bench"
)

// Recorder times an operation against its benchmark. *perf.Recorder
// satisfies it.
type Recorder interface {
	Track(ctx context.Context, name, category string, fn func(context.Context) error) error
}

// Measured wraps a Cache so reads and writes run through a Recorder, checked
// against the cache_get and cache_set benchmarks. The remaining operations
// delegate unmeasured.
type Measured[V any] struct {
	cache *Cache[V]
	rec   Recorder
}

// NewMeasured creates a measured wrapper around c.
func NewMeasured[V any](c *Cache[V], rec Recorder) *Measured[V] {
	return &Measured[V]{cache: c, rec: rec}
}

func (m *Measured[V]) Get(ctx context.Context, key string) (V, bool) {
	var (
		value V
		found bool
	)
	_ = m.rec.Track(ctx, bench.OpCacheGet, "cache", func(ctx context.Context) error {
		value, found = m.cache.Get(ctx, key)
		return nil
	})
	return value, found
}

func (m *Measured[V]) Set(ctx context.Context, key string, value V) {
	m.SetTTL(ctx, key, value, 0)
}

func (m *Measured[V]) SetTTL(ctx context.Context, key string, value V, ttl time.Duration, tags ...string) {
	_ = m.rec.Track(ctx, bench.OpCacheSet, "cache", func(ctx context.Context) error {
		m.cache.SetTTL(ctx, key, value, ttl, tags...)
		return nil
	})
}

func (m *Measured[V]) Delete(ctx context.Context, key string) {
	m.cache.Delete(ctx, key)
}

func (m *Measured[V]) InvalidateByTag(ctx context.Context, tag string) int {
	return m.cache.InvalidateByTag(ctx, tag)
}

func (m *Measured[V]) Len() int {
	return m.cache.Len()
}

func (m *Measured[V]) Stats() Stats {
	return m.cache.Stats()
}
