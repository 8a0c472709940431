package cache

import (
	"context"
	"log/slog"
	"time"

	"github.com/walletkit/identity-cache/telemetry"
)

// expirable is the slice of Cache the sweeper needs, independent of the
// cache's value type.
type expirable interface {
	SweepExpired(ctx context.Context, limit int) int
}

// Sweeper runs periodic cleanup of lazily-expired cache entries. Each cycle
// does a bounded batch of work so the sweep never holds the cache lock for
// longer than one batch.
type Sweeper struct {
	cache     expirable
	interval  time.Duration
	batchSize int
	logger    *slog.Logger
	tel       *telemetry.Telemetry
}

// SweeperOption configures a Sweeper.
type SweeperOption func(*Sweeper)

// WithSweepInterval sets the sweep interval.
func WithSweepInterval(d time.Duration) SweeperOption {
	return func(s *Sweeper) {
		s.interval = d
	}
}

// WithSweepBatchSize sets the maximum entries to examine per sweep cycle.
func WithSweepBatchSize(n int) SweeperOption {
	return func(s *Sweeper) {
		s.batchSize = n
	}
}

// WithSweepLogger sets the logger for the sweeper.
func WithSweepLogger(logger *slog.Logger) SweeperOption {
	return func(s *Sweeper) {
		s.logger = logger
	}
}

// WithSweepTelemetry sets the telemetry sink for sweep cycles.
func WithSweepTelemetry(tel *telemetry.Telemetry) SweeperOption {
	return func(s *Sweeper) {
		s.tel = tel
	}
}

// NewSweeper creates a sweeper for the given cache.
// Defaults: interval=1m, batchSize=100.
func NewSweeper(c expirable, opts ...SweeperOption) *Sweeper {
	s := &Sweeper{
		cache:     c,
		interval:  time.Minute,
		batchSize: 100,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run starts the sweep loop. It blocks until the context is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Debug("cache sweeper started", "interval", s.interval, "batchSize", s.batchSize)

	for {
		select {
		case <-ctx.Done():
			s.logger.Debug("cache sweeper stopped")
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

// SweepNow runs a single sweep cycle immediately and returns the number of
// entries removed. Useful for testing.
func (s *Sweeper) SweepNow(ctx context.Context) int {
	return s.sweep(ctx)
}

func (s *Sweeper) sweep(ctx context.Context) int {
	start := time.Now()
	deleted := s.cache.SweepExpired(ctx, s.batchSize)
	s.tel.RecordSweep(ctx, deleted, time.Since(start))

	if deleted > 0 {
		s.logger.Debug("swept expired entries", "deleted", deleted)
	}
	return deleted
}
