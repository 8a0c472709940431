package cache

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSweepRemovesExpiredWithoutGet(t *testing.T) {
	ctx := context.Background()
	c, now := newTestCache(t, Config{})

	c.SetTTL(ctx, "short", 1, time.Second)
	c.SetTTL(ctx, "long", 2, time.Hour)

	*now = now.Add(2 * time.Second)

	s := NewSweeper(c, WithSweepBatchSize(100))
	deleted := s.SweepNow(ctx)

	require.Equal(t, 1, deleted)
	require.Equal(t, 1, c.Len())

	_, ok := c.Get(ctx, "long")
	require.True(t, ok)
}

func TestSweepWorkBoundedPerCycle(t *testing.T) {
	ctx := context.Background()
	c, now := newTestCache(t, Config{MaxEntries: 1000})

	for i := 0; i < 50; i++ {
		c.SetTTL(ctx, fmt.Sprintf("key-%d", i), i, time.Second)
	}
	*now = now.Add(2 * time.Second)

	s := NewSweeper(c, WithSweepBatchSize(10))

	// Each cycle examines at most batchSize entries.
	deleted := s.SweepNow(ctx)
	require.LessOrEqual(t, deleted, 10)
	require.GreaterOrEqual(t, c.Len(), 40)

	// Repeated cycles drain the rest.
	for i := 0; i < 20 && c.Len() > 0; i++ {
		s.SweepNow(ctx)
	}
	require.Equal(t, 0, c.Len())
}

func TestSweepNothingExpired(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestCache(t, Config{})

	c.SetTTL(ctx, "k", 1, time.Hour)

	s := NewSweeper(c)
	require.Equal(t, 0, s.SweepNow(ctx))
	require.Equal(t, 1, c.Len())
}

func TestSweeperRunStopsOnContextCancel(t *testing.T) {
	c := New[any](Config{})
	s := NewSweeper(c, WithSweepInterval(time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()

	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("sweeper did not stop after context cancellation")
	}
}
