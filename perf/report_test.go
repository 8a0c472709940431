package perf

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestReportErrorRateAndCategories(t *testing.T) {
	clock := newTestClock()
	r := New(nil, WithClock(clock.Now))

	end := func(name, category string, elapsed time.Duration, success bool) {
		id := r.Start(name, category, nil)
		clock.Advance(elapsed)
		_, err := r.End(id, success, "")
		require.NoError(t, err)
	}

	end("a", "cache", 10*time.Millisecond, true)
	end("b", "cache", 30*time.Millisecond, false)
	end("c", "identity", 100*time.Millisecond, true)
	end("d", "identity", 300*time.Millisecond, true)

	report := r.Report(time.Time{}, time.Time{})
	require.Equal(t, 4, report.TotalMetrics)
	require.Equal(t, 1, report.Errors)
	require.InDelta(t, 0.25, report.ErrorRate, 1e-9)

	cacheStats := report.Categories["cache"]
	require.Equal(t, 2, cacheStats.Count)
	require.Equal(t, 1, cacheStats.Errors)
	require.InDelta(t, 0.5, cacheStats.ErrorRate, 1e-9)
	require.Equal(t, 20*time.Millisecond, cacheStats.AvgDuration)
	require.Equal(t, 30*time.Millisecond, cacheStats.MaxDuration)

	identityStats := report.Categories["identity"]
	require.Equal(t, 2, identityStats.Count)
	require.Zero(t, identityStats.Errors)
	require.Equal(t, 200*time.Millisecond, identityStats.AvgDuration)
}

func TestReportTimeWindow(t *testing.T) {
	clock := newTestClock()
	r := New(nil, WithClock(clock.Now))

	// One metric ends at t0, a second one an hour later.
	id := r.Start("early", "test", nil)
	_, err := r.End(id, true, "")
	require.NoError(t, err)
	t0 := clock.Now()

	clock.Advance(time.Hour)
	id = r.Start("late", "test", nil)
	_, err = r.End(id, true, "")
	require.NoError(t, err)

	// Window covering only the first metric.
	report := r.Report(time.Time{}, t0.Add(time.Minute))
	require.Equal(t, 1, report.TotalMetrics)

	// Window covering only the second.
	report = r.Report(t0.Add(time.Minute), time.Time{})
	require.Equal(t, 1, report.TotalMetrics)

	// Unbounded window covers both.
	report = r.Report(time.Time{}, time.Time{})
	require.Equal(t, 2, report.TotalMetrics)
}

func TestReportEmpty(t *testing.T) {
	r := New(nil)

	report := r.Report(time.Time{}, time.Time{})
	require.Zero(t, report.TotalMetrics)
	require.Zero(t, report.ErrorRate)
	require.Empty(t, report.Categories)
}
