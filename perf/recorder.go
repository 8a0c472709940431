package perf

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/walletkit/identity-cache/bench"
	"github.com/walletkit/identity-cache/telemetry"
)

// DefaultMaxRetained is how many ended metrics the recorder keeps for
// reporting when not configured otherwise.
const DefaultMaxRetained = 10_000

// ErrUnknownMetric is returned by End for an id with no in-flight metric.
var ErrUnknownMetric = errors.New("perf: unknown metric id")

// Recorder measures named operations. It is an owned instance: construct it
// with a catalog, inject it into callers, and let it go out of scope with
// them. Safe for concurrent use.
type Recorder struct {
	mu       sync.Mutex
	inflight map[string]*Metric

	// ended is a bounded ring so the recorder's memory cannot grow without
	// bound under sustained traffic.
	ended    []Metric
	endedPos int
	full     bool

	subs    map[uint64]func(Alert)
	nextSub uint64

	catalog     *bench.Catalog
	maxRetained int
	now         func() time.Time
	logger      *slog.Logger
	tel         *telemetry.Telemetry
}

// Option configures a Recorder.
type Option func(*Recorder)

// WithClock sets the time source. Useful for testing.
func WithClock(now func() time.Time) Option {
	return func(r *Recorder) {
		r.now = now
	}
}

// WithLogger sets the logger for alert and subscriber events.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Recorder) {
		r.logger = logger
	}
}

// WithTelemetry sets the telemetry sink for measured operations.
func WithTelemetry(tel *telemetry.Telemetry) Option {
	return func(r *Recorder) {
		r.tel = tel
	}
}

// WithMaxRetained caps how many ended metrics are kept for reporting.
func WithMaxRetained(n int) Option {
	return func(r *Recorder) {
		if n > 0 {
			r.maxRetained = n
		}
	}
}

// New creates a recorder comparing measurements against the given catalog.
// A nil catalog disables alerting; metrics are still recorded.
func New(catalog *bench.Catalog, opts ...Option) *Recorder {
	r := &Recorder{
		inflight:    make(map[string]*Metric),
		subs:        make(map[uint64]func(Alert)),
		catalog:     catalog,
		maxRetained: DefaultMaxRetained,
		now:         time.Now,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.ended = make([]Metric, 0, min(r.maxRetained, 1024))
	return r
}

// Start begins a timed measurement and returns its id. Many measurements of
// the same name may be in flight at once; each gets its own id.
func (r *Recorder) Start(name, category string, labels map[string]string) string {
	m := &Metric{
		ID:       uuid.NewString(),
		Name:     name,
		Category: category,
		Labels:   labels,
	}

	r.mu.Lock()
	m.StartedAt = r.now()
	r.inflight[m.ID] = m
	r.mu.Unlock()

	return m.ID
}

// End completes the measurement for id, records the ended metric, and checks
// it against the benchmark for its name. Threshold comparison is independent
// of success: a failed operation that also ran long still alerts. Unknown
// benchmark names record the metric without alerting.
func (r *Recorder) End(id string, success bool, errMsg string) (Metric, error) {
	r.mu.Lock()
	m, ok := r.inflight[id]
	if !ok {
		r.mu.Unlock()
		return Metric{}, fmt.Errorf("%w: %s", ErrUnknownMetric, id)
	}
	delete(r.inflight, id)

	m.EndedAt = r.now()
	m.Duration = m.EndedAt.Sub(m.StartedAt)
	m.Success = success
	m.Err = errMsg
	done := *m
	r.retainLocked(done)

	alert, hasAlert := r.checkBenchmarkLocked(done)
	subs := make([]func(Alert), 0, len(r.subs))
	if hasAlert {
		for _, fn := range r.subs {
			subs = append(subs, fn)
		}
	}
	r.mu.Unlock()

	r.tel.RecordOperation(context.Background(), done.Name, done.Category, done.Duration, success)

	if hasAlert {
		r.tel.RecordAlert(context.Background(), string(alert.Severity), alert.Metric)
		r.logger.Warn("operation exceeded benchmark",
			"operation", done.Name,
			"severity", alert.Severity,
			"duration", alert.Duration,
			"threshold", alert.Threshold,
		)
		for _, fn := range subs {
			r.notify(fn, alert)
		}
	}

	return done, nil
}

// Track measures fn as one operation: start, run, end. On error the metric
// records success=false with the error message and the original error is
// returned unchanged. Metric recording never swallows the operation's error.
func (r *Recorder) Track(ctx context.Context, name, category string, fn func(context.Context) error) error {
	id := r.Start(name, category, nil)
	err := fn(ctx)
	if err != nil {
		_, _ = r.End(id, false, err.Error())
		return err
	}
	_, _ = r.End(id, true, "")
	return nil
}

// TrackValue measures fn like Recorder.Track, passing the returned value
// through untouched.
func TrackValue[T any](ctx context.Context, r *Recorder, name, category string, fn func(context.Context) (T, error)) (T, error) {
	id := r.Start(name, category, nil)
	v, err := fn(ctx)
	if err != nil {
		_, _ = r.End(id, false, err.Error())
		return v, err
	}
	_, _ = r.End(id, true, "")
	return v, nil
}

// OnAlert subscribes to alerts. The returned function unsubscribes; calling
// it more than once is harmless.
func (r *Recorder) OnAlert(fn func(Alert)) (unsubscribe func()) {
	r.mu.Lock()
	r.nextSub++
	id := r.nextSub
	r.subs[id] = fn
	r.mu.Unlock()

	return func() {
		r.mu.Lock()
		delete(r.subs, id)
		r.mu.Unlock()
	}
}

// InFlight returns the number of measurements currently started but not ended.
func (r *Recorder) InFlight() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.inflight)
}

// notify invokes one subscriber, containing any panic so a misbehaving
// callback cannot corrupt recorder state or reach the caller of End.
func (r *Recorder) notify(fn func(Alert), a Alert) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("alert subscriber panicked", "panic", p, "metric", a.Metric)
		}
	}()
	fn(a)
}

// checkBenchmarkLocked compares an ended metric against its benchmark.
func (r *Recorder) checkBenchmarkLocked(m Metric) (Alert, bool) {
	if r.catalog == nil {
		return Alert{}, false
	}
	b, ok := r.catalog.Get(m.Name)
	if !ok {
		return Alert{}, false
	}

	switch {
	case m.Duration > b.Critical:
		return Alert{
			Severity:  SeverityCritical,
			Metric:    m.Name,
			Duration:  m.Duration,
			Threshold: b.Critical,
			Timestamp: m.EndedAt,
		}, true
	case m.Duration > b.Warning:
		return Alert{
			Severity:  SeverityWarning,
			Metric:    m.Name,
			Duration:  m.Duration,
			Threshold: b.Warning,
			Timestamp: m.EndedAt,
		}, true
	}
	return Alert{}, false
}

// retainLocked appends an ended metric to the bounded ring.
func (r *Recorder) retainLocked(m Metric) {
	if len(r.ended) < r.maxRetained {
		r.ended = append(r.ended, m)
		return
	}
	r.ended[r.endedPos] = m
	r.endedPos = (r.endedPos + 1) % r.maxRetained
	r.full = true
}
