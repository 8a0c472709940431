// Package telemetry wires the OpenTelemetry metric instruments for the
// identity cache. Unlike a module-level metrics singleton, Telemetry is an
// owned instance with an explicit construct → use → Shutdown lifecycle, and
// every record method is safe on a nil receiver so components can take an
// optional *Telemetry.
package telemetry

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.39.0"
)

const meterName = "github.com/walletkit/identity-cache"

// Config configures the metrics system.
type Config struct {
	// ServiceName is the name of the service for resource attributes.
	ServiceName string

	// ServiceVersion is the version of the service.
	ServiceVersion string

	// OTLPEndpoint is the OTLP gRPC endpoint (e.g. "localhost:4317").
	// If empty, OTLP export is disabled.
	OTLPEndpoint string

	// EnablePrometheus enables the Prometheus /metrics endpoint.
	EnablePrometheus bool

	// FlushInterval is how often to export metrics (default: 10s).
	FlushInterval time.Duration
}

// Telemetry holds the OpenTelemetry metric instruments for the identity cache.
type Telemetry struct {
	cacheOpsTotal    metric.Int64Counter
	cacheEvictions   metric.Int64Counter
	cacheExpiries    metric.Int64Counter
	cacheEntries     metric.Int64Gauge
	cacheBytes       metric.Int64Gauge
	opDuration       metric.Float64Histogram
	opsTotal         metric.Int64Counter
	alertsTotal      metric.Int64Counter
	sweepDeleted     metric.Int64Counter
	sweepDuration    metric.Float64Histogram
	preloadsTotal    metric.Int64Counter
	snapshotApplies  metric.Int64Counter
	snapshotDiscards metric.Int64Counter

	meterProvider *sdkmetric.MeterProvider
	promHandler   http.Handler
}

// New initialises the metrics system and returns an owned Telemetry instance.
// Call Shutdown on application exit.
func New(ctx context.Context, cfg Config) (*Telemetry, error) {
	if cfg.ServiceName == "" {
		cfg.ServiceName = "identity-cache"
	}
	if cfg.FlushInterval == 0 {
		cfg.FlushInterval = 10 * time.Second
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
		),
	)
	if err != nil {
		return nil, err
	}

	var readers []sdkmetric.Reader
	var promHandler http.Handler

	if cfg.OTLPEndpoint != "" {
		otlpExporter, err := otlpmetricgrpc.New(ctx,
			otlpmetricgrpc.WithEndpoint(cfg.OTLPEndpoint),
			otlpmetricgrpc.WithInsecure(), // Use WithTLSCredentials for production
		)
		if err != nil {
			return nil, err
		}
		readers = append(readers, sdkmetric.NewPeriodicReader(otlpExporter,
			sdkmetric.WithInterval(cfg.FlushInterval),
		))
	}

	if cfg.EnablePrometheus {
		promExp, err := promexporter.New()
		if err != nil {
			return nil, err
		}
		readers = append(readers, promExp)
		promHandler = promhttp.Handler()
	}

	// If no exporters configured, use a no-op periodic reader to still collect metrics
	if len(readers) == 0 {
		readers = append(readers, sdkmetric.NewPeriodicReader(noopExporter{},
			sdkmetric.WithInterval(cfg.FlushInterval),
		))
	}

	opts := []sdkmetric.Option{sdkmetric.WithResource(res)}
	for _, r := range readers {
		opts = append(opts, sdkmetric.WithReader(r))
	}

	mp := sdkmetric.NewMeterProvider(opts...)
	meter := mp.Meter(meterName)

	t := &Telemetry{meterProvider: mp, promHandler: promHandler}

	if t.cacheOpsTotal, err = meter.Int64Counter(
		"identity_cache_cache_ops_total",
		metric.WithDescription("Total cache operations by result (hit, miss, expired)"),
		metric.WithUnit("{op}"),
	); err != nil {
		return nil, err
	}

	if t.cacheEvictions, err = meter.Int64Counter(
		"identity_cache_cache_evictions_total",
		metric.WithDescription("Total entries removed by the eviction strategy"),
		metric.WithUnit("{entry}"),
	); err != nil {
		return nil, err
	}

	if t.cacheExpiries, err = meter.Int64Counter(
		"identity_cache_cache_expiries_total",
		metric.WithDescription("Total entries removed because their TTL elapsed"),
		metric.WithUnit("{entry}"),
	); err != nil {
		return nil, err
	}

	if t.cacheEntries, err = meter.Int64Gauge(
		"identity_cache_cache_entries",
		metric.WithDescription("Current number of cache entries"),
		metric.WithUnit("{entry}"),
	); err != nil {
		return nil, err
	}

	if t.cacheBytes, err = meter.Int64Gauge(
		"identity_cache_cache_bytes",
		metric.WithDescription("Estimated bytes held by the cache"),
		metric.WithUnit("By"),
	); err != nil {
		return nil, err
	}

	if t.opDuration, err = meter.Float64Histogram(
		"identity_cache_operation_duration_seconds",
		metric.WithDescription("Duration of measured wallet operations"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10),
	); err != nil {
		return nil, err
	}

	if t.opsTotal, err = meter.Int64Counter(
		"identity_cache_operations_total",
		metric.WithDescription("Total measured wallet operations"),
		metric.WithUnit("{op}"),
	); err != nil {
		return nil, err
	}

	if t.alertsTotal, err = meter.Int64Counter(
		"identity_cache_alerts_total",
		metric.WithDescription("Total performance alerts emitted"),
		metric.WithUnit("{alert}"),
	); err != nil {
		return nil, err
	}

	if t.sweepDeleted, err = meter.Int64Counter(
		"identity_cache_sweep_deleted_total",
		metric.WithDescription("Total expired entries removed by sweep cycles"),
		metric.WithUnit("{entry}"),
	); err != nil {
		return nil, err
	}

	if t.sweepDuration, err = meter.Float64Histogram(
		"identity_cache_sweep_duration_seconds",
		metric.WithDescription("Duration of sweep cycles"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1),
	); err != nil {
		return nil, err
	}

	if t.preloadsTotal, err = meter.Int64Counter(
		"identity_cache_preloads_total",
		metric.WithDescription("Total identity preloads by outcome"),
		metric.WithUnit("{preload}"),
	); err != nil {
		return nil, err
	}

	if t.snapshotApplies, err = meter.Int64Counter(
		"identity_cache_snapshot_applies_total",
		metric.WithDescription("Total preload results applied to snapshots"),
		metric.WithUnit("{apply}"),
	); err != nil {
		return nil, err
	}

	if t.snapshotDiscards, err = meter.Int64Counter(
		"identity_cache_snapshot_discards_total",
		metric.WithDescription("Total stale preload results discarded by the version check"),
		metric.WithUnit("{discard}"),
	); err != nil {
		return nil, err
	}

	return t, nil
}

// Shutdown flushes and shuts down the metrics provider.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	if t == nil || t.meterProvider == nil {
		return nil
	}
	return t.meterProvider.Shutdown(ctx)
}

// PrometheusHandler returns the Prometheus metrics HTTP handler. If Prometheus
// export is not enabled it returns a handler that responds 404, allowing safe
// registration regardless of configuration.
func (t *Telemetry) PrometheusHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if t == nil || t.promHandler == nil {
			http.NotFound(w, r)
			return
		}
		t.promHandler.ServeHTTP(w, r)
	})
}

// RecordCacheOp records one cache read result: "hit", "miss" or "expired".
func (t *Telemetry) RecordCacheOp(ctx context.Context, result string) {
	if t == nil {
		return
	}
	t.cacheOpsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
}

// RecordEvictions records entries removed by an eviction strategy run.
func (t *Telemetry) RecordEvictions(ctx context.Context, strategy string, n int) {
	if t == nil || n == 0 {
		return
	}
	t.cacheEvictions.Add(ctx, int64(n), metric.WithAttributes(attribute.String("strategy", strategy)))
}

// RecordExpiries records entries removed because their TTL elapsed.
func (t *Telemetry) RecordExpiries(ctx context.Context, n int) {
	if t == nil || n == 0 {
		return
	}
	t.cacheExpiries.Add(ctx, int64(n))
}

// RecordCacheSize updates the entry-count and byte gauges.
func (t *Telemetry) RecordCacheSize(ctx context.Context, entries int, bytes int64) {
	if t == nil {
		return
	}
	t.cacheEntries.Record(ctx, int64(entries))
	t.cacheBytes.Record(ctx, bytes)
}

// RecordOperation records one measured operation.
func (t *Telemetry) RecordOperation(ctx context.Context, name, category string, d time.Duration, success bool) {
	if t == nil {
		return
	}
	outcome := "success"
	if !success {
		outcome = "error"
	}
	attrs := []attribute.KeyValue{
		attribute.String("operation", name),
		attribute.String("category", category),
		attribute.String("outcome", outcome),
	}
	t.opsTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	t.opDuration.Record(ctx, d.Seconds(), metric.WithAttributes(attrs...))
}

// RecordAlert records one emitted performance alert.
func (t *Telemetry) RecordAlert(ctx context.Context, severity, operation string) {
	if t == nil {
		return
	}
	t.alertsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("severity", severity),
		attribute.String("operation", operation),
	))
}

// RecordSweep records one sweep cycle's deleted count and duration.
func (t *Telemetry) RecordSweep(ctx context.Context, deleted int, d time.Duration) {
	if t == nil {
		return
	}
	t.sweepDeleted.Add(ctx, int64(deleted))
	t.sweepDuration.Record(ctx, d.Seconds())
}

// RecordPreload records one preload by outcome ("ok" or "error").
func (t *Telemetry) RecordPreload(ctx context.Context, outcome string) {
	if t == nil {
		return
	}
	t.preloadsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

// RecordSnapshotResolution records whether a completed preload was applied to
// the snapshot or discarded as stale.
func (t *Telemetry) RecordSnapshotResolution(ctx context.Context, applied bool) {
	if t == nil {
		return
	}
	if applied {
		t.snapshotApplies.Add(ctx, 1)
		return
	}
	t.snapshotDiscards.Add(ctx, 1)
}

// noopExporter is a no-op metrics exporter for when no exporters are configured.
type noopExporter struct{}

func (noopExporter) Temporality(_ sdkmetric.InstrumentKind) metricdata.Temporality {
	return metricdata.CumulativeTemporality
}

func (noopExporter) Aggregation(_ sdkmetric.InstrumentKind) sdkmetric.Aggregation {
	return nil
}

func (noopExporter) Export(_ context.Context, _ *metricdata.ResourceMetrics) error {
	return nil
}

func (noopExporter) ForceFlush(_ context.Context) error {
	return nil
}

func (noopExporter) Shutdown(_ context.Context) error {
	return nil
}
