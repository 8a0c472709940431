// Package perf measures named wallet operations against the benchmark
// catalog, emitting alerts when declared thresholds are exceeded and
// aggregating a queryable report.
package perf

import "time"

// Metric is one timed measurement of a named operation. A metric is mutable
// only while in flight; once ended it is immutable.
type Metric struct {
	// ID correlates Start and End. Unique per in-flight measurement, so many
	// overlapping measurements of the same name can coexist.
	ID string `json:"id"`

	Name     string            `json:"name"`
	Category string            `json:"category"`
	Labels   map[string]string `json:"labels,omitempty"`

	StartedAt time.Time     `json:"started_at"`
	EndedAt   time.Time     `json:"ended_at,omitzero"`
	Duration  time.Duration `json:"duration"`

	Success bool   `json:"success"`
	Err     string `json:"error,omitempty"`
}

// Severity grades an alert.
type Severity string

const (
	SeverityWarning  Severity = "WARNING"
	SeverityCritical Severity = "CRITICAL"
)

// Alert reports an ended metric that exceeded a benchmark threshold.
// Alerts are produced only from ended metrics, never in-flight ones.
type Alert struct {
	Severity  Severity      `json:"severity"`
	Metric    string        `json:"metric"`
	Duration  time.Duration `json:"duration"`
	Threshold time.Duration `json:"threshold"`
	Timestamp time.Time     `json:"timestamp"`
}
