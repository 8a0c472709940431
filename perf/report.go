package perf

import "time"

// CategoryStats summarises ended metrics for one category.
type CategoryStats struct {
	Count       int           `json:"count"`
	Errors      int           `json:"errors"`
	ErrorRate   float64       `json:"error_rate"`
	AvgDuration time.Duration `json:"avg_duration"`
	MaxDuration time.Duration `json:"max_duration"`
}

// Report aggregates ended metrics over a time window.
type Report struct {
	TotalMetrics int                      `json:"total_metrics"`
	Errors       int                      `json:"errors"`
	ErrorRate    float64                  `json:"error_rate"`
	Categories   map[string]CategoryStats `json:"categories"`
}

// Report aggregates the retained ended metrics whose end time falls within
// [from, to]. A zero from or to leaves that side of the window unbounded.
// Only metrics still in the retention ring are counted.
func (r *Recorder) Report(from, to time.Time) Report {
	report := Report{Categories: make(map[string]CategoryStats)}
	totals := make(map[string]time.Duration)

	r.mu.Lock()
	defer r.mu.Unlock()

	for i := range r.ended {
		m := &r.ended[i]
		if !from.IsZero() && m.EndedAt.Before(from) {
			continue
		}
		if !to.IsZero() && m.EndedAt.After(to) {
			continue
		}

		report.TotalMetrics++
		cs := report.Categories[m.Category]
		cs.Count++
		if !m.Success {
			report.Errors++
			cs.Errors++
		}
		if m.Duration > cs.MaxDuration {
			cs.MaxDuration = m.Duration
		}
		totals[m.Category] += m.Duration
		report.Categories[m.Category] = cs
	}

	for cat, cs := range report.Categories {
		if cs.Count > 0 {
			cs.AvgDuration = totals[cat] / time.Duration(cs.Count)
			cs.ErrorRate = float64(cs.Errors) / float64(cs.Count)
		}
		report.Categories[cat] = cs
	}
	if report.TotalMetrics > 0 {
		report.ErrorRate = float64(report.Errors) / float64(report.TotalMetrics)
	}

	return report
}
