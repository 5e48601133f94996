// Package metrics exposes per-stage Prometheus gauges for the log view
// engine, grounded on the teacher's internal/metrics/metrics.go promauto
// usage, reduced to the three gauges that mean something for a
// LogSource pipeline stage: percentage processed, entry count and the
// processing watermark.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// StageMetrics is one stage's set of gauges, labeled by stage name so a
// single process can report for the grouper and the filter independently.
type StageMetrics struct {
	PercentageProcessed *prometheus.GaugeVec
	LogEntryCount       *prometheus.GaugeVec
	Watermark           *prometheus.GaugeVec
}

// New registers the gauge vectors under namespace, e.g. "logview".
func New(namespace string) *StageMetrics {
	return &StageMetrics{
		PercentageProcessed: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "stage_percentage_processed",
			Help:      "Fraction of the upstream source this stage has processed, 0.0 to 1.0",
		}, []string{"stage"}),
		LogEntryCount: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "stage_log_entry_count",
			Help:      "Number of log entries this stage currently reports",
		}, []string{"stage"}),
		Watermark: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "stage_watermark",
			Help:      "Number of upstream source rows this stage has consumed",
		}, []string{"stage"}),
	}
}

// Report publishes one stage's current values under its label.
func (m *StageMetrics) Report(stage string, percentageProcessed float64, logEntryCount int, watermark int64) {
	m.PercentageProcessed.WithLabelValues(stage).Set(percentageProcessed)
	m.LogEntryCount.WithLabelValues(stage).Set(float64(logEntryCount))
	m.Watermark.WithLabelValues(stage).Set(float64(watermark))
}
