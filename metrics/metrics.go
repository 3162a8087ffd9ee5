// Package metrics exposes pipeline counters for the /metrics endpoint.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	StageRowsIn = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "retrofit_stage_rows_in_total",
		Help: "Rows read by each pipeline stage.",
	}, []string{"stage"})

	StageRowsOut = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "retrofit_stage_rows_out_total",
		Help: "Rows written by each pipeline stage.",
	}, []string{"stage"})

	QuarantinedRows = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "retrofit_quarantined_rows_total",
		Help: "Quarantine flags raised by silver, by field:reason.",
	}, []string{"reason"})

	Runs = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "retrofit_runs_total",
		Help: "Pipeline runs by final status.",
	}, []string{"status"})

	StageDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "retrofit_stage_duration_seconds",
		Help:    "Wall time of each pipeline stage.",
		Buckets: prometheus.ExponentialBuckets(0.01, 4, 8),
	}, []string{"stage"})
)

func init() {
	prometheus.MustRegister(StageRowsIn, StageRowsOut, QuarantinedRows, Runs, StageDuration)
}

// ObserveStage records one finished stage.
func ObserveStage(stage string, rowsIn, rowsOut int, elapsed time.Duration) {
	StageRowsIn.WithLabelValues(stage).Add(float64(rowsIn))
	StageRowsOut.WithLabelValues(stage).Add(float64(rowsOut))
	StageDuration.WithLabelValues(stage).Observe(elapsed.Seconds())
}

// ObserveQuarantine adds silver quarantine reasons.
func ObserveQuarantine(reasons map[string]int) {
	for reason, n := range reasons {
		QuarantinedRows.WithLabelValues(reason).Add(float64(n))
	}
}

// ObserveRun counts a finished run.
func ObserveRun(status string) {
	Runs.WithLabelValues(status).Inc()
}
