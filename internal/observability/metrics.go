// Package observability exposes the pipeline's Prometheus metrics: per-hour
// fetch and read tallies, record discards by reason, stage durations, run
// outcomes and retention results.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "ghlake"

// Metrics holds every collector the pipeline updates.
type Metrics struct {
	// Gatherer serves the /metrics endpoint.
	Gatherer prometheus.Gatherer

	HoursFetched      *prometheus.CounterVec
	HoursRead         *prometheus.CounterVec
	RecordsKept       prometheus.Counter
	RecordsDiscarded  *prometheus.CounterVec
	RowsWritten       *prometheus.CounterVec
	StageDuration     *prometheus.HistogramVec
	DayRuns           *prometheus.CounterVec
	HourSuccessRatio  prometheus.Gauge
	LastCompletedDay  prometheus.Gauge
	RetentionOutcomes *prometheus.CounterVec
	OrphanedObjects   prometheus.Gauge
}

// NewMetrics registers the pipeline collectors on reg.
func NewMetrics(reg *prometheus.Registry) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		Gatherer: reg,

		HoursFetched: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bronze_hours_fetched_total",
			Help:      "Archive hours fetched into bronze, by outcome",
		}, []string{"outcome"}),

		HoursRead: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "silver_hours_read_total",
			Help:      "Bronze hours read by the normalizer, by outcome",
		}, []string{"outcome"}),

		RecordsKept: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "silver_records_kept_total",
			Help:      "Archive records normalized into silver",
		}),

		RecordsDiscarded: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "silver_records_discarded_total",
			Help:      "Archive records discarded by the normalizer, by reason",
		}, []string{"reason"}),

		RowsWritten: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rows_written_total",
			Help:      "Rows written per layer",
		}, []string{"layer"}),

		StageDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stage_duration_seconds",
			Help:      "Duration of pipeline stages",
			Buckets:   []float64{0.5, 1, 5, 10, 30, 60, 120, 300, 600, 1800},
		}, []string{"stage"}),

		DayRuns: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "day_runs_total",
			Help:      "Day pipeline runs, by outcome",
		}, []string{"outcome"}),

		HourSuccessRatio: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_hour_success_ratio",
			Help:      "Fraction of hours captured for the most recently normalized day",
		}),

		LastCompletedDay: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_completed_day_timestamp_seconds",
			Help:      "Midnight UTC of the most recent day that reached Done",
		}),

		RetentionOutcomes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retention_outcomes_total",
			Help:      "Retention deletions, by layer and status",
		}, []string{"layer", "status"}),

		OrphanedObjects: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "orphaned_objects",
			Help:      "Objects whose deletion failed and await a sweep",
		}),
	}
}

// Discard returns metrics registered on a private registry. Components use
// it when the caller does not supply metrics.
func Discard() *Metrics {
	return NewMetrics(prometheus.NewRegistry())
}

// OrDiscard returns m, or Discard() when m is nil.
func OrDiscard(m *Metrics) *Metrics {
	if m == nil {
		return Discard()
	}
	return m
}
