// Package observability provides Prometheus metrics and OpenTelemetry tracing for sync,
// transcript normalization and duration repair.
package observability

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Namespace prefixes every metric name.
const Namespace = "ftm"

// Metrics holds all Prometheus metrics for the transcript manager.
type Metrics struct {
	// Sync metrics
	MeetingsSyncedTotal *prometheus.CounterVec
	SyncRunsTotal       *prometheus.CounterVec
	SyncRunSeconds      *prometheus.HistogramVec
	SyncInProgress      prometheus.Gauge
	SyncErrorsTotal     *prometheus.CounterVec

	// Fathom API metrics
	FathomRequestsTotal  *prometheus.CounterVec
	FathomRequestSeconds *prometheus.HistogramVec

	// Transcript metrics
	NormalizeStrategyTotal *prometheus.CounterVec
	NormalizeSkippedTotal  *prometheus.CounterVec
	NormalizeFailedTotal   prometheus.Counter

	// Duration metrics
	DurationsResolvedTotal *prometheus.CounterVec
	DurationRepairsTotal   *prometheus.CounterVec
}

// DefaultMetrics creates metrics on the default registerer.
func DefaultMetrics() *Metrics {
	return NewMetrics(prometheus.DefaultRegisterer)
}

// NewMetrics creates a new set of metrics registered on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		MeetingsSyncedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Name:      "meetings_synced_total",
				Help:      "Meetings processed by sync, by outcome",
			},
			[]string{"mode", "outcome"},
		),
		SyncRunsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Name:      "sync_runs_total",
				Help:      "Completed sync runs by final status",
			},
			[]string{"mode", "status"},
		),
		SyncRunSeconds: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: Namespace,
				Name:      "sync_run_seconds",
				Help:      "Wall time of sync runs",
				Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800, 3600},
			},
			[]string{"mode"},
		),
		SyncInProgress: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: Namespace,
				Name:      "sync_in_progress",
				Help:      "1 while a sync run is active",
			},
		),
		SyncErrorsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Name:      "sync_errors_total",
				Help:      "Classified sync failures",
			},
			[]string{"code", "stage"},
		),
		FathomRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Name:      "fathom_requests_total",
				Help:      "Requests sent to the Fathom API by HTTP status",
			},
			[]string{"endpoint", "status"},
		),
		FathomRequestSeconds: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: Namespace,
				Name:      "fathom_request_seconds",
				Help:      "Fathom API request latency",
				Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"endpoint"},
		),
		NormalizeStrategyTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Name:      "transcript_strategy_total",
				Help:      "Transcript extraction strategy attempts by result",
			},
			[]string{"strategy", "result"},
		),
		NormalizeSkippedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Name:      "transcript_entries_skipped_total",
				Help:      "Transcript entries that could not be recovered",
			},
			[]string{"strategy", "reason"},
		),
		NormalizeFailedTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Name:      "transcript_extraction_failed_total",
				Help:      "Transcripts for which every strategy failed",
			},
		),
		DurationsResolvedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Name:      "durations_resolved_total",
				Help:      "Resolved meeting durations by method",
			},
			[]string{"method"},
		),
		DurationRepairsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Name:      "duration_repairs_total",
				Help:      "Duration repair outcomes",
			},
			[]string{"outcome"},
		),
	}
}

// RecordMeeting records one meeting processed by a sync.
func (m *Metrics) RecordMeeting(mode, outcome string) {
	m.MeetingsSyncedTotal.WithLabelValues(mode, outcome).Inc()
}

// RecordSyncRun records a finished sync run.
func (m *Metrics) RecordSyncRun(mode, status string, elapsed time.Duration) {
	m.SyncRunsTotal.WithLabelValues(mode, status).Inc()
	m.SyncRunSeconds.WithLabelValues(mode).Observe(elapsed.Seconds())
}

// SetSyncInProgress flips the in-progress gauge.
func (m *Metrics) SetSyncInProgress(running bool) {
	if running {
		m.SyncInProgress.Set(1)
		return
	}
	m.SyncInProgress.Set(0)
}

// RecordSyncError records a classified failure.
func (m *Metrics) RecordSyncError(code, stage string) {
	m.SyncErrorsTotal.WithLabelValues(code, stage).Inc()
}

// ObserveFathomRequest records a Fathom API round trip. status 0 means no response.
func (m *Metrics) ObserveFathomRequest(endpoint string, status int, elapsed time.Duration) {
	label := "error"
	if status > 0 {
		label = strconv.Itoa(status)
	}
	m.FathomRequestsTotal.WithLabelValues(endpoint, label).Inc()
	m.FathomRequestSeconds.WithLabelValues(endpoint).Observe(elapsed.Seconds())
}

// RecordDurationResolved records the method that produced a meeting duration.
func (m *Metrics) RecordDurationResolved(method string) {
	m.DurationsResolvedTotal.WithLabelValues(method).Inc()
}

// RecordRepair records the outcome of repairing one meeting's duration.
func (m *Metrics) RecordRepair(outcome string) {
	m.DurationRepairsTotal.WithLabelValues(outcome).Inc()
}
