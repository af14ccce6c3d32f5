package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	StageRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "velocast_stage_runs_total",
			Help: "Pipeline stage executions by outcome",
		},
		[]string{"stage", "status"},
	)

	StageDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "velocast_stage_duration_seconds",
			Help:    "Pipeline stage duration in seconds",
			Buckets: []float64{0.5, 1, 5, 15, 30, 60, 300, 900, 3600},
		},
		[]string{"stage"},
	)

	UpstreamCallsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "velocast_upstream_calls_total",
			Help: "Calls to external data sources by outcome",
		},
		[]string{"source", "status"},
	)

	UpstreamLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "velocast_upstream_latency_seconds",
			Help:    "External data source call latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"source"},
	)

	PredictionsWritten = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "velocast_predictions_written_total",
			Help: "Predictions persisted with their feature context",
		},
	)

	StationsSkipped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "velocast_stations_skipped_total",
			Help: "Stations left out of an inference batch",
		},
		[]string{"reason"},
	)

	UnknownStationSubstitutions = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "velocast_unknown_station_substitutions_total",
			Help: "Inference rows whose station was mapped to the fallback class",
		},
	)

	CountsRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "velocast_counts_rejected_total",
			Help: "Daily counts dropped by validation, by quality flag",
		},
		[]string{"flag"},
	)

	DailyMAE = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "velocast_daily_mae",
			Help: "Mean absolute error of the most recently monitored day",
		},
	)
)

// Skip reasons for StationsSkipped.
const (
	SkipInsufficientHistory = "insufficient_history"
	SkipLookupError         = "lookup_error"
	SkipInvalidRow          = "invalid_row"
	SkipAlreadyPredicted    = "already_predicted"
	SkipWriteError          = "write_error"
	SkipUpstreamError       = "upstream_error"
)
