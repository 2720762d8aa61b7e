package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	PairsMatched = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "forecastaccuracy_pairs_matched_total",
			Help: "Forecast-observation pairs inserted or re-pointed",
		},
		[]string{"site"},
	)

	ForecastsUnmatched = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "forecastaccuracy_forecasts_unmatched_total",
			Help: "Forecasts with no observation inside the tolerance window",
		},
		[]string{"site"},
	)

	DeviationsWritten = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "forecastaccuracy_deviations_written_total",
			Help: "Deviation rows inserted or changed",
		},
		[]string{"site"},
	)

	Outliers = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "forecastaccuracy_outliers_total",
			Help: "Deviations flagged as outliers",
		},
		[]string{"site", "parameter"},
	)

	PairsSkipped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "forecastaccuracy_pairs_skipped_total",
			Help: "Pairs skipped by the deviation calculator",
		},
		[]string{"site", "reason"},
	)

	MetricsRecomputed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "forecastaccuracy_metrics_recomputed_total",
			Help: "Accuracy metric recomputations by outcome",
		},
		[]string{"status"},
	)

	RollupsRefreshed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "forecastaccuracy_rollups_refreshed_total",
			Help: "Rollup buckets by refresh outcome",
		},
		[]string{"granularity", "outcome"},
	)

	JobDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "forecastaccuracy_job_duration_seconds",
			Help:    "Pipeline stage duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"job", "status"},
	)
)
