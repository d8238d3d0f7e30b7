package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

func (r *Registry) initFoldMetrics() {
	r.FoldsStarted = promauto.With(r.registry).NewCounter(
		prometheus.CounterOpts{
			Name: "lsmfold_folds_started_total",
			Help: "Total number of fold operations started",
		},
	)

	r.FoldsCompleted = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "lsmfold_folds_completed_total",
			Help: "Total number of fold operations that reached a terminal notification",
		},
		[]string{"reason"}, // done | limit
	)

	r.FoldsAborted = promauto.With(r.registry).NewCounter(
		prometheus.CounterOpts{
			Name: "lsmfold_folds_aborted_total",
			Help: "Total number of fold operations aborted without a terminal notification",
		},
	)

	r.FoldDuration = promauto.With(r.registry).NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "lsmfold_fold_duration_seconds",
			Help:    "Fold operation duration in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0, 5.0},
		},
		[]string{"reason"},
	)

	r.FoldResults = promauto.With(r.registry).NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "lsmfold_fold_results",
			Help:    "Number of results emitted per fold",
			Buckets: prometheus.ExponentialBuckets(1, 10, 8),
		},
		[]string{"reason"},
	)

	r.FoldStepsTotal = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "lsmfold_fold_steps_total",
			Help: "Total number of merge-selection steps by outcome",
		},
		[]string{"outcome"}, // result | tombstone | limit
	)

	r.FoldActiveSources = promauto.With(r.registry).NewGauge(
		prometheus.GaugeOpts{
			Name: "lsmfold_fold_active_sources",
			Help: "Number of level sources participating in currently running folds",
		},
	)
}
