// Package metrics provides Prometheus metrics for the CTR pipeline.
// It covers dataset loading, boosting progress, per-stage durations and
// failures, and the evaluation result of each run.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the pipeline.
type Metrics struct {
	// Data metrics
	RowsLoaded prometheus.Counter   // Rows parsed from the dataset
	Downloads  prometheus.Counter   // Dataset archives downloaded
	SplitRows  *prometheus.GaugeVec // Rows per split, labelled train/test

	// Training metrics
	BoostingIterations prometheus.Counter   // Trees added to the ensemble
	IterationLatency   prometheus.Histogram // Seconds per boosting round
	TrainLoss          prometheus.Gauge     // Weighted training log-loss after the last round

	// Run metrics
	StageDuration   *prometheus.HistogramVec // Seconds per pipeline stage
	StageFailures   *prometheus.CounterVec   // Aborted stages by stage and error kind
	EvaluationScore *prometheus.GaugeVec     // Last evaluation result by metric
	PipelineSaves   prometheus.Counter       // Pipelines written to disk
	RunsTotal       prometheus.Counter       // Completed runs
	LastRunSuccess  prometheus.Gauge         // Unix time of the last completed run
}

// New creates and registers all metrics on the default registry.
func New() *Metrics {
	return NewWithRegistry(prometheus.DefaultRegisterer)
}

// NewWithRegistry creates metrics on a custom registerer (useful for testing).
func NewWithRegistry(registerer prometheus.Registerer) *Metrics {
	factory := promauto.With(registerer)
	return &Metrics{
		RowsLoaded: factory.NewCounter(prometheus.CounterOpts{
			Name: "ctr_rows_loaded_total",
			Help: "Total number of dataset rows parsed",
		}),
		Downloads: factory.NewCounter(prometheus.CounterOpts{
			Name: "ctr_dataset_downloads_total",
			Help: "Total number of dataset archives downloaded",
		}),
		SplitRows: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "ctr_split_rows",
			Help: "Number of rows in each split of the last run",
		}, []string{"split"}),
		BoostingIterations: factory.NewCounter(prometheus.CounterOpts{
			Name: "ctr_boosting_iterations_total",
			Help: "Total number of boosting iterations completed",
		}),
		IterationLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "ctr_boosting_iteration_seconds",
			Help:    "Duration of one boosting iteration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 15),
		}),
		TrainLoss: factory.NewGauge(prometheus.GaugeOpts{
			Name: "ctr_train_log_loss",
			Help: "Weighted training log-loss after the latest iteration",
		}),
		StageDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "ctr_stage_duration_seconds",
			Help:    "Duration of pipeline stages in seconds",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 16),
		}, []string{"stage"}),
		StageFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "ctr_stage_failures_total",
			Help: "Total number of aborted pipeline stages",
		}, []string{"stage", "kind"}),
		EvaluationScore: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "ctr_evaluation_score",
			Help: "Evaluation result of the last run",
		}, []string{"metric"}),
		PipelineSaves: factory.NewCounter(prometheus.CounterOpts{
			Name: "ctr_pipeline_saves_total",
			Help: "Total number of pipelines persisted",
		}),
		RunsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "ctr_runs_total",
			Help: "Total number of completed pipeline runs",
		}),
		LastRunSuccess: factory.NewGauge(prometheus.GaugeOpts{
			Name: "ctr_last_run_success_timestamp_seconds",
			Help: "Unix time of the last completed run",
		}),
	}
}
