package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	StageDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "speciesmix_stage_duration_seconds",
			Help:    "Pipeline stage duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"stage"},
	)

	PlotsLoaded = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "speciesmix_plots_loaded_total",
			Help: "Total plots successfully loaded",
		},
		[]string{"table"},
	)

	QualityFlags = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "speciesmix_quality_flags_total",
			Help: "Plots flagged by input quality checks",
		},
		[]string{"table", "flag"},
	)

	RemoteRetrievals = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "speciesmix_remote_retrievals_total",
			Help: "Remote table retrievals by scheme and outcome",
		},
		[]string{"scheme", "status"},
	)

	OutOfBagFallbacks = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "speciesmix_oob_fallbacks_total",
			Help: "Training plots never out-of-bag, predicted by the full ensemble instead",
		},
	)

	RunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "speciesmix_runs_total",
			Help: "Pipeline runs by algorithm and outcome",
		},
		[]string{"algorithm", "status"},
	)

	RMSE = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "speciesmix_rmse",
			Help: "RMSE of the last run per class and aggregation level",
		},
		[]string{"class", "level"},
	)

	MeanDiff = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "speciesmix_mean_diff",
			Help: "Mean difference (predicted - observed) of the last run per class and aggregation level",
		},
		[]string{"class", "level"},
	)
)

// WriteTextfile dumps the default registry in the node-exporter textfile format.
func WriteTextfile(path string) error {
	return prometheus.WriteToTextfile(path, prometheus.DefaultGatherer)
}
