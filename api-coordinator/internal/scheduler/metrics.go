package scheduler

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type metrics struct {
	assigned     prometheus.Counter
	completed    prometheus.Counter
	requeued     *prometheus.CounterVec
	failed       prometheus.Counter
	staleResults prometheus.Counter
	jobs         *prometheus.CounterVec
	workers      prometheus.Gauge
	capacity     *prometheus.GaugeVec
	duration     prometheus.Histogram
}

// newMetrics registra en r; con r nil los colectores existen pero no se exponen.
func newMetrics(r prometheus.Registerer) *metrics {
	return &metrics{
		assigned: promauto.With(r).NewCounter(prometheus.CounterOpts{
			Name: "tilecast_scheduler_blocks_assigned_total",
			Help: "Total number of block assignments sent to workers.",
		}),
		completed: promauto.With(r).NewCounter(prometheus.CounterOpts{
			Name: "tilecast_scheduler_blocks_completed_total",
			Help: "Total number of blocks completed.",
		}),
		requeued: promauto.With(r).NewCounterVec(prometheus.CounterOpts{
			Name: "tilecast_scheduler_blocks_requeued_total",
			Help: "Total number of blocks returned to the pending queue.",
		}, []string{"reason"}),
		failed: promauto.With(r).NewCounter(prometheus.CounterOpts{
			Name: "tilecast_scheduler_blocks_failed_total",
			Help: "Total number of blocks that exhausted their retries.",
		}),
		staleResults: promauto.With(r).NewCounter(prometheus.CounterOpts{
			Name: "tilecast_scheduler_stale_results_total",
			Help: "Total number of results ignored because the block was no longer assigned to the sender.",
		}),
		jobs: promauto.With(r).NewCounterVec(prometheus.CounterOpts{
			Name: "tilecast_scheduler_jobs_total",
			Help: "Total number of jobs by terminal status.",
		}, []string{"status"}),
		workers: promauto.With(r).NewGauge(prometheus.GaugeOpts{
			Name: "tilecast_scheduler_connected_workers",
			Help: "Number of registered workers.",
		}),
		capacity: promauto.With(r).NewGaugeVec(prometheus.GaugeOpts{
			Name: "tilecast_scheduler_worker_capacity_blocks_per_second",
			Help: "Estimated worker throughput.",
		}, []string{"worker"}),
		duration: promauto.With(r).NewHistogram(prometheus.HistogramOpts{
			Name:    "tilecast_scheduler_block_processing_seconds",
			Help:    "Processing time reported by workers for completed blocks.",
			Buckets: prometheus.ExponentialBuckets(0.001, 4, 10),
		}),
	}
}
