package executor

import "github.com/prometheus/client_golang/prometheus"

var (
	poolTasksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "algoserve_pool_tasks_total",
			Help: "Terminal task outcomes per pool.",
		},
		[]string{"pool", "outcome"},
	)

	poolTaskDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "algoserve_pool_task_duration_seconds",
			Help:    "Wall-clock task execution time per pool.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"pool"},
	)

	poolQueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "algoserve_pool_queue_depth",
			Help: "Tasks admitted but not yet dispatched, per pool.",
		},
		[]string{"pool"},
	)

	poolWorkers = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "algoserve_pool_workers",
			Help: "Configured worker count per pool.",
		},
		[]string{"pool"},
	)

	poolWorkerRestarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "algoserve_pool_worker_restarts_total",
			Help: "Workers killed and replaced, by reason.",
		},
		[]string{"pool", "reason"},
	)
)

func init() {
	prometheus.MustRegister(poolTasksTotal)
	prometheus.MustRegister(poolTaskDuration)
	prometheus.MustRegister(poolQueueDepth)
	prometheus.MustRegister(poolWorkers)
	prometheus.MustRegister(poolWorkerRestarts)
}
