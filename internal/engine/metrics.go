package engine

import "github.com/prometheus/client_golang/prometheus"

// Metric label values for task outcomes.
const (
	outcomeCompleted = "completed"
	outcomeCached    = "cached"
	outcomeRetried   = "retried"
	outcomeFailed    = "failed"
)

// Metric label values for worker restart reasons.
const (
	restartCrash       = "crash"
	restartConsecutive = "consecutive_failures"
	restartWatchdog    = "watchdog"
)

var (
	tasksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sweepd_engine_tasks_total",
			Help: "Total number of task attempts processed, by outcome.",
		},
		[]string{"outcome"},
	)

	taskDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "sweepd_engine_task_duration_seconds",
			Help:    "Wall-clock duration of worker task delegations, in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
		},
	)

	workerRestarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sweepd_engine_worker_restarts_total",
			Help: "Total number of worker handle replacements, by reason.",
		},
		[]string{"reason"},
	)

	cacheHits = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "sweepd_engine_cache_hits_total",
			Help: "Total number of tasks satisfied from prior results.",
		},
	)

	activeRuns = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "sweepd_engine_active_runs",
			Help: "Number of runs currently executing.",
		},
	)

	activeWorkers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "sweepd_engine_active_workers",
			Help: "Number of worker loops currently running across all runs.",
		},
	)
)

func init() {
	prometheus.MustRegister(tasksTotal)
	prometheus.MustRegister(taskDuration)
	prometheus.MustRegister(workerRestarts)
	prometheus.MustRegister(cacheHits)
	prometheus.MustRegister(activeRuns)
	prometheus.MustRegister(activeWorkers)

	// Pre-initialize label combinations so they appear in /metrics with
	// value 0 from startup, rather than only after first observation.
	for _, outcome := range []string{outcomeCompleted, outcomeCached, outcomeRetried, outcomeFailed} {
		tasksTotal.WithLabelValues(outcome)
	}
	for _, reason := range []string{restartCrash, restartConsecutive, restartWatchdog} {
		workerRestarts.WithLabelValues(reason)
	}
}
