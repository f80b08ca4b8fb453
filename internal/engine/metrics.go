package engine

import "github.com/prometheus/client_golang/prometheus"

const (
	outcomeAccepted = "accepted"
	outcomeRejected = "rejected"
)

var (
	tasksSubmitted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskd_tasks_submitted_total",
			Help: "Total number of submissions by task kind and admission outcome.",
		},
		[]string{"kind", "outcome"},
	)

	tasksFinished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskd_tasks_finished_total",
			Help: "Total number of jobs that reached a terminal status.",
		},
		[]string{"kind", "status"},
	)

	tasksInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "taskd_tasks_in_flight",
			Help: "Number of jobs currently executing.",
		},
	)

	taskDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "taskd_task_duration_seconds",
			Help:    "Execution time of jobs from start to finish.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"kind"},
	)

	resultsEvicted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "taskd_results_evicted_total",
			Help: "Total number of retained results dropped after their TTL.",
		},
	)
)

func init() {
	prometheus.MustRegister(tasksSubmitted)
	prometheus.MustRegister(tasksFinished)
	prometheus.MustRegister(tasksInFlight)
	prometheus.MustRegister(taskDuration)
	prometheus.MustRegister(resultsEvicted)
}
