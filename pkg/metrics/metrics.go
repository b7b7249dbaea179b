package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Queue metrics
	TasksTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "engram_tasks_total",
			Help: "Number of tasks in the queue by status",
		},
		[]string{"status"},
	)

	TasksQueued = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "engram_tasks_queued_total",
			Help: "Total number of tasks enqueued by type",
		},
		[]string{"type"},
	)

	QueueRejections = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "engram_queue_rejections_total",
			Help: "Total number of enqueues rejected by backpressure",
		},
	)

	// Dispatcher metrics
	TasksDispatched = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "engram_tasks_dispatched_total",
			Help: "Total number of task assignments sent by destination kind",
		},
		[]string{"destination"},
	)

	TasksCompleted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "engram_tasks_completed_total",
			Help: "Total number of tasks completed",
		},
	)

	TasksFailed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "engram_tasks_failed_total",
			Help: "Total number of tasks that exhausted their retries",
		},
	)

	TasksTimedOut = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "engram_tasks_timed_out_total",
			Help: "Total number of tasks that exceeded the task timeout",
		},
	)

	TaskRetries = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "engram_task_retries_total",
			Help: "Total number of task retries re-entering the queue",
		},
	)

	DispatchLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "engram_dispatch_latency_seconds",
			Help:    "Duration of a dispatch cycle in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Connection metrics
	WorkersConnected = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "engram_workers_connected",
			Help: "Number of registered local workers",
		},
	)

	HubsConnected = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "engram_hubs_connected",
			Help: "Number of connected federated hubs",
		},
	)

	// Event bus metrics
	EventsDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "engram_events_dropped_total",
			Help: "Total number of events shed from full subscriber queues",
		},
		[]string{"client_type"},
	)
)

func init() {
	prometheus.MustRegister(TasksTotal)
	prometheus.MustRegister(TasksQueued)
	prometheus.MustRegister(QueueRejections)
	prometheus.MustRegister(TasksDispatched)
	prometheus.MustRegister(TasksCompleted)
	prometheus.MustRegister(TasksFailed)
	prometheus.MustRegister(TasksTimedOut)
	prometheus.MustRegister(TaskRetries)
	prometheus.MustRegister(DispatchLatency)
	prometheus.MustRegister(WorkersConnected)
	prometheus.MustRegister(HubsConnected)
	prometheus.MustRegister(EventsDropped)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
