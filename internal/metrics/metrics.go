package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics are registered on the registerer handed to New, never on the
// global default.
type Metrics struct {
	RunsTriggered       *prometheus.CounterVec
	RunsDequeued        prometheus.Counter
	RunsFinished        *prometheus.CounterVec
	RunRetries          prometheus.Counter
	SnapshotConflicts   prometheus.Counter
	WaitpointsCompleted *prometheus.CounterVec
	BatchesCompleted    prometheus.Counter
	MovedToWorkerQueue  prometheus.Counter
	HTTPRequests        *prometheus.HistogramVec
}

func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RunsTriggered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "runengine_runs_triggered_total",
			Help: "Runs created, by environment type.",
		}, []string{"environment_type"}),
		RunsDequeued: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "runengine_runs_dequeued_total",
			Help: "Runs handed to a worker.",
		}),
		RunsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "runengine_runs_finished_total",
			Help: "Runs reaching a final status, by status.",
		}, []string{"status"}),
		RunRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "runengine_run_retries_total",
			Help: "Failed attempts scheduled for retry.",
		}),
		SnapshotConflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "runengine_snapshot_conflicts_total",
			Help: "Transitions rejected because the caller's snapshot was stale.",
		}),
		WaitpointsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "runengine_waitpoints_completed_total",
			Help: "Waitpoints completed, by kind.",
		}, []string{"kind"}),
		BatchesCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "runengine_batches_completed_total",
			Help: "Batches whose runs all finished.",
		}),
		MovedToWorkerQueue: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "runengine_moved_to_worker_queue_total",
			Help: "Messages the consumer moved onto worker queues.",
		}),
		HTTPRequests: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "runengine_http_request_duration_seconds",
			Help:    "HTTP request latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route", "code"}),
	}
	if reg != nil {
		reg.MustRegister(
			m.RunsTriggered, m.RunsDequeued, m.RunsFinished, m.RunRetries, m.SnapshotConflicts,
			m.WaitpointsCompleted, m.BatchesCompleted, m.MovedToWorkerQueue, m.HTTPRequests,
		)
	}
	return m
}
