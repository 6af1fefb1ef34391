package daemon

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus metrics for the poll loop and worker pool.
var (
	// messagesReceived counts non-empty polls.
	messagesReceived = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pollerd_messages_received_total",
		Help: "The total number of messages fetched from the queue",
	})

	// emptyPolls counts polls that returned no message.
	emptyPolls = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pollerd_empty_polls_total",
		Help: "The total number of polls that found the queue empty",
	})

	// workersFinished counts finished workers by outcome.
	// Labels:
	//   - outcome: "success", "failure", or "panic"
	workersFinished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pollerd_workers_finished_total",
		Help: "The total number of finished workers by outcome",
	}, []string{"outcome"})

	// duplicates counts deliveries skipped because the idempotency
	// claim was already held.
	duplicates = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pollerd_duplicate_deliveries_total",
		Help: "Deliveries skipped because another delivery holds the claim",
	})

	// deferrals counts admission denials pushed back onto the queue.
	deferrals = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pollerd_deferrals_total",
		Help: "Messages returned to the queue because the worker pool was full",
	})

	// spawnFailures counts dispatches that failed to start a worker.
	spawnFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pollerd_spawn_failures_total",
		Help: "Dispatches that could not start a worker",
	})

	// inFlight tracks the current worker pool size.
	inFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "pollerd_workers_in_flight",
		Help: "Number of workers currently processing a message",
	})

	// workerDuration tracks worker runtime in seconds.
	workerDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "pollerd_worker_duration_seconds",
		Help:    "Duration of message processing",
		Buckets: prometheus.DefBuckets,
	})

	// pollSleep exposes the current adaptive backoff sleep.
	pollSleep = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "pollerd_poll_sleep_seconds",
		Help: "Current sleep applied after an empty poll",
	})
)
