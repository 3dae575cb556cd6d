// Package metrics holds the process-wide Prometheus collectors shared
// across the grid runtime.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Squeue metrics

	// SqueueMessagesProcessed tracks messages put/dispatched per queue.
	SqueueMessagesProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "nodegrid",
			Subsystem: "squeue",
			Name:      "messages_processed_total",
			Help:      "Total messages processed by a dispatch queue",
		},
		[]string{"queue_name", "result"}, // result: ok, given_up (retries are counted in SqueueRetries)
	)

	// SqueueActiveReaders tracks the live reader count per queue.
	SqueueActiveReaders = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "nodegrid",
			Subsystem: "squeue",
			Name:      "active_readers",
			Help:      "Number of readers currently attached to a queue",
		},
		[]string{"queue_name"},
	)

	// SqueueQueueDepth tracks pending (unmatched put) messages per queue.
	SqueueQueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "nodegrid",
			Subsystem: "squeue",
			Name:      "queue_depth",
			Help:      "Number of messages queued awaiting a reader",
		},
		[]string{"queue_name"},
	)

	// SqueueRetries tracks reader-side retry attempts for durable queues.
	SqueueRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "nodegrid",
			Subsystem: "squeue",
			Name:      "retries_total",
			Help:      "Total retry attempts after a reader error",
		},
		[]string{"queue_name"},
	)

	// Mediator metrics

	// MediatorHTTPRequests tracks HTTP requests made by the mediator.
	MediatorHTTPRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "nodegrid",
			Subsystem: "mediator",
			Name:      "http_requests_total",
			Help:      "Total HTTP requests made by the mediator",
		},
		[]string{"status_code", "method"},
	)

	// MediatorHTTPDuration tracks HTTP request duration.
	MediatorHTTPDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "nodegrid",
			Subsystem: "mediator",
			Name:      "http_duration_seconds",
			Help:      "HTTP request duration",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		},
		[]string{"target"},
	)

	// MediatorCircuitBreakerState tracks circuit breaker state.
	// 0 = closed (healthy), 1 = open (tripped), 2 = half-open (testing)
	MediatorCircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "nodegrid",
			Subsystem: "mediator",
			Name:      "circuit_breaker_state",
			Help:      "Circuit breaker state (0=closed, 1=open, 2=half-open)",
		},
		[]string{"target"},
	)

	// MediatorCircuitBreakerTrips tracks circuit breaker trip events.
	MediatorCircuitBreakerTrips = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "nodegrid",
			Subsystem: "mediator",
			Name:      "circuit_breaker_trips_total",
			Help:      "Total circuit breaker trip events",
		},
		[]string{"target"},
	)

	// Scheduler metrics

	// SchedulerTicksTotal tracks scheduler run loop ticks.
	SchedulerTicksTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "nodegrid",
			Subsystem: "scheduler",
			Name:      "ticks_total",
			Help:      "Total scheduler run loop ticks",
		},
	)

	// SchedulerTasksRunning tracks the number of tasks currently registered.
	SchedulerTasksRunning = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "nodegrid",
			Subsystem: "scheduler",
			Name:      "tasks_running",
			Help:      "Number of tasks currently registered with the scheduler",
		},
	)

	// SchedulerTaskStepDuration tracks per-task Step() duration.
	SchedulerTaskStepDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "nodegrid",
			Subsystem: "scheduler",
			Name:      "task_step_duration_seconds",
			Help:      "Time spent in a single task Step() call",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"task_name"},
	)

	// Keepalive metrics

	// KeepAliveMessagesSent tracks mark_alive/listen_at messages sent.
	KeepAliveMessagesSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "nodegrid",
			Subsystem: "keepalive",
			Name:      "messages_sent_total",
			Help:      "Total keepalive messages sent",
		},
		[]string{"queue_name", "command"}, // command: mark_alive, listen_at
	)

	// KeepAliveErrors tracks keepalive send errors.
	KeepAliveErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "nodegrid",
			Subsystem: "keepalive",
			Name:      "errors_total",
			Help:      "Total keepalive send errors",
		},
		[]string{"queue_name"},
	)

	// Registry metrics

	// RegistryLookups tracks address resolution lookups by role.
	RegistryLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "nodegrid",
			Subsystem: "registry",
			Name:      "lookups_total",
			Help:      "Total registry address lookups",
		},
		[]string{"role", "result"}, // result: found, empty
	)

	// RegistryActiveNodes tracks the count of distinct nodes currently
	// registered.
	RegistryActiveNodes = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "nodegrid",
			Subsystem: "registry",
			Name:      "active_nodes",
			Help:      "Number of distinct nodes currently registered",
		},
	)

	// Queue metrics (nats/sqs ingest feeders)

	// QueueMessagesConsumed tracks messages consumed from an upstream queue.
	QueueMessagesConsumed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "nodegrid",
			Subsystem: "queue",
			Name:      "messages_consumed_total",
			Help:      "Total messages consumed from an upstream queue",
		},
		[]string{"queue_type"}, // nats, sqs
	)

	// QueueConsumeErrors tracks feeder fetch/decode errors.
	QueueConsumeErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "nodegrid",
			Subsystem: "queue",
			Name:      "consume_errors_total",
			Help:      "Total upstream queue fetch or decode errors",
		},
		[]string{"queue_type"},
	)

	// HTTP API metrics

	// HTTPRequestsTotal tracks HTTP API requests.
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "nodegrid",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP API requests",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration tracks HTTP API request duration.
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "nodegrid",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP API request duration",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// HTTPActiveConnections tracks active HTTP connections.
	HTTPActiveConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "nodegrid",
			Subsystem: "http",
			Name:      "active_connections",
			Help:      "Number of active HTTP connections",
		},
	)
)

// Circuit breaker state values, shared by the gauge above and any
// caller translating a gobreaker.State.
const (
	CircuitBreakerClosed   = 0
	CircuitBreakerOpen     = 1
	CircuitBreakerHalfOpen = 2
)
