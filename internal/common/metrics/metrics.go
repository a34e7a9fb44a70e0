// Package metrics defines the Prometheus instruments for the dispatch core.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Circuit breaker state gauge values.
const (
	CircuitBreakerClosed   = 0
	CircuitBreakerOpen     = 1
	CircuitBreakerHalfOpen = 2
)

var (
	// Pool metrics

	PoolMessagesProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "flowcatalyst",
			Subsystem: "pool",
			Name:      "messages_processed_total",
			Help:      "Total messages processed by processing pool",
		},
		[]string{"pool_code", "result"}, // result: success, failed, rejected
	)

	PoolProcessingDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "flowcatalyst",
			Subsystem: "pool",
			Name:      "processing_duration_seconds",
			Help:      "Time to mediate a message",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"pool_code"},
	)

	PoolActiveWorkers = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "flowcatalyst",
			Subsystem: "pool",
			Name:      "active_workers",
			Help:      "Workers currently holding a concurrency permit",
		},
		[]string{"pool_code"},
	)

	PoolQueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "flowcatalyst",
			Subsystem: "pool",
			Name:      "queue_depth",
			Help:      "Messages buffered across all group queues of the pool",
		},
		[]string{"pool_code"},
	)

	PoolAvailablePermits = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "flowcatalyst",
			Subsystem: "pool",
			Name:      "available_permits",
			Help:      "Unused concurrency permits in the pool",
		},
		[]string{"pool_code"},
	)

	PoolMessageGroupCount = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "flowcatalyst",
			Subsystem: "pool",
			Name:      "message_group_count",
			Help:      "Live message groups in the pool",
		},
		[]string{"pool_code"},
	)

	PoolRateLimitWaits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "flowcatalyst",
			Subsystem: "pool",
			Name:      "rate_limit_waits_total",
			Help:      "Times a worker suspended waiting for a rate-limit token",
		},
		[]string{"pool_code"},
	)

	// Pipeline metrics

	PipelineMapSize = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "flowcatalyst",
			Subsystem: "pipeline",
			Name:      "in_flight_messages",
			Help:      "Messages admitted to the pipeline and not yet acked or nacked",
		},
	)

	// Mediator metrics

	MediatorHTTPRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "flowcatalyst",
			Subsystem: "mediator",
			Name:      "http_requests_total",
			Help:      "HTTP requests issued by the mediator",
		},
		[]string{"status_code", "method"},
	)

	MediatorHTTPDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "flowcatalyst",
			Subsystem: "mediator",
			Name:      "http_duration_seconds",
			Help:      "Mediator HTTP request duration",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
		[]string{"target"},
	)

	// MediatorCircuitBreakerState: 0 closed, 1 open, 2 half-open.
	MediatorCircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "flowcatalyst",
			Subsystem: "mediator",
			Name:      "circuit_breaker_state",
			Help:      "Per-target circuit breaker state",
		},
		[]string{"target"},
	)

	MediatorCircuitBreakerTrips = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "flowcatalyst",
			Subsystem: "mediator",
			Name:      "circuit_breaker_trips_total",
			Help:      "Circuit breaker transitions to open",
		},
		[]string{"target"},
	)

	// Consumer metrics

	ConsumerStallEvents = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "flowcatalyst",
			Subsystem: "queue",
			Name:      "consumer_stall_events_total",
			Help:      "Times a consumer was detected as stalled",
		},
	)

	ConsumerRestarts = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "flowcatalyst",
			Subsystem: "queue",
			Name:      "consumer_restarts_total",
			Help:      "Consumer restart attempts by the supervisor",
		},
	)

	// Outbox metrics

	OutboxPollDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "flowcatalyst",
			Subsystem: "outbox",
			Name:      "poll_duration_seconds",
			Help:      "Duration of one outbox poll tick",
			Buckets:   prometheus.DefBuckets,
		},
	)

	OutboxInFlightItems = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "flowcatalyst",
			Subsystem: "outbox",
			Name:      "in_flight_items",
			Help:      "Items claimed from the outbox and not yet resolved",
		},
	)

	OutboxBufferSize = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "flowcatalyst",
			Subsystem: "outbox",
			Name:      "buffer_size",
			Help:      "Items waiting in the global buffer",
		},
	)

	OutboxItemsProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "flowcatalyst",
			Subsystem: "outbox",
			Name:      "items_processed_total",
			Help:      "Outbox items by outcome",
		},
		[]string{"type", "result"}, // result: completed, retried, failed
	)

	OutboxAPIDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "flowcatalyst",
			Subsystem: "outbox",
			Name:      "api_duration_seconds",
			Help:      "Batch API call duration",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"type"},
	)

	OutboxActiveProcessors = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "flowcatalyst",
			Subsystem: "outbox",
			Name:      "active_group_processors",
			Help:      "Group processors currently inside the API-call section",
		},
	)

	OutboxRecoveredItems = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "flowcatalyst",
			Subsystem: "outbox",
			Name:      "recovered_items_total",
			Help:      "Items reset to pending by crash or periodic recovery",
		},
		[]string{"type"},
	)

	// Leader election metrics

	// LeaderElectionState: 1 leader, 0 follower.
	LeaderElectionState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "flowcatalyst",
			Subsystem: "leader",
			Name:      "state",
			Help:      "Leadership state of this instance per lock",
		},
		[]string{"lock"},
	)
)
