// Package metrics declares the prometheus collectors exported on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// BreakerTransitions counts circuit breaker state changes per operation kind
	BreakerTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notifyguard_breaker_transitions_total",
			Help: "Total number of circuit breaker state transitions",
		},
		[]string{"operation", "to"},
	)

	// BreakerRejections counts calls refused by an open breaker
	BreakerRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notifyguard_breaker_rejections_total",
			Help: "Total number of calls rejected by an open circuit breaker",
		},
		[]string{"operation"},
	)

	// RetryAttempts counts invocations of wrapped operations
	RetryAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notifyguard_retry_attempts_total",
			Help: "Total number of operation invocations made by the retry executor",
		},
		[]string{"operation"},
	)

	// RetryOutcomes counts finished retry sequences by result (success, failure, exhausted, rejected)
	RetryOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notifyguard_retry_outcomes_total",
			Help: "Total number of finished retry sequences by outcome",
		},
		[]string{"operation", "outcome"},
	)

	// OperationDuration tracks how long a whole retry sequence took
	OperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "notifyguard_operation_duration_seconds",
			Help:    "Duration of retry sequences in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation"},
	)

	// ClassifiedErrors counts errors observed by the health monitor
	ClassifiedErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notifyguard_errors_total",
			Help: "Total number of classified errors",
		},
		[]string{"type", "severity"},
	)

	// Escalations counts reports forwarded to the external tracker
	Escalations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notifyguard_escalations_total",
			Help: "Total number of escalations by result (sent, throttled, failed)",
		},
		[]string{"type", "result"},
	)

	// CapacityRechecks counts recheck invocations per trigger (event, poll, manual, reconcile)
	CapacityRechecks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notifyguard_capacity_rechecks_total",
			Help: "Total number of capacity rechecks",
		},
		[]string{"trigger"},
	)

	// CapacityReached counts resources that crossed their capacity threshold
	CapacityReached = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "notifyguard_capacity_reached_total",
			Help: "Total number of capacity threshold crossings claimed by this process",
		},
	)

	// TrackedResources tracks the size of the watcher status map by status
	TrackedResources = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "notifyguard_tracked_resources",
			Help: "Number of resources tracked by the capacity watcher",
		},
		[]string{"status"},
	)

	// Dispatches counts notification dispatches by result (delivered, partial, failed, duplicate, not_persisted)
	Dispatches = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notifyguard_dispatches_total",
			Help: "Total number of notification dispatches",
		},
		[]string{"type", "result"},
	)

	// PushDeliveries counts per-endpoint push results
	PushDeliveries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notifyguard_push_deliveries_total",
			Help: "Total number of per-endpoint push sends",
		},
		[]string{"result"},
	)

	// DBConnectionPoolUsage tracks the percentage of open connections
	DBConnectionPoolUsage = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "notifyguard_db_connection_pool_usage_percent",
			Help: "Percentage of database connection pool usage",
		},
	)

	// PrunedNotifications counts rows deleted by the retention pruner
	PrunedNotifications = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "notifyguard_pruned_notifications_total",
			Help: "Total number of notifications deleted by retention",
		},
	)
)
