package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RetryAttempts counts every operation attempt made through a retry policy.
	RetryAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "triggerflow_retry_attempts_total",
			Help: "Operation attempts made through a retry policy",
		},
		[]string{"policy"},
	)

	RetryExhausted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "triggerflow_retry_exhausted_total",
			Help: "Operations that failed after all retries",
		},
		[]string{"policy"},
	)

	PagesFetched = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "triggerflow_pages_fetched_total",
			Help: "Pages retrieved by the cascading scheduler",
		},
		[]string{"level"},
	)

	UnitsAttempted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "triggerflow_units_attempted_total",
			Help: "Entities fanned out by the cascading scheduler",
		},
		[]string{"level"},
	)

	UnitsFailed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "triggerflow_units_failed_total",
			Help: "Entities whose trigger could not be started",
		},
		[]string{"level"},
	)

	MessagesPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "triggerflow_messages_published_total",
			Help: "Trigger messages handed to a transport",
		},
		[]string{"transport", "source"},
	)

	Resubscribes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "triggerflow_bus_resubscribes_total",
			Help: "Subscriptions restarted after the transport ended them",
		},
		[]string{"transport"},
	)

	MessagesProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "triggerflow_messages_processed_total",
			Help: "Trigger messages consumed by the worker pool",
		},
		[]string{"source", "outcome"},
	)
)
