package util

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	BookingsCreatedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bookings_created_total",
		Help: "Total number of funded bookings created",
	})

	BookingsReplayedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bookings_idempotent_replays_total",
		Help: "Total number of create requests answered from an existing booking",
	})

	BookingsCancelledTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bookings_cancelled_total",
		Help: "Total number of cancelled and refunded bookings",
	})

	BookingsCompletedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bookings_completed_total",
		Help: "Total number of completed projects",
	})

	BookingsDisputedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bookings_disputed_total",
		Help: "Total number of disputed bookings",
	})

	StageTransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stage_transitions_total",
		Help: "Total number of stage transitions by action",
	}, []string{"action"})

	OperationsRejectedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "operations_rejected_total",
		Help: "Total number of rejected operations by operation and error kind",
	}, []string{"operation", "kind"})

	EscrowReleasedAmount = promauto.NewCounter(prometheus.CounterOpts{
		Name: "escrow_released_amount_total",
		Help: "Sum of minor units released to freelancers",
	})

	EscrowRefundedAmount = promauto.NewCounter(prometheus.CounterOpts{
		Name: "escrow_refunded_amount_total",
		Help: "Sum of minor units refunded to clients",
	})

	RailCallsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "payment_rail_calls_total",
		Help: "Total number of payment rail calls",
	}, []string{"kind", "result"})

	RailLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "payment_rail_latency_seconds",
		Help:    "Latency of payment rail calls",
		Buckets: prometheus.DefBuckets,
	}, []string{"kind"})

	EventsPublishFailedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "booking_events_publish_failed_total",
		Help: "Total number of booking events that failed to publish",
	})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "HTTP request latency",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path", "status"})

	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status"})
)
