package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the fleet backend core.
type Metrics struct {
	// Webhook delivery metrics
	DeliveryAttempts *prometheus.CounterVec
	DeliveryDuration *prometheus.HistogramVec
	OutboxPending    prometheus.Gauge
	CircuitOpened    *prometheus.CounterVec

	// Scheduler metrics
	JobRuns     *prometheus.CounterVec
	JobDuration *prometheus.HistogramVec

	// HTTP metrics
	HTTPRequests       *prometheus.CounterVec
	IdempotencyReplays prometheus.Counter

	// Enrollment metrics
	Enrollments *prometheus.CounterVec
}

// New creates and registers all Prometheus metrics with the default registry.
func New() *Metrics {
	return &Metrics{
		DeliveryAttempts: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "webhook_delivery_attempts_total",
				Help: "Total webhook delivery attempts by outcome",
			},
			[]string{"outcome"}, // success, failure, skipped_circuit, skipped_disabled
		),

		DeliveryDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "webhook_delivery_duration_seconds",
				Help:    "Duration of outbound webhook POSTs",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"outcome"},
		),

		OutboxPending: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "webhook_outbox_pending",
				Help: "Pending deliveries claimed in the last retry cycle",
			},
		),

		CircuitOpened: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "webhook_circuit_opened_total",
				Help: "Times an endpoint circuit transitioned to open",
			},
			[]string{"webhook_id"},
		),

		JobRuns: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scheduler_job_runs_total",
				Help: "Background job executions by result",
			},
			[]string{"job", "result"}, // result: ok, error, panic
		),

		JobDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "scheduler_job_duration_seconds",
				Help:    "Duration of background job executions",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 15, 60, 300},
			},
			[]string{"job"},
		),

		HTTPRequests: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "HTTP requests by route and status class",
			},
			[]string{"route", "status"},
		),

		IdempotencyReplays: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "idempotency_replays_total",
				Help: "Requests answered from the idempotency cache",
			},
		),

		Enrollments: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "device_enrollments_total",
				Help: "Device enrollment attempts by outcome",
			},
			[]string{"outcome"}, // created, updated, rejected
		),
	}
}
