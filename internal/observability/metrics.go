package observability

import "github.com/prometheus/client_golang/prometheus"

var (
	RequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "salonq_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"route", "code", "method"},
	)

	DBTxDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "salonq_db_tx_seconds",
			Help:    "Duration of DB transactions",
			Buckets: prometheus.DefBuckets,
		},
	)

	Transitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "salonq_booking_transitions_total",
			Help: "Booking lifecycle transitions by action",
		},
		[]string{"action"},
	)

	QueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "salonq_queue_depth",
			Help: "Live queue entries per salon",
		},
		[]string{"salon_id"},
	)

	LockTimeouts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "salonq_lock_timeouts_total",
			Help: "Per-salon guard acquisitions that timed out",
		},
	)

	BroadcastFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "salonq_broadcast_failures_total",
			Help: "Queue snapshot broadcasts that failed",
		},
	)

	SweepProcessed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "salonq_sweep_processed_total",
			Help: "Bookings transitioned to no-show by the overdue sweep",
		},
	)

	OutboxLag = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "salonq_outbox_lag_seconds",
			Help: "Age of the oldest unpublished outbox record",
		},
	)
)

func InitMetrics() {
	prometheus.MustRegister(RequestsTotal, DBTxDuration, Transitions, QueueDepth, LockTimeouts, BroadcastFailures, SweepProcessed, OutboxLag)
}
