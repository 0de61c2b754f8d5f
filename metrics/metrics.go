package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	DispatchOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "coldreach_dispatch_outcomes_total",
			Help: "Enrollment outcomes produced by dispatch sweeps",
		},
		[]string{"outcome"},
	)

	DispatchSweepDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "coldreach_dispatch_sweep_seconds",
			Help:    "Duration of dispatch sweeps in seconds",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
		},
		[]string{"trigger"},
	)

	DispatchInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "coldreach_dispatch_in_flight",
			Help: "Enrollments currently claimed for sending",
		},
	)

	CSVRows = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "coldreach_csv_rows_total",
			Help: "CSV import rows by outcome",
		},
		[]string{"outcome"},
	)

	EnrollmentTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "coldreach_enrollment_transitions_total",
			Help: "Enrollment state transitions by target status",
		},
		[]string{"status"},
	)

	RepliesDetected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "coldreach_replies_detected_total",
			Help: "Inbound replies matched to enrollments",
		},
		[]string{"source"},
	)

	HTTPRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "coldreach_http_requests_total",
			Help: "HTTP requests by route and status",
		},
		[]string{"method", "route", "status"},
	)

	HTTPDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "coldreach_http_request_duration_seconds",
			Help:    "HTTP request latency",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)
)
