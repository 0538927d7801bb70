package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// LoansCreated counts loans recorded by users.
	LoansCreated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "loansyncro_loans_created_total",
		Help: "Total number of loans created.",
	})

	// RepaymentsRecorded counts repayments inserted against loans.
	RepaymentsRecorded = promauto.NewCounter(prometheus.CounterOpts{
		Name: "loansyncro_repayments_recorded_total",
		Help: "Total number of repayments recorded.",
	})

	// StatusTransitions counts loan status changes.
	StatusTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "loansyncro_loan_status_transitions_total",
			Help: "Loan status transitions by source and target state.",
		},
		[]string{"from", "to"},
	)

	// VersionConflicts counts optimistic-concurrency retries by ledger operation.
	VersionConflicts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "loansyncro_version_conflicts_total",
			Help: "Loan writes retried after a concurrent update.",
		},
		[]string{"operation"},
	)

	// NotificationsDropped counts events discarded because the queue was full.
	NotificationsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "loansyncro_notifications_dropped_total",
		Help: "Notification events dropped because the dispatch queue was full.",
	})

	// HTTPRequests counts API requests by route template, method and status.
	HTTPRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "loansyncro_http_requests_total",
			Help: "HTTP requests by route, method and status code.",
		},
		[]string{"route", "method", "code"},
	)

	// HTTPDuration observes request latency by route template.
	HTTPDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "loansyncro_http_request_duration_seconds",
			Help:    "HTTP request latency by route.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route", "method"},
	)
)
