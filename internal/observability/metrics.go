package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "freelance_dispatch"

var (
	RequestsOpened   = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "instant_requests_opened_total", Help: "Instant requests opened"})
	RequestsResolved = promauto.NewCounterVec(prometheus.CounterOpts{Namespace: namespace, Name: "instant_requests_resolved_total", Help: "Instant requests resolved by outcome"}, []string{"resolution"})
	BidsTotal        = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "bids_total", Help: "Bids accepted into open requests"})
	AcceptsLost      = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "accepts_lost_total", Help: "Accept calls that lost arbitration"})
	CandidatesPerReq = promauto.NewHistogram(prometheus.HistogramOpts{Namespace: namespace, Name: "candidates_per_request", Help: "Candidates notified per request", Buckets: prometheus.LinearBuckets(0, 5, 10)})
	MatchLatency     = promauto.NewHistogram(prometheus.HistogramOpts{Namespace: namespace, Name: "match_latency_seconds", Help: "Time from request open to acceptance"})
	FreelancersSeen  = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "freelancer_location_updates_total", Help: "Freelancer location updates ingested"})

	NotificationFailures = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "notification_failures_total", Help: "Candidate notifications that failed and were skipped"})
	EventsDropped        = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "events_dropped_total", Help: "Outbound events dropped because the queue was full"})
	EventSinkErrors      = promauto.NewCounterVec(prometheus.CounterOpts{Namespace: namespace, Name: "event_sink_errors_total", Help: "Outbound event delivery errors by sink"}, []string{"sink"})

	BookingTransitions = promauto.NewCounterVec(prometheus.CounterOpts{Namespace: namespace, Name: "booking_transitions_total", Help: "Booking state transitions"}, []string{"to"})
	OTPRejections      = promauto.NewCounterVec(prometheus.CounterOpts{Namespace: namespace, Name: "otp_rejections_total", Help: "Rejected code presentations"}, []string{"purpose"})

	LedgerCredits      = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "ledger_credits_total", Help: "Settlement credits written"})
	LedgerCreditAmount = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "ledger_credited_amount_total", Help: "Sum of credited minor units"})
	LedgerPromoted     = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "ledger_promoted_total", Help: "Pending entries promoted to available"})
	Withdrawals        = promauto.NewCounterVec(prometheus.CounterOpts{Namespace: namespace, Name: "withdrawals_total", Help: "Withdrawal status changes"}, []string{"status"})
	IntegrityFaults    = promauto.NewCounterVec(prometheus.CounterOpts{Namespace: namespace, Name: "integrity_faults_total", Help: "Integrity faults raised"}, []string{"code"})

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
