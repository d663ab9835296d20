package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "gaswatcher"

// ── Fetcher chain ──────────────────────────────────────────────────────

var (
	FetchAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "fetch",
		Name:      "attempts_total",
		Help:      "Provider adapter attempts per metric kind and outcome.",
	}, []string{"kind", "provider", "status"})

	FetchDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "fetch",
		Name:      "duration_seconds",
		Help:      "Latency of a single provider adapter call.",
		Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
	}, []string{"kind", "provider"})

	FetchExhausted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "fetch",
		Name:      "exhausted_total",
		Help:      "Chain invocations where every provider failed.",
	}, []string{"kind"})

	LastReading = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "fetch",
		Name:      "last_value",
		Help:      "Most recent accepted reading (gwei for gas tiers, USD for price).",
	}, []string{"kind", "field"})
)

// ── Scheduled jobs ─────────────────────────────────────────────────────

var (
	JobRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "job",
		Name:      "runs_total",
		Help:      "Job executions by outcome.",
	}, []string{"job", "status"})

	JobSkipped = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "job",
		Name:      "skipped_total",
		Help:      "Ticks dropped because the previous run of the same job was still in flight.",
	}, []string{"job"})

	JobDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "job",
		Name:      "duration_seconds",
		Help:      "Wall time of a job execution.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"job"})
)

// ── Alerts and contest ─────────────────────────────────────────────────

var (
	AlertsTriggered = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "alerts",
		Name:      "triggered_total",
		Help:      "Subscriptions whose threshold was crossed.",
	})

	AlertsDeactivated = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "alerts",
		Name:      "deactivated_total",
		Help:      "Subscriptions flipped to inactive after submission.",
	})

	AlertsDeduplicated = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "alerts",
		Name:      "deduplicated_total",
		Help:      "Triggers whose notification was already submitted on an earlier tick.",
	})

	SubscriptionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "alerts",
		Name:      "subscriptions_active",
		Help:      "Active subscriptions seen by the last evaluation.",
	})

	LeaderboardParticipants = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "contest",
		Name:      "participants",
		Help:      "Participants in the most recently scored day.",
	})
)

// ── Delivery ───────────────────────────────────────────────────────────

var (
	NotificationsSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "notify",
		Name:      "sent_total",
		Help:      "Notifications accepted by the transport.",
	}, []string{"kind"})

	NotificationsFailed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "notify",
		Name:      "failed_total",
		Help:      "Notification submissions that failed.",
	}, []string{"kind"})
)

// ── HTTP ───────────────────────────────────────────────────────────────

var (
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "http",
		Name:      "requests_total",
		Help:      "Total number of HTTP requests.",
	}, []string{"method", "path", "status_code"})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "http",
		Name:      "request_duration_seconds",
		Help:      "HTTP request latency in seconds.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method", "path"})
)
