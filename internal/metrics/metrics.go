// Package metrics provides Prometheus instrumentation for Kestrel.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// TransactionsTotal counts scored transactions by terminal decision.
	TransactionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "kestrel",
			Name:      "transactions_total",
			Help:      "Total transactions scored by decision.",
		},
		[]string{"decision"},
	)

	// InvalidTransactionsTotal counts transactions rejected before scoring.
	InvalidTransactionsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "kestrel",
		Name:      "invalid_transactions_total",
		Help:      "Total transactions rejected for missing or malformed fields.",
	})

	// AlertsTotal counts emitted alerts by severity.
	AlertsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "kestrel",
			Name:      "alerts_total",
			Help:      "Total fraud alerts emitted by severity.",
		},
		[]string{"severity"},
	)

	// RuleTriggersTotal counts non-zero rule scores by rule.
	RuleTriggersTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "kestrel",
			Name:      "rule_triggers_total",
			Help:      "Total times each rule produced a non-zero score.",
		},
		[]string{"rule"},
	)

	// RuleFaultsTotal counts rule evaluations that errored or panicked.
	RuleFaultsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "kestrel",
			Name:      "rule_faults_total",
			Help:      "Total rule evaluations that failed and scored 0.",
		},
		[]string{"rule"},
	)

	// DegradedEvaluationsTotal counts evaluations scored without history.
	DegradedEvaluationsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "kestrel",
		Name:      "degraded_evaluations_total",
		Help:      "Total evaluations where the history store was unavailable.",
	})

	// HistoryRecordFailuresTotal counts failed history writes.
	HistoryRecordFailuresTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "kestrel",
		Name:      "history_record_failures_total",
		Help:      "Total transactions that could not be recorded into history.",
	})

	// EvaluationDuration observes end-to-end scoring latency.
	EvaluationDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "kestrel",
		Name:      "evaluation_duration_seconds",
		Help:      "Time to record, score and decide one transaction.",
		Buckets:   []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25, .5, 1},
	})

	// RiskScore observes the distribution of final risk scores.
	RiskScore = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "kestrel",
		Name:      "risk_score",
		Help:      "Distribution of final risk scores.",
		Buckets:   prometheus.LinearBuckets(0, 10, 11),
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "kestrel",
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, path pattern, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency by method and path.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "kestrel",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// MessagesTotal counts stream messages handled by the worker by result.
	MessagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "kestrel",
			Name:      "messages_total",
			Help:      "Total stream messages handled by result.",
		},
		[]string{"result"},
	)

	// TrackedAccounts is the number of account windows held in memory.
	TrackedAccounts = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "kestrel",
		Name:      "tracked_accounts",
		Help:      "Number of account history windows held in memory.",
	})
)

func init() {
	prometheus.MustRegister(
		TransactionsTotal,
		InvalidTransactionsTotal,
		AlertsTotal,
		RuleTriggersTotal,
		RuleFaultsTotal,
		DegradedEvaluationsTotal,
		HistoryRecordFailuresTotal,
		EvaluationDuration,
		RiskScore,
		HTTPRequestsTotal,
		HTTPRequestDuration,
		MessagesTotal,
		TrackedAccounts,
	)
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveHTTP records one HTTP request.
func ObserveHTTP(method, path string, status int, elapsed time.Duration) {
	HTTPRequestsTotal.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	HTTPRequestDuration.WithLabelValues(method, path).Observe(elapsed.Seconds())
}
