// Package metrics holds the Prometheus collectors exported by the assistant.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// LLMBuckets covers collaborator latencies from 100ms to 60s.
var LLMBuckets = []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60}

var (
	// RequestsTotal counts handled requests by final status and mode.
	RequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aide_requests_total",
			Help: "Handled requests",
		},
		[]string{"status", "mode", "route"},
	)

	// RequestDuration records end-to-end dispatch latency.
	RequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "aide_request_duration_seconds",
			Help:    "Request duration",
			Buckets: LLMBuckets,
		},
		[]string{"route"},
	)

	// RateLimitRejectedTotal counts calls denied by the limiter per window.
	RateLimitRejectedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aide_ratelimit_rejected_total",
			Help: "Rate limit rejections",
		},
		[]string{"window"},
	)

	// ActionTokensTotal counts registry operations by outcome.
	ActionTokensTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aide_action_tokens_total",
			Help: "Action token operations",
		},
		[]string{"outcome"},
	)

	// WizardTransitionsTotal counts wizard transitions by flow and kind.
	WizardTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aide_wizard_transitions_total",
			Help: "Wizard transitions",
		},
		[]string{"flow", "transition"},
	)

	// RemindersFiredTotal counts fired occurrences; missed ones were past the grace window.
	RemindersFiredTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aide_reminders_fired_total",
			Help: "Reminder occurrences fired",
		},
		[]string{"outcome"},
	)

	// DeliveriesTotal counts outbound notification attempts.
	DeliveriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aide_deliveries_total",
			Help: "Notification deliveries",
		},
		[]string{"kind", "status"},
	)

	// DigestsSentTotal counts queued daily digests.
	DigestsSentTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "aide_digests_sent_total",
			Help: "Daily digests queued",
		},
	)

	// CollaboratorLatency records LLM and search call latency.
	CollaboratorLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "aide_collaborator_latency_seconds",
			Help:    "Collaborator latency",
			Buckets: LLMBuckets,
		},
		[]string{"collaborator", "status"},
	)
)

func init() {
	prometheus.MustRegister(
		RequestsTotal,
		RequestDuration,
		RateLimitRejectedTotal,
		ActionTokensTotal,
		WizardTransitionsTotal,
		RemindersFiredTotal,
		DeliveriesTotal,
		DigestsSentTotal,
		CollaboratorLatency,
	)
}

// Handler serves the default registry in the Prometheus text format.
func Handler() http.Handler {
	return promhttp.Handler()
}
