// Package metrics provides Prometheus instrumentation for the chat multiplexer.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Request outcomes.
const (
	OutcomeSuccess   = "success"
	OutcomeWarning   = "warning"
	OutcomeError     = "error"
	OutcomeCancelled = "cancelled"
	OutcomeInvalid   = "invalid"
)

var (
	// ActiveConnections tracks open duplex connections by role.
	ActiveConnections = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "genesis_active_connections",
			Help: "Number of open WebSocket connections.",
		},
		[]string{"role"},
	)

	// InFlightRequests tracks chat requests currently being served.
	InFlightRequests = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "genesis_inflight_requests",
			Help: "Number of chat requests currently in flight.",
		},
	)

	// RequestsTotal counts finished chat requests by provider and outcome.
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "genesis_requests_total",
			Help: "Total number of chat requests by provider and outcome.",
		},
		[]string{"provider", "outcome"},
	)

	// RequestLatency tracks provider call latency in seconds.
	RequestLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "genesis_request_latency_seconds",
			Help:    "Provider call latency in seconds.",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		},
		[]string{"provider", "model"},
	)

	// TimeToFirstToken tracks streaming time to first token in seconds.
	TimeToFirstToken = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "genesis_time_to_first_token_seconds",
			Help:    "Time from request dispatch to the first streamed token.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"provider", "model"},
	)

	// TokensTotal counts tokens by direction ("sent" or "received").
	TokensTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "genesis_tokens_total",
			Help: "Total number of tokens by provider and direction.",
		},
		[]string{"provider", "direction"},
	)

	// TokenDiscrepanciesTotal counts completions whose local token count disagreed with the
	// provider beyond tolerance.
	TokenDiscrepanciesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "genesis_token_discrepancies_total",
			Help: "Completions whose local and reported token counts differ beyond tolerance.",
		},
		[]string{"provider"},
	)
)
