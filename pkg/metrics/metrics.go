// coursefee-portal/pkg/metrics/metrics.go
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	// label "service" lets one query compare the portal with the mock ledger
	PaymentRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "payment",
			Name:      "requests_total",
			Help:      "HTTP requests per service",
		},
		[]string{"service", "status", "method"},
	)

	PaymentRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "payment",
			Name:      "request_duration_seconds",
			Help:      "HTTP request latency per service",
			Buckets: []float64{
				0.01, 0.02, 0.03, 0.05, 0.08, 0.12,
				0.2, 0.3, 0.5, 0.8, 1.2, 2, 3, 5,
			},
		},
		[]string{"service", "status"},
	)

	GatewayCallDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "payment",
			Name:      "gateway_call_seconds",
			Help:      "Latency of invoice/ledger API calls",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"op", "outcome"},
	)

	FlowTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "payment",
			Name:      "flow_transitions_total",
			Help:      "Orchestrator state transitions",
		},
		[]string{"from", "to"},
	)

	SettlementPollsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "payment",
			Name:      "settlement_polls_total",
			Help:      "Settlement status polls by poller and observed result",
		},
		[]string{"source", "result"},
	)

	FlowOutcomesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "payment",
			Name:      "flow_outcomes_total",
			Help:      "Terminal and recoverable flow outcomes",
		},
		[]string{"outcome"},
	)
)

func init() {
	prometheus.MustRegister(
		PaymentRequestsTotal, PaymentRequestDuration,
		GatewayCallDuration, FlowTransitionsTotal,
		SettlementPollsTotal, FlowOutcomesTotal,
	)
}

// Helpers so handlers and the orchestrator stay one-liners.
func IncRequest(service, status, method string) {
	PaymentRequestsTotal.WithLabelValues(service, status, method).Inc()
}
func ObserveDuration(service, status string, seconds float64) {
	PaymentRequestDuration.WithLabelValues(service, status).Observe(seconds)
}
func ObserveGatewayCall(op, outcome string, seconds float64) {
	GatewayCallDuration.WithLabelValues(op, outcome).Observe(seconds)
}
func IncTransition(from, to string) {
	FlowTransitionsTotal.WithLabelValues(from, to).Inc()
}
func IncPoll(source, result string) {
	SettlementPollsTotal.WithLabelValues(source, result).Inc()
}
func IncOutcome(outcome string) {
	FlowOutcomesTotal.WithLabelValues(outcome).Inc()
}
