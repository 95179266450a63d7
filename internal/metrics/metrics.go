package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics stores Prometheus collectors used across the service.
type Metrics struct {
	OrdersPlaced         *prometheus.CounterVec
	BalanceMutations     *prometheus.CounterVec
	ReviewDecisions      *prometheus.CounterVec
	RechargeSubmissions  *prometheus.CounterVec
	CompensationFailures prometheus.Counter
	HTTPRequests         *prometheus.CounterVec
	HTTPLatency          *prometheus.HistogramVec
	WAIncomingMessages   *prometheus.CounterVec
	WAOutgoingMessages   *prometheus.CounterVec
	Errors               *prometheus.CounterVec
}

var (
	regOnce         sync.Once
	metricsInstance *Metrics
)

// Registry builds and registers the metrics singleton with optional namespace.
func Registry(namespace string) *Metrics {
	regOnce.Do(func() {
		metricsInstance = &Metrics{
			OrdersPlaced: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "orders_placed_total",
				Help:      "Order placement attempts by outcome.",
			}, []string{"outcome"}),
			BalanceMutations: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "balance_mutations_total",
				Help:      "Ledger debits and credits by outcome.",
			}, []string{"op", "outcome"}),
			ReviewDecisions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "review_decisions_total",
				Help:      "Admin review decisions by transaction type.",
			}, []string{"type", "decision"}),
			RechargeSubmissions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "recharge_submissions_total",
				Help:      "Recharge declarations by payment method and outcome.",
			}, []string{"method", "outcome"}),
			CompensationFailures: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "compensation_failures_total",
				Help:      "Refunds that could not be applied after a failed order creation.",
			}),
			HTTPRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "HTTP requests by route and status code.",
			}, []string{"route", "status"}),
			HTTPLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "Latency distribution for HTTP requests.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"route"}),
			WAIncomingMessages: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "wa_incoming_messages_total",
				Help:      "Total incoming WhatsApp messages processed.",
			}, []string{"type"}),
			WAOutgoingMessages: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "wa_outgoing_messages_total",
				Help:      "Total outgoing WhatsApp messages sent.",
			}, []string{"type"}),
			Errors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_total",
				Help:      "Total errors grouped by component.",
			}, []string{"component"}),
		}

		prometheus.MustRegister(
			metricsInstance.OrdersPlaced,
			metricsInstance.BalanceMutations,
			metricsInstance.ReviewDecisions,
			metricsInstance.RechargeSubmissions,
			metricsInstance.CompensationFailures,
			metricsInstance.HTTPRequests,
			metricsInstance.HTTPLatency,
			metricsInstance.WAIncomingMessages,
			metricsInstance.WAOutgoingMessages,
			metricsInstance.Errors,
		)
	})
	return metricsInstance
}
