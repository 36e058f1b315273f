package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics stores Prometheus collectors used across the service.
type Metrics struct {
	OrdersAccepted    prometheus.Counter
	OrdersDrained     *prometheus.CounterVec
	DrainLatency      prometheus.Histogram
	StatusTransitions *prometheus.CounterVec
	WebhookEvents     *prometheus.CounterVec
	OracleRequests    *prometheus.CounterVec
	OracleLatency     *prometheus.HistogramVec
	RateLookups       *prometheus.CounterVec
	RefundRequests    prometheus.Counter
	SyncRetries       *prometheus.CounterVec
	EscrowSweeps      prometheus.Counter
	Errors            *prometheus.CounterVec
}

var (
	regOnce         sync.Once
	metricsInstance *Metrics
)

// Registry builds and registers the metrics singleton with optional namespace.
func Registry(namespace string) *Metrics {
	regOnce.Do(func() {
		metricsInstance = &Metrics{
			OrdersAccepted: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "orders_accepted_total",
				Help:      "Total order requests accepted onto the ingestion queue.",
			}),
			OrdersDrained: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "orders_drained_total",
				Help:      "Total queue payloads drained by outcome.",
			}, []string{"outcome"}),
			DrainLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "drain_duration_seconds",
				Help:      "Latency distribution for a single drain iteration.",
				Buckets:   prometheus.DefBuckets,
			}),
			StatusTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "status_transitions_total",
				Help:      "Total order status transitions by target status.",
			}, []string{"to"}),
			WebhookEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "webhook_events_total",
				Help:      "Total webhook deliveries by adapter and outcome.",
			}, []string{"adapter", "outcome"}),
			OracleRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "oracle_requests_total",
				Help:      "Total outbound oracle/provider requests by target and status.",
			}, []string{"oracle", "status"}),
			OracleLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "oracle_request_duration_seconds",
				Help:      "Latency distribution for outbound oracle/provider requests.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"oracle", "status"}),
			RateLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rate_lookups_total",
				Help:      "Total exchange-rate lookups by source (cache, live, fallback).",
			}, []string{"source"}),
			RefundRequests: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "refund_requests_total",
				Help:      "Total refund requests emitted.",
			}),
			SyncRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "sync_retries_total",
				Help:      "Total sync-request retry attempts by kind and outcome.",
			}, []string{"kind", "outcome"}),
			EscrowSweeps: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "escrow_expirations_total",
				Help:      "Total escrowed orders expired by the sweep loop.",
			}),
			Errors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_total",
				Help:      "Total errors grouped by component.",
			}, []string{"component"}),
		}

		prometheus.MustRegister(
			metricsInstance.OrdersAccepted,
			metricsInstance.OrdersDrained,
			metricsInstance.DrainLatency,
			metricsInstance.StatusTransitions,
			metricsInstance.WebhookEvents,
			metricsInstance.OracleRequests,
			metricsInstance.OracleLatency,
			metricsInstance.RateLookups,
			metricsInstance.RefundRequests,
			metricsInstance.SyncRetries,
			metricsInstance.EscrowSweeps,
			metricsInstance.Errors,
		)
	})
	return metricsInstance
}
