// Package metrics holds the Prometheus collectors for order fulfilment.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "storefront"

type Metrics struct {
	registry *prometheus.Registry

	OrdersCreated      prometheus.Counter
	OrderTransitions   *prometheus.CounterVec
	PaymentsVerified   *prometheus.CounterVec
	StockShortfalls    prometheus.Counter
	DecrementConflicts prometheus.Counter
	OrphansCancelled   prometheus.Counter
	StockResumed       prometheus.Counter
	GatewayLatency     *prometheus.HistogramVec
	HTTPRequests       *prometheus.CounterVec
	HTTPDuration       *prometheus.HistogramVec
}

// New registers every collector on a private registry so tests can build
// as many instances as they like.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &Metrics{
		registry: reg,
		OrdersCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "orders_created_total",
			Help: "Orders persisted by the order builder.",
		}),
		OrderTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "order_transitions_total",
			Help: "Order status changes by target status.",
		}, []string{"to"}),
		PaymentsVerified: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "payments_verified_total",
			Help: "Payment confirmations by outcome.",
		}, []string{"outcome"}),
		StockShortfalls: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "stock_shortfalls_total",
			Help: "Paid order lines whose stock could not be taken.",
		}),
		DecrementConflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "decrement_conflicts_total",
			Help: "Batch decrements that lost a race and were retried.",
		}),
		OrphansCancelled: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "orphan_orders_cancelled_total",
			Help: "Pending orders without a payment intent cancelled by the sweeper.",
		}),
		StockResumed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "stock_resumed_total",
			Help: "Paid orders whose stock was applied by the sweeper after the paying process stopped.",
		}),
		GatewayLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "payment_gateway_seconds",
			Help:    "Latency of payment gateway calls.",
			Buckets: prometheus.DefBuckets,
		}, []string{"result"}),
		HTTPRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "http_requests_total",
			Help: "HTTP requests by route and status code.",
		}, []string{"method", "route", "code"}),
		HTTPDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "http_request_duration_seconds",
			Help:    "HTTP request latency by route.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}

	reg.MustRegister(
		m.OrdersCreated,
		m.OrderTransitions,
		m.PaymentsVerified,
		m.StockShortfalls,
		m.DecrementConflicts,
		m.OrphansCancelled,
		m.StockResumed,
		m.GatewayLatency,
		m.HTTPRequests,
		m.HTTPDuration,
	)
	return m
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
