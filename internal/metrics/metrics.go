// Package metrics holds the prometheus collectors for the service. All
// methods are safe on a nil *Metrics, which records nothing.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	Registry *prometheus.Registry

	checkouts        *prometheus.CounterVec
	paymentAttempts  *prometheus.CounterVec
	webhookEvents    *prometheus.CounterVec
	sweepItems       *prometheus.CounterVec
	sweepDuration    prometheus.Histogram
	inventoryRetries *prometheus.CounterVec
	gatewayRequests  *prometheus.CounterVec
	httpDuration     *prometheus.HistogramVec
}

func New(namespace string) *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		Registry: reg,
		checkouts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "checkouts_total", Help: "Checkout attempts by outcome.",
		}, []string{"outcome"}),
		paymentAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "payment_attempts_total", Help: "Payment attempts by outcome.",
		}, []string{"outcome"}),
		webhookEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "webhook_events_total", Help: "Gateway webhook deliveries by event and outcome.",
		}, []string{"event", "outcome"}),
		sweepItems: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "sweep_items_total", Help: "Payments and orders handled by the expiry sweep.",
		}, []string{"outcome"}),
		sweepDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Name: "sweep_duration_seconds", Help: "Duration of one expiry sweep.",
			Buckets: prometheus.DefBuckets,
		}),
		inventoryRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "inventory_retries_total", Help: "Optimistic version conflicts retried by the ledger.",
		}, []string{"op"}),
		gatewayRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "gateway_requests_total", Help: "Outbound gateway order creations by outcome.",
		}, []string{"outcome"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "http_request_duration_seconds", Help: "HTTP request latency.",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		}, []string{"route", "method", "code"}),
	}
	reg.MustRegister(
		m.checkouts, m.paymentAttempts, m.webhookEvents, m.sweepItems, m.sweepDuration,
		m.inventoryRetries, m.gatewayRequests, m.httpDuration,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{Registry: m.Registry})
}

func (m *Metrics) Checkout(outcome string) {
	if m == nil {
		return
	}
	m.checkouts.WithLabelValues(outcome).Inc()
}

func (m *Metrics) PaymentAttempt(outcome string) {
	if m == nil {
		return
	}
	m.paymentAttempts.WithLabelValues(outcome).Inc()
}

func (m *Metrics) WebhookEvent(event, outcome string) {
	if m == nil {
		return
	}
	m.webhookEvents.WithLabelValues(event, outcome).Inc()
}

func (m *Metrics) SweepItem(outcome string) {
	if m == nil {
		return
	}
	m.sweepItems.WithLabelValues(outcome).Inc()
}

func (m *Metrics) SweepDone(d time.Duration) {
	if m == nil {
		return
	}
	m.sweepDuration.Observe(d.Seconds())
}

func (m *Metrics) InventoryRetry(op string) {
	if m == nil {
		return
	}
	m.inventoryRetries.WithLabelValues(op).Inc()
}

func (m *Metrics) GatewayRequest(outcome string) {
	if m == nil {
		return
	}
	m.gatewayRequests.WithLabelValues(outcome).Inc()
}

func (m *Metrics) HTTPRequest(route, method string, code int, d time.Duration) {
	if m == nil {
		return
	}
	m.httpDuration.WithLabelValues(route, method, strconv.Itoa(code)).Observe(d.Seconds())
}
