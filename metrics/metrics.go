// Package metrics holds the Prometheus collectors of the ad server.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics owns a dedicated registry and the collectors registered on it.
// All record methods are safe on a nil receiver.
type Metrics struct {
	// Registry is the dedicated Prometheus registry for the API
	Registry *prometheus.Registry

	// HTTPRequests counts requests by method, path, and status
	HTTPRequests *prometheus.CounterVec
	// HTTPDuration records request durations in seconds
	HTTPDuration *prometheus.HistogramVec

	// WebhookDeliveries counts webhook delivery outcomes by event type and status
	WebhookDeliveries *prometheus.CounterVec
	// WebhookLatency tracks webhook delivery latencies in milliseconds
	WebhookLatency *prometheus.HistogramVec

	// FacilitatorCalls counts verify/settle calls by phase and outcome
	FacilitatorCalls *prometheus.CounterVec
	// Payments counts paywall payments by outcome
	Payments *prometheus.CounterVec
}

// New creates the collectors and registers them, together with the Go and
// process collectors, on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		HTTPRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "http_requests_total", Help: "Total HTTP requests."},
			[]string{"method", "path", "status"},
		),
		HTTPDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{Name: "http_request_duration_seconds", Help: "HTTP request duration in seconds.", Buckets: prometheus.DefBuckets},
			[]string{"method", "path", "status"},
		),
		WebhookDeliveries: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "webhook_deliveries_total", Help: "Webhook deliveries by event type and status."},
			[]string{"event_type", "status"},
		),
		WebhookLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{Name: "webhook_delivery_latency_ms", Help: "Webhook delivery latency in ms.", Buckets: []float64{10, 50, 100, 200, 500, 1000, 2000, 5000}},
			[]string{"event_type", "status"},
		),
		FacilitatorCalls: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "x402_facilitator_calls_total", Help: "x402 facilitator calls by phase and outcome."},
			[]string{"phase", "outcome"},
		),
		Payments: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "x402_payments_total", Help: "Paywall payments by outcome."},
			[]string{"outcome"},
		),
	}

	m.Registry.MustRegister(
		m.HTTPRequests,
		m.HTTPDuration,
		m.WebhookDeliveries,
		m.WebhookLatency,
		m.FacilitatorCalls,
		m.Payments,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{Registry: m.Registry})
}

func (m *Metrics) ObserveHTTP(method, path string, status int, elapsed time.Duration) {
	if m == nil {
		return
	}
	code := strconv.Itoa(status)
	m.HTTPRequests.WithLabelValues(method, path, code).Inc()
	m.HTTPDuration.WithLabelValues(method, path, code).Observe(elapsed.Seconds())
}

func (m *Metrics) ObserveWebhookDelivery(eventType, status string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.WebhookDeliveries.WithLabelValues(eventType, status).Inc()
	m.WebhookLatency.WithLabelValues(eventType, status).Observe(float64(elapsed.Milliseconds()))
}

func (m *Metrics) ObserveFacilitatorCall(phase, outcome string) {
	if m == nil {
		return
	}
	m.FacilitatorCalls.WithLabelValues(phase, outcome).Inc()
}

func (m *Metrics) ObservePayment(outcome string) {
	if m == nil {
		return
	}
	m.Payments.WithLabelValues(outcome).Inc()
}
