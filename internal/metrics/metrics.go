// Package metrics exposes Prometheus collectors for the engine.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "ucp"

// Metrics holds the engine's collectors. A nil *Metrics records nothing.
type Metrics struct {
	registry *prometheus.Registry

	instrumentsMinted   *prometheus.CounterVec
	instrumentsConsumed *prometheus.CounterVec
	completions         *prometheus.CounterVec
	discountOps         *prometheus.CounterVec
	httpRequests        *prometheus.CounterVec
	httpDuration        *prometheus.HistogramVec
}

// New creates and registers the collectors on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		instrumentsMinted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "instruments_minted_total",
				Help:      "Payment instrument mint attempts by handler and outcome.",
			},
			[]string{"handler", "outcome"},
		),
		instrumentsConsumed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "instruments_consumed_total",
				Help:      "Instrument state transitions out of active.",
			},
			[]string{"transition"},
		),
		completions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "checkout_completions_total",
				Help:      "Checkout completion attempts by outcome code.",
			},
			[]string{"outcome"},
		),
		discountOps: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "discount_operations_total",
				Help:      "Coupon apply/remove operations by outcome code.",
			},
			[]string{"operation", "outcome"},
		),
		httpRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "http",
				Name:      "requests_total",
				Help:      "Total number of HTTP requests handled.",
			},
			[]string{"method", "route", "status"},
		),
		httpDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "http",
				Name:      "request_duration_seconds",
				Help:      "Duration of HTTP requests.",
				Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12),
			},
			[]string{"method", "route"},
		),
	}

	m.registry.MustRegister(
		m.instrumentsMinted,
		m.instrumentsConsumed,
		m.completions,
		m.discountOps,
		m.httpRequests,
		m.httpDuration,
		prometheus.NewGoCollector(),
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func outcome(code string) string {
	if code == "" {
		return "success"
	}
	return code
}

// InstrumentMinted records a mint attempt; code is "" on success.
func (m *Metrics) InstrumentMinted(handler, code string) {
	if m == nil {
		return
	}
	m.instrumentsMinted.WithLabelValues(handler, outcome(code)).Inc()
}

// InstrumentTransition records active->used, active->cancelled or a release.
func (m *Metrics) InstrumentTransition(transition string) {
	if m == nil {
		return
	}
	m.instrumentsConsumed.WithLabelValues(transition).Inc()
}

// CheckoutCompleted records a completion attempt; code is "" on success.
func (m *Metrics) CheckoutCompleted(code string) {
	if m == nil {
		return
	}
	m.completions.WithLabelValues(outcome(code)).Inc()
}

// DiscountOperation records an apply or remove; code is "" on success.
func (m *Metrics) DiscountOperation(operation, code string) {
	if m == nil {
		return
	}
	m.discountOps.WithLabelValues(operation, outcome(code)).Inc()
}

// HTTPRequest records one served request.
func (m *Metrics) HTTPRequest(method, route, status string, seconds float64) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(method, route, status).Inc()
	m.httpDuration.WithLabelValues(method, route).Observe(seconds)
}
