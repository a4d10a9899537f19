package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	CheckoutTotal   *prometheus.CounterVec
	CheckoutLatency prometheus.Histogram
	WebhookTotal    *prometheus.CounterVec
	SweepTotal      *prometheus.CounterVec
}

func New(service string) *Metrics {
	m := &Metrics{
		CheckoutTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "shop",
			Subsystem: service,
			Name:      "checkout_total",
			Help:      "Checkout attempts by outcome.",
		}, []string{"outcome"}),
		CheckoutLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "shop",
			Subsystem: service,
			Name:      "checkout_duration_ms",
			Help:      "Checkout latency in milliseconds.",
			Buckets:   []float64{5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000},
		}),
		WebhookTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "shop",
			Subsystem: service,
			Name:      "payment_webhook_total",
			Help:      "Payment notifications by type and outcome.",
		}, []string{"type", "outcome"}),
		SweepTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "shop",
			Subsystem: service,
			Name:      "sweep_actions_total",
			Help:      "Stuck-order sweep actions.",
		}, []string{"action"}),
	}
	prometheus.MustRegister(m.CheckoutTotal, m.CheckoutLatency, m.WebhookTotal, m.SweepTotal)
	return m
}

// Nil receivers are fine everywhere below so tests can pass a zero handler.

func (m *Metrics) ObserveCheckout(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.CheckoutTotal.WithLabelValues(outcome).Inc()
	m.CheckoutLatency.Observe(float64(d.Milliseconds()))
}

func (m *Metrics) IncWebhook(kind, outcome string) {
	if m == nil {
		return
	}
	m.WebhookTotal.WithLabelValues(kind, outcome).Inc()
}

func (m *Metrics) IncSweep(action string) {
	if m == nil {
		return
	}
	m.SweepTotal.WithLabelValues(action).Inc()
}

func Handler() http.Handler {
	return promhttp.Handler()
}
