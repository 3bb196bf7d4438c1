// Package metrics provides Prometheus instrumentation for pass issuance,
// the PassKit web service and push delivery.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the service. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	// Pass builds by result: "ok" or a failure kind
	PassesBuilt *prometheus.CounterVec

	// Full build latency including signing and packaging
	BuildLatency prometheus.Histogram

	// Push notifications by APNs status code ("error" for transport failures)
	PushesSent *prometheus.CounterVec

	// Device registration calls by outcome: created, existing, removed
	Registrations *prometheus.CounterVec

	// Issuance deliveries by mode and result
	Deliveries *prometheus.CounterVec

	// HTTP request latency by route pattern and status
	RequestLatency *prometheus.HistogramVec
}

// New creates the metrics and registers them with reg. Pass
// prometheus.DefaultRegisterer in production and a fresh registry in tests.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		PassesBuilt: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "passkit_passes_built_total",
			Help: "Total pass builds by result",
		}, []string{"result"}),

		BuildLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "passkit_build_duration_seconds",
			Help:    "Duration of pass builds including signing and packaging",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
		}),

		PushesSent: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "passkit_pushes_total",
			Help: "Total pass update pushes by APNs status",
		}, []string{"status"}),

		Registrations: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "passkit_registrations_total",
			Help: "Total device registration changes by outcome",
		}, []string{"outcome"}),

		Deliveries: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "passkit_deliveries_total",
			Help: "Total issuance deliveries by mode and result",
		}, []string{"mode", "result"}),

		RequestLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "passkit_http_request_duration_seconds",
			Help:    "Duration of HTTP requests by route and status",
			Buckets: prometheus.DefBuckets,
		}, []string{"route", "status"}),
	}
}

// ObserveBuild records one pass build.
func (m *Metrics) ObserveBuild(result string, d time.Duration) {
	if m != nil {
		m.PassesBuilt.WithLabelValues(result).Inc()
		m.BuildLatency.Observe(d.Seconds())
	}
}

// IncrementPush records one push attempt.
func (m *Metrics) IncrementPush(status string) {
	if m != nil {
		m.PushesSent.WithLabelValues(status).Inc()
	}
}

// IncrementRegistration records a registration state change.
func (m *Metrics) IncrementRegistration(outcome string) {
	if m != nil {
		m.Registrations.WithLabelValues(outcome).Inc()
	}
}

// IncrementDelivery records one issuance delivery.
func (m *Metrics) IncrementDelivery(mode, result string) {
	if m != nil {
		m.Deliveries.WithLabelValues(mode, result).Inc()
	}
}

// ObserveRequest records the duration of one HTTP request.
func (m *Metrics) ObserveRequest(route, status string, d time.Duration) {
	if m != nil {
		m.RequestLatency.WithLabelValues(route, status).Observe(d.Seconds())
	}
}
