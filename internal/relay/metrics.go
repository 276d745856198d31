package relay

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the relay
type Metrics struct {
	RelaysTotal   prometheus.CounterVec
	WebhooksTotal prometheus.CounterVec
	ErrorsTotal   prometheus.CounterVec

	StreamsActive prometheus.Gauge

	RelayDuration prometheus.HistogramVec
}

var (
	globalMetrics *Metrics
	metricsOnce   sync.Once
)

// InitMetrics initializes global Prometheus metrics
func InitMetrics() *Metrics {
	metricsOnce.Do(func() {
		globalMetrics = &Metrics{
			RelaysTotal: *promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "webmommi_relays_total",
					Help: "Total commloop relay attempts by outcome",
				},
				[]string{"category", "outcome"},
			),
			WebhooksTotal: *promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "webmommi_webhooks_total",
					Help: "Total GitHub webhook deliveries",
				},
				[]string{"event", "status"},
			),
			ErrorsTotal: *promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "webmommi_errors_total",
					Help: "Total errors by component",
				},
				[]string{"component", "type"},
			),
			StreamsActive: promauto.NewGauge(
				prometheus.GaugeOpts{
					Name: "webmommi_streams_active",
					Help: "Open websocket nudge streams",
				},
			),
			RelayDuration: *promauto.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "webmommi_relay_duration_seconds",
					Help:    "Commloop round trip duration",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"category"},
			),
		}
	})
	return globalMetrics
}

// GetMetrics returns the global metrics instance
func GetMetrics() *Metrics {
	if globalMetrics == nil {
		return InitMetrics()
	}
	return globalMetrics
}

func (m *Metrics) RecordRelay(category, outcome string, seconds float64) {
	if m == nil {
		return
	}
	m.RelaysTotal.WithLabelValues(category, outcome).Inc()
	m.RelayDuration.WithLabelValues(category).Observe(seconds)
}

func (m *Metrics) RecordWebhook(event, status string) {
	if m == nil {
		return
	}
	m.WebhooksTotal.WithLabelValues(event, status).Inc()
}

func (m *Metrics) RecordError(component, errorType string) {
	if m == nil {
		return
	}
	m.ErrorsTotal.WithLabelValues(component, errorType).Inc()
}

func (m *Metrics) StreamOpened() {
	if m == nil {
		return
	}
	m.StreamsActive.Inc()
}

func (m *Metrics) StreamClosed() {
	if m == nil {
		return
	}
	m.StreamsActive.Dec()
}
