// Package metrics exposes QuotePipe's Prometheus instrumentation.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "quotepipe"

// Metrics holds the service's collectors on a private registry. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	turnsTotal    *prometheus.CounterVec   // by outcome
	turnDuration  *prometheus.HistogramVec // by outcome
	outboundTotal *prometheus.CounterVec   // by kind (text/media) and status (sent/failed)
	receiptsTotal *prometheus.CounterVec   // by receipt status
	quotesTotal   *prometheus.CounterVec   // by lead status
	reloadsTotal  *prometheus.CounterVec   // by result
	queueDepth    prometheus.Gauge
}

// New creates the collectors and registers them, together with Go runtime metrics.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		turnsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "flow",
			Name:      "turns_total",
			Help:      "Inbound messages processed by the flow engine",
		}, []string{"outcome"}),
		turnDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "flow",
			Name:      "turn_duration_seconds",
			Help:      "Flow engine turn latency in seconds",
			Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
		}, []string{"outcome"}),
		outboundTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "messaging",
			Name:      "outbound_total",
			Help:      "Outbound WhatsApp messages by kind and delivery status",
		}, []string{"kind", "status"}),
		receiptsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "messaging",
			Name:      "receipts_total",
			Help:      "Delivery receipts reported by the provider",
		}, []string{"status"}),
		quotesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "quote",
			Name:      "leads_total",
			Help:      "Completed intakes by quote status",
		}, []string{"status"}),
		reloadsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "flow",
			Name:      "reloads_total",
			Help:      "Flow definition reloads by result",
		}, []string{"result"}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "messaging",
			Name:      "inbound_queue_depth",
			Help:      "Inbound messages waiting for a worker",
		}),
	}
	m.registry.MustRegister(
		m.turnsTotal,
		m.turnDuration,
		m.outboundTotal,
		m.receiptsTotal,
		m.quotesTotal,
		m.reloadsTotal,
		m.queueDepth,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry returns the underlying Prometheus registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// ObserveTurn records one flow engine turn.
func (m *Metrics) ObserveTurn(outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.turnsTotal.WithLabelValues(outcome).Inc()
	m.turnDuration.WithLabelValues(outcome).Observe(elapsed.Seconds())
}

// Outbound records a send attempt. kind is "text" or "media".
func (m *Metrics) Outbound(kind string, err error) {
	if m == nil {
		return
	}
	status := "sent"
	if err != nil {
		status = "failed"
	}
	m.outboundTotal.WithLabelValues(kind, status).Inc()
}

// Receipt records a provider delivery receipt.
func (m *Metrics) Receipt(status string) {
	if m == nil {
		return
	}
	m.receiptsTotal.WithLabelValues(status).Inc()
}

// Quote records a completed intake by its lead status.
func (m *Metrics) Quote(status string) {
	if m == nil {
		return
	}
	m.quotesTotal.WithLabelValues(status).Inc()
}

// Reload records a flow definition reload attempt.
func (m *Metrics) Reload(err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "rejected"
	}
	m.reloadsTotal.WithLabelValues(result).Inc()
}

// QueueDepth adjusts the inbound queue gauge by delta.
func (m *Metrics) QueueDepth(delta int) {
	if m == nil {
		return
	}
	m.queueDepth.Add(float64(delta))
}
