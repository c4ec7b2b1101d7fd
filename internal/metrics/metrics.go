package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"taskgate/internal/model"
)

// Metrics owns a private registry so tests can build as many as they like.
type Metrics struct {
	registry       *prometheus.Registry
	Requests       *prometheus.CounterVec
	Blocks         *prometheus.CounterVec
	SecurityEvents *prometheus.CounterVec
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		Requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "taskgate_requests_total",
			Help: "Requests evaluated by the gate, by decision.",
		}, []string{"decision"}),
		Blocks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "taskgate_blocks_total",
			Help: "Rejected requests, by block reason.",
		}, []string{"reason"}),
		SecurityEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "taskgate_security_events_total",
			Help: "Security events recorded, by level.",
		}, []string{"level"}),
	}
	reg.MustRegister(
		m.Requests,
		m.Blocks,
		m.SecurityEvents,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

func (m *Metrics) ObserveDecision(d model.Decision) {
	if m == nil {
		return
	}
	if d.Admitted {
		m.Requests.WithLabelValues("admitted").Inc()
		return
	}
	m.Requests.WithLabelValues("blocked").Inc()
	m.Blocks.WithLabelValues(d.Reason).Inc()
}

// Publish lets Metrics act as an event log sink.
func (m *Metrics) Publish(ev model.SecurityEvent) {
	if m == nil {
		return
	}
	m.SecurityEvents.WithLabelValues(string(ev.Level)).Inc()
}

// RegisterGauge exposes a value read at scrape time, such as the number of
// tracked clients or live tokens.
func (m *Metrics) RegisterGauge(name, help string, fn func() float64) {
	m.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{Name: name, Help: help}, fn))
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
