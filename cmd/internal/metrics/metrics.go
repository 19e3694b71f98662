// Package metrics holds the Prometheus collectors of the chat service.
//
// A nil *Metrics is valid and records nothing, so components can be built without it
// in tests.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "chat"

// Metrics is the set of service collectors bound to one registry.
type Metrics struct {
	reg *prometheus.Registry

	messagesAppended prometheus.Counter
	storeErrors      *prometheus.CounterVec
	busPublished     *prometheus.CounterVec
	busDropped       prometheus.Counter
	sessionsActive   prometheus.Gauge
	sessionsClosed   *prometheus.CounterVec
	relayErrors      *prometheus.CounterVec
}

// New registers the collectors on a fresh registry, together with the Go runtime
// and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		reg: reg,
		messagesAppended: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_appended_total",
			Help:      "Messages persisted to a room log.",
		}),
		storeErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "store_errors_total",
			Help:      "Room log store failures by operation.",
		}, []string{"op"}),
		busPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bus_events_published_total",
			Help:      "Events published on the in-process bus by kind.",
		}, []string{"kind"}),
		busDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bus_events_dropped_total",
			Help:      "Queued events dropped because a subscriber buffer was full.",
		}),
		sessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "stream_sessions_active",
			Help:      "Stream sessions currently open.",
		}),
		sessionsClosed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stream_sessions_closed_total",
			Help:      "Stream sessions closed by reason.",
		}, []string{"reason"}),
		relayErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "relay_errors_total",
			Help:      "Cross-node relay failures by direction.",
		}, []string{"direction"}),
	}

	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.messagesAppended,
		m.storeErrors,
		m.busPublished,
		m.busDropped,
		m.sessionsActive,
		m.sessionsClosed,
		m.relayErrors,
	)
	return m
}

// Registry exposes the underlying registry (tests, extra collectors).
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.reg
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

func (m *Metrics) MessageAppended() {
	if m == nil {
		return
	}
	m.messagesAppended.Inc()
}

func (m *Metrics) StoreError(op string) {
	if m == nil {
		return
	}
	m.storeErrors.WithLabelValues(op).Inc()
}

func (m *Metrics) EventPublished(kind string) {
	if m == nil {
		return
	}
	m.busPublished.WithLabelValues(kind).Inc()
}

func (m *Metrics) EventsDropped(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.busDropped.Add(float64(n))
}

func (m *Metrics) SessionOpened() {
	if m == nil {
		return
	}
	m.sessionsActive.Inc()
}

func (m *Metrics) SessionClosed(reason string) {
	if m == nil {
		return
	}
	m.sessionsActive.Dec()
	m.sessionsClosed.WithLabelValues(reason).Inc()
}

func (m *Metrics) RelayError(direction string) {
	if m == nil {
		return
	}
	m.relayErrors.WithLabelValues(direction).Inc()
}
