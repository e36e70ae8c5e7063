// Package metrics exposes Prometheus collectors for the bus client and the
// session registry. A nil *Metrics is valid and records nothing, so
// components can take one unconditionally.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "ovos_bus"

// Metrics groups the client collectors.
type Metrics struct {
	registry prometheus.Gatherer

	MessagesSent     prometheus.Counter
	MessagesReceived prometheus.Counter
	FramesDropped    *prometheus.CounterVec
	WaitTimeouts     prometheus.Counter
	HandlerPanics    prometheus.Counter
	Reconnects       prometheus.Counter
	SessionSyncs     prometheus.Counter
	Sessions         prometheus.Gauge
}

// New creates the collectors and registers them with a fresh registry.
func New() *Metrics {
	return NewWith(prometheus.NewRegistry())
}

// NewWith creates the collectors and registers them with reg. It panics if
// they are already registered there.
func NewWith(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		MessagesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "messages_sent_total",
			Help: "Messages written to the bus.",
		}),
		MessagesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "messages_received_total",
			Help: "Messages read from the bus and decoded.",
		}),
		FramesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "frames_dropped_total",
			Help: "Inbound frames that could not be decoded, by reason.",
		}, []string{"reason"}),
		WaitTimeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "wait_timeouts_total",
			Help: "Wait and collect calls that ended on their timeout.",
		}),
		HandlerPanics: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "handler_panics_total",
			Help: "Handlers that panicked while processing a message.",
		}),
		Reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "reconnects_total",
			Help: "Connection attempts after the first.",
		}),
		SessionSyncs: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "session", Name: "syncs_total",
			Help: "Default session announcements emitted.",
		}),
		Sessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "session", Name: "registered",
			Help: "Sessions currently held by the session manager.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.MessagesSent, m.MessagesReceived, m.FramesDropped,
			m.WaitTimeouts, m.HandlerPanics, m.Reconnects, m.SessionSyncs, m.Sessions)
	}
	if g, ok := reg.(prometheus.Gatherer); ok {
		m.registry = g
	}
	return m
}

func (m *Metrics) MessageSent() {
	if m != nil {
		m.MessagesSent.Inc()
	}
}

func (m *Metrics) MessageReceived() {
	if m != nil {
		m.MessagesReceived.Inc()
	}
}

// FrameDropped counts an undecodable inbound frame.
func (m *Metrics) FrameDropped(reason string) {
	if m != nil {
		m.FramesDropped.WithLabelValues(reason).Inc()
	}
}

func (m *Metrics) WaitTimedOut() {
	if m != nil {
		m.WaitTimeouts.Inc()
	}
}

func (m *Metrics) HandlerPanicked() {
	if m != nil {
		m.HandlerPanics.Inc()
	}
}

func (m *Metrics) Reconnected() {
	if m != nil {
		m.Reconnects.Inc()
	}
}

func (m *Metrics) SessionSynced() {
	if m != nil {
		m.SessionSyncs.Inc()
	}
}

// SetSessions records the size of the session registry.
func (m *Metrics) SetSessions(n int) {
	if m != nil {
		m.Sessions.Set(float64(n))
	}
}

// Handler serves the collectors in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil || m.registry == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
