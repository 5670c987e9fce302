// Package metrics exposes Prometheus collectors for the protocol engine.
//
// All methods are safe on a nil *Metrics, so the engine can record
// unconditionally.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "ddp"

// Metrics holds the engine's collectors.
type Metrics struct {
	received   *prometheus.CounterVec
	sent       *prometheus.CounterVec
	reconnects prometheus.Counter
	pending    prometheus.Gauge
	state      prometheus.Gauge
}

// New registers the collectors on reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		received: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "messages_received_total",
				Help:      "Total number of decoded inbound messages by msg type",
			},
			[]string{"msg"},
		),
		sent: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "messages_sent_total",
				Help:      "Total number of outbound messages by msg type",
			},
			[]string{"msg"},
		),
		reconnects: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "reconnects_scheduled_total",
				Help:      "Total number of automatic reconnects scheduled",
			},
		),
		pending: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "pending_requests",
				Help:      "Method calls and subscriptions awaiting a terminal response",
			},
		),
		state: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "connection_state",
				Help:      "Connection state (0=disconnected, 1=connecting, 2=connected, 3=closed)",
			},
		),
	}
}

// Received counts an inbound message.
func (m *Metrics) Received(msg string) {
	if m == nil {
		return
	}
	m.received.WithLabelValues(msg).Inc()
}

// Sent counts an outbound message.
func (m *Metrics) Sent(msg string) {
	if m == nil {
		return
	}
	m.sent.WithLabelValues(msg).Inc()
}

// ReconnectScheduled counts a scheduled reconnect.
func (m *Metrics) ReconnectScheduled() {
	if m == nil {
		return
	}
	m.reconnects.Inc()
}

// SetPending records the pending request count.
func (m *Metrics) SetPending(n int) {
	if m == nil {
		return
	}
	m.pending.Set(float64(n))
}

// SetState records the connection state ordinal.
func (m *Metrics) SetState(ordinal int) {
	if m == nil {
		return
	}
	m.state.Set(float64(ordinal))
}
