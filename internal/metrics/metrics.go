// Package metrics defines the Prometheus collectors exported on /metrics.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "livequery"

// Metrics groups every collector.
type Metrics struct {
	ActiveObservables prometheus.Gauge
	Connections       prometheus.Gauge
	Updates           prometheus.Counter
	BroadcastBytes    *prometheus.CounterVec
	FramesIn          *prometheus.CounterVec
	FramesDropped     *prometheus.CounterVec
	Evictions         prometheus.Counter
	Revocations       prometheus.Counter
	Calls             *prometheus.CounterVec
}

// New creates the collectors and registers them with reg (if not nil).
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ActiveObservables: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "active_observables",
			Help: "Live observable instances.",
		}),
		Connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "connections",
			Help: "Open WebSocket connections.",
		}),
		Updates: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "observable_updates_total",
			Help: "Observable values that changed.",
		}),
		BroadcastBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "broadcast_bytes_total",
			Help: "Bytes fanned out to subscribers, by frame kind.",
		}, []string{"kind"}),
		FramesIn: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "frames_received_total",
			Help: "Frames received from clients, by kind.",
		}, []string{"kind"}),
		FramesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "frames_dropped_total",
			Help: "Frames dropped, by reason.",
		}, []string{"reason"}),
		Evictions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "function_evictions_total",
			Help: "Functions evicted after going idle.",
		}),
		Revocations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "subscription_revocations_total",
			Help: "Subscriptions revoked by re-authorization.",
		}),
		Calls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "function_calls_total",
			Help: "Function calls, by outcome.",
		}, []string{"outcome"}),
	}
	if reg != nil {
		reg.MustRegister(m.ActiveObservables, m.Connections, m.Updates, m.BroadcastBytes,
			m.FramesIn, m.FramesDropped, m.Evictions, m.Revocations, m.Calls)
	}
	return m
}

func (m *Metrics) ObservableCreated() {
	if m != nil {
		m.ActiveObservables.Inc()
	}
}

func (m *Metrics) ObservableDestroyed() {
	if m != nil {
		m.ActiveObservables.Dec()
	}
}

func (m *Metrics) Broadcast(kind string, bytes int) {
	if m != nil {
		m.Updates.Inc()
		m.BroadcastBytes.WithLabelValues(kind).Add(float64(bytes))
	}
}

func (m *Metrics) FrameIn(kind string) {
	if m != nil {
		m.FramesIn.WithLabelValues(kind).Inc()
	}
}

func (m *Metrics) Dropped(reason string) {
	if m != nil {
		m.FramesDropped.WithLabelValues(reason).Inc()
	}
}

func (m *Metrics) Evicted(n int) {
	if m != nil {
		m.Evictions.Add(float64(n))
	}
}

func (m *Metrics) Revoked(n int) {
	if m != nil {
		m.Revocations.Add(float64(n))
	}
}

func (m *Metrics) Call(outcome string) {
	if m != nil {
		m.Calls.WithLabelValues(outcome).Inc()
	}
}

func (m *Metrics) Connected() {
	if m != nil {
		m.Connections.Inc()
	}
}

func (m *Metrics) Disconnected() {
	if m != nil {
		m.Connections.Dec()
	}
}
