// Package metrics holds meshrelay's Prometheus collectors.
//
// All methods are nil-safe so components can run without metrics (tests,
// tools) without guarding every call site.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const namespace = "meshrelay"

type Metrics struct {
	Registry *prometheus.Registry

	Connections     prometheus.Gauge
	GlobalReceivers prometheus.Gauge
	Broadcasts      *prometheus.CounterVec
	SendFailures    *prometheus.CounterVec
	Selections      prometheus.Counter
	Ticks           *prometheus.CounterVec
	InboundFrames   *prometheus.CounterVec
	Disconnects     *prometheus.CounterVec
}

// Inbound frame results.
const (
	InboundAccepted    = "accepted"
	InboundRateLimited = "rate_limited"
	InboundInvalid     = "invalid"
)

// New creates the collectors and registers them (plus Go/process collectors)
// on a private registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		Registry: reg,
		Connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections",
			Help:      "Currently subscribed connections.",
		}),
		GlobalReceivers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "global_receivers",
			Help:      "Live global channel receivers observed by the last broadcast.",
		}),
		Broadcasts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "broadcasts_total",
			Help:      "Global broadcasts by result.",
		}, []string{"kind", "result"}),
		SendFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "private_send_failures_total",
			Help:      "Failed sends on per-connection channels by reason.",
		}, []string{"reason"}),
		Selections: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rotated_selections_total",
			Help:      "Connections chosen by fairness rotation.",
		}),
		Ticks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "schedule_ticks_total",
			Help:      "Connection manager schedule ticks.",
		}, []string{"schedule"}),
		InboundFrames: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "inbound_frames_total",
			Help:      "Frames read from nodes by result.",
		}, []string{"result"}),
		Disconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "disconnects_total",
			Help:      "Closed node connections by reason.",
		}, []string{"reason"}),
	}
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.Connections,
		m.GlobalReceivers,
		m.Broadcasts,
		m.SendFailures,
		m.Selections,
		m.Ticks,
		m.InboundFrames,
		m.Disconnects,
	)
	return m
}

func (m *Metrics) ConnectionOpened() {
	if m != nil {
		m.Connections.Inc()
	}
}

func (m *Metrics) ConnectionClosed() {
	if m != nil {
		m.Connections.Dec()
	}
}

// Broadcast records one global publish. receivers is ignored on failure.
func (m *Metrics) Broadcast(kind string, receivers int, ok bool) {
	if m == nil {
		return
	}
	if !ok {
		m.Broadcasts.WithLabelValues(kind, "no_receivers").Inc()
		m.GlobalReceivers.Set(0)
		return
	}
	m.Broadcasts.WithLabelValues(kind, "delivered").Inc()
	m.GlobalReceivers.Set(float64(receivers))
}

func (m *Metrics) SendFailed(reason string) {
	if m != nil {
		m.SendFailures.WithLabelValues(reason).Inc()
	}
}

func (m *Metrics) Selected(n int) {
	if m != nil && n > 0 {
		m.Selections.Add(float64(n))
	}
}

func (m *Metrics) Tick(schedule string) {
	if m != nil {
		m.Ticks.WithLabelValues(schedule).Inc()
	}
}

func (m *Metrics) Inbound(result string) {
	if m != nil {
		m.InboundFrames.WithLabelValues(result).Inc()
	}
}

func (m *Metrics) Disconnected(reason string) {
	if m != nil {
		m.Disconnects.WithLabelValues(reason).Inc()
	}
}
