package realtime

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the realtime collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	onlineUsers prometheus.Gauge
	connections prometheus.Gauge
	delivered   *prometheus.CounterVec
	dropped     *prometheus.CounterVec
	rejected    *prometheus.CounterVec
	relayed     *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them on reg.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		onlineUsers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "parley",
			Subsystem: "realtime",
			Name:      "online_users",
			Help:      "Users with at least one live connection on this node.",
		}),
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "parley",
			Subsystem: "realtime",
			Name:      "connections",
			Help:      "Live websocket connections on this node, anonymous included.",
		}),
		delivered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "parley",
			Subsystem: "realtime",
			Name:      "events_delivered_total",
			Help:      "Envelopes queued to a connection.",
		}, []string{"type"}),
		dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "parley",
			Subsystem: "realtime",
			Name:      "events_dropped_total",
			Help:      "Envelopes dropped because a connection queue was full or closing.",
		}, []string{"type"}),
		rejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "parley",
			Subsystem: "realtime",
			Name:      "handshakes_rejected_total",
			Help:      "Websocket handshakes rejected before upgrade.",
		}, []string{"reason"}),
		relayed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "parley",
			Subsystem: "realtime",
			Name:      "relay_messages_total",
			Help:      "Cross-node relay traffic.",
		}, []string{"direction"}),
	}
	if reg != nil {
		for _, c := range []prometheus.Collector{m.onlineUsers, m.connections, m.delivered, m.dropped, m.rejected, m.relayed} {
			if err := reg.Register(c); err != nil {
				return nil, err
			}
		}
	}
	return m, nil
}

func (m *Metrics) setGauges(online, conns int) {
	if m == nil {
		return
	}
	m.onlineUsers.Set(float64(online))
	m.connections.Set(float64(conns))
}

func (m *Metrics) deliveries(typ string, delivered, dropped int) {
	if m == nil {
		return
	}
	if delivered > 0 {
		m.delivered.WithLabelValues(typ).Add(float64(delivered))
	}
	if dropped > 0 {
		m.dropped.WithLabelValues(typ).Add(float64(dropped))
	}
}

func (m *Metrics) reject(reason string) {
	if m == nil {
		return
	}
	m.rejected.WithLabelValues(reason).Inc()
}

func (m *Metrics) relay(direction string) {
	if m == nil {
		return
	}
	m.relayed.WithLabelValues(direction).Inc()
}
