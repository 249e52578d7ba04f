package relay

import "github.com/prometheus/client_golang/prometheus"

// Metrics are the relay's Prometheus collectors.
type Metrics struct {
	Connections prometheus.Gauge
	Frames      *prometheus.CounterVec
	Dropped     *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them with reg when reg is
// non-nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "dossiersync",
			Subsystem: "relay",
			Name:      "connections",
			Help:      "Open WebSocket connections.",
		}),
		Frames: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dossiersync",
			Subsystem: "relay",
			Name:      "frames_total",
			Help:      "Frames received from clients by type.",
		}, []string{"type"}),
		Dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dossiersync",
			Subsystem: "relay",
			Name:      "dropped_total",
			Help:      "Client frames rejected by reason.",
		}, []string{"reason"}),
	}
	if reg != nil {
		reg.MustRegister(m.Connections, m.Frames, m.Dropped)
	}
	return m
}
