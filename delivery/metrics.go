package delivery

import "github.com/prometheus/client_golang/prometheus"

// Metrics are the Prometheus collectors maintained by a Queue.
type Metrics struct {
	Delivered prometheus.Counter
	Deferred  prometheus.Counter
	Retried   prometheus.Counter
	Failed    prometheus.Counter
	Pending   prometheus.Gauge
}

// NewMetrics creates the queue collectors and registers them with reg when
// reg is non-nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Delivered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "dossiersync",
			Subsystem: "delivery",
			Name:      "delivered_total",
			Help:      "Outbound messages delivered, immediately or from the queue.",
		}),
		Deferred: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "dossiersync",
			Subsystem: "delivery",
			Name:      "deferred_total",
			Help:      "Outbound messages queued while offline.",
		}),
		Retried: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "dossiersync",
			Subsystem: "delivery",
			Name:      "retried_total",
			Help:      "Queued delivery attempts that failed and were kept for retry.",
		}),
		Failed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "dossiersync",
			Subsystem: "delivery",
			Name:      "failed_total",
			Help:      "Queued messages dropped after a permanent failure.",
		}),
		Pending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "dossiersync",
			Subsystem: "delivery",
			Name:      "pending",
			Help:      "Messages currently waiting in the outbound queue.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.Delivered, m.Deferred, m.Retried, m.Failed, m.Pending)
	}
	return m
}
