package hub

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds Prometheus metrics for the hub
type Metrics struct {
	clientsConnected prometheus.Gauge
	messagesSent     prometheus.Counter
	evictions        prometheus.Counter
}

// newMetrics builds hub metrics; with a nil registerer they are kept unregistered
func newMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		clientsConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "usb1601",
			Subsystem: "hub",
			Name:      "clients_connected",
			Help:      "Number of currently registered stream clients",
		}),
		messagesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "usb1601",
			Subsystem: "hub",
			Name:      "messages_sent_total",
			Help:      "Messages delivered to clients, counted per client",
		}),
		evictions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "usb1601",
			Subsystem: "hub",
			Name:      "evictions_total",
			Help:      "Clients removed after a failed send",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.clientsConnected, m.messagesSent, m.evictions)
	}
	return m
}
