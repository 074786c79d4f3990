package acquire

import "github.com/prometheus/client_golang/prometheus"

type metrics struct {
	blocks     prometheus.Counter
	samples    prometheus.Counter
	heartbeats prometheus.Counter
	faults     prometheus.Counter
}

func newMetrics(reg prometheus.Registerer) *metrics {
	counter := func(name, help string) prometheus.Counter {
		return prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "usb1601",
			Subsystem: "acquire",
			Name:      name,
			Help:      help,
		})
	}
	m := &metrics{
		blocks:     counter("blocks_total", "Blocks read from the sample source"),
		samples:    counter("samples_total", "Samples per channel read from the sample source"),
		heartbeats: counter("heartbeats_total", "Heartbeat messages emitted"),
		faults:     counter("faults_total", "Hardware faults that halted acquisition"),
	}
	if reg != nil {
		reg.MustRegister(m.blocks, m.samples, m.heartbeats, m.faults)
	}
	return m
}
