package channel

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds channel metrics shared by every channel in the process. A
// nil *Metrics records nothing.
type Metrics struct {
	open      prometheus.Gauge
	readahead *prometheus.CounterVec
}

// NewMetrics creates channel metrics and registers them with reg, if non-nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		open: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "vfsd_channels_open",
			Help: "Number of open file channels.",
		}),
		readahead: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vfsd_channel_readahead_total",
			Help: "Readahead jobs by result: issued, dropped (failed) or suppressed.",
		}, []string{"result"}),
	}
	if reg != nil {
		reg.MustRegister(m.open, m.readahead)
	}
	return m
}

func (m *Metrics) channelOpened() {
	if m != nil {
		m.open.Inc()
	}
}

func (m *Metrics) channelClosed() {
	if m != nil {
		m.open.Dec()
	}
}

func (m *Metrics) readaheadIssued() {
	if m != nil {
		m.readahead.WithLabelValues("issued").Inc()
	}
}

func (m *Metrics) readaheadDropped() {
	if m != nil {
		m.readahead.WithLabelValues("dropped").Inc()
	}
}

func (m *Metrics) readaheadSuppressed() {
	if m != nil {
		m.readahead.WithLabelValues("suppressed").Inc()
	}
}
