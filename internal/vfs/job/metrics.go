package job

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rfratto/vfsd/internal/vfs"
)

// Metrics holds job metrics. A single Metrics may be shared by every Pool in
// the process. A nil *Metrics records nothing.
type Metrics struct {
	jobs     *prometheus.CounterVec
	duration *prometheus.HistogramVec
	tryHits  *prometheus.CounterVec
	queued   prometheus.Gauge
	inFlight prometheus.Gauge
}

// NewMetrics creates job metrics and registers them with reg, if non-nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		jobs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vfsd_jobs_total",
			Help: "Total number of completed jobs by operation and outcome.",
		}, []string{"op", "outcome"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "vfsd_job_duration_seconds",
			Help:    "Time spent running jobs on a worker.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 4, 10),
		}, []string{"op"}),
		tryHits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vfsd_job_try_completions_total",
			Help: "Jobs completed without being queued to a worker.",
		}, []string{"op"}),
		queued: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "vfsd_jobs_queued",
			Help: "Jobs waiting for a worker.",
		}),
		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "vfsd_jobs_in_flight",
			Help: "Jobs currently running on a worker.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.jobs, m.duration, m.tryHits, m.queued, m.inFlight)
	}
	return m
}

func outcome(j *Job) string {
	switch {
	case j.Cancelled():
		return "cancelled"
	case j.Failed():
		return "failed"
	default:
		return "success"
	}
}

func (m *Metrics) observeCompleted(j *Job) {
	if m == nil {
		return
	}
	m.jobs.WithLabelValues(j.Op().String(), outcome(j)).Inc()
}

func (m *Metrics) observeDuration(op vfs.Op, took time.Duration) {
	if m == nil {
		return
	}
	m.duration.WithLabelValues(op.String()).Observe(took.Seconds())
}

func (m *Metrics) observeTry(op vfs.Op) {
	if m == nil {
		return
	}
	m.tryHits.WithLabelValues(op.String()).Inc()
}

func (m *Metrics) addQueued(delta float64) {
	if m == nil {
		return
	}
	m.queued.Add(delta)
}

func (m *Metrics) addInFlight(delta float64) {
	if m == nil {
		return
	}
	m.inFlight.Add(delta)
}
