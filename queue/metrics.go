package queue

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics collects queue throughput and depth
type Metrics struct {
	submitted *prometheus.CounterVec
	cancelled *prometheus.CounterVec
	processed *prometheus.CounterVec
	duration  *prometheus.HistogramVec
	depth     *prometheus.GaugeVec
}

// Job results recorded in the processed counter
const (
	ResultSucceeded = "succeeded"
	ResultRetried   = "retried"
	ResultFailed    = "failed"
	ResultDropped   = "dropped"
)

// NewMetrics registers the queue collectors on reg
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		submitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dripflow",
			Subsystem: "queue",
			Name:      "jobs_submitted_total",
			Help:      "Delayed jobs accepted by the queue.",
		}, []string{"kind"}),
		cancelled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dripflow",
			Subsystem: "queue",
			Name:      "jobs_cancelled_total",
			Help:      "Cancellation requests, by whether the job was still delayed.",
		}, []string{"removed"}),
		processed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dripflow",
			Subsystem: "queue",
			Name:      "jobs_processed_total",
			Help:      "Job executions by kind and result.",
		}, []string{"kind", "result"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "dripflow",
			Subsystem: "queue",
			Name:      "job_duration_seconds",
			Help:      "Handler execution time.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"kind"}),
		depth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "dripflow",
			Subsystem: "queue",
			Name:      "jobs",
			Help:      "Jobs currently held by the queue, by state.",
		}, []string{"state"}),
	}
	reg.MustRegister(m.submitted, m.cancelled, m.processed, m.duration, m.depth)
	return m
}

func (m *Metrics) observeSubmit(kind string) {
	if m == nil {
		return
	}
	m.submitted.WithLabelValues(kind).Inc()
}

func (m *Metrics) observeCancel(removed bool) {
	if m == nil {
		return
	}
	label := "false"
	if removed {
		label = "true"
	}
	m.cancelled.WithLabelValues(label).Inc()
}

func (m *Metrics) observeResult(kind, result string, took time.Duration) {
	if m == nil {
		return
	}
	m.processed.WithLabelValues(kind, result).Inc()
	if result != ResultDropped {
		m.duration.WithLabelValues(kind).Observe(took.Seconds())
	}
}

// ObserveStats publishes a depth sample
func (m *Metrics) ObserveStats(s Stats) {
	if m == nil {
		return
	}
	m.depth.WithLabelValues("delayed").Set(float64(s.Delayed))
	m.depth.WithLabelValues("active").Set(float64(s.Active))
	m.depth.WithLabelValues("failed").Set(float64(s.Failed))
}
