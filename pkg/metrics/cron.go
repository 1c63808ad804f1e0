package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "pulse"

// Job outcomes used as the outcome label of scheduled job runs.
const (
	JobSucceeded = "succeeded"
	JobFailed    = "failed"
	JobSkipped   = "skipped"
)

// SchedulerMetrics tracks scheduler cycles and the jobs they run.
type SchedulerMetrics struct {
	runs        *prometheus.CounterVec
	duration    *prometheus.HistogramVec
	lastSuccess *prometheus.GaugeVec
	contended   prometheus.Counter
	lockLost    prometheus.Counter
}

// NewSchedulerMetrics registers the scheduler collectors. A nil registerer
// yields a recorder whose methods do nothing.
func NewSchedulerMetrics(reg prometheus.Registerer) *SchedulerMetrics {
	if reg == nil {
		return &SchedulerMetrics{}
	}
	m := &SchedulerMetrics{
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "job_runs_total",
			Help:      "Scheduled job runs by outcome.",
		}, []string{"job", "outcome"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "job_duration_seconds",
			Help:      "Wall time of scheduled job runs.",
			Buckets:   []float64{0.1, 0.5, 1, 5, 15, 30, 60, 300, 900},
		}, []string{"job"}),
		lastSuccess: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "job_last_success_timestamp_seconds",
			Help:      "Unix time of the last successful run of each job.",
		}, []string{"job"}),
		contended: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scheduler_cycles_contended_total",
			Help:      "Cycles skipped because another instance held the lock.",
		}),
		lockLost: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scheduler_lock_lost_total",
			Help:      "Cycles aborted because the lock could not be extended.",
		}),
	}
	reg.MustRegister(m.runs, m.duration, m.lastSuccess, m.contended, m.lockLost)
	return m
}

// Observe records one finished job run. A nil err counts as success.
func (m *SchedulerMetrics) Observe(job string, d time.Duration, err error) {
	if m == nil || m.runs == nil {
		return
	}
	job = normalizeLabel(job)
	m.duration.WithLabelValues(job).Observe(d.Seconds())
	if err != nil {
		m.runs.WithLabelValues(job, JobFailed).Inc()
		return
	}
	m.runs.WithLabelValues(job, JobSucceeded).Inc()
	m.lastSuccess.WithLabelValues(job).SetToCurrentTime()
}

// Skip counts a job that was not started because its cycle was aborted.
func (m *SchedulerMetrics) Skip(job string) {
	if m == nil || m.runs == nil {
		return
	}
	m.runs.WithLabelValues(normalizeLabel(job), JobSkipped).Inc()
}

// Contended counts a cycle that lost the lock race.
func (m *SchedulerMetrics) Contended() {
	if m == nil || m.contended == nil {
		return
	}
	m.contended.Inc()
}

// LockLost counts a cycle aborted by a failed lock extension.
func (m *SchedulerMetrics) LockLost() {
	if m == nil || m.lockLost == nil {
		return
	}
	m.lockLost.Inc()
}

func normalizeLabel(value string) string {
	if value == "" {
		return "unknown"
	}
	return value
}
