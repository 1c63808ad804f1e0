package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Run outcomes used as the outcome label.
const (
	OutcomeCommitted = "committed"
	OutcomeStale     = "stale"
	OutcomeFailed    = "failed"
	OutcomeCanceled  = "canceled"
)

// ComputeMetrics records aggregate computation runs.
type ComputeMetrics struct {
	duration *prometheus.HistogramVec
	runs     *prometheus.CounterVec
	scanned  *prometheus.CounterVec
}

// NewComputeMetrics registers the compute metrics on the provided registerer.
// A nil registerer yields a no-op recorder.
func NewComputeMetrics(reg prometheus.Registerer) *ComputeMetrics {
	if reg == nil {
		return &ComputeMetrics{}
	}
	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "compute_run_duration_seconds",
		Help:      "Duration of aggregate computation runs in seconds.",
		Buckets:   prometheus.ExponentialBuckets(0.01, 4, 9),
	}, []string{"aggregate_type"})
	runs := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "compute_run_total",
		Help:      "Aggregate computation runs by outcome.",
	}, []string{"aggregate_type", "outcome"})
	scanned := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "compute_events_scanned_total",
		Help:      "Events read from the event store by computation runs.",
	}, []string{"aggregate_type"})
	reg.MustRegister(duration, runs, scanned)
	return &ComputeMetrics{duration: duration, runs: runs, scanned: scanned}
}

// ObserveRun records one finished run.
func (c *ComputeMetrics) ObserveRun(aggregateType, outcome string, duration time.Duration) {
	if c == nil || c.runs == nil {
		return
	}
	aggregateType = normalizeLabel(aggregateType)
	c.duration.WithLabelValues(aggregateType).Observe(duration.Seconds())
	c.runs.WithLabelValues(aggregateType, normalizeLabel(outcome)).Inc()
}

// AddScanned adds n to the scanned events counter.
func (c *ComputeMetrics) AddScanned(aggregateType string, n int64) {
	if c == nil || c.scanned == nil || n <= 0 {
		return
	}
	c.scanned.WithLabelValues(normalizeLabel(aggregateType)).Add(float64(n))
}
