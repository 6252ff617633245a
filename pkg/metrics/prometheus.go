package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Recorder implements domain.repository.Metrics using Prometheus.
type Recorder struct {
	ingestedTotal  *prometheus.CounterVec
	droppedTotal   *prometheus.CounterVec
	errorsTotal    *prometheus.CounterVec
	appendDuration *prometheus.HistogramVec
	rateLimitWait  *prometheus.HistogramVec
	adapterState   *prometheus.GaugeVec
	hubDropsTotal  prometheus.Counter
	hubSubscribers prometheus.Gauge
	latency        *prometheus.HistogramVec
}

// New creates a new Prometheus metrics recorder.
func New() *Recorder {
	return &Recorder{
		ingestedTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "marketpull_records_ingested_total",
				Help: "Normalized records accepted into the pipeline",
			},
			[]string{"source", "kind"},
		),
		droppedTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "marketpull_records_dropped_total",
				Help: "Records dropped before storage, by reason",
			},
			[]string{"source", "reason"},
		),
		errorsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "marketpull_errors_total",
				Help: "Total number of errors encountered",
			},
			[]string{"type"},
		),
		appendDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "marketpull_storage_append_duration_seconds",
				Help:    "Duration of storage append batches",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"backend"},
		),
		rateLimitWait: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "marketpull_ratelimit_wait_seconds",
				Help:    "Time spent waiting on provider token buckets",
				Buckets: []float64{.001, .01, .1, .5, 1, 2.5, 5, 10, 30, 60},
			},
			[]string{"provider"},
		),
		adapterState: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "marketpull_adapter_state",
				Help: "Adapter lifecycle state (1 for the active state, 0 otherwise)",
			},
			[]string{"adapter", "state"},
		),
		hubDropsTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "marketpull_hub_dropped_total",
				Help: "Envelopes evicted from full subscriber queues",
			},
		),
		hubSubscribers: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "marketpull_hub_subscribers",
				Help: "Current number of hub subscribers",
			},
		),
		latency: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "marketpull_operation_duration_seconds",
				Help:    "Duration of operations in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"operation"},
		),
	}
}

// RecordIngested counts a record accepted from a source.
func (r *Recorder) RecordIngested(source, kind string) {
	r.ingestedTotal.WithLabelValues(source, kind).Inc()
}

// RecordDropped counts a record rejected before storage.
func (r *Recorder) RecordDropped(source, reason string) {
	r.droppedTotal.WithLabelValues(source, reason).Inc()
}

// RecordError records an error occurrence.
func (r *Recorder) RecordError(kind string) {
	r.errorsTotal.WithLabelValues(kind).Inc()
}

// RecordAppendDuration records one storage append batch.
func (r *Recorder) RecordAppendDuration(backend string, seconds float64) {
	r.appendDuration.WithLabelValues(backend).Observe(seconds)
}

// RecordRateLimitWait records time spent blocked on a token bucket.
func (r *Recorder) RecordRateLimitWait(provider string, seconds float64) {
	r.rateLimitWait.WithLabelValues(provider).Observe(seconds)
}

// RecordAdapterState marks the adapter's current lifecycle state. The
// previous state's series drops to 0 the next time it is set.
func (r *Recorder) RecordAdapterState(name, state string) {
	for _, s := range []string{"disabled", "starting", "running", "degraded", "stopping"} {
		value := 0.0
		if s == state {
			value = 1.0
		}
		r.adapterState.WithLabelValues(name, s).Set(value)
	}
}

// RecordHubDrop counts one envelope evicted from a subscriber queue.
func (r *Recorder) RecordHubDrop() {
	r.hubDropsTotal.Inc()
}

// SetHubSubscribers tracks the live subscriber count.
func (r *Recorder) SetHubSubscribers(count int) {
	r.hubSubscribers.Set(float64(count))
}

// RecordLatency records operation latency in seconds.
func (r *Recorder) RecordLatency(op string, seconds float64) {
	r.latency.WithLabelValues(op).Observe(seconds)
}
