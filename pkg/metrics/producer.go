package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// ProducerMetrics contains Prometheus metrics for the synthetic submission generator.
type ProducerMetrics struct {
	SubmissionsPublished prometheus.Counter
	PublishFailures      *prometheus.CounterVec
	PublishDuration      prometheus.Histogram
	ActiveProducers      prometheus.Gauge
	FleetsCreated        prometheus.Counter
	ReadingsGenerated    *prometheus.CounterVec
}

// NewProducerMetrics creates and registers producer metrics.
func NewProducerMetrics(namespace string) *ProducerMetrics {
	m := &ProducerMetrics{
		SubmissionsPublished: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "producer",
				Name:      "submissions_published_total",
				Help:      "Total number of submissions published to the queue",
			},
		),
		PublishFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "producer",
				Name:      "publish_failures_total",
				Help:      "Total number of submissions that could not be published",
			},
			[]string{"reason"}, // reason: marshal_error, push_error
		),
		PublishDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "producer",
				Name:      "publish_duration_seconds",
				Help:      "Duration of generating and publishing one submission",
				Buckets:   prometheus.DefBuckets,
			},
		),
		ActiveProducers: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "producer",
				Name:      "active_producers",
				Help:      "Number of currently active producers",
			},
		),
		FleetsCreated: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "producer",
				Name:      "fleets_created_total",
				Help:      "Total number of simulated aggregators created",
			},
		),
		ReadingsGenerated: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "producer",
				Name:      "readings_generated_total",
				Help:      "Total number of metric readings generated",
			},
			[]string{"metric"},
		),
	}

	MustRegister(
		m.SubmissionsPublished,
		m.PublishFailures,
		m.PublishDuration,
		m.ActiveProducers,
		m.FleetsCreated,
		m.ReadingsGenerated,
	)

	return m
}
