// Package producer publishes synthetic aggregator submissions to the
// submission queue.
package producer

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"procodus.dev/metrics-hub/pkg/generator"
	"procodus.dev/metrics-hub/pkg/metrics"
	"procodus.dev/metrics-hub/pkg/mq"
)

// Producer owns one simulated fleet and publishes its submissions.
type Producer struct {
	MQClient mq.ClientInterface
	Fleet    *generator.Fleet
	clock    func() time.Time
	metrics  *metrics.ProducerMetrics // Optional metrics
}

// NewProducer creates a producer for a fresh fleet quoting symbols.
func NewProducer(mqClient mq.ClientInterface, symbols []string) *Producer {
	return &Producer{
		MQClient: mqClient,
		Fleet:    generator.NewFleet(symbols),
		clock:    time.Now,
	}
}

// SetMetrics sets the metrics collector for this producer.
func (p *Producer) SetMetrics(m *metrics.ProducerMetrics) {
	p.metrics = m
	if m != nil {
		m.FleetsCreated.Inc()
	}
}

// SetClock overrides the capture time source.
func (p *Producer) SetClock(clock func() time.Time) {
	if clock != nil {
		p.clock = clock
	}
}

// PublishSubmission captures a submission from the fleet and pushes it as JSON.
func (p *Producer) PublishSubmission(ctx context.Context) error {
	if p.metrics != nil {
		timer := prometheus.NewTimer(p.metrics.PublishDuration)
		defer timer.ObserveDuration()
	}

	sub := p.Fleet.Submission(p.clock())

	message, err := json.Marshal(sub)
	if err != nil {
		if p.metrics != nil {
			p.metrics.PublishFailures.WithLabelValues("marshal_error").Inc()
		}
		return fmt.Errorf("failed to marshal submission: %w", err)
	}

	if err := p.MQClient.Push(ctx, message); err != nil {
		if p.metrics != nil {
			p.metrics.PublishFailures.WithLabelValues("push_error").Inc()
		}
		return fmt.Errorf("failed to publish submission: %w", err)
	}

	if p.metrics != nil {
		p.metrics.SubmissionsPublished.Inc()
		for _, d := range sub.Devices {
			for _, snap := range d.Snapshots {
				for _, m := range snap.Metrics {
					p.metrics.ReadingsGenerated.WithLabelValues(m.Name).Inc()
				}
			}
		}
	}

	return nil
}
