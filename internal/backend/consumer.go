package backend

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	amqp "github.com/rabbitmq/amqp091-go"

	"procodus.dev/metrics-hub/pkg/metrics"
	"procodus.dev/metrics-hub/pkg/mq"
	"procodus.dev/metrics-hub/pkg/telemetry"
)

const (
	// Delay between attempts to start consuming while the MQ client connects.
	consumeRetryDelay = 500 * time.Millisecond

	// DefaultConsumeStartTimeout bounds how long Start waits for the broker.
	DefaultConsumeStartTimeout = 30 * time.Second
)

// Consumer consumes JSON submissions from RabbitMQ and ingests them.
type Consumer struct {
	logger       *slog.Logger
	ingester     Ingester
	mqClient     mq.ClientInterface
	metrics      *metrics.BackendMetrics
	queueName    string
	startTimeout time.Duration
	done         chan struct{}
	startOnce    sync.Once
	started      bool
}

// ConsumerConfig holds the configuration for the Consumer.
type ConsumerConfig struct {
	Logger   *slog.Logger
	Ingester Ingester
	// MQClient is used when set; otherwise a client is dialed from RabbitMQURL.
	MQClient     mq.ClientInterface
	Metrics      *metrics.BackendMetrics // Optional metrics
	RabbitMQURL  string
	QueueName    string
	StartTimeout time.Duration
}

// NewConsumer creates a new Consumer instance.
func NewConsumer(cfg *ConsumerConfig) (*Consumer, error) {
	if cfg == nil {
		return nil, errors.New("consumer config cannot be nil")
	}

	if cfg.Logger == nil {
		return nil, errors.New("logger cannot be nil")
	}

	if cfg.Ingester == nil {
		return nil, errors.New("ingester cannot be nil")
	}

	if cfg.QueueName == "" {
		return nil, errors.New("queue name cannot be empty")
	}

	client := cfg.MQClient
	if client == nil {
		if cfg.RabbitMQURL == "" {
			return nil, errors.New("rabbitmq URL cannot be empty")
		}
		client = mq.New(cfg.QueueName, cfg.RabbitMQURL, cfg.Logger, mq.WithDurableQueue())
	}

	startTimeout := cfg.StartTimeout
	if startTimeout <= 0 {
		startTimeout = DefaultConsumeStartTimeout
	}

	return &Consumer{
		logger:       cfg.Logger,
		ingester:     cfg.Ingester,
		mqClient:     client,
		metrics:      cfg.Metrics,
		queueName:    cfg.QueueName,
		startTimeout: startTimeout,
		done:         make(chan struct{}),
	}, nil
}

// Start begins consuming. It retries until the MQ client is connected or the
// start timeout elapses.
func (c *Consumer) Start(ctx context.Context) error {
	c.logger.Info("starting consumer", "queue", c.queueName)

	deliveries, err := c.consume(ctx)
	if err != nil {
		return fmt.Errorf("failed to start consuming: %w", err)
	}

	c.logger.Info("consumer started, waiting for messages", "queue", c.queueName)

	c.startOnce.Do(func() {
		c.started = true
		if c.metrics != nil {
			c.metrics.ActiveConsumers.Inc()
		}
		go c.processMessages(ctx, deliveries)
	})

	return nil
}

func (c *Consumer) consume(ctx context.Context) (<-chan amqp.Delivery, error) {
	deadline := time.NewTimer(c.startTimeout)
	defer deadline.Stop()

	for {
		deliveries, err := c.mqClient.Consume()
		if err == nil {
			return deliveries, nil
		}

		c.logger.Debug("mq client not ready, retrying", "error", err)

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline.C:
			return nil, err
		case <-time.After(consumeRetryDelay):
		}
	}
}

// processMessages processes incoming messages from the deliveries channel.
func (c *Consumer) processMessages(ctx context.Context, deliveries <-chan amqp.Delivery) {
	defer func() {
		if c.metrics != nil {
			c.metrics.ActiveConsumers.Dec()
		}
		close(c.done)
	}()

	for {
		select {
		case <-ctx.Done():
			c.logger.Info("context canceled, stopping message processing")
			return

		case delivery, ok := <-deliveries:
			if !ok {
				c.logger.Warn("deliveries channel closed")
				return
			}

			c.handleDelivery(ctx, delivery)
		}
	}
}

// handleDelivery ingests one message. Malformed or rejected submissions are
// acked and dropped; other failures are requeued once and then discarded.
func (c *Consumer) handleDelivery(ctx context.Context, delivery amqp.Delivery) {
	if c.metrics != nil {
		timer := prometheus.NewTimer(c.metrics.ProcessingDuration.WithLabelValues(c.queueName))
		defer timer.ObserveDuration()
	}

	sub, err := telemetry.DecodeBytes(delivery.Body)
	if err == nil {
		_, err = c.ingester.Ingest(ctx, sub)
	}

	switch {
	case err == nil:
		c.logger.Debug("submission consumed", "guid", sub.GUID, "delivery_tag", delivery.DeliveryTag)
		c.ack(delivery, "success")

	case IsBadInput(err):
		c.logger.Warn("dropping invalid submission",
			"delivery_tag", delivery.DeliveryTag,
			"error", err,
		)
		c.countError("bad_input")
		c.ack(delivery, "dropped")

	default:
		requeue := !delivery.Redelivered
		c.logger.Error("failed to ingest submission",
			"delivery_tag", delivery.DeliveryTag,
			"redelivered", delivery.Redelivered,
			"requeue", requeue,
			"error", err,
		)
		c.countError(Outcome(err))

		if nackErr := delivery.Nack(false, requeue); nackErr != nil {
			c.logger.Error("failed to nack message", "error", nackErr)
		}
		if requeue {
			c.countMessage("requeued")
		} else {
			c.countMessage("rejected")
		}
	}
}

func (c *Consumer) ack(delivery amqp.Delivery, status string) {
	if err := delivery.Ack(false); err != nil {
		c.logger.Error("failed to ack message", "error", err)
		c.countError("ack")
		return
	}
	c.countMessage(status)
}

func (c *Consumer) countMessage(status string) {
	if c.metrics != nil {
		c.metrics.ConsumerMessagesTotal.WithLabelValues(c.queueName, status).Inc()
	}
}

func (c *Consumer) countError(errorType string) {
	if c.metrics != nil {
		c.metrics.ConsumerErrors.WithLabelValues(c.queueName, errorType).Inc()
	}
}

// Stop closes the MQ client and waits for in-flight processing to finish.
func (c *Consumer) Stop() error {
	c.logger.Info("stopping consumer")

	if err := c.mqClient.Close(); err != nil {
		return fmt.Errorf("failed to close mq client: %w", err)
	}

	if c.started {
		<-c.done
	}

	c.logger.Info("consumer stopped")
	return nil
}
