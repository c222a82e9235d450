// Package mq provides a RabbitMQ client for the submission queue with
// automatic reconnection, publisher confirms and manual-ack consumption.
package mq

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	amqp "github.com/rabbitmq/amqp091-go"

	"procodus.dev/metrics-hub/pkg/metrics"
)

// ContentTypeJSON is the content type of published submissions.
const ContentTypeJSON = "application/json"

// Client is a RabbitMQ client bound to one queue. It reconnects in the
// background and is safe for concurrent use.
type Client struct {
	m               *sync.Mutex
	logger          *slog.Logger
	connection      *amqp.Connection
	channel         *amqp.Channel
	done            chan struct{}
	notifyConnClose chan *amqp.Error
	notifyChanClose chan *amqp.Error
	notifyConfirm   chan amqp.Confirmation
	metrics         *metrics.MQMetrics // Optional metrics
	queueName       string
	options         options
	isReady         bool
	closed          bool
}

type options struct {
	contentType string
	prefetch    int
	durable     bool
	persistent  bool
}

// Option customizes a Client.
type Option func(*options)

// WithDurableQueue declares the queue durable and publishes persistent
// messages so submissions survive a broker restart.
func WithDurableQueue() Option {
	return func(o *options) {
		o.durable = true
		o.persistent = true
	}
}

// WithPrefetch sets how many unacknowledged deliveries the broker may push.
func WithPrefetch(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.prefetch = n
		}
	}
}

// WithContentType overrides the content type of published messages.
func WithContentType(ct string) Option {
	return func(o *options) {
		if ct != "" {
			o.contentType = ct
		}
	}
}

const (
	// When reconnecting to the server after connection failure.
	reconnectDelay = 5 * time.Second

	// When setting up the channel after a channel exception.
	reInitDelay = 2 * time.Second

	initialBackoff    = 100 * time.Millisecond
	maxBackoff        = 10 * time.Second
	backoffMultiplier = 2

	// Push gives up after this many failed attempts.
	maxRetryAttempts = 5
)

var (
	errNotConnected       = errors.New("not connected to a server")
	errAlreadyClosed      = errors.New("already closed")
	errShutdown           = errors.New("client is shutting down")
	errMaxRetriesExceeded = errors.New("maximum retry attempts exceeded")
)

// New creates a client for queueName and starts connecting to addr in the
// background.
func New(queueName, addr string, l *slog.Logger, opts ...Option) *Client {
	o := options{
		contentType: ContentTypeJSON,
		prefetch:    1,
	}
	for _, opt := range opts {
		opt(&o)
	}

	client := &Client{
		m:         &sync.Mutex{},
		logger:    l.With("queue", queueName),
		queueName: queueName,
		options:   o,
		done:      make(chan struct{}),
	}
	go client.handleReconnect(addr)
	return client
}

// SetMetrics sets the metrics collector for this client.
// This should be called before the client starts processing messages.
func (client *Client) SetMetrics(m *metrics.MQMetrics) {
	client.m.Lock()
	defer client.m.Unlock()
	client.metrics = m
}

// Ready reports whether the client currently has an open channel.
func (client *Client) Ready() bool {
	client.m.Lock()
	defer client.m.Unlock()
	return client.isReady
}

func (client *Client) setReady(ready bool) {
	client.m.Lock()
	client.isReady = ready
	m := client.metrics
	client.m.Unlock()

	if m != nil {
		if ready {
			m.ConnectionStatus.Set(1)
		} else {
			m.ConnectionStatus.Set(0)
		}
	}
}

func (client *Client) metricsOrNil() *metrics.MQMetrics {
	client.m.Lock()
	defer client.m.Unlock()
	return client.metrics
}

// handleReconnect waits for a connection error on notifyConnClose and then
// keeps attempting to reconnect until Close is called.
func (client *Client) handleReconnect(addr string) {
	for {
		client.setReady(false)
		client.logger.Info("attempting to connect")

		if m := client.metricsOrNil(); m != nil {
			m.ReconnectAttempts.Inc()
		}

		conn, err := client.connect(addr)
		if err != nil {
			client.logger.Error("failed to connect, retrying", "error", err, "delay", reconnectDelay)

			select {
			case <-client.done:
				return
			case <-time.After(reconnectDelay):
			}
			continue
		}

		if done := client.handleReInit(conn); done {
			// Close may have raced with a connect that completed afterwards.
			_ = conn.Close()
			return
		}
	}
}

func (client *Client) connect(addr string) (*amqp.Connection, error) {
	conn, err := amqp.Dial(addr)
	if err != nil {
		return nil, err
	}

	client.m.Lock()
	client.connection = conn
	client.notifyConnClose = make(chan *amqp.Error, 1)
	conn.NotifyClose(client.notifyConnClose)
	client.m.Unlock()

	client.logger.Info("connected")
	return conn, nil
}

// handleReInit waits for a channel error and re-initializes the channel. It
// returns true when the client is shutting down.
func (client *Client) handleReInit(conn *amqp.Connection) bool {
	for {
		client.setReady(false)

		if err := client.init(conn); err != nil {
			client.logger.Error("failed to initialize channel, retrying", "error", err)

			select {
			case <-client.done:
				return true
			case <-client.notifyConnClose:
				client.logger.Info("connection closed, reconnecting")
				return false
			case <-time.After(reInitDelay):
			}
			continue
		}

		select {
		case <-client.done:
			return true
		case <-client.notifyConnClose:
			client.logger.Info("connection closed, reconnecting")
			return false
		case <-client.notifyChanClose:
			client.logger.Info("channel closed, re-running init")
			if m := client.metricsOrNil(); m != nil {
				m.ChannelReinits.Inc()
			}
		}
	}
}

// init opens a confirm-mode channel and declares the queue.
func (client *Client) init(conn *amqp.Connection) error {
	ch, err := conn.Channel()
	if err != nil {
		return err
	}

	if err := ch.Confirm(false); err != nil {
		return err
	}

	_, err = ch.QueueDeclare(
		client.queueName,
		client.options.durable,
		false, // Delete when unused
		false, // Exclusive
		false, // No-wait
		nil,   // Arguments
	)
	if err != nil {
		return err
	}

	client.m.Lock()
	client.channel = ch
	client.notifyChanClose = make(chan *amqp.Error, 1)
	client.notifyConfirm = make(chan amqp.Confirmation, 1)
	ch.NotifyClose(client.notifyChanClose)
	ch.NotifyPublish(client.notifyConfirm)
	client.m.Unlock()

	client.setReady(true)
	client.logger.Info("client init done", "durable", client.options.durable)

	return nil
}

// Push publishes data and waits for the broker to confirm it. While the
// client is disconnected it backs off exponentially, giving up after
// maxRetryAttempts.
func (client *Client) Push(ctx context.Context, data []byte) error {
	m := client.metricsOrNil()
	if m != nil {
		timer := prometheus.NewTimer(m.PushDuration.WithLabelValues(client.queueName))
		defer timer.ObserveDuration()
	}

	fail := func(reason string) {
		if m != nil {
			m.PushFailures.WithLabelValues(client.queueName, reason).Inc()
		}
	}

	backoff := initialBackoff
	wait := func() error {
		select {
		case <-ctx.Done():
			fail("context_canceled")
			return ctx.Err()
		case <-client.done:
			return errShutdown
		case <-time.After(backoff):
			backoff = min(backoff*backoffMultiplier, maxBackoff)
			return nil
		}
	}

	for attempt := 0; ; attempt++ {
		if attempt >= maxRetryAttempts {
			client.logger.Error("maximum retry attempts exceeded", "attempts", attempt)
			fail("max_retries_exceeded")
			return errMaxRetriesExceeded
		}

		if !client.Ready() {
			client.logger.Debug("not connected, waiting for reconnection", "backoff", backoff, "attempt", attempt)
			if err := wait(); err != nil {
				return err
			}
			continue
		}

		if err := client.UnsafePush(ctx, data); err != nil {
			client.logger.Warn("push failed, retrying with backoff", "error", err, "backoff", backoff, "attempt", attempt)
			if err := wait(); err != nil {
				return err
			}
			continue
		}

		client.m.Lock()
		confirms := client.notifyConfirm
		client.m.Unlock()

		select {
		case <-ctx.Done():
			fail("context_canceled")
			return ctx.Err()
		case confirm := <-confirms:
			if confirm.Ack {
				if m != nil {
					m.MessagesPushed.WithLabelValues(client.queueName).Inc()
				}
				client.logger.Debug("push confirmed", "delivery_tag", confirm.DeliveryTag, "attempt", attempt)
				return nil
			}

			client.logger.Warn("push not acknowledged, retrying", "delivery_tag", confirm.DeliveryTag, "backoff", backoff)
			if m != nil {
				m.PushFailures.WithLabelValues(client.queueName, "nacked").Inc()
			}
			if err := wait(); err != nil {
				return err
			}
		}
	}
}

// UnsafePush publishes without waiting for a confirmation. It fails fast when
// the client is not connected.
func (client *Client) UnsafePush(ctx context.Context, data []byte) error {
	client.m.Lock()
	if !client.isReady {
		client.m.Unlock()
		return errNotConnected
	}
	ch := client.channel
	client.m.Unlock()

	publishing := amqp.Publishing{
		ContentType: client.options.contentType,
		Timestamp:   time.Now().UTC(),
		Body:        data,
	}
	if client.options.persistent {
		publishing.DeliveryMode = amqp.Persistent
	}

	return ch.PublishWithContext(
		ctx,
		"",               // Exchange
		client.queueName, // Routing key
		false,            // Mandatory
		false,            // Immediate
		publishing,
	)
}

// Consume starts delivering queue messages with manual acknowledgement. Every
// delivery must be Acked or Nacked by the caller.
func (client *Client) Consume() (<-chan amqp.Delivery, error) {
	client.m.Lock()
	if !client.isReady {
		client.m.Unlock()
		return nil, errNotConnected
	}
	ch := client.channel
	client.m.Unlock()

	if err := ch.Qos(client.options.prefetch, 0, false); err != nil {
		return nil, err
	}

	deliveries, err := ch.Consume(
		client.queueName,
		"",    // Consumer
		false, // Auto-Ack
		false, // Exclusive
		false, // No-local
		false, // No-Wait
		nil,   // Args
	)
	if err != nil {
		return nil, err
	}

	m := client.metricsOrNil()
	if m == nil {
		return deliveries, nil
	}

	counted := make(chan amqp.Delivery)
	go func() {
		defer close(counted)
		for d := range deliveries {
			m.MessagesConsumed.WithLabelValues(client.queueName).Inc()
			select {
			case counted <- d:
			case <-client.done:
				return
			}
		}
	}()
	return counted, nil
}

// Close stops reconnecting and shuts down the channel and connection. Calling
// it more than once returns an error.
func (client *Client) Close() error {
	client.m.Lock()
	defer client.m.Unlock()

	if client.closed {
		return errAlreadyClosed
	}
	client.closed = true
	close(client.done)

	if !client.isReady {
		return nil
	}
	client.isReady = false

	if client.metrics != nil {
		client.metrics.ConnectionStatus.Set(0)
	}

	var errs []error
	if err := client.channel.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
		errs = append(errs, err)
	}
	if err := client.connection.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
