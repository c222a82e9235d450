package mq

import (
	"context"

	amqp "github.com/rabbitmq/amqp091-go"
)

// ClientInterface is the queue surface the producer and the backend consumer
// depend on. Tests substitute pkg/mq/mock.
type ClientInterface interface {
	// Push publishes a submission and blocks until the broker confirms it,
	// retrying with backoff while disconnected.
	Push(ctx context.Context, data []byte) error

	// UnsafePush publishes without waiting for a confirmation and fails fast
	// when the client is not connected.
	UnsafePush(ctx context.Context, data []byte) error

	// Consume streams deliveries with manual acknowledgement; every delivery
	// must be Acked or Nacked.
	Consume() (<-chan amqp.Delivery, error)

	// Close stops reconnecting and releases the channel and connection.
	Close() error
}

var _ ClientInterface = (*Client)(nil)
