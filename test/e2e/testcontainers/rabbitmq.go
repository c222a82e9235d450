// Package testcontainers starts the PostgreSQL and RabbitMQ containers the
// e2e suites run against.
package testcontainers

import (
	"context"
	"fmt"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// RabbitMQConfig holds configuration for RabbitMQ test container.
type RabbitMQConfig struct {
	// User is the RabbitMQ username (default: guest)
	User string
	// Password is the RabbitMQ password (default: guest)
	Password string
	// ContainerName is the name of the container (optional)
	ContainerName string
}

// RabbitMQ is a running RabbitMQ container.
type RabbitMQ struct {
	Container testcontainers.Container
	// URL is the AMQP connection URL.
	URL string
}

// Terminate stops the container.
func (r *RabbitMQ) Terminate(ctx context.Context) error {
	if r == nil || r.Container == nil {
		return nil
	}
	return r.Container.Terminate(ctx)
}

func (c *RabbitMQConfig) withDefaults() RabbitMQConfig {
	out := RabbitMQConfig{}
	if c != nil {
		out = *c
	}
	if out.User == "" {
		out.User = "guest"
	}
	if out.Password == "" {
		out.Password = "guest"
	}
	return out
}

// StartRabbitMQ starts a RabbitMQ container for testing.
func StartRabbitMQ(ctx context.Context, config *RabbitMQConfig) (*RabbitMQ, error) {
	cfg := config.withDefaults()

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "rabbitmq:3-management-alpine",
			ExposedPorts: []string{"5672/tcp", "15672/tcp"},
			WaitingFor: wait.ForAll(
				wait.ForListeningPort("5672/tcp"),
				wait.ForLog("Server startup complete"),
			),
			Env: map[string]string{
				"RABBITMQ_DEFAULT_USER": cfg.User,
				"RABBITMQ_DEFAULT_PASS": cfg.Password,
			},
			Name: cfg.ContainerName,
		},
		Started: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to start RabbitMQ container: %w", err)
	}

	url, err := amqpURL(ctx, container, cfg)
	if err != nil {
		return nil, terminateOnErr(ctx, container, err)
	}

	return &RabbitMQ{Container: container, URL: url}, nil
}

func amqpURL(ctx context.Context, container testcontainers.Container, cfg RabbitMQConfig) (string, error) {
	host, err := container.Host(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to get container host: %w", err)
	}

	port, err := container.MappedPort(ctx, "5672")
	if err != nil {
		return "", fmt.Errorf("failed to get container port: %w", err)
	}

	return fmt.Sprintf("amqp://%s:%s@%s:%s/", cfg.User, cfg.Password, host, port.Port()), nil
}
