package producer

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"procodus.dev/metrics-hub/pkg/metrics"
	"procodus.dev/metrics-hub/pkg/mq"
)

// ClientFactory creates the queue client used by producer id.
type ClientFactory func(id int) mq.ClientInterface

// ServerConfig holds the configuration for the producer server.
type ServerConfig struct {
	// Logger is the structured logger
	Logger *slog.Logger
	// NewClient overrides how queue clients are created (defaults to a durable mq.Client)
	NewClient ClientFactory
	// Metrics is the optional Prometheus metrics collector
	Metrics *metrics.ProducerMetrics
	// MQMetrics is the optional Prometheus metrics collector for MQ operations
	MQMetrics *metrics.MQMetrics
	// RabbitMQURL is the connection string for RabbitMQ
	RabbitMQURL string
	// QueueName is the name of the queue submissions are published to
	QueueName string
	// StockSymbols are quoted by every fleet (none when empty)
	StockSymbols []string
	// Interval is the time between submissions of one producer
	Interval time.Duration
	// ProducerCount is the number of concurrent producers, one fleet each
	ProducerCount int
}

// Server manages multiple producer instances.
type Server struct {
	logger    *slog.Logger
	config    *ServerConfig
	producers []*Producer
	clients   []mq.ClientInterface
	wg        sync.WaitGroup
	metrics   *metrics.ProducerMetrics
}

var (
	errInvalidProducerCount = errors.New("producer count must be greater than 0")
	errInvalidInterval      = errors.New("interval must be greater than 0")
	errLoggerRequired       = errors.New("logger is required")
	errConfigRequired       = errors.New("config cannot be nil")
)

// NewServer creates a new producer server with the given configuration.
func NewServer(cfg *ServerConfig) (*Server, error) {
	if cfg == nil {
		return nil, errConfigRequired
	}

	if cfg.ProducerCount <= 0 {
		return nil, errInvalidProducerCount
	}

	if cfg.Interval <= 0 {
		return nil, errInvalidInterval
	}

	if cfg.Logger == nil {
		return nil, errLoggerRequired
	}

	s := &Server{
		config:    cfg,
		producers: make([]*Producer, 0, cfg.ProducerCount),
		clients:   make([]mq.ClientInterface, 0, cfg.ProducerCount),
		logger:    cfg.Logger,
		metrics:   cfg.Metrics,
	}

	newClient := cfg.NewClient
	if newClient == nil {
		newClient = s.newMQClient
	}

	for i := range cfg.ProducerCount {
		client := newClient(i)
		producer := NewProducer(client, cfg.StockSymbols)

		if cfg.Metrics != nil {
			producer.SetMetrics(cfg.Metrics)
		}

		s.clients = append(s.clients, client)
		s.producers = append(s.producers, producer)

		s.logger.Info("created producer instance",
			"producer_id", i,
			"queue", cfg.QueueName,
			"aggregator_guid", producer.Fleet.GUID,
			"aggregator_name", producer.Fleet.Name,
			"host_count", len(producer.Fleet.Hosts()),
		)
	}

	return s, nil
}

func (s *Server) newMQClient(id int) mq.ClientInterface {
	client := mq.New(s.config.QueueName, s.config.RabbitMQURL, s.logger.With(
		slog.String("component", "mq-client"),
		slog.Int("producer_id", id),
	), mq.WithDurableQueue())

	if s.config.MQMetrics != nil {
		client.SetMetrics(s.config.MQMetrics)
	}
	return client
}

// Producers returns the managed producers.
func (s *Server) Producers() []*Producer {
	return s.producers
}

// Run starts all producers and blocks until shutdown signal is received.
func (s *Server) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	for i, producer := range s.producers {
		s.wg.Add(1)
		go s.runProducer(ctx, i, producer)
	}

	s.logger.Info("producer server started",
		"producer_count", len(s.producers),
		"interval", s.config.Interval,
	)

	select {
	case sig := <-sigChan:
		s.logger.Info("received shutdown signal", "signal", sig.String())
		cancel()
	case <-ctx.Done():
		s.logger.Info("context canceled, shutting down")
	}

	s.logger.Info("waiting for producers to shut down...")
	s.wg.Wait()

	s.logger.Info("closing MQ clients...")
	s.closeClients()

	s.logger.Info("producer server stopped")
	return nil
}

// runProducer publishes one submission per interval until ctx is done.
func (s *Server) runProducer(ctx context.Context, id int, producer *Producer) {
	defer s.wg.Done()

	if s.metrics != nil {
		s.metrics.ActiveProducers.Inc()
		defer s.metrics.ActiveProducers.Dec()
	}

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	producerLogger := s.logger.With(slog.Int("producer_id", id))
	producerLogger.Info("producer started")

	for {
		select {
		case <-ctx.Done():
			producerLogger.Info("producer shutting down")
			return

		case <-ticker.C:
			if err := producer.PublishSubmission(ctx); err != nil {
				if ctx.Err() != nil {
					return
				}
				producerLogger.Error("failed to publish submission", "error", err)
				continue
			}

			producerLogger.Debug("submission published")
		}
	}
}

// closeClients closes all MQ clients concurrently.
func (s *Server) closeClients() {
	var wg sync.WaitGroup

	for i, client := range s.clients {
		wg.Add(1)
		go func(id int, c mq.ClientInterface) {
			defer wg.Done()

			if err := c.Close(); err != nil {
				s.logger.Error("failed to close MQ client",
					"producer_id", id,
					"error", err,
				)
				return
			}

			s.logger.Info("MQ client closed", "producer_id", id)
		}(i, client)
	}

	wg.Wait()
}

// Shutdown closes all MQ clients without waiting for a signal.
func (s *Server) Shutdown() error {
	s.logger.Info("shutdown requested")
	s.closeClients()
	return nil
}
