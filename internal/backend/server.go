package backend

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/collectors"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"gorm.io/gorm"

	"procodus.dev/metrics-hub/pkg/hubrpc"
	"procodus.dev/metrics-hub/pkg/metrics"
	"procodus.dev/metrics-hub/pkg/mq"
)

// Server represents the backend server that manages the database, the
// ingestion transports and the query API.
type Server struct {
	logger       *slog.Logger
	db           *gorm.DB
	consumer     *Consumer
	grpcServer   *grpc.Server
	healthServer *health.Server
	httpServer   *http.Server
	metrics      *metrics.BackendMetrics
	config       *ServerConfig
}

// ServerConfig holds the configuration for the Server.
type ServerConfig struct {
	Logger *slog.Logger

	// Metrics is optional; nil disables instrumentation.
	Metrics   *metrics.BackendMetrics
	MQMetrics *metrics.MQMetrics

	// Database configuration
	DBHost     string
	DBUser     string
	DBPassword string
	DBName     string
	DBSSLMode  string

	// RabbitMQ configuration. An empty URL disables the consumer.
	RabbitMQURL string
	QueueName   string

	// Ingestion behaviour
	NamePolicy    string
	IngestTimeout time.Duration

	// Listener ports
	GRPCPort int
	HTTPPort int

	// Database port
	DBPort int
}

// NewServer creates a new Server instance.
func NewServer(cfg *ServerConfig) (*Server, error) {
	if cfg == nil {
		return nil, errors.New("server config cannot be nil")
	}

	if cfg.Logger == nil {
		return nil, errors.New("logger cannot be nil")
	}

	if cfg.RabbitMQURL != "" && cfg.QueueName == "" {
		return nil, errors.New("queue name cannot be empty")
	}

	if cfg.DBHost == "" {
		return nil, errors.New("database host cannot be empty")
	}

	if cfg.DBPort <= 0 {
		return nil, errors.New("database port must be positive")
	}

	if cfg.DBUser == "" {
		return nil, errors.New("database user cannot be empty")
	}

	if cfg.DBName == "" {
		return nil, errors.New("database name cannot be empty")
	}

	if cfg.GRPCPort <= 0 {
		return nil, errors.New("gRPC port must be positive")
	}

	if cfg.HTTPPort <= 0 {
		return nil, errors.New("HTTP port must be positive")
	}

	if _, err := ParseNamePolicy(cfg.NamePolicy); err != nil {
		return nil, err
	}

	return &Server{
		logger:  cfg.Logger,
		metrics: cfg.Metrics,
		config:  cfg,
	}, nil
}

// Run starts the backend server and blocks until shutdown.
func (s *Server) Run(ctx context.Context) error {
	s.logger.Info("starting backend server")

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM, syscall.SIGINT)
	defer signal.Stop(sigChan)

	db, err := NewDB(&DBConfig{
		Host:     s.config.DBHost,
		Port:     s.config.DBPort,
		User:     s.config.DBUser,
		Password: s.config.DBPassword,
		DBName:   s.config.DBName,
		SSLMode:  s.config.DBSSLMode,
		Logger:   s.logger,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	s.db = db

	if s.metrics != nil {
		if sqlDB, err := db.DB(); err == nil {
			if regErr := metrics.Registry.Register(collectors.NewDBStatsCollector(sqlDB, s.config.DBName)); regErr != nil {
				s.logger.Warn("failed to register database stats collector", "error", regErr)
			}
		}
	}

	s.logger.Info("database initialized successfully")

	mapper, querier, err := s.buildCore()
	if err != nil {
		return err
	}

	if err := s.startConsumer(ctx, mapper); err != nil {
		return err
	}

	grpcLis, err := net.Listen("tcp", fmt.Sprintf(":%d", s.config.GRPCPort))
	if err != nil {
		return fmt.Errorf("failed to listen on gRPC port %d: %w", s.config.GRPCPort, err)
	}

	if err := s.buildGRPC(mapper, querier); err != nil {
		_ = grpcLis.Close()
		return err
	}

	if err := s.buildHTTP(mapper, querier); err != nil {
		_ = grpcLis.Close()
		return err
	}

	serveErr := make(chan error, 2)

	s.logger.Info("starting gRPC server", "address", grpcLis.Addr().String())
	go func() {
		if err := s.grpcServer.Serve(grpcLis); err != nil {
			serveErr <- fmt.Errorf("gRPC server error: %w", err)
		}
	}()

	s.logger.Info("starting HTTP server", "address", s.httpServer.Addr)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- fmt.Errorf("HTTP server error: %w", err)
		}
	}()

	s.logger.Info("backend server started successfully")

	select {
	case sig := <-sigChan:
		s.logger.Info("received shutdown signal", "signal", sig.String())
		cancel()
	case <-ctx.Done():
		s.logger.Info("context canceled")
	case err := <-serveErr:
		s.logger.Error("server error", "error", err)
		cancel()
		if shutdownErr := s.Shutdown(); shutdownErr != nil {
			return fmt.Errorf("%w; %w", err, shutdownErr)
		}
		return err
	}

	return s.Shutdown()
}

func (s *Server) buildCore() (*Mapper, *QueryService, error) {
	store, err := NewGormStore(s.db)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize store: %w", err)
	}

	mapper, err := NewMapper(&MapperConfig{
		Logger:     s.logger,
		Store:      store,
		Metrics:    s.metrics,
		NamePolicy: NamePolicy(s.config.NamePolicy),
		Timeout:    s.config.IngestTimeout,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize mapper: %w", err)
	}

	querier, err := NewQueryService(s.logger, s.db, s.metrics)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize query service: %w", err)
	}

	return mapper, querier, nil
}

func (s *Server) startConsumer(ctx context.Context, ingester Ingester) error {
	if s.config.RabbitMQURL == "" {
		s.logger.Info("no RabbitMQ URL configured, consumer disabled")
		return nil
	}

	client := mq.New(s.config.QueueName, s.config.RabbitMQURL, s.logger, mq.WithDurableQueue())
	if s.config.MQMetrics != nil {
		client.SetMetrics(s.config.MQMetrics)
	}

	consumer, err := NewConsumer(&ConsumerConfig{
		Logger:    s.logger,
		Ingester:  ingester,
		MQClient:  client,
		Metrics:   s.metrics,
		QueueName: s.config.QueueName,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize consumer: %w", err)
	}
	s.consumer = consumer

	if err := s.consumer.Start(ctx); err != nil {
		return fmt.Errorf("failed to start consumer: %w", err)
	}
	return nil
}

func (s *Server) buildGRPC(ingester Ingester, querier Querier) error {
	hubService, err := NewHubService(s.logger, ingester, querier, s.metrics)
	if err != nil {
		return fmt.Errorf("failed to initialize gRPC service: %w", err)
	}

	s.grpcServer = grpc.NewServer()
	hubrpc.RegisterMetricsHubServer(s.grpcServer, hubService)

	s.healthServer = health.NewServer()
	s.healthServer.SetServingStatus(hubrpc.ServiceName, healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(s.grpcServer, s.healthServer)

	return nil
}

func (s *Server) buildHTTP(ingester Ingester, querier Querier) error {
	api, err := NewAPI(&APIConfig{
		Logger:   s.logger,
		Ingester: ingester,
		Querier:  querier,
		Metrics:  s.metrics,
		Health: func(ctx context.Context) error {
			return Ping(ctx, s.db)
		},
	})
	if err != nil {
		return fmt.Errorf("failed to initialize HTTP API: %w", err)
	}

	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf(":%d", s.config.HTTPPort),
		Handler:           api.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	return nil
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown() error {
	s.logger.Info("shutting down backend server")

	var errs []error

	if s.healthServer != nil {
		s.healthServer.Shutdown()
	}

	if s.httpServer != nil {
		s.logger.Info("stopping HTTP server")
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := s.httpServer.Shutdown(ctx); err != nil {
			s.logger.Error("failed to shutdown HTTP server", "error", err)
			errs = append(errs, fmt.Errorf("HTTP server shutdown error: %w", err))
		}
		cancel()
	}

	if s.grpcServer != nil {
		s.logger.Info("stopping gRPC server")
		s.grpcServer.GracefulStop()
		s.logger.Info("gRPC server stopped")
	}

	if s.consumer != nil {
		if err := s.consumer.Stop(); err != nil {
			s.logger.Error("failed to stop consumer", "error", err)
			errs = append(errs, fmt.Errorf("consumer shutdown error: %w", err))
		}
	}

	if s.db != nil {
		if err := CloseDB(s.db, s.logger); err != nil {
			s.logger.Error("failed to close database", "error", err)
			errs = append(errs, fmt.Errorf("database close error: %w", err))
		}
	}

	if err := errors.Join(errs...); err != nil {
		s.logger.Error("backend server shutdown completed with errors", "error", err)
		return err
	}

	s.logger.Info("backend server shutdown completed successfully")
	return nil
}
