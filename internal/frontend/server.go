package frontend

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/status"

	"procodus.dev/metrics-hub/pkg/generator"
	"procodus.dev/metrics-hub/pkg/hubrpc"
	"procodus.dev/metrics-hub/pkg/metrics"
)

// DefaultSystemMetrics are charted on the system page when none are configured.
var DefaultSystemMetrics = []string{generator.MetricCPUPercent, generator.MetricRAMUsage}

const defaultQueryTimeout = 5 * time.Second

// Server represents the dashboard HTTP server.
type Server struct {
	logger        *slog.Logger
	httpServer    *http.Server
	client        hubrpc.MetricsHubClient
	grpcConn      *grpc.ClientConn
	config        *ServerConfig
	metrics       *metrics.FrontendMetrics
	systemMetrics []string
	stockSymbols  []string
	queryTimeout  time.Duration
}

// ServerConfig holds the configuration for the Server.
type ServerConfig struct {
	Logger *slog.Logger

	// Client overrides the backend client; Run dials BackendGRPCAddr when nil.
	Client hubrpc.MetricsHubClient

	// Metrics is the optional Prometheus metrics collector.
	Metrics *metrics.FrontendMetrics

	// Backend gRPC configuration
	BackendGRPCAddr string

	// SystemMetrics are the metric names charted on /system.
	SystemMetrics []string

	// StockSymbols limits and orders the symbols on /stocks; all when empty.
	StockSymbols []string

	// QueryTimeout bounds each page's backend calls (default 5s).
	QueryTimeout time.Duration

	// HTTP server configuration
	HTTPPort int
}

// NewServer creates a new dashboard Server instance.
func NewServer(cfg *ServerConfig) (*Server, error) {
	if cfg == nil {
		return nil, errors.New("server config cannot be nil")
	}

	if cfg.Logger == nil {
		return nil, errors.New("logger cannot be nil")
	}

	if cfg.HTTPPort <= 0 {
		return nil, errors.New("HTTP port must be positive")
	}

	if cfg.BackendGRPCAddr == "" && cfg.Client == nil {
		return nil, errors.New("backend gRPC address cannot be empty")
	}

	systemMetrics := cfg.SystemMetrics
	if len(systemMetrics) == 0 {
		systemMetrics = DefaultSystemMetrics
	}

	timeout := cfg.QueryTimeout
	if timeout <= 0 {
		timeout = defaultQueryTimeout
	}

	return &Server{
		logger:        cfg.Logger,
		config:        cfg,
		client:        cfg.Client,
		metrics:       cfg.Metrics,
		systemMetrics: systemMetrics,
		stockSymbols:  generator.NormalizeSymbols(cfg.StockSymbols),
		queryTimeout:  timeout,
	}, nil
}

// Run starts the dashboard server and blocks until shutdown.
func (s *Server) Run(ctx context.Context) error {
	s.logger.Info("starting frontend server")

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	if s.client == nil {
		s.logger.Info("connecting to backend gRPC server", "address", s.config.BackendGRPCAddr)
		conn, err := hubrpc.Dial(s.config.BackendGRPCAddr, grpc.WithChainUnaryInterceptor(s.clientMetrics))
		if err != nil {
			return fmt.Errorf("failed to connect to backend: %w", err)
		}
		s.grpcConn = conn
		s.client = hubrpc.NewMetricsHubClient(conn)
	}

	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf(":%d", s.config.HTTPPort),
		Handler:           s.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	s.logger.Info("starting HTTP server", "address", s.httpServer.Addr)

	httpErr := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			httpErr <- fmt.Errorf("HTTP server error: %w", err)
		}
		close(httpErr)
	}()

	select {
	case sig := <-sigChan:
		s.logger.Info("received shutdown signal", "signal", sig.String())
		cancel()
	case <-ctx.Done():
		s.logger.Info("context canceled")
	case err := <-httpErr:
		if err != nil {
			s.logger.Error("HTTP server error", "error", err)
			_ = s.Shutdown()
			return err
		}
	}

	return s.Shutdown()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown() error {
	s.logger.Info("shutting down frontend server")

	var errs []error

	if s.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := s.httpServer.Shutdown(ctx); err != nil {
			s.logger.Error("failed to shutdown HTTP server", "error", err)
			errs = append(errs, fmt.Errorf("HTTP server shutdown error: %w", err))
		}
	}

	if s.grpcConn != nil {
		if err := s.grpcConn.Close(); err != nil {
			s.logger.Error("failed to close gRPC connection", "error", err)
			errs = append(errs, fmt.Errorf("gRPC connection close error: %w", err))
		}
		s.grpcConn = nil
	}

	if err := errors.Join(errs...); err != nil {
		return err
	}

	s.logger.Info("frontend server shutdown completed successfully")
	return nil
}

// Routes returns the dashboard HTTP handler.
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle("GET /metrics", metrics.Handler())

	mux.HandleFunc("GET /system", s.handleSystem)
	mux.HandleFunc("GET /stocks", s.handleStocks)

	// Index page (exact match, must be last)
	mux.HandleFunc("GET /{$}", s.handleIndex)

	return s.instrument(mux)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	n, err := r.ResponseWriter.Write(b)
	r.bytes += n
	return n, err
}

// instrument records HTTP metrics per matched route pattern.
func (s *Server) instrument(next http.Handler) http.Handler {
	if s.metrics == nil {
		return next
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		s.metrics.HTTPRequestsInFlight.Inc()
		defer s.metrics.HTTPRequestsInFlight.Dec()

		next.ServeHTTP(rec, r)

		path := r.Pattern
		if path == "" {
			path = "unmatched"
		}
		s.metrics.HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(rec.status)).Inc()
		s.metrics.HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(time.Since(start).Seconds())
		s.metrics.HTTPResponseSize.WithLabelValues(path).Observe(float64(rec.bytes))
	})
}

// clientMetrics records every backend call.
func (s *Server) clientMetrics(ctx context.Context, method string, req, reply any, cc *grpc.ClientConn, invoker grpc.UnaryInvoker, opts ...grpc.CallOption) error {
	start := time.Now()
	err := invoker(ctx, method, req, reply, cc, opts...)

	if s.metrics != nil {
		s.metrics.BackendCalls.WithLabelValues(method, status.Code(err).String()).Inc()
		s.metrics.BackendDuration.WithLabelValues(method).Observe(time.Since(start).Seconds())
	}
	return err
}
