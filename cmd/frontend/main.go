// Command frontend runs the dashboard on its own, configured by flags only.
package main

import (
	"context"
	"flag"
	"os"
	"strings"
	"time"

	"procodus.dev/metrics-hub/internal/frontend"
	"procodus.dev/metrics-hub/pkg/logger"
	"procodus.dev/metrics-hub/pkg/metrics"
)

func main() {
	httpPort := flag.Int("http-port", 8080, "HTTP server port")
	backendAddr := flag.String("backend-addr", "localhost:9090", "Backend gRPC server address")
	systemMetrics := flag.String("system-metrics", strings.Join(frontend.DefaultSystemMetrics, ","), "Comma-separated metric names for the system page")
	stockSymbols := flag.String("stock-symbols", "", "Comma-separated stock symbols (all when empty)")
	queryTimeout := flag.Duration("query-timeout", 5*time.Second, "Timeout for backend calls per page")
	logLevel := flag.String("log-level", "info", "Log level (debug, info, warn, error)")
	logFormat := flag.String("log-format", "json", "Log format (json, text)")
	flag.Parse()

	log := logger.New(&logger.Config{
		Output:  os.Stdout,
		Service: "frontend",
		Format:  logger.ParseFormat(*logFormat),
		Level:   logger.ParseLevel(*logLevel),
	})

	config := &frontend.ServerConfig{
		Logger:          log,
		Metrics:         metrics.NewFrontendMetrics("metrics_hub"),
		HTTPPort:        *httpPort,
		BackendGRPCAddr: *backendAddr,
		SystemMetrics:   splitList(*systemMetrics),
		StockSymbols:    splitList(*stockSymbols),
		QueryTimeout:    *queryTimeout,
	}

	server, err := frontend.NewServer(config)
	if err != nil {
		log.Error("failed to create server", "error", err)
		os.Exit(1)
	}

	log.Info("starting frontend server",
		"http_port", *httpPort,
		"backend_addr", *backendAddr,
	)

	if err := server.Run(context.Background()); err != nil {
		log.Error("server error", "error", err)
		os.Exit(1)
	}

	log.Info("frontend server stopped")
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
