package main

import (
	"context"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"procodus.dev/metrics-hub/internal/frontend"
	"procodus.dev/metrics-hub/pkg/metrics"
)

var frontendCmd = &cobra.Command{
	Use:   "frontend",
	Short: "Run the dashboard server",
	Long: `Run the dashboard web server that:
- Lists aggregators
- Charts system metrics with latest values per aggregator
- Charts stock quotes as percent change
- Reads all data from the backend gRPC API`,
	RunE: runFrontend,
}

func init() {
	rootCmd.AddCommand(frontendCmd)

	frontendCmd.Flags().Int("http-port", 8080, "HTTP server port")
	frontendCmd.Flags().String("backend-addr", "localhost:9090", "Backend gRPC server address")
	frontendCmd.Flags().StringSlice("system-metrics", frontend.DefaultSystemMetrics, "metric names charted on the system page")
	frontendCmd.Flags().StringSlice("stock-symbols", nil, "stock symbols shown on the stocks page (all when empty)")
	frontendCmd.Flags().Duration("query-timeout", 5*time.Second, "timeout for backend calls per page")

	_ = viper.BindPFlag("frontend.http.port", frontendCmd.Flags().Lookup("http-port"))
	_ = viper.BindPFlag("frontend.backend.addr", frontendCmd.Flags().Lookup("backend-addr"))
	_ = viper.BindPFlag("frontend.system_metrics", frontendCmd.Flags().Lookup("system-metrics"))
	_ = viper.BindPFlag("frontend.stock_symbols", frontendCmd.Flags().Lookup("stock-symbols"))
	_ = viper.BindPFlag("frontend.query_timeout", frontendCmd.Flags().Lookup("query-timeout"))
}

func runFrontend(_ *cobra.Command, _ []string) error {
	logger := GetLogger("frontend")
	logger.Info("starting frontend service")

	config := &frontend.ServerConfig{
		Logger:          logger,
		Metrics:         metrics.NewFrontendMetrics(metricsNamespace),
		HTTPPort:        viper.GetInt("frontend.http.port"),
		BackendGRPCAddr: viper.GetString("frontend.backend.addr"),
		SystemMetrics:   stringList("frontend.system_metrics"),
		StockSymbols:    stringList("frontend.stock_symbols"),
		QueryTimeout:    viper.GetDuration("frontend.query_timeout"),
	}

	server, err := frontend.NewServer(config)
	if err != nil {
		logger.Error("failed to create frontend server", "error", err)
		return err
	}

	logger.Info("frontend server configuration",
		"http_port", config.HTTPPort,
		"backend_addr", config.BackendGRPCAddr,
		"system_metrics", config.SystemMetrics,
		"stock_symbols", config.StockSymbols,
	)

	if err := server.Run(context.Background()); err != nil {
		logger.Error("frontend server error", "error", err)
		return err
	}

	logger.Info("frontend server stopped")
	return nil
}
