package main

import (
	"context"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"procodus.dev/metrics-hub/internal/producer"
	"procodus.dev/metrics-hub/pkg/metrics"
)

var generatorCmd = &cobra.Command{
	Use:   "generator",
	Short: "Run the submission generator",
	Long: `Run the submission generator that:
- Simulates aggregators with CPU and RAM readings per host
- Optionally quotes stock prices on a market device
- Publishes JSON submissions to RabbitMQ
- Supports multiple concurrent producers`,
	RunE: runGenerator,
}

func init() {
	rootCmd.AddCommand(generatorCmd)

	generatorCmd.Flags().String("rabbitmq-url", "amqp://localhost:5672", "RabbitMQ URL")
	generatorCmd.Flags().String("queue-name", "submissions", "RabbitMQ queue name for submissions")
	generatorCmd.Flags().Int("producer-count", 5, "Number of concurrent producers, one simulated aggregator each")
	generatorCmd.Flags().Duration("interval", 5*time.Second, "Interval between submissions of one producer")
	generatorCmd.Flags().StringSlice("stock-symbols", []string{"GOOG", "MSFT", "AAPL"}, "stock symbols quoted by every aggregator")
	generatorCmd.Flags().Int("metrics-port", 0, "port for /metrics (0 disables)")

	_ = viper.BindPFlag("generator.rabbitmq.url", generatorCmd.Flags().Lookup("rabbitmq-url"))
	_ = viper.BindPFlag("generator.rabbitmq.queue_name", generatorCmd.Flags().Lookup("queue-name"))
	_ = viper.BindPFlag("generator.producer_count", generatorCmd.Flags().Lookup("producer-count"))
	_ = viper.BindPFlag("generator.interval", generatorCmd.Flags().Lookup("interval"))
	_ = viper.BindPFlag("generator.stock_symbols", generatorCmd.Flags().Lookup("stock-symbols"))
	_ = viper.BindPFlag("generator.metrics_port", generatorCmd.Flags().Lookup("metrics-port"))
}

func runGenerator(_ *cobra.Command, _ []string) error {
	logger := GetLogger("generator")
	logger.Info("starting generator service")

	config := &producer.ServerConfig{
		Logger:        logger,
		Metrics:       metrics.NewProducerMetrics(metricsNamespace),
		MQMetrics:     metrics.NewMQMetrics(metricsNamespace),
		RabbitMQURL:   viper.GetString("generator.rabbitmq.url"),
		QueueName:     viper.GetString("generator.rabbitmq.queue_name"),
		StockSymbols:  stringList("generator.stock_symbols"),
		ProducerCount: viper.GetInt("generator.producer_count"),
		Interval:      viper.GetDuration("generator.interval"),
	}

	server, err := producer.NewServer(config)
	if err != nil {
		logger.Error("failed to create generator server", "error", err)
		return err
	}

	if port := viper.GetInt("generator.metrics_port"); port > 0 {
		stop := serveMetrics(logger, port)
		defer stop()
	}

	logger.Info("generator server configuration",
		"queue", config.QueueName,
		"producer_count", config.ProducerCount,
		"interval", config.Interval,
		"stock_symbols", config.StockSymbols,
	)

	if err := server.Run(context.Background()); err != nil {
		logger.Error("generator server error", "error", err)
		return err
	}

	logger.Info("generator server stopped")
	return nil
}
