package main

import (
	"context"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"procodus.dev/metrics-hub/internal/backend"
	"procodus.dev/metrics-hub/pkg/metrics"
)

// metricsNamespace prefixes every exported Prometheus metric.
const metricsNamespace = "metrics_hub"

var backendCmd = &cobra.Command{
	Use:   "backend",
	Short: "Run the backend server",
	Long: `Run the backend server that:
- Accepts aggregator submissions over HTTP, gRPC and RabbitMQ
- Reconciles aggregators, devices and metric types in PostgreSQL
- Serves series, latest-value and pattern queries over HTTP and gRPC`,
	PreRunE: bindDBFlags,
	RunE:    runBackend,
}

func init() {
	rootCmd.AddCommand(backendCmd)

	addDBFlags(backendCmd)
	backendCmd.Flags().String("rabbitmq-url", "amqp://localhost:5672", "RabbitMQ URL (empty disables the consumer)")
	backendCmd.Flags().String("queue-name", "submissions", "RabbitMQ queue name for submissions")
	backendCmd.Flags().Int("grpc-port", 9090, "gRPC server port")
	backendCmd.Flags().Int("http-port", 8000, "HTTP API port")
	backendCmd.Flags().String("name-policy", string(backend.NamePolicyKeep), "aggregator rename handling (keep, overwrite, reject)")
	backendCmd.Flags().Duration("ingest-timeout", 10*time.Second, "maximum duration of one submission transaction")

	_ = viper.BindPFlag("backend.rabbitmq.url", backendCmd.Flags().Lookup("rabbitmq-url"))
	_ = viper.BindPFlag("backend.rabbitmq.queue_name", backendCmd.Flags().Lookup("queue-name"))
	_ = viper.BindPFlag("backend.grpc.port", backendCmd.Flags().Lookup("grpc-port"))
	_ = viper.BindPFlag("backend.http.port", backendCmd.Flags().Lookup("http-port"))
	_ = viper.BindPFlag("backend.ingest.name_policy", backendCmd.Flags().Lookup("name-policy"))
	_ = viper.BindPFlag("backend.ingest.timeout", backendCmd.Flags().Lookup("ingest-timeout"))
}

// addDBFlags registers the PostgreSQL flags shared by backend and clear-db.
func addDBFlags(cmd *cobra.Command) {
	cmd.Flags().String("db-host", "localhost", "PostgreSQL host")
	cmd.Flags().Int("db-port", 5432, "PostgreSQL port")
	cmd.Flags().String("db-user", "postgres", "PostgreSQL user")
	cmd.Flags().String("db-password", "", "PostgreSQL password")
	cmd.Flags().String("db-name", "metrics_hub", "PostgreSQL database name")
	cmd.Flags().String("db-sslmode", "disable", "PostgreSQL SSL mode")
}

// bindDBFlags binds the running command's database flags. Binding happens
// at run time because two commands share the same keys.
func bindDBFlags(cmd *cobra.Command, _ []string) error {
	for key, flag := range map[string]string{
		"backend.db.host":     "db-host",
		"backend.db.port":     "db-port",
		"backend.db.user":     "db-user",
		"backend.db.password": "db-password",
		"backend.db.name":     "db-name",
		"backend.db.sslmode":  "db-sslmode",
	} {
		if err := viper.BindPFlag(key, cmd.Flags().Lookup(flag)); err != nil {
			return err
		}
	}
	return nil
}

func runBackend(_ *cobra.Command, _ []string) error {
	logger := GetLogger("backend")
	logger.Info("starting backend service")

	config := &backend.ServerConfig{
		Logger:        logger,
		Metrics:       metrics.NewBackendMetrics(metricsNamespace),
		MQMetrics:     metrics.NewMQMetrics(metricsNamespace),
		DBHost:        viper.GetString("backend.db.host"),
		DBPort:        viper.GetInt("backend.db.port"),
		DBUser:        viper.GetString("backend.db.user"),
		DBPassword:    viper.GetString("backend.db.password"),
		DBName:        viper.GetString("backend.db.name"),
		DBSSLMode:     viper.GetString("backend.db.sslmode"),
		RabbitMQURL:   viper.GetString("backend.rabbitmq.url"),
		QueueName:     viper.GetString("backend.rabbitmq.queue_name"),
		NamePolicy:    viper.GetString("backend.ingest.name_policy"),
		IngestTimeout: viper.GetDuration("backend.ingest.timeout"),
		GRPCPort:      viper.GetInt("backend.grpc.port"),
		HTTPPort:      viper.GetInt("backend.http.port"),
	}

	server, err := backend.NewServer(config)
	if err != nil {
		logger.Error("failed to create backend server", "error", err)
		return err
	}

	logger.Info("backend server configuration",
		"db_host", config.DBHost,
		"db_port", config.DBPort,
		"db_name", config.DBName,
		"rabbitmq_enabled", config.RabbitMQURL != "",
		"queue", config.QueueName,
		"name_policy", config.NamePolicy,
		"ingest_timeout", config.IngestTimeout,
		"grpc_port", config.GRPCPort,
		"http_port", config.HTTPPort,
	)

	if err := server.Run(context.Background()); err != nil {
		logger.Error("backend server error", "error", err)
		return err
	}

	logger.Info("backend server stopped")
	return nil
}
