package main

import (
	"context"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"voltstream.dev/telemetry/internal/backend"
	"voltstream.dev/telemetry/pkg/metrics"
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Run the telemetry server",
	Long: `Run the telemetry server that:
- Consumes grid meter readings from RabbitMQ
- Consumes vehicle readings from RabbitMQ
- Persists live state and history to PostgreSQL
- Serves the HTTP ingestion and query API`,
	RunE: runServer,
}

func init() {
	rootCmd.AddCommand(serverCmd)

	// Server-specific flags
	serverCmd.Flags().String("db-host", "localhost", "PostgreSQL host")
	serverCmd.Flags().Int("db-port", 5432, "PostgreSQL port")
	serverCmd.Flags().String("db-user", "postgres", "PostgreSQL user")
	serverCmd.Flags().String("db-password", "", "PostgreSQL password")
	serverCmd.Flags().String("db-name", "telemetry", "PostgreSQL database name")
	serverCmd.Flags().String("db-sslmode", "disable", "PostgreSQL SSL mode")
	serverCmd.Flags().String("rabbitmq-url", "amqp://localhost:5672", "RabbitMQ URL")
	serverCmd.Flags().String("meter-queue-name", "meter-telemetry", "RabbitMQ queue name for grid meter readings")
	serverCmd.Flags().String("vehicle-queue-name", "vehicle-telemetry", "RabbitMQ queue name for vehicle readings")
	serverCmd.Flags().Int("http-port", 8080, "HTTP API port")
	serverCmd.Flags().Int("max-concurrent-writes", 0, "Batch ingestion write concurrency (0 for default)")

	// Bind flags to viper
	_ = viper.BindPFlag("server.db.host", serverCmd.Flags().Lookup("db-host"))
	_ = viper.BindPFlag("server.db.port", serverCmd.Flags().Lookup("db-port"))
	_ = viper.BindPFlag("server.db.user", serverCmd.Flags().Lookup("db-user"))
	_ = viper.BindPFlag("server.db.password", serverCmd.Flags().Lookup("db-password"))
	_ = viper.BindPFlag("server.db.name", serverCmd.Flags().Lookup("db-name"))
	_ = viper.BindPFlag("server.db.sslmode", serverCmd.Flags().Lookup("db-sslmode"))
	_ = viper.BindPFlag("server.rabbitmq.url", serverCmd.Flags().Lookup("rabbitmq-url"))
	_ = viper.BindPFlag("server.rabbitmq.meter_queue_name", serverCmd.Flags().Lookup("meter-queue-name"))
	_ = viper.BindPFlag("server.rabbitmq.vehicle_queue_name", serverCmd.Flags().Lookup("vehicle-queue-name"))
	_ = viper.BindPFlag("server.http.port", serverCmd.Flags().Lookup("http-port"))
	_ = viper.BindPFlag("server.max_concurrent_writes", serverCmd.Flags().Lookup("max-concurrent-writes"))
}

func runServer(_ *cobra.Command, _ []string) error {
	logger := GetLogger()
	logger.Info("starting telemetry server")

	// Create server configuration from viper
	config := &backend.ServerConfig{
		Logger:              logger,
		DBHost:              viper.GetString("server.db.host"),
		DBPort:              viper.GetInt("server.db.port"),
		DBUser:              viper.GetString("server.db.user"),
		DBPassword:          viper.GetString("server.db.password"),
		DBName:              viper.GetString("server.db.name"),
		DBSSLMode:           viper.GetString("server.db.sslmode"),
		RabbitMQURL:         viper.GetString("server.rabbitmq.url"),
		MeterQueueName:      viper.GetString("server.rabbitmq.meter_queue_name"),
		VehicleQueueName:    viper.GetString("server.rabbitmq.vehicle_queue_name"),
		HTTPPort:            viper.GetInt("server.http.port"),
		MaxConcurrentWrites: viper.GetInt("server.max_concurrent_writes"),
		Metrics:             metrics.NewBackendMetrics("voltstream"),
	}

	// Create and run server
	server, err := backend.NewServer(config)
	if err != nil {
		logger.Error("failed to create telemetry server", "error", err)
		return err
	}

	logger.Info("telemetry server configuration",
		"db_host", config.DBHost,
		"db_port", config.DBPort,
		"db_name", config.DBName,
		"rabbitmq_url", config.RabbitMQURL,
		"meter_queue", config.MeterQueueName,
		"vehicle_queue", config.VehicleQueueName,
		"http_port", config.HTTPPort,
	)

	if err := server.Run(context.Background()); err != nil {
		logger.Error("telemetry server error", "error", err)
		return err
	}

	logger.Info("telemetry server stopped")
	return nil
}
