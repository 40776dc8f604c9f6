package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"voltstream.dev/telemetry/internal/simulator"
	"voltstream.dev/telemetry/pkg/metrics"
)

var simulateCmd = &cobra.Command{
	Use:   "simulate",
	Short: "Run the telemetry simulator",
	Long: `Run the telemetry simulator that:
- Models charging sessions for a synthetic charge point fleet
- Publishes grid meter readings to RabbitMQ
- Publishes vehicle readings to RabbitMQ
- Supports multiple concurrent simulators`,
	RunE: runSimulate,
}

func init() {
	rootCmd.AddCommand(simulateCmd)

	// Simulator-specific flags
	simulateCmd.Flags().String("rabbitmq-url", "amqp://localhost:5672", "RabbitMQ URL")
	simulateCmd.Flags().String("meter-queue-name", "meter-telemetry", "RabbitMQ queue name for grid meter readings")
	simulateCmd.Flags().String("vehicle-queue-name", "vehicle-telemetry", "RabbitMQ queue name for vehicle readings")
	simulateCmd.Flags().Int("simulator-count", 5, "Number of concurrent simulators")
	simulateCmd.Flags().Duration("interval", 5*time.Second, "Interval between telemetry ticks")
	simulateCmd.Flags().Int("metrics-port", 9091, "Prometheus metrics port")

	// Bind flags to viper
	_ = viper.BindPFlag("simulate.rabbitmq.url", simulateCmd.Flags().Lookup("rabbitmq-url"))
	_ = viper.BindPFlag("simulate.rabbitmq.meter_queue_name", simulateCmd.Flags().Lookup("meter-queue-name"))
	_ = viper.BindPFlag("simulate.rabbitmq.vehicle_queue_name", simulateCmd.Flags().Lookup("vehicle-queue-name"))
	_ = viper.BindPFlag("simulate.simulator_count", simulateCmd.Flags().Lookup("simulator-count"))
	_ = viper.BindPFlag("simulate.interval", simulateCmd.Flags().Lookup("interval"))
	_ = viper.BindPFlag("simulate.metrics_port", simulateCmd.Flags().Lookup("metrics-port"))
}

func runSimulate(_ *cobra.Command, _ []string) error {
	logger := GetLogger()
	logger.Info("starting simulator service")

	// Create simulator configuration from viper
	config := &simulator.ServerConfig{
		Logger:           logger,
		RabbitMQURL:      viper.GetString("simulate.rabbitmq.url"),
		MeterQueueName:   viper.GetString("simulate.rabbitmq.meter_queue_name"),
		VehicleQueueName: viper.GetString("simulate.rabbitmq.vehicle_queue_name"),
		SimulatorCount:   viper.GetInt("simulate.simulator_count"),
		Interval:         viper.GetDuration("simulate.interval"),
		Metrics:          metrics.NewSimulatorMetrics("voltstream"),
		MQMetrics:        metrics.NewMQMetrics("voltstream"),
	}

	// Create and run server
	server, err := simulator.NewServer(config)
	if err != nil {
		logger.Error("failed to create simulator server", "error", err)
		return err
	}

	// Serve Prometheus metrics alongside the simulator
	metricsAddr := fmt.Sprintf(":%d", viper.GetInt("simulate.metrics_port"))
	metricsServer := &http.Server{
		Addr:              metricsAddr,
		Handler:           metrics.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Info("serving metrics", "address", metricsAddr)
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server error", "error", err)
		}
	}()
	defer func() {
		if err := metricsServer.Close(); err != nil {
			logger.Error("failed to close metrics server", "error", err)
		}
	}()

	logger.Info("simulator server configuration",
		"rabbitmq_url", config.RabbitMQURL,
		"meter_queue", config.MeterQueueName,
		"vehicle_queue", config.VehicleQueueName,
		"simulator_count", config.SimulatorCount,
		"interval", config.Interval,
	)

	if err := server.Run(context.Background()); err != nil {
		logger.Error("simulator server error", "error", err)
		return err
	}

	logger.Info("simulator server stopped")
	return nil
}
