package simulator

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"voltstream.dev/telemetry/pkg/metrics"
	"voltstream.dev/telemetry/pkg/mq"
)

// ServerConfig holds the configuration for the simulator server.
type ServerConfig struct {
	// Logger is the structured logger
	Logger *slog.Logger
	// RabbitMQURL is the connection string for RabbitMQ
	RabbitMQURL string
	// MeterQueueName is the queue for grid meter readings
	MeterQueueName string
	// VehicleQueueName is the queue for vehicle readings
	VehicleQueueName string
	// Interval is the time between telemetry ticks
	Interval time.Duration
	// SimulatorCount is the number of concurrent simulator instances
	SimulatorCount int
	// Metrics is the optional Prometheus metrics collector
	Metrics *metrics.SimulatorMetrics
	// MQMetrics is the optional Prometheus metrics collector for MQ operations
	MQMetrics *metrics.MQMetrics
}

// Server manages multiple simulator instances.
type Server struct {
	logger         *slog.Logger
	config         *ServerConfig
	simulators     []*Simulator
	meterClients   []*mq.Client
	vehicleClients []*mq.Client
	wg             sync.WaitGroup
	metrics        *metrics.SimulatorMetrics
}

var (
	errInvalidSimulatorCount = errors.New("simulator count must be greater than 0")
	errInvalidInterval       = errors.New("interval must be greater than 0")
	errLoggerRequired        = errors.New("logger is required")
)

// NewServer creates a new simulator server with the given configuration.
func NewServer(cfg *ServerConfig) (*Server, error) {
	if cfg.SimulatorCount <= 0 {
		return nil, errInvalidSimulatorCount
	}

	if cfg.Interval <= 0 {
		return nil, errInvalidInterval
	}

	if cfg.Logger == nil {
		return nil, errLoggerRequired
	}

	s := &Server{
		config:         cfg,
		simulators:     make([]*Simulator, 0, cfg.SimulatorCount),
		meterClients:   make([]*mq.Client, 0, cfg.SimulatorCount),
		vehicleClients: make([]*mq.Client, 0, cfg.SimulatorCount),
		logger:         cfg.Logger,
		metrics:        cfg.Metrics,
	}

	// Create simulator instances, each with its own pair of MQ clients
	for i := 0; i < cfg.SimulatorCount; i++ {
		meterClient := mq.New(cfg.MeterQueueName, cfg.RabbitMQURL, cfg.Logger.With(
			slog.String("component", "meter-mq-client"),
			slog.Int("simulator_id", i),
		))

		if cfg.MQMetrics != nil {
			meterClient.SetMetrics(cfg.MQMetrics)
		}

		vehicleClient := mq.New(cfg.VehicleQueueName, cfg.RabbitMQURL, cfg.Logger.With(
			slog.String("component", "vehicle-mq-client"),
			slog.Int("simulator_id", i),
		))

		if cfg.MQMetrics != nil {
			vehicleClient.SetMetrics(cfg.MQMetrics)
		}

		sim := NewSimulator(meterClient, vehicleClient)

		if cfg.Metrics != nil {
			sim.SetMetrics(cfg.Metrics)
		}

		s.meterClients = append(s.meterClients, meterClient)
		s.vehicleClients = append(s.vehicleClients, vehicleClient)
		s.simulators = append(s.simulators, sim)

		s.logger.Info("created simulator instance",
			"simulator_id", i,
			"meter_queue", cfg.MeterQueueName,
			"vehicle_queue", cfg.VehicleQueueName,
			"charge_point_count", len(sim.ChargePoints),
		)
	}

	return s, nil
}

// Run starts all simulators and blocks until shutdown signal is received.
func (s *Server) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM, syscall.SIGINT)

	for i, sim := range s.simulators {
		s.wg.Add(1)
		go s.runSimulator(ctx, i, sim)
	}

	s.logger.Info("simulator server started",
		"simulator_count", len(s.simulators),
		"interval", s.config.Interval,
	)

	select {
	case sig := <-sigChan:
		s.logger.Info("received shutdown signal", "signal", sig.String())
		cancel()
	case <-ctx.Done():
		s.logger.Info("context canceled, shutting down")
	}

	s.logger.Info("waiting for simulators to shut down...")
	s.wg.Wait()

	s.logger.Info("closing MQ clients...")
	s.closeClients()

	s.logger.Info("simulator server stopped")
	return nil
}

// runSimulator runs a single simulator instance, publishing telemetry
// at the configured interval.
func (s *Server) runSimulator(ctx context.Context, id int, sim *Simulator) {
	defer s.wg.Done()

	// Track the fleet size while this instance runs
	if s.metrics != nil {
		points := float64(len(sim.ChargePoints))
		s.metrics.ActiveChargePoints.Add(points)
		defer s.metrics.ActiveChargePoints.Sub(points)
	}

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	simLogger := s.logger.With(slog.Int("simulator_id", id))
	simLogger.Info("simulator started")

	for {
		select {
		case <-ctx.Done():
			simLogger.Info("simulator shutting down")
			return

		case <-ticker.C:
			if err := sim.PublishReadings(ctx, s.config.Interval); err != nil {
				simLogger.Error("failed to publish readings",
					"error", err,
				)
				// Continue on error - don't stop the simulator
				continue
			}

			simLogger.Debug("readings published")
		}
	}
}

// closeClients closes all MQ clients gracefully.
func (s *Server) closeClients() {
	var wg sync.WaitGroup

	for i, client := range s.meterClients {
		wg.Add(1)
		go func(id int, c *mq.Client) {
			defer wg.Done()

			if err := c.Close(); err != nil {
				s.logger.Error("failed to close meter MQ client",
					"simulator_id", id,
					"error", err,
				)
				return
			}

			s.logger.Info("meter MQ client closed", "simulator_id", id)
		}(i, client)
	}

	for i, client := range s.vehicleClients {
		wg.Add(1)
		go func(id int, c *mq.Client) {
			defer wg.Done()

			if err := c.Close(); err != nil {
				s.logger.Error("failed to close vehicle MQ client",
					"simulator_id", id,
					"error", err,
				)
				return
			}

			s.logger.Info("vehicle MQ client closed", "simulator_id", id)
		}(i, client)
	}

	wg.Wait()
}

// Shutdown initiates a graceful shutdown of the server.
// This is an alternative to sending OS signals.
func (s *Server) Shutdown() error {
	s.logger.Info("shutdown requested")

	s.closeClients()

	return nil
}
