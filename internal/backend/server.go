package backend

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"gorm.io/gorm"

	"voltstream.dev/telemetry/pkg/metrics"
)

// httpShutdownTimeout bounds how long in-flight requests may run during
// shutdown.
const httpShutdownTimeout = 10 * time.Second

// Server is the composition root for the telemetry backend: database,
// store, ingestor, analytics, queue consumers, and the HTTP API.
type Server struct {
	logger          *slog.Logger
	db              *gorm.DB
	httpServer      *http.Server
	meterConsumer   *Consumer
	vehicleConsumer *Consumer
	config          *ServerConfig
}

// ServerConfig holds the configuration for the Server.
type ServerConfig struct {
	Logger *slog.Logger

	// Database configuration
	DBHost     string
	DBUser     string
	DBPassword string
	DBName     string
	DBSSLMode  string

	// RabbitMQ configuration
	RabbitMQURL      string
	MeterQueueName   string
	VehicleQueueName string

	// HTTP API port
	HTTPPort int

	// Database port
	DBPort int

	// MaxConcurrentWrites bounds the batch ingestion fan-out. Zero means
	// the default.
	MaxConcurrentWrites int

	// Metrics is the optional Prometheus collector shared by the API,
	// ingestor, analytics, and consumers.
	Metrics *metrics.BackendMetrics
}

// NewServer creates a new Server instance.
func NewServer(cfg *ServerConfig) (*Server, error) {
	if cfg == nil {
		return nil, errors.New("server config cannot be nil")
	}

	if cfg.Logger == nil {
		return nil, errors.New("logger cannot be nil")
	}

	if cfg.RabbitMQURL == "" {
		return nil, errors.New("rabbitmq URL cannot be empty")
	}

	if cfg.MeterQueueName == "" {
		return nil, errors.New("meter queue name cannot be empty")
	}

	if cfg.VehicleQueueName == "" {
		return nil, errors.New("vehicle queue name cannot be empty")
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

	if cfg.HTTPPort <= 0 {
		return nil, errors.New("http port must be positive")
	}

	return &Server{
		logger: cfg.Logger,
		config: cfg,
	}, nil
}

// Run starts the backend server and blocks until shutdown.
func (s *Server) Run(ctx context.Context) error {
	s.logger.Info("starting telemetry backend")

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM, syscall.SIGINT)

	dbCfg := &DBConfig{
		Host:     s.config.DBHost,
		Port:     s.config.DBPort,
		User:     s.config.DBUser,
		Password: s.config.DBPassword,
		DBName:   s.config.DBName,
		SSLMode:  s.config.DBSSLMode,
		Logger:   s.logger,
	}

	db, err := NewDB(dbCfg)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	s.db = db

	if s.config.Metrics != nil {
		if sqlDB, dbErr := db.DB(); dbErr == nil {
			s.config.Metrics.DBConnectionsActive.Set(float64(sqlDB.Stats().OpenConnections))
		}
	}

	store, err := NewStore(db)
	if err != nil {
		return fmt.Errorf("failed to initialize store: %w", err)
	}

	ingestor, err := NewIngestor(&IngestorConfig{
		Logger:              s.logger,
		Store:               store,
		Metrics:             s.config.Metrics,
		MaxConcurrentWrites: s.config.MaxConcurrentWrites,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize ingestor: %w", err)
	}

	analytics, err := NewAnalytics(&AnalyticsConfig{
		Logger:  s.logger,
		Store:   store,
		Metrics: s.config.Metrics,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize analytics: %w", err)
	}

	api, err := NewAPI(&APIConfig{
		Logger:    s.logger,
		Ingestor:  ingestor,
		Analytics: analytics,
		Metrics:   s.config.Metrics,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize api: %w", err)
	}

	meterConsumer, err := NewConsumer(&ConsumerConfig{
		Logger:      s.logger,
		Handler:     MeterMessageHandler(ingestor, s.logger),
		RabbitMQURL: s.config.RabbitMQURL,
		QueueName:   s.config.MeterQueueName,
		Metrics:     s.config.Metrics,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize meter consumer: %w", err)
	}
	s.meterConsumer = meterConsumer

	vehicleConsumer, err := NewConsumer(&ConsumerConfig{
		Logger:      s.logger,
		Handler:     VehicleMessageHandler(ingestor, s.logger),
		RabbitMQURL: s.config.RabbitMQURL,
		QueueName:   s.config.VehicleQueueName,
		Metrics:     s.config.Metrics,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize vehicle consumer: %w", err)
	}
	s.vehicleConsumer = vehicleConsumer

	if err := s.meterConsumer.Start(ctx); err != nil {
		return fmt.Errorf("failed to start meter consumer: %w", err)
	}
	if err := s.vehicleConsumer.Start(ctx); err != nil {
		return fmt.Errorf("failed to start vehicle consumer: %w", err)
	}

	httpAddr := fmt.Sprintf(":%d", s.config.HTTPPort)
	s.httpServer = &http.Server{
		Addr:         httpAddr,
		Handler:      api.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("starting http server", "address", httpAddr)

	httpErr := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			httpErr <- fmt.Errorf("http server error: %w", err)
		}
		close(httpErr)
	}()

	s.logger.Info("telemetry backend started successfully")

	select {
	case sig := <-sigChan:
		s.logger.Info("received shutdown signal", "signal", sig.String())
		cancel()
	case <-ctx.Done():
		s.logger.Info("context canceled")
	case err := <-httpErr:
		if err != nil {
			s.logger.Error("http server error", "error", err)
			cancel()
			return errors.Join(err, s.Shutdown())
		}
	}

	return s.Shutdown()
}

// Shutdown stops the HTTP server, the consumers, and the database in
// order, collecting every error.
func (s *Server) Shutdown() error {
	s.logger.Info("shutting down telemetry backend")

	var errs []error

	if s.httpServer != nil {
		s.logger.Info("stopping http server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), httpShutdownTimeout)
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			s.logger.Error("failed to stop http server", "error", err)
			errs = append(errs, fmt.Errorf("http server shutdown error: %w", err))
		}
		cancel()
	}

	if s.meterConsumer != nil {
		s.logger.Info("stopping meter consumer")
		if err := s.meterConsumer.Stop(); err != nil {
			s.logger.Error("failed to stop meter consumer", "error", err)
			errs = append(errs, fmt.Errorf("meter consumer shutdown error: %w", err))
		}
	}

	if s.vehicleConsumer != nil {
		s.logger.Info("stopping vehicle consumer")
		if err := s.vehicleConsumer.Stop(); err != nil {
			s.logger.Error("failed to stop vehicle consumer", "error", err)
			errs = append(errs, fmt.Errorf("vehicle consumer shutdown error: %w", err))
		}
	}

	if s.db != nil {
		if err := CloseDB(s.db, s.logger); err != nil {
			s.logger.Error("failed to close database", "error", err)
			errs = append(errs, fmt.Errorf("database close error: %w", err))
		}
	}

	if err := errors.Join(errs...); err != nil {
		s.logger.Error("telemetry backend shutdown completed with errors", "error", err)
		return err
	}

	s.logger.Info("telemetry backend shutdown completed successfully")
	return nil
}
