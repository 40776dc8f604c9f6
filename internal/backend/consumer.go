package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	amqp "github.com/rabbitmq/amqp091-go"

	"voltstream.dev/telemetry/pkg/metrics"
	"voltstream.dev/telemetry/pkg/mq"
)

// ErrMalformedMessage marks deliveries that can never succeed: bodies that
// do not decode or readings that fail validation. The consumer acks and
// drops them instead of requeueing.
var ErrMalformedMessage = errors.New("malformed telemetry message")

// MessageHandler decodes and applies one queue message. An error wrapping
// ErrMalformedMessage drops the message; any other error requeues it.
type MessageHandler func(ctx context.Context, body []byte) error

// defaultStartupWait gives the mq client time to finish its first connect
// before Consume is called.
const defaultStartupWait = 2 * time.Second

// Consumer drains one telemetry queue into a MessageHandler, acking or
// nacking each delivery by the handler's verdict.
type Consumer struct {
	logger    *slog.Logger
	mqClient  mq.ClientInterface
	handler   MessageHandler
	queueName string
	metrics   *metrics.BackendMetrics
	wait      time.Duration
	done      chan struct{}
}

// ConsumerConfig holds the configuration for a Consumer.
type ConsumerConfig struct {
	Logger  *slog.Logger
	Handler MessageHandler
	// Client is the queue client to drain. When nil, one is built from
	// RabbitMQURL and QueueName.
	Client      mq.ClientInterface
	RabbitMQURL string
	QueueName   string
	// Metrics is the optional Prometheus metrics collector.
	Metrics *metrics.BackendMetrics
	// StartupWait overrides the delay before the first Consume call.
	// Zero means the default.
	StartupWait time.Duration
}

// NewConsumer creates a new Consumer instance.
func NewConsumer(cfg *ConsumerConfig) (*Consumer, error) {
	if cfg == nil {
		return nil, errors.New("consumer config cannot be nil")
	}

	if cfg.Logger == nil {
		return nil, errors.New("logger cannot be nil")
	}

	if cfg.Handler == nil {
		return nil, errors.New("handler cannot be nil")
	}

	if cfg.QueueName == "" {
		return nil, errors.New("queue name cannot be empty")
	}

	client := cfg.Client
	if client == nil {
		if cfg.RabbitMQURL == "" {
			return nil, errors.New("rabbitmq URL cannot be empty")
		}
		client = mq.New(cfg.QueueName, cfg.RabbitMQURL, cfg.Logger)
	}

	wait := cfg.StartupWait
	if wait <= 0 {
		wait = defaultStartupWait
	}

	return &Consumer{
		logger:    cfg.Logger,
		mqClient:  client,
		handler:   cfg.Handler,
		queueName: cfg.QueueName,
		metrics:   cfg.Metrics,
		wait:      wait,
		done:      make(chan struct{}),
	}, nil
}

// Start begins draining the queue. It returns once the delivery loop is
// running in the background.
func (c *Consumer) Start(ctx context.Context) error {
	c.logger.Info("starting consumer", "queue", c.queueName)

	// Give the mq client's background connect a head start.
	time.Sleep(c.wait)

	deliveries, err := c.mqClient.Consume()
	if err != nil {
		return fmt.Errorf("failed to start consuming: %w", err)
	}

	c.logger.Info("consumer started, waiting for messages", "queue", c.queueName)

	if c.metrics != nil {
		c.metrics.ActiveConsumers.Inc()
	}

	go c.processMessages(ctx, deliveries)

	return nil
}

// processMessages drains the deliveries channel until the context is
// canceled or the channel closes.
func (c *Consumer) processMessages(ctx context.Context, deliveries <-chan amqp.Delivery) {
	defer func() {
		if c.metrics != nil {
			c.metrics.ActiveConsumers.Dec()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			c.logger.Info("context canceled, stopping message processing", "queue", c.queueName)
			close(c.done)
			return

		case delivery, ok := <-deliveries:
			if !ok {
				c.logger.Warn("deliveries channel closed", "queue", c.queueName)
				close(c.done)
				return
			}

			c.handleDelivery(ctx, delivery)
		}
	}
}

// handleDelivery applies one delivery and settles it: ack on success, ack
// and drop on a malformed message, nack with requeue on anything else.
func (c *Consumer) handleDelivery(ctx context.Context, delivery amqp.Delivery) {
	var timer *prometheus.Timer
	if c.metrics != nil {
		timer = prometheus.NewTimer(c.metrics.ConsumerProcessingDuration.WithLabelValues(c.queueName))
		defer timer.ObserveDuration()
	}

	err := c.handler(ctx, delivery.Body)
	if err == nil {
		if ackErr := delivery.Ack(false); ackErr != nil {
			c.logger.Error("failed to ack message", "queue", c.queueName, "error", ackErr)
			return
		}
		if c.metrics != nil {
			c.metrics.ConsumerMessagesTotal.WithLabelValues(c.queueName, "success").Inc()
		}
		return
	}

	if errors.Is(err, ErrMalformedMessage) {
		c.logger.Error("dropping malformed message", "queue", c.queueName, "error", err)
		if c.metrics != nil {
			c.metrics.ConsumerMessagesTotal.WithLabelValues(c.queueName, "error").Inc()
			c.metrics.ConsumerErrors.WithLabelValues(c.queueName, "malformed").Inc()
		}
		// Ack so the poison message is not redelivered.
		if ackErr := delivery.Ack(false); ackErr != nil {
			c.logger.Error("failed to ack message", "queue", c.queueName, "error", ackErr)
		}
		return
	}

	c.logger.Error("failed to process message, requeueing", "queue", c.queueName, "error", err)
	if c.metrics != nil {
		c.metrics.ConsumerMessagesTotal.WithLabelValues(c.queueName, "error").Inc()
		c.metrics.ConsumerErrors.WithLabelValues(c.queueName, "storage").Inc()
	}
	if nackErr := delivery.Nack(false, true); nackErr != nil {
		c.logger.Error("failed to nack message", "queue", c.queueName, "error", nackErr)
	}
}

// Stop closes the mq client and waits for in-flight processing to finish.
func (c *Consumer) Stop() error {
	c.logger.Info("stopping consumer", "queue", c.queueName)

	if err := c.mqClient.Close(); err != nil {
		return fmt.Errorf("failed to close mq client: %w", err)
	}

	<-c.done

	c.logger.Info("consumer stopped", "queue", c.queueName)
	return nil
}

// MeterMessageHandler returns the handler for meter telemetry messages:
// decode, validate, ingest.
func MeterMessageHandler(ingestor *Ingestor, logger *slog.Logger) MessageHandler {
	return func(ctx context.Context, body []byte) error {
		var reading MeterReading
		if err := json.Unmarshal(body, &reading); err != nil {
			return fmt.Errorf("%w: %v", ErrMalformedMessage, err)
		}
		if err := reading.Validate(); err != nil {
			return fmt.Errorf("%w: %v", ErrMalformedMessage, err)
		}

		logger.Debug("received meter reading",
			"meter_id", reading.MeterID,
			"timestamp", reading.Timestamp,
		)

		if _, err := ingestor.IngestMeter(ctx, reading); err != nil {
			return err
		}
		return nil
	}
}

// VehicleMessageHandler returns the handler for vehicle telemetry
// messages: decode, validate, ingest.
func VehicleMessageHandler(ingestor *Ingestor, logger *slog.Logger) MessageHandler {
	return func(ctx context.Context, body []byte) error {
		var reading VehicleReading
		if err := json.Unmarshal(body, &reading); err != nil {
			return fmt.Errorf("%w: %v", ErrMalformedMessage, err)
		}
		if err := reading.Validate(); err != nil {
			return fmt.Errorf("%w: %v", ErrMalformedMessage, err)
		}

		logger.Debug("received vehicle reading",
			"vehicle_id", reading.VehicleID,
			"timestamp", reading.Timestamp,
		)

		if _, err := ingestor.IngestVehicle(ctx, reading); err != nil {
			return err
		}
		return nil
	}
}
