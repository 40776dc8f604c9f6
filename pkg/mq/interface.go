package mq

import (
	"context"

	amqp "github.com/rabbitmq/amqp091-go"
)

// ClientInterface is the queue surface the consumers, the simulator, and
// tests program against; the mock package provides a test double.
type ClientInterface interface {
	// Push publishes data and blocks until the broker confirms it.
	// The context bounds the whole call including retries.
	Push(ctx context.Context, data []byte) error

	// UnsafePush publishes without waiting for a confirmation. It fails
	// if the client is not connected; delivery is otherwise not
	// guaranteed.
	UnsafePush(ctx context.Context, data []byte) error

	// Consume returns a delivery channel for the queue. Each delivery
	// must be Acked after processing or Nacked on failure.
	Consume() (<-chan amqp.Delivery, error)

	// Close shuts down the channel and connection.
	Close() error
}

// Ensure Client implements ClientInterface.
var _ ClientInterface = (*Client)(nil)
