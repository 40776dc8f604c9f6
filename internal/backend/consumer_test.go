package backend_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	amqp "github.com/rabbitmq/amqp091-go"
	"gorm.io/gorm"

	"voltstream.dev/telemetry/internal/backend"
	"voltstream.dev/telemetry/pkg/mq/mock"
)

// fakeAcknowledger records how deliveries were settled.
type fakeAcknowledger struct {
	mu      sync.Mutex
	acks    int
	nacks   int
	requeue []bool
}

func (f *fakeAcknowledger) Ack(tag uint64, multiple bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.acks++
	return nil
}

func (f *fakeAcknowledger) Nack(tag uint64, multiple, requeue bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nacks++
	f.requeue = append(f.requeue, requeue)
	return nil
}

func (f *fakeAcknowledger) Reject(tag uint64, requeue bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nacks++
	f.requeue = append(f.requeue, requeue)
	return nil
}

func (f *fakeAcknowledger) ackCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.acks
}

func (f *fakeAcknowledger) nackCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.nacks
}

func (f *fakeAcknowledger) requeues() []bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]bool(nil), f.requeue...)
}

var _ = Describe("Consumer", func() {
	Describe("NewConsumer", func() {
		It("should return error when config is nil", func() {
			consumer, err := backend.NewConsumer(nil)
			Expect(err).To(HaveOccurred())
			Expect(err.Error()).To(ContainSubstring("config cannot be nil"))
			Expect(consumer).To(BeNil())
		})

		It("should return error when logger is nil", func() {
			consumer, err := backend.NewConsumer(&backend.ConsumerConfig{
				Handler:   func(context.Context, []byte) error { return nil },
				QueueName: "meter-telemetry",
			})
			Expect(err).To(HaveOccurred())
			Expect(err.Error()).To(ContainSubstring("logger cannot be nil"))
			Expect(consumer).To(BeNil())
		})

		It("should return error when handler is nil", func() {
			consumer, err := backend.NewConsumer(&backend.ConsumerConfig{
				Logger:    newTestLogger(),
				QueueName: "meter-telemetry",
			})
			Expect(err).To(HaveOccurred())
			Expect(err.Error()).To(ContainSubstring("handler cannot be nil"))
			Expect(consumer).To(BeNil())
		})

		It("should return error when queue name is empty", func() {
			consumer, err := backend.NewConsumer(&backend.ConsumerConfig{
				Logger:  newTestLogger(),
				Handler: func(context.Context, []byte) error { return nil },
			})
			Expect(err).To(HaveOccurred())
			Expect(err.Error()).To(ContainSubstring("queue name cannot be empty"))
			Expect(consumer).To(BeNil())
		})

		It("should return error when both client and URL are missing", func() {
			consumer, err := backend.NewConsumer(&backend.ConsumerConfig{
				Logger:    newTestLogger(),
				Handler:   func(context.Context, []byte) error { return nil },
				QueueName: "meter-telemetry",
			})
			Expect(err).To(HaveOccurred())
			Expect(err.Error()).To(ContainSubstring("rabbitmq URL cannot be empty"))
			Expect(consumer).To(BeNil())
		})

		It("should accept an injected client without a URL", func() {
			consumer, err := backend.NewConsumer(&backend.ConsumerConfig{
				Logger:    newTestLogger(),
				Handler:   func(context.Context, []byte) error { return nil },
				QueueName: "meter-telemetry",
				Client:    mock.NewMockClient(),
			})
			Expect(err).NotTo(HaveOccurred())
			Expect(consumer).NotTo(BeNil())
		})
	})

	Describe("message processing", func() {
		var (
			mockClient *mock.MockClient
			deliveries chan amqp.Delivery
			ctx        context.Context
			cancel     context.CancelFunc
		)

		BeforeEach(func() {
			mockClient = mock.NewMockClient()
			deliveries = make(chan amqp.Delivery, 8)
			mockClient.ConsumeChannel = deliveries
			ctx, cancel = context.WithCancel(context.Background())
		})

		AfterEach(func() {
			cancel()
		})

		startConsumer := func(handler backend.MessageHandler) *backend.Consumer {
			consumer, err := backend.NewConsumer(&backend.ConsumerConfig{
				Logger:      newTestLogger(),
				Handler:     handler,
				QueueName:   "meter-telemetry",
				Client:      mockClient,
				StartupWait: time.Millisecond,
			})
			Expect(err).NotTo(HaveOccurred())
			Expect(consumer.Start(ctx)).To(Succeed())
			return consumer
		}

		It("should return error when Consume fails", func() {
			mockClient.ConsumeError = errors.New("channel not open")

			consumer, err := backend.NewConsumer(&backend.ConsumerConfig{
				Logger:      newTestLogger(),
				Handler:     func(context.Context, []byte) error { return nil },
				QueueName:   "meter-telemetry",
				Client:      mockClient,
				StartupWait: time.Millisecond,
			})
			Expect(err).NotTo(HaveOccurred())

			err = consumer.Start(ctx)
			Expect(err).To(HaveOccurred())
			Expect(err.Error()).To(ContainSubstring("failed to start consuming"))
		})

		It("should ack a delivery the handler accepts", func() {
			received := make(chan []byte, 1)
			startConsumer(func(_ context.Context, body []byte) error {
				received <- body
				return nil
			})

			ack := &fakeAcknowledger{}
			deliveries <- amqp.Delivery{Acknowledger: ack, DeliveryTag: 1, Body: []byte(`{"n":1}`)}

			Eventually(received).Should(Receive(Equal([]byte(`{"n":1}`))))
			Eventually(ack.ackCount).Should(Equal(1))
			Expect(ack.nackCount()).To(BeZero())
			Expect(mockClient.ConsumeCalls).To(Equal(1))
		})

		It("should ack and drop a malformed delivery", func() {
			startConsumer(func(context.Context, []byte) error {
				return backend.ErrMalformedMessage
			})

			ack := &fakeAcknowledger{}
			deliveries <- amqp.Delivery{Acknowledger: ack, DeliveryTag: 1, Body: []byte("garbage")}

			Eventually(ack.ackCount).Should(Equal(1))
			Expect(ack.nackCount()).To(BeZero())
		})

		It("should treat a wrapped malformed error as a drop", func() {
			startConsumer(func(context.Context, []byte) error {
				return errors.Join(backend.ErrMalformedMessage, errors.New("bad field"))
			})

			ack := &fakeAcknowledger{}
			deliveries <- amqp.Delivery{Acknowledger: ack, DeliveryTag: 1, Body: []byte("garbage")}

			Eventually(ack.ackCount).Should(Equal(1))
			Expect(ack.nackCount()).To(BeZero())
		})

		It("should nack and requeue a delivery that fails transiently", func() {
			startConsumer(func(context.Context, []byte) error {
				return errors.New("database connection lost")
			})

			ack := &fakeAcknowledger{}
			deliveries <- amqp.Delivery{Acknowledger: ack, DeliveryTag: 1, Body: []byte(`{"n":1}`)}

			Eventually(ack.nackCount).Should(Equal(1))
			Expect(ack.ackCount()).To(BeZero())
			Expect(ack.requeues()).To(Equal([]bool{true}))
		})

		It("should settle every delivery in a stream independently", func() {
			verdicts := map[string]error{
				`"ok"`:        nil,
				`"malformed"`: backend.ErrMalformedMessage,
				`"transient"`: errors.New("write failed"),
			}
			startConsumer(func(_ context.Context, body []byte) error {
				return verdicts[string(body)]
			})

			ack := &fakeAcknowledger{}
			for _, body := range []string{`"ok"`, `"malformed"`, `"transient"`} {
				deliveries <- amqp.Delivery{Acknowledger: ack, Body: []byte(body)}
			}

			Eventually(ack.ackCount).Should(Equal(2))
			Eventually(ack.nackCount).Should(Equal(1))
		})

		It("should stop when the deliveries channel closes", func() {
			consumer := startConsumer(func(context.Context, []byte) error { return nil })

			close(deliveries)

			stopped := make(chan error, 1)
			go func() { stopped <- consumer.Stop() }()
			Eventually(stopped).Should(Receive(BeNil()))
			Expect(mockClient.CloseCalls).To(Equal(1))
		})

		It("should stop when the context is canceled", func() {
			consumer := startConsumer(func(context.Context, []byte) error { return nil })

			cancel()

			stopped := make(chan error, 1)
			go func() { stopped <- consumer.Stop() }()
			Eventually(stopped).Should(Receive(BeNil()))
		})

		It("should surface a close failure from the client", func() {
			consumer := startConsumer(func(context.Context, []byte) error { return nil })
			mockClient.CloseError = errors.New("connection already closed")

			cancel()

			stopped := make(chan error, 1)
			go func() { stopped <- consumer.Stop() }()
			Eventually(stopped).Should(Receive(MatchError(ContainSubstring("failed to close mq client"))))
		})
	})

	Describe("MeterMessageHandler", func() {
		var (
			store   *backend.Store
			db      *gorm.DB
			handler backend.MessageHandler
			ctx     context.Context
		)

		BeforeEach(func() {
			store, db = newTestStore()
			ctx = context.Background()

			ingestor, err := backend.NewIngestor(&backend.IngestorConfig{
				Logger: newTestLogger(),
				Store:  store,
			})
			Expect(err).NotTo(HaveOccurred())

			handler = backend.MeterMessageHandler(ingestor, newTestLogger())
		})

		It("should ingest a valid message", func() {
			body, err := json.Marshal(backend.MeterReading{
				MeterID:       "MTR-0001",
				KwhConsumedAc: 2.5,
				Voltage:       400.2,
				Timestamp:     testTime(),
			})
			Expect(err).NotTo(HaveOccurred())

			Expect(handler(ctx, body)).To(Succeed())

			state, err := store.ReadMeterLiveState(ctx, "MTR-0001")
			Expect(err).NotTo(HaveOccurred())
			Expect(state.KwhConsumedAc).To(Equal(2.5))
		})

		It("should mark undecodable bodies as malformed", func() {
			err := handler(ctx, []byte("not json at all"))
			Expect(err).To(MatchError(backend.ErrMalformedMessage))
		})

		It("should mark readings that fail validation as malformed", func() {
			body, err := json.Marshal(map[string]any{
				"meterId":       "MTR-0001",
				"kwhConsumedAc": -3.0,
				"voltage":       400.0,
				"timestamp":     testTime(),
			})
			Expect(err).NotTo(HaveOccurred())

			handlerErr := handler(ctx, body)
			Expect(handlerErr).To(MatchError(backend.ErrMalformedMessage))
		})

		It("should not mark storage failures as malformed", func() {
			Expect(db.Exec("DROP TABLE meter_telemetry_history").Error).To(Succeed())

			body, err := json.Marshal(backend.MeterReading{
				MeterID:       "MTR-0001",
				KwhConsumedAc: 2.5,
				Voltage:       400.2,
				Timestamp:     testTime(),
			})
			Expect(err).NotTo(HaveOccurred())

			handlerErr := handler(ctx, body)
			Expect(handlerErr).To(HaveOccurred())
			Expect(errors.Is(handlerErr, backend.ErrMalformedMessage)).To(BeFalse())
		})
	})

	Describe("VehicleMessageHandler", func() {
		var (
			store   *backend.Store
			db      *gorm.DB
			handler backend.MessageHandler
			ctx     context.Context
		)

		BeforeEach(func() {
			store, db = newTestStore()
			ctx = context.Background()

			ingestor, err := backend.NewIngestor(&backend.IngestorConfig{
				Logger: newTestLogger(),
				Store:  store,
			})
			Expect(err).NotTo(HaveOccurred())

			handler = backend.VehicleMessageHandler(ingestor, newTestLogger())
		})

		It("should ingest a valid message", func() {
			body, err := json.Marshal(backend.VehicleReading{
				VehicleID:      "EV-0042",
				SOC:            58.0,
				KwhDeliveredDc: 1.8,
				BatteryTemp:    23.5,
				Timestamp:      testTime(),
			})
			Expect(err).NotTo(HaveOccurred())

			Expect(handler(ctx, body)).To(Succeed())

			state, err := store.ReadVehicleLiveState(ctx, "EV-0042")
			Expect(err).NotTo(HaveOccurred())
			Expect(state.SOC).To(Equal(58.0))
		})

		It("should mark undecodable bodies as malformed", func() {
			err := handler(ctx, []byte("{truncated"))
			Expect(err).To(MatchError(backend.ErrMalformedMessage))
		})

		It("should mark readings that fail validation as malformed", func() {
			body, err := json.Marshal(map[string]any{
				"vehicleId":      "EV-0042",
				"soc":            120.0,
				"kwhDeliveredDc": 1.0,
				"batteryTemp":    20.0,
				"timestamp":      testTime(),
			})
			Expect(err).NotTo(HaveOccurred())

			handlerErr := handler(ctx, body)
			Expect(handlerErr).To(MatchError(backend.ErrMalformedMessage))
		})

		It("should not mark storage failures as malformed", func() {
			Expect(db.Exec("DROP TABLE vehicle_telemetry_history").Error).To(Succeed())

			body, err := json.Marshal(backend.VehicleReading{
				VehicleID:      "EV-0042",
				SOC:            58.0,
				KwhDeliveredDc: 1.8,
				BatteryTemp:    23.5,
				Timestamp:      testTime(),
			})
			Expect(err).NotTo(HaveOccurred())

			handlerErr := handler(ctx, body)
			Expect(handlerErr).To(HaveOccurred())
			Expect(errors.Is(handlerErr, backend.ErrMalformedMessage)).To(BeFalse())
		})
	})
})
