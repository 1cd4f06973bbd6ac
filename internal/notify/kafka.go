package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/IBM/sarama"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/mbd888/jobescrow/internal/metrics"
	"github.com/mbd888/jobescrow/internal/payment"
)

// DefaultTopic is the Kafka topic payment events are written to.
const DefaultTopic = "payment-events"

// MessageSender is the part of sarama.SyncProducer the publisher needs.
type MessageSender interface {
	SendMessages(msgs []*sarama.ProducerMessage) error
	Close() error
}

// NewKafkaProducer connects a synchronous producer that waits for every
// in-sync replica and keeps per-key ordering across retries.
func NewKafkaProducer(brokers []string) (sarama.SyncProducer, error) {
	config := sarama.NewConfig()
	config.Producer.Return.Successes = true
	config.Producer.RequiredAcks = sarama.WaitForAll
	config.Producer.Retry.Max = 5
	config.Producer.Idempotent = true
	config.Net.MaxOpenRequests = 1
	config.Producer.Partitioner = sarama.NewHashPartitioner

	producer, err := sarama.NewSyncProducer(brokers, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create Kafka producer: %w", err)
	}
	return producer, nil
}

// KafkaPublisher writes payment events to a Kafka topic, keyed by payment
// id so every event of one payment lands on the same partition in order.
type KafkaPublisher struct {
	producer MessageSender
	topic    string
	logger   *slog.Logger
}

// NewKafkaPublisher creates a publisher writing to topic.
func NewKafkaPublisher(producer MessageSender, topic string, logger *slog.Logger) *KafkaPublisher {
	if topic == "" {
		topic = DefaultTopic
	}
	return &KafkaPublisher{producer: producer, topic: topic, logger: logger}
}

// Publish implements payment.Publisher. The batch is sent in one call.
func (k *KafkaPublisher) Publish(ctx context.Context, events []payment.Event) error {
	if len(events) == 0 {
		return nil
	}

	msgs := make([]*sarama.ProducerMessage, 0, len(events))
	for i := range events {
		msg, err := k.message(ctx, &events[i])
		if err != nil {
			metrics.EventsPublishedTotal.WithLabelValues("kafka", "error").Add(float64(len(events)))
			return err
		}
		msgs = append(msgs, msg)
	}

	if err := k.producer.SendMessages(msgs); err != nil {
		metrics.EventsPublishedTotal.WithLabelValues("kafka", "error").Add(float64(len(events)))
		return fmt.Errorf("kafka: send %d events to %s: %w", len(msgs), k.topic, err)
	}
	metrics.EventsPublishedTotal.WithLabelValues("kafka", "ok").Add(float64(len(events)))

	traceID := ""
	if span := trace.SpanFromContext(ctx); span.SpanContext().IsValid() {
		traceID = span.SpanContext().TraceID().String()
	}
	k.logger.Debug("payment events published",
		"trace_id", traceID,
		"topic", k.topic,
		"payment_id", events[0].PaymentID,
		"count", len(events),
	)
	return nil
}

// Close closes the underlying producer.
func (k *KafkaPublisher) Close() error {
	return k.producer.Close()
}

func (k *KafkaPublisher) message(ctx context.Context, ev *payment.Event) (*sarama.ProducerMessage, error) {
	body, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("kafka: encode event %s: %w", ev.ID, err)
	}

	carrier := make(headerCarrier, 0, 4)
	carrier.Set("event-type", string(ev.Type))
	carrier.Set("event-id", ev.ID)
	otel.GetTextMapPropagator().Inject(ctx, &carrier)

	return &sarama.ProducerMessage{
		Topic:     k.topic,
		Key:       sarama.StringEncoder(ev.PaymentID),
		Value:     sarama.ByteEncoder(body),
		Headers:   []sarama.RecordHeader(carrier),
		Timestamp: ev.Timestamp,
	}, nil
}

// headerCarrier adapts Kafka record headers to propagation.TextMapCarrier.
type headerCarrier []sarama.RecordHeader

func (c headerCarrier) Get(key string) string {
	for _, h := range c {
		if string(h.Key) == key {
			return string(h.Value)
		}
	}
	return ""
}

func (c *headerCarrier) Set(key, value string) {
	*c = append(*c, sarama.RecordHeader{
		Key:   []byte(key),
		Value: []byte(value),
	})
}

func (c headerCarrier) Keys() []string {
	keys := make([]string, len(c))
	for i, h := range c {
		keys[i] = string(h.Key)
	}
	return keys
}
