package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"
	"go.uber.org/zap"
)

// Publisher delivers one outbound payload to a downstream system.
type Publisher interface {
	Publish(ctx context.Context, payload OutboundPayload) error
	Close() error
}

// KafkaHeaderBuilder defines a function type for building Kafka message headers from a payload.
type KafkaHeaderBuilder func(payload OutboundPayload) []kafka.Header

// NopPublisher is a publisher that does nothing. Useful for testing.
type NopPublisher struct{}

// NewNopPublisher creates a new NopPublisher.
func NewNopPublisher() *NopPublisher {
	return &NopPublisher{}
}

// Publish implements the Publisher interface.
func (p *NopPublisher) Publish(_ context.Context, _ OutboundPayload) error {
	return nil
}

// Close implements the Publisher interface.
func (p *NopPublisher) Close() error {
	return nil
}

// KafkaPublisher mirrors outbound payloads to a Kafka topic.
type KafkaPublisher struct {
	logger        *zap.Logger
	producer      *kafka.Producer
	producerProps kafka.ConfigMap
	topic         string
	headerBuilder KafkaHeaderBuilder
}

// NewKafkaPublisher creates a new KafkaPublisher with functional options.
func NewKafkaPublisher(logger *zap.Logger, opts ...KafkaPublisherOption) (*KafkaPublisher, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	p := &KafkaPublisher{
		logger: logger,
		producerProps: kafka.ConfigMap{
			"acks":             "all",
			"retries":          3,
			"linger.ms":        10,
			"compression.type": "snappy",
		},
		topic:         defaultKafkaTopic,
		headerBuilder: buildKafkaHeaders,
	}

	for _, opt := range opts {
		opt(p)
	}

	producer, err := kafka.NewProducer(&p.producerProps)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka producer: %w", err)
	}
	p.producer = producer

	go p.handleDeliveryReports()

	return p, nil
}

// Publish enqueues the payload on the mirror topic keyed by transaction id.
// Delivery is asynchronous; broker-side failures surface in the delivery report log.
func (p *KafkaPublisher) Publish(_ context.Context, payload OutboundPayload) error {
	value, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	key := stringOf(payload.TransactionID)
	p.logger.Debug("Mirroring payload to Kafka",
		zap.String("transaction_id", key),
		zap.String("topic", p.topic),
	)

	message := &kafka.Message{
		TopicPartition: kafka.TopicPartition{Topic: &p.topic, Partition: kafka.PartitionAny},
		Key:            []byte(key),
		Value:          value,
		Headers:        p.headerBuilder(payload),
		Timestamp:      time.Now(),
	}

	return p.producer.Produce(message, nil)
}

// Close flushes the producer and closes the Kafka connection.
func (p *KafkaPublisher) Close() error {
	p.logger.Info("Closing kafka producer")
	if remaining := p.producer.Flush(15 * 1000); remaining > 0 {
		p.logger.Warn("Kafka producer closed with undelivered messages", zap.Int("remaining", remaining))
	}
	p.producer.Close()
	return nil
}

func (p *KafkaPublisher) handleDeliveryReports() {
	for e := range p.producer.Events() {
		switch ev := e.(type) {
		case *kafka.Message:
			if ev.TopicPartition.Error != nil {
				p.logger.Error("Mirror delivery failed",
					zap.String("topic", *ev.TopicPartition.Topic),
					zap.ByteString("key", ev.Key),
					zap.Error(ev.TopicPartition.Error),
				)
			}
		case kafka.Error:
			p.logger.Error("Kafka error", zap.Error(ev))
		}
	}
}

// buildKafkaHeaders is the default function for creating Kafka headers from a payload.
func buildKafkaHeaders(payload OutboundPayload) []kafka.Header {
	headers := []kafka.Header{
		{Key: "transaction_id", Value: []byte(stringOf(payload.TransactionID))},
		{Key: "delivery_timestamp", Value: []byte(payload.Timestamp)},
		{Key: "source", Value: []byte("pusher")},
	}
	if payload.DonatorNickname != nil {
		headers = append(headers, kafka.Header{Key: "donator_nickname", Value: []byte(stringOf(payload.DonatorNickname))})
	}
	return headers
}
