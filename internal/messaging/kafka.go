// Package messaging publishes the miner's event feed to external consumers
// over Kafka and ZeroMQ.
package messaging

import (
	"context"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/segmentio/kafka-go"
	"google.golang.org/protobuf/proto"

	"github.com/bardlex/kristminer/internal/events"
	"github.com/bardlex/kristminer/pkg/circuit"
	"github.com/bardlex/kristminer/pkg/errors"
	"github.com/bardlex/kristminer/pkg/log"
	"github.com/bardlex/kristminer/pkg/retry"
)

// KafkaClient wraps kafka-go with protobuf support and one writer per topic
type KafkaClient struct {
	brokers        []string
	logger         *log.Logger
	writers        map[string]*kafka.Writer
	writersMu      sync.RWMutex
	circuitBreaker *circuit.Breaker
	retryConfig    *retry.Config
}

// NewKafkaClient creates a new Kafka client. No connection is made until the
// first publish.
func NewKafkaClient(brokers []string, logger *log.Logger) *KafkaClient {
	cbConfig := &circuit.Config{
		Name:            "kafka",
		MaxFailures:     5,
		SuccessRequired: 3,
		Timeout:         15 * time.Second,
		ResetTimeout:    60 * time.Second,
	}

	return &KafkaClient{
		brokers:        brokers,
		logger:         logger.WithComponent("kafka"),
		writers:        make(map[string]*kafka.Writer),
		circuitBreaker: circuit.New(cbConfig),
		retryConfig:    retry.DefaultConfig(),
	}
}

// GetProducer gets or creates a Kafka producer for a topic
func (k *KafkaClient) GetProducer(topic string) *kafka.Writer {
	k.writersMu.RLock()
	if writer, exists := k.writers[topic]; exists {
		k.writersMu.RUnlock()
		return writer
	}
	k.writersMu.RUnlock()

	k.writersMu.Lock()
	defer k.writersMu.Unlock()

	if writer, exists := k.writers[topic]; exists {
		return writer
	}

	writer := &kafka.Writer{
		Addr:         kafka.TCP(k.brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		Async:        false,
		BatchSize:    100,
		BatchTimeout: 10 * time.Millisecond,
		Compression:  kafka.Snappy,
	}

	k.writers[topic] = writer
	k.logger.Info("created Kafka producer", "topic", topic)
	return writer
}

// PublishProto publishes a protobuf message to Kafka
func (k *KafkaClient) PublishProto(ctx context.Context, topic, key string, msg proto.Message) error {
	data, err := proto.Marshal(msg)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeValidation, "protobuf_marshal",
			"failed to marshal protobuf message").
			WithContext("topic", topic).
			WithContext("key", key)
	}

	return k.publish(ctx, topic, key, data, "publish_proto")
}

// PublishJSON publishes a JSON-encoded value to Kafka
func (k *KafkaClient) PublishJSON(ctx context.Context, topic, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeValidation, "json_marshal",
			"failed to marshal JSON message").
			WithContext("topic", topic).
			WithContext("key", key)
	}

	return k.publish(ctx, topic, key, data, "publish_json")
}

func (k *KafkaClient) publish(ctx context.Context, topic, key string, data []byte, op string) error {
	return k.circuitBreaker.Execute(ctx, func() error {
		return retry.Do(ctx, k.retryConfig, func() error {
			writer := k.GetProducer(topic)
			kafkaMsg := kafka.Message{
				Key:   []byte(key),
				Value: data,
				Time:  time.Now(),
			}

			if err := writer.WriteMessages(ctx, kafkaMsg); err != nil {
				return errors.Wrap(err, errors.ErrorTypeMessaging, op,
					"failed to publish message to Kafka").
					WithContext("topic", topic).
					WithContext("key", key).
					WithContext("message_size", len(data))
			}

			k.logger.Debug("published message", "topic", topic, "key", key, "size", len(data))
			return nil
		})
	})
}

// Close closes all producers
func (k *KafkaClient) Close() error {
	k.writersMu.Lock()
	defer k.writersMu.Unlock()

	var lastErr error
	for topic, writer := range k.writers {
		if err := writer.Close(); err != nil {
			k.logger.WithError(err).Error("failed to close producer", "topic", topic)
			lastErr = err
		}
	}

	k.writers = make(map[string]*kafka.Writer)
	return lastErr
}

// KafkaSink publishes events to one topic as protobuf Structs
type KafkaSink struct {
	client   *KafkaClient
	topic    string
	encoding string
}

var _ events.Sink = (*KafkaSink)(nil)

// Kafka payload encodings.
const (
	EncodingProto = "proto"
	EncodingJSON  = "json"
)

// NewKafkaSink creates an event sink over client. An empty topic uses
// DefaultTopic and an empty encoding uses EncodingProto.
func NewKafkaSink(client *KafkaClient, topic, encoding string) (*KafkaSink, error) {
	if topic == "" {
		topic = DefaultTopic
	}
	switch encoding {
	case "":
		encoding = EncodingProto
	case EncodingProto, EncodingJSON:
	default:
		return nil, errors.New(errors.ErrorTypeConfiguration, "kafka_sink",
			"unknown Kafka encoding").WithContext("encoding", encoding)
	}
	return &KafkaSink{client: client, topic: topic, encoding: encoding}, nil
}

// Name implements events.Sink
func (s *KafkaSink) Name() string { return "kafka" }

// Publish implements events.Sink
func (s *KafkaSink) Publish(ctx context.Context, e events.Event) error {
	if s.encoding == EncodingJSON {
		return s.client.PublishJSON(ctx, s.topic, eventKey(e), e)
	}

	msg, err := EventToStruct(e)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeValidation, "event_encode",
			"failed to encode event").WithContext("event_type", string(e.Type))
	}
	return s.client.PublishProto(ctx, s.topic, eventKey(e), msg)
}
