package sink

import (
	"context"
	"fmt"

	"github.com/maxpert/sqlwatch/cfg"
	"github.com/maxpert/sqlwatch/queue"
	"github.com/maxpert/sqlwatch/relay"
	"github.com/segmentio/kafka-go"
)

const (
	DefaultKafkaBatchSize  = 100
	DefaultKafkaBatchBytes = 1 << 20
)

func init() {
	relay.RegisterSink("kafka", func(config cfg.SinkConfiguration) (relay.Sink, error) {
		return NewKafkaSink(KafkaConfig{
			Brokers:          config.Brokers,
			BatchSize:        config.BatchSize,
			BatchBytes:       DefaultKafkaBatchBytes,
			RequiredAcks:     kafka.RequireAll,
			AutoCreateTopics: true,
		})
	})
}

// KafkaConfig holds configuration for KafkaSink
type KafkaConfig struct {
	Brokers          []string
	BatchSize        int
	BatchBytes       int64
	RequiredAcks     kafka.RequiredAcks
	AutoCreateTopics bool
}

// DefaultKafkaConfig returns a KafkaConfig with sensible defaults
func DefaultKafkaConfig(brokers []string) KafkaConfig {
	return KafkaConfig{
		Brokers:          brokers,
		BatchSize:        DefaultKafkaBatchSize,
		BatchBytes:       DefaultKafkaBatchBytes,
		RequiredAcks:     kafka.RequireAll,
		AutoCreateTopics: true,
	}
}

// KafkaSink publishes relayed invalidations to Kafka, keyed by conversation
// so every message of one registration lands on the same partition
type KafkaSink struct {
	writer *kafka.Writer
}

func NewKafkaSink(config KafkaConfig) (*KafkaSink, error) {
	if len(config.Brokers) == 0 {
		return nil, fmt.Errorf("kafka sink requires at least one broker address")
	}
	if config.BatchSize == 0 {
		config.BatchSize = DefaultKafkaBatchSize
	}
	if config.BatchBytes == 0 {
		config.BatchBytes = DefaultKafkaBatchBytes
	}

	return &KafkaSink{writer: &kafka.Writer{
		Addr:                   kafka.TCP(config.Brokers...),
		Balancer:               &kafka.Hash{},
		BatchSize:              config.BatchSize,
		BatchBytes:             config.BatchBytes,
		RequiredAcks:           config.RequiredAcks,
		AllowAutoTopicCreation: config.AutoCreateTopics,
	}}, nil
}

// Publish writes msg to topic. The worker owns retries, so no deadline is set here.
func (k *KafkaSink) Publish(topic string, msg queue.Message) error {
	return k.writer.WriteMessages(context.Background(), toKafka(topic, msg))
}

func (k *KafkaSink) Close() error {
	if k.writer == nil {
		return nil
	}
	return k.writer.Close()
}

func toKafka(topic string, msg queue.Message) kafka.Message {
	return kafka.Message{
		Topic: topic,
		Key:   []byte(msg.Conversation),
		Value: msg.Body,
		Headers: []kafka.Header{
			{Key: queue.HeaderID, Value: []byte(msg.ID)},
			{Key: queue.HeaderType, Value: []byte(msg.Type)},
			{Key: queue.HeaderConversation, Value: []byte(msg.Conversation)},
		},
	}
}
