package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"
)

// messageWriter is the subset of *kafka.Writer the producer uses.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// ProducerConfig holds Kafka producer configuration.
type ProducerConfig struct {
	Brokers      []string
	Topic        string
	BatchTimeout time.Duration
}

// Producer publishes JSON events keyed by a caller-supplied key.
type Producer struct {
	writer messageWriter
	topic  string
	logger zerolog.Logger
}

func NewProducer(cfg ProducerConfig, logger zerolog.Logger) *Producer {
	if cfg.BatchTimeout <= 0 {
		cfg.BatchTimeout = 10 * time.Millisecond
	}
	writer := &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Topic:                  cfg.Topic,
		Balancer:               &kafka.Hash{},
		BatchTimeout:           cfg.BatchTimeout,
		RequiredAcks:           kafka.RequireAll,
		Compression:            kafka.Snappy,
		AllowAutoTopicCreation: true,
	}
	return newProducer(writer, cfg.Topic, logger)
}

func newProducer(w messageWriter, topic string, logger zerolog.Logger) *Producer {
	return &Producer{
		writer: w,
		topic:  topic,
		logger: logger.With().Str("component", "kafka-producer").Str("topic", topic).Logger(),
	}
}

// PublishJSON writes one event. Messages with the same key land on the same
// partition, so events about one target stay ordered.
func (p *Producer) PublishJSON(ctx context.Context, key string, headers map[string]string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	msg := kafka.Message{Key: []byte(key), Value: data}
	for k, val := range headers {
		msg.Headers = append(msg.Headers, kafka.Header{Key: k, Value: []byte(val)})
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("publish to %s: %w", p.topic, err)
	}
	p.logger.Debug().Str("key", key).Msg("event published")
	return nil
}

func (p *Producer) Close() error {
	return p.writer.Close()
}
