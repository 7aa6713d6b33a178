// Package kafka wraps segmentio/kafka-go for target event ingestion and
// link event publication.
package kafka

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// MessageHandler processes one message. Errors for which the consumer's
// Retryable func reports true are retried and, when attempts run out, left
// uncommitted. Any other error is logged and the message is committed.
type MessageHandler func(ctx context.Context, msg kafka.Message) error

// ConsumerConfig holds Kafka consumer configuration.
type ConsumerConfig struct {
	Brokers       []string
	Topic         string
	ConsumerGroup string
	// MaxAttempts bounds in-process retries of a retryable failure.
	MaxAttempts int
	Backoff     time.Duration
	Retryable   func(error) bool
}

// messageReader is the subset of *kafka.Reader the consumer uses.
type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Consumer handles Kafka message consumption.
type Consumer struct {
	reader  messageReader
	topic   string
	cfg     ConsumerConfig
	handler MessageHandler
	logger  zerolog.Logger
	tracer  trace.Tracer

	wg      sync.WaitGroup
	cancel  context.CancelFunc
	running atomic.Bool
}

func NewConsumer(cfg ConsumerConfig, handler MessageHandler, logger zerolog.Logger) *Consumer {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        cfg.Brokers,
		Topic:          cfg.Topic,
		GroupID:        cfg.ConsumerGroup,
		MinBytes:       10e3, // 10KB
		MaxBytes:       10e6, // 10MB
		MaxWait:        500 * time.Millisecond,
		StartOffset:    kafka.FirstOffset,
		CommitInterval: time.Second,
	})
	return newConsumer(reader, cfg, handler, logger)
}

func newConsumer(reader messageReader, cfg ConsumerConfig, handler MessageHandler, logger zerolog.Logger) *Consumer {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = 200 * time.Millisecond
	}
	if cfg.Retryable == nil {
		cfg.Retryable = func(error) bool { return false }
	}
	return &Consumer{
		reader:  reader,
		topic:   cfg.Topic,
		cfg:     cfg,
		handler: handler,
		logger:  logger.With().Str("component", "kafka-consumer").Str("topic", cfg.Topic).Logger(),
		tracer:  otel.Tracer("github.com/ehr/empi/kafka"),
	}
}

// Start begins consuming messages in the background.
func (c *Consumer) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.running.Store(true)

	c.wg.Add(1)
	go c.consumeLoop(ctx)

	c.logger.Info().Msg("kafka consumer started")
	return nil
}

// Run consumes until ctx is cancelled, then closes the reader.
func (c *Consumer) Run(ctx context.Context) error {
	if err := c.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	return c.Stop()
}

// Stop gracefully stops the consumer.
func (c *Consumer) Stop() error {
	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()
	c.running.Store(false)
	return c.reader.Close()
}

// Health reports whether the consume loop is running.
func (c *Consumer) Health() bool {
	return c.running.Load()
}

func (c *Consumer) consumeLoop(ctx context.Context) {
	defer c.wg.Done()
	defer c.running.Store(false)

	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) || errors.Is(err, io.EOF) {
				c.logger.Info().Msg("consumer loop stopping")
				return
			}
			c.logger.Error().Err(err).Msg("failed to fetch message")
			if !sleep(ctx, c.cfg.Backoff) {
				return
			}
			continue
		}
		c.processMessage(ctx, msg)
	}
}

func (c *Consumer) processMessage(ctx context.Context, msg kafka.Message) {
	ctx, span := c.tracer.Start(ctx, "kafka.Consumer.processMessage", trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("messaging.destination", msg.Topic),
			attribute.Int("messaging.kafka.partition", msg.Partition),
			attribute.Int64("messaging.kafka.offset", msg.Offset),
		))
	defer span.End()

	log := c.logger.With().Int("partition", msg.Partition).Int64("offset", msg.Offset).Logger()

	var err error
	for attempt := 1; attempt <= c.cfg.MaxAttempts; attempt++ {
		err = c.handler(ctx, msg)
		if err == nil || !c.cfg.Retryable(err) {
			break
		}
		log.Warn().Err(err).Int("attempt", attempt).Msg("retryable failure processing message")
		if attempt < c.cfg.MaxAttempts && !sleep(ctx, c.cfg.Backoff*time.Duration(attempt)) {
			return
		}
	}

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if c.cfg.Retryable(err) {
			// Left uncommitted so the message is redelivered after a restart or rebalance.
			log.Error().Err(err).Msg("failed to process message (not committing)")
			return
		}
		log.Error().Err(err).Msg("dropping unprocessable message")
	}

	if err := c.reader.CommitMessages(ctx, msg); err != nil {
		log.Error().Err(err).Msg("failed to commit message")
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
