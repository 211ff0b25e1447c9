package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/segmentio/kafka-go"
)

// ErrProducerClosed is returned on produce after Close.
var ErrProducerClosed = fmt.Errorf("kafka: producer is closed")

// Producer publishes alerts onto the alerts topic.
type Producer struct {
	writer *kafka.Writer
	cfg    Config
	logger *slog.Logger
	closed atomic.Bool

	produced atomic.Int64
	errors   atomic.Int64
}

// NewProducer creates a producer for the configured alerts topic.
func NewProducer(cfg Config, logger *slog.Logger) (*Producer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.AlertsTopic == "" {
		return nil, fmt.Errorf("kafka: alerts topic is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	dialer, err := cfg.dialer()
	if err != nil {
		return nil, err
	}

	writer := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.AlertsTopic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: cfg.ProducerBatchTimeout,
		MaxAttempts:  cfg.ProducerMaxRetries,
		WriteTimeout: cfg.WriteTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		RequiredAcks: kafka.RequiredAcks(cfg.RequiredAcks),
		Compression:  cfg.compression(),
		Transport: &kafka.Transport{
			Dial: dialer.DialFunc,
			TLS:  dialer.TLS,
			SASL: dialer.SASLMechanism,
		},
		ErrorLogger: kafka.LoggerFunc(func(msg string, args ...interface{}) {
			logger.Error(fmt.Sprintf(msg, args...), "component", "kafka-writer")
		}),
	}

	logger.Info("kafka alert producer initialized",
		"brokers", cfg.Brokers,
		"topic", cfg.AlertsTopic,
	)

	return &Producer{writer: writer, cfg: cfg, logger: logger}, nil
}

// ProduceJSON marshals the value and publishes it keyed by key. The hash
// balancer keeps all messages for one key on one partition.
func (p *Producer) ProduceJSON(ctx context.Context, key string, value interface{}) error {
	if p.closed.Load() {
		return ErrProducerClosed
	}

	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("kafka: failed to marshal message: %w", err)
	}

	err = p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(key),
		Value: data,
		Time:  time.Now(),
	})
	if err != nil {
		p.errors.Add(1)
		return fmt.Errorf("kafka: produce to %s: %w", p.cfg.AlertsTopic, err)
	}
	p.produced.Add(1)
	return nil
}

// Close flushes buffered messages and releases the writer.
func (p *Producer) Close() error {
	if p.closed.Swap(true) {
		return nil
	}
	p.logger.Info("closing kafka producer", "produced", p.produced.Load())
	if err := p.writer.Close(); err != nil {
		return fmt.Errorf("kafka: failed to close producer: %w", err)
	}
	return nil
}
