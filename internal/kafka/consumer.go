package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/segmentio/kafka-go"

	"lolbin-sentinel/internal/schema"
)

// EventHandler receives each decoded event. Returning nil acknowledges
// the message; an error leaves it uncommitted for redelivery.
type EventHandler func(ctx context.Context, event *schema.Event) error

// EventSource consumes process-execution events from the events topic,
// decodes them, and hands them to the pipeline.
type EventSource struct {
	reader  *kafka.Reader
	cfg     Config
	logger  *slog.Logger
	handler EventHandler

	consumed  atomic.Int64
	malformed atomic.Int64

	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started atomic.Bool
}

// NewEventSource creates a consumer for the configured events topic.
func NewEventSource(cfg Config, handler EventHandler, logger *slog.Logger) (*EventSource, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.EventsTopic == "" {
		return nil, errors.New("kafka: events topic is required")
	}
	if handler == nil {
		return nil, errors.New("kafka: event handler is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	dialer, err := cfg.dialer()
	if err != nil {
		return nil, err
	}

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        cfg.Brokers,
		GroupID:        cfg.ConsumerGroup,
		Topic:          cfg.EventsTopic,
		Dialer:         dialer,
		MaxBytes:       cfg.ConsumerMaxBytes,
		MaxWait:        cfg.ConsumerMaxWait,
		CommitInterval: cfg.CommitInterval,
		StartOffset:    cfg.StartOffset,
		ReadBackoffMin: 100 * time.Millisecond,
		ReadBackoffMax: time.Second,
		ErrorLogger: kafka.LoggerFunc(func(msg string, args ...interface{}) {
			logger.Error(fmt.Sprintf(msg, args...), "component", "kafka-reader")
		}),
	})

	logger.Info("kafka event source initialized",
		"brokers", cfg.Brokers,
		"topic", cfg.EventsTopic,
		"group", cfg.ConsumerGroup,
	)

	return &EventSource{
		reader:  reader,
		cfg:     cfg,
		logger:  logger,
		handler: handler,
	}, nil
}

// Start begins consuming in a background goroutine.
func (s *EventSource) Start(ctx context.Context) error {
	if s.started.Swap(true) {
		return errors.New("kafka: event source already started")
	}

	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.consumeLoop(ctx)
	}()
	return nil
}

func (s *EventSource) consumeLoop(ctx context.Context) {
	for {
		msg, err := s.reader.FetchMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, kafka.ErrGroupClosed) {
				return
			}
			s.logger.Error("failed to fetch message",
				"error", err,
				"topic", s.cfg.EventsTopic,
			)
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
				continue
			}
		}

		var event schema.Event
		if err := json.Unmarshal(msg.Value, &event); err != nil {
			// Malformed messages are committed and skipped, not retried.
			s.malformed.Add(1)
			s.logger.Warn("skipping malformed event",
				"topic", msg.Topic,
				"partition", msg.Partition,
				"offset", msg.Offset,
				"error", err,
			)
			s.commit(ctx, msg)
			continue
		}
		event.ReceivedAt = time.Now().UTC()

		if err := s.handler(ctx, &event); err != nil {
			s.logger.Error("event handler failed, message left uncommitted",
				"event_id", event.EventID,
				"error", err,
			)
			continue
		}

		s.consumed.Add(1)
		s.commit(ctx, msg)
	}
}

func (s *EventSource) commit(ctx context.Context, msg kafka.Message) {
	if err := s.reader.CommitMessages(ctx, msg); err != nil && !errors.Is(err, context.Canceled) {
		s.logger.Error("failed to commit offset",
			"topic", msg.Topic,
			"partition", msg.Partition,
			"offset", msg.Offset,
			"error", err,
		)
	}
}

// Stats reports consumption counters.
func (s *EventSource) Stats() (consumed, malformed int64) {
	return s.consumed.Load(), s.malformed.Load()
}

// Stop cancels the consume loop and closes the reader.
func (s *EventSource) Stop() error {
	if s.cancel != nil {
		s.cancel()
	}
	err := s.reader.Close()
	s.wg.Wait()
	s.logger.Info("kafka event source stopped",
		"consumed", s.consumed.Load(),
		"malformed", s.malformed.Load(),
	)
	return err
}
