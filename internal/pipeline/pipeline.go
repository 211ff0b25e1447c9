// Package pipeline runs the detection flow: queued events are matched
// against the catalog, folded into alerts, and fanned out to channels.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"lolbin-sentinel/internal/correlate"
	"lolbin-sentinel/internal/dispatch"
	"lolbin-sentinel/internal/match"
	"lolbin-sentinel/internal/metrics"
	"lolbin-sentinel/internal/queue"
	"lolbin-sentinel/internal/schema"
)

// ErrInvalidEvent wraps validation failures surfaced to intake callers.
var ErrInvalidEvent = errors.New("invalid event")

// Config controls pipeline concurrency.
type Config struct {
	Workers   int `yaml:"workers"`
	QueueSize int `yaml:"queue_size"`
}

// DefaultConfig returns the default pipeline configuration.
func DefaultConfig() Config {
	return Config{
		Workers:   4,
		QueueSize: 10000,
	}
}

// Pipeline owns the detection worker pool.
type Pipeline struct {
	cfg        Config
	queue      *queue.RingBuffer
	validator  *schema.Validator
	matcher    *match.Matcher
	correlator *correlate.Correlator
	dispatcher *dispatch.Dispatcher
	metrics    *metrics.Metrics

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New assembles a pipeline. metrics may be nil in tests.
func New(cfg Config, matcher *match.Matcher, correlator *correlate.Correlator, dispatcher *dispatch.Dispatcher, m *metrics.Metrics) *Pipeline {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	return &Pipeline{
		cfg:        cfg,
		queue:      queue.NewRingBuffer(cfg.QueueSize),
		validator:  schema.NewValidator(),
		matcher:    matcher,
		correlator: correlator,
		dispatcher: dispatcher,
		metrics:    m,
	}
}

// Queue exposes the intake buffer, for depth metrics.
func (p *Pipeline) Queue() *queue.RingBuffer {
	return p.queue
}

// Submit validates and enqueues one event. It never blocks: a full queue
// drops the event and returns queue.ErrQueueFull.
func (p *Pipeline) Submit(event *schema.Event) error {
	if p.metrics != nil {
		p.metrics.EventsReceived.Inc()
	}

	if err := p.validator.Validate(event); err != nil {
		if p.metrics != nil {
			p.metrics.EventsInvalid.Inc()
		}
		return fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}
	if event.ReceivedAt.IsZero() {
		event.ReceivedAt = time.Now().UTC()
	}

	if err := p.queue.Push(event); err != nil {
		if errors.Is(err, queue.ErrQueueFull) {
			if p.metrics != nil {
				p.metrics.EventsDropped.Inc()
			}
			slog.Warn("event dropped, queue full", "event_id", event.EventID)
		}
		return err
	}
	return nil
}

// Start launches the worker pool.
func (p *Pipeline) Start(ctx context.Context) {
	ctx, p.cancel = context.WithCancel(ctx)

	for i := 0; i < p.cfg.Workers; i++ {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			p.worker(ctx)
		}()
	}

	slog.Info("pipeline started",
		"workers", p.cfg.Workers,
		"queue_capacity", p.queue.Cap(),
	)
}

func (p *Pipeline) worker(ctx context.Context) {
	for {
		event, err := p.queue.Pop(ctx)
		if err != nil {
			return
		}
		p.process(ctx, event)
	}
}

// process runs one event through match and correlation.
func (p *Pipeline) process(ctx context.Context, event *schema.Event) {
	finding := p.matcher.Evaluate(event)
	if finding == nil {
		return
	}
	if p.metrics != nil {
		p.metrics.Findings.WithLabelValues(string(finding.Severity)).Inc()
	}

	result, err := p.correlator.Submit(ctx, finding)
	if err != nil {
		slog.Error("correlation failed",
			"event_id", event.EventID,
			"binary", finding.Binary,
			"error", err,
		)
		return
	}

	switch result.Outcome {
	case correlate.OutcomeCreated:
		if p.metrics != nil {
			p.metrics.AlertsCreated.Inc()
		}
		if p.dispatcher != nil {
			p.dispatcher.Dispatch(ctx, result.Alert)
		}
	case correlate.OutcomeUpdated:
		if p.metrics != nil {
			p.metrics.AlertsUpdated.Inc()
		}
	case correlate.OutcomeSuppressed:
		if p.metrics != nil {
			p.metrics.AlertsSuppressed.Inc()
		}
	}

	if result.Summary != nil && p.dispatcher != nil {
		p.dispatcher.Dispatch(ctx, result.Summary)
	}
}

// Stop drains workers. Queued events already accepted are processed.
func (p *Pipeline) Stop() {
	p.queue.Close()
	p.wg.Wait()
	if p.cancel != nil {
		p.cancel()
	}
	slog.Info("pipeline stopped", "queue_stats", p.queue.Stats())
}
