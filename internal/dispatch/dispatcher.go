package dispatch

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"lolbin-sentinel/internal/alertstore"
	"lolbin-sentinel/internal/rules"
)

// DeliveryStatus represents the delivery state of a notification.
type DeliveryStatus string

const (
	DeliveryPending    DeliveryStatus = "pending"
	DeliverySent       DeliveryStatus = "sent"
	DeliveryRetrying   DeliveryStatus = "retrying"
	DeliveryDeadLetter DeliveryStatus = "dead_letter"
)

// DeliveryRecord tracks the delivery of one alert to one channel.
type DeliveryRecord struct {
	ID          uuid.UUID      `json:"id"`
	AlertID     uuid.UUID      `json:"alert_id"`
	ChannelName string         `json:"channel_name"`
	Status      DeliveryStatus `json:"status"`
	Attempts    int            `json:"attempts"`
	LastAttempt time.Time      `json:"last_attempt"`
	LastError   string         `json:"last_error,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	DeliveredAt *time.Time     `json:"delivered_at,omitempty"`
}

// Config controls delivery retries.
type Config struct {
	MaxAttempts    int           `yaml:"max_attempts"`
	InitialBackoff time.Duration `yaml:"initial_backoff"`
	MaxBackoff     time.Duration `yaml:"max_backoff"`
	AttemptTimeout time.Duration `yaml:"attempt_timeout"`
}

// DefaultConfig returns the default delivery configuration.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:    3,
		InitialBackoff: 2 * time.Second,
		MaxBackoff:     30 * time.Second,
		AttemptTimeout: 10 * time.Second,
	}
}

// registration binds a channel to its minimum severity.
type registration struct {
	channel Channel
	minSev  rules.Severity
}

// Dispatcher fans alerts out to channels. Delivery is fire and forget:
// Dispatch returns immediately and each channel retries independently with
// exponential backoff. Exhausted deliveries land in the dead-letter queue.
type Dispatcher struct {
	cfg      Config
	channels []registration

	mu         sync.RWMutex
	records    map[uuid.UUID]*DeliveryRecord
	deadLetter []*DeliveryRecord

	onResult func(channel, result string)

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New creates a Dispatcher with no channels registered.
func New(cfg Config) *Dispatcher {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = 2 * time.Second
	}
	if cfg.AttemptTimeout <= 0 {
		cfg.AttemptTimeout = 10 * time.Second
	}
	return &Dispatcher{
		cfg:     cfg,
		records: make(map[uuid.UUID]*DeliveryRecord),
		stopCh:  make(chan struct{}),
	}
}

// Register adds a channel. Alerts below minSev are not sent to it.
func (d *Dispatcher) Register(ch Channel, minSev rules.Severity) {
	d.channels = append(d.channels, registration{channel: ch, minSev: minSev})
}

// OnResult installs a hook invoked once per finished delivery with the
// channel name and terminal result, "sent" or "dead_letter". Used for
// instrumentation.
func (d *Dispatcher) OnResult(fn func(channel, result string)) {
	d.onResult = fn
}

// Dispatch sends an alert to every eligible channel. A failing channel
// never delays or blocks the others.
func (d *Dispatcher) Dispatch(ctx context.Context, alert *alertstore.Alert) {
	for _, reg := range d.channels {
		if alert.Severity.Rank() < reg.minSev.Rank() {
			continue
		}

		record := &DeliveryRecord{
			ID:          uuid.New(),
			AlertID:     alert.ID,
			ChannelName: reg.channel.Name(),
			Status:      DeliveryPending,
			CreatedAt:   time.Now(),
		}

		d.mu.Lock()
		d.records[record.ID] = record
		d.mu.Unlock()

		d.wg.Add(1)
		go d.deliverWithRetry(ctx, reg.channel, alert, record)
	}
}

// deliverWithRetry attempts delivery with exponential backoff.
func (d *Dispatcher) deliverWithRetry(ctx context.Context, ch Channel, alert *alertstore.Alert, record *DeliveryRecord) {
	defer d.wg.Done()

	backoff := d.cfg.InitialBackoff

	for attempt := 1; attempt <= d.cfg.MaxAttempts; attempt++ {
		d.mu.Lock()
		record.Attempts = attempt
		record.LastAttempt = time.Now()
		if attempt > 1 {
			record.Status = DeliveryRetrying
		}
		d.mu.Unlock()

		attemptCtx, cancel := context.WithTimeout(ctx, d.cfg.AttemptTimeout)
		err := ch.Send(attemptCtx, alert)
		cancel()

		if err == nil {
			now := time.Now()
			d.mu.Lock()
			record.Status = DeliverySent
			record.DeliveredAt = &now
			d.mu.Unlock()

			slog.Debug("alert delivered",
				"channel", ch.Name(),
				"alert_id", alert.ID,
				"attempts", attempt,
			)
			if d.onResult != nil {
				d.onResult(ch.Name(), string(DeliverySent))
			}
			return
		}

		d.mu.Lock()
		record.LastError = err.Error()
		d.mu.Unlock()

		slog.Warn("alert delivery failed",
			"channel", ch.Name(),
			"alert_id", alert.ID,
			"attempt", attempt,
			"max_attempts", d.cfg.MaxAttempts,
			"error", err,
		)

		if attempt < d.cfg.MaxAttempts {
			select {
			case <-ctx.Done():
				d.moveToDeadLetter(record, "context cancelled")
				return
			case <-d.stopCh:
				d.moveToDeadLetter(record, "dispatcher stopped")
				return
			case <-time.After(backoff):
			}

			backoff *= 2
			if d.cfg.MaxBackoff > 0 && backoff > d.cfg.MaxBackoff {
				backoff = d.cfg.MaxBackoff
			}
		}
	}

	d.moveToDeadLetter(record, record.LastError)
}

func (d *Dispatcher) moveToDeadLetter(record *DeliveryRecord, reason string) {
	d.mu.Lock()
	record.Status = DeliveryDeadLetter
	record.LastError = reason
	d.deadLetter = append(d.deadLetter, record)
	d.mu.Unlock()

	slog.Error("alert delivery dead-lettered",
		"alert_id", record.AlertID,
		"channel", record.ChannelName,
		"attempts", record.Attempts,
		"reason", reason,
	)
	if d.onResult != nil {
		d.onResult(record.ChannelName, string(DeliveryDeadLetter))
	}
}

// DeadLetterQueue returns all exhausted delivery records.
func (d *Dispatcher) DeadLetterQueue() []*DeliveryRecord {
	d.mu.RLock()
	defer d.mu.RUnlock()

	out := make([]*DeliveryRecord, len(d.deadLetter))
	copy(out, d.deadLetter)
	return out
}

// Records returns delivery records for a given alert.
func (d *Dispatcher) Records(alertID uuid.UUID) []*DeliveryRecord {
	d.mu.RLock()
	defer d.mu.RUnlock()

	var records []*DeliveryRecord
	for _, rec := range d.records {
		if rec.AlertID == alertID {
			records = append(records, rec)
		}
	}
	return records
}

// Stats returns delivery counts by status and channel.
func (d *Dispatcher) Stats() map[string]interface{} {
	d.mu.RLock()
	defer d.mu.RUnlock()

	statusCounts := make(map[string]int)
	channelCounts := make(map[string]map[string]int)

	for _, rec := range d.records {
		statusCounts[string(rec.Status)]++
		if _, ok := channelCounts[rec.ChannelName]; !ok {
			channelCounts[rec.ChannelName] = make(map[string]int)
		}
		channelCounts[rec.ChannelName][string(rec.Status)]++
	}

	return map[string]interface{}{
		"total_deliveries":  len(d.records),
		"dead_letter_count": len(d.deadLetter),
		"by_status":         statusCounts,
		"by_channel":        channelCounts,
	}
}

// Stop waits for in-flight deliveries to finish or give up.
func (d *Dispatcher) Stop() {
	close(d.stopCh)
	d.wg.Wait()
}
