package correlate

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"

	"lolbin-sentinel/internal/alertstore"
	"lolbin-sentinel/internal/match"
	"lolbin-sentinel/internal/rules"
)

// lockShards bounds per-key lock table memory. Keys hash onto shards.
const lockShards = 64

// Outcome classifies what a submitted finding did to the alert set.
type Outcome string

const (
	OutcomeCreated    Outcome = "created"
	OutcomeUpdated    Outcome = "updated"
	OutcomeSuppressed Outcome = "suppressed"
)

// Result is the correlator's decision for one finding.
type Result struct {
	Outcome Outcome
	// Alert is the created or updated alert. Nil when suppressed.
	Alert *alertstore.Alert
	// Summary is the synthetic suppression notice, set at most once per
	// suppression episode.
	Summary *alertstore.Alert
}

// Config controls correlation behavior.
type Config struct {
	// MaxAlertsPerHour caps alert creation over a sliding hour.
	// Zero disables the cap.
	MaxAlertsPerHour int `yaml:"max_alerts_per_hour"`

	// StalenessHorizon ages out open alerts for correlation purposes:
	// findings against an open alert last seen longer ago than this
	// open a fresh alert instead of updating it.
	StalenessHorizon time.Duration `yaml:"staleness_horizon"`

	// KeyCacheSize bounds the hot correlation-key cache.
	KeyCacheSize int `yaml:"key_cache_size"`
}

// DefaultConfig returns the default correlation configuration.
func DefaultConfig() Config {
	return Config{
		MaxAlertsPerHour: 500,
		StalenessHorizon: 24 * time.Hour,
		KeyCacheSize:     4096,
	}
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c.MaxAlertsPerHour < 0 {
		return fmt.Errorf("max_alerts_per_hour must be >= 0, got %d", c.MaxAlertsPerHour)
	}
	if c.StalenessHorizon <= 0 {
		return fmt.Errorf("staleness_horizon must be positive, got %s", c.StalenessHorizon)
	}
	if c.KeyCacheSize <= 0 {
		return fmt.Errorf("key_cache_size must be positive, got %d", c.KeyCacheSize)
	}
	return nil
}

// Correlator folds findings into alerts: one open alert per correlation key,
// repeats recorded against it, creation volume capped per hour.
type Correlator struct {
	cfg      Config
	store    alertstore.Store
	throttle *Throttle
	locks    [lockShards]sync.Mutex

	// keyCache maps hot correlation keys to their open alert id, saving
	// a store lookup on the repeat path.
	keyCache *lru.Cache[string, uuid.UUID]

	now func() time.Time
}

// New creates a Correlator over the given store.
func New(cfg Config, store alertstore.Store) (*Correlator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("correlate config: %w", err)
	}
	cache, err := lru.New[string, uuid.UUID](cfg.KeyCacheSize)
	if err != nil {
		return nil, fmt.Errorf("create key cache: %w", err)
	}
	return &Correlator{
		cfg:      cfg,
		store:    store,
		throttle: NewThrottle(cfg.MaxAlertsPerHour, time.Hour),
		keyCache: cache,
		now:      time.Now,
	}, nil
}

func shardFor(key string) int {
	h := fnv.New32a()
	h.Write([]byte(key))
	return int(h.Sum32() % lockShards)
}

// Submit folds one finding into the alert set. Concurrent submissions for
// the same correlation key serialize on a shard lock, so the check-then-act
// against the store is race free.
func (c *Correlator) Submit(ctx context.Context, f *match.Finding) (*Result, error) {
	key := alertstore.CorrelationKey(f.Binary, f.Rule.TechniqueID, f.HostID)

	lock := &c.locks[shardFor(key)]
	lock.Lock()
	defer lock.Unlock()

	open, err := c.lookupOpen(ctx, key)
	if err != nil && !errors.Is(err, alertstore.ErrNotFound) {
		return nil, fmt.Errorf("lookup open alert for %s: %w", key, err)
	}

	if open != nil && !c.stale(open, f.ObservedAt) {
		updated, err := c.store.RecordRepeat(ctx, open.ID, alertstore.Touch{
			LastSeenAt: f.ObservedAt,
			Severity:   f.Severity,
		})
		if err != nil {
			if errors.Is(err, alertstore.ErrNotFound) || errors.Is(err, alertstore.ErrInvalidTransition) {
				// The alert closed between lookup and update.
				c.keyCache.Remove(key)
				return c.create(ctx, key, f)
			}
			return nil, fmt.Errorf("record repeat on %s: %w", open.ID, err)
		}
		return &Result{Outcome: OutcomeUpdated, Alert: updated}, nil
	}

	return c.create(ctx, key, f)
}

// lookupOpen checks the key cache before falling back to the store.
func (c *Correlator) lookupOpen(ctx context.Context, key string) (*alertstore.Alert, error) {
	if id, ok := c.keyCache.Get(key); ok {
		a, err := c.store.Get(ctx, id)
		if err == nil && a.Status.Open() {
			return a, nil
		}
		c.keyCache.Remove(key)
		if err != nil && !errors.Is(err, alertstore.ErrNotFound) {
			return nil, err
		}
	}
	a, err := c.store.OpenByKey(ctx, key)
	if err != nil {
		return nil, err
	}
	c.keyCache.Add(key, a.ID)
	return a, nil
}

// stale reports whether an open alert is too old to absorb a new finding.
func (c *Correlator) stale(a *alertstore.Alert, observedAt time.Time) bool {
	return observedAt.Sub(a.LastSeenAt) > c.cfg.StalenessHorizon
}

func (c *Correlator) create(ctx context.Context, key string, f *match.Finding) (*Result, error) {
	now := c.now().UTC()

	allowed, notify := c.throttle.Acquire(now)
	if !allowed {
		res := &Result{Outcome: OutcomeSuppressed}
		if notify {
			summary := c.summaryAlert(now)
			if err := c.store.Create(ctx, summary); err != nil {
				return nil, fmt.Errorf("create suppression summary: %w", err)
			}
			res.Summary = summary
		}
		slog.Warn("alert creation suppressed",
			"correlation_key", key,
			"cap_per_hour", c.cfg.MaxAlertsPerHour,
		)
		return res, nil
	}

	a := &alertstore.Alert{
		ID:                uuid.New(),
		CorrelationKey:    key,
		Binary:            f.Binary,
		TechniqueID:       f.Rule.TechniqueID,
		HostID:            f.HostID,
		Severity:          f.Severity,
		Status:            alertstore.StatusNew,
		Title:             alertTitle(f),
		FirstSeenAt:       f.ObservedAt,
		LastSeenAt:        f.ObservedAt,
		RepeatCount:       1,
		SampleCommandLine: f.CommandLine,
		SampleEventID:     f.EventID,
	}
	if err := c.store.Create(ctx, a); err != nil {
		return nil, fmt.Errorf("create alert for %s: %w", key, err)
	}
	c.keyCache.Add(key, a.ID)
	return &Result{Outcome: OutcomeCreated, Alert: a}, nil
}

// summaryAlert builds the synthetic notice emitted once per suppression
// episode. It never suppresses duplicate creation for any real key.
func (c *Correlator) summaryAlert(now time.Time) *alertstore.Alert {
	return &alertstore.Alert{
		ID:          uuid.New(),
		Severity:    rules.SeverityHigh,
		Status:      alertstore.StatusNew,
		Title:       fmt.Sprintf("alert volume cap reached (%d/hour), new alerts suppressed", c.cfg.MaxAlertsPerHour),
		FirstSeenAt: now,
		LastSeenAt:  now,
		RepeatCount: 1,
		Synthetic:   true,
	}
}

func alertTitle(f *match.Finding) string {
	if f.Rule.Description != "" {
		return fmt.Sprintf("%s: %s", f.Binary, f.Rule.Description)
	}
	return fmt.Sprintf("%s activity on %s", f.Binary, f.HostID)
}
