package alertstore

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/google/uuid"

	"lolbin-sentinel/internal/rules"
)

// ClickHouseConfig holds the configuration for the ClickHouse connection.
type ClickHouseConfig struct {
	Hosts           []string      `yaml:"hosts"`
	Database        string        `yaml:"database"`
	Username        string        `yaml:"username"`
	Password        string        `yaml:"password"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	TLSEnabled      bool          `yaml:"tls_enabled"`
	DialTimeout     time.Duration `yaml:"dial_timeout"`
}

// DefaultClickHouseConfig returns the default ClickHouse configuration.
func DefaultClickHouseConfig() ClickHouseConfig {
	return ClickHouseConfig{
		Hosts:           []string{"localhost:9000"},
		Database:        "sentinel",
		Username:        "default",
		Password:        "",
		MaxOpenConns:    10,
		MaxIdleConns:    5,
		ConnMaxLifetime: time.Hour,
		DialTimeout:     10 * time.Second,
	}
}

// mutationShards bounds the per-alert mutation lock table.
const mutationShards = 64

// ClickHouseStore persists alerts in ClickHouse. Rows are versioned by
// updated_at in a ReplacingMergeTree, so mutations are full-row inserts
// and reads use FINAL.
type ClickHouseStore struct {
	conn driver.Conn
	cfg  ClickHouseConfig
	pub  Publisher
	now  func() time.Time

	// Mutations are read-modify-write round trips over full rows. The
	// per-alert locks keep a concurrent repeat from re-inserting a row
	// that predates an operator's status change.
	mutations [mutationShards]sync.Mutex
}

// mutationLock returns the lock guarding read-modify-write mutations for
// an alert. The same id always maps to the same lock.
func (s *ClickHouseStore) mutationLock(id uuid.UUID) *sync.Mutex {
	h := fnv.New32a()
	h.Write(id[:])
	return &s.mutations[h.Sum32()%mutationShards]
}

// NewClickHouseStore connects, verifies the connection, and ensures the
// alerts table exists. pub may be nil.
func NewClickHouseStore(ctx context.Context, cfg ClickHouseConfig, pub Publisher) (*ClickHouseStore, error) {
	opts := &clickhouse.Options{
		Addr: cfg.Hosts,
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.Username,
			Password: cfg.Password,
		},
		Settings: clickhouse.Settings{
			"max_execution_time": 60,
		},
		Compression: &clickhouse.Compression{
			Method: clickhouse.CompressionZSTD,
		},
		DialTimeout:     cfg.DialTimeout,
		MaxOpenConns:    cfg.MaxOpenConns,
		MaxIdleConns:    cfg.MaxIdleConns,
		ConnMaxLifetime: cfg.ConnMaxLifetime,
	}
	if cfg.TLSEnabled {
		opts.TLS = &tls.Config{InsecureSkipVerify: false}
	}

	conn, err := clickhouse.Open(opts)
	if err != nil {
		return nil, storeErr("open", fmt.Errorf("%w: %v", ErrUnavailable, err))
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := conn.Ping(pingCtx); err != nil {
		return nil, storeErr("ping", fmt.Errorf("%w: %v", ErrUnavailable, err))
	}

	s := &ClickHouseStore{conn: conn, cfg: cfg, pub: pub, now: time.Now}
	if err := s.ensureSchema(ctx); err != nil {
		return nil, err
	}

	slog.Info("clickhouse alert store ready",
		"hosts", strings.Join(cfg.Hosts, ","),
		"database", cfg.Database,
	)
	return s, nil
}

func (s *ClickHouseStore) ensureSchema(ctx context.Context) error {
	query := `
		CREATE TABLE IF NOT EXISTS alerts (
			id UUID,
			correlation_key String,
			binary String,
			technique_id String,
			host_id String,
			severity LowCardinality(String),
			status LowCardinality(String),
			title String,
			first_seen_at DateTime64(3, 'UTC'),
			last_seen_at DateTime64(3, 'UTC'),
			repeat_count UInt32,
			sample_command_line String,
			sample_event_id UUID,
			synthetic UInt8,
			status_history String,
			updated_at DateTime64(3, 'UTC')
		)
		ENGINE = ReplacingMergeTree(updated_at)
		ORDER BY id
	`
	if err := s.conn.Exec(ctx, query); err != nil {
		return storeErr("ensure schema", err)
	}
	return nil
}

const alertColumns = `id, correlation_key, binary, technique_id, host_id,
	severity, status, title, first_seen_at, last_seen_at, repeat_count,
	sample_command_line, sample_event_id, synthetic, status_history, updated_at`

func (s *ClickHouseStore) publish(t UpdateType, a *Alert) {
	if s.pub != nil {
		s.pub.Publish(Update{Type: t, Alert: a})
	}
}

// writeRow inserts a full versioned row for the alert.
func (s *ClickHouseStore) writeRow(ctx context.Context, op string, a *Alert) error {
	history, err := json.Marshal(a.StatusHistory)
	if err != nil {
		return storeErr(op, err)
	}

	synthetic := uint8(0)
	if a.Synthetic {
		synthetic = 1
	}

	query := fmt.Sprintf("INSERT INTO alerts (%s) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)", alertColumns)

	var lastErr error
	for attempt := 0; attempt < 3; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return storeErr(op, ctx.Err())
			case <-time.After(time.Duration(attempt) * 500 * time.Millisecond):
			}
		}
		lastErr = s.conn.Exec(ctx, query,
			a.ID, a.CorrelationKey, a.Binary, a.TechniqueID, a.HostID,
			string(a.Severity), string(a.Status), a.Title,
			a.FirstSeenAt.UTC(), a.LastSeenAt.UTC(), uint32(a.RepeatCount),
			a.SampleCommandLine, a.SampleEventID, synthetic,
			string(history), s.now().UTC(),
		)
		if lastErr == nil {
			return nil
		}
	}
	return storeErr(op, fmt.Errorf("%w: %v", ErrUnavailable, lastErr))
}

func scanAlert(rows driver.Rows) (*Alert, error) {
	var (
		a         Alert
		severity  string
		status    string
		repeats   uint32
		synthetic uint8
		history   string
	)
	if err := rows.Scan(
		&a.ID, &a.CorrelationKey, &a.Binary, &a.TechniqueID, &a.HostID,
		&severity, &status, &a.Title, &a.FirstSeenAt, &a.LastSeenAt,
		&repeats, &a.SampleCommandLine, &a.SampleEventID, &synthetic, &history,
	); err != nil {
		return nil, err
	}
	a.Severity = rules.Severity(severity)
	a.Status = Status(status)
	a.RepeatCount = int(repeats)
	a.Synthetic = synthetic != 0
	if history != "" {
		if err := json.Unmarshal([]byte(history), &a.StatusHistory); err != nil {
			return nil, fmt.Errorf("decode status history: %w", err)
		}
	}
	return &a, nil
}

const selectColumns = `id, correlation_key, binary, technique_id, host_id,
	severity, status, title, first_seen_at, last_seen_at, repeat_count,
	sample_command_line, sample_event_id, synthetic, status_history`

func (s *ClickHouseStore) queryOne(ctx context.Context, op, query string, args ...any) (*Alert, error) {
	rows, err := s.conn.Query(ctx, query, args...)
	if err != nil {
		return nil, storeErr(op, fmt.Errorf("%w: %v", ErrUnavailable, err))
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, ErrNotFound
	}
	a, err := scanAlert(rows)
	if err != nil {
		return nil, storeErr(op, err)
	}
	return a, nil
}

// Create inserts a new alert in StatusNew.
func (s *ClickHouseStore) Create(ctx context.Context, a *Alert) error {
	stored := a.Clone()
	stored.Status = StatusNew
	if len(stored.StatusHistory) == 0 {
		stored.StatusHistory = []Transition{{Status: StatusNew, Actor: SystemActor, At: stored.FirstSeenAt}}
	}
	if err := s.writeRow(ctx, "create", stored); err != nil {
		return err
	}
	s.publish(UpdateCreated, stored)
	return nil
}

// Get returns the alert by id, or ErrNotFound.
func (s *ClickHouseStore) Get(ctx context.Context, id uuid.UUID) (*Alert, error) {
	query := fmt.Sprintf("SELECT %s FROM alerts FINAL WHERE id = ?", selectColumns)
	return s.queryOne(ctx, "get", query, id)
}

// OpenByKey returns the open alert for a correlation key, or ErrNotFound.
func (s *ClickHouseStore) OpenByKey(ctx context.Context, key string) (*Alert, error) {
	query := fmt.Sprintf(`SELECT %s FROM alerts FINAL
		WHERE correlation_key = ? AND status IN ('new', 'acknowledged') AND synthetic = 0
		ORDER BY first_seen_at DESC LIMIT 1`, selectColumns)
	return s.queryOne(ctx, "open by key", query, key)
}

// RecordRepeat applies a Touch to an open alert.
func (s *ClickHouseStore) RecordRepeat(ctx context.Context, id uuid.UUID, t Touch) (*Alert, error) {
	mu := s.mutationLock(id)
	mu.Lock()
	defer mu.Unlock()

	a, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !a.Status.Open() {
		return nil, fmt.Errorf("%w: alert %s is %s", ErrInvalidTransition, id, a.Status)
	}

	a.RepeatCount++
	if t.LastSeenAt.After(a.LastSeenAt) {
		a.LastSeenAt = t.LastSeenAt
	}
	if t.Severity.Rank() > a.Severity.Rank() {
		a.Severity = t.Severity
	}
	if err := s.writeRow(ctx, "record repeat", a); err != nil {
		return nil, err
	}
	s.publish(UpdateRepeated, a.Clone())
	return a, nil
}

// SetStatus transitions an alert through the state machine.
func (s *ClickHouseStore) SetStatus(ctx context.Context, id uuid.UUID, to Status, actor string) (*Alert, error) {
	mu := s.mutationLock(id)
	mu.Lock()
	defer mu.Unlock()

	a, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := a.ApplyStatus(to, actor, s.now().UTC()); err != nil {
		return nil, err
	}
	if err := s.writeRow(ctx, "set status", a); err != nil {
		return nil, err
	}
	s.publish(UpdateStatusChanged, a.Clone())
	return a, nil
}

// List returns matching alerts, most recently seen first.
func (s *ClickHouseStore) List(ctx context.Context, f Filter) ([]*Alert, error) {
	var (
		conds []string
		args  []any
	)
	if f.Status != nil {
		conds = append(conds, "status = ?")
		args = append(args, string(*f.Status))
	}
	if f.Severity != nil {
		conds = append(conds, "severity = ?")
		args = append(args, string(*f.Severity))
	}
	if f.HostID != "" {
		conds = append(conds, "host_id = ?")
		args = append(args, f.HostID)
	}
	if f.Since != nil {
		conds = append(conds, "last_seen_at >= ?")
		args = append(args, f.Since.UTC())
	}
	if f.Until != nil {
		conds = append(conds, "last_seen_at <= ?")
		args = append(args, f.Until.UTC())
	}

	query := fmt.Sprintf("SELECT %s FROM alerts FINAL", selectColumns)
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY last_seen_at DESC, id ASC"
	if f.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", f.Limit)
		if f.Offset > 0 {
			query += fmt.Sprintf(" OFFSET %d", f.Offset)
		}
	}

	rows, err := s.conn.Query(ctx, query, args...)
	if err != nil {
		return nil, storeErr("list", fmt.Errorf("%w: %v", ErrUnavailable, err))
	}
	defer rows.Close()

	var out []*Alert
	for rows.Next() {
		a, err := scanAlert(rows)
		if err != nil {
			return nil, storeErr("list", err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil && !errors.Is(err, context.Canceled) {
		return nil, storeErr("list", err)
	}
	return out, nil
}

func (s *ClickHouseStore) Close() error {
	return s.conn.Close()
}
