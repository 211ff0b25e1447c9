package stream

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"lolbin-sentinel/internal/alertstore"
)

// RedisConfig holds the pub/sub connection settings.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Channel  string `yaml:"channel"`
}

// DefaultRedisConfig returns default pub/sub settings.
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Addr:    "localhost:6379",
		Channel: "sentinel.alerts",
	}
}

// publishBuffer bounds the number of updates waiting for Redis delivery.
const publishBuffer = 256

// RedisPublisher mirrors alert updates onto a Redis channel so other
// processes can follow the stream. Publish hands the update to a delivery
// goroutine and returns immediately; when the buffer is full or delivery
// fails, the update is logged and dropped. Store mutations never stall
// on Redis.
type RedisPublisher struct {
	client  *redis.Client
	channel string
	logger  *slog.Logger

	updates chan alertstore.Update
	quit    chan struct{}
	done    chan struct{}
	closed  atomic.Bool
}

// NewRedisPublisher connects to Redis, verifies the connection, and starts
// the delivery goroutine.
func NewRedisPublisher(ctx context.Context, cfg RedisConfig, logger *slog.Logger) (*RedisPublisher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, err
	}

	p := &RedisPublisher{
		client:  client,
		channel: cfg.Channel,
		logger:  logger,
		updates: make(chan alertstore.Update, publishBuffer),
		quit:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	go p.run()

	logger.Info("redis publisher connected", "addr", cfg.Addr, "channel", cfg.Channel)
	return p, nil
}

// Publish implements alertstore.Publisher. It never blocks.
func (p *RedisPublisher) Publish(u alertstore.Update) {
	if p.closed.Load() {
		return
	}
	select {
	case p.updates <- u:
	default:
		p.logger.Warn("redis update dropped, buffer full",
			"channel", p.channel,
			"update_type", u.Type,
		)
	}
}

func (p *RedisPublisher) run() {
	defer close(p.done)
	for {
		select {
		case u := <-p.updates:
			p.send(u)
		case <-p.quit:
			// Flush what is already buffered, then exit.
			for {
				select {
				case u := <-p.updates:
					p.send(u)
				default:
					return
				}
			}
		}
	}
}

func (p *RedisPublisher) send(u alertstore.Update) {
	data, err := json.Marshal(u)
	if err != nil {
		p.logger.Error("marshal alert update", "error", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := p.client.Publish(ctx, p.channel, data).Err(); err != nil {
		p.logger.Warn("redis publish failed",
			"channel", p.channel,
			"update_type", u.Type,
			"error", err,
		)
	}
}

// Close flushes buffered updates and releases the connection.
func (p *RedisPublisher) Close() error {
	if !p.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(p.quit)
	<-p.done
	return p.client.Close()
}

// MultiPublisher fans one update out to several publishers.
type MultiPublisher []alertstore.Publisher

func (m MultiPublisher) Publish(u alertstore.Update) {
	for _, p := range m {
		p.Publish(u)
	}
}
