// Package config handles configuration loading for lolbin-sentinel.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"lolbin-sentinel/internal/alertstore"
	"lolbin-sentinel/internal/correlate"
	"lolbin-sentinel/internal/dispatch"
	"lolbin-sentinel/internal/export"
	"lolbin-sentinel/internal/kafka"
	"lolbin-sentinel/internal/pipeline"
	"lolbin-sentinel/internal/rules"
	"lolbin-sentinel/internal/stream"
)

// Config holds the complete application configuration.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Auth       AuthConfig       `yaml:"auth"`
	RateLimit  RateLimitConfig  `yaml:"rate_limit"`
	Logging    LoggingConfig    `yaml:"logging"`
	Rules      RulesConfig      `yaml:"rules"`
	Pipeline   pipeline.Config  `yaml:"pipeline"`
	Correlator correlate.Config `yaml:"correlator"`
	Dispatch   DispatchConfig   `yaml:"dispatch"`
	Storage    StorageConfig    `yaml:"storage"`
	Kafka      KafkaConfig      `yaml:"kafka"`
	Redis      RedisConfig      `yaml:"redis"`
	Archive    ArchiveConfig    `yaml:"archive"`
	Stats      StatsConfig      `yaml:"stats"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	HTTPPort     int           `yaml:"http_port"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`

	// LongPollTimeout bounds how long GET /v1/alerts/updates may hold a
	// request open.
	LongPollTimeout time.Duration `yaml:"long_poll_timeout"`
}

// AuthConfig holds API authentication settings.
type AuthConfig struct {
	Enabled bool     `yaml:"enabled"`
	APIKeys []string `yaml:"api_keys"`
}

// RateLimitConfig holds per-client rate limiting settings.
type RateLimitConfig struct {
	Enabled       bool          `yaml:"enabled"`
	RequestsPerIP int           `yaml:"requests_per_ip"`
	WindowSize    time.Duration `yaml:"window_size"`
	CleanupPeriod time.Duration `yaml:"cleanup_period"`
	TrustProxy    bool          `yaml:"trust_proxy"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
}

// RulesConfig controls rule catalog loading.
type RulesConfig struct {
	// Path points at a YAML rule file. Empty means builtin rules only.
	Path string `yaml:"path"`

	// IncludeBuiltin merges the builtin catalog under the file's rules.
	IncludeBuiltin bool `yaml:"include_builtin"`
}

// ChannelConfig configures one notification channel.
type ChannelConfig struct {
	// Type: log, webhook, slack, kafka, nats.
	Type string `yaml:"type"`
	Name string `yaml:"name"`

	// MinSeverity filters alerts below this severity.
	MinSeverity rules.Severity `yaml:"min_severity"`

	URL     string            `yaml:"url,omitempty"`
	Headers map[string]string `yaml:"headers,omitempty"`

	// Slack settings.
	SlackChannel string `yaml:"slack_channel,omitempty"`
	Username     string `yaml:"username,omitempty"`

	// NATS settings.
	Subject string `yaml:"subject,omitempty"`
}

// DispatchConfig holds delivery settings and the channel list.
type DispatchConfig struct {
	Delivery dispatch.Config `yaml:"delivery"`
	Channels []ChannelConfig `yaml:"channels"`
}

// StorageConfig selects and configures the alert store backend.
type StorageConfig struct {
	// Backend: memory or clickhouse.
	Backend    string                      `yaml:"backend"`
	ClickHouse alertstore.ClickHouseConfig `yaml:"clickhouse"`
}

// KafkaConfig wraps the Kafka settings with an enable flag.
type KafkaConfig struct {
	Enabled bool `yaml:"enabled"`
	kafka.Config `yaml:",inline"`
}

// RedisConfig wraps the Redis pub/sub settings with an enable flag.
type RedisConfig struct {
	Enabled bool `yaml:"enabled"`
	stream.RedisConfig `yaml:",inline"`
}

// ArchiveConfig wraps the S3 archive settings with an enable flag.
type ArchiveConfig struct {
	Enabled bool `yaml:"enabled"`

	// Interval is how often a CSV snapshot of recent alerts is uploaded.
	Interval time.Duration `yaml:"interval"`

	export.S3Config `yaml:",inline"`
}

// StatsConfig controls the rolling statistics window.
type StatsConfig struct {
	WindowDays int `yaml:"window_days"`

	// StreamBuffer sizes the in-process update ring behind long-polling.
	StreamBuffer int `yaml:"stream_buffer"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			HTTPPort:        8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			LongPollTimeout: 25 * time.Second,
		},
		Auth: AuthConfig{
			Enabled: false,
		},
		RateLimit: RateLimitConfig{
			Enabled:       true,
			RequestsPerIP: 1000,
			WindowSize:    time.Minute,
			CleanupPeriod: 5 * time.Minute,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Rules: RulesConfig{
			IncludeBuiltin: true,
		},
		Pipeline:   pipeline.DefaultConfig(),
		Correlator: correlate.DefaultConfig(),
		Dispatch: DispatchConfig{
			Delivery: dispatch.DefaultConfig(),
			Channels: []ChannelConfig{
				{Type: "log", Name: "log", MinSeverity: rules.SeverityLow},
			},
		},
		Storage: StorageConfig{
			Backend:    "memory",
			ClickHouse: alertstore.DefaultClickHouseConfig(),
		},
		Kafka: KafkaConfig{
			Enabled: false,
			Config:  kafka.DefaultConfig(),
		},
		Redis: RedisConfig{
			Enabled:     false,
			RedisConfig: stream.DefaultRedisConfig(),
		},
		Archive: ArchiveConfig{
			Enabled:  false,
			Interval: time.Hour,
			S3Config: export.DefaultS3Config(),
		},
		Stats: StatsConfig{
			WindowDays:   aggregateWindowDays,
			StreamBuffer: 1024,
		},
	}
}

const aggregateWindowDays = 7

// Load loads configuration from a file or returns defaults. The path comes
// from SENTINEL_CONFIG_PATH, falling back to configs/config.yaml.
func Load() (*Config, error) {
	cfg := DefaultConfig()

	configPath := os.Getenv("SENTINEL_CONFIG_PATH")
	if configPath == "" {
		configPath = "configs/config.yaml"
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// applyEnvOverrides applies environment variable overrides.
func (c *Config) applyEnvOverrides() {
	if port := os.Getenv("SENTINEL_HTTP_PORT"); port != "" {
		fmt.Sscanf(port, "%d", &c.Server.HTTPPort)
	}

	if level := os.Getenv("SENTINEL_LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}

	if apiKey := os.Getenv("SENTINEL_API_KEY"); apiKey != "" {
		c.Auth.APIKeys = append(c.Auth.APIKeys, apiKey)
		c.Auth.Enabled = true
	}

	if path := os.Getenv("SENTINEL_RULES_PATH"); path != "" {
		c.Rules.Path = path
	}

	if cap := os.Getenv("SENTINEL_MAX_ALERTS_PER_HOUR"); cap != "" {
		fmt.Sscanf(cap, "%d", &c.Correlator.MaxAlertsPerHour)
	}

	if host := os.Getenv("CLICKHOUSE_HOST"); host != "" {
		c.Storage.Backend = "clickhouse"
		c.Storage.ClickHouse.Hosts = []string{host}
	}
	if db := os.Getenv("CLICKHOUSE_DATABASE"); db != "" {
		c.Storage.ClickHouse.Database = db
	}
	if user := os.Getenv("CLICKHOUSE_USER"); user != "" {
		c.Storage.ClickHouse.Username = user
	}
	if pass := os.Getenv("CLICKHOUSE_PASSWORD"); pass != "" {
		c.Storage.ClickHouse.Password = pass
	}

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		c.Kafka.Enabled = true
		c.Kafka.Brokers = splitAndTrim(brokers, ",")
	}

	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		c.Redis.Enabled = true
		c.Redis.Addr = addr
	}
}

func splitAndTrim(s, sep string) []string {
	var parts []string
	for _, part := range strings.Split(s, sep) {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			parts = append(parts, trimmed)
		}
	}
	return parts
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Server.HTTPPort <= 0 || c.Server.HTTPPort > 65535 {
		return fmt.Errorf("invalid http_port: %d", c.Server.HTTPPort)
	}
	if c.Auth.Enabled && len(c.Auth.APIKeys) == 0 {
		return fmt.Errorf("auth enabled but no api_keys configured")
	}
	if c.Pipeline.QueueSize <= 0 {
		return fmt.Errorf("pipeline queue_size must be positive")
	}
	if err := c.Correlator.Validate(); err != nil {
		return err
	}

	switch c.Storage.Backend {
	case "memory", "clickhouse":
	default:
		return fmt.Errorf("unknown storage backend: %s", c.Storage.Backend)
	}

	for i, ch := range c.Dispatch.Channels {
		switch ch.Type {
		case "log", "webhook", "slack", "kafka", "nats":
		default:
			return fmt.Errorf("channel %d: unknown type %s", i, ch.Type)
		}
		if ch.MinSeverity != "" && !ch.MinSeverity.IsValid() {
			return fmt.Errorf("channel %d: invalid min_severity %s", i, ch.MinSeverity)
		}
		if (ch.Type == "webhook" || ch.Type == "slack") && ch.URL == "" {
			return fmt.Errorf("channel %d: %s channel requires url", i, ch.Type)
		}
		if ch.Type == "kafka" && !c.Kafka.Enabled {
			return fmt.Errorf("channel %d: kafka channel requires kafka.enabled", i)
		}
		if ch.Type == "nats" && ch.URL == "" {
			return fmt.Errorf("channel %d: nats channel requires url", i)
		}
	}

	if c.Kafka.Enabled {
		if err := c.Kafka.Config.Validate(); err != nil {
			return err
		}
	}
	if c.Archive.Enabled {
		if c.Archive.Interval <= 0 {
			return fmt.Errorf("archive interval must be positive")
		}
		if err := c.Archive.S3Config.Validate(); err != nil {
			return err
		}
	}
	return nil
}
