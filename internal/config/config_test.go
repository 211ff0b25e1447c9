package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"lolbin-sentinel/internal/rules"
)

func TestDefaultConfigIsValid(t *testing.T) {
	if err := DefaultConfig().Validate(); err != nil {
		t.Errorf("DefaultConfig().Validate() error = %v", err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:    "bad port",
			mutate:  func(c *Config) { c.Server.HTTPPort = 0 },
			wantErr: "http_port",
		},
		{
			name:    "auth without keys",
			mutate:  func(c *Config) { c.Auth.Enabled = true },
			wantErr: "api_keys",
		},
		{
			name:    "zero queue",
			mutate:  func(c *Config) { c.Pipeline.QueueSize = 0 },
			wantErr: "queue_size",
		},
		{
			name:    "unknown backend",
			mutate:  func(c *Config) { c.Storage.Backend = "postgres" },
			wantErr: "storage backend",
		},
		{
			name: "unknown channel type",
			mutate: func(c *Config) {
				c.Dispatch.Channels = []ChannelConfig{{Type: "pigeon"}}
			},
			wantErr: "unknown type",
		},
		{
			name: "webhook without url",
			mutate: func(c *Config) {
				c.Dispatch.Channels = []ChannelConfig{{Type: "webhook", Name: "w"}}
			},
			wantErr: "requires url",
		},
		{
			name: "kafka channel without kafka",
			mutate: func(c *Config) {
				c.Dispatch.Channels = []ChannelConfig{{Type: "kafka", Name: "k"}}
			},
			wantErr: "kafka.enabled",
		},
		{
			name:    "negative alert cap",
			mutate:  func(c *Config) { c.Correlator.MaxAlertsPerHour = -1 },
			wantErr: "max_alerts_per_hour",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() error = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
server:
  http_port: 9090
logging:
  level: debug
rules:
  path: /etc/sentinel/rules.yaml
correlator:
  max_alerts_per_hour: 250
dispatch:
  channels:
    - type: webhook
      name: soc
      url: https://hooks.example.com/soc
      min_severity: high
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("SENTINEL_CONFIG_PATH", path)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.HTTPPort != 9090 {
		t.Errorf("http_port = %d, want 9090", cfg.Server.HTTPPort)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("log level = %s, want debug", cfg.Logging.Level)
	}
	if cfg.Rules.Path != "/etc/sentinel/rules.yaml" {
		t.Errorf("rules path = %s", cfg.Rules.Path)
	}
	if cfg.Correlator.MaxAlertsPerHour != 250 {
		t.Errorf("max_alerts_per_hour = %d, want 250", cfg.Correlator.MaxAlertsPerHour)
	}
	if len(cfg.Dispatch.Channels) != 1 {
		t.Fatalf("channels = %d, want 1", len(cfg.Dispatch.Channels))
	}
	ch := cfg.Dispatch.Channels[0]
	if ch.Type != "webhook" || ch.MinSeverity != rules.SeverityHigh {
		t.Errorf("channel = %+v", ch)
	}

	// Unchanged fields keep defaults.
	if cfg.Server.ReadTimeout != DefaultConfig().Server.ReadTimeout {
		t.Errorf("read timeout lost its default")
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("loaded config invalid: %v", err)
	}
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	t.Setenv("SENTINEL_CONFIG_PATH", filepath.Join(t.TempDir(), "nope.yaml"))

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.HTTPPort != 8080 {
		t.Errorf("http_port = %d, want default 8080", cfg.Server.HTTPPort)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("SENTINEL_CONFIG_PATH", filepath.Join(t.TempDir(), "nope.yaml"))
	t.Setenv("SENTINEL_HTTP_PORT", "7070")
	t.Setenv("SENTINEL_API_KEY", "secret-key")
	t.Setenv("SENTINEL_MAX_ALERTS_PER_HOUR", "42")
	t.Setenv("KAFKA_BROKERS", "k1:9092, k2:9092")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.HTTPPort != 7070 {
		t.Errorf("http_port = %d, want 7070", cfg.Server.HTTPPort)
	}
	if !cfg.Auth.Enabled || len(cfg.Auth.APIKeys) != 1 {
		t.Errorf("auth = %+v, want enabled with one key", cfg.Auth)
	}
	if cfg.Correlator.MaxAlertsPerHour != 42 {
		t.Errorf("max_alerts_per_hour = %d, want 42", cfg.Correlator.MaxAlertsPerHour)
	}
	if !cfg.Kafka.Enabled || len(cfg.Kafka.Brokers) != 2 || cfg.Kafka.Brokers[1] != "k2:9092" {
		t.Errorf("kafka = %+v", cfg.Kafka)
	}
}
