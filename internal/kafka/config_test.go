package kafka

import (
	"strings"
	"testing"
)

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:   "defaults are valid",
			mutate: func(c *Config) {},
		},
		{
			name:    "no brokers",
			mutate:  func(c *Config) { c.Brokers = nil },
			wantErr: "broker",
		},
		{
			name: "no topics",
			mutate: func(c *Config) {
				c.EventsTopic = ""
				c.AlertsTopic = ""
			},
			wantErr: "topic",
		},
		{
			name:    "bad security protocol",
			mutate:  func(c *Config) { c.SecurityProtocol = "KERBEROS" },
			wantErr: "security protocol",
		},
		{
			name: "sasl without credentials",
			mutate: func(c *Config) {
				c.SecurityProtocol = "SASL_SSL"
				c.SASLMechanism = "SCRAM-SHA-256"
			},
			wantErr: "username and password",
		},
		{
			name: "sasl with unknown mechanism",
			mutate: func(c *Config) {
				c.SecurityProtocol = "SASL_PLAINTEXT"
				c.SASLMechanism = "DIGEST-MD5"
				c.SASLUsername = "u"
				c.SASLPassword = "p"
			},
			wantErr: "SASL mechanism",
		},
		{
			name: "valid sasl plain",
			mutate: func(c *Config) {
				c.SecurityProtocol = "SASL_PLAINTEXT"
				c.SASLMechanism = "PLAIN"
				c.SASLUsername = "u"
				c.SASLPassword = "p"
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Validate() error = %v, want nil", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() error = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestConfigCompression(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.compression() == 0 {
		t.Errorf("default compression should not be none")
	}
	cfg.CompressionType = "unknown"
	if cfg.compression() != 0 {
		t.Errorf("unknown compression should fall back to none")
	}
}
