package config

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// requiredEnv sets the two secrets every Load needs.
func requiredEnv(t *testing.T) {
	t.Helper()
	t.Setenv("SIGNAL_RELAY_SUBSCRIBER_SECRET", "reader")
	t.Setenv("SIGNAL_RELAY_PUBLISHER_SECRET", "writer")
}

func TestLoad_Defaults(t *testing.T) {
	requiredEnv(t)

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Mode != ModeDev {
		t.Errorf("mode = %q", cfg.Mode)
	}
	if cfg.ListenAddr != DefaultListenAddr {
		t.Errorf("listen_addr = %q", cfg.ListenAddr)
	}
	if cfg.SignalingPath != DefaultSignalingPath {
		t.Errorf("signaling_path = %q", cfg.SignalingPath)
	}
	if cfg.HeartbeatInterval != DefaultHeartbeatInterval {
		t.Errorf("heartbeat_interval = %v", cfg.HeartbeatInterval)
	}
	if cfg.MaxMessageBytes != DefaultMaxMessageBytes {
		t.Errorf("max_message_bytes = %d", cfg.MaxMessageBytes)
	}
	if cfg.MaxMessageRate != DefaultMaxMessageRate {
		t.Errorf("max_message_rate = %d", cfg.MaxMessageRate)
	}
	if cfg.RelayTTL != DefaultRelayTTL {
		t.Errorf("relay_ttl = %v", cfg.RelayTTL)
	}
	// Dev mode defaults to human-readable verbose logging.
	if cfg.LogFormat != LogFormatText || cfg.LogLevel != "debug" {
		t.Errorf("log = %q/%q", cfg.LogFormat, cfg.LogLevel)
	}
}

func TestLoad_EnvironmentOverrides(t *testing.T) {
	requiredEnv(t)
	t.Setenv("SIGNAL_RELAY_MODE", "prod")
	t.Setenv("SIGNAL_RELAY_LISTEN_ADDR", "0.0.0.0:9000")
	t.Setenv("SIGNAL_RELAY_HEARTBEAT_INTERVAL", "10s")
	t.Setenv("SIGNAL_RELAY_RELAY_URLS", "turn:a.example.com:3478,stun:b.example.com:3478")
	t.Setenv("SIGNAL_RELAY_RELAY_SHARED_SECRET", "north-star")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Mode != ModeProd {
		t.Errorf("mode = %q", cfg.Mode)
	}
	if cfg.ListenAddr != "0.0.0.0:9000" {
		t.Errorf("listen_addr = %q", cfg.ListenAddr)
	}
	if cfg.HeartbeatInterval != 10*time.Second {
		t.Errorf("heartbeat_interval = %v", cfg.HeartbeatInterval)
	}
	if len(cfg.RelayURLs) != 2 || cfg.RelayURLs[0] != "turn:a.example.com:3478" {
		t.Errorf("relay_urls = %v", cfg.RelayURLs)
	}
	// Prod mode defaults to structured logging.
	if cfg.LogFormat != LogFormatJSON || cfg.LogLevel != "info" {
		t.Errorf("log = %q/%q", cfg.LogFormat, cfg.LogLevel)
	}
}

func TestLoad_ConfigFile(t *testing.T) {
	requiredEnv(t)

	path := filepath.Join(t.TempDir(), "relay.yaml")
	contents := strings.Join([]string{
		"listen_addr: 127.0.0.1:9443",
		"signaling_path: /ws",
		"max_message_rate: 10",
		"allowed_origins:",
		"  - https://app.example.com",
	}, "\n")
	if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ListenAddr != "127.0.0.1:9443" {
		t.Errorf("listen_addr = %q", cfg.ListenAddr)
	}
	if cfg.SignalingPath != "/ws" {
		t.Errorf("signaling_path = %q", cfg.SignalingPath)
	}
	if cfg.MaxMessageRate != 10 {
		t.Errorf("max_message_rate = %d", cfg.MaxMessageRate)
	}
	if len(cfg.AllowedOrigins) != 1 || cfg.AllowedOrigins[0] != "https://app.example.com" {
		t.Errorf("allowed_origins = %v", cfg.AllowedOrigins)
	}
}

func TestLoad_MissingConfigFile(t *testing.T) {
	requiredEnv(t)
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatalf("Load with missing file succeeded")
	}
}

func TestValidate(t *testing.T) {
	valid := func() Config {
		return Config{
			Mode:              ModeDev,
			ListenAddr:        "127.0.0.1:8443",
			LogFormat:         LogFormatText,
			LogLevel:          "debug",
			SignalingPath:     "/signaling",
			HeartbeatInterval: 30 * time.Second,
			MaxMessageBytes:   64 * 1024,
			MaxMessageRate:    50,
			SubscriberSecret:  "reader",
			PublisherSecret:   "writer",
			RelayTTL:          300 * time.Second,
			RelayIssuerTag:    "signal-relay",
		}
	}
	if err := valid().Validate(); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad mode", func(c *Config) { c.Mode = "staging" }},
		{"bad log format", func(c *Config) { c.LogFormat = "pretty" }},
		{"bad log level", func(c *Config) { c.LogLevel = "chatty" }},
		{"empty listen addr", func(c *Config) { c.ListenAddr = "" }},
		{"relative signaling path", func(c *Config) { c.SignalingPath = "signaling" }},
		{"zero heartbeat", func(c *Config) { c.HeartbeatInterval = 0 }},
		{"zero message limit", func(c *Config) { c.MaxMessageBytes = 0 }},
		{"zero message rate", func(c *Config) { c.MaxMessageRate = 0 }},
		{"missing subscriber secret", func(c *Config) { c.SubscriberSecret = "" }},
		{"missing publisher secret", func(c *Config) { c.PublisherSecret = "" }},
		{"permissive publish in prod", func(c *Config) {
			c.Mode = ModeProd
			c.LogFormat = LogFormatJSON
			c.PermissivePublish = true
		}},
		{"shared secret without urls", func(c *Config) { c.RelaySharedSecret = "north-star" }},
		{"colon in issuer tag", func(c *Config) { c.RelayIssuerTag = "a:b" }},
		{"zero relay ttl", func(c *Config) { c.RelayTTL = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Errorf("Validate accepted %s", tt.name)
			}
		})
	}
}

func TestValidate_PermissivePublishWithoutPublisherSecret(t *testing.T) {
	cfg := Config{
		Mode:              ModeDev,
		ListenAddr:        "127.0.0.1:8443",
		LogFormat:         LogFormatText,
		LogLevel:          "debug",
		SignalingPath:     "/signaling",
		HeartbeatInterval: 30 * time.Second,
		MaxMessageBytes:   64 * 1024,
		MaxMessageRate:    50,
		SubscriberSecret:  "reader",
		PermissivePublish: true,
		RelayTTL:          300 * time.Second,
		RelayIssuerTag:    "signal-relay",
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("permissive dev config rejected: %v", err)
	}
}

func TestNewLogger(t *testing.T) {
	for _, format := range []LogFormat{LogFormatText, LogFormatJSON} {
		logger, err := NewLogger(Config{LogFormat: format, LogLevel: "warn"})
		if err != nil {
			t.Fatalf("NewLogger(%s): %v", format, err)
		}
		if logger.Enabled(context.Background(), slog.LevelInfo) {
			t.Errorf("%s logger enabled below configured level", format)
		}
		if !logger.Enabled(context.Background(), slog.LevelWarn) {
			t.Errorf("%s logger disabled at configured level", format)
		}
	}
}
