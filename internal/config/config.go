// Package config loads and validates the relay's runtime configuration.
//
// Values come from an optional YAML config file plus SIGNAL_RELAY_*-prefixed
// environment variables, with the environment taking precedence. Defaults
// are chosen so a dev instance starts with nothing but the two secrets set.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const envPrefix = "SIGNAL_RELAY"

type Mode string

const (
	ModeDev  Mode = "dev"
	ModeProd Mode = "prod"
)

type LogFormat string

const (
	LogFormatText LogFormat = "text"
	LogFormatJSON LogFormat = "json"
)

const (
	DefaultListenAddr        = "127.0.0.1:8443"
	DefaultSignalingPath     = "/signaling"
	DefaultHeartbeatInterval = 30 * time.Second
	DefaultMaxMessageBytes   = int64(64 * 1024)
	DefaultMaxMessageRate    = int64(50)
	DefaultRelayTTL          = 300 * time.Second
	DefaultRelayIssuerTag    = "signal-relay"
	DefaultShutdownTimeout   = 15 * time.Second
)

type Config struct {
	Mode       Mode          `mapstructure:"mode"`
	ListenAddr string        `mapstructure:"listen_addr"`
	LogFormat  LogFormat     `mapstructure:"log_format"`
	LogLevel   string        `mapstructure:"log_level"`
	Shutdown   time.Duration `mapstructure:"shutdown_timeout"`

	SignalingPath     string        `mapstructure:"signaling_path"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	MaxMessageBytes   int64         `mapstructure:"max_message_bytes"`
	MaxMessageRate    int64         `mapstructure:"max_message_rate"`
	// AllowedOrigins lists browser origins permitted to open signaling
	// sockets ("*" for any, "null" for opaque origins). Empty means
	// same-host only.
	AllowedOrigins []string `mapstructure:"allowed_origins"`

	SubscriberSecret string `mapstructure:"subscriber_secret"`
	PublisherSecret  string `mapstructure:"publisher_secret"`
	// PermissivePublish restores the upstream behavior of approving any
	// publish request regardless of password. Only honored in dev mode.
	PermissivePublish bool `mapstructure:"permissive_publish"`

	RelayURLs         []string      `mapstructure:"relay_urls"`
	RelaySharedSecret string        `mapstructure:"relay_shared_secret"`
	RelayTTL          time.Duration `mapstructure:"relay_ttl"`
	RelayIssuerTag    string        `mapstructure:"relay_issuer_tag"`
}

// Load reads configuration from the optional file at path (empty means no
// file) and the environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("mode", string(ModeDev))
	v.SetDefault("listen_addr", DefaultListenAddr)
	v.SetDefault("log_format", "")
	v.SetDefault("log_level", "")
	v.SetDefault("shutdown_timeout", DefaultShutdownTimeout)
	v.SetDefault("signaling_path", DefaultSignalingPath)
	v.SetDefault("heartbeat_interval", DefaultHeartbeatInterval)
	v.SetDefault("max_message_bytes", DefaultMaxMessageBytes)
	v.SetDefault("max_message_rate", DefaultMaxMessageRate)
	v.SetDefault("allowed_origins", []string{})
	v.SetDefault("subscriber_secret", "")
	v.SetDefault("publisher_secret", "")
	v.SetDefault("permissive_publish", false)
	v.SetDefault("relay_urls", []string{})
	v.SetDefault("relay_shared_secret", "")
	v.SetDefault("relay_ttl", DefaultRelayTTL)
	v.SetDefault("relay_issuer_tag", DefaultRelayIssuerTag)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("config: read %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("config: parse: %w", err)
	}
	applyModeDefaults(&cfg)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyModeDefaults(cfg *Config) {
	if cfg.LogFormat == "" {
		if cfg.Mode == ModeProd {
			cfg.LogFormat = LogFormatJSON
		} else {
			cfg.LogFormat = LogFormatText
		}
	}
	if cfg.LogLevel == "" {
		if cfg.Mode == ModeProd {
			cfg.LogLevel = "info"
		} else {
			cfg.LogLevel = "debug"
		}
	}
}

func (c Config) Validate() error {
	switch c.Mode {
	case ModeDev, ModeProd:
	default:
		return fmt.Errorf("config: invalid mode %q (want dev or prod)", c.Mode)
	}
	switch c.LogFormat {
	case LogFormatText, LogFormatJSON:
	default:
		return fmt.Errorf("config: invalid log format %q (want text or json)", c.LogFormat)
	}
	if _, err := parseLogLevel(c.LogLevel); err != nil {
		return err
	}
	if c.ListenAddr == "" {
		return fmt.Errorf("config: listen_addr is required")
	}
	if !strings.HasPrefix(c.SignalingPath, "/") {
		return fmt.Errorf("config: signaling_path %q must start with '/'", c.SignalingPath)
	}
	if c.HeartbeatInterval <= 0 {
		return fmt.Errorf("config: heartbeat_interval must be > 0")
	}
	if c.MaxMessageBytes <= 0 {
		return fmt.Errorf("config: max_message_bytes must be > 0")
	}
	if c.MaxMessageRate <= 0 {
		return fmt.Errorf("config: max_message_rate must be > 0")
	}
	if c.SubscriberSecret == "" {
		return fmt.Errorf("config: subscriber_secret is required")
	}
	if c.PublisherSecret == "" && !c.PermissivePublish {
		return fmt.Errorf("config: publisher_secret is required unless permissive_publish is set")
	}
	if c.PermissivePublish && c.Mode == ModeProd {
		return fmt.Errorf("config: permissive_publish is not allowed in prod mode")
	}
	if c.RelayTTL <= 0 {
		return fmt.Errorf("config: relay_ttl must be > 0")
	}
	if c.RelaySharedSecret != "" && len(c.RelayURLs) == 0 {
		return fmt.Errorf("config: relay_shared_secret set without relay_urls")
	}
	if strings.Contains(c.RelayIssuerTag, ":") {
		return fmt.Errorf("config: relay_issuer_tag must not contain ':'")
	}
	return nil
}

func NewLogger(cfg Config) (*slog.Logger, error) {
	level, err := parseLogLevel(cfg.LogLevel)
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	switch cfg.LogFormat {
	case LogFormatText:
		handler = slog.NewTextHandler(os.Stdout, opts)
	case LogFormatJSON:
		handler = slog.NewJSONHandler(os.Stdout, opts)
	default:
		return nil, fmt.Errorf("config: unsupported log format %q", cfg.LogFormat)
	}
	return slog.New(handler), nil
}

func parseLogLevel(raw string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("config: invalid log level %q", raw)
	}
}
