// Package config defines all configuration for the tick-distribution
// backend. Config is loaded from a YAML file (default: configs/config.yaml)
// with sensitive fields overridable via FXFEED_* environment variables.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the top-level configuration. Maps directly to the YAML file structure.
type Config struct {
	Broker     BrokerConfig     `mapstructure:"broker"`
	Gateway    GatewayConfig    `mapstructure:"gateway"`
	Aggregator AggregatorConfig `mapstructure:"aggregator"`
	Logging    LoggingConfig    `mapstructure:"logging"`
}

// BrokerConfig holds the connection and credential details for the
// upstream broker session. AccessToken is already-issued; this
// service never performs the OAuth/identity exchange itself.
type BrokerConfig struct {
	Host               string        `mapstructure:"host"`
	Port               int           `mapstructure:"port"`
	ClientID           string        `mapstructure:"client_id"`
	ClientSecret       string        `mapstructure:"client_secret"`
	AccessToken        string        `mapstructure:"access_token"`
	AccountID          int64         `mapstructure:"account_id"`
	RequestTimeout     time.Duration `mapstructure:"request_timeout"`
	HeartbeatInterval  time.Duration `mapstructure:"heartbeat_interval"`
	HeartbeatMissAfter time.Duration `mapstructure:"heartbeat_miss_after"`
	ReconnectBaseDelay time.Duration `mapstructure:"reconnect_base_delay"`
	ReconnectMaxDelay  time.Duration `mapstructure:"reconnect_max_delay"`
	AuthFatalAfter     time.Duration `mapstructure:"auth_fatal_after"`
}

// GatewayConfig controls the client-facing WebSocket server.
type GatewayConfig struct {
	BindAddress    string        `mapstructure:"bind_address"`
	Path           string        `mapstructure:"path"`
	OutboundQueue  int           `mapstructure:"outbound_queue"`
	TickIntervalMs int           `mapstructure:"tick_interval_ms"`
	ShutdownDrain  time.Duration `mapstructure:"shutdown_drain"`
	AllowedOrigins []string      `mapstructure:"allowed_origins"`
}

// AggregatorConfig tunes the per-symbol derived-state computation: the
// ADR window and anchor, the price the market profile classifies on, and
// the volatility estimator's half-life.
type AggregatorConfig struct {
	AdrWindowDays      int           `mapstructure:"adr_window_days"`
	AdrAnchor          string        `mapstructure:"adr_anchor"`          // "open" | "previous_close"
	ProfileClassifyOn  string        `mapstructure:"profile_classify_on"` // "mid" | "bid"
	VolatilityHalfLife time.Duration `mapstructure:"volatility_half_life"`
	InboxCapacity      int           `mapstructure:"inbox_capacity"`
	PrimingRetryPeriod time.Duration `mapstructure:"priming_retry_period"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads config from a YAML file with env var overrides.
// Sensitive fields use env vars: FXFEED_CLIENT_SECRET, FXFEED_ACCESS_TOKEN.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("FXFEED")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if secret := os.Getenv("FXFEED_CLIENT_SECRET"); secret != "" {
		cfg.Broker.ClientSecret = secret
	}
	if token := os.Getenv("FXFEED_ACCESS_TOKEN"); token != "" {
		cfg.Broker.AccessToken = token
	}

	applyDefaults(&cfg)

	return &cfg, nil
}

// applyDefaults fills in zero-valued fields so a minimal config file
// still produces a working service.
func applyDefaults(cfg *Config) {
	if cfg.Broker.RequestTimeout == 0 {
		cfg.Broker.RequestTimeout = 10 * time.Second
	}
	if cfg.Broker.HeartbeatInterval == 0 {
		cfg.Broker.HeartbeatInterval = 10 * time.Second
	}
	if cfg.Broker.HeartbeatMissAfter == 0 {
		cfg.Broker.HeartbeatMissAfter = 30 * time.Second
	}
	if cfg.Broker.ReconnectBaseDelay == 0 {
		cfg.Broker.ReconnectBaseDelay = 1 * time.Second
	}
	if cfg.Broker.ReconnectMaxDelay == 0 {
		cfg.Broker.ReconnectMaxDelay = 60 * time.Second
	}
	if cfg.Broker.AuthFatalAfter == 0 {
		cfg.Broker.AuthFatalAfter = 10 * time.Minute
	}
	if cfg.Gateway.BindAddress == "" {
		cfg.Gateway.BindAddress = ":8080"
	}
	if cfg.Gateway.Path == "" {
		cfg.Gateway.Path = "/ws"
	}
	if cfg.Gateway.OutboundQueue == 0 {
		cfg.Gateway.OutboundQueue = 256
	}
	if cfg.Gateway.TickIntervalMs == 0 {
		cfg.Gateway.TickIntervalMs = 16
	}
	if cfg.Gateway.ShutdownDrain == 0 {
		cfg.Gateway.ShutdownDrain = 5 * time.Second
	}
	if cfg.Aggregator.AdrWindowDays == 0 {
		cfg.Aggregator.AdrWindowDays = 5
	}
	if cfg.Aggregator.AdrAnchor == "" {
		cfg.Aggregator.AdrAnchor = "open"
	}
	if cfg.Aggregator.ProfileClassifyOn == "" {
		cfg.Aggregator.ProfileClassifyOn = "mid"
	}
	if cfg.Aggregator.VolatilityHalfLife == 0 {
		cfg.Aggregator.VolatilityHalfLife = 30 * time.Second
	}
	if cfg.Aggregator.InboxCapacity == 0 {
		cfg.Aggregator.InboxCapacity = 1024
	}
	if cfg.Aggregator.PrimingRetryPeriod == 0 {
		cfg.Aggregator.PrimingRetryPeriod = 5 * time.Second
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "text"
	}
}

// Validate checks all required fields and value ranges. A failure here is
// a Configuration error: fatal at startup, process exits with code 1.
func (c *Config) Validate() error {
	if c.Broker.Host == "" {
		return fmt.Errorf("broker.host is required")
	}
	if c.Broker.Port == 0 {
		return fmt.Errorf("broker.port is required")
	}
	if c.Broker.ClientID == "" {
		return fmt.Errorf("broker.client_id is required")
	}
	if c.Broker.AccessToken == "" {
		return fmt.Errorf("broker.access_token is required (set FXFEED_ACCESS_TOKEN)")
	}
	if c.Broker.AccountID == 0 {
		return fmt.Errorf("broker.account_id is required")
	}
	switch c.Aggregator.AdrAnchor {
	case "open", "previous_close":
	default:
		return fmt.Errorf("aggregator.adr_anchor must be one of: open, previous_close")
	}
	switch c.Aggregator.ProfileClassifyOn {
	case "mid", "bid":
	default:
		return fmt.Errorf("aggregator.profile_classify_on must be one of: mid, bid")
	}
	if c.Aggregator.AdrWindowDays <= 0 {
		return fmt.Errorf("aggregator.adr_window_days must be > 0")
	}
	return nil
}
