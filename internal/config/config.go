// Package config defines all configuration for the streaming gateway.
// Config is loaded from a YAML file (default: configs/config.yaml) with
// sensitive fields overridable via OPTGW_* environment variables.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Environment gates HTTPS redirect, CORS strictness and error verbosity.
type Environment string

const (
	EnvDevelopment Environment = "development"
	EnvStaging     Environment = "staging"
	EnvProduction  Environment = "production"
)

// Config is the top-level configuration. Maps directly to the YAML file structure.
type Config struct {
	Environment Environment    `mapstructure:"environment"`
	DryRun      bool           `mapstructure:"dry_run"`
	Server      ServerConfig   `mapstructure:"server"`
	Upstream    UpstreamConfig `mapstructure:"upstream"`
	Bus         BusConfig      `mapstructure:"bus"`
	DB          DBConfig       `mapstructure:"db"`
	Pool        PoolConfig     `mapstructure:"pool"`
	Pipeline    PipelineConfig `mapstructure:"pipeline"`
	Greeks      GreeksConfig   `mapstructure:"greeks"`
	Stream      StreamConfig   `mapstructure:"stream"`
	Mock        MockConfig     `mapstructure:"mock"`
	Orders      OrdersConfig   `mapstructure:"orders"`
	Hub         HubConfig      `mapstructure:"hub"`
	Logging     LoggingConfig  `mapstructure:"logging"`
}

// ServerConfig holds the REST/WebSocket listener settings.
type ServerConfig struct {
	Port         int      `mapstructure:"port"`
	AllowOrigins []string `mapstructure:"allow_origins"`
	JWTSecret    string   `mapstructure:"jwt_secret"`
}

// UpstreamConfig holds broker vendor endpoints. The gateway never hardcodes
// vendor URLs; they arrive here so test doubles can point at local servers.
type UpstreamConfig struct {
	RESTBaseURL      string        `mapstructure:"rest_base_url"`
	WSURL            string        `mapstructure:"ws_url"`
	SubscribeTimeout time.Duration `mapstructure:"subscribe_timeout"`
	StallTimeout     time.Duration `mapstructure:"stall_timeout"`
}

// BusConfig configures the internal pub/sub bus (NATS).
type BusConfig struct {
	URL              string        `mapstructure:"url"`
	PublishRetries   int           `mapstructure:"publish_retries"`
	RetryBackoff     time.Duration `mapstructure:"retry_backoff"`
	FailureThreshold int           `mapstructure:"failure_threshold"`
	RecoveryTimeout  time.Duration `mapstructure:"recovery_timeout"`
}

// DBConfig holds the relational store connection settings.
type DBConfig struct {
	URL           string `mapstructure:"url"`
	MinConns      int    `mapstructure:"min_conns"`
	MaxConns      int    `mapstructure:"max_conns"`
	EncryptionKey string `mapstructure:"encryption_key"` // hex, 32 bytes once decoded
}

// PoolConfig bounds the per-account upstream connection pool.
type PoolConfig struct {
	MaxInstrumentsPerConn int `mapstructure:"max_instruments_per_ws_connection"`
	MaxConnsPerAccount    int `mapstructure:"max_ws_connections_per_account"`
	HealthIntervalSeconds int `mapstructure:"health_interval_seconds"`
}

// PipelineConfig tunes the tick batcher.
type PipelineConfig struct {
	BatchEnabled bool          `mapstructure:"tick_batch_enabled"`
	BatchWindow  time.Duration `mapstructure:"tick_batch_window_ms"`
	BatchMaxSize int           `mapstructure:"tick_batch_max_size"`
}

// GreeksConfig holds option pricing defaults.
//
//   - InterestRate: risk-free rate used for discounting (e.g. 0.10).
//   - DividendYield: continuous dividend yield q (0 for indices).
//   - ExpiryTimeOfDay: "HH:MM" local market time options expire at.
//   - MarketTimezone: IANA zone of the exchange (Asia/Kolkata).
type GreeksConfig struct {
	InterestRate    float64 `mapstructure:"option_greeks_interest_rate"`
	DividendYield   float64 `mapstructure:"option_greeks_dividend_yield"`
	ExpiryTimeOfDay string  `mapstructure:"expiry_time_of_day"`
	MarketTimezone  string  `mapstructure:"market_timezone"`
}

// StreamConfig controls the underlying bar aggregator.
type StreamConfig struct {
	IntervalSeconds int `mapstructure:"stream_interval_seconds"`
}

// MockConfig bounds the mock data generator.
type MockConfig struct {
	Enabled                bool    `mapstructure:"enabled"`
	MaxSize                int     `mapstructure:"mock_state_max_size"`
	CleanupIntervalSeconds int     `mapstructure:"mock_state_cleanup_interval_seconds"`
	PriceVarBps            float64 `mapstructure:"price_var_bps"`
	VolVarPct              float64 `mapstructure:"vol_var_pct"`
}

// OrdersConfig tunes the order execution engine.
type OrdersConfig struct {
	Workers          int           `mapstructure:"workers"`
	MaxAttempts      int           `mapstructure:"max_attempts"`
	BaseBackoff      time.Duration `mapstructure:"base_backoff"`
	MaxBackoff       time.Duration `mapstructure:"max_backoff"`
	Retention        time.Duration `mapstructure:"retention"`
	FailureThreshold int           `mapstructure:"failure_threshold"`
	RecoveryTimeout  time.Duration `mapstructure:"recovery_timeout"`
}

// HubConfig bounds client fan-out.
type HubConfig struct {
	SendBufferSize      int `mapstructure:"send_buffer_size"`
	MaxConsecutiveDrops int `mapstructure:"max_consecutive_drops"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads config from a YAML file with env var overrides.
// Sensitive fields use env vars: OPTGW_JWT_SECRET, OPTGW_DB_URL,
// OPTGW_ENCRYPTION_KEY, OPTGW_BUS_URL.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("OPTGW")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// Override sensitive fields from env
	if s := os.Getenv("OPTGW_JWT_SECRET"); s != "" {
		cfg.Server.JWTSecret = s
	}
	if s := os.Getenv("OPTGW_DB_URL"); s != "" {
		cfg.DB.URL = s
	}
	if s := os.Getenv("OPTGW_ENCRYPTION_KEY"); s != "" {
		cfg.DB.EncryptionKey = s
	}
	if s := os.Getenv("OPTGW_BUS_URL"); s != "" {
		cfg.Bus.URL = s
	}
	if os.Getenv("OPTGW_DRY_RUN") == "true" || os.Getenv("OPTGW_DRY_RUN") == "1" {
		cfg.DryRun = true
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("environment", string(EnvDevelopment))
	v.SetDefault("server.port", 8080)
	v.SetDefault("upstream.subscribe_timeout", "10s")
	v.SetDefault("upstream.stall_timeout", "30s")
	v.SetDefault("bus.publish_retries", 2)
	v.SetDefault("bus.retry_backoff", "50ms")
	v.SetDefault("bus.failure_threshold", 5)
	v.SetDefault("bus.recovery_timeout", "30s")
	v.SetDefault("db.min_conns", 2)
	v.SetDefault("db.max_conns", 10)
	v.SetDefault("pool.max_instruments_per_ws_connection", 1000)
	v.SetDefault("pool.max_ws_connections_per_account", 3)
	v.SetDefault("pool.health_interval_seconds", 10)
	v.SetDefault("pipeline.tick_batch_enabled", true)
	v.SetDefault("pipeline.tick_batch_window_ms", "100ms")
	v.SetDefault("pipeline.tick_batch_max_size", 1000)
	v.SetDefault("greeks.option_greeks_interest_rate", 0.10)
	v.SetDefault("greeks.option_greeks_dividend_yield", 0.0)
	v.SetDefault("greeks.expiry_time_of_day", "15:30")
	v.SetDefault("greeks.market_timezone", "Asia/Kolkata")
	v.SetDefault("stream.stream_interval_seconds", 60)
	v.SetDefault("mock.mock_state_max_size", 5000)
	v.SetDefault("mock.mock_state_cleanup_interval_seconds", 300)
	v.SetDefault("mock.price_var_bps", 25)
	v.SetDefault("mock.vol_var_pct", 5)
	v.SetDefault("orders.workers", 4)
	v.SetDefault("orders.max_attempts", 5)
	v.SetDefault("orders.base_backoff", "500ms")
	v.SetDefault("orders.max_backoff", "60s")
	v.SetDefault("orders.retention", "24h")
	v.SetDefault("orders.failure_threshold", 3)
	v.SetDefault("orders.recovery_timeout", "30s")
	v.SetDefault("hub.send_buffer_size", 256)
	v.SetDefault("hub.max_consecutive_drops", 50)
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}

// Validate checks all required fields and value ranges. Missing required
// settings abort boot in non-development environments.
func (c *Config) Validate() error {
	switch c.Environment {
	case EnvDevelopment, EnvStaging, EnvProduction:
	default:
		return fmt.Errorf("environment must be one of development, staging, production")
	}
	if c.Pool.MaxInstrumentsPerConn <= 0 {
		return fmt.Errorf("pool.max_instruments_per_ws_connection must be > 0")
	}
	if c.Pool.MaxConnsPerAccount <= 0 {
		return fmt.Errorf("pool.max_ws_connections_per_account must be > 0")
	}
	if c.Stream.IntervalSeconds <= 0 {
		return fmt.Errorf("stream.stream_interval_seconds must be > 0")
	}
	if c.Orders.BaseBackoff < 500*time.Millisecond {
		return fmt.Errorf("orders.base_backoff must be >= 500ms")
	}
	if c.Orders.MaxBackoff > 60*time.Second {
		return fmt.Errorf("orders.max_backoff must be <= 60s")
	}
	if c.Orders.MaxAttempts <= 0 {
		return fmt.Errorf("orders.max_attempts must be > 0")
	}
	if c.Environment == EnvDevelopment {
		return nil
	}
	// Non-development: required endpoints and secrets.
	if c.DB.URL == "" {
		return fmt.Errorf("db.url is required (set OPTGW_DB_URL)")
	}
	if c.Bus.URL == "" {
		return fmt.Errorf("bus.url is required (set OPTGW_BUS_URL)")
	}
	if c.Server.JWTSecret == "" {
		return fmt.Errorf("server.jwt_secret is required (set OPTGW_JWT_SECRET)")
	}
	if c.DB.EncryptionKey == "" {
		return fmt.Errorf("db.encryption_key is required (set OPTGW_ENCRYPTION_KEY)")
	}
	for _, origin := range c.Server.AllowOrigins {
		if origin == "*" {
			return fmt.Errorf("server.allow_origins: wildcard origins are forbidden outside development")
		}
		if !strings.HasPrefix(origin, "https://") {
			return fmt.Errorf("server.allow_origins: %q must be an https:// origin", origin)
		}
	}
	return nil
}
