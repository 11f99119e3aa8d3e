// Package config defines all configuration for the trading bot.
// Config is loaded from a YAML file (default: configs/config.yaml) with
// sensitive fields overridable via SAXO_* environment variables.
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
	DryRun    bool            `mapstructure:"dry_run"`
	Auth      AuthConfig      `mapstructure:"auth"`
	API       APIConfig       `mapstructure:"api"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Trading   TradingConfig   `mapstructure:"trading"`
	Strategy  StrategyConfig  `mapstructure:"strategy"`
	Scanner   ScannerConfig   `mapstructure:"scanner"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
	Stream    StreamConfig    `mapstructure:"stream"`
	Engine    EngineConfig    `mapstructure:"engine"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// AuthConfig holds the OAuth2 application credentials and the bootstrap
// refresh token. The refresh token rotates on every refresh; the state
// store holds the authoritative copy, EnvBackupPath a best-effort local one.
type AuthConfig struct {
	AppKey        string `mapstructure:"app_key"`
	AppSecret     string `mapstructure:"app_secret"`
	AuthEndpoint  string `mapstructure:"auth_endpoint"`
	TokenEndpoint string `mapstructure:"token_endpoint"`
	RedirectURL   string `mapstructure:"redirect_url"`
	RefreshToken  string `mapstructure:"refresh_token"`
	EnvBackupPath string `mapstructure:"env_backup_path"`
}

// APIConfig holds the Saxo OpenAPI endpoints. Simulation and live differ
// only by host.
type APIConfig struct {
	BaseURL   string `mapstructure:"base_url"`
	StreamURL string `mapstructure:"stream_url"`
}

// RedisConfig points at the state store used for position persistence,
// refresh-token rotation, and the active-universe mirror.
type RedisConfig struct {
	URL string `mapstructure:"url"`
}

// TradingConfig sets what and how much the bot trades.
type TradingConfig struct {
	Quantity           float64 `mapstructure:"quantity"`
	AccountCurrency    string  `mapstructure:"account_currency"`
	InstrumentCurrency string  `mapstructure:"instrument_currency"`
	InitialUics        []int   `mapstructure:"initial_uics"`
}

// StrategyConfig tunes the trend-following strategy.
//
//   - ShortPeriod/LongPeriod: EMA periods for the entry crossover.
//   - HistorySize: bounded per-instrument price history length.
//   - StopLossPct: trailing-stop distance below the running peak.
type StrategyConfig struct {
	ShortPeriod int     `mapstructure:"short_period"`
	LongPeriod  int     `mapstructure:"long_period"`
	HistorySize int     `mapstructure:"history_size"`
	StopLossPct float64 `mapstructure:"stop_loss_pct"`
}

// ScannerConfig controls universe discovery and candidate filtering.
type ScannerConfig struct {
	Exchanges        []string      `mapstructure:"exchanges"`
	SeedKeywords     []string      `mapstructure:"seed_keywords"`
	BatchSize        int           `mapstructure:"batch_size"`
	BatchDelay       time.Duration `mapstructure:"batch_delay"`
	DeniedWait       time.Duration `mapstructure:"denied_wait"`
	MinPrice         float64       `mapstructure:"min_price"`
	MaxPrice         float64       `mapstructure:"max_price"`
	MinPercentChange float64       `mapstructure:"min_percent_change"`
}

// RateLimitConfig bounds outbound API calls. The broker cap is 120 calls
// per 60 s; the default limit of 115 leaves a margin of 5.
type RateLimitConfig struct {
	Limit  int           `mapstructure:"limit"`
	Window time.Duration `mapstructure:"window"`
}

// StreamConfig tunes the streaming subscription manager.
type StreamConfig struct {
	ContextPrefix  string        `mapstructure:"context_prefix"`
	RefPrefix      string        `mapstructure:"ref_prefix"`
	RefreshRateMS  int           `mapstructure:"refresh_rate_ms"`
	ReconnectDelay time.Duration `mapstructure:"reconnect_delay"`
	StaleAfter     time.Duration `mapstructure:"stale_after"`
}

// EngineConfig sets the orchestrator task periods and worker pool size.
type EngineConfig struct {
	ScanInterval    time.Duration `mapstructure:"scan_interval"`
	ProcessInterval time.Duration `mapstructure:"process_interval"`
	JanitorInterval time.Duration `mapstructure:"janitor_interval"`
	ReportInterval  time.Duration `mapstructure:"report_interval"`
	Workers         int           `mapstructure:"workers"`
	ShutdownGrace   time.Duration `mapstructure:"shutdown_grace"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads config from a YAML file with env var overrides.
// Sensitive fields use env vars: SAXO_APP_KEY, SAXO_APP_SECRET,
// SAXO_REFRESH_TOKEN, SAXO_REDIS_URL.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("SAXO")
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
	if key := os.Getenv("SAXO_APP_KEY"); key != "" {
		cfg.Auth.AppKey = key
	}
	if secret := os.Getenv("SAXO_APP_SECRET"); secret != "" {
		cfg.Auth.AppSecret = secret
	}
	if tok := os.Getenv("SAXO_REFRESH_TOKEN"); tok != "" {
		cfg.Auth.RefreshToken = tok
	}
	if u := os.Getenv("SAXO_BASE_URL"); u != "" {
		cfg.API.BaseURL = u
	}
	if u := os.Getenv("SAXO_REDIS_URL"); u != "" {
		cfg.Redis.URL = u
	}
	if os.Getenv("SAXO_DRY_RUN") == "true" || os.Getenv("SAXO_DRY_RUN") == "1" {
		cfg.DryRun = true
	}

	return &cfg, nil
}

// setDefaults installs the documented baseline so the YAML file only needs
// to name what it changes.
func setDefaults(v *viper.Viper) {
	v.SetDefault("dry_run", true)

	v.SetDefault("trading.quantity", 10.0)
	v.SetDefault("trading.account_currency", "EUR")
	v.SetDefault("trading.instrument_currency", "USD")

	v.SetDefault("strategy.short_period", 5)
	v.SetDefault("strategy.long_period", 20)
	v.SetDefault("strategy.history_size", 30)
	v.SetDefault("strategy.stop_loss_pct", 0.01)

	v.SetDefault("scanner.exchanges", []string{"NYSE", "NASDAQ"})
	v.SetDefault("scanner.batch_size", 50)
	v.SetDefault("scanner.batch_delay", 500*time.Millisecond)
	v.SetDefault("scanner.denied_wait", 10*time.Second)
	v.SetDefault("scanner.min_price", 1.0)
	v.SetDefault("scanner.max_price", 20.0)
	v.SetDefault("scanner.min_percent_change", 1.5)

	v.SetDefault("rate_limit.limit", 115)
	v.SetDefault("rate_limit.window", time.Minute)

	v.SetDefault("stream.context_prefix", "BotCtx")
	v.SetDefault("stream.ref_prefix", "PriceSub")
	v.SetDefault("stream.refresh_rate_ms", 1000)
	v.SetDefault("stream.reconnect_delay", 5*time.Second)
	v.SetDefault("stream.stale_after", time.Hour)

	v.SetDefault("engine.scan_interval", 10*time.Minute)
	v.SetDefault("engine.process_interval", 100*time.Millisecond)
	v.SetDefault("engine.janitor_interval", time.Hour)
	v.SetDefault("engine.report_interval", time.Minute)
	v.SetDefault("engine.workers", 5)
	v.SetDefault("engine.shutdown_grace", 5*time.Second)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
}

// Validate checks all required fields and value ranges.
func (c *Config) Validate() error {
	if c.Auth.AppKey == "" {
		return fmt.Errorf("auth.app_key is required (set SAXO_APP_KEY)")
	}
	if c.Auth.AppSecret == "" {
		return fmt.Errorf("auth.app_secret is required (set SAXO_APP_SECRET)")
	}
	if c.Auth.TokenEndpoint == "" {
		return fmt.Errorf("auth.token_endpoint is required")
	}
	if c.API.BaseURL == "" {
		return fmt.Errorf("api.base_url is required (set SAXO_BASE_URL)")
	}
	if c.API.StreamURL == "" {
		return fmt.Errorf("api.stream_url is required")
	}
	if c.Trading.Quantity <= 0 {
		return fmt.Errorf("trading.quantity must be > 0")
	}
	if c.Strategy.ShortPeriod <= 0 || c.Strategy.LongPeriod <= c.Strategy.ShortPeriod {
		return fmt.Errorf("strategy periods must satisfy 0 < short_period < long_period")
	}
	if c.Strategy.HistorySize < c.Strategy.LongPeriod {
		return fmt.Errorf("strategy.history_size must be >= strategy.long_period")
	}
	if c.Strategy.StopLossPct <= 0 || c.Strategy.StopLossPct >= 1 {
		return fmt.Errorf("strategy.stop_loss_pct must be in (0, 1)")
	}
	if c.Scanner.MinPrice > c.Scanner.MaxPrice {
		return fmt.Errorf("scanner.min_price must not exceed scanner.max_price")
	}
	if c.RateLimit.Limit <= 0 {
		return fmt.Errorf("rate_limit.limit must be > 0")
	}
	return nil
}
