package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all application configuration
type Config struct {
	App         AppConfig                 `mapstructure:"app"`
	Database    DatabaseConfig            `mapstructure:"database"`
	Redis       RedisConfig               `mapstructure:"redis"`
	Market      MarketConfig              `mapstructure:"market"`
	EventLog    EventLogConfig            `mapstructure:"eventlog"`
	Drawdown    DrawdownConfig            `mapstructure:"drawdown"`
	Allocator   AllocatorConfig           `mapstructure:"allocator"`
	Decay       DecayConfig               `mapstructure:"decay"`
	Council     CouncilConfig             `mapstructure:"council"`
	Uncertainty UncertaintyConfig         `mapstructure:"uncertainty"`
	Scheduler   SchedulerConfig           `mapstructure:"scheduler"`
	Providers   map[string]ProviderConfig `mapstructure:"providers"`
	Alerts      AlertsConfig              `mapstructure:"alerts"`
	Admin       AdminConfig               `mapstructure:"admin"`
	Monitoring  MonitoringConfig          `mapstructure:"monitoring"`
}

// AppConfig contains application-level settings
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"` // development, staging, production
	LogLevel    string `mapstructure:"log_level"`
	LogFormat   string `mapstructure:"log_format"` // "json" or "console"
}

// DatabaseConfig contains PostgreSQL settings
type DatabaseConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Database string `mapstructure:"database"`
	SSLMode  string `mapstructure:"ssl_mode"`
	PoolSize int    `mapstructure:"pool_size"`
}

// RedisConfig contains Redis settings for the snapshot and price caches
type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Enabled  bool   `mapstructure:"enabled"`
}

// MarketConfig contains the quotes API and built-in scanner settings
type MarketConfig struct {
	BaseURL         string   `mapstructure:"base_url"`
	Days            int      `mapstructure:"days"`
	TimeoutSec      int      `mapstructure:"timeout_sec"`
	CacheTTLMin     int      `mapstructure:"cache_ttl_min"`
	Symbols         []string `mapstructure:"symbols"`
	ScanIntervalMin int      `mapstructure:"scan_interval_min"`
}

// EventLogConfig contains the append-only telemetry log settings
type EventLogConfig struct {
	Path        string `mapstructure:"path"`
	ReplayDepth int    `mapstructure:"replay_depth"` // events read by the drawdown governor
}

// DrawdownConfig contains the portfolio circuit-breaker settings
type DrawdownConfig struct {
	Limit float64 `mapstructure:"limit"` // negative equity distance from peak
}

// AllocatorConfig contains UCB allocator settings
type AllocatorConfig struct {
	Exploration float64 `mapstructure:"exploration"`
	Window      int     `mapstructure:"window"`
	RunBudget   int     `mapstructure:"run_budget"`
	MinSignals  int     `mapstructure:"min_signals"`
	MinRuns     int     `mapstructure:"min_runs"`
	MaxRuns     int     `mapstructure:"max_runs"`

	// ClustersPath points at the YAML agent-cluster map used for
	// redundancy substitution; empty disables clustering.
	ClustersPath string `mapstructure:"clusters_path"`
}

// DecayConfig contains decay half-lives per regime (in allocator steps)
type DecayConfig struct {
	HalfLife map[string]float64 `mapstructure:"half_life"`
}

// CouncilConfig contains the triple-confirmation gate settings
type CouncilConfig struct {
	TimeoutSec int `mapstructure:"timeout_sec"`
	MinAgree   int `mapstructure:"min_agree"`
}

// UncertaintyConfig contains the uncertainty control-loop settings
type UncertaintyConfig struct {
	IntervalMin int `mapstructure:"interval_min"`
}

// SchedulerConfig contains the agent scheduler settings
type SchedulerConfig struct {
	Workers        int `mapstructure:"workers"`
	GracePeriodSec int `mapstructure:"grace_period_sec"`
}

// ProviderConfig describes one LLM provider; a missing API key disables it
type ProviderConfig struct {
	Endpoint string  `mapstructure:"endpoint"`
	APIKey   string  `mapstructure:"api_key"`
	Model    string  `mapstructure:"model"`
	MaxRPM   float64 `mapstructure:"max_rpm"`
}

// AlertsConfig contains notification channel settings
type AlertsConfig struct {
	Email    EmailConfig    `mapstructure:"email"`
	Telegram TelegramConfig `mapstructure:"telegram"`
}

// EmailConfig contains the HTTP email API settings
type EmailConfig struct {
	Endpoint string   `mapstructure:"endpoint"`
	APIKey   string   `mapstructure:"api_key"`
	From     string   `mapstructure:"from"`
	To       []string `mapstructure:"to"`
}

// TelegramConfig contains the Telegram bot settings
type TelegramConfig struct {
	BotToken string `mapstructure:"bot_token"`
	ChatID   int64  `mapstructure:"chat_id"`
}

// AdminConfig contains the admin HTTP surface settings
type AdminConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

// MonitoringConfig contains monitoring settings
type MonitoringConfig struct {
	PrometheusPort int  `mapstructure:"prometheus_port"`
	EnableMetrics  bool `mapstructure:"enable_metrics"`
}

// Load loads configuration from file and environment variables
func Load(configPath string) (*Config, error) {
	v := viper.New()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
		v.AddConfigPath(".")
	}

	v.AutomaticEnv()
	v.SetEnvPrefix("SIGNALPLANE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults(v)
	bindLegacyEnv(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// Config file not found; defaults and environment variables apply
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// bindLegacyEnv binds the bare environment names operators already use so
// they keep working without the SIGNALPLANE_ prefix.
func bindLegacyEnv(v *viper.Viper) {
	_ = v.BindEnv("drawdown.limit", "DRAWDOWN_LIMIT")
	_ = v.BindEnv("allocator.exploration", "UCB_EXPLORATION")
	_ = v.BindEnv("allocator.window", "UCB_WINDOW")
	_ = v.BindEnv("allocator.run_budget", "RUN_BUDGET")
	_ = v.BindEnv("council.timeout_sec", "LLM_COUNCIL_TIMEOUT_SEC")
	_ = v.BindEnv("council.min_agree", "LLM_COUNCIL_MIN_AGREE")
	for _, regime := range []string{"risk_on", "risk_off", "transition", "shock", "unknown"} {
		_ = v.BindEnv("decay.half_life."+regime, "REGIME_HALF_LIFE_"+strings.ToUpper(regime))
	}
	_ = v.BindEnv("providers.gpt.api_key", "OPENAI_API_KEY")
	_ = v.BindEnv("providers.claude.api_key", "ANTHROPIC_API_KEY")
	_ = v.BindEnv("providers.gemini.api_key", "GEMINI_API_KEY")
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	// App defaults
	v.SetDefault("app.name", "SignalPlane")
	v.SetDefault("app.environment", "development")
	v.SetDefault("app.log_level", "info")
	v.SetDefault("app.log_format", "json")

	// Database defaults
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "postgres")
	v.SetDefault("database.database", "signalplane")
	v.SetDefault("database.ssl_mode", "disable")
	v.SetDefault("database.pool_size", 10)

	// Redis defaults
	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.enabled", false)

	// Market data defaults
	v.SetDefault("market.base_url", "http://localhost:8090")
	v.SetDefault("market.days", 120)
	v.SetDefault("market.timeout_sec", 15)
	v.SetDefault("market.cache_ttl_min", 10)
	v.SetDefault("market.symbols", []string{"SPY", "QQQ", "IWM", "TLT"})
	v.SetDefault("market.scan_interval_min", 15)

	// Event log defaults
	v.SetDefault("eventlog.path", "data/events.jsonl")
	v.SetDefault("eventlog.replay_depth", 5000)

	// Drawdown defaults
	v.SetDefault("drawdown.limit", -3.0)

	// Allocator defaults
	v.SetDefault("allocator.exploration", 1.5)
	v.SetDefault("allocator.window", 500)
	v.SetDefault("allocator.run_budget", 30)
	v.SetDefault("allocator.min_signals", 15)
	v.SetDefault("allocator.min_runs", 0)
	v.SetDefault("allocator.max_runs", 100)

	// Decay half-lives, in allocator steps per regime
	v.SetDefault("decay.half_life.risk_on", 120.0)
	v.SetDefault("decay.half_life.risk_off", 40.0)
	v.SetDefault("decay.half_life.transition", 20.0)
	v.SetDefault("decay.half_life.shock", 10.0)
	v.SetDefault("decay.half_life.unknown", 60.0)

	// Council defaults
	v.SetDefault("council.timeout_sec", 20)
	v.SetDefault("council.min_agree", 2)

	// Uncertainty loop defaults
	v.SetDefault("uncertainty.interval_min", 5)

	// Scheduler defaults
	v.SetDefault("scheduler.workers", 8)
	v.SetDefault("scheduler.grace_period_sec", 30)

	// Provider defaults (absent api_key means the provider stays disabled)
	v.SetDefault("providers.gpt.endpoint", "https://api.openai.com/v1/chat/completions")
	v.SetDefault("providers.gpt.model", "gpt-4-turbo")
	v.SetDefault("providers.gpt.max_rpm", 60.0)
	v.SetDefault("providers.claude.endpoint", "https://api.anthropic.com/v1/chat/completions")
	v.SetDefault("providers.claude.model", "claude-sonnet-4-20250514")
	v.SetDefault("providers.claude.max_rpm", 60.0)
	v.SetDefault("providers.gemini.endpoint", "https://generativelanguage.googleapis.com/v1beta/chat/completions")
	v.SetDefault("providers.gemini.model", "gemini-1.5-pro")
	v.SetDefault("providers.gemini.max_rpm", 60.0)

	// Admin surface defaults
	v.SetDefault("admin.host", "0.0.0.0")
	v.SetDefault("admin.port", 8081)

	// Monitoring defaults
	v.SetDefault("monitoring.prometheus_port", 9100)
	v.SetDefault("monitoring.enable_metrics", true)
}

// Validate checks configuration invariants that would otherwise surface as
// runtime misbehavior deep inside the control loops.
func (c *Config) Validate() error {
	if c.Drawdown.Limit >= 0 {
		return fmt.Errorf("drawdown.limit must be negative, got %f", c.Drawdown.Limit)
	}
	if c.Allocator.Exploration < 0 {
		return fmt.Errorf("allocator.exploration must be non-negative, got %f", c.Allocator.Exploration)
	}
	if c.Allocator.Window <= 0 {
		return fmt.Errorf("allocator.window must be positive, got %d", c.Allocator.Window)
	}
	if c.Allocator.RunBudget <= 0 {
		return fmt.Errorf("allocator.run_budget must be positive, got %d", c.Allocator.RunBudget)
	}
	if c.Allocator.MinRuns > c.Allocator.MaxRuns {
		return fmt.Errorf("allocator.min_runs %d exceeds max_runs %d", c.Allocator.MinRuns, c.Allocator.MaxRuns)
	}
	if c.Council.MinAgree < 1 {
		return fmt.Errorf("council.min_agree must be at least 1, got %d", c.Council.MinAgree)
	}
	if c.Council.TimeoutSec <= 0 {
		return fmt.Errorf("council.timeout_sec must be positive, got %d", c.Council.TimeoutSec)
	}
	if c.Scheduler.Workers <= 0 {
		return fmt.Errorf("scheduler.workers must be positive, got %d", c.Scheduler.Workers)
	}
	for name, hl := range c.Decay.HalfLife {
		if hl <= 0 {
			return fmt.Errorf("decay.half_life.%s must be positive, got %f", name, hl)
		}
	}
	return nil
}

// GetDSN returns the PostgreSQL connection string
func (c *DatabaseConfig) GetDSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}

// GetRedisAddr returns the Redis address
func (c *RedisConfig) GetRedisAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// CouncilTimeout returns the per-provider call timeout
func (c *CouncilConfig) CouncilTimeout() time.Duration {
	return time.Duration(c.TimeoutSec) * time.Second
}

// GracePeriod returns the shutdown grace period
func (c *SchedulerConfig) GracePeriod() time.Duration {
	return time.Duration(c.GracePeriodSec) * time.Second
}

// Enabled reports whether a provider is configured for use
func (p *ProviderConfig) Enabled() bool {
	return p.APIKey != ""
}
