package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all application configuration. It is loaded once at startup
// and treated as frozen for the lifetime of the process; the engine takes a
// value copy at each cycle start.
type Config struct {
	App      AppConfig      `mapstructure:"app"`
	Trading  TradingConfig  `mapstructure:"trading"`
	Risk     RiskConfig     `mapstructure:"risk"`
	Advisor  AdvisorConfig  `mapstructure:"advisor"`
	Exchange ExchangeConfig `mapstructure:"exchange"`
	Market   MarketConfig   `mapstructure:"market"`
	Database DatabaseConfig `mapstructure:"database"`
	Redis    RedisConfig    `mapstructure:"redis"`
	NATS     NATSConfig     `mapstructure:"nats"`
	Alerts   AlertsConfig   `mapstructure:"alerts"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
}

// AppConfig contains application-level settings
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"` // development, staging, production
	LogLevel    string `mapstructure:"log_level"`
	LogFormat   string `mapstructure:"log_format"` // "json" or "console"
}

// TradingConfig contains scheduler and execution settings
type TradingConfig struct {
	Symbols              []string `mapstructure:"symbols"`
	CycleIntervalSeconds int      `mapstructure:"cycle_interval_seconds"` // default 180
	CycleDeadlineMS      int      `mapstructure:"cycle_deadline_ms"`      // default 2000
	OrderFillTimeoutSec  int      `mapstructure:"order_fill_timeout_sec"` // default 5
	MaxSymbolConcurrency int      `mapstructure:"max_symbol_concurrency"` // 0 = len(symbols)
	PaperTrading         bool     `mapstructure:"paper_trading"`
	InitialCapital       float64  `mapstructure:"initial_capital"` // paper mode starting balance
}

// RiskConfig contains risk management settings
type RiskConfig struct {
	MaxPositions             int     `mapstructure:"max_positions"`              // default 6
	MaxExposurePct           float64 `mapstructure:"max_exposure_pct"`           // default 0.80
	ExposureWarnPct          float64 `mapstructure:"exposure_warn_pct"`          // default 0.70
	MaxRiskUSD               float64 `mapstructure:"max_risk_usd"`               // default 5000
	MinLeverage              int     `mapstructure:"min_leverage"`               // default 5
	MaxLeverage              int     `mapstructure:"max_leverage"`               // default 40
	DailyLossLimitPct        float64 `mapstructure:"daily_loss_limit_pct"`       // default 0.05
	EmergencyLiquidationPct  float64 `mapstructure:"emergency_liquidation_pct"`  // default 0.15
	EntryConfidence          float64 `mapstructure:"entry_confidence"`           // default 0.60
	ExitConfidence           float64 `mapstructure:"exit_confidence"`            // default 0.50
	VolatilityConfidenceBump float64 `mapstructure:"volatility_confidence_bump"` // default 0.10
	MaxMarginUtilization     float64 `mapstructure:"max_margin_utilization"`     // default 0.90
}

// AdvisorModel describes one model in the failover chain, highest priority first
type AdvisorModel struct {
	Name                   string  `mapstructure:"name"`
	Endpoint               string  `mapstructure:"endpoint"`
	PromptPricePerMTok     float64 `mapstructure:"prompt_price_per_mtok"`
	CompletionPricePerMTok float64 `mapstructure:"completion_price_per_mtok"`
}

// AdvisorConfig contains LLM advisor settings
type AdvisorConfig struct {
	Models          []AdvisorModel `mapstructure:"models"`
	Temperature     float64        `mapstructure:"temperature"`       // default 0.2, must be <= 0.3
	TimeoutMS       int            `mapstructure:"timeout_ms"`        // default 5000
	MaxRetries      int            `mapstructure:"max_retries"`       // default 2
	MaxPromptTokens int            `mapstructure:"max_prompt_tokens"` // default 8000
	DailyBudgetUSD  float64        `mapstructure:"daily_budget_usd"`  // default 3.33
	PromptVersion   string         `mapstructure:"prompt_version"`
}

// ExchangeConfig contains exchange gateway settings
type ExchangeConfig struct {
	Name              string  `mapstructure:"name"` // "binance"
	Testnet           bool    `mapstructure:"testnet"`
	RateLimitFraction float64 `mapstructure:"rate_limit_fraction"`  // default 0.80 of published limit
	RequestsPerMinute int     `mapstructure:"requests_per_minute"`  // published REST weight budget
	MaxParallelREST   int     `mapstructure:"max_parallel_rest"`    // default 3
	WSStalenessMaxSec int     `mapstructure:"ws_staleness_max_sec"` // default 30
}

// MarketConfig contains market data settings
type MarketConfig struct {
	Timeframe           string `mapstructure:"timeframe"`             // default "3m"
	WarmupCandles       int    `mapstructure:"warmup_candles"`        // default 200
	GapPauseSeconds     int    `mapstructure:"gap_pause_seconds"`     // default 180
	GapAlertSeconds     int    `mapstructure:"gap_alert_seconds"`     // default 600
	CacheTTLSeconds     int    `mapstructure:"cache_ttl_seconds"`     // default 180, capped at 300
	FundingStalenessMin int    `mapstructure:"funding_staleness_min"` // default 15
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

// RedisConfig contains Redis hot-cache settings
type RedisConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// NATSConfig contains event bus settings. The core runs fine with NATS
// disabled; events are simply not published.
type NATSConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	URL     string `mapstructure:"url"`
}

// AlertsConfig contains alert emitter settings
type AlertsConfig struct {
	TelegramEnabled bool    `mapstructure:"telegram_enabled"`
	TelegramChatIDs []int64 `mapstructure:"telegram_chat_ids"`
}

// MetricsConfig contains Prometheus settings
type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
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
	v.SetEnvPrefix("PERPCORE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// Config file not found; defaults and environment variables apply.
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

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	// App defaults
	v.SetDefault("app.name", "perpcore")
	v.SetDefault("app.environment", "development")
	v.SetDefault("app.log_level", "info")
	v.SetDefault("app.log_format", "json")

	// Trading defaults
	v.SetDefault("trading.symbols", []string{
		"BTCUSDT", "ETHUSDT", "SOLUSDT", "BNBUSDT", "XRPUSDT", "DOGEUSDT",
	})
	v.SetDefault("trading.cycle_interval_seconds", 180)
	v.SetDefault("trading.cycle_deadline_ms", 2000)
	v.SetDefault("trading.order_fill_timeout_sec", 5)
	v.SetDefault("trading.max_symbol_concurrency", 0)
	v.SetDefault("trading.paper_trading", true)
	v.SetDefault("trading.initial_capital", 10000.0)

	// Risk defaults
	v.SetDefault("risk.max_positions", 6)
	v.SetDefault("risk.max_exposure_pct", 0.80)
	v.SetDefault("risk.exposure_warn_pct", 0.70)
	v.SetDefault("risk.max_risk_usd", 5000.0)
	v.SetDefault("risk.min_leverage", 5)
	v.SetDefault("risk.max_leverage", 40)
	v.SetDefault("risk.daily_loss_limit_pct", 0.05)
	v.SetDefault("risk.emergency_liquidation_pct", 0.15)
	v.SetDefault("risk.entry_confidence", 0.60)
	v.SetDefault("risk.exit_confidence", 0.50)
	v.SetDefault("risk.volatility_confidence_bump", 0.10)
	v.SetDefault("risk.max_margin_utilization", 0.90)

	// Advisor defaults
	v.SetDefault("advisor.temperature", 0.2)
	v.SetDefault("advisor.timeout_ms", 5000)
	v.SetDefault("advisor.max_retries", 2)
	v.SetDefault("advisor.max_prompt_tokens", 8000)
	v.SetDefault("advisor.daily_budget_usd", 3.33)
	v.SetDefault("advisor.prompt_version", "v1")

	// Exchange defaults
	v.SetDefault("exchange.name", "binance")
	v.SetDefault("exchange.testnet", true)
	v.SetDefault("exchange.rate_limit_fraction", 0.80)
	v.SetDefault("exchange.requests_per_minute", 2400)
	v.SetDefault("exchange.max_parallel_rest", 3)
	v.SetDefault("exchange.ws_staleness_max_sec", 30)

	// Market data defaults
	v.SetDefault("market.timeframe", "3m")
	v.SetDefault("market.warmup_candles", 200)
	v.SetDefault("market.gap_pause_seconds", 180)
	v.SetDefault("market.gap_alert_seconds", 600)
	v.SetDefault("market.cache_ttl_seconds", 180)
	v.SetDefault("market.funding_staleness_min", 15)

	// Database defaults
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "postgres")
	v.SetDefault("database.database", "perpcore")
	v.SetDefault("database.ssl_mode", "disable")
	v.SetDefault("database.pool_size", 10)

	// Redis defaults
	v.SetDefault("redis.enabled", true)
	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.db", 0)

	// NATS defaults
	v.SetDefault("nats.enabled", false)
	v.SetDefault("nats.url", "nats://localhost:4222")

	// Alert defaults
	v.SetDefault("alerts.telegram_enabled", false)

	// Metrics defaults
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.port", 9100)
}

// CycleInterval returns the scheduler cadence as a Duration
func (c *TradingConfig) CycleInterval() time.Duration {
	return time.Duration(c.CycleIntervalSeconds) * time.Second
}

// CycleDeadline returns the per-cycle hard budget as a Duration
func (c *TradingConfig) CycleDeadline() time.Duration {
	return time.Duration(c.CycleDeadlineMS) * time.Millisecond
}

// OrderFillTimeout returns the fill wait as a Duration
func (c *TradingConfig) OrderFillTimeout() time.Duration {
	return time.Duration(c.OrderFillTimeoutSec) * time.Second
}

// SymbolConcurrency returns the bounded fan-out width for per-symbol work
func (c *TradingConfig) SymbolConcurrency() int {
	if c.MaxSymbolConcurrency > 0 {
		return c.MaxSymbolConcurrency
	}
	return len(c.Symbols)
}

// WSStalenessMax returns the websocket staleness cutoff as a Duration
func (c *ExchangeConfig) WSStalenessMax() time.Duration {
	return time.Duration(c.WSStalenessMaxSec) * time.Second
}

// Timeout returns the advisor request timeout as a Duration
func (c *AdvisorConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutMS) * time.Millisecond
}

// CacheTTL returns the hot-cache TTL, capped at five minutes
func (c *MarketConfig) CacheTTL() time.Duration {
	ttl := time.Duration(c.CacheTTLSeconds) * time.Second
	if ttl > 5*time.Minute {
		ttl = 5 * time.Minute
	}
	return ttl
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
