// Package config defines all configuration for the agent fleet.
// Config is loaded from a YAML file (default: configs/config.yaml) with
// sensitive fields overridable via SHARE_* environment variables.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the top-level configuration. Maps directly to the YAML file
// structure.
type Config struct {
	Database  DatabaseConfig  `mapstructure:"database"`
	Trading   TradingConfig   `mapstructure:"trading"`
	Market    MarketConfig    `mapstructure:"market"`
	LLM       LLMConfig       `mapstructure:"llm"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// DatabaseConfig locates the SQLite file holding all fleet state.
type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

// TradingConfig tunes the order processor.
//
//   - CommissionRate: broker commission as a decimal rate (0.0003 = 3 bp).
//   - CheckTradingTime: reject orders outside continuous trading sessions.
//     Disable for replays and backtests.
type TradingConfig struct {
	CommissionRate   string `mapstructure:"commission_rate"`
	CheckTradingTime bool   `mapstructure:"check_trading_time"`
}

// MarketConfig points at the quote API and the realtime tick stream.
type MarketConfig struct {
	BaseURL  string        `mapstructure:"base_url"`
	APIKey   string        `mapstructure:"api_key"`
	WSURL    string        `mapstructure:"ws_url"`
	CacheTTL time.Duration `mapstructure:"cache_ttl"`
}

// LLMConfig sets cross-provider client defaults. Per-provider endpoint and
// key live in the llm_providers table, not here.
type LLMConfig struct {
	Timeout           time.Duration `mapstructure:"timeout"`
	RequestsPerMinute float64       `mapstructure:"requests_per_minute"`
}

// SchedulerConfig tunes task fan-out.
//
//   - Workers: concurrent agent cycles per task run.
//   - MaxRetries: automatic-run retries per failed agent.
//   - RetryDelay: pause between retries.
//   - AgentDeadline: per-cycle deadline; an expired deadline cancels the
//     in-flight LLM request.
type SchedulerConfig struct {
	Workers       int           `mapstructure:"workers"`
	MaxRetries    int           `mapstructure:"max_retries"`
	RetryDelay    time.Duration `mapstructure:"retry_delay"`
	AgentDeadline time.Duration `mapstructure:"agent_deadline"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads config from a YAML file with env var overrides. Sensitive
// fields use env vars: SHARE_MARKET_API_KEY.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("SHARE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("database.path", "data/share.db")
	v.SetDefault("trading.commission_rate", "0.0003")
	v.SetDefault("trading.check_trading_time", true)
	v.SetDefault("market.cache_ttl", 30*time.Second)
	v.SetDefault("llm.timeout", 60*time.Second)
	v.SetDefault("scheduler.workers", 5)
	v.SetDefault("scheduler.max_retries", 3)
	v.SetDefault("scheduler.retry_delay", 60*time.Second)
	v.SetDefault("scheduler.agent_deadline", 60*time.Second)
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// Override sensitive fields from env
	if key := os.Getenv("SHARE_MARKET_API_KEY"); key != "" {
		cfg.Market.APIKey = key
	}

	return &cfg, nil
}

// Validate checks required fields and value ranges.
func (c *Config) Validate() error {
	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.Scheduler.Workers <= 0 {
		return fmt.Errorf("scheduler.workers must be > 0")
	}
	if c.Scheduler.MaxRetries < 0 {
		return fmt.Errorf("scheduler.max_retries must be >= 0")
	}
	if c.LLM.Timeout <= 0 {
		return fmt.Errorf("llm.timeout must be > 0")
	}
	return nil
}
