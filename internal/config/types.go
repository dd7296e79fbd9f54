package config

import (
	"errors"
	"fmt"
	"time"

	"go.uber.org/multierr"
)

// Config 聚合了系统运行所需的全部配置项。
type Config struct {
	App        AppConfig        `mapstructure:"app"`
	Market     MarketConfig     `mapstructure:"market"`
	MarketData MarketDataConfig `mapstructure:"market_data"`
	Risk       RiskConfig       `mapstructure:"risk"`
	Executor   ExecutorConfig   `mapstructure:"executor"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Logging    LoggingConfig    `mapstructure:"logging"`
}

// AppConfig 控制应用级参数。AuditPort 为 0 时不启动审计查询接口。
type AppConfig struct {
	Environment string `mapstructure:"environment"`
	AuditPort   int    `mapstructure:"audit_port"`
}

// MarketConfig 描述可交易标的与交易时段。
type MarketConfig struct {
	Symbols       []string `mapstructure:"symbols"`
	Timezone      string   `mapstructure:"timezone"`
	RegularOpen   string   `mapstructure:"regular_open"`
	RegularClose  string   `mapstructure:"regular_close"`
	ExtendedOpen  string   `mapstructure:"extended_open"`
	ExtendedClose string   `mapstructure:"extended_close"`
}

// MarketDataConfig 描述行情源连接与报价缓存参数。
type MarketDataConfig struct {
	Name             string        `mapstructure:"name"`
	APIKey           string        `mapstructure:"api_key"`
	APISecret        string        `mapstructure:"api_secret"`
	UseSandbox       bool          `mapstructure:"use_sandbox"`
	Simulation       bool          `mapstructure:"simulation"`
	QuoteTTL         time.Duration `mapstructure:"quote_ttl"`
	QuoteTimeout     time.Duration `mapstructure:"quote_timeout"`
	VolatilityTTL    time.Duration `mapstructure:"volatility_ttl"`
	VolatilityWindow int           `mapstructure:"volatility_window"`
	Retry            RetryConfig   `mapstructure:"retry"`
}

// RetryConfig 统一控制重试机制。
type RetryConfig struct {
	MaxAttempts int           `mapstructure:"max_attempts"`
	MinDelay    time.Duration `mapstructure:"min_delay"`
	MaxDelay    time.Duration `mapstructure:"max_delay"`
}

// RiskConfig 管理风控参数。
type RiskConfig struct {
	MaxOrderQuantity       int64   `mapstructure:"max_order_quantity"`
	MaxOrderNotional       float64 `mapstructure:"max_order_notional"`
	MaxPriceDeviation      float64 `mapstructure:"max_price_deviation"`
	PDTMinEquity           float64 `mapstructure:"pdt_min_equity"`
	PDTMaxDayTrades        int     `mapstructure:"pdt_max_day_trades"`
	MaxOrdersPerMinute     int     `mapstructure:"max_orders_per_minute"`
	ConcentrationLimit     float64 `mapstructure:"concentration_limit"`
	VolatilityThreshold    float64 `mapstructure:"volatility_threshold"`
	MarginUtilisationLimit float64 `mapstructure:"margin_utilisation_limit"`
	DayTradeResetHour      int     `mapstructure:"day_trade_reset_hour"`
}

// ExecutorConfig 控制批量执行调度。
type ExecutorConfig struct {
	TickInterval  time.Duration `mapstructure:"tick_interval"`
	BatchSize     int           `mapstructure:"batch_size"`
	Workers       int           `mapstructure:"workers"`
	SettleTimeout time.Duration `mapstructure:"settle_timeout"`
}

// DatabaseConfig 管理数据库连接。
type DatabaseConfig struct {
	Path            string        `mapstructure:"path"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	InMemory        bool          `mapstructure:"in_memory"`
}

// LoggingConfig 控制日志输出。
type LoggingConfig struct {
	Level            string   `mapstructure:"level"`
	Encoding         string   `mapstructure:"encoding"`
	Development      bool     `mapstructure:"development"`
	OutputPaths      []string `mapstructure:"output_paths"`
	ErrorOutputPaths []string `mapstructure:"error_output_paths"`
}

// Validate 对配置进行基本校验。
func (c *Config) Validate() error {
	var err error

	if c.App.Environment == "" {
		err = multierr.Append(err, errors.New("app.environment 不能为空"))
	}
	if len(c.Market.Symbols) == 0 {
		err = multierr.Append(err, errors.New("market.symbols 至少包含一个标的"))
	}
	if c.Market.Timezone == "" {
		err = multierr.Append(err, errors.New("market.timezone 不能为空"))
	}
	if c.MarketData.Name == "" {
		err = multierr.Append(err, errors.New("market_data.name 不能为空"))
	}
	if c.MarketData.QuoteTTL <= 0 {
		err = multierr.Append(err, errors.New("market_data.quote_ttl 必须大于0"))
	}
	if c.MarketData.QuoteTimeout <= 0 {
		err = multierr.Append(err, errors.New("market_data.quote_timeout 必须大于0"))
	}
	if c.MarketData.VolatilityWindow <= 1 {
		err = multierr.Append(err, errors.New("market_data.volatility_window 必须大于1"))
	}
	if c.MarketData.Retry.MaxAttempts <= 0 {
		err = multierr.Append(err, errors.New("market_data.retry.max_attempts 必须大于0"))
	}
	if c.MarketData.Retry.MinDelay <= 0 || c.MarketData.Retry.MaxDelay <= 0 {
		err = multierr.Append(err, errors.New("market_data.retry.delay 必须为正"))
	}
	if c.MarketData.Retry.MinDelay > c.MarketData.Retry.MaxDelay {
		err = multierr.Append(err, errors.New("market_data.retry.min_delay 不能大于 max_delay"))
	}
	if c.Risk.MaxOrderQuantity <= 0 {
		err = multierr.Append(err, errors.New("risk.max_order_quantity 必须大于0"))
	}
	if c.Risk.MaxPriceDeviation <= 0 || c.Risk.MaxPriceDeviation > 1 {
		err = multierr.Append(err, errors.New("risk.max_price_deviation 必须位于(0,1]"))
	}
	if c.Risk.PDTMinEquity <= 0 {
		err = multierr.Append(err, errors.New("risk.pdt_min_equity 必须大于0"))
	}
	if c.Risk.PDTMaxDayTrades <= 0 {
		err = multierr.Append(err, errors.New("risk.pdt_max_day_trades 必须大于0"))
	}
	if c.Risk.MaxOrdersPerMinute <= 0 {
		err = multierr.Append(err, errors.New("risk.max_orders_per_minute 必须大于0"))
	}
	if c.Risk.ConcentrationLimit <= 0 || c.Risk.ConcentrationLimit > 1 {
		err = multierr.Append(err, errors.New("risk.concentration_limit 必须位于(0,1]"))
	}
	if c.Risk.DayTradeResetHour < 0 || c.Risk.DayTradeResetHour > 23 {
		err = multierr.Append(err, errors.New("risk.day_trade_reset_hour 必须位于[0,23]"))
	}
	if c.Executor.TickInterval <= 0 {
		err = multierr.Append(err, errors.New("executor.tick_interval 必须大于0"))
	}
	if c.Executor.BatchSize <= 0 {
		err = multierr.Append(err, errors.New("executor.batch_size 必须大于0"))
	}
	if c.Executor.Workers <= 0 {
		err = multierr.Append(err, errors.New("executor.workers 必须大于0"))
	}
	if c.Executor.SettleTimeout <= 0 {
		err = multierr.Append(err, errors.New("executor.settle_timeout 必须大于0"))
	}
	if c.Database.Path == "" && !c.Database.InMemory {
		err = multierr.Append(err, errors.New("database.path 不能为空"))
	}
	if c.Database.MaxOpenConns <= 0 {
		err = multierr.Append(err, errors.New("database.max_open_conns 必须大于0"))
	}
	if c.Database.MaxIdleConns < 0 {
		err = multierr.Append(err, errors.New("database.max_idle_conns 不能为负"))
	}
	if c.Database.ConnMaxLifetime < 0 {
		err = multierr.Append(err, errors.New("database.conn_max_lifetime 不能为负"))
	}
	if c.Logging.Level == "" {
		err = multierr.Append(err, errors.New("logging.level 不能为空"))
	}
	if c.Logging.Encoding == "" {
		err = multierr.Append(err, errors.New("logging.encoding 不能为空"))
	}
	if len(c.Logging.OutputPaths) == 0 {
		err = multierr.Append(err, errors.New("logging.output_paths 至少包含一个输出目标"))
	}
	if len(c.Logging.ErrorOutputPaths) == 0 {
		err = multierr.Append(err, errors.New("logging.error_output_paths 至少包含一个输出目标"))
	}

	if err != nil {
		return fmt.Errorf("配置校验失败: %w", err)
	}

	return nil
}
