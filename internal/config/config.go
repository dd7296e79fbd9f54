package config

import (
	"errors"
	"fmt"
	"strings"

	mapstructure "github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

const (
	defaultConfigPath = "configs/config.yaml"
	envPrefix         = "broker"
)

// Load 读取配置文件并结合环境变量返回 Config。
func Load(path string) (*Config, error) {
	v := viper.New()

	if path == "" {
		path = defaultConfigPath
	}

	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	v.SetEnvPrefix(envPrefix)
	replacer := strings.NewReplacer(".", "_")
	v.SetEnvKeyReplacer(replacer)
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return nil, fmt.Errorf("未找到配置文件 %q: %w", path, err)
		}
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Default 返回内置默认配置，主要供测试使用。
func Default() *Config {
	v := viper.New()
	setDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		panic(fmt.Sprintf("内置默认配置解析失败: %v", err))
	}
	return &cfg
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.environment", "development")
	v.SetDefault("app.audit_port", 8077)

	v.SetDefault("market.symbols", []string{"AAPL", "MSFT", "GOOG", "AMZN", "TSLA"})
	v.SetDefault("market.timezone", "America/New_York")
	v.SetDefault("market.regular_open", "09:30")
	v.SetDefault("market.regular_close", "16:00")
	v.SetDefault("market.extended_open", "04:00")
	v.SetDefault("market.extended_close", "20:00")

	v.SetDefault("market_data.name", "binance")
	v.SetDefault("market_data.use_sandbox", false)
	v.SetDefault("market_data.simulation", false)
	v.SetDefault("market_data.quote_ttl", "3s")
	v.SetDefault("market_data.quote_timeout", "2s")
	v.SetDefault("market_data.volatility_ttl", "5m")
	v.SetDefault("market_data.volatility_window", 24)
	v.SetDefault("market_data.retry.max_attempts", 3)
	v.SetDefault("market_data.retry.min_delay", "200ms")
	v.SetDefault("market_data.retry.max_delay", "2s")

	v.SetDefault("risk.max_order_quantity", 10000)
	v.SetDefault("risk.max_order_notional", 1000000)
	v.SetDefault("risk.max_price_deviation", 0.10)
	v.SetDefault("risk.pdt_min_equity", 25000)
	v.SetDefault("risk.pdt_max_day_trades", 3)
	v.SetDefault("risk.max_orders_per_minute", 30)
	v.SetDefault("risk.concentration_limit", 0.25)
	v.SetDefault("risk.volatility_threshold", 0.05)
	v.SetDefault("risk.margin_utilisation_limit", 0.50)
	v.SetDefault("risk.day_trade_reset_hour", 0)

	v.SetDefault("executor.tick_interval", "100ms")
	v.SetDefault("executor.batch_size", 50)
	v.SetDefault("executor.workers", 8)
	v.SetDefault("executor.settle_timeout", "5s")

	v.SetDefault("database.path", "data/broker_core.db")
	v.SetDefault("database.max_open_conns", 4)
	v.SetDefault("database.max_idle_conns", 4)
	v.SetDefault("database.conn_max_lifetime", "1h")
	v.SetDefault("database.in_memory", false)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.encoding", "console")
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.output_paths", []string{"stdout"})
	v.SetDefault("logging.error_output_paths", []string{"stderr"})
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}
