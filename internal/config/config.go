// Package config loads a backtest run's configuration: the
// types.BacktestConfig (commission, slippage, risk limits, validation
// settings) via viper, and the strategy tree it points at via its own
// JSON decoder (see strategy_loader.go). The two are loaded
// separately because a BacktestConfig only carries the tree's path,
// not its body -- see pkg/types/config.go's doc comment.
package config

import (
	"fmt"
	"reflect"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"

	"github.com/utss/backtester/pkg/types"
)

// Defaults applied to a BacktestConfig when the config file omits them.
var (
	DefaultCommission = types.CommissionConfig{Model: "flat", Rate: decimal.NewFromFloat(0.001)}
	DefaultLotSize    = 1
	DefaultSlippage   = types.SlippageConfig{
		Model:           "fixed",
		BaseBasisPoints: decimal.NewFromFloat(5),
		MaxSlippage:     decimal.NewFromFloat(0.01),
	}
	DefaultRiskLimits = types.RiskLimits{
		MaxPositionSize:  decimal.NewFromFloat(0.25),
		MaxDrawdown:      decimal.NewFromFloat(0.3),
		MaxDailyLoss:     decimal.NewFromFloat(0.05),
		MaxOpenPositions: 10,
		MaxLeverage:      decimal.NewFromInt(1),
	}
)

// Load reads the run configuration at path (any format viper supports
// by extension: json, yaml, toml) and applies defaults for fields the
// file omits. It does not load the strategy tree the config points at
// -- call LoadStrategyTree(cfg.StrategyPath) separately.
func Load(path string) (*types.BacktestConfig, error) {
	v := viper.New()
	v.SetConfigFile(path)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	var cfg types.BacktestConfig
	decodeHook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		decimalHookFunc(),
		func(from, to reflect.Type, data interface{}) (interface{}, error) {
			if from.Kind() != reflect.String || to != reflect.TypeOf(time.Time{}) {
				return data, nil
			}
			if t, err := time.Parse(time.RFC3339, data.(string)); err == nil {
				return t, nil
			}
			return time.Parse("2006-01-02", data.(string))
		},
	))
	if err := v.Unmarshal(&cfg, decodeHook); err != nil {
		return nil, fmt.Errorf("decode config %s: %w", path, err)
	}

	applyDefaults(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}

	return &cfg, nil
}

func applyDefaults(cfg *types.BacktestConfig) {
	if cfg.Commission.Model == "" {
		cfg.Commission = DefaultCommission
	}
	if cfg.LotSize <= 0 {
		cfg.LotSize = DefaultLotSize
	}
	if cfg.Slippage.Model == "" {
		cfg.Slippage = DefaultSlippage
	}
	if cfg.RiskLimits.MaxPositionSize.IsZero() {
		cfg.RiskLimits.MaxPositionSize = DefaultRiskLimits.MaxPositionSize
	}
	if cfg.RiskLimits.MaxDrawdown.IsZero() {
		cfg.RiskLimits.MaxDrawdown = DefaultRiskLimits.MaxDrawdown
	}
	if cfg.RiskLimits.MaxDailyLoss.IsZero() {
		cfg.RiskLimits.MaxDailyLoss = DefaultRiskLimits.MaxDailyLoss
	}
	if cfg.RiskLimits.MaxOpenPositions <= 0 {
		cfg.RiskLimits.MaxOpenPositions = DefaultRiskLimits.MaxOpenPositions
	}
	if cfg.RiskLimits.MaxLeverage.IsZero() {
		cfg.RiskLimits.MaxLeverage = DefaultRiskLimits.MaxLeverage
	}
	if cfg.Validation.WalkForward.WindowSize <= 0 {
		cfg.Validation.WalkForward.WindowSize = 30
	}
	if cfg.Validation.WalkForward.StepSize <= 0 {
		cfg.Validation.WalkForward.StepSize = 7
	}
	if cfg.Validation.MonteCarlo.Iterations <= 0 {
		cfg.Validation.MonteCarlo.Iterations = 1000
	}
	if cfg.Validation.MonteCarlo.ConfidenceLevel.LessThanOrEqual(decimal.Zero) {
		cfg.Validation.MonteCarlo.ConfidenceLevel = decimal.NewFromFloat(0.95)
	}
}

func validate(cfg *types.BacktestConfig) error {
	if cfg.StrategyPath == "" {
		return fmt.Errorf("strategyPath is required")
	}
	if len(cfg.Symbols) == 0 {
		return fmt.Errorf("symbols must not be empty")
	}
	if cfg.Timeframe == "" {
		return fmt.Errorf("timeframe is required")
	}
	if !cfg.EndDate.After(cfg.StartDate) {
		return fmt.Errorf("endDate (%s) must be after startDate (%s)", cfg.EndDate, cfg.StartDate)
	}
	if cfg.InitialCapital.LessThanOrEqual(decimal.Zero) {
		return fmt.Errorf("initialCapital must be positive")
	}
	return nil
}

// ServerConfig loads an HTTP/WebSocket server configuration, applying
// the same host/port/timeout defaults cmd/server used to hardcode.
func ServerConfig(path string) (*types.ServerConfig, error) {
	v := viper.New()
	v.SetConfigName("server")
	v.SetConfigType("yaml")

	v.SetDefault("host", "localhost")
	v.SetDefault("port", 8080)
	v.SetDefault("webSocketPath", "/ws")
	v.SetDefault("readTimeout", 30*time.Second)
	v.SetDefault("writeTimeout", 30*time.Second)
	v.SetDefault("maxConnections", 100)
	v.SetDefault("enableMetrics", true)
	v.SetDefault("metricsPort", 9090)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read server config %s: %w", path, err)
		}
	}

	var cfg types.ServerConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode server config: %w", err)
	}
	return &cfg, nil
}
