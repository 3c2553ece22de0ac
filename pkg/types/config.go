// Package types provides configuration types for the backtesting engine.
package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// BacktestConfig is the run configuration for a single backtest
// invocation. The strategy tree itself is loaded separately (see
// internal/config) since it is identified by path, not embedded here.
type BacktestConfig struct {
	ID             string          `json:"id"`
	StrategyPath   string          `json:"strategyPath"`
	Symbols        []string        `json:"symbols"`
	StartDate      time.Time       `json:"startDate"`
	EndDate        time.Time       `json:"endDate"`
	Timeframe      Timeframe       `json:"timeframe"`
	InitialCapital decimal.Decimal  `json:"initialCapital"`
	Commission     CommissionConfig `json:"commission"`
	LotSize        int              `json:"lotSize"`
	Fractional     bool            `json:"fractional"`
	Slippage       SlippageConfig  `json:"slippage"`
	RiskLimits     RiskLimits      `json:"riskLimits"`
	Validation     ValidationConfig `json:"validation"`

	// WeightScheme and Rebalance are only consulted when len(Symbols) > 1;
	// a single-symbol run ignores them.
	WeightScheme string           `json:"weightScheme,omitempty"` // "equal", "inverse_vol", "risk_parity", "target"
	Targets      map[string]decimal.Decimal `json:"targets,omitempty"` // weights for WeightScheme "target"
	Rebalance    RebalanceConfig  `json:"rebalance,omitempty"`
}

// RebalanceConfig configures the portfolio runner's rebalance trigger.
type RebalanceConfig struct {
	Frequency      string          `json:"frequency,omitempty"` // "never", "weekly", "monthly", "on_drift"
	DriftThreshold decimal.Decimal `json:"driftThreshold,omitempty"`
}

// SlippageConfig selects and parameterizes the executor's slippage model.
type SlippageConfig struct {
	Model           string          `json:"model"` // "fixed", "volume_weighted", "none"
	BaseBasisPoints decimal.Decimal `json:"baseBasisPoints,omitempty"`
	ImpactFactor    decimal.Decimal `json:"impactFactor,omitempty"`
	MaxSlippage     decimal.Decimal `json:"maxSlippage,omitempty"`
}

// CommissionConfig selects and parameterizes the executor's commission schedule.
type CommissionConfig struct {
	Model string                   `json:"model"` // "flat", "tiered"
	Rate  decimal.Decimal          `json:"rate,omitempty"`
	Tiers []CommissionTierConfig   `json:"tiers,omitempty"`
}

// CommissionTierConfig is one rung of a tiered commission schedule.
type CommissionTierConfig struct {
	UpTo decimal.Decimal `json:"upTo"`
	Fee  decimal.Decimal `json:"fee"`
}

// RiskLimits bounds what a backtest run's portfolio may do,
// independent of the strategy tree's own Constraints.
type RiskLimits struct {
	MaxPositionSize  decimal.Decimal `json:"maxPositionSize"`
	MaxDrawdown      decimal.Decimal `json:"maxDrawdown"`
	MaxDailyLoss     decimal.Decimal `json:"maxDailyLoss"`
	MaxOpenPositions int             `json:"maxOpenPositions"`
	MaxLeverage      decimal.Decimal `json:"maxLeverage"`
}

// ValidationConfig toggles the optional post-processors a backtest
// run may chain after the core bar loop completes.
type ValidationConfig struct {
	WalkForward WalkForwardConfig `json:"walkForward,omitempty"`
	MonteCarlo  MonteCarloConfig  `json:"monteCarlo,omitempty"`
}

// WalkForwardConfig configures the walk-forward analyzer.
type WalkForwardConfig struct {
	Enabled    bool `json:"enabled"`
	WindowSize int  `json:"windowSize"` // days
	StepSize   int  `json:"stepSize"`   // days
	MinSamples int  `json:"minSamples"`
}

// MonteCarloConfig configures the Monte Carlo simulator.
type MonteCarloConfig struct {
	Enabled         bool            `json:"enabled"`
	Iterations      int             `json:"iterations"`
	ConfidenceLevel decimal.Decimal `json:"confidenceLevel"`
	ShuffleReturns  bool            `json:"shuffleReturns"`
}

// KillSwitchConfig holds kill-switch thresholds (drawdown, daily loss,
// consecutive losses, cooldown). No runner in this module reads it, so
// setting it does not halt trading.
type KillSwitchConfig struct {
	MaxDrawdownPct     decimal.Decimal `json:"maxDrawdownPct"`
	MaxDailyLossPct    decimal.Decimal `json:"maxDailyLossPct"`
	MaxConsecutiveLoss int             `json:"maxConsecutiveLoss"`
	CooldownPeriod     time.Duration   `json:"cooldownPeriod"`
}

// ServerConfig configures the results-serving HTTP+WebSocket API.
type ServerConfig struct {
	Host           string        `json:"host"`
	Port           int           `json:"port"`
	WebSocketPath  string        `json:"websocketPath"`
	ReadTimeout    time.Duration `json:"readTimeout"`
	WriteTimeout   time.Duration `json:"writeTimeout"`
	MaxConnections int           `json:"maxConnections"`
	EnableMetrics  bool          `json:"enableMetrics"`
	MetricsPort    int           `json:"metricsPort"`
}

// DataConfig holds bar-data store settings. data.NewStore does not take
// it; the store is configured by its constructor arguments alone.
type DataConfig struct {
	DataDir         string `json:"dataDir"`
	CacheSize       int    `json:"cacheSize"` // MB
	UseMemoryMap    bool   `json:"useMemoryMap"`
	CompressionType string `json:"compressionType"` // "none", "gzip", "lz4"
}
