// Package types provides shared domain types for the backtesting engine.
package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// Direction is the side of a trade or position.
type Direction string

const (
	DirectionBuy   Direction = "buy"
	DirectionSell  Direction = "sell"
	DirectionShort Direction = "short"
	DirectionCover Direction = "cover"
	DirectionClose Direction = "close"
	DirectionLong  Direction = "long"
)

// PositionSide is long or short.
type PositionSide string

const (
	PositionLong  PositionSide = "long"
	PositionShort PositionSide = "short"
)

// Timeframe is the bar interval.
type Timeframe string

const (
	Timeframe1m  Timeframe = "1m"
	Timeframe5m  Timeframe = "5m"
	Timeframe15m Timeframe = "15m"
	Timeframe1h  Timeframe = "1h"
	Timeframe4h  Timeframe = "4h"
	Timeframe1d  Timeframe = "1d"
)

// Bar is a single OHLCV record. Bars for a symbol form an ordered
// sequence indexed by strictly-increasing Timestamp.
type Bar struct {
	Timestamp time.Time       `json:"timestamp"`
	Open      decimal.Decimal `json:"open"`
	High      decimal.Decimal `json:"high"`
	Low       decimal.Decimal `json:"low"`
	Close     decimal.Decimal `json:"close"`
	Volume    decimal.Decimal `json:"volume"`
}

// Position is an open position in one symbol. Invariant: Quantity > 0;
// Side is fixed from open to close; at most one open position per
// symbol at any time (enforced by the bookkeeper, not this type).
type Position struct {
	Symbol        string          `json:"symbol"`
	Side          PositionSide    `json:"side"`
	Quantity      decimal.Decimal `json:"quantity"`
	AvgPrice      decimal.Decimal `json:"avgPrice"`
	CurrentPrice  decimal.Decimal `json:"currentPrice"`
	UnrealizedPnL decimal.Decimal `json:"unrealizedPnl"`
	StopLoss      decimal.Decimal `json:"stopLoss,omitempty"`
	TakeProfit    decimal.Decimal `json:"takeProfit,omitempty"`
	TrailingStop  decimal.Decimal `json:"trailingStop,omitempty"`
	TrailingPeak  decimal.Decimal `json:"trailingPeak,omitempty"`
	EntryDate     time.Time       `json:"entryDate"`
	DaysHeld      int             `json:"daysHeld"`
}

// Trade is the full lifecycle record of one position: created on open,
// mutated once on close. Invariant: if IsOpen, exit fields are zero;
// once closed, PnL is set and ExitDate >= EntryDate.
type Trade struct {
	ID          string          `json:"id"`
	Symbol      string          `json:"symbol"`
	Side        PositionSide    `json:"side"`
	EntryDate   time.Time       `json:"entryDate"`
	EntryPrice  decimal.Decimal `json:"entryPrice"`
	Quantity    decimal.Decimal `json:"quantity"`
	ExitDate    time.Time       `json:"exitDate,omitempty"`
	ExitPrice   decimal.Decimal `json:"exitPrice,omitempty"`
	Commission  decimal.Decimal `json:"commission"`
	Slippage    decimal.Decimal `json:"slippage"`
	PnL         decimal.Decimal `json:"pnl,omitempty"`
	IsOpen      bool            `json:"isOpen"`
	EntryReason string          `json:"entryReason"`
	ExitReason  string          `json:"exitReason,omitempty"`
}

// OrderRequest is a request to the executor.
type OrderRequest struct {
	Symbol    string          `json:"symbol"`
	Direction Direction       `json:"direction"`
	Quantity  decimal.Decimal `json:"quantity"`
	Price     decimal.Decimal `json:"price"`
	OrderType string          `json:"orderType"` // always "market" in this core
}

// Fill is the executor's acknowledgment of a placed order. Quantity
// may be less than the request's after lot rounding. A nil *Fill means
// the order was rejected (rounds to zero lots).
type Fill struct {
	Symbol     string          `json:"symbol"`
	Direction  Direction       `json:"direction"`
	Quantity   decimal.Decimal `json:"quantity"`
	FillPrice  decimal.Decimal `json:"fillPrice"`
	Commission decimal.Decimal `json:"commission"`
	Slippage   decimal.Decimal `json:"slippage"`
}

// Snapshot is a per-bar photograph of portfolio state.
type Snapshot struct {
	Date           time.Time       `json:"date"`
	Cash           decimal.Decimal `json:"cash"`
	PositionsValue decimal.Decimal `json:"positionsValue"`
	Equity         decimal.Decimal `json:"equity"`
	Drawdown       decimal.Decimal `json:"drawdown"`
	DrawdownPct    decimal.Decimal `json:"drawdownPct"`
}

// PerformanceMetrics mirrors the metrics calculator's output.
type PerformanceMetrics struct {
	TotalReturn      decimal.Decimal `json:"totalReturn"`
	AnnualizedReturn decimal.Decimal `json:"annualizedReturn"`
	SharpeRatio      decimal.Decimal `json:"sharpeRatio"`
	SortinoRatio     decimal.Decimal `json:"sortinoRatio"`
	CalmarRatio      decimal.Decimal `json:"calmarRatio"`
	MaxDrawdown      decimal.Decimal `json:"maxDrawdown"`
	MaxDrawdownDate  time.Time       `json:"maxDrawdownDate"`
	WinRate          decimal.Decimal `json:"winRate"`
	ProfitFactor     decimal.Decimal `json:"profitFactor"`
	TotalTrades      int             `json:"totalTrades"`
	WinningTrades    int             `json:"winningTrades"`
	LosingTrades     int             `json:"losingTrades"`
	AvgWin           decimal.Decimal `json:"avgWin"`
	AvgLoss          decimal.Decimal `json:"avgLoss"`
	LargestWin       decimal.Decimal `json:"largestWin"`
	LargestLoss      decimal.Decimal `json:"largestLoss"`
	Expectancy       decimal.Decimal `json:"expectancy"`
}

// RiskMetrics mirrors the risk-metrics calculator's output.
type RiskMetrics struct {
	VaR95            decimal.Decimal `json:"var95"`
	VaR99            decimal.Decimal `json:"var99"`
	CVaR95           decimal.Decimal `json:"cvar95"`
	DailyVolatility  decimal.Decimal `json:"dailyVolatility"`
	AnnualVolatility decimal.Decimal `json:"annualVolatility"`
}

// EquityPoint is one date->equity sample.
type EquityPoint struct {
	Date   time.Time       `json:"date"`
	Equity decimal.Decimal `json:"equity"`
}

// BacktestResult is the single-symbol result.
type BacktestResult struct {
	StrategyID     string              `json:"strategyId"`
	RunID          string              `json:"runId"`
	Symbol         string              `json:"symbol"`
	StartDate      time.Time           `json:"startDate"`
	EndDate        time.Time           `json:"endDate"`
	InitialCapital decimal.Decimal     `json:"initialCapital"`
	FinalEquity    decimal.Decimal     `json:"finalEquity"`
	Trades         []*Trade            `json:"trades"`
	Snapshots      []*Snapshot         `json:"snapshots"`
	EquityCurve    []EquityPoint       `json:"equityCurve"`
	Parameters     map[string]float64  `json:"parameters"`
	Metrics        *PerformanceMetrics `json:"metrics,omitempty"`
	RiskMetrics    *RiskMetrics        `json:"riskMetrics,omitempty"`
	MonteCarlo     *MonteCarloResult   `json:"monteCarlo,omitempty"`
	WalkForward    *WalkForwardResult  `json:"walkForward,omitempty"`
}

// PortfolioResult is the multi-symbol result.
type PortfolioResult struct {
	RunID            string                         `json:"runId"`
	Symbols          []string                       `json:"symbols"`
	StartDate        time.Time                      `json:"startDate"`
	EndDate          time.Time                      `json:"endDate"`
	InitialCapital   decimal.Decimal                `json:"initialCapital"`
	FinalEquity      decimal.Decimal                `json:"finalEquity"`
	Trades           []*Trade                       `json:"trades"`
	Snapshots        []*Snapshot                    `json:"snapshots"`
	EquityCurve      []EquityPoint                  `json:"equityCurve"`
	PerSymbolResults map[string]*BacktestResult     `json:"perSymbolResults"`
	PortfolioWeights map[string]map[string]float64  `json:"portfolioWeights"` // date (RFC3339) -> symbol -> weight
	RebalanceCount   int                            `json:"rebalanceCount"`
	AverageTurnover  decimal.Decimal                `json:"averageTurnover"`
	WeightScheme     string                         `json:"weightScheme"`
	RebalanceFreq    string                         `json:"rebalanceFrequency"`
	Metrics          *PerformanceMetrics            `json:"metrics,omitempty"`
	RiskMetrics      *RiskMetrics                   `json:"riskMetrics,omitempty"`
	MonteCarlo       *MonteCarloResult              `json:"monteCarlo,omitempty"`
}

// MonteCarloResult is the Monte Carlo post-processor's output.
type MonteCarloResult struct {
	Iterations      int               `json:"iterations"`
	MedianReturn    decimal.Decimal   `json:"medianReturn"`
	P5Return        decimal.Decimal   `json:"p5Return"`
	P95Return       decimal.Decimal   `json:"p95Return"`
	ProbabilityRuin decimal.Decimal   `json:"probabilityRuin"`
	MaxDrawdownP95  decimal.Decimal   `json:"maxDrawdownP95"`
	Distribution    []decimal.Decimal `json:"distribution"`
}

// WalkForwardResult is the walk-forward analyzer's output.
type WalkForwardResult struct {
	Windows        []WalkForwardWindow `json:"windows"`
	OverallMetrics *PerformanceMetrics `json:"overallMetrics"`
	Robustness     decimal.Decimal     `json:"robustness"`
}

// WalkForwardWindow is one in-sample/out-sample pair.
type WalkForwardWindow struct {
	InSampleStart    time.Time           `json:"inSampleStart"`
	InSampleEnd      time.Time           `json:"inSampleEnd"`
	OutSampleStart   time.Time           `json:"outSampleStart"`
	OutSampleEnd     time.Time           `json:"outSampleEnd"`
	InSampleMetrics  *PerformanceMetrics `json:"inSampleMetrics"`
	OutSampleMetrics *PerformanceMetrics `json:"outSampleMetrics"`
}

// BacktestProgress is published while a run is in flight.
type BacktestProgress struct {
	RunID          string          `json:"runId"`
	Status         string          `json:"status"` // "running", "completed", "failed", "cancelled"
	Progress       float64         `json:"progress"`
	BarsProcessed  int             `json:"barsProcessed"`
	TotalBars      int             `json:"totalBars"`
	CurrentDate    time.Time       `json:"currentDate"`
	TradesExecuted int             `json:"tradesExecuted"`
	CurrentEquity  decimal.Decimal `json:"currentEquity"`
	Error          string          `json:"error,omitempty"`
}
