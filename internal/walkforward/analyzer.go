// Package walkforward chops a backtest's date range into a sequence
// of in-sample/out-of-sample window pairs and re-runs the engine on
// each, so a strategy's performance can be judged on data it never
// saw. Unlike internal/optimization's own walk-forward mode, this
// package never searches parameters -- it always re-runs the same
// strategy tree, window by window.
package walkforward

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/utss/backtester/internal/backtester"
	"github.com/utss/backtester/internal/data"
	"github.com/utss/backtester/internal/execution"
	"github.com/utss/backtester/internal/indicators"
	"github.com/utss/backtester/internal/metrics"
	"github.com/utss/backtester/internal/strategy"
	"github.com/utss/backtester/pkg/types"
)

const (
	defaultWindowDays = 30
	defaultStepDays   = 7
	inSampleRatio     = 0.8
)

// Analyzer re-runs a strategy tree per walk-forward window against
// bars pulled from source.
type Analyzer struct {
	logger   *zap.Logger
	source   data.BarSource
	reg      *indicators.Registry
	executor *execution.Executor
}

// NewAnalyzer builds an Analyzer. executor is shared read-only across
// every window's Runner, same as a single backtest run.
func NewAnalyzer(logger *zap.Logger, source data.BarSource, reg *indicators.Registry, executor *execution.Executor) *Analyzer {
	return &Analyzer{logger: logger, source: source, reg: reg, executor: executor}
}

// window is one in-sample/out-of-sample date-range pair.
type window struct {
	inStart, inEnd   time.Time
	outStart, outEnd time.Time
}

// Run performs walk-forward analysis on tree over [start, end] for
// symbol at timeframe, starting each window's in-sample and
// out-of-sample backtests from initialCapital independently.
func (a *Analyzer) Run(ctx context.Context, tree *strategy.Tree, symbol string, timeframe types.Timeframe, start, end time.Time, initialCapital decimal.Decimal, cfg types.WalkForwardConfig) (*types.WalkForwardResult, error) {
	windowDays := cfg.WindowSize
	if windowDays <= 0 {
		windowDays = defaultWindowDays
	}
	stepDays := cfg.StepSize
	if stepDays <= 0 {
		stepDays = defaultStepDays
	}

	windows := generateWindows(start, end, windowDays, stepDays)
	if len(windows) == 0 {
		return nil, fmt.Errorf("no walk-forward windows fit in range [%s, %s] with windowSize=%d days", start, end, windowDays)
	}
	if cfg.MinSamples > 0 && len(windows) < cfg.MinSamples {
		return nil, fmt.Errorf("only %d walk-forward windows generated, want at least %d", len(windows), cfg.MinSamples)
	}

	a.logger.Info("starting walk-forward analysis",
		zap.Int("windowCount", len(windows)),
		zap.Int("windowSizeDays", windowDays),
		zap.Int("stepDays", stepDays),
	)

	results := make([]types.WalkForwardWindow, 0, len(windows))
	var allTrades []*types.Trade
	var allEquityCurve []types.EquityPoint

	for i, w := range windows {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		inResult, err := a.runWindow(ctx, tree, symbol, timeframe, w.inStart, w.inEnd, initialCapital)
		if err != nil {
			a.logger.Warn("in-sample window failed", zap.Int("window", i), zap.Error(err))
			continue
		}
		outResult, err := a.runWindow(ctx, tree, symbol, timeframe, w.outStart, w.outEnd, initialCapital)
		if err != nil {
			a.logger.Warn("out-of-sample window failed", zap.Int("window", i), zap.Error(err))
			continue
		}

		inMetrics := metrics.Calculate(inResult.Trades, inResult.EquityCurve, initialCapital)
		outMetrics := metrics.Calculate(outResult.Trades, outResult.EquityCurve, initialCapital)

		results = append(results, types.WalkForwardWindow{
			InSampleStart:    w.inStart,
			InSampleEnd:      w.inEnd,
			OutSampleStart:   w.outStart,
			OutSampleEnd:     w.outEnd,
			InSampleMetrics:  inMetrics,
			OutSampleMetrics: outMetrics,
		})

		allTrades = append(allTrades, outResult.Trades...)
		allEquityCurve = append(allEquityCurve, outResult.EquityCurve...)
	}

	overall := metrics.Calculate(allTrades, allEquityCurve, initialCapital)
	robustness := calculateRobustness(results)

	a.logger.Info("walk-forward analysis complete",
		zap.String("overallReturn", overall.TotalReturn.String()),
		zap.String("robustness", robustness.String()),
		zap.Int("totalTrades", len(allTrades)),
	)

	return &types.WalkForwardResult{
		Windows:        results,
		OverallMetrics: overall,
		Robustness:     robustness,
	}, nil
}

func (a *Analyzer) runWindow(ctx context.Context, tree *strategy.Tree, symbol string, timeframe types.Timeframe, start, end time.Time, initialCapital decimal.Decimal) (*types.BacktestResult, error) {
	bars, err := a.source.LoadBars(ctx, symbol, timeframe, start, end)
	if err != nil {
		return nil, fmt.Errorf("load bars: %w", err)
	}
	runner := backtester.NewRunner(a.logger, tree, a.reg, a.executor)
	return runner.Run(symbol, bars, initialCapital)
}

// generateWindows splits [start, end] into overlapping windowDays-wide
// slices advancing by stepDays, each split 80/20 into in-sample and
// out-of-sample.
func generateWindows(start, end time.Time, windowDays, stepDays int) []window {
	windowDuration := time.Duration(windowDays) * 24 * time.Hour
	stepDuration := time.Duration(stepDays) * 24 * time.Hour
	inDuration := time.Duration(float64(windowDuration) * inSampleRatio)

	var windows []window
	for cur := start; !cur.Add(windowDuration).After(end); cur = cur.Add(stepDuration) {
		windows = append(windows, window{
			inStart:  cur,
			inEnd:    cur.Add(inDuration),
			outStart: cur.Add(inDuration),
			outEnd:   cur.Add(windowDuration),
		})
	}
	return windows
}

// calculateRobustness is the walk-forward efficiency ratio:
// sum(out-of-sample return) / sum(in-sample return), clamped to
// [0, 2]. Values above 0.5 are generally read as acceptable
// robustness; this package only computes the ratio, not the verdict.
func calculateRobustness(windows []types.WalkForwardWindow) decimal.Decimal {
	var inReturns, outReturns decimal.Decimal
	valid := 0
	for _, w := range windows {
		if w.InSampleMetrics != nil && w.OutSampleMetrics != nil {
			inReturns = inReturns.Add(w.InSampleMetrics.TotalReturn)
			outReturns = outReturns.Add(w.OutSampleMetrics.TotalReturn)
			valid++
		}
	}
	if valid == 0 || inReturns.IsZero() {
		return decimal.Zero
	}

	robustness := outReturns.Div(inReturns)
	if robustness.LessThan(decimal.Zero) {
		return decimal.Zero
	}
	if robustness.GreaterThan(decimal.NewFromFloat(2)) {
		return decimal.NewFromFloat(2)
	}
	return robustness
}
