package montecarlo

import (
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/utss/backtester/pkg/types"
)

// ConfigFromBacktest maps a run's MonteCarloConfig onto a SimulatorConfig.
// ShuffleReturns controls whether the bootstrap draws with replacement:
// a random reordering of the trades without replacement (false) tests
// path dependence,
// replacement sampling (true) tests how much of the result is luck.
func ConfigFromBacktest(cfg types.MonteCarloConfig) *SimulatorConfig {
	base := DefaultSimulatorConfig()
	if cfg.Iterations > 0 {
		base.NumSimulations = cfg.Iterations
	}
	base.AllowReplacement = cfg.ShuffleReturns
	return base
}

// TradeSequenceFromResult builds a TradeSequence out of a finished
// backtest's closed trades, using each trade's realized return on
// entry capital as the resampling unit.
func TradeSequenceFromResult(result *types.BacktestResult) *TradeSequence {
	seq := &TradeSequence{
		Returns:    make([]float64, 0, len(result.Trades)),
		Timestamps: make([]time.Time, 0, len(result.Trades)),
		Symbols:    make([]string, 0, len(result.Trades)),
	}
	for _, trade := range result.Trades {
		if trade.IsOpen || trade.EntryPrice.IsZero() || trade.Quantity.IsZero() {
			continue
		}
		basis := trade.EntryPrice.Mul(trade.Quantity)
		if basis.IsZero() {
			continue
		}
		ret, _ := trade.PnL.Div(basis).Float64()
		seq.Returns = append(seq.Returns, ret)
		seq.Timestamps = append(seq.Timestamps, trade.ExitDate)
		seq.Symbols = append(seq.Symbols, trade.Symbol)
	}
	return seq
}

// Run is the post-processing entry point: given a finished backtest
// result and its run configuration, it resamples the trade sequence
// NumSimulations times and narrows the result down to the
// types.MonteCarloResult shape a BacktestResult carries. It is never
// called from inside the bar loop -- only after Runner.Run or
// PortfolioRunner.Run returns.
func Run(logger *zap.Logger, result *types.BacktestResult, cfg types.MonteCarloConfig) *types.MonteCarloResult {
	sim := NewSimulator(logger, ConfigFromBacktest(cfg))
	seq := TradeSequenceFromResult(result)
	if len(seq.Returns) == 0 {
		return &types.MonteCarloResult{Iterations: 0}
	}

	sr := sim.RunSimulation(seq, result.InitialCapital)

	distribution := make([]decimal.Decimal, 0, 5)
	for _, p := range []float64{0.05, 0.25, 0.50, 0.75, 0.95} {
		if v, ok := sr.FinalEquity.Percentiles[p]; ok {
			distribution = append(distribution, decimal.NewFromFloat(v))
		}
	}

	return &types.MonteCarloResult{
		Iterations:      sr.NumSimulations,
		MedianReturn:    decimal.NewFromFloat(sr.FinalEquity.Median),
		P5Return:        decimal.NewFromFloat(percentileOrZero(sr.FinalEquity, 0.05)),
		P95Return:       decimal.NewFromFloat(percentileOrZero(sr.FinalEquity, 0.95)),
		ProbabilityRuin: decimal.NewFromFloat(sr.ProbabilityOfRuin),
		MaxDrawdownP95:  decimal.NewFromFloat(percentileOrZero(sr.MaxDrawdown, 0.95)),
		Distribution:    distribution,
	}
}

func percentileOrZero(d *Distribution, key float64) float64 {
	if d == nil {
		return 0
	}
	return d.Percentiles[key]
}
