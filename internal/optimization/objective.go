package optimization

import (
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/utss/backtester/internal/backtester"
	"github.com/utss/backtester/internal/execution"
	"github.com/utss/backtester/internal/indicators"
	"github.com/utss/backtester/internal/metrics"
	"github.com/utss/backtester/internal/strategy"
	"github.com/utss/backtester/pkg/types"
)

// SharpeObjective builds an ObjectiveFunc that re-runs tree against
// symbol/bars with each candidate ParamSet substituted into the tree's
// Parameters map, and reports the resulting Sharpe ratio. It is the
// typical objective a caller hands to Optimizer.Optimize: "run the
// engine, score it by Sharpe."
//
// The tree argument is the baseline; each evaluation runs against a
// shallow copy with Parameters overridden, so concurrent evaluations
// from the optimizer's worker pool never race on shared state.
func SharpeObjective(logger *zap.Logger, tree *strategy.Tree, reg *indicators.Registry, executor *execution.Executor, symbol string, bars []types.Bar, initialCapital decimal.Decimal) ObjectiveFunc {
	return func(params ParamSet) (float64, error) {
		candidate := *tree
		candidate.Parameters = mergeParams(tree.Parameters, params)

		runner := backtester.NewRunner(logger, &candidate, reg, executor)
		result, err := runner.Run(symbol, bars, initialCapital)
		if err != nil {
			return 0, err
		}

		perf := metrics.Calculate(result.Trades, result.EquityCurve, initialCapital)
		sharpe, _ := perf.SharpeRatio.Float64()
		return sharpe, nil
	}
}

func mergeParams(base map[string]float64, overrides ParamSet) map[string]float64 {
	merged := make(map[string]float64, len(base)+len(overrides))
	for k, v := range base {
		merged[k] = v
	}
	for k, v := range overrides {
		merged[k] = v
	}
	return merged
}
