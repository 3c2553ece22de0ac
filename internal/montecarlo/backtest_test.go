package montecarlo

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/utss/backtester/pkg/types"
)

func sampleResult() *types.BacktestResult {
	now := time.Now()
	trades := make([]*types.Trade, 0, 30)
	for i := 0; i < 30; i++ {
		pnl := decimal.NewFromInt(100)
		if i%3 == 0 {
			pnl = decimal.NewFromInt(-50)
		}
		trades = append(trades, &types.Trade{
			Symbol:     "AAPL",
			EntryDate:  now.AddDate(0, 0, -i-1),
			EntryPrice: decimal.NewFromInt(100),
			Quantity:   decimal.NewFromInt(10),
			ExitDate:   now.AddDate(0, 0, -i),
			PnL:        pnl,
		})
	}
	return &types.BacktestResult{
		InitialCapital: decimal.NewFromInt(100000),
		Trades:         trades,
	}
}

func TestRunProducesBoundedMonteCarloResult(t *testing.T) {
	cfg := types.MonteCarloConfig{Enabled: true, Iterations: 100}
	result := Run(nil, sampleResult(), cfg)

	if result.Iterations != 100 {
		t.Errorf("iterations = %d, want 100", result.Iterations)
	}
	if result.ProbabilityRuin.LessThan(decimal.Zero) || result.ProbabilityRuin.GreaterThan(decimal.NewFromInt(1)) {
		t.Errorf("probability of ruin out of [0,1]: %s", result.ProbabilityRuin)
	}
	if len(result.Distribution) == 0 {
		t.Error("expected a non-empty distribution")
	}
}

func TestRunWithNoClosedTradesReturnsZeroIterations(t *testing.T) {
	result := Run(nil, &types.BacktestResult{InitialCapital: decimal.NewFromInt(1000)}, types.MonteCarloConfig{Iterations: 50})
	if result.Iterations != 0 {
		t.Errorf("iterations = %d, want 0 for an empty trade sequence", result.Iterations)
	}
}
