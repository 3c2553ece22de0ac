package backtester

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/utss/backtester/internal/execution"
	"github.com/utss/backtester/internal/indicators"
	"github.com/utss/backtester/internal/portfolio"
	"github.com/utss/backtester/internal/strategy"
	"github.com/utss/backtester/pkg/types"
)

func twoSymbolFrames(closesA, closesB []float64) map[string][]types.Bar {
	return map[string][]types.Bar{
		"A": closeBars(closesA),
		"B": closeBars(closesB),
	}
}

func noRulesTree() *strategy.Tree {
	return &strategy.Tree{
		Info:     strategy.Info{ID: "p1", Name: "rebalance-only", Version: "1"},
		Universe: strategy.Universe{Kind: strategy.UniverseStatic, Symbols: []string{"A", "B"}},
	}
}

func TestPortfolioRunnerEqualWeightNeverRebalances(t *testing.T) {
	tree := noRulesTree()
	frames := twoSymbolFrames([]float64{100, 100, 100}, []float64{50, 50, 50})
	exec := execution.NewExecutor(zap.NewNop(), 1, false, execution.NoSlippage{}, execution.FlatRateCommission{Rate: decimal.Zero})
	r := NewPortfolioRunner(zap.NewNop(), tree, indicators.NewRegistry(), exec,
		portfolio.WeightScheme{Kind: portfolio.WeightEqual}, RebalanceCadence{Frequency: RebalanceNever})

	result, err := r.Run([]string{"A", "B"}, frames, dec(100000))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.RebalanceCount != 1 {
		t.Errorf("rebalance count = %d, want 1 (initial allocation only)", result.RebalanceCount)
	}
	if len(result.Snapshots) != 3 {
		t.Errorf("snapshots = %d, want 3 (one per unified date)", len(result.Snapshots))
	}
	if _, ok := result.PerSymbolResults["A"]; !ok {
		t.Error("expected per-symbol result for A")
	}
	if _, ok := result.PerSymbolResults["B"]; !ok {
		t.Error("expected per-symbol result for B")
	}
}

func TestPortfolioRunnerMonthlyRebalanceTriggersAcrossMonths(t *testing.T) {
	tree := noRulesTree()
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	closesA := make([]float64, 0, 70)
	closesB := make([]float64, 0, 70)
	for i := 0; i < 70; i++ {
		closesA = append(closesA, 100+float64(i))
		closesB = append(closesB, 50)
	}
	frames := map[string][]types.Bar{
		"A": namedCloseBars(start, closesA),
		"B": namedCloseBars(start, closesB),
	}

	exec := execution.NewExecutor(zap.NewNop(), 1, false, execution.NoSlippage{}, execution.FlatRateCommission{Rate: decimal.Zero})
	r := NewPortfolioRunner(zap.NewNop(), tree, indicators.NewRegistry(), exec,
		portfolio.WeightScheme{Kind: portfolio.WeightEqual}, RebalanceCadence{Frequency: RebalanceMonthly})

	result, err := r.Run([]string{"A", "B"}, frames, dec(100000))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.RebalanceCount < 3 {
		t.Errorf("rebalance count = %d, want at least 3 (70 days spans 3 calendar months)", result.RebalanceCount)
	}
	if result.AverageTurnover.IsZero() {
		t.Error("expected nonzero average turnover once price drift forces rebalancing trades")
	}
}

func TestPortfolioRunnerEmptyUniverseIsDataError(t *testing.T) {
	tree := noRulesTree()
	exec := execution.NewExecutor(zap.NewNop(), 1, false, execution.NoSlippage{}, execution.FlatRateCommission{Rate: decimal.Zero})
	r := NewPortfolioRunner(zap.NewNop(), tree, indicators.NewRegistry(), exec,
		portfolio.WeightScheme{Kind: portfolio.WeightEqual}, RebalanceCadence{Frequency: RebalanceNever})

	_, err := r.Run(nil, nil, dec(100000))
	if err == nil {
		t.Fatal("expected error for empty symbol universe")
	}
	if _, ok := err.(*types.DataError); !ok {
		t.Errorf("error type = %T, want *types.DataError", err)
	}
}

func namedCloseBars(start time.Time, closes []float64) []types.Bar {
	bars := make([]types.Bar, len(closes))
	for i, c := range closes {
		bars[i] = types.Bar{Timestamp: start.AddDate(0, 0, i), Open: dec(c), High: dec(c), Low: dec(c), Close: dec(c), Volume: dec(1000)}
	}
	return bars
}
