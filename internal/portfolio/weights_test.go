package portfolio

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/utss/backtester/internal/execution"
	"github.com/utss/backtester/pkg/types"
)

func TestParseWeightSchemeDefaultsToEqual(t *testing.T) {
	s := ParseWeightScheme("unknown", nil)
	if s.Kind != WeightEqual {
		t.Errorf("kind = %s, want equal", s.Kind)
	}
}

func TestResolveEqualWeight(t *testing.T) {
	r := NewWeightResolver(zap.NewNop())
	weights := r.Resolve(WeightScheme{Kind: WeightEqual}, []string{"AAPL", "MSFT"}, nil)
	if !weights["AAPL"].Equal(dec(0.5)) || !weights["MSFT"].Equal(dec(0.5)) {
		t.Errorf("weights = %+v, want 0.5/0.5", weights)
	}
}

func TestResolveTargetWeights(t *testing.T) {
	r := NewWeightResolver(zap.NewNop())
	targets := map[string]decimal.Decimal{"AAPL": dec(0.6), "MSFT": dec(0.4)}
	weights := r.Resolve(WeightScheme{Kind: WeightTarget, Targets: targets}, []string{"AAPL", "MSFT"}, nil)
	if !weights["AAPL"].Equal(dec(0.6)) || !weights["MSFT"].Equal(dec(0.4)) {
		t.Errorf("weights = %+v", weights)
	}
}

func TestResolveInverseVolatilitySumsToOne(t *testing.T) {
	r := NewWeightResolver(zap.NewNop())
	barsA := volBars([]float64{100, 110, 95, 115, 90})  // higher vol
	barsB := volBars([]float64{100, 101, 100, 101, 100}) // lower vol
	weights := r.Resolve(WeightScheme{Kind: WeightInverseVolatility}, []string{"A", "B"},
		map[string][]types.Bar{"A": barsA, "B": barsB})

	total := weights["A"].Add(weights["B"])
	if total.Sub(dec(1)).Abs().GreaterThan(dec(0.0001)) {
		t.Errorf("weights don't sum to 1: %+v", weights)
	}
	if !weights["B"].GreaterThan(weights["A"]) {
		t.Errorf("lower-volatility symbol should get more weight: %+v", weights)
	}
}

func volBars(closes []float64) []types.Bar {
	bars := make([]types.Bar, len(closes))
	for i, c := range closes {
		bars[i] = types.Bar{Close: dec(c)}
	}
	return bars
}

func TestCurrentWeightsSumLessThanOneWithCash(t *testing.T) {
	b := newBook(100000)
	b.Open(&types.Fill{Symbol: "AAPL", Direction: types.DirectionBuy, Quantity: dec(100), FillPrice: dec(100)}, time.Now(), "rule")
	b.Open(&types.Fill{Symbol: "MSFT", Direction: types.DirectionBuy, Quantity: dec(50), FillPrice: dec(200)}, time.Now(), "rule")

	weights := b.CurrentWeights(map[string]decimal.Decimal{"AAPL": dec(100), "MSFT": dec(200)})
	total := weights["AAPL"].Add(weights["MSFT"])
	if !total.LessThan(dec(1)) {
		t.Errorf("total weight %s should be less than 1 (remaining cash)", total)
	}
}

func TestRebalanceBuysIntoEmptyPortfolio(t *testing.T) {
	book := newBook(100000)
	exec := execution.NewExecutor(zap.NewNop(), 1, false, execution.NoSlippage{}, execution.FlatRateCommission{Rate: decimal.Zero})

	prices := map[string]decimal.Decimal{"AAPL": dec(100), "MSFT": dec(200)}
	targets := map[string]decimal.Decimal{"AAPL": dec(0.5), "MSFT": dec(0.5)}

	turnover, err := Rebalance(exec, book, time.Now(), []string{"AAPL", "MSFT"}, prices, targets)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if turnover.LessThanOrEqual(decimal.Zero) {
		t.Error("expected positive turnover")
	}
	if !book.HasPosition("AAPL") || !book.HasPosition("MSFT") {
		t.Error("expected both positions opened")
	}
}

func TestRebalanceSkipsTinyAdjustment(t *testing.T) {
	book := newBook(100000)
	exec := execution.NewExecutor(zap.NewNop(), 1, false, execution.NoSlippage{}, execution.FlatRateCommission{Rate: decimal.Zero})
	book.Open(&types.Fill{Symbol: "AAPL", Direction: types.DirectionBuy, Quantity: dec(100), FillPrice: dec(100)}, time.Now(), "rule")

	prices := map[string]decimal.Decimal{"AAPL": dec(100)}
	equity := book.Equity()
	currentValue := dec(100).Mul(dec(100))
	targets := map[string]decimal.Decimal{"AAPL": currentValue.Div(equity)}

	turnover, err := Rebalance(exec, book, time.Now(), []string{"AAPL"}, prices, targets)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !turnover.IsZero() {
		t.Errorf("turnover = %s, want 0 for an already-at-target position", turnover)
	}
}

func TestRebalanceSkipsZeroPrice(t *testing.T) {
	book := newBook(100000)
	exec := execution.NewExecutor(zap.NewNop(), 1, false, execution.NoSlippage{}, execution.FlatRateCommission{Rate: decimal.Zero})

	prices := map[string]decimal.Decimal{"AAPL": decimal.Zero}
	targets := map[string]decimal.Decimal{"AAPL": dec(0.5)}

	turnover, err := Rebalance(exec, book, time.Now(), []string{"AAPL"}, prices, targets)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !turnover.IsZero() || book.HasPosition("AAPL") {
		t.Error("zero-price symbol should be skipped entirely")
	}
}
