package backtester

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/utss/backtester/internal/execution"
	"github.com/utss/backtester/internal/indicators"
	"github.com/utss/backtester/internal/strategy"
	"github.com/utss/backtester/pkg/types"
)

func dec(f float64) decimal.Decimal { return decimal.NewFromFloat(f) }

func closeBars(closes []float64) []types.Bar {
	bars := make([]types.Bar, len(closes))
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	for i, c := range closes {
		bars[i] = types.Bar{Timestamp: start.AddDate(0, 0, i), Open: dec(c), High: dec(c), Low: dec(c), Close: dec(c), Volume: dec(1000)}
	}
	return bars
}

func noFeeExecutor() *execution.Executor {
	return execution.NewExecutor(zap.NewNop(), 1, false, execution.NoSlippage{}, execution.FlatRateCommission{Rate: decimal.Zero})
}

func buyAndHoldTree(qty float64) *strategy.Tree {
	return &strategy.Tree{
		Info:     strategy.Info{ID: "s1", Name: "buyhold", Version: "1"},
		Universe: strategy.Universe{Kind: strategy.UniverseStatic, Symbols: []string{"AAPL"}},
		Rules: []strategy.Rule{{
			Name:    "enter",
			When:    &strategy.Condition{Kind: strategy.ConditionAlways},
			Then:    &strategy.Action{Kind: strategy.ActionTrade, Direction: types.DirectionBuy, Sizing: strategy.SizingSpec{Kind: strategy.SizingFixedQuantity, Quantity: dec(qty)}, Reason: "enter"},
			Enabled: true,
		}},
	}
}

func TestRunnerBuyAndHoldZeroFee(t *testing.T) {
	tree := buyAndHoldTree(10)
	bars := closeBars([]float64{100, 101, 102, 103, 104})
	r := NewRunner(zap.NewNop(), tree, indicators.NewRegistry(), noFeeExecutor())

	result, err := r.Run("AAPL", bars, dec(100000))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(result.Trades) != 1 {
		t.Fatalf("expected exactly 1 trade, got %d", len(result.Trades))
	}
	trade := result.Trades[0]
	if trade.IsOpen {
		t.Error("expected trade closed at end of backtest")
	}
	if trade.ExitReason != endOfBacktestReason {
		t.Errorf("exit reason = %q, want %q", trade.ExitReason, endOfBacktestReason)
	}
	wantEquity := dec(100000).Sub(dec(1000)).Add(dec(1040))
	if !result.FinalEquity.Equal(wantEquity) {
		t.Errorf("final equity = %s, want %s", result.FinalEquity, wantEquity)
	}
	if len(result.Snapshots) != len(bars) {
		t.Errorf("snapshots = %d, want one per bar (%d)", len(result.Snapshots), len(bars))
	}
}

func TestRunnerStopLossBoundary(t *testing.T) {
	sl := dec(5)
	tree := buyAndHoldTree(10)
	tree.Constraints.StopLossPct = &sl
	bars := closeBars([]float64{100, 95})
	r := NewRunner(zap.NewNop(), tree, indicators.NewRegistry(), noFeeExecutor())

	result, err := r.Run("AAPL", bars, dec(100000))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(result.Trades) == 0 {
		t.Fatal("expected at least one trade")
	}
	first := result.Trades[0]
	if first.ExitReason != "stop_loss" {
		t.Errorf("exit reason = %q, want stop_loss", first.ExitReason)
	}
	if !first.ExitPrice.Equal(dec(95)) {
		t.Errorf("exit price = %s, want 95 (boundary-inclusive)", first.ExitPrice)
	}
}

func TestRunnerEmptyBarsIsDataError(t *testing.T) {
	tree := buyAndHoldTree(10)
	r := NewRunner(zap.NewNop(), tree, indicators.NewRegistry(), noFeeExecutor())

	_, err := r.Run("AAPL", nil, dec(100000))
	if err == nil {
		t.Fatal("expected error for empty bar frame")
	}
	if _, ok := err.(*types.DataError); !ok {
		t.Errorf("error type = %T, want *types.DataError", err)
	}
}

func TestRunnerLotSizeRounding(t *testing.T) {
	tree := &strategy.Tree{
		Info:     strategy.Info{ID: "s1", Name: "lotsize", Version: "1"},
		Universe: strategy.Universe{Kind: strategy.UniverseStatic, Symbols: []string{"7203.T"}},
		Rules: []strategy.Rule{{
			Name:    "enter",
			When:    &strategy.Condition{Kind: strategy.ConditionAlways},
			Then:    &strategy.Action{Kind: strategy.ActionTrade, Direction: types.DirectionBuy, Sizing: strategy.SizingSpec{Kind: strategy.SizingFixedQuantity, Quantity: dec(140)}, Reason: "enter"},
			Enabled: true,
		}},
	}
	bars := closeBars([]float64{2500, 2500})
	exec := execution.NewExecutor(zap.NewNop(), 100, false, execution.NoSlippage{}, execution.FlatRateCommission{Rate: decimal.Zero})
	r := NewRunner(zap.NewNop(), tree, indicators.NewRegistry(), exec)

	result, err := r.Run("7203.T", bars, dec(1000000))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(result.Trades) != 1 {
		t.Fatalf("expected 1 trade, got %d", len(result.Trades))
	}
	if !result.Trades[0].Quantity.Equal(dec(100)) {
		t.Errorf("quantity = %s, want 100 (140 rounded down to the nearest 100-share lot)", result.Trades[0].Quantity)
	}
}
