package walkforward

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/utss/backtester/internal/execution"
	"github.com/utss/backtester/internal/indicators"
	"github.com/utss/backtester/internal/strategy"
	"github.com/utss/backtester/pkg/types"
)

type fakeSource struct {
	bars []types.Bar
}

func (f *fakeSource) LoadBars(ctx context.Context, symbol string, timeframe types.Timeframe, start, end time.Time) ([]types.Bar, error) {
	out := make([]types.Bar, 0, len(f.bars))
	for _, b := range f.bars {
		if !b.Timestamp.Before(start) && !b.Timestamp.After(end) {
			out = append(out, b)
		}
	}
	return out, nil
}

func dailyBars(start time.Time, n int) []types.Bar {
	bars := make([]types.Bar, n)
	price := 100.0
	for i := 0; i < n; i++ {
		price += 0.5
		bars[i] = types.Bar{
			Timestamp: start.AddDate(0, 0, i),
			Open:      decimal.NewFromFloat(price),
			High:      decimal.NewFromFloat(price + 1),
			Low:       decimal.NewFromFloat(price - 1),
			Close:     decimal.NewFromFloat(price),
			Volume:    decimal.NewFromInt(1000),
		}
	}
	return bars
}

func TestAnalyzerRunProducesWindowsAndOverallMetrics(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	bars := dailyBars(start, 120)
	source := &fakeSource{bars: bars}

	tree := &strategy.Tree{
		Info:     strategy.Info{ID: "wf-test", Name: "noop", Version: "1"},
		Universe: strategy.Universe{Kind: strategy.UniverseStatic, Symbols: []string{"TEST"}},
	}
	exec := execution.NewExecutor(zap.NewNop(), 1, false, execution.NoSlippage{}, execution.FlatRateCommission{Rate: decimal.Zero})
	analyzer := NewAnalyzer(zap.NewNop(), source, indicators.NewRegistry(), exec)

	cfg := types.WalkForwardConfig{Enabled: true, WindowSize: 30, StepSize: 15}
	result, err := analyzer.Run(context.Background(), tree, "TEST", types.Timeframe1d, start, start.AddDate(0, 0, 119), decimal.NewFromInt(100000), cfg)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(result.Windows) == 0 {
		t.Fatal("expected at least one walk-forward window")
	}
	if result.OverallMetrics == nil {
		t.Fatal("expected non-nil overall metrics")
	}
	if result.Robustness.LessThan(decimal.Zero) || result.Robustness.GreaterThan(decimal.NewFromInt(2)) {
		t.Errorf("robustness out of [0,2]: %s", result.Robustness)
	}
}

func TestAnalyzerRunErrorsWhenNoWindowsFit(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	source := &fakeSource{bars: dailyBars(start, 5)}
	tree := &strategy.Tree{Info: strategy.Info{ID: "short", Name: "short", Version: "1"}}
	exec := execution.NewExecutor(zap.NewNop(), 1, false, execution.NoSlippage{}, execution.FlatRateCommission{Rate: decimal.Zero})
	analyzer := NewAnalyzer(zap.NewNop(), source, indicators.NewRegistry(), exec)

	_, err := analyzer.Run(context.Background(), tree, "TEST", types.Timeframe1d, start, start.AddDate(0, 0, 4), decimal.NewFromInt(100000), types.WalkForwardConfig{WindowSize: 30, StepSize: 7})
	if err == nil {
		t.Fatal("expected error when the range is too short for a single window")
	}
}
