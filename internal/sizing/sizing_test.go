package sizing

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/utss/backtester/internal/indicators"
	"github.com/utss/backtester/internal/strategy"
	"github.com/utss/backtester/pkg/types"
)

func newResolver() *Resolver {
	return NewResolver(zap.NewNop(), indicators.NewRegistry())
}

func dec(f float64) decimal.Decimal { return decimal.NewFromFloat(f) }

func TestFixedAmount(t *testing.T) {
	r := newResolver()
	qty, err := r.Resolve(strategy.SizingSpec{Kind: strategy.SizingFixedAmount, Amount: dec(1000)}, Context{Price: dec(50)})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !qty.Equal(dec(20)) {
		t.Errorf("qty = %s, want 20", qty)
	}
}

func TestPercentOfEquityLotSizeExample(t *testing.T) {
	r := newResolver()
	qty, err := r.Resolve(strategy.SizingSpec{Kind: strategy.SizingPercentOfEquity, Percent: dec(100)}, Context{
		Price: dec(2500), Equity: dec(100000),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !qty.Equal(dec(40)) {
		t.Errorf("qty = %s, want 40", qty)
	}
}

func TestRiskBased(t *testing.T) {
	r := newResolver()
	qty, err := r.Resolve(strategy.SizingSpec{
		Kind: strategy.SizingRiskBased, RiskPercent: dec(1), StopLossPercent: dec(2),
	}, Context{Price: dec(100), Equity: dec(100000)})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// maxRisk = 1000, riskPerShare = 2, qty = 500
	if !qty.Equal(dec(500)) {
		t.Errorf("qty = %s, want 500", qty)
	}
}

func TestKellyFallbackBelowTenClosedTrades(t *testing.T) {
	r := newResolver()
	qty, err := r.Resolve(strategy.SizingSpec{
		Kind: strategy.SizingKelly, WinRate: dec(0.6), AvgWin: dec(200), AvgLoss: dec(100), Multiplier: dec(0.5),
	}, Context{Price: dec(100), Equity: dec(100000)})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// b=2, p=0.6, q=0.4, kelly = (2*0.6-0.4)/2 = 0.4, *0.5 = 0.2, capped at 0.25 -> 0.2
	// target = 100000*0.2 = 20000, qty = 200
	if !qty.Equal(dec(200)) {
		t.Errorf("qty = %s, want 200", qty)
	}
}

func TestKellyUsesEmpiricalStatsAfterTenClosedTrades(t *testing.T) {
	r := newResolver()
	now := time.Now()
	var trades []*types.Trade
	for i := 0; i < 6; i++ {
		trades = append(trades, &types.Trade{IsOpen: false, PnL: dec(100), EntryDate: now, ExitDate: now})
	}
	for i := 0; i < 5; i++ {
		trades = append(trades, &types.Trade{IsOpen: false, PnL: dec(-50), EntryDate: now, ExitDate: now})
	}
	qty, err := r.Resolve(strategy.SizingSpec{
		Kind: strategy.SizingKelly, WinRate: dec(0.1), AvgWin: dec(1), AvgLoss: dec(1), Multiplier: dec(0.5),
	}, Context{Price: dec(100), Equity: dec(100000), Trades: trades})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if qty.IsZero() {
		t.Fatal("expected non-zero quantity from empirical kelly inputs")
	}
}

func TestVolatilityAdjustedFallsBackWithoutHistory(t *testing.T) {
	r := newResolver()
	qty, err := r.Resolve(strategy.SizingSpec{Kind: strategy.SizingVolatilityAdjusted}, Context{
		Price: dec(100), Equity: dec(100000),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// fallback ATR = 100*0.02 = 2, targetRisk default = equity*0.01 = 1000, qty = 500
	if !qty.Equal(dec(500)) {
		t.Errorf("qty = %s, want 500", qty)
	}
}

func TestPercentOfPositionMissingPositionIsZero(t *testing.T) {
	r := newResolver()
	qty, err := r.Resolve(strategy.SizingSpec{Kind: strategy.SizingPercentOfPosition, Symbol: "AAPL", Percent: dec(50)}, Context{
		Symbol: "AAPL", Positions: map[string]*types.Position{},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !qty.IsZero() {
		t.Errorf("qty = %s, want 0", qty)
	}
}
