package metrics

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/utss/backtester/pkg/types"
)

func dec(f float64) decimal.Decimal { return decimal.NewFromFloat(f) }

func TestCalculateWinRateAndProfitFactor(t *testing.T) {
	trades := []*types.Trade{
		{PnL: dec(100)},
		{PnL: dec(-50)},
		{PnL: dec(200)},
		{PnL: dec(-25)},
	}
	now := time.Now()
	curve := []types.EquityPoint{
		{Date: now, Equity: dec(100000)},
		{Date: now.AddDate(0, 0, 1), Equity: dec(100225)},
	}

	m := Calculate(trades, curve, dec(100000))
	if m.TotalTrades != 4 {
		t.Fatalf("total trades = %d, want 4", m.TotalTrades)
	}
	if !m.WinRate.Equal(dec(0.5)) {
		t.Errorf("win rate = %s, want 0.5", m.WinRate)
	}
	wantPF := dec(300).Div(dec(75))
	if !m.ProfitFactor.Equal(wantPF) {
		t.Errorf("profit factor = %s, want %s", m.ProfitFactor, wantPF)
	}
}

func TestMaxDrawdownFindsPeakToTrough(t *testing.T) {
	now := time.Now()
	curve := []types.EquityPoint{
		{Date: now, Equity: dec(100000)},
		{Date: now.AddDate(0, 0, 1), Equity: dec(120000)},
		{Date: now.AddDate(0, 0, 2), Equity: dec(90000)},
		{Date: now.AddDate(0, 0, 3), Equity: dec(110000)},
	}
	dd, date := MaxDrawdown(curve)
	want := dec(30000).Div(dec(120000))
	if !dd.Equal(want) {
		t.Errorf("max drawdown = %s, want %s", dd, want)
	}
	if !date.Equal(now.AddDate(0, 0, 2)) {
		t.Errorf("max drawdown date = %v, want %v", date, now.AddDate(0, 0, 2))
	}
}

func TestCalculateRiskWithEmptyCurveIsZeroValue(t *testing.T) {
	r := CalculateRisk(nil)
	if !r.VaR95.IsZero() || !r.AnnualVolatility.IsZero() {
		t.Error("expected zero-value risk metrics for an empty curve")
	}
}
