package execution

import (
	"testing"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/utss/backtester/pkg/types"
)

func dec(f float64) decimal.Decimal { return decimal.NewFromFloat(f) }

func TestExecuteLotRoundingZeroRejects(t *testing.T) {
	e := NewExecutor(zap.NewNop(), 100, false, NoSlippage{}, FlatRateCommission{Rate: decimal.Zero})
	order := types.OrderRequest{Symbol: "7203.T", Direction: types.DirectionBuy, Quantity: dec(40)}
	bar := types.Bar{Close: dec(2500)}

	fill, err := e.Execute(order, bar)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if fill != nil {
		t.Fatalf("expected rejected order (qty < lot size), got fill %+v", fill)
	}
}

func TestExecuteLotRoundingExample(t *testing.T) {
	e := NewExecutor(zap.NewNop(), 100, false, NoSlippage{}, FlatRateCommission{Rate: decimal.Zero})
	order := types.OrderRequest{Symbol: "7203.T", Direction: types.DirectionBuy, Quantity: dec(140)}
	bar := types.Bar{Close: dec(2500)}

	fill, err := e.Execute(order, bar)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if fill == nil {
		t.Fatal("expected a fill")
	}
	if !fill.Quantity.Equal(dec(100)) {
		t.Errorf("quantity = %s, want 100", fill.Quantity)
	}
}

func TestExecuteSlippageDirection(t *testing.T) {
	slip := NewFixedSlippage(dec(100)) // 100bps = 1%
	e := NewExecutor(zap.NewNop(), 1, false, slip, FlatRateCommission{Rate: decimal.Zero})
	bar := types.Bar{Close: dec(100), Volume: dec(1000)}

	buy, _ := e.Execute(types.OrderRequest{Symbol: "X", Direction: types.DirectionBuy, Quantity: dec(10)}, bar)
	if !buy.FillPrice.Equal(dec(101)) {
		t.Errorf("buy fill price = %s, want 101", buy.FillPrice)
	}

	sell, _ := e.Execute(types.OrderRequest{Symbol: "X", Direction: types.DirectionSell, Quantity: dec(10)}, bar)
	if !sell.FillPrice.Equal(dec(99)) {
		t.Errorf("sell fill price = %s, want 99", sell.FillPrice)
	}
}

func TestTieredCommissionBoundary(t *testing.T) {
	schedule := TieredCommission{Tiers: []CommissionTier{
		{UpTo: dec(50000), Fee: dec(55)},
		{UpTo: dec(1000000), Fee: dec(99)},
	}}
	if got := schedule.Calculate(dec(20000)); !got.Equal(dec(55)) {
		t.Errorf("commission for 20000 = %s, want 55", got)
	}
	if got := schedule.Calculate(dec(50000)); !got.Equal(dec(55)) {
		t.Errorf("commission at boundary 50000 = %s, want 55", got)
	}
	if got := schedule.Calculate(dec(50001)); !got.Equal(dec(99)) {
		t.Errorf("commission just over boundary = %s, want 99", got)
	}
	if got := schedule.Calculate(dec(5000000)); !got.Equal(dec(99)) {
		t.Errorf("commission above every tier = %s, want last tier's fee 99", got)
	}
}

func TestCreateCommissionScheduleTiered(t *testing.T) {
	schedule := CreateCommissionSchedule(types.CommissionConfig{
		Model: "tiered",
		Tiers: []types.CommissionTierConfig{
			{UpTo: dec(50000), Fee: dec(55)},
			{UpTo: dec(1000000), Fee: dec(99)},
		},
	})
	if got := schedule.Calculate(dec(20000)); !got.Equal(dec(55)) {
		t.Errorf("commission for 20000 = %s, want 55", got)
	}
}

func TestCreateCommissionScheduleFlatFallback(t *testing.T) {
	schedule := CreateCommissionSchedule(types.CommissionConfig{Model: "flat", Rate: dec(0.001)})
	if got := schedule.Calculate(dec(10000)); !got.Equal(dec(10)) {
		t.Errorf("commission = %s, want 10", got)
	}

	unknown := CreateCommissionSchedule(types.CommissionConfig{Rate: dec(0.002)})
	if got := unknown.Calculate(dec(10000)); !got.Equal(dec(20)) {
		t.Errorf("fallback commission = %s, want 20", got)
	}
}

func TestFractionalSharesBypassLotRounding(t *testing.T) {
	e := NewExecutor(zap.NewNop(), 100, true, NoSlippage{}, FlatRateCommission{Rate: decimal.Zero})
	order := types.OrderRequest{Symbol: "X", Direction: types.DirectionBuy, Quantity: dec(12.5)}
	bar := types.Bar{Close: dec(10)}

	fill, err := e.Execute(order, bar)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !fill.Quantity.Equal(dec(12.5)) {
		t.Errorf("fractional quantity = %s, want 12.5 unrounded", fill.Quantity)
	}
}
