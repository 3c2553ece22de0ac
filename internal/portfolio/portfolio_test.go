package portfolio

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/utss/backtester/pkg/types"
)

func dec(f float64) decimal.Decimal { return decimal.NewFromFloat(f) }

func newBook(cash float64) *Book {
	return New(zap.NewNop(), dec(cash))
}

func TestOpenLongDebitsCash(t *testing.T) {
	b := newBook(100000)
	fill := &types.Fill{Symbol: "AAPL", Direction: types.DirectionBuy, Quantity: dec(100), FillPrice: dec(150), Commission: dec(10)}
	trade := b.Open(fill, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), "rule")
	if trade == nil {
		t.Fatal("expected trade")
	}
	wantCash := dec(100000).Sub(dec(15000)).Sub(dec(10))
	if !b.Cash().Equal(wantCash) {
		t.Errorf("cash = %s, want %s", b.Cash(), wantCash)
	}
	if b.PositionQty("AAPL").Cmp(dec(100)) != 0 {
		t.Errorf("position qty = %s, want 100", b.PositionQty("AAPL"))
	}
}

func TestOpenShrinksToFitCash(t *testing.T) {
	b := newBook(1000)
	fill := &types.Fill{Symbol: "AAPL", Direction: types.DirectionBuy, Quantity: dec(100), FillPrice: dec(150)}
	trade := b.Open(fill, time.Now(), "rule")
	if trade == nil {
		t.Fatal("expected a shrunk-to-fit trade, not a rejection")
	}
	if trade.Quantity.GreaterThan(dec(1000).Div(dec(150))) {
		t.Errorf("shrunk quantity %s exceeds what cash affords", trade.Quantity)
	}
	if b.Cash().LessThan(decimal.Zero) {
		t.Errorf("cash went negative: %s", b.Cash())
	}
}

func TestOpenRejectsSecondPositionInSameSymbol(t *testing.T) {
	b := newBook(100000)
	fill := &types.Fill{Symbol: "AAPL", Direction: types.DirectionBuy, Quantity: dec(10), FillPrice: dec(100)}
	b.Open(fill, time.Now(), "rule")
	second := b.Open(fill, time.Now(), "rule")
	if second != nil {
		t.Fatal("expected nil, symbol already has an open position")
	}
}

func TestCloseLongCreditsCashAndRecordsPnL(t *testing.T) {
	b := newBook(100000)
	open := &types.Fill{Symbol: "AAPL", Direction: types.DirectionBuy, Quantity: dec(100), FillPrice: dec(100)}
	b.Open(open, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), "rule")

	close := &types.Fill{Symbol: "AAPL", Direction: types.DirectionSell, Quantity: dec(100), FillPrice: dec(110)}
	trade := b.Close(close, time.Date(2024, 1, 10, 0, 0, 0, 0, time.UTC), "signal")
	if trade == nil {
		t.Fatal("expected closed trade")
	}
	if trade.IsOpen {
		t.Error("trade should be closed")
	}
	if !trade.PnL.Equal(dec(1000)) {
		t.Errorf("pnl = %s, want 1000", trade.PnL)
	}
	if b.HasPosition("AAPL") {
		t.Error("position should be gone after close")
	}
	wantCash := dec(100000).Sub(dec(10000)).Add(dec(11000))
	if !b.Cash().Equal(wantCash) {
		t.Errorf("cash = %s, want %s", b.Cash(), wantCash)
	}
}

func TestShortPnLDirection(t *testing.T) {
	b := newBook(100000)
	open := &types.Fill{Symbol: "TSLA", Direction: types.DirectionShort, Quantity: dec(10), FillPrice: dec(200)}
	b.Open(open, time.Now(), "rule")

	close := &types.Fill{Symbol: "TSLA", Direction: types.DirectionCover, Quantity: dec(10), FillPrice: dec(150)}
	trade := b.Close(close, time.Now(), "signal")
	if trade == nil {
		t.Fatal("expected closed trade")
	}
	if !trade.PnL.Equal(dec(500)) {
		t.Errorf("short pnl = %s, want 500 (price dropped, short profits)", trade.PnL)
	}
}

func TestMarkToMarketUpdatesUnrealized(t *testing.T) {
	b := newBook(100000)
	open := &types.Fill{Symbol: "AAPL", Direction: types.DirectionBuy, Quantity: dec(10), FillPrice: dec(100)}
	entry := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	b.Open(open, entry, "rule")

	later := entry.AddDate(0, 0, 5)
	b.MarkToMarket("AAPL", dec(120), later)

	if !b.UnrealizedPnL("AAPL").Equal(dec(200)) {
		t.Errorf("unrealized pnl = %s, want 200", b.UnrealizedPnL("AAPL"))
	}
	if b.DaysHeld("AAPL") != 5 {
		t.Errorf("days held = %d, want 5", b.DaysHeld("AAPL"))
	}
}

func TestCheckExitStopLossBoundaryInclusive(t *testing.T) {
	b := newBook(100000)
	open := &types.Fill{Symbol: "AAPL", Direction: types.DirectionBuy, Quantity: dec(10), FillPrice: dec(100)}
	b.Open(open, time.Now(), "rule")

	checks := ExitCheck{HasStopLoss: true, StopLossPct: dec(5)}
	reason, exit := b.CheckExit("AAPL", dec(95), checks)
	if !exit || reason != "stop_loss" {
		t.Errorf("expected stop_loss at boundary price 95, got %q %v", reason, exit)
	}

	reason, exit = b.CheckExit("AAPL", dec(95.01), checks)
	if exit {
		t.Errorf("expected no exit above stop-loss trigger, got %q", reason)
	}
}

func TestCheckExitOrderingStopLossBeatsTakeProfit(t *testing.T) {
	b := newBook(100000)
	open := &types.Fill{Symbol: "AAPL", Direction: types.DirectionBuy, Quantity: dec(10), FillPrice: dec(100)}
	b.Open(open, time.Now(), "rule")

	checks := ExitCheck{HasStopLoss: true, StopLossPct: dec(5), HasTakeProfit: true, TakeProfitPct: dec(1)}
	reason, exit := b.CheckExit("AAPL", dec(94), checks)
	if !exit || reason != "stop_loss" {
		t.Errorf("got %q %v, want stop_loss to take priority", reason, exit)
	}
}

func TestSnapshotTracksPeakAndDrawdown(t *testing.T) {
	b := newBook(100000)
	open := &types.Fill{Symbol: "AAPL", Direction: types.DirectionBuy, Quantity: dec(100), FillPrice: dec(100)}
	b.Open(open, time.Now(), "rule")
	b.MarkToMarket("AAPL", dec(120), time.Now())

	snap := b.Snapshot(time.Now())
	if !snap.Equity.Equal(dec(90000).Add(dec(12000))) {
		t.Errorf("equity = %s", snap.Equity)
	}
	if snap.Drawdown.Sign() != 0 {
		t.Errorf("expected no drawdown at new peak, got %s", snap.Drawdown)
	}

	b.MarkToMarket("AAPL", dec(80), time.Now())
	snap2 := b.Snapshot(time.Now())
	if snap2.Drawdown.Sign() <= 0 {
		t.Errorf("expected positive drawdown after price drop, got %s", snap2.Drawdown)
	}
}
