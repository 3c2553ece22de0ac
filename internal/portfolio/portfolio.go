// Package portfolio is the bar-stepping runner's bookkeeper: cash,
// open positions, closed trades, and the equity curve. It owns the
// only mutable state in a backtest run.
package portfolio

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/utss/backtester/internal/strategy"
	"github.com/utss/backtester/pkg/types"
	"github.com/utss/backtester/pkg/utils"
)

var (
	one        = decimal.NewFromInt(1)
	hundred    = decimal.NewFromInt(100)
	shortMargin = decimal.NewFromFloat(0.5)
)

// Book tracks cash, open positions, and closed trades for one
// backtest run. At most one open position per symbol at any time.
// Safe for concurrent use; the bar loop itself is single-threaded but
// portfolio-kind signals may read Book state from the evaluator while
// the runner is between bars.
type Book struct {
	mu sync.RWMutex

	logger      *zap.Logger
	initialCash decimal.Decimal
	cash        decimal.Decimal
	positions   map[string]*types.Position
	openTrades  map[string]*types.Trade // symbol -> its currently-open Trade record
	trades      []*types.Trade
	peakEquity  decimal.Decimal
}

// New builds a Book with the given starting cash.
func New(logger *zap.Logger, initialCash decimal.Decimal) *Book {
	return &Book{
		logger:      logger,
		initialCash: initialCash,
		cash:        initialCash,
		positions:   make(map[string]*types.Position),
		openTrades:  make(map[string]*types.Trade),
		peakEquity:  initialCash,
	}
}

// Cash returns available cash. Implements evaluator.PortfolioView.
func (b *Book) Cash() decimal.Decimal {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.cash
}

// Equity returns cash plus the mark-to-market value of every open
// position (long positions add value, shorts subtract the unrealized
// loss/gain since margin, not notional, is held in cash).
func (b *Book) Equity() decimal.Decimal {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.equityLocked()
}

func (b *Book) equityLocked() decimal.Decimal {
	equity := b.cash
	for _, pos := range b.positions {
		equity = equity.Add(b.positionBookValueLocked(pos))
	}
	return equity
}

// positionBookValueLocked returns the amount a position contributes to
// equity beyond the cash already recorded: for a long, the full
// current market value (entry cost was already debited from cash); for
// a short, the margin held plus unrealized P&L (notional itself was
// never credited to cash).
func (b *Book) positionBookValueLocked(pos *types.Position) decimal.Decimal {
	notional := pos.Quantity.Mul(pos.CurrentPrice)
	if pos.Side == types.PositionLong {
		return notional
	}
	entryValue := pos.Quantity.Mul(pos.AvgPrice)
	marginHeld := entryValue.Mul(shortMargin)
	return marginHeld.Add(pos.UnrealizedPnL)
}

// Exposure returns gross position notional divided by equity.
func (b *Book) Exposure() decimal.Decimal {
	b.mu.RLock()
	defer b.mu.RUnlock()
	equity := b.equityLocked()
	if equity.IsZero() {
		return decimal.Zero
	}
	gross := decimal.Zero
	for _, pos := range b.positions {
		gross = gross.Add(pos.Quantity.Mul(pos.CurrentPrice).Abs())
	}
	return gross.Div(equity)
}

// UnrealizedPnL returns the open position's unrealized P&L, or zero if
// there is no open position in symbol.
func (b *Book) UnrealizedPnL(symbol string) decimal.Decimal {
	b.mu.RLock()
	defer b.mu.RUnlock()
	pos, ok := b.positions[symbol]
	if !ok {
		return decimal.Zero
	}
	return pos.UnrealizedPnL
}

// PositionQty returns the open position's signed quantity: positive
// for long, negative for short, zero if flat.
func (b *Book) PositionQty(symbol string) decimal.Decimal {
	b.mu.RLock()
	defer b.mu.RUnlock()
	pos, ok := b.positions[symbol]
	if !ok {
		return decimal.Zero
	}
	if pos.Side == types.PositionShort {
		return pos.Quantity.Neg()
	}
	return pos.Quantity
}

// DaysHeld returns how many days the open position in symbol has been
// held, or zero if flat.
func (b *Book) DaysHeld(symbol string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	pos, ok := b.positions[symbol]
	if !ok {
		return 0
	}
	return pos.DaysHeld
}

// Position returns the open position in symbol, if any.
func (b *Book) Position(symbol string) (*types.Position, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	pos, ok := b.positions[symbol]
	return pos, ok
}

// HasPosition reports whether symbol currently has an open position.
func (b *Book) HasPosition(symbol string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, ok := b.positions[symbol]
	return ok
}

// OpenPositionCount returns the number of currently open positions,
// for enforcing a max_positions constraint across a symbol universe.
func (b *Book) OpenPositionCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.positions)
}

// Positions returns a snapshot copy of every open position, keyed by
// symbol.
func (b *Book) Positions() map[string]*types.Position {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make(map[string]*types.Position, len(b.positions))
	for symbol, pos := range b.positions {
		cp := *pos
		out[symbol] = &cp
	}
	return out
}

// Trades returns every trade recorded so far, open and closed.
func (b *Book) Trades() []*types.Trade {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]*types.Trade, len(b.trades))
	copy(out, b.trades)
	return out
}

// Open books a new position from a fill. Returns nil if the symbol
// already has an open position, the fill quantity is non-positive, or
// the fill rounds to a non-positive quantity after shrinking to fit
// available cash/margin.
//
// A long position's full cost (price*quantity + commission + slippage)
// is debited from cash. A short position reserves 50% margin plus
// commission and slippage; notional itself stays uncommitted since it
// is borrowed. Either side shrinks its fill quantity down to what cash
// can afford rather than rejecting outright, matching how a real
// broker would partially fill a cash-constrained order.
func (b *Book) Open(fill *types.Fill, date time.Time, reason string) *types.Trade {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, exists := b.positions[fill.Symbol]; exists {
		b.logger.Debug("position already open, skipping", zap.String("symbol", fill.Symbol))
		return nil
	}
	if fill.Quantity.LessThanOrEqual(decimal.Zero) {
		return nil
	}

	side := types.PositionLong
	if fill.Direction == types.DirectionShort {
		side = types.PositionShort
	}

	quantity := fill.Quantity
	var totalCost decimal.Decimal

	if side == types.PositionLong {
		totalCost = fill.FillPrice.Mul(quantity).Add(fill.Commission).Add(fill.Slippage)
		if totalCost.GreaterThan(b.cash) {
			affordable := b.cash.Sub(fill.Commission).Sub(fill.Slippage)
			if affordable.LessThanOrEqual(decimal.Zero) {
				return nil
			}
			quantity, _ = affordable.QuoRem(fill.FillPrice, 16)
			if quantity.LessThanOrEqual(decimal.Zero) {
				return nil
			}
			totalCost = fill.FillPrice.Mul(quantity).Add(fill.Commission).Add(fill.Slippage)
		}
		b.cash = b.cash.Sub(totalCost)
	} else {
		margin := fill.FillPrice.Mul(quantity).Mul(shortMargin)
		totalCost = margin.Add(fill.Commission).Add(fill.Slippage)
		if totalCost.GreaterThan(b.cash) {
			availableMargin := b.cash.Sub(fill.Commission).Sub(fill.Slippage)
			if availableMargin.LessThanOrEqual(decimal.Zero) {
				return nil
			}
			quantity, _ = availableMargin.Div(shortMargin).QuoRem(fill.FillPrice, 16)
			if quantity.LessThanOrEqual(decimal.Zero) {
				return nil
			}
			margin = fill.FillPrice.Mul(quantity).Mul(shortMargin)
			totalCost = margin.Add(fill.Commission).Add(fill.Slippage)
		}
		b.cash = b.cash.Sub(totalCost)
	}

	pos := &types.Position{
		Symbol:       fill.Symbol,
		Side:         side,
		Quantity:     quantity,
		AvgPrice:     fill.FillPrice,
		CurrentPrice: fill.FillPrice,
		EntryDate:    date,
	}
	b.positions[fill.Symbol] = pos

	trade := &types.Trade{
		ID:          utils.GenerateTradeID(),
		Symbol:      fill.Symbol,
		Side:        side,
		EntryDate:   date,
		EntryPrice:  fill.FillPrice,
		Quantity:    quantity,
		Commission:  fill.Commission,
		Slippage:    fill.Slippage,
		IsOpen:      true,
		EntryReason: reason,
	}
	b.trades = append(b.trades, trade)
	b.openTrades[fill.Symbol] = trade

	b.logger.Debug("position opened",
		zap.String("symbol", fill.Symbol),
		zap.String("side", string(side)),
		zap.String("quantity", quantity.String()),
		zap.String("price", fill.FillPrice.String()))

	return trade
}

// Close liquidates the open position in symbol at the fill's price,
// crediting cash (full notional for a long; margin returned plus P&L
// for a short) and closing out the trade record. Returns nil if there
// is no open position in symbol.
func (b *Book) Close(fill *types.Fill, date time.Time, reason string) *types.Trade {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closeLocked(fill, date, reason)
}

// closeLocked is Close's body, callable by other Book methods that
// already hold b.mu.
func (b *Book) closeLocked(fill *types.Fill, date time.Time, reason string) *types.Trade {
	pos, exists := b.positions[fill.Symbol]
	if !exists {
		return nil
	}
	delete(b.positions, fill.Symbol)

	positionValue := fill.FillPrice.Mul(pos.Quantity)

	var pnl decimal.Decimal
	if pos.Side == types.PositionLong {
		pnl = fill.FillPrice.Sub(pos.AvgPrice).Mul(pos.Quantity)
		b.cash = b.cash.Add(positionValue).Sub(fill.Commission).Sub(fill.Slippage)
	} else {
		entryValue := pos.AvgPrice.Mul(pos.Quantity)
		pnl = entryValue.Sub(positionValue)
		marginReturned := entryValue.Mul(shortMargin)
		b.cash = b.cash.Add(marginReturned).Add(pnl).Sub(fill.Commission).Sub(fill.Slippage)
	}
	pnl = pnl.Sub(fill.Commission).Sub(fill.Slippage)

	trade, ok := b.openTrades[fill.Symbol]
	if !ok {
		trade = &types.Trade{
			ID:         utils.GenerateTradeID(),
			Symbol:     fill.Symbol,
			Side:       pos.Side,
			EntryDate:  pos.EntryDate,
			EntryPrice: pos.AvgPrice,
			Quantity:   pos.Quantity,
			Commission: fill.Commission,
			Slippage:   fill.Slippage,
		}
		b.trades = append(b.trades, trade)
	}
	trade.ExitDate = date
	trade.ExitPrice = fill.FillPrice
	trade.Commission = trade.Commission.Add(fill.Commission)
	trade.Slippage = trade.Slippage.Add(fill.Slippage)
	trade.PnL = pnl
	trade.IsOpen = false
	trade.ExitReason = reason
	delete(b.openTrades, fill.Symbol)

	b.logger.Debug("position closed",
		zap.String("symbol", fill.Symbol),
		zap.String("reason", reason),
		zap.String("pnl", pnl.String()))

	return trade
}

// MarkToMarket refreshes the open position's CurrentPrice,
// UnrealizedPnL, and DaysHeld for the given bar date and price. Call
// once per bar per symbol, before checking exits or recording a
// snapshot.
func (b *Book) MarkToMarket(symbol string, price decimal.Decimal, date time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	pos, ok := b.positions[symbol]
	if !ok {
		return
	}
	pos.CurrentPrice = price
	if pos.Side == types.PositionLong {
		pos.UnrealizedPnL = price.Sub(pos.AvgPrice).Mul(pos.Quantity)
	} else {
		pos.UnrealizedPnL = pos.AvgPrice.Sub(price).Mul(pos.Quantity)
	}
	pos.DaysHeld = int(date.Sub(pos.EntryDate).Hours() / 24)
}

// ExitCheck is a protective-exit trigger to apply against an open
// position, built from a strategy.Constraints.
type ExitCheck struct {
	StopLossPct     decimal.Decimal
	TakeProfitPct   decimal.Decimal
	TrailingStopPct decimal.Decimal
	HasStopLoss     bool
	HasTakeProfit   bool
	HasTrailingStop bool
}

// ExitCheckFromConstraints builds an ExitCheck from a strategy tree's
// rule Constraints, leaving a trigger disabled if its percentage
// wasn't set.
func ExitCheckFromConstraints(c strategy.Constraints) ExitCheck {
	var check ExitCheck
	if c.StopLossPct != nil {
		check.HasStopLoss = true
		check.StopLossPct = *c.StopLossPct
	}
	if c.TakeProfitPct != nil {
		check.HasTakeProfit = true
		check.TakeProfitPct = *c.TakeProfitPct
	}
	if c.TrailingStopPct != nil {
		check.HasTrailingStop = true
		check.TrailingStopPct = *c.TrailingStopPct
	}
	return check
}

// CheckExit evaluates stop-loss, take-profit, and trailing-stop, in
// that order, against symbol's open position at the given price.
// Returns the trigger reason ("stop_loss", "take_profit",
// "trailing_stop") and true if an exit is due, or "" and false if the
// position should stay open (or there is none). Boundary prices (price
// exactly at the trigger level) count as triggered.
func (b *Book) CheckExit(symbol string, price decimal.Decimal, checks ExitCheck) (string, bool) {
	b.mu.RLock()
	pos, ok := b.positions[symbol]
	b.mu.RUnlock()
	if !ok {
		return "", false
	}

	isLong := pos.Side == types.PositionLong
	entry := pos.AvgPrice

	if checks.HasStopLoss {
		frac := checks.StopLossPct.Div(hundred)
		if isLong {
			trigger := entry.Mul(one.Sub(frac))
			if price.LessThanOrEqual(trigger) {
				return "stop_loss", true
			}
		} else {
			trigger := entry.Mul(one.Add(frac))
			if price.GreaterThanOrEqual(trigger) {
				return "stop_loss", true
			}
		}
	}

	if checks.HasTakeProfit {
		frac := checks.TakeProfitPct.Div(hundred)
		if isLong {
			trigger := entry.Mul(one.Add(frac))
			if price.GreaterThanOrEqual(trigger) {
				return "take_profit", true
			}
		} else {
			trigger := entry.Mul(one.Sub(frac))
			if price.LessThanOrEqual(trigger) {
				return "take_profit", true
			}
		}
	}

	if checks.HasTrailingStop && pos.UnrealizedPnL.GreaterThan(decimal.Zero) {
		frac := checks.TrailingStopPct.Div(hundred)
		if pos.Quantity.IsZero() {
			return "", false
		}
		if isLong {
			peakPrice := entry.Add(pos.UnrealizedPnL.Div(pos.Quantity))
			trigger := peakPrice.Mul(one.Sub(frac))
			if price.LessThanOrEqual(trigger) {
				return "trailing_stop", true
			}
		} else {
			troughPrice := entry.Sub(pos.UnrealizedPnL.Div(pos.Quantity))
			trigger := troughPrice.Mul(one.Add(frac))
			if price.GreaterThanOrEqual(trigger) {
				return "trailing_stop", true
			}
		}
	}

	return "", false
}

// Snapshot records and returns the portfolio's current state at date,
// advancing peak equity if a new high was reached.
func (b *Book) Snapshot(date time.Time) *types.Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()

	equity := b.equityLocked()
	positionsValue := equity.Sub(b.cash)

	if equity.GreaterThan(b.peakEquity) {
		b.peakEquity = equity
	}

	drawdown := b.peakEquity.Sub(equity)
	drawdownPct := decimal.Zero
	if b.peakEquity.GreaterThan(decimal.Zero) {
		drawdownPct = drawdown.Div(b.peakEquity).Mul(hundred)
	}

	return &types.Snapshot{
		Date:           date,
		Cash:           b.cash,
		PositionsValue: positionsValue,
		Equity:         equity,
		Drawdown:       drawdown,
		DrawdownPct:    drawdownPct,
	}
}
