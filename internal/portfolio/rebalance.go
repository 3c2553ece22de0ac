package portfolio

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/utss/backtester/internal/execution"
	"github.com/utss/backtester/pkg/types"
)

// minRebalanceDelta is the smallest per-symbol quantity adjustment a
// rebalance bothers acting on; anything smaller is noise.
var minRebalanceDelta = decimal.NewFromFloat(0.01)

// IncreasePosition tops up an existing long position, averaging the
// entry price by notional. Returns false (no-op) if there is no open
// long position in symbol or the top-up would overdraw cash.
func (b *Book) IncreasePosition(symbol string, qty, price, commission, slippage decimal.Decimal) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	pos, ok := b.positions[symbol]
	if !ok || pos.Side != types.PositionLong {
		return false
	}
	cost := qty.Mul(price).Add(commission).Add(slippage)
	if cost.GreaterThan(b.cash) {
		return false
	}

	newQty := pos.Quantity.Add(qty)
	pos.AvgPrice = pos.AvgPrice.Mul(pos.Quantity).Add(price.Mul(qty)).Div(newQty)
	pos.Quantity = newQty
	b.cash = b.cash.Sub(cost)

	if trade, ok := b.openTrades[symbol]; ok {
		trade.Quantity = newQty
		trade.EntryPrice = pos.AvgPrice
	}
	return true
}

// ReducePosition trims qty shares off an open long position. If qty
// covers the whole position (within minRebalanceDelta), the position
// is closed via Close instead. Returns the closed Trade if the
// position was fully closed, or nil if it was only trimmed or there
// was nothing to reduce.
func (b *Book) ReducePosition(symbol string, qty, price, commission, slippage decimal.Decimal, date time.Time, reason string) *types.Trade {
	b.mu.Lock()
	defer b.mu.Unlock()

	pos, ok := b.positions[symbol]
	if !ok {
		return nil
	}

	if qty.GreaterThanOrEqual(pos.Quantity.Sub(minRebalanceDelta)) {
		fill := &types.Fill{Symbol: symbol, Quantity: pos.Quantity, FillPrice: price, Commission: commission, Slippage: slippage}
		return b.closeLocked(fill, date, reason)
	}

	proceeds := qty.Mul(price).Sub(commission).Sub(slippage)
	b.cash = b.cash.Add(proceeds)
	pos.Quantity = pos.Quantity.Sub(qty)
	if trade, ok := b.openTrades[symbol]; ok {
		trade.Quantity = pos.Quantity
	}
	return nil
}

// Rebalance drives the book toward targetWeights across symbols at
// prices, via executor fills, and returns the turnover percentage
// (sum of traded notional / equity, *100). Symbols missing a current
// price are skipped entirely; a missing target weight is treated as
// zero (sell out of it).
func Rebalance(executor *execution.Executor, book *Book, date time.Time, symbols []string, prices map[string]decimal.Decimal, targetWeights map[string]decimal.Decimal) (decimal.Decimal, error) {
	equity := book.Equity()
	if equity.LessThanOrEqual(decimal.Zero) {
		return decimal.Zero, nil
	}

	turnover := decimal.Zero
	for _, symbol := range symbols {
		price, ok := prices[symbol]
		if !ok || price.LessThanOrEqual(decimal.Zero) {
			continue
		}
		targetWeight := targetWeights[symbol]
		targetValue := equity.Mul(targetWeight)
		targetQty := targetValue.Div(price)

		currentQty := decimal.Zero
		if pos, ok := book.Position(symbol); ok {
			currentQty = pos.Quantity
		}

		delta := targetQty.Sub(currentQty)
		if delta.Abs().LessThan(minRebalanceDelta) {
			continue
		}

		var tradeValue decimal.Decimal
		if delta.GreaterThan(decimal.Zero) {
			order := types.OrderRequest{Symbol: symbol, Direction: types.DirectionBuy, Quantity: delta, Price: price}
			fill, err := executor.Execute(order, types.Bar{Close: price})
			if err != nil {
				return turnover, err
			}
			if fill == nil {
				continue
			}
			if book.HasPosition(symbol) {
				book.IncreasePosition(symbol, fill.Quantity, price, fill.Commission, fill.Slippage)
			} else {
				book.Open(fill, date, "rebalance")
			}
			tradeValue = fill.Quantity.Mul(price)
		} else {
			order := types.OrderRequest{Symbol: symbol, Direction: types.DirectionSell, Quantity: delta.Abs(), Price: price}
			fill, err := executor.Execute(order, types.Bar{Close: price})
			if err != nil {
				return turnover, err
			}
			if fill == nil {
				continue
			}
			book.ReducePosition(symbol, fill.Quantity, price, fill.Commission, fill.Slippage, date, "rebalance")
			tradeValue = fill.Quantity.Mul(price)
		}

		turnover = turnover.Add(tradeValue.Div(equity))
	}

	return turnover.Mul(decimal.NewFromInt(100)), nil
}
