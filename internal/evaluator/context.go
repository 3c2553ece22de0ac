// Package evaluator resolves strategy-tree Signal and Condition nodes
// against a bar history, indicator registry, and live portfolio state.
// It is the only package that walks the tree at bar-processing time;
// internal/strategy only models the tree's shape.
package evaluator

import (
	"time"

	"github.com/shopspring/decimal"
	"github.com/utss/backtester/pkg/types"
)

// PortfolioView is the narrow read-only slice of portfolio state a
// "portfolio" signal may reference. The bar-stepping runner implements
// this directly on top of its bookkeeper; the evaluator never mutates
// portfolio state, so portfolio signals must be evaluated lazily at
// the point of use in the bar loop rather than pre-computed.
type PortfolioView interface {
	Cash() decimal.Decimal
	Equity() decimal.Decimal
	Exposure() decimal.Decimal
	UnrealizedPnL(symbol string) decimal.Decimal
	PositionQty(symbol string) decimal.Decimal
	DaysHeld(symbol string) int
}

// ExternalSource resolves "external" and "fundamental" signals by
// (source, key) or (symbol, metric) lookup. Regime classification and
// any other out-of-core data feed plugs in through this interface.
type ExternalSource interface {
	Lookup(source, key string) (float64, bool)
	Fundamental(symbol, metric string) (float64, bool)
}

// Context carries everything an evaluation needs that isn't part of
// the immutable strategy tree: the bar window up to "now", the active
// symbol, resolved run parameters, and accessors for portfolio and
// external data.
type Context struct {
	Bars      []types.Bar
	Index     int // current bar position within Bars
	Symbol    string
	Params    map[string]float64
	Portfolio PortfolioView
	External  ExternalSource
	RunDate   time.Time
}

// At returns the bar `offset` back from the current index, and
// whether it exists (false if offset runs before the start of history).
func (c *Context) At(offset int) (types.Bar, bool) {
	i := c.Index - offset
	if i < 0 || i >= len(c.Bars) {
		return types.Bar{}, false
	}
	return c.Bars[i], true
}

// History returns the closed bar window ending at the current index,
// i.e. Bars[:Index+1] -- the slice an indicator call operates over.
func (c *Context) History() []types.Bar {
	return c.Bars[:c.Index+1]
}
