// Package execution provides the backtest order executor: lot
// rounding, slippage, and commission applied to a filled order, in
// that order.
package execution

import (
	"math"

	"github.com/shopspring/decimal"

	"github.com/utss/backtester/pkg/types"
)

// SlippageModel returns the slippage fraction (e.g. 0.001 for 10bps)
// to apply to an order's fill price, given the order and the bar it
// fills against.
type SlippageModel interface {
	Calculate(order types.OrderRequest, bar types.Bar) decimal.Decimal
}

// FixedSlippage applies a constant basis-point slippage regardless of
// order size or bar volume.
type FixedSlippage struct {
	BasisPoints decimal.Decimal
}

// NewFixedSlippage builds a FixedSlippage model.
func NewFixedSlippage(bps decimal.Decimal) *FixedSlippage {
	return &FixedSlippage{BasisPoints: bps}
}

// Calculate returns the fixed fraction.
func (f *FixedSlippage) Calculate(order types.OrderRequest, bar types.Bar) decimal.Decimal {
	return f.BasisPoints.Div(decimal.NewFromInt(10000))
}

// VolumeWeightedSlippage adds a square-root market-impact term on top
// of a base slippage, scaled by the order's participation in the
// bar's volume.
type VolumeWeightedSlippage struct {
	BaseBasisPoints decimal.Decimal
	ImpactFactor    decimal.Decimal
	MaxSlippage     decimal.Decimal
}

// NewVolumeWeightedSlippage builds a VolumeWeightedSlippage model.
func NewVolumeWeightedSlippage(baseBps, impactFactor, maxSlippage decimal.Decimal) *VolumeWeightedSlippage {
	return &VolumeWeightedSlippage{BaseBasisPoints: baseBps, ImpactFactor: impactFactor, MaxSlippage: maxSlippage}
}

// Calculate returns base slippage plus a participation-scaled impact
// term, capped at MaxSlippage.
func (v *VolumeWeightedSlippage) Calculate(order types.OrderRequest, bar types.Bar) decimal.Decimal {
	total := v.BaseBasisPoints.Div(decimal.NewFromInt(10000))
	if !bar.Volume.IsZero() {
		participation := order.Quantity.Div(bar.Volume)
		impact := v.ImpactFactor.Mul(decimal.NewFromFloat(math.Sqrt(participation.InexactFloat64())))
		total = total.Add(impact)
	}
	if !v.MaxSlippage.IsZero() && total.GreaterThan(v.MaxSlippage) {
		return v.MaxSlippage
	}
	return total
}

// NoSlippage always returns zero; used by tests and frictionless runs.
type NoSlippage struct{}

// Calculate returns zero slippage.
func (NoSlippage) Calculate(order types.OrderRequest, bar types.Bar) decimal.Decimal {
	return decimal.Zero
}

// CreateSlippageModel builds a SlippageModel from a run's slippage
// configuration. An unrecognized Model name falls back to fixed.
func CreateSlippageModel(config types.SlippageConfig) SlippageModel {
	switch config.Model {
	case "volume_weighted":
		return NewVolumeWeightedSlippage(config.BaseBasisPoints, config.ImpactFactor, config.MaxSlippage)
	case "none":
		return NoSlippage{}
	default:
		return NewFixedSlippage(config.BaseBasisPoints)
	}
}
