package execution

import (
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/utss/backtester/pkg/types"
)

// CreateCommissionSchedule builds a CommissionSchedule from a run's
// commission configuration. An unrecognized Model name falls back to
// flat-rate.
func CreateCommissionSchedule(config types.CommissionConfig) CommissionSchedule {
	switch config.Model {
	case "tiered":
		tiers := make([]CommissionTier, len(config.Tiers))
		for i, t := range config.Tiers {
			tiers[i] = CommissionTier{UpTo: t.UpTo, Fee: t.Fee}
		}
		return TieredCommission{Tiers: tiers}
	default:
		return FlatRateCommission{Rate: config.Rate}
	}
}

// Executor turns an order request into a Fill: round to a valid lot
// size, apply slippage to the fill price, then apply commission.
// A request that rounds to zero lots is rejected (nil Fill, nil
// error) rather than erroring -- the caller decides whether a
// rejected order is notable.
type Executor struct {
	logger      *zap.Logger
	lotSize     int
	fractional  bool
	slippage    SlippageModel
	commission  CommissionSchedule
}

// NewExecutor builds an Executor. fractional=true means no rounding at
// all; otherwise lotSize <= 1 rounds down to whole shares and
// lotSize > 1 rounds down to the nearest whole lot.
func NewExecutor(logger *zap.Logger, lotSize int, fractional bool, slippage SlippageModel, commission CommissionSchedule) *Executor {
	return &Executor{
		logger:     logger,
		lotSize:    lotSize,
		fractional: fractional,
		slippage:   slippage,
		commission: commission,
	}
}

// Execute fills an order request against the given bar.
func (e *Executor) Execute(order types.OrderRequest, bar types.Bar) (*types.Fill, error) {
	quantity := e.roundToLot(order.Quantity)
	if quantity.LessThanOrEqual(decimal.Zero) {
		e.logger.Debug("order rejected: rounds to zero lots",
			zap.String("symbol", order.Symbol),
			zap.String("requested", order.Quantity.String()))
		return nil, nil
	}

	slippageFraction := e.slippage.Calculate(order, bar)
	fillPrice := applySlippage(order.Direction, bar.Close, slippageFraction)
	slippageAmount := fillPrice.Sub(bar.Close).Abs().Mul(quantity)

	tradeValue := quantity.Mul(fillPrice)
	commission := e.commission.Calculate(tradeValue)

	fill := &types.Fill{
		Symbol:     order.Symbol,
		Direction:  order.Direction,
		Quantity:   quantity,
		FillPrice:  fillPrice,
		Commission: commission,
		Slippage:   slippageAmount,
	}

	e.logger.Debug("order filled",
		zap.String("symbol", order.Symbol),
		zap.String("direction", string(order.Direction)),
		zap.String("quantity", quantity.String()),
		zap.String("fillPrice", fillPrice.String()),
		zap.String("commission", commission.String()))

	return fill, nil
}

// roundToLot rounds quantity down to the nearest whole lot. Fractional
// shares bypass rounding entirely.
func (e *Executor) roundToLot(quantity decimal.Decimal) decimal.Decimal {
	if e.fractional {
		return quantity
	}
	if e.lotSize <= 1 {
		return quantity.Floor()
	}
	lot := decimal.NewFromInt(int64(e.lotSize))
	lots := quantity.Div(lot).Floor()
	return lots.Mul(lot)
}

// applySlippage moves the fill price against the trader: buy/cover
// pay more, sell/short receive less.
func applySlippage(direction types.Direction, price, slippageFraction decimal.Decimal) decimal.Decimal {
	one := decimal.NewFromInt(1)
	switch direction {
	case types.DirectionBuy, types.DirectionCover:
		return price.Mul(one.Add(slippageFraction))
	default:
		return price.Mul(one.Sub(slippageFraction))
	}
}

// CommissionSchedule computes commission owed on a trade's notional value.
type CommissionSchedule interface {
	Calculate(tradeValue decimal.Decimal) decimal.Decimal
}

// FlatRateCommission charges a fixed percentage of trade value.
type FlatRateCommission struct {
	Rate decimal.Decimal
}

// Calculate returns tradeValue * Rate.
func (f FlatRateCommission) Calculate(tradeValue decimal.Decimal) decimal.Decimal {
	return tradeValue.Mul(f.Rate)
}

// CommissionTier is one rung of a tiered fee schedule: trades with
// notional value up to UpTo pay Fee. The final tier's UpTo is never
// checked against -- any trade value exceeding every tier's UpTo pays
// the last tier's fee.
type CommissionTier struct {
	UpTo decimal.Decimal
	Fee  decimal.Decimal
}

// TieredCommission walks an ordered list of tiers and charges the fee
// of the first tier whose UpTo is not exceeded by tradeValue. If every
// tier's UpTo is exceeded, the last tier's fee applies.
type TieredCommission struct {
	Tiers []CommissionTier
}

// Calculate returns the matching tier's flat fee.
func (t TieredCommission) Calculate(tradeValue decimal.Decimal) decimal.Decimal {
	if len(t.Tiers) == 0 {
		return decimal.Zero
	}
	for _, tier := range t.Tiers {
		if tradeValue.LessThanOrEqual(tier.UpTo) {
			return tier.Fee
		}
	}
	return t.Tiers[len(t.Tiers)-1].Fee
}
