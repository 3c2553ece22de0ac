// Package sizing resolves a strategy rule's SizingSpec into a
// concrete order quantity. Eight variants are supported: fixed_amount,
// fixed_quantity, percent_of_equity, percent_of_cash,
// percent_of_position, risk_based, kelly, and volatility_adjusted.
package sizing

import (
	"go.uber.org/zap"

	"github.com/shopspring/decimal"

	"github.com/utss/backtester/internal/indicators"
	"github.com/utss/backtester/internal/strategy"
	"github.com/utss/backtester/pkg/types"
)

var (
	hundred        = decimal.NewFromInt(100)
	kellyFloor     = decimal.Zero
	kellyCap       = decimal.NewFromFloat(0.25)
	defaultKellyMultiplier = decimal.NewFromFloat(0.5)
	fallbackKellyPct       = decimal.NewFromFloat(0.02)
	atrFallbackPct         = decimal.NewFromFloat(0.02)
	minClosedTradesForKelly = 10
)

// Context carries the portfolio and market state a sizing
// calculation needs. Trades is the full closed-trade history for the
// symbol being sized, used by "kelly" to derive empirical win
// rate/avg win/avg loss once at least minClosedTradesForKelly trades
// have closed.
type Context struct {
	Symbol    string
	Price     decimal.Decimal
	Equity    decimal.Decimal
	Cash      decimal.Decimal
	Positions map[string]*types.Position
	Trades    []*types.Trade
	Bars      []types.Bar
}

// Resolver computes order quantities from a SizingSpec.
type Resolver struct {
	logger     *zap.Logger
	indicators *indicators.Registry
}

// NewResolver builds a Resolver. The indicator registry is used by
// volatility_adjusted sizing to compute ATR.
func NewResolver(logger *zap.Logger, reg *indicators.Registry) *Resolver {
	return &Resolver{logger: logger, indicators: reg}
}

// Resolve returns the quantity to trade, always >= 0. Rounding to lot
// size and the fractional-shares escape hatch happen downstream in
// the executor, not here.
func (r *Resolver) Resolve(spec strategy.SizingSpec, ctx Context) (decimal.Decimal, error) {
	switch spec.Kind {
	case strategy.SizingFixedAmount:
		return r.divByPrice(spec.Amount, ctx.Price), nil
	case strategy.SizingFixedQuantity:
		return spec.Quantity, nil
	case strategy.SizingPercentOfEquity:
		target := ctx.Equity.Mul(spec.Percent).Div(hundred)
		return r.divByPrice(target, ctx.Price), nil
	case strategy.SizingPercentOfCash:
		target := ctx.Cash.Mul(spec.Percent).Div(hundred)
		return r.divByPrice(target, ctx.Price), nil
	case strategy.SizingPercentOfPosition:
		symbol := spec.Symbol
		if symbol == "" {
			symbol = ctx.Symbol
		}
		pos, ok := ctx.Positions[symbol]
		if !ok {
			return decimal.Zero, nil
		}
		return pos.Quantity.Mul(spec.Percent).Div(hundred), nil
	case strategy.SizingRiskBased:
		return r.resolveRiskBased(spec, ctx), nil
	case strategy.SizingKelly:
		return r.resolveKelly(spec, ctx), nil
	case strategy.SizingVolatilityAdjusted:
		return r.resolveVolatilityAdjusted(spec, ctx)
	default:
		return decimal.Zero, &types.ValidationError{Reason: "unknown sizing type " + string(spec.Kind)}
	}
}

func (r *Resolver) divByPrice(value, price decimal.Decimal) decimal.Decimal {
	if price.LessThanOrEqual(decimal.Zero) {
		return decimal.Zero
	}
	return value.Div(price)
}

func (r *Resolver) resolveRiskBased(spec strategy.SizingSpec, ctx Context) decimal.Decimal {
	riskPercent := spec.RiskPercent
	stopLossPercent := spec.StopLossPercent

	maxRisk := ctx.Equity.Mul(riskPercent).Div(hundred)
	riskPerShare := ctx.Price.Mul(stopLossPercent).Div(hundred)

	if riskPerShare.LessThanOrEqual(decimal.Zero) {
		return decimal.Zero
	}
	return maxRisk.Div(riskPerShare)
}

func (r *Resolver) resolveKelly(spec strategy.SizingSpec, ctx Context) decimal.Decimal {
	winRate, avgWin, avgLoss := spec.WinRate, spec.AvgWin, spec.AvgLoss

	if empWinRate, empAvgWin, empAvgLoss, ok := empiricalKellyInputs(ctx.Trades); ok {
		winRate, avgWin, avgLoss = empWinRate, empAvgWin, empAvgLoss
	}

	if avgLoss.LessThanOrEqual(decimal.Zero) {
		return r.divByPrice(ctx.Equity.Mul(fallbackKellyPct), ctx.Price)
	}

	b := avgWin.Div(avgLoss)
	p := winRate
	q := decimal.NewFromInt(1).Sub(p)
	kellyFraction := b.Mul(p).Sub(q).Div(b)

	multiplier := spec.Multiplier
	if multiplier.IsZero() {
		multiplier = defaultKellyMultiplier
	}
	kellyFraction = kellyFraction.Mul(multiplier)
	if kellyFraction.LessThan(kellyFloor) {
		kellyFraction = kellyFloor
	}
	if kellyFraction.GreaterThan(kellyCap) {
		kellyFraction = kellyCap
	}

	target := ctx.Equity.Mul(kellyFraction)
	return r.divByPrice(target, ctx.Price)
}

// empiricalKellyInputs derives win rate / avg win / avg loss from
// closed trade history once at least minClosedTradesForKelly trades
// have closed and both a winner and a loser exist; otherwise the
// caller's configured fallback inputs are used.
func empiricalKellyInputs(trades []*types.Trade) (winRate, avgWin, avgLoss decimal.Decimal, ok bool) {
	var closed []*types.Trade
	for _, t := range trades {
		if !t.IsOpen {
			closed = append(closed, t)
		}
	}
	if len(closed) < minClosedTradesForKelly {
		return decimal.Zero, decimal.Zero, decimal.Zero, false
	}

	var winners, losers []*types.Trade
	for _, t := range closed {
		if t.PnL.GreaterThan(decimal.Zero) {
			winners = append(winners, t)
		} else if t.PnL.LessThan(decimal.Zero) {
			losers = append(losers, t)
		}
	}
	if len(winners) == 0 || len(losers) == 0 {
		return decimal.Zero, decimal.Zero, decimal.Zero, false
	}

	sumWin := decimal.Zero
	for _, t := range winners {
		sumWin = sumWin.Add(t.PnL)
	}
	sumLoss := decimal.Zero
	for _, t := range losers {
		sumLoss = sumLoss.Add(t.PnL)
	}

	winRate = decimal.NewFromInt(int64(len(winners))).Div(decimal.NewFromInt(int64(len(closed))))
	avgWin = sumWin.Div(decimal.NewFromInt(int64(len(winners))))
	avgLoss = sumLoss.Div(decimal.NewFromInt(int64(len(losers)))).Abs()
	return winRate, avgWin, avgLoss, true
}

func (r *Resolver) resolveVolatilityAdjusted(spec strategy.SizingSpec, ctx Context) (decimal.Decimal, error) {
	targetRisk := spec.TargetRisk
	if targetRisk.IsZero() {
		targetRisk = ctx.Equity.Mul(decimal.NewFromFloat(0.01))
	}
	lookback := spec.ATRLookback
	if lookback == 0 {
		lookback = 14
	}

	fallbackATR := ctx.Price.Mul(atrFallbackPct)
	currentATR := fallbackATR

	if len(ctx.Bars) >= lookback {
		out, err := r.indicators.Compute("ATR", ctx.Bars, map[string]float64{"period": float64(lookback)})
		if err != nil {
			return decimal.Zero, err
		}
		series := out[""]
		last := series[len(series)-1]
		if last == last { // not NaN
			currentATR = decimal.NewFromFloat(last)
		}
	}

	if currentATR.LessThanOrEqual(decimal.Zero) {
		return decimal.Zero, nil
	}
	return targetRisk.Div(currentATR), nil
}
