package portfolio

import (
	"sort"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/utss/backtester/pkg/types"
	"github.com/utss/backtester/pkg/utils"
)

// WeightKind discriminates a multi-symbol run's rebalance target
// scheme.
type WeightKind string

const (
	WeightEqual            WeightKind = "equal"
	WeightInverseVolatility WeightKind = "inverse_vol"
	WeightRiskParity        WeightKind = "risk_parity"
	WeightTarget            WeightKind = "target"
)

// WeightScheme picks how a rebalance assigns target weights across
// the active universe. Targets is only consulted for WeightTarget.
type WeightScheme struct {
	Kind    WeightKind
	Targets map[string]decimal.Decimal
}

// ParseWeightScheme mirrors the dispatch of a weight-scheme name
// (or explicit target map) to a WeightScheme. An unrecognized name
// falls back to equal weighting.
func ParseWeightScheme(name string, targets map[string]decimal.Decimal) WeightScheme {
	if len(targets) > 0 {
		return WeightScheme{Kind: WeightTarget, Targets: targets}
	}
	switch name {
	case "inverse_vol":
		return WeightScheme{Kind: WeightInverseVolatility}
	case "risk_parity":
		return WeightScheme{Kind: WeightRiskParity}
	case "equal", "":
		return WeightScheme{Kind: WeightEqual}
	default:
		return WeightScheme{Kind: WeightEqual}
	}
}

// WeightResolver computes target weights for a multi-symbol
// rebalance.
type WeightResolver struct {
	logger *zap.Logger
}

// NewWeightResolver builds a WeightResolver.
func NewWeightResolver(logger *zap.Logger) *WeightResolver {
	return &WeightResolver{logger: logger}
}

// Resolve returns the target weight for each symbol in the universe.
// barsBySymbol supplies the trailing history used to estimate
// volatility for the inverse_vol and risk_parity schemes; a symbol
// with fewer than 2 bars (or zero volatility) gets an equal 1/n share
// of the total weight, and the other symbols split the remainder by
// inverse volatility.
func (r *WeightResolver) Resolve(scheme WeightScheme, symbols []string, barsBySymbol map[string][]types.Bar) map[string]decimal.Decimal {
	weights := make(map[string]decimal.Decimal, len(symbols))
	if len(symbols) == 0 {
		return weights
	}

	switch scheme.Kind {
	case WeightTarget:
		for _, sym := range symbols {
			if w, ok := scheme.Targets[sym]; ok {
				weights[sym] = w
			} else {
				weights[sym] = decimal.Zero
			}
		}
	case WeightInverseVolatility, WeightRiskParity:
		vols := make(map[string]decimal.Decimal, len(symbols))
		for _, sym := range symbols {
			vols[sym] = r.volatility(barsBySymbol[sym])
		}
		weights = inverseWeighted(symbols, vols)
	default:
		equal := decimal.NewFromInt(1).Div(decimal.NewFromInt(int64(len(symbols))))
		for _, sym := range symbols {
			weights[sym] = equal
		}
	}
	return weights
}

// volatility returns the standard deviation of close-to-close returns
// over bars. Symbols with fewer than 2 bars have undefined volatility
// and return zero, which inverseWeighted treats as "weight this
// symbol equally among the undefined-volatility group."
func (r *WeightResolver) volatility(bars []types.Bar) decimal.Decimal {
	if len(bars) < 2 {
		return decimal.Zero
	}
	closes := make([]decimal.Decimal, len(bars))
	for i, b := range bars {
		closes[i] = b.Close
	}
	returns := utils.CalculateReturns(closes)
	return utils.CalculateStdDev(returns)
}

// inverseWeighted assigns weight proportional to 1/volatility,
// normalized to sum to 1. Both inverse-volatility and the simplified
// single-asset risk-parity scheme reduce to the same allocation: equal
// risk contribution for uncorrelated single-asset "positions" is
// exactly inverse-volatility weighting. Zero-volatility symbols split
// an equal share of the total weight before the inverse-vol pool is
// normalized against the remainder.
func inverseWeighted(symbols []string, vols map[string]decimal.Decimal) map[string]decimal.Decimal {
	weights := make(map[string]decimal.Decimal, len(symbols))

	var zeroVol []string
	invSum := decimal.Zero
	inv := make(map[string]decimal.Decimal, len(symbols))
	for _, sym := range symbols {
		v := vols[sym]
		if v.IsZero() {
			zeroVol = append(zeroVol, sym)
			continue
		}
		iv := decimal.NewFromInt(1).Div(v)
		inv[sym] = iv
		invSum = invSum.Add(iv)
	}

	sort.Strings(zeroVol)
	n := decimal.NewFromInt(int64(len(symbols)))
	zeroShare := decimal.NewFromInt(int64(len(zeroVol))).Div(n)
	remaining := decimal.NewFromInt(1).Sub(zeroShare)

	for _, sym := range zeroVol {
		weights[sym] = decimal.NewFromInt(1).Div(n)
	}
	if invSum.GreaterThan(decimal.Zero) {
		for sym, iv := range inv {
			weights[sym] = iv.Div(invSum).Mul(remaining)
		}
	}
	return weights
}

// Turnover computes the fraction of equity traded to move from
// currentWeights to targetWeights: sum(|target - current|) / 2, the
// standard two-sided turnover definition.
func Turnover(currentWeights, targetWeights map[string]decimal.Decimal) decimal.Decimal {
	seen := make(map[string]bool)
	total := decimal.Zero
	for sym, target := range targetWeights {
		seen[sym] = true
		total = total.Add(target.Sub(currentWeights[sym]).Abs())
	}
	for sym, current := range currentWeights {
		if seen[sym] {
			continue
		}
		total = total.Add(current.Abs())
	}
	return total.Div(decimal.NewFromInt(2))
}

// CurrentWeights returns each open position's share of equity at the
// given prices, matching get_current_weights's avg-price fallback when
// a symbol has no live price.
func (b *Book) CurrentWeights(prices map[string]decimal.Decimal) map[string]decimal.Decimal {
	b.mu.RLock()
	defer b.mu.RUnlock()

	equity := b.equityLocked()
	weights := make(map[string]decimal.Decimal)
	if equity.LessThanOrEqual(decimal.Zero) {
		return weights
	}
	for symbol, pos := range b.positions {
		price, ok := prices[symbol]
		if !ok {
			price = pos.AvgPrice
		}
		weights[symbol] = pos.Quantity.Mul(price).Div(equity)
	}
	return weights
}
