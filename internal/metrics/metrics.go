// Package metrics turns a finished backtest's trades and equity curve
// into the PerformanceMetrics and RiskMetrics a BacktestResult carries.
// It never runs inside the bar loop -- only once, after Runner.Run or
// PortfolioRunner.Run returns a complete equity curve.
package metrics

import (
	"math"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/utss/backtester/pkg/types"
)

const tradingDaysPerYear = 252

// Calculate computes the full set of performance metrics from a
// result's closed trades and equity curve.
func Calculate(trades []*types.Trade, equityCurve []types.EquityPoint, initialCapital decimal.Decimal) *types.PerformanceMetrics {
	m := &types.PerformanceMetrics{}
	if len(trades) == 0 && len(equityCurve) == 0 {
		return m
	}

	var winningTrades, losingTrades int
	var totalWins, totalLosses, largestWin, largestLoss decimal.Decimal

	for _, t := range trades {
		if t.IsOpen {
			continue
		}
		switch {
		case t.PnL.GreaterThan(decimal.Zero):
			winningTrades++
			totalWins = totalWins.Add(t.PnL)
			if t.PnL.GreaterThan(largestWin) {
				largestWin = t.PnL
			}
		case t.PnL.LessThan(decimal.Zero):
			losingTrades++
			totalLosses = totalLosses.Add(t.PnL.Abs())
			if t.PnL.Abs().GreaterThan(largestLoss) {
				largestLoss = t.PnL.Abs()
			}
		}
	}

	m.TotalTrades = winningTrades + losingTrades
	m.WinningTrades = winningTrades
	m.LosingTrades = losingTrades
	m.LargestWin = largestWin
	m.LargestLoss = largestLoss

	if m.TotalTrades > 0 {
		m.WinRate = decimal.NewFromInt(int64(winningTrades)).Div(decimal.NewFromInt(int64(m.TotalTrades)))
	}
	if winningTrades > 0 {
		m.AvgWin = totalWins.Div(decimal.NewFromInt(int64(winningTrades)))
	}
	if losingTrades > 0 {
		m.AvgLoss = totalLosses.Div(decimal.NewFromInt(int64(losingTrades)))
	}
	if !totalLosses.IsZero() {
		m.ProfitFactor = totalWins.Div(totalLosses)
	}
	if m.TotalTrades > 0 {
		winPct := m.WinRate
		lossPct := decimal.NewFromInt(1).Sub(winPct)
		m.Expectancy = winPct.Mul(m.AvgWin).Sub(lossPct.Mul(m.AvgLoss))
	}

	if len(equityCurve) > 0 && !initialCapital.IsZero() {
		final := equityCurve[len(equityCurve)-1].Equity
		m.TotalReturn = final.Sub(initialCapital).Div(initialCapital)
	}

	returns := DailyReturns(equityCurve)
	if len(returns) > 0 {
		m.AnnualizedReturn = decimal.NewFromFloat(mean(returns) * tradingDaysPerYear)
	}
	if len(returns) > 1 {
		avg, sd := mean(returns), stdDev(returns)
		if sd > 0 {
			m.SharpeRatio = decimal.NewFromFloat((avg / sd) * math.Sqrt(tradingDaysPerYear))
		}
		if dd := downsideDeviation(returns); dd > 0 {
			m.SortinoRatio = decimal.NewFromFloat((avg / dd) * math.Sqrt(tradingDaysPerYear))
		}
	}

	maxDD, maxDDDate := MaxDrawdown(equityCurve)
	m.MaxDrawdown = maxDD
	m.MaxDrawdownDate = maxDDDate
	if !m.MaxDrawdown.IsZero() {
		m.CalmarRatio = m.AnnualizedReturn.Div(m.MaxDrawdown)
	}

	return m
}

// CalculateRisk computes VaR/CVaR and volatility from an equity curve.
func CalculateRisk(equityCurve []types.EquityPoint) *types.RiskMetrics {
	r := &types.RiskMetrics{}
	returns := DailyReturns(equityCurve)
	if len(returns) == 0 {
		return r
	}

	dailyVol := stdDev(returns)
	r.DailyVolatility = decimal.NewFromFloat(dailyVol)
	r.AnnualVolatility = decimal.NewFromFloat(dailyVol * math.Sqrt(tradingDaysPerYear))

	sorted := make([]float64, len(returns))
	copy(sorted, returns)
	sort.Float64s(sorted)

	idx95 := int(float64(len(sorted)) * 0.05)
	if idx95 >= 0 && idx95 < len(sorted) {
		r.VaR95 = decimal.NewFromFloat(-sorted[idx95])
	}
	idx99 := int(float64(len(sorted)) * 0.01)
	if idx99 >= 0 && idx99 < len(sorted) {
		r.VaR99 = decimal.NewFromFloat(-sorted[idx99])
	}
	if idx95 > 0 {
		var sum float64
		for i := 0; i < idx95; i++ {
			sum += sorted[i]
		}
		r.CVaR95 = decimal.NewFromFloat(-sum / float64(idx95))
	}

	return r
}

// DailyReturns computes period-over-period equity returns.
func DailyReturns(equityCurve []types.EquityPoint) []float64 {
	if len(equityCurve) < 2 {
		return nil
	}
	returns := make([]float64, 0, len(equityCurve)-1)
	for i := 1; i < len(equityCurve); i++ {
		prev := equityCurve[i-1].Equity
		if prev.IsZero() {
			continue
		}
		ret, _ := equityCurve[i].Equity.Sub(prev).Div(prev).Float64()
		returns = append(returns, ret)
	}
	return returns
}

// MaxDrawdown returns the largest peak-to-trough decline and the date
// it occurred.
func MaxDrawdown(equityCurve []types.EquityPoint) (decimal.Decimal, time.Time) {
	if len(equityCurve) == 0 {
		return decimal.Zero, time.Time{}
	}
	var maxDD decimal.Decimal
	var maxDDDate time.Time
	peak := equityCurve[0].Equity

	for _, point := range equityCurve {
		if point.Equity.GreaterThan(peak) {
			peak = point.Equity
		}
		if peak.IsZero() {
			continue
		}
		dd := peak.Sub(point.Equity).Div(peak)
		if dd.GreaterThan(maxDD) {
			maxDD = dd
			maxDDDate = point.Date
		}
	}
	return maxDD, maxDDDate
}

func mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

func stdDev(values []float64) float64 {
	if len(values) < 2 {
		return 0
	}
	avg := mean(values)
	var sumSquares float64
	for _, v := range values {
		diff := v - avg
		sumSquares += diff * diff
	}
	return math.Sqrt(sumSquares / float64(len(values)-1))
}

func downsideDeviation(returns []float64) float64 {
	negative := make([]float64, 0, len(returns))
	for _, r := range returns {
		if r < 0 {
			negative = append(negative, r)
		}
	}
	if len(negative) == 0 {
		return 0
	}
	return stdDev(negative)
}
