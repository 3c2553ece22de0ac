package evaluator

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/utss/backtester/internal/indicators"
	"github.com/utss/backtester/internal/strategy"
	"github.com/utss/backtester/pkg/types"
)

// Evaluator walks a strategy tree's Signal and Condition nodes,
// resolving $ref/$param references against the owning tree and
// memoizing indicator computations by a structural key (indicator
// name, resolved params, symbol). The cache lives for the lifetime of
// one backtest run and is wiped by Reset between independent runs
// (parameter sweeps, Monte Carlo iterations, walk-forward windows).
type Evaluator struct {
	tree       *strategy.Tree
	indicators *indicators.Registry
	cache      map[string]cacheEntry
}

type cacheEntry struct {
	series map[string]indicators.Series
	length int
}

// New builds an Evaluator bound to a single strategy tree and
// indicator registry.
func New(tree *strategy.Tree, reg *indicators.Registry) *Evaluator {
	return &Evaluator{tree: tree, indicators: reg, cache: make(map[string]cacheEntry)}
}

// Reset clears the memoization cache. Call between independent runs
// that share an Evaluator instance.
func (e *Evaluator) Reset() {
	e.cache = make(map[string]cacheEntry)
}

// EvalSignal resolves a Signal node to a float64 for the bar at
// ctx.Index. A NaN result (indicator warmup, missing history, or
// unresolved external lookup) is valid and propagates through
// comparisons as "false", per the expression DSL's NaN semantics.
func (e *Evaluator) EvalSignal(sig *strategy.Signal, ctx *Context) (float64, error) {
	if sig == nil {
		return math.NaN(), nil
	}
	switch sig.Kind {
	case strategy.SignalPrice:
		return e.evalPrice(sig, ctx)
	case strategy.SignalIndicator:
		return e.evalIndicator(sig, ctx)
	case strategy.SignalConstant:
		return e.resolveParamValue(sig.Constant, ctx)
	case strategy.SignalCalendar:
		return e.evalCalendar(sig, ctx), nil
	case strategy.SignalEvent:
		return e.evalEvent(sig, ctx), nil
	case strategy.SignalPortfolio:
		return e.evalPortfolio(sig, ctx), nil
	case strategy.SignalFundamental:
		return e.evalFundamental(sig, ctx), nil
	case strategy.SignalExternal:
		return e.evalExternal(sig, ctx), nil
	case strategy.SignalExpr:
		return e.EvalExpr(sig.Formula, ctx)
	case strategy.SignalRef:
		target, ok := e.tree.Signals[strategy.RefName(sig.RefPath)]
		if !ok {
			return 0, &types.ValidationError{Reason: fmt.Sprintf("unresolved $ref: %q", sig.RefPath)}
		}
		return e.EvalSignal(target, ctx)
	case strategy.SignalParam:
		v, ok := ctx.Params[sig.ParamName]
		if !ok {
			return 0, &types.ParameterError{Name: sig.ParamName, Reason: "not set for this run"}
		}
		return v, nil
	default:
		return 0, &types.ValidationError{Reason: fmt.Sprintf("unknown signal kind %q", sig.Kind)}
	}
}

func (e *Evaluator) evalPrice(sig *strategy.Signal, ctx *Context) (float64, error) {
	bar, ok := ctx.At(sig.Offset)
	if !ok {
		return math.NaN(), nil
	}
	var d = bar.Close
	switch strings.ToLower(sig.Field) {
	case "open":
		d = bar.Open
	case "high":
		d = bar.High
	case "low":
		d = bar.Low
	case "close", "":
		d = bar.Close
	case "volume":
		d = bar.Volume
	case "hl2":
		f, _ := bar.High.Add(bar.Low).Div(decimalTwo).Float64()
		return f, nil
	case "hlc3":
		f, _ := bar.High.Add(bar.Low).Add(bar.Close).Div(decimalThree).Float64()
		return f, nil
	case "ohlc4":
		f, _ := bar.Open.Add(bar.High).Add(bar.Low).Add(bar.Close).Div(decimalFour).Float64()
		return f, nil
	default:
		return 0, &types.ValidationError{Reason: fmt.Sprintf("unknown price field %q", sig.Field)}
	}
	f, _ := d.Float64()
	return f, nil
}

func (e *Evaluator) evalIndicator(sig *strategy.Signal, ctx *Context) (float64, error) {
	params := make(map[string]float64, len(sig.Params))
	for name, pv := range sig.Params {
		v, err := e.resolveParamValue(pv, ctx)
		if err != nil {
			return 0, err
		}
		params[name] = v
	}

	key := structuralKey(sig.IndicatorName, params, ctx.Symbol)
	history := ctx.History()
	entry, ok := e.cache[key]
	if !ok || entry.length < len(history) {
		series, err := e.indicators.Compute(sig.IndicatorName, history, params)
		if err != nil {
			return 0, err
		}
		entry = cacheEntry{series: series, length: len(history)}
		e.cache[key] = entry
	}

	component := sig.Component
	out, ok := entry.series[component]
	if !ok {
		return 0, &types.IndicatorError{Name: sig.IndicatorName, Reason: fmt.Sprintf("no output component %q", component)}
	}
	if ctx.Index >= len(out) {
		return math.NaN(), nil
	}
	return out[ctx.Index], nil
}

func structuralKey(name string, params map[string]float64, symbol string) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	b.WriteString(symbol)
	b.WriteByte('|')
	b.WriteString(name)
	for _, k := range keys {
		fmt.Fprintf(&b, "|%s=%v", k, params[k])
	}
	return b.String()
}

func (e *Evaluator) resolveParamValue(pv strategy.ParamValue, ctx *Context) (float64, error) {
	if pv.Literal != nil {
		return *pv.Literal, nil
	}
	if pv.ParamRef != "" {
		v, ok := ctx.Params[pv.ParamRef]
		if !ok {
			return 0, &types.ParameterError{Name: pv.ParamRef, Reason: "not set for this run"}
		}
		return v, nil
	}
	return 0, nil
}

func (e *Evaluator) evalCalendar(sig *strategy.Signal, ctx *Context) float64 {
	bar, ok := ctx.At(0)
	t := ctx.RunDate
	if ok {
		t = bar.Timestamp
	}
	switch sig.CalendarField {
	case "dayofweek":
		return float64(t.Weekday())
	case "day":
		return float64(t.Day())
	case "month":
		return float64(t.Month())
	case "week":
		_, week := t.ISOWeek()
		return float64(week)
	case "is_month_start":
		if t.Day() == 1 {
			return 1
		}
		return 0
	case "is_month_end":
		if t.AddDate(0, 0, 1).Day() == 1 {
			return 1
		}
		return 0
	case "is_quarter_end":
		month := t.Month()
		isQuarterMonth := month == 3 || month == 6 || month == 9 || month == 12
		if isQuarterMonth && t.AddDate(0, 0, 1).Day() == 1 {
			return 1
		}
		return 0
	default:
		return math.NaN()
	}
}

func (e *Evaluator) evalEvent(sig *strategy.Signal, ctx *Context) float64 {
	if ctx.External == nil {
		return math.NaN()
	}
	daysUntil, ok := ctx.External.Lookup("event", sig.EventType)
	if !ok {
		return math.NaN()
	}
	if daysUntil >= -float64(sig.DaysAfter) && daysUntil <= float64(sig.DaysBefore) {
		return 1
	}
	return 0
}

func (e *Evaluator) evalPortfolio(sig *strategy.Signal, ctx *Context) float64 {
	if ctx.Portfolio == nil {
		return math.NaN()
	}
	symbol := sig.Symbol
	if symbol == "" {
		symbol = ctx.Symbol
	}
	var f float64
	switch sig.PortfolioField {
	case "cash":
		f, _ = ctx.Portfolio.Cash().Float64()
	case "equity":
		f, _ = ctx.Portfolio.Equity().Float64()
	case "exposure":
		f, _ = ctx.Portfolio.Exposure().Float64()
	case "unrealized_pnl":
		f, _ = ctx.Portfolio.UnrealizedPnL(symbol).Float64()
	case "position_qty":
		f, _ = ctx.Portfolio.PositionQty(symbol).Float64()
	case "days_held":
		return float64(ctx.Portfolio.DaysHeld(symbol))
	default:
		return math.NaN()
	}
	return f
}

func (e *Evaluator) evalFundamental(sig *strategy.Signal, ctx *Context) float64 {
	symbol := sig.Symbol
	if symbol == "" {
		symbol = ctx.Symbol
	}
	if ctx.External != nil {
		if v, ok := ctx.External.Fundamental(symbol, sig.Metric); ok {
			return v
		}
	}
	return sig.Default
}

func (e *Evaluator) evalExternal(sig *strategy.Signal, ctx *Context) float64 {
	if ctx.External != nil {
		if v, ok := ctx.External.Lookup(sig.Source, sig.Key); ok {
			return v
		}
	}
	return sig.Default
}

// EvalCondition resolves a Condition node to a boolean for the bar at
// ctx.Index. Comparisons against NaN operands are always false.
func (e *Evaluator) EvalCondition(cond *strategy.Condition, ctx *Context) (bool, error) {
	if cond == nil {
		return false, nil
	}
	switch cond.Kind {
	case strategy.ConditionAlways:
		return true, nil
	case strategy.ConditionComparison:
		left, err := e.EvalSignal(cond.Left, ctx)
		if err != nil {
			return false, err
		}
		right, err := e.EvalSignal(cond.Right, ctx)
		if err != nil {
			return false, err
		}
		return compare(left, cond.Op, right), nil
	case strategy.ConditionAnd:
		for _, op := range cond.Operands {
			ok, err := e.EvalCondition(op, ctx)
			if err != nil {
				return false, err
			}
			if !ok {
				return false, nil
			}
		}
		return true, nil
	case strategy.ConditionOr:
		for _, op := range cond.Operands {
			ok, err := e.EvalCondition(op, ctx)
			if err != nil {
				return false, err
			}
			if ok {
				return true, nil
			}
		}
		return false, nil
	case strategy.ConditionNot:
		ok, err := e.EvalCondition(cond.Operand, ctx)
		if err != nil {
			return false, err
		}
		return !ok, nil
	case strategy.ConditionExpr:
		v, err := e.EvalExpr(cond.Formula, ctx)
		if err != nil {
			return false, err
		}
		return v != 0 && !math.IsNaN(v), nil
	case strategy.ConditionRef:
		target, ok := e.tree.Conditions[strategy.RefName(cond.RefPath)]
		if !ok {
			return false, &types.ValidationError{Reason: fmt.Sprintf("unresolved $ref: %q", cond.RefPath)}
		}
		return e.EvalCondition(target, ctx)
	default:
		return false, &types.ValidationError{Reason: fmt.Sprintf("unknown condition kind %q", cond.Kind)}
	}
}

func compare(left float64, op strategy.ComparisonOp, right float64) bool {
	if math.IsNaN(left) || math.IsNaN(right) {
		return false
	}
	switch op {
	case strategy.OpLT:
		return left < right
	case strategy.OpLE:
		return left <= right
	case strategy.OpEQ:
		return left == right
	case strategy.OpGE:
		return left >= right
	case strategy.OpGT:
		return left > right
	case strategy.OpNE:
		return left != right
	default:
		return false
	}
}
