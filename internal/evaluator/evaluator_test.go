package evaluator

import (
	"math"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/utss/backtester/internal/indicators"
	"github.com/utss/backtester/internal/strategy"
	"github.com/utss/backtester/pkg/types"
)

func lit(v float64) strategy.ParamValue { return strategy.ParamValue{Literal: &v} }

func closeBars(closes []float64) []types.Bar {
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	bars := make([]types.Bar, len(closes))
	for i, c := range closes {
		d := decimal.NewFromFloat(c)
		bars[i] = types.Bar{Timestamp: base.AddDate(0, 0, i), Open: d, High: d, Low: d, Close: d, Volume: decimal.NewFromInt(1000)}
	}
	return bars
}

func newTestCtx(bars []types.Bar, index int) *Context {
	return &Context{Bars: bars, Index: index, Symbol: "TEST", Params: map[string]float64{}}
}

func TestEvalSignalPrice(t *testing.T) {
	bars := closeBars([]float64{10, 20, 30})
	tree := &strategy.Tree{Signals: map[string]*strategy.Signal{}, Conditions: map[string]*strategy.Condition{}}
	e := New(tree, indicators.NewRegistry())
	ctx := newTestCtx(bars, 2)

	v, err := e.EvalSignal(&strategy.Signal{Kind: strategy.SignalPrice, Field: "close"}, ctx)
	if err != nil || v != 30 {
		t.Fatalf("close = %v, %v; want 30", v, err)
	}

	v, err = e.EvalSignal(&strategy.Signal{Kind: strategy.SignalPrice, Field: "close", Offset: 1}, ctx)
	if err != nil || v != 20 {
		t.Fatalf("close[-1] = %v, %v; want 20", v, err)
	}

	v, err = e.EvalSignal(&strategy.Signal{Kind: strategy.SignalPrice, Field: "close", Offset: 10}, ctx)
	if err != nil || !math.IsNaN(v) {
		t.Fatalf("close offset before history = %v, %v; want NaN", v, err)
	}
}

func TestEvalSignalIndicatorMemoizes(t *testing.T) {
	closes := make([]float64, 0, 20)
	for i := 0; i < 20; i++ {
		closes = append(closes, float64(100+i))
	}
	bars := closeBars(closes)
	tree := &strategy.Tree{Signals: map[string]*strategy.Signal{}, Conditions: map[string]*strategy.Condition{}}
	e := New(tree, indicators.NewRegistry())
	ctx := newTestCtx(bars, 19)

	sig := &strategy.Signal{Kind: strategy.SignalIndicator, IndicatorName: "SMA", Params: map[string]strategy.ParamValue{"period": lit(5)}}
	v1, err := e.EvalSignal(sig, ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(e.cache) != 1 {
		t.Fatalf("expected one cache entry, got %d", len(e.cache))
	}
	v2, err := e.EvalSignal(sig, ctx)
	if err != nil || v1 != v2 {
		t.Fatalf("cached value mismatch: %v vs %v", v1, v2)
	}
}

func TestEvalConditionComparison(t *testing.T) {
	bars := closeBars([]float64{10, 20})
	tree := &strategy.Tree{Signals: map[string]*strategy.Signal{}, Conditions: map[string]*strategy.Condition{}}
	e := New(tree, indicators.NewRegistry())
	ctx := newTestCtx(bars, 1)

	cond := &strategy.Condition{
		Kind: strategy.ConditionComparison,
		Left: &strategy.Signal{Kind: strategy.SignalPrice, Field: "close"},
		Op:   strategy.OpGT,
		Right: &strategy.Signal{Kind: strategy.SignalConstant, Constant: lit(15)},
	}
	ok, err := e.EvalCondition(cond, ctx)
	if err != nil || !ok {
		t.Fatalf("close(20) > 15 = %v, %v; want true", ok, err)
	}
}

func TestValidateRejectsConditionRefCycle(t *testing.T) {
	tree := &strategy.Tree{
		Info:     strategy.Info{ID: "s1", Name: "cycle", Version: "1"},
		Universe: strategy.Universe{Kind: strategy.UniverseStatic, Symbols: []string{"TEST"}},
		Signals:  map[string]*strategy.Signal{},
		Conditions: map[string]*strategy.Condition{
			"a": {Kind: strategy.ConditionRef, RefPath: "#/conditions/b"},
			"b": {Kind: strategy.ConditionRef, RefPath: "#/conditions/a"},
		},
	}
	tree.Rules = []strategy.Rule{{Name: "r", When: tree.Conditions["a"], Then: &strategy.Action{Kind: strategy.ActionHold}}}
	err := strategy.Validate(tree)
	if err == nil {
		t.Fatal("expected cycle validation error")
	}
	if _, ok := err.(*types.ValidationError); !ok {
		t.Fatalf("expected *types.ValidationError, got %T", err)
	}
}

func TestEvalExprArithmeticAndComparison(t *testing.T) {
	bars := closeBars([]float64{10, 20, 30})
	tree := &strategy.Tree{Signals: map[string]*strategy.Signal{}, Conditions: map[string]*strategy.Condition{}}
	e := New(tree, indicators.NewRegistry())
	ctx := newTestCtx(bars, 2)

	v, err := e.EvalExpr("close - close[-1]", ctx)
	if err != nil || v != 10 {
		t.Fatalf("close - close[-1] = %v, %v; want 10", v, err)
	}

	v, err = e.EvalExpr("close > 25 and close[-1] > 15", ctx)
	if err != nil || v != 1 {
		t.Fatalf("and expression = %v, %v; want 1", v, err)
	}

	v, err = e.EvalExpr("not (close < 25)", ctx)
	if err != nil || v != 1 {
		t.Fatalf("not expression = %v, %v; want 1", v, err)
	}
}

func TestEvalExprIndicatorCall(t *testing.T) {
	closes := []float64{}
	for i := 0; i < 10; i++ {
		closes = append(closes, float64(10+i))
	}
	bars := closeBars(closes)
	tree := &strategy.Tree{Signals: map[string]*strategy.Signal{}, Conditions: map[string]*strategy.Condition{}}
	e := New(tree, indicators.NewRegistry())
	ctx := newTestCtx(bars, 9)

	v, err := e.EvalExpr("SMA(3)", ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := (17.0 + 18.0 + 19.0) / 3.0
	if math.Abs(v-want) > 1e-9 {
		t.Fatalf("SMA(3) = %v, want %v", v, want)
	}
}

func TestEvalExprOperatorPrecedence(t *testing.T) {
	bars := closeBars([]float64{1})
	tree := &strategy.Tree{Signals: map[string]*strategy.Signal{}, Conditions: map[string]*strategy.Condition{}}
	e := New(tree, indicators.NewRegistry())
	ctx := newTestCtx(bars, 0)

	v, err := e.EvalExpr("2 + 3 * 4", ctx)
	if err != nil || v != 14 {
		t.Fatalf("2 + 3*4 = %v, %v; want 14", v, err)
	}

	v, err = e.EvalExpr("-2 * 3 + 1", ctx)
	if err != nil || v != -5 {
		t.Fatalf("-2*3+1 = %v, %v; want -5", v, err)
	}
}

func TestEvalExprParseError(t *testing.T) {
	bars := closeBars([]float64{1})
	tree := &strategy.Tree{Signals: map[string]*strategy.Signal{}, Conditions: map[string]*strategy.Condition{}}
	e := New(tree, indicators.NewRegistry())
	ctx := newTestCtx(bars, 0)

	_, err := e.EvalExpr("close +", ctx)
	if err == nil {
		t.Fatal("expected parse error")
	}
	if _, ok := err.(*types.ExpressionError); !ok {
		t.Fatalf("expected *types.ExpressionError, got %T", err)
	}
}
