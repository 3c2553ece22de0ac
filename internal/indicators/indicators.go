// Package indicators provides a minimal pure-function indicator
// registry. An indicator is a black box: name, parameters, and the
// bar history in, one or more named output series out. Deeper
// indicator coverage is out of scope; this registry ships the small
// built-in set the expression evaluator and signal evaluator need to
// exercise the indicator-call path end to end.
package indicators

import (
	"fmt"
	"math"

	"github.com/utss/backtester/pkg/types"
)

// Series is one named output of an indicator call, aligned to the
// input bar slice: Series[i] corresponds to bars[i]. Warmup entries
// that cannot yet be computed are math.NaN().
type Series []float64

// Func computes an indicator over a closed bar history given
// resolved numeric parameters. It returns one series per output
// component; single-output indicators return a map with one entry
// keyed by the empty string.
type Func func(bars []types.Bar, params map[string]float64) (map[string]Series, error)

// Registry resolves indicator names to their compute functions.
type Registry struct {
	funcs map[string]Func
}

// NewRegistry builds a registry preloaded with the built-in set.
func NewRegistry() *Registry {
	r := &Registry{funcs: make(map[string]Func)}
	r.Register("SMA", sma)
	r.Register("EMA", ema)
	r.Register("RSI", rsi)
	r.Register("ATR", atr)
	r.Register("BB", bollingerBands)
	return r
}

// Register adds or replaces an indicator implementation.
func (r *Registry) Register(name string, fn Func) {
	r.funcs[name] = fn
}

// Compute dispatches to the named indicator, returning IndicatorError
// for unknown names.
func (r *Registry) Compute(name string, bars []types.Bar, params map[string]float64) (map[string]Series, error) {
	fn, ok := r.funcs[name]
	if !ok {
		return nil, &types.IndicatorError{Name: name, Reason: "unknown indicator"}
	}
	return fn(bars, params)
}

func closes(bars []types.Bar) []float64 {
	out := make([]float64, len(bars))
	for i, b := range bars {
		out[i], _ = b.Close.Float64()
	}
	return out
}

func nanSeries(n int) Series {
	s := make(Series, n)
	for i := range s {
		s[i] = math.NaN()
	}
	return s
}

func intParam(params map[string]float64, name string, def int) int {
	if v, ok := params[name]; ok {
		return int(v)
	}
	return def
}

func floatParam(params map[string]float64, name string, def float64) float64 {
	if v, ok := params[name]; ok {
		return v
	}
	return def
}

func sma(bars []types.Bar, params map[string]float64) (map[string]Series, error) {
	period := intParam(params, "period", 14)
	if period < 1 {
		return nil, &types.IndicatorError{Name: "SMA", Reason: "period must be >= 1"}
	}
	c := closes(bars)
	out := nanSeries(len(c))
	sum := 0.0
	for i, v := range c {
		sum += v
		if i >= period {
			sum -= c[i-period]
		}
		if i >= period-1 {
			out[i] = sum / float64(period)
		}
	}
	return map[string]Series{"": out}, nil
}

func ema(bars []types.Bar, params map[string]float64) (map[string]Series, error) {
	period := intParam(params, "period", 14)
	if period < 1 {
		return nil, &types.IndicatorError{Name: "EMA", Reason: "period must be >= 1"}
	}
	c := closes(bars)
	out := nanSeries(len(c))
	mult := 2.0 / float64(period+1)
	var current float64
	seeded := false
	for i, v := range c {
		if !seeded {
			if i < period-1 {
				continue
			}
			// seed with the SMA of the first `period` closes
			sum := 0.0
			for j := i - period + 1; j <= i; j++ {
				sum += c[j]
			}
			current = sum / float64(period)
			seeded = true
			out[i] = current
			continue
		}
		current = (v-current)*mult + current
		out[i] = current
	}
	return map[string]Series{"": out}, nil
}

func rsi(bars []types.Bar, params map[string]float64) (map[string]Series, error) {
	period := intParam(params, "period", 14)
	if period < 1 {
		return nil, &types.IndicatorError{Name: "RSI", Reason: "period must be >= 1"}
	}
	c := closes(bars)
	out := nanSeries(len(c))
	if len(c) <= period {
		return map[string]Series{"": out}, nil
	}

	var avgGain, avgLoss float64
	for i := 1; i <= period; i++ {
		change := c[i] - c[i-1]
		if change > 0 {
			avgGain += change
		} else {
			avgLoss -= change
		}
	}
	avgGain /= float64(period)
	avgLoss /= float64(period)
	out[period] = rsiFromAvgs(avgGain, avgLoss)

	for i := period + 1; i < len(c); i++ {
		change := c[i] - c[i-1]
		gain, loss := 0.0, 0.0
		if change > 0 {
			gain = change
		} else {
			loss = -change
		}
		avgGain = (avgGain*float64(period-1) + gain) / float64(period)
		avgLoss = (avgLoss*float64(period-1) + loss) / float64(period)
		out[i] = rsiFromAvgs(avgGain, avgLoss)
	}
	return map[string]Series{"": out}, nil
}

func rsiFromAvgs(avgGain, avgLoss float64) float64 {
	if avgLoss == 0 {
		return 100
	}
	rs := avgGain / avgLoss
	return 100 - (100 / (1 + rs))
}

func atr(bars []types.Bar, params map[string]float64) (map[string]Series, error) {
	period := intParam(params, "period", 14)
	if period < 1 {
		return nil, &types.IndicatorError{Name: "ATR", Reason: "period must be >= 1"}
	}
	n := len(bars)
	trueRanges := make([]float64, n)
	for i := 0; i < n; i++ {
		h, _ := bars[i].High.Float64()
		l, _ := bars[i].Low.Float64()
		if i == 0 {
			trueRanges[i] = h - l
			continue
		}
		pc, _ := bars[i-1].Close.Float64()
		tr := h - l
		if v := math.Abs(h - pc); v > tr {
			tr = v
		}
		if v := math.Abs(l - pc); v > tr {
			tr = v
		}
		trueRanges[i] = tr
	}

	out := nanSeries(n)
	if n <= period {
		return map[string]Series{"": out}, nil
	}
	sum := 0.0
	for i := 1; i <= period; i++ {
		sum += trueRanges[i]
	}
	current := sum / float64(period)
	out[period] = current
	for i := period + 1; i < n; i++ {
		current = (current*float64(period-1) + trueRanges[i]) / float64(period)
		out[i] = current
	}
	return map[string]Series{"": out}, nil
}

func bollingerBands(bars []types.Bar, params map[string]float64) (map[string]Series, error) {
	period := intParam(params, "period", 20)
	numStdDev := floatParam(params, "stddev", 2.0)
	if period < 1 {
		return nil, &types.IndicatorError{Name: "BB", Reason: "period must be >= 1"}
	}
	c := closes(bars)
	n := len(c)
	middle := nanSeries(n)
	upper := nanSeries(n)
	lower := nanSeries(n)

	for i := period - 1; i < n; i++ {
		window := c[i-period+1 : i+1]
		mean := 0.0
		for _, v := range window {
			mean += v
		}
		mean /= float64(period)

		variance := 0.0
		for _, v := range window {
			diff := v - mean
			variance += diff * diff
		}
		variance /= float64(period)
		std := math.Sqrt(variance)

		middle[i] = mean
		upper[i] = mean + numStdDev*std
		lower[i] = mean - numStdDev*std
	}
	return map[string]Series{"middle": middle, "upper": upper, "lower": lower}, nil
}

// FormatParamError is a convenience for callers building
// IndicatorError messages with a parameter name.
func FormatParamError(indicator, param string, reason string) error {
	return &types.IndicatorError{Name: indicator, Reason: fmt.Sprintf("parameter %q: %s", param, reason)}
}
