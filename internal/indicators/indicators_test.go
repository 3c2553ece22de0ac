package indicators

import (
	"math"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/utss/backtester/pkg/types"
)

func barsFromCloses(closes []float64) []types.Bar {
	bars := make([]types.Bar, len(closes))
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	for i, c := range closes {
		d := decimal.NewFromFloat(c)
		bars[i] = types.Bar{
			Timestamp: base.AddDate(0, 0, i),
			Open:      d,
			High:      d,
			Low:       d,
			Close:     d,
			Volume:    decimal.NewFromInt(1000),
		}
	}
	return bars
}

func TestSMA(t *testing.T) {
	bars := barsFromCloses([]float64{1, 2, 3, 4, 5})
	out, err := NewRegistry().Compute("SMA", bars, map[string]float64{"period": 3})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	series := out[""]
	if !math.IsNaN(series[0]) || !math.IsNaN(series[1]) {
		t.Fatalf("expected warmup NaN, got %v", series[:2])
	}
	if got := series[2]; math.Abs(got-2.0) > 1e-9 {
		t.Errorf("SMA[2] = %v, want 2.0", got)
	}
	if got := series[4]; math.Abs(got-4.0) > 1e-9 {
		t.Errorf("SMA[4] = %v, want 4.0", got)
	}
}

func TestEMASeedsWithSMA(t *testing.T) {
	bars := barsFromCloses([]float64{1, 2, 3, 4, 5, 6})
	out, err := NewRegistry().Compute("EMA", bars, map[string]float64{"period": 3})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	series := out[""]
	if math.Abs(series[2]-2.0) > 1e-9 {
		t.Errorf("EMA seed = %v, want 2.0", series[2])
	}
	if math.IsNaN(series[5]) {
		t.Errorf("EMA[5] should be computed")
	}
}

func TestRSIBounds(t *testing.T) {
	closesUp := make([]float64, 0, 20)
	for i := 0; i < 20; i++ {
		closesUp = append(closesUp, float64(100+i))
	}
	bars := barsFromCloses(closesUp)
	out, err := NewRegistry().Compute("RSI", bars, map[string]float64{"period": 14})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	last := out[""][len(closesUp)-1]
	if last < 99 || last > 100.0001 {
		t.Errorf("RSI on monotonic uptrend = %v, want close to 100", last)
	}
}

func TestBollingerBandsOrdering(t *testing.T) {
	bars := barsFromCloses([]float64{10, 11, 9, 12, 8, 13, 10, 11, 9, 12, 14, 15, 9, 8, 20, 10, 11, 9, 12, 14})
	out, err := NewRegistry().Compute("BB", bars, map[string]float64{"period": 5, "stddev": 2})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	upper, middle, lower := out["upper"], out["middle"], out["lower"]
	for i := 4; i < len(bars); i++ {
		if !(lower[i] <= middle[i] && middle[i] <= upper[i]) {
			t.Fatalf("bar %d: expected lower<=middle<=upper, got %v <= %v <= %v", i, lower[i], middle[i], upper[i])
		}
	}
}

func TestUnknownIndicator(t *testing.T) {
	_, err := NewRegistry().Compute("NOPE", barsFromCloses([]float64{1, 2}), nil)
	if err == nil {
		t.Fatal("expected error for unknown indicator")
	}
	if _, ok := err.(*types.IndicatorError); !ok {
		t.Fatalf("expected *types.IndicatorError, got %T", err)
	}
}
