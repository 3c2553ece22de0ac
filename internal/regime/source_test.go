package regime

import (
	"testing"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

func TestSourceLookupResolvesRegimeKeys(t *testing.T) {
	detector := NewRegimeDetector(zap.NewNop(), DefaultRegimeConfig())
	src := NewSource(detector)

	price := decimal.NewFromInt(100)
	for i := 0; i < 40; i++ {
		price = price.Mul(decimal.NewFromFloat(1.01))
		src.Update(price)
	}

	if _, ok := src.Lookup("other", "primary"); ok {
		t.Error("expected Lookup to reject a non-regime source")
	}
	if _, ok := src.Lookup("regime", "nonexistent"); ok {
		t.Error("expected Lookup to reject an unknown key")
	}

	if v, ok := src.Lookup("regime", "primary"); !ok {
		t.Error("expected primary regime to resolve")
	} else if v < 0 {
		t.Errorf("unexpected negative regime code: %v", v)
	}
	if _, ok := src.Lookup("regime", "confidence"); !ok {
		t.Error("expected confidence to resolve")
	}
}

func TestSourceFundamentalAlwaysMisses(t *testing.T) {
	src := NewSource(NewRegimeDetector(zap.NewNop(), DefaultRegimeConfig()))
	if _, ok := src.Fundamental("AAPL", "pe_ratio"); ok {
		t.Error("regime source should never resolve fundamentals")
	}
}
