package regime

import "github.com/shopspring/decimal"

// regimeCodes assigns each RegimeType a stable float so a strategy
// tree can compare "external" signal output against a literal, e.g.
// Lookup("regime", "primary") == 1 for RegimeBull.
var regimeCodes = map[RegimeType]float64{
	RegimeUnknown:       0,
	RegimeBull:          1,
	RegimeBear:          2,
	RegimeHighVol:       3,
	RegimeLowVol:        4,
	RegimeMeanReverting: 5,
	RegimeTrending:      6,
	RegimeTransition:    7,
}

// Source adapts a RegimeDetector into the evaluator's ExternalSource
// interface, so a strategy tree's "external" signal nodes with
// source="regime" resolve against the live regime classification.
// Feed it one bar's close-to-close return per Update call, in step
// with the runner's bar loop; it holds no reference to a bar history
// itself.
type Source struct {
	detector  *RegimeDetector
	prevClose decimal.Decimal
	haveClose bool
}

// NewSource wraps detector for evaluator lookup. detector continues to
// own all regime state; Source only translates Update calls into
// AddReturn calls and classification queries into float64 lookups.
func NewSource(detector *RegimeDetector) *Source {
	return &Source{detector: detector}
}

// Update feeds one bar's close price into the underlying detector,
// converting it to a return against the previous close. Call this once
// per bar, before evaluating that bar's conditions.
func (s *Source) Update(close decimal.Decimal) {
	if s.haveClose && !s.prevClose.IsZero() {
		ret, _ := close.Sub(s.prevClose).Div(s.prevClose).Float64()
		s.detector.AddReturn(ret)
	}
	s.prevClose = close
	s.haveClose = true
}

// Lookup resolves "regime" source keys: "primary" and "secondary"
// return the encoded RegimeType (see regimeCodes), "confidence"
// returns the classifier's confidence in [0,1], "trend",
// "volatility" and "mean_reversion" return the underlying feature
// values. Any other source
// or key reports not-found.
func (s *Source) Lookup(source, key string) (float64, bool) {
	if source != "regime" {
		return 0, false
	}
	state := s.detector.GetCurrentRegime()
	switch key {
	case "primary":
		return regimeCodes[state.Primary], true
	case "secondary":
		return regimeCodes[state.Secondary], true
	case "confidence":
		return state.Confidence, true
	case "trend":
		return state.Trend, true
	case "volatility":
		return state.Volatility, true
	case "mean_reversion":
		return state.MeanReversion, true
	default:
		return 0, false
	}
}

// Fundamental never resolves for the regime source -- classification
// is a derived signal, not a fundamental data point.
func (s *Source) Fundamental(symbol, metric string) (float64, bool) {
	return 0, false
}
