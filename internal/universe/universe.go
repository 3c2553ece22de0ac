// Package universe resolves a strategy's universe specification into
// a concrete symbol list. Four variants are supported: static, index,
// screener, and dual (independent long/short sides).
package universe

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/utss/backtester/internal/strategy"
	"github.com/utss/backtester/pkg/types"
)

// indexConstituents holds a small representative subset per index.
// A production deployment would source these from a data provider;
// this core ships enough to exercise index/dual resolution end to end.
var indexConstituents = map[string][]string{
	"DOW30": {
		"AAPL", "AMGN", "AXP", "BA", "CAT", "CRM", "CSCO", "CVX", "DIS", "DOW",
		"GS", "HD", "HON", "IBM", "INTC", "JNJ", "JPM", "KO", "MCD", "MMM",
		"MRK", "MSFT", "NKE", "PG", "TRV", "UNH", "V", "VZ", "WBA", "WMT",
	},
	"NIKKEI225": {
		"7203.T", "6758.T", "9984.T", "8306.T", "6861.T", "6501.T", "7267.T",
		"4502.T", "9432.T", "6902.T", "8035.T", "7751.T", "4503.T", "6367.T",
		"8316.T", "9433.T", "6954.T", "7974.T", "4063.T", "8411.T",
	},
}

// Resolver resolves Universe nodes into symbol lists. Screener
// filtering runs through the evaluator against a caller-supplied bar
// frame; the resolver itself only owns index lookups and dedup.
type Resolver struct {
	logger  *zap.Logger
	indices map[string][]string
}

// NewResolver builds a Resolver preloaded with the built-in index
// constituents, optionally extended with custom indices.
func NewResolver(logger *zap.Logger, customIndices map[string][]string) *Resolver {
	indices := make(map[string][]string, len(indexConstituents)+len(customIndices))
	for name, symbols := range indexConstituents {
		indices[name] = append([]string(nil), symbols...)
	}
	for name, symbols := range customIndices {
		indices[name] = append([]string(nil), symbols...)
	}
	return &Resolver{logger: logger, indices: indices}
}

// AddIndex registers a custom index definition.
func (r *Resolver) AddIndex(name string, symbols []string) {
	r.indices[name] = append([]string(nil), symbols...)
}

// Resolve returns the symbol list for a universe specification. It
// does not evaluate screener filters: callers that need
// filter/rank-based screening run the returned base list through the
// evaluator themselves and pass the filtered set onward. This keeps
// Resolve pure with respect to bar data.
func (r *Resolver) Resolve(u strategy.Universe) ([]string, error) {
	switch u.Kind {
	case strategy.UniverseStatic:
		if len(u.Symbols) == 0 {
			return nil, &types.ValidationError{Reason: "static universe requires a non-empty symbols list"}
		}
		return append([]string(nil), u.Symbols...), nil
	case strategy.UniverseIndex:
		symbols := r.indexSymbols(u.Index)
		return applyLimit(symbols, u.Limit), nil
	case strategy.UniverseScreener:
		symbols := r.screenerBase(u.Base)
		return applyLimit(symbols, u.Limit), nil
	case strategy.UniverseDual:
		return r.resolveDual(u)
	default:
		return nil, &types.ValidationError{Reason: fmt.Sprintf("unknown universe type %q", u.Kind)}
	}
}

func (r *Resolver) screenerBase(base string) []string {
	if base == "" {
		return nil
	}
	symbols, ok := r.indices[base]
	if !ok {
		r.logger.Warn("unknown screener base, returning empty universe", zap.String("base", base))
		return nil
	}
	return append([]string(nil), symbols...)
}

func (r *Resolver) resolveDual(u strategy.Universe) ([]string, error) {
	seen := map[string]bool{}
	var out []string
	add := func(side *strategy.Universe) {
		if side == nil || side.Index == "" {
			return
		}
		symbols := applyLimit(r.indexSymbols(side.Index), side.Limit)
		for _, s := range symbols {
			if !seen[s] {
				seen[s] = true
				out = append(out, s)
			}
		}
	}
	add(u.Long)
	add(u.Short)
	return out, nil
}

func (r *Resolver) indexSymbols(name string) []string {
	symbols, ok := r.indices[name]
	if !ok {
		r.logger.Warn("index not found in local database", zap.String("index", name))
		return nil
	}
	return append([]string(nil), symbols...)
}

func applyLimit(symbols []string, limit int) []string {
	if limit > 0 && limit < len(symbols) {
		return symbols[:limit]
	}
	return symbols
}
