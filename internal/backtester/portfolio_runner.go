package backtester

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/utss/backtester/internal/evaluator"
	"github.com/utss/backtester/internal/execution"
	"github.com/utss/backtester/internal/indicators"
	"github.com/utss/backtester/internal/portfolio"
	"github.com/utss/backtester/internal/sizing"
	"github.com/utss/backtester/internal/strategy"
	"github.com/utss/backtester/pkg/types"
)

// RebalanceFrequency discriminates cadence variants for the portfolio
// runner's periodic rebalance trigger.
type RebalanceFrequency string

const (
	RebalanceNever   RebalanceFrequency = "never"
	RebalanceWeekly  RebalanceFrequency = "weekly"
	RebalanceMonthly RebalanceFrequency = "monthly"
	RebalanceOnDrift RebalanceFrequency = "on_drift"
)

// RebalanceCadence pairs a frequency with the drift threshold
// on_drift needs (ignored by the other variants).
type RebalanceCadence struct {
	Frequency      RebalanceFrequency
	DriftThreshold decimal.Decimal
}

// PortfolioRunner drives one strategy tree against N symbols' bar
// frames in lockstep over their unified, sorted timestamp set,
// rebalancing toward a weight scheme on the configured cadence. Within
// a bar the phase order is update -> rebalance? -> rule actions ->
// protective exits -> snapshot -- the single-symbol Runner's order
// with a rebalance phase added; protective exits run after rule actions
// in both runners.
type PortfolioRunner struct {
	logger   *zap.Logger
	tree     *strategy.Tree
	eval     *evaluator.Evaluator
	sizer    *sizing.Resolver
	executor *execution.Executor
	weights  *portfolio.WeightResolver
	scheme   portfolio.WeightScheme
	cadence  RebalanceCadence
	external evaluator.ExternalSource
	ctx      context.Context

	runID         string
	onProgress    func(types.BacktestProgress)
	progressEvery int
}

// WithContext arranges for Run to check ctx before each unified date
// and stop early, closing every open position at the close of its
// symbol's last processed bar (the date being checked is not processed)
// and returning a *CancelledError alongside the partial result, once
// ctx is done. Optional; without it Run always runs to completion.
func (r *PortfolioRunner) WithContext(ctx context.Context) *PortfolioRunner {
	r.ctx = ctx
	return r
}

// WithExternal attaches an external signal source (e.g. a regime
// classifier) so the tree's "external" signal nodes can resolve
// against it across every symbol in the universe.
func (r *PortfolioRunner) WithExternal(ext evaluator.ExternalSource) *PortfolioRunner {
	r.external = ext
	return r
}

// WithProgress arranges for onProgress to be called on every every'th
// unified date (and on the final date) with a BacktestProgress
// snapshot.
func (r *PortfolioRunner) WithProgress(runID string, onProgress func(types.BacktestProgress), every int) *PortfolioRunner {
	r.runID = runID
	r.onProgress = onProgress
	if every <= 0 {
		every = 1
	}
	r.progressEvery = every
	return r
}

// ParseRebalanceCadence maps a config-level frequency name to a
// RebalanceCadence. An unrecognized name falls back to RebalanceNever.
func ParseRebalanceCadence(frequency string, driftThreshold decimal.Decimal) RebalanceCadence {
	switch RebalanceFrequency(frequency) {
	case RebalanceWeekly:
		return RebalanceCadence{Frequency: RebalanceWeekly}
	case RebalanceMonthly:
		return RebalanceCadence{Frequency: RebalanceMonthly}
	case RebalanceOnDrift:
		return RebalanceCadence{Frequency: RebalanceOnDrift, DriftThreshold: driftThreshold}
	default:
		return RebalanceCadence{Frequency: RebalanceNever}
	}
}

// NewPortfolioRunner builds a PortfolioRunner.
func NewPortfolioRunner(logger *zap.Logger, tree *strategy.Tree, reg *indicators.Registry, executor *execution.Executor, scheme portfolio.WeightScheme, cadence RebalanceCadence) *PortfolioRunner {
	return &PortfolioRunner{
		logger:   logger,
		tree:     tree,
		eval:     evaluator.New(tree, reg),
		sizer:    sizing.NewResolver(logger, reg),
		executor: executor,
		weights:  portfolio.NewWeightResolver(logger),
		scheme:   scheme,
		cadence:  cadence,
	}
}

// symbolFrame indexes one symbol's bars by timestamp so the runner can
// look up "today's bar for this symbol" against the unified date axis
// without a linear scan per bar.
type symbolFrame struct {
	bars    []types.Bar
	byDate  map[int64]int
	lastIdx int
}

func newSymbolFrame(bars []types.Bar) *symbolFrame {
	byDate := make(map[int64]int, len(bars))
	for i, b := range bars {
		byDate[b.Timestamp.UnixNano()] = i
	}
	return &symbolFrame{bars: bars, byDate: byDate, lastIdx: -1}
}

func (f *symbolFrame) indexAt(d time.Time) (int, bool) {
	i, ok := f.byDate[d.UnixNano()]
	return i, ok
}

// Run executes the strategy across symbols' independent bar frames,
// starting from initialCapital, and returns the assembled portfolio
// result.
func (r *PortfolioRunner) Run(symbols []string, framesBySymbol map[string][]types.Bar, initialCapital decimal.Decimal) (*types.PortfolioResult, error) {
	if len(symbols) == 0 {
		return nil, &types.DataError{Reason: "empty symbol universe"}
	}
	frames := make(map[string]*symbolFrame, len(symbols))
	for _, s := range symbols {
		bars := framesBySymbol[s]
		if len(bars) == 0 {
			return nil, &types.DataError{Symbol: s, Reason: "empty bar frame"}
		}
		frames[s] = newSymbolFrame(bars)
	}

	dates := unifiedDates(framesBySymbol, symbols)
	if len(dates) == 0 {
		return nil, &types.DataError{Reason: "no overlapping dates across symbol frames"}
	}

	r.eval.Reset()
	book := portfolio.New(r.logger, initialCapital)
	exitCheck := portfolio.ExitCheckFromConstraints(r.tree.Constraints)

	snapshots := make([]*types.Snapshot, 0, len(dates))
	weightHistory := make(map[string]map[string]float64, len(dates))
	rebalanceCount := 0
	turnoverSum := decimal.Zero
	lastTargets := r.weights.Resolve(r.scheme, symbols, framesBySymbol)
	var lastRebalance time.Time
	var cancelled bool

	for di, d := range dates {
		if r.ctx != nil && r.ctx.Err() != nil {
			cancelled = true
			break
		}

		prices := make(map[string]decimal.Decimal, len(symbols))
		for _, s := range symbols {
			if idx, ok := frames[s].indexAt(d); ok {
				frames[s].lastIdx = idx
				prices[s] = frames[s].bars[idx].Close
			}
		}
		for s, p := range prices {
			book.MarkToMarket(s, p, d)
		}

		if r.shouldRebalance(d, lastRebalance, book, prices, lastTargets) {
			history := make(map[string][]types.Bar, len(symbols))
			for _, s := range symbols {
				if idx, ok := frames[s].indexAt(d); ok {
					history[s] = frames[s].bars[:idx+1]
				}
			}
			lastTargets = r.weights.Resolve(r.scheme, symbols, history)
			turnover, err := portfolio.Rebalance(r.executor, book, d, symbols, prices, lastTargets)
			if err != nil {
				return nil, err
			}
			rebalanceCount++
			turnoverSum = turnoverSum.Add(turnover)
			lastRebalance = d
		}

		for _, s := range symbols {
			idx, ok := frames[s].indexAt(d)
			if !ok {
				continue
			}
			ctx := &evaluator.Context{Bars: frames[s].bars, Index: idx, Symbol: s, Params: r.tree.Parameters, Portfolio: book, RunDate: d, External: r.external}
			for _, rule := range r.tree.Rules {
				if !rule.Enabled {
					continue
				}
				fire, err := r.eval.EvalCondition(rule.When, ctx)
				if err != nil {
					var ie *types.IndicatorError
					var ee *types.ExpressionError
					if !errors.As(err, &ie) && !errors.As(err, &ee) {
						return nil, err
					}
					r.logger.Warn("rule evaluation failed, rule treated as false", zap.String("rule", rule.Name), zap.String("symbol", s), zap.Error(err))
					continue
				}
				if !fire {
					continue
				}
				bar := frames[s].bars[idx]
				if err := r.applyConstrainedAction(book, s, bar, ctx.History(), rule.Then); err != nil {
					return nil, err
				}
			}
		}

		for s, p := range prices {
			if !book.HasPosition(s) {
				continue
			}
			if reason, exit := book.CheckExit(s, p, exitCheck); exit {
				bar := frames[s].bars[frames[s].lastIdx]
				if err := r.closePosition(book, s, bar, reason); err != nil {
					return nil, err
				}
			}
		}

		snap := book.Snapshot(d)
		snapshots = append(snapshots, snap)
		weightHistory[d.Format(time.RFC3339)] = decimalWeightsToFloat(book.CurrentWeights(prices))

		if r.onProgress != nil && (di%r.progressEvery == 0 || di == len(dates)-1) {
			r.onProgress(types.BacktestProgress{
				RunID:          r.runID,
				Status:         "running",
				Progress:       float64(di+1) / float64(len(dates)),
				BarsProcessed:  di + 1,
				TotalBars:      len(dates),
				CurrentDate:    d,
				TradesExecuted: len(book.Trades()),
				CurrentEquity:  book.Equity(),
			})
		}
	}

	closeReason := endOfBacktestReason
	if cancelled {
		closeReason = "cancelled"
	}
	for _, s := range symbols {
		frame := frames[s]
		if frame.lastIdx < 0 || !book.HasPosition(s) {
			continue
		}
		lastBar := frame.bars[frame.lastIdx]
		if err := r.closePosition(book, s, lastBar, closeReason); err != nil {
			return nil, err
		}
	}
	endDate := dates[len(dates)-1]
	if cancelled && len(snapshots) > 0 {
		endDate = snapshots[len(snapshots)-1].Date
	}
	if len(snapshots) > 0 {
		snapshots[len(snapshots)-1] = book.Snapshot(endDate)
	}

	equityCurve := make([]types.EquityPoint, len(snapshots))
	for i, s := range snapshots {
		equityCurve[i] = types.EquityPoint{Date: s.Date, Equity: s.Equity}
	}

	averageTurnover := decimal.Zero
	if rebalanceCount > 0 {
		averageTurnover = turnoverSum.Div(decimal.NewFromInt(int64(rebalanceCount)))
	}

	perSymbol := attributeTradesBySymbol(symbols, book.Trades(), framesBySymbol, initialCapital)

	result := &types.PortfolioResult{
		Symbols:          symbols,
		StartDate:        dates[0],
		EndDate:          endDate,
		InitialCapital:   initialCapital,
		FinalEquity:      book.Equity(),
		Trades:           book.Trades(),
		Snapshots:        snapshots,
		EquityCurve:      equityCurve,
		PerSymbolResults: perSymbol,
		PortfolioWeights: weightHistory,
		RebalanceCount:   rebalanceCount,
		AverageTurnover:  averageTurnover,
		WeightScheme:     string(r.scheme.Kind),
		RebalanceFreq:    string(r.cadence.Frequency),
	}
	if cancelled {
		return result, &types.CancelledError{RunID: r.runID}
	}
	return result, nil
}

func (r *PortfolioRunner) shouldRebalance(d, lastRebalance time.Time, book *portfolio.Book, prices, targets map[string]decimal.Decimal) bool {
	switch r.cadence.Frequency {
	case RebalanceNever:
		return lastRebalance.IsZero()
	case RebalanceWeekly:
		return lastRebalance.IsZero() || d.Sub(lastRebalance) >= 7*24*time.Hour
	case RebalanceMonthly:
		return lastRebalance.IsZero() || d.Month() != lastRebalance.Month() || d.Year() != lastRebalance.Year()
	case RebalanceOnDrift:
		if lastRebalance.IsZero() {
			return true
		}
		current := book.CurrentWeights(prices)
		for symbol, target := range targets {
			if current[symbol].Sub(target).Abs().GreaterThan(r.cadence.DriftThreshold) {
				return true
			}
		}
		return false
	default:
		return lastRebalance.IsZero()
	}
}

func (r *PortfolioRunner) applyConstrainedAction(book *portfolio.Book, symbol string, bar types.Bar, history []types.Bar, action *strategy.Action) error {
	if action.Kind == strategy.ActionTrade && (action.Direction == types.DirectionBuy || action.Direction == types.DirectionLong || action.Direction == types.DirectionShort) {
		if max := r.tree.Constraints.MaxPositions; max > 0 && book.OpenPositionCount() >= max && !book.HasPosition(symbol) {
			return nil
		}
	}
	return applyActionShared(r.logger, r.tree, r.sizer, r.executor, book, symbol, bar, history, action)
}

func (r *PortfolioRunner) closePosition(book *portfolio.Book, symbol string, bar types.Bar, reason string) error {
	return closePositionShared(r.executor, book, symbol, bar, reason)
}

// unifiedDates collects every distinct timestamp across all symbols'
// bar frames, sorted ascending.
func unifiedDates(framesBySymbol map[string][]types.Bar, symbols []string) []time.Time {
	seen := make(map[int64]time.Time)
	for _, s := range symbols {
		for _, b := range framesBySymbol[s] {
			seen[b.Timestamp.UnixNano()] = b.Timestamp
		}
	}
	dates := make([]time.Time, 0, len(seen))
	for _, d := range seen {
		dates = append(dates, d)
	}
	sort.Slice(dates, func(i, j int) bool { return dates[i].Before(dates[j]) })
	return dates
}

func decimalWeightsToFloat(weights map[string]decimal.Decimal) map[string]float64 {
	out := make(map[string]float64, len(weights))
	for s, w := range weights {
		f, _ := w.Float64()
		out[s] = f
	}
	return out
}

// attributeTradesBySymbol buckets closed trades by symbol (using the
// trade's own Symbol field) into a per-symbol BacktestResult, so
// portfolio-level P&L can be inspected per instrument.
func attributeTradesBySymbol(symbols []string, trades []*types.Trade, framesBySymbol map[string][]types.Bar, initialCapital decimal.Decimal) map[string]*types.BacktestResult {
	bySymbol := make(map[string][]*types.Trade, len(symbols))
	for _, t := range trades {
		bySymbol[t.Symbol] = append(bySymbol[t.Symbol], t)
	}

	out := make(map[string]*types.BacktestResult, len(symbols))
	for _, s := range symbols {
		bars := framesBySymbol[s]
		result := &types.BacktestResult{
			Symbol:         s,
			InitialCapital: initialCapital,
			Trades:         bySymbol[s],
		}
		if len(bars) > 0 {
			result.StartDate = bars[0].Timestamp
			result.EndDate = bars[len(bars)-1].Timestamp
		}
		out[s] = result
	}
	return out
}
