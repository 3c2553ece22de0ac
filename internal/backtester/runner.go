// Package backtester is the bar-stepping engine: the single-symbol
// and multi-symbol runners that drive the evaluator, sizing resolver,
// and executor against a portfolio bookkeeper, one bar at a time.
package backtester

import (
	"context"
	"errors"

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

const endOfBacktestReason = "end_of_backtest"

// Runner drives one strategy tree against one symbol's bar history,
// bar by bar, in the fixed phase order: update -> rule actions ->
// protective exits -> snapshot. Exits run after this bar's rule
// actions so a position opened this bar can only be stopped out on a
// later bar, never the one that opened it.
type Runner struct {
	logger   *zap.Logger
	tree     *strategy.Tree
	eval     *evaluator.Evaluator
	sizer    *sizing.Resolver
	executor *execution.Executor
	external evaluator.ExternalSource
	ctx      context.Context

	runID         string
	onProgress    func(types.BacktestProgress)
	progressEvery int
}

// WithContext arranges for Run to check ctx before each bar and stop
// early, closing any open position at that bar's close and returning
// a *CancelledError alongside the partial result, once ctx is done.
// Optional; without it Run always runs to completion.
func (r *Runner) WithContext(ctx context.Context) *Runner {
	r.ctx = ctx
	return r
}

// WithExternal attaches an external signal source (e.g. a regime
// classifier) so the tree's "external" signal nodes can resolve
// against it. Optional; nil means "external" signals never resolve.
func (r *Runner) WithExternal(ext evaluator.ExternalSource) *Runner {
	r.external = ext
	return r
}

// WithProgress arranges for onProgress to be called on every every'th bar
// (and on the final bar) with a BacktestProgress snapshot, so a caller
// streaming results over a websocket never samples more often than it
// needs to. Optional; without it Run produces no progress callbacks.
func (r *Runner) WithProgress(runID string, onProgress func(types.BacktestProgress), every int) *Runner {
	r.runID = runID
	r.onProgress = onProgress
	if every <= 0 {
		every = 1
	}
	r.progressEvery = every
	return r
}

// NewRunner builds a Runner. reg is shared with the sizing resolver's
// ATR lookups so both see the same indicator registry.
func NewRunner(logger *zap.Logger, tree *strategy.Tree, reg *indicators.Registry, executor *execution.Executor) *Runner {
	return &Runner{
		logger:   logger,
		tree:     tree,
		eval:     evaluator.New(tree, reg),
		sizer:    sizing.NewResolver(logger, reg),
		executor: executor,
	}
}

// Run executes the strategy against symbol's bar history, starting
// from initialCapital, and returns the assembled result. Bars must be
// non-empty and in strictly increasing timestamp order.
func (r *Runner) Run(symbol string, bars []types.Bar, initialCapital decimal.Decimal) (*types.BacktestResult, error) {
	if len(bars) == 0 {
		return nil, &types.DataError{Symbol: symbol, Reason: "empty bar frame"}
	}

	r.eval.Reset()
	book := portfolio.New(r.logger, initialCapital)
	exitCheck := portfolio.ExitCheckFromConstraints(r.tree.Constraints)

	ctx := &evaluator.Context{
		Bars:      bars,
		Symbol:    symbol,
		Params:    r.tree.Parameters,
		Portfolio: book,
		External:  r.external,
	}

	snapshots := make([]*types.Snapshot, 0, len(bars))
	var cancelled bool

	for i, bar := range bars {
		if r.ctx != nil && r.ctx.Err() != nil {
			cancelled = true
			if book.HasPosition(symbol) {
				if err := r.closePosition(book, symbol, bar, "cancelled"); err != nil {
					return nil, err
				}
			}
			snapshots = append(snapshots, book.Snapshot(bar.Timestamp))
			break
		}

		ctx.Index = i
		ctx.RunDate = bar.Timestamp

		book.MarkToMarket(symbol, bar.Close, bar.Timestamp)

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
				r.logger.Warn("rule evaluation failed, rule treated as false", zap.String("rule", rule.Name), zap.Error(err))
				continue
			}
			if !fire {
				continue
			}
			if err := r.applyAction(book, symbol, bar, ctx.History(), rule.Then); err != nil {
				return nil, err
			}
		}

		if book.HasPosition(symbol) {
			if reason, exit := book.CheckExit(symbol, bar.Close, exitCheck); exit {
				if err := r.closePosition(book, symbol, bar, reason); err != nil {
					return nil, err
				}
			}
		}

		snapshots = append(snapshots, book.Snapshot(bar.Timestamp))

		if r.onProgress != nil && (i%r.progressEvery == 0 || i == len(bars)-1) {
			r.onProgress(types.BacktestProgress{
				RunID:          r.runID,
				Status:         "running",
				Progress:       float64(i+1) / float64(len(bars)),
				BarsProcessed:  i + 1,
				TotalBars:      len(bars),
				CurrentDate:    bar.Timestamp,
				TradesExecuted: len(book.Trades()),
				CurrentEquity:  book.Equity(),
			})
		}
	}

	lastBar := bars[len(snapshots)-1]
	if !cancelled && book.HasPosition(symbol) {
		if err := r.closePosition(book, symbol, bars[len(bars)-1], endOfBacktestReason); err != nil {
			return nil, err
		}
		lastBar = bars[len(bars)-1]
		snapshots[len(snapshots)-1] = book.Snapshot(lastBar.Timestamp)
	}

	equityCurve := make([]types.EquityPoint, len(snapshots))
	for i, s := range snapshots {
		equityCurve[i] = types.EquityPoint{Date: s.Date, Equity: s.Equity}
	}

	result := &types.BacktestResult{
		StrategyID:     r.tree.Info.ID,
		Symbol:         symbol,
		StartDate:      bars[0].Timestamp,
		EndDate:        lastBar.Timestamp,
		InitialCapital: initialCapital,
		FinalEquity:    book.Equity(),
		Trades:         book.Trades(),
		Snapshots:      snapshots,
		EquityCurve:    equityCurve,
		Parameters:     r.tree.Parameters,
	}
	if cancelled {
		return result, &types.CancelledError{RunID: r.runID}
	}
	return result, nil
}

// applyAction applies one fired rule's action against symbol at bar.
// Alert and hold actions are side-effect free beyond logging; trade
// actions enforce the tree's constraints, size via the sizing
// resolver, and route through the executor.
func (r *Runner) applyAction(book *portfolio.Book, symbol string, bar types.Bar, history []types.Bar, action *strategy.Action) error {
	return applyActionShared(r.logger, r.tree, r.sizer, r.executor, book, symbol, bar, history, action)
}

func (r *Runner) closePosition(book *portfolio.Book, symbol string, bar types.Bar, reason string) error {
	return closePositionShared(r.executor, book, symbol, bar, reason)
}

func applyActionShared(logger *zap.Logger, tree *strategy.Tree, sizer *sizing.Resolver, executor *execution.Executor, book *portfolio.Book, symbol string, bar types.Bar, history []types.Bar, action *strategy.Action) error {
	switch action.Kind {
	case strategy.ActionHold:
		return nil
	case strategy.ActionAlert:
		logger.Info("strategy alert", zap.String("symbol", symbol), zap.String("message", action.Message), zap.String("level", action.Level))
		return nil
	case strategy.ActionTrade:
		return applyTradeShared(tree, sizer, executor, book, symbol, bar, history, action)
	default:
		return nil
	}
}

func applyTradeShared(tree *strategy.Tree, sizer *sizing.Resolver, executor *execution.Executor, book *portfolio.Book, symbol string, bar types.Bar, history []types.Bar, action *strategy.Action) error {
	switch action.Direction {
	case types.DirectionSell, types.DirectionClose:
		if pos, ok := book.Position(symbol); ok && pos.Side == types.PositionLong {
			return closePositionShared(executor, book, symbol, bar, reasonOrDefault(action.Reason, "signal"))
		}
		return nil
	case types.DirectionCover:
		if pos, ok := book.Position(symbol); ok && pos.Side == types.PositionShort {
			return closePositionShared(executor, book, symbol, bar, reasonOrDefault(action.Reason, "signal"))
		}
		return nil
	case types.DirectionShort:
		if tree.Constraints.NoShorting {
			return nil
		}
		return openPositionShared(sizer, executor, book, symbol, bar, history, action)
	case types.DirectionBuy, types.DirectionLong:
		return openPositionShared(sizer, executor, book, symbol, bar, history, action)
	default:
		return nil
	}
}

func openPositionShared(sizer *sizing.Resolver, executor *execution.Executor, book *portfolio.Book, symbol string, bar types.Bar, history []types.Bar, action *strategy.Action) error {
	if book.HasPosition(symbol) {
		return nil
	}

	sizingCtx := sizing.Context{
		Symbol:    symbol,
		Price:     bar.Close,
		Equity:    book.Equity(),
		Cash:      book.Cash(),
		Positions: book.Positions(),
		Trades:    book.Trades(),
		Bars:      history,
	}
	qty, err := sizer.Resolve(action.Sizing, sizingCtx)
	if err != nil {
		return err
	}
	if qty.LessThanOrEqual(decimal.Zero) {
		return nil
	}

	order := types.OrderRequest{Symbol: symbol, Direction: action.Direction, Quantity: qty, Price: bar.Close}
	fill, err := executor.Execute(order, bar)
	if err != nil {
		return &types.ExecutionError{Symbol: symbol, Reason: err.Error()}
	}
	if fill == nil {
		return nil
	}
	book.Open(fill, bar.Timestamp, reasonOrDefault(action.Reason, "rule_triggered"))
	return nil
}

// closePositionShared closes symbol's open position (if any) by
// routing an offsetting order through executor. Shared by Runner and
// PortfolioRunner so single- and multi-symbol paths close positions
// identically.
func closePositionShared(executor *execution.Executor, book *portfolio.Book, symbol string, bar types.Bar, reason string) error {
	pos, ok := book.Position(symbol)
	if !ok {
		return nil
	}
	direction := types.DirectionSell
	if pos.Side == types.PositionShort {
		direction = types.DirectionCover
	}
	order := types.OrderRequest{Symbol: symbol, Direction: direction, Quantity: pos.Quantity, Price: bar.Close}
	fill, err := executor.Execute(order, bar)
	if err != nil {
		return &types.ExecutionError{Symbol: symbol, Reason: err.Error()}
	}
	if fill == nil {
		return nil
	}
	book.Close(fill, bar.Timestamp, reason)
	return nil
}

func reasonOrDefault(reason, fallback string) string {
	if reason == "" {
		return fallback
	}
	return reason
}
