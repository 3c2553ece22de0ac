// Package strategy defines the strategy tree: the immutable input the
// evaluator and bar-stepping runners consume. The tree arrives
// pre-parsed (strategy DSL parsing is out of scope); this package only
// models the tree's shape and resolves $ref/$param references.
package strategy

import (
	"github.com/shopspring/decimal"
	"github.com/utss/backtester/pkg/types"
)

// SignalKind discriminates Signal node variants.
type SignalKind string

const (
	SignalPrice       SignalKind = "price"
	SignalIndicator   SignalKind = "indicator"
	SignalConstant    SignalKind = "constant"
	SignalCalendar    SignalKind = "calendar"
	SignalEvent       SignalKind = "event"
	SignalPortfolio   SignalKind = "portfolio"
	SignalFundamental SignalKind = "fundamental"
	SignalExternal    SignalKind = "external"
	SignalExpr        SignalKind = "expr"
	SignalRef         SignalKind = "ref"
	SignalParam       SignalKind = "param"
)

// ParamValue is either a literal float or a $param reference,
// resolved against the run's parameter map at evaluation time. In
// JSON it is a bare number (literal) or a "$name" string (ParamRef).
type ParamValue struct {
	Literal  *float64
	ParamRef string
}

// Signal is a tagged-union node resolving to a numeric series aligned
// to the primary bar index. Only the fields relevant to Kind are set.
type Signal struct {
	Kind SignalKind `json:"kind"`

	// price
	Field  string `json:"field,omitempty"`  // "open","high","low","close","volume","hl2","hlc3","ohlc4"
	Offset int    `json:"offset,omitempty"` // bars back, >= 0

	// indicator
	IndicatorName string                `json:"indicatorName,omitempty"`
	Params        map[string]ParamValue `json:"params,omitempty"`
	Component     string                `json:"component,omitempty"` // attribute access, e.g. BB(20,2).upper

	// constant
	Constant ParamValue `json:"constant,omitempty"`

	// calendar
	CalendarField string `json:"calendarField,omitempty"` // "dayofweek","day","month","week","is_month_start","is_month_end","is_quarter_end"

	// event
	EventType  string `json:"eventType,omitempty"`
	DaysBefore int    `json:"daysBefore,omitempty"`
	DaysAfter  int    `json:"daysAfter,omitempty"`

	// portfolio
	PortfolioField string `json:"portfolioField,omitempty"` // "unrealized_pnl","exposure","cash","equity","position_qty", ...
	Symbol         string `json:"symbol,omitempty"`

	// fundamental / external
	Metric  string  `json:"metric,omitempty"`
	Source  string  `json:"source,omitempty"`
	Key     string  `json:"key,omitempty"`
	Default float64 `json:"default,omitempty"`

	// expr
	Formula string `json:"formula,omitempty"`

	// $ref
	RefPath string `json:"refPath,omitempty"`

	// $param
	ParamName string `json:"paramName,omitempty"`
}

// ComparisonOp is a condition comparison operator.
type ComparisonOp string

const (
	OpLT ComparisonOp = "<"
	OpLE ComparisonOp = "<="
	OpEQ ComparisonOp = "="
	OpGE ComparisonOp = ">="
	OpGT ComparisonOp = ">"
	OpNE ComparisonOp = "!="
)

// ConditionKind discriminates Condition node variants.
type ConditionKind string

const (
	ConditionComparison ConditionKind = "comparison"
	ConditionAnd        ConditionKind = "and"
	ConditionOr         ConditionKind = "or"
	ConditionNot        ConditionKind = "not"
	ConditionExpr       ConditionKind = "expr"
	ConditionAlways     ConditionKind = "always"
	ConditionRef        ConditionKind = "ref"
)

// Condition is a tagged-union node resolving to a boolean series.
type Condition struct {
	Kind ConditionKind `json:"kind"`

	// comparison
	Left  *Signal      `json:"left,omitempty"`
	Op    ComparisonOp `json:"op,omitempty"`
	Right *Signal      `json:"right,omitempty"`

	// and / or (n-ary, n >= 2)
	Operands []*Condition `json:"operands,omitempty"`

	// not
	Operand *Condition `json:"operand,omitempty"`

	// expr
	Formula string `json:"formula,omitempty"`

	// $ref
	RefPath string `json:"refPath,omitempty"`
}

// SizingKind discriminates the 8 sizing variants.
type SizingKind string

const (
	SizingFixedAmount        SizingKind = "fixed_amount"
	SizingFixedQuantity      SizingKind = "fixed_quantity"
	SizingPercentOfEquity    SizingKind = "percent_of_equity"
	SizingPercentOfCash      SizingKind = "percent_of_cash"
	SizingPercentOfPosition  SizingKind = "percent_of_position"
	SizingRiskBased          SizingKind = "risk_based"
	SizingKelly              SizingKind = "kelly"
	SizingVolatilityAdjusted SizingKind = "volatility_adjusted"
)

// SizingSpec is the sizing configuration carried by a trade action.
type SizingSpec struct {
	Kind SizingKind `json:"kind"`

	Amount   decimal.Decimal `json:"amount,omitempty"`   // fixed_amount
	Quantity decimal.Decimal `json:"quantity,omitempty"` // fixed_quantity
	Percent  decimal.Decimal `json:"percent,omitempty"`  // percent_of_equity / percent_of_cash / percent_of_position
	Symbol   string          `json:"symbol,omitempty"`   // percent_of_position

	RiskPercent     decimal.Decimal `json:"riskPercent,omitempty"`     // risk_based
	StopLossPercent decimal.Decimal `json:"stopLossPercent,omitempty"` // risk_based

	WinRate    decimal.Decimal `json:"winRate,omitempty"` // kelly fallback inputs
	AvgWin     decimal.Decimal `json:"avgWin,omitempty"`
	AvgLoss    decimal.Decimal `json:"avgLoss,omitempty"`
	Multiplier decimal.Decimal `json:"multiplier,omitempty"` // kelly fractional multiplier, default 0.5

	TargetRisk  decimal.Decimal `json:"targetRisk,omitempty"` // volatility_adjusted
	ATRLookback int             `json:"atrLookback,omitempty"` // volatility_adjusted, default 14
}

// ActionKind discriminates Action variants.
type ActionKind string

const (
	ActionTrade ActionKind = "trade"
	ActionAlert ActionKind = "alert"
	ActionHold  ActionKind = "hold"
)

// Action is the effect of a firing rule.
type Action struct {
	Kind ActionKind `json:"kind"`

	// trade
	Direction types.Direction `json:"direction,omitempty"`
	Sizing    SizingSpec      `json:"sizing,omitempty"`
	Reason    string          `json:"reason,omitempty"`

	// alert
	Message string `json:"message,omitempty"`
	Level   string `json:"level,omitempty"`
}

// Rule is one `when -> then` entry in the strategy's ordered rule list.
type Rule struct {
	Name    string     `json:"name"`
	When    *Condition `json:"when"`
	Then    *Action    `json:"then"`
	Enabled bool       `json:"enabled"`
}

// Constraints bounds what rule actions may do.
type Constraints struct {
	MaxPositions    int              `json:"maxPositions,omitempty"`
	NoShorting      bool             `json:"noShorting,omitempty"`
	StopLossPct     *decimal.Decimal `json:"stopLossPct,omitempty"`
	TakeProfitPct   *decimal.Decimal `json:"takeProfitPct,omitempty"`
	TrailingStopPct *decimal.Decimal `json:"trailingStopPct,omitempty"`
}

// UniverseKind discriminates universe variants.
type UniverseKind string

const (
	UniverseStatic   UniverseKind = "static"
	UniverseIndex    UniverseKind = "index"
	UniverseScreener UniverseKind = "screener"
	UniverseDual     UniverseKind = "dual"
)

// Universe is the universe specification (spec §4.4).
type Universe struct {
	Kind UniverseKind `json:"kind"`

	Symbols []string `json:"symbols,omitempty"` // static

	Index string `json:"index,omitempty"` // index / screener base
	Limit int    `json:"limit,omitempty"` // index / screener / dual sub-side cap

	Base       string       `json:"base,omitempty"`       // screener
	Filters    []*Condition `json:"filters,omitempty"`    // screener: per-symbol survival conditions
	RankSignal *Signal      `json:"rankSignal,omitempty"` // screener: optional ranking signal
	RankDesc   bool         `json:"rankDesc,omitempty"`

	Long  *Universe `json:"long,omitempty"`  // dual
	Short *Universe `json:"short,omitempty"` // dual
}

// Info identifies a strategy.
type Info struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Version string `json:"version"`
}

// Tree is the immutable strategy input: info, universe, named
// signal/condition libraries, parameters, ordered rules, constraints.
type Tree struct {
	Info        Info                  `json:"info"`
	Universe    Universe              `json:"universe"`
	Signals     map[string]*Signal    `json:"signals,omitempty"`
	Conditions  map[string]*Condition `json:"conditions,omitempty"`
	Parameters  map[string]float64    `json:"parameters,omitempty"`
	Rules       []Rule                `json:"rules"`
	Constraints Constraints           `json:"constraints,omitempty"`
}
