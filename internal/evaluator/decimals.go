package evaluator

import "github.com/shopspring/decimal"

var (
	decimalTwo   = decimal.NewFromInt(2)
	decimalThree = decimal.NewFromInt(3)
	decimalFour  = decimal.NewFromInt(4)
)
