package config

import (
	"reflect"

	"github.com/mitchellh/mapstructure"
	"github.com/shopspring/decimal"
)

var decimalType = reflect.TypeOf(decimal.Decimal{})

// decimalHookFunc teaches viper's mapstructure decoder to turn a JSON
// number or string into a decimal.Decimal, since decimal.Decimal's own
// UnmarshalJSON never runs for a value that arrives through viper's
// generic map[string]interface{} decode path.
func decimalHookFunc() mapstructure.DecodeHookFunc {
	return func(from, to reflect.Type, data interface{}) (interface{}, error) {
		if to != decimalType {
			return data, nil
		}
		switch from.Kind() {
		case reflect.String:
			return decimal.NewFromString(data.(string))
		case reflect.Float32, reflect.Float64:
			return decimal.NewFromFloat(reflect.ValueOf(data).Float()), nil
		case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
			return decimal.NewFromInt(reflect.ValueOf(data).Int()), nil
		default:
			return data, nil
		}
	}
}
