package strategy

import (
	"encoding/json"
	"fmt"
)

// MarshalJSON renders a literal as a bare number and a $param
// reference as a "$name" string.
func (p ParamValue) MarshalJSON() ([]byte, error) {
	if p.Literal != nil {
		return json.Marshal(*p.Literal)
	}
	return json.Marshal("$" + p.ParamRef)
}

// UnmarshalJSON accepts a bare number (literal) or a "$name" string
// ($param reference).
func (p *ParamValue) UnmarshalJSON(data []byte) error {
	var asFloat float64
	if err := json.Unmarshal(data, &asFloat); err == nil {
		p.Literal = &asFloat
		p.ParamRef = ""
		return nil
	}

	var asString string
	if err := json.Unmarshal(data, &asString); err != nil {
		return fmt.Errorf("paramValue must be a number or \"$name\" string: %w", err)
	}
	if len(asString) == 0 || asString[0] != '$' {
		return fmt.Errorf("paramValue string %q must start with '$'", asString)
	}
	p.ParamRef = asString[1:]
	p.Literal = nil
	return nil
}
