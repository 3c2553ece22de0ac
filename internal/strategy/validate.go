package strategy

import (
	"fmt"

	"github.com/utss/backtester/pkg/types"
)

// Validate checks the structural well-formedness of a strategy tree
// before the bar loop starts: required top-level fields, non-empty
// rule list, and acyclic $ref graphs in both the signal and condition
// libraries. Validation failures are fatal (spec §7 ValidationError)
// and must abort the run before any evaluation happens.
func Validate(tree *Tree) error {
	if tree.Info.ID == "" || tree.Info.Name == "" || tree.Info.Version == "" {
		return &types.ValidationError{Reason: "info.id, info.name, and info.version are required"}
	}
	if tree.Universe.Kind == "" {
		return &types.ValidationError{Reason: "universe is required"}
	}
	if len(tree.Rules) == 0 {
		return &types.ValidationError{Reason: "at least one rule is required"}
	}
	for i, r := range tree.Rules {
		if r.When == nil {
			return &types.ValidationError{Reason: fmt.Sprintf("rule[%d] %q: missing 'when' condition", i, r.Name)}
		}
		if r.Then == nil {
			return &types.ValidationError{Reason: fmt.Sprintf("rule[%d] %q: missing 'then' action", i, r.Name)}
		}
	}
	if err := checkSignalCycles(tree); err != nil {
		return err
	}
	if err := checkConditionCycles(tree); err != nil {
		return err
	}
	return nil
}

func checkSignalCycles(tree *Tree) error {
	visiting := map[string]bool{}
	visited := map[string]bool{}

	var walk func(s *Signal) error
	walk = func(s *Signal) error {
		if s == nil {
			return nil
		}
		if s.Kind != SignalRef {
			return nil
		}
		name := RefName(s.RefPath)
		if visiting[name] {
			return &types.ValidationError{Reason: fmt.Sprintf("cyclic $ref in signal library: %q", name)}
		}
		if visited[name] {
			return nil
		}
		target, ok := tree.Signals[name]
		if !ok {
			return &types.ValidationError{Reason: fmt.Sprintf("unresolved $ref: %q", s.RefPath)}
		}
		visiting[name] = true
		if err := walk(target); err != nil {
			return err
		}
		visiting[name] = false
		visited[name] = true
		return nil
	}

	for _, rule := range tree.Rules {
		if err := walkConditionSignals(rule.When, walk); err != nil {
			return err
		}
	}
	for _, sig := range tree.Signals {
		if err := walk(sig); err != nil {
			return err
		}
	}
	return nil
}

func walkConditionSignals(c *Condition, walk func(*Signal) error) error {
	if c == nil {
		return nil
	}
	switch c.Kind {
	case ConditionComparison:
		if err := walk(c.Left); err != nil {
			return err
		}
		return walk(c.Right)
	case ConditionAnd, ConditionOr:
		for _, op := range c.Operands {
			if err := walkConditionSignals(op, walk); err != nil {
				return err
			}
		}
	case ConditionNot:
		return walkConditionSignals(c.Operand, walk)
	}
	return nil
}

func checkConditionCycles(tree *Tree) error {
	visiting := map[string]bool{}
	visited := map[string]bool{}

	var walk func(c *Condition) error
	walk = func(c *Condition) error {
		if c == nil {
			return nil
		}
		switch c.Kind {
		case ConditionAnd, ConditionOr:
			for _, op := range c.Operands {
				if err := walk(op); err != nil {
					return err
				}
			}
			return nil
		case ConditionNot:
			return walk(c.Operand)
		case ConditionRef:
		default:
			return nil
		}
		name := RefName(c.RefPath)
		if visiting[name] {
			return &types.ValidationError{Reason: fmt.Sprintf("cyclic $ref in condition library: %q", name)}
		}
		if visited[name] {
			return nil
		}
		target, ok := tree.Conditions[name]
		if !ok {
			return &types.ValidationError{Reason: fmt.Sprintf("unresolved $ref: %q", c.RefPath)}
		}
		visiting[name] = true
		if err := walk(target); err != nil {
			return err
		}
		visiting[name] = false
		visited[name] = true
		return nil
	}

	for _, rule := range tree.Rules {
		if err := walk(rule.When); err != nil {
			return err
		}
	}
	for _, cond := range tree.Conditions {
		if err := walk(cond); err != nil {
			return err
		}
	}
	return nil
}

// RefName extracts "NAME" from a "#/signals/NAME" or "#/conditions/NAME" path.
func RefName(path string) string {
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '/' {
			return path[i+1:]
		}
	}
	return path
}
