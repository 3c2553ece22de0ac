package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/utss/backtester/internal/strategy"
)

func TestLoadStrategyTreeDecodesRulesAndUniverse(t *testing.T) {
	body := `{
		"info": {"id": "sma-cross", "name": "SMA Cross", "version": "1"},
		"universe": {"kind": "static", "symbols": ["AAPL"]},
		"signals": {
			"fast": {"kind": "indicator", "indicatorName": "SMA", "params": {"period": 10}},
			"slow": {"kind": "indicator", "indicatorName": "SMA", "params": {"period": "$slowPeriod"}}
		},
		"conditions": {
			"crossUp": {"kind": "comparison", "left": {"kind": "ref", "refPath": "signals.fast"}, "op": ">", "right": {"kind": "ref", "refPath": "signals.slow"}}
		},
		"parameters": {"slowPeriod": 30},
		"rules": [
			{"name": "enter", "when": {"kind": "ref", "refPath": "conditions.crossUp"}, "then": {"kind": "trade", "direction": "buy", "sizing": {"kind": "percent_of_equity", "percent": 0.1}}, "enabled": true}
		],
		"constraints": {"maxPositions": 5, "noShorting": true}
	}`
	path := filepath.Join(t.TempDir(), "sma.json")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	tree, err := LoadStrategyTree(path)
	if err != nil {
		t.Fatalf("LoadStrategyTree: %v", err)
	}
	if tree.Info.ID != "sma-cross" {
		t.Errorf("info.id = %q, want sma-cross", tree.Info.ID)
	}
	if tree.Universe.Kind != strategy.UniverseStatic || len(tree.Universe.Symbols) != 1 {
		t.Errorf("universe = %+v, want static [AAPL]", tree.Universe)
	}
	slow := tree.Signals["slow"]
	if slow == nil || slow.Params["period"].ParamRef != "slowPeriod" {
		t.Fatalf("slow signal period param = %+v, want $param ref slowPeriod", slow)
	}
	fast := tree.Signals["fast"]
	if fast == nil || fast.Params["period"].Literal == nil || *fast.Params["period"].Literal != 10 {
		t.Fatalf("fast signal period param = %+v, want literal 10", fast)
	}
	if len(tree.Rules) != 1 || tree.Rules[0].Then.Kind != strategy.ActionTrade {
		t.Fatalf("rules = %+v, want one trade rule", tree.Rules)
	}
}

func TestLoadStrategyTreeRejectsMissingID(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.json")
	if err := os.WriteFile(path, []byte(`{"rules": [{"name":"x"}]}`), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := LoadStrategyTree(path); err == nil {
		t.Fatal("expected error for missing info.id")
	}
}
