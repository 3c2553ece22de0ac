package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/shopspring/decimal"
)

func writeTemp(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeTemp(t, "run.json", `{
		"id": "run-1",
		"strategyPath": "strategies/sma.json",
		"symbols": ["AAPL"],
		"startDate": "2024-01-01T00:00:00Z",
		"endDate": "2024-06-01T00:00:00Z",
		"timeframe": "1d",
		"initialCapital": 100000
	}`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Commission.Model != DefaultCommission.Model || !cfg.Commission.Rate.Equal(DefaultCommission.Rate) {
		t.Errorf("commission = %+v, want default %+v", cfg.Commission, DefaultCommission)
	}
	if cfg.LotSize != DefaultLotSize {
		t.Errorf("lotSize = %d, want default %d", cfg.LotSize, DefaultLotSize)
	}
	if cfg.Slippage.Model != "fixed" {
		t.Errorf("slippage model = %q, want fixed default", cfg.Slippage.Model)
	}
	if cfg.RiskLimits.MaxOpenPositions != DefaultRiskLimits.MaxOpenPositions {
		t.Errorf("maxOpenPositions = %d, want default %d", cfg.RiskLimits.MaxOpenPositions, DefaultRiskLimits.MaxOpenPositions)
	}
}

func TestLoadRejectsEndBeforeStart(t *testing.T) {
	path := writeTemp(t, "run.json", `{
		"id": "run-1",
		"strategyPath": "strategies/sma.json",
		"symbols": ["AAPL"],
		"startDate": "2024-06-01T00:00:00Z",
		"endDate": "2024-01-01T00:00:00Z",
		"timeframe": "1d",
		"initialCapital": 100000
	}`)

	if _, err := Load(path); err == nil {
		t.Fatal("expected error when endDate precedes startDate")
	}
}

func TestLoadPreservesExplicitValues(t *testing.T) {
	path := writeTemp(t, "run.json", `{
		"id": "run-1",
		"strategyPath": "strategies/sma.json",
		"symbols": ["AAPL"],
		"startDate": "2024-01-01T00:00:00Z",
		"endDate": "2024-06-01T00:00:00Z",
		"timeframe": "1d",
		"initialCapital": 100000,
		"commission": {"model": "flat", "rate": 0.0025},
		"lotSize": 100
	}`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !cfg.Commission.Rate.Equal(decimal.NewFromFloat(0.0025)) {
		t.Errorf("commission rate = %s, want 0.0025", cfg.Commission.Rate)
	}
	if cfg.LotSize != 100 {
		t.Errorf("lotSize = %d, want 100", cfg.LotSize)
	}
}
