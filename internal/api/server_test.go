package api_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/utss/backtester/internal/api"
	"github.com/utss/backtester/internal/data"
	"github.com/utss/backtester/pkg/types"
)

func writeStrategyFile(t *testing.T, dir string) string {
	t.Helper()
	tree := `{
		"info": {"id": "buyhold", "name": "Buy and hold", "version": "1"},
		"universe": {"kind": "static", "symbols": ["AAPL"]},
		"rules": [{
			"name": "enter",
			"when": {"kind": "always"},
			"then": {"kind": "trade", "direction": "buy", "sizing": {"kind": "fixed_quantity", "quantity": 10}},
			"enabled": true
		}]
	}`
	path := filepath.Join(dir, "strategy.json")
	if err := os.WriteFile(path, []byte(tree), 0644); err != nil {
		t.Fatalf("write strategy file: %v", err)
	}
	return path
}

func setupTestServer(t *testing.T) (*api.Server, *httptest.Server) {
	t.Helper()
	logger := zap.NewNop()

	dataStore, err := data.NewStore(logger, t.TempDir())
	if err != nil {
		t.Fatalf("create data store: %v", err)
	}

	cfg := &types.ServerConfig{
		Host:          "127.0.0.1",
		Port:          0,
		WebSocketPath: "/ws",
		ReadTimeout:   5 * time.Second,
		WriteTimeout:  5 * time.Second,
	}
	server := api.NewServer(logger, cfg, dataStore, nil)
	ts := httptest.NewServer(server.Router())
	return server, ts
}

func TestHealthEndpoint(t *testing.T) {
	_, ts := setupTestServer(t)
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/api/v1/health")
	if err != nil {
		t.Fatalf("health request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected status 200, got %d", resp.StatusCode)
	}

	var result map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if result["status"] != "healthy" {
		t.Errorf("status = %v, want healthy", result["status"])
	}
}

func TestSymbolsEndpointFallsBackToDefaults(t *testing.T) {
	_, ts := setupTestServer(t)
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/api/v1/data/symbols")
	if err != nil {
		t.Fatalf("symbols request failed: %v", err)
	}
	defer resp.Body.Close()

	var result map[string][]string
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(result["symbols"]) == 0 {
		t.Error("expected default symbols, got none")
	}
}

func TestRunBacktestLifecycle(t *testing.T) {
	dir := t.TempDir()
	strategyPath := writeStrategyFile(t, dir)

	_, ts := setupTestServer(t)
	defer ts.Close()

	cfg := types.BacktestConfig{
		StrategyPath:   strategyPath,
		Symbols:        []string{"AAPL"},
		StartDate:      time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		EndDate:        time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC),
		Timeframe:      types.Timeframe1d,
		InitialCapital: decimal.NewFromInt(100000),
		Commission:     types.CommissionConfig{Model: "flat", Rate: decimal.NewFromFloat(0.001)},
		LotSize:        1,
	}
	body, _ := json.Marshal(cfg)

	resp, err := http.Post(ts.URL+"/api/v1/backtest/run", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("run request failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected status 200, got %d", resp.StatusCode)
	}

	var started map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&started); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	id, _ := started["id"].(string)
	if id == "" {
		t.Fatal("response missing id")
	}

	var status map[string]interface{}
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		resp, err := http.Get(ts.URL + "/api/v1/backtest/" + id)
		if err != nil {
			t.Fatalf("status request failed: %v", err)
		}
		json.NewDecoder(resp.Body).Decode(&status)
		resp.Body.Close()
		if status["status"] == "completed" || status["status"] == "failed" {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}

	if status["status"] != "completed" {
		t.Fatalf("status = %v, want completed (full response: %+v)", status["status"], status)
	}
	if status["result"] == nil {
		t.Error("expected a result payload on completion")
	}
}

func TestGetBacktestNotFound(t *testing.T) {
	_, ts := setupTestServer(t)
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/api/v1/backtest/does-not-exist")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}

func TestCancelRejectsUnknownRun(t *testing.T) {
	_, ts := setupTestServer(t)
	defer ts.Close()

	resp, err := http.Post(ts.URL+"/api/v1/backtest/does-not-exist/cancel", "application/json", nil)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}
