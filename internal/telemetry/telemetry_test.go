package telemetry

import (
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestHandlerExposesIncrementedCounters(t *testing.T) {
	m := New()
	m.BarsProcessed.WithLabelValues("AAPL").Add(42)
	m.ActiveRuns.Set(3)

	req := httptest.NewRequest("GET", "/metrics", nil)
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, req)

	if rec.Code != 200 {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	body := rec.Body.String()
	if !strings.Contains(body, `backtester_bars_processed_total{symbol="AAPL"} 42`) {
		t.Errorf("body missing bars counter:\n%s", body)
	}
	if !strings.Contains(body, "backtester_active_runs 3") {
		t.Errorf("body missing active runs gauge:\n%s", body)
	}
}

func TestNewInstancesAreIndependent(t *testing.T) {
	a := New()
	b := New()
	a.ActiveRuns.Set(5)
	if v := testutil.ToFloat64(b.ActiveRuns); v != 0 {
		t.Errorf("second instance active runs = %v, want 0 (independent registries)", v)
	}
}
