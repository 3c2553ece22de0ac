package data_test

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/utss/backtester/internal/data"
	"github.com/utss/backtester/pkg/types"
)

func TestStoreGeneratesSyntheticBarsWhenNoFileExists(t *testing.T) {
	store, err := data.NewStore(zap.NewNop(), t.TempDir())
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}

	end := time.Date(2024, 1, 10, 0, 0, 0, 0, time.UTC)
	start := end.AddDate(0, 0, -5)
	bars, err := store.LoadBars(context.Background(), "AAPL", types.Timeframe1d, start, end)
	if err != nil {
		t.Fatalf("LoadBars: %v", err)
	}
	if len(bars) == 0 {
		t.Fatal("expected synthetic bars, got none")
	}
	for i := 1; i < len(bars); i++ {
		if !bars[i].Timestamp.After(bars[i-1].Timestamp) {
			t.Fatalf("bars not strictly increasing at index %d", i)
		}
	}
}

func TestStoreSaveAndLoadRoundTrips(t *testing.T) {
	store, err := data.NewStore(zap.NewNop(), t.TempDir())
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}

	now := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	bars := []types.Bar{
		{Timestamp: now, Open: decimal.NewFromInt(100), High: decimal.NewFromInt(110), Low: decimal.NewFromInt(95), Close: decimal.NewFromInt(105), Volume: decimal.NewFromInt(1000)},
		{Timestamp: now.AddDate(0, 0, 1), Open: decimal.NewFromInt(105), High: decimal.NewFromInt(115), Low: decimal.NewFromInt(100), Close: decimal.NewFromInt(110), Volume: decimal.NewFromInt(1500)},
	}

	if err := store.SaveBars("TEST", types.Timeframe1d, bars); err != nil {
		t.Fatalf("SaveBars: %v", err)
	}

	found := false
	for _, s := range store.AvailableSymbols() {
		if s == "TEST" {
			found = true
		}
	}
	if !found {
		t.Error("symbol not listed after SaveBars")
	}

	retrieved, err := store.LoadBars(context.Background(), "TEST", types.Timeframe1d, now.Add(-time.Hour), now.AddDate(0, 0, 2))
	if err != nil {
		t.Fatalf("LoadBars: %v", err)
	}
	if len(retrieved) != len(bars) {
		t.Fatalf("got %d bars, want %d", len(retrieved), len(bars))
	}
	if !retrieved[0].Close.Equal(bars[0].Close) {
		t.Errorf("close mismatch: got %s want %s", retrieved[0].Close, bars[0].Close)
	}
}

func TestStoreTimeRangeFiltering(t *testing.T) {
	store, err := data.NewStore(zap.NewNop(), t.TempDir())
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}

	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	bars := make([]types.Bar, 10)
	for i := range bars {
		bars[i] = types.Bar{
			Timestamp: base.AddDate(0, 0, i),
			Open:      decimal.NewFromInt(int64(100 + i)),
			High:      decimal.NewFromInt(int64(105 + i)),
			Low:       decimal.NewFromInt(int64(95 + i)),
			Close:     decimal.NewFromInt(int64(102 + i)),
			Volume:    decimal.NewFromInt(int64(1000 * (i + 1))),
		}
	}
	if err := store.SaveBars("RANGE", types.Timeframe1d, bars); err != nil {
		t.Fatalf("SaveBars: %v", err)
	}

	retrieved, err := store.LoadBars(context.Background(), "RANGE", types.Timeframe1d, base.AddDate(0, 0, 3), base.AddDate(0, 0, 6))
	if err != nil {
		t.Fatalf("LoadBars: %v", err)
	}
	if len(retrieved) != 4 {
		t.Fatalf("got %d bars in range, want 4", len(retrieved))
	}
	if !retrieved[0].Timestamp.Equal(base.AddDate(0, 0, 3)) {
		t.Errorf("first bar timestamp = %v, want %v", retrieved[0].Timestamp, base.AddDate(0, 0, 3))
	}
}

func TestStoreCacheFillsOnLoadAndClears(t *testing.T) {
	store, err := data.NewStore(zap.NewNop(), t.TempDir())
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}

	end := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	start := end.AddDate(0, 0, -3)
	if _, err := store.LoadBars(context.Background(), "SPY", types.Timeframe1d, start, end); err != nil {
		t.Fatalf("first LoadBars: %v", err)
	}
	if store.CacheSize() != 1 {
		t.Fatalf("cache size = %d, want 1", store.CacheSize())
	}

	store.ClearCache()
	if store.CacheSize() != 0 {
		t.Errorf("cache size after ClearCache = %d, want 0", store.CacheSize())
	}
}

func TestStoreMetadataPersistsAcrossInstances(t *testing.T) {
	dir := t.TempDir()
	store1, err := data.NewStore(zap.NewNop(), dir)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}

	now := time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)
	bar := types.Bar{Timestamp: now, Open: decimal.NewFromInt(123), High: decimal.NewFromInt(130), Low: decimal.NewFromInt(120), Close: decimal.NewFromInt(125), Volume: decimal.NewFromInt(5000)}
	if err := store1.SaveBars("PERSIST", types.Timeframe1d, []types.Bar{bar}); err != nil {
		t.Fatalf("SaveBars: %v", err)
	}

	store2, err := data.NewStore(zap.NewNop(), dir)
	if err != nil {
		t.Fatalf("second NewStore: %v", err)
	}
	start, endRange, err := store2.DataRange("PERSIST")
	if err != nil {
		t.Fatalf("DataRange: %v", err)
	}
	if !start.Equal(now) || !endRange.Equal(now) {
		t.Errorf("data range = [%v, %v], want [%v, %v]", start, endRange, now, now)
	}
}
