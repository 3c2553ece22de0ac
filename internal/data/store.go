// Package data is the bar-ingestion boundary: a Store loads historical
// OHLCV bars for a symbol from disk (or synthesizes them for local
// development), and a DataQualityValidator checks what it loaded
// against the monotonic, gap-free, timezone-normalized shape the
// engine assumes. Neither talks to the bar-stepping runners, which take
// bar slices; the walk-forward analyzer consumes the Store through the
// narrow BarSource interface.
package data

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/utss/backtester/pkg/types"
)

// BarSource is the narrow interface the walk-forward analyzer depends on to pull
// a symbol's bar history. Store satisfies it; a caller wiring in a
// different historical data provider only needs to implement this.
type BarSource interface {
	LoadBars(ctx context.Context, symbol string, timeframe types.Timeframe, start, end time.Time) ([]types.Bar, error)
}

// Store loads historical bar data for a symbol from a local data
// directory, caching what it reads in memory. Missing data is
// synthesized with GenerateSyntheticBars so a fresh checkout can run a
// backtest immediately, without a data download step.
type Store struct {
	mu       sync.RWMutex
	logger   *zap.Logger
	dataDir  string
	cache    map[string][]types.Bar
	symbols  []string
	metadata map[string]*SymbolMetadata
	rng      *rand.Rand
}

// SymbolMetadata describes the data on hand for a symbol.
type SymbolMetadata struct {
	Symbol    string    `json:"symbol"`
	StartDate time.Time `json:"startDate"`
	EndDate   time.Time `json:"endDate"`
	BarCount  int       `json:"barCount"`
	Timeframe string    `json:"timeframe"`
}

// NewStore opens (creating if necessary) a data store rooted at
// dataDir and loads its symbol metadata index.
func NewStore(logger *zap.Logger, dataDir string) (*Store, error) {
	store := &Store{
		logger:   logger,
		dataDir:  dataDir,
		cache:    make(map[string][]types.Bar),
		symbols:  make([]string, 0),
		metadata: make(map[string]*SymbolMetadata),
		rng:      rand.New(rand.NewSource(1)),
	}

	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}

	if err := store.loadMetadata(); err != nil {
		logger.Warn("failed to load symbol metadata", zap.Error(err))
	}

	return store, nil
}

// LoadBars loads a symbol's bars for timeframe within [start, end],
// strictly timestamp-ordered. If no file exists on disk, it synthesizes
// deterministic sample bars instead of failing, so local runs never
// need a prior data-fetch step.
func (s *Store) LoadBars(ctx context.Context, symbol string, timeframe types.Timeframe, start, end time.Time) ([]types.Bar, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cacheKey := fmt.Sprintf("%s_%s", symbol, timeframe)

	if cached, ok := s.cache[cacheKey]; ok {
		return s.filterByTimeRange(cached, start, end), nil
	}

	filename := filepath.Join(s.dataDir, fmt.Sprintf("%s_%s.json", symbol, timeframe))
	raw, err := os.ReadFile(filename)
	if err != nil {
		if os.IsNotExist(err) {
			s.logger.Info("no bar file on disk, generating synthetic bars", zap.String("symbol", symbol))
			bars := s.GenerateSyntheticBars(symbol, timeframe, start, end)
			s.cache[cacheKey] = bars
			return s.filterByTimeRange(bars, start, end), nil
		}
		return nil, fmt.Errorf("read bar file: %w", err)
	}

	var bars []types.Bar
	if err := json.Unmarshal(raw, &bars); err != nil {
		return nil, fmt.Errorf("parse bar file: %w", err)
	}
	sort.Slice(bars, func(i, j int) bool { return bars[i].Timestamp.Before(bars[j].Timestamp) })

	s.cache[cacheKey] = bars
	return s.filterByTimeRange(bars, start, end), nil
}

// AvailableSymbols returns every symbol the store has metadata for.
func (s *Store) AvailableSymbols() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	symbols := make([]string, len(s.symbols))
	copy(symbols, s.symbols)
	return symbols
}

// DataRange returns the available [start, end] for a symbol.
func (s *Store) DataRange(symbol string) (start, end time.Time, err error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if meta, ok := s.metadata[symbol]; ok {
		return meta.StartDate, meta.EndDate, nil
	}
	return time.Time{}, time.Time{}, fmt.Errorf("no data available for symbol %s", symbol)
}

// SaveBars persists bars to disk under dataDir and refreshes the
// symbol's cache entry and metadata.
func (s *Store) SaveBars(symbol string, timeframe types.Timeframe, bars []types.Bar) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	filename := filepath.Join(s.dataDir, fmt.Sprintf("%s_%s.json", symbol, timeframe))
	raw, err := json.MarshalIndent(bars, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal bars: %w", err)
	}
	if err := os.WriteFile(filename, raw, 0644); err != nil {
		return fmt.Errorf("write bar file: %w", err)
	}

	cacheKey := fmt.Sprintf("%s_%s", symbol, timeframe)
	s.cache[cacheKey] = bars

	if len(bars) > 0 {
		if _, exists := s.metadata[symbol]; !exists {
			s.symbols = append(s.symbols, symbol)
		}
		s.metadata[symbol] = &SymbolMetadata{
			Symbol:    symbol,
			StartDate: bars[0].Timestamp,
			EndDate:   bars[len(bars)-1].Timestamp,
			BarCount:  len(bars),
			Timeframe: string(timeframe),
		}
	}

	return s.saveMetadata()
}

func (s *Store) filterByTimeRange(bars []types.Bar, start, end time.Time) []types.Bar {
	filtered := make([]types.Bar, 0, len(bars))
	for _, bar := range bars {
		if (bar.Timestamp.Equal(start) || bar.Timestamp.After(start)) &&
			(bar.Timestamp.Equal(end) || bar.Timestamp.Before(end)) {
			filtered = append(filtered, bar)
		}
	}
	return filtered
}

// GenerateSyntheticBars produces a deterministic random-walk bar
// series for symbol over [start, end] at timeframe's interval. It
// exists so the engine and API can be exercised locally without a real
// historical data feed; it is never a substitute for SaveBars-persisted
// data in a production deployment.
func (s *Store) GenerateSyntheticBars(symbol string, timeframe types.Timeframe, start, end time.Time) []types.Bar {
	interval := intervalFor(timeframe)
	price := startingPrice(symbol)

	var bars []types.Bar
	for t := start; !t.After(end); t = t.Add(interval) {
		change := (s.rng.Float64() - 0.5) * 0.02 * price
		open := decimal.NewFromFloat(price)
		price += change
		if price <= 0 {
			price = 1
		}
		closeP := decimal.NewFromFloat(price)
		high := decimal.Max(open, closeP).Mul(decimal.NewFromFloat(1 + s.rng.Float64()*0.005))
		low := decimal.Min(open, closeP).Mul(decimal.NewFromFloat(1 - s.rng.Float64()*0.005))
		volume := decimal.NewFromFloat(s.rng.Float64() * 1_000_000)

		bars = append(bars, types.Bar{
			Timestamp: t,
			Open:      open,
			High:      high,
			Low:       low,
			Close:     closeP,
			Volume:    volume,
		})
	}
	return bars
}

func intervalFor(timeframe types.Timeframe) time.Duration {
	switch timeframe {
	case types.Timeframe1m:
		return time.Minute
	case types.Timeframe5m:
		return 5 * time.Minute
	case types.Timeframe15m:
		return 15 * time.Minute
	case types.Timeframe1h:
		return time.Hour
	case types.Timeframe4h:
		return 4 * time.Hour
	case types.Timeframe1d:
		return 24 * time.Hour
	default:
		return time.Hour
	}
}

func startingPrice(symbol string) float64 {
	switch symbol {
	case "AAPL":
		return 180.0
	case "MSFT":
		return 400.0
	case "SPY":
		return 500.0
	default:
		return 100.0
	}
}

func (s *Store) loadMetadata() error {
	filename := filepath.Join(s.dataDir, "metadata.json")

	raw, err := os.ReadFile(filename)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	var metadata map[string]*SymbolMetadata
	if err := json.Unmarshal(raw, &metadata); err != nil {
		return err
	}
	s.metadata = metadata

	s.symbols = make([]string, 0, len(metadata))
	for symbol := range metadata {
		s.symbols = append(s.symbols, symbol)
	}
	sort.Strings(s.symbols)

	return nil
}

func (s *Store) saveMetadata() error {
	filename := filepath.Join(s.dataDir, "metadata.json")
	raw, err := json.MarshalIndent(s.metadata, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filename, raw, 0644)
}

// ClearCache drops every cached bar series, forcing the next LoadBars
// call for a key to re-read from disk (or re-synthesize).
func (s *Store) ClearCache() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cache = make(map[string][]types.Bar)
}

// CacheSize returns the number of distinct symbol/timeframe series
// currently cached in memory.
func (s *Store) CacheSize() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.cache)
}
