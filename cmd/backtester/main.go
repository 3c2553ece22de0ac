// Package main is the backtester's one-shot CLI: it loads a run
// configuration and strategy tree from disk, runs the backtest against
// a local data store, and prints the result as JSON. Unlike
// cmd/server, it never opens a listening port -- it runs once and
// exits.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/utss/backtester/internal/backtester"
	"github.com/utss/backtester/internal/config"
	"github.com/utss/backtester/internal/data"
	"github.com/utss/backtester/internal/execution"
	"github.com/utss/backtester/internal/indicators"
	"github.com/utss/backtester/internal/metrics"
	"github.com/utss/backtester/internal/montecarlo"
	"github.com/utss/backtester/internal/portfolio"
	"github.com/utss/backtester/pkg/types"
)

func main() {
	configPath := flag.String("config", "", "Path to the run configuration file (json/yaml/toml)")
	dataDir := flag.String("data", "./data", "Bar data directory")
	logLevel := flag.String("log-level", "info", "Log level (debug, info, warn, error)")
	outputPath := flag.String("output", "", "Write the result JSON here instead of stdout")
	flag.Parse()

	if *configPath == "" {
		fmt.Fprintln(os.Stderr, "backtester: -config is required")
		os.Exit(2)
	}

	logger := setupLogger(*logLevel)
	defer logger.Sync()

	ctx, cancel := context.WithCancel(context.Background())
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		logger.Info("interrupt received, cancelling run")
		cancel()
	}()
	defer cancel()

	if err := run(ctx, logger, *configPath, *dataDir, *outputPath); err != nil {
		logger.Fatal("run failed", zap.Error(err))
	}
}

func run(ctx context.Context, logger *zap.Logger, configPath, dataDir, outputPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	tree, err := config.LoadStrategyTree(cfg.StrategyPath)
	if err != nil {
		return fmt.Errorf("load strategy: %w", err)
	}

	dataStore, err := data.NewStore(logger, dataDir)
	if err != nil {
		return fmt.Errorf("open data store: %w", err)
	}

	slippageModel := execution.CreateSlippageModel(cfg.Slippage)
	commission := execution.CreateCommissionSchedule(cfg.Commission)
	executor := execution.NewExecutor(logger, cfg.LotSize, cfg.Fractional, slippageModel, commission)
	reg := indicators.NewRegistry()

	symbols := cfg.Symbols
	if len(symbols) == 0 {
		symbols = tree.Universe.Symbols
	}
	if len(symbols) == 0 {
		return &types.DataError{Reason: "no symbols in config or strategy universe"}
	}

	framesBySymbol := make(map[string][]types.Bar, len(symbols))
	for _, sym := range symbols {
		bars, err := dataStore.LoadBars(ctx, sym, cfg.Timeframe, cfg.StartDate, cfg.EndDate)
		if err != nil {
			return fmt.Errorf("load bars for %s: %w", sym, err)
		}
		framesBySymbol[sym] = bars
		logger.Info("loaded bars", zap.String("symbol", sym), zap.Int("count", len(bars)))
	}

	onProgress := func(p types.BacktestProgress) {
		logger.Info("progress",
			zap.Float64("pct", p.Progress*100),
			zap.Int("barsProcessed", p.BarsProcessed),
			zap.Int("tradesExecuted", p.TradesExecuted),
		)
	}

	var output interface{}

	if len(symbols) == 1 {
		runner := backtester.NewRunner(logger, tree, reg, executor).
			WithProgress(cfg.ID, onProgress, progressSampleEvery(len(framesBySymbol[symbols[0]]))).
			WithContext(ctx)

		result, runErr := runner.Run(symbols[0], framesBySymbol[symbols[0]], cfg.InitialCapital)
		if result == nil {
			return runErr
		}
		result.RunID = cfg.ID
		result.Metrics = metrics.Calculate(result.Trades, result.EquityCurve, result.InitialCapital)
		result.RiskMetrics = metrics.CalculateRisk(result.EquityCurve)
		if cfg.Validation.MonteCarlo.Enabled {
			result.MonteCarlo = montecarlo.Run(logger, result, cfg.Validation.MonteCarlo)
		}
		output = result
		if runErr != nil && !isCancelled(runErr) {
			return runErr
		}
	} else {
		scheme := portfolio.ParseWeightScheme(cfg.WeightScheme, cfg.Targets)
		cadence := backtester.ParseRebalanceCadence(cfg.Rebalance.Frequency, cfg.Rebalance.DriftThreshold)
		runner := backtester.NewPortfolioRunner(logger, tree, reg, executor, scheme, cadence).
			WithProgress(cfg.ID, onProgress, progressSampleEvery(len(framesBySymbol[symbols[0]]))).
			WithContext(ctx)

		result, runErr := runner.Run(symbols, framesBySymbol, cfg.InitialCapital)
		if result == nil {
			return runErr
		}
		result.RunID = cfg.ID
		result.Metrics = metrics.Calculate(result.Trades, result.EquityCurve, result.InitialCapital)
		result.RiskMetrics = metrics.CalculateRisk(result.EquityCurve)
		if cfg.Validation.MonteCarlo.Enabled {
			pseudo := &types.BacktestResult{Trades: result.Trades, InitialCapital: result.InitialCapital}
			result.MonteCarlo = montecarlo.Run(logger, pseudo, cfg.Validation.MonteCarlo)
		}
		output = result
		if runErr != nil && !isCancelled(runErr) {
			return runErr
		}
	}

	return writeResult(output, outputPath)
}

func writeResult(result interface{}, outputPath string) error {
	data, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal result: %w", err)
	}

	if outputPath == "" {
		fmt.Println(string(data))
		return nil
	}
	return os.WriteFile(outputPath, data, 0o644)
}

func isCancelled(err error) bool {
	_, ok := err.(*types.CancelledError)
	return ok
}

func progressSampleEvery(totalBars int) int {
	every := totalBars / 100
	if every < 1 {
		return 1
	}
	return every
}

func setupLogger(level string) *zap.Logger {
	var zapLevel zapcore.Level
	switch level {
	case "debug":
		zapLevel = zapcore.DebugLevel
	case "info":
		zapLevel = zapcore.InfoLevel
	case "warn":
		zapLevel = zapcore.WarnLevel
	case "error":
		zapLevel = zapcore.ErrorLevel
	default:
		zapLevel = zapcore.InfoLevel
	}

	cfg := zap.Config{
		Level:       zap.NewAtomicLevelAt(zapLevel),
		Development: false,
		Encoding:    "console",
		EncoderConfig: zapcore.EncoderConfig{
			TimeKey:        "time",
			LevelKey:       "level",
			NameKey:        "logger",
			MessageKey:     "msg",
			StacktraceKey:  "stacktrace",
			LineEnding:     zapcore.DefaultLineEnding,
			EncodeLevel:    zapcore.CapitalColorLevelEncoder,
			EncodeTime:     zapcore.ISO8601TimeEncoder,
			EncodeDuration: zapcore.SecondsDurationEncoder,
		},
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
	}

	logger, err := cfg.Build()
	if err != nil {
		panic(err)
	}
	return logger
}
