// Package api is the results-serving boundary: an HTTP+WebSocket
// server that accepts a backtest config, runs it in the background
// against the data store, and streams progress and completion over
// the Hub's websocket channels.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/utss/backtester/internal/backtester"
	"github.com/utss/backtester/internal/config"
	"github.com/utss/backtester/internal/data"
	"github.com/utss/backtester/internal/execution"
	"github.com/utss/backtester/internal/indicators"
	"github.com/utss/backtester/internal/metrics"
	"github.com/utss/backtester/internal/montecarlo"
	"github.com/utss/backtester/internal/portfolio"
	"github.com/utss/backtester/internal/telemetry"
	"github.com/utss/backtester/pkg/types"
)

// defaultSymbols is served by /api/v1/data/symbols when the data
// store has no on-disk metadata yet, so a fresh checkout's UI has
// something to populate a picker with.
var defaultSymbols = []string{"AAPL", "MSFT", "SPY"}

// RunState tracks one backtest run's lifecycle from submission
// through completion, failure, or cancellation.
type RunState struct {
	ID        string
	Config    *types.BacktestConfig
	Status    string // "running", "completed", "failed", "cancelled"
	Started   time.Time
	Progress  types.BacktestProgress
	Result    *types.BacktestResult
	Portfolio *types.PortfolioResult
	Err       string
	cancel    context.CancelFunc
}

// Server is the HTTP/WebSocket API server.
type Server struct {
	mu         sync.RWMutex
	logger     *zap.Logger
	config     *types.ServerConfig
	router     *mux.Router
	httpServer *http.Server
	upgrader   websocket.Upgrader
	hub        *Hub
	dataStore  *data.Store
	metrics    *telemetry.Metrics
	runs       map[string]*RunState
}

// NewServer builds a Server. met may be nil; when set, metrics is
// exposed at /metrics if cfg.EnableMetrics, and per-run counters are
// updated as runs progress.
func NewServer(logger *zap.Logger, cfg *types.ServerConfig, dataStore *data.Store, met *telemetry.Metrics) *Server {
	s := &Server{
		logger:    logger,
		config:    cfg,
		router:    mux.NewRouter(),
		hub:       NewHub(logger),
		dataStore: dataStore,
		metrics:   met,
		runs:      make(map[string]*RunState),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
	s.setupRoutes()
	go s.hub.Run()
	return s
}

// Router returns the mux.Router wrapped in the CORS handler, mainly so
// tests can drive it with httptest.NewServer without going through
// Start/Stop.
func (s *Server) Router() http.Handler {
	return cors.New(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: true,
	}).Handler(s.router)
}

func (s *Server) setupRoutes() {
	s.router.HandleFunc("/api/v1/health", s.handleHealth).Methods("GET")

	s.router.HandleFunc("/api/v1/data/symbols", s.handleGetSymbols).Methods("GET")
	s.router.HandleFunc("/api/v1/data/history/{symbol}", s.handleGetHistory).Methods("GET")

	s.router.HandleFunc("/api/v1/backtest/run", s.handleRunBacktest).Methods("POST")
	s.router.HandleFunc("/api/v1/backtest/{id}", s.handleGetBacktest).Methods("GET")
	s.router.HandleFunc("/api/v1/backtest/{id}/trades", s.handleGetBacktestTrades).Methods("GET")
	s.router.HandleFunc("/api/v1/backtest/{id}/cancel", s.handleCancelBacktest).Methods("POST")

	if s.config.EnableMetrics && s.metrics != nil {
		s.router.Handle("/metrics", s.metrics.Handler()).Methods("GET")
	}

	s.router.HandleFunc(s.config.WebSocketPath, s.handleWebSocket)
}

// Start starts the HTTP server. It blocks until Stop shuts it down.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.Router(),
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
	}

	s.logger.Info("starting API server", zap.String("addr", addr))
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Stop gracefully stops the server, cancelling any in-flight runs.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	for _, run := range s.runs {
		if run.cancel != nil {
			run.cancel()
		}
	}
	s.mu.Unlock()

	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "healthy",
		"time":   time.Now().Unix(),
	})
}

func (s *Server) handleGetSymbols(w http.ResponseWriter, r *http.Request) {
	symbols := s.dataStore.AvailableSymbols()
	if len(symbols) == 0 {
		symbols = defaultSymbols
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"symbols": symbols})
}

func (s *Server) handleGetHistory(w http.ResponseWriter, r *http.Request) {
	symbol := mux.Vars(r)["symbol"]

	timeframe := r.URL.Query().Get("timeframe")
	if timeframe == "" {
		timeframe = string(types.Timeframe1d)
	}

	start := time.Now().AddDate(-1, 0, 0)
	end := time.Now()
	if v := r.URL.Query().Get("start"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			start = t
		}
	}
	if v := r.URL.Query().Get("end"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			end = t
		}
	}

	bars, err := s.dataStore.LoadBars(r.Context(), symbol, types.Timeframe(timeframe), start, end)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"symbol":    symbol,
		"timeframe": timeframe,
		"bars":      bars,
		"count":     len(bars),
	})
}

func (s *Server) handleRunBacktest(w http.ResponseWriter, r *http.Request) {
	var cfg types.BacktestConfig
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if cfg.ID == "" {
		cfg.ID = uuid.New().String()
	}

	state := &RunState{ID: cfg.ID, Config: &cfg, Status: "running", Started: time.Now()}
	s.mu.Lock()
	s.runs[cfg.ID] = state
	s.mu.Unlock()

	s.startRun(state)

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"id":      cfg.ID,
		"status":  "running",
		"started": state.Started.Unix(),
	})
}

func (s *Server) handleGetBacktest(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	s.mu.RLock()
	state, ok := s.runs[id]
	s.mu.RUnlock()
	if !ok {
		http.Error(w, "backtest not found", http.StatusNotFound)
		return
	}

	response := map[string]interface{}{
		"id":      state.ID,
		"status":  state.Status,
		"started": state.Started.Unix(),
	}
	if state.Status == "running" {
		response["progress"] = state.Progress
	}
	if state.Result != nil {
		response["result"] = state.Result
	}
	if state.Portfolio != nil {
		response["result"] = state.Portfolio
	}
	if state.Err != "" {
		response["error"] = state.Err
	}
	writeJSON(w, http.StatusOK, response)
}

func (s *Server) handleGetBacktestTrades(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	s.mu.RLock()
	state, ok := s.runs[id]
	s.mu.RUnlock()
	if !ok {
		http.Error(w, "backtest not found", http.StatusNotFound)
		return
	}

	var trades []*types.Trade
	switch {
	case state.Result != nil:
		trades = state.Result.Trades
	case state.Portfolio != nil:
		trades = state.Portfolio.Trades
	default:
		http.Error(w, "backtest not complete", http.StatusBadRequest)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"id":     id,
		"trades": trades,
		"count":  len(trades),
	})
}

func (s *Server) handleCancelBacktest(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	s.mu.RLock()
	state, ok := s.runs[id]
	s.mu.RUnlock()
	if !ok {
		http.Error(w, "backtest not found", http.StatusNotFound)
		return
	}
	if state.Status != "running" {
		http.Error(w, "backtest not running", http.StatusBadRequest)
		return
	}
	if state.cancel != nil {
		state.cancel()
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{"id": id, "status": "cancelling"})
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("websocket upgrade failed", zap.Error(err))
		return
	}
	client := NewClient(uuid.New().String(), s.hub, conn)
	client.Register()
	if s.metrics != nil {
		s.metrics.WebsocketConns.Inc()
		go func() {
			client.WaitClosed()
			s.metrics.WebsocketConns.Dec()
		}()
	}
}

// startRun launches cfg's backtest in the background: loads the
// strategy tree and bar data, picks the single- or multi-symbol
// runner, streams progress over the hub, then runs the optional
// Monte Carlo post-processor before marking the run complete.
func (s *Server) startRun(state *RunState) {
	ctx, cancel := context.WithCancel(context.Background())
	state.cancel = cancel

	if s.metrics != nil {
		s.metrics.ActiveRuns.Inc()
	}
	started := time.Now()

	go func() {
		defer func() {
			if s.metrics != nil {
				s.metrics.ActiveRuns.Dec()
				s.metrics.RunDuration.WithLabelValues(runMode(state.Config)).Observe(time.Since(started).Seconds())
			}
		}()

		barsCounted := 0
		onProgress := func(p types.BacktestProgress) {
			s.mu.Lock()
			state.Progress = p
			s.mu.Unlock()
			s.hub.BroadcastProgress(&p)
			if s.metrics != nil {
				s.metrics.BarsProcessed.WithLabelValues(firstSymbol(state.Config)).Add(float64(p.BarsProcessed - barsCounted))
			}
			barsCounted = p.BarsProcessed
		}

		err := s.runBacktest(ctx, state, onProgress)

		s.mu.Lock()
		switch {
		case err != nil && isCancelled(err):
			state.Status = "cancelled"
		case err != nil:
			state.Status = "failed"
			state.Err = err.Error()
			s.logger.Error("backtest failed", zap.String("id", state.ID), zap.Error(err))
		default:
			state.Status = "completed"
		}
		result := state.Result
		pf := state.Portfolio
		s.mu.Unlock()

		switch {
		case result != nil:
			s.hub.BroadcastRunComplete(state.ID, result)
		case pf != nil:
			s.hub.BroadcastPortfolioComplete(state.ID, pf)
		default:
			s.hub.PublishToChannel("run:"+state.ID, MsgTypeError, map[string]string{"error": state.Err})
		}
	}()
}

// runBacktest is the synchronous core of startRun, split out so tests
// can drive it without a goroutine.
func (s *Server) runBacktest(ctx context.Context, state *RunState, onProgress func(types.BacktestProgress)) error {
	cfg := state.Config

	tree, err := config.LoadStrategyTree(cfg.StrategyPath)
	if err != nil {
		return fmt.Errorf("load strategy: %w", err)
	}

	slippageModel := execution.CreateSlippageModel(cfg.Slippage)
	commission := execution.CreateCommissionSchedule(cfg.Commission)
	executor := execution.NewExecutor(s.logger, cfg.LotSize, cfg.Fractional, slippageModel, commission)
	reg := indicators.NewRegistry()

	symbols := cfg.Symbols
	if len(symbols) == 0 {
		symbols = tree.Universe.Symbols
	}
	if len(symbols) == 0 {
		return &types.DataError{Reason: "no symbols in request or strategy universe"}
	}

	framesBySymbol := make(map[string][]types.Bar, len(symbols))
	for _, sym := range symbols {
		bars, err := s.dataStore.LoadBars(ctx, sym, cfg.Timeframe, cfg.StartDate, cfg.EndDate)
		if err != nil {
			return fmt.Errorf("load bars for %s: %w", sym, err)
		}
		framesBySymbol[sym] = bars
	}

	if len(symbols) == 1 {
		runner := backtester.NewRunner(s.logger, tree, reg, executor).
			WithProgress(state.ID, onProgress, progressSampleEvery(len(framesBySymbol[symbols[0]]))).
			WithContext(ctx)

		result, err := runner.Run(symbols[0], framesBySymbol[symbols[0]], cfg.InitialCapital)
		if result != nil {
			result.RunID = state.ID
			result.Metrics = metrics.Calculate(result.Trades, result.EquityCurve, result.InitialCapital)
			result.RiskMetrics = metrics.CalculateRisk(result.EquityCurve)
			if cfg.Validation.MonteCarlo.Enabled {
				result.MonteCarlo = montecarlo.Run(s.logger, result, cfg.Validation.MonteCarlo)
			}
		}
		s.mu.Lock()
		state.Result = result
		s.mu.Unlock()
		return err
	}

	scheme := portfolio.ParseWeightScheme(cfg.WeightScheme, cfg.Targets)
	cadence := backtester.ParseRebalanceCadence(cfg.Rebalance.Frequency, cfg.Rebalance.DriftThreshold)
	runner := backtester.NewPortfolioRunner(s.logger, tree, reg, executor, scheme, cadence).
		WithProgress(state.ID, onProgress, progressSampleEvery(len(framesBySymbol[symbols[0]]))).
		WithContext(ctx)

	result, err := runner.Run(symbols, framesBySymbol, cfg.InitialCapital)
	if result != nil {
		result.RunID = state.ID
		result.Metrics = metrics.Calculate(result.Trades, result.EquityCurve, result.InitialCapital)
		result.RiskMetrics = metrics.CalculateRisk(result.EquityCurve)
		if cfg.Validation.MonteCarlo.Enabled {
			pseudo := &types.BacktestResult{Trades: result.Trades, InitialCapital: result.InitialCapital}
			result.MonteCarlo = montecarlo.Run(s.logger, pseudo, cfg.Validation.MonteCarlo)
		}
	}
	s.mu.Lock()
	state.Portfolio = result
	s.mu.Unlock()
	return err
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(payload)
}

func isCancelled(err error) bool {
	_, ok := err.(*types.CancelledError)
	return ok
}

func runMode(cfg *types.BacktestConfig) string {
	if len(cfg.Symbols) > 1 {
		return "portfolio"
	}
	return "single_symbol"
}

func firstSymbol(cfg *types.BacktestConfig) string {
	if len(cfg.Symbols) == 0 {
		return ""
	}
	return cfg.Symbols[0]
}

// progressSampleEvery picks a progress-callback stride so a long run
// doesn't flood the websocket with one message per bar: roughly 100
// updates across the whole run, never less than every bar.
func progressSampleEvery(totalBars int) int {
	every := totalBars / 100
	if every < 1 {
		return 1
	}
	return every
}
