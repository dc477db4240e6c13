// Package api provides the HTTP and WebSocket server.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/rs/cors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/quantfolio/analytics-backend/internal/backtester"
	"github.com/quantfolio/analytics-backend/internal/cache"
	"github.com/quantfolio/analytics-backend/internal/config"
	"github.com/quantfolio/analytics-backend/internal/data"
	"github.com/quantfolio/analytics-backend/internal/risk"
	"github.com/quantfolio/analytics-backend/internal/telemetry"
	"github.com/quantfolio/analytics-backend/internal/workers"
	"github.com/quantfolio/analytics-backend/pkg/types"
	"github.com/quantfolio/analytics-backend/pkg/utils"
)

// maxSerializedPaths caps the number of Monte Carlo paths included in
// an HTTP response. The full grid stays available in the result store.
const maxSerializedPaths = 100

// Server is the HTTP/WebSocket API server.
type Server struct {
	mu         sync.RWMutex
	logger     *zap.Logger
	config     config.Config
	router     *mux.Router
	httpServer *http.Server
	upgrader   websocket.Upgrader
	clients    map[string]*Client

	store      *data.Store
	backtester *backtester.Engine
	risk       *risk.Engine
	pool       *workers.Pool

	flight  *cache.Group
	results *cache.ResultStore

	// Backtest run state by API ID, plus the request fingerprint of
	// each run still in flight so identical requests share one run.
	states   map[string]*BacktestState
	inflight map[string]string
}

// BacktestState tracks one backtest run through its lifecycle.
type BacktestState struct {
	ID      string                `json:"id"`
	Status  string                `json:"status"` // running, completed, failed, cancelled
	Started time.Time             `json:"started"`
	Error   string                `json:"error,omitempty"`
	Result  *types.BacktestResult `json:"result,omitempty"`

	cancel context.CancelFunc
}

func NewServer(logger *zap.Logger, cfg config.Config, store *data.Store, bt *backtester.Engine, riskEngine *risk.Engine, pool *workers.Pool) *Server {
	server := &Server{
		logger:     logger,
		config:     cfg,
		router:     mux.NewRouter(),
		clients:    make(map[string]*Client),
		store:      store,
		backtester: bt,
		risk:       riskEngine,
		pool:       pool,
		flight:     cache.NewGroup(),
		results:    cache.NewResultStore(cfg.ResultCacheSize),
		states:     make(map[string]*BacktestState),
		inflight:   make(map[string]string),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true // Allow all origins for development
			},
		},
	}

	server.setupRoutes()
	return server
}

func (s *Server) setupRoutes() {
	s.router.HandleFunc("/api/v1/health", s.handleHealth).Methods("GET")

	s.router.HandleFunc("/api/v1/data/symbols", s.handleGetSymbols).Methods("GET")
	s.router.HandleFunc("/api/v1/data/history/{symbol}", s.handleGetHistory).Methods("GET")

	s.router.HandleFunc("/api/v1/backtest/run", s.handleRunBacktest).Methods("POST")
	s.router.HandleFunc("/api/v1/backtest/{id}", s.handleGetBacktest).Methods("GET")
	s.router.HandleFunc("/api/v1/backtest/{id}/trades", s.handleGetBacktestTrades).Methods("GET")
	s.router.HandleFunc("/api/v1/backtest/{id}/cancel", s.handleCancelBacktest).Methods("POST")

	s.router.HandleFunc("/api/v1/risk/calculate", s.handleCalculateRisk).Methods("POST")

	s.router.HandleFunc("/ws", s.handleWebSocket)
}

// Router exposes the route table, mainly for tests.
func (s *Server) Router() *mux.Router {
	return s.router
}

// Start starts the HTTP server and blocks until it stops.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)

	handler := cors.New(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: true,
	}).Handler(s.router)

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: s.config.RequestTimeout + 15*time.Second,
	}

	s.logger.Info("starting API server", zap.String("addr", addr))

	return s.httpServer.ListenAndServe()
}

// Stop gracefully stops the server.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	for _, client := range s.clients {
		client.Conn.Close()
	}
	s.mu.Unlock()

	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "healthy",
		"time":   time.Now().Unix(),
	})
}

func (s *Server) handleGetSymbols(w http.ResponseWriter, r *http.Request) {
	symbols := s.store.Symbols()
	if len(symbols) == 0 {
		symbols = []string{"AAPL", "MSFT", "SPY", "BTC/USDT"}
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"symbols": symbols,
	})
}

func (s *Server) handleGetHistory(w http.ResponseWriter, r *http.Request) {
	symbol := mux.Vars(r)["symbol"]
	start, end := parseRange(r, time.Now().AddDate(0, -1, 0), time.Now())

	bars, err := s.store.LoadBars(r.Context(), symbol, start, end)
	if err != nil {
		s.writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"symbol": utils.FormatSymbol(symbol),
		"bars":   bars,
		"count":  len(bars),
	})
}

// handleRunBacktest validates the request and schedules the run on the
// worker pool, replying with the run's ID immediately. An identical
// request already in flight shares that run instead of starting
// another.
func (s *Server) handleRunBacktest(w http.ResponseWriter, r *http.Request) {
	var req types.BacktestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, &types.InvalidParameterError{Param: "body", Reason: "malformed JSON"})
		return
	}
	s.applyBacktestDefaults(&req)
	if err := backtester.ValidateRequest(&req); err != nil {
		s.writeError(w, err)
		return
	}

	key := cache.Fingerprint("backtest", req)

	s.mu.Lock()
	if id, ok := s.inflight[key]; ok {
		snapshot := *s.states[id]
		s.mu.Unlock()
		telemetry.CacheHitsTotal.WithLabelValues("backtest").Inc()
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"id":      snapshot.ID,
			"status":  snapshot.Status,
			"started": snapshot.Started.Unix(),
		})
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.config.RequestTimeout)
	state := &BacktestState{
		ID:      uuid.New().String(),
		Status:  "running",
		Started: time.Now(),
		cancel:  cancel,
	}
	s.states[state.ID] = state
	s.inflight[key] = state.ID
	s.mu.Unlock()

	run := func() error {
		s.executeBacktest(ctx, cancel, key, state.ID, &req)
		return nil
	}
	if s.pool == nil || s.pool.SubmitFunc(run) != nil {
		go run()
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"id":      state.ID,
		"status":  state.Status,
		"started": state.Started.Unix(),
	})
}

// executeBacktest is the pool task behind handleRunBacktest.
func (s *Server) executeBacktest(ctx context.Context, cancel context.CancelFunc, key, id string, req *types.BacktestRequest) {
	defer cancel()
	started := time.Now()

	bars, err := s.store.LoadBars(ctx, req.Symbol, req.StartDate, req.EndDate)
	var result *types.BacktestResult
	if err == nil {
		result, err = s.backtester.Run(ctx, req, bars)
	}

	s.mu.Lock()
	state := s.states[id]
	delete(s.inflight, key)
	switch {
	case state.Status == "cancelled":
		// A cancel beat the run to the finish line; its status wins.
	case err != nil:
		state.Status = "failed"
		state.Error = err.Error()
	default:
		// The run reports under the API's ID, not the engine's.
		result.ID = id
		state.Status = "completed"
		state.Result = result
	}
	status := state.Status
	s.mu.Unlock()

	switch status {
	case "completed":
		s.results.Put(id, result)
		telemetry.BacktestsTotal.WithLabelValues("completed").Inc()
		telemetry.BacktestDuration.Observe(time.Since(started).Seconds())
	case "failed":
		telemetry.BacktestsTotal.WithLabelValues("failed").Inc()
		s.logger.Error("backtest failed",
			zap.String("id", id), zap.String("symbol", req.Symbol), zap.Error(err))
	case "cancelled":
		telemetry.BacktestsTotal.WithLabelValues("cancelled").Inc()
	}

	s.broadcast(&Message{
		ID:     uuid.New().String(),
		Type:   "event",
		Method: "backtest:complete",
		Payload: map[string]interface{}{
			"id":     id,
			"symbol": req.Symbol,
			"status": status,
		},
		Timestamp: time.Now().UnixMilli(),
	})
}

func (s *Server) handleGetBacktest(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	s.mu.RLock()
	state, ok := s.states[id]
	var snapshot BacktestState
	if ok {
		snapshot = *state
	}
	s.mu.RUnlock()

	if !ok {
		http.Error(w, "backtest not found", http.StatusNotFound)
		return
	}

	writeJSON(w, http.StatusOK, snapshot)
}

func (s *Server) handleCancelBacktest(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	s.mu.Lock()
	state, ok := s.states[id]
	if !ok {
		s.mu.Unlock()
		http.Error(w, "backtest not found", http.StatusNotFound)
		return
	}
	if state.Status != "running" {
		s.mu.Unlock()
		http.Error(w, "backtest not running", http.StatusBadRequest)
		return
	}
	state.Status = "cancelled"
	cancel := state.cancel
	s.mu.Unlock()

	cancel()

	writeJSON(w, http.StatusOK, map[string]string{
		"id":     id,
		"status": "cancelled",
	})
}

func (s *Server) handleGetBacktestTrades(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	value, ok := s.results.Get(id)
	if !ok {
		http.Error(w, "backtest not found", http.StatusNotFound)
		return
	}
	result, ok := value.(*types.BacktestResult)
	if !ok {
		http.Error(w, "backtest not found", http.StatusNotFound)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"id":     id,
		"trades": result.Trades,
		"count":  len(result.Trades),
	})
}

// handleCalculateRisk evaluates the full risk metric set for a
// portfolio over the trailing year of history.
func (s *Server) handleCalculateRisk(w http.ResponseWriter, r *http.Request) {
	var req types.RiskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, &types.InvalidParameterError{Param: "body", Reason: "malformed JSON"})
		return
	}
	if len(req.Symbols) == 0 {
		s.writeError(w, &types.InvalidParameterError{Param: "symbols", Reason: "at least one symbol required"})
		return
	}
	if len(req.Weights) != 0 && len(req.Weights) != len(req.Symbols) {
		s.writeError(w, &types.InvalidParameterError{Param: "weights", Reason: "must match symbols length"})
		return
	}

	key := cache.Fingerprint("risk", req)
	started := time.Now()

	value, err, shared := s.flight.Do(key, func() (interface{}, error) {
		ctx, cancel := context.WithTimeout(r.Context(), s.config.RequestTimeout)
		defer cancel()
		return s.calculateRisk(ctx, &req)
	})
	if shared {
		telemetry.CacheHitsTotal.WithLabelValues("risk").Inc()
	}
	if err != nil {
		telemetry.RiskCalculationsTotal.WithLabelValues("failed").Inc()
		s.logger.Error("risk calculation failed",
			zap.Strings("symbols", req.Symbols), zap.Error(err))
		s.writeError(w, err)
		return
	}

	metrics := value.(*types.RiskMetrics)
	telemetry.RiskCalculationsTotal.WithLabelValues("completed").Inc()
	telemetry.RiskCalculationDuration.Observe(time.Since(started).Seconds())
	if metrics.MonteCarlo != nil {
		telemetry.MonteCarloPathsTotal.Add(float64(metrics.MonteCarlo.NumPaths))
	}

	writeJSON(w, http.StatusOK, truncatePaths(metrics))
}

func (s *Server) calculateRisk(ctx context.Context, req *types.RiskRequest) (*types.RiskMetrics, error) {
	end := time.Now().UTC().Truncate(24 * time.Hour)
	start := end.AddDate(-1, 0, 0)

	assets := make(map[string][]types.ReturnPoint, len(req.Symbols))
	symbols := make([]string, len(req.Symbols))
	for i, symbol := range req.Symbols {
		symbol = utils.FormatSymbol(symbol)
		symbols[i] = symbol

		bars, err := s.store.LoadBars(ctx, symbol, start, end)
		if err != nil {
			return nil, err
		}
		returns := risk.FromBars(bars)
		if len(returns) < 2 {
			return nil, &types.InsufficientDataError{
				What: fmt.Sprintf("return observations for %s", symbol),
				Need: 2,
				Have: len(returns),
			}
		}
		assets[symbol] = returns
	}

	input := risk.Input{
		Symbols:   symbols,
		Assets:    assets,
		Portfolio: risk.Blend(assets, symbols, req.Weights),
	}

	benchmark := req.Benchmark
	if benchmark == "" {
		benchmark = s.config.BenchmarkSymbol
	}
	if benchmark != "" {
		bars, err := s.store.LoadBars(ctx, benchmark, start, end)
		if err != nil {
			return nil, err
		}
		input.Benchmark = risk.FromBars(bars)
	}

	if req.MonteCarlo != nil {
		input.MonteCarlo = &risk.MonteCarloOptions{
			Paths:        orDefault(req.MonteCarlo.Paths, s.config.MonteCarloPaths),
			Horizon:      orDefault(req.MonteCarlo.Horizon, s.config.MonteCarloHorizon),
			Seed:         req.MonteCarlo.Seed,
			InitialValue: 1,
			Bootstrap:    req.MonteCarlo.Bootstrap,
		}
	}

	return s.risk.Calculate(ctx, input)
}

func (s *Server) applyBacktestDefaults(req *types.BacktestRequest) {
	req.Symbol = utils.FormatSymbol(req.Symbol)
	if req.AssetType == "" {
		req.AssetType = types.AssetTypeStock
	}
	if req.ShortWindow == 0 {
		req.ShortWindow = 20
	}
	if req.LongWindow == 0 {
		req.LongWindow = 50
	}
	if req.EndDate.IsZero() {
		req.EndDate = time.Now().UTC().Truncate(24 * time.Hour)
	}
	if req.StartDate.IsZero() {
		req.StartDate = req.EndDate.AddDate(-1, 0, 0)
	}
	if req.InitialCapital.IsZero() {
		req.InitialCapital = decimal.NewFromInt(10000)
	}
	if req.Commission.IsZero() && s.config.CommissionRate > 0 {
		req.Commission = decimal.NewFromFloat(s.config.CommissionRate)
	}
}

// truncatePaths shallow-copies the metrics with the simulated path grid
// capped for transport.
func truncatePaths(metrics *types.RiskMetrics) *types.RiskMetrics {
	if metrics.MonteCarlo == nil || len(metrics.MonteCarlo.Paths) <= maxSerializedPaths {
		return metrics
	}

	copied := *metrics
	summary := *metrics.MonteCarlo
	summary.Paths = summary.Paths[:maxSerializedPaths]
	copied.MonteCarlo = &summary
	return &copied
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	var invalid *types.InvalidParameterError
	var insufficient *types.InsufficientDataError
	var timeout *types.ComputationTimeoutError

	status := http.StatusInternalServerError
	switch {
	case errors.As(err, &invalid):
		status = http.StatusBadRequest
	case errors.As(err, &insufficient):
		status = http.StatusUnprocessableEntity
	case errors.As(err, &timeout):
		status = http.StatusGatewayTimeout
	}

	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func parseRange(r *http.Request, defaultStart, defaultEnd time.Time) (start, end time.Time) {
	start, end = defaultStart, defaultEnd
	if v := r.URL.Query().Get("start"); v != "" {
		if t, err := parseDate(v); err == nil {
			start = t
		}
	}
	if v := r.URL.Query().Get("end"); v != "" {
		if t, err := parseDate(v); err == nil {
			end = t
		}
	}
	return start, end
}

func parseDate(v string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t, nil
	}
	return time.Parse("2006-01-02", v)
}

func orDefault(v, fallback int) int {
	if v > 0 {
		return v
	}
	return fallback
}
