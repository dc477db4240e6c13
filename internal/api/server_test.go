// Package api_test provides tests for the API server.
package api_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/quantfolio/analytics-backend/internal/api"
	"github.com/quantfolio/analytics-backend/internal/backtester"
	"github.com/quantfolio/analytics-backend/internal/config"
	"github.com/quantfolio/analytics-backend/internal/data"
	"github.com/quantfolio/analytics-backend/internal/risk"
	"github.com/quantfolio/analytics-backend/pkg/types"
)

func setupTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	logger := zap.NewNop()

	store, err := data.NewStore(logger, t.TempDir())
	if err != nil {
		t.Fatalf("failed to create data store: %v", err)
	}

	cfg := config.Config{
		RequestTimeout:    10 * time.Second,
		MonteCarloPaths:   50,
		MonteCarloHorizon: 20,
		ResultCacheSize:   16,
	}

	server := api.NewServer(logger, cfg, store,
		backtester.NewEngine(logger, nil),
		risk.NewEngine(logger, nil, 0),
		nil)

	ts := httptest.NewServer(server.Router())
	t.Cleanup(ts.Close)
	return ts
}

// runResponse is the envelope returned by backtest scheduling and
// status endpoints.
type runResponse struct {
	ID     string                `json:"id"`
	Status string                `json:"status"`
	Error  string                `json:"error"`
	Result *types.BacktestResult `json:"result"`
}

// awaitBacktest polls the status endpoint until the run leaves the
// running state.
func awaitBacktest(t *testing.T, baseURL, id string) runResponse {
	t.Helper()

	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		resp, err := http.Get(baseURL + "/api/v1/backtest/" + id)
		if err != nil {
			t.Fatalf("status request failed: %v", err)
		}
		var state runResponse
		if err := json.NewDecoder(resp.Body).Decode(&state); err != nil {
			resp.Body.Close()
			t.Fatalf("failed to decode status: %v", err)
		}
		resp.Body.Close()
		if state.Status != "running" {
			return state
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("backtest %s did not finish in time", id)
	return runResponse{}
}

func TestHealthEndpoint(t *testing.T) {
	ts := setupTestServer(t)

	resp, err := http.Get(ts.URL + "/api/v1/health")
	if err != nil {
		t.Fatalf("health request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected status 200, got %d", resp.StatusCode)
	}

	var result map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if result["status"] != "healthy" {
		t.Errorf("expected status 'healthy', got '%s'", result["status"])
	}
}

func TestSymbolsEndpoint(t *testing.T) {
	ts := setupTestServer(t)

	resp, err := http.Get(ts.URL + "/api/v1/data/symbols")
	if err != nil {
		t.Fatalf("symbols request failed: %v", err)
	}
	defer resp.Body.Close()

	var result struct {
		Symbols []string `json:"symbols"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if len(result.Symbols) == 0 {
		t.Error("expected default symbols when the store is empty")
	}
}

func TestHistoryEndpoint(t *testing.T) {
	ts := setupTestServer(t)

	resp, err := http.Get(ts.URL + "/api/v1/data/history/AAPL?start=2024-01-01&end=2024-01-31")
	if err != nil {
		t.Fatalf("history request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected status 200, got %d", resp.StatusCode)
	}

	var result struct {
		Symbol string           `json:"symbol"`
		Bars   []types.PriceBar `json:"bars"`
		Count  int              `json:"count"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if result.Symbol != "AAPL" {
		t.Errorf("expected symbol AAPL, got %s", result.Symbol)
	}
	if result.Count != 31 {
		t.Errorf("expected 31 daily bars for January, got %d", result.Count)
	}
}

func TestBacktestRunAndFetch(t *testing.T) {
	ts := setupTestServer(t)

	req := types.BacktestRequest{
		Symbol:         "AAPL",
		StartDate:      time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		EndDate:        time.Date(2024, 12, 31, 0, 0, 0, 0, time.UTC),
		ShortWindow:    5,
		LongWindow:     20,
		InitialCapital: decimal.NewFromInt(10000),
	}
	body, _ := json.Marshal(req)

	resp, err := http.Post(ts.URL+"/api/v1/backtest/run", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("backtest run request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected status 200, got %d", resp.StatusCode)
	}

	// Scheduling returns an ID immediately; the result arrives via the
	// status endpoint.
	var scheduled runResponse
	if err := json.NewDecoder(resp.Body).Decode(&scheduled); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if scheduled.ID == "" {
		t.Fatal("response missing backtest ID")
	}
	if scheduled.Status != "running" {
		t.Errorf("expected status 'running', got '%s'", scheduled.Status)
	}

	state := awaitBacktest(t, ts.URL, scheduled.ID)
	if state.Status != "completed" {
		t.Fatalf("expected status 'completed', got '%s' (%s)", state.Status, state.Error)
	}
	if state.Result == nil {
		t.Fatal("completed state missing result")
	}
	if state.Result.ID != scheduled.ID {
		t.Errorf("result ID %s does not match run ID %s", state.Result.ID, scheduled.ID)
	}
	if state.Result.Symbol != "AAPL" {
		t.Errorf("expected symbol AAPL, got %s", state.Result.Symbol)
	}
	if len(state.Result.EquityCurve) == 0 {
		t.Error("expected a non-empty equity curve")
	}

	resp3, err := http.Get(ts.URL + "/api/v1/backtest/" + scheduled.ID + "/trades")
	if err != nil {
		t.Fatalf("trades fetch failed: %v", err)
	}
	defer resp3.Body.Close()
	if resp3.StatusCode != http.StatusOK {
		t.Errorf("expected status 200 fetching trades, got %d", resp3.StatusCode)
	}
}

func TestBacktestCancelRoute(t *testing.T) {
	ts := setupTestServer(t)

	// Unknown runs are distinguishable from an unserved route.
	resp, err := http.Post(ts.URL+"/api/v1/backtest/no-such-id/cancel", "application/json", nil)
	if err != nil {
		t.Fatalf("cancel request failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected status 404 for unknown run, got %d", resp.StatusCode)
	}

	req := types.BacktestRequest{
		Symbol:         "AAPL",
		StartDate:      time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		EndDate:        time.Date(2024, 12, 31, 0, 0, 0, 0, time.UTC),
		ShortWindow:    5,
		LongWindow:     20,
		InitialCapital: decimal.NewFromInt(10000),
	}
	body, _ := json.Marshal(req)

	resp, err = http.Post(ts.URL+"/api/v1/backtest/run", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("backtest run request failed: %v", err)
	}
	var scheduled runResponse
	if err := json.NewDecoder(resp.Body).Decode(&scheduled); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	resp.Body.Close()

	// Cancel races the run itself; either it lands while the run is
	// live (200) or the run already finished (400). Both mean the
	// route is served and the state machine holds.
	resp, err = http.Post(ts.URL+"/api/v1/backtest/"+scheduled.ID+"/cancel", "application/json", nil)
	if err != nil {
		t.Fatalf("cancel request failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected status 200 or 400, got %d", resp.StatusCode)
	}

	state := awaitBacktest(t, ts.URL, scheduled.ID)
	switch state.Status {
	case "cancelled", "completed", "failed":
	default:
		t.Errorf("expected a terminal status, got '%s'", state.Status)
	}
	if resp.StatusCode == http.StatusOK && state.Status != "cancelled" {
		t.Errorf("accepted cancel must stick, got status '%s'", state.Status)
	}

	// A terminal run rejects a second cancel.
	resp, err = http.Post(ts.URL+"/api/v1/backtest/"+scheduled.ID+"/cancel", "application/json", nil)
	if err != nil {
		t.Fatalf("cancel request failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("expected status 400 cancelling a finished run, got %d", resp.StatusCode)
	}
}

func TestBacktestNotFound(t *testing.T) {
	ts := setupTestServer(t)

	resp, err := http.Get(ts.URL + "/api/v1/backtest/no-such-id")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("expected status 404, got %d", resp.StatusCode)
	}
}

func TestBacktestInvalidWindows(t *testing.T) {
	ts := setupTestServer(t)

	req := types.BacktestRequest{
		Symbol:         "AAPL",
		StartDate:      time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		EndDate:        time.Date(2024, 6, 30, 0, 0, 0, 0, time.UTC),
		ShortWindow:    50,
		LongWindow:     20,
		InitialCapital: decimal.NewFromInt(10000),
	}
	body, _ := json.Marshal(req)

	resp, err := http.Post(ts.URL+"/api/v1/backtest/run", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("expected status 400, got %d", resp.StatusCode)
	}
}

func TestBacktestInsufficientHistory(t *testing.T) {
	ts := setupTestServer(t)

	req := types.BacktestRequest{
		Symbol:         "AAPL",
		StartDate:      time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		EndDate:        time.Date(2024, 1, 5, 0, 0, 0, 0, time.UTC),
		ShortWindow:    20,
		LongWindow:     50,
		InitialCapital: decimal.NewFromInt(10000),
	}
	body, _ := json.Marshal(req)

	resp, err := http.Post(ts.URL+"/api/v1/backtest/run", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected status 200 scheduling the run, got %d", resp.StatusCode)
	}

	// Too little history only surfaces once the run touches the data.
	var scheduled runResponse
	if err := json.NewDecoder(resp.Body).Decode(&scheduled); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}

	state := awaitBacktest(t, ts.URL, scheduled.ID)
	if state.Status != "failed" {
		t.Errorf("expected status 'failed', got '%s'", state.Status)
	}
	if state.Error == "" {
		t.Error("failed state should carry the error message")
	}
}

func TestRiskCalculate(t *testing.T) {
	ts := setupTestServer(t)

	req := types.RiskRequest{
		Symbols: []string{"AAPL", "MSFT"},
		MonteCarlo: &types.MonteCarloRequest{
			Paths:   10,
			Horizon: 5,
			Seed:    1,
		},
	}
	body, _ := json.Marshal(req)

	resp, err := http.Post(ts.URL+"/api/v1/risk/calculate", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("risk request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected status 200, got %d", resp.StatusCode)
	}

	var metrics types.RiskMetrics
	if err := json.NewDecoder(resp.Body).Decode(&metrics); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if metrics.Correlations == nil {
		t.Error("expected a correlation matrix for a two-asset portfolio")
	} else if len(metrics.Correlations.Matrix) != 2 {
		t.Errorf("expected 2x2 matrix, got %d rows", len(metrics.Correlations.Matrix))
	}
	if metrics.MonteCarlo == nil {
		t.Fatal("expected Monte Carlo results")
	}
	if metrics.MonteCarlo.NumPaths != 10 || len(metrics.MonteCarlo.Paths) != 10 {
		t.Errorf("expected 10 simulated paths, got %d/%d",
			metrics.MonteCarlo.NumPaths, len(metrics.MonteCarlo.Paths))
	}
}

func TestRiskCalculateValidation(t *testing.T) {
	ts := setupTestServer(t)

	cases := []types.RiskRequest{
		{},
		{Symbols: []string{"AAPL", "MSFT"}, Weights: []decimal.Decimal{decimal.NewFromInt(1)}},
	}

	for _, req := range cases {
		body, _ := json.Marshal(req)
		resp, err := http.Post(ts.URL+"/api/v1/risk/calculate", "application/json", bytes.NewReader(body))
		if err != nil {
			t.Fatalf("risk request failed: %v", err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", resp.StatusCode)
		}
	}
}

func TestWebSocketPing(t *testing.T) {
	ts := setupTestServer(t)

	wsURL := "ws" + ts.URL[4:] + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("websocket connection failed: %v", err)
	}
	defer conn.Close()

	ping := api.Message{ID: "test-ping-1", Type: "request", Method: "ping"}
	if err := conn.WriteJSON(ping); err != nil {
		t.Fatalf("failed to send ping: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	var response api.Message
	if err := conn.ReadJSON(&response); err != nil {
		t.Fatalf("failed to read response: %v", err)
	}
	if response.ID != ping.ID || response.Type != "response" {
		t.Errorf("unexpected envelope: %+v", response)
	}
	payload, _ := response.Payload.(map[string]interface{})
	if payload["pong"] != "ok" {
		t.Errorf("expected pong payload, got %v", response.Payload)
	}
}

func TestWebSocketSubscription(t *testing.T) {
	ts := setupTestServer(t)

	wsURL := "ws" + ts.URL[4:] + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("websocket connection failed: %v", err)
	}
	defer conn.Close()

	sub := api.Message{
		ID:      "test-sub-1",
		Type:    "request",
		Method:  "subscribe",
		Payload: map[string]interface{}{"channel": "backtests"},
	}
	if err := conn.WriteJSON(sub); err != nil {
		t.Fatalf("failed to send subscribe: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	var response api.Message
	if err := conn.ReadJSON(&response); err != nil {
		t.Fatalf("failed to read response: %v", err)
	}
	if response.Error != "" {
		t.Fatalf("subscribe failed: %s", response.Error)
	}
	payload, _ := response.Payload.(map[string]interface{})
	if payload["subscribed"] != "backtests" {
		t.Errorf("unexpected payload: %v", response.Payload)
	}
}
