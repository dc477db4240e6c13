package backtester_test

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/quantfolio/analytics-backend/internal/backtester"
	"github.com/quantfolio/analytics-backend/pkg/types"
)

func curveFromEquity(values []float64) []types.EquityCurvePoint {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	curve := make([]types.EquityCurvePoint, len(values))
	for i, v := range values {
		curve[i] = types.EquityCurvePoint{
			Timestamp: start.AddDate(0, 0, i),
			Equity:    decimal.NewFromFloat(v),
		}
	}
	return curve
}

func TestAnalyzeTotalReturn(t *testing.T) {
	analyzer := backtester.NewAnalyzer(0)

	curve := curveFromEquity([]float64{10000, 10500, 11000})
	perf := analyzer.Analyze(curve, nil, decimal.NewFromInt(10000))

	if perf.TotalReturn != 0.1 {
		t.Errorf("total return %f, want 0.1", perf.TotalReturn)
	}
}

func TestAnalyzeSharpeUndefinedOnZeroVariance(t *testing.T) {
	analyzer := backtester.NewAnalyzer(0)

	// Flat curve: every return is zero, stdev is zero.
	curve := curveFromEquity([]float64{10000, 10000, 10000, 10000})
	perf := analyzer.Analyze(curve, nil, decimal.NewFromInt(10000))

	if perf.Sharpe != nil {
		t.Errorf("sharpe should be undefined, got %f", *perf.Sharpe)
	}
	if perf.Sortino != nil {
		t.Errorf("sortino should be undefined, got %f", *perf.Sortino)
	}
}

func TestAnalyzeSharpeDefined(t *testing.T) {
	analyzer := backtester.NewAnalyzer(0)

	curve := curveFromEquity([]float64{10000, 10100, 10050, 10200, 10150, 10300})
	perf := analyzer.Analyze(curve, nil, decimal.NewFromInt(10000))

	if perf.Sharpe == nil {
		t.Fatal("sharpe should be defined for a varying curve")
	}
	if perf.Sortino == nil {
		t.Fatal("sortino should be defined when negative returns exist")
	}
}

func TestAnalyzeSortinoUndefinedWithoutLosses(t *testing.T) {
	analyzer := backtester.NewAnalyzer(0)

	// Monotonically rising: no negative returns, downside deviation zero.
	curve := curveFromEquity([]float64{10000, 10100, 10300, 10400, 10800})
	perf := analyzer.Analyze(curve, nil, decimal.NewFromInt(10000))

	if perf.Sortino != nil {
		t.Errorf("sortino should be undefined, got %f", *perf.Sortino)
	}
	if perf.Sharpe == nil {
		t.Error("sharpe should still be defined")
	}
}

func TestAnalyzeMaxDrawdown(t *testing.T) {
	analyzer := backtester.NewAnalyzer(0)

	// Peak 12000 to trough 9000: drawdown 0.25.
	curve := curveFromEquity([]float64{10000, 12000, 9000, 11000})
	perf := analyzer.Analyze(curve, nil, decimal.NewFromInt(10000))

	if perf.MaxDrawdown != 0.25 {
		t.Errorf("max drawdown %f, want 0.25", perf.MaxDrawdown)
	}
	if perf.MaxDrawdown < 0 || perf.MaxDrawdown > 1 {
		t.Errorf("max drawdown out of [0,1]: %f", perf.MaxDrawdown)
	}
}

func TestAnalyzeWinRate(t *testing.T) {
	analyzer := backtester.NewAnalyzer(0)
	curve := curveFromEquity([]float64{10000, 10100})

	perf := analyzer.Analyze(curve, nil, decimal.NewFromInt(10000))
	if perf.WinRate != nil {
		t.Errorf("win rate should be undefined with no trades, got %f", *perf.WinRate)
	}

	trades := []types.Trade{
		{PnL: decimal.NewFromInt(100)},
		{PnL: decimal.NewFromInt(-50)},
		{PnL: decimal.NewFromInt(30)},
		{PnL: decimal.NewFromInt(20)},
	}
	perf = analyzer.Analyze(curve, trades, decimal.NewFromInt(10000))
	if perf.WinRate == nil || *perf.WinRate != 0.75 {
		t.Errorf("win rate should be 0.75, got %v", perf.WinRate)
	}
}

func TestReturns(t *testing.T) {
	curve := curveFromEquity([]float64{100, 110, 99})
	returns := backtester.Returns(curve)

	if len(returns) != 2 {
		t.Fatalf("expected 2 returns, got %d", len(returns))
	}
	if diff := returns[0] - 0.1; diff > 1e-12 || diff < -1e-12 {
		t.Errorf("first return %f, want 0.1", returns[0])
	}
	if diff := returns[1] - (-0.1); diff > 1e-12 || diff < -1e-12 {
		t.Errorf("second return %f, want -0.1", returns[1])
	}

	if backtester.Returns(curve[:1]) != nil {
		t.Error("single-point curve has no returns")
	}
}
