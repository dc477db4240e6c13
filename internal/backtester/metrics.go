// Package backtester provides performance metrics calculation.
package backtester

import (
	"math"

	"github.com/shopspring/decimal"

	"github.com/quantfolio/analytics-backend/pkg/types"
)

// PeriodsPerYear is the annualization factor for daily bars.
const PeriodsPerYear = 252

// Performance holds the derived metrics for one equity curve and ledger.
// Nil pointers mark metrics that are undefined for the inputs (zero
// variance, no negative returns, no trades) rather than zero or NaN.
type Performance struct {
	TotalReturn float64
	Sharpe      *float64
	Sortino     *float64
	MaxDrawdown float64
	WinRate     *float64
}

// Analyzer derives risk-adjusted performance metrics from an equity
// curve and trade ledger.
type Analyzer struct {
	riskFreeRate float64 // annual
}

// NewAnalyzer creates an analyzer with the given annual risk-free rate.
func NewAnalyzer(riskFreeRate float64) *Analyzer {
	return &Analyzer{riskFreeRate: riskFreeRate}
}

// Analyze computes all performance metrics for one backtest run.
func (a *Analyzer) Analyze(curve []types.EquityCurvePoint, trades []types.Trade, initialCapital decimal.Decimal) *Performance {
	perf := &Performance{}

	if len(curve) > 0 && !initialCapital.IsZero() {
		final, _ := curve[len(curve)-1].Equity.Float64()
		initial, _ := initialCapital.Float64()
		perf.TotalReturn = (final - initial) / initial
	}

	returns := Returns(curve)
	perf.Sharpe = a.sharpe(returns)
	perf.Sortino = a.sortino(returns)
	perf.MaxDrawdown = maxDrawdown(curve)
	perf.WinRate = winRate(trades)

	return perf
}

// Returns computes per-bar simple returns from an equity curve.
func Returns(curve []types.EquityCurvePoint) []float64 {
	if len(curve) < 2 {
		return nil
	}

	returns := make([]float64, 0, len(curve)-1)
	for i := 1; i < len(curve); i++ {
		prev, _ := curve[i-1].Equity.Float64()
		curr, _ := curve[i].Equity.Float64()
		if prev == 0 {
			continue
		}
		returns = append(returns, curr/prev-1)
	}
	return returns
}

// sharpe annualizes mean excess return over volatility. Undefined with
// fewer than two observations or zero variance.
func (a *Analyzer) sharpe(returns []float64) *float64 {
	if len(returns) < 2 {
		return nil
	}

	dailyRF := a.riskFreeRate / PeriodsPerYear
	excess := make([]float64, len(returns))
	for i, r := range returns {
		excess[i] = r - dailyRF
	}

	sd := stdDev(returns)
	if sd == 0 {
		return nil
	}

	ratio := mean(excess) / sd * math.Sqrt(PeriodsPerYear)
	return &ratio
}

// sortino is sharpe with only downside volatility in the denominator.
// Undefined when the downside deviation is zero.
func (a *Analyzer) sortino(returns []float64) *float64 {
	if len(returns) < 2 {
		return nil
	}

	var downside []float64
	for _, r := range returns {
		if r < 0 {
			downside = append(downside, r)
		}
	}

	dd := stdDev(downside)
	if dd == 0 {
		return nil
	}

	dailyRF := a.riskFreeRate / PeriodsPerYear
	excess := make([]float64, len(returns))
	for i, r := range returns {
		excess[i] = r - dailyRF
	}

	ratio := mean(excess) / dd * math.Sqrt(PeriodsPerYear)
	return &ratio
}

// maxDrawdown is the largest peak-to-trough decline as a fraction in [0, 1].
func maxDrawdown(curve []types.EquityCurvePoint) float64 {
	if len(curve) == 0 {
		return 0
	}

	peak, _ := curve[0].Equity.Float64()
	maxDD := 0.0

	for _, point := range curve {
		equity, _ := point.Equity.Float64()
		if equity > peak {
			peak = equity
		}
		if peak > 0 {
			dd := (peak - equity) / peak
			if dd > maxDD {
				maxDD = dd
			}
		}
	}

	return maxDD
}

// winRate is the fraction of trades with positive P&L, undefined with
// no trades.
func winRate(trades []types.Trade) *float64 {
	if len(trades) == 0 {
		return nil
	}

	wins := 0
	for _, trade := range trades {
		if trade.PnL.GreaterThan(decimal.Zero) {
			wins++
		}
	}

	rate := float64(wins) / float64(len(trades))
	return &rate
}

func mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

// stdDev is the sample standard deviation.
func stdDev(values []float64) float64 {
	if len(values) < 2 {
		return 0
	}

	m := mean(values)
	var sumSquares float64
	for _, v := range values {
		diff := v - m
		sumSquares += diff * diff
	}
	return math.Sqrt(sumSquares / float64(len(values)-1))
}
