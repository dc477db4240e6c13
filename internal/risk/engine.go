package risk

import (
	"context"
	"math"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/quantfolio/analytics-backend/internal/workers"
	"github.com/quantfolio/analytics-backend/pkg/types"
	"github.com/quantfolio/analytics-backend/pkg/utils"
)

const (
	// PeriodsPerYear is the annualization base for daily series.
	PeriodsPerYear = 252

	// DefaultRiskFreeRate is the annual risk-free rate used for
	// risk-adjusted ratios when none is configured.
	DefaultRiskFreeRate = 0.02

	confidenceLevel = 0.95
)

// Input carries the aligned return series a risk calculation operates on.
// Assets holds the per-symbol series used for the correlation matrix;
// Benchmark may be nil, in which case beta is omitted.
type Input struct {
	Symbols    []string
	Assets     map[string][]types.ReturnPoint
	Portfolio  []types.ReturnPoint
	Benchmark  []types.ReturnPoint
	MonteCarlo *MonteCarloOptions
}

// Engine computes portfolio risk metrics from historical returns.
type Engine struct {
	logger       *zap.Logger
	pool         *workers.Pool
	riskFreeRate float64
}

func NewEngine(logger *zap.Logger, pool *workers.Pool, riskFreeRate float64) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	if riskFreeRate == 0 {
		riskFreeRate = DefaultRiskFreeRate
	}
	return &Engine{
		logger:       logger,
		pool:         pool,
		riskFreeRate: riskFreeRate,
	}
}

// Calculate evaluates the full metric set for the given portfolio. It
// returns an InsufficientDataError when fewer than two portfolio
// returns are available.
func (e *Engine) Calculate(ctx context.Context, input Input) (*types.RiskMetrics, error) {
	returns := values(input.Portfolio)
	if len(returns) < 2 {
		return nil, &types.InsufficientDataError{
			What: "portfolio return observations",
			Need: 2,
			Have: len(returns),
		}
	}

	start := time.Now()

	metrics := &types.RiskMetrics{
		VaR95:        utils.RatioFromFloat(HistoricalVaR(returns, confidenceLevel)),
		CVaR95:       utils.RatioFromFloat(ConditionalVaR(returns, confidenceLevel)),
		SharpeRatio:  utils.RatioPtr(e.sharpe(returns)),
		SortinoRatio: utils.RatioPtr(e.sortino(returns)),
		MaxDrawdown:  utils.RatioFromFloat(maxDrawdown(returns)),
		CalculatedAt: time.Now().UTC(),
	}

	if len(input.Benchmark) > 0 {
		metrics.Beta = utils.RatioPtr(Beta(input.Portfolio, input.Benchmark))
	}

	if len(input.Symbols) > 1 {
		metrics.Correlations = Correlations(input.Symbols, input.Assets)
	}

	if input.MonteCarlo != nil {
		opts := *input.MonteCarlo
		if opts.Mean == 0 && opts.StdDev == 0 && !opts.Bootstrap {
			opts.Mean = mean(returns)
			opts.StdDev = stdDev(returns)
		}
		if opts.Bootstrap && len(opts.Sample) == 0 {
			opts.Sample = returns
		}
		summary, err := e.Simulate(ctx, opts)
		if err != nil {
			return nil, err
		}
		metrics.MonteCarlo = summary
	}

	e.logger.Debug("risk metrics calculated",
		zap.Int("observations", len(returns)),
		zap.Duration("elapsed", time.Since(start)))

	return metrics, nil
}

// HistoricalVaR returns the value-at-risk at the given confidence level
// as a positive loss magnitude. A negative result means even the tail
// return was a gain.
func HistoricalVaR(returns []float64, confidence float64) float64 {
	if len(returns) == 0 {
		return 0
	}
	sorted := sortedCopy(returns)
	idx := tailIndex(len(sorted), confidence)
	return -sorted[idx]
}

// ConditionalVaR returns the expected shortfall beyond the VaR
// threshold, threshold element included, so its magnitude is never
// below the VaR at the same confidence.
func ConditionalVaR(returns []float64, confidence float64) float64 {
	if len(returns) == 0 {
		return 0
	}
	sorted := sortedCopy(returns)
	idx := tailIndex(len(sorted), confidence)

	var sum float64
	for _, r := range sorted[:idx+1] {
		sum += r
	}
	return -sum / float64(idx+1)
}

// Beta regresses the portfolio against the benchmark over their common
// dates. Nil when fewer than two dates overlap or the benchmark has
// zero variance.
func Beta(portfolio, benchmark []types.ReturnPoint) *float64 {
	port, bench := align(portfolio, benchmark)
	if len(port) < 2 {
		return nil
	}

	benchVar := popVariance(bench)
	if benchVar == 0 {
		return nil
	}

	beta := popCovariance(port, bench) / benchVar
	return &beta
}

// Correlations builds the pairwise Pearson correlation matrix across
// the given symbols, aligning each pair on its own common dates.
func Correlations(symbols []string, assets map[string][]types.ReturnPoint) *types.CorrelationMatrix {
	n := len(symbols)
	matrix := make([][]float64, n)
	for i := range matrix {
		matrix[i] = make([]float64, n)
		matrix[i][i] = 1
	}

	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			r := correlation(assets[symbols[i]], assets[symbols[j]])
			matrix[i][j] = r
			matrix[j][i] = r
		}
	}

	return &types.CorrelationMatrix{Symbols: symbols, Matrix: matrix}
}

func correlation(a, b []types.ReturnPoint) float64 {
	left, right := align(a, b)
	if len(left) < 2 {
		return 0
	}

	sdL := math.Sqrt(popVariance(left))
	sdR := math.Sqrt(popVariance(right))
	if sdL == 0 || sdR == 0 {
		return 0
	}
	return popCovariance(left, right) / (sdL * sdR)
}

func (e *Engine) sharpe(returns []float64) *float64 {
	sd := stdDev(returns)
	if sd == 0 {
		return nil
	}
	excess := mean(returns) - e.riskFreeRate/PeriodsPerYear
	ratio := excess / sd * math.Sqrt(PeriodsPerYear)
	return &ratio
}

func (e *Engine) sortino(returns []float64) *float64 {
	var downside []float64
	for _, r := range returns {
		if r < 0 {
			downside = append(downside, r)
		}
	}
	if len(downside) < 2 {
		return nil
	}

	sd := stdDev(downside)
	if sd == 0 {
		return nil
	}
	excess := mean(returns) - e.riskFreeRate/PeriodsPerYear
	ratio := excess / sd * math.Sqrt(PeriodsPerYear)
	return &ratio
}

// maxDrawdown measures the deepest peak-to-trough decline of the
// cumulative growth curve implied by the returns, as a fraction.
func maxDrawdown(returns []float64) float64 {
	cum := 1.0
	peak := 1.0
	var maxDD float64
	for _, r := range returns {
		cum *= 1 + r
		if cum > peak {
			peak = cum
		}
		if dd := (peak - cum) / peak; dd > maxDD {
			maxDD = dd
		}
	}
	return maxDD
}

// tailIndex picks the left-tail cutoff index for the given confidence.
func tailIndex(n int, confidence float64) int {
	idx := int(float64(n) * (1 - confidence))
	if idx >= n {
		idx = n - 1
	}
	return idx
}

func sortedCopy(returns []float64) []float64 {
	sorted := make([]float64, len(returns))
	copy(sorted, returns)
	sort.Float64s(sorted)
	return sorted
}

func values(points []types.ReturnPoint) []float64 {
	out := make([]float64, len(points))
	for i, p := range points {
		out[i] = p.Return
	}
	return out
}

func mean(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	var sum float64
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}

// stdDev is the sample standard deviation.
func stdDev(xs []float64) float64 {
	if len(xs) < 2 {
		return 0
	}
	m := mean(xs)
	var sum float64
	for _, x := range xs {
		d := x - m
		sum += d * d
	}
	return math.Sqrt(sum / float64(len(xs)-1))
}

func popVariance(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	m := mean(xs)
	var sum float64
	for _, x := range xs {
		d := x - m
		sum += d * d
	}
	return sum / float64(len(xs))
}

func popCovariance(xs, ys []float64) float64 {
	if len(xs) == 0 || len(xs) != len(ys) {
		return 0
	}
	mx, my := mean(xs), mean(ys)
	var sum float64
	for i := range xs {
		sum += (xs[i] - mx) * (ys[i] - my)
	}
	return sum / float64(len(xs))
}
