package risk

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/quantfolio/analytics-backend/pkg/types"
	"github.com/quantfolio/analytics-backend/pkg/utils"
)

const (
	// DefaultPaths is the number of simulated paths when unset.
	DefaultPaths = 1000

	// DefaultHorizon is the simulated horizon in trading days.
	DefaultHorizon = PeriodsPerYear
)

// MonteCarloOptions parameterizes a simulation run. With Bootstrap set,
// daily returns are resampled from Sample; otherwise they are drawn
// from a normal distribution with the given Mean and StdDev.
type MonteCarloOptions struct {
	Paths        int
	Horizon      int
	Seed         int64
	InitialValue float64
	Mean         float64
	StdDev       float64
	Bootstrap    bool
	Sample       []float64
}

// Simulate runs a Monte Carlo projection of portfolio value. Each path
// derives its generator from the base seed and its own index, so a run
// is bit-identical for a given seed regardless of worker scheduling.
func (e *Engine) Simulate(ctx context.Context, opts MonteCarloOptions) (*types.MonteCarloSummary, error) {
	if opts.Paths <= 0 {
		opts.Paths = DefaultPaths
	}
	if opts.Horizon <= 0 {
		opts.Horizon = DefaultHorizon
	}
	if opts.InitialValue <= 0 {
		opts.InitialValue = 1
	}
	if opts.Seed == 0 {
		opts.Seed = time.Now().UnixNano()
	}
	if opts.Bootstrap && len(opts.Sample) == 0 {
		return nil, &types.InsufficientDataError{What: "bootstrap sample returns", Need: 1, Have: 0}
	}

	start := time.Now()
	grid := make([][]float64, opts.Paths)

	var wg sync.WaitGroup
	for i := 0; i < opts.Paths; i++ {
		i := i
		wg.Add(1)
		run := func() error {
			defer wg.Done()
			if ctx.Err() != nil {
				return ctx.Err()
			}
			grid[i] = simulatePath(opts, i)
			return nil
		}
		if e.pool == nil || e.pool.SubmitFunc(run) != nil {
			run()
		}
	}
	wg.Wait()

	if err := ctx.Err(); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, &types.ComputationTimeoutError{}
		}
		return nil, err
	}

	summary := summarize(opts, grid)

	e.logger.Debug("monte carlo simulation finished",
		zap.Int("paths", opts.Paths),
		zap.Int("horizon", opts.Horizon),
		zap.Int64("seed", opts.Seed),
		zap.Duration("elapsed", time.Since(start)))

	return summary, nil
}

func simulatePath(opts MonteCarloOptions, pathIndex int) []float64 {
	rng := rand.New(rand.NewSource(opts.Seed + int64(pathIndex)))

	path := make([]float64, opts.Horizon)
	value := opts.InitialValue
	for day := 0; day < opts.Horizon; day++ {
		var r float64
		if opts.Bootstrap {
			r = opts.Sample[rng.Intn(len(opts.Sample))]
		} else {
			r = rng.NormFloat64()*opts.StdDev + opts.Mean
		}
		value *= 1 + r
		path[day] = value
	}
	return path
}

func summarize(opts MonteCarloOptions, grid [][]float64) *types.MonteCarloSummary {
	finals := make([]float64, len(grid))
	for i, path := range grid {
		finals[i] = path[len(path)-1]
	}

	sorted := make([]float64, len(finals))
	copy(sorted, finals)
	sort.Float64s(sorted)

	paths := make([][]types.PathPoint, len(grid))
	for i, path := range grid {
		points := make([]types.PathPoint, len(path))
		for day, value := range path {
			points[day] = types.PathPoint{
				Day:   day + 1,
				Value: utils.PriceFromFloat(value),
			}
		}
		paths[i] = points
	}

	return &types.MonteCarloSummary{
		NumPaths:       opts.Paths,
		Horizon:        opts.Horizon,
		Seed:           opts.Seed,
		MeanFinalValue: utils.PriceFromFloat(mean(finals)),
		StdFinalValue:  utils.PriceFromFloat(popStdDev(finals)),
		Percentile5:    utils.PriceFromFloat(percentile(sorted, 0.05)),
		Percentile95:   utils.PriceFromFloat(percentile(sorted, 0.95)),
		Paths:          paths,
	}
}

// percentile reads from an already sorted slice.
func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(p * float64(len(sorted)-1))
	return sorted[idx]
}

func popStdDev(xs []float64) float64 {
	return math.Sqrt(popVariance(xs))
}
