// Package strategy provides trading signal generation from price series.
package strategy

import (
	"github.com/quantfolio/analytics-backend/pkg/types"
)

// Crossover computes a moving-average crossover state series.
//
// For each bar it compares SMA(shortWindow) against SMA(longWindow) over
// the trailing windows ending at that bar's close: Long when the short
// average is above the long one, Flat when below. On exact equality the
// previous state is retained so a tie does not churn trades. Bars before
// the long window has filled carry the Flat state.
//
// The result has exactly one point per input bar and is deterministic.
func Crossover(bars []types.PriceBar, shortWindow, longWindow int) ([]types.SignalPoint, error) {
	if shortWindow <= 0 {
		return nil, &types.InvalidParameterError{Param: "short_window", Reason: "must be positive"}
	}
	if longWindow <= 0 {
		return nil, &types.InvalidParameterError{Param: "long_window", Reason: "must be positive"}
	}
	if shortWindow >= longWindow {
		return nil, &types.InvalidParameterError{Param: "short_window", Reason: "must be less than long_window"}
	}
	if len(bars) < longWindow {
		return nil, &types.InsufficientDataError{What: "price bars", Need: longWindow, Have: len(bars)}
	}

	closes := make([]float64, len(bars))
	for i, bar := range bars {
		closes[i], _ = bar.Close.Float64()
	}

	signals := make([]types.SignalPoint, len(bars))
	state := types.SignalFlat

	// Rolling sums avoid recomputing each window from scratch.
	var shortSum, longSum float64

	for i := range bars {
		shortSum += closes[i]
		if i >= shortWindow {
			shortSum -= closes[i-shortWindow]
		}
		longSum += closes[i]
		if i >= longWindow {
			longSum -= closes[i-longWindow]
		}

		if i >= longWindow-1 {
			shortMA := shortSum / float64(shortWindow)
			longMA := longSum / float64(longWindow)

			switch {
			case shortMA > longMA:
				state = types.SignalLong
			case shortMA < longMA:
				state = types.SignalFlat
			}
			// Equal averages keep the prior state.
		}

		signals[i] = types.SignalPoint{
			Timestamp: bars[i].Timestamp,
			State:     state,
		}
	}

	return signals, nil
}
