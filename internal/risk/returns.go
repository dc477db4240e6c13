// Package risk provides risk analytics over historical return series.
package risk

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/quantfolio/analytics-backend/pkg/types"
)

// FromBars derives a close-to-close simple return series from a price
// series. Each return is stamped with the later bar's timestamp.
func FromBars(bars []types.PriceBar) []types.ReturnPoint {
	if len(bars) < 2 {
		return nil
	}

	returns := make([]types.ReturnPoint, 0, len(bars)-1)
	for i := 1; i < len(bars); i++ {
		prev, _ := bars[i-1].Close.Float64()
		curr, _ := bars[i].Close.Float64()
		if prev == 0 {
			continue
		}
		returns = append(returns, types.ReturnPoint{
			Timestamp: bars[i].Timestamp,
			Return:    curr/prev - 1,
		})
	}
	return returns
}

// Blend combines per-asset return series into one weighted portfolio
// series. Only dates present in every series contribute; weights are
// normalized to sum to one, defaulting to equal weighting when empty.
func Blend(series map[string][]types.ReturnPoint, symbols []string, weights []decimal.Decimal) []types.ReturnPoint {
	if len(symbols) == 0 {
		return nil
	}

	w := normalizeWeights(symbols, weights)

	indexed := make([]map[time.Time]float64, len(symbols))
	for i, symbol := range symbols {
		points := series[symbol]
		idx := make(map[time.Time]float64, len(points))
		for _, p := range points {
			idx[p.Timestamp] = p.Return
		}
		indexed[i] = idx
	}

	// Intersect on the first series' dates.
	var stamps []time.Time
	for ts := range indexed[0] {
		present := true
		for _, idx := range indexed[1:] {
			if _, ok := idx[ts]; !ok {
				present = false
				break
			}
		}
		if present {
			stamps = append(stamps, ts)
		}
	}
	sort.Slice(stamps, func(i, j int) bool { return stamps[i].Before(stamps[j]) })

	blended := make([]types.ReturnPoint, 0, len(stamps))
	for _, ts := range stamps {
		var r float64
		for i, idx := range indexed {
			r += w[i] * idx[ts]
		}
		blended = append(blended, types.ReturnPoint{Timestamp: ts, Return: r})
	}
	return blended
}

// align inner-joins two return series on timestamp. Dates missing from
// either side are dropped, never filled.
func align(a, b []types.ReturnPoint) (left, right []float64) {
	idx := make(map[time.Time]float64, len(b))
	for _, p := range b {
		idx[p.Timestamp] = p.Return
	}

	for _, p := range a {
		if r, ok := idx[p.Timestamp]; ok {
			left = append(left, p.Return)
			right = append(right, r)
		}
	}
	return left, right
}

func normalizeWeights(symbols []string, weights []decimal.Decimal) []float64 {
	w := make([]float64, len(symbols))

	if len(weights) != len(symbols) {
		for i := range w {
			w[i] = 1 / float64(len(symbols))
		}
		return w
	}

	var total float64
	for i, weight := range weights {
		w[i], _ = weight.Float64()
		total += w[i]
	}
	if total == 0 {
		for i := range w {
			w[i] = 1 / float64(len(symbols))
		}
		return w
	}
	for i := range w {
		w[i] /= total
	}
	return w
}
