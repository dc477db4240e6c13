// Package telemetry exposes Prometheus metrics for the analytics API.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	BacktestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "backtests_total",
		Help: "Total number of backtest runs by outcome",
	}, []string{"status"})

	BacktestDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "backtest_duration_seconds",
		Help:    "Wall-clock duration of backtest runs",
		Buckets: prometheus.DefBuckets,
	})

	RiskCalculationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "risk_calculations_total",
		Help: "Total number of risk calculations by outcome",
	}, []string{"status"})

	RiskCalculationDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "risk_calculation_duration_seconds",
		Help:    "Wall-clock duration of risk calculations",
		Buckets: prometheus.DefBuckets,
	})

	MonteCarloPathsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "monte_carlo_paths_total",
		Help: "Total number of Monte Carlo paths simulated",
	})

	CacheHitsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "computation_cache_hits_total",
		Help: "Computations answered by an in-flight or stored result",
	}, []string{"kind"})

	WSConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ws_connections_active",
		Help: "Number of active WebSocket connections",
	})
)
