// Package types provides shared type definitions for the analytics backend.
package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// SignalState is the position state implied by the signal series.
type SignalState string

const (
	SignalFlat SignalState = "flat"
	SignalLong SignalState = "long"
)

// TradeSide represents the direction of a completed round trip.
type TradeSide string

const (
	TradeSideLong TradeSide = "long"
)

// AssetType distinguishes the instrument class of a symbol.
type AssetType string

const (
	AssetTypeStock  AssetType = "stock"
	AssetTypeCrypto AssetType = "crypto"
)

// PriceBar represents a single OHLC bar. Series handed to the core are
// ordered ascending by timestamp with no duplicate timestamps.
type PriceBar struct {
	Timestamp time.Time       `json:"timestamp"`
	Open      decimal.Decimal `json:"open"`
	High      decimal.Decimal `json:"high"`
	Low       decimal.Decimal `json:"low"`
	Close     decimal.Decimal `json:"close"`
	Volume    decimal.Decimal `json:"volume"`
}

// SignalPoint is the crossover state derived from one bar's close.
type SignalPoint struct {
	Timestamp time.Time   `json:"timestamp"`
	State     SignalState `json:"state"`
}

// ReturnPoint is a single observation in a historical return series.
type ReturnPoint struct {
	Timestamp time.Time `json:"timestamp"`
	Return    float64   `json:"return"`
}

// Trade is an immutable record of one completed round trip.
type Trade struct {
	EntryTime  time.Time       `json:"entry_time"`
	ExitTime   time.Time       `json:"exit_time"`
	Side       TradeSide       `json:"side"`
	Quantity   decimal.Decimal `json:"quantity"`
	EntryPrice decimal.Decimal `json:"entry_price"`
	ExitPrice  decimal.Decimal `json:"exit_price"`
	PnL        decimal.Decimal `json:"pnl"`
}

// EquityCurvePoint is the mark-to-market portfolio value at one bar.
type EquityCurvePoint struct {
	Timestamp time.Time       `json:"date"`
	Equity    decimal.Decimal `json:"equity"`
}

// BacktestRequest configures a single backtest run.
type BacktestRequest struct {
	Symbol         string          `json:"symbol"`
	AssetType      AssetType       `json:"asset_type"`
	StartDate      time.Time       `json:"start_date"`
	EndDate        time.Time       `json:"end_date"`
	ShortWindow    int             `json:"short_window"`
	LongWindow     int             `json:"long_window"`
	InitialCapital decimal.Decimal `json:"initial_capital"`

	// Commission is a per-fill rate on notional. Zero-cost fills by default.
	Commission decimal.Decimal `json:"commission,omitempty"`

	// CloseAtEnd liquidates any open position at the final bar's close.
	// By default an open position is carried out of the run unrealized.
	CloseAtEnd bool `json:"close_at_end,omitempty"`
}

// BacktestResult is the immutable outcome of one backtest run.
// Ratio metrics are nil when undefined (zero variance, no trades).
type BacktestResult struct {
	ID             string             `json:"id"`
	Symbol         string             `json:"symbol"`
	AssetType      AssetType          `json:"asset_type"`
	StartDate      time.Time          `json:"start_date"`
	EndDate        time.Time          `json:"end_date"`
	InitialCapital decimal.Decimal    `json:"initial_capital"`
	FinalCapital   decimal.Decimal    `json:"final_capital"`
	TotalReturn    decimal.Decimal    `json:"total_return"`
	SharpeRatio    *decimal.Decimal   `json:"sharpe_ratio"`
	SortinoRatio   *decimal.Decimal   `json:"sortino_ratio"`
	MaxDrawdown    decimal.Decimal    `json:"max_drawdown"`
	WinRate        *decimal.Decimal   `json:"win_rate"`
	TotalTrades    int                `json:"total_trades"`
	EquityCurve    []EquityCurvePoint `json:"equity_curve"`
	Trades         []Trade            `json:"trades"`
	CreatedAt      time.Time          `json:"created_at"`
}

// RiskRequest configures a risk calculation over a portfolio blend.
// Weights align with Symbols; equal weighting when omitted.
type RiskRequest struct {
	Symbols   []string          `json:"symbols"`
	Weights   []decimal.Decimal `json:"weights,omitempty"`
	Benchmark string            `json:"benchmark,omitempty"`

	MonteCarlo *MonteCarloRequest `json:"monte_carlo,omitempty"`
}

// MonteCarloRequest overrides the default simulation parameters.
type MonteCarloRequest struct {
	Paths     int   `json:"paths,omitempty"`
	Horizon   int   `json:"horizon,omitempty"`
	Seed      int64 `json:"seed,omitempty"`
	Bootstrap bool  `json:"bootstrap,omitempty"`
}

// RiskMetrics is the outcome of one risk calculation. VaR and CVaR are
// positive loss magnitudes. Nil ratios are undefined, not zero.
type RiskMetrics struct {
	VaR95        decimal.Decimal    `json:"var_95"`
	CVaR95       decimal.Decimal    `json:"cvar_95"`
	SharpeRatio  *decimal.Decimal   `json:"sharpe_ratio"`
	SortinoRatio *decimal.Decimal   `json:"sortino_ratio"`
	Beta         *decimal.Decimal   `json:"beta"`
	MaxDrawdown  decimal.Decimal    `json:"max_drawdown"`
	Correlations *CorrelationMatrix `json:"correlations,omitempty"`
	MonteCarlo   *MonteCarloSummary `json:"monte_carlo_simulations,omitempty"`
	CalculatedAt time.Time          `json:"calculated_at"`
}

// CorrelationMatrix holds pairwise Pearson correlations for Symbols,
// row-major in the same order.
type CorrelationMatrix struct {
	Symbols []string    `json:"symbols"`
	Matrix  [][]float64 `json:"matrix"`
}

// PathPoint is one day's simulated portfolio value on one path.
type PathPoint struct {
	Day   int             `json:"day"`
	Value decimal.Decimal `json:"value"`
}

// MonteCarloSummary contains the simulated path grid and the
// distribution of terminal values.
type MonteCarloSummary struct {
	NumPaths       int             `json:"num_simulations"`
	Horizon        int             `json:"horizon"`
	Seed           int64           `json:"seed"`
	MeanFinalValue decimal.Decimal `json:"mean_final_value"`
	StdFinalValue  decimal.Decimal `json:"std_final_value"`
	Percentile5    decimal.Decimal `json:"percentile_5"`
	Percentile95   decimal.Decimal `json:"percentile_95"`
	Paths          [][]PathPoint   `json:"simulated_paths"`
}
