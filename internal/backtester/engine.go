// Package backtester provides the core backtest simulation engine.
package backtester

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/quantfolio/analytics-backend/internal/strategy"
	"github.com/quantfolio/analytics-backend/pkg/types"
	"github.com/quantfolio/analytics-backend/pkg/utils"
)

// Engine simulates trade execution over a historical bar series.
//
// It is a two-state machine (flat, long) driven by the crossover signal
// series. A signal computed from bar t's close executes at bar t+1's
// open, never the same bar, so the simulation carries no look-ahead.
// All mutable state is local to one Run call.
type Engine struct {
	logger   *zap.Logger
	analyzer *Analyzer
}

// NewEngine creates a new backtest engine.
func NewEngine(logger *zap.Logger, analyzer *Analyzer) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	if analyzer == nil {
		analyzer = NewAnalyzer(0)
	}
	return &Engine{
		logger:   logger,
		analyzer: analyzer,
	}
}

// position is the simulator-local open position for one run.
type position struct {
	quantity   decimal.Decimal
	entryPrice decimal.Decimal
	entryTime  time.Time
	entryFee   decimal.Decimal
}

// Run executes a backtest over the supplied bar series.
//
// The series must be ordered ascending by timestamp and gap-free; it is
// supplied by the caller, already filtered to the requested range. A run
// that produces zero trades is a valid outcome, not an error.
func (e *Engine) Run(ctx context.Context, req *types.BacktestRequest, bars []types.PriceBar) (*types.BacktestResult, error) {
	if err := ValidateRequest(req); err != nil {
		return nil, err
	}

	signals, err := strategy.Crossover(bars, req.ShortWindow, req.LongWindow)
	if err != nil {
		return nil, err
	}

	e.logger.Info("starting backtest",
		zap.String("symbol", req.Symbol),
		zap.Int("bars", len(bars)),
		zap.Int("short_window", req.ShortWindow),
		zap.Int("long_window", req.LongWindow),
	)

	started := time.Now()

	cash := req.InitialCapital
	var pos *position
	trades := make([]types.Trade, 0)
	equityCurve := make([]types.EquityCurvePoint, 0, len(bars))

	// Target state awaiting execution at the next bar's open.
	var pendingTarget types.SignalState
	pendingValid := false

	for i, bar := range bars {
		select {
		case <-ctx.Done():
			return nil, timeoutErr(ctx)
		default:
		}

		// Execute the prior bar's signal at this bar's open.
		if pendingValid {
			pendingValid = false
			switch {
			case pendingTarget == types.SignalLong && pos == nil:
				pos = openPosition(&cash, bar.Open, bar.Timestamp, req.Commission)
			case pendingTarget == types.SignalFlat && pos != nil:
				trades = append(trades, closePosition(&cash, pos, bar.Open, bar.Timestamp, req.Commission))
				pos = nil
			}
		}

		// Mark to market on every bar regardless of position state.
		equity := cash
		if pos != nil {
			equity = equity.Add(pos.quantity.Mul(bar.Close))
		}
		equityCurve = append(equityCurve, types.EquityCurvePoint{
			Timestamp: bar.Timestamp,
			Equity:    equity,
		})

		current := types.SignalFlat
		if pos != nil {
			current = types.SignalLong
		}
		if signals[i].State != current {
			pendingTarget = signals[i].State
			pendingValid = true
		}
	}

	// An open position is carried out of the run unrealized unless the
	// caller asked for liquidation at the final close.
	if req.CloseAtEnd && pos != nil {
		last := bars[len(bars)-1]
		trades = append(trades, closePosition(&cash, pos, last.Close, last.Timestamp, req.Commission))
		pos = nil
		equityCurve[len(equityCurve)-1].Equity = cash
	}

	finalEquity := equityCurve[len(equityCurve)-1].Equity
	perf := e.analyzer.Analyze(equityCurve, trades, req.InitialCapital)

	result := &types.BacktestResult{
		ID:             uuid.New().String(),
		Symbol:         req.Symbol,
		AssetType:      req.AssetType,
		StartDate:      req.StartDate,
		EndDate:        req.EndDate,
		InitialCapital: utils.RoundPrice(req.InitialCapital),
		FinalCapital:   utils.RoundPrice(finalEquity),
		TotalReturn:    utils.RatioFromFloat(perf.TotalReturn),
		SharpeRatio:    utils.RatioPtr(perf.Sharpe),
		SortinoRatio:   utils.RatioPtr(perf.Sortino),
		MaxDrawdown:    utils.RatioFromFloat(perf.MaxDrawdown),
		WinRate:        utils.RatioPtr(perf.WinRate),
		TotalTrades:    len(trades),
		EquityCurve:    roundCurve(equityCurve),
		Trades:         trades,
		CreatedAt:      time.Now().UTC(),
	}

	e.logger.Info("backtest completed",
		zap.String("id", result.ID),
		zap.String("symbol", req.Symbol),
		zap.Int("trades", len(trades)),
		zap.String("final_capital", result.FinalCapital.String()),
		zap.Duration("elapsed", time.Since(started)),
	)

	return result, nil
}

// openPosition spends all available cash at the execution price,
// buying a whole number of units. Returns nil when even one unit is
// unaffordable.
func openPosition(cash *decimal.Decimal, price decimal.Decimal, ts time.Time, commission decimal.Decimal) *position {
	unitCost := price.Mul(decimal.NewFromInt(1).Add(commission))
	if unitCost.LessThanOrEqual(decimal.Zero) {
		return nil
	}

	quantity := cash.Div(unitCost).Floor()
	if quantity.LessThanOrEqual(decimal.Zero) {
		return nil
	}

	cost := quantity.Mul(price)
	fee := cost.Mul(commission)
	*cash = cash.Sub(cost).Sub(fee)

	return &position{
		quantity:   quantity,
		entryPrice: price,
		entryTime:  ts,
		entryFee:   fee,
	}
}

// closePosition liquidates the entire position at the execution price
// and returns the completed trade. Realized P&L nets out both fills'
// commissions so the ledger reconciles against the equity curve.
func closePosition(cash *decimal.Decimal, pos *position, price decimal.Decimal, ts time.Time, commission decimal.Decimal) types.Trade {
	proceeds := pos.quantity.Mul(price)
	fee := proceeds.Mul(commission)
	*cash = cash.Add(proceeds).Sub(fee)

	pnl := price.Sub(pos.entryPrice).Mul(pos.quantity).Sub(pos.entryFee).Sub(fee)

	return types.Trade{
		EntryTime:  pos.entryTime,
		ExitTime:   ts,
		Side:       types.TradeSideLong,
		Quantity:   utils.RoundPrice(pos.quantity),
		EntryPrice: utils.RoundPrice(pos.entryPrice),
		ExitPrice:  utils.RoundPrice(price),
		PnL:        utils.RoundPrice(pnl),
	}
}

// ValidateRequest checks the request parameters without touching any
// data, so callers can reject bad requests before scheduling a run.
func ValidateRequest(req *types.BacktestRequest) error {
	if req.InitialCapital.LessThanOrEqual(decimal.Zero) {
		return &types.InvalidParameterError{Param: "initial_capital", Reason: "must be positive"}
	}
	if req.ShortWindow <= 0 {
		return &types.InvalidParameterError{Param: "short_window", Reason: "must be positive"}
	}
	if req.LongWindow <= 0 {
		return &types.InvalidParameterError{Param: "long_window", Reason: "must be positive"}
	}
	if req.ShortWindow >= req.LongWindow {
		return &types.InvalidParameterError{Param: "short_window", Reason: "must be less than long_window"}
	}
	if !req.StartDate.Before(req.EndDate) {
		return &types.InvalidParameterError{Param: "start_date", Reason: "must be before end_date"}
	}
	if req.Commission.IsNegative() {
		return &types.InvalidParameterError{Param: "commission", Reason: "must not be negative"}
	}
	return nil
}

func roundCurve(curve []types.EquityCurvePoint) []types.EquityCurvePoint {
	rounded := make([]types.EquityCurvePoint, len(curve))
	for i, point := range curve {
		rounded[i] = types.EquityCurvePoint{
			Timestamp: point.Timestamp,
			Equity:    utils.RoundPrice(point.Equity),
		}
	}
	return rounded
}

func timeoutErr(ctx context.Context) error {
	if ctx.Err() == context.DeadlineExceeded {
		return &types.ComputationTimeoutError{}
	}
	return ctx.Err()
}
