// Package backtester replays bar history through a strategy under the
// risk governor and produces trades, an equity curve and performance
// metrics.
package backtester

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/meridianfx/trading-engine/internal/risk"
	"github.com/meridianfx/trading-engine/internal/strategy"
	"github.com/meridianfx/trading-engine/pkg/types"
	"github.com/oklog/ulid/v2"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Result is the full output of one simulation run.
type Result struct {
	ID          string              `json:"id"`
	Strategy    string              `json:"strategy"`
	Config      types.BacktestConfig `json:"config"`
	Trades      []types.ClosedTrade `json:"trades"`
	EquityCurve []types.EquityPoint `json:"equityCurve"`
	Metrics     Metrics             `json:"metrics"`
	Account     risk.Snapshot       `json:"account"`
	StartedAt   time.Time           `json:"startedAt"`
	FinishedAt  time.Time           `json:"finishedAt"`
	Bars        int                 `json:"bars"`
}

// Progress reports simulation advancement to observers.
type Progress struct {
	RunID     string  `json:"runId"`
	Bar       int     `json:"bar"`
	TotalBars int     `json:"totalBars"`
	Percent   float64 `json:"percent"`
	Trades    int     `json:"trades"`
}

// Simulator replays one bar series through one strategy. A simulator
// is single-use: construct, Run once, read the result.
type Simulator struct {
	logger   *zap.Logger
	config   types.BacktestConfig
	strategy strategy.Strategy
	governor *risk.Governor

	position *types.Position
	trades   []types.ClosedTrade
	equity   []types.EquityPoint
	peak     decimal.Decimal

	progress func(Progress)
}

// NewSimulator creates a simulator with a fresh governor ledger.
func NewSimulator(logger *zap.Logger, config types.BacktestConfig, strat strategy.Strategy) *Simulator {
	return &Simulator{
		logger:   logger.Named("simulator"),
		config:   config,
		strategy: strat,
		governor: risk.NewGovernor(logger, config.RiskLimits, config.Instrument, config.InitialCapital),
		trades:   make([]types.ClosedTrade, 0, 256),
		equity:   make([]types.EquityPoint, 0, 4096),
		peak:     config.InitialCapital,
	}
}

// OnProgress registers a progress callback, invoked roughly once per
// percent of bars processed.
func (s *Simulator) OnProgress(fn func(Progress)) { s.progress = fn }

// NewRunID mints a lexicographically sortable run identifier.
func NewRunID() string {
	return ulid.Make().String()
}

// Run executes the simulation over the bar series. At most one
// position is open at a time. The first WarmupBars bars never produce
// entries so every indicator window is fully formed before the first
// trade.
func (s *Simulator) Run(ctx context.Context, bars []types.Bar) (*Result, error) {
	if len(bars) == 0 {
		return nil, fmt.Errorf("no bars to simulate")
	}
	if s.config.WarmupBars >= len(bars) {
		return nil, fmt.Errorf("warmup %d consumes all %d bars", s.config.WarmupBars, len(bars))
	}

	runID := s.config.ID
	if runID == "" {
		runID = NewRunID()
	}
	started := time.Now().UTC()
	s.logger.Info("backtest starting",
		zap.String("run", runID),
		zap.String("strategy", s.strategy.Name()),
		zap.Int("bars", len(bars)))

	s.strategy.Reset()
	signals := s.strategy.GenerateSignals(bars)

	reportEvery := len(bars) / 100
	if reportEvery == 0 {
		reportEvery = 1
	}

	var currentDay time.Time
	for i := range bars {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		day := bars[i].Timestamp.UTC().Truncate(24 * time.Hour)
		if !day.Equal(currentDay) {
			if !currentDay.IsZero() {
				s.governor.ResetDaily()
			}
			currentDay = day
		}

		if s.position != nil {
			s.manageOpenPosition(bars, signals, i)
		}

		if s.position == nil && i >= s.config.WarmupBars && i < len(bars)-1 {
			s.tryOpen(bars, signals, i)
		}

		s.markEquity(bars[i])

		if s.progress != nil && i%reportEvery == 0 {
			s.progress(Progress{
				RunID:     runID,
				Bar:       i,
				TotalBars: len(bars),
				Percent:   100 * float64(i) / float64(len(bars)),
				Trades:    len(s.trades),
			})
		}
	}

	// Whatever is still open settles at the final close. The loop already
	// recorded a point for the last bar, so re-mark it in place to keep the
	// curve bar-aligned.
	if s.position != nil {
		last := len(bars) - 1
		s.closePosition(bars[last], bars[last].Close, types.ExitEndOfData)
		s.equity = s.equity[:len(s.equity)-1]
		s.markEquity(bars[last])
	}

	metrics := ComputeMetrics(s.config.InitialCapital, s.trades, s.equity)
	result := &Result{
		ID:          runID,
		Strategy:    s.strategy.Name(),
		Config:      s.config,
		Trades:      s.trades,
		EquityCurve: s.equity,
		Metrics:     metrics,
		Account:     s.governor.Snapshot(),
		StartedAt:   started,
		FinishedAt:  time.Now().UTC(),
		Bars:        len(bars),
	}
	s.logger.Info("backtest finished",
		zap.String("run", runID),
		zap.Int("trades", len(s.trades)),
		zap.String("netProfit", metrics.NetProfit.StringFixed(2)),
		zap.Float64("winRate", metrics.WinRate))
	return result, nil
}

// manageOpenPosition applies the exit rules to bar i in strict
// priority: the stop first, then the target, then a strategy or
// opposite signal, then the time limit. Stop and target fill at their
// own level; the others fill at the close.
func (s *Simulator) manageOpenPosition(bars []types.Bar, signals *strategy.Signals, i int) {
	bar := bars[i]
	p := s.position

	stopHit := (p.Direction == types.DirectionLong && bar.Low.LessThanOrEqual(p.StopLoss)) ||
		(p.Direction == types.DirectionShort && bar.High.GreaterThanOrEqual(p.StopLoss))
	if stopHit {
		s.closePosition(bar, p.StopLoss, types.ExitStopLoss)
		return
	}

	if !p.TakeProfit1.IsZero() {
		tpHit := (p.Direction == types.DirectionLong && bar.High.GreaterThanOrEqual(p.TakeProfit1)) ||
			(p.Direction == types.DirectionShort && bar.Low.LessThanOrEqual(p.TakeProfit1))
		if tpHit {
			s.closePosition(bar, p.TakeProfit1, types.ExitTakeProfit)
			return
		}
	}

	if signals.ExitAt(i) {
		s.closePosition(bar, bar.Close, types.ExitStrategy)
		return
	}
	opposite := signals.At(i)
	if opposite != types.DirectionNone && opposite != p.Direction {
		s.closePosition(bar, bar.Close, types.ExitOppositeSignal)
		return
	}

	if s.config.MaxHoldBars > 0 && i-p.EntryIndex >= s.config.MaxHoldBars {
		s.closePosition(bar, bar.Close, types.ExitTimeLimit)
		return
	}

	s.updateTrailingStop(bar)
}

// updateTrailingStop ratchets the stop toward price when the plan
// carries a trailing distance. The stop only ever tightens.
func (s *Simulator) updateTrailingStop(bar types.Bar) {
	p := s.position
	if p.TrailingStop.IsZero() {
		return
	}
	if p.Direction == types.DirectionLong {
		candidate := bar.Close.Sub(p.TrailingStop)
		if candidate.GreaterThan(p.StopLoss) {
			p.StopLoss = candidate
		}
	} else {
		candidate := bar.Close.Add(p.TrailingStop)
		if candidate.LessThan(p.StopLoss) {
			p.StopLoss = candidate
		}
	}
}

// tryOpen evaluates the entry pipeline at bar i: signal, plan,
// sizing, governor approval, then the position opens at the close.
func (s *Simulator) tryOpen(bars []types.Bar, signals *strategy.Signals, i int) {
	dir := signals.At(i)
	if dir == types.DirectionNone {
		return
	}

	plan := s.strategy.CalculateEntryExit(bars[:i+1], dir)
	if !plan.Valid() {
		return
	}

	size, riskAmount := s.governor.SizePosition(s.config.RiskFraction, plan.Entry, plan.StopLoss)
	if size.IsZero() {
		return
	}
	if d := s.governor.CanOpen(riskAmount); !d.Approved {
		s.logger.Debug("entry rejected",
			zap.String("reason", d.Reason),
			zap.Time("bar", bars[i].Timestamp))
		return
	}

	s.position = &types.Position{
		ID:           uuid.New().String(),
		Direction:    dir,
		EntryPrice:   plan.Entry,
		EntryTime:    bars[i].Timestamp,
		EntryIndex:   i,
		Size:         size,
		StopLoss:     plan.StopLoss,
		TakeProfit1:  plan.TakeProfit1,
		TakeProfit2:  plan.TakeProfit2,
		TrailingStop: plan.TrailingStop,
		RiskAmount:   riskAmount,
		Strategy:     s.strategy.Name(),
	}
	s.governor.RegisterOpen(riskAmount)
}

// closePosition settles the position at the given price, nets out the
// round-trip commission and hands the realized PnL to the governor.
func (s *Simulator) closePosition(bar types.Bar, price decimal.Decimal, reason types.ExitReason) {
	p := s.position
	s.position = nil

	gross := p.UnrealizedPnL(price).Mul(s.config.Instrument.UnitValue)
	commission := s.config.CommissionPips.
		Mul(s.config.Instrument.PipSize).
		Mul(p.Size).
		Mul(s.config.Instrument.UnitValue)
	net := gross.Sub(commission)

	s.governor.RegisterClose(p.RiskAmount, net)

	s.trades = append(s.trades, types.ClosedTrade{
		ID:         p.ID,
		Strategy:   p.Strategy,
		Direction:  p.Direction,
		EntryPrice: p.EntryPrice,
		EntryTime:  p.EntryTime,
		ExitPrice:  price,
		ExitTime:   bar.Timestamp,
		Size:       p.Size,
		GrossPnL:   gross,
		NetPnL:     net,
		ExitReason: reason,
		Balance:    s.governor.Capital(),
	})
}

// markEquity appends a bar-aligned equity point: settled balance plus
// the open position marked to the bar close.
func (s *Simulator) markEquity(bar types.Bar) {
	equity := s.governor.Capital()
	if s.position != nil {
		equity = equity.Add(s.position.UnrealizedPnL(bar.Close).Mul(s.config.Instrument.UnitValue))
	}
	if equity.GreaterThan(s.peak) {
		s.peak = equity
	}
	drawdown := decimal.Zero
	if s.peak.IsPositive() {
		drawdown = s.peak.Sub(equity).Div(s.peak)
	}
	s.equity = append(s.equity, types.EquityPoint{
		Timestamp: bar.Timestamp,
		Equity:    equity,
		Balance:   s.governor.Capital(),
		Drawdown:  drawdown,
	})
}
