// Package orchestrator runs the live trading cycle: fetch market
// data, consult the circuit breaker, classify the regime, and route
// approved entries through the gateway. The governor has the final
// word on every order.
package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/meridianfx/trading-engine/internal/gateway"
	"github.com/meridianfx/trading-engine/internal/regime"
	"github.com/meridianfx/trading-engine/internal/risk"
	"github.com/meridianfx/trading-engine/internal/strategy"
	"github.com/meridianfx/trading-engine/internal/telemetry"
	"github.com/meridianfx/trading-engine/pkg/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Actions reported per cycle.
const (
	ActionBlocked   = "blocked"
	ActionEmergency = "emergency_stop"
	ActionHalted    = "halted"
	ActionStandby   = "stand_aside"
	ActionHold      = "hold"
	ActionOpened    = "opened"
	ActionClosed    = "closed"
	ActionRejected  = "rejected"
	ActionError     = "error"
)

// Config tunes the engine loop.
type Config struct {
	Symbol        string        `mapstructure:"symbol"`
	CycleInterval time.Duration `mapstructure:"cycle_interval"`
	LookbackBars  int           `mapstructure:"lookback_bars"`
	BarInterval   time.Duration `mapstructure:"bar_interval"`
}

// DefaultConfig returns the hourly EUR/CAD loop settings.
func DefaultConfig() Config {
	return Config{
		Symbol:        "EURCAD",
		CycleInterval: time.Minute,
		LookbackBars:  300,
		BarInterval:   time.Hour,
	}
}

// CycleReport summarizes one pass of the loop.
type CycleReport struct {
	At       time.Time         `json:"at"`
	Regime   types.RegimeLabel `json:"regime,omitempty"`
	Strategy string            `json:"strategy,omitempty"`
	Action   string            `json:"action"`
	Detail   string            `json:"detail,omitempty"`
}

// openTrade pairs the governed position with its gateway order.
type openTrade struct {
	position *types.Position
	orderID  string
	strategy strategy.Strategy
}

// Engine drives the trading loop. One engine trades one symbol with
// at most one open position.
type Engine struct {
	logger     *zap.Logger
	config     Config
	instrument types.InstrumentSpec

	gateway    gateway.Gateway
	governor   *risk.Governor
	breaker    *risk.Breaker
	classifier *regime.Classifier
	selector   *regime.Selector
	metrics    *telemetry.Metrics

	mu       sync.RWMutex
	running  bool
	stopCh   chan struct{}
	open     *openTrade
	lastDay  time.Time
	last     CycleReport
	cycles   int64
	onReport func(CycleReport)
}

// NewEngine wires the trading loop. metrics may be nil.
func NewEngine(
	logger *zap.Logger,
	config Config,
	instrument types.InstrumentSpec,
	gw gateway.Gateway,
	governor *risk.Governor,
	breaker *risk.Breaker,
	classifier *regime.Classifier,
	selector *regime.Selector,
	metrics *telemetry.Metrics,
) *Engine {
	return &Engine{
		logger:     logger.Named("engine"),
		config:     config,
		instrument: instrument,
		gateway:    gw,
		governor:   governor,
		breaker:    breaker,
		classifier: classifier,
		selector:   selector,
		metrics:    metrics,
	}
}

// Start launches the cycle loop. Returns an error if already running.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return fmt.Errorf("engine already running")
	}
	e.running = true
	e.stopCh = make(chan struct{})
	stopCh := e.stopCh
	e.mu.Unlock()

	e.logger.Info("starting trading engine",
		zap.String("symbol", e.config.Symbol),
		zap.Duration("cycle", e.config.CycleInterval),
		zap.Int("lookback", e.config.LookbackBars))

	go e.loop(ctx, stopCh)
	return nil
}

// Stop halts the loop. Open positions are left to the governor's
// state; emergency flattening goes through the breaker path.
func (e *Engine) Stop() {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return
	}
	e.running = false
	close(e.stopCh)
	e.mu.Unlock()
	e.logger.Info("trading engine stopped")
}

func (e *Engine) loop(ctx context.Context, stopCh chan struct{}) {
	ticker := time.NewTicker(e.config.CycleInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case now := <-ticker.C:
			e.Cycle(ctx, now.UTC())
		}
	}
}

// OnReport registers an observer called after every cycle. The
// callback runs on the loop goroutine and must not block.
func (e *Engine) OnReport(fn func(CycleReport)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onReport = fn
}

// Cycle runs one pass at the given time. Exported so replays and
// tests can drive the loop deterministically.
func (e *Engine) Cycle(ctx context.Context, now time.Time) CycleReport {
	started := time.Now()
	report := e.cycle(ctx, now)

	e.mu.Lock()
	e.last = report
	e.cycles++
	observer := e.onReport
	e.mu.Unlock()

	if observer != nil {
		observer(report)
	}

	if e.metrics != nil {
		e.metrics.CycleDuration.Observe(time.Since(started).Seconds())
		snap := e.governor.Snapshot()
		e.metrics.Equity.Set(snap.Capital.InexactFloat64())
		e.metrics.Drawdown.Set(snap.Drawdown.InexactFloat64())
		e.metrics.OpenPositions.Set(float64(snap.OpenPositions))
	}
	return report
}

func (e *Engine) cycle(ctx context.Context, now time.Time) CycleReport {
	e.rolloverDay(now)

	bars, quote, err := e.fetchMarket(ctx, now)
	if err != nil {
		return e.handleDataError(ctx, now, err)
	}
	e.breaker.RecordSuccess()

	check := e.breaker.Check(bars, quote, now)
	if check.Emergency != "" {
		return e.emergencyStop(ctx, now, check)
	}
	if !e.governor.Halted() && e.governor.HardStopBreached() {
		return e.emergencyStop(ctx, now, risk.CheckResult{
			Emergency: risk.TriggerDrawdown,
			Detail:    "realized drawdown reached the hard ceiling",
		})
	}

	classification := e.classifier.Classify(bars)
	if e.metrics != nil {
		e.metrics.SetRegime(string(classification.Label))
	}

	// Manage before entering: exits and trailing stops run even when
	// the session is blocked or trading is halted.
	if closed, report := e.manageOpen(ctx, now, bars, quote); closed {
		return report
	}

	if check.Block != "" {
		return CycleReport{At: now, Regime: classification.Label, Action: ActionBlocked, Detail: check.Block}
	}
	if e.governor.Halted() {
		return CycleReport{At: now, Regime: classification.Label, Action: ActionHalted, Detail: e.governor.Snapshot().HaltReason}
	}
	if e.hasOpen() {
		return CycleReport{At: now, Regime: classification.Label, Action: ActionHold}
	}

	return e.tryEnter(ctx, now, bars, quote, classification.Label)
}

// rolloverDay resets the governor's daily ledger at the UTC day
// boundary.
func (e *Engine) rolloverDay(now time.Time) {
	day := now.Truncate(24 * time.Hour)
	e.mu.Lock()
	changed := !day.Equal(e.lastDay)
	e.lastDay = day
	e.mu.Unlock()
	if changed {
		e.governor.ResetDaily()
	}
}

func (e *Engine) fetchMarket(ctx context.Context, now time.Time) ([]types.Bar, *types.Quote, error) {
	start := now.Add(-time.Duration(e.config.LookbackBars) * e.config.BarInterval)
	bars, err := e.gateway.FetchBars(ctx, e.config.Symbol, start, now.Add(time.Nanosecond))
	if err != nil {
		return nil, nil, fmt.Errorf("fetch bars: %w", err)
	}
	quote, err := e.gateway.CurrentQuote(ctx, e.config.Symbol)
	if err != nil {
		return nil, nil, fmt.Errorf("fetch quote: %w", err)
	}
	return bars, quote, nil
}

func (e *Engine) handleDataError(ctx context.Context, now time.Time, err error) CycleReport {
	e.logger.Warn("cycle data error", zap.Error(err))
	if e.metrics != nil {
		e.metrics.CycleErrors.Inc()
	}
	if trigger := e.breaker.RecordError(err); trigger != "" {
		return e.emergencyStop(ctx, now, risk.CheckResult{Emergency: trigger, Detail: err.Error()})
	}
	return CycleReport{At: now, Action: ActionError, Detail: err.Error()}
}

// emergencyStop flattens everything and halts the governor. Sticky
// until a manual resume.
func (e *Engine) emergencyStop(ctx context.Context, now time.Time, check risk.CheckResult) CycleReport {
	e.logger.Error("emergency stop",
		zap.String("trigger", check.Emergency),
		zap.String("detail", check.Detail))

	if err := e.gateway.CloseAll(ctx, check.Emergency); err != nil {
		e.logger.Error("close all failed", zap.Error(err))
	}

	e.mu.Lock()
	open := e.open
	e.open = nil
	e.mu.Unlock()
	if open != nil {
		// The flatten price is unknowable here; book the position at
		// its stop so capital errs on the conservative side.
		pnl := open.position.UnrealizedPnL(open.position.StopLoss).Mul(e.instrument.UnitValue)
		e.governor.RegisterClose(open.position.RiskAmount, pnl)
	}

	e.governor.HaltTrading(risk.HaltReasonEmergency)
	if e.metrics != nil {
		e.metrics.Halts.WithLabelValues(check.Emergency).Inc()
	}
	return CycleReport{At: now, Action: ActionEmergency, Detail: check.Emergency}
}

func (e *Engine) hasOpen() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.open != nil
}

// manageOpen evaluates the open position against the latest bar:
// protective exits first, then the strategy's own exit, then the
// trailing-stop ratchet.
func (e *Engine) manageOpen(ctx context.Context, now time.Time, bars []types.Bar, quote *types.Quote) (bool, CycleReport) {
	e.mu.RLock()
	open := e.open
	e.mu.RUnlock()
	if open == nil || len(bars) == 0 {
		return false, CycleReport{}
	}

	pos := open.position
	last := bars[len(bars)-1]

	if reason, price, ok := protectiveExit(pos, last); ok {
		return true, e.closeOpen(ctx, now, open, reason, price)
	}

	sig := open.strategy.GenerateSignals(bars)
	i := len(bars) - 1
	if sig.ExitAt(i) || (sig.At(i) != types.DirectionNone && sig.At(i) != pos.Direction) {
		price := quote.Bid
		if pos.Direction == types.DirectionShort {
			price = quote.Ask
		}
		return true, e.closeOpen(ctx, now, open, types.ExitStrategy, price)
	}

	e.trail(ctx, open, last.Close)
	return false, CycleReport{}
}

// protectiveExit checks stop and target against the last bar's range.
// Stop wins when both are touched.
func protectiveExit(pos *types.Position, bar types.Bar) (types.ExitReason, decimal.Decimal, bool) {
	if pos.Direction == types.DirectionLong {
		if bar.Low.LessThanOrEqual(pos.StopLoss) {
			return types.ExitStopLoss, pos.StopLoss, true
		}
		if pos.TakeProfit1.IsPositive() && bar.High.GreaterThanOrEqual(pos.TakeProfit1) {
			return types.ExitTakeProfit, pos.TakeProfit1, true
		}
		return "", decimal.Zero, false
	}
	if bar.High.GreaterThanOrEqual(pos.StopLoss) {
		return types.ExitStopLoss, pos.StopLoss, true
	}
	if pos.TakeProfit1.IsPositive() && bar.Low.LessThanOrEqual(pos.TakeProfit1) {
		return types.ExitTakeProfit, pos.TakeProfit1, true
	}
	return "", decimal.Zero, false
}

// trail ratchets the stop toward price by the plan's trailing
// distance. Stops only ever tighten.
func (e *Engine) trail(ctx context.Context, open *openTrade, close decimal.Decimal) {
	pos := open.position
	if !pos.TrailingStop.IsPositive() {
		return
	}

	var candidate decimal.Decimal
	if pos.Direction == types.DirectionLong {
		candidate = close.Sub(pos.TrailingStop)
		if candidate.LessThanOrEqual(pos.StopLoss) {
			return
		}
	} else {
		candidate = close.Add(pos.TrailingStop)
		if candidate.GreaterThanOrEqual(pos.StopLoss) {
			return
		}
	}

	if err := e.gateway.ModifyStop(ctx, open.orderID, candidate); err != nil {
		e.logger.Warn("trailing stop update failed", zap.Error(err))
		return
	}
	e.mu.Lock()
	pos.StopLoss = candidate
	e.mu.Unlock()
	e.logger.Debug("trailing stop moved",
		zap.String("position", pos.ID),
		zap.String("stop", candidate.String()))
}

func (e *Engine) closeOpen(ctx context.Context, now time.Time, open *openTrade, reason types.ExitReason, price decimal.Decimal) CycleReport {
	pos := open.position
	pnl := pos.UnrealizedPnL(price).Mul(e.instrument.UnitValue)

	if err := e.gateway.CloseAll(ctx, string(reason)); err != nil {
		e.logger.Error("close failed", zap.Error(err))
	}

	e.mu.Lock()
	e.open = nil
	e.mu.Unlock()

	e.governor.RegisterClose(pos.RiskAmount, pnl)
	if e.metrics != nil {
		e.metrics.TradesClosed.WithLabelValues(pos.Strategy, string(reason)).Inc()
	}
	e.logger.Info("position closed",
		zap.String("position", pos.ID),
		zap.String("reason", string(reason)),
		zap.String("price", price.String()),
		zap.String("pnl", pnl.StringFixed(2)))

	return CycleReport{At: now, Strategy: pos.Strategy, Action: ActionClosed, Detail: string(reason)}
}

func (e *Engine) tryEnter(ctx context.Context, now time.Time, bars []types.Bar, quote *types.Quote, label types.RegimeLabel) CycleReport {
	assignment := e.selector.Select(label)
	if !assignment.Active() {
		return CycleReport{At: now, Regime: label, Action: ActionStandby}
	}

	strat := e.selector.Instantiate(assignment)
	if strat == nil {
		return CycleReport{At: now, Regime: label, Action: ActionStandby}
	}

	sig := strat.GenerateSignals(bars)
	i := len(bars) - 1
	dir := sig.At(i)
	if dir == types.DirectionNone {
		return CycleReport{At: now, Regime: label, Strategy: assignment.Strategy, Action: ActionHold}
	}

	plan := strat.CalculateEntryExit(bars, dir)
	if !plan.Valid() {
		return CycleReport{At: now, Regime: label, Strategy: assignment.Strategy, Action: ActionHold, Detail: "no viable plan"}
	}

	size, riskAmount := e.governor.SizePosition(assignment.RiskFraction, plan.Entry, plan.StopLoss)
	if !size.IsPositive() {
		return CycleReport{At: now, Regime: label, Strategy: assignment.Strategy, Action: ActionRejected, Detail: "size rounds to zero"}
	}
	if decision := e.governor.CanOpen(riskAmount); !decision.Approved {
		if e.metrics != nil {
			e.metrics.Rejections.WithLabelValues(decision.Reason).Inc()
		}
		return CycleReport{At: now, Regime: label, Strategy: assignment.Strategy, Action: ActionRejected, Detail: decision.Reason}
	}

	ack, err := e.gateway.PlaceBracketOrder(ctx, gateway.BracketOrder{
		Symbol:     e.config.Symbol,
		Direction:  dir,
		Size:       size,
		StopLoss:   plan.StopLoss,
		TakeProfit: plan.TakeProfit1,
		ClientTag:  assignment.Strategy,
	})
	if err != nil {
		e.logger.Error("order rejected by gateway", zap.Error(err))
		if trigger := e.breaker.RecordError(err); trigger != "" {
			return e.emergencyStop(ctx, now, risk.CheckResult{Emergency: trigger, Detail: err.Error()})
		}
		return CycleReport{At: now, Regime: label, Strategy: assignment.Strategy, Action: ActionError, Detail: err.Error()}
	}

	pos := &types.Position{
		ID:           ack.OrderID,
		Direction:    dir,
		EntryPrice:   ack.FillPrice,
		EntryTime:    ack.FilledAt,
		EntryIndex:   i,
		Size:         size,
		StopLoss:     plan.StopLoss,
		TakeProfit1:  plan.TakeProfit1,
		TakeProfit2:  plan.TakeProfit2,
		TrailingStop: plan.TrailingStop,
		RiskAmount:   riskAmount,
		Strategy:     assignment.Strategy,
	}
	e.governor.RegisterOpen(riskAmount)

	e.mu.Lock()
	e.open = &openTrade{position: pos, orderID: ack.OrderID, strategy: strat}
	e.mu.Unlock()

	if e.metrics != nil {
		e.metrics.TradesOpened.WithLabelValues(assignment.Strategy).Inc()
	}
	e.logger.Info("position opened",
		zap.String("position", pos.ID),
		zap.String("strategy", assignment.Strategy),
		zap.String("direction", string(dir)),
		zap.String("size", size.String()),
		zap.String("entry", ack.FillPrice.String()),
		zap.String("stop", plan.StopLoss.String()))

	return CycleReport{At: now, Regime: label, Strategy: assignment.Strategy, Action: ActionOpened}
}

// LastReport returns the most recent cycle report.
func (e *Engine) LastReport() CycleReport {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.last
}

// OpenPosition returns a copy of the open position, if any.
func (e *Engine) OpenPosition() (types.Position, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.open == nil {
		return types.Position{}, false
	}
	return *e.open.position, true
}

// Running reports whether the loop is active.
func (e *Engine) Running() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.running
}
