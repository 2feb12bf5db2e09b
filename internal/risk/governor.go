// Package risk provides the position-sizing governor and the
// emergency circuit breaker that gate every order.
package risk

import (
	"sync"
	"time"

	"github.com/meridianfx/trading-engine/pkg/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// State is the governor's trading state.
type State string

const (
	StateActive State = "active"
	StateHalted State = "halted"
)

// Halt reasons. ResetDaily only lifts the daily ones.
const (
	HaltReasonDailyLoss         = "daily_loss"
	HaltReasonConsecutiveLosses = "consecutive_losses"
	HaltReasonDrawdown          = "drawdown"
	HaltReasonEmergency         = "emergency_stop"
	HaltReasonManual            = "manual"
)

// Rejection reasons returned by CanOpen, in check order.
const (
	RejectHalted            = "halted"
	RejectConsecutiveLosses = "consecutive_losses"
	RejectDailyTrades       = "daily_trades"
	RejectDailyLoss         = "daily_loss"
	RejectConcurrentTrades  = "concurrent_trades"
	RejectExposure          = "exposure"
	RejectRiskFraction      = "risk_fraction"
)

// Decision is the outcome of a pre-trade check.
type Decision struct {
	Approved bool            `json:"approved"`
	Reason   string          `json:"reason,omitempty"`
	Value    decimal.Decimal `json:"value,omitempty"`
	Limit    decimal.Decimal `json:"limit,omitempty"`
}

func approve() Decision { return Decision{Approved: true} }

func reject(reason string, value, limit decimal.Decimal) Decision {
	return Decision{Reason: reason, Value: value, Limit: limit}
}

// Governor owns the account risk ledger. It sizes positions, approves
// or rejects entries against the limits, and is the only component
// allowed to halt or resume trading. All methods are safe for
// concurrent use.
type Governor struct {
	logger     *zap.Logger
	limits     types.RiskLimits
	instrument types.InstrumentSpec

	mu                sync.RWMutex
	state             State
	haltReason        string
	haltedAt          time.Time
	initialCapital    decimal.Decimal
	capital           decimal.Decimal
	peakCapital       decimal.Decimal
	dailyPnL          decimal.Decimal
	dailyTrades       int
	consecutiveLosses int
	openRisk          decimal.Decimal // sum of risk amounts across open positions
	openCount         int
}

// NewGovernor creates a governor with the full starting capital.
func NewGovernor(logger *zap.Logger, limits types.RiskLimits, instrument types.InstrumentSpec, capital decimal.Decimal) *Governor {
	return &Governor{
		logger:         logger.Named("governor"),
		limits:         limits,
		instrument:     instrument,
		state:          StateActive,
		initialCapital: capital,
		capital:        capital,
		peakCapital:    capital,
	}
}

// SizePosition converts a risk fraction and stop distance into units.
// The risk fraction is capped at MaxRiskPerTrade, the raw size floors
// to the instrument's lot step, and a raw size that floors to zero
// still gets one lot step so a valid signal is never silently skipped.
// Returns the size and the capital actually at risk after quantizing.
func (g *Governor) SizePosition(riskFraction, entry, stop decimal.Decimal) (size, riskAmount decimal.Decimal) {
	g.mu.RLock()
	capital := g.capital
	g.mu.RUnlock()

	if riskFraction.GreaterThan(g.limits.MaxRiskPerTrade) {
		riskFraction = g.limits.MaxRiskPerTrade
	}
	stopDistance := entry.Sub(stop).Abs()
	if stopDistance.IsZero() || !riskFraction.IsPositive() || !capital.IsPositive() {
		return decimal.Zero, decimal.Zero
	}

	budget := capital.Mul(riskFraction)
	perUnit := stopDistance.Mul(g.instrument.UnitValue)
	raw := budget.Div(perUnit)

	step := g.instrument.LotStep
	size = raw.Div(step).Floor().Mul(step)
	if size.IsZero() && raw.IsPositive() {
		size = step
	}
	riskAmount = size.Mul(perUnit)
	return size, riskAmount
}

// CanOpen runs the pre-trade checks in fixed order and returns the
// first failure. The order matters: state first, then the loss
// streaks and daily limits, then the concurrency and exposure caps,
// and finally the per-trade risk bound.
func (g *Governor) CanOpen(riskAmount decimal.Decimal) Decision {
	g.mu.RLock()
	defer g.mu.RUnlock()

	if g.state == StateHalted {
		return reject(RejectHalted, decimal.Zero, decimal.Zero)
	}
	if g.limits.MaxConsecutiveLosses > 0 && g.consecutiveLosses >= g.limits.MaxConsecutiveLosses {
		return reject(RejectConsecutiveLosses,
			decimal.NewFromInt(int64(g.consecutiveLosses)),
			decimal.NewFromInt(int64(g.limits.MaxConsecutiveLosses)))
	}
	if g.limits.MaxDailyTrades > 0 && g.dailyTrades >= g.limits.MaxDailyTrades {
		return reject(RejectDailyTrades,
			decimal.NewFromInt(int64(g.dailyTrades)),
			decimal.NewFromInt(int64(g.limits.MaxDailyTrades)))
	}
	dailyLossLimit := g.capital.Mul(g.limits.MaxDailyLoss)
	if g.dailyPnL.IsNegative() && g.dailyPnL.Neg().GreaterThanOrEqual(dailyLossLimit) {
		return reject(RejectDailyLoss, g.dailyPnL.Neg(), dailyLossLimit)
	}
	if g.limits.MaxConcurrentTrades > 0 && g.openCount >= g.limits.MaxConcurrentTrades {
		return reject(RejectConcurrentTrades,
			decimal.NewFromInt(int64(g.openCount)),
			decimal.NewFromInt(int64(g.limits.MaxConcurrentTrades)))
	}
	exposureLimit := g.capital.Mul(g.limits.MaxTotalExposure)
	if g.openRisk.Add(riskAmount).GreaterThan(exposureLimit) {
		return reject(RejectExposure, g.openRisk.Add(riskAmount), exposureLimit)
	}
	perTradeLimit := g.capital.Mul(g.limits.MaxRiskPerTrade)
	if riskAmount.GreaterThan(perTradeLimit) {
		return reject(RejectRiskFraction, riskAmount, perTradeLimit)
	}
	return approve()
}

// RegisterOpen records an approved entry in the ledger.
func (g *Governor) RegisterOpen(riskAmount decimal.Decimal) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.openCount++
	g.dailyTrades++
	g.openRisk = g.openRisk.Add(riskAmount)
}

// RegisterClose settles a closed trade: realized PnL flows into
// capital and the daily ledger, the loss streak updates, and the
// drawdown halts fire if breached.
func (g *Governor) RegisterClose(riskAmount, pnl decimal.Decimal) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.openCount > 0 {
		g.openCount--
	}
	g.openRisk = g.openRisk.Sub(riskAmount)
	if g.openRisk.IsNegative() {
		g.openRisk = decimal.Zero
	}

	g.capital = g.capital.Add(pnl)
	g.dailyPnL = g.dailyPnL.Add(pnl)

	if pnl.IsNegative() {
		g.consecutiveLosses++
	} else if pnl.IsPositive() {
		g.consecutiveLosses = 0
	}

	if g.capital.GreaterThan(g.peakCapital) {
		g.peakCapital = g.capital
	}

	if g.state != StateHalted {
		switch {
		case g.limits.MaxConsecutiveLosses > 0 && g.consecutiveLosses >= g.limits.MaxConsecutiveLosses:
			g.haltLocked(HaltReasonConsecutiveLosses)
		case g.drawdownBreachedLocked():
			g.haltLocked(HaltReasonDrawdown)
		case g.dailyPnL.IsNegative() &&
			g.dailyPnL.Neg().GreaterThanOrEqual(g.capital.Mul(g.limits.MaxDailyLoss)):
			g.haltLocked(HaltReasonDailyLoss)
		}
	}
}

// HaltTrading forces the halted state. The breaker and the operator
// endpoints both come through here; the governor is the only writer
// of the state.
func (g *Governor) HaltTrading(reason string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.haltLocked(reason)
}

func (g *Governor) haltLocked(reason string) {
	if g.state == StateHalted {
		return
	}
	g.state = StateHalted
	g.haltReason = reason
	g.haltedAt = time.Now().UTC()
	g.logger.Warn("trading halted", zap.String("reason", reason))
}

// Resume lifts a halt. Manual resume clears any reason.
func (g *Governor) Resume() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.resumeLocked()
}

func (g *Governor) resumeLocked() {
	if g.state != StateHalted {
		return
	}
	g.state = StateActive
	g.logger.Info("trading resumed", zap.String("lifted", g.haltReason))
	g.haltReason = ""
}

// ResetDaily zeroes the daily counters at the session boundary. A halt
// caused by the daily loss limit lifts with the new day; a
// consecutive-loss halt lifts only if the streak is also cleared, and
// drawdown or emergency halts never lift here.
func (g *Governor) ResetDaily() {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.dailyPnL = decimal.Zero
	g.dailyTrades = 0

	if g.state != StateHalted {
		return
	}
	switch g.haltReason {
	case HaltReasonDailyLoss:
		g.resumeLocked()
	case HaltReasonConsecutiveLosses:
		if g.limits.MaxConsecutiveLosses == 0 || g.consecutiveLosses < g.limits.MaxConsecutiveLosses {
			g.resumeLocked()
		}
	}
}

// ResetStreak clears the consecutive-loss counter. The operator uses
// this after reviewing a losing run.
func (g *Governor) ResetStreak() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.consecutiveLosses = 0
}

func (g *Governor) drawdownLocked() decimal.Decimal {
	if !g.peakCapital.IsPositive() {
		return decimal.Zero
	}
	return g.peakCapital.Sub(g.capital).Div(g.peakCapital)
}

// drawdownBreachedLocked reports whether the realized drawdown has reached
// either ceiling. MaxDrawdown is the governor's own trigger; HaltOnDrawdown
// is the harder emergency ceiling and still applies when MaxDrawdown is
// disabled.
func (g *Governor) drawdownBreachedLocked() bool {
	dd := g.drawdownLocked()
	if g.limits.MaxDrawdown.IsPositive() && dd.GreaterThanOrEqual(g.limits.MaxDrawdown) {
		return true
	}
	return g.limits.HaltOnDrawdown.IsPositive() && dd.GreaterThanOrEqual(g.limits.HaltOnDrawdown)
}

// HardStopBreached reports whether drawdown has reached the emergency
// ceiling. Callers use it to flatten open positions rather than just block
// new entries.
func (g *Governor) HardStopBreached() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.limits.HaltOnDrawdown.IsPositive() &&
		g.drawdownLocked().GreaterThanOrEqual(g.limits.HaltOnDrawdown)
}

// Snapshot is a point-in-time view of the ledger.
type Snapshot struct {
	State             State           `json:"state"`
	HaltReason        string          `json:"haltReason,omitempty"`
	HaltedAt          time.Time       `json:"haltedAt,omitempty"`
	Capital           decimal.Decimal `json:"capital"`
	PeakCapital       decimal.Decimal `json:"peakCapital"`
	Drawdown          decimal.Decimal `json:"drawdown"`
	DailyPnL          decimal.Decimal `json:"dailyPnL"`
	DailyTrades       int             `json:"dailyTrades"`
	ConsecutiveLosses int             `json:"consecutiveLosses"`
	OpenPositions     int             `json:"openPositions"`
	OpenRisk          decimal.Decimal `json:"openRisk"`
}

// Summary converts the ledger into the API account view.
func (g *Governor) Summary() types.AccountSummary {
	g.mu.RLock()
	defer g.mu.RUnlock()

	out := types.AccountSummary{
		InitialCapital:    g.initialCapital,
		CurrentCapital:    g.capital,
		PeakCapital:       g.peakCapital,
		DailyPnL:          g.dailyPnL,
		OpenPositions:     g.openCount,
		CommittedRisk:     g.openRisk,
		ConsecutiveLosses: g.consecutiveLosses,
		DailyTradeCount:   g.dailyTrades,
		TradingHalted:     g.state == StateHalted,
		HaltReason:        g.haltReason,
	}
	if g.initialCapital.IsPositive() {
		ret, _ := g.capital.Sub(g.initialCapital).Div(g.initialCapital).Float64()
		out.TotalReturn = ret
	}
	out.CurrentDrawdown, _ = g.drawdownLocked().Float64()
	return out
}

// Snapshot returns the current ledger state.
func (g *Governor) Snapshot() Snapshot {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return Snapshot{
		State:             g.state,
		HaltReason:        g.haltReason,
		HaltedAt:          g.haltedAt,
		Capital:           g.capital,
		PeakCapital:       g.peakCapital,
		Drawdown:          g.drawdownLocked(),
		DailyPnL:          g.dailyPnL,
		DailyTrades:       g.dailyTrades,
		ConsecutiveLosses: g.consecutiveLosses,
		OpenPositions:     g.openCount,
		OpenRisk:          g.openRisk,
	}
}

// Capital returns the current account capital.
func (g *Governor) Capital() decimal.Decimal {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.capital
}

// Halted reports whether trading is halted.
func (g *Governor) Halted() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.state == StateHalted
}
