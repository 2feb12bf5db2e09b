// Package types provides shared type definitions for the trading engine.
package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// Direction represents the direction of a signal or position.
type Direction string

const (
	DirectionLong  Direction = "long"
	DirectionShort Direction = "short"
	DirectionNone  Direction = "none"
)

// ExitReason explains why a position was closed.
type ExitReason string

const (
	ExitStopLoss       ExitReason = "stop_loss"
	ExitTakeProfit     ExitReason = "take_profit"
	ExitOppositeSignal ExitReason = "opposite_signal"
	ExitStrategy       ExitReason = "strategy_exit"
	ExitTimeLimit      ExitReason = "time_exit"
	ExitEndOfData      ExitReason = "end_of_data"
)

// RegimeLabel is a discrete market-condition classification.
type RegimeLabel string

const (
	RegimeStrongTrend     RegimeLabel = "strong_trend"
	RegimeWeakTrend       RegimeLabel = "weak_trend"
	RegimeRanging         RegimeLabel = "ranging"
	RegimeBreakoutPending RegimeLabel = "breakout_pending"
	RegimeHighVolatility  RegimeLabel = "high_volatility"
	RegimeLowVolatility   RegimeLabel = "low_volatility"
)

// Bar represents a single OHLCV candlestick. Bars are immutable once
// produced; timestamps are unique and monotonically increasing within
// a series.
type Bar struct {
	Timestamp time.Time       `json:"timestamp"`
	Open      decimal.Decimal `json:"open"`
	High      decimal.Decimal `json:"high"`
	Low       decimal.Decimal `json:"low"`
	Close     decimal.Decimal `json:"close"`
	Volume    decimal.Decimal `json:"volume"`
}

// Closes extracts the close series as float64 for indicator math.
func Closes(bars []Bar) []float64 {
	out := make([]float64, len(bars))
	for i, b := range bars {
		out[i], _ = b.Close.Float64()
	}
	return out
}

// Volumes extracts the volume series as float64. Bars with absent
// volume fall back to the high-low range as a proxy.
func Volumes(bars []Bar) []float64 {
	out := make([]float64, len(bars))
	for i, b := range bars {
		v, _ := b.Volume.Float64()
		if v == 0 {
			v, _ = b.High.Sub(b.Low).Float64()
		}
		out[i] = v
	}
	return out
}

// Quote is a bid/ask snapshot from the market gateway.
type Quote struct {
	Bid       decimal.Decimal `json:"bid"`
	Ask       decimal.Decimal `json:"ask"`
	Timestamp time.Time       `json:"timestamp"`
}

// EntryPlan holds the levels a signal provider proposes for a trade.
// TakeProfit2 may be zero when the strategy declares a single target.
type EntryPlan struct {
	Entry        decimal.Decimal `json:"entry"`
	StopLoss     decimal.Decimal `json:"stopLoss"`
	TakeProfit1  decimal.Decimal `json:"takeProfit1"`
	TakeProfit2  decimal.Decimal `json:"takeProfit2,omitempty"`
	TrailingStop decimal.Decimal `json:"trailingStop,omitempty"` // distance, not level
	RiskReward1  float64         `json:"riskReward1"`
	RiskReward2  float64         `json:"riskReward2,omitempty"`
}

// Valid reports whether the plan carries a usable non-zero risk
// distance. Invalid plans must be rejected before sizing.
func (p *EntryPlan) Valid() bool {
	if p == nil {
		return false
	}
	return !p.Entry.Equal(p.StopLoss) && p.Entry.IsPositive() && p.StopLoss.IsPositive()
}

// Position is an open trade. Created only after governor approval,
// mutated only by the simulator (trailing stops), closed exactly once.
type Position struct {
	ID           string          `json:"id"`
	Direction    Direction       `json:"direction"`
	EntryPrice   decimal.Decimal `json:"entryPrice"`
	EntryTime    time.Time       `json:"entryTime"`
	EntryIndex   int             `json:"entryIndex"`
	Size         decimal.Decimal `json:"size"` // units
	StopLoss     decimal.Decimal `json:"stopLoss"`
	TakeProfit1  decimal.Decimal `json:"takeProfit1"`
	TakeProfit2  decimal.Decimal `json:"takeProfit2,omitempty"`
	TrailingStop decimal.Decimal `json:"trailingStop,omitempty"` // distance
	RiskAmount   decimal.Decimal `json:"riskAmount"`
	Strategy     string          `json:"strategy"`
}

// UnrealizedPnL marks the position to the supplied price.
func (p *Position) UnrealizedPnL(price decimal.Decimal) decimal.Decimal {
	if p.Direction == DirectionLong {
		return price.Sub(p.EntryPrice).Mul(p.Size)
	}
	return p.EntryPrice.Sub(price).Mul(p.Size)
}

// ClosedTrade is the immutable record derived from a position at close.
type ClosedTrade struct {
	ID         string          `json:"id"`
	Strategy   string          `json:"strategy"`
	Direction  Direction       `json:"direction"`
	EntryPrice decimal.Decimal `json:"entryPrice"`
	EntryTime  time.Time       `json:"entryTime"`
	ExitPrice  decimal.Decimal `json:"exitPrice"`
	ExitTime   time.Time       `json:"exitTime"`
	Size       decimal.Decimal `json:"size"`
	GrossPnL   decimal.Decimal `json:"grossPnl"`
	NetPnL     decimal.Decimal `json:"netPnl"`
	ExitReason ExitReason      `json:"exitReason"`
	Balance    decimal.Decimal `json:"balance"` // account balance after close
}

// Duration returns how long the trade was held.
func (t *ClosedTrade) Duration() time.Duration {
	return t.ExitTime.Sub(t.EntryTime)
}

// EquityPoint is one bar-aligned point on the equity curve.
type EquityPoint struct {
	Timestamp time.Time       `json:"timestamp"`
	Equity    decimal.Decimal `json:"equity"`
	Balance   decimal.Decimal `json:"balance"`
	Drawdown  decimal.Decimal `json:"drawdown"`
}

// AccountSummary is a snapshot of the risk governor's ledger.
type AccountSummary struct {
	InitialCapital    decimal.Decimal `json:"initialCapital"`
	CurrentCapital    decimal.Decimal `json:"currentCapital"`
	PeakCapital       decimal.Decimal `json:"peakCapital"`
	DailyPnL          decimal.Decimal `json:"dailyPnl"`
	TotalReturn       float64         `json:"totalReturn"`
	CurrentDrawdown   float64         `json:"currentDrawdown"`
	OpenPositions     int             `json:"openPositions"`
	CommittedRisk     decimal.Decimal `json:"committedRisk"`
	ConsecutiveLosses int             `json:"consecutiveLosses"`
	DailyTradeCount   int             `json:"dailyTradeCount"`
	TradingHalted     bool            `json:"tradingHalted"`
	HaltReason        string          `json:"haltReason,omitempty"`
}
