package backtester

import (
	"math"

	"github.com/meridianfx/trading-engine/pkg/types"
	"github.com/shopspring/decimal"
)

// Metrics summarizes a run. Monetary figures stay decimal; ratios are
// float64. ProfitFactor is +Inf when there are wins and no losses,
// and 0 when there are no trades at all.
type Metrics struct {
	TotalTrades   int             `json:"totalTrades"`
	Wins          int             `json:"wins"`
	Losses        int             `json:"losses"`
	WinRate       float64         `json:"winRate"`
	GrossProfit   decimal.Decimal `json:"grossProfit"`
	GrossLoss     decimal.Decimal `json:"grossLoss"` // positive magnitude
	NetProfit     decimal.Decimal `json:"netProfit"`
	ProfitFactor  float64         `json:"profitFactor"`
	TotalReturn   float64         `json:"totalReturn"`
	MaxDrawdown   float64         `json:"maxDrawdown"`
	SharpeRatio   float64         `json:"sharpeRatio"`
	AvgWin        decimal.Decimal `json:"avgWin"`
	AvgLoss       decimal.Decimal `json:"avgLoss"` // positive magnitude
	LargestWin    decimal.Decimal `json:"largestWin"`
	LargestLoss   decimal.Decimal `json:"largestLoss"` // positive magnitude
	Expectancy    decimal.Decimal `json:"expectancy"`
	MaxConsecWins int             `json:"maxConsecutiveWins"`
	MaxConsecLoss int             `json:"maxConsecutiveLosses"`
	AvgHoldHours  float64         `json:"avgHoldHours"`
	ExitBreakdown map[types.ExitReason]int `json:"exitBreakdown"`
}

// ComputeMetrics derives the summary from closed trades and the
// bar-aligned equity curve.
func ComputeMetrics(initialCapital decimal.Decimal, trades []types.ClosedTrade, equity []types.EquityPoint) Metrics {
	m := Metrics{
		ExitBreakdown: make(map[types.ExitReason]int, 6),
	}
	m.TotalTrades = len(trades)

	var holdHours float64
	var streakWins, streakLosses int
	for _, t := range trades {
		m.ExitBreakdown[t.ExitReason]++
		holdHours += t.Duration().Hours()

		switch {
		case t.NetPnL.IsPositive():
			m.Wins++
			m.GrossProfit = m.GrossProfit.Add(t.NetPnL)
			if t.NetPnL.GreaterThan(m.LargestWin) {
				m.LargestWin = t.NetPnL
			}
			streakWins++
			streakLosses = 0
		case t.NetPnL.IsNegative():
			m.Losses++
			m.GrossLoss = m.GrossLoss.Add(t.NetPnL.Neg())
			if t.NetPnL.Neg().GreaterThan(m.LargestLoss) {
				m.LargestLoss = t.NetPnL.Neg()
			}
			streakLosses++
			streakWins = 0
		default:
			streakWins, streakLosses = 0, 0
		}
		if streakWins > m.MaxConsecWins {
			m.MaxConsecWins = streakWins
		}
		if streakLosses > m.MaxConsecLoss {
			m.MaxConsecLoss = streakLosses
		}
		m.NetProfit = m.NetProfit.Add(t.NetPnL)
	}

	if m.TotalTrades > 0 {
		m.WinRate = float64(m.Wins) / float64(m.TotalTrades)
		m.AvgHoldHours = holdHours / float64(m.TotalTrades)
		m.Expectancy = m.NetProfit.Div(decimal.NewFromInt(int64(m.TotalTrades)))
	}
	if m.Wins > 0 {
		m.AvgWin = m.GrossProfit.Div(decimal.NewFromInt(int64(m.Wins)))
	}
	if m.Losses > 0 {
		m.AvgLoss = m.GrossLoss.Div(decimal.NewFromInt(int64(m.Losses)))
	}

	switch {
	case m.GrossLoss.IsPositive():
		pf, _ := m.GrossProfit.Div(m.GrossLoss).Float64()
		m.ProfitFactor = pf
	case m.GrossProfit.IsPositive():
		m.ProfitFactor = math.Inf(1)
	default:
		m.ProfitFactor = 0
	}

	if initialCapital.IsPositive() {
		ret, _ := m.NetProfit.Div(initialCapital).Float64()
		m.TotalReturn = ret
	}

	m.MaxDrawdown = maxDrawdown(equity)
	m.SharpeRatio = sharpeRatio(trades)
	return m
}

func maxDrawdown(equity []types.EquityPoint) float64 {
	var worst float64
	for _, p := range equity {
		if dd, _ := p.Drawdown.Float64(); dd > worst {
			worst = dd
		}
	}
	return worst
}

// sharpeRatio annualizes the mean/stdev of per-trade returns with the
// usual sqrt(252) factor. Each return is the trade's net P&L over the
// balance it was taken on. Identical returns (zero spread) yield 0.
func sharpeRatio(trades []types.ClosedTrade) float64 {
	returns := make([]float64, 0, len(trades))
	for _, t := range trades {
		before := t.Balance.Sub(t.NetPnL)
		if !before.IsPositive() {
			continue
		}
		r, _ := t.NetPnL.Div(before).Float64()
		returns = append(returns, r)
	}
	if len(returns) < 2 {
		return 0
	}

	var mean float64
	for _, r := range returns {
		mean += r
	}
	mean /= float64(len(returns))

	var variance float64
	for _, r := range returns {
		variance += (r - mean) * (r - mean)
	}
	variance /= float64(len(returns))
	stdev := math.Sqrt(variance)
	if stdev == 0 {
		return 0
	}
	return mean / stdev * math.Sqrt(252)
}
