package strategy

import (
	"math"

	"github.com/meridianfx/trading-engine/internal/indicators"
	"github.com/meridianfx/trading-engine/pkg/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// GridParams tunes the range-grid entries.
type GridParams struct {
	RangeWindow  int
	Levels       int
	ADXPeriod    int
	ADXCeiling   float64
	ATRPeriod    int
	ATRAvgWindow int
	ATRCalmMult  float64
}

// DefaultGridParams returns the low-volatility grid setup.
func DefaultGridParams() GridParams {
	return GridParams{
		RangeWindow:  50,
		Levels:       6,
		ADXPeriod:    14,
		ADXCeiling:   30,
		ATRPeriod:    14,
		ATRAvgWindow: 20,
		ATRCalmMult:  1.3,
	}
}

// Grid buys below and sells above the midpoint of the recent range,
// one grid level at a time. It only trades when the market is quiet
// enough for the range to hold.
type Grid struct {
	logger *zap.Logger
	params GridParams
}

// NewGrid creates the strategy with default parameters.
func NewGrid(logger *zap.Logger) *Grid {
	return &Grid{logger: logger.Named("grid"), params: DefaultGridParams()}
}

func (s *Grid) Name() string { return NameGrid }

// Reset is a no-op; the grid is recomputed from history on every call.
func (s *Grid) Reset() {}

// rangeBounds returns the rolling high/low of the lookback window
// ending at index i, or NaNs inside the warmup.
func (s *Grid) rangeBounds(bars []types.Bar, i int) (hi, lo float64) {
	if i+1 < s.params.RangeWindow {
		return math.NaN(), math.NaN()
	}
	hi, lo = math.Inf(-1), math.Inf(1)
	for j := i - s.params.RangeWindow + 1; j <= i; j++ {
		h, _ := bars[j].High.Float64()
		l, _ := bars[j].Low.Float64()
		hi = math.Max(hi, h)
		lo = math.Min(lo, l)
	}
	return hi, lo
}

// GenerateSignals flags bars at least one grid level away from the
// range midpoint while the range regime holds.
func (s *Grid) GenerateSignals(bars []types.Bar) *Signals {
	sig := newSignals(len(bars))
	p := s.params

	closes := types.Closes(bars)
	adx := indicators.ADX(bars, p.ADXPeriod)
	atr := indicators.ATR(bars, p.ATRPeriod)
	atrAvg := indicators.SMA(atr, p.ATRAvgWindow)

	for i := range bars {
		hi, lo := s.rangeBounds(bars, i)
		if math.IsNaN(hi) {
			continue
		}
		spacing := (hi - lo) / float64(p.Levels)
		if spacing <= 0 {
			continue
		}
		mid := (hi + lo) / 2

		calm := adx[i] < p.ADXCeiling && atr[i] < atrAvg[i]*p.ATRCalmMult
		sig.Long[i] = calm && closes[i] <= mid-spacing && closes[i] > lo
		sig.Short[i] = calm && closes[i] >= mid+spacing && closes[i] < hi

		// A close outside the range invalidates the grid. The bounds
		// ending at i always contain bar i's own extremes, so the
		// breach is judged against the window ending one bar back.
		if prevHi, prevLo := s.rangeBounds(bars, i-1); !math.IsNaN(prevHi) {
			sig.Exit[i] = closes[i] > prevHi || closes[i] < prevLo
		}
	}
	return sig
}

// CalculateEntryExit places the stop two grid levels beyond entry and
// the targets one and two levels back toward the midpoint.
func (s *Grid) CalculateEntryExit(bars []types.Bar, direction types.Direction) *types.EntryPlan {
	if len(bars) == 0 {
		return nil
	}
	p := s.params

	last := len(bars) - 1
	hi, lo := s.rangeBounds(bars, last)
	if math.IsNaN(hi) {
		return nil
	}
	spacing := (hi - lo) / float64(p.Levels)
	if spacing <= 0 {
		return nil
	}

	entry, _ := bars[last].Close.Float64()
	var stop, tp1, tp2 float64
	switch direction {
	case types.DirectionLong:
		stop = entry - 2*spacing
		tp1 = entry + spacing
		tp2 = entry + 2*spacing
	case types.DirectionShort:
		stop = entry + 2*spacing
		tp1 = entry - spacing
		tp2 = entry - 2*spacing
	default:
		return nil
	}

	return &types.EntryPlan{
		Entry:       decimal.NewFromFloat(entry),
		StopLoss:    decimal.NewFromFloat(stop),
		TakeProfit1: decimal.NewFromFloat(tp1),
		TakeProfit2: decimal.NewFromFloat(tp2),
		RiskReward1: riskReward(entry, stop, tp1),
		RiskReward2: riskReward(entry, stop, tp2),
	}
}
