package strategy

import (
	"math"

	"github.com/meridianfx/trading-engine/internal/indicators"
	"github.com/meridianfx/trading-engine/pkg/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// BreakoutParams tunes the squeeze-release entries.
type BreakoutParams struct {
	BBPeriod      int
	BBStdDev      float64
	WidthWindow   int
	SqueezeMult   float64
	VolumeWindow  int
	VolumeMult    float64
	ATRPeriod     int
	StopATRMult   float64
	MinRiskReward float64
}

// DefaultBreakoutParams returns the squeeze-release thresholds.
func DefaultBreakoutParams() BreakoutParams {
	return BreakoutParams{
		BBPeriod:      20,
		BBStdDev:      2,
		WidthWindow:   50,
		SqueezeMult:   0.7,
		VolumeWindow:  20,
		VolumeMult:    1.5,
		ATRPeriod:     14,
		StopATRMult:   1.5,
		MinRiskReward: 1.5,
	}
}

// Breakout trades the release of a Bollinger squeeze: a compressed
// band followed by a close beyond it on expanding volume.
type Breakout struct {
	logger *zap.Logger
	params BreakoutParams
}

// NewBreakout creates the strategy with default parameters.
func NewBreakout(logger *zap.Logger) *Breakout {
	return &Breakout{logger: logger.Named("breakout"), params: DefaultBreakoutParams()}
}

func (s *Breakout) Name() string { return NameBreakout }

// Reset is a no-op; the strategy carries no per-run state.
func (s *Breakout) Reset() {}

// GenerateSignals flags closes escaping a squeezed band.
func (s *Breakout) GenerateSignals(bars []types.Bar) *Signals {
	sig := newSignals(len(bars))
	p := s.params

	closes := types.Closes(bars)
	volumes := types.Volumes(bars)

	bb := indicators.Bollinger(closes, p.BBPeriod, p.BBStdDev)
	widthAvg := indicators.SMA(bb.Width, p.WidthWindow)
	volAvg := indicators.SMA(volumes, p.VolumeWindow)

	for i := 1; i < len(bars); i++ {
		// The squeeze is measured on the prior bar so the breakout
		// bar's own expansion does not mask it.
		squeezed := bb.Width[i-1] < widthAvg[i-1]*p.SqueezeMult
		surge := volumes[i] > volAvg[i]*p.VolumeMult

		sig.Long[i] = squeezed && surge && closes[i] > bb.Upper[i]
		sig.Short[i] = squeezed && surge && closes[i] < bb.Lower[i]

		// Back inside the middle band means the breakout failed.
		if i > 1 {
			sig.Exit[i] = (closes[i-1] > bb.Middle[i-1] && closes[i] < bb.Middle[i]) ||
				(closes[i-1] < bb.Middle[i-1] && closes[i] > bb.Middle[i])
		}
	}
	return sig
}

// CalculateEntryExit stops behind the band middle (capped at an ATR
// multiple) and projects the pre-breakout band height as the target.
func (s *Breakout) CalculateEntryExit(bars []types.Bar, direction types.Direction) *types.EntryPlan {
	if len(bars) == 0 {
		return nil
	}
	p := s.params

	closes := types.Closes(bars)
	bb := indicators.Bollinger(closes, p.BBPeriod, p.BBStdDev)
	atr := indicators.ATR(bars, p.ATRPeriod)

	last := len(bars) - 1
	if math.IsNaN(atr[last]) || math.IsNaN(bb.Middle[last]) {
		return nil
	}

	entry := closes[last]
	height := bb.Upper[last] - bb.Lower[last]

	var stop, tp1, tp2 float64
	switch direction {
	case types.DirectionLong:
		stop = math.Max(bb.Middle[last], entry-p.StopATRMult*atr[last])
		tp1 = entry + height
		tp2 = entry + 2*height
	case types.DirectionShort:
		stop = math.Min(bb.Middle[last], entry+p.StopATRMult*atr[last])
		tp1 = entry - height
		tp2 = entry - 2*height
	default:
		return nil
	}

	rr1 := riskReward(entry, stop, tp1)
	if rr1 < p.MinRiskReward {
		return nil
	}

	return &types.EntryPlan{
		Entry:       decimal.NewFromFloat(entry),
		StopLoss:    decimal.NewFromFloat(stop),
		TakeProfit1: decimal.NewFromFloat(tp1),
		TakeProfit2: decimal.NewFromFloat(tp2),
		RiskReward1: rr1,
		RiskReward2: riskReward(entry, stop, tp2),
	}
}
