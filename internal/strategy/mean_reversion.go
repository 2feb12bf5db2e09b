package strategy

import (
	"math"

	"github.com/meridianfx/trading-engine/internal/indicators"
	"github.com/meridianfx/trading-engine/pkg/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// MeanReversionParams tunes the mean-reversion entries.
type MeanReversionParams struct {
	BBPeriod      int
	BBStdDev      float64
	RSIPeriod     int
	RSIOversold   float64
	RSIOverbought float64
	MACDFast      int
	MACDSlow      int
	MACDSignal    int
	EMAPeriod     int
	ATRPeriod     int
	ATRAvgWindow  int
	VolumeWindow  int
	VolumeMult    float64
	ADXPeriod     int
	ADXCeiling    float64
	StopATRMult   float64
	MinRiskReward float64
}

// DefaultMeanReversionParams returns the tuned confluence thresholds.
func DefaultMeanReversionParams() MeanReversionParams {
	return MeanReversionParams{
		BBPeriod:      20,
		BBStdDev:      2,
		RSIPeriod:     14,
		RSIOversold:   30,
		RSIOverbought: 70,
		MACDFast:      12,
		MACDSlow:      26,
		MACDSignal:    9,
		EMAPeriod:     20,
		ATRPeriod:     14,
		ATRAvgWindow:  20,
		VolumeWindow:  20,
		VolumeMult:    1.3,
		ADXPeriod:     14,
		ADXCeiling:    35,
		StopATRMult:   2,
		MinRiskReward: 1.5,
	}
}

// MeanReversion enters at Bollinger extremes with RSI, MACD-histogram
// and volume confluence, targeting the band middle.
type MeanReversion struct {
	logger *zap.Logger
	params MeanReversionParams
}

// NewMeanReversion creates the strategy with default parameters.
func NewMeanReversion(logger *zap.Logger) *MeanReversion {
	return &MeanReversion{logger: logger.Named("mean-reversion"), params: DefaultMeanReversionParams()}
}

func (s *MeanReversion) Name() string { return NameMeanReversion }

// Reset is a no-op; the strategy carries no per-run state.
func (s *MeanReversion) Reset() {}

// GenerateSignals flags bars where all confluence conditions line up.
func (s *MeanReversion) GenerateSignals(bars []types.Bar) *Signals {
	sig := newSignals(len(bars))
	p := s.params

	closes := types.Closes(bars)
	volumes := types.Volumes(bars)

	bb := indicators.Bollinger(closes, p.BBPeriod, p.BBStdDev)
	rsi := indicators.RSI(closes, p.RSIPeriod)
	macd := indicators.MACD(closes, p.MACDFast, p.MACDSlow, p.MACDSignal)
	ema := indicators.EMA(closes, p.EMAPeriod)
	atr := indicators.ATR(bars, p.ATRPeriod)
	atrAvg := indicators.SMA(atr, p.ATRAvgWindow)
	volAvg := indicators.SMA(volumes, p.VolumeWindow)
	adx := indicators.ADX(bars, p.ADXPeriod)

	for i := 1; i < len(bars); i++ {
		// Shared filters: trend not too strong and volatility not
		// spiking (news bars get skipped here, not at the breaker).
		calm := adx[i] < p.ADXCeiling && atr[i] < atrAvg[i]*1.5
		confirmedVolume := volumes[i] > volAvg[i]*p.VolumeMult

		histRising := macd.Histogram[i] < 0 && macd.Histogram[i] > macd.Histogram[i-1]
		sig.Long[i] = closes[i] <= bb.Lower[i] &&
			closes[i] < ema[i] &&
			rsi[i] < p.RSIOversold &&
			histRising &&
			confirmedVolume &&
			calm

		histFalling := macd.Histogram[i] > 0 && macd.Histogram[i] < macd.Histogram[i-1]
		sig.Short[i] = closes[i] >= bb.Upper[i] &&
			closes[i] > ema[i] &&
			rsi[i] > p.RSIOverbought &&
			histFalling &&
			confirmedVolume &&
			calm
	}
	return sig
}

// CalculateEntryExit proposes entry at the current close with an
// ATR-based stop and the band middle/far band as targets. Returns nil
// when the reward does not clear the minimum risk/reward.
func (s *MeanReversion) CalculateEntryExit(bars []types.Bar, direction types.Direction) *types.EntryPlan {
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
	var stop, tp1, tp2 float64
	switch direction {
	case types.DirectionLong:
		stop = entry - p.StopATRMult*atr[last]
		tp1 = bb.Middle[last]
		tp2 = bb.Upper[last]
	case types.DirectionShort:
		stop = entry + p.StopATRMult*atr[last]
		tp1 = bb.Middle[last]
		tp2 = bb.Lower[last]
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
