package strategy

import (
	"math"

	"github.com/meridianfx/trading-engine/internal/indicators"
	"github.com/meridianfx/trading-engine/pkg/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// TrendFollowingParams tunes the pullback entries.
type TrendFollowingParams struct {
	EMAFast          int
	EMAMedium        int
	EMASlow          int
	ADXPeriod        int
	ADXFloor         float64
	PullbackTolerance float64 // fraction of fast EMA
	RSIPeriod        int
	RSILongMin       float64
	RSILongMax       float64
	RSIShortMin      float64
	RSIShortMax      float64
	MACDFast         int
	MACDSlow         int
	MACDSignal       int
	VolumeWindow     int
	VolumeMult       float64
	ATRPeriod        int
	StopATRMult      float64
	TP1ATRMult       float64
	TP2ATRMult       float64
	TrailATRMult     float64
	MinRiskReward    float64
}

// DefaultTrendFollowingParams returns the deployed parameters.
func DefaultTrendFollowingParams() TrendFollowingParams {
	return TrendFollowingParams{
		EMAFast:           20,
		EMAMedium:         50,
		EMASlow:           200,
		ADXPeriod:         14,
		ADXFloor:          25,
		PullbackTolerance: 0.005,
		RSIPeriod:         14,
		RSILongMin:        45,
		RSILongMax:        65,
		RSIShortMin:       35,
		RSIShortMax:       55,
		MACDFast:          12,
		MACDSlow:          26,
		MACDSignal:        9,
		VolumeWindow:      20,
		VolumeMult:        1.1,
		ATRPeriod:         14,
		StopATRMult:       2.5,
		TP1ATRMult:        2,
		TP2ATRMult:        4,
		TrailATRMult:      3,
		MinRiskReward:     1.5,
	}
}

// TrendFollowing enters on pullbacks to the fast EMA inside an aligned
// EMA stack, with a trailing stop for trend continuation.
type TrendFollowing struct {
	logger *zap.Logger
	params TrendFollowingParams
}

// NewTrendFollowing creates the strategy with default parameters.
func NewTrendFollowing(logger *zap.Logger) *TrendFollowing {
	return &TrendFollowing{logger: logger.Named("trend-following"), params: DefaultTrendFollowingParams()}
}

func (s *TrendFollowing) Name() string { return NameTrendFollowing }

// Reset is a no-op; the strategy carries no per-run state.
func (s *TrendFollowing) Reset() {}

// GenerateSignals flags pullback bars inside confirmed trends.
func (s *TrendFollowing) GenerateSignals(bars []types.Bar) *Signals {
	sig := newSignals(len(bars))
	p := s.params

	closes := types.Closes(bars)
	volumes := types.Volumes(bars)

	emaFast := indicators.EMA(closes, p.EMAFast)
	emaMedium := indicators.EMA(closes, p.EMAMedium)
	emaSlow := indicators.EMA(closes, p.EMASlow)
	adx := indicators.ADX(bars, p.ADXPeriod)
	rsi := indicators.RSI(closes, p.RSIPeriod)
	macd := indicators.MACD(closes, p.MACDFast, p.MACDSlow, p.MACDSignal)
	volAvg := indicators.SMA(volumes, p.VolumeWindow)

	for i := range bars {
		strongTrend := adx[i] > p.ADXFloor
		confirmedVolume := volumes[i] > volAvg[i]*p.VolumeMult

		upStack := emaFast[i] > emaMedium[i] && emaMedium[i] > emaSlow[i]
		sig.Long[i] = upStack && strongTrend &&
			closes[i] <= emaFast[i]*(1+p.PullbackTolerance) &&
			closes[i] > emaMedium[i] &&
			rsi[i] > p.RSILongMin && rsi[i] < p.RSILongMax &&
			macd.Line[i] > macd.Signal[i] &&
			confirmedVolume

		downStack := emaFast[i] < emaMedium[i] && emaMedium[i] < emaSlow[i]
		sig.Short[i] = downStack && strongTrend &&
			closes[i] >= emaFast[i]*(1-p.PullbackTolerance) &&
			closes[i] < emaMedium[i] &&
			rsi[i] > p.RSIShortMin && rsi[i] < p.RSIShortMax &&
			macd.Line[i] < macd.Signal[i] &&
			confirmedVolume

		// Trend break: close crossing the medium EMA against the
		// position is the strategy-declared exit.
		if i > 0 {
			brokeUp := closes[i-1] >= emaMedium[i-1] && closes[i] < emaMedium[i]
			brokeDown := closes[i-1] <= emaMedium[i-1] && closes[i] > emaMedium[i]
			sig.Exit[i] = brokeUp || brokeDown
		}
	}
	return sig
}

// CalculateEntryExit proposes a wider ATR stop with two ATR-multiple
// targets and a trailing-stop distance.
func (s *TrendFollowing) CalculateEntryExit(bars []types.Bar, direction types.Direction) *types.EntryPlan {
	if len(bars) == 0 {
		return nil
	}
	p := s.params

	atr := indicators.ATR(bars, p.ATRPeriod)
	last := len(bars) - 1
	if math.IsNaN(atr[last]) || atr[last] == 0 {
		return nil
	}
	entry, _ := bars[last].Close.Float64()

	var stop, tp1, tp2 float64
	switch direction {
	case types.DirectionLong:
		stop = entry - p.StopATRMult*atr[last]
		tp1 = entry + p.TP1ATRMult*atr[last]
		tp2 = entry + p.TP2ATRMult*atr[last]
	case types.DirectionShort:
		stop = entry + p.StopATRMult*atr[last]
		tp1 = entry - p.TP1ATRMult*atr[last]
		tp2 = entry - p.TP2ATRMult*atr[last]
	default:
		return nil
	}

	// TP1 sits inside the stop distance; the runner target carries the
	// reward requirement.
	rr2 := riskReward(entry, stop, tp2)
	if rr2 < p.MinRiskReward {
		return nil
	}

	return &types.EntryPlan{
		Entry:        decimal.NewFromFloat(entry),
		StopLoss:     decimal.NewFromFloat(stop),
		TakeProfit1:  decimal.NewFromFloat(tp1),
		TakeProfit2:  decimal.NewFromFloat(tp2),
		TrailingStop: decimal.NewFromFloat(p.TrailATRMult * atr[last]),
		RiskReward1:  riskReward(entry, stop, tp1),
		RiskReward2:  rr2,
	}
}
