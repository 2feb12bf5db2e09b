package strategy

import (
	"math"

	"github.com/meridianfx/trading-engine/internal/indicators"
	"github.com/meridianfx/trading-engine/pkg/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// OilCorrelationParams tunes the crude-divergence entries.
type OilCorrelationParams struct {
	CorrWindow    int
	CorrFloor     float64 // magnitude of the negative correlation
	OilMoveWindow int
	OilMoveMin    float64 // fractional oil move that counts as a shock
	PairLagMax    float64 // pair must not yet have followed
	ATRPeriod     int
	StopATRMult   float64
	TP1ATRMult    float64
	TP2ATRMult    float64
	MinRiskReward float64
}

// DefaultOilCorrelationParams returns the deployed thresholds.
func DefaultOilCorrelationParams() OilCorrelationParams {
	return OilCorrelationParams{
		CorrWindow:    50,
		CorrFloor:     0.4,
		OilMoveWindow: 12,
		OilMoveMin:    0.02,
		PairLagMax:    0.003,
		ATRPeriod:     14,
		StopATRMult:   1.5,
		TP1ATRMult:    2.5,
		TP2ATRMult:    4,
		MinRiskReward: 1.5,
	}
}

// OilCorrelation trades the CAD leg: when crude makes a sharp move the
// pair has not yet priced, and the rolling correlation confirms the
// historical inverse link, it positions for the catch-up. With no
// reference series attached the strategy stays flat.
type OilCorrelation struct {
	logger *zap.Logger
	params OilCorrelationParams
	oil    []float64
}

// NewOilCorrelation creates the strategy. The reference series must be
// aligned bar-for-bar with the pair history handed to GenerateSignals;
// a nil or shorter series disables signalling from its end onward.
func NewOilCorrelation(logger *zap.Logger, oil []float64) *OilCorrelation {
	return &OilCorrelation{
		logger: logger.Named("oil-correlation"),
		params: DefaultOilCorrelationParams(),
		oil:    oil,
	}
}

// SetReference swaps the aligned crude series.
func (s *OilCorrelation) SetReference(oil []float64) { s.oil = oil }

func (s *OilCorrelation) Name() string { return NameOilCorrelation }

// Reset is a no-op; the reference series survives across windows.
func (s *OilCorrelation) Reset() {}

// GenerateSignals flags bars where crude shocked and the pair lagged.
func (s *OilCorrelation) GenerateSignals(bars []types.Bar) *Signals {
	sig := newSignals(len(bars))
	p := s.params
	if len(s.oil) == 0 {
		return sig
	}

	closes := types.Closes(bars)
	n := len(closes)
	if len(s.oil) < n {
		n = len(s.oil)
	}

	for i := p.CorrWindow; i < n; i++ {
		corr := rollingCorrelation(closes[:i+1], s.oil[:i+1], p.CorrWindow)
		if math.IsNaN(corr) || corr > -p.CorrFloor {
			continue
		}

		j := i - p.OilMoveWindow
		if j < 0 || s.oil[j] == 0 || closes[j] == 0 {
			continue
		}
		oilMove := (s.oil[i] - s.oil[j]) / s.oil[j]
		pairMove := (closes[i] - closes[j]) / closes[j]

		// Oil rallying lifts CAD, so the pair should fall; oil
		// selling off should lift the pair.
		sig.Short[i] = oilMove > p.OilMoveMin && pairMove > -p.PairLagMax
		sig.Long[i] = oilMove < -p.OilMoveMin && pairMove < p.PairLagMax
	}
	return sig
}

// CalculateEntryExit uses plain ATR-multiple stops and targets; the
// edge is in the timing, not the levels.
func (s *OilCorrelation) CalculateEntryExit(bars []types.Bar, direction types.Direction) *types.EntryPlan {
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

// rollingCorrelation computes the Pearson correlation of the two
// series' simple returns over the trailing window.
func rollingCorrelation(a, b []float64, window int) float64 {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	if n < window+1 {
		return math.NaN()
	}

	ra := make([]float64, 0, window)
	rb := make([]float64, 0, window)
	for i := n - window; i < n; i++ {
		if a[i-1] == 0 || b[i-1] == 0 {
			return math.NaN()
		}
		ra = append(ra, a[i]/a[i-1]-1)
		rb = append(rb, b[i]/b[i-1]-1)
	}

	var meanA, meanB float64
	for i := range ra {
		meanA += ra[i]
		meanB += rb[i]
	}
	meanA /= float64(len(ra))
	meanB /= float64(len(rb))

	var cov, varA, varB float64
	for i := range ra {
		da, db := ra[i]-meanA, rb[i]-meanB
		cov += da * db
		varA += da * da
		varB += db * db
	}
	if varA == 0 || varB == 0 {
		return math.NaN()
	}
	return cov / math.Sqrt(varA*varB)
}
