// Package regime classifies the market into one of six states from
// trend, volatility and band-width evidence, and maps each state to
// the strategy allowed to trade in it.
package regime

import (
	"math"
	"sync"
	"time"

	"github.com/meridianfx/trading-engine/internal/indicators"
	"github.com/meridianfx/trading-engine/pkg/types"
	"go.uber.org/zap"
)

// Classification is one regime read with the evidence behind it.
type Classification struct {
	Label      types.RegimeLabel `json:"label"`
	ADX        float64           `json:"adx"`
	ATR        float64           `json:"atr"`
	ATRAvg     float64           `json:"atrAvg"`
	BBWidth    float64           `json:"bbWidth"`
	BBWidthAvg float64           `json:"bbWidthAvg"`
	EMAAligned bool              `json:"emaAligned"`
	At         time.Time         `json:"at"`
}

// Classifier computes regime reads from bar history. It keeps the
// latest read for the API surface; classification itself is pure.
type Classifier struct {
	logger     *zap.Logger
	thresholds types.RegimeThresholds

	mu      sync.RWMutex
	current *Classification
	history []Classification
}

// NewClassifier creates a classifier with the given thresholds.
func NewClassifier(logger *zap.Logger, thresholds types.RegimeThresholds) *Classifier {
	return &Classifier{
		logger:     logger.Named("regime"),
		thresholds: thresholds,
		history:    make([]Classification, 0, 256),
	}
}

// Classify evaluates the regime at the last bar of the history. The
// checks run in strict precedence: trend first, then compression, then
// the volatility extremes, with ranging as the fallback. Too little
// history for the indicators classifies as ranging.
func (c *Classifier) Classify(bars []types.Bar) Classification {
	t := c.thresholds

	out := Classification{Label: types.RegimeRanging}
	if len(bars) > 0 {
		out.At = bars[len(bars)-1].Timestamp
	}
	if len(bars) < t.EMASlow {
		c.record(out)
		return out
	}

	closes := types.Closes(bars)
	last := len(bars) - 1

	adx := indicators.ADX(bars, t.ADXPeriod)
	atr := indicators.ATR(bars, t.ATRPeriod)
	atrAvg := indicators.SMA(atr, t.ATRAvgWindow)
	bb := indicators.Bollinger(closes, t.BBPeriod, t.BBStdDev)
	widthAvg := indicators.SMA(bb.Width, t.BBWidthAvgWindow)
	emaFast := indicators.EMA(closes, t.EMAFast)
	emaMedium := indicators.EMA(closes, t.EMAMedium)
	emaSlow := indicators.EMA(closes, t.EMASlow)

	out.ADX = adx[last]
	out.ATR = atr[last]
	out.ATRAvg = atrAvg[last]
	out.BBWidth = bb.Width[last]
	out.BBWidthAvg = widthAvg[last]

	aligned := (emaFast[last] > emaMedium[last] && emaMedium[last] > emaSlow[last]) ||
		(emaFast[last] < emaMedium[last] && emaMedium[last] < emaSlow[last])
	out.EMAAligned = aligned

	switch {
	case !math.IsNaN(adx[last]) && adx[last] > t.ADXStrongTrend && aligned:
		out.Label = types.RegimeStrongTrend
	case !math.IsNaN(adx[last]) && adx[last] > t.ADXWeakTrend && aligned:
		out.Label = types.RegimeWeakTrend
	case defined(bb.Width[last], widthAvg[last], atr[last], atrAvg[last]) &&
		bb.Width[last] < widthAvg[last]*t.BBWidthBreakout &&
		atr[last] < atrAvg[last]*t.ATRLowVolMult:
		out.Label = types.RegimeBreakoutPending
	case defined(atr[last], atrAvg[last]) && atr[last] > atrAvg[last]*t.ATRHighVolMult:
		out.Label = types.RegimeHighVolatility
	case defined(bb.Width[last], widthAvg[last]) && bb.Width[last] < widthAvg[last]*t.BBWidthLowVol:
		out.Label = types.RegimeLowVolatility
	default:
		out.Label = types.RegimeRanging
	}

	c.record(out)
	return out
}

// Current returns the most recent classification, if any.
func (c *Classifier) Current() (Classification, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.current == nil {
		return Classification{}, false
	}
	return *c.current, true
}

// History returns a copy of the recorded classifications.
func (c *Classifier) History() []Classification {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Classification, len(c.history))
	copy(out, c.history)
	return out
}

func (c *Classifier) record(r Classification) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.current = &r
	c.history = append(c.history, r)
	if len(c.history) > 1024 {
		c.history = c.history[len(c.history)-1024:]
	}
}

func defined(vals ...float64) bool {
	for _, v := range vals {
		if math.IsNaN(v) {
			return false
		}
	}
	return true
}
