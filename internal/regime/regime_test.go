package regime

import (
	"math"
	"testing"
	"time"

	"github.com/meridianfx/trading-engine/internal/strategy"
	"github.com/meridianfx/trading-engine/pkg/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

func syntheticBars(n int, price func(i int) float64) []types.Bar {
	bars := make([]types.Bar, n)
	base := time.Date(2024, 5, 6, 8, 0, 0, 0, time.UTC)
	for i := range bars {
		c := price(i)
		bars[i] = types.Bar{
			Timestamp: base.Add(time.Duration(i) * time.Hour),
			Open:      decimal.NewFromFloat(c - 0.0002),
			High:      decimal.NewFromFloat(c + 0.0006),
			Low:       decimal.NewFromFloat(c - 0.0006),
			Close:     decimal.NewFromFloat(c),
			Volume:    decimal.NewFromInt(1000),
		}
	}
	return bars
}

func TestClassifyShortHistoryFallsBackToRanging(t *testing.T) {
	c := NewClassifier(zap.NewNop(), types.DefaultRegimeThresholds())

	got := c.Classify(syntheticBars(50, func(i int) float64 { return 1.45 }))
	if got.Label != types.RegimeRanging {
		t.Errorf("short history classified %s, want ranging", got.Label)
	}
}

func TestClassifyStrongTrend(t *testing.T) {
	c := NewClassifier(zap.NewNop(), types.DefaultRegimeThresholds())

	// A clean monotonic rise keeps the EMA stack aligned and drives
	// ADX toward its ceiling.
	bars := syntheticBars(300, func(i int) float64 { return 1.40 + 0.0005*float64(i) })
	got := c.Classify(bars)
	if got.Label != types.RegimeStrongTrend {
		t.Fatalf("uptrend classified %s (ADX %.1f, aligned %v), want strong_trend",
			got.Label, got.ADX, got.EMAAligned)
	}
	if !got.EMAAligned {
		t.Error("uptrend should align the EMA stack")
	}

	cur, ok := c.Current()
	if !ok || cur.Label != got.Label {
		t.Error("Current should return the latest read")
	}
	if len(c.History()) != 1 {
		t.Error("History should record every classification")
	}
}

func TestClassifyTrendBeatsVolatility(t *testing.T) {
	c := NewClassifier(zap.NewNop(), types.DefaultRegimeThresholds())

	// Widen the last ranges so ATR spikes while the trend persists;
	// the trend check has precedence.
	bars := syntheticBars(300, func(i int) float64 { return 1.40 + 0.0005*float64(i) })
	for i := 295; i < 300; i++ {
		bars[i].High = bars[i].Close.Add(decimal.NewFromFloat(0.01))
		bars[i].Low = bars[i].Close.Sub(decimal.NewFromFloat(0.01))
	}

	got := c.Classify(bars)
	if got.Label != types.RegimeStrongTrend {
		t.Errorf("spiking ATR inside a trend classified %s, want strong_trend", got.Label)
	}
}

func TestClassifyHighVolatility(t *testing.T) {
	c := NewClassifier(zap.NewNop(), types.DefaultRegimeThresholds())

	// Flat closes keep the trend rules out; a burst of ten-fold ranges
	// over the last 14 bars lifts ATR far above its rolling average.
	bars := syntheticBars(300, func(i int) float64 { return 1.45 })
	for i := 286; i < 300; i++ {
		bars[i].High = bars[i].Close.Add(decimal.NewFromFloat(0.006))
		bars[i].Low = bars[i].Close.Sub(decimal.NewFromFloat(0.006))
	}

	got := c.Classify(bars)
	if math.IsNaN(got.ATRAvg) {
		t.Fatal("rolling ATR average should be defined after warmup")
	}
	if got.Label != types.RegimeHighVolatility {
		t.Fatalf("range expansion classified %s (ATR %.5f avg %.5f), want high_volatility",
			got.Label, got.ATR, got.ATRAvg)
	}
}

func TestClassifyBreakoutPending(t *testing.T) {
	c := NewClassifier(zap.NewNop(), types.DefaultRegimeThresholds())

	// A wide oscillating phase followed by a dead-flat squeeze: band
	// width and ATR both collapse below their rolling averages.
	bars := syntheticBars(300, func(i int) float64 {
		if i < 270 {
			return 1.45 + 0.003*math.Sin(float64(i)/3)
		}
		return 1.45
	})
	for i := 0; i < 270; i++ {
		bars[i].High = bars[i].Close.Add(decimal.NewFromFloat(0.003))
		bars[i].Low = bars[i].Close.Sub(decimal.NewFromFloat(0.003))
	}
	for i := 270; i < 300; i++ {
		bars[i].High = bars[i].Close.Add(decimal.NewFromFloat(0.0001))
		bars[i].Low = bars[i].Close.Sub(decimal.NewFromFloat(0.0001))
	}

	got := c.Classify(bars)
	if got.Label != types.RegimeBreakoutPending {
		t.Fatalf("squeeze classified %s (width %.5f avg %.5f, ATR %.5f avg %.5f), want breakout_pending",
			got.Label, got.BBWidth, got.BBWidthAvg, got.ATR, got.ATRAvg)
	}
}

func TestSelectorTable(t *testing.T) {
	s := NewSelector(zap.NewNop(), strategy.NewRegistry(zap.NewNop()))

	cases := []struct {
		regime   types.RegimeLabel
		strategy string
		risk     float64
	}{
		{types.RegimeStrongTrend, strategy.NameTrendFollowing, 0.015},
		{types.RegimeWeakTrend, strategy.NameMeanReversion, 0.01},
		{types.RegimeRanging, strategy.NameMeanReversion, 0.01},
		{types.RegimeLowVolatility, strategy.NameGrid, 0.008},
		{types.RegimeBreakoutPending, strategy.NameBreakout, 0.01},
	}
	for _, tc := range cases {
		a := s.Select(tc.regime)
		if !a.Active() {
			t.Errorf("%s should be tradeable", tc.regime)
			continue
		}
		if a.Strategy != tc.strategy {
			t.Errorf("%s maps to %s, want %s", tc.regime, a.Strategy, tc.strategy)
		}
		if !a.RiskFraction.Equal(decimal.NewFromFloat(tc.risk)) {
			t.Errorf("%s risk %s, want %v", tc.regime, a.RiskFraction, tc.risk)
		}
		if st := s.Instantiate(a); st == nil || st.Name() != tc.strategy {
			t.Errorf("%s should instantiate %s", tc.regime, tc.strategy)
		}
	}

	aside := s.Select(types.RegimeHighVolatility)
	if aside.Active() {
		t.Error("high volatility must stand aside")
	}
	if s.Instantiate(aside) != nil {
		t.Error("stand-aside assignment must not instantiate a strategy")
	}
}

func TestSelectorOverride(t *testing.T) {
	s := NewSelector(zap.NewNop(), strategy.NewRegistry(zap.NewNop()))

	s.Override(types.RegimeHighVolatility, Assignment{
		Strategy:     strategy.NameOilCorrelation,
		RiskFraction: decimal.NewFromFloat(0.005),
	})
	a := s.Select(types.RegimeHighVolatility)
	if !a.Active() || a.Strategy != strategy.NameOilCorrelation {
		t.Error("override should take effect")
	}
}
