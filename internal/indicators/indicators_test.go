package indicators

import (
	"math"
	"testing"
	"time"

	"github.com/meridianfx/trading-engine/pkg/types"
	"github.com/shopspring/decimal"
)

func rangeBars(n int, rng func(i int) float64) []types.Bar {
	bars := make([]types.Bar, n)
	base := time.Date(2024, 5, 6, 8, 0, 0, 0, time.UTC)
	for i := range bars {
		half := rng(i) / 2
		bars[i] = types.Bar{
			Timestamp: base.Add(time.Duration(i) * time.Hour),
			Open:      decimal.NewFromFloat(1.45),
			High:      decimal.NewFromFloat(1.45 + half),
			Low:       decimal.NewFromFloat(1.45 - half),
			Close:     decimal.NewFromFloat(1.45),
			Volume:    decimal.NewFromInt(1000),
		}
	}
	return bars
}

func TestSMAWarmupAndSteadyState(t *testing.T) {
	values := []float64{1, 2, 3, 4, 5}
	out := SMA(values, 3)

	if !math.IsNaN(out[0]) || !math.IsNaN(out[1]) {
		t.Error("positions before a full window must be NaN")
	}
	for i, want := range map[int]float64{2: 2, 3: 3, 4: 4} {
		if out[i] != want {
			t.Errorf("out[%d] = %v, want %v", i, out[i], want)
		}
	}
}

func TestSMARecoversAfterNaNPrefix(t *testing.T) {
	// Chained series like SMA(ATR(...), n) feed a NaN warmup prefix
	// into the running sum; the average must come alive once a full
	// window of valid values exists rather than staying NaN forever.
	values := []float64{math.NaN(), math.NaN(), math.NaN(), 2, 4, 6, 8, 10}
	out := SMA(values, 3)

	for i := 0; i <= 4; i++ {
		if !math.IsNaN(out[i]) {
			t.Errorf("out[%d] = %v, want NaN inside warmup", i, out[i])
		}
	}
	if out[5] != 4 {
		t.Errorf("out[5] = %v, want 4", out[5])
	}
	if out[7] != 8 {
		t.Errorf("out[7] = %v, want 8", out[7])
	}
}

func TestSMAOfATRIsDefinedAfterCombinedWarmup(t *testing.T) {
	bars := rangeBars(60, func(i int) float64 { return 0.0012 })
	avg := SMA(ATR(bars, 14), 20)

	if !math.IsNaN(avg[31]) {
		t.Error("index 31 is one short of the combined warmup, want NaN")
	}
	last := avg[len(avg)-1]
	if math.IsNaN(last) {
		t.Fatal("rolling ATR average must be defined after warmup")
	}
	if math.Abs(last-0.0012) > 1e-9 {
		t.Errorf("flat-range rolling ATR average = %v, want 0.0012", last)
	}
}
