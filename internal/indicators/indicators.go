// Package indicators provides technical analysis series used by the
// strategies and the regime classifier. Every function returns a new
// slice aligned with its input; warmup positions hold NaN so callers
// can treat "not yet computable" the same way a comparison against a
// missing value behaves: false.
package indicators

import (
	"math"

	"github.com/meridianfx/trading-engine/pkg/types"
)

// SMA returns the simple moving average of values over period. Any
// window touching a NaN yields NaN; the average recovers once a full
// window of valid values exists, so chained series like SMA(ATR(...))
// come alive after their combined warmup.
func SMA(values []float64, period int) []float64 {
	out := nanSlice(len(values))
	if period <= 0 || len(values) < period {
		return out
	}

	sum, start := 0.0, 0
	for i, v := range values {
		if math.IsNaN(v) {
			sum, start = 0, i+1
			continue
		}
		sum += v
		if i-start >= period {
			sum -= values[i-period]
		}
		if i-start >= period-1 {
			out[i] = sum / float64(period)
		}
	}
	return out
}

// EMA returns the exponential moving average seeded with the first
// value (span semantics, matching ewm adjust=false).
func EMA(values []float64, period int) []float64 {
	out := nanSlice(len(values))
	if period <= 0 || len(values) == 0 {
		return out
	}

	mult := 2.0 / float64(period+1)
	ema := values[0]
	out[0] = ema
	for i := 1; i < len(values); i++ {
		ema = (values[i]-ema)*mult + ema
		out[i] = ema
	}
	return out
}

// RollingStd returns the rolling sample standard deviation.
func RollingStd(values []float64, period int) []float64 {
	out := nanSlice(len(values))
	if period <= 1 || len(values) < period {
		return out
	}

	for i := period - 1; i < len(values); i++ {
		window := values[i-period+1 : i+1]
		mean := 0.0
		for _, v := range window {
			mean += v
		}
		mean /= float64(period)

		variance := 0.0
		for _, v := range window {
			d := v - mean
			variance += d * d
		}
		out[i] = math.Sqrt(variance / float64(period-1))
	}
	return out
}

// RSI returns the relative strength index using rolling-mean gains
// and losses.
func RSI(values []float64, period int) []float64 {
	out := nanSlice(len(values))
	if period <= 0 || len(values) <= period {
		return out
	}

	gains := make([]float64, len(values))
	losses := make([]float64, len(values))
	for i := 1; i < len(values); i++ {
		delta := values[i] - values[i-1]
		if delta > 0 {
			gains[i] = delta
		} else {
			losses[i] = -delta
		}
	}

	avgGain := SMA(gains[1:], period)
	avgLoss := SMA(losses[1:], period)
	for i := range avgGain {
		if math.IsNaN(avgGain[i]) || math.IsNaN(avgLoss[i]) {
			continue
		}
		if avgLoss[i] == 0 {
			if avgGain[i] > 0 {
				out[i+1] = 100
			}
			continue
		}
		rs := avgGain[i] / avgLoss[i]
		out[i+1] = 100 - 100/(1+rs)
	}
	return out
}

// MACDResult carries the MACD line, its signal line, and the histogram.
type MACDResult struct {
	Line      []float64
	Signal    []float64
	Histogram []float64
}

// MACD computes the moving average convergence divergence series.
func MACD(values []float64, fast, slow, signal int) MACDResult {
	fastEMA := EMA(values, fast)
	slowEMA := EMA(values, slow)

	line := make([]float64, len(values))
	for i := range values {
		line[i] = fastEMA[i] - slowEMA[i]
	}
	sig := EMA(line, signal)

	hist := make([]float64, len(values))
	for i := range values {
		hist[i] = line[i] - sig[i]
	}
	return MACDResult{Line: line, Signal: sig, Histogram: hist}
}

// TrueRange returns the per-bar true range series.
func TrueRange(bars []types.Bar) []float64 {
	out := make([]float64, len(bars))
	for i, b := range bars {
		high, _ := b.High.Float64()
		low, _ := b.Low.Float64()
		tr := high - low
		if i > 0 {
			prevClose, _ := bars[i-1].Close.Float64()
			if hc := math.Abs(high - prevClose); hc > tr {
				tr = hc
			}
			if lc := math.Abs(low - prevClose); lc > tr {
				tr = lc
			}
		}
		out[i] = tr
	}
	return out
}

// ATR returns the average true range as a rolling mean of true range.
func ATR(bars []types.Bar, period int) []float64 {
	return SMA(TrueRange(bars), period)
}

// ADX returns the average directional index, the classifier's trend
// strength measure.
func ADX(bars []types.Bar, period int) []float64 {
	out := nanSlice(len(bars))
	if len(bars) == 0 {
		return out
	}

	plusDM := make([]float64, len(bars))
	minusDM := make([]float64, len(bars))
	for i := 1; i < len(bars); i++ {
		high, _ := bars[i].High.Float64()
		low, _ := bars[i].Low.Float64()
		prevHigh, _ := bars[i-1].High.Float64()
		prevLow, _ := bars[i-1].Low.Float64()

		up := high - prevHigh
		down := prevLow - low
		if up > down && up > 0 {
			plusDM[i] = up
		}
		if down > up && down > 0 {
			minusDM[i] = down
		}
	}

	atr := SMA(TrueRange(bars), period)
	plusAvg := SMA(plusDM, period)
	minusAvg := SMA(minusDM, period)

	dx := nanSlice(len(bars))
	for i := range bars {
		if math.IsNaN(atr[i]) || atr[i] == 0 {
			continue
		}
		plusDI := 100 * plusAvg[i] / atr[i]
		minusDI := 100 * minusAvg[i] / atr[i]
		if sum := plusDI + minusDI; sum != 0 {
			dx[i] = 100 * math.Abs(plusDI-minusDI) / sum
		}
	}
	return nanAwareSMA(dx, period)
}

// BollingerResult carries the band series and the normalized width.
type BollingerResult struct {
	Middle []float64
	Upper  []float64
	Lower  []float64
	Width  []float64 // (upper-lower)/middle
}

// Bollinger computes Bollinger bands over the close series.
func Bollinger(values []float64, period int, stdDev float64) BollingerResult {
	middle := SMA(values, period)
	std := RollingStd(values, period)

	res := BollingerResult{
		Middle: middle,
		Upper:  nanSlice(len(values)),
		Lower:  nanSlice(len(values)),
		Width:  nanSlice(len(values)),
	}
	for i := range values {
		if math.IsNaN(middle[i]) || math.IsNaN(std[i]) {
			continue
		}
		res.Upper[i] = middle[i] + std[i]*stdDev
		res.Lower[i] = middle[i] - std[i]*stdDev
		if middle[i] != 0 {
			res.Width[i] = (res.Upper[i] - res.Lower[i]) / middle[i]
		}
	}
	return res
}

// nanAwareSMA averages only the non-NaN values inside each window and
// yields NaN until a full window of valid values exists.
func nanAwareSMA(values []float64, period int) []float64 {
	out := nanSlice(len(values))
	if period <= 0 {
		return out
	}
	for i := period - 1; i < len(values); i++ {
		sum, n := 0.0, 0
		for j := i - period + 1; j <= i; j++ {
			if math.IsNaN(values[j]) {
				continue
			}
			sum += values[j]
			n++
		}
		if n == period {
			out[i] = sum / float64(n)
		}
	}
	return out
}

func nanSlice(n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = math.NaN()
	}
	return out
}
