package risk

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/meridianfx/trading-engine/internal/indicators"
	"github.com/meridianfx/trading-engine/pkg/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Emergency triggers reported by the breaker.
const (
	TriggerVolatilitySpike   = "volatility_spike"
	TriggerStaleData         = "stale_data"
	TriggerPriceGap          = "price_gap"
	TriggerConsecutiveErrors = "consecutive_errors"
	TriggerErrorCeiling      = "error_ceiling"
	TriggerDrawdown          = "drawdown_hard_stop"
)

// Soft blocks: the cycle skips but nothing halts.
const (
	BlockSpread       = "spread_too_wide"
	BlockOutsideHours = "outside_trading_hours"
	BlockWeekend      = "weekend"
	BlockNewsWindow   = "news_blackout"
)

// CheckResult is one breaker evaluation. Emergency carries the first
// tripped trigger; Block carries the first soft condition keeping the
// cycle out of the market.
type CheckResult struct {
	Emergency string `json:"emergency,omitempty"`
	Block     string `json:"block,omitempty"`
	Detail    string `json:"detail,omitempty"`
}

// Clear reports whether trading may proceed this cycle.
func (r CheckResult) Clear() bool { return r.Emergency == "" && r.Block == "" }

// Breaker watches data quality, volatility and session conditions. It
// only ever reports; halting is the governor's call.
type Breaker struct {
	logger     *zap.Logger
	config     types.BreakerConfig
	instrument types.InstrumentSpec

	mu                sync.Mutex
	consecutiveErrors int
	lifetimeErrors    int
	lastTrigger       string
	lastTriggeredAt   time.Time
}

// NewBreaker creates a breaker with the given thresholds.
func NewBreaker(logger *zap.Logger, config types.BreakerConfig, instrument types.InstrumentSpec) *Breaker {
	return &Breaker{logger: logger.Named("breaker"), config: config, instrument: instrument}
}

// RecordError counts a cycle failure. It returns a tripped trigger
// when the streak or the lifetime ceiling is breached, or "". The
// lifetime count only resets on a clean cycle after a trip, via
// RecordSuccess.
func (b *Breaker) RecordError(err error) string {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.consecutiveErrors++
	b.lifetimeErrors++
	b.logger.Error("cycle error",
		zap.Error(err),
		zap.Int("consecutive", b.consecutiveErrors),
		zap.Int("lifetime", b.lifetimeErrors))

	if b.config.MaxConsecutiveErrors > 0 && b.consecutiveErrors >= b.config.MaxConsecutiveErrors {
		return b.tripLocked(TriggerConsecutiveErrors)
	}
	if b.config.LifetimeErrorCeiling > 0 && b.lifetimeErrors >= b.config.LifetimeErrorCeiling {
		return b.tripLocked(TriggerErrorCeiling)
	}
	return ""
}

// RecordSuccess ends the error streak. A clean cycle with the
// lifetime count at the ceiling also wipes the lifetime count.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.consecutiveErrors = 0
	if b.config.LifetimeErrorCeiling > 0 && b.lifetimeErrors >= b.config.LifetimeErrorCeiling {
		b.lifetimeErrors = 0
	}
}

func (b *Breaker) tripLocked(trigger string) string {
	b.lastTrigger = trigger
	b.lastTriggeredAt = time.Now().UTC()
	b.logger.Warn("breaker tripped", zap.String("trigger", trigger))
	return trigger
}

// Check evaluates the market-facing triggers against the latest bars
// and quote at the given instant. Emergencies are checked before the
// session blocks so a spike is reported even outside hours.
func (b *Breaker) Check(bars []types.Bar, quote *types.Quote, now time.Time) CheckResult {
	if r := b.checkEmergency(bars, now); r.Emergency != "" {
		return r
	}
	return b.checkSession(quote, now)
}

func (b *Breaker) checkEmergency(bars []types.Bar, now time.Time) CheckResult {
	c := b.config

	if len(bars) == 0 {
		return CheckResult{Emergency: TriggerStaleData, Detail: "no bars"}
	}
	last := bars[len(bars)-1]

	if c.StaleDataTimeout > 0 {
		if age := now.Sub(last.Timestamp); age > c.StaleDataTimeout {
			return CheckResult{
				Emergency: TriggerStaleData,
				Detail:    fmt.Sprintf("last bar %s old", age.Round(time.Second)),
			}
		}
	}

	if c.MaxPriceGap > 0 && len(bars) >= 2 {
		prev := bars[len(bars)-2]
		prevClose, _ := prev.Close.Float64()
		open, _ := last.Open.Float64()
		if prevClose > 0 {
			gap := open/prevClose - 1
			if gap < 0 {
				gap = -gap
			}
			if gap > c.MaxPriceGap {
				return CheckResult{
					Emergency: TriggerPriceGap,
					Detail:    fmt.Sprintf("%.2f%% gap", gap*100),
				}
			}
		}
	}

	if c.VolatilitySpikeMult > 0 && c.VolatilityWindow > 0 && len(bars) > c.VolatilityWindow {
		atr := indicators.ATR(bars, 14)
		avg := indicators.SMA(atr, c.VolatilityWindow)
		i := len(bars) - 1
		if !math.IsNaN(atr[i]) && !math.IsNaN(avg[i]) && avg[i] > 0 && atr[i] > avg[i]*c.VolatilitySpikeMult {
			return CheckResult{
				Emergency: TriggerVolatilitySpike,
				Detail:    fmt.Sprintf("ATR %.6f vs avg %.6f", atr[i], avg[i]),
			}
		}
	}

	return CheckResult{}
}

func (b *Breaker) checkSession(quote *types.Quote, now time.Time) CheckResult {
	c := b.config
	now = now.UTC()

	if c.AvoidWeekends && (now.Weekday() == time.Saturday || now.Weekday() == time.Sunday) {
		return CheckResult{Block: BlockWeekend}
	}
	if c.TradingEndHour > c.TradingStartHour {
		if h := now.Hour(); h < c.TradingStartHour || h >= c.TradingEndHour {
			return CheckResult{Block: BlockOutsideHours, Detail: fmt.Sprintf("hour %d UTC", h)}
		}
	}
	for _, w := range c.NewsBlackouts {
		if inNewsWindow(w, now) {
			return CheckResult{Block: BlockNewsWindow, Detail: w.Label}
		}
	}
	if quote != nil && c.MaxSpreadPips > 0 {
		spreadPips := quote.Ask.Sub(quote.Bid).Div(b.instrument.PipSize)
		if spreadPips.GreaterThan(decimal.NewFromFloat(c.MaxSpreadPips)) {
			return CheckResult{Block: BlockSpread, Detail: spreadPips.StringFixed(1) + " pips"}
		}
	}
	return CheckResult{}
}

func inNewsWindow(w types.NewsWindow, now time.Time) bool {
	if now.Weekday() != w.Weekday {
		return false
	}
	if w.MaxMonthDay > 0 && now.Day() > w.MaxMonthDay {
		return false
	}
	h := now.Hour()
	return h >= w.StartHour && h < w.EndHour
}

// ErrorCounts returns the consecutive and lifetime error counts.
func (b *Breaker) ErrorCounts() (consecutive, lifetime int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.consecutiveErrors, b.lifetimeErrors
}

// LastTrigger returns the most recent trip, if any.
func (b *Breaker) LastTrigger() (string, time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastTrigger, b.lastTriggeredAt
}
