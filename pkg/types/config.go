// Package types provides configuration types for the trading engine.
package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// RiskLimits is the flat set of risk fractions and counts applied per
// run. Fractions are decimals in [0,1]; counts are non-negative.
// Immutable once a run starts.
type RiskLimits struct {
	MaxRiskPerTrade      decimal.Decimal `json:"maxRiskPerTrade" mapstructure:"max_risk_per_trade"`
	MaxDailyLoss         decimal.Decimal `json:"maxDailyLoss" mapstructure:"max_daily_loss"`
	MaxTotalExposure     decimal.Decimal `json:"maxTotalExposure" mapstructure:"max_total_exposure"`
	MaxConcurrentTrades  int             `json:"maxConcurrentTrades" mapstructure:"max_concurrent_trades"`
	MaxDailyTrades       int             `json:"maxDailyTrades" mapstructure:"max_daily_trades"`
	MaxConsecutiveLosses int             `json:"maxConsecutiveLosses" mapstructure:"max_consecutive_losses"`
	MaxDrawdown          decimal.Decimal `json:"maxDrawdown" mapstructure:"max_drawdown"`
	HaltOnDrawdown       decimal.Decimal `json:"haltOnDrawdown" mapstructure:"halt_on_drawdown"`
}

// DefaultRiskLimits returns the limits the original deployment ran with.
func DefaultRiskLimits() RiskLimits {
	return RiskLimits{
		MaxRiskPerTrade:      decimal.NewFromFloat(0.01),
		MaxDailyLoss:         decimal.NewFromFloat(0.03),
		MaxTotalExposure:     decimal.NewFromFloat(0.05),
		MaxConcurrentTrades:  3,
		MaxDailyTrades:       10,
		MaxConsecutiveLosses: 5,
		MaxDrawdown:          decimal.NewFromFloat(0.12),
		HaltOnDrawdown:       decimal.NewFromFloat(0.15),
	}
}

// BreakerConfig configures the emergency-stop monitor.
type BreakerConfig struct {
	VolatilitySpikeMult  float64       `json:"volatilitySpikeMult" mapstructure:"volatility_spike_mult"` // current ATR vs rolling avg
	VolatilityWindow     int           `json:"volatilityWindow" mapstructure:"volatility_window"`
	MaxConsecutiveErrors int           `json:"maxConsecutiveErrors" mapstructure:"max_consecutive_errors"`
	LifetimeErrorCeiling int           `json:"lifetimeErrorCeiling" mapstructure:"lifetime_error_ceiling"`
	StaleDataTimeout     time.Duration `json:"staleDataTimeout" mapstructure:"stale_data_timeout"`
	MaxPriceGap          float64       `json:"maxPriceGap" mapstructure:"max_price_gap"` // fraction, single bar
	MaxSpreadPips        float64       `json:"maxSpreadPips" mapstructure:"max_spread_pips"`
	TradingStartHour     int           `json:"tradingStartHour" mapstructure:"trading_start_hour"` // UTC
	TradingEndHour       int           `json:"tradingEndHour" mapstructure:"trading_end_hour"`     // UTC
	AvoidWeekends        bool          `json:"avoidWeekends" mapstructure:"avoid_weekends"`
	NewsBlackouts        []NewsWindow  `json:"newsBlackouts" mapstructure:"news_blackouts"`
}

// NewsWindow is a recurring high-impact news blackout. Weekday/hours
// are UTC; MaxMonthDay limits the window to the first release of the
// month (0 disables the day-of-month constraint).
type NewsWindow struct {
	Weekday     time.Weekday `json:"weekday" mapstructure:"weekday"`
	StartHour   int          `json:"startHour" mapstructure:"start_hour"`
	EndHour     int          `json:"endHour" mapstructure:"end_hour"`
	MaxMonthDay int          `json:"maxMonthDay" mapstructure:"max_month_day"`
	Label       string       `json:"label" mapstructure:"label"`
}

// DefaultBreakerConfig mirrors the original monitor's thresholds.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		VolatilitySpikeMult:  2.0,
		VolatilityWindow:     50,
		MaxConsecutiveErrors: 3,
		LifetimeErrorCeiling: 50,
		StaleDataTimeout:     5 * time.Minute,
		MaxPriceGap:          0.02,
		MaxSpreadPips:        10,
		TradingStartHour:     8,
		TradingEndHour:       20,
		AvoidWeekends:        true,
		NewsBlackouts: []NewsWindow{
			// First Friday of the month, employment data window.
			{Weekday: time.Friday, StartHour: 8, EndHour: 10, MaxMonthDay: 7, Label: "employment_report"},
		},
	}
}

// RegimeThresholds configures the regime classifier.
type RegimeThresholds struct {
	Lookback          int     `json:"lookback" mapstructure:"lookback"`
	ADXStrongTrend    float64 `json:"adxStrongTrend" mapstructure:"adx_strong_trend"`
	ADXWeakTrend      float64 `json:"adxWeakTrend" mapstructure:"adx_weak_trend"`
	ATRHighVolMult    float64 `json:"atrHighVolMult" mapstructure:"atr_high_vol_mult"`
	ATRLowVolMult     float64 `json:"atrLowVolMult" mapstructure:"atr_low_vol_mult"`
	BBWidthBreakout   float64 `json:"bbWidthBreakout" mapstructure:"bb_width_breakout"`
	BBWidthLowVol     float64 `json:"bbWidthLowVol" mapstructure:"bb_width_low_vol"`
	EMAFast           int     `json:"emaFast" mapstructure:"ema_fast"`
	EMAMedium         int     `json:"emaMedium" mapstructure:"ema_medium"`
	EMASlow           int     `json:"emaSlow" mapstructure:"ema_slow"`
	ATRPeriod         int     `json:"atrPeriod" mapstructure:"atr_period"`
	ATRAvgWindow      int     `json:"atrAvgWindow" mapstructure:"atr_avg_window"`
	ADXPeriod         int     `json:"adxPeriod" mapstructure:"adx_period"`
	BBPeriod          int     `json:"bbPeriod" mapstructure:"bb_period"`
	BBStdDev          float64 `json:"bbStdDev" mapstructure:"bb_std_dev"`
	BBWidthAvgWindow  int     `json:"bbWidthAvgWindow" mapstructure:"bb_width_avg_window"`
}

// DefaultRegimeThresholds returns the classifier thresholds from the
// original deployment.
func DefaultRegimeThresholds() RegimeThresholds {
	return RegimeThresholds{
		Lookback:         100,
		ADXStrongTrend:   30,
		ADXWeakTrend:     20,
		ATRHighVolMult:   1.5,
		ATRLowVolMult:    0.8,
		BBWidthBreakout:  0.7,
		BBWidthLowVol:    0.6,
		EMAFast:          20,
		EMAMedium:        50,
		EMASlow:          200,
		ATRPeriod:        14,
		ATRAvgWindow:     20,
		ADXPeriod:        14,
		BBPeriod:         20,
		BBStdDev:         2,
		BBWidthAvgWindow: 50,
	}
}

// InstrumentSpec describes how prices and sizes quantize for one
// instrument.
type InstrumentSpec struct {
	Symbol    string          `json:"symbol" mapstructure:"symbol"`
	PipSize   decimal.Decimal `json:"pipSize" mapstructure:"pip_size"`     // smallest quoted increment
	LotStep   decimal.Decimal `json:"lotStep" mapstructure:"lot_step"`     // minimum tradable size increment, units
	UnitValue decimal.Decimal `json:"unitValue" mapstructure:"unit_value"` // account currency per price unit per unit of size
}

// DefaultInstrumentSpec returns the EUR/CAD contract the system was
// built around.
func DefaultInstrumentSpec() InstrumentSpec {
	return InstrumentSpec{
		Symbol:    "EURCAD",
		PipSize:   decimal.NewFromFloat(0.0001),
		LotStep:   decimal.NewFromInt(1000),
		UnitValue: decimal.NewFromInt(1),
	}
}

// BacktestConfig configures one simulator run.
type BacktestConfig struct {
	ID             string          `json:"id"`
	Strategy       string          `json:"strategy"`
	RiskFraction   decimal.Decimal `json:"riskFraction" mapstructure:"risk_fraction"`
	InitialCapital decimal.Decimal `json:"initialCapital" mapstructure:"initial_capital"`
	CommissionPips decimal.Decimal `json:"commissionPips" mapstructure:"commission_pips"`
	WarmupBars     int             `json:"warmupBars" mapstructure:"warmup_bars"`
	MaxHoldBars    int             `json:"maxHoldBars" mapstructure:"max_hold_bars"` // 0 disables time exits
	Start          time.Time       `json:"start,omitempty"`
	End            time.Time       `json:"end,omitempty"`
	RiskLimits     RiskLimits      `json:"riskLimits" mapstructure:"risk_limits"`
	Instrument     InstrumentSpec  `json:"instrument" mapstructure:"instrument"`
}

// DefaultBacktestConfig returns the simulation defaults.
func DefaultBacktestConfig() BacktestConfig {
	return BacktestConfig{
		Strategy:       "mean_reversion",
		RiskFraction:   decimal.NewFromFloat(0.01),
		InitialCapital: decimal.NewFromInt(10000),
		CommissionPips: decimal.NewFromFloat(0.6),
		WarmupBars:     100,
		MaxHoldBars:    48,
		RiskLimits:     DefaultRiskLimits(),
		Instrument:     DefaultInstrumentSpec(),
	}
}

// WalkForwardConfig configures walk-forward validation.
type WalkForwardConfig struct {
	TrainMonths int  `json:"trainMonths" mapstructure:"train_months"`
	TestMonths  int  `json:"testMonths" mapstructure:"test_months"`
	Parallel    bool `json:"parallel" mapstructure:"parallel"`
	MaxWorkers  int  `json:"maxWorkers" mapstructure:"max_workers"`
}

// DefaultWalkForwardConfig returns the 6-month train / 1-month test
// partitioning the original used.
func DefaultWalkForwardConfig() WalkForwardConfig {
	return WalkForwardConfig{TrainMonths: 6, TestMonths: 1, Parallel: true, MaxWorkers: 4}
}

// WalkForwardWindow is one train/test partition over the bar range.
// Test periods are contiguous and pairwise non-overlapping.
type WalkForwardWindow struct {
	TrainStart time.Time `json:"trainStart"`
	TrainEnd   time.Time `json:"trainEnd"`
	TestStart  time.Time `json:"testStart"`
	TestEnd    time.Time `json:"testEnd"`
}

// ServerConfig configures the HTTP/WebSocket API server.
type ServerConfig struct {
	Host          string        `json:"host" mapstructure:"host"`
	Port          int           `json:"port" mapstructure:"port"`
	ReadTimeout   time.Duration `json:"readTimeout" mapstructure:"read_timeout"`
	WriteTimeout  time.Duration `json:"writeTimeout" mapstructure:"write_timeout"`
	EnableMetrics bool          `json:"enableMetrics" mapstructure:"enable_metrics"`
}
