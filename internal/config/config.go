// Package config loads engine configuration from YAML and TRADER_*
// environment variables via viper.
package config

import (
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/meridianfx/trading-engine/pkg/types"
	"github.com/mitchellh/mapstructure"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

// Config is the full engine configuration tree.
type Config struct {
	LogLevel    string                  `mapstructure:"log_level"`
	DataDir     string                  `mapstructure:"data_dir"`
	JournalPath string                  `mapstructure:"journal_path"`
	Server      types.ServerConfig      `mapstructure:"server"`
	Instrument  types.InstrumentSpec    `mapstructure:"instrument"`
	Risk        types.RiskLimits        `mapstructure:"risk"`
	Breaker     types.BreakerConfig     `mapstructure:"breaker"`
	Regime      types.RegimeThresholds  `mapstructure:"regime"`
	Backtest    types.BacktestConfig    `mapstructure:"backtest"`
	WalkForward types.WalkForwardConfig `mapstructure:"walk_forward"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		LogLevel:    "info",
		DataDir:     "data",
		JournalPath: "trader.db",
		Server: types.ServerConfig{
			Host:          "127.0.0.1",
			Port:          8090,
			ReadTimeout:   15 * time.Second,
			WriteTimeout:  30 * time.Second,
			EnableMetrics: true,
		},
		Instrument:  types.DefaultInstrumentSpec(),
		Risk:        types.DefaultRiskLimits(),
		Breaker:     types.DefaultBreakerConfig(),
		Regime:      types.DefaultRegimeThresholds(),
		Backtest:    types.DefaultBacktestConfig(),
		WalkForward: types.DefaultWalkForwardConfig(),
	}
}

// Load reads the config file at path (optional, "" skips the file),
// then applies TRADER_* environment overrides on top of the defaults.
// TRADER_SERVER_PORT=9000 overrides server.port, and so on.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	cfg := Default()
	setDefaults(v, cfg)

	v.SetEnvPrefix("TRADER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	if err := v.Unmarshal(&cfg, viper.DecodeHook(decodeHooks())); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}

	// The simulator carries its own copies of the limits and contract.
	cfg.Backtest.RiskLimits = cfg.Risk
	cfg.Backtest.Instrument = cfg.Instrument

	if err := validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// setDefaults registers every key with viper. AutomaticEnv only sees
// keys viper already knows about, so each one is listed here.
func setDefaults(v *viper.Viper, cfg Config) {
	v.SetDefault("log_level", cfg.LogLevel)
	v.SetDefault("data_dir", cfg.DataDir)
	v.SetDefault("journal_path", cfg.JournalPath)

	v.SetDefault("server.host", cfg.Server.Host)
	v.SetDefault("server.port", cfg.Server.Port)
	v.SetDefault("server.read_timeout", cfg.Server.ReadTimeout.String())
	v.SetDefault("server.write_timeout", cfg.Server.WriteTimeout.String())
	v.SetDefault("server.enable_metrics", cfg.Server.EnableMetrics)

	v.SetDefault("instrument.symbol", cfg.Instrument.Symbol)
	v.SetDefault("instrument.pip_size", cfg.Instrument.PipSize.String())
	v.SetDefault("instrument.lot_step", cfg.Instrument.LotStep.String())
	v.SetDefault("instrument.unit_value", cfg.Instrument.UnitValue.String())

	v.SetDefault("risk.max_risk_per_trade", cfg.Risk.MaxRiskPerTrade.String())
	v.SetDefault("risk.max_daily_loss", cfg.Risk.MaxDailyLoss.String())
	v.SetDefault("risk.max_total_exposure", cfg.Risk.MaxTotalExposure.String())
	v.SetDefault("risk.max_concurrent_trades", cfg.Risk.MaxConcurrentTrades)
	v.SetDefault("risk.max_daily_trades", cfg.Risk.MaxDailyTrades)
	v.SetDefault("risk.max_consecutive_losses", cfg.Risk.MaxConsecutiveLosses)
	v.SetDefault("risk.halt_on_drawdown", cfg.Risk.HaltOnDrawdown.String())
	v.SetDefault("risk.max_drawdown", cfg.Risk.MaxDrawdown.String())

	v.SetDefault("breaker.volatility_spike_mult", cfg.Breaker.VolatilitySpikeMult)
	v.SetDefault("breaker.volatility_window", cfg.Breaker.VolatilityWindow)
	v.SetDefault("breaker.max_consecutive_errors", cfg.Breaker.MaxConsecutiveErrors)
	v.SetDefault("breaker.lifetime_error_ceiling", cfg.Breaker.LifetimeErrorCeiling)
	v.SetDefault("breaker.stale_data_timeout", cfg.Breaker.StaleDataTimeout.String())
	v.SetDefault("breaker.max_price_gap", cfg.Breaker.MaxPriceGap)
	v.SetDefault("breaker.max_spread_pips", cfg.Breaker.MaxSpreadPips)
	v.SetDefault("breaker.trading_start_hour", cfg.Breaker.TradingStartHour)
	v.SetDefault("breaker.trading_end_hour", cfg.Breaker.TradingEndHour)
	v.SetDefault("breaker.avoid_weekends", cfg.Breaker.AvoidWeekends)

	v.SetDefault("regime.lookback", cfg.Regime.Lookback)
	v.SetDefault("regime.adx_strong_trend", cfg.Regime.ADXStrongTrend)
	v.SetDefault("regime.adx_weak_trend", cfg.Regime.ADXWeakTrend)
	v.SetDefault("regime.atr_high_vol_mult", cfg.Regime.ATRHighVolMult)
	v.SetDefault("regime.atr_low_vol_mult", cfg.Regime.ATRLowVolMult)
	v.SetDefault("regime.bb_width_breakout", cfg.Regime.BBWidthBreakout)
	v.SetDefault("regime.bb_width_low_vol", cfg.Regime.BBWidthLowVol)
	v.SetDefault("regime.ema_fast", cfg.Regime.EMAFast)
	v.SetDefault("regime.ema_medium", cfg.Regime.EMAMedium)
	v.SetDefault("regime.ema_slow", cfg.Regime.EMASlow)
	v.SetDefault("regime.atr_period", cfg.Regime.ATRPeriod)
	v.SetDefault("regime.atr_avg_window", cfg.Regime.ATRAvgWindow)
	v.SetDefault("regime.adx_period", cfg.Regime.ADXPeriod)
	v.SetDefault("regime.bb_period", cfg.Regime.BBPeriod)
	v.SetDefault("regime.bb_std_dev", cfg.Regime.BBStdDev)
	v.SetDefault("regime.bb_width_avg_window", cfg.Regime.BBWidthAvgWindow)

	v.SetDefault("backtest.strategy", cfg.Backtest.Strategy)
	v.SetDefault("backtest.initial_capital", cfg.Backtest.InitialCapital.String())
	v.SetDefault("backtest.commission_pips", cfg.Backtest.CommissionPips.String())
	v.SetDefault("backtest.risk_fraction", cfg.Backtest.RiskFraction.String())
	v.SetDefault("backtest.warmup_bars", cfg.Backtest.WarmupBars)
	v.SetDefault("backtest.max_hold_bars", cfg.Backtest.MaxHoldBars)

	v.SetDefault("walk_forward.train_months", cfg.WalkForward.TrainMonths)
	v.SetDefault("walk_forward.test_months", cfg.WalkForward.TestMonths)
	v.SetDefault("walk_forward.parallel", cfg.WalkForward.Parallel)
	v.SetDefault("walk_forward.max_workers", cfg.WalkForward.MaxWorkers)
}

// decodeHooks converts strings and numbers into decimal.Decimal and
// duration strings into time.Duration.
func decodeHooks() mapstructure.DecodeHookFunc {
	return mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
		decimalHook(),
	)
}

func decimalHook() mapstructure.DecodeHookFuncType {
	decimalType := reflect.TypeOf(decimal.Decimal{})
	return func(from, to reflect.Type, data any) (any, error) {
		if to != decimalType || from == decimalType {
			return data, nil
		}
		switch val := data.(type) {
		case string:
			return decimal.NewFromString(val)
		case float64:
			return decimal.NewFromFloat(val), nil
		case int:
			return decimal.NewFromInt(int64(val)), nil
		case int64:
			return decimal.NewFromInt(val), nil
		default:
			return data, nil
		}
	}
}

func validate(cfg Config) error {
	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", cfg.Server.Port)
	}
	if !cfg.Backtest.InitialCapital.IsPositive() {
		return fmt.Errorf("backtest.initial_capital must be positive")
	}
	if cfg.Backtest.RiskFraction.IsNegative() {
		return fmt.Errorf("backtest.risk_fraction must not be negative")
	}
	if cfg.WalkForward.TrainMonths <= 0 || cfg.WalkForward.TestMonths <= 0 {
		return fmt.Errorf("walk_forward months must be positive")
	}
	if !cfg.Instrument.PipSize.IsPositive() || !cfg.Instrument.LotStep.IsPositive() {
		return fmt.Errorf("instrument pip_size and lot_step must be positive")
	}
	return nil
}
