package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/meridianfx/trading-engine/internal/backtester"
	"github.com/meridianfx/trading-engine/internal/gateway"
	"github.com/meridianfx/trading-engine/internal/journal"
	"github.com/meridianfx/trading-engine/internal/strategy"
	"github.com/meridianfx/trading-engine/pkg/types"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newBacktestCmd() *cobra.Command {
	var (
		symbol     string
		stratName  string
		startStr   string
		endStr     string
		capital    string
		riskFrac   string
		jsonOutput bool
		noJournal  bool
	)

	cmd := &cobra.Command{
		Use:   "backtest",
		Short: "Run one strategy over stored history",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig()
			if err != nil {
				return err
			}
			defer logger.Sync()

			btCfg := cfg.Backtest
			btCfg.ID = backtester.NewRunID()
			if stratName != "" {
				btCfg.Strategy = stratName
			}
			if capital != "" {
				btCfg.InitialCapital, err = decimal.NewFromString(capital)
				if err != nil {
					return fmt.Errorf("bad capital: %w", err)
				}
			}
			if riskFrac != "" {
				btCfg.RiskFraction, err = decimal.NewFromString(riskFrac)
				if err != nil {
					return fmt.Errorf("bad risk fraction: %w", err)
				}
			}
			if symbol == "" {
				symbol = cfg.Instrument.Symbol
			}

			bars, err := loadHistory(logger, cfg.DataDir, symbol, startStr, endStr)
			if err != nil {
				return err
			}

			registry := strategy.NewRegistry(logger)
			strat, ok := registry.Create(btCfg.Strategy)
			if !ok {
				return fmt.Errorf("unknown strategy %q (have %v)", btCfg.Strategy, registry.List())
			}

			sim := backtester.NewSimulator(logger, btCfg, strat)
			result, err := sim.Run(cmd.Context(), bars)
			if err != nil {
				return err
			}

			if !noJournal {
				if err := journalRun(cmd.Context(), cfg.JournalPath, symbol, result); err != nil {
					logger.Warn("journal write failed", zap.Error(err))
				}
			}

			if jsonOutput {
				return json.NewEncoder(os.Stdout).Encode(result)
			}
			printSummary(result)
			return nil
		},
	}

	cmd.Flags().StringVar(&symbol, "symbol", "", "instrument symbol (default from config)")
	cmd.Flags().StringVar(&stratName, "strategy", "", "strategy name (default from config)")
	cmd.Flags().StringVar(&startStr, "start", "", "range start (RFC3339)")
	cmd.Flags().StringVar(&endStr, "end", "", "range end (RFC3339)")
	cmd.Flags().StringVar(&capital, "capital", "", "initial capital")
	cmd.Flags().StringVar(&riskFrac, "risk", "", "risk fraction per trade")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "emit the full result as JSON")
	cmd.Flags().BoolVar(&noJournal, "no-journal", false, "skip journaling the run")
	return cmd
}

func loadHistory(logger *zap.Logger, dataDir, symbol, startStr, endStr string) ([]types.Bar, error) {
	store, err := gateway.NewStore(logger, dataDir)
	if err != nil {
		return nil, err
	}
	if startStr == "" && endStr == "" {
		return store.Bars(symbol)
	}

	var start, end time.Time
	if startStr != "" {
		if start, err = time.Parse(time.RFC3339, startStr); err != nil {
			return nil, fmt.Errorf("bad start: %w", err)
		}
	}
	end = time.Now().UTC()
	if endStr != "" {
		if end, err = time.Parse(time.RFC3339, endStr); err != nil {
			return nil, fmt.Errorf("bad end: %w", err)
		}
	}
	return store.Range(symbol, start, end)
}

func journalRun(ctx context.Context, path, symbol string, result *backtester.Result) error {
	db, err := journal.NewSQLite(path)
	if err != nil {
		return err
	}
	defer db.Close()

	rec := journal.RunRecord{
		RunID:          result.ID,
		Kind:           "backtest",
		Strategy:       result.Strategy,
		Symbol:         symbol,
		InitialCapital: result.Config.InitialCapital,
		FinalCapital:   result.Account.Capital,
		TotalTrades:    result.Metrics.TotalTrades,
		WinRate:        result.Metrics.WinRate,
		ProfitFactor:   result.Metrics.ProfitFactor,
		MaxDrawdown:    result.Metrics.MaxDrawdown,
		StartedAt:      result.StartedAt,
		FinishedAt:     result.FinishedAt,
	}
	if err := db.RecordRun(ctx, rec); err != nil {
		return err
	}
	for _, trade := range result.Trades {
		if err := db.RecordTrade(ctx, result.ID, trade); err != nil {
			return err
		}
	}
	return db.RecordEquity(ctx, result.ID, result.EquityCurve)
}

func printSummary(result *backtester.Result) {
	m := result.Metrics
	fmt.Printf("run        %s (%s)\n", result.ID, result.Strategy)
	fmt.Printf("bars       %d\n", result.Bars)
	fmt.Printf("trades     %d (%d wins / %d losses, %.1f%% win rate)\n",
		m.TotalTrades, m.Wins, m.Losses, m.WinRate*100)
	fmt.Printf("net profit %s (%.2f%% return)\n", m.NetProfit.StringFixed(2), m.TotalReturn*100)
	fmt.Printf("profit fac %.2f\n", m.ProfitFactor)
	fmt.Printf("drawdown   %.2f%%\n", m.MaxDrawdown*100)
	fmt.Printf("sharpe     %.2f\n", m.SharpeRatio)
	fmt.Printf("expectancy %s per trade\n", m.Expectancy.StringFixed(2))
	fmt.Printf("final      %s (state %s)\n", result.Account.Capital.StringFixed(2), result.Account.State)
	if len(m.ExitBreakdown) > 0 {
		fmt.Println("exits:")
		for reason, n := range m.ExitBreakdown {
			fmt.Printf("  %-16s %d\n", reason, n)
		}
	}
}
