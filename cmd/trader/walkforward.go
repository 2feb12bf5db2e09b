package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/meridianfx/trading-engine/internal/backtester"
	"github.com/meridianfx/trading-engine/internal/strategy"
	"github.com/spf13/cobra"
)

func newWalkForwardCmd() *cobra.Command {
	var (
		symbol     string
		stratName  string
		startStr   string
		endStr     string
		sequential bool
		jsonOutput bool
	)

	cmd := &cobra.Command{
		Use:   "walkforward",
		Short: "Validate a strategy over rolling train/test windows",
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
			if symbol == "" {
				symbol = cfg.Instrument.Symbol
			}
			wfCfg := cfg.WalkForward
			if sequential {
				wfCfg.Parallel = false
			}

			bars, err := loadHistory(logger, cfg.DataDir, symbol, startStr, endStr)
			if err != nil {
				return err
			}

			analyzer := backtester.NewAnalyzer(logger, strategy.NewRegistry(logger))
			result, err := analyzer.Run(cmd.Context(), bars, btCfg, wfCfg)
			if err != nil {
				return err
			}

			if jsonOutput {
				return json.NewEncoder(os.Stdout).Encode(result)
			}

			fmt.Printf("run         %s (%s)\n", result.ID, result.Strategy)
			fmt.Printf("windows     %d\n", len(result.Windows))
			fmt.Printf("mean return %.2f%% (stdev %.2f%%)\n", result.MeanReturn*100, result.StdevReturn*100)
			fmt.Printf("mean winrt  %.1f%%\n", result.MeanWinRate*100)
			fmt.Printf("mean PF     %.2f\n", result.MeanPF)
			fmt.Printf("consistency %.0f%% of windows profitable\n", result.Consistency*100)
			fmt.Printf("trades      %d\n", result.TotalTrades)
			for i, win := range result.Windows {
				if win.Err != "" {
					fmt.Printf("  window %2d  %s -> %s  ERROR %s\n",
						i+1, win.Window.TestStart.Format("2006-01-02"), win.Window.TestEnd.Format("2006-01-02"), win.Err)
					continue
				}
				fmt.Printf("  window %2d  %s -> %s  %3d trades  %+.2f%%\n",
					i+1,
					win.Window.TestStart.Format("2006-01-02"),
					win.Window.TestEnd.Format("2006-01-02"),
					win.Trades,
					win.Metrics.TotalReturn*100)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&symbol, "symbol", "", "instrument symbol (default from config)")
	cmd.Flags().StringVar(&stratName, "strategy", "", "strategy name (default from config)")
	cmd.Flags().StringVar(&startStr, "start", "", "range start (RFC3339)")
	cmd.Flags().StringVar(&endStr, "end", "", "range end (RFC3339)")
	cmd.Flags().BoolVar(&sequential, "sequential", false, "simulate windows one at a time")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "emit the full result as JSON")
	return cmd
}
