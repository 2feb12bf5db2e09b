package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/meridianfx/trading-engine/internal/api"
	"github.com/meridianfx/trading-engine/internal/gateway"
	"github.com/meridianfx/trading-engine/internal/journal"
	"github.com/meridianfx/trading-engine/internal/orchestrator"
	"github.com/meridianfx/trading-engine/internal/regime"
	"github.com/meridianfx/trading-engine/internal/risk"
	"github.com/meridianfx/trading-engine/internal/strategy"
	"github.com/meridianfx/trading-engine/internal/telemetry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newServeCmd() *cobra.Command {
	var (
		paper      bool
		replayFrom string
		spreadPips float64
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the API server, optionally with the paper trading loop",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig()
			if err != nil {
				return err
			}
			defer logger.Sync()

			logger.Info("starting trading engine",
				zap.String("symbol", cfg.Instrument.Symbol),
				zap.String("data", cfg.DataDir),
				zap.Bool("paper", paper))

			store, err := gateway.NewStore(logger, cfg.DataDir)
			if err != nil {
				return err
			}
			db, err := journal.NewSQLite(cfg.JournalPath)
			if err != nil {
				return err
			}
			defer db.Close()

			metrics := telemetry.New()
			registry := strategy.NewRegistry(logger)
			governor := risk.NewGovernor(logger, cfg.Risk, cfg.Instrument, cfg.Backtest.InitialCapital)
			breaker := risk.NewBreaker(logger, cfg.Breaker, cfg.Instrument)
			classifier := regime.NewClassifier(logger, cfg.Regime)
			selector := regime.NewSelector(logger, registry)

			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()

			var engine *orchestrator.Engine
			if paper {
				replay := gateway.NewReplay(logger, store, cfg.Instrument, spreadPips)
				if replayFrom != "" {
					from, err := time.Parse(time.RFC3339, replayFrom)
					if err != nil {
						return fmt.Errorf("bad replay-from: %w", err)
					}
					replay.SetCursor(from)
				}

				engineCfg := orchestrator.DefaultConfig()
				engineCfg.Symbol = cfg.Instrument.Symbol
				engine = orchestrator.NewEngine(logger, engineCfg, cfg.Instrument,
					replay, governor, breaker, classifier, selector, metrics)
				if err := engine.Start(ctx); err != nil {
					return err
				}
				defer engine.Stop()
			}

			server := api.NewServer(logger, cfg.Server, cfg.Backtest, cfg.WalkForward, api.Deps{
				Store:      store,
				Registry:   registry,
				Governor:   governor,
				Classifier: classifier,
				Engine:     engine,
				Journal:    db,
				Metrics:    metrics,
			})

			errCh := make(chan error, 1)
			go func() { errCh <- server.Start() }()

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

			select {
			case err := <-errCh:
				return err
			case sig := <-sigCh:
				logger.Info("shutting down", zap.String("signal", sig.String()))
			case <-ctx.Done():
			}

			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer shutdownCancel()
			return server.Stop(shutdownCtx)
		},
	}

	cmd.Flags().BoolVar(&paper, "paper", false, "run the replay-driven paper trading loop")
	cmd.Flags().StringVar(&replayFrom, "replay-from", "", "replay cursor start (RFC3339)")
	cmd.Flags().Float64Var(&spreadPips, "spread-pips", 2, "synthetic spread for the replay gateway")
	return cmd
}
