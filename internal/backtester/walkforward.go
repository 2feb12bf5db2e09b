package backtester

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/meridianfx/trading-engine/internal/strategy"
	"github.com/meridianfx/trading-engine/internal/workers"
	"github.com/meridianfx/trading-engine/pkg/types"
	"go.uber.org/zap"
)

// A walk-forward month is a fixed 30 days, matching the partitioning
// the system was validated with.
const monthDuration = 30 * 24 * time.Hour

// WindowResult is one test-window outcome.
type WindowResult struct {
	Window  types.WalkForwardWindow `json:"window"`
	Trades  int                     `json:"trades"`
	Metrics Metrics                 `json:"metrics"`
	Err     string                  `json:"error,omitempty"`
}

// WalkForwardResult aggregates all test windows. Each statistic is
// reported per window and summarized as mean and standard deviation;
// window trades are never pooled into one series.
type WalkForwardResult struct {
	ID          string         `json:"id"`
	Strategy    string         `json:"strategy"`
	Windows     []WindowResult `json:"windows"`
	MeanReturn  float64        `json:"meanReturn"`
	StdevReturn float64        `json:"stdevReturn"`
	MeanWinRate float64        `json:"meanWinRate"`
	MeanPF      float64        `json:"meanProfitFactor"` // Inf windows excluded
	Consistency float64        `json:"consistency"`      // fraction of profitable windows
	TotalTrades int            `json:"totalTrades"`
	StartedAt   time.Time      `json:"startedAt"`
	FinishedAt  time.Time      `json:"finishedAt"`
}

// Analyzer runs walk-forward validation: the bar range is cut into
// rolling train/test partitions and each test window is simulated in
// isolation with fresh strategy and ledger state.
type Analyzer struct {
	logger   *zap.Logger
	registry *strategy.Registry
}

// NewAnalyzer creates a walk-forward analyzer.
func NewAnalyzer(logger *zap.Logger, registry *strategy.Registry) *Analyzer {
	return &Analyzer{logger: logger.Named("walkforward"), registry: registry}
}

// BuildWindows partitions [start, end) into rolling windows. Test
// periods are contiguous and non-overlapping: each window's test
// start is the previous window's test end. A window is emitted only
// when its full test period fits before end.
func BuildWindows(start, end time.Time, cfg types.WalkForwardConfig) []types.WalkForwardWindow {
	train := time.Duration(cfg.TrainMonths) * monthDuration
	test := time.Duration(cfg.TestMonths) * monthDuration
	if train <= 0 || test <= 0 {
		return nil
	}

	var windows []types.WalkForwardWindow
	for testStart := start.Add(train); !testStart.Add(test).After(end); testStart = testStart.Add(test) {
		windows = append(windows, types.WalkForwardWindow{
			TrainStart: testStart.Add(-train),
			TrainEnd:   testStart,
			TestStart:  testStart,
			TestEnd:    testStart.Add(test),
		})
	}
	return windows
}

// Run validates the configured strategy across all windows. With
// cfg.Parallel set the windows simulate concurrently on a bounded
// pool; results land in window order either way.
func (a *Analyzer) Run(ctx context.Context, bars []types.Bar, btCfg types.BacktestConfig, wfCfg types.WalkForwardConfig) (*WalkForwardResult, error) {
	if len(bars) == 0 {
		return nil, fmt.Errorf("no bars for walk-forward")
	}

	start := bars[0].Timestamp
	end := bars[len(bars)-1].Timestamp.Add(time.Nanosecond)
	windows := BuildWindows(start, end, wfCfg)
	if len(windows) == 0 {
		return nil, fmt.Errorf("bar range %s to %s is too short for %d+%d month windows",
			start.Format(time.DateOnly), end.Format(time.DateOnly),
			wfCfg.TrainMonths, wfCfg.TestMonths)
	}

	result := &WalkForwardResult{
		ID:        NewRunID(),
		Strategy:  btCfg.Strategy,
		Windows:   make([]WindowResult, len(windows)),
		StartedAt: time.Now().UTC(),
	}
	a.logger.Info("walk-forward starting",
		zap.String("run", result.ID),
		zap.String("strategy", btCfg.Strategy),
		zap.Int("windows", len(windows)),
		zap.Bool("parallel", wfCfg.Parallel))

	runWindow := func(idx int) {
		result.Windows[idx] = a.simulateWindow(ctx, bars, btCfg, windows[idx])
	}

	if wfCfg.Parallel && len(windows) > 1 {
		pool := workers.NewPool(a.logger, wfCfg.MaxWorkers, len(windows))
		var mu sync.Mutex
		for i := range windows {
			i := i
			pool.Submit(workers.TaskFunc(func(context.Context) error {
				out := a.simulateWindow(ctx, bars, btCfg, windows[i])
				mu.Lock()
				result.Windows[i] = out
				mu.Unlock()
				return nil
			}))
		}
		if err := pool.Close(); err != nil {
			return nil, err
		}
	} else {
		for i := range windows {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			default:
			}
			runWindow(i)
		}
	}

	a.aggregate(result)
	result.FinishedAt = time.Now().UTC()
	a.logger.Info("walk-forward finished",
		zap.String("run", result.ID),
		zap.Float64("meanReturn", result.MeanReturn),
		zap.Float64("consistency", result.Consistency))
	return result, nil
}

// simulateWindow runs the test period in isolation: a fresh strategy
// instance and a fresh governor ledger, seeing only the window's bars.
func (a *Analyzer) simulateWindow(ctx context.Context, bars []types.Bar, btCfg types.BacktestConfig, w types.WalkForwardWindow) WindowResult {
	out := WindowResult{Window: w}

	lo := sort.Search(len(bars), func(i int) bool {
		return !bars[i].Timestamp.Before(w.TestStart)
	})
	hi := sort.Search(len(bars), func(i int) bool {
		return !bars[i].Timestamp.Before(w.TestEnd)
	})
	slice := bars[lo:hi]
	if len(slice) <= btCfg.WarmupBars {
		out.Err = fmt.Sprintf("window %s has %d bars, need more than the %d warmup",
			w.TestStart.Format(time.DateOnly), len(slice), btCfg.WarmupBars)
		return out
	}

	strat, ok := a.registry.Create(btCfg.Strategy)
	if !ok {
		out.Err = fmt.Sprintf("unknown strategy %q", btCfg.Strategy)
		return out
	}

	cfg := btCfg
	cfg.ID = "" // each window gets its own run id
	cfg.Start = w.TestStart
	cfg.End = w.TestEnd

	res, err := NewSimulator(a.logger, cfg, strat).Run(ctx, slice)
	if err != nil {
		out.Err = err.Error()
		return out
	}
	out.Trades = res.Metrics.TotalTrades
	out.Metrics = res.Metrics
	return out
}

func (a *Analyzer) aggregate(r *WalkForwardResult) {
	var returns, winRates, pfs []float64
	var profitable int
	for _, w := range r.Windows {
		if w.Err != "" {
			continue
		}
		returns = append(returns, w.Metrics.TotalReturn)
		winRates = append(winRates, w.Metrics.WinRate)
		if !math.IsInf(w.Metrics.ProfitFactor, 1) {
			pfs = append(pfs, w.Metrics.ProfitFactor)
		}
		if w.Metrics.NetProfit.IsPositive() {
			profitable++
		}
		r.TotalTrades += w.Trades
	}

	r.MeanReturn, r.StdevReturn = meanStdev(returns)
	r.MeanWinRate, _ = meanStdev(winRates)
	r.MeanPF, _ = meanStdev(pfs)
	if len(returns) > 0 {
		r.Consistency = float64(profitable) / float64(len(returns))
	}
}

func meanStdev(vals []float64) (mean, stdev float64) {
	if len(vals) == 0 {
		return 0, 0
	}
	for _, v := range vals {
		mean += v
	}
	mean /= float64(len(vals))
	var variance float64
	for _, v := range vals {
		variance += (v - mean) * (v - mean)
	}
	variance /= float64(len(vals))
	return mean, math.Sqrt(variance)
}
