package journal

import (
	"context"
	"database/sql"
	"math"
	"path/filepath"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/meridianfx/trading-engine/pkg/types"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestJournal(t *testing.T) (*SQLite, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "journal.db")
	j, err := NewSQLite(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = j.Close() })
	return j, path
}

func TestSchemaCreated(t *testing.T) {
	t.Parallel()

	j, path := newTestJournal(t)
	require.NoError(t, j.Close())

	db, err := sql.Open("sqlite3", path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	rows, err := db.Query(`SELECT name FROM sqlite_master WHERE type='table' AND name IN ('runs','trades','equity')`)
	require.NoError(t, err)
	defer rows.Close()

	found := map[string]bool{}
	for rows.Next() {
		var name string
		require.NoError(t, rows.Scan(&name))
		found[name] = true
	}
	require.NoError(t, rows.Err())
	assert.True(t, found["runs"])
	assert.True(t, found["trades"])
	assert.True(t, found["equity"])
}

func TestRunRoundTrip(t *testing.T) {
	t.Parallel()

	j, _ := newTestJournal(t)
	ctx := context.Background()

	rec := RunRecord{
		RunID:          "01HV3ZJ4QWERTY",
		Kind:           "backtest",
		Strategy:       "mean_reversion",
		Symbol:         "EURCAD",
		InitialCapital: decimal.NewFromInt(10000),
		FinalCapital:   decimal.NewFromFloat(10234.56),
		TotalTrades:    42,
		WinRate:        0.55,
		ProfitFactor:   1.8,
		MaxDrawdown:    0.06,
		StartedAt:      time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC),
		FinishedAt:     time.Date(2024, 3, 1, 10, 0, 7, 0, time.UTC),
	}
	require.NoError(t, j.RecordRun(ctx, rec))

	got, err := j.GetRun(ctx, rec.RunID)
	require.NoError(t, err)
	assert.Equal(t, rec.Strategy, got.Strategy)
	assert.True(t, got.FinalCapital.Equal(rec.FinalCapital), "decimal capital must survive exactly")
	assert.Equal(t, rec.TotalTrades, got.TotalTrades)
	assert.InDelta(t, rec.ProfitFactor, got.ProfitFactor, 1e-12)
}

func TestInfiniteProfitFactorRoundTrip(t *testing.T) {
	t.Parallel()

	j, _ := newTestJournal(t)
	ctx := context.Background()

	rec := RunRecord{
		RunID:          "RUN-INF",
		Kind:           "backtest",
		Strategy:       "grid",
		Symbol:         "EURCAD",
		InitialCapital: decimal.NewFromInt(10000),
		FinalCapital:   decimal.NewFromInt(10100),
		ProfitFactor:   math.Inf(1),
		StartedAt:      time.Now().UTC(),
		FinishedAt:     time.Now().UTC(),
	}
	require.NoError(t, j.RecordRun(ctx, rec))

	got, err := j.GetRun(ctx, rec.RunID)
	require.NoError(t, err)
	assert.True(t, math.IsInf(got.ProfitFactor, 1), "Inf must survive the marker encoding")
}

func TestTradeRoundTrip(t *testing.T) {
	t.Parallel()

	j, _ := newTestJournal(t)
	ctx := context.Background()

	trade := types.ClosedTrade{
		ID:         "e7a1c2d3",
		Strategy:   "trend_following",
		Direction:  types.DirectionShort,
		EntryPrice: decimal.NewFromFloat(1.4512),
		EntryTime:  time.Date(2024, 3, 4, 9, 0, 0, 0, time.UTC),
		ExitPrice:  decimal.NewFromFloat(1.4477),
		ExitTime:   time.Date(2024, 3, 4, 15, 0, 0, 0, time.UTC),
		Size:       decimal.NewFromInt(40000),
		GrossPnL:   decimal.NewFromInt(140),
		NetPnL:     decimal.NewFromFloat(137.6),
		ExitReason: types.ExitTakeProfit,
		Balance:    decimal.NewFromFloat(10137.6),
	}
	require.NoError(t, j.RecordTrade(ctx, "RUN-1", trade))

	trades, err := j.TradesByRun(ctx, "RUN-1")
	require.NoError(t, err)
	require.Len(t, trades, 1)

	got := trades[0]
	assert.Equal(t, trade.ID, got.ID)
	assert.Equal(t, types.DirectionShort, got.Direction)
	assert.Equal(t, types.ExitTakeProfit, got.ExitReason)
	assert.True(t, got.NetPnL.Equal(trade.NetPnL))
	assert.True(t, got.EntryPrice.Equal(trade.EntryPrice))
	assert.True(t, got.ExitTime.Equal(trade.ExitTime))

	// Unknown run yields an empty set, not an error.
	none, err := j.TradesByRun(ctx, "RUN-MISSING")
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestEquityBatchRoundTrip(t *testing.T) {
	t.Parallel()

	j, _ := newTestJournal(t)
	ctx := context.Background()

	base := time.Date(2024, 3, 4, 0, 0, 0, 0, time.UTC)
	points := make([]types.EquityPoint, 48)
	for i := range points {
		points[i] = types.EquityPoint{
			Timestamp: base.Add(time.Duration(i) * time.Hour),
			Equity:    decimal.NewFromInt(int64(10000 + i)),
			Balance:   decimal.NewFromInt(10000),
			Drawdown:  decimal.Zero,
		}
	}
	require.NoError(t, j.RecordEquity(ctx, "RUN-EQ", points))

	got, err := j.EquityByRun(ctx, "RUN-EQ")
	require.NoError(t, err)
	require.Len(t, got, 48)
	assert.True(t, got[0].Timestamp.Equal(base))
	assert.True(t, got[47].Equity.Equal(decimal.NewFromInt(10047)))
}

func TestListRunsNewestFirst(t *testing.T) {
	t.Parallel()

	j, _ := newTestJournal(t)
	ctx := context.Background()

	base := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		require.NoError(t, j.RecordRun(ctx, RunRecord{
			RunID:          string(rune('A' + i)),
			Kind:           "backtest",
			Strategy:       "grid",
			Symbol:         "EURCAD",
			InitialCapital: decimal.NewFromInt(10000),
			FinalCapital:   decimal.NewFromInt(10000),
			StartedAt:      base.Add(time.Duration(i) * time.Hour),
			FinishedAt:     base.Add(time.Duration(i)*time.Hour + time.Minute),
		}))
	}

	runs, err := j.ListRuns(ctx, 2)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, "C", runs[0].RunID)
	assert.Equal(t, "B", runs[1].RunID)
}
