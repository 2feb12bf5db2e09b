// Package journal persists runs, trades and equity history to SQLite
// for later review.
package journal

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/meridianfx/trading-engine/pkg/types"
	"github.com/shopspring/decimal"
)

// RunRecord summarizes one persisted simulation or live session.
type RunRecord struct {
	RunID          string
	Kind           string // "backtest", "walkforward", "live"
	Strategy       string
	Symbol         string
	InitialCapital decimal.Decimal
	FinalCapital   decimal.Decimal
	TotalTrades    int
	WinRate        float64
	ProfitFactor   float64
	MaxDrawdown    float64
	StartedAt      time.Time
	FinishedAt     time.Time
}

// SQLite is a journal backed by a single SQLite file.
type SQLite struct {
	db *sql.DB
}

// NewSQLite opens (or creates) the journal database and applies the
// schema.
func NewSQLite(path string) (*SQLite, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &SQLite{db: db}, nil
}

// RecordRun persists the run summary. An infinite profit factor is
// stored as -1, the column's out-of-band marker.
func (j *SQLite) RecordRun(ctx context.Context, r RunRecord) error {
	pf := r.ProfitFactor
	if math.IsInf(pf, 1) {
		pf = -1
	}
	_, err := j.db.ExecContext(ctx, `
		INSERT INTO runs
		(run_id, kind, strategy, symbol, initial_capital, final_capital,
		 total_trades, win_rate, profit_factor, max_drawdown, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.RunID, r.Kind, r.Strategy, r.Symbol,
		r.InitialCapital.String(), r.FinalCapital.String(),
		r.TotalTrades, r.WinRate, pf, r.MaxDrawdown,
		r.StartedAt.UTC(), r.FinishedAt.UTC(),
	)
	return err
}

// RecordTrade persists one closed trade under a run.
func (j *SQLite) RecordTrade(ctx context.Context, runID string, t types.ClosedTrade) error {
	_, err := j.db.ExecContext(ctx, `
		INSERT INTO trades
		(trade_id, run_id, strategy, direction, units, entry_price, exit_price,
		 entry_time, exit_time, gross_pnl, net_pnl, exit_reason, balance)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, runID, t.Strategy, string(t.Direction), t.Size.String(),
		t.EntryPrice.String(), t.ExitPrice.String(),
		t.EntryTime.UTC(), t.ExitTime.UTC(),
		t.GrossPnL.String(), t.NetPnL.String(), string(t.ExitReason), t.Balance.String(),
	)
	return err
}

// RecordEquity persists equity points in one transaction.
func (j *SQLite) RecordEquity(ctx context.Context, runID string, points []types.EquityPoint) error {
	tx, err := j.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO equity (run_id, time, equity, balance, drawdown)
		VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		tx.Rollback()
		return err
	}
	defer stmt.Close()

	for _, p := range points {
		if _, err := stmt.ExecContext(ctx, runID, p.Timestamp.UTC(),
			p.Equity.String(), p.Balance.String(), p.Drawdown.String()); err != nil {
			tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

// GetRun loads one run summary.
func (j *SQLite) GetRun(ctx context.Context, runID string) (RunRecord, error) {
	var r RunRecord
	var initial, final string
	err := j.db.QueryRowContext(ctx, `
		SELECT run_id, kind, strategy, symbol, initial_capital, final_capital,
		       total_trades, win_rate, profit_factor, max_drawdown, started_at, finished_at
		FROM runs WHERE run_id = ?`, runID).
		Scan(&r.RunID, &r.Kind, &r.Strategy, &r.Symbol, &initial, &final,
			&r.TotalTrades, &r.WinRate, &r.ProfitFactor, &r.MaxDrawdown,
			&r.StartedAt, &r.FinishedAt)
	if err != nil {
		return RunRecord{}, err
	}
	if r.InitialCapital, err = decimal.NewFromString(initial); err != nil {
		return RunRecord{}, fmt.Errorf("run %s initial capital: %w", runID, err)
	}
	if r.FinalCapital, err = decimal.NewFromString(final); err != nil {
		return RunRecord{}, fmt.Errorf("run %s final capital: %w", runID, err)
	}
	if r.ProfitFactor == -1 {
		r.ProfitFactor = math.Inf(1)
	}
	return r, nil
}

// ListRuns returns run summaries newest first.
func (j *SQLite) ListRuns(ctx context.Context, limit int) ([]RunRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := j.db.QueryContext(ctx, `
		SELECT run_id FROM runs ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]RunRecord, 0, len(ids))
	for _, id := range ids {
		r, err := j.GetRun(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}

// TradesByRun returns a run's trades in entry order.
func (j *SQLite) TradesByRun(ctx context.Context, runID string) ([]types.ClosedTrade, error) {
	rows, err := j.db.QueryContext(ctx, `
		SELECT trade_id, strategy, direction, units, entry_price, exit_price,
		       entry_time, exit_time, gross_pnl, net_pnl, exit_reason, balance
		FROM trades WHERE run_id = ? ORDER BY entry_time`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var trades []types.ClosedTrade
	for rows.Next() {
		var t types.ClosedTrade
		var direction, reason string
		var units, entryPrice, exitPrice, gross, net, balance string
		if err := rows.Scan(&t.ID, &t.Strategy, &direction, &units, &entryPrice, &exitPrice,
			&t.EntryTime, &t.ExitTime, &gross, &net, &reason, &balance); err != nil {
			return nil, err
		}
		t.Direction = types.Direction(direction)
		t.ExitReason = types.ExitReason(reason)
		for _, f := range []struct {
			dst *decimal.Decimal
			raw string
		}{
			{&t.Size, units}, {&t.EntryPrice, entryPrice}, {&t.ExitPrice, exitPrice},
			{&t.GrossPnL, gross}, {&t.NetPnL, net}, {&t.Balance, balance},
		} {
			d, err := decimal.NewFromString(f.raw)
			if err != nil {
				return nil, fmt.Errorf("trade %s: %w", t.ID, err)
			}
			*f.dst = d
		}
		trades = append(trades, t)
	}
	return trades, rows.Err()
}

// EquityByRun returns a run's equity curve in time order.
func (j *SQLite) EquityByRun(ctx context.Context, runID string) ([]types.EquityPoint, error) {
	rows, err := j.db.QueryContext(ctx, `
		SELECT time, equity, balance, drawdown
		FROM equity WHERE run_id = ? ORDER BY time`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var points []types.EquityPoint
	for rows.Next() {
		var p types.EquityPoint
		var equity, balance, drawdown string
		if err := rows.Scan(&p.Timestamp, &equity, &balance, &drawdown); err != nil {
			return nil, err
		}
		var err error
		if p.Equity, err = decimal.NewFromString(equity); err != nil {
			return nil, err
		}
		if p.Balance, err = decimal.NewFromString(balance); err != nil {
			return nil, err
		}
		if p.Drawdown, err = decimal.NewFromString(drawdown); err != nil {
			return nil, err
		}
		points = append(points, p)
	}
	return points, rows.Err()
}

// Close closes the underlying database.
func (j *SQLite) Close() error {
	return j.db.Close()
}
