package journal

// Monetary columns are stored as TEXT so decimal values survive the
// round trip without float drift.
const schema = `
CREATE TABLE IF NOT EXISTS runs (
	run_id TEXT PRIMARY KEY,
	kind TEXT NOT NULL,
	strategy TEXT NOT NULL,
	symbol TEXT NOT NULL,
	initial_capital TEXT NOT NULL,
	final_capital TEXT NOT NULL,
	total_trades INTEGER NOT NULL,
	win_rate REAL NOT NULL,
	profit_factor REAL NOT NULL,
	max_drawdown REAL NOT NULL,
	started_at DATETIME NOT NULL,
	finished_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS trades (
	trade_id TEXT PRIMARY KEY,
	run_id TEXT NOT NULL,
	strategy TEXT NOT NULL,
	direction TEXT NOT NULL,
	units TEXT NOT NULL,
	entry_price TEXT NOT NULL,
	exit_price TEXT NOT NULL,
	entry_time DATETIME NOT NULL,
	exit_time DATETIME NOT NULL,
	gross_pnl TEXT NOT NULL,
	net_pnl TEXT NOT NULL,
	exit_reason TEXT NOT NULL,
	balance TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_trades_run ON trades(run_id);

CREATE TABLE IF NOT EXISTS equity (
	run_id TEXT NOT NULL,
	time DATETIME NOT NULL,
	equity TEXT NOT NULL,
	balance TEXT NOT NULL,
	drawdown TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_equity_run_time ON equity(run_id, time);
`
