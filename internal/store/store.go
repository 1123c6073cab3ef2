// Package store persists all fleet state in SQLite.
//
// One database file holds agents, portfolios, orders, transactions, quotes,
// LLM providers, prompt templates, system tasks, and the three log streams
// (LLM calls, decisions, task runs). The driver is pure Go (modernc.org),
// so no CGo toolchain is required.
//
// SQLite is single-writer: the pool is pinned to one connection and every
// multi-row mutation runs inside a transaction. Money columns are stored as
// TEXT and parsed back through decimal to keep exact fixed-point semantics.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	_ "modernc.org/sqlite"

	"github.com/cytzrs/share/pkg/types"
)

const schema = `
CREATE TABLE IF NOT EXISTS model_agents (
    agent_id      TEXT PRIMARY KEY,
    name          TEXT NOT NULL,
    initial_cash  TEXT NOT NULL,
    provider_id   TEXT,
    llm_model     TEXT NOT NULL,
    template_id   TEXT,
    schedule_type TEXT NOT NULL DEFAULT 'daily',
    status        TEXT NOT NULL DEFAULT 'active',
    created_at    TEXT NOT NULL,
    updated_at    TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS portfolios (
    agent_id TEXT PRIMARY KEY,
    cash     TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS positions (
    agent_id   TEXT NOT NULL,
    stock_code TEXT NOT NULL,
    shares     INTEGER NOT NULL,
    avg_cost   TEXT NOT NULL,
    buy_date   TEXT NOT NULL,
    PRIMARY KEY (agent_id, stock_code)
);

CREATE TABLE IF NOT EXISTS orders (
    order_id      TEXT PRIMARY KEY,
    agent_id      TEXT NOT NULL,
    llm_log_id    INTEGER,
    side          TEXT NOT NULL,
    stock_code    TEXT,
    quantity      INTEGER,
    price         TEXT,
    status        TEXT NOT NULL DEFAULT 'pending',
    reject_reason TEXT,
    reason        TEXT,
    created_at    TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_orders_agent_created ON orders(agent_id, created_at);

CREATE TABLE IF NOT EXISTS transactions (
    tx_id        TEXT PRIMARY KEY,
    order_id     TEXT NOT NULL,
    agent_id     TEXT NOT NULL,
    stock_code   TEXT NOT NULL,
    side         TEXT NOT NULL,
    quantity     INTEGER NOT NULL,
    price        TEXT NOT NULL,
    commission   TEXT NOT NULL,
    stamp_tax    TEXT NOT NULL,
    transfer_fee TEXT NOT NULL,
    executed_at  TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_tx_agent_executed ON transactions(agent_id, executed_at);

CREATE TABLE IF NOT EXISTS stock_quotes (
    id         INTEGER PRIMARY KEY AUTOINCREMENT,
    stock_code TEXT NOT NULL,
    stock_name TEXT,
    trade_date TEXT NOT NULL,
    open       TEXT, high TEXT, low TEXT, close TEXT, prev_close TEXT,
    volume     INTEGER,
    amount     TEXT,
    UNIQUE (stock_code, trade_date)
);
CREATE INDEX IF NOT EXISTS idx_quotes_date ON stock_quotes(trade_date);

CREATE TABLE IF NOT EXISTS llm_providers (
    provider_id TEXT PRIMARY KEY,
    name        TEXT NOT NULL,
    protocol    TEXT NOT NULL,
    api_url     TEXT NOT NULL,
    api_key     TEXT NOT NULL,
    enabled     INTEGER NOT NULL DEFAULT 1
);

CREATE TABLE IF NOT EXISTS prompt_templates (
    template_id TEXT PRIMARY KEY,
    name        TEXT NOT NULL,
    content     TEXT NOT NULL,
    version     INTEGER NOT NULL DEFAULT 1,
    created_at  TEXT NOT NULL,
    updated_at  TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS llm_request_logs (
    id            INTEGER PRIMARY KEY AUTOINCREMENT,
    provider_id   TEXT NOT NULL,
    model_name    TEXT NOT NULL,
    agent_id      TEXT,
    request_body  TEXT NOT NULL,
    response_body TEXT,
    duration_ms   INTEGER NOT NULL DEFAULT 0,
    status        TEXT NOT NULL DEFAULT 'success',
    error_message TEXT,
    tokens_in     INTEGER,
    tokens_out    INTEGER,
    request_time  TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_llm_logs_provider_time ON llm_request_logs(provider_id, request_time);

CREATE TABLE IF NOT EXISTS decision_logs (
    id            INTEGER PRIMARY KEY AUTOINCREMENT,
    agent_id      TEXT NOT NULL,
    prompt        TEXT,
    response      TEXT,
    parsed_json   TEXT,
    order_ids     TEXT,
    status        TEXT NOT NULL DEFAULT 'success',
    error_message TEXT,
    created_at    TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_decision_agent_created ON decision_logs(agent_id, created_at);

CREATE TABLE IF NOT EXISTS system_tasks (
    task_id          TEXT PRIMARY KEY,
    name             TEXT NOT NULL UNIQUE,
    cron_expression  TEXT NOT NULL,
    task_type        TEXT NOT NULL DEFAULT 'agent_decision',
    agent_ids        TEXT NOT NULL,
    trading_day_only INTEGER NOT NULL DEFAULT 0,
    status           TEXT NOT NULL DEFAULT 'active',
    config           TEXT,
    created_at       TEXT NOT NULL,
    updated_at       TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS task_run_logs (
    id            INTEGER PRIMARY KEY AUTOINCREMENT,
    task_id       TEXT,
    started_at    TEXT NOT NULL,
    completed_at  TEXT,
    status        TEXT NOT NULL DEFAULT 'running',
    skip_reason   TEXT,
    error_message TEXT,
    agent_results TEXT
);
CREATE INDEX IF NOT EXISTS idx_run_logs_task ON task_run_logs(task_id, started_at);
`

// Store wraps the SQLite handle. Safe for concurrent use; writes serialize
// on the single pooled connection.
type Store struct {
	db *sql.DB
}

// Open creates or opens the database at path and applies the schema.
// Use ":memory:" for tests.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: open %q: %w", path, err)
	}
	db.SetMaxOpenConns(1) // SQLite is single-writer
	db.SetMaxIdleConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: apply schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = sql.ErrNoRows

// ————————————————————————— column helpers —————————————————————————

func fmtTime(t time.Time) string {
	return t.In(types.CST).Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t.In(types.CST)
}

func fmtDate(t time.Time) string {
	return types.DateOf(t).Format(time.DateOnly)
}

func parseDate(s string) time.Time {
	t, err := time.ParseInLocation(time.DateOnly, s, types.CST)
	if err != nil {
		return time.Time{}
	}
	return t
}

func fmtDec(d decimal.Decimal) string { return d.String() }

func parseDec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

// inTx runs fn inside one transaction, rolling back on error.
func (s *Store) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin tx: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}
