package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/mattn/go-sqlite3"

	"virtual-trader/internal/errors"
)

// SQLiteStore implements DataStore on a local SQLite file.
type SQLiteStore struct {
	db   *sql.DB
	x    sqliteExecutor
	path string
}

// NewSQLiteStore opens (or creates) the database at dbPath in WAL mode.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool for concurrent access
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)

	store := &SQLiteStore{db: db, x: sqliteExecutor{db}, path: dbPath}
	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return store, nil
}

// initSchema creates all required tables and indexes.
func (s *SQLiteStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS trades (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		symbol TEXT NOT NULL,
		type TEXT NOT NULL CHECK (type IN ('BUY', 'SELL')),
		volume REAL NOT NULL,
		leverage REAL NOT NULL DEFAULT 1,
		open_price REAL NOT NULL,
		current_price REAL NOT NULL,
		open_time DATETIME NOT NULL,
		close_time DATETIME,
		pnl REAL NOT NULL DEFAULT 0,
		pnl_percent REAL NOT NULL DEFAULT 0,
		status TEXT NOT NULL CHECK (status IN ('OPEN', 'CLOSED')),
		stop_loss REAL,
		take_profit REAL,
		close_price REAL,
		final_pnl REAL,
		margin REAL NOT NULL DEFAULT 0,
		close_reason TEXT NOT NULL DEFAULT '',
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS portfolios (
		user_id TEXT PRIMARY KEY,
		initial_balance REAL NOT NULL,
		balance REAL NOT NULL,
		equity REAL NOT NULL,
		margin REAL NOT NULL,
		free_margin REAL NOT NULL,
		margin_level REAL NOT NULL DEFAULT 0,
		pnl REAL NOT NULL DEFAULT 0,
		total_profit REAL NOT NULL DEFAULT 0,
		total_loss REAL NOT NULL DEFAULT 0,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS strategies (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		name TEXT NOT NULL,
		symbol TEXT NOT NULL,
		type TEXT NOT NULL,
		conditions TEXT NOT NULL,
		enabled BOOLEAN NOT NULL DEFAULT 0,
		last_signal DATETIME,
		signal_count INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS backtest_results (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		strategy_id TEXT NOT NULL DEFAULT '',
		strategy_type TEXT NOT NULL,
		symbol TEXT NOT NULL,
		timeframe TEXT NOT NULL,
		start_date DATETIME NOT NULL,
		end_date DATETIME NOT NULL,
		total_trades INTEGER NOT NULL,
		win_rate REAL NOT NULL,
		total_return REAL NOT NULL,
		max_drawdown REAL NOT NULL,
		profit_factor REAL NOT NULL,
		avg_win REAL NOT NULL,
		avg_loss REAL NOT NULL,
		created_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS user_positions (
		user_id TEXT NOT NULL,
		symbol TEXT NOT NULL,
		type TEXT NOT NULL,
		volume REAL NOT NULL,
		average_price REAL NOT NULL,
		unrealized_pnl REAL NOT NULL,
		trade_count INTEGER NOT NULL,
		updated_at DATETIME NOT NULL,
		PRIMARY KEY (user_id, symbol, type)
	);

	CREATE INDEX IF NOT EXISTS idx_trades_user_status ON trades(user_id, status);
	CREATE INDEX IF NOT EXISTS idx_trades_open_time ON trades(open_time);
	CREATE INDEX IF NOT EXISTS idx_strategies_user ON strategies(user_id);
	CREATE INDEX IF NOT EXISTS idx_backtests_user ON backtest_results(user_id, created_at);
	`

	_, err := s.db.Exec(schema)
	return err
}

func (s *SQLiteStore) Trades() TradeRepository { return newSQLTrades(s.x, sqliteDialect) }
func (s *SQLiteStore) Portfolios() PortfolioRepository { return newSQLPortfolios(s.x, sqliteDialect) }
func (s *SQLiteStore) Strategies() StrategyRepository { return newSQLStrategies(s.x, sqliteDialect) }
func (s *SQLiteStore) Backtests() BacktestRepository { return newSQLBacktests(s.x, sqliteDialect) }
func (s *SQLiteStore) Positions() PositionRepository { return newSQLPositions(s.x, sqliteDialect) }

// Backend returns "sqlite".
func (s *SQLiteStore) Backend() string { return BackendSQLite }

// Path returns the database file path.
func (s *SQLiteStore) Path() string { return s.path }

// Ping checks the database connection.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

type sqliteExecutor struct{ db *sql.DB }

func (x sqliteExecutor) exec(ctx context.Context, query string, args ...any) (int64, error) {
	res, err := x.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (x sqliteExecutor) queryRow(ctx context.Context, query string, args ...any) rowScanner {
	return x.db.QueryRowContext(ctx, query, args...)
}

func (x sqliteExecutor) query(ctx context.Context, query string, args []any, each func(rowScanner) error) error {
	rows, err := x.db.QueryContext(ctx, query, args...)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		if err := each(rows); err != nil {
			return err
		}
	}
	return rows.Err()
}

func (sqliteExecutor) isNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}

func (sqliteExecutor) isDuplicate(err error) bool {
	var se sqlite3.Error
	return errors.As(err, &se) && se.Code == sqlite3.ErrConstraint
}
