package store

import (
	"context"
	"fmt"
	"time"

	pgxdecimal "github.com/jackc/pgx-shopspring-decimal"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"virtual-trader/internal/errors"
)

// PostgresStore implements DataStore on a hosted Postgres row store.
// Money columns are NUMERIC and travel as shopspring decimals.
type PostgresStore struct {
	pool *pgxpool.Pool
	x    pgExecutor
}

// NewPostgresStore connects to dbURL, verifies connectivity and creates
// missing tables.
func NewPostgresStore(ctx context.Context, dbURL string) (*PostgresStore, error) {
	config, err := pgxpool.ParseConfig(dbURL)
	if err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	config.MaxConnLifetime = time.Hour
	// Register shopspring decimal
	config.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		pgxdecimal.Register(conn.TypeMap())
		return nil
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}

	store := &PostgresStore{pool: pool, x: pgExecutor{pool}}
	if err := store.initSchema(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return store, nil
}

func (s *PostgresStore) initSchema(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS trades (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			symbol TEXT NOT NULL,
			type TEXT NOT NULL CHECK (type IN ('BUY', 'SELL')),
			volume NUMERIC NOT NULL,
			leverage NUMERIC NOT NULL DEFAULT 1,
			open_price NUMERIC NOT NULL,
			current_price NUMERIC NOT NULL,
			open_time TIMESTAMPTZ NOT NULL,
			close_time TIMESTAMPTZ,
			pnl NUMERIC NOT NULL DEFAULT 0,
			pnl_percent NUMERIC NOT NULL DEFAULT 0,
			status TEXT NOT NULL CHECK (status IN ('OPEN', 'CLOSED')),
			stop_loss NUMERIC,
			take_profit NUMERIC,
			close_price NUMERIC,
			final_pnl NUMERIC,
			margin NUMERIC NOT NULL DEFAULT 0,
			close_reason TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS portfolios (
			user_id TEXT PRIMARY KEY,
			initial_balance NUMERIC NOT NULL,
			balance NUMERIC NOT NULL,
			equity NUMERIC NOT NULL,
			margin NUMERIC NOT NULL,
			free_margin NUMERIC NOT NULL,
			margin_level NUMERIC NOT NULL DEFAULT 0,
			pnl NUMERIC NOT NULL DEFAULT 0,
			total_profit NUMERIC NOT NULL DEFAULT 0,
			total_loss NUMERIC NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS strategies (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			name TEXT NOT NULL,
			symbol TEXT NOT NULL,
			type TEXT NOT NULL,
			conditions TEXT NOT NULL,
			enabled BOOLEAN NOT NULL DEFAULT FALSE,
			last_signal TIMESTAMPTZ,
			signal_count INTEGER NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS backtest_results (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			strategy_id TEXT NOT NULL DEFAULT '',
			strategy_type TEXT NOT NULL,
			symbol TEXT NOT NULL,
			timeframe TEXT NOT NULL,
			start_date TIMESTAMPTZ NOT NULL,
			end_date TIMESTAMPTZ NOT NULL,
			total_trades INTEGER NOT NULL,
			win_rate NUMERIC NOT NULL,
			total_return NUMERIC NOT NULL,
			max_drawdown NUMERIC NOT NULL,
			profit_factor NUMERIC NOT NULL,
			avg_win NUMERIC NOT NULL,
			avg_loss NUMERIC NOT NULL,
			created_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS user_positions (
			user_id TEXT NOT NULL,
			symbol TEXT NOT NULL,
			type TEXT NOT NULL,
			volume NUMERIC NOT NULL,
			average_price NUMERIC NOT NULL,
			unrealized_pnl NUMERIC NOT NULL,
			trade_count INTEGER NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (user_id, symbol, type)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_trades_user_status ON trades(user_id, status)`,
		`CREATE INDEX IF NOT EXISTS idx_strategies_user ON strategies(user_id)`,
		`CREATE INDEX IF NOT EXISTS idx_backtests_user ON backtest_results(user_id, created_at)`,
	}
	for _, stmt := range statements {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func (s *PostgresStore) Trades() TradeRepository { return newSQLTrades(s.x, postgresDialect) }
func (s *PostgresStore) Portfolios() PortfolioRepository { return newSQLPortfolios(s.x, postgresDialect) }
func (s *PostgresStore) Strategies() StrategyRepository { return newSQLStrategies(s.x, postgresDialect) }
func (s *PostgresStore) Backtests() BacktestRepository { return newSQLBacktests(s.x, postgresDialect) }
func (s *PostgresStore) Positions() PositionRepository { return newSQLPositions(s.x, postgresDialect) }

// Backend returns "postgres".
func (s *PostgresStore) Backend() string { return BackendPostgres }

// Ping checks the pool.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close closes the pool.
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

type pgExecutor struct{ pool *pgxpool.Pool }

func (x pgExecutor) exec(ctx context.Context, query string, args ...any) (int64, error) {
	tag, err := x.pool.Exec(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (x pgExecutor) queryRow(ctx context.Context, query string, args ...any) rowScanner {
	return x.pool.QueryRow(ctx, query, args...)
}

func (x pgExecutor) query(ctx context.Context, query string, args []any, each func(rowScanner) error) error {
	rows, err := x.pool.Query(ctx, query, args...)
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

func (pgExecutor) isNoRows(err error) bool {
	return errors.Is(err, pgx.ErrNoRows)
}

func (pgExecutor) isDuplicate(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
