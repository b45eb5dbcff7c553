// Package store persists the simulator's rows: trades, portfolios,
// strategies, backtest results and aggregated positions.
package store

import (
	"context"
	"fmt"

	"virtual-trader/internal/errors"
	"virtual-trader/internal/models"
)

// Table names as they appear in every backend.
const (
	TableTrades     = "trades"
	TablePortfolios = "portfolios"
	TableStrategies = "strategies"
	TableBacktests  = "backtest_results"
	TablePositions  = "user_positions"
)

// Backend names.
const (
	BackendMemory   = "memory"
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
)

// DataStore aggregates the typed repositories of one backend.
type DataStore interface {
	Trades() TradeRepository
	Portfolios() PortfolioRepository
	Strategies() StrategyRepository
	Backtests() BacktestRepository
	Positions() PositionRepository

	// Backend names the implementation, e.g. "sqlite".
	Backend() string
	Ping(ctx context.Context) error
	Close() error
}

// TradeFilter represents filters for listing trades.
type TradeFilter struct {
	UserID string
	Symbol string
	Status models.TradeStatus
	Limit  int
}

// Matches reports whether t satisfies the filter.
func (f TradeFilter) Matches(t *models.Trade) bool {
	if f.UserID != "" && t.UserID != f.UserID {
		return false
	}
	if f.Symbol != "" && t.Symbol != f.Symbol {
		return false
	}
	if f.Status != "" && t.Status != f.Status {
		return false
	}
	return true
}

// TradeRepository stores trades keyed by id. List returns newest first.
type TradeRepository interface {
	Get(ctx context.Context, id string) (*models.Trade, error)
	List(ctx context.Context, filter TradeFilter) ([]models.Trade, error)
	Insert(ctx context.Context, t *models.Trade) error
	Update(ctx context.Context, t *models.Trade) error
	Upsert(ctx context.Context, t *models.Trade) error
	Delete(ctx context.Context, id string) error
}

// PortfolioRepository stores one portfolio per user.
type PortfolioRepository interface {
	Get(ctx context.Context, userID string) (*models.Portfolio, error)
	List(ctx context.Context) ([]models.Portfolio, error)
	Insert(ctx context.Context, p *models.Portfolio) error
	Update(ctx context.Context, p *models.Portfolio) error
	Upsert(ctx context.Context, p *models.Portfolio) error
	Delete(ctx context.Context, userID string) error
}

// StrategyRepository stores strategies keyed by id. List returns oldest first.
type StrategyRepository interface {
	Get(ctx context.Context, id string) (*models.Strategy, error)
	List(ctx context.Context, userID string) ([]models.Strategy, error)
	Insert(ctx context.Context, s *models.Strategy) error
	Update(ctx context.Context, s *models.Strategy) error
	Upsert(ctx context.Context, s *models.Strategy) error
	Delete(ctx context.Context, id string) error
}

// BacktestRepository stores backtest results keyed by id. List returns
// newest first.
type BacktestRepository interface {
	Get(ctx context.Context, id string) (*models.BacktestResult, error)
	List(ctx context.Context, userID string) ([]models.BacktestResult, error)
	Insert(ctx context.Context, r *models.BacktestResult) error
	Update(ctx context.Context, r *models.BacktestResult) error
	Upsert(ctx context.Context, r *models.BacktestResult) error
	Delete(ctx context.Context, id string) error
}

// PositionKey identifies an aggregated position.
type PositionKey struct {
	UserID    string
	Symbol    string
	Direction models.Direction
}

// String renders the key as user/symbol/direction.
func (k PositionKey) String() string {
	return k.UserID + "/" + k.Symbol + "/" + string(k.Direction)
}

// KeyOf returns the key of a position.
func KeyOf(p *models.Position) PositionKey {
	return PositionKey{UserID: p.UserID, Symbol: p.Symbol, Direction: p.Direction}
}

// PositionRepository stores aggregated positions keyed by user, symbol and
// direction.
type PositionRepository interface {
	Get(ctx context.Context, key PositionKey) (*models.Position, error)
	List(ctx context.Context, userID string) ([]models.Position, error)
	Insert(ctx context.Context, p *models.Position) error
	Update(ctx context.Context, p *models.Position) error
	Upsert(ctx context.Context, p *models.Position) error
	Delete(ctx context.Context, key PositionKey) error
}

// ErrDuplicate is returned by Insert when the key already exists.
var ErrDuplicate = fmt.Errorf("%w: duplicate key", errors.ErrDatabaseError)

func notFound(table, key string) error {
	return errors.NewStoreError(table, "get", key, errors.ErrNotFound)
}

func duplicate(table, key string) error {
	return errors.NewStoreError(table, "insert", key, ErrDuplicate)
}

func missing(table, op, key string) error {
	return errors.NewStoreError(table, op, key, errors.ErrNotFound)
}
