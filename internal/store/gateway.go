package store

import (
	"context"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"virtual-trader/internal/errors"
	"virtual-trader/internal/logging"
	"virtual-trader/internal/models"
)

// OpenConfig selects the row store backend.
type OpenConfig struct {
	// PostgresURL is a postgres:// connection string for the hosted store
	PostgresURL string
	// SQLitePath is the local database file
	SQLitePath string
	// SnapshotPath is where the memory backend saves and loads its contents
	SnapshotPath string
}

// Open connects to the configured backend, preferring Postgres, then
// SQLite. When neither is configured or reachable it falls back to a
// MemoryStore loaded from the snapshot; the fallback is logged, never
// returned as an error.
func Open(ctx context.Context, cfg OpenConfig, logger zerolog.Logger) DataStore {
	logger = logging.WithComponent(logger, "store")

	if url := strings.TrimSpace(cfg.PostgresURL); url != "" {
		pg, err := NewPostgresStore(ctx, url)
		if err == nil {
			logger.Info().Str("backend", BackendPostgres).Msg("Connected to row store")
			return pg
		}
		logger.Warn().Err(err).Msg("Postgres row store unavailable, falling back")
	}

	if path := strings.TrimSpace(cfg.SQLitePath); path != "" {
		lite, err := NewSQLiteStore(path)
		if err == nil {
			logger.Info().Str("backend", BackendSQLite).Str("path", path).Msg("Opened row store")
			return lite
		}
		logger.Warn().Err(err).Str("path", path).Msg("SQLite row store unavailable, falling back")
	}

	mem := NewMemoryStore()
	if cfg.SnapshotPath != "" {
		if err := mem.Load(cfg.SnapshotPath); err != nil {
			logger.Warn().Err(err).Str("path", cfg.SnapshotPath).Msg("Ignoring unreadable snapshot")
		}
	}
	logger.Warn().Str("backend", BackendMemory).Msg("Running in mock mode, rows are kept in memory")
	return mem
}

// Gateway is the persistence entry point of the simulator. Writes are
// queued in the outbox and applied by the SyncManager; reads go straight
// to the store.
type Gateway struct {
	store        DataStore
	outbox       *Outbox
	sync         *SyncManager
	snapshotPath string
	outboxLimit  int
	logger       zerolog.Logger
}

// GatewayOption configures a Gateway.
type GatewayOption func(*Gateway)

// WithSnapshotPath makes Close save a MemoryStore to path.
func WithSnapshotPath(path string) GatewayOption {
	return func(g *Gateway) { g.snapshotPath = path }
}

// WithOutboxLimit bounds the number of queued ops.
func WithOutboxLimit(limit int) GatewayOption {
	return func(g *Gateway) { g.outboxLimit = limit }
}

// NewGateway wires an outbox and a sync manager around ds.
func NewGateway(ds DataStore, cfg *SyncConfig, logger zerolog.Logger, opts ...GatewayOption) *Gateway {
	g := &Gateway{
		store:       ds,
		outboxLimit: DefaultOutboxLimit,
		logger:      logging.WithComponent(logger, "gateway"),
	}
	for _, opt := range opts {
		opt(g)
	}
	g.outbox = NewOutbox(g.outboxLimit)
	g.sync = NewSyncManager(ds, g.outbox, cfg, logger)
	return g
}

// Store returns the underlying DataStore.
func (g *Gateway) Store() DataStore { return g.store }

// Sync returns the sync manager.
func (g *Gateway) Sync() *SyncManager { return g.sync }

// Start begins background draining.
func (g *Gateway) Start(ctx context.Context) { g.sync.Start(ctx) }

// Flush writes every queued op now.
func (g *Gateway) Flush(ctx context.Context) error { return g.sync.Flush(ctx) }

// Pending returns the outbox depth.
func (g *Gateway) Pending() int { return g.outbox.Pending() }

func (g *Gateway) enqueue(op *SyncOp) { g.outbox.Enqueue(op) }

// Close stops draining, flushes what it can within timeout, saves the
// memory snapshot if configured and closes the store.
func (g *Gateway) Close(timeout time.Duration) error {
	g.sync.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := g.sync.Flush(ctx); err != nil {
		g.logger.Warn().Err(err).Int("pending", g.outbox.Pending()).Msg("Unflushed row writes discarded")
	}

	if mem, ok := g.store.(*MemoryStore); ok && g.snapshotPath != "" {
		if err := mem.Save(g.snapshotPath); err != nil {
			g.logger.Error().Err(err).Str("path", g.snapshotPath).Msg("Failed to save snapshot")
		}
	}
	return g.store.Close()
}

// ============================================================================
// Fire-and-forget writes
// ============================================================================

func (g *Gateway) InsertTrade(t *models.Trade) { g.enqueue(TradeOp(OpInsert, t)) }
func (g *Gateway) UpdateTrade(t *models.Trade) { g.enqueue(TradeOp(OpUpdate, t)) }
func (g *Gateway) DeleteTrade(t *models.Trade) { g.enqueue(TradeOp(OpDelete, t)) }
func (g *Gateway) UpsertPortfolio(p *models.Portfolio) { g.enqueue(PortfolioOp(OpUpsert, p)) }
func (g *Gateway) UpsertPosition(p *models.Position) { g.enqueue(PositionOp(OpUpsert, p)) }
func (g *Gateway) DeletePosition(p *models.Position) { g.enqueue(PositionOp(OpDelete, p)) }
func (g *Gateway) InsertBacktest(r *models.BacktestResult) { g.enqueue(BacktestOp(OpInsert, r)) }
func (g *Gateway) InsertStrategy(s *models.Strategy) { g.enqueue(StrategyOp(OpInsert, s)) }
func (g *Gateway) UpdateStrategy(s *models.Strategy) { g.enqueue(StrategyOp(OpUpdate, s)) }
func (g *Gateway) DeleteStrategy(s *models.Strategy) { g.enqueue(StrategyOp(OpDelete, s)) }

// ============================================================================
// Hydration
// ============================================================================

// LoadPortfolio selects the portfolio of userID. A user without a row
// yields nil and no error.
func (g *Gateway) LoadPortfolio(ctx context.Context, userID string) (*models.Portfolio, error) {
	p, err := g.store.Portfolios().Get(ctx, userID)
	if errors.Is(err, errors.ErrNotFound) {
		return nil, nil
	}
	return p, err
}

// LoadTrades selects every trade of userID.
func (g *Gateway) LoadTrades(ctx context.Context, userID string) ([]models.Trade, error) {
	return g.store.Trades().List(ctx, TradeFilter{UserID: userID})
}

// LoadStrategies selects every strategy of userID.
func (g *Gateway) LoadStrategies(ctx context.Context, userID string) ([]models.Strategy, error) {
	return g.store.Strategies().List(ctx, userID)
}

// LoadBacktests selects the backtest results of userID, newest first.
func (g *Gateway) LoadBacktests(ctx context.Context, userID string) ([]models.BacktestResult, error) {
	return g.store.Backtests().List(ctx, userID)
}
