package cli

import (
	"context"
	"math/rand"
	"time"

	"github.com/rs/zerolog"

	"virtual-trader/internal/backtest"
	"virtual-trader/internal/catalog"
	"virtual-trader/internal/client"
	"virtual-trader/internal/config"
	"virtual-trader/internal/errors"
	"virtual-trader/internal/feed"
	"virtual-trader/internal/models"
	"virtual-trader/internal/notify"
	"virtual-trader/internal/resilience"
	"virtual-trader/internal/session"
	"virtual-trader/internal/store"
	"virtual-trader/internal/stream"
	"virtual-trader/internal/strategy"
	"virtual-trader/internal/trading"
)

// Backend is what the commands talk to: a running server through the API
// client, or an in-process session on the configured store.
type Backend interface {
	Portfolio(ctx context.Context) (models.PortfolioSnapshot, error)
	Reset(ctx context.Context) (models.Portfolio, error)
	Positions(ctx context.Context) ([]models.Position, error)
	Trades(ctx context.Context, status models.TradeStatus) ([]models.Trade, error)
	OpenTrade(ctx context.Context, req trading.OrderRequest) (models.Trade, error)
	CloseTrade(ctx context.Context, id string) (models.Trade, error)
	Performance(ctx context.Context) (models.Performance, error)
	Instruments(ctx context.Context, query string) ([]models.Instrument, error)
	Strategies(ctx context.Context) ([]models.Strategy, error)
	CreateStrategy(ctx context.Context, in strategy.Input) (models.Strategy, error)
	ToggleStrategy(ctx context.Context, id string) (models.Strategy, error)
	DeleteStrategy(ctx context.Context, id string) error
	Backtests(ctx context.Context) ([]models.BacktestResult, error)
	RunBacktest(ctx context.Context, cfg backtest.Config) (*backtest.Report, error)
	StreamPortfolio(ctx context.Context, fn func(models.PortfolioSnapshot)) error
}

var _ Backend = (*client.Client)(nil)
var _ Backend = (*localBackend)(nil)

// ============================================================================
// Runtime
// ============================================================================

// Runtime is the in-process simulator: store, outbox, feed, hubs and
// sessions. `serve` runs all of it; local CLI commands use the parts they
// need.
type Runtime struct {
	Config      *config.Config
	Logger      zerolog.Logger
	Instruments *catalog.Catalog
	Store       store.DataStore
	Gateway     *store.Gateway
	Feed        *feed.Feed
	Ticks       *stream.Hub[models.Tick]
	Snapshots   *stream.Hub[models.PortfolioSnapshot]
	Notifier    *notify.MultiNotifier
	Sessions    *session.Manager
}

// NewRuntime opens the row store (falling back to memory) and wires the
// simulator around it. Nothing runs until Start.
func NewRuntime(ctx context.Context, cfg *config.Config, logger zerolog.Logger) *Runtime {
	instruments := catalog.Default()

	ds := store.Open(ctx, store.OpenConfig{
		PostgresURL:  cfg.Credentials.PostgresURL(),
		SQLitePath:   cfg.Store.SQLitePath,
		SnapshotPath: cfg.Store.SnapshotPath,
	}, logger)

	gw := store.NewGateway(ds, syncConfig(cfg), logger,
		store.WithSnapshotPath(cfg.Store.SnapshotPath),
		store.WithOutboxLimit(cfg.Store.OutboxLimit),
	)

	ticks := stream.NewTickHub()
	snapshots := stream.NewSnapshotHub()

	feedCfg := feed.Config{
		Interval:  cfg.Feed.Interval,
		Band:      cfg.Feed.Band,
		Publisher: ticks,
	}
	if cfg.Feed.Seed != 0 {
		feedCfg.Source = rand.NewSource(cfg.Feed.Seed)
	}
	f := feed.New(instruments.All(), feedCfg)

	notifier := notify.NewMultiNotifier(cfg, logger)

	sessions := session.NewManager(session.Config{
		InitialBalance:     cfg.Trading.InitialBalance,
		DefaultLeverage:    cfg.Trading.DefaultLeverage,
		CheckpointInterval: cfg.Trading.CheckpointInterval,
		SignalInterval:     cfg.Trading.SignalInterval,
		Seed:               cfg.Feed.Seed,
	}, session.Deps{
		Gateway:     gw,
		Instruments: instruments,
		Prices:      f,
		Snapshots:   snapshots,
		Notifier:    notifier,
		Logger:      logger,
	})

	return &Runtime{
		Config:      cfg,
		Logger:      logger,
		Instruments: instruments,
		Store:       ds,
		Gateway:     gw,
		Feed:        f,
		Ticks:       ticks,
		Snapshots:   snapshots,
		Notifier:    notifier,
		Sessions:    sessions,
	}
}

func syncConfig(cfg *config.Config) *store.SyncConfig {
	sc := store.DefaultSyncConfig()
	s := cfg.Sync
	if s.DrainInterval > 0 {
		sc.DrainInterval = s.DrainInterval
	}
	if s.OpTimeout > 0 {
		sc.OpTimeout = s.OpTimeout
	}
	if s.MaxAttempts > 0 {
		sc.MaxAttempts = s.MaxAttempts
	}
	if s.InitialBackoff > 0 {
		sc.Retry.InitialDelay = s.InitialBackoff
	}
	if s.MaxBackoff > 0 {
		sc.Retry.MaxDelay = s.MaxBackoff
	}
	if s.BreakerThreshold > 0 {
		sc.Breaker.FailureThreshold = s.BreakerThreshold
	}
	if s.BreakerCooldown > 0 {
		sc.Breaker.Cooldown = s.BreakerCooldown
	}
	return sc
}

// Start starts the hubs and background persistence and attaches the
// sessions to the tick stream. The feed and session loops are run by the
// caller.
func (r *Runtime) Start(ctx context.Context) {
	r.Ticks.Start(ctx)
	r.Snapshots.Start(ctx)
	r.Sessions.Attach(r.Ticks)
	r.Gateway.Start(ctx)
}

// HealthMonitor returns a monitor checking the row store, the outbox and
// the feed.
func (r *Runtime) HealthMonitor() *resilience.HealthMonitor {
	hm := resilience.NewHealthMonitor(resilience.DefaultHealthMonitorConfig(), r.Logger)
	hm.RegisterComponent("row_store", resilience.DatabaseHealthCheck(r.Store.Ping))
	hm.RegisterComponent("outbox", resilience.OutboxHealthCheck(r.Gateway.Pending, r.Config.Store.OutboxLimit, r.Gateway.Sync().Breaker()))
	hm.RegisterComponent("feed", resilience.FeedHealthCheck(r.Feed.LastStep, r.Config.Feed.Interval))
	return hm
}

// Close checkpoints the sessions, waits for notifications, stops the hubs
// and flushes the outbox before closing the store.
func (r *Runtime) Close() error {
	r.Sessions.Shutdown()
	r.Ticks.Stop()
	r.Snapshots.Stop()

	timeout := r.Config.Server.ShutdownTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return r.Gateway.Close(timeout)
}

// ============================================================================
// Local backend
// ============================================================================

// localBackend runs commands against an in-process session of one user.
type localBackend struct {
	rt       *Runtime
	userID   string
	progress func(done, total int)
}

func newLocalBackend(rt *Runtime, userID string) *localBackend {
	return &localBackend{rt: rt, userID: userID}
}

func (b *localBackend) Portfolio(ctx context.Context) (models.PortfolioSnapshot, error) {
	return b.rt.Sessions.Snapshot(ctx, b.userID)
}

func (b *localBackend) Reset(ctx context.Context) (models.Portfolio, error) {
	return b.rt.Sessions.Reset(ctx, b.userID)
}

func (b *localBackend) Positions(ctx context.Context) ([]models.Position, error) {
	return b.rt.Sessions.Positions(ctx, b.userID)
}

func (b *localBackend) Trades(ctx context.Context, status models.TradeStatus) ([]models.Trade, error) {
	return b.rt.Sessions.Trades(ctx, b.userID, status)
}

func (b *localBackend) OpenTrade(ctx context.Context, req trading.OrderRequest) (models.Trade, error) {
	return b.rt.Sessions.OpenTrade(ctx, b.userID, req)
}

func (b *localBackend) CloseTrade(ctx context.Context, id string) (models.Trade, error) {
	return b.rt.Sessions.CloseTrade(ctx, b.userID, id)
}

func (b *localBackend) Performance(ctx context.Context) (models.Performance, error) {
	return b.rt.Sessions.Performance(ctx, b.userID)
}

func (b *localBackend) Instruments(_ context.Context, query string) ([]models.Instrument, error) {
	if query == "" {
		return b.rt.Instruments.All(), nil
	}
	return b.rt.Instruments.Search(query), nil
}

func (b *localBackend) Strategies(ctx context.Context) ([]models.Strategy, error) {
	s, err := b.rt.Sessions.Get(ctx, b.userID)
	if err != nil {
		return nil, err
	}
	return s.Strategies.List(), nil
}

func (b *localBackend) CreateStrategy(ctx context.Context, in strategy.Input) (models.Strategy, error) {
	s, err := b.rt.Sessions.Get(ctx, b.userID)
	if err != nil {
		return models.Strategy{}, err
	}
	return s.Strategies.Create(in)
}

func (b *localBackend) ToggleStrategy(ctx context.Context, id string) (models.Strategy, error) {
	s, err := b.rt.Sessions.Get(ctx, b.userID)
	if err != nil {
		return models.Strategy{}, err
	}
	return s.Strategies.Toggle(id)
}

func (b *localBackend) DeleteStrategy(ctx context.Context, id string) error {
	s, err := b.rt.Sessions.Get(ctx, b.userID)
	if err != nil {
		return err
	}
	return s.Strategies.Delete(id)
}

func (b *localBackend) Backtests(ctx context.Context) ([]models.BacktestResult, error) {
	return b.rt.Sessions.Backtests(ctx, b.userID)
}

func (b *localBackend) RunBacktest(ctx context.Context, cfg backtest.Config) (*backtest.Report, error) {
	var opts []backtest.Option
	if b.progress != nil {
		opts = append(opts, backtest.WithProgress(b.progress))
	}
	return b.rt.Sessions.RunBacktest(ctx, b.userID, cfg, opts...)
}

// StreamPortfolio runs the feed in process and relays the user's
// snapshots until ctx is done.
func (b *localBackend) StreamPortfolio(ctx context.Context, fn func(models.PortfolioSnapshot)) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	b.rt.Start(ctx)
	updates := b.rt.Snapshots.Subscribe(b.userID)
	defer b.rt.Snapshots.Unsubscribe(b.userID, updates)

	first, err := b.rt.Sessions.Snapshot(ctx, b.userID)
	if err != nil {
		return err
	}
	fn(first)

	go func() { _ = b.rt.Feed.Run(ctx) }()

	for {
		select {
		case <-ctx.Done():
			return nil
		case snap, ok := <-updates:
			if !ok {
				return nil
			}
			fn(snap)
		}
	}
}

// ============================================================================
// Backend selection
// ============================================================================

// remoteOrLocal runs fn against the configured server. When no server is
// configured, or it is unreachable, fn runs against a local session and
// the runtime is closed afterwards so queued writes reach the store.
func (a *App) remoteOrLocal(ctx context.Context, fn func(Backend) error) error {
	if a.Config.API.BaseURL != "" {
		c := client.New(a.Config.API.BaseURL, a.Config.API.Token, a.Config.API.Timeout,
			client.WithLogger(a.Logger))
		err := fn(c)
		if !errors.Is(err, errors.ErrServiceUnavailable) || !isUnreachable(err) {
			return err
		}
		a.Logger.Warn().Err(err).Str("url", a.Config.API.BaseURL).Msg("Server unreachable, using local session")
	}
	return a.local(ctx, func(b *localBackend) error { return fn(b) })
}

// local runs fn against an in-process session of the configured local
// user.
func (a *App) local(ctx context.Context, fn func(*localBackend) error) error {
	rt := NewRuntime(ctx, a.Config, a.Logger)
	b := newLocalBackend(rt, a.Config.Trading.LocalUser)
	err := fn(b)
	if cerr := rt.Close(); cerr != nil && err == nil {
		a.Logger.Warn().Err(cerr).Msg("Closing row store")
	}
	return err
}

// isUnreachable separates a dead server from one answering 503.
func isUnreachable(err error) bool {
	var apiErr *client.APIError
	return !errors.As(err, &apiErr)
}
