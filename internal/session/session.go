// Package session keeps one live trading account per user, hydrated from
// the row store and mirrored back to it through the outbox.
package session

import (
	"context"
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"virtual-trader/internal/backtest"
	"virtual-trader/internal/catalog"
	"virtual-trader/internal/errors"
	"virtual-trader/internal/logging"
	"virtual-trader/internal/models"
	"virtual-trader/internal/notify"
	"virtual-trader/internal/store"
	"virtual-trader/internal/strategy"
	"virtual-trader/internal/stream"
	"virtual-trader/internal/trading"
)

// Config holds session manager settings.
type Config struct {
	InitialBalance     float64
	DefaultLeverage    float64
	CheckpointInterval time.Duration
	SignalInterval     time.Duration
	HydrateTimeout     time.Duration
	NotifyTimeout      time.Duration
	// Seed drives strategy signal simulation; 0 seeds from the clock.
	Seed  int64
	Clock func() time.Time
}

// DefaultConfig returns the default session configuration.
func DefaultConfig() Config {
	return Config{
		InitialBalance:     trading.DefaultInitialBalance,
		DefaultLeverage:    1,
		CheckpointInterval: 30 * time.Second,
		SignalInterval:     time.Minute,
		HydrateTimeout:     5 * time.Second,
		NotifyTimeout:      15 * time.Second,
	}
}

// Deps are the collaborators of a Manager. Snapshots and Notifier are
// optional.
type Deps struct {
	Gateway     *store.Gateway
	Instruments *catalog.Catalog
	Prices      trading.PriceSource
	Snapshots   *stream.Hub[models.PortfolioSnapshot]
	Notifier    notify.Notifier
	Logger      zerolog.Logger
}

// Session is the live state of one user.
type Session struct {
	UserID     string
	Account    *trading.Account
	Strategies *strategy.Book

	mu        sync.Mutex
	backtests []models.BacktestResult

	// lastStep is the feed step this session was last revalued for.
	lastStep atomic.Uint64
}

// Backtests returns the user's backtest results, newest first.
func (s *Session) Backtests() []models.BacktestResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.BacktestResult, len(s.backtests))
	copy(out, s.backtests)
	return out
}

func (s *Session) addBacktest(r models.BacktestResult) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.backtests = append([]models.BacktestResult{r}, s.backtests...)
}

// Manager maps user ids to sessions.
type Manager struct {
	cfg         Config
	gateway     *store.Gateway
	instruments *catalog.Catalog
	prices      trading.PriceSource
	snapshots   *stream.Hub[models.PortfolioSnapshot]
	notifier    notify.Notifier
	logger      zerolog.Logger
	now         func() time.Time

	mu       sync.RWMutex
	sessions map[string]*Session

	rngMu sync.Mutex
	rng   *rand.Rand

	notifyWG sync.WaitGroup
}

// NewManager creates a session manager.
func NewManager(cfg Config, deps Deps) *Manager {
	def := DefaultConfig()
	if cfg.InitialBalance <= 0 {
		cfg.InitialBalance = def.InitialBalance
	}
	if cfg.DefaultLeverage < 1 {
		cfg.DefaultLeverage = def.DefaultLeverage
	}
	if cfg.CheckpointInterval <= 0 {
		cfg.CheckpointInterval = def.CheckpointInterval
	}
	if cfg.SignalInterval <= 0 {
		cfg.SignalInterval = def.SignalInterval
	}
	if cfg.HydrateTimeout <= 0 {
		cfg.HydrateTimeout = def.HydrateTimeout
	}
	if cfg.NotifyTimeout <= 0 {
		cfg.NotifyTimeout = def.NotifyTimeout
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	seed := cfg.Seed
	if seed == 0 {
		seed = clock().UnixNano()
	}
	notifier := deps.Notifier
	if notifier == nil {
		notifier = notify.NewNoOpNotifier()
	}

	return &Manager{
		cfg:         cfg,
		gateway:     deps.Gateway,
		instruments: deps.Instruments,
		prices:      deps.Prices,
		snapshots:   deps.Snapshots,
		notifier:    notifier,
		logger:      logging.WithComponent(deps.Logger, "session"),
		now:         clock,
		sessions:    make(map[string]*Session),
		rng:         rand.New(rand.NewSource(seed)),
	}
}

// Get returns the session of userID, creating and hydrating it on first
// use. A failed hydration is not cached and reports ErrServiceUnavailable.
func (m *Manager) Get(ctx context.Context, userID string) (*Session, error) {
	if userID == "" {
		return nil, errors.ErrUnauthorized
	}

	m.mu.RLock()
	s, ok := m.sessions[userID]
	m.mu.RUnlock()
	if ok {
		return s, nil
	}

	s, err := m.hydrate(ctx, userID)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.sessions[userID]; ok {
		return existing, nil
	}
	m.sessions[userID] = s
	m.logger.Info().
		Str("user_id", userID).
		Int("trades", len(s.Account.Trades(""))).
		Int("strategies", len(s.Strategies.List())).
		Msg("Session started")
	return s, nil
}

func (m *Manager) hydrate(ctx context.Context, userID string) (*Session, error) {
	ctx, cancel := context.WithTimeout(ctx, m.cfg.HydrateTimeout)
	defer cancel()

	portfolio, err := m.gateway.LoadPortfolio(ctx, userID)
	if err != nil {
		return nil, m.hydrationError(userID, "portfolio", err)
	}
	trades, err := m.gateway.LoadTrades(ctx, userID)
	if err != nil {
		return nil, m.hydrationError(userID, "trades", err)
	}
	strategies, err := m.gateway.LoadStrategies(ctx, userID)
	if err != nil {
		return nil, m.hydrationError(userID, "strategies", err)
	}
	backtests, err := m.gateway.LoadBacktests(ctx, userID)
	if err != nil {
		return nil, m.hydrationError(userID, "backtests", err)
	}

	acct := trading.NewAccount(trading.AccountConfig{
		UserID:          userID,
		InitialBalance:  m.cfg.InitialBalance,
		DefaultLeverage: m.cfg.DefaultLeverage,
		Instruments:     m.instruments,
		Prices:          m.prices,
		Sink:            GatewaySink(m.gateway),
		Clock:           m.now,
	})
	acct.Hydrate(portfolio, trades)

	book := strategy.NewBook(strategy.BookConfig{
		UserID:      userID,
		Instruments: m.instruments,
		Persister:   m.gateway,
		Clock:       m.now,
	})
	book.Load(strategies)

	return &Session{
		UserID:     userID,
		Account:    acct,
		Strategies: book,
		backtests:  backtests,
	}, nil
}

func (m *Manager) hydrationError(userID, what string, err error) error {
	m.logger.Error().Err(err).Str("user_id", userID).Str("rows", what).Msg("Session hydration failed")
	return fmt.Errorf("%w: loading %s for %s: %v", errors.ErrServiceUnavailable, what, userID, err)
}

// Users returns the ids of live sessions, sorted.
func (m *Manager) Users() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func (m *Manager) all() []*Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	return out
}

// ============================================================================
// Trading
// ============================================================================

// OpenTrade opens a trade for userID.
func (m *Manager) OpenTrade(ctx context.Context, userID string, req trading.OrderRequest) (models.Trade, error) {
	s, err := m.Get(ctx, userID)
	if err != nil {
		return models.Trade{}, err
	}
	t, err := s.Account.OpenTrade(req)
	if err != nil {
		return models.Trade{}, err
	}

	logging.LogTrade(m.logger, t.ID, t.Symbol, string(t.Direction), string(t.Status), t.Volume, t.OpenPrice, 0)
	m.publish(s)
	m.notifyTrade(notify.TradeOpened, t)
	return t, nil
}

// CloseTrade closes a trade of userID at the current price.
func (m *Manager) CloseTrade(ctx context.Context, userID, tradeID string) (models.Trade, error) {
	s, err := m.Get(ctx, userID)
	if err != nil {
		return models.Trade{}, err
	}
	t, err := s.Account.CloseTrade(tradeID)
	if err != nil {
		return models.Trade{}, err
	}

	m.logClosed(t)
	m.publish(s)
	m.notifyTrade(notify.TradeClosed, t)
	return t, nil
}

// Trades lists the trades of userID, optionally filtered by status.
func (m *Manager) Trades(ctx context.Context, userID string, status models.TradeStatus) ([]models.Trade, error) {
	s, err := m.Get(ctx, userID)
	if err != nil {
		return nil, err
	}
	return s.Account.Trades(status), nil
}

// Snapshot returns the portfolio of userID together with its open trades.
func (m *Manager) Snapshot(ctx context.Context, userID string) (models.PortfolioSnapshot, error) {
	s, err := m.Get(ctx, userID)
	if err != nil {
		return models.PortfolioSnapshot{}, err
	}
	return s.Account.Snapshot(), nil
}

// Portfolio returns the ledger of userID.
func (m *Manager) Portfolio(ctx context.Context, userID string) (models.Portfolio, error) {
	s, err := m.Get(ctx, userID)
	if err != nil {
		return models.Portfolio{}, err
	}
	return s.Account.Portfolio(), nil
}

// Positions returns the open positions of userID.
func (m *Manager) Positions(ctx context.Context, userID string) ([]models.Position, error) {
	s, err := m.Get(ctx, userID)
	if err != nil {
		return nil, err
	}
	return s.Account.Positions(), nil
}

// Performance returns realized performance of userID.
func (m *Manager) Performance(ctx context.Context, userID string) (models.Performance, error) {
	s, err := m.Get(ctx, userID)
	if err != nil {
		return models.Performance{}, err
	}
	return s.Account.Performance(), nil
}

// Reset wipes the trades of userID and restores the initial balance.
func (m *Manager) Reset(ctx context.Context, userID string) (models.Portfolio, error) {
	s, err := m.Get(ctx, userID)
	if err != nil {
		return models.Portfolio{}, err
	}
	s.Account.Reset()
	m.logger.Info().Str("user_id", userID).Msg("Account reset")
	m.publish(s)
	return s.Account.Portfolio(), nil
}

// ============================================================================
// Backtests
// ============================================================================

// RunBacktest runs a backtest for userID and records the result.
func (m *Manager) RunBacktest(ctx context.Context, userID string, cfg backtest.Config, opts ...backtest.Option) (*backtest.Report, error) {
	s, err := m.Get(ctx, userID)
	if err != nil {
		return nil, err
	}
	if cfg.StrategyID != "" {
		st, err := s.Strategies.Get(cfg.StrategyID)
		if err != nil {
			return nil, err
		}
		if cfg.StrategyType == "" {
			cfg.StrategyType = st.Type
		}
		if cfg.Symbol == "" {
			cfg.Symbol = st.Symbol
		}
	}
	cfg.UserID = userID

	opts = append([]backtest.Option{backtest.WithPersister(m.gateway), backtest.WithClock(m.now)}, opts...)
	report, err := backtest.NewEngine(m.instruments, opts...).Run(ctx, cfg)
	if err != nil {
		return nil, err
	}
	s.addBacktest(report.Result)

	m.logger.Info().
		Str("user_id", userID).
		Str("symbol", report.Result.Symbol).
		Str("strategy", report.Result.StrategyType).
		Int("trades", report.Result.TotalTrades).
		Float64("return", report.Result.TotalReturn).
		Msg("Backtest finished")
	return report, nil
}

// Backtests lists the backtest results of userID.
func (m *Manager) Backtests(ctx context.Context, userID string) ([]models.BacktestResult, error) {
	s, err := m.Get(ctx, userID)
	if err != nil {
		return nil, err
	}
	return s.Backtests(), nil
}

// ============================================================================
// Price ticks and background work
// ============================================================================

// Attach registers the manager as a consumer of ticks.
func (m *Manager) Attach(ticks *stream.Hub[models.Tick]) {
	ticks.RegisterConsumer(stream.NewConsumerFunc(nil, m.HandleTick))
}

// HandleTick revalues every session holding an open trade in the tick's
// symbol, publishes its snapshot and notifies stop-loss and take-profit
// closes. A feed step moves every price before its ticks are published,
// so a session is revalued once per step however many of its symbols
// the step touched.
func (m *Manager) HandleTick(tick models.Tick) {
	for _, s := range m.all() {
		if !s.Account.HasOpen(tick.Symbol) {
			continue
		}
		if tick.Step != 0 && s.lastStep.Swap(tick.Step) == tick.Step {
			continue
		}
		closed := s.Account.Revalue()
		for _, t := range closed {
			m.logClosed(t)
			m.notifyTrade(notify.EventForClose(t.CloseReason), t)
		}
		m.publish(s)
	}
}

// Checkpoint queues the current valuation of every session.
func (m *Manager) Checkpoint() {
	for _, s := range m.all() {
		s.Account.Checkpoint()
	}
}

// SimulateSignals evaluates every enabled strategy once.
func (m *Manager) SimulateSignals() []models.Strategy {
	var fired []models.Strategy
	for _, s := range m.all() {
		m.rngMu.Lock()
		got := s.Strategies.SimulateSignals(m.rng)
		m.rngMu.Unlock()
		fired = append(fired, got...)
	}
	for _, st := range fired {
		st := st
		m.logger.Info().
			Str("user_id", st.UserID).
			Str("strategy_id", st.ID).
			Str("symbol", st.Symbol).
			Int("signal_count", st.SignalCount).
			Msg("Strategy signal")
		m.dispatch(func(ctx context.Context) error { return m.notifier.SendSignal(ctx, st) })
	}
	return fired
}

// Run checkpoints sessions and simulates strategy signals until ctx is
// done.
func (m *Manager) Run(ctx context.Context) error {
	checkpoint := time.NewTicker(m.cfg.CheckpointInterval)
	defer checkpoint.Stop()
	signals := time.NewTicker(m.cfg.SignalInterval)
	defer signals.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-checkpoint.C:
			m.Checkpoint()
		case <-signals.C:
			m.SimulateSignals()
		}
	}
}

// Shutdown queues a final checkpoint and waits for in-flight
// notifications.
func (m *Manager) Shutdown() {
	m.Checkpoint()
	m.notifyWG.Wait()
	m.logger.Info().Int("sessions", len(m.Users())).Msg("Session manager stopped")
}

func (m *Manager) publish(s *Session) {
	if m.snapshots == nil {
		return
	}
	m.snapshots.Publish(s.Account.Snapshot())
}

func (m *Manager) logClosed(t models.Trade) {
	pnl, price := 0.0, t.CurrentPrice
	if t.FinalPnL != nil {
		pnl = *t.FinalPnL
	}
	if t.ClosePrice != nil {
		price = *t.ClosePrice
	}
	logging.LogTrade(m.logger.With().Str("reason", t.CloseReason).Logger(),
		t.ID, t.Symbol, string(t.Direction), string(t.Status), t.Volume, price, pnl)
}

func (m *Manager) notifyTrade(event notify.TradeEvent, t models.Trade) {
	m.dispatch(func(ctx context.Context) error { return m.notifier.SendTrade(ctx, event, t) })
}

// dispatch delivers a notification off the caller's goroutine. Failures
// are logged only.
func (m *Manager) dispatch(send func(ctx context.Context) error) {
	m.notifyWG.Add(1)
	go func() {
		defer m.notifyWG.Done()
		ctx, cancel := context.WithTimeout(context.Background(), m.cfg.NotifyTimeout)
		defer cancel()
		if err := send(ctx); err != nil {
			m.logger.Debug().Err(err).Msg("Notification not delivered")
		}
	}()
}
