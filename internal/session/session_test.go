package session

import (
	"context"
	stderrors "errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"virtual-trader/internal/backtest"
	"virtual-trader/internal/catalog"
	"virtual-trader/internal/errors"
	"virtual-trader/internal/models"
	"virtual-trader/internal/notify"
	"virtual-trader/internal/store"
	"virtual-trader/internal/strategy"
	"virtual-trader/internal/stream"
	"virtual-trader/internal/trading"
)

type testPrices struct {
	mu sync.Mutex
	m  map[string]float64
}

func (p *testPrices) Price(symbol string) (float64, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	v, ok := p.m[symbol]
	return v, ok
}

func (p *testPrices) set(symbol string, v float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.m[symbol] = v
}

type recordingNotifier struct {
	mu      sync.Mutex
	trades  []notify.TradeEvent
	signals []string
}

func (r *recordingNotifier) Send(ctx context.Context, n notify.Notification) error { return nil }

func (r *recordingNotifier) SendTrade(ctx context.Context, event notify.TradeEvent, t models.Trade) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.trades = append(r.trades, event)
	return nil
}

func (r *recordingNotifier) SendSignal(ctx context.Context, s models.Strategy) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.signals = append(r.signals, s.ID)
	return nil
}

func (r *recordingNotifier) SendError(ctx context.Context, err error, c string) error { return nil }

func (r *recordingNotifier) tradeEvents() []notify.TradeEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]notify.TradeEvent(nil), r.trades...)
}

type fixture struct {
	mem      *store.MemoryStore
	gateway  *store.Gateway
	prices   *testPrices
	notifier *recordingNotifier
	hub      *stream.Hub[models.PortfolioSnapshot]
	manager  *Manager
}

func newFixture(t *testing.T, ds store.DataStore) *fixture {
	t.Helper()
	mem := store.NewMemoryStore()
	if ds == nil {
		ds = mem
	}
	f := &fixture{
		mem:      mem,
		gateway:  store.NewGateway(ds, nil, zerolog.Nop()),
		prices:   &testPrices{m: map[string]float64{"BTCUSD": 40000, "AAPL": 190}},
		notifier: &recordingNotifier{},
		hub:      stream.NewSnapshotHub(),
	}
	f.manager = NewManager(Config{Seed: 11}, Deps{
		Gateway:     f.gateway,
		Instruments: catalog.Default(),
		Prices:      f.prices,
		Snapshots:   f.hub,
		Notifier:    f.notifier,
		Logger:      zerolog.Nop(),
	})
	return f
}

func (f *fixture) flush(t *testing.T) {
	t.Helper()
	require.NoError(t, f.gateway.Flush(context.Background()))
}

func TestManager_NewUserPersistsPortfolio(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	s, err := f.manager.Get(ctx, "bob")
	require.NoError(t, err)
	assert.Equal(t, 10000.0, s.Account.Portfolio().Balance)

	again, err := f.manager.Get(ctx, "bob")
	require.NoError(t, err)
	assert.Same(t, s, again)

	f.flush(t)
	p, err := f.mem.Portfolios().Get(ctx, "bob")
	require.NoError(t, err)
	assert.Equal(t, 10000.0, p.Balance)
	assert.Equal(t, []string{"bob"}, f.manager.Users())
}

func TestManager_HydratesFromStore(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	now := time.Now().UTC()
	p := models.NewPortfolio("alice", 5000, now)
	require.NoError(t, f.mem.Portfolios().Insert(ctx, &p))
	require.NoError(t, f.mem.Trades().Insert(ctx, &models.Trade{
		ID: "t-1", UserID: "alice", Symbol: "BTCUSD", Direction: models.DirectionBuy,
		Volume: 0.05, Leverage: 1, OpenPrice: 39000, CurrentPrice: 39000,
		OpenTime: now, Status: models.TradeOpen, Margin: 1950, CreatedAt: now, UpdatedAt: now,
	}))
	require.NoError(t, f.mem.Strategies().Insert(ctx, &models.Strategy{
		ID: "s-1", UserID: "alice", Name: "Gold", Symbol: "XAUUSD", Type: models.StrategyBreakout, Enabled: true,
		CreatedAt: now, UpdatedAt: now,
	}))

	s, err := f.manager.Get(ctx, "alice")
	require.NoError(t, err)

	port := s.Account.Portfolio()
	assert.Equal(t, 5000.0, port.Balance)
	assert.InDelta(t, 1950, port.Margin, 1e-9)
	// Valued at the live price 40000: (40000-39000) x 0.05.
	assert.InDelta(t, 50, port.PnL, 1e-9)
	assert.InDelta(t, 5050, port.Equity, 1e-9)
	assert.Len(t, s.Strategies.List(), 1)
}

func TestManager_OpenAndCloseFlowToStore(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	tr, err := f.manager.OpenTrade(ctx, "alice", trading.OrderRequest{
		Symbol: "BTCUSD", Direction: models.DirectionBuy, Volume: 0.1,
	})
	require.NoError(t, err)
	f.flush(t)

	row, err := f.mem.Trades().Get(ctx, tr.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TradeOpen, row.Status)
	pos, err := f.mem.Positions().Get(ctx, store.PositionKey{UserID: "alice", Symbol: "BTCUSD", Direction: models.DirectionBuy})
	require.NoError(t, err)
	assert.InDelta(t, 0.1, pos.Volume, 1e-12)

	f.prices.set("BTCUSD", 41000)
	closed, err := f.manager.CloseTrade(ctx, "alice", tr.ID)
	require.NoError(t, err)
	require.NotNil(t, closed.FinalPnL)
	assert.InDelta(t, 100, *closed.FinalPnL, 1e-9)
	f.flush(t)

	row, err = f.mem.Trades().Get(ctx, tr.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TradeClosed, row.Status)
	_, err = f.mem.Positions().Get(ctx, store.PositionKey{UserID: "alice", Symbol: "BTCUSD", Direction: models.DirectionBuy})
	assert.ErrorIs(t, err, errors.ErrNotFound)

	port, err := f.mem.Portfolios().Get(ctx, "alice")
	require.NoError(t, err)
	assert.InDelta(t, 10100, port.Balance, 1e-9)
	assert.Zero(t, port.Margin)

	_, err = f.manager.CloseTrade(ctx, "alice", tr.ID)
	assert.ErrorIs(t, err, errors.ErrTradeClosed)

	f.manager.Shutdown()
	assert.Equal(t, []notify.TradeEvent{notify.TradeOpened, notify.TradeClosed}, f.notifier.tradeEvents())
}

func TestManager_RejectedOrderHasNoSideEffects(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	_, err := f.manager.OpenTrade(ctx, "alice", trading.OrderRequest{
		Symbol: "BTCUSD", Direction: models.DirectionBuy, Volume: 10,
	})
	assert.ErrorIs(t, err, errors.ErrInsufficientMargin)

	f.manager.Shutdown()
	assert.Empty(t, f.notifier.tradeEvents())
	trades, err := f.manager.Trades(ctx, "alice", "")
	require.NoError(t, err)
	assert.Empty(t, trades)
}

func TestManager_HandleTickTriggersStopLoss(t *testing.T) {
	f := newFixture(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.hub.Start(ctx)
	defer f.hub.Stop()
	snaps := f.hub.Subscribe("alice")

	tr, err := f.manager.OpenTrade(ctx, "alice", trading.OrderRequest{
		Symbol: "BTCUSD", Direction: models.DirectionBuy, Volume: 0.1, StopLoss: models.Float(39500),
	})
	require.NoError(t, err)

	// Ticks in other symbols leave the account alone.
	f.manager.HandleTick(models.Tick{Symbol: "AAPL", Price: 191})

	f.prices.set("BTCUSD", 39000)
	f.manager.HandleTick(models.Tick{Symbol: "BTCUSD", Price: 39000})

	got, err := f.manager.Trades(ctx, "alice", models.TradeClosed)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, tr.ID, got[0].ID)
	assert.Equal(t, models.CloseStopLoss, got[0].CloseReason)
	assert.InDelta(t, -100, *got[0].FinalPnL, 1e-9)

	deadline := time.After(2 * time.Second)
	for done := false; !done; {
		select {
		case snap := <-snaps:
			done = len(snap.OpenTrades) == 0
		case <-deadline:
			t.Fatal("no snapshot without open trades was published")
		}
	}

	f.manager.Shutdown()
	assert.Equal(t, []notify.TradeEvent{notify.TradeOpened, notify.TradeStopLoss}, f.notifier.tradeEvents())
}

func TestManager_HandleTickRevaluesOncePerStep(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	for _, sym := range []string{"BTCUSD", "AAPL"} {
		_, err := f.manager.OpenTrade(ctx, "alice", trading.OrderRequest{
			Symbol: sym, Direction: models.DirectionBuy, Volume: 0.01,
		})
		require.NoError(t, err)
	}
	current := func(symbol string) float64 {
		open, err := f.manager.Trades(ctx, "alice", models.TradeOpen)
		require.NoError(t, err)
		for _, tr := range open {
			if tr.Symbol == symbol {
				return tr.CurrentPrice
			}
		}
		t.Fatalf("no open %s trade", symbol)
		return 0
	}

	f.prices.set("BTCUSD", 41000)
	f.manager.HandleTick(models.Tick{Symbol: "BTCUSD", Price: 41000, Step: 1})
	assert.Equal(t, 41000.0, current("BTCUSD"))

	// The second tick of the same step finds the session already revalued.
	f.prices.set("AAPL", 195)
	f.manager.HandleTick(models.Tick{Symbol: "AAPL", Price: 195, Step: 1})
	assert.Equal(t, 190.0, current("AAPL"))

	f.manager.HandleTick(models.Tick{Symbol: "AAPL", Price: 195, Step: 2})
	assert.Equal(t, 195.0, current("AAPL"))

	// Manual price overrides carry no step and always revalue.
	f.prices.set("BTCUSD", 42000)
	f.manager.HandleTick(models.Tick{Symbol: "BTCUSD", Price: 42000})
	assert.Equal(t, 42000.0, current("BTCUSD"))
	f.manager.Shutdown()
}

func TestManager_SimulateSignalsNotifies(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	s, err := f.manager.Get(ctx, "alice")
	require.NoError(t, err)
	for i := 0; i < 30; i++ {
		_, err := s.Strategies.Create(strategy.Input{Name: fmt.Sprintf("s%d", i), Symbol: "AAPL"})
		require.NoError(t, err)
	}

	total := 0
	for i := 0; i < 10; i++ {
		total += len(f.manager.SimulateSignals())
	}
	require.Positive(t, total)

	f.manager.Shutdown()
	f.notifier.mu.Lock()
	assert.Len(t, f.notifier.signals, total)
	f.notifier.mu.Unlock()
}

func TestManager_RunBacktestRecordsResult(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	rep, err := f.manager.RunBacktest(ctx, "alice", backtest.Config{
		Symbol: "AAPL", Timeframe: "1D", Start: start, End: start.AddDate(0, 3, 0), Seed: 5,
	})
	require.NoError(t, err)
	assert.Equal(t, "alice", rep.Result.UserID)

	list, err := f.manager.Backtests(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, rep.Result.ID, list[0].ID)

	f.flush(t)
	stored, err := f.mem.Backtests().List(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, stored, 1)
}

func TestManager_RunBacktestFromStrategy(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	s, err := f.manager.Get(ctx, "alice")
	require.NoError(t, err)
	st, err := s.Strategies.Create(strategy.Input{Name: "Breakout", Symbol: "TSLA", Type: models.StrategyBreakout})
	require.NoError(t, err)

	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	rep, err := f.manager.RunBacktest(ctx, "alice", backtest.Config{
		StrategyID: st.ID, Timeframe: "1H", Start: start, End: start.AddDate(0, 0, 5), Seed: 9,
	})
	require.NoError(t, err)
	assert.Equal(t, "TSLA", rep.Result.Symbol)
	assert.Equal(t, "breakout", rep.Result.StrategyType)
	assert.Equal(t, st.ID, rep.Result.StrategyID)

	_, err = f.manager.RunBacktest(ctx, "alice", backtest.Config{StrategyID: "missing"})
	assert.ErrorIs(t, err, errors.ErrNotFound)
}

type failingPortfolios struct {
	store.PortfolioRepository
}

func (failingPortfolios) Get(ctx context.Context, userID string) (*models.Portfolio, error) {
	return nil, stderrors.New("connection refused")
}

type failingStore struct {
	*store.MemoryStore
}

func (f failingStore) Portfolios() store.PortfolioRepository {
	return failingPortfolios{f.MemoryStore.Portfolios()}
}

func TestManager_HydrationFailureIsNotCached(t *testing.T) {
	f := newFixture(t, failingStore{store.NewMemoryStore()})

	_, err := f.manager.Get(context.Background(), "alice")
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrServiceUnavailable)
	assert.Empty(t, f.manager.Users())

	_, err = f.manager.Portfolio(context.Background(), "alice")
	assert.ErrorIs(t, err, errors.ErrServiceUnavailable)
}

func TestManager_EmptyUserUnauthorized(t *testing.T) {
	f := newFixture(t, nil)
	_, err := f.manager.Get(context.Background(), "")
	assert.ErrorIs(t, err, errors.ErrUnauthorized)
}

func TestManager_ResetClearsStore(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	tr, err := f.manager.OpenTrade(ctx, "alice", trading.OrderRequest{Symbol: "AAPL", Direction: models.DirectionSell, Volume: 0.1})
	require.NoError(t, err)
	f.flush(t)

	p, err := f.manager.Reset(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, 10000.0, p.Balance)
	f.flush(t)

	_, err = f.mem.Trades().Get(ctx, tr.ID)
	assert.ErrorIs(t, err, errors.ErrNotFound)
	positions, err := f.mem.Positions().List(ctx, "alice")
	require.NoError(t, err)
	assert.Empty(t, positions)
}

// rowLog records row writes as "method:key".
type rowLog []string

func (l *rowLog) InsertTrade(t *models.Trade)         { *l = append(*l, "InsertTrade:"+t.ID) }
func (l *rowLog) UpdateTrade(t *models.Trade)         { *l = append(*l, "UpdateTrade:"+t.ID) }
func (l *rowLog) DeleteTrade(t *models.Trade)         { *l = append(*l, "DeleteTrade:"+t.ID) }
func (l *rowLog) UpsertPortfolio(p *models.Portfolio) { *l = append(*l, "UpsertPortfolio:"+p.UserID) }
func (l *rowLog) UpsertPosition(p *models.Position)   { *l = append(*l, "UpsertPosition:"+p.Symbol) }
func (l *rowLog) DeletePosition(p *models.Position)   { *l = append(*l, "DeletePosition:"+p.Symbol) }

func TestGatewaySinkKeepsCommitOrder(t *testing.T) {
	tr := &models.Trade{ID: "t"}
	p := &models.Portfolio{UserID: "u"}
	pos := &models.Position{UserID: "u", Symbol: "AAPL", Direction: models.DirectionBuy}

	var log rowLog
	GatewaySink(&log).Record(
		trading.Change{Kind: trading.ChangeTradeInserted, Trade: tr},
		trading.Change{Kind: trading.ChangePortfolioUpserted, Portfolio: p},
		trading.Change{Kind: trading.ChangePositionUpserted, Position: pos},
		trading.Change{Kind: trading.ChangeTradeUpdated, Trade: tr},
		trading.Change{Kind: "unknown"},
		trading.Change{Kind: trading.ChangeTradeDeleted, Trade: tr},
		trading.Change{Kind: trading.ChangePositionDeleted, Position: pos},
	)

	assert.Equal(t, rowLog{
		"InsertTrade:t", "UpsertPortfolio:u", "UpsertPosition:AAPL",
		"UpdateTrade:t", "DeleteTrade:t", "DeletePosition:AAPL",
	}, log)
	assert.False(t, persist(&log, trading.Change{Kind: "unknown"}))
}

func TestGatewaySinkQueuesInGateway(t *testing.T) {
	g := store.NewGateway(store.NewMemoryStore(), store.DefaultSyncConfig(), zerolog.Nop())
	tr := &models.Trade{ID: "t", UserID: "u"}
	p := &models.Portfolio{UserID: "u"}

	GatewaySink(g).Record(
		trading.Change{Kind: trading.ChangeTradeInserted, Trade: tr},
		trading.Change{Kind: trading.ChangePortfolioUpserted, Portfolio: p},
	)
	assert.Equal(t, 2, g.Pending())
}
