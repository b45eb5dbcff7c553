package client

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"virtual-trader/internal/api"
	"virtual-trader/internal/backtest"
	"virtual-trader/internal/catalog"
	"virtual-trader/internal/errors"
	"virtual-trader/internal/models"
	"virtual-trader/internal/session"
	"virtual-trader/internal/store"
	"virtual-trader/internal/strategy"
	"virtual-trader/internal/stream"
	"virtual-trader/internal/trading"
)

type fixedPrices map[string]float64

func (p fixedPrices) Price(symbol string) (float64, bool) {
	v, ok := p[symbol]
	return v, ok
}

func newServer(t *testing.T) *httptest.Server {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	hub := stream.NewSnapshotHub()
	hub.Start(ctx)
	t.Cleanup(hub.Stop)

	instruments := catalog.Default()
	manager := session.NewManager(session.Config{}, session.Deps{
		Gateway:     store.NewGateway(store.NewMemoryStore(), nil, zerolog.Nop()),
		Instruments: instruments,
		Prices:      fixedPrices{"BTCUSD": 50000, "EURUSD": 1.08},
		Snapshots:   hub,
		Logger:      zerolog.Nop(),
	})
	srv := api.NewServer(api.Config{StreamInterval: 30 * time.Millisecond, StreamMaxDuration: time.Minute}, api.Deps{
		Sessions:    manager,
		Instruments: instruments,
		Snapshots:   hub,
		Auth:        api.NewTokenRegistry(map[string]string{"secret": "alice"}, false),
		Logger:      zerolog.Nop(),
	})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts
}

func TestClient_TradeRoundTrip(t *testing.T) {
	ts := newServer(t)
	c := New(ts.URL+"/", "secret", time.Second)
	ctx := context.Background()

	tr, err := c.OpenTrade(ctx, trading.OrderRequest{Symbol: "BTCUSD", Direction: models.DirectionSell, Volume: 0.02})
	require.NoError(t, err)
	assert.Equal(t, models.DirectionSell, tr.Direction)

	snap, err := c.Portfolio(ctx)
	require.NoError(t, err)
	assert.InDelta(t, 1000, snap.Portfolio.Margin, 1e-9)
	require.Len(t, snap.OpenTrades, 1)

	open, err := c.Trades(ctx, models.TradeOpen)
	require.NoError(t, err)
	assert.Len(t, open, 1)

	positions, err := c.Positions(ctx)
	require.NoError(t, err)
	require.Len(t, positions, 1)

	closed, err := c.CloseTrade(ctx, tr.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TradeClosed, closed.Status)

	_, err = c.CloseTrade(ctx, tr.ID)
	assert.ErrorIs(t, err, errors.ErrTradeClosed)
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusConflict, apiErr.Status)

	perf, err := c.Performance(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, perf.Summary.ClosedTrades)

	p, err := c.Reset(ctx)
	require.NoError(t, err)
	assert.Equal(t, 10000.0, p.Balance)
}

func TestClient_ErrorMapping(t *testing.T) {
	ts := newServer(t)
	ctx := context.Background()

	_, err := New(ts.URL, "wrong", time.Second).Portfolio(ctx)
	assert.ErrorIs(t, err, errors.ErrUnauthorized)

	c := New(ts.URL, "secret", time.Second)
	_, err = c.OpenTrade(ctx, trading.OrderRequest{Symbol: "BTCUSD", Direction: models.DirectionBuy, Volume: 1})
	assert.ErrorIs(t, err, errors.ErrInsufficientMargin)

	_, err = c.OpenTrade(ctx, trading.OrderRequest{Symbol: "BTCUSD", Direction: "LONG", Volume: 1})
	assert.ErrorIs(t, err, errors.ErrInvalidInput)

	_, err = c.CloseTrade(ctx, "nope")
	assert.ErrorIs(t, err, errors.ErrNotFound)
}

func TestClient_UnreachableServer(t *testing.T) {
	ts := httptest.NewServer(http.NotFoundHandler())
	url := ts.URL
	ts.Close()

	_, err := New(url, "secret", time.Second).Portfolio(context.Background())
	assert.ErrorIs(t, err, errors.ErrServiceUnavailable)
}

func TestClient_StrategiesAndBacktests(t *testing.T) {
	ts := newServer(t)
	c := New(ts.URL, "secret", 5*time.Second)
	ctx := context.Background()

	st, err := c.CreateStrategy(ctx, strategy.Input{Name: "Inside", Symbol: "EURUSD", Type: models.StrategyInsideCandle})
	require.NoError(t, err)

	toggled, err := c.ToggleStrategy(ctx, st.ID)
	require.NoError(t, err)
	assert.False(t, toggled.Enabled)

	list, err := c.Strategies(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 1)

	start := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	report, err := c.RunBacktest(ctx, backtest.Config{
		StrategyID: st.ID, Timeframe: "15m", Start: start, End: start.Add(48 * time.Hour), Seed: 1,
	})
	require.NoError(t, err)
	assert.Equal(t, "inside_candle", report.Result.StrategyType)
	assert.Equal(t, 192, report.Candles)

	results, err := c.Backtests(ctx)
	require.NoError(t, err)
	assert.Len(t, results, 1)

	require.NoError(t, c.DeleteStrategy(ctx, st.ID))
	assert.ErrorIs(t, c.DeleteStrategy(ctx, st.ID), errors.ErrNotFound)

	found, err := c.Instruments(ctx, "btc")
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, "BTCUSD", found[0].Symbol)
}

func TestClient_StreamPortfolio(t *testing.T) {
	ts := newServer(t)
	c := New(ts.URL, "secret", time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	var frames []models.PortfolioSnapshot
	err := c.StreamPortfolio(ctx, func(s models.PortfolioSnapshot) {
		mu.Lock()
		defer mu.Unlock()
		frames = append(frames, s)
		if len(frames) == 3 {
			cancel()
		}
	})
	require.NoError(t, err)
	mu.Lock()
	defer mu.Unlock()
	require.Len(t, frames, 3)
	assert.Equal(t, "alice", frames[0].UserID)
}

func TestClient_StreamPortfolioSkipsBadFrames(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "event: snapshot\ndata: {\"userId\":\"alice\"}\n\n")
		fmt.Fprint(w, "event: snapshot\ndata: {not json\n\n")
		fmt.Fprint(w, "event: snapshot\ndata: {\"userId\":\"alice\"}\n\n")
	}))
	defer ts.Close()

	var logs bytes.Buffer
	c := New(ts.URL, "secret", time.Second, WithLogger(zerolog.New(&logs).Level(zerolog.DebugLevel)))

	var frames []models.PortfolioSnapshot
	err := c.StreamPortfolio(context.Background(), func(s models.PortfolioSnapshot) {
		frames = append(frames, s)
	})
	require.NoError(t, err)
	assert.Len(t, frames, 2)
	assert.Contains(t, logs.String(), "Skipping undecodable stream frame")
	assert.Contains(t, logs.String(), `"component":"client"`)
}

func TestReadEvents(t *testing.T) {
	body := "event: snapshot\ndata: {\"a\":1}\n\n" +
		": comment\n\n" +
		"event: snapshot\r\ndata: {\"a\":\r\ndata: 2}\r\n\r\n" +
		"data: tail"

	var got []string
	require.NoError(t, ReadEvents(strings.NewReader(body), func(data []byte) {
		got = append(got, string(data))
	}))
	assert.Equal(t, []string{`{"a":1}`, "{\"a\":\n2}", "tail"}, got)
}

func TestAPIError(t *testing.T) {
	for status, want := range map[int]error{
		http.StatusBadRequest:          errors.ErrInvalidInput,
		http.StatusUnauthorized:        errors.ErrUnauthorized,
		http.StatusNotFound:            errors.ErrNotFound,
		http.StatusConflict:            errors.ErrTradeClosed,
		http.StatusUnprocessableEntity: errors.ErrInsufficientMargin,
		http.StatusServiceUnavailable:  errors.ErrServiceUnavailable,
	} {
		err := &APIError{Status: status, Message: "x"}
		assert.ErrorIs(t, err, want, fmt.Sprint(status))
	}
	assert.Nil(t, (&APIError{Status: 500}).Unwrap())
}
