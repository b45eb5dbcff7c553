package backtest

import (
	"context"
	"math"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"virtual-trader/internal/catalog"
	"virtual-trader/internal/errors"
	"virtual-trader/internal/models"
)

type recordingPersister struct {
	results []models.BacktestResult
}

func (p *recordingPersister) InsertBacktest(r *models.BacktestResult) {
	p.results = append(p.results, *r)
}

var testStart = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func testConfig() Config {
	return Config{
		UserID:       "alice",
		StrategyType: models.StrategyMACrossover,
		Symbol:       "btcusd",
		Timeframe:    "1H",
		Start:        testStart,
		End:          testStart.Add(30 * 24 * time.Hour),
		Seed:         42,
	}
}

func fixedClock() time.Time { return testStart.Add(time.Hour) }

func TestParseTimeframe(t *testing.T) {
	for _, tf := range Timeframes() {
		name, d, err := ParseTimeframe(tf)
		require.NoError(t, err)
		assert.Equal(t, tf, name)
		assert.Positive(t, d)
	}

	name, d, err := ParseTimeframe("1d")
	require.NoError(t, err)
	assert.Equal(t, "1D", name)
	assert.Equal(t, 24*time.Hour, d)

	_, _, err = ParseTimeframe("2W")
	assert.True(t, errors.IsValidation(err))
}

func TestGenerateCandles_Shape(t *testing.T) {
	r := rand.New(rand.NewSource(1))
	candles := GenerateCandles(r, 100, testStart, time.Hour, 200, 0)
	require.Len(t, candles, 200)

	for i, c := range candles {
		assert.Equal(t, testStart.Add(time.Duration(i)*time.Hour), c.Timestamp)
		assert.GreaterOrEqual(t, c.High, math.Max(c.Open, c.Close))
		assert.LessOrEqual(t, c.Low, math.Min(c.Open, c.Close))
		if i > 0 {
			assert.Equal(t, candles[i-1].Close, c.Open, "candles are contiguous")
		}
	}
}

func TestStepBand_ScalesAndCaps(t *testing.T) {
	assert.InDelta(t, 0.001, stepBand(time.Second, 0.001), 1e-12, "never below the live band")
	assert.Greater(t, stepBand(time.Hour, 0.001), stepBand(5*time.Minute, 0.001))
	assert.Equal(t, maxStepBand, stepBand(24*time.Hour, 0.001))
}

func TestEngine_RunIsDeterministicForSeed(t *testing.T) {
	e := NewEngine(catalog.Default(), WithClock(fixedClock))

	a, err := e.Run(context.Background(), testConfig())
	require.NoError(t, err)
	b, err := e.Run(context.Background(), testConfig())
	require.NoError(t, err)

	assert.Equal(t, a.Trades, b.Trades)
	assert.Equal(t, a.Result.TotalReturn, b.Result.TotalReturn)
	assert.Equal(t, 30*24, a.Candles)
	assert.Len(t, a.EquityCurve, a.Candles-Warmup)
	assert.Equal(t, "BTCUSD", a.Result.Symbol)
	assert.Equal(t, "alice", a.Result.UserID)
	assert.Equal(t, "ma_crossover", a.Result.StrategyType)
}

func TestEngine_MetricsAreConsistent(t *testing.T) {
	types := []models.StrategyType{
		models.StrategyMACrossover,
		models.StrategyBreakout,
		models.StrategyInsideCandle,
		models.StrategyCustom,
	}
	e := NewEngine(catalog.Default(), WithClock(fixedClock))

	for _, st := range types {
		t.Run(string(st), func(t *testing.T) {
			cfg := testConfig()
			cfg.StrategyType = st
			rep, err := e.Run(context.Background(), cfg)
			require.NoError(t, err)
			res := rep.Result

			assert.Equal(t, len(rep.Trades), res.TotalTrades)
			sum := 0.0
			wins := 0
			for _, tr := range rep.Trades {
				sum += tr.PnL
				if tr.PnL > 0 {
					wins++
				}
			}
			assert.InDelta(t, sum/DefaultInitialCapital*100, res.TotalReturn, 1e-6)
			if res.TotalTrades > 0 {
				assert.InDelta(t, float64(wins)/float64(res.TotalTrades)*100, res.WinRate, 1e-9)
			}
			assert.GreaterOrEqual(t, res.MaxDrawdown, 0.0)
			assert.GreaterOrEqual(t, res.AvgWin, 0.0)
			assert.GreaterOrEqual(t, res.AvgLoss, 0.0)
			assert.GreaterOrEqual(t, res.ProfitFactor, 0.0)
		})
	}
}

func TestEngine_PersistsAndReportsProgress(t *testing.T) {
	p := &recordingPersister{}
	var last, calls int
	e := NewEngine(catalog.Default(),
		WithPersister(p),
		WithClock(fixedClock),
		WithProgress(func(done, total int) {
			calls++
			last = done
			assert.Equal(t, 30*24, total)
		}),
	)

	rep, err := e.Run(context.Background(), testConfig())
	require.NoError(t, err)
	require.Len(t, p.results, 1)
	assert.Equal(t, rep.Result, p.results[0])
	assert.Equal(t, 30*24, last)
	assert.Equal(t, 30*24-Warmup, calls)
}

func TestEngine_Validation(t *testing.T) {
	e := NewEngine(catalog.Default())
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"missing symbol", func(c *Config) { c.Symbol = "" }},
		{"unknown symbol", func(c *Config) { c.Symbol = "NOPE" }},
		{"bad strategy", func(c *Config) { c.StrategyType = "martingale" }},
		{"bad timeframe", func(c *Config) { c.Timeframe = "3m" }},
		{"end before start", func(c *Config) { c.End = c.Start.Add(-time.Hour) }},
		{"end equals start", func(c *Config) { c.End = c.Start }},
		{"too few candles", func(c *Config) { c.End = c.Start.Add(10 * time.Hour) }},
		{"too many candles", func(c *Config) {
			c.Timeframe = "5m"
			c.End = c.Start.Add(365 * 24 * time.Hour)
		}},
		{"bad slippage", func(c *Config) { c.Slippage = 0.5 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig()
			tt.mutate(&cfg)
			_, err := e.Run(context.Background(), cfg)
			require.Error(t, err)
			assert.ErrorIs(t, err, errors.ErrInvalidInput)
		})
	}
}

func TestEngine_RunHonorsCancellation(t *testing.T) {
	e := NewEngine(catalog.Default())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	cfg := testConfig()
	cfg.Timeframe = "5m"
	_, err := e.Run(ctx, cfg)
	assert.ErrorIs(t, err, context.Canceled)
}

func candle(high, low, close float64) models.Candle {
	return models.Candle{High: high, Low: low, Close: close, Open: close}
}

func TestInsideCandle(t *testing.T) {
	mother := candle(110, 90, 100)
	inside := candle(105, 95, 100)

	assert.Equal(t, Buy, insideCandle([]models.Candle{mother, inside, candle(112, 100, 111)}, 2))
	assert.Equal(t, Sell, insideCandle([]models.Candle{mother, inside, candle(100, 85, 89)}, 2))
	assert.Equal(t, Hold, insideCandle([]models.Candle{mother, inside, candle(108, 92, 100)}, 2))

	notInside := candle(115, 95, 100)
	assert.Equal(t, Hold, insideCandle([]models.Candle{mother, notInside, candle(120, 100, 119)}, 2))
	assert.Equal(t, Hold, insideCandle([]models.Candle{mother}, 0))
}

func TestBreakout(t *testing.T) {
	gen := breakout(3)
	base := []models.Candle{candle(10, 8, 9), candle(11, 9, 10), candle(10, 9, 9.5)}

	assert.Equal(t, Buy, gen(append(base, candle(12, 10, 11.5)), 3))
	assert.Equal(t, Sell, gen(append(base, candle(9, 7, 7.5)), 3))
	assert.Equal(t, Hold, gen(append(base, candle(10.5, 8.5, 10)), 3))
	assert.Equal(t, Hold, gen(base, 2))
}

func TestSMACrossover(t *testing.T) {
	gen := smaCrossover(2, 3)
	closes := []float64{10, 10, 10, 9, 12}
	candles := make([]models.Candle, len(closes))
	for i, c := range closes {
		candles[i] = candle(c, c, c)
	}
	// At index 3 short(9.5) < long(9.67); at 4 short(10.5) > long(10.33).
	assert.Equal(t, Buy, gen(candles, 4))
	assert.Equal(t, Hold, gen(candles, 2))
}

func TestSignalString(t *testing.T) {
	assert.Equal(t, "BUY", Buy.String())
	assert.Equal(t, "SELL", Sell.String())
	assert.Equal(t, "HOLD", Hold.String())
}

func TestCalculateMetrics(t *testing.T) {
	trades := []Trade{
		{PnL: 200, PnLPercent: 2},
		{PnL: -100, PnLPercent: -1},
		{PnL: 100, PnLPercent: 4},
		{PnL: -50, PnLPercent: -3},
	}
	state := &backtestState{capital: 10150, maxDrawdown: 0.05}
	var res models.BacktestResult
	calculateMetrics(&res, trades, 10000, state)

	assert.Equal(t, 4, res.TotalTrades)
	assert.InDelta(t, 50, res.WinRate, 1e-9)
	assert.InDelta(t, 1.5, res.TotalReturn, 1e-9)
	assert.InDelta(t, 5, res.MaxDrawdown, 1e-9)
	assert.InDelta(t, 3, res.AvgWin, 1e-9)
	assert.InDelta(t, 2, res.AvgLoss, 1e-9)
	assert.InDelta(t, 2, res.ProfitFactor, 1e-9)
}
