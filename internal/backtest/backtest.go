// Package backtest replays strategy rules over synthetic candles generated
// from the simulator's random walk.
package backtest

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"strings"
	"time"

	"virtual-trader/internal/errors"
	"virtual-trader/internal/models"
	"virtual-trader/pkg/utils"
)

// Limits on the number of candles a run may span.
const (
	MinCandles            = Warmup + 5
	MaxCandles            = 20000
	DefaultInitialCapital = 10000.0
	// positionFraction is the share of equity committed to each entry.
	positionFraction = 0.95
)

// Instruments resolves symbols to catalog instruments.
type Instruments interface {
	Get(symbol string) (models.Instrument, error)
}

// Persister stores finished results.
type Persister interface {
	InsertBacktest(r *models.BacktestResult)
}

// Config describes one backtest run.
type Config struct {
	UserID         string              `json:"userId,omitempty"`
	StrategyID     string              `json:"strategyId,omitempty"`
	StrategyType   models.StrategyType `json:"strategyType"`
	Symbol         string              `json:"symbol"`
	Timeframe      string              `json:"timeframe"`
	Start          time.Time           `json:"startDate"`
	End            time.Time           `json:"endDate"`
	Seed           int64               `json:"seed,omitempty"`
	InitialCapital float64             `json:"initialCapital,omitempty"`
	Slippage       float64             `json:"slippage,omitempty"`
	Band           float64             `json:"-"`
}

// Trade is a round trip taken during a backtest.
type Trade struct {
	Side       models.Direction `json:"side"`
	EntryTime  time.Time        `json:"entryTime"`
	ExitTime   time.Time        `json:"exitTime"`
	EntryPrice float64          `json:"entryPrice"`
	ExitPrice  float64          `json:"exitPrice"`
	Quantity   float64          `json:"quantity"`
	PnL        float64          `json:"pnl"`
	PnLPercent float64          `json:"pnlPercent"`
	Reason     string           `json:"reason"`
}

// EquityPoint represents a point on the equity curve.
type EquityPoint struct {
	Timestamp time.Time `json:"timestamp"`
	Equity    float64   `json:"equity"`
}

// Report is the full outcome of a run. Result is what gets stored.
type Report struct {
	Result      models.BacktestResult `json:"result"`
	Trades      []Trade               `json:"trades"`
	EquityCurve []EquityPoint         `json:"equityCurve"`
	Candles     int                   `json:"candles"`
}

// Option configures an Engine.
type Option func(*Engine)

// WithPersister stores every finished result.
func WithPersister(p Persister) Option {
	return func(e *Engine) { e.persist = p }
}

// WithProgress reports candle progress during Run.
func WithProgress(fn func(done, total int)) Option {
	return func(e *Engine) { e.progress = fn }
}

// WithClock sets the time source for result timestamps.
func WithClock(clock func() time.Time) Option {
	return func(e *Engine) { e.now = clock }
}

// Engine runs backtests.
type Engine struct {
	instruments Instruments
	persist     Persister
	progress    func(done, total int)
	now         func() time.Time
	newID       func() string
}

// NewEngine creates a new backtest engine.
func NewEngine(instruments Instruments, opts ...Option) *Engine {
	e := &Engine{
		instruments: instruments,
		now:         time.Now,
		newID:       utils.NewID,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Validate normalizes cfg and checks it can be run.
func (e *Engine) Validate(cfg Config) (Config, time.Duration, models.Instrument, error) {
	cfg.Symbol = strings.ToUpper(strings.TrimSpace(cfg.Symbol))
	if cfg.Symbol == "" {
		return cfg, 0, models.Instrument{}, errors.NewValidationError("symbol", cfg.Symbol, "is required")
	}
	inst, err := e.instruments.Get(cfg.Symbol)
	if err != nil {
		return cfg, 0, models.Instrument{}, errors.NewValidationError("symbol", cfg.Symbol, "unknown instrument")
	}

	if cfg.StrategyType == "" {
		cfg.StrategyType = models.StrategyMACrossover
	}
	if !cfg.StrategyType.Valid() {
		return cfg, 0, inst, errors.NewValidationError("strategyType", cfg.StrategyType, "unknown strategy type")
	}

	name, tf, err := ParseTimeframe(cfg.Timeframe)
	if err != nil {
		return cfg, 0, inst, err
	}
	cfg.Timeframe = name

	if cfg.Start.IsZero() || cfg.End.IsZero() {
		return cfg, 0, inst, errors.NewValidationError("startDate", cfg.Start, "start and end dates are required")
	}
	if !cfg.End.After(cfg.Start) {
		return cfg, 0, inst, errors.NewValidationError("endDate", cfg.End, "must be after start date")
	}

	n := candleCount(cfg.Start, cfg.End, tf)
	if n < MinCandles {
		return cfg, 0, inst, errors.NewValidationError("endDate", cfg.End,
			fmt.Sprintf("range holds %d %s candles, need at least %d", n, name, MinCandles))
	}
	if n > MaxCandles {
		return cfg, 0, inst, errors.NewValidationError("endDate", cfg.End,
			fmt.Sprintf("range holds %d %s candles, at most %d allowed", n, name, MaxCandles))
	}

	if cfg.InitialCapital <= 0 {
		cfg.InitialCapital = DefaultInitialCapital
	}
	if cfg.Slippage < 0 || cfg.Slippage >= 0.1 {
		return cfg, 0, inst, errors.NewValidationError("slippage", cfg.Slippage, "must be in [0, 0.1)")
	}
	return cfg, tf, inst, nil
}

func candleCount(start, end time.Time, tf time.Duration) int {
	return int(end.Sub(start) / tf)
}

// Run generates candles for cfg and replays its strategy rule. The
// result is persisted when a persister is configured.
func (e *Engine) Run(ctx context.Context, cfg Config) (*Report, error) {
	cfg, tf, inst, err := e.Validate(cfg)
	if err != nil {
		return nil, err
	}

	seed := cfg.Seed
	if seed == 0 {
		seed = e.now().UnixNano()
	}
	r := rand.New(rand.NewSource(seed))
	candles := GenerateCandles(r, inst.ReferencePrice, cfg.Start.UTC(), tf, candleCount(cfg.Start, cfg.End, tf), cfg.Band)

	report, err := e.replay(ctx, cfg, candles)
	if err != nil {
		return nil, err
	}

	if e.persist != nil {
		row := report.Result
		e.persist.InsertBacktest(&row)
	}
	return report, nil
}

// backtestState holds the state during backtesting.
type backtestState struct {
	capital     float64
	position    float64 // signed quantity
	entryPrice  float64
	entryTime   time.Time
	peakEquity  float64
	maxDrawdown float64
}

func (s *backtestState) equity(price float64) float64 {
	if s.position == 0 {
		return s.capital
	}
	return s.capital + s.position*(price-s.entryPrice)
}

func (e *Engine) replay(ctx context.Context, cfg Config, candles []models.Candle) (*Report, error) {
	gen := GeneratorFor(cfg.StrategyType)
	state := &backtestState{capital: cfg.InitialCapital, peakEquity: cfg.InitialCapital}
	report := &Report{
		Trades:      make([]Trade, 0),
		EquityCurve: make([]EquityPoint, 0, len(candles)),
		Candles:     len(candles),
	}

	total := len(candles)
	for i := Warmup; i < total; i++ {
		if i%256 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		candle := candles[i]

		switch gen(candles[:i+1], i) {
		case Buy:
			if state.position <= 0 {
				if t := closePosition(state, candle, cfg.Slippage, "signal_reversal"); t != nil {
					report.Trades = append(report.Trades, *t)
				}
				openPosition(state, candle, cfg.Slippage, 1)
			}
		case Sell:
			if state.position >= 0 {
				if t := closePosition(state, candle, cfg.Slippage, "signal_reversal"); t != nil {
					report.Trades = append(report.Trades, *t)
				}
				openPosition(state, candle, cfg.Slippage, -1)
			}
		}

		eq := state.equity(candle.Close)
		if eq > state.peakEquity {
			state.peakEquity = eq
		}
		if state.peakEquity > 0 {
			if dd := (state.peakEquity - eq) / state.peakEquity; dd > state.maxDrawdown {
				state.maxDrawdown = dd
			}
		}
		report.EquityCurve = append(report.EquityCurve, EquityPoint{Timestamp: candle.Timestamp, Equity: eq})

		if e.progress != nil {
			e.progress(i+1, total)
		}
	}

	if t := closePosition(state, candles[total-1], cfg.Slippage, "end_of_backtest"); t != nil {
		report.Trades = append(report.Trades, *t)
	}

	report.Result = models.BacktestResult{
		ID:           e.newID(),
		UserID:       cfg.UserID,
		StrategyID:   cfg.StrategyID,
		StrategyType: string(cfg.StrategyType),
		Symbol:       cfg.Symbol,
		Timeframe:    cfg.Timeframe,
		StartDate:    cfg.Start.UTC(),
		EndDate:      cfg.End.UTC(),
		CreatedAt:    e.now().UTC(),
	}
	calculateMetrics(&report.Result, report.Trades, cfg.InitialCapital, state)
	return report, nil
}

func openPosition(state *backtestState, candle models.Candle, slippage float64, side float64) {
	price := candle.Close * (1 + side*slippage)
	qty := state.capital * positionFraction / price
	if qty <= 0 {
		return
	}
	state.position = side * qty
	state.entryPrice = price
	state.entryTime = candle.Timestamp
}

func closePosition(state *backtestState, candle models.Candle, slippage float64, reason string) *Trade {
	if state.position == 0 {
		return nil
	}

	var exitPrice float64
	side := models.DirectionBuy
	if state.position > 0 {
		exitPrice = candle.Close * (1 - slippage)
	} else {
		exitPrice = candle.Close * (1 + slippage)
		side = models.DirectionSell
	}

	pnl := state.position * (exitPrice - state.entryPrice)
	pct := (exitPrice - state.entryPrice) / state.entryPrice * 100 * side.Sign()

	trade := &Trade{
		Side:       side,
		EntryTime:  state.entryTime,
		ExitTime:   candle.Timestamp,
		EntryPrice: state.entryPrice,
		ExitPrice:  exitPrice,
		Quantity:   math.Abs(state.position),
		PnL:        pnl,
		PnLPercent: pct,
		Reason:     reason,
	}

	state.capital += pnl
	state.position = 0
	state.entryPrice = 0
	state.entryTime = time.Time{}
	return trade
}

// calculateMetrics fills the summary statistics. AvgWin and AvgLoss are
// mean percentage moves and both positive; ProfitFactor is zero when no
// trade lost.
func calculateMetrics(res *models.BacktestResult, trades []Trade, initialCapital float64, state *backtestState) {
	res.TotalTrades = len(trades)
	res.TotalReturn = (state.capital - initialCapital) / initialCapital * 100
	res.MaxDrawdown = state.maxDrawdown * 100
	if len(trades) == 0 {
		return
	}

	var wins, losses int
	var grossWin, grossLoss, winPct, lossPct float64
	for _, t := range trades {
		if t.PnL > 0 {
			wins++
			grossWin += t.PnL
			winPct += t.PnLPercent
		} else {
			losses++
			grossLoss += -t.PnL
			lossPct += -t.PnLPercent
		}
	}

	res.WinRate = float64(wins) / float64(len(trades)) * 100
	if wins > 0 {
		res.AvgWin = winPct / float64(wins)
	}
	if losses > 0 {
		res.AvgLoss = lossPct / float64(losses)
	}
	if grossLoss > 0 {
		res.ProfitFactor = grossWin / grossLoss
	}
}
