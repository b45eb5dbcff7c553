// Package feed simulates live prices with a bounded random walk.
package feed

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"virtual-trader/internal/errors"
	"virtual-trader/internal/models"
)

// Defaults for the simulated feed.
const (
	DefaultInterval = 2 * time.Second
	DefaultBand     = 0.001
)

// Publisher receives every simulated tick.
type Publisher interface {
	Publish(tick models.Tick)
}

// Config holds configuration for the price feed.
type Config struct {
	Interval  time.Duration
	Band      float64
	Source    rand.Source
	Publisher Publisher
	Clock     func() time.Time
}

// Feed perturbs the last price of every instrument on a fixed interval.
// It keeps no history.
type Feed struct {
	symbols   []string
	prices    map[string]float64
	rng       *rand.Rand
	interval  time.Duration
	band      float64
	publisher Publisher
	now       func() time.Time
	steps     uint64
	lastStep  time.Time

	mu sync.RWMutex
}

// New creates a feed seeded with each instrument's reference price.
func New(instruments []models.Instrument, cfg Config) *Feed {
	interval := cfg.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	band := cfg.Band
	if band <= 0 {
		band = DefaultBand
	}
	src := cfg.Source
	if src == nil {
		src = rand.NewSource(time.Now().UnixNano())
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	f := &Feed{
		symbols:   make([]string, 0, len(instruments)),
		prices:    make(map[string]float64, len(instruments)),
		rng:       rand.New(src),
		interval:  interval,
		band:      band,
		publisher: cfg.Publisher,
		now:       clock,
	}
	for _, inst := range instruments {
		f.symbols = append(f.symbols, inst.Symbol)
		f.prices[inst.Symbol] = inst.ReferencePrice
	}
	return f
}

// NextPrice moves last by a uniform random fraction within +/- band.
func NextPrice(r *rand.Rand, last, band float64) float64 {
	u := (r.Float64()*2 - 1) * band
	return last * (1 + u)
}

// Price returns the latest price of symbol.
func (f *Feed) Price(symbol string) (float64, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	p, ok := f.prices[symbol]
	return p, ok
}

// Prices returns a snapshot of every price.
func (f *Feed) Prices() map[string]float64 {
	f.mu.RLock()
	defer f.mu.RUnlock()

	out := make(map[string]float64, len(f.prices))
	for s, p := range f.prices {
		out[s] = p
	}
	return out
}

// SetPrice overrides the price of a known symbol and publishes the tick.
func (f *Feed) SetPrice(symbol string, price float64) error {
	if !(price > 0) || math.IsInf(price, 1) {
		return errors.NewValidationError("price", price, "must be a positive number")
	}

	f.mu.Lock()
	prev, ok := f.prices[symbol]
	if !ok {
		f.mu.Unlock()
		return fmt.Errorf("%w: %s", errors.ErrSymbolNotFound, symbol)
	}
	f.prices[symbol] = price
	tick := models.Tick{Symbol: symbol, Price: price, Previous: prev, Timestamp: f.now().UTC()}
	f.mu.Unlock()

	if f.publisher != nil {
		f.publisher.Publish(tick)
	}
	return nil
}

// Steps returns the number of completed ticks.
func (f *Feed) Steps() uint64 {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.steps
}

// LastStep returns the time of the most recent tick, zero before the first.
func (f *Feed) LastStep() time.Time {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.lastStep
}

// Step advances every price once and returns the ticks in catalog order.
func (f *Feed) Step() []models.Tick {
	f.mu.Lock()
	now := f.now().UTC()
	f.steps++
	ticks := make([]models.Tick, 0, len(f.symbols))
	for _, s := range f.symbols {
		prev := f.prices[s]
		next := NextPrice(f.rng, prev, f.band)
		f.prices[s] = next
		ticks = append(ticks, models.Tick{Symbol: s, Price: next, Previous: prev, Timestamp: now, Step: f.steps})
	}
	f.lastStep = now
	f.mu.Unlock()

	if f.publisher != nil {
		for _, t := range ticks {
			f.publisher.Publish(t)
		}
	}
	return ticks
}

// Run steps the feed on its interval until ctx is done. Missed ticks are
// not replayed.
func (f *Feed) Run(ctx context.Context) error {
	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			f.Step()
		}
	}
}
