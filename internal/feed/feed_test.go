package feed

import (
	"context"
	"math"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"virtual-trader/internal/catalog"
	"virtual-trader/internal/errors"
	"virtual-trader/internal/models"
)

type collector struct {
	mu    sync.Mutex
	ticks []models.Tick
}

func (c *collector) Publish(t models.Tick) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ticks = append(c.ticks, t)
}

func (c *collector) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.ticks)
}

func TestFeedStartsAtReferencePrices(t *testing.T) {
	f := New(catalog.Default().All(), Config{Source: rand.NewSource(1)})

	p, ok := f.Price("BTCUSD")
	require.True(t, ok)
	assert.Equal(t, 43250.75, p)

	_, ok = f.Price("NOPE")
	assert.False(t, ok)
	assert.Len(t, f.Prices(), 13)
}

func TestStepStaysWithinBand(t *testing.T) {
	pub := &collector{}
	f := New(catalog.Default().All(), Config{Source: rand.NewSource(42), Band: 0.001, Publisher: pub})

	for i := 0; i < 200; i++ {
		for _, tick := range f.Step() {
			change := (tick.Price - tick.Previous) / tick.Previous
			assert.LessOrEqual(t, change, 0.001+1e-12)
			assert.GreaterOrEqual(t, change, -0.001-1e-12)
		}
	}
	assert.Equal(t, uint64(200), f.Steps())
	assert.Equal(t, 200*13, pub.count())
}

func TestStepIsDeterministicForSeed(t *testing.T) {
	a := New(catalog.Default().All(), Config{Source: rand.NewSource(7)})
	b := New(catalog.Default().All(), Config{Source: rand.NewSource(7)})

	for i := 0; i < 10; i++ {
		a.Step()
		b.Step()
	}
	assert.Equal(t, a.Prices(), b.Prices())
}

func TestSetPrice(t *testing.T) {
	pub := &collector{}
	f := New(catalog.Default().All(), Config{Publisher: pub})

	require.NoError(t, f.SetPrice("BTCUSD", 43700))
	p, _ := f.Price("BTCUSD")
	assert.Equal(t, 43700.0, p)
	assert.Equal(t, 1, pub.count())

	err := f.SetPrice("NOPE", 1)
	assert.True(t, errors.Is(err, errors.ErrSymbolNotFound))
	assert.True(t, errors.IsValidation(f.SetPrice("BTCUSD", 0)))
	assert.True(t, errors.IsValidation(f.SetPrice("BTCUSD", math.NaN())))
	assert.True(t, errors.IsValidation(f.SetPrice("BTCUSD", math.Inf(1))))
	p, _ = f.Price("BTCUSD")
	assert.Equal(t, 43700.0, p)
	assert.Zero(t, pub.ticks[0].Step)
}

func TestStepNumbersItsTicks(t *testing.T) {
	pub := &collector{}
	f := New(catalog.Default().All(), Config{Publisher: pub, Source: rand.NewSource(3)})

	first := f.Step()
	second := f.Step()
	require.NotEmpty(t, first)
	for _, tk := range first {
		assert.Equal(t, uint64(1), tk.Step)
	}
	for _, tk := range second {
		assert.Equal(t, uint64(2), tk.Step)
	}
	assert.Equal(t, uint64(2), f.Steps())
	assert.Equal(t, len(first)+len(second), pub.count())
}

func TestRunTicksUntilCancelled(t *testing.T) {
	pub := &collector{}
	f := New(catalog.Default().All(), Config{Interval: 5 * time.Millisecond, Publisher: pub})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.Run(ctx) }()

	require.Eventually(t, func() bool { return f.Steps() >= 3 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	assert.NoError(t, <-done)
}
