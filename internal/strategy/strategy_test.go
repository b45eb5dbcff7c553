package strategy

import (
	"fmt"
	"math/rand"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"virtual-trader/internal/catalog"
	"virtual-trader/internal/errors"
	"virtual-trader/internal/models"
)

type recordingPersister struct {
	inserted []models.Strategy
	updated  []models.Strategy
	deleted  []models.Strategy
}

func (p *recordingPersister) InsertStrategy(s *models.Strategy) { p.inserted = append(p.inserted, *s) }
func (p *recordingPersister) UpdateStrategy(s *models.Strategy) { p.updated = append(p.updated, *s) }
func (p *recordingPersister) DeleteStrategy(s *models.Strategy) { p.deleted = append(p.deleted, *s) }

func newTestBook(p Persister) *Book {
	n := 0
	now := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)
	return NewBook(BookConfig{
		UserID:      "alice",
		Instruments: catalog.Default(),
		Persister:   p,
		Clock:       func() time.Time { return now },
		NewID: func() string {
			n++
			return fmt.Sprintf("s-%d", n)
		},
	})
}

func validInput() Input {
	return Input{
		Name:       "Gold breakout",
		Symbol:     "oanda:xauusd",
		Type:       models.StrategyBreakout,
		Conditions: "Buy when price closes above the 20 bar high",
	}
}

func TestValidate(t *testing.T) {
	c := catalog.Default()

	in, err := Validate(validInput(), c)
	require.NoError(t, err)
	assert.Equal(t, "XAUUSD", in.Symbol)

	in, err = Validate(Input{Name: "x", Symbol: "BINANCE:BTCUSDT"}, c)
	require.NoError(t, err)
	assert.Equal(t, "BTCUSD", in.Symbol)
	assert.Equal(t, models.StrategyCustom, in.Type)

	cases := map[string]Input{
		"missing name":   {Symbol: "AAPL"},
		"long name":      {Name: strings.Repeat("n", MaxNameLength+1), Symbol: "AAPL"},
		"missing symbol": {Name: "x"},
		"unknown symbol": {Name: "x", Symbol: "NOPE"},
		"bad type":       {Name: "x", Symbol: "AAPL", Type: "scalper"},
		"too many words": {Name: "x", Symbol: "AAPL", Conditions: strings.Repeat("word ", MaxConditionWords+1)},
	}
	for name, in := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Validate(in, c)
			require.Error(t, err)
			assert.True(t, errors.IsValidation(err))
		})
	}

	_, err = Validate(Input{Name: strings.Repeat("n", MaxNameLength), Symbol: "AAPL", Conditions: strings.Repeat("w ", MaxConditionWords)}, c)
	assert.NoError(t, err, "limits are inclusive")
}

func TestBook_CRUD(t *testing.T) {
	p := &recordingPersister{}
	b := newTestBook(p)

	s, err := b.Create(validInput())
	require.NoError(t, err)
	assert.Equal(t, "s-1", s.ID)
	assert.Equal(t, "alice", s.UserID)
	assert.True(t, s.Enabled)
	require.Len(t, p.inserted, 1)

	disabled := false
	in := validInput()
	in.Name = "Second"
	in.Enabled = &disabled
	s2, err := b.Create(in)
	require.NoError(t, err)
	assert.False(t, s2.Enabled)

	list := b.List()
	require.Len(t, list, 2)
	assert.Equal(t, "s-1", list[0].ID)

	toggled, err := b.Toggle("s-1")
	require.NoError(t, err)
	assert.False(t, toggled.Enabled)

	upd := validInput()
	upd.Name = "Renamed"
	upd.Symbol = "AAPL"
	updated, err := b.Update("s-1", upd)
	require.NoError(t, err)
	assert.Equal(t, "Renamed", updated.Name)
	assert.Equal(t, "AAPL", updated.Symbol)
	assert.False(t, updated.Enabled, "nil Enabled keeps the flag")
	assert.Len(t, p.updated, 2)

	require.NoError(t, b.Delete("s-1"))
	require.Len(t, p.deleted, 1)
	assert.Len(t, b.List(), 1)

	_, err = b.Get("s-1")
	assert.ErrorIs(t, err, errors.ErrNotFound)
	assert.ErrorIs(t, b.Delete("s-1"), errors.ErrNotFound)
	_, err = b.Toggle("missing")
	assert.ErrorIs(t, err, errors.ErrNotFound)
}

func TestBook_CreateRejectsInvalidWithoutMutation(t *testing.T) {
	p := &recordingPersister{}
	b := newTestBook(p)

	_, err := b.Create(Input{Name: "x", Symbol: "NOPE"})
	require.Error(t, err)
	assert.Empty(t, b.List())
	assert.Empty(t, p.inserted)
}

func TestBook_SimulateSignals(t *testing.T) {
	p := &recordingPersister{}
	b := newTestBook(p)

	for i := 0; i < 50; i++ {
		in := validInput()
		in.Name = fmt.Sprintf("strategy %d", i)
		_, err := b.Create(in)
		require.NoError(t, err)
	}
	_, err := b.Toggle("s-1")
	require.NoError(t, err)
	p.updated = nil

	r := rand.New(rand.NewSource(7))
	total := 0
	for round := 0; round < 100; round++ {
		fired := b.SimulateSignals(r)
		for _, s := range fired {
			assert.NotEqual(t, "s-1", s.ID, "disabled strategies never fire")
			require.NotNil(t, s.LastSignal)
		}
		total += len(fired)
	}

	// 49 enabled x 100 rounds at 10%: expect about 490.
	assert.InDelta(t, 490, total, 120)
	assert.Len(t, p.updated, total)

	sum := 0
	for _, s := range b.List() {
		sum += s.SignalCount
	}
	assert.Equal(t, total, sum)
}

func TestBook_LoadCopies(t *testing.T) {
	b := newTestBook(nil)
	at := time.Now()
	src := []models.Strategy{{ID: "a", Name: "A", LastSignal: &at}}
	b.Load(src)

	got := b.List()
	require.Len(t, got, 1)
	*got[0].LastSignal = time.Time{}

	again, err := b.Get("a")
	require.NoError(t, err)
	assert.Equal(t, at, *again.LastSignal)
}
