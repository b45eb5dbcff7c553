// Package strategy manages user-defined textual trading strategies and
// simulates their signals.
package strategy

import (
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"virtual-trader/internal/catalog"
	"virtual-trader/internal/errors"
	"virtual-trader/internal/models"
	"virtual-trader/pkg/utils"
)

// Limits applied to strategy input.
const (
	MaxNameLength     = 100
	MaxConditionWords = 200
	SignalProbability = 0.1
)

// Instruments resolves strategy symbols.
type Instruments interface {
	Has(symbol string) bool
}

// Persister mirrors strategy changes to the row store.
type Persister interface {
	InsertStrategy(s *models.Strategy)
	UpdateStrategy(s *models.Strategy)
	DeleteStrategy(s *models.Strategy)
}

// Input is the user-editable part of a strategy.
type Input struct {
	Name       string              `json:"name"`
	Symbol     string              `json:"symbol"`
	Type       models.StrategyType `json:"type"`
	Conditions string              `json:"conditions"`
	Enabled    *bool               `json:"enabled,omitempty"`
}

// Validate normalizes the input and checks it against the limits.
func Validate(in Input, instruments Instruments) (Input, error) {
	in.Name = strings.TrimSpace(in.Name)
	in.Conditions = strings.TrimSpace(in.Conditions)
	in.Symbol = catalog.NormalizeSymbol(in.Symbol)
	if in.Type == "" {
		in.Type = models.StrategyCustom
	}

	switch {
	case in.Name == "":
		return in, errors.NewValidationError("name", in.Name, "is required")
	case utf8.RuneCountInString(in.Name) > MaxNameLength:
		return in, errors.NewValidationError("name", in.Name, fmt.Sprintf("must be at most %d characters", MaxNameLength))
	case in.Symbol == "":
		return in, errors.NewValidationError("symbol", in.Symbol, "is required")
	case instruments != nil && !instruments.Has(in.Symbol):
		return in, errors.NewValidationError("symbol", in.Symbol, "unknown instrument")
	case !in.Type.Valid():
		return in, errors.NewValidationError("type", in.Type, "must be inside_candle, ma_crossover, breakout or custom")
	}
	if n := utils.CountWords(in.Conditions); n > MaxConditionWords {
		return in, errors.NewValidationError("conditions", n, fmt.Sprintf("must be at most %d words", MaxConditionWords))
	}
	return in, nil
}

// BookConfig holds configuration for a strategy book.
type BookConfig struct {
	UserID      string
	Instruments Instruments
	Persister   Persister
	Clock       func() time.Time
	NewID       func() string
}

// Book holds the strategies of one user.
type Book struct {
	userID      string
	instruments Instruments
	persist     Persister
	now         func() time.Time
	newID       func() string

	mu    sync.Mutex
	items []*models.Strategy
}

// NewBook creates an empty strategy book.
func NewBook(cfg BookConfig) *Book {
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	newID := cfg.NewID
	if newID == nil {
		newID = utils.NewID
	}
	return &Book{
		userID:      cfg.UserID,
		instruments: cfg.Instruments,
		persist:     cfg.Persister,
		now:         clock,
		newID:       newID,
	}
}

// Load replaces the book with stored strategies.
func (b *Book) Load(strategies []models.Strategy) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.items = make([]*models.Strategy, 0, len(strategies))
	for i := range strategies {
		s := clone(strategies[i])
		b.items = append(b.items, &s)
	}
}

// List returns every strategy, oldest first.
func (b *Book) List() []models.Strategy {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]models.Strategy, 0, len(b.items))
	for _, s := range b.items {
		out = append(out, clone(*s))
	}
	return out
}

// Get returns one strategy.
func (b *Book) Get(id string) (models.Strategy, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, _, err := b.findLocked(id)
	if err != nil {
		return models.Strategy{}, err
	}
	return clone(*s), nil
}

// Create validates in and adds a strategy. New strategies are enabled
// unless in.Enabled says otherwise.
func (b *Book) Create(in Input) (models.Strategy, error) {
	in, err := Validate(in, b.instruments)
	if err != nil {
		return models.Strategy{}, err
	}

	now := b.now().UTC()
	s := &models.Strategy{
		ID:         b.newID(),
		UserID:     b.userID,
		Name:       in.Name,
		Symbol:     in.Symbol,
		Type:       in.Type,
		Conditions: in.Conditions,
		Enabled:    in.Enabled == nil || *in.Enabled,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	b.mu.Lock()
	b.items = append(b.items, s)
	out := clone(*s)
	b.mu.Unlock()

	if b.persist != nil {
		row := out
		b.persist.InsertStrategy(&row)
	}
	return out, nil
}

// Update replaces the editable fields of a strategy.
func (b *Book) Update(id string, in Input) (models.Strategy, error) {
	in, err := Validate(in, b.instruments)
	if err != nil {
		return models.Strategy{}, err
	}
	return b.mutate(id, func(s *models.Strategy) {
		s.Name = in.Name
		s.Symbol = in.Symbol
		s.Type = in.Type
		s.Conditions = in.Conditions
		if in.Enabled != nil {
			s.Enabled = *in.Enabled
		}
	})
}

// Toggle flips the enabled flag.
func (b *Book) Toggle(id string) (models.Strategy, error) {
	return b.mutate(id, func(s *models.Strategy) { s.Enabled = !s.Enabled })
}

// Delete removes a strategy.
func (b *Book) Delete(id string) error {
	b.mu.Lock()
	s, idx, err := b.findLocked(id)
	if err != nil {
		b.mu.Unlock()
		return err
	}
	b.items = append(b.items[:idx], b.items[idx+1:]...)
	row := clone(*s)
	b.mu.Unlock()

	if b.persist != nil {
		b.persist.DeleteStrategy(&row)
	}
	return nil
}

// SimulateSignals gives every enabled strategy a SignalProbability chance
// to fire. Fired strategies get lastSignal and signalCount updated and
// are returned.
func (b *Book) SimulateSignals(r *rand.Rand) []models.Strategy {
	b.mu.Lock()
	now := b.now().UTC()
	var fired []models.Strategy
	for _, s := range b.items {
		if !s.Enabled {
			continue
		}
		if r.Float64() >= SignalProbability {
			continue
		}
		at := now
		s.LastSignal = &at
		s.SignalCount++
		s.UpdatedAt = now
		fired = append(fired, clone(*s))
	}
	b.mu.Unlock()

	if b.persist != nil {
		for i := range fired {
			row := fired[i]
			b.persist.UpdateStrategy(&row)
		}
	}
	return fired
}

func (b *Book) mutate(id string, fn func(*models.Strategy)) (models.Strategy, error) {
	b.mu.Lock()
	s, _, err := b.findLocked(id)
	if err != nil {
		b.mu.Unlock()
		return models.Strategy{}, err
	}
	fn(s)
	s.UpdatedAt = b.now().UTC()
	out := clone(*s)
	b.mu.Unlock()

	if b.persist != nil {
		row := out
		b.persist.UpdateStrategy(&row)
	}
	return out, nil
}

func (b *Book) findLocked(id string) (*models.Strategy, int, error) {
	for i, s := range b.items {
		if s.ID == id {
			return s, i, nil
		}
	}
	return nil, -1, fmt.Errorf("%w: strategy %s", errors.ErrNotFound, id)
}

func clone(s models.Strategy) models.Strategy {
	if s.LastSignal != nil {
		t := *s.LastSignal
		s.LastSignal = &t
	}
	return s
}
