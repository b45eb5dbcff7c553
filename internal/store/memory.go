package store

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"virtual-trader/internal/errors"
	"virtual-trader/internal/models"
)

// MemoryStore is an explicit in-memory DataStore. It is the mock backend
// used when no row store is configured; Save and Load move its contents to
// and from a JSON snapshot on disk.
type MemoryStore struct {
	mu sync.RWMutex

	trades     *memTable[models.Trade]
	portfolios *memTable[models.Portfolio]
	strategies *memTable[models.Strategy]
	backtests  *memTable[models.BacktestResult]
	positions  *memTable[models.Position]

	closed bool
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		trades: newMemTable(TableTrades,
			func(t *models.Trade) string { return t.ID },
			func(t models.Trade) models.Trade { return t.Clone() }),
		portfolios: newMemTable(TablePortfolios,
			func(p *models.Portfolio) string { return p.UserID },
			func(p models.Portfolio) models.Portfolio { return p }),
		strategies: newMemTable(TableStrategies,
			func(s *models.Strategy) string { return s.ID },
			cloneStrategy),
		backtests: newMemTable(TableBacktests,
			func(r *models.BacktestResult) string { return r.ID },
			func(r models.BacktestResult) models.BacktestResult { return r }),
		positions: newMemTable(TablePositions,
			func(p *models.Position) string { return KeyOf(p).String() },
			func(p models.Position) models.Position { return p }),
	}
}

func (s *MemoryStore) Trades() TradeRepository { return memTrades{s} }
func (s *MemoryStore) Portfolios() PortfolioRepository { return memPortfolios{s} }
func (s *MemoryStore) Strategies() StrategyRepository { return memStrategies{s} }
func (s *MemoryStore) Backtests() BacktestRepository { return memBacktests{s} }
func (s *MemoryStore) Positions() PositionRepository { return memPositions{s} }

// Backend returns "memory".
func (s *MemoryStore) Backend() string { return BackendMemory }

// Ping fails only after Close.
func (s *MemoryStore) Ping(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return errors.Wrap(errors.ErrServiceUnavailable, "memory store is closed")
	}
	return ctx.Err()
}

// Close marks the store closed. Contents stay readable for Save.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// ============================================================================
// Snapshot
// ============================================================================

// Snapshot is the on-disk form of a MemoryStore.
type Snapshot struct {
	SavedAt    time.Time               `json:"savedAt"`
	Portfolios []models.Portfolio      `json:"portfolios"`
	Trades     []models.Trade          `json:"trades"`
	Positions  []models.Position       `json:"positions"`
	Strategies []models.Strategy       `json:"strategies"`
	Backtests  []models.BacktestResult `json:"backtests"`
}

// Save writes the store contents to path atomically.
func (s *MemoryStore) Save(path string) error {
	s.mu.RLock()
	snap := Snapshot{
		SavedAt:    time.Now().UTC(),
		Portfolios: s.portfolios.all(),
		Trades:     s.trades.all(),
		Positions:  s.positions.all(),
		Strategies: s.strategies.all(),
		Backtests:  s.backtests.all(),
	}
	s.mu.RUnlock()

	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode snapshot: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create snapshot directory: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("failed to write snapshot: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("failed to replace snapshot: %w", err)
	}
	return nil
}

// Load replaces the store contents with the snapshot at path. A missing
// file leaves the store empty.
func (s *MemoryStore) Load(path string) error {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read snapshot: %w", err)
	}

	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return fmt.Errorf("failed to decode snapshot %s: %w", path, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.portfolios.replace(snap.Portfolios)
	s.trades.replace(snap.Trades)
	s.positions.replace(snap.Positions)
	s.strategies.replace(snap.Strategies)
	s.backtests.replace(snap.Backtests)
	return nil
}

// ============================================================================
// Generic table
// ============================================================================

type memTable[V any] struct {
	name  string
	key   func(*V) string
	clone func(V) V
	rows  map[string]V
}

func newMemTable[V any](name string, key func(*V) string, clone func(V) V) *memTable[V] {
	return &memTable[V]{name: name, key: key, clone: clone, rows: make(map[string]V)}
}

func (t *memTable[V]) get(key string) (*V, error) {
	v, ok := t.rows[key]
	if !ok {
		return nil, notFound(t.name, key)
	}
	c := t.clone(v)
	return &c, nil
}

func (t *memTable[V]) filter(keep func(*V) bool) []V {
	out := make([]V, 0)
	for _, v := range t.rows {
		if keep == nil || keep(&v) {
			out = append(out, t.clone(v))
		}
	}
	return out
}

func (t *memTable[V]) all() []V {
	out := t.filter(nil)
	sort.Slice(out, func(i, j int) bool { return t.key(&out[i]) < t.key(&out[j]) })
	return out
}

func (t *memTable[V]) insert(v *V) error {
	k := t.key(v)
	if _, ok := t.rows[k]; ok {
		return duplicate(t.name, k)
	}
	t.rows[k] = t.clone(*v)
	return nil
}

func (t *memTable[V]) update(v *V) error {
	k := t.key(v)
	if _, ok := t.rows[k]; !ok {
		return missing(t.name, "update", k)
	}
	t.rows[k] = t.clone(*v)
	return nil
}

func (t *memTable[V]) upsert(v *V) {
	t.rows[t.key(v)] = t.clone(*v)
}

func (t *memTable[V]) delete(key string) error {
	if _, ok := t.rows[key]; !ok {
		return missing(t.name, "delete", key)
	}
	delete(t.rows, key)
	return nil
}

func (t *memTable[V]) replace(rows []V) {
	t.rows = make(map[string]V, len(rows))
	for i := range rows {
		t.rows[t.key(&rows[i])] = t.clone(rows[i])
	}
}

// read and write run fn under the store lock after honoring ctx.
func (s *MemoryStore) read(ctx context.Context, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return fn()
}

func (s *MemoryStore) write(ctx context.Context, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.Wrap(errors.ErrServiceUnavailable, "memory store is closed")
	}
	return fn()
}

// ============================================================================
// Repositories
// ============================================================================

type memTrades struct{ s *MemoryStore }

func (r memTrades) Get(ctx context.Context, id string) (t *models.Trade, err error) {
	err = r.s.read(ctx, func() error {
		t, err = r.s.trades.get(id)
		return err
	})
	return t, err
}

func (r memTrades) List(ctx context.Context, filter TradeFilter) (out []models.Trade, err error) {
	err = r.s.read(ctx, func() error {
		out = r.s.trades.filter(filter.Matches)
		return nil
	})
	sortTradesNewestFirst(out)
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, err
}

func (r memTrades) Insert(ctx context.Context, t *models.Trade) error {
	return r.s.write(ctx, func() error { return r.s.trades.insert(t) })
}

func (r memTrades) Update(ctx context.Context, t *models.Trade) error {
	return r.s.write(ctx, func() error { return r.s.trades.update(t) })
}

func (r memTrades) Upsert(ctx context.Context, t *models.Trade) error {
	return r.s.write(ctx, func() error { r.s.trades.upsert(t); return nil })
}

func (r memTrades) Delete(ctx context.Context, id string) error {
	return r.s.write(ctx, func() error { return r.s.trades.delete(id) })
}

type memPortfolios struct{ s *MemoryStore }

func (r memPortfolios) Get(ctx context.Context, userID string) (p *models.Portfolio, err error) {
	err = r.s.read(ctx, func() error {
		p, err = r.s.portfolios.get(userID)
		return err
	})
	return p, err
}

func (r memPortfolios) List(ctx context.Context) (out []models.Portfolio, err error) {
	err = r.s.read(ctx, func() error {
		out = r.s.portfolios.all()
		return nil
	})
	return out, err
}

func (r memPortfolios) Insert(ctx context.Context, p *models.Portfolio) error {
	return r.s.write(ctx, func() error { return r.s.portfolios.insert(p) })
}

func (r memPortfolios) Update(ctx context.Context, p *models.Portfolio) error {
	return r.s.write(ctx, func() error { return r.s.portfolios.update(p) })
}

func (r memPortfolios) Upsert(ctx context.Context, p *models.Portfolio) error {
	return r.s.write(ctx, func() error { r.s.portfolios.upsert(p); return nil })
}

func (r memPortfolios) Delete(ctx context.Context, userID string) error {
	return r.s.write(ctx, func() error { return r.s.portfolios.delete(userID) })
}

type memStrategies struct{ s *MemoryStore }

func (r memStrategies) Get(ctx context.Context, id string) (st *models.Strategy, err error) {
	err = r.s.read(ctx, func() error {
		st, err = r.s.strategies.get(id)
		return err
	})
	return st, err
}

func (r memStrategies) List(ctx context.Context, userID string) (out []models.Strategy, err error) {
	err = r.s.read(ctx, func() error {
		out = r.s.strategies.filter(func(st *models.Strategy) bool {
			return userID == "" || st.UserID == userID
		})
		return nil
	})
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, err
}

func (r memStrategies) Insert(ctx context.Context, st *models.Strategy) error {
	return r.s.write(ctx, func() error { return r.s.strategies.insert(st) })
}

func (r memStrategies) Update(ctx context.Context, st *models.Strategy) error {
	return r.s.write(ctx, func() error { return r.s.strategies.update(st) })
}

func (r memStrategies) Upsert(ctx context.Context, st *models.Strategy) error {
	return r.s.write(ctx, func() error { r.s.strategies.upsert(st); return nil })
}

func (r memStrategies) Delete(ctx context.Context, id string) error {
	return r.s.write(ctx, func() error { return r.s.strategies.delete(id) })
}

type memBacktests struct{ s *MemoryStore }

func (r memBacktests) Get(ctx context.Context, id string) (res *models.BacktestResult, err error) {
	err = r.s.read(ctx, func() error {
		res, err = r.s.backtests.get(id)
		return err
	})
	return res, err
}

func (r memBacktests) List(ctx context.Context, userID string) (out []models.BacktestResult, err error) {
	err = r.s.read(ctx, func() error {
		out = r.s.backtests.filter(func(b *models.BacktestResult) bool {
			return userID == "" || b.UserID == userID
		})
		return nil
	})
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})
	return out, err
}

func (r memBacktests) Insert(ctx context.Context, b *models.BacktestResult) error {
	return r.s.write(ctx, func() error { return r.s.backtests.insert(b) })
}

func (r memBacktests) Update(ctx context.Context, b *models.BacktestResult) error {
	return r.s.write(ctx, func() error { return r.s.backtests.update(b) })
}

func (r memBacktests) Upsert(ctx context.Context, b *models.BacktestResult) error {
	return r.s.write(ctx, func() error { r.s.backtests.upsert(b); return nil })
}

func (r memBacktests) Delete(ctx context.Context, id string) error {
	return r.s.write(ctx, func() error { return r.s.backtests.delete(id) })
}

type memPositions struct{ s *MemoryStore }

func (r memPositions) Get(ctx context.Context, key PositionKey) (p *models.Position, err error) {
	err = r.s.read(ctx, func() error {
		p, err = r.s.positions.get(key.String())
		return err
	})
	return p, err
}

func (r memPositions) List(ctx context.Context, userID string) (out []models.Position, err error) {
	err = r.s.read(ctx, func() error {
		out = r.s.positions.filter(func(p *models.Position) bool {
			return userID == "" || p.UserID == userID
		})
		return nil
	})
	sortPositions(out)
	return out, err
}

func (r memPositions) Insert(ctx context.Context, p *models.Position) error {
	return r.s.write(ctx, func() error { return r.s.positions.insert(p) })
}

func (r memPositions) Update(ctx context.Context, p *models.Position) error {
	return r.s.write(ctx, func() error { return r.s.positions.update(p) })
}

func (r memPositions) Upsert(ctx context.Context, p *models.Position) error {
	return r.s.write(ctx, func() error { r.s.positions.upsert(p); return nil })
}

func (r memPositions) Delete(ctx context.Context, key PositionKey) error {
	return r.s.write(ctx, func() error { return r.s.positions.delete(key.String()) })
}

// ============================================================================
// Helpers
// ============================================================================

func cloneStrategy(s models.Strategy) models.Strategy {
	c := s
	if s.LastSignal != nil {
		t := *s.LastSignal
		c.LastSignal = &t
	}
	return c
}

func sortTradesNewestFirst(trades []models.Trade) {
	sort.Slice(trades, func(i, j int) bool {
		if !trades[i].OpenTime.Equal(trades[j].OpenTime) {
			return trades[i].OpenTime.After(trades[j].OpenTime)
		}
		return trades[i].ID > trades[j].ID
	})
}

func sortPositions(positions []models.Position) {
	sort.Slice(positions, func(i, j int) bool {
		if positions[i].UserID != positions[j].UserID {
			return positions[i].UserID < positions[j].UserID
		}
		if positions[i].Symbol != positions[j].Symbol {
			return positions[i].Symbol < positions[j].Symbol
		}
		return positions[i].Direction < positions[j].Direction
	})
}
