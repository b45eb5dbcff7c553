package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"virtual-trader/internal/errors"
	"virtual-trader/internal/models"
	"virtual-trader/pkg/utils"
)

// OpKind is the row operation an outbox entry performs.
type OpKind string

const (
	OpInsert OpKind = "insert"
	OpUpdate OpKind = "update"
	OpUpsert OpKind = "upsert"
	OpDelete OpKind = "delete"
)

// DefaultOutboxLimit bounds the number of queued operations.
const DefaultOutboxLimit = 10000

// SyncOp is one queued write to the row store. Payload holds a pointer to
// the row model of Table.
type SyncOp struct {
	ID          string    `json:"id"`
	Kind        OpKind    `json:"kind"`
	Table       string    `json:"table"`
	Key         string    `json:"key"`
	Payload     any       `json:"payload"`
	Attempts    int       `json:"attempts"`
	NextAttempt time.Time `json:"nextAttempt"`
	EnqueuedAt  time.Time `json:"enqueuedAt"`
	LastError   string    `json:"lastError,omitempty"`

	inFlight bool
}

// TradeOp builds an op on the trades table.
func TradeOp(kind OpKind, t *models.Trade) *SyncOp {
	c := t.Clone()
	return &SyncOp{Kind: kind, Table: TableTrades, Key: t.ID, Payload: &c}
}

// PortfolioOp builds an op on the portfolios table.
func PortfolioOp(kind OpKind, p *models.Portfolio) *SyncOp {
	c := *p
	return &SyncOp{Kind: kind, Table: TablePortfolios, Key: p.UserID, Payload: &c}
}

// PositionOp builds an op on the user_positions table.
func PositionOp(kind OpKind, p *models.Position) *SyncOp {
	c := *p
	return &SyncOp{Kind: kind, Table: TablePositions, Key: KeyOf(p).String(), Payload: &c}
}

// StrategyOp builds an op on the strategies table.
func StrategyOp(kind OpKind, s *models.Strategy) *SyncOp {
	c := cloneStrategy(*s)
	return &SyncOp{Kind: kind, Table: TableStrategies, Key: s.ID, Payload: &c}
}

// BacktestOp builds an op on the backtest_results table.
func BacktestOp(kind OpKind, r *models.BacktestResult) *SyncOp {
	c := *r
	return &SyncOp{Kind: kind, Table: TableBacktests, Key: r.ID, Payload: &c}
}

// Apply performs the op against ds.
func (op *SyncOp) Apply(ctx context.Context, ds DataStore) error {
	switch p := op.Payload.(type) {
	case *models.Trade:
		return applyOp[models.Trade](ctx, op.Kind, ds.Trades(), p, func() error { return ds.Trades().Delete(ctx, p.ID) })
	case *models.Portfolio:
		return applyOp[models.Portfolio](ctx, op.Kind, ds.Portfolios(), p, func() error { return ds.Portfolios().Delete(ctx, p.UserID) })
	case *models.Position:
		return applyOp[models.Position](ctx, op.Kind, ds.Positions(), p, func() error { return ds.Positions().Delete(ctx, KeyOf(p)) })
	case *models.Strategy:
		return applyOp[models.Strategy](ctx, op.Kind, ds.Strategies(), p, func() error { return ds.Strategies().Delete(ctx, p.ID) })
	case *models.BacktestResult:
		return applyOp[models.BacktestResult](ctx, op.Kind, ds.Backtests(), p, func() error { return ds.Backtests().Delete(ctx, p.ID) })
	default:
		return fmt.Errorf("%w: unsupported payload %T for %s", errors.ErrInvalidInput, op.Payload, op.Table)
	}
}

// writer is the write half shared by every repository.
type writer[T any] interface {
	Insert(ctx context.Context, v *T) error
	Update(ctx context.Context, v *T) error
	Upsert(ctx context.Context, v *T) error
}

func applyOp[T any](ctx context.Context, kind OpKind, w writer[T], v *T, del func() error) error {
	switch kind {
	case OpInsert:
		return w.Insert(ctx, v)
	case OpUpdate:
		return w.Update(ctx, v)
	case OpUpsert:
		return w.Upsert(ctx, v)
	case OpDelete:
		// Deleting a row that never reached the store is not a failure.
		if err := del(); err != nil && !errors.Is(err, errors.ErrNotFound) {
			return err
		}
		return nil
	default:
		return fmt.Errorf("%w: unknown op kind %q", errors.ErrInvalidInput, kind)
	}
}

// Permanent reports whether retrying err cannot succeed.
func Permanent(err error) bool {
	return errors.Is(err, ErrDuplicate) || errors.Is(err, errors.ErrInvalidInput)
}

// ============================================================================
// Outbox
// ============================================================================

// Outbox is an ordered queue of row writes. Operations on the same row are
// applied in enqueue order; an op waiting for a retry holds back later ops
// on its row.
type Outbox struct {
	mu      sync.Mutex
	ops     []*SyncOp
	limit   int
	dropped int64
	now     func() time.Time
	notify  chan struct{}
}

// NewOutbox creates an outbox holding at most limit ops.
func NewOutbox(limit int) *Outbox {
	if limit <= 0 {
		limit = DefaultOutboxLimit
	}
	return &Outbox{
		limit:  limit,
		now:    time.Now,
		notify: make(chan struct{}, 1),
	}
}

// Enqueue appends ops. A write to a row whose last queued op has not been
// attempted yet replaces that op's payload instead of queueing another.
// When the outbox is full the oldest op is discarded.
func (o *Outbox) Enqueue(ops ...*SyncOp) {
	if len(ops) == 0 {
		return
	}
	o.mu.Lock()
	now := o.now()
	for _, op := range ops {
		if o.coalesceLocked(op) {
			continue
		}
		if op.ID == "" {
			op.ID = utils.NewID()
		}
		if op.EnqueuedAt.IsZero() {
			op.EnqueuedAt = now
		}
		op.inFlight = false
		o.ops = append(o.ops, op)
		if len(o.ops) > o.limit {
			o.ops[0] = nil
			o.ops = o.ops[1:]
			o.dropped++
		}
	}
	o.mu.Unlock()

	select {
	case o.notify <- struct{}{}:
	default:
	}
}

func (o *Outbox) coalesceLocked(op *SyncOp) bool {
	if op.Kind != OpUpdate && op.Kind != OpUpsert {
		return false
	}
	for i := len(o.ops) - 1; i >= 0; i-- {
		last := o.ops[i]
		if last.Table != op.Table || last.Key != op.Key {
			continue
		}
		if last.inFlight || last.Attempts > 0 || last.Kind == OpDelete {
			return false
		}
		last.Payload = op.Payload
		if last.Kind == OpUpdate && op.Kind == OpUpsert {
			last.Kind = OpUpsert
		}
		return true
	}
	return false
}

// Notify fires after every Enqueue.
func (o *Outbox) Notify() <-chan struct{} {
	return o.notify
}

// Pending returns the queue depth.
func (o *Outbox) Pending() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.ops)
}

// Dropped returns how many ops were discarded because the outbox was full.
func (o *Outbox) Dropped() int64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.dropped
}

// Ops returns copies of the queued ops in order.
func (o *Outbox) Ops() []SyncOp {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]SyncOp, len(o.ops))
	for i, op := range o.ops {
		out[i] = *op
	}
	return out
}

// Due marks and returns the ops that may run now, at most one per row.
// With force set, retry delays are ignored.
func (o *Outbox) Due(now time.Time, force bool) []SyncOp {
	o.mu.Lock()
	defer o.mu.Unlock()

	blocked := make(map[string]bool)
	var out []SyncOp
	for _, op := range o.ops {
		row := op.Table + "|" + op.Key
		if blocked[row] {
			continue
		}
		blocked[row] = true
		if op.inFlight || (!force && op.NextAttempt.After(now)) {
			continue
		}
		op.inFlight = true
		out = append(out, *op)
	}
	return out
}

// Complete removes an applied op.
func (o *Outbox) Complete(id string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for i, op := range o.ops {
		if op.ID == id {
			o.ops = append(o.ops[:i], o.ops[i+1:]...)
			return
		}
	}
}

// Retry records a failed attempt and schedules the next one. It returns
// the number of attempts made so far.
func (o *Outbox) Retry(id string, next time.Time, err error) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, op := range o.ops {
		if op.ID == id {
			op.inFlight = false
			op.Attempts++
			op.NextAttempt = next
			if err != nil {
				op.LastError = err.Error()
			}
			return op.Attempts
		}
	}
	return 0
}

// Defer releases an op without counting an attempt.
func (o *Outbox) Defer(id string, next time.Time) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, op := range o.ops {
		if op.ID == id {
			op.inFlight = false
			op.NextAttempt = next
			return
		}
	}
}
