package store

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"virtual-trader/internal/errors"
	"virtual-trader/internal/logging"
	"virtual-trader/internal/resilience"
	"virtual-trader/pkg/utils"
)

// SyncConfig holds configuration for the sync manager.
type SyncConfig struct {
	// DrainInterval is how often the outbox is drained when idle
	DrainInterval time.Duration
	// ConnectionCheckInterval is how often to ping the row store
	ConnectionCheckInterval time.Duration
	// OpTimeout bounds a single row write
	OpTimeout time.Duration
	// MaxAttempts is how many times an op is tried before it is dropped
	MaxAttempts int
	// Retry shapes the backoff between attempts of one op
	Retry utils.RetryConfig
	// Breaker pauses draining while the store keeps failing
	Breaker resilience.BreakerConfig
}

// DefaultSyncConfig returns default sync configuration.
func DefaultSyncConfig() *SyncConfig {
	return &SyncConfig{
		DrainInterval:           500 * time.Millisecond,
		ConnectionCheckInterval: 30 * time.Second,
		OpTimeout:               5 * time.Second,
		MaxAttempts:             8,
		Retry: utils.RetryConfig{
			InitialDelay:  250 * time.Millisecond,
			MaxDelay:      30 * time.Second,
			BackoffFactor: 2,
			Jitter:        true,
		},
		Breaker: resilience.DefaultBreakerConfig(),
	}
}

// SyncStats reports the state of background persistence.
type SyncStats struct {
	Backend string                  `json:"backend"`
	Online  bool                    `json:"online"`
	Pending int                     `json:"pending"`
	Applied int64                   `json:"applied"`
	Failed  int64                   `json:"failed"`
	Dropped int64                   `json:"dropped"`
	Breaker resilience.BreakerStats `json:"breaker"`
}

// SyncManager drains the outbox into the row store in the background.
// Failures never reach the caller that produced the change: they are
// logged and retried with exponential backoff until MaxAttempts.
type SyncManager struct {
	store   DataStore
	outbox  *Outbox
	config  *SyncConfig
	breaker *resilience.Breaker
	logger  zerolog.Logger
	now     func() time.Time

	isOnline bool
	mu       sync.RWMutex

	onGiveUp func(op SyncOp, err error)

	drainMu sync.Mutex
	applied atomic.Int64
	failed  atomic.Int64
	dropped atomic.Int64

	// Stop channel for background goroutines
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewSyncManager creates a new sync manager.
func NewSyncManager(store DataStore, outbox *Outbox, config *SyncConfig, logger zerolog.Logger) *SyncManager {
	if config == nil {
		config = DefaultSyncConfig()
	}
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = 1
	}
	if config.OpTimeout <= 0 {
		config.OpTimeout = 5 * time.Second
	}

	sm := &SyncManager{
		store:    store,
		outbox:   outbox,
		config:   config,
		breaker:  resilience.NewBreaker("row-store", config.Breaker),
		logger:   logging.WithComponent(logger, "sync"),
		now:      time.Now,
		isOnline: true, // Assume online initially
		stopCh:   make(chan struct{}),
	}
	sm.breaker.OnStateChange(func(name string, from, to resilience.CircuitState) {
		sm.logger.Warn().
			Str("breaker", name).
			Str("from", string(from)).
			Str("to", string(to)).
			Msg("Row store circuit changed state")
	})
	return sm
}

// SetGiveUpCallback sets the callback for ops dropped after their last attempt.
func (sm *SyncManager) SetGiveUpCallback(fn func(op SyncOp, err error)) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.onGiveUp = fn
}

// Start launches the drain loop and the connectivity monitor.
func (sm *SyncManager) Start(ctx context.Context) {
	sm.wg.Add(2)
	go sm.run(ctx)
	go sm.monitorConnectivity(ctx)
}

// Stop stops the background goroutines. Queued ops stay in the outbox.
func (sm *SyncManager) Stop() {
	sm.stopOnce.Do(func() { close(sm.stopCh) })
	sm.wg.Wait()
}

// IsOnline returns whether the row store answered the last ping.
func (sm *SyncManager) IsOnline() bool {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.isOnline
}

// Pending returns the outbox depth.
func (sm *SyncManager) Pending() int {
	return sm.outbox.Pending()
}

// Breaker returns the circuit breaker guarding the row store.
func (sm *SyncManager) Breaker() *resilience.Breaker {
	return sm.breaker
}

// Stats returns counters for status output.
func (sm *SyncManager) Stats() SyncStats {
	return SyncStats{
		Backend: sm.store.Backend(),
		Online:  sm.IsOnline(),
		Pending: sm.outbox.Pending(),
		Applied: sm.applied.Load(),
		Failed:  sm.failed.Load(),
		Dropped: sm.dropped.Load() + sm.outbox.Dropped(),
		Breaker: sm.breaker.Stats(),
	}
}

// CheckConnectivity pings the row store.
func (sm *SyncManager) CheckConnectivity(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, sm.config.OpTimeout)
	defer cancel()
	return sm.store.Ping(ctx) == nil
}

func (sm *SyncManager) run(ctx context.Context) {
	defer sm.wg.Done()

	interval := sm.config.DrainInterval
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-sm.stopCh:
			return
		case <-ticker.C:
		case <-sm.outbox.Notify():
		}
		sm.Drain(ctx)
	}
}

// monitorConnectivity periodically checks the row store.
func (sm *SyncManager) monitorConnectivity(ctx context.Context) {
	defer sm.wg.Done()

	interval := sm.config.ConnectionCheckInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-sm.stopCh:
			return
		case <-ticker.C:
			sm.setOnline(ctx, sm.CheckConnectivity(ctx))
		}
	}
}

// setOnline records a connectivity result. Coming back online closes the
// breaker and retries every queued op without waiting out its backoff.
func (sm *SyncManager) setOnline(ctx context.Context, online bool) {
	sm.mu.Lock()
	wasOnline := sm.isOnline
	sm.isOnline = online
	sm.mu.Unlock()

	switch {
	case !wasOnline && online:
		sm.breaker.Reset()
		applied := sm.drain(ctx, true)
		sm.logger.Info().
			Str("backend", sm.store.Backend()).
			Int("applied", applied).
			Int("pending", sm.outbox.Pending()).
			Msg("Row store reachable again")
	case wasOnline && !online:
		sm.logger.Warn().Str("backend", sm.store.Backend()).Msg("Row store unreachable")
	}
}

// Drain applies every op that is due and returns how many succeeded.
func (sm *SyncManager) Drain(ctx context.Context) int {
	return sm.drain(ctx, false)
}

func (sm *SyncManager) drain(ctx context.Context, force bool) int {
	sm.drainMu.Lock()
	defer sm.drainMu.Unlock()

	ok := 0
	for _, op := range sm.outbox.Due(sm.now(), force) {
		if sm.apply(ctx, op) == nil {
			ok++
		}
	}
	return ok
}

// Flush applies every queued op now, ignoring retry delays. It stops at
// the first pass that leaves failures behind and returns that error.
func (sm *SyncManager) Flush(ctx context.Context) error {
	sm.drainMu.Lock()
	defer sm.drainMu.Unlock()

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		due := sm.outbox.Due(sm.now(), true)
		if len(due) == 0 {
			return nil
		}
		var firstErr error
		for _, op := range due {
			if err := sm.apply(ctx, op); err != nil && firstErr == nil {
				firstErr = errors.NewSyncError(op.ID, op.Attempts+1, err)
			}
		}
		if firstErr != nil {
			return firstErr
		}
	}
}

// applyOnce runs one op. Driver panics become permanent failures.
func (sm *SyncManager) applyOnce(ctx context.Context, op SyncOp) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %s %s panicked: %v", errors.ErrInvalidInput, op.Kind, op.Table, r)
		}
	}()
	return op.Apply(ctx, sm.store)
}

func (sm *SyncManager) apply(ctx context.Context, op SyncOp) error {
	// Permanent errors do not count against the breaker.
	var rowErr error
	err := sm.breaker.Execute(ctx, func(ctx context.Context) error {
		opCtx, cancel := context.WithTimeout(ctx, sm.config.OpTimeout)
		defer cancel()
		err := sm.applyOnce(opCtx, op)
		if Permanent(err) {
			rowErr = err
			return nil
		}
		return err
	})
	if err == nil {
		err = rowErr
	}

	switch {
	case err == nil:
		sm.outbox.Complete(op.ID)
		sm.applied.Add(1)
		logging.LogSync(sm.logger, op.ID, string(op.Kind), op.Table, op.Attempts+1, nil)
		return nil
	case errors.Is(err, resilience.ErrCircuitOpen):
		sm.outbox.Defer(op.ID, sm.now().Add(sm.config.Breaker.Cooldown))
		return err
	case ctx.Err() != nil:
		sm.outbox.Defer(op.ID, op.NextAttempt)
		return err
	}

	sm.failed.Add(1)
	next := sm.now().Add(sm.config.Retry.DelayFor(op.Attempts))
	attempts := sm.outbox.Retry(op.ID, next, err)
	logging.LogSync(sm.logger, op.ID, string(op.Kind), op.Table, attempts, err)

	if attempts >= sm.config.MaxAttempts || Permanent(err) {
		sm.outbox.Complete(op.ID)
		sm.dropped.Add(1)
		syncErr := errors.NewSyncError(op.ID, attempts, err)
		sm.logger.Error().
			Err(syncErr).
			Str("table", op.Table).
			Str("key", op.Key).
			Msg("Dropping row write after final attempt")

		sm.mu.RLock()
		onGiveUp := sm.onGiveUp
		sm.mu.RUnlock()
		if onGiveUp != nil {
			onGiveUp(op, syncErr)
		}
	}
	return err
}
