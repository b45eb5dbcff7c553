// Package stream provides real-time event fan-out for price ticks and
// portfolio snapshots.
package stream

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"virtual-trader/internal/models"
)

// HubConfig holds configuration for the Stream Hub.
type HubConfig struct {
	// BufferSize is the size of the internal event channel buffer.
	BufferSize int
	// SubscriberBufferSize is the size of each subscriber's channel buffer.
	SubscriberBufferSize int
}

// DefaultHubConfig returns the default hub configuration.
func DefaultHubConfig() HubConfig {
	return HubConfig{
		BufferSize:           1000,
		SubscriberBufferSize: 100,
	}
}

// Hub fans events out from publishers to subscribers keyed by a topic
// (a symbol for ticks, a user id for snapshots). Publishing never blocks:
// when a buffer is full the event is dropped for that receiver.
type Hub[T any] struct {
	config      HubConfig
	key         func(T) string
	mu          sync.RWMutex
	subscribers map[string][]*Subscriber[T]
	events      chan T
	done        chan struct{}
	started     bool
	consumers   []Consumer[T]
	consumersMu sync.RWMutex

	// Metrics
	received  atomic.Uint64
	broadcast atomic.Uint64
	dropped   atomic.Uint64
}

// Subscriber represents a channel subscriber with metadata.
type Subscriber[T any] struct {
	ID        string
	Channel   chan T
	CreatedAt time.Time
	dropped   atomic.Uint64
}

// DroppedCount returns the number of events this subscriber missed.
func (s *Subscriber[T]) DroppedCount() uint64 {
	return s.dropped.Load()
}

// NewHub creates a hub with default configuration.
func NewHub[T any](key func(T) string) *Hub[T] {
	return NewHubWithConfig(DefaultHubConfig(), key)
}

// NewHubWithConfig creates a hub with custom configuration.
func NewHubWithConfig[T any](config HubConfig, key func(T) string) *Hub[T] {
	if config.BufferSize <= 0 {
		config.BufferSize = DefaultHubConfig().BufferSize
	}
	if config.SubscriberBufferSize <= 0 {
		config.SubscriberBufferSize = DefaultHubConfig().SubscriberBufferSize
	}
	return &Hub[T]{
		config:      config,
		key:         key,
		subscribers: make(map[string][]*Subscriber[T]),
		events:      make(chan T, config.BufferSize),
		done:        make(chan struct{}),
	}
}

// NewTickHub creates a hub for price ticks keyed by symbol.
func NewTickHub() *Hub[models.Tick] {
	return NewHub(func(t models.Tick) string { return t.Symbol })
}

// NewSnapshotHub creates a hub for portfolio snapshots keyed by user.
func NewSnapshotHub() *Hub[models.PortfolioSnapshot] {
	return NewHub(func(s models.PortfolioSnapshot) string { return s.UserID })
}

// Start begins the hub's distribution loop.
func (h *Hub[T]) Start(ctx context.Context) {
	h.mu.Lock()
	if h.started {
		h.mu.Unlock()
		return
	}
	h.started = true
	h.mu.Unlock()

	go h.broadcastLoop(ctx)
}

func (h *Hub[T]) broadcastLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-h.done:
			return
		case ev := <-h.events:
			h.received.Add(1)
			h.fanOut(ev)
			h.notifyConsumers(ev)
		}
	}
}

// Stop stops the hub and closes all subscriber channels.
func (h *Hub[T]) Stop() {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.started {
		return
	}

	close(h.done)
	h.started = false

	for key, subs := range h.subscribers {
		for _, sub := range subs {
			close(sub.Channel)
		}
		delete(h.subscribers, key)
	}
}

// Subscribe adds a subscriber for a topic and returns its channel.
func (h *Hub[T]) Subscribe(key string) <-chan T {
	return h.SubscribeWithID(key, "")
}

// SubscribeWithID adds a subscriber with a specific ID for a topic.
func (h *Hub[T]) SubscribeWithID(key, id string) <-chan T {
	ch := make(chan T, h.config.SubscriberBufferSize)
	sub := &Subscriber[T]{
		ID:        id,
		Channel:   ch,
		CreatedAt: time.Now(),
	}

	h.mu.Lock()
	h.subscribers[key] = append(h.subscribers[key], sub)
	h.mu.Unlock()

	return ch
}

// Unsubscribe removes and closes a subscriber channel.
func (h *Hub[T]) Unsubscribe(key string, ch <-chan T) {
	h.mu.Lock()
	defer h.mu.Unlock()

	subs := h.subscribers[key]
	for i, sub := range subs {
		if sub.Channel == ch {
			close(sub.Channel)
			h.subscribers[key] = append(subs[:i], subs[i+1:]...)
			break
		}
	}

	if len(h.subscribers[key]) == 0 {
		delete(h.subscribers, key)
	}
}

// Publish queues an event for distribution. It never blocks; when the
// internal buffer is full the event is dropped.
func (h *Hub[T]) Publish(ev T) {
	select {
	case h.events <- ev:
	default:
		h.dropped.Add(1)
	}
}

// fanOut sends an event to every subscriber of its topic. Sends are
// non-blocking so a slow subscriber only loses its own events.
func (h *Hub[T]) fanOut(ev T) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, sub := range h.subscribers[h.key(ev)] {
		select {
		case sub.Channel <- ev:
			h.broadcast.Add(1)
		default:
			sub.dropped.Add(1)
			h.dropped.Add(1)
		}
	}
}

// SubscriberCount returns the number of subscribers for a topic.
func (h *Hub[T]) SubscriberCount(key string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscribers[key])
}

// TotalSubscriberCount returns the number of subscribers across all topics.
func (h *Hub[T]) TotalSubscriberCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	count := 0
	for _, subs := range h.subscribers {
		count += len(subs)
	}
	return count
}

// Metrics returns hub metrics.
func (h *Hub[T]) Metrics() HubMetrics {
	h.mu.RLock()
	topics := len(h.subscribers)
	h.mu.RUnlock()

	return HubMetrics{
		Received:    h.received.Load(),
		Broadcast:   h.broadcast.Load(),
		Dropped:     h.dropped.Load(),
		Subscribers: h.TotalSubscriberCount(),
		Topics:      topics,
	}
}

// HubMetrics contains hub performance metrics.
type HubMetrics struct {
	Received    uint64 `json:"received"`
	Broadcast   uint64 `json:"broadcast"`
	Dropped     uint64 `json:"dropped"`
	Subscribers int    `json:"subscribers"`
	Topics      int    `json:"topics"`
}

// IsStarted returns whether the hub is running.
func (h *Hub[T]) IsStarted() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.started
}

// ============================================================================
// Consumers
// ============================================================================

// Consumer processes events on the hub's distribution goroutine, in
// publish order. OnEvent must return quickly.
type Consumer[T any] interface {
	// OnEvent is called for every event whose topic matches Keys.
	OnEvent(ev T)
	// Keys returns the topics this consumer is interested in.
	// Return nil or an empty slice to receive everything.
	Keys() []string
}

// RegisterConsumer adds a consumer.
func (h *Hub[T]) RegisterConsumer(consumer Consumer[T]) {
	h.consumersMu.Lock()
	h.consumers = append(h.consumers, consumer)
	h.consumersMu.Unlock()
}

// UnregisterConsumer removes a consumer.
func (h *Hub[T]) UnregisterConsumer(consumer Consumer[T]) {
	h.consumersMu.Lock()
	defer h.consumersMu.Unlock()

	for i, c := range h.consumers {
		if c == consumer {
			h.consumers = append(h.consumers[:i], h.consumers[i+1:]...)
			break
		}
	}
}

func (h *Hub[T]) notifyConsumers(ev T) {
	h.consumersMu.RLock()
	consumers := make([]Consumer[T], len(h.consumers))
	copy(consumers, h.consumers)
	h.consumersMu.RUnlock()

	key := h.key(ev)
	for _, consumer := range consumers {
		keys := consumer.Keys()
		if len(keys) == 0 || contains(keys, key) {
			consumer.OnEvent(ev)
		}
	}
}

func contains(keys []string, key string) bool {
	for _, k := range keys {
		if k == key {
			return true
		}
	}
	return false
}

// ConsumerFunc is a function adapter for the Consumer interface.
type ConsumerFunc[T any] struct {
	keys []string
	fn   func(T)
}

// NewConsumerFunc creates a new ConsumerFunc.
func NewConsumerFunc[T any](keys []string, fn func(T)) *ConsumerFunc[T] {
	return &ConsumerFunc[T]{keys: keys, fn: fn}
}

// OnEvent implements Consumer.
func (c *ConsumerFunc[T]) OnEvent(ev T) {
	if c.fn != nil {
		c.fn(ev)
	}
}

// Keys implements Consumer.
func (c *ConsumerFunc[T]) Keys() []string {
	return c.keys
}
