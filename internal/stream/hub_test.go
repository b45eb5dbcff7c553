package stream

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"virtual-trader/internal/models"
)

func TestConsumersSeeEventsInOrder(t *testing.T) {
	hub := NewTickHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	var got []float64
	done := make(chan struct{})

	hub.RegisterConsumer(NewConsumerFunc([]string{"BTCUSD"}, func(t models.Tick) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, t.Price)
		if len(got) == 3 {
			close(done)
		}
	}))
	hub.Start(ctx)
	defer hub.Stop()

	hub.Publish(models.Tick{Symbol: "BTCUSD", Price: 1})
	hub.Publish(models.Tick{Symbol: "EURUSD", Price: 99})
	hub.Publish(models.Tick{Symbol: "BTCUSD", Price: 2})
	hub.Publish(models.Tick{Symbol: "BTCUSD", Price: 3})

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("consumer did not receive ticks")
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []float64{1, 2, 3}, got)
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	hub := NewTickHub()
	ch := hub.Subscribe("AAPL")
	require.Equal(t, 1, hub.SubscriberCount("AAPL"))

	hub.Unsubscribe("AAPL", ch)
	_, ok := <-ch
	assert.False(t, ok)
	assert.Zero(t, hub.TotalSubscriberCount())
}

func TestStopClosesSubscribers(t *testing.T) {
	hub := NewTickHub()
	hub.Start(context.Background())
	ch := hub.Subscribe("AAPL")

	hub.Stop()
	_, ok := <-ch
	assert.False(t, ok)
	assert.False(t, hub.IsStarted())
}

func TestPublishDropsWhenBufferFull(t *testing.T) {
	hub := NewHubWithConfig(HubConfig{BufferSize: 1, SubscriberBufferSize: 1},
		func(t models.Tick) string { return t.Symbol })

	hub.Publish(models.Tick{Symbol: "AAPL"})
	hub.Publish(models.Tick{Symbol: "AAPL"})

	assert.Equal(t, uint64(1), hub.Metrics().Dropped)
}
