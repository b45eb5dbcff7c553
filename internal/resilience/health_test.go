package resilience

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHealthMonitor_AggregatesStatus(t *testing.T) {
	m := NewHealthMonitor(HealthMonitorConfig{}, zerolog.Nop())
	m.RegisterComponent("store", DatabaseHealthCheck(func(ctx context.Context) error { return nil }))
	m.RegisterComponent("outbox", OutboxHealthCheck(func() int { return 7 }, 10, nil))

	h := m.Check(context.Background())
	assert.Equal(t, HealthStatusDegraded, h.Status, "outbox above half its limit")
	require.Len(t, h.Components, 3)
	assert.Equal(t, "goroutines", h.Components[0].Name)

	outbox, ok := m.GetComponentHealth("outbox")
	require.True(t, ok)
	assert.Equal(t, 7, outbox.Details["pending"])
}

func TestHealthMonitor_RecoversPanickingCheck(t *testing.T) {
	m := NewHealthMonitor(HealthMonitorConfig{}, zerolog.Nop())
	m.RegisterComponent("broken", func(ctx context.Context) ComponentHealth { panic("boom") })

	h := m.Check(context.Background())
	assert.Equal(t, HealthStatusUnhealthy, h.Status)
	got, ok := m.GetComponentHealth("broken")
	require.True(t, ok)
	assert.Contains(t, got.Message, "boom")
}

func TestReadinessHTTPHandler(t *testing.T) {
	fail := true
	m := NewHealthMonitor(HealthMonitorConfig{}, zerolog.Nop())
	m.RegisterComponent("store", DatabaseHealthCheck(func(ctx context.Context) error {
		if fail {
			return errors.New("connection refused")
		}
		return nil
	}))

	rec := httptest.NewRecorder()
	m.ReadinessHTTPHandler()(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	fail = false
	rec = httptest.NewRecorder()
	m.ReadinessHTTPHandler()(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	var body SystemHealth
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, HealthStatusHealthy, body.Status)
	assert.EqualValues(t, 2, body.TotalChecks)
	assert.EqualValues(t, 1, body.FailedChecks)
}

func TestOutboxHealthCheck_OpenBreaker(t *testing.T) {
	b := NewBreaker("row-store", BreakerConfig{FailureThreshold: 1, Cooldown: time.Minute})
	b.Record(errors.New("down"))

	h := OutboxHealthCheck(func() int { return 0 }, 100, b)(context.Background())
	assert.Equal(t, HealthStatusDegraded, h.Status)
	assert.Equal(t, string(CircuitOpen), h.Details["breaker"])
}

func TestFeedHealthCheck(t *testing.T) {
	var last time.Time
	check := FeedHealthCheck(func() time.Time { return last }, time.Second)

	assert.Equal(t, HealthStatusUnknown, check(context.Background()).Status)

	last = time.Now()
	assert.Equal(t, HealthStatusHealthy, check(context.Background()).Status)

	last = time.Now().Add(-time.Minute)
	assert.Equal(t, HealthStatusDegraded, check(context.Background()).Status)
}
