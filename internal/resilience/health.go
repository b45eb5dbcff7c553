package resilience

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// HealthStatus represents the health status of a component.
type HealthStatus string

const (
	HealthStatusHealthy   HealthStatus = "HEALTHY"
	HealthStatusDegraded  HealthStatus = "DEGRADED"
	HealthStatusUnhealthy HealthStatus = "UNHEALTHY"
	HealthStatusUnknown   HealthStatus = "UNKNOWN"
)

// ComponentHealth represents the health of a single component.
type ComponentHealth struct {
	Name      string                 `json:"name"`
	Status    HealthStatus           `json:"status"`
	Message   string                 `json:"message"`
	LastCheck time.Time              `json:"lastCheck"`
	Latency   time.Duration          `json:"latency"`
	Details   map[string]interface{} `json:"details,omitempty"`
}

// HealthCheck represents a health check function.
type HealthCheck func(ctx context.Context) ComponentHealth

// HealthMonitorConfig holds health monitor configuration.
type HealthMonitorConfig struct {
	CheckInterval      time.Duration
	CheckTimeout       time.Duration
	GoroutineThreshold int
}

// DefaultHealthMonitorConfig returns default configuration.
func DefaultHealthMonitorConfig() HealthMonitorConfig {
	return HealthMonitorConfig{
		CheckInterval:      30 * time.Second,
		CheckTimeout:       5 * time.Second,
		GoroutineThreshold: 5000,
	}
}

// HealthMonitor runs registered checks on demand and on an interval, and
// serves the last result over HTTP.
type HealthMonitor struct {
	mu sync.RWMutex

	config     HealthMonitorConfig
	logger     zerolog.Logger
	startTime  time.Time
	components map[string]HealthCheck
	health     map[string]ComponentHealth
	overall    HealthStatus

	totalChecks  int64
	failedChecks int64
}

// NewHealthMonitor creates a new health monitor.
func NewHealthMonitor(config HealthMonitorConfig, logger zerolog.Logger) *HealthMonitor {
	def := DefaultHealthMonitorConfig()
	if config.CheckInterval <= 0 {
		config.CheckInterval = def.CheckInterval
	}
	if config.CheckTimeout <= 0 {
		config.CheckTimeout = def.CheckTimeout
	}
	if config.GoroutineThreshold <= 0 {
		config.GoroutineThreshold = def.GoroutineThreshold
	}
	return &HealthMonitor{
		config:     config,
		logger:     logger.With().Str("component", "health").Logger(),
		startTime:  time.Now(),
		components: make(map[string]HealthCheck),
		health:     make(map[string]ComponentHealth),
		overall:    HealthStatusUnknown,
	}
}

// RegisterComponent registers a health check for a component.
func (m *HealthMonitor) RegisterComponent(name string, check HealthCheck) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.components[name] = check
}

// Run checks on the configured interval until ctx is done.
func (m *HealthMonitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.config.CheckInterval)
	defer ticker.Stop()

	m.Check(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			m.Check(ctx)
		}
	}
}

// Check runs every registered check concurrently and returns the result.
func (m *HealthMonitor) Check(ctx context.Context) SystemHealth {
	m.mu.RLock()
	components := make(map[string]HealthCheck, len(m.components))
	for k, v := range m.components {
		components[k] = v
	}
	m.mu.RUnlock()

	ctx, cancel := context.WithTimeout(ctx, m.config.CheckTimeout)
	defer cancel()

	var wg sync.WaitGroup
	results := make(chan ComponentHealth, len(components)+1)
	for name, check := range components {
		wg.Add(1)
		go func(n string, c HealthCheck) {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					results <- ComponentHealth{
						Name:      n,
						Status:    HealthStatusUnhealthy,
						Message:   fmt.Sprintf("Panic recovered: %v", r),
						LastCheck: time.Now(),
					}
				}
			}()

			start := time.Now()
			h := c(ctx)
			h.Name = n
			h.LastCheck = time.Now()
			if h.Latency == 0 {
				h.Latency = time.Since(start)
			}
			results <- h
		}(name, check)
	}
	results <- m.checkGoroutines()
	wg.Wait()
	close(results)

	m.mu.Lock()
	m.totalChecks++
	overall := HealthStatusHealthy
	for h := range results {
		prev := m.health[h.Name]
		m.health[h.Name] = h
		switch h.Status {
		case HealthStatusUnhealthy:
			overall = HealthStatusUnhealthy
			m.failedChecks++
		case HealthStatusDegraded:
			if overall == HealthStatusHealthy {
				overall = HealthStatusDegraded
			}
		}
		if prev.Status != "" && prev.Status != h.Status {
			m.logger.Warn().
				Str("check", h.Name).
				Str("from", string(prev.Status)).
				Str("to", string(h.Status)).
				Str("message", h.Message).
				Msg("Health changed")
		}
	}
	m.overall = overall
	m.mu.Unlock()

	return m.GetHealth()
}

func (m *HealthMonitor) checkGoroutines() ComponentHealth {
	n := runtime.NumGoroutine()
	h := ComponentHealth{
		Name:      "goroutines",
		Status:    HealthStatusHealthy,
		Message:   fmt.Sprintf("Goroutine count: %d", n),
		LastCheck: time.Now(),
		Details:   map[string]interface{}{"count": n},
	}
	if n > m.config.GoroutineThreshold {
		h.Status = HealthStatusDegraded
		h.Message = fmt.Sprintf("High goroutine count: %d", n)
	}
	return h
}

// SystemHealth represents overall system health.
type SystemHealth struct {
	Status       HealthStatus      `json:"status"`
	Uptime       string            `json:"uptime"`
	StartTime    time.Time         `json:"startTime"`
	Components   []ComponentHealth `json:"components"`
	TotalChecks  int64             `json:"totalChecks"`
	FailedChecks int64             `json:"failedChecks"`
}

// GetHealth returns the result of the last check.
func (m *HealthMonitor) GetHealth() SystemHealth {
	m.mu.RLock()
	defer m.mu.RUnlock()

	components := make([]ComponentHealth, 0, len(m.health))
	for _, h := range m.health {
		components = append(components, h)
	}
	sort.Slice(components, func(i, j int) bool { return components[i].Name < components[j].Name })

	return SystemHealth{
		Status:       m.overall,
		Uptime:       time.Since(m.startTime).Round(time.Second).String(),
		StartTime:    m.startTime,
		Components:   components,
		TotalChecks:  m.totalChecks,
		FailedChecks: m.failedChecks,
	}
}

// GetComponentHealth returns health for a specific component.
func (m *HealthMonitor) GetComponentHealth(name string) (ComponentHealth, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	h, ok := m.health[name]
	return h, ok
}

// LivenessHTTPHandler answers as long as the process serves requests.
func (m *HealthMonitor) LivenessHTTPHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"alive"}`))
	}
}

// ReadinessHTTPHandler runs the checks and reports 503 when any is
// unhealthy. Degraded is still ready.
func (m *HealthMonitor) ReadinessHTTPHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		health := m.Check(r.Context())

		w.Header().Set("Content-Type", "application/json")
		if health.Status == HealthStatusUnhealthy {
			w.WriteHeader(http.StatusServiceUnavailable)
		} else {
			w.WriteHeader(http.StatusOK)
		}
		_ = json.NewEncoder(w).Encode(health)
	}
}

// ============================================================================
// Checks
// ============================================================================

// DatabaseHealthCheck reports the row store as unhealthy when ping fails and
// degraded when it is slow.
func DatabaseHealthCheck(ping func(ctx context.Context) error) HealthCheck {
	return func(ctx context.Context) ComponentHealth {
		start := time.Now()
		err := ping(ctx)
		h := ComponentHealth{Latency: time.Since(start)}

		switch {
		case err != nil:
			h.Status = HealthStatusUnhealthy
			h.Message = fmt.Sprintf("Database ping failed: %v", err)
		case h.Latency > 250*time.Millisecond:
			h.Status = HealthStatusDegraded
			h.Message = fmt.Sprintf("Database slow: %v", h.Latency)
		default:
			h.Status = HealthStatusHealthy
			h.Message = fmt.Sprintf("Database healthy: %v", h.Latency)
		}
		return h
	}
}

// OutboxHealthCheck reports a backlog of pending writes. The outbox is
// degraded above half its limit or while the breaker is not closed.
func OutboxHealthCheck(pending func() int, limit int, breaker *Breaker) HealthCheck {
	return func(ctx context.Context) ComponentHealth {
		n := pending()
		h := ComponentHealth{
			Status:  HealthStatusHealthy,
			Message: fmt.Sprintf("%d writes pending", n),
			Details: map[string]interface{}{"pending": n, "limit": limit},
		}
		if breaker != nil {
			state := breaker.State()
			h.Details["breaker"] = string(state)
			if state != CircuitClosed {
				h.Status = HealthStatusDegraded
				h.Message = fmt.Sprintf("%d writes pending, circuit %s", n, state)
			}
		}
		if limit > 0 && n > limit/2 {
			h.Status = HealthStatusDegraded
		}
		return h
	}
}

// FeedHealthCheck reports the price feed as degraded when no tick arrived
// within three intervals.
func FeedHealthCheck(lastStep func() time.Time, interval time.Duration) HealthCheck {
	return func(ctx context.Context) ComponentHealth {
		last := lastStep()
		h := ComponentHealth{Details: map[string]interface{}{"lastTick": last}}
		switch {
		case last.IsZero():
			h.Status = HealthStatusUnknown
			h.Message = "No tick yet"
		case time.Since(last) > 3*interval:
			h.Status = HealthStatusDegraded
			h.Message = fmt.Sprintf("No tick for %v", time.Since(last).Round(time.Second))
		default:
			h.Status = HealthStatusHealthy
			h.Message = "Feed ticking"
		}
		return h
	}
}
