package resilience

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// HealthStatus represents the health status of a component.
type HealthStatus string

const (
	HealthStatusHealthy   HealthStatus = "ok"
	HealthStatusDegraded  HealthStatus = "degraded"
	HealthStatusUnhealthy HealthStatus = "unavailable"
)

// ComponentHealth represents the health of a single component.
type ComponentHealth struct {
	Name      string                 `json:"name"`
	Status    HealthStatus           `json:"status"`
	Message   string                 `json:"message,omitempty"`
	LastCheck time.Time              `json:"last_check"`
	Latency   time.Duration          `json:"latency_ns"`
	Details   map[string]interface{} `json:"details,omitempty"`
}

// HealthCheck represents a health check function.
type HealthCheck func(ctx context.Context) ComponentHealth

// HealthMonitor runs registered component checks on demand.
type HealthMonitor struct {
	mu         sync.RWMutex
	startTime  time.Time
	components map[string]HealthCheck
}

// NewHealthMonitor creates a new health monitor.
func NewHealthMonitor() *HealthMonitor {
	return &HealthMonitor{
		startTime:  time.Now(),
		components: make(map[string]HealthCheck),
	}
}

// RegisterComponent registers a health check for a component.
func (m *HealthMonitor) RegisterComponent(name string, check HealthCheck) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.components[name] = check
}

// SystemHealth represents overall system health.
type SystemHealth struct {
	Status     HealthStatus      `json:"status"`
	Uptime     string            `json:"uptime"`
	StartTime  time.Time         `json:"start_time"`
	Components []ComponentHealth `json:"components"`
}

// Check runs every registered check. The overall status is the worst
// component status.
func (m *HealthMonitor) Check(ctx context.Context) SystemHealth {
	m.mu.RLock()
	checks := make(map[string]HealthCheck, len(m.components))
	for name, c := range m.components {
		checks[name] = c
	}
	m.mu.RUnlock()

	health := SystemHealth{
		Status:    HealthStatusHealthy,
		Uptime:    time.Since(m.startTime).Round(time.Second).String(),
		StartTime: m.startTime,
	}

	for name, check := range checks {
		c := m.runCheck(ctx, name, check)
		health.Components = append(health.Components, c)
		switch c.Status {
		case HealthStatusUnhealthy:
			health.Status = HealthStatusUnhealthy
		case HealthStatusDegraded:
			if health.Status == HealthStatusHealthy {
				health.Status = HealthStatusDegraded
			}
		}
	}
	sort.Slice(health.Components, func(i, j int) bool {
		return health.Components[i].Name < health.Components[j].Name
	})

	return health
}

func (m *HealthMonitor) runCheck(ctx context.Context, name string, check HealthCheck) (health ComponentHealth) {
	defer func() {
		if r := recover(); r != nil {
			health = ComponentHealth{
				Name:      name,
				Status:    HealthStatusUnhealthy,
				Message:   fmt.Sprintf("check panicked: %v", r),
				LastCheck: time.Now(),
			}
		}
	}()
	health = check(ctx)
	if health.Name == "" {
		health.Name = name
	}
	return health
}

// DatabaseHealthCheck creates a health check for the cache database.
func DatabaseHealthCheck(ping func(ctx context.Context) error) HealthCheck {
	return func(ctx context.Context) ComponentHealth {
		health := ComponentHealth{
			Name:      "database",
			LastCheck: time.Now(),
		}

		start := time.Now()
		err := ping(ctx)
		health.Latency = time.Since(start)

		if err != nil {
			health.Status = HealthStatusUnhealthy
			health.Message = fmt.Sprintf("Database ping failed: %v", err)
			return health
		}

		if health.Latency > 100*time.Millisecond {
			health.Status = HealthStatusDegraded
			health.Message = fmt.Sprintf("Database slow: %v", health.Latency)
			return health
		}

		health.Status = HealthStatusHealthy
		return health
	}
}

// BreakerHealthCheck reports sources whose circuit is open as degraded.
func BreakerHealthCheck(breakers *Breakers) HealthCheck {
	return func(ctx context.Context) ComponentHealth {
		health := ComponentHealth{
			Name:      "sources",
			Status:    HealthStatusHealthy,
			LastCheck: time.Now(),
			Details:   make(map[string]interface{}),
		}

		var open []string
		for _, s := range breakers.AllStats() {
			health.Details[s.Name] = s.State
			if s.State == CircuitOpen {
				open = append(open, s.Name)
			}
		}
		if len(open) > 0 {
			health.Status = HealthStatusDegraded
			health.Message = fmt.Sprintf("circuit open for %v", open)
		}
		return health
	}
}
