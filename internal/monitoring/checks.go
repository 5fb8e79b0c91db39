package monitoring

import (
	"context"
	"fmt"
	"runtime"

	"github.com/conneroisu/reservoir/internal/cache"
	"github.com/conneroisu/reservoir/internal/dbpool"
	"github.com/conneroisu/reservoir/internal/executor"
	"github.com/conneroisu/reservoir/internal/hub"
)

// Pinger is satisfied by *dbpool.Pool.
type Pinger interface {
	Ping(ctx context.Context) error
}

// DatabaseHealthChecker pings the pool and reports exhaustion as degraded.
func DatabaseHealthChecker(p Pinger, snapshot func() dbpool.Stats) HealthChecker {
	return NewHealthCheckFunc("database", true, func(ctx context.Context) HealthCheck {
		if err := p.Ping(ctx); err != nil {
			return HealthCheck{
				Name:    "database",
				Status:  HealthStatusUnhealthy,
				Message: fmt.Sprintf("Ping failed: %v", err),
			}
		}

		check := HealthCheck{
			Name:    "database",
			Status:  HealthStatusHealthy,
			Message: "Database is reachable",
		}
		if snapshot != nil {
			s := snapshot()
			check.Metadata = map[string]interface{}{
				"open":      s.Open,
				"idle":      s.Idle,
				"active":    s.Active,
				"exhausted": s.Exhausted,
			}
			if s.MaxConnections > 0 && s.Active >= s.MaxConnections {
				check.Status = HealthStatusDegraded
				check.Message = "Every connection is leased"
			}
		}
		return check
	})
}

// HubHealthChecker reports whether the dispatcher is running.
func HubHealthChecker(h *hub.Hub) HealthChecker {
	return NewHealthCheckFunc("hub", true, func(ctx context.Context) HealthCheck {
		s := h.Stats()
		check := HealthCheck{
			Name:    "hub",
			Status:  HealthStatusHealthy,
			Message: "Dispatcher is running",
			Metadata: map[string]interface{}{
				"subscribers": s.Subscribers,
				"dropped":     s.Dropped,
				"removed":     s.Removed,
			},
		}
		if !h.Running() {
			check.Status = HealthStatusUnhealthy
			check.Message = "Dispatcher is not running"
		}
		return check
	})
}

// ExecutorHealthChecker reports degraded when more than backlog tasks wait for a permit.
func ExecutorHealthChecker(snapshot func() executor.Stats, backlog int) HealthChecker {
	return NewHealthCheckFunc("executor", false, func(ctx context.Context) HealthCheck {
		s := snapshot()
		check := HealthCheck{
			Name:    "executor",
			Status:  HealthStatusHealthy,
			Message: "Executor is keeping up",
			Metadata: map[string]interface{}{
				"running":   s.Running,
				"pending":   s.Pending,
				"retained":  s.Retained,
				"timed_out": s.TimedOut,
			},
		}
		if backlog > 0 && s.Pending > backlog {
			check.Status = HealthStatusDegraded
			check.Message = fmt.Sprintf("%d tasks waiting for a permit", s.Pending)
		}
		return check
	})
}

// CacheHealthChecker fails if the cache ever holds more bytes than its budget.
func CacheHealthChecker(snapshot func() cache.Stats) HealthChecker {
	return NewHealthCheckFunc("cache", false, func(ctx context.Context) HealthCheck {
		s := snapshot()
		check := HealthCheck{
			Name:    "cache",
			Status:  HealthStatusHealthy,
			Message: "Cache is within budget",
			Metadata: map[string]interface{}{
				"entries":  s.Entries,
				"bytes":    s.Bytes,
				"hit_rate": s.HitRate,
			},
		}
		if s.Bytes > s.MaxBytes {
			check.Status = HealthStatusUnhealthy
			check.Message = fmt.Sprintf("Cache holds %d bytes over a %d byte budget", s.Bytes, s.MaxBytes)
		}
		return check
	})
}

// GoroutineHealthChecker checks for goroutine leaks
func GoroutineHealthChecker() HealthChecker {
	return NewHealthCheckFunc("goroutines", false, func(ctx context.Context) HealthCheck {
		goroutines := runtime.NumGoroutine()

		status := HealthStatusHealthy
		message := "Goroutine count is normal"

		if goroutines > 1000 {
			status = HealthStatusDegraded
			message = fmt.Sprintf("High goroutine count: %d", goroutines)
		}
		if goroutines > 10000 {
			status = HealthStatusUnhealthy
			message = fmt.Sprintf("Very high goroutine count: %d", goroutines)
		}

		return HealthCheck{
			Name:     "goroutines",
			Status:   status,
			Message:  message,
			Metadata: map[string]interface{}{"count": goroutines},
		}
	})
}
