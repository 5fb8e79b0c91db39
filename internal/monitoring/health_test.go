package monitoring

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conneroisu/reservoir/internal/cache"
	"github.com/conneroisu/reservoir/internal/dbpool"
	"github.com/conneroisu/reservoir/internal/executor"
	"github.com/conneroisu/reservoir/internal/hub"
	"github.com/conneroisu/reservoir/internal/logging"
)

func staticCheck(name string, critical bool, status HealthStatus) HealthChecker {
	return NewHealthCheckFunc(name, critical, func(ctx context.Context) HealthCheck {
		return HealthCheck{Name: name, Status: status}
	})
}

func TestHealthCheckFunc(t *testing.T) {
	t.Run("create health check function", func(t *testing.T) {
		checkFn := staticCheck("test_check", true, HealthStatusHealthy)

		assert.Equal(t, "test_check", checkFn.Name())
		assert.True(t, checkFn.IsCritical())
		assert.Equal(t, HealthStatusHealthy, checkFn.Check(context.Background()).Status)
	})

	t.Run("monitor applies the check timeout", func(t *testing.T) {
		monitor := NewHealthMonitor(logging.NewNopLogger(), WithCheckTimeout(20*time.Millisecond))
		monitor.RegisterCheck(NewHealthCheckFunc("slow", false, func(ctx context.Context) HealthCheck {
			select {
			case <-time.After(time.Second):
				return HealthCheck{Status: HealthStatusHealthy}
			case <-ctx.Done():
				return HealthCheck{Status: HealthStatusUnhealthy, Message: "Timeout"}
			}
		}))

		start := time.Now()
		monitor.RunChecks(context.Background())
		assert.Less(t, time.Since(start), 500*time.Millisecond)

		result := monitor.GetHealth().Checks["slow"]
		assert.Equal(t, HealthStatusUnhealthy, result.Status)
		assert.Equal(t, "slow", result.Name, "name is filled from the checker")
		assert.False(t, result.LastChecked.IsZero())
	})
}

func TestHealthMonitor_OverallStatus(t *testing.T) {
	tests := []struct {
		name   string
		checks []HealthChecker
		want   HealthStatus
	}{
		{"no checks", nil, HealthStatusHealthy},
		{"all healthy", []HealthChecker{
			staticCheck("a", true, HealthStatusHealthy),
			staticCheck("b", false, HealthStatusHealthy),
		}, HealthStatusHealthy},
		{"degraded", []HealthChecker{
			staticCheck("a", true, HealthStatusHealthy),
			staticCheck("b", true, HealthStatusDegraded),
		}, HealthStatusDegraded},
		{"non-critical unhealthy", []HealthChecker{
			staticCheck("a", true, HealthStatusHealthy),
			staticCheck("b", false, HealthStatusUnhealthy),
		}, HealthStatusDegraded},
		{"critical unhealthy", []HealthChecker{
			staticCheck("a", false, HealthStatusDegraded),
			staticCheck("b", true, HealthStatusUnhealthy),
		}, HealthStatusUnhealthy},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			monitor := NewHealthMonitor(logging.NewNopLogger())
			for _, c := range tt.checks {
				monitor.RegisterCheck(c)
			}
			monitor.RunChecks(context.Background())

			health := monitor.GetHealth()
			assert.Equal(t, tt.want, health.Status)
			assert.Equal(t, len(tt.checks), health.Summary.Total)
		})
	}
}

func TestHealthMonitor_UnregisterCheck(t *testing.T) {
	monitor := NewHealthMonitor(logging.NewNopLogger())
	monitor.RegisterCheck(staticCheck("a", true, HealthStatusUnhealthy))
	monitor.RunChecks(context.Background())
	require.Equal(t, HealthStatusUnhealthy, monitor.GetHealth().Status)

	monitor.UnregisterCheck("a")
	assert.Equal(t, HealthStatusHealthy, monitor.GetHealth().Status)
	assert.Empty(t, monitor.GetHealth().Checks)
}

func TestHealthMonitor_StartStop(t *testing.T) {
	monitor := NewHealthMonitor(logging.NewNopLogger(), WithInterval(10*time.Millisecond))

	var runs atomic.Int32
	monitor.RegisterCheck(NewHealthCheckFunc("counter", false, func(ctx context.Context) HealthCheck {
		runs.Add(1)
		return HealthCheck{Status: HealthStatusHealthy}
	}))

	monitor.Start()
	monitor.Start()
	require.Eventually(t, func() bool { return runs.Load() >= 3 }, time.Second, 5*time.Millisecond)

	monitor.Stop()
	monitor.Stop()
	after := runs.Load()
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, after, runs.Load())
}

func TestHealthMonitor_HTTPHandler(t *testing.T) {
	tests := []struct {
		name     string
		status   HealthStatus
		critical bool
		wantCode int
	}{
		{"healthy", HealthStatusHealthy, true, http.StatusOK},
		{"degraded", HealthStatusDegraded, true, http.StatusOK},
		{"unhealthy", HealthStatusUnhealthy, true, http.StatusServiceUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			monitor := NewHealthMonitor(logging.NewNopLogger())
			monitor.RegisterCheck(staticCheck("c", tt.critical, tt.status))

			rec := httptest.NewRecorder()
			monitor.HTTPHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

			assert.Equal(t, tt.wantCode, rec.Code)
			assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

			var body HealthResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
			assert.Equal(t, tt.status, body.Status)
			assert.Contains(t, body.Checks, "c")
		})
	}
}

type pingFunc func(ctx context.Context) error

func (f pingFunc) Ping(ctx context.Context) error { return f(ctx) }

func TestComponentCheckers(t *testing.T) {
	ctx := context.Background()

	t.Run("database", func(t *testing.T) {
		ok := pingFunc(func(context.Context) error { return nil })
		down := pingFunc(func(context.Context) error { return stderrors.New("disk I/O error") })

		assert.Equal(t, HealthStatusHealthy, DatabaseHealthChecker(ok, nil).Check(ctx).Status)
		assert.Equal(t, HealthStatusUnhealthy, DatabaseHealthChecker(down, nil).Check(ctx).Status)

		full := func() dbpool.Stats { return dbpool.Stats{Active: 4, MaxConnections: 4} }
		assert.Equal(t, HealthStatusDegraded, DatabaseHealthChecker(ok, full).Check(ctx).Status)
	})

	t.Run("hub", func(t *testing.T) {
		h := hub.New(hub.Options{})
		checker := HubHealthChecker(h)
		assert.Equal(t, HealthStatusUnhealthy, checker.Check(ctx).Status)

		require.NoError(t, h.Start())
		assert.Equal(t, HealthStatusHealthy, checker.Check(ctx).Status)

		require.NoError(t, h.Stop(ctx))
		assert.Equal(t, HealthStatusUnhealthy, checker.Check(ctx).Status)
	})

	t.Run("executor backlog", func(t *testing.T) {
		pending := 0
		checker := ExecutorHealthChecker(func() executor.Stats { return executor.Stats{Pending: pending} }, 10)
		assert.Equal(t, HealthStatusHealthy, checker.Check(ctx).Status)
		pending = 11
		assert.Equal(t, HealthStatusDegraded, checker.Check(ctx).Status)
	})

	t.Run("cache budget", func(t *testing.T) {
		c := cache.New(cache.Options{MaxBytes: 100})
		defer c.Close()
		c.Set("k", make([]byte, 40))

		result := CacheHealthChecker(c.Stats).Check(ctx)
		assert.Equal(t, HealthStatusHealthy, result.Status)
		assert.Equal(t, int64(40), result.Metadata["bytes"])

		over := CacheHealthChecker(func() cache.Stats { return cache.Stats{Bytes: 101, MaxBytes: 100} })
		assert.Equal(t, HealthStatusUnhealthy, over.Check(ctx).Status)
	})

	t.Run("goroutines", func(t *testing.T) {
		assert.Equal(t, HealthStatusHealthy, GoroutineHealthChecker().Check(ctx).Status)
	})
}
