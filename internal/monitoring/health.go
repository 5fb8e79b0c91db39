// Package monitoring runs health checks over the resource components.
package monitoring

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/conneroisu/reservoir/internal/logging"
)

// HealthStatus represents the health status of a component
type HealthStatus string

const (
	HealthStatusHealthy   HealthStatus = "healthy"
	HealthStatusUnhealthy HealthStatus = "unhealthy"
	HealthStatusDegraded  HealthStatus = "degraded"
	HealthStatusUnknown   HealthStatus = "unknown"
)

// HealthCheck represents a single health check result
type HealthCheck struct {
	Name        string                 `json:"name"`
	Status      HealthStatus           `json:"status"`
	Message     string                 `json:"message,omitempty"`
	LastChecked time.Time              `json:"last_checked"`
	Duration    time.Duration          `json:"duration"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
	Critical    bool                   `json:"critical"`
}

// HealthChecker defines the interface for health check functions
type HealthChecker interface {
	Check(ctx context.Context) HealthCheck
	Name() string
	IsCritical() bool
}

// HealthCheckFunc is a function that implements HealthChecker
type HealthCheckFunc struct {
	name     string
	checkFn  func(ctx context.Context) HealthCheck
	critical bool
}

// Check executes the health check function
func (h *HealthCheckFunc) Check(ctx context.Context) HealthCheck {
	return h.checkFn(ctx)
}

// Name returns the health check name
func (h *HealthCheckFunc) Name() string {
	return h.name
}

// IsCritical returns whether this check is critical
func (h *HealthCheckFunc) IsCritical() bool {
	return h.critical
}

// NewHealthCheckFunc creates a new health check function
func NewHealthCheckFunc(
	name string,
	critical bool,
	checkFn func(ctx context.Context) HealthCheck,
) *HealthCheckFunc {
	return &HealthCheckFunc{
		name:     name,
		checkFn:  checkFn,
		critical: critical,
	}
}

// HealthMonitor manages and executes health checks
type HealthMonitor struct {
	checks   map[string]HealthChecker
	results  map[string]HealthCheck
	mutex    sync.RWMutex
	logger   logging.Logger
	interval time.Duration
	timeout  time.Duration
	started  time.Time

	lifecycleMu sync.Mutex
	stopChan    chan struct{}
	wg          sync.WaitGroup
}

// HealthResponse represents the overall health response
type HealthResponse struct {
	Status     HealthStatus           `json:"status"`
	Timestamp  time.Time              `json:"timestamp"`
	Uptime     time.Duration          `json:"uptime"`
	Checks     map[string]HealthCheck `json:"checks"`
	Summary    HealthSummary          `json:"summary"`
	SystemInfo SystemInfo             `json:"system_info"`
}

// HealthSummary provides a summary of health check results
type HealthSummary struct {
	Total     int `json:"total"`
	Healthy   int `json:"healthy"`
	Unhealthy int `json:"unhealthy"`
	Degraded  int `json:"degraded"`
	Unknown   int `json:"unknown"`
	Critical  int `json:"critical"`
}

// SystemInfo provides system information
type SystemInfo struct {
	Hostname   string    `json:"hostname"`
	Platform   string    `json:"platform"`
	GoVersion  string    `json:"go_version"`
	StartTime  time.Time `json:"start_time"`
	PID        int       `json:"pid"`
	Goroutines int       `json:"goroutines"`
}

// MonitorOption customizes a HealthMonitor.
type MonitorOption func(*HealthMonitor)

// WithInterval sets how often Start re-runs the checks.
func WithInterval(d time.Duration) MonitorOption {
	return func(hm *HealthMonitor) {
		if d > 0 {
			hm.interval = d
		}
	}
}

// WithCheckTimeout bounds each individual check.
func WithCheckTimeout(d time.Duration) MonitorOption {
	return func(hm *HealthMonitor) {
		if d > 0 {
			hm.timeout = d
		}
	}
}

// NewHealthMonitor creates a new health monitor
func NewHealthMonitor(logger logging.Logger, opts ...MonitorOption) *HealthMonitor {
	hm := &HealthMonitor{
		checks:   make(map[string]HealthChecker),
		results:  make(map[string]HealthCheck),
		logger:   logging.OrNop(logger).WithComponent("health_monitor"),
		interval: 30 * time.Second,
		timeout:  5 * time.Second,
		started:  time.Now(),
	}
	for _, opt := range opts {
		opt(hm)
	}
	return hm
}

// RegisterCheck registers a health check
func (hm *HealthMonitor) RegisterCheck(checker HealthChecker) {
	hm.mutex.Lock()
	defer hm.mutex.Unlock()

	hm.checks[checker.Name()] = checker
	hm.logger.Debug(context.Background(), "Registered health check",
		"name", checker.Name(),
		"critical", checker.IsCritical())
}

// UnregisterCheck removes a health check
func (hm *HealthMonitor) UnregisterCheck(name string) {
	hm.mutex.Lock()
	defer hm.mutex.Unlock()

	delete(hm.checks, name)
	delete(hm.results, name)
}

// Start begins periodic health checking. It is a no-op if already started.
func (hm *HealthMonitor) Start() {
	hm.lifecycleMu.Lock()
	defer hm.lifecycleMu.Unlock()

	if hm.stopChan != nil {
		return
	}
	hm.stopChan = make(chan struct{})
	hm.wg.Add(1)
	go hm.monitorLoop(hm.stopChan)
	hm.logger.Info(context.Background(), "Health monitor started", "interval", hm.interval)
}

// Stop stops the health monitor
func (hm *HealthMonitor) Stop() {
	hm.lifecycleMu.Lock()
	stop := hm.stopChan
	hm.stopChan = nil
	hm.lifecycleMu.Unlock()

	if stop == nil {
		return
	}
	close(stop)
	hm.wg.Wait()
	hm.logger.Info(context.Background(), "Health monitor stopped")
}

func (hm *HealthMonitor) monitorLoop(stop chan struct{}) {
	defer hm.wg.Done()

	ticker := time.NewTicker(hm.interval)
	defer ticker.Stop()

	hm.RunChecks(context.Background())

	for {
		select {
		case <-ticker.C:
			hm.RunChecks(context.Background())
		case <-stop:
			return
		}
	}
}

// RunChecks executes every registered check concurrently and stores the results.
func (hm *HealthMonitor) RunChecks(ctx context.Context) {
	hm.mutex.RLock()
	checks := make([]HealthChecker, 0, len(hm.checks))
	for _, checker := range hm.checks {
		checks = append(checks, checker)
	}
	hm.mutex.RUnlock()

	var wg sync.WaitGroup
	resultsChan := make(chan HealthCheck, len(checks))

	for _, checker := range checks {
		wg.Add(1)
		go func(checker HealthChecker) {
			defer wg.Done()

			checkCtx, cancel := context.WithTimeout(ctx, hm.timeout)
			defer cancel()

			start := time.Now()
			result := checker.Check(checkCtx)
			if result.Name == "" {
				result.Name = checker.Name()
			}
			result.Critical = checker.IsCritical()
			result.Duration = time.Since(start)
			result.LastChecked = time.Now()

			resultsChan <- result
		}(checker)
	}

	wg.Wait()
	close(resultsChan)

	hm.mutex.Lock()
	defer hm.mutex.Unlock()
	for result := range resultsChan {
		if _, ok := hm.checks[result.Name]; !ok {
			// Unregistered while running.
			continue
		}
		hm.results[result.Name] = result

		if result.Status != HealthStatusHealthy {
			hm.logger.Warn(ctx, nil, "Health check not healthy",
				"name", result.Name,
				"status", string(result.Status),
				"message", result.Message,
				"duration", result.Duration)
		}
	}
}

// GetHealth returns the most recent results.
func (hm *HealthMonitor) GetHealth() HealthResponse {
	hm.mutex.RLock()
	checks := make(map[string]HealthCheck, len(hm.results))
	for name, result := range hm.results {
		checks[name] = result
	}
	hm.mutex.RUnlock()

	return HealthResponse{
		Status:     overallStatus(checks),
		Timestamp:  time.Now(),
		Uptime:     time.Since(hm.started),
		Checks:     checks,
		Summary:    summarize(checks),
		SystemInfo: hm.systemInfo(),
	}
}

func summarize(checks map[string]HealthCheck) HealthSummary {
	summary := HealthSummary{Total: len(checks)}

	for _, check := range checks {
		switch check.Status {
		case HealthStatusHealthy:
			summary.Healthy++
		case HealthStatusUnhealthy:
			summary.Unhealthy++
		case HealthStatusDegraded:
			summary.Degraded++
		default:
			summary.Unknown++
		}
		if check.Critical {
			summary.Critical++
		}
	}
	return summary
}

// overallStatus is unhealthy if a critical check is unhealthy, degraded if any
// check is degraded or a non-critical check is unhealthy, healthy otherwise.
func overallStatus(checks map[string]HealthCheck) HealthStatus {
	status := HealthStatusHealthy
	for _, check := range checks {
		switch {
		case check.Status == HealthStatusUnhealthy && check.Critical:
			return HealthStatusUnhealthy
		case check.Status == HealthStatusUnhealthy, check.Status == HealthStatusDegraded:
			status = HealthStatusDegraded
		}
	}
	return status
}

// HTTPHandler runs the checks and writes the health response.
func (hm *HealthMonitor) HTTPHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		hm.RunChecks(r.Context())
		health := hm.GetHealth()

		w.Header().Set("Content-Type", "application/json")

		switch health.Status {
		case HealthStatusHealthy, HealthStatusDegraded:
			w.WriteHeader(http.StatusOK)
		case HealthStatusUnhealthy:
			w.WriteHeader(http.StatusServiceUnavailable)
		default:
			w.WriteHeader(http.StatusInternalServerError)
		}

		encoder := json.NewEncoder(w)
		encoder.SetIndent("", "  ")
		if err := encoder.Encode(health); err != nil {
			hm.logger.Error(r.Context(), err, "Failed to encode health response")
		}
	}
}

func (hm *HealthMonitor) systemInfo() SystemInfo {
	hostname, _ := os.Hostname()

	return SystemInfo{
		Hostname:   hostname,
		Platform:   runtime.GOOS + "/" + runtime.GOARCH,
		GoVersion:  runtime.Version(),
		StartTime:  hm.started,
		PID:        os.Getpid(),
		Goroutines: runtime.NumGoroutine(),
	}
}
