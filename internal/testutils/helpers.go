// Package testutils holds fixtures shared by package tests.
package testutils

import (
	"context"
	"fmt"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/require"

	"github.com/conneroisu/reservoir/internal/config"
)

// CreateTestConfig returns the default configuration pointed at a database in
// a per-test temp directory, with small pool and batch sizes.
func CreateTestConfig(t *testing.T) *config.Config {
	t.Helper()

	cfg, err := config.LoadFrom(viper.New())
	require.NoError(t, err)

	cfg.Pool.DBPath = filepath.Join(t.TempDir(), "reservoir.db")
	cfg.Pool.MinConnections = 1
	cfg.Pool.MaxConnections = 3
	cfg.Batcher.BatchSize = 1
	return cfg
}

// TestingInterface is the subset of testing.TB that leak checks need.
type TestingInterface interface {
	Helper()
	Errorf(format string, args ...interface{})
	Logf(format string, args ...interface{})
	Cleanup(func())
}

// GoroutineTracker detects goroutines left running by a test.
type GoroutineTracker struct {
	name      string
	initial   int
	tolerance int
	settle    time.Duration
}

// TrackGoroutines records the current goroutine count and, at cleanup, fails
// the test if more than tolerance extra goroutines are still alive after the
// settle period.
func TrackGoroutines(t TestingInterface, name string, tolerance int) *GoroutineTracker {
	t.Helper()
	gt := &GoroutineTracker{
		name:      name,
		initial:   runtime.NumGoroutine(),
		tolerance: tolerance,
		settle:    2 * time.Second,
	}
	t.Cleanup(func() { gt.Check(t) })
	return gt
}

// Check polls until the count falls back within tolerance or the settle
// period ends.
func (gt *GoroutineTracker) Check(t TestingInterface) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), gt.settle)
	defer cancel()

	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	for {
		current := runtime.NumGoroutine()
		if current-gt.initial <= gt.tolerance {
			return
		}
		select {
		case <-ctx.Done():
			t.Errorf("%s: goroutine leak: %d initial, %d current (+%d, limit: +%d)",
				gt.name, gt.initial, current, current-gt.initial, gt.tolerance)
			t.Logf("goroutines:\n%s", goroutineDump())
			return
		case <-ticker.C:
		}
	}
}

// goroutineDump returns the stacks of all goroutines, truncated.
func goroutineDump() string {
	buf := make([]byte, 64<<10)
	n := runtime.Stack(buf, true)
	dump := string(buf[:n])
	if n == len(buf) {
		dump += "\n" + fmt.Sprintf("... truncated at %d bytes", n)
	}
	return strings.TrimSpace(dump)
}
