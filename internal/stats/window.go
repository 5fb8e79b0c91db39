// Package stats provides the timing summaries every component reports from Stats().
//
// A Window keeps the most recent N samples in a ring buffer (FIFO eviction) and
// computes percentiles on demand by sorting a copy. The running mean is kept
// online over all samples ever observed, not just the window.
package stats

import (
	"math"
	"sort"
	"sync"
	"time"
)

// DefaultWindowSize is the number of recent samples kept for percentiles.
const DefaultWindowSize = 1024

// Summary is a point-in-time view of a Window.
type Summary struct {
	Count int64         `json:"count"`
	Mean  time.Duration `json:"mean"`
	P50   time.Duration `json:"p50"`
	P95   time.Duration `json:"p95"`
	P99   time.Duration `json:"p99"`
	Max   time.Duration `json:"max"`
}

// Window records durations and summarizes them.
type Window struct {
	mu       sync.Mutex
	values   []time.Duration // ring buffer
	writePos int
	full     bool

	count int64
	mean  float64 // online running mean in nanoseconds
	max   time.Duration
}

// NewWindow creates a window holding up to size recent samples.
func NewWindow(size int) *Window {
	if size <= 0 {
		size = DefaultWindowSize
	}
	return &Window{values: make([]time.Duration, size)}
}

// Observe records one sample.
func (w *Window) Observe(d time.Duration) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.values[w.writePos] = d
	w.writePos++
	if w.writePos == len(w.values) {
		w.writePos = 0
		w.full = true
	}

	w.count++
	w.mean += (float64(d) - w.mean) / float64(w.count)
	if d > w.max {
		w.max = d
	}
}

// Since records time.Since(start). Handy with defer.
func (w *Window) Since(start time.Time) {
	w.Observe(time.Since(start))
}

// Mean returns the running mean over every observed sample.
func (w *Window) Mean() time.Duration {
	w.mu.Lock()
	defer w.mu.Unlock()
	return time.Duration(w.mean)
}

// Summary computes percentiles over the retained samples.
func (w *Window) Summary() Summary {
	w.mu.Lock()
	n := w.writePos
	if w.full {
		n = len(w.values)
	}
	sorted := make([]time.Duration, n)
	copy(sorted, w.values[:n])
	s := Summary{Count: w.count, Mean: time.Duration(w.mean), Max: w.max}
	w.mu.Unlock()

	if n == 0 {
		return s
	}

	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	s.P50 = percentile(sorted, 50)
	s.P95 = percentile(sorted, 95)
	s.P99 = percentile(sorted, 99)
	return s
}

// Reset forgets every sample.
func (w *Window) Reset() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.writePos = 0
	w.full = false
	w.count = 0
	w.mean = 0
	w.max = 0
}

// percentile uses the nearest-rank method on an ascending slice.
func percentile(sorted []time.Duration, p float64) time.Duration {
	rank := int(math.Ceil(p / 100 * float64(len(sorted))))
	if rank < 1 {
		rank = 1
	}
	if rank > len(sorted) {
		rank = len(sorted)
	}
	return sorted[rank-1]
}
