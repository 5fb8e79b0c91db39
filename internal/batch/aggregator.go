// Package batch groups individual calls into batches for a single dispatch.
//
// An Aggregator flushes its pending list when it reaches BatchSize, inside the
// Add call that filled it, or when BatchTimeout has passed since the last
// flush. A flush takes the whole pending list at once; items added while a
// batch is being dispatched start a new list. Stop flushes whatever is left, so
// an item accepted by Add is always dispatched.
package batch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/conneroisu/reservoir/internal/errors"
	"github.com/conneroisu/reservoir/internal/logging"
	"github.com/conneroisu/reservoir/internal/stats"
)

// BatchFunc processes items and returns one result per item, in the same order.
type BatchFunc[T, R any] func(ctx context.Context, items []T) ([]R, error)

// Options configures an Aggregator.
type Options struct {
	BatchSize    int
	BatchTimeout time.Duration
	Logger       logging.Logger
}

// Stats is a snapshot of aggregator counters.
type Stats struct {
	Batches          int64         `json:"batches"`
	Items            int64         `json:"items"`
	SizeFlushes      int64         `json:"size_flushes"`
	TimerFlushes     int64         `json:"timer_flushes"`
	DrainFlushes     int64         `json:"drain_flushes"`
	Failures         int64         `json:"failures"`
	Pending          int           `json:"pending"`
	AverageBatchSize float64       `json:"average_batch_size"`
	Latency          stats.Summary `json:"latency"`
}

type flushReason int

const (
	flushSize flushReason = iota
	flushTimer
	flushDrain
)

func (r flushReason) String() string {
	switch r {
	case flushSize:
		return "size"
	case flushTimer:
		return "timer"
	default:
		return "drain"
	}
}

type outcome[R any] struct {
	value R
	err   error
}

type pendingItem[T, R any] struct {
	item T
	done chan outcome[R]
}

// Aggregator is safe for concurrent use.
type Aggregator[T, R any] struct {
	batchSize    int
	batchTimeout time.Duration
	logger       logging.Logger

	mu      sync.Mutex
	fn      BatchFunc[T, R]
	pending []*pendingItem[T, R]
	running bool

	// flushed re-arms the timer after a size flush.
	flushed     chan struct{}
	cancel      context.CancelFunc
	loopDone    chan struct{}
	dispatching sync.WaitGroup

	batches      int64
	items        int64
	sizeFlushes  int64
	timerFlushes int64
	drainFlushes int64
	failures     int64
	dispatchTime *stats.Window
}

// New creates an Aggregator. A BatchSize below 1 means 1; a zero BatchTimeout
// disables the timer so only size and Stop flush.
func New[T, R any](opts Options) *Aggregator[T, R] {
	if opts.BatchSize < 1 {
		opts.BatchSize = 1
	}
	return &Aggregator[T, R]{
		batchSize:    opts.BatchSize,
		batchTimeout: opts.BatchTimeout,
		logger:       logging.OrNop(opts.Logger).WithComponent("batch"),
		flushed:      make(chan struct{}, 1),
		dispatchTime: stats.NewWindow(stats.DefaultWindowSize),
	}
}

// RegisterBatchFunc sets the function batches are dispatched to.
func (a *Aggregator[T, R]) RegisterBatchFunc(fn BatchFunc[T, R]) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.fn = fn
}

// Start begins accepting items and starts the flush timer.
func (a *Aggregator[T, R]) Start() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.running {
		return errors.Invalid("batch.Start", "already running")
	}
	if a.fn == nil {
		return errors.Invalid("batch.Start", "no batch function registered")
	}

	ctx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel
	a.loopDone = make(chan struct{})
	a.running = true

	go a.loop(ctx, a.loopDone)

	a.logger.Info(ctx, "Batch aggregator started",
		"batch_size", a.batchSize,
		"batch_timeout", a.batchTimeout.String(),
	)
	return nil
}

// Add queues item and waits until the batch holding it has been dispatched.
// If ctx ends first Add returns ctx.Err(); the item is still dispatched.
func (a *Aggregator[T, R]) Add(ctx context.Context, item T) (R, error) {
	var zero R
	p := &pendingItem[T, R]{item: item, done: make(chan outcome[R], 1)}

	a.mu.Lock()
	if !a.running {
		a.mu.Unlock()
		return zero, errors.Closed("batch.Add")
	}
	if a.fn == nil {
		a.mu.Unlock()
		return zero, errors.Invalid("batch.Add", "no batch function registered")
	}

	a.pending = append(a.pending, p)
	var batch []*pendingItem[T, R]
	if len(a.pending) >= a.batchSize {
		batch = a.takeLocked()
		a.dispatching.Add(1)
	}
	fn := a.fn
	a.mu.Unlock()

	if batch != nil {
		select {
		case a.flushed <- struct{}{}:
		default:
		}
		a.dispatch(fn, batch, flushSize)
	}

	select {
	case out := <-p.done:
		return out.value, out.err
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

// takeLocked detaches the pending list. Caller holds mu.
func (a *Aggregator[T, R]) takeLocked() []*pendingItem[T, R] {
	batch := a.pending
	a.pending = nil
	return batch
}

func (a *Aggregator[T, R]) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	if a.batchTimeout <= 0 {
		<-ctx.Done()
		return
	}

	timer := time.NewTimer(a.batchTimeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-a.flushed:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(a.batchTimeout)
		case <-timer.C:
			a.mu.Lock()
			batch := a.takeLocked()
			fn := a.fn
			if len(batch) > 0 {
				a.dispatching.Add(1)
			}
			a.mu.Unlock()

			if len(batch) > 0 {
				a.dispatch(fn, batch, flushTimer)
			}
			timer.Reset(a.batchTimeout)
		}
	}
}

// dispatch runs fn over batch and resolves every waiter. The caller has
// already done dispatching.Add(1).
func (a *Aggregator[T, R]) dispatch(fn BatchFunc[T, R], batch []*pendingItem[T, R], reason flushReason) {
	defer a.dispatching.Done()

	items := make([]T, len(batch))
	for i, p := range batch {
		items[i] = p.item
	}

	start := time.Now()
	results, err := call(fn, items)
	if err == nil && len(results) != len(items) {
		err = fmt.Errorf("batch function returned %d results for %d items", len(results), len(items))
	}
	a.dispatchTime.Observe(time.Since(start))

	if err != nil {
		failure := errors.UpstreamFailure("batch.dispatch", "batch function failed", err).
			WithContext("batch_size", len(items))
		for _, p := range batch {
			p.done <- outcome[R]{err: failure}
		}
	} else {
		for i, p := range batch {
			p.done <- outcome[R]{value: results[i]}
		}
	}

	a.mu.Lock()
	a.batches++
	a.items += int64(len(batch))
	switch reason {
	case flushSize:
		a.sizeFlushes++
	case flushTimer:
		a.timerFlushes++
	case flushDrain:
		a.drainFlushes++
	}
	if err != nil {
		a.failures++
	}
	a.mu.Unlock()

	if err != nil {
		a.logger.Error(context.Background(), err, "Batch dispatch failed",
			"items", len(batch),
			"reason", reason.String(),
		)
	}
}

// call runs fn and turns a panic into an error.
func call[T, R any](fn BatchFunc[T, R], items []T) (results []R, err error) {
	defer func() {
		if r := recover(); r != nil {
			results = nil
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn(context.Background(), items)
}

// Stop rejects new items, flushes the pending list and waits for every
// in-flight dispatch, or for ctx.
func (a *Aggregator[T, R]) Stop(ctx context.Context) error {
	a.mu.Lock()
	if !a.running {
		a.mu.Unlock()
		return nil
	}
	a.running = false
	cancel := a.cancel
	loopDone := a.loopDone
	a.mu.Unlock()

	cancel()
	<-loopDone

	a.mu.Lock()
	batch := a.takeLocked()
	fn := a.fn
	if len(batch) > 0 {
		a.dispatching.Add(1)
	}
	a.mu.Unlock()

	if len(batch) > 0 {
		a.dispatch(fn, batch, flushDrain)
	}

	done := make(chan struct{})
	go func() {
		a.dispatching.Wait()
		close(done)
	}()

	select {
	case <-done:
		a.logger.Info(ctx, "Batch aggregator stopped", "drained", len(batch))
		return nil
	case <-ctx.Done():
		return errors.Timeout("batch.Stop", "dispatches still in flight", ctx.Err())
	}
}

// Stats returns a snapshot of aggregator counters.
func (a *Aggregator[T, R]) Stats() Stats {
	a.mu.Lock()
	s := Stats{
		Batches:      a.batches,
		Items:        a.items,
		SizeFlushes:  a.sizeFlushes,
		TimerFlushes: a.timerFlushes,
		DrainFlushes: a.drainFlushes,
		Failures:     a.failures,
		Pending:      len(a.pending),
	}
	a.mu.Unlock()

	if s.Batches > 0 {
		s.AverageBatchSize = float64(s.Items) / float64(s.Batches)
	}
	s.Latency = a.dispatchTime.Summary()
	return s
}
