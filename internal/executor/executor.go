// Package executor runs caller-identified units of work under a concurrency cap.
//
// Executor hands out permits from a weighted semaphore sized to MaxConcurrent.
// Every task moves Pending -> Running -> one terminal state exactly once, and
// its record is kept until Consume or Reset so late callers can still Await
// the result. A task ID is single-flight: while a task is Pending or Running,
// resubmitting its ID is rejected instead of starting a second execution.
package executor

import (
	"context"
	stderrors "errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/conneroisu/reservoir/internal/errors"
	"github.com/conneroisu/reservoir/internal/logging"
	"github.com/conneroisu/reservoir/internal/stats"
)

// State is the lifecycle state of a task.
type State int

const (
	StatePending State = iota
	StateRunning
	StateCompleted
	StateFailed
	StateTimedOut
	StateCancelled
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateRunning:
		return "running"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	case StateTimedOut:
		return "timed_out"
	case StateCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// MarshalText renders the state by name in JSON.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Terminal reports whether s is a final state.
func (s State) Terminal() bool {
	return s >= StateCompleted
}

// Work is a unit of work. It should return promptly once ctx is done.
type Work func(ctx context.Context) (any, error)

// TaskInfo is a snapshot of a task record.
type TaskInfo struct {
	ID          string        `json:"id"`
	State       State         `json:"state"`
	SubmittedAt time.Time     `json:"submitted_at"`
	StartedAt   time.Time     `json:"started_at,omitempty"`
	CompletedAt time.Time     `json:"completed_at,omitempty"`
	Duration    time.Duration `json:"duration"`
	Result      any           `json:"-"`
	Err         error         `json:"-"`
}

type task struct {
	id   string
	work Work

	ctx    context.Context
	cancel context.CancelFunc
	// done is closed once the task reaches a terminal state.
	done chan struct{}

	state       State
	submittedAt time.Time
	startedAt   time.Time
	completedAt time.Time
	result      any
	err         error
}

func (t *task) info() TaskInfo {
	info := TaskInfo{
		ID:          t.id,
		State:       t.state,
		SubmittedAt: t.submittedAt,
		StartedAt:   t.startedAt,
		CompletedAt: t.completedAt,
		Result:      t.result,
		Err:         t.err,
	}
	if !t.startedAt.IsZero() && !t.completedAt.IsZero() {
		info.Duration = t.completedAt.Sub(t.startedAt)
	}
	return info
}

// Options configures an Executor.
type Options struct {
	// MaxConcurrent caps the number of Running tasks. Values below 1 mean 1.
	MaxConcurrent int
	// DefaultTimeout applies when Submit is not given WithTimeout. Zero means none.
	DefaultTimeout time.Duration
	Logger         logging.Logger
	Clock          func() time.Time
}

// SubmitOption customizes a single Submit call.
type SubmitOption func(*submitOptions)

type submitOptions struct {
	timeout time.Duration
}

// WithTimeout bounds the task's lifetime, measured from submission.
func WithTimeout(d time.Duration) SubmitOption {
	return func(o *submitOptions) { o.timeout = d }
}

// Stats is a snapshot of executor counters.
type Stats struct {
	MaxConcurrent   int                      `json:"max_concurrent"`
	Submitted       int64                    `json:"submitted"`
	Rejected        int64                    `json:"rejected"`
	Completed       int64                    `json:"completed"`
	Failed          int64                    `json:"failed"`
	TimedOut        int64                    `json:"timed_out"`
	Cancelled       int64                    `json:"cancelled"`
	Running         int                      `json:"running"`
	Pending         int                      `json:"pending"`
	Retained        int                      `json:"retained"`
	AverageDuration time.Duration            `json:"average_duration"`
	Latency         stats.Summary            `json:"latency"`
	Timings         map[string]stats.Summary `json:"timings,omitempty"`
}

// Executor is safe for concurrent use.
type Executor struct {
	// sem holds one permit per allowed Running task
	sem            *semaphore.Weighted
	maxConcurrent  int
	defaultTimeout time.Duration
	logger         logging.Logger
	now            func() time.Time

	// mu protects tasks, closed and the counters below
	mu     sync.Mutex
	tasks  map[string]*task
	closed bool

	submitted int64
	rejected  int64
	completed int64
	failed    int64
	timedOut  int64
	cancelled int64
	running   int
	pending   int

	// durations tracks start-to-finish time of tasks that got a permit
	durations *stats.Window

	timingsMu sync.Mutex
	timings   map[string]*stats.Window

	// inflight tracks task goroutines for Shutdown
	inflight sync.WaitGroup
}

// New creates an executor.
func New(opts Options) *Executor {
	if opts.MaxConcurrent < 1 {
		opts.MaxConcurrent = 1
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}

	return &Executor{
		sem:            semaphore.NewWeighted(int64(opts.MaxConcurrent)),
		maxConcurrent:  opts.MaxConcurrent,
		defaultTimeout: opts.DefaultTimeout,
		logger:         logging.OrNop(opts.Logger).WithComponent("executor"),
		now:            opts.Clock,
		tasks:          make(map[string]*task),
		durations:      stats.NewWindow(stats.DefaultWindowSize),
		timings:        make(map[string]*stats.Window),
	}
}

// Submit registers work under taskID and returns without waiting for a permit.
// It fails with DuplicateRequest while a task with the same ID is Pending or
// Running; a terminal record with the same ID is replaced.
func (e *Executor) Submit(taskID string, work Work, opts ...SubmitOption) error {
	if work == nil {
		return errors.Invalid("executor.Submit", "work is nil")
	}

	so := submitOptions{timeout: e.defaultTimeout}
	for _, opt := range opts {
		opt(&so)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		e.rejected++
		return errors.Closed("executor.Submit")
	}

	if existing, ok := e.tasks[taskID]; ok && !existing.state.Terminal() {
		e.rejected++
		return errors.DuplicateRequest("executor.Submit",
			fmt.Sprintf("task %q is still %s", taskID, existing.state)).
			WithContext("task_id", taskID)
	}

	var ctx context.Context
	var cancel context.CancelFunc
	if so.timeout > 0 {
		ctx, cancel = context.WithTimeout(context.Background(), so.timeout)
	} else {
		ctx, cancel = context.WithCancel(context.Background())
	}

	t := &task{
		id:          taskID,
		work:        work,
		ctx:         ctx,
		cancel:      cancel,
		done:        make(chan struct{}),
		state:       StatePending,
		submittedAt: e.now(),
	}
	e.tasks[taskID] = t
	e.submitted++
	e.pending++

	e.inflight.Add(1)
	go e.run(t)

	return nil
}

type outcome struct {
	result any
	err    error
}

func (e *Executor) run(t *task) {
	defer e.inflight.Done()
	defer t.cancel()

	if err := e.sem.Acquire(t.ctx, 1); err != nil {
		e.finish(t, e.abortState(t), nil, e.abortError(t))
		return
	}

	e.mu.Lock()
	t.state = StateRunning
	t.startedAt = e.now()
	e.pending--
	e.running++
	e.mu.Unlock()

	// The work runs in its own goroutine so a deadline or Cancel ends the task
	// even when the work ignores its context.
	out := make(chan outcome, 1)
	go func() {
		res, err := invoke(t.ctx, t.work)
		out <- outcome{result: res, err: err}
	}()

	select {
	case o := <-out:
		if o.err != nil {
			if t.ctx.Err() != nil && stderrors.Is(o.err, t.ctx.Err()) {
				e.finish(t, e.abortState(t), nil, e.abortError(t))
				return
			}
			e.finish(t, StateFailed, nil, errors.UpstreamFailure("executor.run",
				fmt.Sprintf("task %q failed", t.id), o.err))
			return
		}
		e.finish(t, StateCompleted, o.result, nil)
	case <-t.ctx.Done():
		e.finish(t, e.abortState(t), nil, e.abortError(t))
	}
}

// invoke calls work and turns a panic into an error.
func invoke(ctx context.Context, work Work) (res any, err error) {
	defer func() {
		if r := recover(); r != nil {
			res = nil
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return work(ctx)
}

func (e *Executor) abortState(t *task) State {
	if stderrors.Is(t.ctx.Err(), context.DeadlineExceeded) {
		return StateTimedOut
	}
	return StateCancelled
}

func (e *Executor) abortError(t *task) error {
	if stderrors.Is(t.ctx.Err(), context.DeadlineExceeded) {
		return errors.Timeout("executor.run", fmt.Sprintf("task %q timed out", t.id), t.ctx.Err()).
			WithContext("task_id", t.id)
	}
	return errors.Cancelled("executor.run", fmt.Sprintf("task %q cancelled", t.id), context.Canceled).
		WithContext("task_id", t.id)
}

// finish releases the task's permit, if it holds one, and then records the
// terminal state. Both happen under mu so no observer sees more than
// MaxConcurrent Running tasks.
func (e *Executor) finish(t *task, state State, result any, err error) {
	e.mu.Lock()
	wasRunning := t.state == StateRunning
	if wasRunning {
		e.sem.Release(1)
	}
	t.state = state
	t.result = result
	t.err = err
	t.completedAt = e.now()

	if wasRunning {
		e.running--
	} else {
		e.pending--
	}

	switch state {
	case StateCompleted:
		e.completed++
	case StateFailed:
		e.failed++
	case StateTimedOut:
		e.timedOut++
	case StateCancelled:
		e.cancelled++
	}
	close(t.done)
	e.mu.Unlock()

	if wasRunning {
		e.durations.Observe(t.completedAt.Sub(t.startedAt))
	}

	switch state {
	case StateFailed:
		e.logger.Warn(t.ctx, err, "Task failed", "task_id", t.id)
	case StateTimedOut:
		e.logger.Warn(context.Background(), err, "Task timed out", "task_id", t.id)
	default:
		e.logger.Debug(context.Background(), "Task finished", "task_id", t.id, "state", state.String())
	}
}

func (e *Executor) lookup(taskID string) (*task, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	t, ok := e.tasks[taskID]
	return t, ok
}

// Await blocks until taskID is terminal and returns its result. It never runs
// the work again. If ctx ends first, Await returns a Timeout error and the task
// keeps running.
func (e *Executor) Await(ctx context.Context, taskID string) (any, error) {
	t, ok := e.lookup(taskID)
	if !ok {
		return nil, errors.NotFound("executor.Await", fmt.Sprintf("unknown task %q", taskID))
	}

	select {
	case <-t.done:
	case <-ctx.Done():
		return nil, errors.Timeout("executor.Await",
			fmt.Sprintf("gave up waiting for task %q", taskID), ctx.Err())
	}

	// Terminal fields are written before done is closed and never change after.
	return t.result, t.err
}

// AwaitAs is Await with the result asserted to T.
func AwaitAs[T any](ctx context.Context, e *Executor, taskID string) (T, error) {
	var zero T
	res, err := e.Await(ctx, taskID)
	if err != nil {
		return zero, err
	}
	if res == nil {
		return zero, nil
	}
	v, ok := res.(T)
	if !ok {
		return zero, errors.Invalid("executor.AwaitAs",
			fmt.Sprintf("task %q returned %T, not %T", taskID, res, zero))
	}
	return v, nil
}

// Consume awaits taskID and then drops its record.
func (e *Executor) Consume(ctx context.Context, taskID string) (any, error) {
	t, ok := e.lookup(taskID)
	if !ok {
		return nil, errors.NotFound("executor.Consume", fmt.Sprintf("unknown task %q", taskID))
	}

	res, err := e.Await(ctx, taskID)
	if errors.IsKind(err, errors.KindTimeout) && ctx.Err() != nil {
		return nil, err
	}

	e.mu.Lock()
	if e.tasks[taskID] == t {
		delete(e.tasks, taskID)
	}
	e.mu.Unlock()

	return res, err
}

// Status returns a snapshot of the task record.
func (e *Executor) Status(taskID string) (TaskInfo, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	t, ok := e.tasks[taskID]
	if !ok {
		return TaskInfo{}, false
	}
	return t.info(), true
}

// Cancel requests cancellation of a Pending or Running task. It returns false
// for unknown or already terminal tasks.
func (e *Executor) Cancel(taskID string) bool {
	e.mu.Lock()
	t, ok := e.tasks[taskID]
	if !ok || t.state.Terminal() {
		e.mu.Unlock()
		return false
	}
	e.mu.Unlock()

	t.cancel()
	return true
}

// Reset drops every terminal task record and returns how many were dropped.
func (e *Executor) Reset() int {
	e.mu.Lock()
	defer e.mu.Unlock()

	n := 0
	for id, t := range e.tasks {
		if t.state.Terminal() {
			delete(e.tasks, id)
			n++
		}
	}
	return n
}

// Shutdown rejects new submissions and waits for in-flight tasks or ctx.
// Running tasks are not cancelled.
func (e *Executor) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()

	done := make(chan struct{})
	go func() {
		e.inflight.Wait()
		close(done)
	}()

	select {
	case <-done:
		e.logger.Info(ctx, "Executor stopped")
		return nil
	case <-ctx.Done():
		return errors.Timeout("executor.Shutdown", "tasks still in flight", ctx.Err())
	}
}

// Stats returns a snapshot of executor counters.
func (e *Executor) Stats() Stats {
	e.mu.Lock()
	s := Stats{
		MaxConcurrent: e.maxConcurrent,
		Submitted:     e.submitted,
		Rejected:      e.rejected,
		Completed:     e.completed,
		Failed:        e.failed,
		TimedOut:      e.timedOut,
		Cancelled:     e.cancelled,
		Running:       e.running,
		Pending:       e.pending,
		Retained:      len(e.tasks),
	}
	e.mu.Unlock()

	s.Latency = e.durations.Summary()
	s.AverageDuration = s.Latency.Mean

	e.timingsMu.Lock()
	if len(e.timings) > 0 {
		s.Timings = make(map[string]stats.Summary, len(e.timings))
		for name, w := range e.timings {
			s.Timings[name] = w.Summary()
		}
	}
	e.timingsMu.Unlock()

	return s
}
