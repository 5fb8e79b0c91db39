// Package dbpool manages a bounded set of SQLite connections.
//
// Each pooled connection is a *sql.Conn pinned to one physical connection, so
// pragmas run exactly once per connection and a caller holding a Lease has the
// connection to itself. Connections are either idle (on a LIFO stack) or
// leased; a weighted semaphore sized to MaxConnections gates leases and a new
// connection is only opened when the idle stack is empty, so the number of open
// connections never exceeds MaxConnections.
package dbpool

import (
	"context"
	"database/sql"
	stderrors "errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"
	_ "modernc.org/sqlite"

	"github.com/conneroisu/reservoir/internal/errors"
	"github.com/conneroisu/reservoir/internal/logging"
	"github.com/conneroisu/reservoir/internal/stats"
)

// DriverName is the database/sql driver registered by modernc.org/sqlite.
const DriverName = "sqlite"

// DefaultPragmas run once on every new connection.
var DefaultPragmas = []string{
	"PRAGMA journal_mode=WAL",
	"PRAGMA synchronous=NORMAL",
	"PRAGMA cache_size=-64000",
	"PRAGMA mmap_size=268435456",
	"PRAGMA temp_store=MEMORY",
	"PRAGMA busy_timeout=5000",
}

// Options configures a Pool.
type Options struct {
	Path           string
	MinConnections int
	MaxConnections int
	// MaxIdleTime is how long a connection above MinConnections may sit idle.
	MaxIdleTime     time.Duration
	ReclaimInterval time.Duration
	// AcquireTimeout bounds Acquire when ctx has no deadline of its own.
	AcquireTimeout     time.Duration
	SlowQueryThreshold time.Duration
	// Pragmas replaces DefaultPragmas when non-nil.
	Pragmas []string
	Logger  logging.Logger
}

// Stats is a snapshot of pool counters.
type Stats struct {
	Open           int           `json:"open"`
	Idle           int           `json:"idle"`
	Active         int           `json:"active"`
	MaxConnections int           `json:"max_connections"`
	Created        int64         `json:"created"`
	Closed         int64         `json:"closed"`
	Reclaimed      int64         `json:"reclaimed"`
	Acquires       int64         `json:"acquires"`
	Waits          int64         `json:"waits"`
	Exhausted      int64         `json:"exhausted"`
	Queries        int64         `json:"queries"`
	SlowQueries    int64         `json:"slow_queries"`
	QueryErrors    int64         `json:"query_errors"`
	Latency        stats.Summary `json:"latency"`
}

type pooledConn struct {
	id        uint64
	conn      *sql.Conn
	idleSince time.Time
}

// Pool is safe for concurrent use.
type Pool struct {
	db      *sql.DB
	sem     *semaphore.Weighted
	opts    Options
	pragmas []string
	logger  logging.Logger

	slowThreshold atomic.Int64

	mu     sync.Mutex
	idle   []*pooledConn // top of the stack is the end of the slice
	open   int
	active int
	nextID uint64
	closed bool

	created   int64
	closedN   int64
	reclaimed int64
	acquires  int64
	waits     int64
	exhausted int64

	queries     atomic.Int64
	slowQueries atomic.Int64
	queryErrors atomic.Int64
	latency     *stats.Window

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Open creates the pool, opens MinConnections connections and starts the
// idle reclaimer.
func Open(ctx context.Context, opts Options) (*Pool, error) {
	if opts.Path == "" {
		return nil, errors.Invalid("dbpool.Open", "path is required")
	}
	if opts.MaxConnections < 1 {
		opts.MaxConnections = 1
	}
	if opts.MinConnections < 0 {
		opts.MinConnections = 0
	}
	if opts.MinConnections > opts.MaxConnections {
		return nil, errors.Invalid("dbpool.Open",
			fmt.Sprintf("min connections %d exceeds max connections %d", opts.MinConnections, opts.MaxConnections))
	}

	db, err := sql.Open(DriverName, opts.Path)
	if err != nil {
		return nil, errors.UpstreamFailure("dbpool.Open", "failed to open database", err)
	}
	// Pooling happens here, not in database/sql: a closed *sql.Conn must close
	// the physical connection.
	db.SetMaxIdleConns(0)
	db.SetMaxOpenConns(opts.MaxConnections)

	p := &Pool{
		db:      db,
		sem:     semaphore.NewWeighted(int64(opts.MaxConnections)),
		opts:    opts,
		pragmas: opts.Pragmas,
		logger:  logging.OrNop(opts.Logger).WithComponent("dbpool"),
		latency: stats.NewWindow(stats.DefaultWindowSize),
	}
	if p.pragmas == nil {
		p.pragmas = DefaultPragmas
	}
	p.slowThreshold.Store(int64(opts.SlowQueryThreshold))

	for i := 0; i < opts.MinConnections; i++ {
		p.mu.Lock()
		p.open++
		p.mu.Unlock()

		pc, err := p.newConn(ctx)
		if err != nil {
			_ = p.Close()
			return nil, err
		}
		pc.idleSince = time.Now()

		p.mu.Lock()
		p.idle = append(p.idle, pc)
		p.mu.Unlock()
	}

	reclaimCtx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	if opts.ReclaimInterval > 0 && opts.MaxIdleTime > 0 {
		p.wg.Add(1)
		go p.reclaimLoop(reclaimCtx)
	}

	p.logger.Info(ctx, "Connection pool opened",
		"path", opts.Path,
		"min_connections", opts.MinConnections,
		"max_connections", opts.MaxConnections,
	)
	return p, nil
}

// newConn opens a physical connection and applies the pragmas. The caller has
// already counted it in p.open and must undo that on error.
func (p *Pool) newConn(ctx context.Context) (*pooledConn, error) {
	conn, err := p.db.Conn(ctx)
	if err != nil {
		p.mu.Lock()
		p.open--
		p.mu.Unlock()
		return nil, errors.UpstreamFailure("dbpool.newConn", "failed to open connection", err)
	}

	for _, pragma := range p.pragmas {
		if _, err := conn.ExecContext(ctx, pragma); err != nil {
			_ = conn.Close()
			p.mu.Lock()
			p.open--
			p.mu.Unlock()
			return nil, errors.UpstreamFailure("dbpool.newConn",
				fmt.Sprintf("failed to apply %q", pragma), err)
		}
	}

	p.mu.Lock()
	p.nextID++
	pc := &pooledConn{id: p.nextID, conn: conn}
	p.created++
	p.mu.Unlock()

	p.logger.Debug(ctx, "Opened connection", "conn_id", pc.id)
	return pc, nil
}

// Acquire leases a connection, reusing the most recently released idle one.
// When every connection is leased it waits up to ctx's deadline, or
// AcquireTimeout if ctx has none, and then fails with CapacityExceeded.
func (p *Pool) Acquire(ctx context.Context) (*Lease, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, errors.Closed("dbpool.Acquire")
	}
	p.acquires++
	p.mu.Unlock()

	if !p.sem.TryAcquire(1) {
		p.mu.Lock()
		p.waits++
		p.mu.Unlock()

		waitCtx := ctx
		if _, ok := ctx.Deadline(); !ok && p.opts.AcquireTimeout > 0 {
			var cancel context.CancelFunc
			waitCtx, cancel = context.WithTimeout(ctx, p.opts.AcquireTimeout)
			defer cancel()
		}

		if err := p.sem.Acquire(waitCtx, 1); err != nil {
			if ctx.Err() != nil && !stderrors.Is(ctx.Err(), context.DeadlineExceeded) {
				return nil, ctx.Err()
			}
			p.mu.Lock()
			p.exhausted++
			p.mu.Unlock()
			return nil, errors.CapacityExceeded("dbpool.Acquire", "pool exhausted").
				WithContext("max_connections", p.opts.MaxConnections)
		}
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		p.sem.Release(1)
		return nil, errors.Closed("dbpool.Acquire")
	}
	var pc *pooledConn
	if n := len(p.idle); n > 0 {
		pc = p.idle[n-1]
		p.idle[n-1] = nil
		p.idle = p.idle[:n-1]
	} else {
		p.open++
	}
	p.active++
	p.mu.Unlock()

	if pc == nil {
		var err error
		pc, err = p.newConn(ctx)
		if err != nil {
			p.mu.Lock()
			p.active--
			p.mu.Unlock()
			p.sem.Release(1)
			return nil, err
		}
	}

	return &Lease{pool: p, pc: pc}, nil
}

// release takes a connection back from a lease.
func (p *Pool) release(pc *pooledConn, discard bool) {
	p.mu.Lock()
	p.active--
	if discard || p.closed {
		p.open--
		p.closedN++
		p.mu.Unlock()
		_ = pc.conn.Close()
		p.sem.Release(1)
		if discard {
			p.logger.Warn(context.Background(), nil, "Discarded broken connection", "conn_id", pc.id)
		}
		return
	}
	pc.idleSince = time.Now()
	p.idle = append(p.idle, pc)
	p.mu.Unlock()
	p.sem.Release(1)
}

func (p *Pool) reclaimLoop(ctx context.Context) {
	defer p.wg.Done()

	ticker := time.NewTicker(p.opts.ReclaimInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := p.reclaim(time.Now()); n > 0 {
				p.logger.Debug(ctx, "Reclaimed idle connections", "count", n)
			}
		}
	}
}

// reclaim closes connections idle longer than MaxIdleTime, oldest first,
// without dropping below MinConnections open.
func (p *Pool) reclaim(now time.Time) int {
	p.mu.Lock()
	var victims []*pooledConn
	// The bottom of the stack holds the longest-idle connections.
	for len(p.idle) > 0 && p.open > p.opts.MinConnections {
		oldest := p.idle[0]
		if now.Sub(oldest.idleSince) <= p.opts.MaxIdleTime {
			break
		}
		victims = append(victims, oldest)
		p.idle[0] = nil
		p.idle = p.idle[1:]
		p.open--
		p.closedN++
		p.reclaimed++
	}
	p.mu.Unlock()

	for _, pc := range victims {
		_ = pc.conn.Close()
	}
	return len(victims)
}

// SetSlowQueryThreshold changes the slow query threshold at runtime.
func (p *Pool) SetSlowQueryThreshold(d time.Duration) {
	p.slowThreshold.Store(int64(d))
}

// observe records the timing and outcome of one call.
func (p *Pool) observe(ctx context.Context, query string, start time.Time, err error) {
	elapsed := time.Since(start)
	p.queries.Add(1)
	p.latency.Observe(elapsed)

	if err != nil {
		p.queryErrors.Add(1)
	}

	if threshold := time.Duration(p.slowThreshold.Load()); threshold > 0 && elapsed > threshold {
		p.slowQueries.Add(1)
		p.logger.Warn(ctx, nil, "Slow query",
			"query", truncate(query, 200),
			"duration_ms", elapsed.Milliseconds(),
			"threshold_ms", threshold.Milliseconds(),
		)
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// Ping checks that a connection can reach the database.
func (p *Pool) Ping(ctx context.Context) error {
	lease, err := p.Acquire(ctx)
	if err != nil {
		return err
	}
	defer lease.Release()

	if err := lease.pc.conn.PingContext(ctx); err != nil {
		lease.noteErr(err)
		return errors.UpstreamFailure("dbpool.Ping", "ping failed", err)
	}
	return nil
}

// Stats returns a snapshot of pool counters.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	s := Stats{
		Open:           p.open,
		Idle:           len(p.idle),
		Active:         p.active,
		MaxConnections: p.opts.MaxConnections,
		Created:        p.created,
		Closed:         p.closedN,
		Reclaimed:      p.reclaimed,
		Acquires:       p.acquires,
		Waits:          p.waits,
		Exhausted:      p.exhausted,
	}
	p.mu.Unlock()

	s.Queries = p.queries.Load()
	s.SlowQueries = p.slowQueries.Load()
	s.QueryErrors = p.queryErrors.Load()
	s.Latency = p.latency.Summary()
	return s
}

// Close stops the reclaimer and closes idle connections. Leased connections
// are closed when released. Close is idempotent.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	idle := p.idle
	p.idle = nil
	p.open -= len(idle)
	p.closedN += int64(len(idle))
	p.mu.Unlock()

	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()

	for _, pc := range idle {
		_ = pc.conn.Close()
	}

	if err := p.db.Close(); err != nil {
		return errors.UpstreamFailure("dbpool.Close", "failed to close database", err)
	}
	p.logger.Info(context.Background(), "Connection pool closed")
	return nil
}
