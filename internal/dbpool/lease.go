package dbpool

import (
	"context"
	"database/sql"
	"database/sql/driver"
	stderrors "errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/conneroisu/reservoir/internal/errors"
)

// Statement is one query and its arguments.
type Statement struct {
	Query string
	Args  []any
}

// Result is the materialized outcome of Execute.
type Result struct {
	Columns      []string `json:"columns,omitempty"`
	Rows         [][]any  `json:"rows,omitempty"`
	RowsAffected int64    `json:"rows_affected"`
	LastInsertID int64    `json:"last_insert_id"`
}

// Lease is exclusive use of one pooled connection. Release must be called
// exactly once; calling it twice panics.
type Lease struct {
	pool     *Pool
	pc       *pooledConn
	released atomic.Bool
	broken   atomic.Bool
}

// ConnID identifies the physical connection behind the lease.
func (l *Lease) ConnID() uint64 {
	return l.pc.id
}

// Conn exposes the underlying connection. It must not be used after Release.
func (l *Lease) Conn() *sql.Conn {
	return l.pc.conn
}

// Release returns the connection to the pool, or closes it if it saw a
// driver.ErrBadConn or a failed rollback.
func (l *Lease) Release() {
	if !l.released.CompareAndSwap(false, true) {
		panic(fmt.Sprintf("dbpool: connection %d released twice", l.pc.id))
	}
	l.pool.release(l.pc, l.broken.Load())
}

func (l *Lease) noteErr(err error) {
	if stderrors.Is(err, driver.ErrBadConn) {
		l.broken.Store(true)
	}
}

// Exec runs a statement that returns no rows.
func (l *Lease) Exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	start := time.Now()
	res, err := l.pc.conn.ExecContext(ctx, query, args...)
	l.pool.observe(ctx, query, start, err)
	if err != nil {
		l.noteErr(err)
		return nil, errors.UpstreamFailure("dbpool.Exec", "statement failed", err).
			WithContext("query", truncate(query, 200))
	}
	return res, nil
}

// Query runs a row-returning statement and materializes every row.
func (l *Lease) Query(ctx context.Context, query string, args ...any) (*Result, error) {
	start := time.Now()
	result, err := l.query(ctx, query, args...)
	l.pool.observe(ctx, query, start, err)
	if err != nil {
		l.noteErr(err)
		return nil, errors.UpstreamFailure("dbpool.Query", "query failed", err).
			WithContext("query", truncate(query, 200))
	}
	return result, nil
}

func (l *Lease) query(ctx context.Context, query string, args ...any) (*Result, error) {
	rows, err := l.pc.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	result := &Result{Columns: columns}
	for rows.Next() {
		values := make([]any, len(columns))
		ptrs := make([]any, len(columns))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		for i, v := range values {
			if b, ok := v.([]byte); ok {
				values[i] = append([]byte(nil), b...)
			}
		}
		result.Rows = append(result.Rows, values)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

// Execute runs query, materializing rows for row-returning statements and
// reporting affected rows for the rest.
func (l *Lease) Execute(ctx context.Context, query string, args ...any) (*Result, error) {
	if returnsRows(query) {
		return l.Query(ctx, query, args...)
	}

	res, err := l.Exec(ctx, query, args...)
	if err != nil {
		return nil, err
	}

	result := &Result{}
	// Both are best effort; the sqlite driver supports them.
	result.RowsAffected, _ = res.RowsAffected()
	result.LastInsertID, _ = res.LastInsertId()
	return result, nil
}

// ExecuteTransaction runs statements in one transaction. Any failure rolls the
// whole transaction back. If the rollback itself fails the connection is
// discarded on Release so it never returns to the pool mid-transaction.
func (l *Lease) ExecuteTransaction(ctx context.Context, statements []Statement) error {
	start := time.Now()
	err := l.transaction(ctx, statements)
	l.pool.observe(ctx, fmt.Sprintf("TRANSACTION (%d statements)", len(statements)), start, err)
	return err
}

func (l *Lease) transaction(ctx context.Context, statements []Statement) error {
	tx, err := l.pc.conn.BeginTx(ctx, nil)
	if err != nil {
		l.noteErr(err)
		return errors.UpstreamFailure("dbpool.ExecuteTransaction", "begin failed", err)
	}

	for i, stmt := range statements {
		if _, err := tx.ExecContext(ctx, stmt.Query, stmt.Args...); err != nil {
			l.noteErr(err)
			l.rollback(ctx, tx)
			return errors.UpstreamFailure("dbpool.ExecuteTransaction",
				fmt.Sprintf("statement %d failed", i), err).
				WithContext("query", truncate(stmt.Query, 200))
		}
	}

	if err := tx.Commit(); err != nil {
		l.noteErr(err)
		l.rollback(ctx, tx)
		return errors.UpstreamFailure("dbpool.ExecuteTransaction", "commit failed", err)
	}
	return nil
}

func (l *Lease) rollback(ctx context.Context, tx *sql.Tx) {
	err := tx.Rollback()
	if err == nil || stderrors.Is(err, sql.ErrTxDone) {
		// A failed commit reports ErrTxDone; make sure SQLite agrees.
		if err != nil && !l.autocommit(ctx) {
			l.broken.Store(true)
		}
		return
	}
	l.broken.Store(true)
	l.pool.logger.Error(ctx, err, "Rollback failed, connection will be discarded", "conn_id", l.pc.id)
}

// autocommit reports whether the connection is outside any transaction.
// BEGIN succeeds only in autocommit mode.
func (l *Lease) autocommit(ctx context.Context) bool {
	if _, err := l.pc.conn.ExecContext(ctx, "BEGIN"); err != nil {
		return false
	}
	_, err := l.pc.conn.ExecContext(ctx, "ROLLBACK")
	return err == nil
}

// returnsRows guesses whether query produces a result set.
func returnsRows(query string) bool {
	q := strings.ToUpper(strings.TrimSpace(query))
	for _, prefix := range []string{"SELECT", "WITH", "PRAGMA", "VALUES", "EXPLAIN"} {
		if strings.HasPrefix(q, prefix) {
			return !strings.HasPrefix(q, "PRAGMA") || !strings.Contains(q, "=")
		}
	}
	return strings.Contains(q, " RETURNING ")
}

// withLease runs fn on a leased connection and releases it afterwards.
func (p *Pool) withLease(ctx context.Context, fn func(*Lease) error) error {
	lease, err := p.Acquire(ctx)
	if err != nil {
		return err
	}
	defer lease.Release()
	return fn(lease)
}

// Exec runs a statement on a pooled connection.
func (p *Pool) Exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	var res sql.Result
	err := p.withLease(ctx, func(l *Lease) error {
		var err error
		res, err = l.Exec(ctx, query, args...)
		return err
	})
	return res, err
}

// Query runs a row-returning statement on a pooled connection.
func (p *Pool) Query(ctx context.Context, query string, args ...any) (*Result, error) {
	var res *Result
	err := p.withLease(ctx, func(l *Lease) error {
		var err error
		res, err = l.Query(ctx, query, args...)
		return err
	})
	return res, err
}

// Execute runs query on a pooled connection. See Lease.Execute.
func (p *Pool) Execute(ctx context.Context, query string, args ...any) (*Result, error) {
	var res *Result
	err := p.withLease(ctx, func(l *Lease) error {
		var err error
		res, err = l.Execute(ctx, query, args...)
		return err
	})
	return res, err
}

// ExecuteTransaction runs statements atomically on a pooled connection.
// An exhausted pool is reported as CapacityExceeded before anything runs.
func (p *Pool) ExecuteTransaction(ctx context.Context, statements []Statement) error {
	return p.withLease(ctx, func(l *Lease) error {
		return l.ExecuteTransaction(ctx, statements)
	})
}
