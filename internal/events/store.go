// Package events is the event log served by reservoir.
//
// Appends are coalesced by a batch.Aggregator into one SQLite transaction per
// batch, then fanned out through the hub once committed. Reads go through a
// memoized cache. Pruning runs as a background executor task.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/conneroisu/reservoir/internal/batch"
	"github.com/conneroisu/reservoir/internal/cache"
	"github.com/conneroisu/reservoir/internal/dbpool"
	"github.com/conneroisu/reservoir/internal/errors"
	"github.com/conneroisu/reservoir/internal/executor"
	"github.com/conneroisu/reservoir/internal/hub"
	"github.com/conneroisu/reservoir/internal/logging"
)

// PruneTaskID is the executor task ID used by SubmitPrune. Only one prune runs at a time.
const PruneTaskID = "events.prune"

const schema = `CREATE TABLE IF NOT EXISTS events (
	id         INTEGER PRIMARY KEY,
	type       TEXT    NOT NULL,
	keys       TEXT    NOT NULL DEFAULT '[]',
	payload    BLOB,
	created_at INTEGER NOT NULL
)`

const selectColumns = `SELECT id, type, keys, payload, created_at FROM events`

// Record is a stored event.
type Record struct {
	ID        int64     `json:"id" msgpack:"id"`
	Type      string    `json:"type" msgpack:"type"`
	Keys      []string  `json:"keys,omitempty" msgpack:"keys"`
	Payload   any       `json:"payload,omitempty" msgpack:"payload"`
	Timestamp time.Time `json:"timestamp" msgpack:"timestamp"`
}

// Event converts r to the hub's wire form.
func (r Record) Event() hub.Event {
	return hub.Event{
		Type:      r.Type,
		Keys:      r.Keys,
		Payload:   map[string]any{"id": r.ID, "data": r.Payload},
		Timestamp: r.Timestamp,
	}
}

// Options configures a Store.
type Options struct {
	// CacheTTL bounds how long a record read stays cached.
	CacheTTL time.Duration
	// PruneTimeout bounds a prune task. Zero uses the executor default.
	PruneTimeout time.Duration
	Logger       logging.Logger
}

// Store is safe for concurrent use.
type Store struct {
	pool    *dbpool.Pool
	cache   *cache.Cache
	records *cache.Memoize[Record]
	writer  *batch.Aggregator[Record, Record]
	exec    *executor.Executor
	hub     *hub.Hub

	cacheTTL     time.Duration
	pruneTimeout time.Duration
	logger       logging.Logger

	nextID atomic.Int64
	// generation is part of every cache key and moves on each prune, so a
	// record read before a prune and cached after it is never served again.
	generation atomic.Uint64
}

// Open creates the schema and registers the store as writer's batch function.
// The caller starts and stops writer.
func Open(
	ctx context.Context,
	pool *dbpool.Pool,
	c *cache.Cache,
	writer *batch.Aggregator[Record, Record],
	exec *executor.Executor,
	h *hub.Hub,
	opts Options,
) (*Store, error) {
	s := &Store{
		pool:         pool,
		cache:        c,
		records:      cache.NewMemoize(c, cache.MsgpackCodec[Record]{}),
		writer:       writer,
		exec:         exec,
		hub:          h,
		cacheTTL:     opts.CacheTTL,
		pruneTimeout: opts.PruneTimeout,
		logger:       logging.OrNop(opts.Logger).WithComponent("events"),
	}

	if _, err := pool.Exec(ctx, schema); err != nil {
		return nil, fmt.Errorf("failed to create events table: %w", err)
	}

	res, err := pool.Query(ctx, "SELECT COALESCE(MAX(id), 0) FROM events")
	if err != nil {
		return nil, fmt.Errorf("failed to read last event id: %w", err)
	}
	last, err := toInt64(res.Rows[0][0])
	if err != nil {
		return nil, fmt.Errorf("failed to read last event id: %w", err)
	}
	s.nextID.Store(last)

	writer.RegisterBatchFunc(s.writeBatch)
	return s, nil
}

// Append stores event and returns the committed record. It waits for the
// batch holding the event to commit.
func (s *Store) Append(ctx context.Context, event hub.Event) (Record, error) {
	if event.Type == "" {
		return Record{}, errors.Invalid("events.Append", "event type is required")
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	rec := Record{
		ID:        s.nextID.Add(1),
		Type:      event.Type,
		Keys:      event.Keys,
		Payload:   event.Payload,
		Timestamp: event.Timestamp.UTC(),
	}
	return s.writer.Add(ctx, rec)
}

// writeBatch inserts records in one transaction and publishes them once committed.
func (s *Store) writeBatch(ctx context.Context, records []Record) ([]Record, error) {
	statements := make([]dbpool.Statement, 0, len(records))
	for _, rec := range records {
		keys, err := json.Marshal(rec.Keys)
		if err != nil {
			return nil, fmt.Errorf("event %d keys: %w", rec.ID, err)
		}
		var payload []byte
		if rec.Payload != nil {
			if payload, err = msgpack.Marshal(rec.Payload); err != nil {
				return nil, fmt.Errorf("event %d payload: %w", rec.ID, err)
			}
		}
		statements = append(statements, dbpool.Statement{
			Query: "INSERT INTO events (id, type, keys, payload, created_at) VALUES (?, ?, ?, ?, ?)",
			Args:  []any{rec.ID, rec.Type, string(keys), payload, rec.Timestamp.UnixNano()},
		})
	}

	if err := s.pool.ExecuteTransaction(ctx, statements); err != nil {
		return nil, err
	}

	for _, rec := range records {
		s.hub.Publish(rec.Event())
	}
	return records, nil
}

// Get returns the record with id, served from cache when possible.
func (s *Store) Get(ctx context.Context, id int64) (Record, error) {
	return s.records.GetOrCompute(ctx, s.cacheKey(id), s.cacheTTL, func(ctx context.Context) (Record, error) {
		res, err := s.pool.Query(ctx, selectColumns+" WHERE id = ?", id)
		if err != nil {
			return Record{}, err
		}
		if len(res.Rows) == 0 {
			return Record{}, errors.NotFound("events.Get", fmt.Sprintf("event %d does not exist", id))
		}
		return scanRecord(res.Rows[0])
	})
}

// Recent returns up to limit records, newest first.
func (s *Store) Recent(ctx context.Context, limit int) ([]Record, error) {
	if limit <= 0 || limit > 1000 {
		return nil, errors.Invalid("events.Recent", "limit must be between 1 and 1000")
	}

	res, err := s.pool.Query(ctx, selectColumns+" ORDER BY id DESC LIMIT ?", limit)
	if err != nil {
		return nil, err
	}

	records := make([]Record, 0, len(res.Rows))
	for _, row := range res.Rows {
		rec, err := scanRecord(row)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, nil
}

// SubmitPrune deletes every record older than before in the background. It
// fails with DuplicateRequest while a previous prune is still running. The
// task result is the number of deleted rows.
func (s *Store) SubmitPrune(before time.Time) error {
	var opts []executor.SubmitOption
	if s.pruneTimeout > 0 {
		opts = append(opts, executor.WithTimeout(s.pruneTimeout))
	}

	work := s.exec.Timed("events.prune", func(ctx context.Context) (any, error) {
		res, err := s.pool.Execute(ctx, "DELETE FROM events WHERE created_at < ?", before.UnixNano())
		if err != nil {
			return nil, err
		}
		// Pruned ids may still be cached.
		s.generation.Add(1)
		s.cache.Clear()
		s.logger.Info(ctx, "Pruned events", "deleted", res.RowsAffected, "before", before)
		return res.RowsAffected, nil
	})
	return s.exec.Submit(PruneTaskID, work, opts...)
}

// PruneStatus reports the state of the last prune.
func (s *Store) PruneStatus() (executor.TaskInfo, bool) {
	return s.exec.Status(PruneTaskID)
}

func (s *Store) cacheKey(id int64) string {
	return "event:" + strconv.FormatUint(s.generation.Load(), 10) + ":" + strconv.FormatInt(id, 10)
}

func scanRecord(row []any) (Record, error) {
	if len(row) != 5 {
		return Record{}, errors.Corrupted("events.scan", fmt.Sprintf("expected 5 columns, got %d", len(row)), nil)
	}

	id, err := toInt64(row[0])
	if err != nil {
		return Record{}, err
	}
	created, err := toInt64(row[4])
	if err != nil {
		return Record{}, err
	}
	rec := Record{
		ID:        id,
		Type:      fmt.Sprint(row[1]),
		Timestamp: time.Unix(0, created).UTC(),
	}

	if keys := toBytes(row[2]); len(keys) > 0 {
		if err := json.Unmarshal(keys, &rec.Keys); err != nil {
			return Record{}, errors.Corrupted("events.scan", "keys are not a JSON array", err).WithContext("id", id)
		}
	}
	if payload := toBytes(row[3]); len(payload) > 0 {
		if err := msgpack.Unmarshal(payload, &rec.Payload); err != nil {
			return Record{}, errors.Corrupted("events.scan", "payload is not msgpack", err).WithContext("id", id)
		}
	}
	return rec, nil
}

func toInt64(v any) (int64, error) {
	switch n := v.(type) {
	case int64:
		return n, nil
	case int:
		return int64(n), nil
	case float64:
		return int64(n), nil
	default:
		return 0, errors.Corrupted("events.scan", fmt.Sprintf("expected integer, got %T", v), nil)
	}
}

func toBytes(v any) []byte {
	switch b := v.(type) {
	case []byte:
		return b
	case string:
		return []byte(b)
	default:
		return nil
	}
}
