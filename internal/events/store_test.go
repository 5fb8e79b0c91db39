package events

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/conneroisu/reservoir/internal/batch"
	"github.com/conneroisu/reservoir/internal/cache"
	"github.com/conneroisu/reservoir/internal/dbpool"
	"github.com/conneroisu/reservoir/internal/errors"
	"github.com/conneroisu/reservoir/internal/executor"
	"github.com/conneroisu/reservoir/internal/hub"
)

type fixture struct {
	store  *Store
	pool   *dbpool.Pool
	cache  *cache.Cache
	writer *batch.Aggregator[Record, Record]
	exec   *executor.Executor
	hub    *hub.Hub
}

func newFixture(t *testing.T, path string, batchSize int) *fixture {
	t.Helper()
	ctx := context.Background()

	if path == "" {
		path = filepath.Join(t.TempDir(), "events.db")
	}
	pool, err := dbpool.Open(ctx, dbpool.Options{Path: path, MaxConnections: 4, AcquireTimeout: time.Second})
	require.NoError(t, err)

	f := &fixture{
		pool:   pool,
		cache:  cache.New(cache.Options{MaxBytes: 1 << 20}),
		writer: batch.New[Record, Record](batch.Options{BatchSize: batchSize, BatchTimeout: 10 * time.Millisecond}),
		exec:   executor.New(executor.Options{MaxConcurrent: 2}),
		hub:    hub.New(hub.Options{QueueCapacity: 64}),
	}

	f.store, err = Open(ctx, pool, f.cache, f.writer, f.exec, f.hub, Options{CacheTTL: time.Minute})
	require.NoError(t, err)
	require.NoError(t, f.writer.Start())
	require.NoError(t, f.hub.Start())

	t.Cleanup(func() {
		_ = f.writer.Stop(ctx)
		_ = f.exec.Shutdown(ctx)
		_ = f.hub.Stop(ctx)
		_ = f.cache.Close()
		_ = f.pool.Close()
	})
	return f
}

type collector struct {
	mu     sync.Mutex
	events []hub.Event
}

func (c *collector) Deliver(_ context.Context, e hub.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, e)
	return nil
}

func (c *collector) Close() error { return nil }

func (c *collector) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.events)
}

func TestStore_AppendAndGet(t *testing.T) {
	f := newFixture(t, "", 1)
	ctx := context.Background()

	ts := time.Date(2026, 3, 1, 12, 0, 0, 123, time.UTC)
	rec, err := f.store.Append(ctx, hub.Event{
		Type:      "order.created",
		Keys:      []string{"orders", "eu"},
		Payload:   "sku-42",
		Timestamp: ts,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1), rec.ID)

	got, err := f.store.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, "order.created", got.Type)
	assert.Equal(t, []string{"orders", "eu"}, got.Keys)
	assert.Equal(t, "sku-42", got.Payload)
	assert.True(t, ts.Equal(got.Timestamp))

	t.Run("second read is cached", func(t *testing.T) {
		before := f.pool.Stats().Queries
		again, err := f.store.Get(ctx, rec.ID)
		require.NoError(t, err)
		assert.Equal(t, got.Type, again.Type)
		assert.True(t, got.Timestamp.Equal(again.Timestamp))
		assert.Equal(t, before, f.pool.Stats().Queries)
		assert.Equal(t, int64(1), f.cache.Stats().Hits)
	})

	t.Run("missing id", func(t *testing.T) {
		_, err := f.store.Get(ctx, 999)
		assert.True(t, errors.IsKind(err, errors.KindNotFound))
	})

	t.Run("type is required", func(t *testing.T) {
		_, err := f.store.Append(ctx, hub.Event{})
		assert.True(t, errors.IsKind(err, errors.KindInvalid))
	})
}

func TestStore_AppendsAreBatchedAndPublished(t *testing.T) {
	f := newFixture(t, "", 10)
	ctx := context.Background()

	sub := &collector{}
	f.hub.Subscribe(sub, []string{"metrics"})

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < 25; i++ {
		g.Go(func() error {
			_, err := f.store.Append(gctx, hub.Event{Type: "sample", Keys: []string{"metrics"}})
			return err
		})
	}
	require.NoError(t, g.Wait())

	stats := f.writer.Stats()
	assert.Equal(t, int64(25), stats.Items)
	assert.Less(t, stats.Batches, int64(25), "appends share transactions")

	res, err := f.pool.Query(ctx, "SELECT COUNT(*) FROM events")
	require.NoError(t, err)
	assert.Equal(t, int64(25), res.Rows[0][0])

	require.Eventually(t, func() bool { return sub.count() == 25 }, 2*time.Second, 5*time.Millisecond)

	recent, err := f.store.Recent(ctx, 5)
	require.NoError(t, err)
	require.Len(t, recent, 5)
	assert.Greater(t, recent[0].ID, recent[4].ID)
}

func TestStore_IDsContinueAfterReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.db")
	ctx := context.Background()

	first := newFixture(t, path, 1)
	_, err := first.store.Append(ctx, hub.Event{Type: "a"})
	require.NoError(t, err)
	_, err = first.store.Append(ctx, hub.Event{Type: "b"})
	require.NoError(t, err)

	second := newFixture(t, path, 1)
	rec, err := second.store.Append(ctx, hub.Event{Type: "c"})
	require.NoError(t, err)
	assert.Equal(t, int64(3), rec.ID)
}

func TestStore_Prune(t *testing.T) {
	f := newFixture(t, "", 1)
	ctx := context.Background()

	old, err := f.store.Append(ctx, hub.Event{Type: "old", Timestamp: time.Now().Add(-time.Hour)})
	require.NoError(t, err)
	_, err = f.store.Get(ctx, old.ID)
	require.NoError(t, err)
	_, err = f.store.Append(ctx, hub.Event{Type: "new"})
	require.NoError(t, err)

	staleKey := f.store.cacheKey(old.ID)
	require.NoError(t, f.store.SubmitPrune(time.Now().Add(-time.Minute)))

	deleted, err := executor.AwaitAs[int64](ctx, f.exec, PruneTaskID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)

	info, ok := f.store.PruneStatus()
	require.True(t, ok)
	assert.Equal(t, executor.StateCompleted, info.State)

	_, err = f.store.Get(ctx, old.ID)
	assert.True(t, errors.IsKind(err, errors.KindNotFound), "cached copy is dropped")

	// A read that raced the prune stores the old row after the cache was cleared.
	_, err = f.store.records.GetOrCompute(ctx, staleKey, time.Minute, func(context.Context) (Record, error) {
		return old, nil
	})
	require.NoError(t, err)
	_, err = f.store.Get(ctx, old.ID)
	assert.True(t, errors.IsKind(err, errors.KindNotFound), "late cache fill is not served")

	t.Run("resubmitting after completion is allowed", func(t *testing.T) {
		require.NoError(t, f.store.SubmitPrune(time.Now().Add(-time.Minute)))
		_, err := f.exec.Consume(ctx, PruneTaskID)
		require.NoError(t, err)
	})
}
