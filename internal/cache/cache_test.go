package cache

import (
	"bytes"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	f.mu.Unlock()
}

// brokenCompressor encodes to a short marker that never decodes.
type brokenCompressor struct{}

func (brokenCompressor) Encode([]byte) ([]byte, error) { return []byte("x"), nil }
func (brokenCompressor) Decode([]byte) ([]byte, error) { return nil, errors.New("bad frame") }

func TestCache_LRUScenario(t *testing.T) {
	c := New(Options{MaxBytes: 100})
	defer c.Close()

	value := bytes.Repeat([]byte("v"), 40)
	require.True(t, c.Set("A", value))
	require.True(t, c.Set("B", value))
	require.True(t, c.Set("C", value))

	_, ok := c.Get("A")
	assert.False(t, ok, "A should have been evicted")
	_, ok = c.Get("B")
	assert.True(t, ok)
	_, ok = c.Get("C")
	assert.True(t, ok)

	stats := c.Stats()
	assert.Equal(t, 2, stats.Entries)
	assert.Equal(t, int64(80), stats.Bytes)
	assert.Equal(t, int64(1), stats.Evictions)
}

func TestCache_AccessOrderDecidesEviction(t *testing.T) {
	c := New(Options{MaxBytes: 100})
	defer c.Close()

	value := bytes.Repeat([]byte("v"), 40)
	c.Set("A", value)
	c.Set("B", value)

	t.Run("get refreshes recency", func(t *testing.T) {
		_, ok := c.Get("A")
		require.True(t, ok)
		c.Set("C", value)

		_, ok = c.Get("B")
		assert.False(t, ok, "B was least recently used")
		_, ok = c.Get("A")
		assert.True(t, ok)
	})

	t.Run("set of existing key counts as access", func(t *testing.T) {
		// Order is now A (most recent), C.
		c.Set("C", value)
		c.Set("D", value)

		_, ok := c.Get("A")
		assert.False(t, ok)
		assert.Equal(t, int64(80), c.Stats().Bytes)
	})
}

func TestCache_Oversized(t *testing.T) {
	c := New(Options{MaxBytes: 10})
	defer c.Close()

	require.True(t, c.Set("small", []byte("1234")))
	assert.False(t, c.Set("big", bytes.Repeat([]byte("x"), 11)))

	_, ok := c.Get("big")
	assert.False(t, ok)
	_, ok = c.Get("small")
	assert.True(t, ok, "rejected set must not evict anything")

	stats := c.Stats()
	assert.Equal(t, int64(1), stats.Rejections)
	assert.Equal(t, int64(4), stats.Bytes)
}

func TestCache_ZeroOptionsUseDefaultBudget(t *testing.T) {
	c := New(Options{})
	defer c.Close()

	require.True(t, c.Set("k", bytes.Repeat([]byte("x"), 1024)))
	assert.Equal(t, DefaultMaxBytes, c.Stats().MaxBytes)
}

func TestCache_GetReturnsPrivateCopy(t *testing.T) {
	c := New(Options{MaxBytes: 64})
	defer c.Close()

	value := []byte("hello")
	require.True(t, c.Set("k", value))
	value[0] = 'J'

	got, ok := c.Get("k")
	require.True(t, ok)
	got[1] = 'a'

	again, ok := c.Get("k")
	require.True(t, ok)
	assert.Equal(t, []byte("hello"), again)
}

func TestCache_TTL(t *testing.T) {
	clock := newFakeClock()
	c := New(Options{MaxBytes: 1024, DefaultTTL: time.Minute, Clock: clock.Now})
	defer c.Close()

	c.Set("k", []byte("v"))
	c.SetWithTTL("forever", []byte("v"), 0)

	clock.Advance(time.Minute)
	_, ok := c.Get("k")
	assert.True(t, ok, "exactly ttl elapsed is still fresh")

	clock.Advance(time.Second)
	_, ok = c.Get("k")
	assert.False(t, ok)
	_, ok = c.Get("forever")
	assert.True(t, ok)

	stats := c.Stats()
	assert.Equal(t, int64(1), stats.Expirations)
	assert.Equal(t, int64(1), stats.Evictions)
	assert.Equal(t, 1, stats.Entries)
	assert.Equal(t, int64(1), stats.Bytes)
}

func TestCache_PurgeExpired(t *testing.T) {
	clock := newFakeClock()
	c := New(Options{MaxBytes: 1024, Clock: clock.Now})
	defer c.Close()

	c.SetWithTTL("a", []byte("1"), time.Second)
	c.SetWithTTL("b", []byte("2"), time.Hour)
	c.SetWithTTL("c", []byte("3"), time.Second)

	clock.Advance(2 * time.Second)
	assert.Equal(t, 2, c.PurgeExpired())
	assert.Equal(t, 1, c.Len())
	assert.Equal(t, int64(1), c.Stats().Bytes)
}

func TestCache_Janitor(t *testing.T) {
	c := New(Options{MaxBytes: 1024, CleanupInterval: 10 * time.Millisecond})

	c.SetWithTTL("short", []byte("v"), time.Millisecond)
	assert.Eventually(t, func() bool { return c.Len() == 0 }, time.Second, 5*time.Millisecond)

	require.NoError(t, c.Close())
	require.NoError(t, c.Close())
}

func TestCache_Compression(t *testing.T) {
	c := New(Options{MaxBytes: 1 << 20, CompressionThreshold: 64})
	defer c.Close()

	t.Run("compressible value round trips", func(t *testing.T) {
		value := bytes.Repeat([]byte("reservoir "), 100)
		require.True(t, c.Set("big", value))

		got, ok := c.Get("big")
		require.True(t, ok)
		assert.Equal(t, value, got)

		stats := c.Stats()
		assert.Equal(t, int64(1), stats.Compressed)
		assert.Less(t, stats.Bytes, int64(len(value)))
	})

	t.Run("small value is stored raw", func(t *testing.T) {
		require.True(t, c.Set("small", []byte("tiny")))
		got, ok := c.Get("small")
		require.True(t, ok)
		assert.Equal(t, []byte("tiny"), got)
		assert.Equal(t, int64(1), c.Stats().Compressed)
	})

	t.Run("caller mutations do not leak in", func(t *testing.T) {
		value := []byte("abc")
		c.Set("copy", value)
		value[0] = 'z'

		got, _ := c.Get("copy")
		assert.Equal(t, []byte("abc"), got)
	})
}

func TestCache_CorruptionIsAMiss(t *testing.T) {
	c := New(Options{MaxBytes: 1024, CompressionThreshold: 4, Compressor: brokenCompressor{}})
	defer c.Close()

	require.True(t, c.Set("k", []byte("some long value")))

	assert.NotPanics(t, func() {
		_, ok := c.Get("k")
		assert.False(t, ok)
	})

	stats := c.Stats()
	assert.Equal(t, int64(1), stats.Corruptions)
	assert.Equal(t, int64(1), stats.Misses)
	assert.Equal(t, 0, stats.Entries)
	assert.Equal(t, int64(0), stats.Bytes)
}

func TestCache_DeleteAndClear(t *testing.T) {
	c := New(Options{MaxBytes: 1024})
	defer c.Close()

	c.Set("a", []byte("1"))
	c.Set("b", []byte("22"))

	assert.True(t, c.Delete("a"))
	assert.False(t, c.Delete("a"))
	assert.Equal(t, int64(2), c.Stats().Bytes)

	c.Clear()
	assert.Equal(t, 0, c.Len())
	assert.Equal(t, int64(0), c.Stats().Bytes)

	require.True(t, c.Set("c", []byte("3")))
	got, ok := c.Get("c")
	require.True(t, ok)
	assert.Equal(t, []byte("3"), got)
}

func TestCache_HitRate(t *testing.T) {
	c := New(Options{MaxBytes: 1024})
	defer c.Close()

	c.Set("k", []byte("v"))
	c.Get("k")
	c.Get("k")
	c.Get("k")
	c.Get("missing")

	stats := c.Stats()
	assert.Equal(t, int64(3), stats.Hits)
	assert.Equal(t, int64(1), stats.Misses)
	assert.InDelta(t, 0.75, stats.HitRate, 0.0001)
}

func TestCache_ConcurrentAccess(t *testing.T) {
	const maxBytes = 4096
	c := New(Options{MaxBytes: maxBytes, CompressionThreshold: 128})
	defer c.Close()

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 500; i++ {
				key := fmt.Sprintf("k%d", (g*31+i)%97)
				c.Set(key, bytes.Repeat([]byte{byte(i)}, i%300))
				c.Get(key)
				if i%17 == 0 {
					c.Delete(key)
				}
				assert.LessOrEqual(t, c.Stats().Bytes, int64(maxBytes))
			}
		}(g)
	}
	wg.Wait()

	stats := c.Stats()
	assert.LessOrEqual(t, stats.Bytes, int64(maxBytes))
	assert.Equal(t, stats.Entries, c.Len())
}
