// Package cache provides a byte-bounded LRU cache with per-entry TTL and
// transparent payload compression.
//
// Entries live in a map plus a doubly-linked list with sentinel head and tail;
// the head side is most recently used. The tracked byte total always equals the
// sum of the stored payload sizes, and a value larger than MaxBytes is never
// stored.
package cache

import (
	"context"
	"sync"
	"time"

	"github.com/conneroisu/reservoir/internal/logging"
)

// Options configures a Cache.
type Options struct {
	// MaxBytes bounds the sum of stored payload sizes. Defaults to DefaultMaxBytes.
	MaxBytes int64
	// DefaultTTL applies to Set. Zero means entries never expire.
	DefaultTTL time.Duration
	// CompressionThreshold is the logical size at which values are compressed.
	// Zero or negative disables compression.
	CompressionThreshold int
	// Compressor defaults to snappy.
	Compressor Compressor
	// CleanupInterval runs a janitor that purges expired entries. Zero disables it;
	// expiry is still discovered lazily on Get.
	CleanupInterval time.Duration
	// Clock defaults to time.Now.
	Clock  func() time.Time
	Logger logging.Logger
}

// DefaultMaxBytes is the byte budget used when Options.MaxBytes is not positive.
const DefaultMaxBytes int64 = 64 << 20

// Stats is a snapshot of cache counters.
type Stats struct {
	Entries     int     `json:"entries"`
	Bytes       int64   `json:"bytes"`
	MaxBytes    int64   `json:"max_bytes"`
	Hits        int64   `json:"hits"`
	Misses      int64   `json:"misses"`
	Evictions   int64   `json:"evictions"`
	Expirations int64   `json:"expirations"`
	Rejections  int64   `json:"rejections"`
	Corruptions int64   `json:"corruptions"`
	Compressed  int64   `json:"compressed"`
	HitRate     float64 `json:"hit_rate"`
}

// entry is a stored value. The payload is immutable once inserted.
type entry struct {
	key         string
	payload     []byte
	compressed  bool
	size        int64
	createdAt   time.Time
	accessedAt  time.Time
	accessCount int64
	ttl         time.Duration

	prev *entry
	next *entry
}

func (e *entry) expired(now time.Time) bool {
	return e.ttl > 0 && now.Sub(e.createdAt) > e.ttl
}

// Cache is safe for concurrent use. All operations return without blocking on I/O.
type Cache struct {
	mu          sync.Mutex
	entries     map[string]*entry
	head        *entry
	tail        *entry
	currentSize int64

	maxBytes   int64
	defaultTTL time.Duration
	threshold  int
	compressor Compressor
	now        func() time.Time
	logger     logging.Logger

	hits        int64
	misses      int64
	evictions   int64
	expirations int64
	rejections  int64
	corruptions int64
	compressed  int64

	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// New creates a cache and starts the janitor when CleanupInterval is set.
func New(opts Options) *Cache {
	c := &Cache{
		entries:    make(map[string]*entry),
		head:       &entry{},
		tail:       &entry{},
		maxBytes:   opts.MaxBytes,
		defaultTTL: opts.DefaultTTL,
		threshold:  opts.CompressionThreshold,
		compressor: opts.Compressor,
		now:        opts.Clock,
		logger:     logging.OrNop(opts.Logger).WithComponent("cache"),
	}
	c.head.next = c.tail
	c.tail.prev = c.head

	if c.maxBytes <= 0 {
		c.maxBytes = DefaultMaxBytes
	}
	if c.compressor == nil {
		c.compressor = SnappyCompressor{}
	}
	if c.now == nil {
		c.now = time.Now
	}

	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	if opts.CleanupInterval > 0 {
		c.wg.Add(1)
		go c.janitor(ctx, opts.CleanupInterval)
	}

	return c
}

// Get returns the logical value stored under key.
func (c *Cache) Get(key string) ([]byte, bool) {
	var out []byte
	ok := c.get(key, func(value []byte) error {
		out = value
		return nil
	})
	return out, ok
}

// get looks key up and hands a private copy of the logical value to decode while
// the lock is held. A decompression or decode failure purges the entry and
// reports a miss.
func (c *Cache) get(key string, decode func([]byte) error) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		c.misses++
		return false
	}

	now := c.now()
	if e.expired(now) {
		c.remove(e)
		c.misses++
		c.evictions++
		c.expirations++
		return false
	}

	var value []byte
	if e.compressed {
		decoded, err := c.compressor.Decode(e.payload)
		if err != nil {
			c.purgeCorrupt(e, err)
			return false
		}
		value = decoded
	} else {
		value = make([]byte, len(e.payload))
		copy(value, e.payload)
	}
	if err := decode(value); err != nil {
		c.purgeCorrupt(e, err)
		return false
	}

	e.accessedAt = now
	e.accessCount++
	c.moveToFront(e)
	c.hits++
	return true
}

func (c *Cache) purgeCorrupt(e *entry, err error) {
	c.remove(e)
	c.misses++
	c.corruptions++
	c.logger.Warn(context.Background(), err, "Purged corrupted cache entry", "key", e.key)
}

// Set stores value with the default TTL.
func (c *Cache) Set(key string, value []byte) bool {
	return c.SetWithTTL(key, value, c.defaultTTL)
}

// SetWithTTL stores value under key. A ttl of zero or less never expires.
// It returns false, leaving the cache untouched, when the stored size would
// exceed MaxBytes on its own.
func (c *Cache) SetWithTTL(key string, value []byte, ttl time.Duration) bool {
	payload, compressed := c.encode(value)
	size := int64(len(payload))

	c.mu.Lock()
	defer c.mu.Unlock()

	if size > c.maxBytes {
		c.rejections++
		return false
	}

	if existing, ok := c.entries[key]; ok {
		c.remove(existing)
	}

	now := c.now()
	e := &entry{
		key:        key,
		payload:    payload,
		compressed: compressed,
		size:       size,
		createdAt:  now,
		accessedAt: now,
		ttl:        ttl,
	}
	c.entries[key] = e
	c.currentSize += size
	c.addToFront(e)
	if compressed {
		c.compressed++
	}

	// The new entry sits at the head and fits on its own, so it is never evicted here.
	for c.currentSize > c.maxBytes && c.tail.prev != c.head {
		c.remove(c.tail.prev)
		c.evictions++
	}

	return true
}

// encode copies value into a private payload, compressing when that pays off.
func (c *Cache) encode(value []byte) ([]byte, bool) {
	if c.threshold > 0 && len(value) >= c.threshold {
		if encoded, err := c.compressor.Encode(value); err == nil && len(encoded) < len(value) {
			return encoded, true
		}
	}
	payload := make([]byte, len(value))
	copy(payload, value)
	return payload, false
}

// Delete removes key and reports whether it was present.
func (c *Cache) Delete(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		return false
	}
	c.remove(e)
	return true
}

// Clear removes every entry. Counters are kept.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries = make(map[string]*entry)
	c.currentSize = 0
	c.head.next = c.tail
	c.tail.prev = c.head
}

// Len returns the number of stored entries, expired or not.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Stats returns a snapshot of the cache counters.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := Stats{
		Entries:     len(c.entries),
		Bytes:       c.currentSize,
		MaxBytes:    c.maxBytes,
		Hits:        c.hits,
		Misses:      c.misses,
		Evictions:   c.evictions,
		Expirations: c.expirations,
		Rejections:  c.rejections,
		Corruptions: c.corruptions,
		Compressed:  c.compressed,
	}
	if total := c.hits + c.misses; total > 0 {
		s.HitRate = float64(c.hits) / float64(total)
	}
	return s
}

// PurgeExpired removes every expired entry and returns how many were removed.
func (c *Cache) PurgeExpired() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	removed := 0
	for e := c.tail.prev; e != c.head; {
		prev := e.prev
		if e.expired(now) {
			c.remove(e)
			c.evictions++
			c.expirations++
			removed++
		}
		e = prev
	}
	return removed
}

// Close stops the janitor. It is safe to call more than once.
func (c *Cache) Close() error {
	c.closeOnce.Do(func() {
		c.cancel()
		c.wg.Wait()
	})
	return nil
}

func (c *Cache) janitor(ctx context.Context, interval time.Duration) {
	defer c.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := c.PurgeExpired(); n > 0 {
				c.logger.Debug(ctx, "Purged expired cache entries", "count", n)
			}
		}
	}
}

// remove unlinks e and releases its bytes. Caller holds mu.
func (c *Cache) remove(e *entry) {
	c.removeFromList(e)
	delete(c.entries, e.key)
	c.currentSize -= e.size
}

func (c *Cache) addToFront(e *entry) {
	e.prev = c.head
	e.next = c.head.next
	c.head.next.prev = e
	c.head.next = e
}

func (c *Cache) removeFromList(e *entry) {
	e.prev.next = e.next
	e.next.prev = e.prev
}

func (c *Cache) moveToFront(e *entry) {
	c.removeFromList(e)
	c.addToFront(e)
}
