package cache

import (
	"context"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/conneroisu/reservoir/internal/logging"
)

// Typed stores values of type V in a Cache through a Codec.
type Typed[V any] struct {
	cache *Cache
	codec Codec[V]
}

// NewTyped wraps c with codec.
func NewTyped[V any](c *Cache, codec Codec[V]) *Typed[V] {
	return &Typed[V]{cache: c, codec: codec}
}

// Get returns the decoded value for key. A value that no longer decodes is
// purged and reported as a miss.
func (t *Typed[V]) Get(key string) (V, bool) {
	var out V
	ok := t.cache.get(key, func(data []byte) error {
		v, err := t.codec.Unmarshal(data)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, ok
}

// Set stores v with the cache's default TTL.
func (t *Typed[V]) Set(key string, v V) (bool, error) {
	return t.SetWithTTL(key, v, t.cache.defaultTTL)
}

// SetWithTTL stores v. The bool is false when the encoded value is too large.
func (t *Typed[V]) SetWithTTL(key string, v V, ttl time.Duration) (bool, error) {
	data, err := t.codec.Marshal(v)
	if err != nil {
		return false, err
	}
	return t.cache.SetWithTTL(key, data, ttl), nil
}

// Delete removes key.
func (t *Typed[V]) Delete(key string) bool {
	return t.cache.Delete(key)
}

// Memoize runs a computation at most once per key while its result is cached.
// Concurrent misses for the same key share a single call to fn.
type Memoize[V any] struct {
	typed  *Typed[V]
	group  singleflight.Group
	logger logging.Logger
}

// NewMemoize creates a Memoize over c.
func NewMemoize[V any](c *Cache, codec Codec[V]) *Memoize[V] {
	return &Memoize[V]{
		typed:  NewTyped(c, codec),
		logger: c.logger,
	}
}

// GetOrCompute returns the cached value for key, or calls fn and caches its
// result for ttl. Errors from fn are returned and never cached.
//
// fn runs detached from the cancellation of whichever caller started it, so
// cancelling ctx only unblocks that caller; the others still get the result.
func (m *Memoize[V]) GetOrCompute(ctx context.Context, key string, ttl time.Duration, fn func(context.Context) (V, error)) (V, error) {
	if v, ok := m.typed.Get(key); ok {
		return v, nil
	}

	fnCtx := context.WithoutCancel(ctx)
	ch := m.group.DoChan(key, func() (interface{}, error) {
		// Another caller may have stored it between our miss and DoChan.
		if v, ok := m.typed.Get(key); ok {
			return v, nil
		}

		v, err := fn(fnCtx)
		if err != nil {
			return v, err
		}

		stored, err := m.typed.SetWithTTL(key, v, ttl)
		if err != nil {
			m.logger.Warn(fnCtx, err, "Failed to encode computed value", "key", key)
		} else if !stored {
			m.logger.Debug(fnCtx, "Computed value too large to cache", "key", key)
		}
		return v, nil
	})

	var zero V
	select {
	case <-ctx.Done():
		return zero, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return zero, res.Err
		}
		return res.Val.(V), nil
	}
}

// Forget removes key from the cache so the next call recomputes it.
func (m *Memoize[V]) Forget(key string) {
	m.group.Forget(key)
	m.typed.Delete(key)
}
