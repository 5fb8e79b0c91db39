//go:build property

package cache

import (
	"bytes"
	"fmt"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// TestCacheProperties checks the byte bound, TTL expiry and round trips over random workloads.
func TestCacheProperties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.Rng.Seed(1234) // For reproducible results
	parameters.MinSuccessfulTests = 200

	properties := gopter.NewProperties(parameters)

	properties.Property("tracked bytes never exceed max bytes", prop.ForAll(
		func(maxBytes int, sizes []int) bool {
			c := New(Options{MaxBytes: int64(maxBytes), CompressionThreshold: 64})
			defer c.Close()

			for i, size := range sizes {
				key := fmt.Sprintf("k%d", i%13)
				c.Set(key, bytes.Repeat([]byte{byte(i)}, size))
				if i%3 == 0 {
					c.Get(fmt.Sprintf("k%d", (i+5)%13))
				}

				stats := c.Stats()
				if stats.Bytes > int64(maxBytes) || stats.Bytes < 0 {
					return false
				}
				if stats.Entries != c.Len() {
					return false
				}
			}
			return true
		},
		gen.IntRange(1, 2048),
		gen.SliceOf(gen.IntRange(0, 1024)),
	))

	properties.Property("entries are gone once their ttl has elapsed", prop.ForAll(
		func(ttlMillis int, keys []string) bool {
			clock := newFakeClock()
			ttl := time.Duration(ttlMillis) * time.Millisecond
			c := New(Options{MaxBytes: 1 << 20, DefaultTTL: ttl, Clock: clock.Now})
			defer c.Close()

			for _, k := range keys {
				c.Set(k, []byte(k))
			}
			clock.Advance(ttl + time.Millisecond)

			for _, k := range keys {
				if _, ok := c.Get(k); ok {
					return false
				}
			}
			return c.Stats().Bytes == 0
		},
		gen.IntRange(1, 10000),
		gen.SliceOf(gen.AlphaString()),
	))

	properties.Property("get returns what set stored, compressed or not", prop.ForAll(
		func(value string, repeat int) bool {
			c := New(Options{MaxBytes: 1 << 20, CompressionThreshold: 16})
			defer c.Close()

			want := bytes.Repeat([]byte(value), repeat)
			if !c.Set("k", want) {
				return false
			}
			got, ok := c.Get("k")
			return ok && bytes.Equal(want, got)
		},
		gen.AlphaString(),
		gen.IntRange(1, 200),
	))

	properties.TestingRun(t)
}
