package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conneroisu/reservoir/internal/batch"
	"github.com/conneroisu/reservoir/internal/cache"
	"github.com/conneroisu/reservoir/internal/dbpool"
	"github.com/conneroisu/reservoir/internal/executor"
	"github.com/conneroisu/reservoir/internal/hub"
	"github.com/conneroisu/reservoir/internal/stats"
)

func gather(t *testing.T, c prometheus.Collector) map[string]*dto.MetricFamily {
	t.Helper()
	reg := prometheus.NewPedanticRegistry()
	require.NoError(t, reg.Register(c))

	families, err := reg.Gather()
	require.NoError(t, err)

	out := make(map[string]*dto.MetricFamily, len(families))
	for _, f := range families {
		out[f.GetName()] = f
	}
	return out
}

func value(t *testing.T, families map[string]*dto.MetricFamily, name string) float64 {
	t.Helper()
	f, ok := families[name]
	require.True(t, ok, "missing metric %s", name)
	require.NotEmpty(t, f.GetMetric())

	m := f.GetMetric()[0]
	switch f.GetType() {
	case dto.MetricType_COUNTER:
		return m.GetCounter().GetValue()
	case dto.MetricType_GAUGE:
		return m.GetGauge().GetValue()
	default:
		t.Fatalf("unexpected type %s for %s", f.GetType(), name)
		return 0
	}
}

func TestCollector_ExportsSnapshots(t *testing.T) {
	c := NewCollector("", Sources{
		Cache: func() cache.Stats {
			return cache.Stats{Entries: 3, Bytes: 120, MaxBytes: 1000, Hits: 7, Misses: 2, Evictions: 1}
		},
		Executor: func() executor.Stats {
			return executor.Stats{
				MaxConcurrent: 4,
				Running:       2,
				Completed:     10,
				TimedOut:      1,
				Latency:       stats.Summary{Count: 4, Mean: 50 * time.Millisecond, P50: 40 * time.Millisecond, P99: 90 * time.Millisecond},
				Timings:       map[string]stats.Summary{"resize": {Count: 1, Mean: time.Second}},
			}
		},
		Batch: func() batch.Stats {
			return batch.Stats{Batches: 2, Items: 9, AverageBatchSize: 4.5}
		},
		Pool: func() dbpool.Stats {
			return dbpool.Stats{Open: 3, Idle: 1, Active: 2, MaxConnections: 5, Exhausted: 3}
		},
		Hub: func() hub.Stats {
			return hub.Stats{Subscribers: 2, Published: 11, Dropped: 4}
		},
	})

	families := gather(t, c)

	assert.Equal(t, 120.0, value(t, families, "reservoir_cache_bytes"))
	assert.Equal(t, 7.0, value(t, families, "reservoir_cache_hits_total"))
	assert.Equal(t, 1.0, value(t, families, "reservoir_cache_evictions_total"))
	assert.Equal(t, 2.0, value(t, families, "reservoir_executor_running"))
	assert.Equal(t, 1.0, value(t, families, "reservoir_executor_timed_out_total"))
	assert.Equal(t, 4.5, value(t, families, "reservoir_batch_average_size"))
	assert.Equal(t, 3.0, value(t, families, "reservoir_pool_exhausted_total"))
	assert.Equal(t, 4.0, value(t, families, "reservoir_hub_dropped_total"))

	t.Run("latency summary", func(t *testing.T) {
		f := families["reservoir_executor_task_duration_seconds"]
		require.NotNil(t, f)
		s := f.GetMetric()[0].GetSummary()
		assert.Equal(t, uint64(4), s.GetSampleCount())
		assert.InDelta(t, 0.2, s.GetSampleSum(), 1e-9)

		quantiles := map[float64]float64{}
		for _, q := range s.GetQuantile() {
			quantiles[q.GetQuantile()] = q.GetValue()
		}
		assert.InDelta(t, 0.04, quantiles[0.5], 1e-9)
		assert.InDelta(t, 0.09, quantiles[0.99], 1e-9)
	})

	t.Run("named timings carry a label", func(t *testing.T) {
		f := families["reservoir_executor_timed_duration_seconds"]
		require.NotNil(t, f)
		require.Len(t, f.GetMetric(), 1)
		label := f.GetMetric()[0].GetLabel()
		require.Len(t, label, 1)
		assert.Equal(t, "name", label[0].GetName())
		assert.Equal(t, "resize", label[0].GetValue())
	})
}

func TestCollector_SkipsMissingSources(t *testing.T) {
	c := NewCollector("svc", Sources{
		Hub: func() hub.Stats { return hub.Stats{Published: 1} },
	})

	families := gather(t, c)
	assert.Equal(t, 1.0, value(t, families, "svc_hub_published_total"))
	for name := range families {
		assert.Contains(t, name, "svc_hub_")
	}
}

func TestCollector_LiveComponents(t *testing.T) {
	c := cache.New(cache.Options{MaxBytes: 1024})
	t.Cleanup(func() { _ = c.Close() })
	c.Set("a", []byte("value"))
	c.Get("a")
	c.Get("missing")

	collector := NewCollector("", Sources{Cache: c.Stats})
	reg := prometheus.NewRegistry()
	require.NoError(t, reg.Register(collector))

	count, err := testutil.GatherAndCount(reg, "reservoir_cache_hits_total", "reservoir_cache_misses_total")
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	families := gather(t, NewCollector("", Sources{Cache: c.Stats}))
	assert.Equal(t, 1.0, value(t, families, "reservoir_cache_hits_total"))
	assert.Equal(t, 1.0, value(t, families, "reservoir_cache_misses_total"))
}
