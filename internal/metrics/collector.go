// Package metrics exports component statistics to Prometheus.
//
// The Collector does not keep counters of its own. On every scrape it reads
// the Stats snapshot of each registered component and emits const metrics, so
// the components stay free of Prometheus types.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/conneroisu/reservoir/internal/batch"
	"github.com/conneroisu/reservoir/internal/cache"
	"github.com/conneroisu/reservoir/internal/dbpool"
	"github.com/conneroisu/reservoir/internal/executor"
	"github.com/conneroisu/reservoir/internal/hub"
	"github.com/conneroisu/reservoir/internal/stats"
)

// DefaultNamespace prefixes every metric name.
const DefaultNamespace = "reservoir"

// Sources supplies the snapshots to export. Nil sources are skipped.
type Sources struct {
	Cache    func() cache.Stats
	Executor func() executor.Stats
	Batch    func() batch.Stats
	Pool     func() dbpool.Stats
	Hub      func() hub.Stats
}

type field[S any] struct {
	desc  *prometheus.Desc
	typ   prometheus.ValueType
	value func(S) float64
}

func counter[S any](ns, sub, name, help string, value func(S) float64) field[S] {
	return field[S]{
		desc:  prometheus.NewDesc(prometheus.BuildFQName(ns, sub, name), help, nil, nil),
		typ:   prometheus.CounterValue,
		value: value,
	}
}

func gauge[S any](ns, sub, name, help string, value func(S) float64) field[S] {
	return field[S]{
		desc:  prometheus.NewDesc(prometheus.BuildFQName(ns, sub, name), help, nil, nil),
		typ:   prometheus.GaugeValue,
		value: value,
	}
}

func emit[S any](ch chan<- prometheus.Metric, snapshot S, fields []field[S]) {
	for _, f := range fields {
		ch <- prometheus.MustNewConstMetric(f.desc, f.typ, f.value(snapshot))
	}
}

// Collector implements prometheus.Collector.
type Collector struct {
	sources Sources

	cacheFields    []field[cache.Stats]
	executorFields []field[executor.Stats]
	batchFields    []field[batch.Stats]
	poolFields     []field[dbpool.Stats]
	hubFields      []field[hub.Stats]

	executorLatency *prometheus.Desc
	batchLatency    *prometheus.Desc
	poolLatency     *prometheus.Desc
	hubLatency      *prometheus.Desc
	taskLatency     *prometheus.Desc
}

// NewCollector builds a collector over sources. An empty namespace uses DefaultNamespace.
func NewCollector(namespace string, sources Sources) *Collector {
	ns := namespace
	if ns == "" {
		ns = DefaultNamespace
	}

	return &Collector{
		sources: sources,
		cacheFields: []field[cache.Stats]{
			gauge(ns, "cache", "entries", "Resident cache entries", func(s cache.Stats) float64 { return float64(s.Entries) }),
			gauge(ns, "cache", "bytes", "Bytes held by resident entries", func(s cache.Stats) float64 { return float64(s.Bytes) }),
			gauge(ns, "cache", "max_bytes", "Configured byte budget", func(s cache.Stats) float64 { return float64(s.MaxBytes) }),
			counter(ns, "cache", "hits_total", "Cache hits", func(s cache.Stats) float64 { return float64(s.Hits) }),
			counter(ns, "cache", "misses_total", "Cache misses", func(s cache.Stats) float64 { return float64(s.Misses) }),
			counter(ns, "cache", "evictions_total", "Entries evicted to stay under the byte budget", func(s cache.Stats) float64 { return float64(s.Evictions) }),
			counter(ns, "cache", "expirations_total", "Entries removed after their TTL", func(s cache.Stats) float64 { return float64(s.Expirations) }),
			counter(ns, "cache", "rejections_total", "Values larger than the byte budget", func(s cache.Stats) float64 { return float64(s.Rejections) }),
			counter(ns, "cache", "corruptions_total", "Entries purged because they could not be decoded", func(s cache.Stats) float64 { return float64(s.Corruptions) }),
			counter(ns, "cache", "compressed_total", "Values stored compressed", func(s cache.Stats) float64 { return float64(s.Compressed) }),
		},
		executorFields: []field[executor.Stats]{
			gauge(ns, "executor", "max_concurrent", "Concurrency cap", func(s executor.Stats) float64 { return float64(s.MaxConcurrent) }),
			gauge(ns, "executor", "running", "Tasks holding a permit", func(s executor.Stats) float64 { return float64(s.Running) }),
			gauge(ns, "executor", "pending", "Tasks waiting for a permit", func(s executor.Stats) float64 { return float64(s.Pending) }),
			gauge(ns, "executor", "retained", "Task records not yet consumed", func(s executor.Stats) float64 { return float64(s.Retained) }),
			counter(ns, "executor", "submitted_total", "Accepted submissions", func(s executor.Stats) float64 { return float64(s.Submitted) }),
			counter(ns, "executor", "rejected_total", "Submissions rejected as duplicates", func(s executor.Stats) float64 { return float64(s.Rejected) }),
			counter(ns, "executor", "completed_total", "Tasks completed", func(s executor.Stats) float64 { return float64(s.Completed) }),
			counter(ns, "executor", "failed_total", "Tasks failed", func(s executor.Stats) float64 { return float64(s.Failed) }),
			counter(ns, "executor", "timed_out_total", "Tasks timed out", func(s executor.Stats) float64 { return float64(s.TimedOut) }),
			counter(ns, "executor", "cancelled_total", "Tasks cancelled", func(s executor.Stats) float64 { return float64(s.Cancelled) }),
		},
		batchFields: []field[batch.Stats]{
			gauge(ns, "batch", "pending", "Items waiting for the next flush", func(s batch.Stats) float64 { return float64(s.Pending) }),
			gauge(ns, "batch", "average_size", "Mean items per batch", func(s batch.Stats) float64 { return s.AverageBatchSize }),
			counter(ns, "batch", "batches_total", "Batches dispatched", func(s batch.Stats) float64 { return float64(s.Batches) }),
			counter(ns, "batch", "items_total", "Items dispatched", func(s batch.Stats) float64 { return float64(s.Items) }),
			counter(ns, "batch", "size_flushes_total", "Flushes triggered by batch size", func(s batch.Stats) float64 { return float64(s.SizeFlushes) }),
			counter(ns, "batch", "timer_flushes_total", "Flushes triggered by the timer", func(s batch.Stats) float64 { return float64(s.TimerFlushes) }),
			counter(ns, "batch", "drain_flushes_total", "Flushes on stop", func(s batch.Stats) float64 { return float64(s.DrainFlushes) }),
			counter(ns, "batch", "failures_total", "Batches whose function failed", func(s batch.Stats) float64 { return float64(s.Failures) }),
		},
		poolFields: []field[dbpool.Stats]{
			gauge(ns, "pool", "open", "Open connections", func(s dbpool.Stats) float64 { return float64(s.Open) }),
			gauge(ns, "pool", "idle", "Idle connections", func(s dbpool.Stats) float64 { return float64(s.Idle) }),
			gauge(ns, "pool", "active", "Leased connections", func(s dbpool.Stats) float64 { return float64(s.Active) }),
			gauge(ns, "pool", "max_connections", "Connection cap", func(s dbpool.Stats) float64 { return float64(s.MaxConnections) }),
			counter(ns, "pool", "created_total", "Connections opened", func(s dbpool.Stats) float64 { return float64(s.Created) }),
			counter(ns, "pool", "closed_total", "Connections closed", func(s dbpool.Stats) float64 { return float64(s.Closed) }),
			counter(ns, "pool", "reclaimed_total", "Idle connections reclaimed", func(s dbpool.Stats) float64 { return float64(s.Reclaimed) }),
			counter(ns, "pool", "acquires_total", "Successful acquisitions", func(s dbpool.Stats) float64 { return float64(s.Acquires) }),
			counter(ns, "pool", "waits_total", "Acquisitions that had to wait", func(s dbpool.Stats) float64 { return float64(s.Waits) }),
			counter(ns, "pool", "exhausted_total", "Acquisitions that timed out", func(s dbpool.Stats) float64 { return float64(s.Exhausted) }),
			counter(ns, "pool", "queries_total", "Statements executed", func(s dbpool.Stats) float64 { return float64(s.Queries) }),
			counter(ns, "pool", "slow_queries_total", "Statements over the slow query threshold", func(s dbpool.Stats) float64 { return float64(s.SlowQueries) }),
			counter(ns, "pool", "query_errors_total", "Statements that returned an error", func(s dbpool.Stats) float64 { return float64(s.QueryErrors) }),
		},
		hubFields: []field[hub.Stats]{
			gauge(ns, "hub", "subscribers", "Live subscriptions", func(s hub.Stats) float64 { return float64(s.Subscribers) }),
			counter(ns, "hub", "published_total", "Events published", func(s hub.Stats) float64 { return float64(s.Published) }),
			counter(ns, "hub", "enqueued_total", "Events enqueued for a subscriber", func(s hub.Stats) float64 { return float64(s.Enqueued) }),
			counter(ns, "hub", "delivered_total", "Events delivered", func(s hub.Stats) float64 { return float64(s.Delivered) }),
			counter(ns, "hub", "dropped_total", "Events dropped on a full queue", func(s hub.Stats) float64 { return float64(s.Dropped) }),
			counter(ns, "hub", "removed_total", "Subscribers removed after a failed delivery", func(s hub.Stats) float64 { return float64(s.Removed) }),
		},
		executorLatency: latencyDesc(ns, "executor", "task_duration_seconds", "Task run time", nil),
		batchLatency:    latencyDesc(ns, "batch", "dispatch_duration_seconds", "Batch function run time", nil),
		poolLatency:     latencyDesc(ns, "pool", "query_duration_seconds", "Statement run time", nil),
		hubLatency:      latencyDesc(ns, "hub", "delivery_duration_seconds", "Transport delivery time", nil),
		taskLatency:     latencyDesc(ns, "executor", "timed_duration_seconds", "Run time of named timed work", []string{"name"}),
	}
}

func latencyDesc(ns, sub, name, help string, labels []string) *prometheus.Desc {
	return prometheus.NewDesc(prometheus.BuildFQName(ns, sub, name), help, labels, nil)
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	describe(ch, c.cacheFields)
	describe(ch, c.executorFields)
	describe(ch, c.batchFields)
	describe(ch, c.poolFields)
	describe(ch, c.hubFields)
	ch <- c.executorLatency
	ch <- c.batchLatency
	ch <- c.poolLatency
	ch <- c.hubLatency
	ch <- c.taskLatency
}

func describe[S any](ch chan<- *prometheus.Desc, fields []field[S]) {
	for _, f := range fields {
		ch <- f.desc
	}
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	if c.sources.Cache != nil {
		emit(ch, c.sources.Cache(), c.cacheFields)
	}
	if c.sources.Executor != nil {
		s := c.sources.Executor()
		emit(ch, s, c.executorFields)
		ch <- summary(c.executorLatency, s.Latency)
		for name, timing := range s.Timings {
			ch <- summary(c.taskLatency, timing, name)
		}
	}
	if c.sources.Batch != nil {
		s := c.sources.Batch()
		emit(ch, s, c.batchFields)
		ch <- summary(c.batchLatency, s.Latency)
	}
	if c.sources.Pool != nil {
		s := c.sources.Pool()
		emit(ch, s, c.poolFields)
		ch <- summary(c.poolLatency, s.Latency)
	}
	if c.sources.Hub != nil {
		s := c.sources.Hub()
		emit(ch, s, c.hubFields)
		ch <- summary(c.hubLatency, s.Latency)
	}
}

// summary converts a window summary into a Prometheus summary in seconds.
// Quantiles cover the retained samples only; sum is rebuilt from the running mean.
func summary(desc *prometheus.Desc, s stats.Summary, labels ...string) prometheus.Metric {
	quantiles := map[float64]float64{
		0.5:  s.P50.Seconds(),
		0.95: s.P95.Seconds(),
		0.99: s.P99.Seconds(),
	}
	sum := s.Mean.Seconds() * float64(s.Count)
	return prometheus.MustNewConstSummary(desc, uint64(s.Count), sum, quantiles, labels...)
}

var _ prometheus.Collector = (*Collector)(nil)
