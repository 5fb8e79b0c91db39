// Package di wires every reservoir component from configuration.
//
// The Container is built once at startup and handed to whatever needs the
// components. There are no package-level singletons; tests build their own
// containers against temporary databases.
package di

import (
	"context"
	stderrors "errors"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/conneroisu/reservoir/internal/batch"
	"github.com/conneroisu/reservoir/internal/cache"
	"github.com/conneroisu/reservoir/internal/config"
	"github.com/conneroisu/reservoir/internal/dbpool"
	"github.com/conneroisu/reservoir/internal/events"
	"github.com/conneroisu/reservoir/internal/executor"
	"github.com/conneroisu/reservoir/internal/hub"
	"github.com/conneroisu/reservoir/internal/logging"
	"github.com/conneroisu/reservoir/internal/metrics"
	"github.com/conneroisu/reservoir/internal/monitoring"
)

// Container holds the running components.
type Container struct {
	Config *config.Config
	Logger logging.Logger

	Cache    *cache.Cache
	Executor *executor.Executor
	Writer   *batch.Aggregator[events.Record, events.Record]
	Pool     *dbpool.Pool
	Hub      *hub.Hub
	Events   *events.Store

	Health   *monitoring.HealthMonitor
	Registry *prometheus.Registry

	shutdownOnce sync.Once
	shutdownErr  error
}

// Snapshot is every component's Stats at one moment.
type Snapshot struct {
	Cache    cache.Stats    `json:"cache"`
	Executor executor.Stats `json:"executor"`
	Batch    batch.Stats    `json:"batch"`
	Pool     dbpool.Stats   `json:"pool"`
	Hub      hub.Stats      `json:"hub"`
}

// New builds and starts every component. On failure whatever was already
// started is shut down again.
func New(ctx context.Context, cfg *config.Config, logger logging.Logger) (*Container, error) {
	logger = logging.OrNop(logger)

	c := &Container{
		Config: cfg,
		Logger: logger,
		Cache: cache.New(cache.Options{
			MaxBytes:             cfg.Cache.MaxBytes,
			DefaultTTL:           cfg.Cache.DefaultTTL,
			CompressionThreshold: cfg.Cache.CompressionThreshold,
			CleanupInterval:      cfg.Cache.CleanupInterval,
			Logger:               logger,
		}),
		Executor: executor.New(executor.Options{
			MaxConcurrent:  cfg.Executor.MaxConcurrent,
			DefaultTimeout: cfg.Executor.DefaultTimeout,
			Logger:         logger,
		}),
		Writer: batch.New[events.Record, events.Record](batch.Options{
			BatchSize:    cfg.Batcher.BatchSize,
			BatchTimeout: cfg.Batcher.BatchTimeout,
			Logger:       logger,
		}),
		Hub: hub.New(hub.Options{
			QueueCapacity:   cfg.Hub.QueueCapacity,
			DeliveryTimeout: cfg.Hub.DeliveryTimeout,
			Logger:          logger,
		}),
	}

	pool, err := dbpool.Open(ctx, dbpool.Options{
		Path:               cfg.Pool.DBPath,
		MinConnections:     cfg.Pool.MinConnections,
		MaxConnections:     cfg.Pool.MaxConnections,
		MaxIdleTime:        cfg.Pool.MaxIdleTime,
		ReclaimInterval:    cfg.Pool.ReclaimInterval,
		AcquireTimeout:     cfg.Pool.AcquireTimeout,
		SlowQueryThreshold: cfg.Pool.SlowQueryThreshold,
		Logger:             logger,
	})
	if err != nil {
		_ = c.Shutdown(ctx)
		return nil, fmt.Errorf("failed to open connection pool: %w", err)
	}
	c.Pool = pool

	c.Events, err = events.Open(ctx, c.Pool, c.Cache, c.Writer, c.Executor, c.Hub, events.Options{
		CacheTTL: cfg.Cache.DefaultTTL,
		Logger:   logger,
	})
	if err != nil {
		_ = c.Shutdown(ctx)
		return nil, err
	}

	if err := c.Writer.Start(); err != nil {
		_ = c.Shutdown(ctx)
		return nil, fmt.Errorf("failed to start batch writer: %w", err)
	}
	if err := c.Hub.Start(); err != nil {
		_ = c.Shutdown(ctx)
		return nil, fmt.Errorf("failed to start hub: %w", err)
	}

	c.Health = monitoring.NewHealthMonitor(logger)
	c.Health.RegisterCheck(monitoring.DatabaseHealthChecker(c.Pool, c.Pool.Stats))
	c.Health.RegisterCheck(monitoring.HubHealthChecker(c.Hub))
	c.Health.RegisterCheck(monitoring.ExecutorHealthChecker(c.Executor.Stats, 4*cfg.Executor.MaxConcurrent))
	c.Health.RegisterCheck(monitoring.CacheHealthChecker(c.Cache.Stats))
	c.Health.RegisterCheck(monitoring.GoroutineHealthChecker())
	c.Health.Start()

	c.Registry = prometheus.NewRegistry()
	c.Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		metrics.NewCollector(metrics.DefaultNamespace, metrics.Sources{
			Cache:    c.Cache.Stats,
			Executor: c.Executor.Stats,
			Batch:    c.Writer.Stats,
			Pool:     c.Pool.Stats,
			Hub:      c.Hub.Stats,
		}),
	)

	logger.Info(ctx, "Components started",
		"db_path", cfg.Pool.DBPath,
		"max_concurrent", cfg.Executor.MaxConcurrent,
		"cache_max_bytes", cfg.Cache.MaxBytes,
	)
	return c, nil
}

// Stats snapshots every component.
func (c *Container) Stats() Snapshot {
	return Snapshot{
		Cache:    c.Cache.Stats(),
		Executor: c.Executor.Stats(),
		Batch:    c.Writer.Stats(),
		Pool:     c.Pool.Stats(),
		Hub:      c.Hub.Stats(),
	}
}

// Shutdown stops the components in reverse dependency order: pending appends
// are flushed before the pool closes. It is safe to call more than once.
func (c *Container) Shutdown(ctx context.Context) error {
	c.shutdownOnce.Do(func() {
		var errs []error

		if c.Health != nil {
			c.Health.Stop()
		}
		if err := c.Writer.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("failed to stop batch writer: %w", err))
		}
		if err := c.Executor.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("failed to stop executor: %w", err))
		}
		if err := c.Hub.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("failed to stop hub: %w", err))
		}
		if c.Pool != nil {
			if err := c.Pool.Close(); err != nil {
				errs = append(errs, fmt.Errorf("failed to close pool: %w", err))
			}
		}
		if err := c.Cache.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close cache: %w", err))
		}

		c.shutdownErr = stderrors.Join(errs...)
		c.Logger.Info(ctx, "Components stopped")
	})
	return c.shutdownErr
}
