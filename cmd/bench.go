package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/conneroisu/reservoir/internal/config"
	"github.com/conneroisu/reservoir/internal/di"
	"github.com/conneroisu/reservoir/internal/hub"
	"github.com/conneroisu/reservoir/internal/logging"
)

var (
	benchEvents  int
	benchWorkers int
	benchReads   int
	benchKeep    bool
)

var benchCmd = &cobra.Command{
	Use:   "bench",
	Short: "Measure append and read throughput",
	Long: `Append events concurrently through the batch writer, then read them back
through the cache, and report throughput and component statistics.

Unless --keep is given the run uses a throwaway database.

Examples:
  reservoir bench                          # 10,000 events, 16 workers
  reservoir bench --events 100000 -w 64    # Heavier run
  reservoir bench --keep --db bench.db     # Keep the database afterwards`,
	PreRun: func(cmd *cobra.Command, args []string) {
		bindFlags(cmd.Flags(), map[string]string{"db": "pool.db_path"})
	},
	RunE: runBench,
}

func init() {
	rootCmd.AddCommand(benchCmd)

	benchCmd.Flags().IntVarP(&benchEvents, "events", "n", 10000, "Number of events to append")
	benchCmd.Flags().IntVarP(&benchWorkers, "workers", "w", 16, "Concurrent appenders")
	benchCmd.Flags().IntVar(&benchReads, "reads", 2, "Read passes over the appended events")
	benchCmd.Flags().BoolVar(&benchKeep, "keep", false, "Use the configured database instead of a temporary one")
	benchCmd.Flags().String("db", "reservoir.db", "SQLite database file (with --keep)")
}

func runBench(cmd *cobra.Command, args []string) error {
	if benchEvents < 1 || benchWorkers < 1 || benchReads < 0 {
		return fmt.Errorf("events and workers must be positive, reads must not be negative")
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	if !benchKeep {
		dir, err := os.MkdirTemp("", "reservoir-bench-*")
		if err != nil {
			return fmt.Errorf("failed to create temp dir: %w", err)
		}
		defer os.RemoveAll(dir)
		cfg.Pool.DBPath = filepath.Join(dir, "bench.db")
	}

	logger, err := newLogger(cfg.Log)
	if err != nil {
		return err
	}
	defer logger.Close()

	return bench(cmd.Context(), cmd.OutOrStdout(), cfg, logger, benchEvents, benchWorkers, benchReads)
}

func bench(ctx context.Context, out io.Writer, cfg *config.Config, logger logging.Logger, events, workers, reads int) (err error) {
	c, err := di.New(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if shutdownErr := c.Shutdown(context.Background()); err == nil {
			err = shutdownErr
		}
	}()

	op := logging.StartOperation(logger, "bench")
	defer func() {
		if err != nil {
			op.EndWithError(ctx, err)
		} else {
			op.End(ctx)
		}
	}()

	ids := make([]int64, events)
	appendStart := time.Now()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i := 0; i < events; i++ {
		g.Go(func() error {
			rec, err := c.Events.Append(gctx, hub.Event{
				Type:    "bench",
				Keys:    []string{fmt.Sprintf("worker-%d", i%workers)},
				Payload: map[string]any{"seq": i},
			})
			if err != nil {
				return err
			}
			ids[i] = rec.ID
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("append failed: %w", err)
	}
	appendTime := time.Since(appendStart)

	readStart := time.Now()
	g, gctx = errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for pass := 0; pass < reads; pass++ {
		for _, id := range ids {
			g.Go(func() error {
				_, err := c.Events.Get(gctx, id)
				return err
			})
		}
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("read failed: %w", err)
	}
	readTime := time.Since(readStart)

	snap := c.Stats()
	p := message.NewPrinter(language.English)
	p.Fprintf(out, "Appended %d events in %v (%.0f events/s)\n",
		events, appendTime.Round(time.Millisecond), rate(events, appendTime))
	if reads > 0 {
		p.Fprintf(out, "Read %d events in %v (%.0f reads/s)\n",
			events*reads, readTime.Round(time.Millisecond), rate(events*reads, readTime))
	}
	p.Fprintf(out, "Batches: %d (average size %.1f)\n", snap.Batch.Batches, snap.Batch.AverageBatchSize)
	p.Fprintf(out, "Cache: %d hits, %d misses, %.1f%% hit rate, %d bytes\n",
		snap.Cache.Hits, snap.Cache.Misses, snap.Cache.HitRate*100, snap.Cache.Bytes)
	p.Fprintf(out, "Pool: %d queries, p99 %v, %d waits\n",
		snap.Pool.Queries, snap.Pool.Latency.P99, snap.Pool.Waits)
	return nil
}

func rate(n int, d time.Duration) float64 {
	if d <= 0 {
		return 0
	}
	return float64(n) / d.Seconds()
}
