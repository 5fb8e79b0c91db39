package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/conneroisu/reservoir/internal/config"
	"github.com/conneroisu/reservoir/internal/di"
	"github.com/conneroisu/reservoir/internal/logging"
	"github.com/conneroisu/reservoir/internal/server"
)

const shutdownTimeout = 15 * time.Second

var serveCmd = &cobra.Command{
	Use:     "serve",
	Aliases: []string{"s"},
	Short:   "Start the HTTP server",
	Long: `Start the HTTP server and every component behind it.

Editing the config file while the server runs applies the new log level and
slow query threshold without a restart. Other settings need a restart.

Examples:
  reservoir serve                        # Serve on localhost:8080
  reservoir serve --port 9090            # Serve on a different port
  reservoir serve --db /var/lib/r.db     # Use a specific database file`,
	PreRun: func(cmd *cobra.Command, args []string) {
		bindFlags(cmd.Flags(), serveFlagKeys)
	},
	RunE: runServe,
}

// serveFlagKeys maps serve flags to config keys. Binding happens in PreRun
// because bench binds its own --db flag to the same key.
var serveFlagKeys = map[string]string{
	"port":           "server.port",
	"host":           "server.host",
	"db":             "pool.db_path",
	"max-concurrent": "executor.max_concurrent",
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().IntP("port", "p", 8080, "Port to serve on")
	serveCmd.Flags().String("host", "localhost", "Host to bind to")
	serveCmd.Flags().String("db", "reservoir.db", "SQLite database file")
	serveCmd.Flags().Int("max-concurrent", 8, "Maximum concurrently running tasks")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	logger, err := newLogger(cfg.Log)
	if err != nil {
		return err
	}
	defer logger.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	c, err := di.New(context.Background(), cfg, logger)
	if err != nil {
		return err
	}
	srv := server.New(c)

	if viper.ConfigFileUsed() != "" {
		config.Watch(viper.GetViper(),
			func(next *config.Config) { applyReload(ctx, c, logger, next) },
			func(err error) { logger.Warn(ctx, err, "Ignoring invalid config change") },
		)
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	fmt.Fprintf(cmd.OutOrStdout(), "Starting reservoir at http://%s\n", cfg.Server.Addr())

	var serveErr error
	select {
	case serveErr = <-errCh:
	case <-ctx.Done():
		logger.Info(context.Background(), "Shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	return errors.Join(
		serveErr,
		srv.Shutdown(shutdownCtx),
		c.Shutdown(shutdownCtx),
	)
}

// applyReload applies the settings that can change at runtime.
func applyReload(ctx context.Context, c *di.Container, logger *logging.StructuredLogger, next *config.Config) {
	if level, err := logging.ParseLevel(next.Log.Level); err == nil {
		logger.SetLevel(level)
	}
	c.Pool.SetSlowQueryThreshold(next.Pool.SlowQueryThreshold)

	logger.Info(ctx, "Configuration reloaded",
		"log_level", next.Log.Level,
		"slow_query_threshold", next.Pool.SlowQueryThreshold,
	)
}
