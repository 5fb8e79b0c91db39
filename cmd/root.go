// Package cmd provides the reservoir command-line interface.
//
// Configuration is layered by Viper with the usual precedence:
//
//  1. Command-line flags (--config, --port, ...)
//  2. RESERVOIR_<SECTION>_<KEY> environment variables
//  3. The config file: --config, else RESERVOIR_CONFIG_FILE, else
//     .reservoir.yml in the working directory
//  4. Built-in defaults
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/conneroisu/reservoir/internal/config"
	"github.com/conneroisu/reservoir/internal/logging"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "reservoir",
	Short: "Embedded caching, batching and fan-out service",
	Long: `Reservoir runs a byte-bounded cache, a bounded task executor, a batch
aggregator, a SQLite connection pool and a websocket fan-out hub behind a
small HTTP API.

Quick Start:
  reservoir serve                  Start the HTTP server
  reservoir config show            Print the effective configuration
  reservoir bench                  Measure append throughput
  reservoir version                Show version information`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		bindFlags(cmd.Root().PersistentFlags(), map[string]string{
			"log-level": "log.level",
		})
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is .reservoir.yml, can also use RESERVOIR_CONFIG_FILE env var)")
	rootCmd.PersistentFlags().StringP("log-level", "l", "info", "log level (debug, info, warn, error)")
}

// initConfig points the global Viper at a config file. A missing file is not
// an error; defaults and environment variables still apply.
func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else if envConfigFile := os.Getenv(config.EnvPrefix + "_CONFIG_FILE"); envConfigFile != "" {
		viper.SetConfigFile(envConfigFile)
	} else {
		viper.AddConfigPath(".")
		viper.SetConfigType("yaml")
		viper.SetConfigName(".reservoir")
	}

	if err := viper.ReadInConfig(); err == nil {
		fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
	}
}

// bindFlags binds each named flag in fs to a Viper key.
func bindFlags(fs *pflag.FlagSet, keys map[string]string) {
	for name, key := range keys {
		if f := fs.Lookup(name); f != nil {
			_ = viper.BindPFlag(key, f)
		}
	}
}

// newLogger builds the process logger from the log section.
func newLogger(cfg config.LogConfig) (*logging.StructuredLogger, error) {
	level, err := logging.ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}

	lc := logging.DefaultConfig()
	lc.Level = level
	lc.Format = cfg.Format
	lc.File = cfg.File
	return logging.NewLogger(lc), nil
}
