package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/conneroisu/reservoir/internal/config"
)

var configFormat string
var configValidateFile string

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect reservoir configuration",
	Long: `Inspect the effective configuration.

Examples:
  reservoir config show                        # Print effective settings as YAML
  reservoir config show --format json          # ... or as JSON
  reservoir config validate                    # Validate the active config
  reservoir config validate --file prod.yml    # Validate a specific file`,
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the effective configuration",
	RunE:  runConfigShow,
}

var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate configuration",
	RunE:  runConfigValidate,
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configValidateCmd)

	configShowCmd.Flags().StringVarP(&configFormat, "format", "f", "yaml", "Output format (yaml, json)")
	configValidateCmd.Flags().StringVar(&configValidateFile, "file", "", "Config file to validate instead of the active one")
}

func runConfigShow(cmd *cobra.Command, args []string) error {
	if _, err := config.Load(); err != nil {
		return err
	}
	// AllSettings keeps durations in their configured form ("5m") where the
	// decoded Config would print nanoseconds.
	settings := viper.AllSettings()

	out := cmd.OutOrStdout()
	switch configFormat {
	case "yaml":
		enc := yaml.NewEncoder(out)
		enc.SetIndent(2)
		if err := enc.Encode(settings); err != nil {
			return fmt.Errorf("failed to encode config: %w", err)
		}
		return enc.Close()
	case "json":
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(settings)
	default:
		return fmt.Errorf("unsupported format: %s (supported: yaml, json)", configFormat)
	}
}

func runConfigValidate(cmd *cobra.Command, args []string) error {
	v := viper.GetViper()
	source := viper.ConfigFileUsed()
	if configValidateFile != "" {
		v = viper.New()
		v.SetConfigFile(configValidateFile)
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("failed to read %s: %w", configValidateFile, err)
		}
		source = configValidateFile
	}

	if _, err := config.LoadFrom(v); err != nil {
		return err
	}

	if source == "" {
		source = "defaults and environment"
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Configuration is valid (%s)\n", source)
	return nil
}
