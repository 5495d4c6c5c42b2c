package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jpalmerr/webpecker"
	"github.com/jpalmerr/webpecker/config"
)

// validateCmd validates a config file without starting the server.
var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate a config file",
	Long: `Validate a webpecker configuration file without starting the server.

This command parses the YAML, expands environment variables, and validates
all fields. It's useful for CI/CD pipelines or pre-deployment checks.

Exit codes:
  0 - Config is valid
  1 - Config is invalid (error details printed to stderr)

Example:
  webpecker validate -c config.yaml
  webpecker validate --config /etc/webpecker/config.yaml`,
	RunE: runValidate,
}

func init() {
	rootCmd.AddCommand(validateCmd)

	validateCmd.Flags().StringP("config", "c", "", "path to config file (required)")
	_ = validateCmd.MarkFlagRequired("config")
}

func runValidate(cmd *cobra.Command, args []string) error {
	configFile, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(configFile)
	if err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	// the SDK owns the remaining rules, such as reserved paths
	if _, err := webpecker.New(config.BuildOptions(cfg, nil)...); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Config is valid!\n")
	fmt.Fprintf(out, "  Port:           %d\n", cfg.Port)
	fmt.Fprintf(out, "  Path:           %s\n", cfg.Path)
	fmt.Fprintf(out, "  Delay:          %s\n", cfg.Probe.Delay.Duration())
	fmt.Fprintf(out, "  Max concurrent: %d\n", cfg.Probe.MaxConcurrent)
	fmt.Fprintf(out, "  Timeout:        %s\n", cfg.Probe.Timeout.Duration())

	return nil
}
