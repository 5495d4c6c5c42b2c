// Package main is the entry point for the webpecker CLI.
//
// webpecker can be run either as a library (SDK) or as a standalone binary
// with optional YAML configuration. This CLI provides the standalone binary
// approach plus a small client for the control socket.
//
// Usage:
//
//	webpecker serve                                  # Start with defaults
//	webpecker serve -c config.yaml                   # Start with a config file
//	webpecker validate -c config.yaml                # Validate configuration
//	webpecker probe https://example.com --repeat 10  # Drive a running server
//	webpecker version                                # Show version info
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version information - set at build time via ldflags.
// Example: go build -ldflags "-X main.version=1.0.0"
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// rootCmd is the base command when called without subcommands.
// It just displays help - actual functionality is in subcommands.
var rootCmd = &cobra.Command{
	Use:   "webpecker",
	Short: "An HTTP probe repeater with live call telemetry",
	Long: `webpecker repeatedly probes HTTP endpoints on request and streams
per-call telemetry to a connected client.

A client connects to the WebSocket control socket, submits probes
(URL plus repeat count), tunes delay, concurrency and timeout at
runtime, and receives batches of task transitions, iteration results
and transport phases (DNS, connect, TLS, headers, body).

Quick start:
  1. Run: webpecker serve
  2. Open http://localhost:8080 in your browser
  3. Or run: webpecker probe https://example.com --repeat 5

Example config:
  port: 8080
  probe:
    delay: 100ms
    max_concurrent: 3
    timeout: 600ms`,
	// No Run/RunE means this just shows help when called without subcommands
}

// Execute runs the root command.
// This is the main entry point called from main().
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		// Cobra already prints the error, just exit with code 1
		os.Exit(1)
	}
}

func main() {
	Execute()
}

// versionCmd prints version information.
var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Long:  `Print the version, commit hash, and build date of this webpecker binary.`,
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "webpecker %s\n", version)
		fmt.Fprintf(cmd.OutOrStdout(), "  commit: %s\n", commit)
		fmt.Fprintf(cmd.OutOrStdout(), "  built:  %s\n", date)
	},
}

func init() {
	// Register subcommands with root
	rootCmd.AddCommand(versionCmd)
}
