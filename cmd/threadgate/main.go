// Package main provides the threadgate CLI.
//
// # Basic Usage
//
// Start the server:
//
//	threadgate serve --config threadgate.yaml
//
// Manage database migrations:
//
//	threadgate migrate up
//	threadgate migrate status
//
// # Environment Variables
//
//   - THREADGATE_CONFIG: path to the configuration file (default: threadgate.yaml)
//
// Config files may reference any variable as ${NAME} or ${NAME:-fallback}.
package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

// Build information, populated by ldflags:
//
//	go build -ldflags "-X main.version=v1.0.0 -X main.commit=$(git rev-parse HEAD) -X main.date=$(date -u +%Y-%m-%dT%H:%M:%SZ)"
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

const defaultConfigPath = "threadgate.yaml"

func main() {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})))

	if err := buildRootCmd().Execute(); err != nil {
		slog.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

// buildRootCmd creates the root command with all subcommands attached.
func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "threadgate",
		Short: "threadgate - multi-tenant conversational AI orchestration",
		Long: `threadgate accepts chat messages on tenant threads, runs agent generation
in background workers with resumable output streams, and gates side effects
behind human approval.`,
		Version:      versionString(),
		SilenceUsage: true,
	}
	rootCmd.AddCommand(
		buildServeCmd(),
		buildMigrateCmd(),
		buildVersionCmd(),
	)
	return rootCmd
}

func versionString() string {
	return fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date)
}

// resolveConfigPath prefers an explicit flag, then THREADGATE_CONFIG.
func resolveConfigPath(path string) string {
	if strings.TrimSpace(path) != "" && path != defaultConfigPath {
		return path
	}
	if env := strings.TrimSpace(os.Getenv("THREADGATE_CONFIG")); env != "" {
		return env
	}
	return defaultConfigPath
}

func buildVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print build information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "threadgate %s\n", versionString())
		},
	}
}
