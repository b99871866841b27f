// Package main is the CLI entry point for the toolflow server.
//
// toolflow tracks AI-agent tool calls through their execution
// lifecycle and streams status updates to connected clients.
//
// Start the server:
//
//	toolflow serve --config toolflow.yaml
//
// Run a one-shot cleanup of abandoned records:
//
//	toolflow cleanup --config toolflow.yaml --older-than 24h
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

// Build information, populated by ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := buildRootCmd().Execute(); err != nil {
		slog.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "toolflow",
		Short: "toolflow - tool call lifecycle server",
		Long: `toolflow tracks AI-agent tool calls through a status lifecycle,
gates sensitive tools on human approval, and streams updates to
clients over SSE and WebSocket.`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}

	rootCmd.AddCommand(
		buildServeCmd(),
		buildCleanupCmd(),
		buildToolsCmd(),
		buildVersionCmd(),
	)
	return rootCmd
}
