// Package main is the CLI entry point for the PocketMind agent runtime.
//
// PocketMind connects IM platforms (Telegram, Discord, Slack, OneBot) to
// a pool of LLM endpoints and runs an autonomous tool-using agent on top
// of a persistent scheduler and a two-tier memory store.
//
// # Basic Usage
//
// Start the runtime:
//
//	pocketmind serve --config pocketmind.yaml
//
// Check the installation without starting anything:
//
//	pocketmind doctor
//
// Export the memory database:
//
//	pocketmind memory export --out memory.json
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
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := buildRootCmd().Execute(); err != nil {
		slog.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

// buildRootCmd creates the root command with all subcommands attached.
func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "pocketmind",
		Short: "PocketMind - personal AI agent runtime",
		Long: `PocketMind runs an always-on AI agent reachable over IM.

Supported channels: Telegram, Discord, Slack, OneBot
LLM endpoints are pooled with priority failover and health cooldowns.`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}

	rootCmd.AddCommand(
		buildServeCmd(),
		buildDoctorCmd(),
		buildMemoryCmd(),
	)
	return rootCmd
}
