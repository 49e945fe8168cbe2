// commands.go contains the cobra command definitions and their flag
// wiring. Each builder creates a command and routes it to its handler.
package main

import (
	"github.com/spf13/cobra"
)

const defaultConfigPath = "pocketmind.yaml"

// buildServeCmd creates the "serve" command that starts the runtime.
func buildServeCmd() *cobra.Command {
	var (
		configPath string
		debug      bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the PocketMind runtime",
		Long: `Start the runtime with all configured channels and endpoints.

The runtime will:
1. Load pocketmind.yaml and llm_endpoints.json
2. Open the memory and scheduler databases
3. Start all enabled channel adapters
4. Start the task scheduler and the metrics listener

Graceful shutdown is handled on SIGINT/SIGTERM.`,
		Example: `  # Start with default config
  pocketmind serve

  # Start with custom config and debug logging
  pocketmind serve --config /etc/pocketmind/prod.yaml --debug`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), configPath, debug)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath,
		"Path to YAML configuration file")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false,
		"Enable debug logging (verbose output)")
	return cmd
}

// buildDoctorCmd creates the "doctor" command for offline diagnostics.
func buildDoctorCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Check configuration, endpoints, and databases",
		Long: `Run offline diagnostics against the current installation:
configuration parse, endpoint pool validation, identity files, and
database reachability. Nothing is started and no network calls are made.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDoctor(cmd.Context(), cmd.OutOrStdout(), configPath)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath,
		"Path to YAML configuration file")
	return cmd
}

// buildMemoryCmd creates the "memory" command group.
func buildMemoryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "memory",
		Short: "Inspect and export the memory database",
	}
	cmd.AddCommand(buildMemoryExportCmd())
	return cmd
}

func buildMemoryExportCmd() *cobra.Command {
	var (
		configPath string
		outPath    string
	)

	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export memories, episodes, and scratchpads as JSON",
		Example: `  # Print to stdout
  pocketmind memory export

  # Write to a file
  pocketmind memory export --out memory.json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMemoryExport(cmd.Context(), cmd.OutOrStdout(), configPath, outPath)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath,
		"Path to YAML configuration file")
	cmd.Flags().StringVarP(&outPath, "out", "o", "",
		"Output file (default: stdout)")
	return cmd
}
