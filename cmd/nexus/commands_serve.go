package main

import (
	"github.com/spf13/cobra"
)

// buildServeCmd creates the "serve" command that starts the supervisor
// HTTP surface, the worker job dispatcher, and the reaper.
func buildServeCmd() *cobra.Command {
	var (
		configPath string
		bundleRoot string
		debug      bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the supervisor, worker dispatcher, and reaper",
		Long: `Start the orchestrator with all components wired:

1. Load configuration from the specified file
2. Open the configured stores (in-memory, or Postgres/CockroachDB if
   database.url is set)
3. Construct the configured LLM provider
4. Start the supervisor's HTTP surface for submitting tasks
5. Start the Worker Job Processor dispatcher
6. Start the reaper's barrier-deadline and orphan-job sweeps

Graceful shutdown is handled on SIGINT/SIGTERM.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), serveOptions{
				configPath: configPath,
				bundleRoot: bundleRoot,
				debug:      debug,
			})
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "nexus.yaml", "Path to YAML configuration file")
	cmd.Flags().StringVar(&bundleRoot, "bundle-root", "./data/bundles", "Directory worker artifact bundles are written under")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging")

	return cmd
}
