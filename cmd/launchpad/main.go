package main

import (
	"os"

	"github.com/spf13/cobra"
)

// Version is set via ldflags at build time
var Version = "dev"

var rootCmd = &cobra.Command{
	Use:   "launchpad",
	Short: "Launchpad - sandbox and deployment orchestration",
	Long: `Launchpad queues sandbox creation and preview, promotion and rollback
deployments, and drives them to completion against a compute provider.`,
	Example: `  # Run the API and the worker in one process
  launchpad serve

  # Scale out: API replicas and workers sharing Valkey
  LAUNCHPAD_QUEUE_TYPE=valkey launchpad serve --mode server
  LAUNCHPAD_QUEUE_TYPE=valkey launchpad serve --mode worker`,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
