package main

import (
	"fmt"
	"os"

	"github.com/nebari-dev/launchpad/internal/server"
	"github.com/spf13/cobra"
)

var (
	servePort int
	serveMode string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the Launchpad API and/or worker",
	Long: `Start Launchpad with API and/or worker components.

Examples:
  launchpad serve                    # Run both API server and worker
  launchpad serve --mode server      # Run API server only
  launchpad serve --mode worker      # Run worker only
  launchpad serve --port 8080        # Override port

Environment variables:
  LAUNCHPAD_SERVER_PORT          Server port (default: 8470)
  LAUNCHPAD_DATABASE_DRIVER      Database driver: sqlite, postgres
  LAUNCHPAD_DATABASE_DSN         Database connection string
  LAUNCHPAD_QUEUE_TYPE           Broker: memory, valkey, amqp
  LAUNCHPAD_QUEUE_VALKEY_ADDR    Valkey address
  LAUNCHPAD_QUEUE_AMQP_URL       RabbitMQ URL
  LAUNCHPAD_PROVIDER_TYPE        Provider: fake, http
  LAUNCHPAD_PROVIDER_TOKEN       Provider API token`,
	Args: cobra.NoArgs,
	Run:  runServe,
}

func init() {
	serveCmd.Flags().IntVarP(&servePort, "port", "p", 0, "Port to run server on (overrides config)")
	serveCmd.Flags().StringVarP(&serveMode, "mode", "m", server.ModeBoth, "Run mode: server, worker, or both")
}

func runServe(cmd *cobra.Command, args []string) {
	cfg := server.Config{
		Port:    servePort,
		Mode:    serveMode,
		Version: Version,
	}

	if err := server.RunWithSignalHandling(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
