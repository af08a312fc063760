// Command taskgraphd runs the scheduling kernel as a standalone process:
// opens the store, applies migrations, starts the scheduler, mounts the
// HTTP surface.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "taskgraphd",
	Short: "Persistent task-orchestration engine",
	Long: `taskgraphd runs the task-orchestration scheduling kernel: a dependency-DAG
task queue backed by a single embedded SQLite store, with atomic claim,
lease-based recovery, and dependency propagation.

Environment Variables:
  DB_PATH         Path to the SQLite database file (default ./taskgraph.db)
  MAX_CONCURRENT  Concurrency ceiling (default 3)
  SCHED_TICK_MS   Scheduler tick period in ms (default 200)
  LEASE_MS        Lease length granted at claim time in ms (default 60000)
  MAX_ATTEMPTS    Default max attempts per task (default 3)
  HOST            HTTP bind host (default 0.0.0.0)
  PORT            HTTP bind port (default 8080)
  LOG_LEVEL       debug|info|warn|error (default info)`,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
