// Command taskwell runs the taskwell task synchronization server.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var version = "dev"

var rootCmd = &cobra.Command{
	Use:   "taskwell",
	Short: "Offline-first task synchronization server",
	Long: `Taskwell is a task list server for disconnected clients.

Clients accumulate local edits while offline and reconcile them through the
/tasks/sync endpoint: the server applies the client batch, returns the
authoritative changes the client has not yet seen, and hands back a fresh
checkpoint for the next round.`,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the taskwell version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("taskwell %s\n", version)
	},
}

func main() {
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(versionCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
