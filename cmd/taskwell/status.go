package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/taskwell/taskwell/internal/config"
	"github.com/taskwell/taskwell/internal/store"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show task database status",
	Long: `Display the current state of the task database.

Shows the database location and size, the number of live tasks, and the
number of retained tombstones.`,
	Run: func(cmd *cobra.Command, args []string) {
		configFile, _ := cmd.Flags().GetString("config")

		loader := config.NewLoader(configFile)
		cfg, err := loader.Load()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
			os.Exit(1)
		}

		if db, _ := cmd.Flags().GetString("db"); db != "" {
			cfg.Database = db
		}

		info, err := os.Stat(cfg.Database)
		if os.IsNotExist(err) {
			fmt.Printf("No database at %s (run 'taskwell serve' to create one)\n", cfg.Database)
			return
		}
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error checking database: %v\n", err)
			os.Exit(1)
		}

		st, err := store.OpenReadOnly(cfg.Database)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error opening database: %v\n", err)
			os.Exit(1)
		}
		defer st.Close()

		ctx := context.Background()
		total, err := st.TaskCount(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error getting task count: %v\n", err)
			os.Exit(1)
		}
		live, err := st.LiveCount(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error getting live count: %v\n", err)
			os.Exit(1)
		}

		size := info.Size()
		sizeStr := fmt.Sprintf("%d bytes", size)
		if size > 1024*1024 {
			sizeStr = fmt.Sprintf("%.1f MB", float64(size)/(1024*1024))
		}

		fmt.Printf("Database:   %s (%s)\n", cfg.Database, sizeStr)
		fmt.Printf("Live tasks: %d\n", live)
		fmt.Printf("Tombstones: %d\n", total-live)
	},
}

func init() {
	statusCmd.Flags().String("config", "", "Path to config file (default: ./taskwell.yaml)")
	statusCmd.Flags().String("db", "", "Path to the task database (overrides config)")
}
