package main

import (
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/taskwell/taskwell/internal/clock"
	"github.com/taskwell/taskwell/internal/config"
	"github.com/taskwell/taskwell/internal/engine"
	"github.com/taskwell/taskwell/internal/events"
	"github.com/taskwell/taskwell/internal/server"
	"github.com/taskwell/taskwell/internal/store"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the task synchronization server",
	Long: `Start the HTTP server exposing the task CRUD and sync endpoints.

Configuration is read from taskwell.yaml (or the file given with --config),
overridable with TASKWELL_* environment variables. The CORS policy is
hot-reloaded when the config file changes on disk.

Endpoints:
  GET    /tasks                   live tasks, newest first
  POST   /tasks                   create a task
  GET    /tasks/{id}              single task
  PUT    /tasks/{id}              update fields
  PATCH  /tasks/{id}/toggle       flip completed
  DELETE /tasks/{id}              soft-delete
  GET    /tasks/changes?since=T   change feed, tombstones included
  POST   /tasks/sync              reconcile a client batch
  GET    /ws                      live-update WebSocket (if enabled)`,
	Run: func(cmd *cobra.Command, args []string) {
		configFile, _ := cmd.Flags().GetString("config")

		loader := config.NewLoader(configFile)
		cfg, err := loader.Load()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
			os.Exit(1)
		}

		if port, _ := cmd.Flags().GetInt("port"); port != 0 {
			cfg.Port = port
		}
		if db, _ := cmd.Flags().GetString("db"); db != "" {
			cfg.Database = db
		}

		logger := newLogger(cfg)

		st, err := store.Open(cfg.Database, clock.System())
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error opening database: %v\n", err)
			os.Exit(1)
		}
		defer st.Close()

		eng := engine.New(st, clock.System(), log.New(logger.Writer(), "[engine] ", log.LstdFlags))

		var hub *events.Hub
		var notifier server.Notifier
		if cfg.Events.Enabled {
			hub = events.NewHub(log.New(logger.Writer(), "[events] ", log.LstdFlags))
			hub.Start()
			defer hub.Stop()
			notifier = hub
		}

		srv := server.New(&server.Config{
			Port:        cfg.Port,
			CORSEnabled: cfg.CORS.Enabled,
			CORSOrigin:  cfg.CORS.Origin,
			Logger:      log.New(logger.Writer(), "[server] ", log.LstdFlags),
		}, st, eng, notifier)

		if hub != nil {
			srv.MountWebSocket(hub.Handler())
		}

		if err := srv.Start(); err != nil {
			fmt.Fprintf(os.Stderr, "Error starting server: %v\n", err)
			os.Exit(1)
		}

		loader.Watch(func(fresh *config.Config) {
			logger.Printf("Config reloaded, CORS enabled=%v origin=%q", fresh.CORS.Enabled, fresh.CORS.Origin)
			srv.SetCORS(fresh.CORS.Enabled, fresh.CORS.Origin)
		}, func(err error) {
			logger.Printf("Config reload failed: %v", err)
		})

		fmt.Printf("Taskwell listening on http://%s\n", srv.Addr())
		fmt.Printf("Database: %s\n", st.Path())
		fmt.Println("\nPress Ctrl+C to stop...")

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh

		fmt.Println("\nShutting down...")
		if err := srv.Stop(); err != nil {
			fmt.Fprintf(os.Stderr, "Error stopping server: %v\n", err)
			os.Exit(1)
		}
	},
}

// newLogger builds the process logger. With log.file configured, output goes
// to both stderr and a size-rotated file.
func newLogger(cfg *config.Config) *log.Logger {
	var out io.Writer = os.Stderr
	if cfg.Log.File != "" {
		out = io.MultiWriter(os.Stderr, &lumberjack.Logger{
			Filename:   cfg.Log.File,
			MaxSize:    cfg.Log.MaxSizeMB,
			MaxBackups: cfg.Log.MaxBackups,
			MaxAge:     cfg.Log.MaxAgeDays,
			Compress:   true,
		})
	}
	return log.New(out, "[taskwell] ", log.LstdFlags)
}

func init() {
	serveCmd.Flags().String("config", "", "Path to config file (default: ./taskwell.yaml)")
	serveCmd.Flags().Int("port", 0, "Port to listen on (overrides config)")
	serveCmd.Flags().String("db", "", "Path to the task database (overrides config)")
}
