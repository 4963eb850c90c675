// Package server provides the HTTP boundary for taskwell.
//
// It decodes requests into store and engine calls and encodes their results
// as JSON. Field validation happens here, before anything reaches the store;
// the sync endpoint is a thin adapter over the reconciliation engine.
package server

import (
	"context"
	"fmt"
	"log"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/taskwell/taskwell/internal/engine"
	"github.com/taskwell/taskwell/internal/store"
)

// Notifier receives task mutation events for live broadcast. It is optional;
// a nil Notifier disables notifications.
type Notifier interface {
	TaskChanged(action string, task *store.Task)
	SyncCompleted(applied, failed, returned int)
}

// Config holds server configuration.
type Config struct {
	// Port to listen on. 0 picks a random free port.
	Port int

	// CORSEnabled adds permissive CORS headers to every response.
	CORSEnabled bool

	// CORSOrigin is the Access-Control-Allow-Origin value (default "*").
	CORSOrigin string

	// Logger for server activity (default: stderr logger).
	Logger *log.Logger
}

// Server serves the task CRUD and sync endpoints.
type Server struct {
	addr     string
	listener net.Listener
	server   *http.Server

	store    *store.Store
	engine   *engine.Engine
	notifier Notifier

	corsMu      sync.RWMutex
	corsEnabled bool
	corsOrigin  string

	ws http.Handler

	wg     sync.WaitGroup
	logger *log.Logger
}

// New creates a Server over the given store and engine.
func New(cfg *Config, st *store.Store, eng *engine.Engine, notifier Notifier) *Server {
	if cfg == nil {
		cfg = &Config{}
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(log.Writer(), "[server] ", log.LstdFlags)
	}
	origin := cfg.CORSOrigin
	if origin == "" {
		origin = "*"
	}

	return &Server{
		addr:        fmt.Sprintf(":%d", cfg.Port),
		store:       st,
		engine:      eng,
		notifier:    notifier,
		corsEnabled: cfg.CORSEnabled,
		corsOrigin:  origin,
		logger:      cfg.Logger,
	}
}

// Start begins listening and serving. It returns once the listener is bound;
// serving continues in the background until Stop.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	s.listener = ln

	mux := http.NewServeMux()
	mux.HandleFunc("GET /tasks", s.handleList)
	mux.HandleFunc("POST /tasks", s.handleCreate)
	mux.HandleFunc("GET /tasks/changes", s.handleChanges)
	mux.HandleFunc("POST /tasks/sync", s.handleSync)
	mux.HandleFunc("GET /tasks/{id}", s.handleGet)
	mux.HandleFunc("PUT /tasks/{id}", s.handleUpdate)
	mux.HandleFunc("PATCH /tasks/{id}/toggle", s.handleToggle)
	mux.HandleFunc("DELETE /tasks/{id}", s.handleDelete)
	mux.HandleFunc("GET /healthz", s.handleHealth)
	if s.ws != nil {
		mux.Handle("GET /ws", s.ws)
	}

	s.server = &http.Server{
		Handler:      s.withCORS(mux),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.logger.Printf("Listening on %s", ln.Addr())
		if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Printf("Server error: %v", err)
		}
	}()

	return nil
}

// MountWebSocket serves h at GET /ws for live-update subscriptions.
// Must be called before Start.
func (s *Server) MountWebSocket(h http.Handler) {
	s.ws = h
}

// Stop gracefully shuts down the server.
func (s *Server) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown error: %w", err)
	}

	s.wg.Wait()
	return nil
}

// Addr returns the bound listener address.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

// SetCORS updates the CORS policy at runtime (config hot reload).
func (s *Server) SetCORS(enabled bool, origin string) {
	if origin == "" {
		origin = "*"
	}
	s.corsMu.Lock()
	s.corsEnabled = enabled
	s.corsOrigin = origin
	s.corsMu.Unlock()
}

func (s *Server) withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.corsMu.RLock()
		enabled, origin := s.corsEnabled, s.corsOrigin
		s.corsMu.RUnlock()

		if enabled {
			h := w.Header()
			h.Set("Access-Control-Allow-Origin", origin)
			h.Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
			h.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, Accept")

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
