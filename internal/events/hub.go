// Package events provides a WebSocket hub broadcasting live task updates.
//
// The hub emits a message whenever a task is created, updated, or deleted
// through the HTTP API, and a summary message after every sync call. It is
// an observation channel only: sync clients use the checkpoint protocol, not
// this feed, as their source of truth.
package events

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/taskwell/taskwell/internal/store"
)

// MessageType defines the type of broadcast message.
type MessageType string

const (
	// MessageTypeTaskUpdate indicates a task was created, updated, or deleted.
	MessageTypeTaskUpdate MessageType = "task_update"

	// MessageTypeSyncComplete indicates a sync call finished.
	MessageTypeSyncComplete MessageType = "sync_complete"
)

// Message is one broadcast frame.
type Message struct {
	Type      MessageType     `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// TaskUpdateData describes a single task mutation.
type TaskUpdateData struct {
	TaskID    string `json:"taskId"`
	Action    string `json:"action"` // created, updated, deleted
	Title     string `json:"title,omitempty"`
	Completed bool   `json:"completed,omitempty"`
}

// SyncCompleteData summarizes one sync call.
type SyncCompleteData struct {
	Applied  int `json:"applied"`
	Failed   int `json:"failed"`
	Returned int `json:"returned"`
}

// Hub manages WebSocket subscribers and fans broadcast messages out to them.
type Hub struct {
	clients   map[*websocket.Conn]bool
	clientsMu sync.RWMutex

	broadcast chan Message

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	logger *log.Logger
}

// NewHub creates a Hub. If logger is nil the default logger is used.
func NewHub(logger *log.Logger) *Hub {
	if logger == nil {
		logger = log.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Hub{
		clients:   make(map[*websocket.Conn]bool),
		broadcast: make(chan Message, 100),
		ctx:       ctx,
		cancel:    cancel,
		logger:    logger,
	}
}

// Start launches the broadcast loop.
func (h *Hub) Start() {
	h.wg.Add(1)
	go h.broadcastLoop()
}

// Stop disconnects all clients and stops the broadcast loop.
func (h *Hub) Stop() {
	h.cancel()

	h.clientsMu.Lock()
	for conn := range h.clients {
		_ = conn.Close(websocket.StatusGoingAway, "Server shutting down")
		delete(h.clients, conn)
	}
	h.clientsMu.Unlock()

	h.wg.Wait()
}

// Handler returns the HTTP handler that upgrades connections to WebSocket.
func (h *Hub) Handler() http.Handler {
	return http.HandlerFunc(h.handleWebSocket)
}

// ClientCount returns the current number of connected clients.
func (h *Hub) ClientCount() int {
	h.clientsMu.RLock()
	defer h.clientsMu.RUnlock()
	return len(h.clients)
}

// TaskChanged broadcasts a task mutation.
func (h *Hub) TaskChanged(action string, task *store.Task) {
	data := TaskUpdateData{
		TaskID:    task.ID,
		Action:    action,
		Title:     task.Title,
		Completed: task.Completed,
	}

	dataJSON, err := json.Marshal(data)
	if err != nil {
		h.logger.Printf("Failed to marshal task data: %v", err)
		return
	}

	h.send(Message{
		Type:      MessageTypeTaskUpdate,
		Timestamp: time.Now(),
		Data:      dataJSON,
	})
}

// SyncCompleted broadcasts a sync summary.
func (h *Hub) SyncCompleted(applied, failed, returned int) {
	data := SyncCompleteData{
		Applied:  applied,
		Failed:   failed,
		Returned: returned,
	}

	dataJSON, err := json.Marshal(data)
	if err != nil {
		h.logger.Printf("Failed to marshal sync data: %v", err)
		return
	}

	h.send(Message{
		Type:      MessageTypeSyncComplete,
		Timestamp: time.Now(),
		Data:      dataJSON,
	})
}

func (h *Hub) send(msg Message) {
	select {
	case h.broadcast <- msg:
	case <-h.ctx.Done():
	default:
		h.logger.Println("Warning: broadcast channel full, dropping message")
	}
}

func (h *Hub) broadcastLoop() {
	defer h.wg.Done()

	for {
		select {
		case <-h.ctx.Done():
			return

		case msg := <-h.broadcast:
			data, err := json.Marshal(msg)
			if err != nil {
				h.logger.Printf("Failed to marshal message: %v", err)
				continue
			}

			h.clientsMu.RLock()
			clients := make([]*websocket.Conn, 0, len(h.clients))
			for conn := range h.clients {
				clients = append(clients, conn)
			}
			h.clientsMu.RUnlock()

			// Writes happen outside the lock so a slow client cannot
			// block new subscriptions.
			for _, conn := range clients {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				err := conn.Write(ctx, websocket.MessageText, data)
				cancel()

				if err != nil {
					h.logger.Printf("Failed to send to client: %v", err)
					h.removeClient(conn)
				}
			}
		}
	}
}

func (h *Hub) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		h.logger.Printf("WebSocket upgrade failed: %v", err)
		return
	}

	h.clientsMu.Lock()
	h.clients[conn] = true
	clientCount := len(h.clients)
	h.clientsMu.Unlock()

	h.logger.Printf("Client connected (total: %d)", clientCount)

	go h.readLoop(conn)
}

// readLoop keeps the connection alive and detects client disconnects.
// Client messages are not processed.
func (h *Hub) readLoop(conn *websocket.Conn) {
	defer h.removeClient(conn)

	for {
		if _, _, err := conn.Read(h.ctx); err != nil {
			return
		}
	}
}

func (h *Hub) removeClient(conn *websocket.Conn) {
	h.clientsMu.Lock()
	if _, exists := h.clients[conn]; exists {
		delete(h.clients, conn)
		clientCount := len(h.clients)
		h.clientsMu.Unlock()

		_ = conn.Close(websocket.StatusNormalClosure, "")
		h.logger.Printf("Client disconnected (total: %d)", clientCount)
	} else {
		h.clientsMu.Unlock()
	}
}
