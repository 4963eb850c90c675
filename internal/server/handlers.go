package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/taskwell/taskwell/internal/engine"
	"github.com/taskwell/taskwell/internal/store"
)

// ValidationError reports a request body that violates field constraints.
// It is rejected at the boundary, before anything reaches the store.
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func validateTitle(title string) *ValidationError {
	if err := store.ValidateTitle(title); err != nil {
		return &ValidationError{Field: "title", Message: err.Error()}
	}
	return nil
}

func validateDescription(description string) *ValidationError {
	if err := store.ValidateDescription(description); err != nil {
		return &ValidationError{Field: "description", Message: err.Error()}
	}
	return nil
}

// createRequest is the POST /tasks body.
type createRequest struct {
	Title       string `json:"title"`
	Description string `json:"description"`
}

// updateRequest is the PUT /tasks/{id} body. Absent fields keep their
// stored values.
type updateRequest struct {
	Title       *string `json:"title"`
	Description *string `json:"description"`
	Completed   *bool   `json:"completed"`
}

// syncRequest is the POST /tasks/sync body.
type syncRequest struct {
	LastSyncTimestamp string          `json:"lastSyncTimestamp"`
	Changes           []engine.Change `json:"changes"`
}

// syncResponse is the POST /tasks/sync response.
type syncResponse struct {
	SyncTimestamp string                `json:"syncTimestamp"`
	ServerChanges []engine.ServerChange `json:"serverChanges"`
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	tasks, err := s.store.ListLive(r.Context())
	if err != nil {
		s.internalError(w, err)
		return
	}
	if tasks == nil {
		tasks = []*store.Task{}
	}
	writeJSON(w, http.StatusOK, tasks)
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	task, err := s.store.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		s.storeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if verr := validateTitle(req.Title); verr != nil {
		writeValidationError(w, verr)
		return
	}
	if verr := validateDescription(req.Description); verr != nil {
		writeValidationError(w, verr)
		return
	}

	task, err := s.store.Create(r.Context(), req.Title, req.Description)
	if err != nil {
		s.internalError(w, err)
		return
	}

	s.notify("created", task)
	writeJSON(w, http.StatusCreated, task)
}

func (s *Server) handleUpdate(w http.ResponseWriter, r *http.Request) {
	var req updateRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Title != nil {
		if verr := validateTitle(*req.Title); verr != nil {
			writeValidationError(w, verr)
			return
		}
	}
	if req.Description != nil {
		if verr := validateDescription(*req.Description); verr != nil {
			writeValidationError(w, verr)
			return
		}
	}

	task, err := s.store.Update(r.Context(), r.PathValue("id"), store.Fields{
		Title:       req.Title,
		Description: req.Description,
		Completed:   req.Completed,
	})
	if err != nil {
		s.storeError(w, err)
		return
	}

	s.notify("updated", task)
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) handleToggle(w http.ResponseWriter, r *http.Request) {
	task, err := s.store.Toggle(r.Context(), r.PathValue("id"))
	if err != nil {
		s.storeError(w, err)
		return
	}

	s.notify("updated", task)
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.store.SoftDelete(r.Context(), id); err != nil {
		s.storeError(w, err)
		return
	}

	s.notify("deleted", &store.Task{ID: id})
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleChanges(w http.ResponseWriter, r *http.Request) {
	since, err := parseTimestamp(r.URL.Query().Get("since"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid since timestamp")
		return
	}

	tasks, err := s.store.ChangesSince(r.Context(), since)
	if err != nil {
		s.internalError(w, err)
		return
	}
	if tasks == nil {
		tasks = []*store.Task{}
	}
	writeJSON(w, http.StatusOK, tasks)
}

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	var req syncRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	since, err := parseTimestamp(req.LastSyncTimestamp)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid lastSyncTimestamp")
		return
	}

	res, err := s.engine.Sync(r.Context(), since, req.Changes)
	if err != nil {
		s.internalError(w, err)
		return
	}

	if s.notifier != nil {
		s.notifier.SyncCompleted(res.Applied, res.Failed, len(res.Changes))
	}

	changes := res.Changes
	if changes == nil {
		changes = []engine.ServerChange{}
	}
	writeJSON(w, http.StatusOK, syncResponse{
		SyncTimestamp: res.SyncTimestamp.Format(time.RFC3339Nano),
		ServerChanges: changes,
	})
}

// parseTimestamp parses a UTC-normalized ISO-8601 timestamp. A malformed
// value is an input error, never silently treated as the beginning of time.
func parseTimestamp(value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, errors.New("timestamp is required")
	}
	t, err := time.Parse(time.RFC3339Nano, value)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid timestamp %q: %w", value, err)
	}
	return t.UTC(), nil
}

func (s *Server) notify(action string, task *store.Task) {
	if s.notifier != nil {
		s.notifier.TaskChanged(action, task)
	}
}

func (s *Server) storeError(w http.ResponseWriter, err error) {
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "task not found")
		return
	}
	s.internalError(w, err)
}

func (s *Server) internalError(w http.ResponseWriter, err error) {
	s.logger.Printf("Internal error: %v", err)
	writeError(w, http.StatusInternalServerError, "internal error")
}

func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func writeValidationError(w http.ResponseWriter, verr *ValidationError) {
	writeJSON(w, http.StatusBadRequest, map[string]any{
		"error":      "validation failed",
		"validation": []*ValidationError{verr},
	})
}
