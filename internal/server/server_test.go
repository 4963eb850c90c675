package server

import (
	"bytes"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/taskwell/taskwell/internal/clock"
	"github.com/taskwell/taskwell/internal/engine"
	"github.com/taskwell/taskwell/internal/store"
)

// startServer boots a real server on a random port over a temp database.
func startServer(t *testing.T) (string, *store.Store, *clock.Fake) {
	t.Helper()

	clk := clock.NewFake(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"), clk)
	if err != nil {
		t.Fatalf("store.Open() failed: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	logger := log.New(os.Stderr, "[test] ", log.LstdFlags)
	eng := engine.New(st, clk, logger)

	srv := New(&Config{Port: 0, CORSEnabled: true, Logger: logger}, st, eng, nil)
	if err := srv.Start(); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}
	t.Cleanup(func() { srv.Stop() })

	return "http://" + srv.Addr(), st, clk
}

func doJSON(t *testing.T, method, url string, body any) (*http.Response, []byte) {
	t.Helper()

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal request: %v", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s failed: %v", method, url, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read response: %v", err)
	}
	return resp, data
}

func createTask(t *testing.T, base, title, description string) *store.Task {
	t.Helper()

	resp, body := doJSON(t, http.MethodPost, base+"/tasks", map[string]string{
		"title":       title,
		"description": description,
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("POST /tasks = %d, want 201: %s", resp.StatusCode, body)
	}

	var task store.Task
	if err := json.Unmarshal(body, &task); err != nil {
		t.Fatalf("unmarshal task: %v", err)
	}
	return &task
}

// TestCreateAndGet tests the basic create/read path.
func TestCreateAndGet(t *testing.T) {
	base, _, _ := startServer(t)

	task := createTask(t, base, "Buy milk", "2% milk, 1 gal")
	if task.ID == "" {
		t.Fatal("created task has no id")
	}
	if task.Completed {
		t.Error("created task is completed, want incomplete")
	}

	resp, body := doJSON(t, http.MethodGet, base+"/tasks/"+task.ID, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("GET /tasks/{id} = %d, want 200", resp.StatusCode)
	}
	var got store.Task
	if err := json.Unmarshal(body, &got); err != nil {
		t.Fatalf("unmarshal task: %v", err)
	}
	if got.Title != "Buy milk" {
		t.Errorf("Title = %q, want 'Buy milk'", got.Title)
	}

	resp, _ = doJSON(t, http.MethodGet, base+"/tasks/no-such-id", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("GET missing task = %d, want 404", resp.StatusCode)
	}
}

// TestCreate_Validation tests the field constraints at the boundary.
func TestCreate_Validation(t *testing.T) {
	base, _, _ := startServer(t)

	cases := []struct {
		name        string
		title       string
		description string
	}{
		{"title too short", "ab", "valid description"},
		{"description too short", "valid title", "abcd"},
		{"empty title", "", "valid description"},
		{"empty description", "valid title", ""},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp, body := doJSON(t, http.MethodPost, base+"/tasks", map[string]string{
				"title":       tc.title,
				"description": tc.description,
			})
			if resp.StatusCode != http.StatusBadRequest {
				t.Errorf("status = %d, want 400: %s", resp.StatusCode, body)
			}
		})
	}
}

// TestUpdate tests PUT semantics: provided fields overwrite, absent fields
// survive.
func TestUpdate(t *testing.T) {
	base, _, _ := startServer(t)

	task := createTask(t, base, "Original title", "original description")

	resp, body := doJSON(t, http.MethodPut, base+"/tasks/"+task.ID, map[string]any{
		"completed": true,
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("PUT /tasks/{id} = %d, want 200: %s", resp.StatusCode, body)
	}
	var got store.Task
	if err := json.Unmarshal(body, &got); err != nil {
		t.Fatalf("unmarshal task: %v", err)
	}
	if !got.Completed {
		t.Error("Completed = false, want true")
	}
	if got.Title != "Original title" {
		t.Errorf("Title = %q, want untouched original", got.Title)
	}

	resp, _ = doJSON(t, http.MethodPut, base+"/tasks/no-such-id", map[string]any{"completed": true})
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("PUT missing task = %d, want 404", resp.StatusCode)
	}
}

// TestToggle tests PATCH /tasks/{id}/toggle.
func TestToggle(t *testing.T) {
	base, _, _ := startServer(t)

	task := createTask(t, base, "Toggle me", "toggle description")

	resp, body := doJSON(t, http.MethodPatch, base+"/tasks/"+task.ID+"/toggle", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("PATCH toggle = %d, want 200", resp.StatusCode)
	}
	var got store.Task
	if err := json.Unmarshal(body, &got); err != nil {
		t.Fatalf("unmarshal task: %v", err)
	}
	if !got.Completed {
		t.Error("Completed = false after toggle, want true")
	}
}

// TestDelete_TombstoneExclusion tests that a deleted task leaves the live
// listing but shows in the change feed.
func TestDelete_TombstoneExclusion(t *testing.T) {
	base, _, _ := startServer(t)

	kept := createTask(t, base, "Kept task", "stays around")
	doomed := createTask(t, base, "Doomed task", "will be deleted")

	resp, _ := doJSON(t, http.MethodDelete, base+"/tasks/"+doomed.ID, nil)
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("DELETE = %d, want 204", resp.StatusCode)
	}

	resp, body := doJSON(t, http.MethodGet, base+"/tasks", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("GET /tasks = %d, want 200", resp.StatusCode)
	}
	var live []store.Task
	if err := json.Unmarshal(body, &live); err != nil {
		t.Fatalf("unmarshal list: %v", err)
	}
	if len(live) != 1 || live[0].ID != kept.ID {
		t.Errorf("live tasks = %+v, want only the kept task", live)
	}

	since := doomed.CreatedAt.Add(-time.Second).Format(time.RFC3339Nano)
	resp, body = doJSON(t, http.MethodGet, base+"/tasks/changes?since="+since, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("GET /tasks/changes = %d, want 200", resp.StatusCode)
	}
	var changes []store.Task
	if err := json.Unmarshal(body, &changes); err != nil {
		t.Fatalf("unmarshal changes: %v", err)
	}
	found := false
	for _, c := range changes {
		if c.ID == doomed.ID {
			found = true
			if c.DeletedAt == nil {
				t.Error("deleted task has no tombstone timestamp in the feed")
			}
		}
	}
	if !found {
		t.Error("deleted task missing from change feed")
	}
}

// TestChanges_MalformedSince tests that a bad since value is an input error,
// not the beginning of time.
func TestChanges_MalformedSince(t *testing.T) {
	base, _, _ := startServer(t)

	for _, since := range []string{"", "yesterday", "2025-13-99T99:99:99Z"} {
		resp, _ := doJSON(t, http.MethodGet, base+"/tasks/changes?since="+since, nil)
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("since=%q: status = %d, want 400", since, resp.StatusCode)
		}
	}
}

// TestSync_HTTP tests the full sync round trip over the wire.
func TestSync_HTTP(t *testing.T) {
	base, _, clk := startServer(t)

	first, body := doJSON(t, http.MethodPost, base+"/tasks/sync", map[string]any{
		"lastSyncTimestamp": "2025-06-01T00:00:00Z",
		"changes": []map[string]any{
			{
				"localId": 1,
				"action":  "create",
				"data": map[string]any{
					"title":       "Buy milk",
					"description": "2% milk, 1 gal",
					"completed":   false,
				},
			},
		},
	})
	if first.StatusCode != http.StatusOK {
		t.Fatalf("POST /tasks/sync = %d, want 200: %s", first.StatusCode, body)
	}

	var res struct {
		SyncTimestamp string `json:"syncTimestamp"`
		ServerChanges []struct {
			LocalID  *int64          `json:"localId"`
			ServerID string          `json:"serverId"`
			Action   string          `json:"action"`
			Data     json.RawMessage `json:"data"`
		} `json:"serverChanges"`
	}
	if err := json.Unmarshal(body, &res); err != nil {
		t.Fatalf("unmarshal sync response: %v", err)
	}

	if len(res.ServerChanges) != 1 {
		t.Fatalf("got %d server changes, want 1", len(res.ServerChanges))
	}
	sc := res.ServerChanges[0]
	if sc.Action != "create" {
		t.Errorf("action = %q, want create", sc.Action)
	}
	if sc.LocalID == nil || *sc.LocalID != 1 {
		t.Errorf("localId = %v, want 1", sc.LocalID)
	}
	if sc.ServerID == "" {
		t.Error("serverId is empty")
	}
	var data store.Task
	if err := json.Unmarshal(sc.Data, &data); err != nil {
		t.Fatalf("unmarshal change data: %v", err)
	}
	if data.Title != "Buy milk" {
		t.Errorf("data.title = %q, want 'Buy milk'", data.Title)
	}

	// Second round from the returned checkpoint: empty.
	clk.Advance(time.Second)
	second, body := doJSON(t, http.MethodPost, base+"/tasks/sync", map[string]any{
		"lastSyncTimestamp": res.SyncTimestamp,
		"changes":           []map[string]any{},
	})
	if second.StatusCode != http.StatusOK {
		t.Fatalf("second sync = %d, want 200: %s", second.StatusCode, body)
	}
	var res2 struct {
		ServerChanges []json.RawMessage `json:"serverChanges"`
	}
	if err := json.Unmarshal(body, &res2); err != nil {
		t.Fatalf("unmarshal second response: %v", err)
	}
	if len(res2.ServerChanges) != 0 {
		t.Errorf("second sync returned %d changes, want 0", len(res2.ServerChanges))
	}
}

// TestSync_MalformedTimestamp tests the top-level failure mode.
func TestSync_MalformedTimestamp(t *testing.T) {
	base, _, _ := startServer(t)

	resp, _ := doJSON(t, http.MethodPost, base+"/tasks/sync", map[string]any{
		"lastSyncTimestamp": "not-a-timestamp",
		"changes":           []map[string]any{},
	})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}

// TestSync_BadChangesSurvive tests that bad individual changes never fail
// the call: it still returns 200 with a partial result.
func TestSync_BadChangesSurvive(t *testing.T) {
	base, _, _ := startServer(t)

	resp, body := doJSON(t, http.MethodPost, base+"/tasks/sync", map[string]any{
		"lastSyncTimestamp": "2025-06-01T00:00:00Z",
		"changes": []map[string]any{
			{"action": "delete", "serverId": "no-such-task"},
			{
				"localId": 5,
				"action":  "create",
				"data": map[string]any{
					"title":       "Survivor",
					"description": "applied despite earlier failure",
					"completed":   false,
				},
			},
		},
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", resp.StatusCode, body)
	}

	var res struct {
		ServerChanges []struct {
			Action string `json:"action"`
		} `json:"serverChanges"`
	}
	if err := json.Unmarshal(body, &res); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if len(res.ServerChanges) != 1 || res.ServerChanges[0].Action != "create" {
		t.Errorf("serverChanges = %+v, want the surviving create only", res.ServerChanges)
	}
}

// TestCORSHeaders tests the permissive CORS middleware.
func TestCORSHeaders(t *testing.T) {
	base, _, _ := startServer(t)

	resp, _ := doJSON(t, http.MethodGet, base+"/healthz", nil)
	if got := resp.Header.Get("Access-Control-Allow-Origin"); got != "*" {
		t.Errorf("Access-Control-Allow-Origin = %q, want *", got)
	}

	req, _ := http.NewRequest(http.MethodOptions, base+"/tasks", nil)
	optResp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("OPTIONS failed: %v", err)
	}
	optResp.Body.Close()
	if optResp.StatusCode != http.StatusNoContent {
		t.Errorf("OPTIONS = %d, want 204", optResp.StatusCode)
	}
}
