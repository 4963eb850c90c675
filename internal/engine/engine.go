// Package engine implements the sync reconciliation algorithm.
//
// A sync call carries the client's checkpoint (the timestamp returned by the
// previous sync) and the batch of changes the client accumulated while
// offline. The engine applies the batch to the task store, queries the
// change feed from the original checkpoint, merges the two change sets with
// at most one entry per task id, and mints a fresh checkpoint for the next
// round.
//
// The engine is stateless across calls; the only persisted state lives in
// the task store. It is resilient the same way the store sync daemon is:
// one bad change is logged and dropped, the rest of the batch proceeds.
package engine

import (
	"context"
	"log"
	"os"
	"time"

	"github.com/taskwell/taskwell/internal/clock"
	"github.com/taskwell/taskwell/internal/store"
)

// Action identifies what a change does to a task.
type Action string

const (
	ActionCreate Action = "create"
	ActionUpdate Action = "update"
	ActionDelete Action = "delete"
)

// Payload carries the task fields of an inbound change.
type Payload struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	Completed   bool   `json:"completed"`
	UpdatedAt   string `json:"updatedAt,omitempty"`
}

// validate checks the payload against the task field constraints. A
// violating payload fails its change the same way a store error does: the
// change is logged and skipped, the call proceeds.
func (p *Payload) validate() error {
	if err := store.ValidateTitle(p.Title); err != nil {
		return err
	}
	return store.ValidateDescription(p.Description)
}

// Change is one unit of the inbound batch.
//
// LocalID is a client-local correlation id, meaningful only on creates: it
// is echoed back unchanged so the client can bind its local record to the
// server-assigned id. ServerID is required for updates and deletes.
type Change struct {
	LocalID  *int64   `json:"localId,omitempty"`
	ServerID string   `json:"serverId,omitempty"`
	Action   Action   `json:"action"`
	Data     *Payload `json:"data,omitempty"`
}

// ServerChange is one unit of the outbound delta.
//
// The action is the variant tag: create and update carry the full stored
// task in Data, delete carries no payload at all (Data is nil and absent on
// the wire).
type ServerChange struct {
	LocalID  *int64      `json:"localId,omitempty"`
	ServerID string      `json:"serverId"`
	Action   Action      `json:"action"`
	Data     *store.Task `json:"data,omitempty"`
}

// Result is the outcome of one sync call.
//
// SyncTimestamp is the new checkpoint: the server clock at response
// construction, never derived from any task's updated_at, so it safely
// exceeds every change just processed. Applied and Failed count inbound
// changes for observability only; the wire contract does not report which
// changes failed.
type Result struct {
	SyncTimestamp time.Time
	Changes       []ServerChange
	Applied       int
	Failed        int
}

// TaskStore is the store contract the engine consumes.
type TaskStore interface {
	Create(ctx context.Context, title, description string) (*store.Task, error)
	Update(ctx context.Context, id string, fields store.Fields) (*store.Task, error)
	SoftDelete(ctx context.Context, id string) error
	ChangesSince(ctx context.Context, t time.Time) ([]*store.Task, error)
}

// Engine reconciles client batches against the authoritative store.
type Engine struct {
	store  TaskStore
	clock  clock.Clock
	logger *log.Logger
}

// New creates an Engine. If logger is nil, a default logger writing to
// stderr is used. If clk is nil, the system clock is used.
func New(ts TaskStore, clk clock.Clock, logger *log.Logger) *Engine {
	if clk == nil {
		clk = clock.System()
	}
	if logger == nil {
		logger = log.New(os.Stderr, "[engine] ", log.LstdFlags)
	}
	return &Engine{store: ts, clock: clk, logger: logger}
}

// Sync runs one reconciliation round.
//
// since is the client's checkpoint; changes is the inbound batch in client
// order. Per-change failures (invalid payload, missing target, store error)
// are logged and dropped without aborting the call. Sync returns an error only when the
// call as a whole cannot execute, which with a healthy store does not
// happen.
//
// There is no idempotency key: retrying the same batch after a timeout will
// create duplicate tasks for every create in it. Known limitation.
func (e *Engine) Sync(ctx context.Context, since time.Time, changes []Change) (*Result, error) {
	res := &Result{}

	// Apply phase. Strict list order; within the batch the last outcome
	// for a task id wins, so update-then-delete leaves only the delete.
	var outbound []ServerChange
	position := make(map[string]int)

	record := func(sc ServerChange) {
		if i, ok := position[sc.ServerID]; ok {
			outbound[i] = sc
			return
		}
		position[sc.ServerID] = len(outbound)
		outbound = append(outbound, sc)
	}

	for i, change := range changes {
		switch change.Action {
		case ActionCreate:
			if change.Data == nil {
				e.logger.Printf("WARNING: change %d: create without data, skipped", i)
				res.Failed++
				continue
			}
			if err := change.Data.validate(); err != nil {
				e.logger.Printf("WARNING: change %d: create rejected: %v", i, err)
				res.Failed++
				continue
			}
			// data.completed is ignored: new tasks always start
			// incomplete, matching the store's create contract.
			task, err := e.store.Create(ctx, change.Data.Title, change.Data.Description)
			if err != nil {
				e.logger.Printf("WARNING: change %d: create failed: %v", i, err)
				res.Failed++
				continue
			}
			record(ServerChange{
				LocalID:  change.LocalID,
				ServerID: task.ID,
				Action:   ActionCreate,
				Data:     task,
			})
			res.Applied++

		case ActionUpdate:
			if change.ServerID == "" {
				e.logger.Printf("WARNING: change %d: update without serverId, skipped", i)
				res.Failed++
				continue
			}
			if change.Data == nil {
				e.logger.Printf("WARNING: change %d: update without data, skipped", i)
				res.Failed++
				continue
			}
			if err := change.Data.validate(); err != nil {
				e.logger.Printf("WARNING: change %d: update %s rejected: %v", i, change.ServerID, err)
				res.Failed++
				continue
			}
			task, err := e.store.Update(ctx, change.ServerID, store.Fields{
				Title:       &change.Data.Title,
				Description: &change.Data.Description,
				Completed:   &change.Data.Completed,
			})
			if err != nil {
				e.logger.Printf("WARNING: change %d: update %s failed: %v", i, change.ServerID, err)
				res.Failed++
				continue
			}
			record(ServerChange{
				ServerID: task.ID,
				Action:   ActionUpdate,
				Data:     task,
			})
			res.Applied++

		case ActionDelete:
			if change.ServerID == "" {
				e.logger.Printf("WARNING: change %d: delete without serverId, skipped", i)
				res.Failed++
				continue
			}
			if err := e.store.SoftDelete(ctx, change.ServerID); err != nil {
				e.logger.Printf("WARNING: change %d: delete %s failed: %v", i, change.ServerID, err)
				res.Failed++
				continue
			}
			record(ServerChange{
				ServerID: change.ServerID,
				Action:   ActionDelete,
			})
			res.Applied++

		default:
			e.logger.Printf("WARNING: change %d: unknown action %q, skipped", i, change.Action)
			res.Failed++
		}
	}

	// Feed phase. Query from the original checkpoint, not anything
	// observed during the apply phase, so changes from concurrent
	// sessions since the client's last sync are picked up too.
	feed, err := e.store.ChangesSince(ctx, since)
	if err != nil {
		return nil, err
	}

	// Merge phase: feed entries for ids already in the apply output are
	// duplicates of what we just processed and are dropped.
	for _, task := range feed {
		if _, ok := position[task.ID]; ok {
			continue
		}
		sc := ServerChange{ServerID: task.ID}
		if task.Deleted() {
			sc.Action = ActionDelete
		} else {
			sc.Action = ActionUpdate
			sc.Data = task
		}
		position[task.ID] = len(outbound)
		outbound = append(outbound, sc)
	}

	res.Changes = outbound
	res.SyncTimestamp = e.clock.Now().UTC()
	return res, nil
}
