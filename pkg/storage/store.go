package storage

import (
	"encoding/json"
	"time"

	"github.com/engramhq/engram/pkg/types"
)

// TaskPatch carries optional fields applied alongside a status transition.
// Nil fields are left untouched.
type TaskPatch struct {
	Result     json.RawMessage
	Error      *string
	RetryCount *int
}

// TaskFilter narrows ListTasks. Zero values match everything.
type TaskFilter struct {
	Status   types.TaskStatus
	Type     types.TaskType
	WorkerID string
}

// ListOptions provides paging for ListTasks. Limit <= 0 means no limit.
type ListOptions struct {
	Limit  int
	Offset int
}

// TaskStore is the task queue's storage contract. All operations are atomic
// with respect to concurrent callers. Lookups for nonexistent ids return
// (nil, nil); only storage failures surface as errors.
type TaskStore interface {
	// CreateTask inserts a new pending row. The deduplication key is stored
	// but not consulted; use CreateTaskIfNotExists to coalesce duplicates.
	CreateTask(spec types.TaskSpec) (*types.Task, error)

	// CreateTaskIfNotExists inserts only if no task with the same
	// deduplication key is currently non-terminal. Returns (nil, nil) when a
	// duplicate is active.
	CreateTaskIfNotExists(spec types.TaskSpec) (*types.Task, error)

	GetTask(id string) (*types.Task, error)

	// UpdateTaskStatus sets the status and applies the optional patch. It
	// stamps CompletedAt on any transition into a terminal state and does not
	// validate the transition source; callers own the state machine.
	UpdateTaskStatus(id string, status types.TaskStatus, patch *TaskPatch) (*types.Task, error)

	// AssignTask is a compare-and-swap: it succeeds only while the task is
	// still pending, setting assigned status, worker id and AssignedAt.
	// Returns (nil, nil) when the precondition is unmet.
	AssignTask(id, workerID string) (*types.Task, error)

	// NextPendingTask returns the highest-priority pending task whose
	// required or fallback capability lies in the given set, oldest first on
	// ties, or (nil, nil) when none match.
	NextPendingTask(available map[types.Capability]bool) (*types.Task, error)

	TasksByWorker(workerID string) ([]*types.Task, error)
	ListTasks(filter TaskFilter, page ListOptions) ([]*types.Task, error)
	CountTasksByStatus() (map[types.TaskStatus]int, error)

	// CleanupTasks deletes terminal rows whose completion is older than the
	// retention window and returns how many were removed.
	CleanupTasks(olderThan time.Duration) (int, error)

	BatchUpdateTaskStatus(ids []string, status types.TaskStatus) (int, error)
}

// HubStore persists the registry of known external hubs, unique by name.
type HubStore interface {
	// UpsertHub inserts or updates a hub keyed by name, preserving the
	// original id and creation time on update.
	UpsertHub(hub *types.Hub) (*types.Hub, error)

	GetHub(id string) (*types.Hub, error)
	GetHubByName(name string) (*types.Hub, error)
	ListHubs() ([]*types.Hub, error)
	UpdateHubStatus(id string, status types.HubStatus) error
	DeleteHub(id string) error
}

// Store is the combined persistence surface of the backend.
type Store interface {
	TaskStore
	HubStore

	Close() error
}
