package storage

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"

	"github.com/engramhq/engram/pkg/types"
)

var (
	// Bucket names
	bucketTasks     = []byte("tasks")
	bucketTaskDedup = []byte("task_dedup")
	bucketHubs      = []byte("hubs")
)

// BoltStore implements Store using BoltDB. Every mutating operation runs in
// a single Update transaction, which is what makes the queue's conditional
// operations (CreateTaskIfNotExists, AssignTask) atomic under concurrency.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore creates a new BoltDB-backed store
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "engram.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		buckets := [][]byte{
			bucketTasks,
			bucketTaskDedup,
			bucketHubs,
		}

		for _, bucket := range buckets {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})

	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

// Close closes the database
func (s *BoltStore) Close() error {
	return s.db.Close()
}

func newTaskFromSpec(spec types.TaskSpec) *types.Task {
	return &types.Task{
		ID:                   uuid.New().String(),
		Type:                 spec.Type,
		Status:               types.TaskStatusPending,
		RequiredCapability:   spec.RequiredCapability,
		FallbackCapabilities: spec.FallbackCapabilities,
		Payload:              spec.Payload,
		Priority:             spec.Priority,
		MaxRetries:           spec.MaxRetries,
		DeduplicationKey:     spec.DeduplicationKey,
		CreatedAt:            time.Now().UTC(),
	}
}

func putTask(tx *bolt.Tx, task *types.Task) error {
	data, err := json.Marshal(task)
	if err != nil {
		return err
	}
	return tx.Bucket(bucketTasks).Put([]byte(task.ID), data)
}

func getTask(tx *bolt.Tx, id string) (*types.Task, error) {
	data := tx.Bucket(bucketTasks).Get([]byte(id))
	if data == nil {
		return nil, nil
	}
	var task types.Task
	if err := json.Unmarshal(data, &task); err != nil {
		return nil, err
	}
	return &task, nil
}

// CreateTask inserts a new pending task. The dedup key is recorded so a
// later CreateTaskIfNotExists with the same key will coalesce against it.
func (s *BoltStore) CreateTask(spec types.TaskSpec) (*types.Task, error) {
	task := newTaskFromSpec(spec)
	err := s.db.Update(func(tx *bolt.Tx) error {
		if task.DeduplicationKey != "" {
			if err := tx.Bucket(bucketTaskDedup).Put([]byte(task.DeduplicationKey), []byte(task.ID)); err != nil {
				return err
			}
		}
		return putTask(tx, task)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create task: %w", err)
	}
	return task, nil
}

// CreateTaskIfNotExists inserts only when no non-terminal task holds the
// same deduplication key. Returns (nil, nil) on an active duplicate.
func (s *BoltStore) CreateTaskIfNotExists(spec types.TaskSpec) (*types.Task, error) {
	task := newTaskFromSpec(spec)
	var duplicate bool
	err := s.db.Update(func(tx *bolt.Tx) error {
		dedup := tx.Bucket(bucketTaskDedup)
		if id := dedup.Get([]byte(task.DeduplicationKey)); id != nil {
			existing, err := getTask(tx, string(id))
			if err != nil {
				return err
			}
			if existing != nil && !existing.Status.Terminal() {
				duplicate = true
				return nil
			}
		}
		if err := dedup.Put([]byte(task.DeduplicationKey), []byte(task.ID)); err != nil {
			return err
		}
		return putTask(tx, task)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create task: %w", err)
	}
	if duplicate {
		return nil, nil
	}
	return task, nil
}

// GetTask retrieves a task by id, (nil, nil) if missing.
func (s *BoltStore) GetTask(id string) (*types.Task, error) {
	var task *types.Task
	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		task, err = getTask(tx, id)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get task: %w", err)
	}
	return task, nil
}

// UpdateTaskStatus sets the status and applies the optional patch. Terminal
// transitions stamp CompletedAt and release the deduplication key.
func (s *BoltStore) UpdateTaskStatus(id string, status types.TaskStatus, patch *TaskPatch) (*types.Task, error) {
	var task *types.Task
	err := s.db.Update(func(tx *bolt.Tx) error {
		var err error
		task, err = getTask(tx, id)
		if err != nil || task == nil {
			return err
		}

		task.Status = status
		if patch != nil {
			if patch.Result != nil {
				task.Result = patch.Result
			}
			if patch.Error != nil {
				task.Error = *patch.Error
			}
			if patch.RetryCount != nil {
				task.RetryCount = *patch.RetryCount
			}
		}
		if status.Terminal() {
			task.CompletedAt = time.Now().UTC()
			if task.DeduplicationKey != "" {
				dedup := tx.Bucket(bucketTaskDedup)
				if owner := dedup.Get([]byte(task.DeduplicationKey)); string(owner) == task.ID {
					if err := dedup.Delete([]byte(task.DeduplicationKey)); err != nil {
						return err
					}
				}
			}
		}
		if status == types.TaskStatusPending {
			// Re-queued tasks shed their previous assignment.
			task.AssignedWorkerID = ""
			task.AssignedAt = time.Time{}
		}
		return putTask(tx, task)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to update task status: %w", err)
	}
	return task, nil
}

// AssignTask transitions pending → assigned for the given worker. The check
// and the write share one transaction, so concurrent dispatchers racing on
// the same task see exactly one winner. Returns (nil, nil) when the task is
// missing or no longer pending.
func (s *BoltStore) AssignTask(id, workerID string) (*types.Task, error) {
	var task *types.Task
	err := s.db.Update(func(tx *bolt.Tx) error {
		t, err := getTask(tx, id)
		if err != nil || t == nil {
			return err
		}
		if t.Status != types.TaskStatusPending {
			return nil
		}
		t.Status = types.TaskStatusAssigned
		t.AssignedWorkerID = workerID
		t.AssignedAt = time.Now().UTC()
		task = t
		return putTask(tx, t)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to assign task: %w", err)
	}
	return task, nil
}

// NextPendingTask scans for the best dispatchable candidate: highest
// priority first, oldest creation time on ties.
func (s *BoltStore) NextPendingTask(available map[types.Capability]bool) (*types.Task, error) {
	var best *types.Task
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketTasks).ForEach(func(k, v []byte) error {
			var task types.Task
			if err := json.Unmarshal(v, &task); err != nil {
				return err
			}
			if task.Status != types.TaskStatusPending || !task.Matches(available) {
				return nil
			}
			if best == nil ||
				task.Priority > best.Priority ||
				(task.Priority == best.Priority && task.CreatedAt.Before(best.CreatedAt)) {
				t := task
				best = &t
			}
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan pending tasks: %w", err)
	}
	return best, nil
}

// TasksByWorker returns all tasks currently attributed to a worker.
func (s *BoltStore) TasksByWorker(workerID string) ([]*types.Task, error) {
	return s.ListTasks(TaskFilter{WorkerID: workerID}, ListOptions{})
}

// ListTasks returns tasks matching the filter, newest first.
func (s *BoltStore) ListTasks(filter TaskFilter, page ListOptions) ([]*types.Task, error) {
	var tasks []*types.Task
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketTasks).ForEach(func(k, v []byte) error {
			var task types.Task
			if err := json.Unmarshal(v, &task); err != nil {
				return err
			}
			if filter.Status != "" && task.Status != filter.Status {
				return nil
			}
			if filter.Type != "" && task.Type != filter.Type {
				return nil
			}
			if filter.WorkerID != "" && task.AssignedWorkerID != filter.WorkerID {
				return nil
			}
			tasks = append(tasks, &task)
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}

	sort.Slice(tasks, func(i, j int) bool {
		return tasks[i].CreatedAt.After(tasks[j].CreatedAt)
	})

	if page.Offset > 0 {
		if page.Offset >= len(tasks) {
			return nil, nil
		}
		tasks = tasks[page.Offset:]
	}
	if page.Limit > 0 && len(tasks) > page.Limit {
		tasks = tasks[:page.Limit]
	}
	return tasks, nil
}

// CountTasksByStatus returns the number of tasks per status.
func (s *BoltStore) CountTasksByStatus() (map[types.TaskStatus]int, error) {
	counts := make(map[types.TaskStatus]int)
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketTasks).ForEach(func(k, v []byte) error {
			var task types.Task
			if err := json.Unmarshal(v, &task); err != nil {
				return err
			}
			counts[task.Status]++
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("failed to count tasks: %w", err)
	}
	return counts, nil
}

// CleanupTasks deletes terminal rows past the retention window. Idempotent
// on a quiescent store.
func (s *BoltStore) CleanupTasks(olderThan time.Duration) (int, error) {
	cutoff := time.Now().UTC().Add(-olderThan)
	deleted := 0
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTasks)
		c := b.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var task types.Task
			if err := json.Unmarshal(v, &task); err != nil {
				return err
			}
			if !task.Status.Terminal() {
				continue
			}
			finished := task.CompletedAt
			if finished.IsZero() {
				finished = task.CreatedAt
			}
			if finished.Before(cutoff) {
				if err := c.Delete(); err != nil {
					return err
				}
				deleted++
			}
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to cleanup tasks: %w", err)
	}
	return deleted, nil
}

// BatchUpdateTaskStatus applies one status to many tasks, skipping missing
// ids, and returns how many rows changed.
func (s *BoltStore) BatchUpdateTaskStatus(ids []string, status types.TaskStatus) (int, error) {
	updated := 0
	err := s.db.Update(func(tx *bolt.Tx) error {
		for _, id := range ids {
			task, err := getTask(tx, id)
			if err != nil {
				return err
			}
			if task == nil {
				continue
			}
			task.Status = status
			if status.Terminal() {
				task.CompletedAt = time.Now().UTC()
			}
			if status == types.TaskStatusPending {
				task.AssignedWorkerID = ""
				task.AssignedAt = time.Time{}
			}
			if err := putTask(tx, task); err != nil {
				return err
			}
			updated++
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to batch update tasks: %w", err)
	}
	return updated, nil
}

// --- Hub Registry ---

// UpsertHub inserts or updates a hub keyed by name.
func (s *BoltStore) UpsertHub(hub *types.Hub) (*types.Hub, error) {
	now := time.Now().UTC()
	var stored types.Hub
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketHubs)

		existing, err := findHubByName(tx, hub.Name)
		if err != nil {
			return err
		}

		stored = *hub
		if existing != nil {
			stored.ID = existing.ID
			stored.CreatedAt = existing.CreatedAt
		} else {
			if stored.ID == "" {
				stored.ID = uuid.New().String()
			}
			stored.CreatedAt = now
		}
		stored.UpdatedAt = now

		data, err := json.Marshal(&stored)
		if err != nil {
			return err
		}
		return b.Put([]byte(stored.ID), data)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to upsert hub: %w", err)
	}
	return &stored, nil
}

func findHubByName(tx *bolt.Tx, name string) (*types.Hub, error) {
	var found *types.Hub
	err := tx.Bucket(bucketHubs).ForEach(func(k, v []byte) error {
		var hub types.Hub
		if err := json.Unmarshal(v, &hub); err != nil {
			return err
		}
		if hub.Name == name {
			found = &hub
		}
		return nil
	})
	return found, err
}

// GetHub retrieves a hub by id, (nil, nil) if missing.
func (s *BoltStore) GetHub(id string) (*types.Hub, error) {
	var hub *types.Hub
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketHubs).Get([]byte(id))
		if data == nil {
			return nil
		}
		hub = &types.Hub{}
		return json.Unmarshal(data, hub)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get hub: %w", err)
	}
	return hub, nil
}

// GetHubByName retrieves a hub by name, (nil, nil) if missing.
func (s *BoltStore) GetHubByName(name string) (*types.Hub, error) {
	var hub *types.Hub
	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		hub, err = findHubByName(tx, name)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get hub: %w", err)
	}
	return hub, nil
}

// ListHubs returns all known hubs.
func (s *BoltStore) ListHubs() ([]*types.Hub, error) {
	var hubs []*types.Hub
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketHubs).ForEach(func(k, v []byte) error {
			var hub types.Hub
			if err := json.Unmarshal(v, &hub); err != nil {
				return err
			}
			hubs = append(hubs, &hub)
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list hubs: %w", err)
	}
	return hubs, nil
}

// UpdateHubStatus sets only the status of a hub.
func (s *BoltStore) UpdateHubStatus(id string, status types.HubStatus) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketHubs)
		data := b.Get([]byte(id))
		if data == nil {
			return nil
		}
		var hub types.Hub
		if err := json.Unmarshal(data, &hub); err != nil {
			return err
		}
		hub.Status = status
		hub.UpdatedAt = time.Now().UTC()
		out, err := json.Marshal(&hub)
		if err != nil {
			return err
		}
		return b.Put([]byte(id), out)
	})
	if err != nil {
		return fmt.Errorf("failed to update hub status: %w", err)
	}
	return nil
}

// DeleteHub removes a hub from the registry.
func (s *BoltStore) DeleteHub(id string) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketHubs).Delete([]byte(id))
	})
	if err != nil {
		return fmt.Errorf("failed to delete hub: %w", err)
	}
	return nil
}
