package types

import (
	"encoding/json"
	"strings"
	"time"
)

// TaskType identifies the kind of background job a task carries.
type TaskType string

const (
	TaskTypeObservation     TaskType = "observation"
	TaskTypeSummarize       TaskType = "summarize"
	TaskTypeEmbedding       TaskType = "embedding"
	TaskTypeContextGenerate TaskType = "context-generate"
	TaskTypeClaudeMd        TaskType = "claude-md"
	TaskTypeQdrantSync      TaskType = "qdrant-sync"
	TaskTypeSemanticSearch  TaskType = "semantic-search"
	TaskTypeCompression     TaskType = "compression"
)

// TaskStatus represents the lifecycle state of a task.
type TaskStatus string

const (
	TaskStatusPending    TaskStatus = "pending"
	TaskStatusAssigned   TaskStatus = "assigned"
	TaskStatusProcessing TaskStatus = "processing"
	TaskStatusCompleted  TaskStatus = "completed"
	TaskStatusFailed     TaskStatus = "failed"
	TaskStatusTimeout    TaskStatus = "timeout"
)

// Terminal reports whether the status is a final state. Terminal rows
// release their deduplication key and become eligible for cleanup.
func (s TaskStatus) Terminal() bool {
	return s == TaskStatusCompleted || s == TaskStatusFailed || s == TaskStatusTimeout
}

// Capability is an opaque string of the form "kind:provider"
// (e.g. "observation:mistral") advertised by workers and required by tasks.
type Capability string

// Kind returns the task-kind half of the capability string.
func (c Capability) Kind() string {
	if i := strings.IndexByte(string(c), ':'); i >= 0 {
		return string(c)[:i]
	}
	return string(c)
}

// Provider returns the provider half of the capability string, or "" if absent.
func (c Capability) Provider() string {
	if i := strings.IndexByte(string(c), ':'); i >= 0 {
		return string(c)[i+1:]
	}
	return ""
}

// MakeCapability builds a "kind:provider" capability string. An empty
// provider yields a bare kind.
func MakeCapability(kind, provider string) Capability {
	if provider == "" {
		return Capability(kind)
	}
	return Capability(kind + ":" + provider)
}

// Task is a durable job record.
type Task struct {
	ID                   string          `json:"id"`
	Type                 TaskType        `json:"type"`
	Status               TaskStatus      `json:"status"`
	RequiredCapability   Capability      `json:"required_capability"`
	FallbackCapabilities []Capability    `json:"fallback_capabilities,omitempty"`
	Payload              json.RawMessage `json:"payload,omitempty"`
	Priority             int             `json:"priority"`
	RetryCount           int             `json:"retry_count"`
	MaxRetries           int             `json:"max_retries"`
	DeduplicationKey     string          `json:"deduplication_key,omitempty"`
	AssignedWorkerID     string          `json:"assigned_worker_id,omitempty"`
	CreatedAt            time.Time       `json:"created_at"`
	AssignedAt           time.Time       `json:"assigned_at,omitempty"`
	CompletedAt          time.Time       `json:"completed_at,omitempty"`
	Result               json.RawMessage `json:"result,omitempty"`
	Error                string          `json:"error,omitempty"`
}

// Matches reports whether the task's required capability or any of its
// fallbacks is contained in the given set.
func (t *Task) Matches(available map[Capability]bool) bool {
	if available[t.RequiredCapability] {
		return true
	}
	for _, c := range t.FallbackCapabilities {
		if available[c] {
			return true
		}
	}
	return false
}

// TaskSpec describes a task to be created. IDs, timestamps and the initial
// pending status are assigned by the store.
type TaskSpec struct {
	Type                 TaskType
	RequiredCapability   Capability
	FallbackCapabilities []Capability
	Payload              json.RawMessage
	Priority             int
	MaxRetries           int
	DeduplicationKey     string
}

// WorkerMetadata is provenance reported by a worker at registration.
type WorkerMetadata struct {
	Version  string `json:"version,omitempty"`
	Hostname string `json:"hostname,omitempty"`
	SpawnID  string `json:"spawn_id,omitempty"`
}

// Worker is the in-memory record of a connected worker process. Workers are
// never persisted; the record lives for the duration of the connection.
type Worker struct {
	ID            string         `json:"id"`
	Capabilities  []Capability   `json:"capabilities"`
	Metadata      WorkerMetadata `json:"metadata"`
	ConnectedAt   time.Time      `json:"connected_at"`
	LastHeartbeat time.Time      `json:"last_heartbeat"`
	CurrentTaskID string         `json:"current_task_id,omitempty"`
	Authenticated bool           `json:"authenticated"`
}

// Has reports whether the worker advertises the capability.
func (w *Worker) Has(c Capability) bool {
	for _, have := range w.Capabilities {
		if have == c {
			return true
		}
	}
	return false
}

// Idle reports whether the worker can accept a task.
func (w *Worker) Idle() bool {
	return w.CurrentTaskID == ""
}

// HubType distinguishes the local pool from federated external pools.
type HubType string

const (
	HubTypeLocal    HubType = "local"
	HubTypeExternal HubType = "external"
)

// HubStatus tracks the health of a federated hub.
type HubStatus string

const (
	HubStatusHealthy   HubStatus = "healthy"
	HubStatusDegraded  HubStatus = "degraded"
	HubStatusUnhealthy HubStatus = "unhealthy"
	HubStatusOffline   HubStatus = "offline"
)

// Routable reports whether tasks may be sent through a hub in this state.
func (s HubStatus) Routable() bool {
	return s == HubStatusHealthy || s == HubStatusDegraded
}

// Hub is the durable record of a known external hub. A connected hub also
// has an in-memory session owned by the federation handler.
type Hub struct {
	ID               string            `json:"id"`
	Name             string            `json:"name"`
	Type             HubType           `json:"type"`
	Priority         int               `json:"priority"`
	Weight           int               `json:"weight"`
	Region           string            `json:"region,omitempty"`
	Labels           map[string]string `json:"labels,omitempty"`
	Status           HubStatus         `json:"status"`
	ConnectedWorkers int               `json:"connected_workers"`
	ActiveWorkers    int               `json:"active_workers"`
	AvgLatencyMs     float64           `json:"avg_latency_ms"`
	Capabilities     []Capability      `json:"capabilities,omitempty"`
	LastHealthReport time.Time         `json:"last_health_report,omitempty"`
	CreatedAt        time.Time         `json:"created_at"`
	UpdatedAt        time.Time         `json:"updated_at"`
}

// Has reports whether the hub advertises the capability.
func (h *Hub) Has(c Capability) bool {
	for _, have := range h.Capabilities {
		if have == c {
			return true
		}
	}
	return false
}
