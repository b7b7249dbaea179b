package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/engramhq/engram/pkg/types"
)

// Close codes used on the worker and federation sockets.
const (
	CloseNormal              = 1000
	CloseGoingAway           = 1001
	CloseAuthTimeout         = 4001
	CloseUnexpectedAuth      = 4002
	CloseInvalidToken        = 4003
	CloseRegisterWithoutAuth = 4004
	CloseHeartbeatTimeout    = 4005
)

// Message types on the worker socket. The message set is closed: an
// unrecognized type is a protocol error.
const (
	// Worker → hub
	TypeAuth         = "auth"
	TypeRegister     = "register"
	TypeHeartbeat    = "heartbeat"
	TypeTaskComplete = "task:complete"
	TypeTaskError    = "task:error"
	TypeTaskProgress = "task:progress"
	TypeShutdown     = "shutdown"

	// Hub → worker
	TypeConnectionPending = "connection:pending"
	TypeAuthSuccess       = "auth:success"
	TypeAuthFailed        = "auth:failed"
	TypeRegistered        = "registered"
	TypeHeartbeatAck      = "heartbeat:ack"
	TypeTaskAssign        = "task:assign"
	TypeTaskCancel        = "task:cancel"
	TypeServerShutdown    = "server:shutdown"
)

// Message types on the federation socket. Mirrors the worker set with a
// "hub:" prefix; auth and shutdown frames are shared with the worker socket.
const (
	TypeHubRegister     = "hub:register"
	TypeHubHealth       = "hub:health"
	TypeHubTaskComplete = "hub:task:complete"
	TypeHubTaskError    = "hub:task:error"
	TypeHubTaskProgress = "hub:task:progress"
	TypeHubShutdown     = "hub:shutdown"

	TypeHubRegistered = "hub:registered"
	TypeHubHealthAck  = "hub:health:ack"
	TypeHubTaskAssign = "hub:task:assign"
	TypeHubTaskCancel = "hub:task:cancel"
)

// Envelope carries just the discriminator; the full frame is re-decoded into
// the concrete message once the type is known.
type Envelope struct {
	Type string `json:"type"`
}

// Auth is sent by a worker or hub when the server has an auth token configured.
type Auth struct {
	Type  string `json:"type"`
	Token string `json:"token"`
}

// Register announces a worker's capabilities after authentication.
type Register struct {
	Type         string               `json:"type"`
	Capabilities []types.Capability   `json:"capabilities"`
	Metadata     types.WorkerMetadata `json:"metadata"`
}

// Heartbeat is a worker liveness ping.
type Heartbeat struct {
	Type     string `json:"type"`
	WorkerID string `json:"workerId"`
}

// TaskComplete reports a successfully processed task.
type TaskComplete struct {
	Type             string          `json:"type"`
	WorkerID         string          `json:"workerId"`
	TaskID           string          `json:"taskId"`
	Result           json.RawMessage `json:"result"`
	ProcessingTimeMs int64           `json:"processingTimeMs"`
}

// TaskError reports a failed task. Retryable errors re-enter the queue until
// the task's retry budget is exhausted.
type TaskError struct {
	Type      string `json:"type"`
	WorkerID  string `json:"workerId"`
	TaskID    string `json:"taskId"`
	Error     string `json:"error"`
	Retryable bool   `json:"retryable"`
}

// TaskProgress reports intermediate progress in [0,1].
type TaskProgress struct {
	Type     string  `json:"type"`
	WorkerID string  `json:"workerId"`
	TaskID   string  `json:"taskId"`
	Progress float64 `json:"progress"`
	Message  string  `json:"message,omitempty"`
}

// Shutdown announces a voluntary worker departure.
type Shutdown struct {
	Type     string `json:"type"`
	WorkerID string `json:"workerId"`
	Reason   string `json:"reason,omitempty"`
}

// AuthFailed is the rejection reply to a bad Auth frame.
type AuthFailed struct {
	Type   string `json:"type"`
	Reason string `json:"reason"`
}

// Registered confirms registration and carries the server-assigned id. On the
// federation socket the type is "hub:registered" and WorkerID holds the hub id.
type Registered struct {
	Type     string `json:"type"`
	WorkerID string `json:"workerId"`
}

// AssignedTask is the task subset shipped inside a TaskAssign frame.
type AssignedTask struct {
	ID      string          `json:"id"`
	Type    types.TaskType  `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// TaskAssign hands a task to a worker (or a downstream hub when the type is
// "hub:task:assign"). Capability names the capability the assignment was
// matched on, which may be one of the task's fallbacks.
type TaskAssign struct {
	Type       string           `json:"type"`
	Task       AssignedTask     `json:"task"`
	Capability types.Capability `json:"capability"`
}

// TaskCancel asks a worker to abort a task. Advisory: the dispatcher waits
// for the worker's terminal reply rather than forcing the task state.
type TaskCancel struct {
	Type   string `json:"type"`
	TaskID string `json:"taskId"`
	Reason string `json:"reason,omitempty"`
}

// HubRegister announces a downstream hub and its advertised pool.
type HubRegister struct {
	Type         string             `json:"type"`
	Name         string             `json:"name"`
	Priority     int                `json:"priority"`
	Weight       int                `json:"weight"`
	Region       string             `json:"region,omitempty"`
	Labels       map[string]string  `json:"labels,omitempty"`
	Capabilities []types.Capability `json:"capabilities"`
}

// HubHealth is the periodic aggregate report that replaces per-worker
// heartbeats on the federation socket.
type HubHealth struct {
	Type             string             `json:"type"`
	HubID            string             `json:"hubId"`
	Status           types.HubStatus    `json:"status"`
	ConnectedWorkers int                `json:"connectedWorkers"`
	ActiveWorkers    int                `json:"activeWorkers"`
	AvgLatencyMs     float64            `json:"avgLatencyMs"`
	Capabilities     []types.Capability `json:"capabilities"`
}

// HubTaskComplete mirrors TaskComplete for hub-routed tasks.
type HubTaskComplete struct {
	Type             string          `json:"type"`
	HubID            string          `json:"hubId"`
	TaskID           string          `json:"taskId"`
	Result           json.RawMessage `json:"result"`
	ProcessingTimeMs int64           `json:"processingTimeMs"`
}

// HubTaskError mirrors TaskError for hub-routed tasks.
type HubTaskError struct {
	Type      string `json:"type"`
	HubID     string `json:"hubId"`
	TaskID    string `json:"taskId"`
	Error     string `json:"error"`
	Retryable bool   `json:"retryable"`
}

// HubTaskProgress mirrors TaskProgress for hub-routed tasks.
type HubTaskProgress struct {
	Type     string  `json:"type"`
	HubID    string  `json:"hubId"`
	TaskID   string  `json:"taskId"`
	Progress float64 `json:"progress"`
	Message  string  `json:"message,omitempty"`
}

// HubShutdown announces a voluntary hub departure.
type HubShutdown struct {
	Type   string `json:"type"`
	HubID  string `json:"hubId"`
	Reason string `json:"reason,omitempty"`
}

// Simple creates a frame that carries only a type discriminator.
func Simple(msgType string) Envelope {
	return Envelope{Type: msgType}
}

// Decode extracts the type discriminator from a raw frame.
func Decode(data []byte) (string, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", fmt.Errorf("malformed frame: %w", err)
	}
	if env.Type == "" {
		return "", fmt.Errorf("frame missing type")
	}
	return env.Type, nil
}
