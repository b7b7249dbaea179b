package hub

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/engramhq/engram/pkg/events"
	"github.com/engramhq/engram/pkg/log"
	"github.com/engramhq/engram/pkg/metrics"
	"github.com/engramhq/engram/pkg/protocol"
	"github.com/engramhq/engram/pkg/types"
)

// TaskEvents is the sink for worker lifecycle and task replies. The
// dispatcher implements it; the hub never imports the dispatcher.
type TaskEvents interface {
	OnWorkerConnected(worker types.Worker)
	OnWorkerDisconnected(workerID string)
	OnTaskComplete(workerID, taskID string, result json.RawMessage, processingTimeMs int64)
	OnTaskError(workerID, taskID, errMsg string, retryable bool)
	OnTaskProgress(workerID, taskID string, progress float64, message string)
}

// Config holds worker hub configuration.
type Config struct {
	AuthToken           string        // empty disables authentication
	AuthTimeout         time.Duration // default 10s
	HeartbeatInterval   time.Duration // default 30s
	MaxMissedHeartbeats int           // default 3
	WriteTimeout        time.Duration // default 10s
}

func (c *Config) applyDefaults() {
	if c.AuthTimeout <= 0 {
		c.AuthTimeout = 10 * time.Second
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 30 * time.Second
	}
	if c.MaxMissedHeartbeats <= 0 {
		c.MaxMissedHeartbeats = 3
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
}

type connState int

const (
	statePendingAuth connState = iota
	stateAuthenticated
	stateRegistered
)

// conn is one worker socket. Writes are serialized by writeMu; the worker
// field is owned by the hub mutex once registered.
type conn struct {
	ws        *websocket.Conn
	writeMu   sync.Mutex
	state     connState
	worker    *types.Worker // nil until registered
	authTimer *time.Timer
	closeOnce sync.Once
}

// Hub is the server-side connection manager for local worker processes.
type Hub struct {
	cfg  Config
	sink TaskEvents
	bus  *events.Bus

	mu      sync.RWMutex
	conns   map[*conn]bool
	workers map[string]*conn // registered workers by id
	next    int              // rotating index for fair worker selection

	upgrader websocket.Upgrader
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// New creates a worker hub. The TaskEvents sink is attached afterwards by
// the composition root via SetSink, which keeps hub and dispatcher free of
// mutual construction.
func New(cfg Config, bus *events.Bus) *Hub {
	cfg.applyDefaults()
	return &Hub{
		cfg:     cfg,
		bus:     bus,
		conns:   make(map[*conn]bool),
		workers: make(map[string]*conn),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		stopCh: make(chan struct{}),
	}
}

// SetSink attaches the task event sink. Must be called before Start.
func (h *Hub) SetSink(sink TaskEvents) {
	h.sink = sink
}

// Start launches the heartbeat sweeper.
func (h *Hub) Start() {
	h.wg.Add(1)
	go h.sweepLoop()
}

// Stop broadcasts server:shutdown, closes every connection and stops the
// sweeper.
func (h *Hub) Stop() {
	close(h.stopCh)

	h.mu.Lock()
	conns := make([]*conn, 0, len(h.conns))
	for c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.Unlock()

	for _, c := range conns {
		_ = h.send(c, protocol.Simple(protocol.TypeServerShutdown))
		h.closeConn(c, protocol.CloseGoingAway, "server shutting down")
	}
	h.wg.Wait()
}

// HandleWorker upgrades an HTTP request into a worker connection and runs
// its read loop until disconnect.
func (h *Hub) HandleWorker(w http.ResponseWriter, r *http.Request) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.WithComponent("hub").Error().Err(err).Msg("websocket upgrade failed")
		return
	}

	c := &conn{ws: ws}
	if h.cfg.AuthToken != "" {
		c.state = statePendingAuth
	} else {
		c.state = stateAuthenticated
	}

	h.mu.Lock()
	h.conns[c] = true
	h.mu.Unlock()

	if c.state == statePendingAuth {
		_ = h.send(c, protocol.Simple(protocol.TypeConnectionPending))
		c.authTimer = time.AfterFunc(h.cfg.AuthTimeout, func() {
			h.closeConn(c, protocol.CloseAuthTimeout, "authentication timeout")
		})
	}

	h.readPump(c)
}

func (h *Hub) readPump(c *conn) {
	defer h.dropConn(c)

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		msgType, err := protocol.Decode(data)
		if err != nil {
			log.WithComponent("hub").Warn().Err(err).Msg("dropping malformed frame")
			continue
		}
		if done := h.handleFrame(c, msgType, data); done {
			return
		}
	}
}

// handleFrame processes one inbound frame. Returns true when the connection
// has been closed and the pump should exit.
func (h *Hub) handleFrame(c *conn, msgType string, data []byte) bool {
	switch msgType {
	case protocol.TypeAuth:
		return h.handleAuth(c, data)
	case protocol.TypeRegister:
		return h.handleRegister(c, data)
	case protocol.TypeHeartbeat:
		h.handleHeartbeat(c)
	case protocol.TypeTaskComplete:
		var msg protocol.TaskComplete
		if err := json.Unmarshal(data, &msg); err != nil {
			return false
		}
		h.finishTask(c, msg.TaskID)
		if h.sink != nil {
			h.sink.OnTaskComplete(msg.WorkerID, msg.TaskID, msg.Result, msg.ProcessingTimeMs)
		}
	case protocol.TypeTaskError:
		var msg protocol.TaskError
		if err := json.Unmarshal(data, &msg); err != nil {
			return false
		}
		h.finishTask(c, msg.TaskID)
		if h.sink != nil {
			h.sink.OnTaskError(msg.WorkerID, msg.TaskID, msg.Error, msg.Retryable)
		}
	case protocol.TypeTaskProgress:
		var msg protocol.TaskProgress
		if err := json.Unmarshal(data, &msg); err != nil {
			return false
		}
		if h.sink != nil {
			h.sink.OnTaskProgress(msg.WorkerID, msg.TaskID, msg.Progress, msg.Message)
		}
	case protocol.TypeShutdown:
		h.closeConn(c, protocol.CloseNormal, "worker shutdown")
		return true
	default:
		log.WithComponent("hub").Warn().Str("type", msgType).Msg("unknown frame type")
	}
	return false
}

func (h *Hub) handleAuth(c *conn, data []byte) bool {
	if h.cfg.AuthToken == "" {
		h.closeConn(c, protocol.CloseUnexpectedAuth, "authentication not required")
		return true
	}

	var msg protocol.Auth
	if err := json.Unmarshal(data, &msg); err != nil || msg.Token != h.cfg.AuthToken {
		_ = h.send(c, protocol.AuthFailed{Type: protocol.TypeAuthFailed, Reason: "invalid token"})
		h.closeConn(c, protocol.CloseInvalidToken, "invalid token")
		return true
	}

	if c.authTimer != nil {
		c.authTimer.Stop()
	}

	h.mu.Lock()
	c.state = stateAuthenticated
	h.mu.Unlock()

	_ = h.send(c, protocol.Simple(protocol.TypeAuthSuccess))
	return false
}

func (h *Hub) handleRegister(c *conn, data []byte) bool {
	h.mu.Lock()
	if c.state == statePendingAuth {
		h.mu.Unlock()
		h.closeConn(c, protocol.CloseRegisterWithoutAuth, "register before auth")
		return true
	}
	if c.state == stateRegistered {
		// A repeated register would mint a fresh id and strand the old one
		// in the worker table.
		workerID := ""
		if c.worker != nil {
			workerID = c.worker.ID
		}
		h.mu.Unlock()
		log.WithWorkerID(workerID).Warn().Msg("ignoring repeated register frame")
		return false
	}
	h.mu.Unlock()

	var msg protocol.Register
	if err := json.Unmarshal(data, &msg); err != nil {
		log.WithComponent("hub").Warn().Err(err).Msg("malformed register frame")
		return false
	}

	worker := &types.Worker{
		ID:            uuid.New().String(),
		Capabilities:  msg.Capabilities,
		Metadata:      msg.Metadata,
		ConnectedAt:   time.Now().UTC(),
		LastHeartbeat: time.Now().UTC(),
		Authenticated: true,
	}

	h.mu.Lock()
	c.state = stateRegistered
	c.worker = worker
	h.workers[worker.ID] = c
	h.mu.Unlock()

	metrics.WorkersConnected.Inc()
	log.WithWorkerID(worker.ID).Info().
		Int("capabilities", len(worker.Capabilities)).
		Str("hostname", worker.Metadata.Hostname).
		Msg("worker registered")

	_ = h.send(c, protocol.Registered{Type: protocol.TypeRegistered, WorkerID: worker.ID})

	if h.bus != nil {
		h.bus.Publish(events.ChannelWorkerConnected, worker.ID)
	}
	if h.sink != nil {
		h.sink.OnWorkerConnected(*worker)
	}
	return false
}

func (h *Hub) handleHeartbeat(c *conn) {
	h.mu.Lock()
	if c.worker != nil {
		c.worker.LastHeartbeat = time.Now().UTC()
	}
	h.mu.Unlock()
	_ = h.send(c, protocol.Simple(protocol.TypeHeartbeatAck))
}

// finishTask clears the worker's in-flight slot when the reported task
// matches what the hub believes is running.
func (h *Hub) finishTask(c *conn, taskID string) {
	h.mu.Lock()
	if c.worker != nil && c.worker.CurrentTaskID == taskID {
		c.worker.CurrentTaskID = ""
	}
	h.mu.Unlock()
}

// FindAvailableWorker returns an idle worker advertising the capability, or
// nil. Selection rotates across candidates so no idle worker is starved.
func (h *Hub) FindAvailableWorker(capability types.Capability) *types.Worker {
	h.mu.Lock()
	defer h.mu.Unlock()

	var candidates []*types.Worker
	for _, c := range h.workers {
		if c.worker.Idle() && c.worker.Has(capability) {
			candidates = append(candidates, c.worker)
		}
	}
	if len(candidates) == 0 {
		return nil
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].ID < candidates[j].ID })

	picked := candidates[h.next%len(candidates)]
	h.next++

	snapshot := *picked
	return &snapshot
}

// AssignTask atomically claims an idle worker and sends task:assign.
// Returns false if the worker vanished or turned busy, or the send failed.
func (h *Hub) AssignTask(workerID, taskID string, taskType types.TaskType, payload json.RawMessage, capability types.Capability) bool {
	h.mu.Lock()
	c, ok := h.workers[workerID]
	if !ok || !c.worker.Idle() {
		h.mu.Unlock()
		return false
	}
	c.worker.CurrentTaskID = taskID
	h.mu.Unlock()

	msg := protocol.TaskAssign{
		Type:       protocol.TypeTaskAssign,
		Task:       protocol.AssignedTask{ID: taskID, Type: taskType, Payload: payload},
		Capability: capability,
	}
	if err := h.send(c, msg); err != nil {
		h.mu.Lock()
		if c.worker != nil && c.worker.CurrentTaskID == taskID {
			c.worker.CurrentTaskID = ""
		}
		h.mu.Unlock()
		log.WithWorkerID(workerID).Error().Err(err).Msg("task:assign send failed")
		return false
	}
	return true
}

// CancelTask asks a worker to abort a task. Advisory: task state is settled
// by the worker's terminal reply or its disconnection.
func (h *Hub) CancelTask(workerID, taskID, reason string) error {
	h.mu.RLock()
	c, ok := h.workers[workerID]
	h.mu.RUnlock()
	if !ok {
		return fmt.Errorf("worker %s not connected", workerID)
	}
	return h.send(c, protocol.TaskCancel{Type: protocol.TypeTaskCancel, TaskID: taskID, Reason: reason})
}

// Capabilities returns the union of capabilities across idle workers.
func (h *Hub) Capabilities() map[types.Capability]bool {
	h.mu.RLock()
	defer h.mu.RUnlock()

	set := make(map[types.Capability]bool)
	for _, c := range h.workers {
		if !c.worker.Idle() {
			continue
		}
		for _, capability := range c.worker.Capabilities {
			set[capability] = true
		}
	}
	return set
}

// WorkerCount returns the number of registered workers.
func (h *Hub) WorkerCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.workers)
}

// Workers returns a snapshot of all registered workers.
func (h *Hub) Workers() []types.Worker {
	h.mu.RLock()
	defer h.mu.RUnlock()

	out := make([]types.Worker, 0, len(h.workers))
	for _, c := range h.workers {
		out = append(out, *c.worker)
	}
	return out
}

func (h *Hub) sweepLoop() {
	defer h.wg.Done()

	ticker := time.NewTicker(h.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			h.sweep()
		case <-h.stopCh:
			return
		}
	}
}

// sweep closes connections whose last heartbeat is older than
// interval × maxMissed.
func (h *Hub) sweep() {
	deadline := time.Now().UTC().Add(-h.cfg.HeartbeatInterval * time.Duration(h.cfg.MaxMissedHeartbeats))

	h.mu.RLock()
	var stale []*conn
	for _, c := range h.workers {
		if c.worker.LastHeartbeat.Before(deadline) {
			stale = append(stale, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range stale {
		log.WithWorkerID(c.worker.ID).Warn().Msg("heartbeat timeout, evicting worker")
		h.closeConn(c, protocol.CloseHeartbeatTimeout, "heartbeat timeout")
	}
}

// send serializes one frame onto the connection. Never called while holding
// the hub mutex.
func (h *Hub) send(c *conn, v interface{}) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(h.cfg.WriteTimeout))
	return c.ws.WriteJSON(v)
}

// closeConn writes a close frame and tears the socket down. The read pump's
// exit triggers dropConn for bookkeeping.
func (h *Hub) closeConn(c *conn, code int, reason string) {
	c.closeOnce.Do(func() {
		c.writeMu.Lock()
		_ = c.ws.SetWriteDeadline(time.Now().Add(h.cfg.WriteTimeout))
		_ = c.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason))
		c.writeMu.Unlock()
		_ = c.ws.Close()
	})
}

// dropConn removes a connection from the registry and emits the disconnect
// event if the worker had registered.
func (h *Hub) dropConn(c *conn) {
	if c.authTimer != nil {
		c.authTimer.Stop()
	}
	h.closeConn(c, protocol.CloseNormal, "")

	h.mu.Lock()
	delete(h.conns, c)
	var workerID string
	if c.worker != nil {
		workerID = c.worker.ID
		delete(h.workers, workerID)
	}
	h.mu.Unlock()

	if workerID == "" {
		return
	}

	metrics.WorkersConnected.Dec()
	log.WithWorkerID(workerID).Info().Msg("worker disconnected")

	if h.bus != nil {
		h.bus.Publish(events.ChannelWorkerDisconnected, workerID)
	}
	if h.sink != nil {
		h.sink.OnWorkerDisconnected(workerID)
	}
}
