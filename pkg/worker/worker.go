package worker

import (
	"context"
	"encoding/json"
	"errors"
	"math/rand"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/engramhq/engram/pkg/log"
	"github.com/engramhq/engram/pkg/protocol"
	"github.com/engramhq/engram/pkg/types"
)

// Handler processes one assigned task. The returned result is reported as
// task:complete; an error becomes task:error. Errors are retryable unless
// wrapped with Permanent. The context is canceled when the server sends
// task:cancel or the worker shuts down.
type Handler func(ctx context.Context, task protocol.AssignedTask) (json.RawMessage, error)

type permanentError struct{ err error }

func (p permanentError) Error() string { return p.err.Error() }
func (p permanentError) Unwrap() error { return p.err }

// Permanent marks a handler error as non-retryable.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return permanentError{err: err}
}

// IsPermanent reports whether an error was marked with Permanent.
func IsPermanent(err error) bool {
	var p permanentError
	return errors.As(err, &p)
}

// Config holds worker client configuration.
type Config struct {
	URL          string // e.g. ws://localhost:3737/ws/worker
	Token        string // empty when the server runs without worker auth
	Capabilities []types.Capability
	Metadata     types.WorkerMetadata
	Handler      Handler

	HeartbeatInterval time.Duration // default 30s
	WriteTimeout      time.Duration // default 10s
	ReconnectBase     time.Duration // default 5s
	ReconnectMax      time.Duration // default 25s
}

func (c *Config) applyDefaults() {
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 30 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
	if c.ReconnectBase <= 0 {
		c.ReconnectBase = 5 * time.Second
	}
	if c.ReconnectMax <= 0 {
		c.ReconnectMax = 5 * c.ReconnectBase
	}
}

// ReconnectDelay returns the backoff before reconnect attempt n (0-based):
// doubling from the base, capped, with ±20% jitter.
func (c Config) ReconnectDelay(attempt int) time.Duration {
	delay := c.ReconnectBase
	for i := 0; i < attempt && delay < c.ReconnectMax; i++ {
		delay *= 2
	}
	if delay > c.ReconnectMax {
		delay = c.ReconnectMax
	}
	jitter := 0.8 + 0.4*rand.Float64()
	return time.Duration(float64(delay) * jitter)
}

// Worker is the client side of the worker socket: it dials the hub,
// authenticates, registers its capabilities and then serves assignments
// through the configured Handler, one at a time.
type Worker struct {
	cfg Config

	mu      sync.Mutex
	id      string
	ws      *websocket.Conn
	cancels map[string]context.CancelFunc

	stopCh chan struct{}
	once   sync.Once
}

// New creates a worker client.
func New(cfg Config) *Worker {
	cfg.applyDefaults()
	return &Worker{
		cfg:     cfg,
		cancels: make(map[string]context.CancelFunc),
		stopCh:  make(chan struct{}),
	}
}

// ID returns the server-assigned worker id, empty until registered.
func (w *Worker) ID() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.id
}

// Run connects and serves until the context is canceled or Stop is called.
// Connection loss triggers reconnection with jittered exponential backoff;
// a successful registration resets the backoff.
func (w *Worker) Run(ctx context.Context) error {
	attempt := 0
	for {
		registered, err := w.serveOnce(ctx)
		if registered {
			attempt = 0
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-w.stopCh:
			return nil
		default:
		}

		if err != nil {
			log.WithComponent("worker").Warn().Err(err).Int("attempt", attempt).Msg("connection lost")
		}

		select {
		case <-time.After(w.cfg.ReconnectDelay(attempt)):
			attempt++
		case <-ctx.Done():
			return ctx.Err()
		case <-w.stopCh:
			return nil
		}
	}
}

// Stop announces departure and closes the connection.
func (w *Worker) Stop() {
	w.once.Do(func() {
		close(w.stopCh)

		w.mu.Lock()
		ws, id := w.ws, w.id
		for _, cancel := range w.cancels {
			cancel()
		}
		w.mu.Unlock()

		if ws != nil {
			_ = w.send(protocol.Shutdown{Type: protocol.TypeShutdown, WorkerID: id})
			_ = ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(protocol.CloseNormal, "shutdown"),
				time.Now().Add(w.cfg.WriteTimeout))
			ws.Close()
		}
	})
}

// serveOnce runs one connection lifetime. Returns whether registration
// succeeded, so the caller can reset its backoff.
func (w *Worker) serveOnce(ctx context.Context) (bool, error) {
	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	ws, _, err := websocket.DefaultDialer.DialContext(dialCtx, w.cfg.URL, nil)
	cancel()
	if err != nil {
		return false, err
	}
	defer ws.Close()

	w.mu.Lock()
	w.ws = ws
	w.mu.Unlock()

	if w.cfg.Token != "" {
		if err := w.send(protocol.Auth{Type: protocol.TypeAuth, Token: w.cfg.Token}); err != nil {
			return false, err
		}
	}
	if err := w.send(protocol.Register{
		Type:         protocol.TypeRegister,
		Capabilities: w.cfg.Capabilities,
		Metadata:     w.cfg.Metadata,
	}); err != nil {
		return false, err
	}

	registered := false
	heartbeatStop := make(chan struct{})
	defer close(heartbeatStop)

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return registered, err
		}

		msgType, err := protocol.Decode(data)
		if err != nil {
			log.WithComponent("worker").Warn().Err(err).Msg("bad frame")
			continue
		}

		switch msgType {
		case protocol.TypeConnectionPending, protocol.TypeAuthSuccess, protocol.TypeHeartbeatAck:
			// No client action.

		case protocol.TypeAuthFailed:
			var failed protocol.AuthFailed
			_ = json.Unmarshal(data, &failed)
			return registered, errors.New("authentication rejected: " + failed.Reason)

		case protocol.TypeRegistered:
			var reg protocol.Registered
			if err := json.Unmarshal(data, &reg); err != nil {
				return registered, err
			}
			w.mu.Lock()
			w.id = reg.WorkerID
			w.mu.Unlock()
			registered = true
			log.WithWorkerID(reg.WorkerID).Info().Msg("registered")
			go w.heartbeatLoop(reg.WorkerID, heartbeatStop)

		case protocol.TypeTaskAssign:
			var assign protocol.TaskAssign
			if err := json.Unmarshal(data, &assign); err != nil {
				log.WithComponent("worker").Warn().Err(err).Msg("bad assignment")
				continue
			}
			go w.runTask(ctx, assign.Task)

		case protocol.TypeTaskCancel:
			var cancelMsg protocol.TaskCancel
			if err := json.Unmarshal(data, &cancelMsg); err != nil {
				continue
			}
			w.mu.Lock()
			if cancelTask, ok := w.cancels[cancelMsg.TaskID]; ok {
				cancelTask()
			}
			w.mu.Unlock()

		case protocol.TypeServerShutdown:
			return registered, errors.New("server shutting down")
		}
	}
}

func (w *Worker) heartbeatLoop(workerID string, stop <-chan struct{}) {
	ticker := time.NewTicker(w.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := w.send(protocol.Heartbeat{Type: protocol.TypeHeartbeat, WorkerID: workerID}); err != nil {
				return
			}
		case <-stop:
			return
		case <-w.stopCh:
			return
		}
	}
}

func (w *Worker) runTask(ctx context.Context, task protocol.AssignedTask) {
	taskCtx, cancel := context.WithCancel(ctx)
	w.mu.Lock()
	workerID := w.id
	w.cancels[task.ID] = cancel
	w.mu.Unlock()

	defer func() {
		cancel()
		w.mu.Lock()
		delete(w.cancels, task.ID)
		w.mu.Unlock()
	}()

	started := time.Now()
	result, err := w.cfg.Handler(taskCtx, task)
	elapsed := time.Since(started).Milliseconds()

	if err != nil {
		retryable := !IsPermanent(err) && taskCtx.Err() == nil
		_ = w.send(protocol.TaskError{
			Type:      protocol.TypeTaskError,
			WorkerID:  workerID,
			TaskID:    task.ID,
			Error:     err.Error(),
			Retryable: retryable,
		})
		return
	}

	_ = w.send(protocol.TaskComplete{
		Type:             protocol.TypeTaskComplete,
		WorkerID:         workerID,
		TaskID:           task.ID,
		Result:           result,
		ProcessingTimeMs: elapsed,
	})
}

// Progress reports intermediate progress for a running task.
func (w *Worker) Progress(taskID string, progress float64, message string) error {
	w.mu.Lock()
	workerID := w.id
	w.mu.Unlock()

	return w.send(protocol.TaskProgress{
		Type:     protocol.TypeTaskProgress,
		WorkerID: workerID,
		TaskID:   taskID,
		Progress: progress,
		Message:  message,
	})
}

func (w *Worker) send(v interface{}) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.ws == nil {
		return errors.New("not connected")
	}
	w.ws.SetWriteDeadline(time.Now().Add(w.cfg.WriteTimeout))
	return w.ws.WriteJSON(v)
}
