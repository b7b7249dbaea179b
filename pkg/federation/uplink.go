package federation

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/engramhq/engram/pkg/events"
	"github.com/engramhq/engram/pkg/log"
	"github.com/engramhq/engram/pkg/protocol"
	"github.com/engramhq/engram/pkg/storage"
	"github.com/engramhq/engram/pkg/types"
)

// LocalPool is the slice of the worker hub an uplink advertises upstream.
type LocalPool interface {
	Capabilities() map[types.Capability]bool
	WorkerCount() int
	Workers() []types.Worker
}

// UplinkConfig holds the child-side federation settings.
type UplinkConfig struct {
	URL      string // parent endpoint, e.g. ws://parent:3737/ws/hub
	Token    string
	Name     string
	Priority int
	Weight   int
	Region   string
	Labels   map[string]string

	HealthInterval time.Duration // default 30s
	WriteTimeout   time.Duration // default 10s
	RelayPriority  int           // priority for relayed task rows, default 50
	RelayRetries   int           // retry budget for relayed rows, default 1
}

func (c *UplinkConfig) applyDefaults() {
	if c.HealthInterval <= 0 {
		c.HealthInterval = 30 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
	if c.RelayPriority <= 0 {
		c.RelayPriority = 50
	}
	if c.RelayRetries <= 0 {
		c.RelayRetries = 1
	}
}

// Uplink is the child side of federation: it dials a parent backend,
// registers this instance's aggregate worker pool as one hub, reports
// health, and relays parent assignments into the local task queue. Terminal
// events for relayed tasks are reported back under the parent's task id.
type Uplink struct {
	cfg   UplinkConfig
	pool  LocalPool
	store storage.TaskStore
	bus   *events.Bus

	mu      sync.Mutex
	ws      *websocket.Conn
	hubID   string
	relayed map[string]string // local task id → parent task id

	stopCh chan struct{}
	once   sync.Once
}

// NewUplink creates an uplink relaying through the given store and bus.
func NewUplink(cfg UplinkConfig, pool LocalPool, store storage.TaskStore, bus *events.Bus) *Uplink {
	cfg.applyDefaults()
	return &Uplink{
		cfg:     cfg,
		pool:    pool,
		store:   store,
		bus:     bus,
		relayed: make(map[string]string),
		stopCh:  make(chan struct{}),
	}
}

// Run connects and serves until the context is canceled or Stop is called,
// reconnecting with the federation backoff schedule.
func (u *Uplink) Run(ctx context.Context) error {
	clientID := "uplink-" + u.cfg.Name
	sub, err := u.bus.Subscribe(clientID, events.ClientWorker, []string{
		events.ChannelTaskCompleted, events.ChannelTaskFailed, events.ChannelTaskTimeout,
	})
	if err != nil {
		return err
	}
	defer u.bus.Unsubscribe(clientID)
	go u.watchRelayed(sub)

	attempt := 0
	for {
		registered, err := u.serveOnce(ctx)
		if registered {
			attempt = 0
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-u.stopCh:
			return nil
		default:
		}

		if err != nil {
			log.WithComponent("uplink").Warn().Err(err).Int("attempt", attempt).Msg("parent connection lost")
		}

		select {
		case <-time.After(ReconnectDelay(attempt)):
			attempt++
		case <-ctx.Done():
			return ctx.Err()
		case <-u.stopCh:
			return nil
		}
	}
}

// Stop announces departure to the parent and closes the connection.
func (u *Uplink) Stop() {
	u.once.Do(func() {
		close(u.stopCh)

		u.mu.Lock()
		ws, hubID := u.ws, u.hubID
		u.mu.Unlock()

		if ws != nil {
			_ = u.send(protocol.HubShutdown{Type: protocol.TypeHubShutdown, HubID: hubID})
			_ = ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(protocol.CloseNormal, "shutdown"),
				time.Now().Add(u.cfg.WriteTimeout))
			ws.Close()
		}
	})
}

func (u *Uplink) serveOnce(ctx context.Context) (bool, error) {
	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	ws, _, err := websocket.DefaultDialer.DialContext(dialCtx, u.cfg.URL, nil)
	cancel()
	if err != nil {
		return false, err
	}
	defer ws.Close()

	u.mu.Lock()
	u.ws = ws
	u.mu.Unlock()

	if u.cfg.Token != "" {
		if err := u.send(protocol.Auth{Type: protocol.TypeAuth, Token: u.cfg.Token}); err != nil {
			return false, err
		}
	}
	if err := u.send(protocol.HubRegister{
		Type:         protocol.TypeHubRegister,
		Name:         u.cfg.Name,
		Priority:     u.cfg.Priority,
		Weight:       u.cfg.Weight,
		Region:       u.cfg.Region,
		Labels:       u.cfg.Labels,
		Capabilities: u.capabilities(),
	}); err != nil {
		return false, err
	}

	registered := false
	healthStop := make(chan struct{})
	defer close(healthStop)

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return registered, err
		}

		msgType, err := protocol.Decode(data)
		if err != nil {
			log.WithComponent("uplink").Warn().Err(err).Msg("bad frame")
			continue
		}

		switch msgType {
		case protocol.TypeConnectionPending, protocol.TypeAuthSuccess, protocol.TypeHubHealthAck:
			// No client action.

		case protocol.TypeAuthFailed:
			var failed protocol.AuthFailed
			_ = json.Unmarshal(data, &failed)
			return registered, errors.New("authentication rejected: " + failed.Reason)

		case protocol.TypeHubRegistered:
			var reg protocol.Registered
			if err := json.Unmarshal(data, &reg); err != nil {
				return registered, err
			}
			u.mu.Lock()
			u.hubID = reg.WorkerID
			u.mu.Unlock()
			registered = true
			log.WithHubID(reg.WorkerID).Info().Str("parent", u.cfg.URL).Msg("registered with parent")
			go u.healthLoop(reg.WorkerID, healthStop)

		case protocol.TypeHubTaskAssign:
			var assign protocol.TaskAssign
			if err := json.Unmarshal(data, &assign); err != nil {
				log.WithComponent("uplink").Warn().Err(err).Msg("bad assignment")
				continue
			}
			u.relayTask(assign)

		case protocol.TypeHubTaskCancel:
			// Advisory only; the relayed task settles through its own
			// lifecycle and the parent learns the outcome either way.

		case protocol.TypeServerShutdown:
			return registered, errors.New("parent shutting down")
		}
	}
}

// relayTask inserts the parent's task into the local queue under a local
// id. The parent's id is remembered so the terminal event reports back
// under the identifier the parent knows.
func (u *Uplink) relayTask(assign protocol.TaskAssign) {
	task, err := u.store.CreateTaskIfNotExists(types.TaskSpec{
		Type:               assign.Task.Type,
		RequiredCapability: assign.Capability,
		Payload:            assign.Task.Payload,
		Priority:           u.cfg.RelayPriority,
		MaxRetries:         u.cfg.RelayRetries,
		DeduplicationKey:   "relay:" + assign.Task.ID,
	})
	if err != nil {
		u.reportError(assign.Task.ID, "relay enqueue failed: "+err.Error(), true)
		return
	}
	if task == nil {
		// Duplicate relay of a task already in flight.
		return
	}

	u.mu.Lock()
	u.relayed[task.ID] = assign.Task.ID
	u.mu.Unlock()

	log.WithTaskID(task.ID).Debug().Str("parent_task_id", assign.Task.ID).Msg("task relayed from parent")
}

// watchRelayed forwards terminal events of relayed tasks to the parent.
func (u *Uplink) watchRelayed(sub *events.Subscription) {
	for {
		select {
		case event, ok := <-sub.C:
			if !ok {
				return
			}
			task, ok := event.Payload.(*types.Task)
			if !ok {
				continue
			}

			u.mu.Lock()
			parentID, relayed := u.relayed[task.ID]
			if relayed {
				delete(u.relayed, task.ID)
			}
			u.mu.Unlock()
			if !relayed {
				continue
			}

			switch task.Status {
			case types.TaskStatusCompleted:
				u.mu.Lock()
				hubID := u.hubID
				u.mu.Unlock()
				_ = u.send(protocol.HubTaskComplete{
					Type:   protocol.TypeHubTaskComplete,
					HubID:  hubID,
					TaskID: parentID,
					Result: task.Result,
				})
			case types.TaskStatusFailed:
				u.reportError(parentID, task.Error, false)
			case types.TaskStatusTimeout:
				u.reportError(parentID, "Task timed out", true)
			}
		case <-u.stopCh:
			return
		}
	}
}

func (u *Uplink) reportError(parentTaskID, errMsg string, retryable bool) {
	u.mu.Lock()
	hubID := u.hubID
	u.mu.Unlock()

	_ = u.send(protocol.HubTaskError{
		Type:      protocol.TypeHubTaskError,
		HubID:     hubID,
		TaskID:    parentTaskID,
		Error:     errMsg,
		Retryable: retryable,
	})
}

func (u *Uplink) healthLoop(hubID string, stop <-chan struct{}) {
	ticker := time.NewTicker(u.cfg.HealthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			active := 0
			for _, w := range u.pool.Workers() {
				if w.CurrentTaskID != "" {
					active++
				}
			}
			if err := u.send(protocol.HubHealth{
				Type:             protocol.TypeHubHealth,
				HubID:            hubID,
				Status:           types.HubStatusHealthy,
				ConnectedWorkers: u.pool.WorkerCount(),
				ActiveWorkers:    active,
				Capabilities:     u.capabilities(),
			}); err != nil {
				return
			}
		case <-stop:
			return
		case <-u.stopCh:
			return
		}
	}
}

func (u *Uplink) capabilities() []types.Capability {
	var caps []types.Capability
	for c := range u.pool.Capabilities() {
		caps = append(caps, c)
	}
	return caps
}

func (u *Uplink) send(v interface{}) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.ws == nil {
		return errors.New("not connected")
	}
	u.ws.SetWriteDeadline(time.Now().Add(u.cfg.WriteTimeout))
	return u.ws.WriteJSON(v)
}
