package federation

import (
	"encoding/json"
	"fmt"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/engramhq/engram/pkg/events"
	"github.com/engramhq/engram/pkg/log"
	"github.com/engramhq/engram/pkg/metrics"
	"github.com/engramhq/engram/pkg/protocol"
	"github.com/engramhq/engram/pkg/storage"
	"github.com/engramhq/engram/pkg/types"
)

// Events is the sink for hub lifecycle and task replies from downstream
// hubs. The dispatcher implements it.
type Events interface {
	OnHubConnected(hub types.Hub)
	OnHubDisconnected(hubID string)
	OnHubTaskComplete(hubID, taskID string, result json.RawMessage, processingTimeMs int64)
	OnHubTaskError(hubID, taskID, errMsg string, retryable bool)
	OnHubTaskProgress(hubID, taskID string, progress float64, message string)
}

// Config holds federation handler configuration.
type Config struct {
	AuthToken        string
	AuthTimeout      time.Duration // default 10s
	HealthInterval   time.Duration // default 30s
	MaxMissedReports int           // default 3
	WriteTimeout     time.Duration // default 10s
}

func (c *Config) applyDefaults() {
	if c.AuthTimeout <= 0 {
		c.AuthTimeout = 10 * time.Second
	}
	if c.HealthInterval <= 0 {
		c.HealthInterval = 30 * time.Second
	}
	if c.MaxMissedReports <= 0 {
		c.MaxMissedReports = 3
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
}

// Reconnect pacing for downstream hubs dialing back in after a drop.
const (
	reconnectBase = 5 * time.Second
	reconnectCap  = 5 * reconnectBase
)

// ReconnectDelay returns the jittered backoff before a reconnect attempt:
// base 5s doubling per attempt, capped at 25s, with ±20% jitter.
func ReconnectDelay(attempt int) time.Duration {
	delay := reconnectBase
	for i := 0; i < attempt && delay < reconnectCap; i++ {
		delay *= 2
	}
	if delay > reconnectCap {
		delay = reconnectCap
	}
	jitter := 0.8 + 0.4*rand.Float64()
	return time.Duration(float64(delay) * jitter)
}

// session is one connected downstream hub.
type session struct {
	ws        *websocket.Conn
	writeMu   sync.Mutex
	authed    bool
	hub       *types.Hub // nil until hub:register
	inflight  int        // tasks routed through this hub and not yet settled
	authTimer *time.Timer
	closeOnce sync.Once
}

// Handler accepts connections from downstream hubs that proxy their own
// worker pools, tracks their health, and routes tasks through them.
type Handler struct {
	cfg      Config
	sink     Events
	bus      *events.Bus
	registry storage.HubStore

	mu       sync.RWMutex
	conns    map[*session]bool
	sessions map[string]*session // registered hubs by id

	upgrader websocket.Upgrader
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// New creates a federation handler persisting hub metadata in the registry.
func New(cfg Config, registry storage.HubStore, bus *events.Bus) *Handler {
	cfg.applyDefaults()
	return &Handler{
		cfg:      cfg,
		registry: registry,
		bus:      bus,
		conns:    make(map[*session]bool),
		sessions: make(map[string]*session),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		stopCh: make(chan struct{}),
	}
}

// SetSink attaches the event sink. Must be called before Start.
func (f *Handler) SetSink(sink Events) {
	f.sink = sink
}

// Start launches the health sweeper.
func (f *Handler) Start() {
	f.wg.Add(1)
	go f.sweepLoop()
}

// Stop broadcasts server:shutdown and closes every hub connection.
func (f *Handler) Stop() {
	close(f.stopCh)

	f.mu.Lock()
	conns := make([]*session, 0, len(f.conns))
	for s := range f.conns {
		conns = append(conns, s)
	}
	f.mu.Unlock()

	for _, s := range conns {
		_ = f.send(s, protocol.Simple(protocol.TypeServerShutdown))
		f.closeSession(s, protocol.CloseGoingAway, "server shutting down")
	}
	f.wg.Wait()
}

// HandleHub upgrades an HTTP request into a federation connection and runs
// its read loop until disconnect.
func (f *Handler) HandleHub(w http.ResponseWriter, r *http.Request) {
	ws, err := f.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.WithComponent("federation").Error().Err(err).Msg("websocket upgrade failed")
		return
	}

	s := &session{ws: ws, authed: f.cfg.AuthToken == ""}

	f.mu.Lock()
	f.conns[s] = true
	f.mu.Unlock()

	if !s.authed {
		_ = f.send(s, protocol.Simple(protocol.TypeConnectionPending))
		s.authTimer = time.AfterFunc(f.cfg.AuthTimeout, func() {
			f.closeSession(s, protocol.CloseAuthTimeout, "authentication timeout")
		})
	}

	f.readPump(s)
}

func (f *Handler) readPump(s *session) {
	defer f.dropSession(s)

	for {
		_, data, err := s.ws.ReadMessage()
		if err != nil {
			return
		}
		msgType, err := protocol.Decode(data)
		if err != nil {
			log.WithComponent("federation").Warn().Err(err).Msg("dropping malformed frame")
			continue
		}
		if done := f.handleFrame(s, msgType, data); done {
			return
		}
	}
}

func (f *Handler) handleFrame(s *session, msgType string, data []byte) bool {
	switch msgType {
	case protocol.TypeAuth:
		return f.handleAuth(s, data)
	case protocol.TypeHubRegister:
		return f.handleRegister(s, data)
	case protocol.TypeHubHealth:
		f.handleHealth(s, data)
	case protocol.TypeHubTaskComplete:
		var msg protocol.HubTaskComplete
		if err := json.Unmarshal(data, &msg); err != nil {
			return false
		}
		f.settleTask(s)
		if f.sink != nil {
			f.sink.OnHubTaskComplete(msg.HubID, msg.TaskID, msg.Result, msg.ProcessingTimeMs)
		}
	case protocol.TypeHubTaskError:
		var msg protocol.HubTaskError
		if err := json.Unmarshal(data, &msg); err != nil {
			return false
		}
		f.settleTask(s)
		if f.sink != nil {
			f.sink.OnHubTaskError(msg.HubID, msg.TaskID, msg.Error, msg.Retryable)
		}
	case protocol.TypeHubTaskProgress:
		var msg protocol.HubTaskProgress
		if err := json.Unmarshal(data, &msg); err != nil {
			return false
		}
		if f.sink != nil {
			f.sink.OnHubTaskProgress(msg.HubID, msg.TaskID, msg.Progress, msg.Message)
		}
	case protocol.TypeHubShutdown:
		f.closeSession(s, protocol.CloseNormal, "hub shutdown")
		return true
	default:
		log.WithComponent("federation").Warn().Str("type", msgType).Msg("unknown frame type")
	}
	return false
}

func (f *Handler) handleAuth(s *session, data []byte) bool {
	if f.cfg.AuthToken == "" {
		f.closeSession(s, protocol.CloseUnexpectedAuth, "authentication not required")
		return true
	}

	var msg protocol.Auth
	if err := json.Unmarshal(data, &msg); err != nil || msg.Token != f.cfg.AuthToken {
		_ = f.send(s, protocol.AuthFailed{Type: protocol.TypeAuthFailed, Reason: "invalid token"})
		f.closeSession(s, protocol.CloseInvalidToken, "invalid token")
		return true
	}

	if s.authTimer != nil {
		s.authTimer.Stop()
	}

	f.mu.Lock()
	s.authed = true
	f.mu.Unlock()

	_ = f.send(s, protocol.Simple(protocol.TypeAuthSuccess))
	return false
}

func (f *Handler) handleRegister(s *session, data []byte) bool {
	f.mu.Lock()
	authed := s.authed
	f.mu.Unlock()
	if !authed {
		f.closeSession(s, protocol.CloseRegisterWithoutAuth, "register before auth")
		return true
	}

	var msg protocol.HubRegister
	if err := json.Unmarshal(data, &msg); err != nil {
		log.WithComponent("federation").Warn().Err(err).Msg("malformed hub:register frame")
		return false
	}

	hub := &types.Hub{
		Name:             msg.Name,
		Type:             types.HubTypeExternal,
		Priority:         msg.Priority,
		Weight:           msg.Weight,
		Region:           msg.Region,
		Labels:           msg.Labels,
		Status:           types.HubStatusHealthy,
		Capabilities:     msg.Capabilities,
		LastHealthReport: time.Now().UTC(),
	}

	stored, err := f.registry.UpsertHub(hub)
	if err != nil {
		log.WithComponent("federation").Error().Err(err).Msg("hub registry upsert failed")
		f.closeSession(s, protocol.CloseNormal, "registry failure")
		return true
	}

	f.mu.Lock()
	s.hub = stored
	f.sessions[stored.ID] = s
	f.mu.Unlock()

	metrics.HubsConnected.Inc()
	log.WithHubID(stored.ID).Info().Str("name", stored.Name).Msg("federated hub registered")

	_ = f.send(s, protocol.Registered{Type: protocol.TypeHubRegistered, WorkerID: stored.ID})

	if f.bus != nil {
		f.bus.Publish(events.ChannelHubConnected, stored.ID)
	}
	if f.sink != nil {
		f.sink.OnHubConnected(*stored)
	}
	return false
}

func (f *Handler) handleHealth(s *session, data []byte) {
	var msg protocol.HubHealth
	if err := json.Unmarshal(data, &msg); err != nil {
		return
	}

	f.mu.Lock()
	if s.hub == nil {
		f.mu.Unlock()
		return
	}
	s.hub.Status = msg.Status
	s.hub.ConnectedWorkers = msg.ConnectedWorkers
	s.hub.ActiveWorkers = msg.ActiveWorkers
	s.hub.AvgLatencyMs = msg.AvgLatencyMs
	if len(msg.Capabilities) > 0 {
		s.hub.Capabilities = msg.Capabilities
	}
	s.hub.LastHealthReport = time.Now().UTC()
	snapshot := *s.hub
	f.mu.Unlock()

	if _, err := f.registry.UpsertHub(&snapshot); err != nil {
		log.WithHubID(snapshot.ID).Error().Err(err).Msg("hub health persist failed")
	}

	_ = f.send(s, protocol.Simple(protocol.TypeHubHealthAck))
}

func (f *Handler) settleTask(s *session) {
	f.mu.Lock()
	if s.inflight > 0 {
		s.inflight--
	}
	f.mu.Unlock()
}

// ReleaseTask frees one proxy slot on a hub whose task settled without a
// reply (the timeout sweeper owns that path). Unknown hub ids are a no-op.
func (f *Handler) ReleaseTask(hubID string) {
	f.mu.RLock()
	s, ok := f.sessions[hubID]
	f.mu.RUnlock()
	if ok {
		f.settleTask(s)
	}
}

// AssignTask routes a task through a connected hub. The downstream hub is
// responsible for binding it to one of its workers.
func (f *Handler) AssignTask(hubID, taskID string, taskType types.TaskType, payload json.RawMessage, capability types.Capability) bool {
	f.mu.Lock()
	s, ok := f.sessions[hubID]
	if !ok || s.hub == nil || !s.hub.Status.Routable() {
		f.mu.Unlock()
		return false
	}
	s.inflight++
	f.mu.Unlock()

	msg := protocol.TaskAssign{
		Type:       protocol.TypeHubTaskAssign,
		Task:       protocol.AssignedTask{ID: taskID, Type: taskType, Payload: payload},
		Capability: capability,
	}
	if err := f.send(s, msg); err != nil {
		f.settleTask(s)
		log.WithHubID(hubID).Error().Err(err).Msg("hub:task:assign send failed")
		return false
	}
	return true
}

// CancelTask forwards a cancel request through the hub socket.
func (f *Handler) CancelTask(hubID, taskID, reason string) error {
	f.mu.RLock()
	s, ok := f.sessions[hubID]
	f.mu.RUnlock()
	if !ok {
		return fmt.Errorf("hub %s not connected", hubID)
	}
	return f.send(s, protocol.TaskCancel{Type: protocol.TypeHubTaskCancel, TaskID: taskID, Reason: reason})
}

// RoutableHub describes a connected hub eligible for dispatch, with its
// current proxy load.
type RoutableHub struct {
	Hub      types.Hub
	Inflight int
}

// RoutableHubs returns connected hubs whose status allows routing.
func (f *Handler) RoutableHubs() []RoutableHub {
	f.mu.RLock()
	defer f.mu.RUnlock()

	var out []RoutableHub
	for _, s := range f.sessions {
		if s.hub != nil && s.hub.Status.Routable() {
			out = append(out, RoutableHub{Hub: *s.hub, Inflight: s.inflight})
		}
	}
	return out
}

// Capabilities returns the union of capabilities advertised by routable hubs.
func (f *Handler) Capabilities() map[types.Capability]bool {
	f.mu.RLock()
	defer f.mu.RUnlock()

	set := make(map[types.Capability]bool)
	for _, s := range f.sessions {
		if s.hub == nil || !s.hub.Status.Routable() {
			continue
		}
		for _, capability := range s.hub.Capabilities {
			set[capability] = true
		}
	}
	return set
}

// HubCount returns the number of registered hub sessions.
func (f *Handler) HubCount() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.sessions)
}

func (f *Handler) sweepLoop() {
	defer f.wg.Done()

	ticker := time.NewTicker(f.cfg.HealthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			f.sweep()
		case <-f.stopCh:
			return
		}
	}
}

// sweep marks hubs whose health reports stopped arriving as unhealthy and
// disconnects them.
func (f *Handler) sweep() {
	deadline := time.Now().UTC().Add(-f.cfg.HealthInterval * time.Duration(f.cfg.MaxMissedReports))

	f.mu.RLock()
	var stale []*session
	for _, s := range f.sessions {
		if s.hub.LastHealthReport.Before(deadline) {
			stale = append(stale, s)
		}
	}
	f.mu.RUnlock()

	for _, s := range stale {
		log.WithHubID(s.hub.ID).Warn().Msg("missed health reports, disconnecting hub")
		if err := f.registry.UpdateHubStatus(s.hub.ID, types.HubStatusUnhealthy); err != nil {
			log.WithHubID(s.hub.ID).Error().Err(err).Msg("hub status update failed")
		}
		f.closeSession(s, protocol.CloseHeartbeatTimeout, "health timeout")
	}
}

func (f *Handler) send(s *session, v interface{}) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = s.ws.SetWriteDeadline(time.Now().Add(f.cfg.WriteTimeout))
	return s.ws.WriteJSON(v)
}

func (f *Handler) closeSession(s *session, code int, reason string) {
	s.closeOnce.Do(func() {
		s.writeMu.Lock()
		_ = s.ws.SetWriteDeadline(time.Now().Add(f.cfg.WriteTimeout))
		_ = s.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason))
		s.writeMu.Unlock()
		_ = s.ws.Close()
	})
}

func (f *Handler) dropSession(s *session) {
	if s.authTimer != nil {
		s.authTimer.Stop()
	}
	f.closeSession(s, protocol.CloseNormal, "")

	f.mu.Lock()
	delete(f.conns, s)
	var hubID string
	if s.hub != nil {
		hubID = s.hub.ID
		delete(f.sessions, hubID)
	}
	f.mu.Unlock()

	if hubID == "" {
		return
	}

	metrics.HubsConnected.Dec()
	log.WithHubID(hubID).Info().Msg("federated hub disconnected")

	if err := f.registry.UpdateHubStatus(hubID, types.HubStatusOffline); err != nil {
		log.WithHubID(hubID).Error().Err(err).Msg("hub status update failed")
	}

	if f.bus != nil {
		f.bus.Publish(events.ChannelHubDisconnected, hubID)
	}
	if f.sink != nil {
		f.sink.OnHubDisconnected(hubID)
	}
}
