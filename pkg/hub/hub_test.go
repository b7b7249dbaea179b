package hub

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/engramhq/engram/pkg/events"
	"github.com/engramhq/engram/pkg/protocol"
	"github.com/engramhq/engram/pkg/types"
)

// recordingSink captures TaskEvents callbacks for assertions.
type recordingSink struct {
	connected    chan types.Worker
	disconnected chan string
	completed    chan string
	errored      chan string
	progressed   chan float64
}

func newRecordingSink() *recordingSink {
	return &recordingSink{
		connected:    make(chan types.Worker, 8),
		disconnected: make(chan string, 8),
		completed:    make(chan string, 8),
		errored:      make(chan string, 8),
		progressed:   make(chan float64, 8),
	}
}

func (s *recordingSink) OnWorkerConnected(w types.Worker)  { s.connected <- w }
func (s *recordingSink) OnWorkerDisconnected(id string)    { s.disconnected <- id }
func (s *recordingSink) OnTaskComplete(workerID, taskID string, result json.RawMessage, ms int64) {
	s.completed <- taskID
}
func (s *recordingSink) OnTaskError(workerID, taskID, errMsg string, retryable bool) {
	s.errored <- taskID
}
func (s *recordingSink) OnTaskProgress(workerID, taskID string, progress float64, message string) {
	s.progressed <- progress
}

func startHub(t *testing.T, cfg Config) (*Hub, *recordingSink, string) {
	t.Helper()

	h := New(cfg, events.NewBus(16))
	sink := newRecordingSink()
	h.SetSink(sink)

	srv := httptest.NewServer(http.HandlerFunc(h.HandleWorker))
	t.Cleanup(srv.Close)

	return h, sink, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { ws.Close() })
	return ws
}

// readFrame reads frames until one of the wanted type arrives, skipping
// unrelated server pushes.
func readFrame(t *testing.T, ws *websocket.Conn, wantType string) map[string]interface{} {
	t.Helper()
	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		_, data, err := ws.ReadMessage()
		require.NoError(t, err)
		var frame map[string]interface{}
		require.NoError(t, json.Unmarshal(data, &frame))
		if frame["type"] == wantType {
			return frame
		}
	}
}

// readClose reads until the connection closes and returns the close code.
func readClose(t *testing.T, ws *websocket.Conn) int {
	t.Helper()
	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		_, _, err := ws.ReadMessage()
		if err == nil {
			continue
		}
		closeErr, ok := err.(*websocket.CloseError)
		require.True(t, ok, "expected close error, got %v", err)
		return closeErr.Code
	}
}

func register(t *testing.T, ws *websocket.Conn, capabilities ...types.Capability) string {
	t.Helper()
	require.NoError(t, ws.WriteJSON(protocol.Register{
		Type:         protocol.TypeRegister,
		Capabilities: capabilities,
		Metadata:     types.WorkerMetadata{Hostname: "test-host"},
	}))
	frame := readFrame(t, ws, protocol.TypeRegistered)
	workerID, _ := frame["workerId"].(string)
	require.NotEmpty(t, workerID)
	return workerID
}

func awaitWorker(t *testing.T, ch chan types.Worker) types.Worker {
	t.Helper()
	select {
	case w := <-ch:
		return w
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for worker event")
		return types.Worker{}
	}
}

func awaitString(t *testing.T, ch chan string) string {
	t.Helper()
	select {
	case s := <-ch:
		return s
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return ""
	}
}

func TestRegisterWithoutAuth(t *testing.T) {
	h, sink, url := startHub(t, Config{})
	ws := dial(t, url)

	capability := types.MakeCapability("observation", "mistral")
	workerID := register(t, ws, capability)

	connected := awaitWorker(t, sink.connected)
	assert.Equal(t, workerID, connected.ID)
	assert.Equal(t, "test-host", connected.Metadata.Hostname)

	assert.Equal(t, 1, h.WorkerCount())
	assert.True(t, h.Capabilities()[capability])
}

func TestAuthFlow(t *testing.T) {
	h, _, url := startHub(t, Config{AuthToken: "secret"})
	ws := dial(t, url)

	readFrame(t, ws, protocol.TypeConnectionPending)

	require.NoError(t, ws.WriteJSON(protocol.Auth{Type: protocol.TypeAuth, Token: "secret"}))
	readFrame(t, ws, protocol.TypeAuthSuccess)

	register(t, ws, types.MakeCapability("observation", "mistral"))
	assert.Equal(t, 1, h.WorkerCount())
}

func TestAuthInvalidToken(t *testing.T) {
	_, _, url := startHub(t, Config{AuthToken: "secret"})
	ws := dial(t, url)

	readFrame(t, ws, protocol.TypeConnectionPending)
	require.NoError(t, ws.WriteJSON(protocol.Auth{Type: protocol.TypeAuth, Token: "wrong"}))

	readFrame(t, ws, protocol.TypeAuthFailed)
	assert.Equal(t, protocol.CloseInvalidToken, readClose(t, ws))
}

func TestUnexpectedAuth(t *testing.T) {
	_, _, url := startHub(t, Config{})
	ws := dial(t, url)

	require.NoError(t, ws.WriteJSON(protocol.Auth{Type: protocol.TypeAuth, Token: "whatever"}))
	assert.Equal(t, protocol.CloseUnexpectedAuth, readClose(t, ws))
}

func TestRegisterBeforeAuth(t *testing.T) {
	_, _, url := startHub(t, Config{AuthToken: "secret"})
	ws := dial(t, url)

	readFrame(t, ws, protocol.TypeConnectionPending)
	require.NoError(t, ws.WriteJSON(protocol.Register{
		Type:         protocol.TypeRegister,
		Capabilities: []types.Capability{types.MakeCapability("observation", "mistral")},
	}))
	assert.Equal(t, protocol.CloseRegisterWithoutAuth, readClose(t, ws))
}

func TestAuthTimeout(t *testing.T) {
	_, _, url := startHub(t, Config{AuthToken: "secret", AuthTimeout: 50 * time.Millisecond})
	ws := dial(t, url)

	readFrame(t, ws, protocol.TypeConnectionPending)
	assert.Equal(t, protocol.CloseAuthTimeout, readClose(t, ws))
}

func TestHeartbeatAck(t *testing.T) {
	_, _, url := startHub(t, Config{})
	ws := dial(t, url)

	workerID := register(t, ws, types.MakeCapability("observation", "mistral"))
	require.NoError(t, ws.WriteJSON(protocol.Heartbeat{Type: protocol.TypeHeartbeat, WorkerID: workerID}))
	readFrame(t, ws, protocol.TypeHeartbeatAck)
}

func TestHeartbeatSweep(t *testing.T) {
	h, sink, url := startHub(t, Config{
		HeartbeatInterval:   30 * time.Millisecond,
		MaxMissedHeartbeats: 1,
	})
	h.Start()
	t.Cleanup(h.Stop)
	ws := dial(t, url)

	register(t, ws, types.MakeCapability("observation", "mistral"))

	assert.Equal(t, protocol.CloseHeartbeatTimeout, readClose(t, ws))
	awaitString(t, sink.disconnected)
	assert.Zero(t, h.WorkerCount())
}

func TestAssignAndComplete(t *testing.T) {
	h, sink, url := startHub(t, Config{})
	ws := dial(t, url)

	capability := types.MakeCapability("observation", "mistral")
	workerID := register(t, ws, capability)
	awaitWorker(t, sink.connected)

	ok := h.AssignTask(workerID, "task-1", types.TaskTypeObservation, []byte(`{"k":"v"}`), capability)
	require.True(t, ok)

	// Busy worker offers no capacity.
	assert.Nil(t, h.FindAvailableWorker(capability))
	assert.Empty(t, h.Capabilities())

	frame := readFrame(t, ws, protocol.TypeTaskAssign)
	task := frame["task"].(map[string]interface{})
	assert.Equal(t, "task-1", task["id"])

	require.NoError(t, ws.WriteJSON(protocol.TaskComplete{
		Type:     protocol.TypeTaskComplete,
		WorkerID: workerID,
		TaskID:   "task-1",
		Result:   []byte(`{"done":true}`),
	}))
	assert.Equal(t, "task-1", awaitString(t, sink.completed))

	require.Eventually(t, func() bool {
		return h.FindAvailableWorker(capability) != nil
	}, 2*time.Second, 10*time.Millisecond, "worker should be idle after completion")
}

func TestAssignBusyWorkerFails(t *testing.T) {
	h, sink, url := startHub(t, Config{})
	ws := dial(t, url)

	capability := types.MakeCapability("observation", "mistral")
	workerID := register(t, ws, capability)
	awaitWorker(t, sink.connected)

	require.True(t, h.AssignTask(workerID, "task-1", types.TaskTypeObservation, nil, capability))
	assert.False(t, h.AssignTask(workerID, "task-2", types.TaskTypeObservation, nil, capability))
}

func TestTaskErrorReachesSink(t *testing.T) {
	h, sink, url := startHub(t, Config{})
	ws := dial(t, url)

	capability := types.MakeCapability("observation", "mistral")
	workerID := register(t, ws, capability)
	awaitWorker(t, sink.connected)

	require.True(t, h.AssignTask(workerID, "task-1", types.TaskTypeObservation, nil, capability))
	readFrame(t, ws, protocol.TypeTaskAssign)

	require.NoError(t, ws.WriteJSON(protocol.TaskError{
		Type:      protocol.TypeTaskError,
		WorkerID:  workerID,
		TaskID:    "task-1",
		Error:     "provider exploded",
		Retryable: true,
	}))
	assert.Equal(t, "task-1", awaitString(t, sink.errored))
}

func TestDisconnectEmitsEvent(t *testing.T) {
	h, sink, url := startHub(t, Config{})
	ws := dial(t, url)

	workerID := register(t, ws, types.MakeCapability("observation", "mistral"))
	awaitWorker(t, sink.connected)

	ws.Close()
	assert.Equal(t, workerID, awaitString(t, sink.disconnected))
	assert.Zero(t, h.WorkerCount())
}

// TestRepeatedRegisterIgnored checks that a second register frame on the
// same connection neither mints a new worker id nor strands the old one in
// the worker table.
func TestRepeatedRegisterIgnored(t *testing.T) {
	h, sink, url := startHub(t, Config{})
	ws := dial(t, url)

	workerID := register(t, ws, types.MakeCapability("observation", "mistral"))
	awaitWorker(t, sink.connected)

	require.NoError(t, ws.WriteJSON(protocol.Register{
		Type:         protocol.TypeRegister,
		Capabilities: []types.Capability{types.MakeCapability("embedding", "openai")},
	}))
	require.NoError(t, ws.WriteJSON(protocol.Heartbeat{Type: protocol.TypeHeartbeat, WorkerID: workerID}))
	readFrame(t, ws, protocol.TypeHeartbeatAck)

	assert.Equal(t, 1, h.WorkerCount())
	assert.Empty(t, sink.connected)
	assert.False(t, h.Capabilities()[types.MakeCapability("embedding", "openai")])
}

// TestFindAvailableWorkerRotation checks that repeated selection does not
// starve any idle candidate.
func TestFindAvailableWorkerRotation(t *testing.T) {
	h, sink, url := startHub(t, Config{})

	capability := types.MakeCapability("observation", "mistral")
	first := dial(t, url)
	register(t, first, capability)
	awaitWorker(t, sink.connected)
	second := dial(t, url)
	register(t, second, capability)
	awaitWorker(t, sink.connected)

	a := h.FindAvailableWorker(capability)
	b := h.FindAvailableWorker(capability)
	require.NotNil(t, a)
	require.NotNil(t, b)
	assert.NotEqual(t, a.ID, b.ID)
}

func TestStopBroadcastsShutdown(t *testing.T) {
	h, sink, url := startHub(t, Config{})
	ws := dial(t, url)

	register(t, ws, types.MakeCapability("observation", "mistral"))
	awaitWorker(t, sink.connected)

	go h.Stop()

	readFrame(t, ws, protocol.TypeServerShutdown)
	assert.Equal(t, protocol.CloseGoingAway, readClose(t, ws))
}
