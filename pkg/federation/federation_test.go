package federation

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
	"github.com/engramhq/engram/pkg/storage"
	"github.com/engramhq/engram/pkg/types"
)

type hubSink struct {
	connected    chan types.Hub
	disconnected chan string
	completed    chan string
	errored      chan string
}

func newHubSink() *hubSink {
	return &hubSink{
		connected:    make(chan types.Hub, 8),
		disconnected: make(chan string, 8),
		completed:    make(chan string, 8),
		errored:      make(chan string, 8),
	}
}

func (s *hubSink) OnHubConnected(h types.Hub)    { s.connected <- h }
func (s *hubSink) OnHubDisconnected(hubID string) { s.disconnected <- hubID }
func (s *hubSink) OnHubTaskComplete(hubID, taskID string, result json.RawMessage, ms int64) {
	s.completed <- taskID
}
func (s *hubSink) OnHubTaskError(hubID, taskID, errMsg string, retryable bool) {
	s.errored <- taskID
}
func (s *hubSink) OnHubTaskProgress(hubID, taskID string, progress float64, message string) {}

func startHandler(t *testing.T, cfg Config) (*Handler, *hubSink, *storage.BoltStore, string) {
	t.Helper()

	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	f := New(cfg, store, events.NewBus(16))
	sink := newHubSink()
	f.SetSink(sink)

	srv := httptest.NewServer(http.HandlerFunc(f.HandleHub))
	t.Cleanup(srv.Close)

	return f, sink, store, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dialHub(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { ws.Close() })
	return ws
}

func readHubFrame(t *testing.T, ws *websocket.Conn, wantType string) map[string]interface{} {
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

func registerHub(t *testing.T, ws *websocket.Conn, name string, priority int, capabilities ...types.Capability) string {
	t.Helper()
	require.NoError(t, ws.WriteJSON(protocol.HubRegister{
		Type:         protocol.TypeHubRegister,
		Name:         name,
		Priority:     priority,
		Capabilities: capabilities,
	}))
	frame := readHubFrame(t, ws, protocol.TypeHubRegistered)
	hubID, _ := frame["workerId"].(string)
	require.NotEmpty(t, hubID)
	return hubID
}

func TestHubRegisterPersists(t *testing.T) {
	f, sink, store, url := startHandler(t, Config{})
	ws := dialHub(t, url)

	capability := types.MakeCapability("observation", "mistral")
	hubID := registerHub(t, ws, "edge-1", 10, capability)

	connected := <-sink.connected
	assert.Equal(t, hubID, connected.ID)
	assert.Equal(t, "edge-1", connected.Name)

	stored, err := store.GetHub(hubID)
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, types.HubStatusHealthy, stored.Status)
	assert.Equal(t, types.HubTypeExternal, stored.Type)

	assert.Equal(t, 1, f.HubCount())
	assert.True(t, f.Capabilities()[capability])
}

// TestHubReregisterKeepsIdentity checks that a hub reconnecting under the
// same name keeps its registry row.
func TestHubReregisterKeepsIdentity(t *testing.T) {
	_, sink, _, url := startHandler(t, Config{})

	first := dialHub(t, url)
	firstID := registerHub(t, first, "edge-1", 10)
	<-sink.connected
	first.Close()
	<-sink.disconnected

	second := dialHub(t, url)
	secondID := registerHub(t, second, "edge-1", 10)
	assert.Equal(t, firstID, secondID)
}

func TestHubHealthUpdates(t *testing.T) {
	f, sink, store, url := startHandler(t, Config{})
	ws := dialHub(t, url)

	hubID := registerHub(t, ws, "edge-1", 10, types.MakeCapability("observation", "mistral"))
	<-sink.connected

	require.NoError(t, ws.WriteJSON(protocol.HubHealth{
		Type:             protocol.TypeHubHealth,
		HubID:            hubID,
		Status:           types.HubStatusDegraded,
		ConnectedWorkers: 5,
		ActiveWorkers:    2,
		AvgLatencyMs:     12.5,
	}))
	readHubFrame(t, ws, protocol.TypeHubHealthAck)

	hubs := f.RoutableHubs()
	require.Len(t, hubs, 1)
	assert.Equal(t, types.HubStatusDegraded, hubs[0].Hub.Status)
	assert.Equal(t, 5, hubs[0].Hub.ConnectedWorkers)

	stored, err := store.GetHub(hubID)
	require.NoError(t, err)
	assert.Equal(t, types.HubStatusDegraded, stored.Status)
}

func TestAssignTracksInflight(t *testing.T) {
	f, sink, _, url := startHandler(t, Config{})
	ws := dialHub(t, url)

	capability := types.MakeCapability("observation", "mistral")
	hubID := registerHub(t, ws, "edge-1", 10, capability)
	<-sink.connected

	require.True(t, f.AssignTask(hubID, "task-1", types.TaskTypeObservation, []byte(`{}`), capability))

	frame := readHubFrame(t, ws, protocol.TypeHubTaskAssign)
	task := frame["task"].(map[string]interface{})
	assert.Equal(t, "task-1", task["id"])

	hubs := f.RoutableHubs()
	require.Len(t, hubs, 1)
	assert.Equal(t, 1, hubs[0].Inflight)

	require.NoError(t, ws.WriteJSON(protocol.HubTaskComplete{
		Type:   protocol.TypeHubTaskComplete,
		HubID:  hubID,
		TaskID: "task-1",
		Result: []byte(`{"ok":true}`),
	}))
	assert.Equal(t, "task-1", <-sink.completed)

	require.Eventually(t, func() bool {
		hubs := f.RoutableHubs()
		return len(hubs) == 1 && hubs[0].Inflight == 0
	}, 2*time.Second, 10*time.Millisecond)
}

// TestReleaseTaskFreesSlot covers settling without a hub reply: the inflight
// counter drops and never goes negative.
func TestReleaseTaskFreesSlot(t *testing.T) {
	f, sink, _, url := startHandler(t, Config{})
	ws := dialHub(t, url)

	capability := types.MakeCapability("observation", "mistral")
	hubID := registerHub(t, ws, "edge-1", 10, capability)
	<-sink.connected

	require.True(t, f.AssignTask(hubID, "task-1", types.TaskTypeObservation, nil, capability))
	readHubFrame(t, ws, protocol.TypeHubTaskAssign)

	f.ReleaseTask(hubID)
	hubs := f.RoutableHubs()
	require.Len(t, hubs, 1)
	assert.Zero(t, hubs[0].Inflight)

	f.ReleaseTask(hubID)
	f.ReleaseTask("missing")
	hubs = f.RoutableHubs()
	require.Len(t, hubs, 1)
	assert.Zero(t, hubs[0].Inflight)
}

func TestAssignUnknownHubFails(t *testing.T) {
	f, _, _, _ := startHandler(t, Config{})
	assert.False(t, f.AssignTask("missing", "task-1", types.TaskTypeObservation, nil, types.MakeCapability("observation", "mistral")))
}

func TestHubDisconnectMarksOffline(t *testing.T) {
	f, sink, store, url := startHandler(t, Config{})
	ws := dialHub(t, url)

	hubID := registerHub(t, ws, "edge-1", 10)
	<-sink.connected

	ws.Close()
	assert.Equal(t, hubID, <-sink.disconnected)
	assert.Zero(t, f.HubCount())

	require.Eventually(t, func() bool {
		stored, err := store.GetHub(hubID)
		return err == nil && stored != nil && stored.Status == types.HubStatusOffline
	}, 2*time.Second, 10*time.Millisecond)
}

// TestReconnectDelayBounds checks the backoff schedule: within [0.8, 1.2]
// of the doubling base, never above 1.2 × cap.
func TestReconnectDelayBounds(t *testing.T) {
	for attempt := 0; attempt < 10; attempt++ {
		for i := 0; i < 50; i++ {
			delay := ReconnectDelay(attempt)

			expected := reconnectBase
			for j := 0; j < attempt && expected < reconnectCap; j++ {
				expected *= 2
			}
			if expected > reconnectCap {
				expected = reconnectCap
			}

			assert.GreaterOrEqual(t, delay, time.Duration(0.8*float64(expected)))
			assert.LessOrEqual(t, delay, time.Duration(1.2*float64(expected)))
		}
	}
}
