package worker

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/engramhq/engram/pkg/events"
	"github.com/engramhq/engram/pkg/hub"
	"github.com/engramhq/engram/pkg/protocol"
	"github.com/engramhq/engram/pkg/types"
)

type captureSink struct {
	connected chan types.Worker
	completed chan json.RawMessage
	errored   chan bool // retryable flag
}

func newCaptureSink() *captureSink {
	return &captureSink{
		connected: make(chan types.Worker, 4),
		completed: make(chan json.RawMessage, 4),
		errored:   make(chan bool, 4),
	}
}

func (s *captureSink) OnWorkerConnected(w types.Worker) { s.connected <- w }
func (s *captureSink) OnWorkerDisconnected(id string)   {}
func (s *captureSink) OnTaskComplete(workerID, taskID string, result json.RawMessage, ms int64) {
	s.completed <- result
}
func (s *captureSink) OnTaskError(workerID, taskID, errMsg string, retryable bool) {
	s.errored <- retryable
}
func (s *captureSink) OnTaskProgress(workerID, taskID string, progress float64, message string) {}

func startServer(t *testing.T, cfg hub.Config) (*hub.Hub, *captureSink, string) {
	t.Helper()

	h := hub.New(cfg, events.NewBus(16))
	sink := newCaptureSink()
	h.SetSink(sink)

	srv := httptest.NewServer(http.HandlerFunc(h.HandleWorker))
	t.Cleanup(srv.Close)

	return h, sink, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func runWorker(t *testing.T, cfg Config) *Worker {
	t.Helper()

	w := New(cfg)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = w.Run(ctx)
	}()
	t.Cleanup(func() {
		w.Stop()
		cancel()
		<-done
	})
	return w
}

func awaitRegistered(t *testing.T, sink *captureSink) types.Worker {
	t.Helper()
	select {
	case w := <-sink.connected:
		return w
	case <-time.After(2 * time.Second):
		t.Fatal("worker never registered")
		return types.Worker{}
	}
}

func TestWorkerRegistersAndCompletes(t *testing.T) {
	h, sink, url := startServer(t, hub.Config{})

	capability := types.MakeCapability("observation", "mistral")
	w := runWorker(t, Config{
		URL:          url,
		Capabilities: []types.Capability{capability},
		Metadata:     types.WorkerMetadata{Hostname: "test"},
		Handler: func(ctx context.Context, task protocol.AssignedTask) (json.RawMessage, error) {
			return []byte(`{"echo":true}`), nil
		},
	})

	registered := awaitRegistered(t, sink)
	require.Eventually(t, func() bool {
		return w.ID() == registered.ID
	}, 2*time.Second, 10*time.Millisecond)

	require.True(t, h.AssignTask(registered.ID, "task-1", types.TaskTypeObservation, []byte(`{}`), capability))

	select {
	case result := <-sink.completed:
		assert.JSONEq(t, `{"echo":true}`, string(result))
	case <-time.After(2 * time.Second):
		t.Fatal("no completion arrived")
	}
}

func TestWorkerAuthenticates(t *testing.T) {
	_, sink, url := startServer(t, hub.Config{AuthToken: "secret"})

	runWorker(t, Config{
		URL:   url,
		Token: "secret",
		Capabilities: []types.Capability{
			types.MakeCapability("observation", "mistral"),
		},
		Handler: func(ctx context.Context, task protocol.AssignedTask) (json.RawMessage, error) {
			return nil, nil
		},
	})

	awaitRegistered(t, sink)
}

func TestWorkerReportsRetryableError(t *testing.T) {
	h, sink, url := startServer(t, hub.Config{})

	capability := types.MakeCapability("observation", "mistral")
	runWorker(t, Config{
		URL:          url,
		Capabilities: []types.Capability{capability},
		Handler: func(ctx context.Context, task protocol.AssignedTask) (json.RawMessage, error) {
			return nil, errors.New("transient provider failure")
		},
	})

	registered := awaitRegistered(t, sink)
	require.True(t, h.AssignTask(registered.ID, "task-1", types.TaskTypeObservation, nil, capability))

	select {
	case retryable := <-sink.errored:
		assert.True(t, retryable)
	case <-time.After(2 * time.Second):
		t.Fatal("no error reply arrived")
	}
}

func TestWorkerReportsPermanentError(t *testing.T) {
	h, sink, url := startServer(t, hub.Config{})

	capability := types.MakeCapability("observation", "mistral")
	runWorker(t, Config{
		URL:          url,
		Capabilities: []types.Capability{capability},
		Handler: func(ctx context.Context, task protocol.AssignedTask) (json.RawMessage, error) {
			return nil, Permanent(errors.New("malformed payload"))
		},
	})

	registered := awaitRegistered(t, sink)
	require.True(t, h.AssignTask(registered.ID, "task-1", types.TaskTypeObservation, nil, capability))

	select {
	case retryable := <-sink.errored:
		assert.False(t, retryable)
	case <-time.After(2 * time.Second):
		t.Fatal("no error reply arrived")
	}
}

func TestPermanentWrapping(t *testing.T) {
	base := errors.New("boom")
	assert.True(t, IsPermanent(Permanent(base)))
	assert.False(t, IsPermanent(base))
	assert.ErrorIs(t, Permanent(base), base)
	assert.Nil(t, Permanent(nil))
}

func TestReconnectDelayBounds(t *testing.T) {
	cfg := Config{ReconnectBase: 5 * time.Second, ReconnectMax: 25 * time.Second}

	for attempt := 0; attempt < 8; attempt++ {
		delay := cfg.ReconnectDelay(attempt)
		assert.GreaterOrEqual(t, delay, time.Duration(0.8*float64(5*time.Second)))
		assert.LessOrEqual(t, delay, time.Duration(1.2*float64(25*time.Second)))
	}
}
