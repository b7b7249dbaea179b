package client

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/engramhq/engram/pkg/types"
)

func newFakeBackend(t *testing.T) *httptest.Server {
	t.Helper()

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"status":"ok"}`))
	})
	mux.HandleFunc("/api/stats", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"tasks":{"pending":2,"completed":5},"workers":3,"hubs":1,"subscribers":4}`))
	})
	mux.HandleFunc("/api/tasks/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/tasks/t1" {
			w.Write([]byte(`{"id":"t1","type":"observation","status":"completed"}`))
			return
		}
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"error":"task not found"}`))
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestGetTask(t *testing.T) {
	c := New(newFakeBackend(t).URL)

	task, err := c.GetTask(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, "t1", task.ID)
	assert.Equal(t, types.TaskStatusCompleted, task.Status)
}

func TestGetTaskNotFound(t *testing.T) {
	c := New(newFakeBackend(t).URL)

	_, err := c.GetTask(context.Background(), "missing")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "task not found")
}

func TestGetStats(t *testing.T) {
	c := New(newFakeBackend(t).URL)

	stats, err := c.GetStats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Tasks[types.TaskStatusPending])
	assert.Equal(t, 3, stats.Workers)
	assert.Equal(t, 1, stats.Hubs)
}

func TestHealthy(t *testing.T) {
	c := New(newFakeBackend(t).URL)
	assert.True(t, c.Healthy(context.Background()))

	down := New("http://127.0.0.1:1")
	assert.False(t, down.Healthy(context.Background()))
}
