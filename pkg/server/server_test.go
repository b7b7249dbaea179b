package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/engramhq/engram/pkg/config"
	"github.com/engramhq/engram/pkg/types"
)

func newTestServer(t *testing.T) (*Server, *httptest.Server) {
	t.Helper()

	cfg := config.Defaults()
	cfg.DataDir = t.TempDir()

	s, err := New(cfg, Sources{})
	require.NoError(t, err)

	srv := httptest.NewServer(s.http.Handler)
	t.Cleanup(func() {
		srv.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		require.NoError(t, s.Shutdown(ctx))
	})
	return s, srv
}

func getJSON(t *testing.T, url string, out interface{}) int {
	t.Helper()

	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()

	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func TestHealthz(t *testing.T) {
	_, srv := newTestServer(t)

	var body map[string]interface{}
	status := getJSON(t, srv.URL+"/healthz", &body)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "ok", body["status"])
}

func TestGetTaskEndpoint(t *testing.T) {
	s, srv := newTestServer(t)

	task, err := s.store.CreateTask(types.TaskSpec{
		Type:               types.TaskTypeObservation,
		RequiredCapability: types.MakeCapability("observation", "mistral"),
		Priority:           50,
	})
	require.NoError(t, err)

	var fetched types.Task
	status := getJSON(t, srv.URL+"/api/tasks/"+task.ID, &fetched)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, task.ID, fetched.ID)
	assert.Equal(t, types.TaskStatusPending, fetched.Status)

	var apiErr map[string]string
	status = getJSON(t, srv.URL+"/api/tasks/missing", &apiErr)
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, "task not found", apiErr["error"])
}

func TestStatsEndpoint(t *testing.T) {
	s, srv := newTestServer(t)

	_, err := s.store.CreateTask(types.TaskSpec{
		Type:               types.TaskTypeObservation,
		RequiredCapability: types.MakeCapability("observation", "mistral"),
		Priority:           50,
	})
	require.NoError(t, err)

	var stats struct {
		Tasks   map[string]int `json:"tasks"`
		Workers int            `json:"workers"`
		Hubs    int            `json:"hubs"`
	}
	status := getJSON(t, srv.URL+"/api/stats", &stats)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, 1, stats.Tasks["pending"])
	assert.Zero(t, stats.Workers)
	assert.Zero(t, stats.Hubs)
}

func TestMetricsEndpoint(t *testing.T) {
	_, srv := newTestServer(t)

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
