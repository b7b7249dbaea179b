// Package client is a small HTTP client for the backend's REST surface,
// used by CLI tooling and tests.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/engramhq/engram/pkg/types"
)

// Stats is the response of the stats endpoint.
type Stats struct {
	Tasks       map[types.TaskStatus]int `json:"tasks"`
	Workers     int                      `json:"workers"`
	Hubs        int                      `json:"hubs"`
	Subscribers int                      `json:"subscribers"`
}

// Client talks to one backend instance.
type Client struct {
	baseURL string
	http    *http.Client
}

// New creates a client for the given base URL, e.g. "http://localhost:3737".
func New(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 10 * time.Second},
	}
}

// GetTask fetches one task row.
func (c *Client) GetTask(ctx context.Context, taskID string) (*types.Task, error) {
	var task types.Task
	if err := c.get(ctx, "/api/tasks/"+taskID, &task); err != nil {
		return nil, err
	}
	return &task, nil
}

// GetStats fetches queue depth and connection counts.
func (c *Client) GetStats(ctx context.Context) (*Stats, error) {
	var stats Stats
	if err := c.get(ctx, "/api/stats", &stats); err != nil {
		return nil, err
	}
	return &stats, nil
}

// Healthy reports whether the backend answers its health check.
func (c *Client) Healthy(ctx context.Context) bool {
	var out map[string]interface{}
	return c.get(ctx, "/healthz", &out) == nil
}

func (c *Client) get(ctx context.Context, path string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var apiErr struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&apiErr)
		if apiErr.Error != "" {
			return fmt.Errorf("%s: %s", resp.Status, apiErr.Error)
		}
		return fmt.Errorf("unexpected status %s", resp.Status)
	}

	return json.NewDecoder(resp.Body).Decode(out)
}
