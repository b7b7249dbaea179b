package metrics

import (
	"time"

	"github.com/engramhq/engram/pkg/types"
)

// TaskCounter is the slice of the task store the collector reads.
type TaskCounter interface {
	CountTasksByStatus() (map[types.TaskStatus]int, error)
}

// Collector periodically refreshes queue-depth gauges from the task store.
type Collector struct {
	counter TaskCounter
	stopCh  chan struct{}
}

// NewCollector creates a new metrics collector
func NewCollector(counter TaskCounter) *Collector {
	return &Collector{
		counter: counter,
		stopCh:  make(chan struct{}),
	}
}

// Start begins collecting metrics
func (c *Collector) Start() {
	ticker := time.NewTicker(15 * time.Second)
	go func() {
		c.collect()

		for {
			select {
			case <-ticker.C:
				c.collect()
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop stops the collector
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect() {
	counts, err := c.counter.CountTasksByStatus()
	if err != nil {
		return
	}

	statuses := []types.TaskStatus{
		types.TaskStatusPending,
		types.TaskStatusAssigned,
		types.TaskStatusProcessing,
		types.TaskStatusCompleted,
		types.TaskStatusFailed,
		types.TaskStatusTimeout,
	}
	for _, s := range statuses {
		TasksTotal.WithLabelValues(string(s)).Set(float64(counts[s]))
	}
}
