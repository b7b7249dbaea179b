package dispatcher

import (
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/engramhq/engram/pkg/events"
	"github.com/engramhq/engram/pkg/federation"
	"github.com/engramhq/engram/pkg/log"
	"github.com/engramhq/engram/pkg/metrics"
	"github.com/engramhq/engram/pkg/storage"
	"github.com/engramhq/engram/pkg/types"
)

// LocalTransport is the slice of the worker hub the dispatcher drives.
type LocalTransport interface {
	FindAvailableWorker(capability types.Capability) *types.Worker
	AssignTask(workerID, taskID string, taskType types.TaskType, payload json.RawMessage, capability types.Capability) bool
	CancelTask(workerID, taskID, reason string) error
	Capabilities() map[types.Capability]bool
	WorkerCount() int
}

// HubTransport is the slice of the federation handler the dispatcher drives.
type HubTransport interface {
	RoutableHubs() []federation.RoutableHub
	AssignTask(hubID, taskID string, taskType types.TaskType, payload json.RawMessage, capability types.Capability) bool
	CancelTask(hubID, taskID, reason string) error
	ReleaseTask(hubID string)
	Capabilities() map[types.Capability]bool
	HubCount() int
}

// Config holds dispatcher configuration.
type Config struct {
	PollInterval      time.Duration                    // default 1s
	TaskTimeout       time.Duration                    // default 300s
	TaskTimeoutByType map[types.TaskType]time.Duration // optional per-type override
	SweepInterval     time.Duration                    // default 30s
	Retention         time.Duration                    // terminal row retention, default 24h
	CleanupInterval   time.Duration                    // default 1h
}

func (c *Config) applyDefaults() {
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	if c.TaskTimeout <= 0 {
		c.TaskTimeout = 300 * time.Second
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = 30 * time.Second
	}
	if c.Retention <= 0 {
		c.Retention = 24 * time.Hour
	}
	if c.CleanupInterval <= 0 {
		c.CleanupInterval = time.Hour
	}
}

// Dispatcher drives pending tasks to terminal states. It is the single
// writer of task status outside of enqueue: every transition after creation
// flows through its callbacks or its sweepers.
type Dispatcher struct {
	cfg   Config
	store storage.TaskStore
	local LocalTransport
	fed   HubTransport // may be nil when federation is disabled
	bus   *events.Bus

	trigger chan struct{}
	stopCh  chan struct{}
	wg      sync.WaitGroup

	// dispatchMu does not guard state; it collapses concurrent dispatch
	// cycles so triggers arriving mid-cycle coalesce instead of stacking.
	dispatchMu sync.Mutex
}

// New creates a dispatcher. The federation transport may be nil.
func New(cfg Config, store storage.TaskStore, local LocalTransport, fed HubTransport, bus *events.Bus) *Dispatcher {
	cfg.applyDefaults()
	return &Dispatcher{
		cfg:     cfg,
		store:   store,
		local:   local,
		fed:     fed,
		bus:     bus,
		trigger: make(chan struct{}, 1),
		stopCh:  make(chan struct{}),
	}
}

// Start launches the dispatch loop, the timeout sweeper and the cleanup
// janitor.
func (d *Dispatcher) Start() {
	d.wg.Add(3)
	go d.dispatchLoop()
	go d.timeoutLoop()
	go d.cleanupLoop()
}

// Stop halts all loops. In-flight assignments settle through the timeout
// sweeper on the next start.
func (d *Dispatcher) Stop() {
	close(d.stopCh)
	d.wg.Wait()
}

// Trigger requests a dispatch cycle. Non-blocking; cycles coalesce.
func (d *Dispatcher) Trigger() {
	select {
	case d.trigger <- struct{}{}:
	default:
	}
}

func (d *Dispatcher) dispatchLoop() {
	defer d.wg.Done()

	ticker := time.NewTicker(d.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			d.DispatchPending()
		case <-d.trigger:
			d.DispatchPending()
		case <-d.stopCh:
			return
		}
	}
}

// DispatchPending runs dispatch cycles until no pending task can be placed.
// Safe to call concurrently; assignment is a compare-and-swap on the store,
// so a lost race only costs a wasted cycle.
func (d *Dispatcher) DispatchPending() {
	d.dispatchMu.Lock()
	defer d.dispatchMu.Unlock()

	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.DispatchLatency)

	for d.dispatchOne() {
	}
}

// dispatchOne places at most one task. Returns true when it makes progress
// and another cycle may find more work.
func (d *Dispatcher) dispatchOne() bool {
	if d.local.WorkerCount() == 0 && (d.fed == nil || d.fed.HubCount() == 0) {
		return false
	}

	available := d.local.Capabilities()
	if d.fed != nil {
		for c := range d.fed.Capabilities() {
			available[c] = true
		}
	}
	if len(available) == 0 {
		return false
	}

	task, err := d.store.NextPendingTask(available)
	if err != nil {
		log.WithComponent("dispatcher").Error().Err(err).Msg("pending scan failed")
		return false
	}
	if task == nil {
		return false
	}

	destID, capability, viaHub := d.resolveDestination(task)
	if destID == "" {
		// Capabilities raced away between the scan and resolution.
		return false
	}

	assigned, err := d.store.AssignTask(task.ID, destID)
	if err != nil {
		log.WithTaskID(task.ID).Error().Err(err).Msg("assign failed")
		return false
	}
	if assigned == nil {
		// Another dispatcher won the task; look for the next one.
		return true
	}

	var sent bool
	if viaHub {
		sent = d.fed.AssignTask(destID, task.ID, task.Type, task.Payload, capability)
	} else {
		sent = d.local.AssignTask(destID, task.ID, task.Type, task.Payload, capability)
	}
	if !sent {
		// Destination vanished between resolution and send; release the task.
		if _, err := d.store.UpdateTaskStatus(task.ID, types.TaskStatusPending, nil); err != nil {
			log.WithTaskID(task.ID).Error().Err(err).Msg("release failed")
		}
		// Ending the cycle here avoids hot-looping on a destination that
		// keeps failing; the poll ticker retries shortly.
		log.WithTaskID(task.ID).Warn().Str("destination", destID).Msg("assignment send failed, task released")
		return false
	}

	if _, err := d.store.UpdateTaskStatus(task.ID, types.TaskStatusProcessing, nil); err != nil {
		log.WithTaskID(task.ID).Error().Err(err).Msg("processing transition failed")
	}

	dest := "worker"
	if viaHub {
		dest = "hub"
	}
	metrics.TasksDispatched.WithLabelValues(dest).Inc()
	log.WithTaskID(task.ID).Debug().
		Str("destination", destID).
		Str("capability", string(capability)).
		Bool("federated", viaHub).
		Msg("task dispatched")

	if d.bus != nil {
		d.bus.Publish(events.ChannelTaskAssigned, assigned)
	}
	return true
}

// resolveDestination walks the task's capabilities in declared order,
// required first, then each fallback. For each capability an idle local
// worker beats any hub; among hubs, higher priority wins and ties go to the
// lighter proxy load.
func (d *Dispatcher) resolveDestination(task *types.Task) (destID string, capability types.Capability, viaHub bool) {
	candidates := append([]types.Capability{task.RequiredCapability}, task.FallbackCapabilities...)

	for _, c := range candidates {
		if w := d.local.FindAvailableWorker(c); w != nil {
			return w.ID, c, false
		}
		if d.fed == nil {
			continue
		}
		if hubID := selectHub(d.fed.RoutableHubs(), c); hubID != "" {
			return hubID, c, true
		}
	}
	return "", "", false
}

func selectHub(hubs []federation.RoutableHub, capability types.Capability) string {
	var eligible []federation.RoutableHub
	for _, h := range hubs {
		if h.Hub.Has(capability) {
			eligible = append(eligible, h)
		}
	}
	if len(eligible) == 0 {
		return ""
	}
	sort.Slice(eligible, func(i, j int) bool {
		if eligible[i].Hub.Priority != eligible[j].Hub.Priority {
			return eligible[i].Hub.Priority > eligible[j].Hub.Priority
		}
		if eligible[i].Inflight != eligible[j].Inflight {
			return eligible[i].Inflight < eligible[j].Inflight
		}
		return eligible[i].Hub.Name < eligible[j].Hub.Name
	})
	return eligible[0].Hub.ID
}

// --- hub.TaskEvents ---

// OnWorkerConnected kicks a dispatch cycle for the fresh capacity.
func (d *Dispatcher) OnWorkerConnected(worker types.Worker) {
	log.WithWorkerID(worker.ID).Debug().Msg("worker capacity added")
	d.Trigger()
}

// OnWorkerDisconnected requeues everything the departed worker still owned.
// Not a retry: the worker never productively held the task, so retry_count
// is untouched.
func (d *Dispatcher) OnWorkerDisconnected(workerID string) {
	d.requeueOwned(workerID)
	d.Trigger()
}

// OnTaskComplete finalizes a task with its result. A reply arriving after
// the task already settled (the timeout sweeper got there first) is dropped;
// terminal states never flip.
func (d *Dispatcher) OnTaskComplete(workerID, taskID string, result json.RawMessage, processingTimeMs int64) {
	current, err := d.store.GetTask(taskID)
	if err != nil {
		log.WithTaskID(taskID).Error().Err(err).Msg("completion lookup failed")
		return
	}
	if current == nil {
		log.WithTaskID(taskID).Warn().Msg("completion for unknown task")
		return
	}
	if current.Status.Terminal() {
		log.WithTaskID(taskID).Debug().Str("status", string(current.Status)).Msg("dropping late completion")
		return
	}

	if result == nil {
		result = json.RawMessage("null")
	}
	task, err := d.store.UpdateTaskStatus(taskID, types.TaskStatusCompleted, &storage.TaskPatch{Result: result})
	if err != nil {
		log.WithTaskID(taskID).Error().Err(err).Msg("completion write failed")
		return
	}
	if task == nil {
		log.WithTaskID(taskID).Warn().Msg("completion for unknown task")
		return
	}

	metrics.TasksCompleted.Inc()
	log.WithTaskID(taskID).Info().
		Str("worker_id", workerID).
		Int64("processing_ms", processingTimeMs).
		Msg("task completed")

	if d.bus != nil {
		d.bus.Publish(events.ChannelTaskCompleted, task)
	}
	d.Trigger()
}

// OnTaskError applies the retry policy: a task that still has retry budget
// re-enters the pending pool in normal ordering (no dispatcher-side
// backoff); otherwise it fails terminally. Non-retryable errors fail
// immediately with the retry counter raised to its cap.
func (d *Dispatcher) OnTaskError(workerID, taskID, errMsg string, retryable bool) {
	task, err := d.store.GetTask(taskID)
	if err != nil {
		log.WithTaskID(taskID).Error().Err(err).Msg("error lookup failed")
		return
	}
	if task == nil {
		log.WithTaskID(taskID).Warn().Msg("error for unknown task")
		return
	}
	if task.Status.Terminal() {
		log.WithTaskID(taskID).Debug().Str("status", string(task.Status)).Msg("dropping late error reply")
		return
	}

	if !retryable || task.RetryCount >= task.MaxRetries {
		retries := task.RetryCount
		if !retryable && retries < task.MaxRetries {
			retries = task.MaxRetries
		}
		failed, err := d.store.UpdateTaskStatus(taskID, types.TaskStatusFailed, &storage.TaskPatch{
			Error:      &errMsg,
			RetryCount: &retries,
		})
		if err != nil {
			log.WithTaskID(taskID).Error().Err(err).Msg("failure write failed")
			return
		}

		metrics.TasksFailed.Inc()
		log.WithTaskID(taskID).Warn().
			Str("worker_id", workerID).
			Str("error", errMsg).
			Int("retry_count", retries).
			Msg("task failed")

		if d.bus != nil && failed != nil {
			d.bus.Publish(events.ChannelTaskFailed, failed)
		}
	} else {
		retries := task.RetryCount + 1
		if _, err := d.store.UpdateTaskStatus(taskID, types.TaskStatusPending, &storage.TaskPatch{
			Error:      &errMsg,
			RetryCount: &retries,
		}); err != nil {
			log.WithTaskID(taskID).Error().Err(err).Msg("retry write failed")
			return
		}

		metrics.TaskRetries.Inc()
		log.WithTaskID(taskID).Info().
			Str("error", errMsg).
			Int("retry_count", retries).
			Msg("task retrying")
	}

	d.Trigger()
}

// OnTaskProgress relays progress onto the bus; no task state changes.
func (d *Dispatcher) OnTaskProgress(workerID, taskID string, progress float64, message string) {
	if d.bus != nil {
		d.bus.Publish(events.ChannelTaskProgress, map[string]interface{}{
			"taskId":   taskID,
			"workerId": workerID,
			"progress": progress,
			"message":  message,
		})
	}
}

// --- federation.Events ---
// Hub-routed tasks store the hub id in the same assignment column a worker
// id would occupy, so the callbacks share the worker paths.

func (d *Dispatcher) OnHubConnected(hub types.Hub) {
	log.WithHubID(hub.ID).Debug().Msg("federated capacity added")
	d.Trigger()
}

func (d *Dispatcher) OnHubDisconnected(hubID string) {
	d.requeueOwned(hubID)
	d.Trigger()
}

func (d *Dispatcher) OnHubTaskComplete(hubID, taskID string, result json.RawMessage, processingTimeMs int64) {
	d.OnTaskComplete(hubID, taskID, result, processingTimeMs)
}

func (d *Dispatcher) OnHubTaskError(hubID, taskID, errMsg string, retryable bool) {
	d.OnTaskError(hubID, taskID, errMsg, retryable)
}

func (d *Dispatcher) OnHubTaskProgress(hubID, taskID string, progress float64, message string) {
	d.OnTaskProgress(hubID, taskID, progress, message)
}

// Cancel asks the owning transport to abort a task. The task's state is not
// touched here: the terminal transition arrives through the worker's
// task:error reply or its disconnection.
func (d *Dispatcher) Cancel(taskID, reason string) error {
	task, err := d.store.GetTask(taskID)
	if err != nil || task == nil || task.AssignedWorkerID == "" {
		return err
	}
	if err := d.local.CancelTask(task.AssignedWorkerID, taskID, reason); err == nil {
		return nil
	}
	if d.fed != nil {
		return d.fed.CancelTask(task.AssignedWorkerID, taskID, reason)
	}
	return nil
}

func (d *Dispatcher) requeueOwned(ownerID string) {
	tasks, err := d.store.TasksByWorker(ownerID)
	if err != nil {
		log.WithComponent("dispatcher").Error().Err(err).Msg("owned task scan failed")
		return
	}
	for _, t := range tasks {
		if t.Status != types.TaskStatusAssigned && t.Status != types.TaskStatusProcessing {
			continue
		}
		if _, err := d.store.UpdateTaskStatus(t.ID, types.TaskStatusPending, nil); err != nil {
			log.WithTaskID(t.ID).Error().Err(err).Msg("requeue failed")
			continue
		}
		log.WithTaskID(t.ID).Info().Str("owner", ownerID).Msg("task requeued after disconnect")
	}
}

func (d *Dispatcher) timeoutLoop() {
	defer d.wg.Done()

	ticker := time.NewTicker(d.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			d.SweepTimeouts()
		case <-d.stopCh:
			return
		}
	}
}

// SweepTimeouts transitions assigned/processing tasks that outlived their
// timeout to the terminal timeout state. Retrying a timed-out task is the
// queue consumer's responsibility, not the dispatcher's.
func (d *Dispatcher) SweepTimeouts() {
	for _, status := range []types.TaskStatus{types.TaskStatusAssigned, types.TaskStatusProcessing} {
		tasks, err := d.store.ListTasks(storage.TaskFilter{Status: status}, storage.ListOptions{})
		if err != nil {
			log.WithComponent("dispatcher").Error().Err(err).Msg("timeout scan failed")
			return
		}
		for _, t := range tasks {
			timeout := d.cfg.TaskTimeout
			if override, ok := d.cfg.TaskTimeoutByType[t.Type]; ok {
				timeout = override
			}
			if t.AssignedAt.IsZero() || time.Since(t.AssignedAt) <= timeout {
				continue
			}

			errMsg := "Task timed out"
			timedOut, err := d.store.UpdateTaskStatus(t.ID, types.TaskStatusTimeout, &storage.TaskPatch{Error: &errMsg})
			if err != nil {
				log.WithTaskID(t.ID).Error().Err(err).Msg("timeout write failed")
				continue
			}

			metrics.TasksTimedOut.Inc()
			log.WithTaskID(t.ID).Warn().
				Str("worker_id", t.AssignedWorkerID).
				Msg("task timed out")

			// A hub-routed task that settles here never produces the reply
			// that would free its proxy slot. Unknown owner ids are a no-op.
			if d.fed != nil && t.AssignedWorkerID != "" {
				d.fed.ReleaseTask(t.AssignedWorkerID)
			}

			if d.bus != nil && timedOut != nil {
				d.bus.Publish(events.ChannelTaskTimeout, timedOut)
			}
		}
	}
}

func (d *Dispatcher) cleanupLoop() {
	defer d.wg.Done()

	ticker := time.NewTicker(d.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			deleted, err := d.store.CleanupTasks(d.cfg.Retention)
			if err != nil {
				log.WithComponent("dispatcher").Error().Err(err).Msg("cleanup failed")
				continue
			}
			if deleted > 0 {
				log.WithComponent("dispatcher").Info().Int("deleted", deleted).Msg("terminal tasks cleaned up")
			}
		case <-d.stopCh:
			return
		}
	}
}
