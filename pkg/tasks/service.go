package tasks

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	gocache "github.com/patrickmn/go-cache"

	"github.com/engramhq/engram/pkg/events"
	"github.com/engramhq/engram/pkg/log"
	"github.com/engramhq/engram/pkg/metrics"
	"github.com/engramhq/engram/pkg/storage"
	"github.com/engramhq/engram/pkg/types"
)

// Sentinel errors surfaced by the service.
var (
	ErrQueueFull   = errors.New("task queue is full")
	ErrTaskFailed  = errors.New("task failed")
	ErrTaskTimeout = errors.New("task timed out")
	ErrNotFound    = errors.New("task not found")
)

// Observation is the slice of an ingested tool event the service prefetches
// into worker payloads.
type Observation struct {
	ID        string          `json:"id"`
	SessionID string          `json:"sessionId"`
	Project   string          `json:"project"`
	Cwd       string          `json:"cwd,omitempty"`
	Content   json.RawMessage `json:"content"`
	CreatedAt time.Time       `json:"createdAt"`
}

// Summary is a previously generated session summary.
type Summary struct {
	ID        string    `json:"id"`
	SessionID string    `json:"sessionId"`
	Project   string    `json:"project"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"createdAt"`
}

// ObservationSource provides observation rows owned elsewhere.
type ObservationSource interface {
	BySession(sessionID string) ([]Observation, error)
	RecentByProject(project string, limit int) ([]Observation, error)
}

// SessionSource provides the user prompt that opened a session.
type SessionSource interface {
	UserPrompt(sessionID string) (string, error)
}

// SummarySource provides previously generated summaries.
type SummarySource interface {
	RecentByProject(project string, limit int) ([]Summary, error)
}

// Config holds service tuning knobs.
type Config struct {
	MaxPendingTasks int           // backpressure cap, default 100
	PrefetchTTL     time.Duration // session context cache TTL, default 5m
	SearchPoll      time.Duration // semantic search poll fallback, default 500ms
}

func (c *Config) applyDefaults() {
	if c.MaxPendingTasks <= 0 {
		c.MaxPendingTasks = 100
	}
	if c.PrefetchTTL <= 0 {
		c.PrefetchTTL = 5 * time.Minute
	}
	if c.SearchPoll <= 0 {
		c.SearchPoll = 500 * time.Millisecond
	}
}

// Service is the typed enqueue API over the task store. Each operation
// resolves capabilities from the routing policy, enforces the backpressure
// cap, persists the row and announces it on the bus.
type Service struct {
	cfg    Config
	store  storage.TaskStore
	bus    *events.Bus
	policy Policy

	observations ObservationSource
	sessions     SessionSource
	summaries    SummarySource

	prefetch *gocache.Cache
}

// New creates a task service. The collaborator sources may be nil; prefetch
// steps degrade to empty payload sections.
func New(cfg Config, store storage.TaskStore, bus *events.Bus, policy Policy,
	observations ObservationSource, sessions SessionSource, summaries SummarySource) *Service {
	cfg.applyDefaults()
	return &Service{
		cfg:          cfg,
		store:        store,
		bus:          bus,
		policy:       policy,
		observations: observations,
		sessions:     sessions,
		summaries:    summaries,
		prefetch:     gocache.New(cfg.PrefetchTTL, 2*cfg.PrefetchTTL),
	}
}

// ObservationParams carries one tool invocation to record.
type ObservationParams struct {
	SessionID         string
	Project           string
	ToolName          string
	ToolInput         string
	ToolOutput        string
	PromptNumber      int
	PreferredProvider string
	GitBranch         string
	Cwd               string
	TargetDirectory   string
}

type observationPayload struct {
	SessionID       string `json:"sessionId"`
	Project         string `json:"project"`
	ToolName        string `json:"toolName"`
	ToolInput       string `json:"toolInput"`
	ToolOutput      string `json:"toolOutput"`
	PromptNumber    int    `json:"promptNumber,omitempty"`
	GitBranch       string `json:"gitBranch,omitempty"`
	Cwd             string `json:"cwd,omitempty"`
	TargetDirectory string `json:"targetDirectory,omitempty"`
}

// QueueObservation enqueues extraction of an observation from a tool event.
func (s *Service) QueueObservation(p ObservationParams) (*types.Task, error) {
	payload, err := json.Marshal(observationPayload{
		SessionID:       p.SessionID,
		Project:         p.Project,
		ToolName:        p.ToolName,
		ToolInput:       p.ToolInput,
		ToolOutput:      p.ToolOutput,
		PromptNumber:    p.PromptNumber,
		GitBranch:       p.GitBranch,
		Cwd:             p.Cwd,
		TargetDirectory: p.TargetDirectory,
	})
	if err != nil {
		return nil, err
	}

	dedup := fmt.Sprintf("obs:%s:%d:%s:%s", p.SessionID, p.PromptNumber, p.ToolName, digest(p.ToolOutput))
	return s.enqueue(types.TaskTypeObservation, p.PreferredProvider, payload, dedup, false)
}

type summarizePayload struct {
	SessionID    string        `json:"sessionId"`
	Project      string        `json:"project"`
	UserPrompt   string        `json:"userPrompt,omitempty"`
	Observations []Observation `json:"observations"`
}

// QueueSummarize enqueues summarization of a session. The session's user
// prompt and observation set are prefetched into the payload so the worker
// needs no read access to the backend stores.
func (s *Service) QueueSummarize(sessionID, project, preferredProvider string) (*types.Task, error) {
	prompt, observations := s.sessionContext(sessionID)

	payload, err := json.Marshal(summarizePayload{
		SessionID:    sessionID,
		Project:      project,
		UserPrompt:   prompt,
		Observations: observations,
	})
	if err != nil {
		return nil, err
	}

	return s.enqueue(types.TaskTypeSummarize, preferredProvider, payload, "summarize:"+sessionID, false)
}

type embeddingPayload struct {
	ObservationIDs []string `json:"observationIds"`
}

// QueueEmbedding enqueues embedding generation for a set of observations.
func (s *Service) QueueEmbedding(observationIDs []string, preferredProvider string) (*types.Task, error) {
	payload, err := json.Marshal(embeddingPayload{ObservationIDs: observationIDs})
	if err != nil {
		return nil, err
	}

	sorted := append([]string(nil), observationIDs...)
	sort.Strings(sorted)
	dedup := "embed:" + digest(strings.Join(sorted, ","))

	return s.enqueue(types.TaskTypeEmbedding, preferredProvider, payload, dedup, false)
}

type contextPayload struct {
	Project      string        `json:"project"`
	Query        string        `json:"query,omitempty"`
	Limit        int           `json:"limit,omitempty"`
	Observations []Observation `json:"observations"`
}

// QueueContextGenerate enqueues context generation for a project, seeding
// the payload with the project's recent observations.
func (s *Service) QueueContextGenerate(project, query string, limit int) (*types.Task, error) {
	if limit <= 0 {
		limit = 50
	}

	var recent []Observation
	if s.observations != nil {
		var err error
		recent, err = s.observations.RecentByProject(project, limit)
		if err != nil {
			log.WithComponent("tasks").Warn().Err(err).Str("project", project).Msg("observation prefetch failed")
		}
	}

	payload, err := json.Marshal(contextPayload{
		Project:      project,
		Query:        query,
		Limit:        limit,
		Observations: recent,
	})
	if err != nil {
		return nil, err
	}

	dedup := fmt.Sprintf("ctx:%s:%s", project, digest(query))
	return s.enqueue(types.TaskTypeContextGenerate, "", payload, dedup, false)
}

// ClaudeMdParams identifies the session whose activity should be distilled
// into a CLAUDE.md update.
type ClaudeMdParams struct {
	ContentSessionID string
	MemorySessionID  string
	Project          string
	WorkingDirectory string
	TargetDirectory  string
}

type claudeMdPayload struct {
	ContentSessionID string        `json:"contentSessionId"`
	MemorySessionID  string        `json:"memorySessionId"`
	Project          string        `json:"project"`
	WorkingDirectory string        `json:"workingDirectory,omitempty"`
	TargetDirectory  string        `json:"targetDirectory,omitempty"`
	Observations     []Observation `json:"observations"`
	Summaries        []Summary     `json:"summaries"`
}

// QueueClaudeMd enqueues a CLAUDE.md regeneration. Bursts for the same
// project and memory session coalesce onto the active task: duplicates
// return (nil, nil).
func (s *Service) QueueClaudeMd(p ClaudeMdParams) (*types.Task, error) {
	var observations []Observation
	if s.observations != nil {
		rows, err := s.observations.BySession(p.ContentSessionID)
		if err != nil {
			log.WithComponent("tasks").Warn().Err(err).Str("session_id", p.ContentSessionID).Msg("observation prefetch failed")
		}
		for _, o := range rows {
			if p.TargetDirectory != "" && !strings.HasPrefix(o.Cwd, p.TargetDirectory) {
				continue
			}
			observations = append(observations, o)
		}
	}

	var summaries []Summary
	if s.summaries != nil {
		var err error
		summaries, err = s.summaries.RecentByProject(p.Project, 10)
		if err != nil {
			log.WithComponent("tasks").Warn().Err(err).Str("project", p.Project).Msg("summary prefetch failed")
		}
	}

	payload, err := json.Marshal(claudeMdPayload{
		ContentSessionID: p.ContentSessionID,
		MemorySessionID:  p.MemorySessionID,
		Project:          p.Project,
		WorkingDirectory: p.WorkingDirectory,
		TargetDirectory:  p.TargetDirectory,
		Observations:     observations,
		Summaries:        summaries,
	})
	if err != nil {
		return nil, err
	}

	dedup := fmt.Sprintf("claudemd:%s:%s", p.Project, p.MemorySessionID)
	return s.enqueue(types.TaskTypeClaudeMd, "", payload, dedup, true)
}

type searchPayload struct {
	Query   string                 `json:"query"`
	Filters map[string]interface{} `json:"filters,omitempty"`
	Limit   int                    `json:"limit,omitempty"`
}

// ExecuteSemanticSearch enqueues a search task and blocks until it settles.
// The result arrives through a bus subscription; a slow poll covers the
// bus's best-effort delivery. Returns ErrTaskFailed or ErrTaskTimeout when
// the task ends badly, and the context error when the caller gives up first.
func (s *Service) ExecuteSemanticSearch(ctx context.Context, query string, filters map[string]interface{}, limit int, timeout time.Duration) (json.RawMessage, error) {
	payload, err := json.Marshal(searchPayload{Query: query, Filters: filters, Limit: limit})
	if err != nil {
		return nil, err
	}

	task, err := s.enqueue(types.TaskTypeSemanticSearch, "", payload, "search:"+uuid.New().String(), false)
	if err != nil {
		return nil, err
	}

	clientID := "search-" + task.ID
	channels := []string{events.ChannelTaskCompleted, events.ChannelTaskFailed, events.ChannelTaskTimeout}
	sub, err := s.bus.Subscribe(clientID, events.ClientSSEWriter, channels)
	if err != nil {
		return nil, err
	}
	defer s.bus.Unsubscribe(clientID)

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	poll := time.NewTicker(s.cfg.SearchPoll)
	defer poll.Stop()

	for {
		select {
		case event := <-sub.C:
			settled, ok := event.Payload.(*types.Task)
			if !ok || settled.ID != task.ID {
				continue
			}
			if result, done, err := settle(settled); done {
				return result, err
			}
		case <-poll.C:
			settled, err := s.store.GetTask(task.ID)
			if err != nil {
				return nil, err
			}
			if settled == nil {
				return nil, ErrNotFound
			}
			if result, done, err := settle(settled); done {
				return result, err
			}
		case <-deadline.C:
			return nil, ErrTaskTimeout
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func settle(task *types.Task) (json.RawMessage, bool, error) {
	switch task.Status {
	case types.TaskStatusCompleted:
		return task.Result, true, nil
	case types.TaskStatusFailed:
		return nil, true, fmt.Errorf("%w: %s", ErrTaskFailed, task.Error)
	case types.TaskStatusTimeout:
		return nil, true, ErrTaskTimeout
	default:
		return nil, false, nil
	}
}

// GetTask returns a task row, or ErrNotFound.
func (s *Service) GetTask(taskID string) (*types.Task, error) {
	task, err := s.store.GetTask(taskID)
	if err != nil {
		return nil, err
	}
	if task == nil {
		return nil, ErrNotFound
	}
	return task, nil
}

// enqueue runs the shared tail of every queue operation: backpressure,
// capability resolution, persistence, metrics and the queued event.
func (s *Service) enqueue(taskType types.TaskType, preferredProvider string, payload json.RawMessage, dedupKey string, coalesce bool) (*types.Task, error) {
	if err := s.checkCapacity(); err != nil {
		return nil, err
	}

	required, fallbacks := s.policy.Resolve(string(taskType), preferredProvider)
	spec := types.TaskSpec{
		Type:                 taskType,
		RequiredCapability:   required,
		FallbackCapabilities: fallbacks,
		Payload:              payload,
		Priority:             s.policy.Priority(taskType),
		MaxRetries:           s.policy.MaxRetries,
		DeduplicationKey:     dedupKey,
	}

	var (
		task *types.Task
		err  error
	)
	if coalesce {
		task, err = s.store.CreateTaskIfNotExists(spec)
	} else {
		task, err = s.store.CreateTask(spec)
	}
	if err != nil {
		return nil, err
	}
	if task == nil {
		log.WithComponent("tasks").Debug().
			Str("type", string(taskType)).
			Str("dedup_key", dedupKey).
			Msg("enqueue coalesced onto active task")
		return nil, nil
	}

	metrics.TasksQueued.WithLabelValues(string(taskType)).Inc()
	log.WithTaskID(task.ID).Info().
		Str("type", string(taskType)).
		Str("required_capability", string(required)).
		Int("priority", task.Priority).
		Msg("task queued")

	if s.bus != nil {
		s.bus.Publish(events.ChannelTaskQueued, task)
	}
	return task, nil
}

// checkCapacity enforces the backpressure cap over the active statuses.
func (s *Service) checkCapacity() error {
	counts, err := s.store.CountTasksByStatus()
	if err != nil {
		return err
	}
	active := counts[types.TaskStatusPending] + counts[types.TaskStatusAssigned] + counts[types.TaskStatusProcessing]
	if active >= s.cfg.MaxPendingTasks {
		metrics.QueueRejections.Inc()
		return ErrQueueFull
	}
	return nil
}

// sessionContext loads (and memoizes) the prompt and observations for a
// session. Burst enqueues for the same session hit the cache.
func (s *Service) sessionContext(sessionID string) (string, []Observation) {
	type cached struct {
		prompt       string
		observations []Observation
	}

	if v, ok := s.prefetch.Get(sessionID); ok {
		c := v.(cached)
		return c.prompt, c.observations
	}

	var c cached
	if s.sessions != nil {
		prompt, err := s.sessions.UserPrompt(sessionID)
		if err != nil {
			log.WithComponent("tasks").Warn().Err(err).Str("session_id", sessionID).Msg("prompt prefetch failed")
		} else {
			c.prompt = prompt
		}
	}
	if s.observations != nil {
		observations, err := s.observations.BySession(sessionID)
		if err != nil {
			log.WithComponent("tasks").Warn().Err(err).Str("session_id", sessionID).Msg("observation prefetch failed")
		} else {
			c.observations = observations
		}
	}

	s.prefetch.Set(sessionID, c, gocache.DefaultExpiration)
	return c.prompt, c.observations
}

func digest(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])[:16]
}
