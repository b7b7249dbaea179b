package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/engramhq/engram/pkg/config"
	"github.com/engramhq/engram/pkg/dispatcher"
	"github.com/engramhq/engram/pkg/events"
	"github.com/engramhq/engram/pkg/federation"
	"github.com/engramhq/engram/pkg/hub"
	"github.com/engramhq/engram/pkg/log"
	"github.com/engramhq/engram/pkg/metrics"
	"github.com/engramhq/engram/pkg/storage"
	"github.com/engramhq/engram/pkg/tasks"
)

// Sources bundles the external repositories the task service prefetches
// from. Any of them may be nil.
type Sources struct {
	Observations tasks.ObservationSource
	Sessions     tasks.SessionSource
	Summaries    tasks.SummarySource
}

// Server is the composition root: it owns construction order, the sink
// wiring between the transports and the dispatcher, the HTTP router and
// shutdown sequencing.
type Server struct {
	cfg config.Config

	store     *storage.BoltStore
	bus       *events.Bus
	hub       *hub.Hub
	fed       *federation.Handler
	disp      *dispatcher.Dispatcher
	service   *tasks.Service
	collector *metrics.Collector
	uplink    *federation.Uplink

	http         *http.Server
	uplinkCancel context.CancelFunc
}

// New builds the full component graph from configuration.
func New(cfg config.Config, sources Sources) (*Server, error) {
	store, err := storage.NewBoltStore(cfg.DataDir)
	if err != nil {
		return nil, err
	}

	bus := events.NewBus(64)

	workerHub := hub.New(hub.Config{
		AuthToken:           cfg.Auth.WorkerToken,
		AuthTimeout:         cfg.Worker.AuthTimeout,
		HeartbeatInterval:   cfg.Worker.HeartbeatInterval,
		MaxMissedHeartbeats: cfg.Worker.MaxMissedHeartbeats,
	}, bus)

	fed := federation.New(federation.Config{
		AuthToken: cfg.Auth.HubToken,
	}, store, bus)

	disp := dispatcher.New(dispatcher.Config{
		PollInterval: cfg.Queue.PollInterval,
		TaskTimeout:  cfg.Queue.TaskTimeout,
		Retention:    cfg.Queue.Retention,
	}, store, workerHub, fed, bus)

	// Lifecycle replies flow transport → dispatcher through these sinks;
	// neither package imports the other.
	workerHub.SetSink(disp)
	fed.SetSink(disp)

	policy := tasks.DefaultPolicy()
	if cfg.Queue.RoutingPolicy != "" {
		policy, err = tasks.LoadPolicy(cfg.Queue.RoutingPolicy)
		if err != nil {
			store.Close()
			return nil, err
		}
	}

	service := tasks.New(tasks.Config{
		MaxPendingTasks: cfg.Queue.MaxPendingTasks,
	}, store, bus, policy, sources.Observations, sources.Sessions, sources.Summaries)

	s := &Server{
		cfg:       cfg,
		store:     store,
		bus:       bus,
		hub:       workerHub,
		fed:       fed,
		disp:      disp,
		service:   service,
		collector: metrics.NewCollector(store),
	}

	if cfg.Federation.ParentURL != "" {
		name := cfg.Federation.Name
		if name == "" {
			name = cfg.Server.Addr()
		}
		s.uplink = federation.NewUplink(federation.UplinkConfig{
			URL:      cfg.Federation.ParentURL,
			Token:    cfg.Federation.Token,
			Name:     name,
			Priority: cfg.Federation.Priority,
			Weight:   cfg.Federation.Weight,
			Region:   cfg.Federation.Region,
		}, workerHub, store, bus)
	}

	router := mux.NewRouter()
	router.HandleFunc("/ws/worker", workerHub.HandleWorker).Methods(http.MethodGet)
	router.HandleFunc("/ws/hub", fed.HandleHub).Methods(http.MethodGet)
	router.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)
	router.HandleFunc("/healthz", s.handleHealthz).Methods(http.MethodGet)
	router.HandleFunc("/api/tasks/{id}", s.handleGetTask).Methods(http.MethodGet)
	router.HandleFunc("/api/stats", s.handleStats).Methods(http.MethodGet)

	s.http = &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
	return s, nil
}

// Service returns the task service for in-process callers (hook endpoints).
func (s *Server) Service() *tasks.Service {
	return s.service
}

// Bus returns the event bus for in-process subscribers.
func (s *Server) Bus() *events.Bus {
	return s.bus
}

// Run starts every component and serves HTTP until the listener fails or
// Shutdown is called.
func (s *Server) Run() error {
	s.collector.Start()
	s.hub.Start()
	s.fed.Start()
	s.disp.Start()

	if s.uplink != nil {
		var ctx context.Context
		ctx, s.uplinkCancel = context.WithCancel(context.Background())
		go func() {
			if err := s.uplink.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.WithComponent("server").Error().Err(err).Msg("uplink stopped")
			}
		}()
	}

	log.WithComponent("server").Info().Str("addr", s.http.Addr).Msg("listening")
	if err := s.http.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops the dispatcher first so no new assignments go out, then
// notifies and closes all sockets, the listener, and finally the store.
func (s *Server) Shutdown(ctx context.Context) error {
	log.WithComponent("server").Info().Msg("shutting down")

	if s.uplink != nil {
		s.uplink.Stop()
		s.uplinkCancel()
	}
	s.disp.Stop()
	s.hub.Stop()
	s.fed.Stop()

	if err := s.http.Shutdown(ctx); err != nil {
		log.WithComponent("server").Warn().Err(err).Msg("http shutdown")
	}

	s.collector.Stop()
	return s.store.Close()
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "ok",
		"timestamp": time.Now().UTC(),
	})
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	task, err := s.service.GetTask(mux.Vars(r)["id"])
	if errors.Is(err, tasks.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "task not found"})
		return
	}
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	counts, err := s.store.CountTasksByStatus()
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"tasks":       counts,
		"workers":     s.hub.WorkerCount(),
		"hubs":        s.fed.HubCount(),
		"subscribers": s.bus.SubscriberCount(),
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
