package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/l1x/crabitat/internal/bus"
	"github.com/l1x/crabitat/internal/engine"
	"github.com/l1x/crabitat/internal/store"
)

// Server holds the HTTP server state.
type Server struct {
	httpServer *http.Server
	router     *chi.Mux
	store      *store.Store
	engine     *engine.Engine
	bus        *bus.Bus
	logger     *slog.Logger
	authToken  string
}

// NewServer constructs the HTTP API server.
func NewServer(addr, authToken string, st *store.Store, eng *engine.Engine, b *bus.Bus, logger *slog.Logger) *Server {
	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(middleware.Recoverer)

	s := &Server{
		router:    router,
		store:     st,
		engine:    eng,
		bus:       b,
		logger:    logger,
		authToken: authToken,
	}
	s.registerRoutes()

	s.httpServer = &http.Server{
		Addr:        addr,
		Handler:     router,
		ReadTimeout: 15 * time.Second,
		// SSE streams stay open indefinitely; no write timeout.
		WriteTimeout: 0,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Start begins serving HTTP requests.
func (s *Server) Start() error {
	s.logger.Info("http server listening", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) registerRoutes() {
	s.router.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
	})

	s.router.Route("/v1", func(r chi.Router) {
		if s.authToken != "" {
			r.Use(AuthMiddleware(s.authToken))
		}

		r.Route("/colonies", func(r chi.Router) {
			r.Get("/", s.handleListColonies)
			r.Post("/", s.handleCreateColony)
			r.Get("/{colonyID}", s.handleGetColony)
		})

		r.Route("/crabs", func(r chi.Router) {
			r.Get("/", s.handleListCrabs)
			r.Post("/register", s.handleRegisterCrab)
			r.Post("/{crabID}/heartbeat", s.handleHeartbeat)
			r.Get("/{crabID}/inbox", s.handleCrabInbox)
		})

		r.Route("/missions", func(r chi.Router) {
			r.Get("/", s.handleListMissions)
			r.Post("/", s.handleCreateMission)
			r.Get("/{missionID}", s.handleGetMission)
			r.Get("/{missionID}/tasks", s.handleListMissionTasks)
		})

		r.Route("/tasks", func(r chi.Router) {
			r.Get("/", s.handleListTasks)
			r.Post("/", s.handleCreateTask)
			r.Get("/{taskID}", s.handleGetTask)
		})

		r.Route("/runs", func(r chi.Router) {
			r.Get("/", s.handleListRuns)
			r.Post("/start", s.handleStartRun)
			r.Post("/update", s.handleUpdateRun)
			r.Post("/complete", s.handleCompleteRun)
			r.Get("/{runID}", s.handleGetRun)
		})

		r.Post("/scheduler/tick", s.handleSchedulerTick)
		r.Get("/status", s.handleStatus)
		r.Get("/workflows", s.handleListWorkflows)
		r.Get("/events", s.handleListEvents)
		r.Get("/events/stream", s.handleEventStream)
	})
}
