package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"taskpanel/internal/core"
	"taskpanel/internal/store"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// Server holds the HTTP server state.
type Server struct {
	httpServer *http.Server
	router     *chi.Mux
	store      *store.Store
	scheduler  *core.Scheduler
	streamer   *core.Streamer
	logger     *slog.Logger
	authToken  string
}

// NewServer constructs the HTTP API server.
func NewServer(addr string, authToken string, st *store.Store, scheduler *core.Scheduler, streamer *core.Streamer, logger *slog.Logger) *Server {
	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(middleware.Recoverer)

	s := &Server{
		router:    router,
		store:     st,
		scheduler: scheduler,
		streamer:  streamer,
		logger:    logger,
		authToken: authToken,
	}
	s.registerRoutes()

	s.httpServer = &http.Server{
		Addr:        addr,
		Handler:     router,
		ReadTimeout: 15 * time.Second,
		// WriteTimeout stays zero: log stream responses are long-lived.
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
	s.router.Get("/healthz", s.handleHealth)

	s.router.Route("/v1", func(r chi.Router) {
		if s.authToken != "" {
			r.Use(AuthMiddleware(s.authToken))
		}

		r.Route("/tasks", func(r chi.Router) {
			r.Get("/", s.handleListTasks)
			r.Post("/", s.handleCreateTask)
			r.Post("/stop-all", s.handleStopAllTasks)

			r.Route("/{taskID}", func(r chi.Router) {
				r.Get("/", s.handleGetTask)
				r.Patch("/", s.handleUpdateTask)
				r.Delete("/", s.handleDeleteTask)
				r.Post("/start", s.handleStartTask)
				r.Post("/stop", s.handleStopTask)
				r.Get("/logs", s.handleListLogs)
				r.Delete("/logs", s.handleDeleteLogEntry)
				r.Get("/logs/content", s.handleLogContent)
				r.Get("/logs/stream", s.handleLogStream)
			})
		})

		r.Route("/configs", func(r chi.Router) {
			r.Get("/", s.handleListConfigs)
			r.Get("/{key}", s.handleGetConfig)
			r.Put("/{key}", s.handleSetConfig)
			r.Delete("/{key}", s.handleDeleteConfig)
		})
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
