package server

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/me/kiln/internal/config"
	"github.com/me/kiln/internal/scheduler"
	"github.com/me/kiln/internal/store"
	"github.com/me/kiln/internal/ui"
)

// Server is the kiln REST API server.
type Server struct {
	router    chi.Router
	logger    *slog.Logger
	config    config.ServerConfig
	startTime time.Time
	sched     *scheduler.Scheduler
	jobs      *jobRegistry
	janitor   *Janitor
	store     store.Store     // optional; archive for listing and expired jobs
	recorder  *store.Recorder // optional; receives release markers
}

// Option configures optional Server dependencies.
type Option func(*Server)

// WithStore sets the job archive used for listing and for serving jobs whose
// retention expired.
func WithStore(st store.Store) Option {
	return func(s *Server) {
		s.store = st
	}
}

// WithRecorder sets the recorder notified when a job is released.
func WithRecorder(rec *store.Recorder) Option {
	return func(s *Server) {
		s.recorder = rec
	}
}

// New creates a new Server with all routes registered.
func New(cfg config.ServerConfig, sched *scheduler.Scheduler, logger *slog.Logger, opts ...Option) *Server {
	s := &Server{
		router:    chi.NewRouter(),
		logger:    logger.With("component", "server"),
		config:    cfg,
		startTime: time.Now(),
		sched:     sched,
		jobs:      newJobRegistry(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if cfg.JobRetention > 0 {
		s.janitor = newJanitor(s, cfg.JobRetention)
	}

	s.routes()
	return s
}

// StartJanitor begins expiring terminal jobs in a background goroutine.
func (s *Server) StartJanitor(ctx context.Context) {
	if s.janitor == nil {
		return
	}
	go func() {
		if err := s.janitor.Start(ctx); err != nil && err != context.Canceled {
			s.logger.Error("janitor stopped", "error", err)
		}
	}()
}

// Shutdown drops every job handle the server holds.
func (s *Server) Shutdown() {
	s.jobs.releaseAll(s.logger)
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Handler returns the http.Handler for this server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) routes() {
	r := s.router

	// Global middleware
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(s.logger))

	r.Route("/api/v1", func(r chi.Router) {
		// Discovery
		r.Get("/", s.handleDiscovery)

		// Health
		r.Get("/health", s.handleHealth)

		// Jobs
		r.Route("/jobs", func(r chi.Router) {
			r.Get("/", s.handleListJobs)
			r.Post("/", s.handleSubmitJob)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.handleGetJob)
				r.Delete("/", s.handleReleaseJob)
				r.Get("/log", s.handleGetJobLog)
				r.Get("/status", s.handleGetJobStatus)
			})
		})

		// Workers
		r.Route("/workers", func(r chi.Router) {
			r.Get("/", s.handleListWorkers)
			r.Post("/", s.handleRegisterWorker)
			r.Get("/sessions", s.handleListWorkerSessions)
			r.Route("/{id}", func(r chi.Router) {
				r.Delete("/", s.handleDisconnectWorker)
				r.Route("/jobs/{jid}", func(r chi.Router) {
					r.Put("/start", s.handleStartJob)
					r.Post("/log", s.handleAppendLog)
					r.Put("/complete", s.handleCompleteJob)
				})
			})
		})

		// SSE endpoints for real-time updates
		r.Route("/sse", func(r chi.Router) {
			r.Get("/jobs/{id}/log", s.handleSSEJobLog)
		})
	})

	// Read-only dashboard
	r.Get("/", http.RedirectHandler("/ui/", http.StatusFound).ServeHTTP)
	r.Route("/ui", ui.New(s, s.logger).RegisterRoutes)
}
