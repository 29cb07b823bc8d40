// Package api exposes the coordinator over an HTTP control plane: workflow
// inspection, the collaborator callbacks, file updates and a live event
// stream.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/rs/cors"

	"github.com/coinnation/kontext-sub005/internal/core"
	"github.com/coinnation/kontext-sub005/internal/correlator"
	"github.com/coinnation/kontext-sub005/internal/diagnostics"
	"github.com/coinnation/kontext-sub005/internal/events"
	"github.com/coinnation/kontext-sub005/internal/logging"
	"github.com/coinnation/kontext-sub005/internal/web/sse"
)

// Coordinator is the part of the coordinator the API drives.
type Coordinator interface {
	Start(req core.StartRequest) (core.WorkflowID, bool)
	Admission(projectID string) error
	CanStart(projectID string) bool
	IsProjectActivelyRetrying(projectID string) bool
	GetWorkflow(id core.WorkflowID) *core.Workflow
	GetWorkflowForProject(projectID string) *core.Workflow
	Snapshot() core.Snapshot
	MarkFileApplicationTriggered(id core.WorkflowID) bool
	MarkDeploymentTriggered(id core.WorkflowID) bool
	CompleteWorkflow(id core.WorkflowID, result core.CompletionResult) bool
	ForceProjectCleanup(projectID, reason string) bool
	ObserveFile(projectID string, update correlator.FileUpdate) bool
}

// ProjectJournal is implemented by journals that can list a project's
// history.
type ProjectJournal interface {
	ListProject(ctx context.Context, projectID string, limit int) ([]core.JournalEntry, error)
}

// Server provides the HTTP endpoints.
type Server struct {
	router      chi.Router
	coord       Coordinator
	bus         *events.EventBus
	journal     core.Journal
	health      *diagnostics.Reporter
	sseHandler  *sse.Handler
	corsOrigins []string
	validate    *validator.Validate
	logger      *logging.Logger
}

// ServerOption configures the server.
type ServerOption func(*Server)

// WithLogger sets the server logger.
func WithLogger(logger *logging.Logger) ServerOption {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithJournal enables the journal endpoints.
func WithJournal(j core.Journal) ServerOption {
	return func(s *Server) {
		s.journal = j
	}
}

// WithHealthReporter makes /health return a full diagnostics report.
func WithHealthReporter(r *diagnostics.Reporter) ServerOption {
	return func(s *Server) {
		s.health = r
	}
}

// WithCORSOrigins sets the allowed CORS origins.
func WithCORSOrigins(origins []string) ServerOption {
	return func(s *Server) {
		s.corsOrigins = origins
	}
}

// WithSSEHandler replaces the default event stream handler.
func WithSSEHandler(h *sse.Handler) ServerOption {
	return func(s *Server) {
		s.sseHandler = h
	}
}

// NewServer creates a new API server.
func NewServer(coord Coordinator, bus *events.EventBus, opts ...ServerOption) *Server {
	s := &Server{
		coord:       coord,
		bus:         bus,
		corsOrigins: []string{"*"},
		validate:    validator.New(validator.WithRequiredStructEnabled()),
		logger:      logging.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.sseHandler == nil {
		s.sseHandler = sse.NewHandler(bus,
			sse.WithSnapshot(coord.Snapshot),
			sse.WithLogger(s.logger))
	}
	s.router = s.setupRouter()
	return s
}

// Handler returns the HTTP handler for the server.
func (s *Server) Handler() http.Handler {
	return s.router
}

// setupRouter configures Chi router with all routes and middleware.
func (s *Server) setupRouter() chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(s.loggingMiddleware)

	corsHandler := cors.New(cors.Options{
		AllowedOrigins:   s.corsOrigins,
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", "X-Requested-With"},
		AllowCredentials: false,
		MaxAge:           300,
	})
	r.Use(corsHandler.Handler)

	r.Get("/health", s.handleHealth)

	r.Route("/api/v1", func(r chi.Router) {
		// The event stream must outlive the request timeout.
		sse.RegisterRoutes(r, s.sseHandler)

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(30 * time.Second))

			r.Route("/workflows", func(r chi.Router) {
				r.Get("/", s.handleListWorkflows)
				r.Post("/", s.handleStartWorkflow)

				r.Route("/{workflowID}", func(r chi.Router) {
					r.Get("/", s.handleGetWorkflow)
					r.Post("/file-application", s.handleMarkFileApplication)
					r.Post("/deployment", s.handleMarkDeployment)
					r.Post("/complete", s.handleCompleteWorkflow)
					r.Get("/journal", s.handleWorkflowJournal)
				})
			})

			r.Route("/projects/{projectID}", func(r chi.Router) {
				r.Get("/workflow", s.handleGetProjectWorkflow)
				r.Delete("/workflow", s.handleForceCleanup)
				r.Get("/can-start", s.handleCanStart)
				r.Post("/files", s.handleFileUpdates)
				r.Get("/journal", s.handleProjectJournal)
			})
		})
	})

	return r
}

// loggingMiddleware logs HTTP requests.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		defer func() {
			s.logger.Debug("http request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"duration", time.Since(start),
				"bytes", ww.BytesWritten(),
				"request_id", middleware.GetReqID(r.Context()),
			)
		}()

		next.ServeHTTP(ww, r)
	})
}

// respondJSON sends a JSON response.
func (s *Server) respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		if err := json.NewEncoder(w).Encode(data); err != nil {
			s.logger.Error("failed to encode response", "error", err)
		}
	}
}

// handleHealth returns the diagnostics report, or a workflow summary when no
// reporter is configured.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	if s.health != nil {
		report := s.health.Report()
		status := http.StatusOK
		if report.Status != diagnostics.StatusOK {
			status = http.StatusServiceUnavailable
		}
		s.respondJSON(w, status, report)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"status":    diagnostics.StatusOK,
		"time":      time.Now().UTC().Format(time.RFC3339),
		"workflows": diagnostics.Summarize(s.coord.Snapshot()),
	})
}

// ListenAndServe serves on addr until ctx is done, then drains connections
// for at most shutdownTimeout.
func (s *Server) ListenAndServe(ctx context.Context, addr string, shutdownTimeout time.Duration) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = s.sseHandler.Shutdown(shutdownCtx)
		_ = srv.Shutdown(shutdownCtx)
	}()

	s.logger.Info("starting API server", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
