// Package server exposes the engine over HTTP: job health, checkup history
// and approvals for operators, and the build-event webhook for build servers.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"jobflow/internal/engine"
	"jobflow/internal/model"
	"jobflow/internal/trigger"
)

// Engine is what the handlers need from *engine.Engine.
type Engine interface {
	Jobs(ctx context.Context) ([]engine.JobView, error)
	Job(ctx context.Context, jobID string) (engine.JobView, error)
	Builds(jobID string) ([]model.Build, error)
	Checkups(jobID string) ([]model.Checkup, error)
	CheckupLogs(ctx context.Context, q model.LogQuery) ([]model.CheckupLog, error)

	SetEnabled(ctx context.Context, jobID string, enabled bool) (model.Job, error)
	SetRebuildBlocked(jobID string, blocked bool) (model.Job, error)
	SetCheckupEnabled(id string, enabled bool) (model.Checkup, error)
	Rebuild(ctx context.Context, jobID string) (model.Build, error)

	Approvals() []model.Approval
	Approval(id string) (model.Approval, bool)
	ResolveApproval(ctx context.Context, id string, approve bool, by string) (model.Approval, error)

	HandleEvent(ctx context.Context, ev model.BuildEvent) error

	Triggers() []model.Trigger
	Due(t time.Time) []trigger.Candidate
}

var _ Engine = (*engine.Engine)(nil)

type Server struct {
	engine Engine
	log    *slog.Logger
	router *mux.Router
}

func New(e Engine, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{engine: e, log: logger, router: mux.NewRouter()}
	s.routes()
	return s
}

func (s *Server) routes() {
	r := s.router
	r.Use(s.logRequests)
	r.HandleFunc("/health", s.health).Methods(http.MethodGet)

	api := r.PathPrefix("/v1").Subrouter()

	api.HandleFunc("/jobs", s.listJobs).Methods(http.MethodGet)
	api.HandleFunc("/jobs/{id}", s.getJob).Methods(http.MethodGet)
	api.HandleFunc("/jobs/{id}/builds", s.listBuilds).Methods(http.MethodGet)
	api.HandleFunc("/jobs/{id}/checkups", s.listCheckups).Methods(http.MethodGet)
	api.HandleFunc("/jobs/{id}/checkups/logs", s.listCheckupLogs).Methods(http.MethodGet)
	api.HandleFunc("/jobs/{id}/enable", s.setJobEnabled(true)).Methods(http.MethodPost)
	api.HandleFunc("/jobs/{id}/disable", s.setJobEnabled(false)).Methods(http.MethodPost)
	api.HandleFunc("/jobs/{id}/rebuild", s.rebuild).Methods(http.MethodPost)
	api.HandleFunc("/jobs/{id}/rebuild-block", s.setRebuildBlocked(true)).Methods(http.MethodPost)
	api.HandleFunc("/jobs/{id}/rebuild-unblock", s.setRebuildBlocked(false)).Methods(http.MethodPost)

	api.HandleFunc("/checkups/{id}/enable", s.setCheckupEnabled(true)).Methods(http.MethodPost)
	api.HandleFunc("/checkups/{id}/disable", s.setCheckupEnabled(false)).Methods(http.MethodPost)

	api.HandleFunc("/approvals", s.listApprovals).Methods(http.MethodGet)
	api.HandleFunc("/approvals/{id}", s.getApproval).Methods(http.MethodGet)
	api.HandleFunc("/approvals/{id}/approve", s.resolveApproval(true)).Methods(http.MethodPost)
	api.HandleFunc("/approvals/{id}/reject", s.resolveApproval(false)).Methods(http.MethodPost)

	api.HandleFunc("/events", s.postEvent).Methods(http.MethodPost)

	api.HandleFunc("/triggers", s.listTriggers).Methods(http.MethodGet)
	api.HandleFunc("/triggers/due", s.dueTriggers).Methods(http.MethodGet)
}

func (s *Server) Handler() http.Handler {
	return s.router
}

// Serve listens on addr until ctx is done, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("http server listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		level := slog.LevelDebug
		if rec.status >= http.StatusInternalServerError {
			level = slog.LevelWarn
		}
		s.log.Log(r.Context(), level, "http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration_ms", time.Since(start).Milliseconds(),
		)
	})
}
