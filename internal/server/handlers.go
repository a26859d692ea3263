package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"jobflow/internal/approval"
	"jobflow/internal/checkup"
	"jobflow/internal/engine"
	"jobflow/internal/graph"
	"jobflow/internal/ledger"
	"jobflow/internal/model"
)

const (
	defaultLogLimit = 100
	maxLogLimit     = 1000
	maxBody         = 1 << 16
)

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, statusFor(err), errorResponse{Error: err.Error()})
}

func badRequest(w http.ResponseWriter, format string, args ...any) {
	writeJSON(w, http.StatusBadRequest, errorResponse{Error: fmt.Sprintf(format, args...)})
}

// statusFor maps engine errors to HTTP status codes.
func statusFor(err error) int {
	var stale *ledger.StaleEventError
	var conflict *approval.ConflictError
	switch {
	case errors.Is(err, graph.ErrUnknownJob),
		errors.Is(err, approval.ErrNotFound),
		errors.Is(err, checkup.ErrNotFound):
		return http.StatusNotFound
	case errors.As(err, &stale),
		errors.As(err, &conflict),
		errors.Is(err, engine.ErrJobActive):
		return http.StatusConflict
	case errors.Is(err, ledger.ErrInvalidEvent):
		return http.StatusBadRequest
	case errors.Is(err, engine.ErrJobDisabled),
		errors.Is(err, engine.ErrSubmissionBlocked):
		return http.StatusUnprocessableEntity
	case errors.Is(err, engine.ErrClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) listJobs(w http.ResponseWriter, r *http.Request) {
	jobs, err := s.engine.Jobs(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, jobs)
}

func (s *Server) getJob(w http.ResponseWriter, r *http.Request) {
	v, err := s.engine.Job(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (s *Server) listBuilds(w http.ResponseWriter, r *http.Request) {
	builds, err := s.engine.Builds(mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, builds)
}

func (s *Server) listCheckups(w http.ResponseWriter, r *http.Request) {
	checkups, err := s.engine.Checkups(mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, checkups)
}

// listCheckupLogs handles GET /v1/jobs/{id}/checkups/logs?checkup=&build=&limit=
func (s *Server) listCheckupLogs(w http.ResponseWriter, r *http.Request) {
	jobID := mux.Vars(r)["id"]
	if _, err := s.engine.Checkups(jobID); err != nil {
		writeError(w, err)
		return
	}

	q := model.LogQuery{JobID: jobID, CheckupID: r.URL.Query().Get("checkup"), Limit: defaultLogLimit}
	if raw := r.URL.Query().Get("build"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			badRequest(w, "build must be a positive integer, got %q", raw)
			return
		}
		q.BuildNumber = n
	}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			badRequest(w, "limit must be a positive integer, got %q", raw)
			return
		}
		q.Limit = min(n, maxLogLimit)
	}

	logs, err := s.engine.CheckupLogs(r.Context(), q)
	if err != nil {
		writeError(w, err)
		return
	}
	if logs == nil {
		logs = []model.CheckupLog{}
	}
	writeJSON(w, http.StatusOK, logs)
}

func (s *Server) setJobEnabled(enabled bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		job, err := s.engine.SetEnabled(r.Context(), mux.Vars(r)["id"], enabled)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, job)
	}
}

func (s *Server) setRebuildBlocked(blocked bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		job, err := s.engine.SetRebuildBlocked(mux.Vars(r)["id"], blocked)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, job)
	}
}

func (s *Server) setCheckupEnabled(enabled bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		c, err := s.engine.SetCheckupEnabled(mux.Vars(r)["id"], enabled)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, c)
	}
}

func (s *Server) rebuild(w http.ResponseWriter, r *http.Request) {
	b, err := s.engine.Rebuild(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, b)
}

func (s *Server) listApprovals(w http.ResponseWriter, _ *http.Request) {
	as := s.engine.Approvals()
	if as == nil {
		as = []model.Approval{}
	}
	writeJSON(w, http.StatusOK, as)
}

func (s *Server) getApproval(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	a, ok := s.engine.Approval(id)
	if !ok {
		writeError(w, fmt.Errorf("%w: %s", approval.ErrNotFound, id))
		return
	}
	writeJSON(w, http.StatusOK, a)
}

// ResolveRequest is the optional body of approve and reject.
type ResolveRequest struct {
	By string `json:"by"`
}

func (s *Server) resolveApproval(approve bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req ResolveRequest
		if err := json.NewDecoder(io.LimitReader(r.Body, maxBody)).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			badRequest(w, "invalid request body: %v", err)
			return
		}
		if req.By == "" {
			req.By = "operator"
		}
		a, err := s.engine.ResolveApproval(r.Context(), mux.Vars(r)["id"], approve, req.By)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, a)
	}
}

// postEvent handles POST /v1/events from build servers.
func (s *Server) postEvent(w http.ResponseWriter, r *http.Request) {
	var ev model.BuildEvent
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&ev); err != nil {
		badRequest(w, "invalid build event: %v", err)
		return
	}
	phase, err := model.ParsePhase(string(ev.Phase))
	if err != nil {
		badRequest(w, "%v", err)
		return
	}
	status, err := model.ParseBuildStatus(string(ev.Status))
	if err != nil {
		badRequest(w, "%v", err)
		return
	}
	ev.Phase, ev.Status = phase, status

	if err := s.engine.HandleEvent(r.Context(), ev); err != nil {
		if statusFor(err) == http.StatusConflict {
			s.log.Info("build event rejected", "job", ev.JobID, "build", ev.BuildNumber, "phase", ev.Phase, "error", err)
		}
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) listTriggers(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.Triggers())
}

// dueTriggers handles GET /v1/triggers/due?at=RFC3339; at defaults to now.
func (s *Server) dueTriggers(w http.ResponseWriter, r *http.Request) {
	at := time.Now()
	if raw := r.URL.Query().Get("at"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			badRequest(w, "at must be RFC3339: %v", err)
			return
		}
		at = t
	}
	writeJSON(w, http.StatusOK, s.engine.Due(at))
}
