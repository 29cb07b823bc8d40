package api

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/coinnation/kontext-sub005/internal/core"
	"github.com/coinnation/kontext-sub005/internal/correlator"
)

const defaultJournalLimit = 100

// filesRequest is the body of POST /projects/{id}/files.
type filesRequest struct {
	Updates []correlator.FileUpdate `json:"updates" validate:"required,min=1,dive"`
}

// canStartResponse answers GET /projects/{id}/can-start.
type canStartResponse struct {
	ProjectID        string `json:"project_id"`
	CanStart         bool   `json:"can_start"`
	Reason           string `json:"reason,omitempty"`
	Code             string `json:"code,omitempty"`
	ActivelyRetrying bool   `json:"actively_retrying"`
}

func (s *Server) handleGetProjectWorkflow(w http.ResponseWriter, r *http.Request) {
	projectID := chi.URLParam(r, "projectID")
	wf := s.coord.GetWorkflowForProject(projectID)
	if wf == nil {
		s.notFound(w, r, fmt.Sprintf("no workflow for project %s", projectID))
		return
	}
	s.respondJSON(w, http.StatusOK, wf)
}

func (s *Server) handleCanStart(w http.ResponseWriter, r *http.Request) {
	projectID := chi.URLParam(r, "projectID")
	resp := canStartResponse{
		ProjectID:        projectID,
		CanStart:         s.coord.CanStart(projectID),
		ActivelyRetrying: s.coord.IsProjectActivelyRetrying(projectID),
	}
	if !resp.CanStart {
		if err := s.coord.Admission(projectID); err != nil {
			resp.Reason = err.Error()
			var domErr *core.DomainError
			if errors.As(err, &domErr) {
				resp.Reason = domErr.Message
				resp.Code = domErr.Code
			}
		}
	}
	s.respondJSON(w, http.StatusOK, resp)
}

// handleForceCleanup removes the project's workflow. The reason query
// parameter is required and ends up in the logs and the removal event.
func (s *Server) handleForceCleanup(w http.ResponseWriter, r *http.Request) {
	projectID := chi.URLParam(r, "projectID")
	reason := r.URL.Query().Get("reason")
	if reason == "" {
		s.badRequest(w, r, "reason is required")
		return
	}
	// Cleanup is idempotent; removed reports whether anything was there.
	existed := s.coord.GetWorkflowForProject(projectID) != nil
	s.coord.ForceProjectCleanup(projectID, reason)
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"project_id": projectID,
		"removed":    existed,
	})
}

// handleFileUpdates feeds generation updates to the correlator.
func (s *Server) handleFileUpdates(w http.ResponseWriter, r *http.Request) {
	projectID := chi.URLParam(r, "projectID")
	var req filesRequest
	if !s.decodeBody(w, r, &req) {
		return
	}

	accepted := 0
	for _, u := range req.Updates {
		if s.coord.ObserveFile(projectID, u) {
			accepted++
		}
	}
	status := http.StatusAccepted
	if accepted == 0 {
		status = http.StatusConflict
	}
	s.respondJSON(w, status, map[string]interface{}{
		"project_id": projectID,
		"received":   len(req.Updates),
		"accepted":   accepted,
	})
}

// handleProjectJournal returns the newest journal entries of a project,
// bounded by ?limit= (default 100).
func (s *Server) handleProjectJournal(w http.ResponseWriter, r *http.Request) {
	pj, ok := s.journal.(ProjectJournal)
	if !ok {
		s.writeProblem(w, r, http.StatusServiceUnavailable, problemUnavailable, "project journal not available")
		return
	}
	limit := defaultJournalLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			s.badRequest(w, r, "limit must be a positive integer")
			return
		}
		limit = n
	}
	entries, err := pj.ListProject(r.Context(), chi.URLParam(r, "projectID"), limit)
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	if entries == nil {
		entries = []core.JournalEntry{}
	}
	s.respondJSON(w, http.StatusOK, entries)
}
