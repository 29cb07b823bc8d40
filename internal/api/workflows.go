package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sort"

	"github.com/go-chi/chi/v5"

	"github.com/coinnation/kontext-sub005/internal/core"
)

const maxBodyBytes = 4 << 20

// startRequest is the body of POST /workflows.
type startRequest struct {
	ProjectID       string            `json:"project_id" validate:"required"`
	ErrorKind       string            `json:"error_kind"`
	RawError        string            `json:"raw_error" validate:"required"`
	Context         string            `json:"context"`
	EnrichedMessage string            `json:"enriched_message"`
	Files           map[string]string `json:"files"`
	ExtendedTimeout bool              `json:"extended_timeout"`
}

func (req startRequest) toCore() core.StartRequest {
	kind := core.ParseErrorKind(req.ErrorKind)
	if req.ErrorKind == "" {
		kind = core.ClassifyError(req.RawError)
	}
	return core.StartRequest{
		ProjectID:       req.ProjectID,
		Files:           req.Files,
		ErrorKind:       kind,
		RawError:        req.RawError,
		Context:         req.Context,
		EnrichedMessage: req.EnrichedMessage,
		ExtendedTimeout: req.ExtendedTimeout,
	}
}

// completeRequest is the body of POST /workflows/{id}/complete.
type completeRequest struct {
	Success     *bool  `json:"success" validate:"required"`
	Phase       string `json:"phase"`
	Error       string `json:"error"`
	DeployedURL string `json:"deployed_url" validate:"omitempty,url"`
}

// startResponse is returned when a start is accepted.
type startResponse struct {
	WorkflowID core.WorkflowID `json:"workflow_id"`
	Workflow   *core.Workflow  `json:"workflow"`
}

// triggerResponse reports the outcome of a trigger callback.
type triggerResponse struct {
	WorkflowID core.WorkflowID `json:"workflow_id"`
	Accepted   bool            `json:"accepted"`
	Workflow   *core.Workflow  `json:"workflow,omitempty"`
}

// decodeBody reads and validates a JSON body into dst.
func (s *Server) decodeBody(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		s.badRequest(w, r, fmt.Sprintf("invalid request body: %v", err))
		return false
	}
	if err := s.validate.Struct(dst); err != nil {
		s.badRequest(w, r, validationDetail(err))
		return false
	}
	return true
}

// handleListWorkflows lists registered workflows, optionally filtered by
// ?project= and ?phase=.
func (s *Server) handleListWorkflows(w http.ResponseWriter, r *http.Request) {
	project := r.URL.Query().Get("project")
	phaseFilter := r.URL.Query().Get("phase")
	if phaseFilter != "" {
		if _, err := core.ParsePhase(phaseFilter); err != nil {
			s.badRequest(w, r, err.Error())
			return
		}
	}

	snap := s.coord.Snapshot()
	out := make([]*core.Workflow, 0, len(snap.Workflows))
	for _, wf := range snap.Workflows {
		if project != "" && wf.ProjectID != project {
			continue
		}
		if phaseFilter != "" && string(wf.Phase) != phaseFilter {
			continue
		}
		out = append(out, wf)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Timing.CreatedAt.Before(out[j].Timing.CreatedAt)
	})
	s.respondJSON(w, http.StatusOK, out)
}

// handleStartWorkflow starts a workflow. Rejections come back as 409 with
// the rejection code as problem type.
func (s *Server) handleStartWorkflow(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if !s.decodeBody(w, r, &req) {
		return
	}

	id, ok := s.coord.Start(req.toCore())
	if !ok {
		reason := s.coord.Admission(req.ProjectID)
		if reason == nil {
			s.writeProblem(w, r, http.StatusConflict, problemConflict, "start rejected")
			return
		}
		s.writeDomainError(w, r, reason)
		return
	}

	s.respondJSON(w, http.StatusAccepted, startResponse{
		WorkflowID: id,
		Workflow:   s.coord.GetWorkflow(id),
	})
}

// workflowFromPath loads the workflow named in the URL, writing a 404 when
// it is unknown.
func (s *Server) workflowFromPath(w http.ResponseWriter, r *http.Request) (*core.Workflow, bool) {
	id := core.WorkflowID(chi.URLParam(r, "workflowID"))
	wf := s.coord.GetWorkflow(id)
	if wf == nil {
		s.writeDomainError(w, r, core.ErrNotFound("workflow", string(id)))
		return nil, false
	}
	return wf, true
}

func (s *Server) handleGetWorkflow(w http.ResponseWriter, r *http.Request) {
	wf, ok := s.workflowFromPath(w, r)
	if !ok {
		return
	}
	s.respondJSON(w, http.StatusOK, wf)
}

// handleMarkFileApplication is the file applier's callback.
func (s *Server) handleMarkFileApplication(w http.ResponseWriter, r *http.Request) {
	wf, ok := s.workflowFromPath(w, r)
	if !ok {
		return
	}
	s.respondTrigger(w, r, wf.ID, s.coord.MarkFileApplicationTriggered(wf.ID))
}

// handleMarkDeployment is the deployment pipeline's callback.
func (s *Server) handleMarkDeployment(w http.ResponseWriter, r *http.Request) {
	wf, ok := s.workflowFromPath(w, r)
	if !ok {
		return
	}
	s.respondTrigger(w, r, wf.ID, s.coord.MarkDeploymentTriggered(wf.ID))
}

func (s *Server) respondTrigger(w http.ResponseWriter, r *http.Request, id core.WorkflowID, accepted bool) {
	status := http.StatusOK
	if !accepted {
		status = http.StatusConflict
	}
	s.respondJSON(w, status, triggerResponse{
		WorkflowID: id,
		Accepted:   accepted,
		Workflow:   s.coord.GetWorkflow(id),
	})
}

// handleCompleteWorkflow reports a deployment outcome.
func (s *Server) handleCompleteWorkflow(w http.ResponseWriter, r *http.Request) {
	wf, ok := s.workflowFromPath(w, r)
	if !ok {
		return
	}
	var req completeRequest
	if !s.decodeBody(w, r, &req) {
		return
	}

	accepted := s.coord.CompleteWorkflow(wf.ID, core.CompletionResult{
		Success:     *req.Success,
		Phase:       req.Phase,
		Error:       req.Error,
		DeployedURL: req.DeployedURL,
	})
	s.respondTrigger(w, r, wf.ID, accepted)
}

// handleWorkflowJournal returns the recorded transitions of a workflow. It
// works for workflows already removed from the registry.
func (s *Server) handleWorkflowJournal(w http.ResponseWriter, r *http.Request) {
	if s.journal == nil {
		s.writeProblem(w, r, http.StatusServiceUnavailable, problemUnavailable, "journal not configured")
		return
	}
	id := core.WorkflowID(chi.URLParam(r, "workflowID"))
	entries, err := s.journal.List(r.Context(), id)
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	if len(entries) == 0 && s.coord.GetWorkflow(id) == nil {
		s.notFound(w, r, fmt.Sprintf("no journal entries for workflow %s", id))
		return
	}
	if entries == nil {
		entries = []core.JournalEntry{}
	}
	s.respondJSON(w, http.StatusOK, entries)
}
