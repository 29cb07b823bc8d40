package core

import (
	"fmt"
	"time"
)

// WorkflowID uniquely identifies a fix-and-redeploy workflow.
type WorkflowID string

// Timing tracks the clocks a workflow is judged by.
type Timing struct {
	CreatedAt        time.Time `json:"created_at"`
	LastActivity     time.Time `json:"last_activity"`
	PhaseStartedAt   time.Time `json:"phase_started_at"`
	LastTransitionAt time.Time `json:"last_transition_at"`
	CycleStartedAt   time.Time `json:"cycle_started_at"`
	CompletedAt      time.Time `json:"completed_at,omitempty"`
	ExtendedTimeout  bool      `json:"extended_timeout"`
}

// RetryState groups the attempt accounting. ExecutionCount only ever grows,
// by one per deployment attempt, and never past MaxExecutions.
type RetryState struct {
	ExecutionCount        int  `json:"execution_count"`
	MaxExecutions         int  `json:"max_executions"`
	IsFinalAttempt        bool `json:"is_final_attempt"`
	HasReachedMaxAttempts bool `json:"has_reached_max_attempts"`
	IncrementApplied      bool `json:"deployment_increment_applied"`
}

// AttemptsRemain reports whether another deployment attempt may be made.
func (r RetryState) AttemptsRemain() bool {
	return !r.HasReachedMaxAttempts && r.ExecutionCount < r.MaxExecutions
}

// ErrorContext describes the failure being fixed.
type ErrorContext struct {
	Kind          ErrorKind `json:"kind"`
	Raw           string    `json:"raw"`
	Enriched      string    `json:"enriched,omitempty"`
	HasEnrichment bool      `json:"has_enrichment"`
	Context       string    `json:"context,omitempty"`
	LastError     string    `json:"last_error,omitempty"`
}

// SequentialContext links a workflow to the one it replaced when a new
// failure arrived while the previous workflow was still warm.
type SequentialContext struct {
	IsSequential          bool       `json:"is_sequential"`
	Count                 int        `json:"count"`
	OriginatingWorkflowID WorkflowID `json:"originating_workflow_id,omitempty"`
}

// CleanupState holds the lifecycle-protection flags. A record is reclaimable
// only when unprotected, no longer automated, and (if terminal) acknowledged.
type CleanupState struct {
	Protected        bool `json:"protected_from_cleanup"`
	AutomationActive bool `json:"automation_pipeline_active"`
	UISignaled       bool `json:"ui_completion_signaled"`
}

// Triggers records which side effects of the current cycle already fired.
type Triggers struct {
	FileApplication bool `json:"file_application_triggered"`
	Deployment      bool `json:"deployment_triggered"`
}

// Result is filled once the workflow reaches a terminal phase.
type Result struct {
	CompletedPhase string `json:"completed_phase,omitempty"`
	DeployedURL    string `json:"deployed_url,omitempty"`
}

// Workflow is the unit of work tracked end-to-end by the coordinator.
type Workflow struct {
	ID              WorkflowID        `json:"id"`
	ProjectID       string            `json:"project_id"`
	Phase           Phase             `json:"phase"`
	Timing          Timing            `json:"timing"`
	Retry           RetryState        `json:"retry"`
	Error           ErrorContext      `json:"error"`
	Sequential      SequentialContext `json:"sequential"`
	Cleanup         CleanupState      `json:"cleanup"`
	Triggers        Triggers          `json:"triggers"`
	Result          Result            `json:"result"`
	MessageInjected bool              `json:"message_injected"`
	Files           map[string]string `json:"files,omitempty"`
}

// IsActive reports whether the workflow still drives phases automatically.
func (w *Workflow) IsActive() bool {
	return !w.Phase.IsTerminal() && w.Cleanup.AutomationActive
}

// Reclaimable reports whether the protection flags allow expiry.
func (w *Workflow) Reclaimable() bool {
	if w.Cleanup.Protected || w.Cleanup.AutomationActive {
		return false
	}
	if w.Phase.IsTerminal() && !w.Cleanup.UISignaled {
		return false
	}
	return true
}

// Clone returns a deep copy so callers never alias a live record.
func (w *Workflow) Clone() *Workflow {
	if w == nil {
		return nil
	}
	cp := *w
	if w.Files != nil {
		cp.Files = make(map[string]string, len(w.Files))
		for k, v := range w.Files {
			cp.Files[k] = v
		}
	}
	return &cp
}

// String implements fmt.Stringer for log lines.
func (w *Workflow) String() string {
	return fmt.Sprintf("workflow %s (project=%s phase=%s attempt=%d/%d)",
		w.ID, w.ProjectID, w.Phase, w.Retry.ExecutionCount, w.Retry.MaxExecutions)
}

// StartRequest carries the arguments of Coordinator.Start.
type StartRequest struct {
	ProjectID       string            `json:"project_id"`
	Files           map[string]string `json:"files,omitempty"`
	ErrorKind       ErrorKind         `json:"error_kind"`
	RawError        string            `json:"raw_error"`
	Context         string            `json:"context,omitempty"`
	EnrichedMessage string            `json:"enriched_message,omitempty"`
	ExtendedTimeout bool              `json:"extended_timeout,omitempty"`
}

// CompletionResult is reported back by the deployment pipeline.
type CompletionResult struct {
	Success     bool   `json:"success"`
	Phase       string `json:"phase"`
	Error       string `json:"error,omitempty"`
	DeployedURL string `json:"deployed_url,omitempty"`
}

// Snapshot is the full state pushed to subscribers on every mutation.
type Snapshot struct {
	IsCoordinating  bool                  `json:"is_coordinating"`
	Workflows       []*Workflow           `json:"workflows"`
	ProjectMappings map[string]WorkflowID `json:"project_mappings"`
	LastActivity    time.Time             `json:"last_activity"`
}
