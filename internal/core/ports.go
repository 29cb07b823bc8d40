package core

import (
	"context"
	"time"
)

// =============================================================================
// Collaborator ports
// =============================================================================

// Surface is the conversational surface the corrective prompt is delivered to.
// The surface may register late, so callers poll Ready before each call.
type Surface interface {
	// Ready reports whether the surface has registered and can accept calls.
	Ready() bool

	// SwitchToConversationalSurface brings the chat tab to the front. It is
	// fire-and-forget.
	SwitchToConversationalSurface(tabID string)

	// SubmitCorrectivePrompt submits the prompt. A returned error fails the
	// workflow.
	SubmitCorrectivePrompt(ctx context.Context, prompt string) error
}

// Deployer starts a deployment. Only the initiation is awaited; the outcome
// comes back later through Coordinator.CompleteWorkflow.
type Deployer interface {
	Ready() bool
	ExecuteDeployment(ctx context.Context, workflowID WorkflowID, projectID string) error
}

// FileApplier writes generated files into the project before deployment.
type FileApplier interface {
	ApplyFiles(ctx context.Context, workflowID WorkflowID, projectID string, files map[string]string) error
}

// RequestResolver marks outstanding fix requests as resolved. Best effort:
// its failures never affect workflow state.
type RequestResolver interface {
	MarkRelatedRequestsResolved(workflowID WorkflowID, projectID string)
}

// Collaborators groups the host-provided ports injected into the coordinator.
// Any field may be nil; a nil Surface or Deployer is treated as never ready.
type Collaborators struct {
	Surface  Surface
	Deployer Deployer
	Applier  FileApplier
	Resolver RequestResolver
}

// =============================================================================
// Journal port
// =============================================================================

// JournalEntry is one audit record of a workflow transition.
type JournalEntry struct {
	WorkflowID WorkflowID `json:"workflow_id"`
	ProjectID  string     `json:"project_id"`
	Event      string     `json:"event"`
	FromPhase  Phase      `json:"from_phase,omitempty"`
	ToPhase    Phase      `json:"to_phase,omitempty"`
	Attempt    int        `json:"attempt"`
	Detail     string     `json:"detail,omitempty"`
	At         time.Time  `json:"at"`
}

// Journal records workflow transitions for later inspection.
type Journal interface {
	Record(ctx context.Context, entry JournalEntry) error
	List(ctx context.Context, workflowID WorkflowID) ([]JournalEntry, error)
}
