package testutil

import (
	"time"

	"github.com/coinnation/kontext-sub005/internal/core"
)

// NewTestWorkflow creates a Workflow with sensible defaults for tests.
// Use functional options to override specific fields.
func NewTestWorkflow(opts ...func(*core.Workflow)) *core.Workflow {
	now := time.Now()
	wf := &core.Workflow{
		ID:        "wf-test",
		ProjectID: "proj-test",
		Phase:     core.PhaseInjectingMessage,
		Timing: core.Timing{
			CreatedAt:        now,
			LastActivity:     now,
			PhaseStartedAt:   now,
			LastTransitionAt: now,
			CycleStartedAt:   now,
		},
		Retry: core.RetryState{MaxExecutions: 3},
		Error: core.ErrorContext{
			Kind: core.ErrorKindDeployment,
			Raw:  "actor type mismatch",
		},
		Cleanup: core.CleanupState{Protected: true, AutomationActive: true},
		Files:   map[string]string{},
	}
	for _, opt := range opts {
		opt(wf)
	}
	return wf
}

// WithPhase sets the workflow phase.
func WithPhase(p core.Phase) func(*core.Workflow) {
	return func(wf *core.Workflow) { wf.Phase = p }
}

// WithProject sets id and project.
func WithProject(id core.WorkflowID, projectID string) func(*core.Workflow) {
	return func(wf *core.Workflow) {
		wf.ID = id
		wf.ProjectID = projectID
	}
}
