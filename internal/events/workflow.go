package events

import (
	"time"

	"github.com/coinnation/kontext-sub005/internal/core"
)

// Event type constants for coordinator events.
const (
	TypeSnapshot             = "coordinator_snapshot"
	TypeWorkflowStarted      = "workflow_started"
	TypeWorkflowPhaseChanged = "workflow_phase_changed"
	TypeWorkflowCompleted    = "workflow_completed"
	TypeWorkflowFailed       = "workflow_failed"
	TypeWorkflowRemoved      = "workflow_removed"
	TypeStartRejected        = "workflow_start_rejected"
)

// TerminalTypes are published with PublishPriority.
var TerminalTypes = []string{
	TypeWorkflowCompleted,
	TypeWorkflowFailed,
}

// ProgressTypes are the lifecycle types that are not terminal.
var ProgressTypes = []string{
	TypeWorkflowStarted,
	TypeWorkflowPhaseChanged,
	TypeWorkflowRemoved,
	TypeStartRejected,
}

// SnapshotEvent carries the full coordinator state. It is published after
// every mutation; consumers diff if they need deltas.
type SnapshotEvent struct {
	BaseEvent
	Snapshot core.Snapshot `json:"snapshot"`
}

// NewSnapshotEvent creates a new snapshot event.
func NewSnapshotEvent(snap core.Snapshot, at time.Time) SnapshotEvent {
	return SnapshotEvent{
		BaseEvent: NewBaseEvent(TypeSnapshot, "", "", at),
		Snapshot:  snap,
	}
}

// WorkflowStartedEvent is emitted when a start is accepted.
type WorkflowStartedEvent struct {
	BaseEvent
	ErrorKind       string `json:"error_kind"`
	Sequential      bool   `json:"sequential"`
	SequentialCount int    `json:"sequential_count"`
	Originating     string `json:"originating_workflow_id,omitempty"`
}

// NewWorkflowStartedEvent creates a new workflow started event.
func NewWorkflowStartedEvent(wf *core.Workflow, at time.Time) WorkflowStartedEvent {
	return WorkflowStartedEvent{
		BaseEvent:       NewBaseEvent(TypeWorkflowStarted, string(wf.ID), wf.ProjectID, at),
		ErrorKind:       string(wf.Error.Kind),
		Sequential:      wf.Sequential.IsSequential,
		SequentialCount: wf.Sequential.Count,
		Originating:     string(wf.Sequential.OriginatingWorkflowID),
	}
}

// WorkflowPhaseChangedEvent is emitted on every non-terminal transition.
type WorkflowPhaseChangedEvent struct {
	BaseEvent
	From    string `json:"from"`
	To      string `json:"to"`
	Attempt int    `json:"attempt"`
}

// NewWorkflowPhaseChangedEvent creates a new phase changed event.
func NewWorkflowPhaseChangedEvent(wf *core.Workflow, from core.Phase, at time.Time) WorkflowPhaseChangedEvent {
	return WorkflowPhaseChangedEvent{
		BaseEvent: NewBaseEvent(TypeWorkflowPhaseChanged, string(wf.ID), wf.ProjectID, at),
		From:      string(from),
		To:        string(wf.Phase),
		Attempt:   wf.Retry.ExecutionCount,
	}
}

// WorkflowCompletedEvent is emitted once when a deployment succeeds.
// This is a PRIORITY event - never dropped.
type WorkflowCompletedEvent struct {
	BaseEvent
	DeployedURL string        `json:"deployed_url,omitempty"`
	Attempts    int           `json:"attempts"`
	Duration    time.Duration `json:"duration"`
}

// NewWorkflowCompletedEvent creates a new workflow completed event.
func NewWorkflowCompletedEvent(wf *core.Workflow, at time.Time) WorkflowCompletedEvent {
	return WorkflowCompletedEvent{
		BaseEvent:   NewBaseEvent(TypeWorkflowCompleted, string(wf.ID), wf.ProjectID, at),
		DeployedURL: wf.Result.DeployedURL,
		Attempts:    wf.Retry.ExecutionCount,
		Duration:    at.Sub(wf.Timing.CreatedAt),
	}
}

// WorkflowFailedEvent is emitted when a workflow enters Failed.
// This is a PRIORITY event - never dropped.
type WorkflowFailedEvent struct {
	BaseEvent
	Phase              string `json:"phase"`
	Error              string `json:"error"`
	Attempts           int    `json:"attempts"`
	MaxAttemptsReached bool   `json:"max_attempts_reached"`
}

// NewWorkflowFailedEvent creates a new workflow failed event.
func NewWorkflowFailedEvent(wf *core.Workflow, at time.Time) WorkflowFailedEvent {
	return WorkflowFailedEvent{
		BaseEvent:          NewBaseEvent(TypeWorkflowFailed, string(wf.ID), wf.ProjectID, at),
		Phase:              wf.Result.CompletedPhase,
		Error:              wf.Error.LastError,
		Attempts:           wf.Retry.ExecutionCount,
		MaxAttemptsReached: wf.Retry.HasReachedMaxAttempts,
	}
}

// WorkflowRemovedEvent is emitted when a record leaves the registry.
type WorkflowRemovedEvent struct {
	BaseEvent
	Reason string `json:"reason"`
}

// NewWorkflowRemovedEvent creates a new workflow removed event.
func NewWorkflowRemovedEvent(workflowID core.WorkflowID, projectID, reason string, at time.Time) WorkflowRemovedEvent {
	return WorkflowRemovedEvent{
		BaseEvent: NewBaseEvent(TypeWorkflowRemoved, string(workflowID), projectID, at),
		Reason:    reason,
	}
}

// StartRejectedEvent is emitted when Start refuses a request.
type StartRejectedEvent struct {
	BaseEvent
	Code   string `json:"code"`
	Reason string `json:"reason"`
}

// NewStartRejectedEvent creates a new start rejected event.
func NewStartRejectedEvent(projectID, code, reason string, at time.Time) StartRejectedEvent {
	return StartRejectedEvent{
		BaseEvent: NewBaseEvent(TypeStartRejected, "", projectID, at),
		Code:      code,
		Reason:    reason,
	}
}
