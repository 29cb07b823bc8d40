package messaging

import (
	"encoding/json"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/coinnation/kontext-sub005/internal/core"
	"github.com/coinnation/kontext-sub005/internal/correlator"
)

// Message types carried in the "type" metadata key.
const (
	TypeFailure        = "failure.reported"
	TypeFileUpdate     = "file.updated"
	TypeDeployResult   = "deploy.result"
	TypeSurfaceReady   = "surface.ready"
	TypeSurfaceSwitch  = "surface.switch"
	TypePromptSubmit   = "prompt.submit"
	TypeDeployExecute  = "deploy.execute"
	TypeFilesApply     = "files.apply"
	TypeRequestsSolved = "requests.resolved"
)

// FailureMessage reports a build or deployment failure for a project.
type FailureMessage struct {
	ProjectID       string            `json:"project_id" validate:"required"`
	ErrorKind       string            `json:"error_kind"`
	RawError        string            `json:"raw_error" validate:"required"`
	Context         string            `json:"context,omitempty"`
	EnrichedMessage string            `json:"enriched_message,omitempty"`
	Files           map[string]string `json:"files,omitempty"`
	ExtendedTimeout bool              `json:"extended_timeout,omitempty"`
}

// StartRequest converts the message. A missing kind is classified from the
// raw error text.
func (m FailureMessage) StartRequest() core.StartRequest {
	kind := core.ParseErrorKind(m.ErrorKind)
	if m.ErrorKind == "" {
		kind = core.ClassifyError(m.RawError)
	}
	return core.StartRequest{
		ProjectID:       m.ProjectID,
		Files:           m.Files,
		ErrorKind:       kind,
		RawError:        m.RawError,
		Context:         m.Context,
		EnrichedMessage: m.EnrichedMessage,
		ExtendedTimeout: m.ExtendedTimeout,
	}
}

// FileMessage is one observation from the generation stream.
type FileMessage struct {
	ProjectID string `json:"project_id" validate:"required"`
	correlator.FileUpdate
}

// DeployResultMessage reports the outcome of a deployment.
type DeployResultMessage struct {
	WorkflowID  string `json:"workflow_id" validate:"required"`
	Success     bool   `json:"success"`
	Phase       string `json:"phase"`
	Error       string `json:"error,omitempty"`
	DeployedURL string `json:"deployed_url,omitempty"`
}

// CompletionResult converts the message.
func (m DeployResultMessage) CompletionResult() core.CompletionResult {
	return core.CompletionResult{
		Success:     m.Success,
		Phase:       m.Phase,
		Error:       m.Error,
		DeployedURL: m.DeployedURL,
	}
}

// SurfaceReadyMessage is the heartbeat of a conversational surface.
type SurfaceReadyMessage struct {
	SurfaceID string `json:"surface_id" validate:"required"`
}

// SurfaceCommand asks the surface to switch tabs or accept a prompt.
type SurfaceCommand struct {
	Action     string `json:"action"`
	TabID      string `json:"tab_id,omitempty"`
	Prompt     string `json:"prompt,omitempty"`
	WorkflowID string `json:"workflow_id,omitempty"`
	ProjectID  string `json:"project_id,omitempty"`
}

// DeployCommand asks the deployment pipeline to start a deployment.
type DeployCommand struct {
	WorkflowID string    `json:"workflow_id"`
	ProjectID  string    `json:"project_id"`
	IssuedAt   time.Time `json:"issued_at"`
}

// ApplyCommand carries the generated files to write into a project.
type ApplyCommand struct {
	WorkflowID string            `json:"workflow_id"`
	ProjectID  string            `json:"project_id"`
	Files      map[string]string `json:"files"`
}

// ResolvedMessage tells request trackers that a workflow's requests are done.
type ResolvedMessage struct {
	WorkflowID string `json:"workflow_id"`
	ProjectID  string `json:"project_id"`
}

// newMessage marshals payload and stamps the routing metadata.
func newMessage(msgType, workflowID, projectID string, payload any) (*message.Message, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	msg := message.NewMessage("msg-"+watermill.NewULID(), body)
	msg.Metadata.Set(MetadataType, msgType)
	if workflowID != "" {
		msg.Metadata.Set(MetadataWorkflowID, workflowID)
	}
	if projectID != "" {
		msg.Metadata.Set(MetadataProjectID, projectID)
	}
	return msg, nil
}
