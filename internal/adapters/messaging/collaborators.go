package messaging

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/jonboulle/clockwork"

	"github.com/coinnation/kontext-sub005/internal/config"
	"github.com/coinnation/kontext-sub005/internal/core"
	"github.com/coinnation/kontext-sub005/internal/logging"
	"github.com/coinnation/kontext-sub005/internal/ttlcache"
)

// maxSurfaces bounds the heartbeat cache.
const maxSurfaces = 64

// Surface drives the conversational surface through command messages. It is
// ready while at least one surface heartbeat is younger than the TTL.
type Surface struct {
	publisher message.Publisher
	topic     string
	beats     *ttlcache.Cache[string, struct{}]
	logger    *logging.Logger
}

// NewSurface creates a surface adapter publishing on topic.
func NewSurface(pub message.Publisher, topic string, ttl time.Duration, clock clockwork.Clock, logger *logging.Logger) *Surface {
	return &Surface{
		publisher: pub,
		topic:     topic,
		beats:     ttlcache.New[string, struct{}](ttl, maxSurfaces, clock),
		logger:    logger.WithComponent("surface"),
	}
}

// Heartbeat records that surfaceID is alive.
func (s *Surface) Heartbeat(surfaceID string) {
	s.beats.Set(surfaceID, struct{}{})
}

// Ready reports whether any surface sent a heartbeat within the TTL.
func (s *Surface) Ready() bool {
	return s.beats.Len() > 0
}

// SwitchToConversationalSurface publishes a tab switch. Failures are logged.
func (s *Surface) SwitchToConversationalSurface(tabID string) {
	msg, err := newMessage(TypeSurfaceSwitch, "", "", SurfaceCommand{Action: "switch", TabID: tabID})
	if err == nil {
		err = s.publisher.Publish(s.topic, msg)
	}
	if err != nil {
		s.logger.Warn("surface switch not published", "tab", tabID, "error", err)
	}
}

// SubmitCorrectivePrompt publishes the prompt for the workflow in ctx.
func (s *Surface) SubmitCorrectivePrompt(ctx context.Context, prompt string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	scope, _ := core.WorkflowFromContext(ctx)
	cmd := SurfaceCommand{
		Action:     "submit",
		Prompt:     prompt,
		WorkflowID: string(scope.WorkflowID),
		ProjectID:  scope.ProjectID,
	}
	msg, err := newMessage(TypePromptSubmit, cmd.WorkflowID, cmd.ProjectID, cmd)
	if err != nil {
		return fmt.Errorf("encoding prompt: %w", err)
	}
	msg.SetContext(ctx)
	if err := s.publisher.Publish(s.topic, msg); err != nil {
		return fmt.Errorf("publishing prompt: %w", err)
	}
	return nil
}

// Deployer hands deployments to the pipeline listening on its topic.
type Deployer struct {
	publisher message.Publisher
	topic     string
	clock     clockwork.Clock
	closed    atomic.Bool
}

// NewDeployer creates a deployer adapter publishing on topic.
func NewDeployer(pub message.Publisher, topic string, clock clockwork.Clock) *Deployer {
	return &Deployer{publisher: pub, topic: topic, clock: clock}
}

// Ready is true until Shutdown.
func (d *Deployer) Ready() bool {
	return !d.closed.Load()
}

// Shutdown makes the deployer report not ready.
func (d *Deployer) Shutdown() {
	d.closed.Store(true)
}

// ExecuteDeployment publishes the deploy command. The outcome arrives later
// on the deploy results topic.
func (d *Deployer) ExecuteDeployment(ctx context.Context, workflowID core.WorkflowID, projectID string) error {
	msg, err := newMessage(TypeDeployExecute, string(workflowID), projectID, DeployCommand{
		WorkflowID: string(workflowID),
		ProjectID:  projectID,
		IssuedAt:   d.clock.Now().UTC(),
	})
	if err != nil {
		return err
	}
	msg.SetContext(ctx)
	return d.publisher.Publish(d.topic, msg)
}

// Applier forwards generated files to the process that owns the project tree.
type Applier struct {
	publisher message.Publisher
	topic     string
}

// NewApplier creates an applier adapter publishing on topic.
func NewApplier(pub message.Publisher, topic string) *Applier {
	return &Applier{publisher: pub, topic: topic}
}

// ApplyFiles publishes the files for the workflow.
func (a *Applier) ApplyFiles(ctx context.Context, workflowID core.WorkflowID, projectID string, files map[string]string) error {
	msg, err := newMessage(TypeFilesApply, string(workflowID), projectID, ApplyCommand{
		WorkflowID: string(workflowID),
		ProjectID:  projectID,
		Files:      files,
	})
	if err != nil {
		return err
	}
	msg.SetContext(ctx)
	return a.publisher.Publish(a.topic, msg)
}

// Resolver announces resolved fix requests. Best effort.
type Resolver struct {
	publisher message.Publisher
	topic     string
	logger    *logging.Logger
}

// NewResolver creates a resolver adapter publishing on topic.
func NewResolver(pub message.Publisher, topic string, logger *logging.Logger) *Resolver {
	return &Resolver{publisher: pub, topic: topic, logger: logger.WithComponent("resolver")}
}

// MarkRelatedRequestsResolved publishes the resolution. Errors are logged.
func (r *Resolver) MarkRelatedRequestsResolved(workflowID core.WorkflowID, projectID string) {
	msg, err := newMessage(TypeRequestsSolved, string(workflowID), projectID, ResolvedMessage{
		WorkflowID: string(workflowID),
		ProjectID:  projectID,
	})
	if err == nil {
		err = r.publisher.Publish(r.topic, msg)
	}
	if err != nil {
		r.logger.Warn("resolution not published", "workflow_id", workflowID, "error", err)
	}
}

// Collaborators builds the coordinator ports on top of ps.
func Collaborators(ps *PubSub, cfg config.MessagingConfig, clock clockwork.Clock, logger *logging.Logger) (*Surface, core.Collaborators) {
	surface := NewSurface(ps.Publisher, cfg.Topics.SurfaceCommand, cfg.SurfaceTTL, clock, logger)
	return surface, core.Collaborators{
		Surface:  surface,
		Deployer: NewDeployer(ps.Publisher, cfg.Topics.DeployCommand, clock),
		Applier:  NewApplier(ps.Publisher, cfg.Topics.ApplyCommand),
		Resolver: NewResolver(ps.Publisher, cfg.Topics.Resolved, logger),
	}
}
