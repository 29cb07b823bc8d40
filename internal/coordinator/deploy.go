package coordinator

import (
	"context"
	"time"

	"github.com/coinnation/kontext-sub005/internal/core"
	"github.com/coinnation/kontext-sub005/internal/tracing"
)

// triggerDeployment calls the deployer for the cycle that scheduled it. Only
// the initiation is awaited: a call still running after the initiation
// timeout keeps going and reports back through CompleteWorkflow.
func (c *Coordinator) triggerDeployment(ctx context.Context, id core.WorkflowID, cycle time.Time) {
	c.mu.Lock()
	wf, ok := c.registry.Get(id)
	if !ok || wf.Phase != core.PhaseDeploying || !wf.Timing.CycleStartedAt.Equal(cycle) {
		c.mu.Unlock()
		return
	}
	projectID := wf.ProjectID
	attempt := wf.Retry.ExecutionCount
	c.mu.Unlock()

	attrs := append(tracing.WorkflowAttrs(string(id), projectID), tracing.AttemptKey.Int(attempt))
	ctx, span := tracing.StartSpan(ctx, c.tracer, "coordinator.deploy", attrs...)
	defer span.End()
	log := c.logger.WithContext(ctx).WithWorkflow(string(id)).WithProject(projectID)

	fail := func(err error) {
		tracing.SetError(span, err)
		log.Warn("deployment trigger failed", "attempt", attempt, "error", err)
		c.CompleteWorkflow(id, core.CompletionResult{
			Success: false,
			Phase:   "deployment",
			Error:   err.Error(),
		})
	}

	deployer := c.collab.Deployer
	if deployer == nil {
		fail(core.ErrCollaboratorUnavailable("deployer", 0))
		return
	}
	interval := c.opts.FunctionPollInterval
	if err := c.poll(ctx, "deployer", readySafely(deployer.Ready), c.opts.FunctionPollAttempts, func(int) time.Duration { return interval }); err != nil {
		if ctx.Err() == nil {
			fail(err)
		}
		return
	}

	done := make(chan error, 1)
	go func() {
		done <- guard("deployer", func() error {
			return deployer.ExecuteDeployment(ctx, id, projectID)
		})
	}()

	select {
	case err := <-done:
		if err != nil {
			fail(core.ErrExecution(core.CodeDeploymentFailed, "deployment call failed").WithCause(err))
			return
		}
		log.Info("deployment initiated", "attempt", attempt)
	case <-c.clock.After(c.opts.DeployInitiationTimeout):
		log.Warn("deployment initiation still pending, continuing without waiting",
			"attempt", attempt,
			"timeout", c.opts.DeployInitiationTimeout)
	case <-ctx.Done():
	}
}
