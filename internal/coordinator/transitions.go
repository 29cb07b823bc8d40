package coordinator

import (
	"context"
	"time"

	"github.com/coinnation/kontext-sub005/internal/core"
	"github.com/coinnation/kontext-sub005/internal/events"
)

// MarkFileApplicationTriggered records that generated files are being
// applied and moves the workflow to ApplyingFiles. Calls from an unexpected
// phase are logged and still honoured; a repeat within the same cycle and any
// call on a terminal workflow change nothing.
func (c *Coordinator) MarkFileApplicationTriggered(id core.WorkflowID) bool {
	now := c.clock.Now()
	var b batch

	c.mu.Lock()
	wf, ok := c.registry.Get(id)
	if !ok {
		c.mu.Unlock()
		return false
	}
	applied := c.markFileApplicationLocked(wf, now, &b)
	c.mu.Unlock()

	c.flush(&b)
	return applied
}

func (c *Coordinator) markFileApplicationLocked(wf *core.Workflow, now time.Time, b *batch) bool {
	if wf.Phase.IsTerminal() {
		c.logFor(wf).Warn("file application mark ignored on terminal workflow", "phase", wf.Phase)
		return false
	}
	if wf.Triggers.FileApplication {
		return true
	}
	if wf.Phase != core.PhaseAwaitingGeneration {
		c.logFor(wf).Warn("file application marked out of order", "phase", wf.Phase)
	}
	wf.Triggers.FileApplication = true
	c.transitionLocked(wf, core.PhaseApplyingFiles, now, b)
	return true
}

// MarkDeploymentTriggered consumes one deployment attempt and schedules the
// deployment call. The attempt is counted once per cycle however often this
// is called. When the count is already at the cap it is not incremented;
// the workflow is flagged as on its final attempt and still deploys.
func (c *Coordinator) MarkDeploymentTriggered(id core.WorkflowID) bool {
	now := c.clock.Now()
	var b batch

	c.mu.Lock()
	wf, ok := c.registry.Get(id)
	if !ok {
		c.mu.Unlock()
		return false
	}
	if wf.Phase.IsTerminal() {
		c.logFor(wf).Warn("deployment mark ignored on terminal workflow", "phase", wf.Phase)
		c.mu.Unlock()
		return false
	}
	if wf.Triggers.Deployment {
		c.mu.Unlock()
		return true
	}
	if wf.Phase != core.PhaseApplyingFiles {
		c.logFor(wf).Warn("deployment marked out of order", "phase", wf.Phase)
	}

	if !wf.Retry.IncrementApplied {
		if wf.Retry.ExecutionCount >= wf.Retry.MaxExecutions {
			wf.Retry.HasReachedMaxAttempts = true
			wf.Retry.IsFinalAttempt = true
			c.logFor(wf).Warn("attempts exhausted, deploying without counting a new attempt",
				"attempt", wf.Retry.ExecutionCount,
				"max_attempts", wf.Retry.MaxExecutions)
		} else {
			wf.Retry.ExecutionCount++
			if wf.Retry.ExecutionCount == wf.Retry.MaxExecutions {
				wf.Retry.IsFinalAttempt = true
			}
		}
		wf.Retry.IncrementApplied = true
	}

	wf.Triggers.Deployment = true
	wf.Cleanup.AutomationActive = true
	c.transitionLocked(wf, core.PhaseDeploying, now, &b)

	cycle := wf.Timing.CycleStartedAt
	c.scheduleLocked(id, c.opts.DeployTriggerDelay, func() {
		c.goAsync(func(ctx context.Context) { c.triggerDeployment(ctx, id, cycle) })
	})
	c.mu.Unlock()

	c.flush(&b)
	return true
}

// CompleteWorkflow records a deployment result. A failed attempt while
// deploying with attempts left starts a new corrective cycle; anything else
// finalizes the workflow and schedules its two-stage cleanup. Results for
// unknown or already terminal workflows are ignored.
func (c *Coordinator) CompleteWorkflow(id core.WorkflowID, result core.CompletionResult) bool {
	now := c.clock.Now()
	var b batch

	c.mu.Lock()
	wf, ok := c.registry.Get(id)
	if !ok || wf.Phase.IsTerminal() {
		c.mu.Unlock()
		return false
	}

	if !result.Success && wf.Phase == core.PhaseDeploying && wf.Retry.AttemptsRemain() {
		c.startCycleLocked(wf, result, now, &b)
		c.mu.Unlock()
		c.flush(&b)
		return true
	}

	from := wf.Phase
	if result.Success {
		wf.Result.DeployedURL = result.DeployedURL
		wf.Error.LastError = ""
		c.sequential.Delete(wf.ProjectID)
		c.transitionLocked(wf, core.PhaseCompleted, now, &b)
	} else {
		msg := result.Error
		if msg == "" {
			msg = "workflow failed in " + result.Phase
		}
		if wf.Retry.ExecutionCount >= wf.Retry.MaxExecutions || wf.Retry.HasReachedMaxAttempts {
			wf.Retry.HasReachedMaxAttempts = true
			wf.Retry.IsFinalAttempt = true
			msg = core.MaxAttemptsMarker + " " + msg
		}
		wf.Error.LastError = msg
		c.transitionLocked(wf, core.PhaseFailed, now, &b)
	}

	wf.Result.CompletedPhase = result.Phase
	wf.Timing.CompletedAt = now
	wf.Cleanup.AutomationActive = false
	wf.Cleanup.UISignaled = true
	wf.Cleanup.Protected = true

	log := c.logFor(wf)
	if result.Success {
		log.Info("workflow completed", "attempts", wf.Retry.ExecutionCount, "deployed_url", wf.Result.DeployedURL)
		b.emitPriority(events.NewWorkflowCompletedEvent(wf.Clone(), now))
	} else {
		log.Warn("workflow failed",
			"from", from,
			"attempts", wf.Retry.ExecutionCount,
			"max_attempts_reached", wf.Retry.HasReachedMaxAttempts,
			"error", wf.Error.LastError)
		b.emitPriority(events.NewWorkflowFailedEvent(wf.Clone(), now))
	}

	c.scheduleLocked(id, c.opts.UnprotectDelay, func() { c.releaseProtection(id) })
	c.scheduleLocked(id, c.opts.UnprotectDelay+c.opts.RemoveDelay, func() { c.removeFinished(id) })

	resolve := result.Success || wf.Retry.HasReachedMaxAttempts
	projectID := wf.ProjectID
	c.mu.Unlock()

	c.flush(&b)
	if resolve {
		c.resolveRequests(id, projectID)
	}
	return true
}

// startCycleLocked sends the workflow back to AwaitingGeneration after a
// failed deployment attempt.
func (c *Coordinator) startCycleLocked(wf *core.Workflow, result core.CompletionResult, now time.Time, b *batch) {
	wf.Error.LastError = result.Error
	wf.Triggers = core.Triggers{}
	wf.Retry.IncrementApplied = false
	wf.Timing.CycleStartedAt = now
	c.stopTimersLocked(wf.ID)
	if tr := c.trackers[wf.ID]; tr != nil {
		tr.Restart(now)
	}

	c.logFor(wf).Info("deployment failed, starting corrective cycle",
		"attempt", wf.Retry.ExecutionCount,
		"max_attempts", wf.Retry.MaxExecutions,
		"error", result.Error)
	c.transitionLocked(wf, core.PhaseAwaitingGeneration, now, b)
}

// resolveRequests notifies the resolver. Its failures never reach workflow
// state.
func (c *Coordinator) resolveRequests(id core.WorkflowID, projectID string) {
	if c.collab.Resolver == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			c.logger.Warn("request resolver panicked", "workflow_id", id, "panic", r)
		}
	}()
	c.collab.Resolver.MarkRelatedRequestsResolved(id, projectID)
}

// releaseProtection is the first cleanup stage.
func (c *Coordinator) releaseProtection(id core.WorkflowID) {
	var b batch
	c.mu.Lock()
	wf, ok := c.registry.Get(id)
	if !ok || !wf.Phase.IsTerminal() || !wf.Cleanup.Protected {
		c.mu.Unlock()
		return
	}
	wf.Cleanup.Protected = false
	b.changed = true
	c.mu.Unlock()
	c.flush(&b)
}

// removeFinished is the second cleanup stage.
func (c *Coordinator) removeFinished(id core.WorkflowID) {
	now := c.clock.Now()
	var b batch
	c.mu.Lock()
	wf, ok := c.registry.Get(id)
	if !ok || !wf.Phase.IsTerminal() {
		c.mu.Unlock()
		return
	}
	c.logFor(wf).Debug("removing finished workflow", "phase", wf.Phase)
	c.dropLocked(wf, "completed", now, &b)
	c.mu.Unlock()
	c.flush(&b)
}

// ForceProjectCleanup removes the project's workflow regardless of its
// protection flags. It always returns true. Start uses it to keep one
// workflow per project; other callers discard protection knowingly.
func (c *Coordinator) ForceProjectCleanup(projectID, reason string) bool {
	now := c.clock.Now()
	var b batch
	c.mu.Lock()
	c.forceCleanupLocked(projectID, reason, now, &b)
	c.mu.Unlock()
	c.flush(&b)
	return true
}

func (c *Coordinator) forceCleanupLocked(projectID, reason string, now time.Time, b *batch) {
	wf, ok := c.registry.RemoveProject(projectID)
	if !ok {
		return
	}
	c.logFor(wf).Warn("forced workflow removal",
		"reason", reason,
		"phase", wf.Phase,
		"protected", wf.Cleanup.Protected)
	c.dropLocked(wf, "forced: "+reason, now, b)
}
