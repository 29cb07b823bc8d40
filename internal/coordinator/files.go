package coordinator

import (
	"context"
	"fmt"

	"github.com/coinnation/kontext-sub005/internal/core"
	"github.com/coinnation/kontext-sub005/internal/correlator"
	"github.com/coinnation/kontext-sub005/internal/tracing"
)

// ObserveFile feeds a generated-file update to the project's workflow. When
// the correlator reports the generation phase complete with enough
// confidence, the files are applied and a deployment is triggered, once per
// cycle. It returns false if no live workflow tracks the project.
func (c *Coordinator) ObserveFile(projectID string, update correlator.FileUpdate) bool {
	now := c.clock.Now()
	var b batch

	c.mu.Lock()
	wf, ok := c.registry.GetByProject(projectID)
	if !ok || wf.Phase.IsTerminal() {
		c.mu.Unlock()
		return false
	}
	tracker := c.trackers[wf.ID]
	if tracker == nil {
		c.mu.Unlock()
		return false
	}
	tracker.Observe(update)
	wf.Timing.LastActivity = now
	c.lastActivity = now

	if wf.Phase != core.PhaseAwaitingGeneration || wf.Triggers.FileApplication {
		c.mu.Unlock()
		return true
	}
	verdict := tracker.Verdict()
	if !verdict.Complete {
		c.mu.Unlock()
		return true
	}
	if !verdict.Notify {
		c.logFor(wf).Debug("generation looks complete but confidence is low",
			"confidence", verdict.Confidence,
			"members", len(verdict.Members))
		c.mu.Unlock()
		return true
	}

	c.logFor(wf).Info("generation complete",
		"members", len(verdict.Members),
		"confidence", verdict.Confidence,
		"generation_time", now.Sub(tracker.StartedAt()))
	c.markFileApplicationLocked(wf, now, &b)
	id := wf.ID
	files := tracker.MemberFiles()
	changes := tracker.Changes()
	c.mu.Unlock()

	c.flush(&b)
	c.goAsync(func(ctx context.Context) { c.applyFiles(ctx, id, projectID, files, changes) })
	return true
}

// applyFiles hands member files to the applier and then triggers deployment.
func (c *Coordinator) applyFiles(ctx context.Context, id core.WorkflowID, projectID string, files map[string]string, changes []correlator.FileChange) {
	attrs := append(tracing.WorkflowAttrs(string(id), projectID), tracing.FileCountKey.Int(len(files)))
	ctx, span := tracing.StartSpan(ctx, c.tracer, "coordinator.apply_files", attrs...)
	defer span.End()
	log := c.logger.WithContext(ctx).WithWorkflow(string(id)).WithProject(projectID)

	if c.collab.Applier != nil {
		applier := c.collab.Applier
		if err := guard("file applier", func() error {
			return applier.ApplyFiles(ctx, id, projectID, files)
		}); err != nil {
			if ctx.Err() != nil {
				return
			}
			err = core.ErrExecution(core.CodeApplyFailed, "applying generated files failed").WithCause(err)
			tracing.SetError(span, err)
			log.Warn("file application failed", "error", err)
			c.CompleteWorkflow(id, core.CompletionResult{
				Success: false,
				Phase:   string(core.PhaseApplyingFiles),
				Error:   err.Error(),
			})
			return
		}
	}

	added, removed := 0, 0
	for _, ch := range changes {
		added += ch.LinesAdded
		removed += ch.LinesRemoved
	}
	log.Info("generated files applied", "files", len(files), "lines_added", added, "lines_removed", removed)
	c.recordDetail(id, "files_applied", fmt.Sprintf("%d files, +%d -%d lines", len(files), added, removed))

	c.MarkDeploymentTriggered(id)
}

// recordDetail writes a journal entry that does not change phase.
func (c *Coordinator) recordDetail(id core.WorkflowID, event, detail string) {
	if c.journal == nil {
		return
	}
	c.mu.Lock()
	wf, ok := c.registry.Get(id)
	if !ok {
		c.mu.Unlock()
		return
	}
	var b batch
	b.record(wf, event, wf.Phase, detail, c.clock.Now())
	c.mu.Unlock()

	for _, entry := range b.journal {
		if err := c.journal.Record(c.ctx, entry); err != nil {
			c.logger.Warn("journal write failed", "workflow_id", id, "event", event, "error", err)
		}
	}
}
