package coordinator

import (
	"context"
	"errors"
	"time"

	"github.com/coinnation/kontext-sub005/internal/core"
	"github.com/coinnation/kontext-sub005/internal/correlator"
	"github.com/coinnation/kontext-sub005/internal/events"
)

// admission is the outcome of the start rules for one project.
type admission struct {
	prior      *core.Workflow
	sequential bool
	count      int
}

// admitLocked applies the start rules in order. Apart from the registry
// healing a dangling project index, it has no side effects.
func (c *Coordinator) admitLocked(projectID string, now time.Time) (admission, error) {
	if projectID == "" {
		return admission{}, core.ErrInvalidProject
	}
	if c.closed {
		return admission{}, core.ErrCoordinatorClosed
	}
	if n, ok := c.sequential.Get(projectID); ok && n >= c.opts.MaxSequentialErrors {
		return admission{}, core.ErrSequentialCapReached.WithDetail("count", n)
	}

	prior, ok := c.registry.GetByProject(projectID)
	if !ok {
		return admission{}, nil
	}
	adm := admission{prior: prior}

	if prior.Phase == core.PhaseInjectingMessage && now.Sub(prior.Timing.CreatedAt) < c.opts.DuplicateWindow {
		return adm, core.ErrDuplicateStart.WithDetail("workflow_id", prior.ID)
	}
	if prior.Retry.HasReachedMaxAttempts {
		return adm, core.ErrMaxAttemptsReached.WithDetail("workflow_id", prior.ID)
	}

	warmDeploy := prior.Phase == core.PhaseDeploying && now.Sub(prior.Timing.LastActivity) < c.opts.SequentialWindow
	warmTerminal := prior.Phase.IsTerminal() && now.Sub(prior.Timing.PhaseStartedAt) < c.opts.SequentialWindow
	if warmDeploy || warmTerminal {
		adm.sequential = true
		adm.count = prior.Sequential.Count + 1
		if adm.count > c.opts.MaxSequentialErrors {
			return adm, core.ErrSequentialCapReached.WithDetail("count", adm.count)
		}
		return adm, nil
	}

	if prior.IsActive() && prior.Phase != core.PhaseDeploying &&
		now.Sub(prior.Timing.LastActivity) < c.opts.ActiveConflictWindow {
		return adm, core.ErrActiveWorkflowConflict.WithDetail("workflow_id", prior.ID)
	}
	return adm, nil
}

// Admission reports why Start would reject projectID, or nil if it would
// accept.
func (c *Coordinator) Admission(projectID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, err := c.admitLocked(projectID, c.clock.Now())
	return err
}

// CanStart is the side-effect free pre-flight of Start.
func (c *Coordinator) CanStart(projectID string) bool {
	return c.Admission(projectID) == nil
}

// Start admits a new workflow for req.ProjectID and begins message injection
// in the background. It returns false when the start is rejected; the reason
// is logged and published but never returned.
func (c *Coordinator) Start(req core.StartRequest) (core.WorkflowID, bool) {
	now := c.clock.Now()
	var b batch

	c.mu.Lock()
	adm, err := c.admitLocked(req.ProjectID, now)
	if err != nil {
		c.mu.Unlock()
		c.logger.WithProject(req.ProjectID).Info("workflow start rejected", "reason", err)
		code := string(core.GetCategory(err))
		var de *core.DomainError
		if errors.As(err, &de) {
			code = de.Code
		}
		c.bus.Publish(events.NewStartRejectedEvent(req.ProjectID, code, err.Error(), now))
		return "", false
	}

	c.forceCleanupLocked(req.ProjectID, "superseded by new workflow", now, &b)

	wf := newWorkflow(c.newID(), req, c.opts.MaxExecutions, now)
	if adm.sequential {
		wf.Sequential = core.SequentialContext{
			IsSequential:          true,
			Count:                 adm.count,
			OriginatingWorkflowID: adm.prior.ID,
		}
		c.sequential.Set(req.ProjectID, adm.count)
	} else {
		c.sequential.Delete(req.ProjectID)
	}

	c.registry.Put(wf)
	c.trackers[wf.ID] = correlator.NewTracker(now, req.Files, c.opts.Correlator, c.clock)
	c.lastActivity = now

	c.logFor(wf).Info("workflow started",
		"error_kind", wf.Error.Kind,
		"sequential", wf.Sequential.IsSequential,
		"sequential_count", wf.Sequential.Count,
		"extended_timeout", wf.Timing.ExtendedTimeout)
	b.emit(events.NewWorkflowStartedEvent(wf.Clone(), now))
	b.record(wf, "started", core.PhaseIdle, string(wf.Error.Kind), now)
	id := wf.ID
	c.mu.Unlock()

	c.flush(&b)
	c.goAsync(func(ctx context.Context) { c.inject(ctx, id) })
	return id, true
}

func newWorkflow(id core.WorkflowID, req core.StartRequest, maxExecutions int, now time.Time) *core.Workflow {
	kind := req.ErrorKind
	if kind == "" || kind == core.ErrorKindUnknown {
		kind = core.ClassifyError(req.RawError)
	}
	files := make(map[string]string, len(req.Files))
	for k, v := range req.Files {
		files[k] = v
	}
	return &core.Workflow{
		ID:        id,
		ProjectID: req.ProjectID,
		Phase:     core.PhaseInjectingMessage,
		Timing: core.Timing{
			CreatedAt:        now,
			LastActivity:     now,
			PhaseStartedAt:   now,
			LastTransitionAt: now,
			CycleStartedAt:   now,
			ExtendedTimeout:  req.ExtendedTimeout,
		},
		Retry: core.RetryState{MaxExecutions: maxExecutions},
		Error: core.ErrorContext{
			Kind:          kind,
			Raw:           req.RawError,
			Enriched:      req.EnrichedMessage,
			HasEnrichment: req.EnrichedMessage != "",
			Context:       req.Context,
		},
		Cleanup: core.CleanupState{
			Protected:        true,
			AutomationActive: true,
		},
		Files: files,
	}
}
