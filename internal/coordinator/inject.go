package coordinator

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/coinnation/kontext-sub005/internal/core"
	"github.com/coinnation/kontext-sub005/internal/tracing"
)

// inject delivers the corrective prompt for a workflow in InjectingMessage.
// It runs at most once per workflow; any failure fails the workflow.
func (c *Coordinator) inject(ctx context.Context, id core.WorkflowID) {
	c.mu.Lock()
	wf, ok := c.registry.Get(id)
	if !ok || wf.Phase != core.PhaseInjectingMessage || wf.MessageInjected {
		c.mu.Unlock()
		return
	}
	prompt := composePrompt(wf)
	projectID := wf.ProjectID
	c.mu.Unlock()

	ctx = core.ContextWithWorkflow(ctx, id, projectID)
	ctx, span := tracing.StartSpan(ctx, c.tracer, "coordinator.inject",
		tracing.WorkflowAttrs(string(id), projectID)...)
	defer span.End()
	log := c.logger.WithContext(ctx).WithWorkflow(string(id)).WithProject(projectID)

	fail := func(err error) {
		if ctx.Err() != nil {
			return
		}
		tracing.SetError(span, err)
		log.Warn("message injection failed", "error", err)
		c.CompleteWorkflow(id, core.CompletionResult{
			Success: false,
			Phase:   string(core.PhaseInjectingMessage),
			Error:   err.Error(),
		})
	}

	surface := c.collab.Surface
	if err := c.awaitSurface(ctx, surface); err != nil {
		fail(err)
		return
	}
	if err := guard("conversational surface", func() error {
		surface.SwitchToConversationalSurface(c.opts.ConversationalTab)
		return nil
	}); err != nil {
		fail(err)
		return
	}

	if err := c.awaitSurface(ctx, surface); err != nil {
		fail(err)
		return
	}
	if err := guard("conversational surface", func() error {
		return surface.SubmitCorrectivePrompt(ctx, prompt)
	}); err != nil {
		fail(core.ErrExecution(core.CodeSubmissionFailed, "corrective prompt rejected").WithCause(err))
		return
	}

	now := c.clock.Now()
	var b batch
	c.mu.Lock()
	wf, ok = c.registry.Get(id)
	if !ok || wf.Phase != core.PhaseInjectingMessage {
		// Superseded or finalized while we were submitting.
		c.mu.Unlock()
		log.Info("workflow changed during injection, not advancing")
		return
	}
	wf.MessageInjected = true
	c.transitionLocked(wf, core.PhaseAwaitingGeneration, now, &b)
	c.mu.Unlock()

	c.flush(&b)
	log.Debug("corrective prompt delivered", "prompt_bytes", len(prompt))
}

// awaitSurface polls the surface with linearly growing delays.
func (c *Coordinator) awaitSurface(ctx context.Context, s core.Surface) error {
	if s == nil {
		return core.ErrCollaboratorUnavailable("conversational surface", 0)
	}
	return c.poll(ctx, "conversational surface", readySafely(s.Ready), c.opts.CallbackRetries, func(attempt int) time.Duration {
		return time.Duration(attempt) * c.opts.CallbackRetryDelay
	})
}

// poll calls ready up to attempts times, sleeping delay(n) after the n-th
// miss.
func (c *Coordinator) poll(ctx context.Context, name string, ready func() bool, attempts int, delay func(int) time.Duration) error {
	for attempt := 1; attempt <= attempts; attempt++ {
		if ready() {
			return nil
		}
		if attempt == attempts {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.clock.After(delay(attempt)):
		}
	}
	return core.ErrCollaboratorUnavailable(name, attempts)
}

// composePrompt prefers the enriched message and otherwise builds a minimal
// one from the raw error.
func composePrompt(wf *core.Workflow) string {
	if wf.Error.HasEnrichment {
		return wf.Error.Enriched
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "The last %s step failed for this project (attempt %d of %d).\n",
		wf.Error.Kind, wf.Retry.ExecutionCount+1, wf.Retry.MaxExecutions)
	if wf.Sequential.IsSequential {
		fmt.Fprintf(&sb, "This is follow-up failure #%d after a previous fix.\n", wf.Sequential.Count)
	}
	sb.WriteString("\nError:\n")
	sb.WriteString(strings.TrimSpace(wf.Error.Raw))
	sb.WriteString("\n")
	if wf.Error.Context != "" {
		sb.WriteString("\nContext:\n")
		sb.WriteString(strings.TrimSpace(wf.Error.Context))
		sb.WriteString("\n")
	}
	sb.WriteString("\nPlease fix the code so the build and deployment succeed. Return complete files.")
	return sb.String()
}
