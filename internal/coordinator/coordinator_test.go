package coordinator

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coinnation/kontext-sub005/internal/core"
	"github.com/coinnation/kontext-sub005/internal/correlator"
	"github.com/coinnation/kontext-sub005/internal/events"
	"github.com/coinnation/kontext-sub005/internal/testutil"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

type harness struct {
	c       *Coordinator
	clock   *clockwork.FakeClock
	mocks   *testutil.Collaborators
	journal *testutil.MockJournal
}

func newHarness(t *testing.T, mutate ...func(*Options)) *harness {
	t.Helper()
	opts := DefaultOptions()
	for _, m := range mutate {
		m(&opts)
	}
	h := &harness{
		clock:   clockwork.NewFakeClock(),
		mocks:   testutil.NewCollaborators(),
		journal: testutil.NewMockJournal(),
	}
	h.c = New(h.mocks.Ports(), opts, WithClock(h.clock), WithJournal(h.journal))
	t.Cleanup(func() { _ = h.c.Close() })
	return h
}

func (h *harness) start(t *testing.T, projectID string) core.WorkflowID {
	t.Helper()
	id, ok := h.c.Start(core.StartRequest{
		ProjectID: projectID,
		ErrorKind: core.ErrorKindCompilation,
		RawError:  "type error: expected Nat, got Text",
	})
	require.True(t, ok, "start should be accepted")
	require.NotEmpty(t, id)
	return id
}

func (h *harness) waitPhase(t *testing.T, id core.WorkflowID, phase core.Phase) *core.Workflow {
	t.Helper()
	var wf *core.Workflow
	require.Eventually(t, func() bool {
		wf = h.c.GetWorkflow(id)
		return wf != nil && wf.Phase == phase
	}, waitFor, tick, "workflow never reached %s", phase)
	return wf
}

// deployCycle drives one attempt from AwaitingGeneration to Deploying.
func (h *harness) deployCycle(t *testing.T, id core.WorkflowID) *core.Workflow {
	t.Helper()
	h.waitPhase(t, id, core.PhaseAwaitingGeneration)
	require.True(t, h.c.MarkFileApplicationTriggered(id))
	require.True(t, h.c.MarkDeploymentTriggered(id))
	return h.waitPhase(t, id, core.PhaseDeploying)
}

func TestStart_InjectsAndAwaitsGeneration(t *testing.T) {
	h := newHarness(t)
	id := h.start(t, "proj-1")

	wf := h.waitPhase(t, id, core.PhaseAwaitingGeneration)
	assert.True(t, wf.MessageInjected)
	assert.Equal(t, 0, wf.Retry.ExecutionCount)
	assert.True(t, wf.Cleanup.Protected)
	assert.True(t, wf.Cleanup.AutomationActive)
	assert.Equal(t, 1, h.mocks.Surface.CallCount("SwitchToConversationalSurface"))
	assert.Contains(t, h.mocks.Surface.LastPrompt(), "expected Nat, got Text")
	assert.True(t, h.c.IsProjectActivelyRetrying("proj-1"))
}

func TestStart_PrefersEnrichedMessage(t *testing.T) {
	h := newHarness(t)
	id, ok := h.c.Start(core.StartRequest{
		ProjectID:       "proj-1",
		RawError:        "raw",
		EnrichedMessage: "fix the actor interface in main.mo",
	})
	require.True(t, ok)
	h.waitPhase(t, id, core.PhaseAwaitingGeneration)
	assert.Equal(t, "fix the actor interface in main.mo", h.mocks.Surface.LastPrompt())
}

func TestStart_SurfaceNotReadyKeepsInjecting(t *testing.T) {
	h := newHarness(t)
	h.mocks.Surface.SetReady(false)
	id := h.start(t, "proj-1")

	require.Eventually(t, func() bool {
		return h.mocks.Surface.CallCount("Ready") >= 1
	}, waitFor, tick)
	wf := h.c.GetWorkflow(id)
	require.NotNil(t, wf)
	assert.Equal(t, core.PhaseInjectingMessage, wf.Phase)
	assert.False(t, wf.MessageInjected)
	assert.Equal(t, 0, h.mocks.Surface.CallCount("SubmitCorrectivePrompt"))

	// The surface registers late; the next poll picks it up.
	h.mocks.Surface.SetReady(true)
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	require.NoError(t, h.clock.BlockUntilContext(ctx, 1))
	h.clock.Advance(DefaultOptions().CallbackRetryDelay)

	h.waitPhase(t, id, core.PhaseAwaitingGeneration)
	assert.Equal(t, 1, h.mocks.Surface.CallCount("SubmitCorrectivePrompt"))
}

func TestStart_SurfaceNeverReadyFailsWorkflow(t *testing.T) {
	h := newHarness(t)
	h.mocks.Surface.SetReady(false)
	id := h.start(t, "proj-1")

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	opts := h.c.Options()
	for attempt := 1; attempt < opts.CallbackRetries; attempt++ {
		require.NoError(t, h.clock.BlockUntilContext(ctx, 1))
		h.clock.Advance(time.Duration(attempt) * opts.CallbackRetryDelay)
	}

	wf := h.waitPhase(t, id, core.PhaseFailed)
	assert.Equal(t, string(core.PhaseInjectingMessage), wf.Result.CompletedPhase)
	assert.Contains(t, wf.Error.LastError, "unavailable")
	assert.False(t, wf.Retry.HasReachedMaxAttempts)
	assert.Equal(t, 0, h.mocks.Resolver.CallCount("MarkRelatedRequestsResolved"))
}

func TestStart_SubmissionErrorFailsWorkflow(t *testing.T) {
	h := newHarness(t)
	h.mocks.Surface.WithError(errors.New("surface closed"))
	id := h.start(t, "proj-1")

	wf := h.waitPhase(t, id, core.PhaseFailed)
	assert.Contains(t, wf.Error.LastError, "surface closed")
	assert.False(t, wf.Cleanup.AutomationActive)
}

func TestStart_SubmissionPanicFailsWorkflow(t *testing.T) {
	h := newHarness(t)
	h.mocks.Surface.WithSubmitFunc(func(context.Context, string) error {
		panic("editor torn down")
	})
	id := h.start(t, "proj-1")

	wf := h.waitPhase(t, id, core.PhaseFailed)
	assert.Equal(t, string(core.PhaseInjectingMessage), wf.Result.CompletedPhase)
	assert.Contains(t, wf.Error.LastError, "panicked: editor torn down")

	// The coordinator keeps serving other projects.
	h.mocks.Surface.WithSubmitFunc(nil)
	other := h.start(t, "proj-2")
	h.waitPhase(t, other, core.PhaseAwaitingGeneration)
}

func TestStart_DuplicateAndActiveConflict(t *testing.T) {
	h := newHarness(t)
	release := make(chan struct{})
	h.mocks.Surface.WithSubmitFunc(func(ctx context.Context, _ string) error {
		select {
		case <-release:
		case <-ctx.Done():
		}
		return nil
	})
	defer close(release)

	id := h.start(t, "proj-1")
	require.Eventually(t, func() bool {
		return h.mocks.Surface.CallCount("SubmitCorrectivePrompt") == 1
	}, waitFor, tick)

	h.clock.Advance(2 * time.Second)
	err := h.c.Admission("proj-1")
	assert.True(t, errors.Is(err, core.ErrDuplicateStart), "got %v", err)
	_, ok := h.c.Start(core.StartRequest{ProjectID: "proj-1", RawError: "again"})
	assert.False(t, ok)

	// Past the duplicate window the record is still active and recent.
	h.clock.Advance(4 * time.Second)
	err = h.c.Admission("proj-1")
	assert.True(t, errors.Is(err, core.ErrActiveWorkflowConflict), "got %v", err)
	assert.False(t, h.c.CanStart("proj-1"))

	// The original is untouched.
	wf := h.c.GetWorkflowForProject("proj-1")
	require.NotNil(t, wf)
	assert.Equal(t, id, wf.ID)
	assert.Equal(t, core.PhaseInjectingMessage, wf.Phase)
}

func TestStart_RejectionIsPublished(t *testing.T) {
	h := newHarness(t)
	ch := h.c.Bus().Subscribe(events.TypeStartRejected)
	defer h.c.Bus().Unsubscribe(ch)

	_, ok := h.c.Start(core.StartRequest{ProjectID: ""})
	require.False(t, ok)

	select {
	case ev := <-ch:
		rej, ok := ev.(events.StartRejectedEvent)
		require.True(t, ok)
		assert.Equal(t, core.CodeInvalidProject, rej.Code)
	case <-time.After(waitFor):
		t.Fatal("no rejection event")
	}
}

func TestMaxAttempts_ThreeCyclesThenFailed(t *testing.T) {
	h := newHarness(t)
	id := h.start(t, "proj-1")

	for attempt := 1; attempt <= 3; attempt++ {
		wf := h.deployCycle(t, id)
		assert.Equal(t, attempt, wf.Retry.ExecutionCount)
		assert.Equal(t, attempt == 3, wf.Retry.IsFinalAttempt)
		assert.True(t, wf.Retry.IncrementApplied)

		require.True(t, h.c.CompleteWorkflow(id, core.CompletionResult{
			Success: false,
			Phase:   "deployment",
			Error:   "canister trapped",
		}))
	}

	wf := h.c.GetWorkflow(id)
	require.NotNil(t, wf)
	assert.Equal(t, core.PhaseFailed, wf.Phase)
	assert.Equal(t, 3, wf.Retry.ExecutionCount)
	assert.True(t, wf.Retry.HasReachedMaxAttempts)
	assert.True(t, strings.HasPrefix(wf.Error.LastError, core.MaxAttemptsMarker))
	assert.True(t, wf.Cleanup.Protected)
	assert.True(t, wf.Cleanup.UISignaled)
	assert.False(t, wf.Cleanup.AutomationActive)
	assert.Equal(t, 1, h.mocks.Resolver.CallCount("MarkRelatedRequestsResolved"))

	// Only one prompt is ever injected per workflow.
	assert.Equal(t, 1, h.mocks.Surface.CallCount("SubmitCorrectivePrompt"))

	// Terminal results are ignored.
	assert.False(t, h.c.CompleteWorkflow(id, core.CompletionResult{Success: true}))
}

func TestMaxAttempts_StartRejectedUntilRemoved(t *testing.T) {
	h := newHarness(t)
	id := h.start(t, "proj-1")
	for i := 0; i < 3; i++ {
		h.deployCycle(t, id)
		h.c.CompleteWorkflow(id, core.CompletionResult{Success: false, Phase: "deployment", Error: "boom"})
	}
	h.waitPhase(t, id, core.PhaseFailed)

	err := h.c.Admission("proj-1")
	assert.True(t, errors.Is(err, core.ErrMaxAttemptsReached), "got %v", err)

	h.clock.Advance(time.Second)
	require.Eventually(t, func() bool {
		wf := h.c.GetWorkflow(id)
		return wf != nil && !wf.Cleanup.Protected
	}, waitFor, tick, "protection should be released after the first grace stage")
	assert.False(t, h.c.CanStart("proj-1"))

	h.clock.Advance(2 * time.Second)
	require.Eventually(t, func() bool {
		return h.c.GetWorkflow(id) == nil
	}, waitFor, tick, "record should be removed after the second grace stage")
	assert.True(t, h.c.CanStart("proj-1"))
}

func TestMarkDeployment_IdempotentWithinCycle(t *testing.T) {
	h := newHarness(t)
	id := h.start(t, "proj-1")
	h.deployCycle(t, id)

	assert.True(t, h.c.MarkDeploymentTriggered(id))
	assert.True(t, h.c.MarkFileApplicationTriggered(id))
	wf := h.c.GetWorkflow(id)
	assert.Equal(t, 1, wf.Retry.ExecutionCount)
	assert.Equal(t, core.PhaseDeploying, wf.Phase)
}

func TestMarkDeployment_OutOfOrderIsHonoured(t *testing.T) {
	h := newHarness(t)
	id := h.start(t, "proj-1")
	h.waitPhase(t, id, core.PhaseAwaitingGeneration)

	assert.True(t, h.c.MarkDeploymentTriggered(id))
	wf := h.c.GetWorkflow(id)
	assert.Equal(t, core.PhaseDeploying, wf.Phase)
	assert.Equal(t, 1, wf.Retry.ExecutionCount)
}

func TestMarks_TerminalAndUnknown(t *testing.T) {
	h := newHarness(t)
	id := h.start(t, "proj-1")
	h.deployCycle(t, id)
	require.True(t, h.c.CompleteWorkflow(id, core.CompletionResult{Success: true, Phase: "deployment"}))

	assert.False(t, h.c.MarkFileApplicationTriggered(id))
	assert.False(t, h.c.MarkDeploymentTriggered(id))
	assert.False(t, h.c.MarkDeploymentTriggered("missing"))
	assert.False(t, h.c.CompleteWorkflow("missing", core.CompletionResult{}))
	assert.Equal(t, 1, h.c.GetWorkflow(id).Retry.ExecutionCount)
}

func TestMarkDeployment_FinalAttemptBoundary(t *testing.T) {
	h := newHarness(t, func(o *Options) { o.MaxExecutions = 2 })
	id := h.start(t, "proj-1")

	wf := h.deployCycle(t, id)
	assert.False(t, wf.Retry.IsFinalAttempt)
	h.c.CompleteWorkflow(id, core.CompletionResult{Success: false, Phase: "deployment", Error: "x"})

	wf = h.deployCycle(t, id)
	assert.True(t, wf.Retry.IsFinalAttempt)
	assert.False(t, wf.Retry.HasReachedMaxAttempts)
}

func TestMarkDeployment_AtCapDeploysWithoutIncrement(t *testing.T) {
	h := newHarness(t)
	h.mocks.Deployer.WithDeployFunc(func(context.Context, core.WorkflowID, string) error {
		return errors.New("still broken")
	})
	id := h.start(t, "proj-1")
	h.waitPhase(t, id, core.PhaseAwaitingGeneration)
	require.True(t, h.c.MarkFileApplicationTriggered(id))

	h.c.mu.Lock()
	wf, _ := h.c.registry.Get(id)
	wf.Retry.ExecutionCount = wf.Retry.MaxExecutions
	h.c.mu.Unlock()

	require.True(t, h.c.MarkDeploymentTriggered(id))
	wf = h.c.GetWorkflow(id)
	assert.Equal(t, core.PhaseDeploying, wf.Phase)
	assert.Equal(t, wf.Retry.MaxExecutions, wf.Retry.ExecutionCount)
	assert.True(t, wf.Retry.HasReachedMaxAttempts)
	assert.True(t, wf.Retry.IsFinalAttempt)
	assert.True(t, wf.Triggers.Deployment)

	h.clock.Advance(h.c.Options().DeployTriggerDelay)
	wf = h.waitPhase(t, id, core.PhaseFailed)
	assert.Equal(t, wf.Retry.MaxExecutions, wf.Retry.ExecutionCount)
	assert.True(t, strings.HasPrefix(wf.Error.LastError, core.MaxAttemptsMarker), wf.Error.LastError)
}

func TestDeploy_TriggersDeployerAfterDelay(t *testing.T) {
	h := newHarness(t)
	id := h.start(t, "proj-1")
	h.deployCycle(t, id)
	assert.Equal(t, 0, h.mocks.Deployer.CallCount("ExecuteDeployment"))

	h.clock.Advance(h.c.Options().DeployTriggerDelay)
	require.Eventually(t, func() bool {
		return h.mocks.Deployer.CallCount("ExecuteDeployment") == 1
	}, waitFor, tick)
	assert.Equal(t, core.PhaseDeploying, h.c.GetWorkflow(id).Phase)
}

func TestDeploy_InitiationTimeoutDoesNotFail(t *testing.T) {
	h := newHarness(t)
	release := make(chan struct{})
	defer close(release)
	h.mocks.Deployer.WithDeployFunc(func(ctx context.Context, _ core.WorkflowID, _ string) error {
		select {
		case <-release:
		case <-ctx.Done():
		}
		return nil
	})
	id := h.start(t, "proj-1")
	h.deployCycle(t, id)

	h.clock.Advance(h.c.Options().DeployTriggerDelay)
	require.Eventually(t, func() bool {
		return h.mocks.Deployer.CallCount("ExecuteDeployment") == 1
	}, waitFor, tick)

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	require.NoError(t, h.clock.BlockUntilContext(ctx, 1))
	h.clock.Advance(h.c.Options().DeployInitiationTimeout)

	assert.Never(t, func() bool {
		return h.c.GetWorkflow(id).Phase != core.PhaseDeploying
	}, 100*time.Millisecond, tick)
}

func TestDeploy_ErrorStartsNewCycle(t *testing.T) {
	h := newHarness(t)
	h.mocks.Deployer.WithDeployFunc(func(context.Context, core.WorkflowID, string) error {
		return errors.New("replica rejected install")
	})
	id := h.start(t, "proj-1")
	h.deployCycle(t, id)

	h.clock.Advance(h.c.Options().DeployTriggerDelay)
	wf := h.waitPhase(t, id, core.PhaseAwaitingGeneration)
	assert.Contains(t, wf.Error.LastError, "replica rejected install")
	assert.Equal(t, 1, wf.Retry.ExecutionCount)
	assert.False(t, wf.Triggers.Deployment)
	assert.False(t, wf.Retry.IncrementApplied)
}

func TestDeploy_PanicStartsNewCycle(t *testing.T) {
	h := newHarness(t)
	h.mocks.Deployer.WithDeployFunc(func(context.Context, core.WorkflowID, string) error {
		panic("canister manager nil")
	})
	id := h.start(t, "proj-1")
	h.deployCycle(t, id)

	h.clock.Advance(h.c.Options().DeployTriggerDelay)
	wf := h.waitPhase(t, id, core.PhaseAwaitingGeneration)
	assert.Contains(t, wf.Error.LastError, "deployer panicked: canister manager nil")
	assert.Equal(t, 1, wf.Retry.ExecutionCount)
	assert.False(t, wf.Triggers.Deployment)
}

func TestSequential_WarmDeployBoundary(t *testing.T) {
	for _, tc := range []struct {
		name       string
		elapsed    time.Duration
		sequential bool
	}{
		{"within window", 4 * time.Second, true},
		{"past window", 6 * time.Second, false},
	} {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t, func(o *Options) { o.DeployTriggerDelay = time.Hour })
			prior := h.start(t, "proj-1")
			h.deployCycle(t, prior)

			h.clock.Advance(tc.elapsed)
			id, ok := h.c.Start(core.StartRequest{ProjectID: "proj-1", RawError: "follow-up failure"})
			require.True(t, ok)

			wf := h.c.GetWorkflow(id)
			require.NotNil(t, wf)
			assert.Equal(t, tc.sequential, wf.Sequential.IsSequential)
			if tc.sequential {
				assert.Equal(t, 1, wf.Sequential.Count)
				assert.Equal(t, prior, wf.Sequential.OriginatingWorkflowID)
			}
			assert.Nil(t, h.c.GetWorkflow(prior), "prior record is superseded")
			assert.Len(t, h.c.Snapshot().Workflows, 1)
		})
	}
}

func TestSequential_AfterSuccessAndCap(t *testing.T) {
	h := newHarness(t, func(o *Options) { o.MaxSequentialErrors = 2 })

	id := h.start(t, "proj-1")
	for n := 1; n <= 2; n++ {
		h.deployCycle(t, id)
		require.True(t, h.c.CompleteWorkflow(id, core.CompletionResult{Success: false, Phase: "deployment"}))
		// A failure outside Deploying is terminal.
		wf := h.c.GetWorkflow(id)
		require.Equal(t, core.PhaseAwaitingGeneration, wf.Phase)
		require.True(t, h.c.CompleteWorkflow(id, core.CompletionResult{Success: false, Phase: "applying_files", Error: "disk"}))
		h.waitPhase(t, id, core.PhaseFailed)

		h.clock.Advance(500 * time.Millisecond)
		next, ok := h.c.Start(core.StartRequest{ProjectID: "proj-1", RawError: "again"})
		require.True(t, ok, "sequential start %d", n)
		assert.Equal(t, n, h.c.GetWorkflow(next).Sequential.Count)
		id = next
	}

	h.deployCycle(t, id)
	require.True(t, h.c.CompleteWorkflow(id, core.CompletionResult{Success: false, Phase: "deployment"}))
	require.True(t, h.c.CompleteWorkflow(id, core.CompletionResult{Success: false, Phase: "applying_files"}))
	h.waitPhase(t, id, core.PhaseFailed)

	err := h.c.Admission("proj-1")
	assert.True(t, errors.Is(err, core.ErrSequentialCapReached), "got %v", err)
}

func TestSuccess_ResolvesAndClearsSequentialCounter(t *testing.T) {
	h := newHarness(t)
	id := h.start(t, "proj-1")
	h.deployCycle(t, id)
	require.True(t, h.c.CompleteWorkflow(id, core.CompletionResult{
		Success:     true,
		Phase:       "deployment",
		DeployedURL: "https://example.icp0.io",
	}))

	wf := h.c.GetWorkflow(id)
	assert.Equal(t, core.PhaseCompleted, wf.Phase)
	assert.Equal(t, "https://example.icp0.io", wf.Result.DeployedURL)
	assert.Empty(t, wf.Error.LastError)
	assert.Equal(t, 1, h.mocks.Resolver.CallCount("MarkRelatedRequestsResolved"))
	assert.False(t, h.c.IsProjectActivelyRetrying("proj-1"))

	// A failure right after success chains as sequential #1.
	next, ok := h.c.Start(core.StartRequest{ProjectID: "proj-1", RawError: "runtime trap"})
	require.True(t, ok)
	assert.Equal(t, 1, h.c.GetWorkflow(next).Sequential.Count)
}

func TestResolverPanicIsContained(t *testing.T) {
	h := newHarness(t)
	h.mocks.Resolver.WithPanic("resolver exploded")
	id := h.start(t, "proj-1")
	h.deployCycle(t, id)

	assert.NotPanics(t, func() {
		h.c.CompleteWorkflow(id, core.CompletionResult{Success: true, Phase: "deployment"})
	})
	assert.Equal(t, core.PhaseCompleted, h.c.GetWorkflow(id).Phase)
}

func TestForceProjectCleanup_RemovesProtected(t *testing.T) {
	h := newHarness(t)
	id := h.start(t, "proj-1")
	h.deployCycle(t, id)
	h.c.CompleteWorkflow(id, core.CompletionResult{Success: true, Phase: "deployment"})
	require.True(t, h.c.GetWorkflow(id).Cleanup.Protected)

	assert.True(t, h.c.ForceProjectCleanup("proj-1", "user reset"))
	assert.Nil(t, h.c.GetWorkflow(id))
	assert.Nil(t, h.c.GetWorkflowForProject("proj-1"))
	assert.True(t, h.c.ForceProjectCleanup("proj-unknown", "noop"))
	assert.Contains(t, h.journal.Events(id), "removed")
}

func TestSweep_NeverRemovesProtected(t *testing.T) {
	h := newHarness(t)
	id := h.start(t, "proj-1")
	h.waitPhase(t, id, core.PhaseAwaitingGeneration)

	h.clock.Advance(time.Hour)
	assert.Equal(t, 0, h.c.Sweep())
	assert.NotNil(t, h.c.GetWorkflow(id))
}

func TestSweep_ExpiresUnprotectedIdleRecords(t *testing.T) {
	h := newHarness(t)
	id := h.start(t, "proj-1")
	h.waitPhase(t, id, core.PhaseAwaitingGeneration)

	// Simulate a record whose automation stopped without completing.
	h.c.mu.Lock()
	wf, _ := h.c.registry.Get(id)
	wf.Cleanup.Protected = false
	wf.Cleanup.AutomationActive = false
	h.c.mu.Unlock()

	h.clock.Advance(5 * time.Minute)
	assert.Equal(t, 0, h.c.Sweep(), "younger than the base timeout")

	h.clock.Advance(6 * time.Minute)
	assert.Equal(t, 1, h.c.Sweep())
	assert.Nil(t, h.c.GetWorkflow(id))
}

func TestSweep_ExtendedTimeout(t *testing.T) {
	h := newHarness(t)
	id, ok := h.c.Start(core.StartRequest{ProjectID: "proj-1", RawError: "x", ExtendedTimeout: true})
	require.True(t, ok)
	h.waitPhase(t, id, core.PhaseAwaitingGeneration)

	h.c.mu.Lock()
	wf, _ := h.c.registry.Get(id)
	wf.Cleanup.Protected = false
	wf.Cleanup.AutomationActive = false
	h.c.mu.Unlock()

	h.clock.Advance(20 * time.Minute)
	assert.Equal(t, 0, h.c.Sweep())
	h.clock.Advance(11 * time.Minute)
	assert.Equal(t, 1, h.c.Sweep())
}

func TestObserveFile_DrivesApplicationAndDeployment(t *testing.T) {
	h := newHarness(t)
	id, ok := h.c.Start(core.StartRequest{
		ProjectID: "proj-1",
		RawError:  "type error",
		Files:     map[string]string{"src/main.mo": "actor { }"},
	})
	require.True(t, ok)
	h.waitPhase(t, id, core.PhaseAwaitingGeneration)

	content := "actor Main {\n  public query func greet(name : Text) : async Text {\n    \"Hello, \" # name\n  };\n};\n"
	assert.True(t, h.c.ObserveFile("proj-1", correlator.FileUpdate{
		Name: "src/main.mo", Content: content[:20], State: correlator.StateWriting,
	}))
	assert.Equal(t, core.PhaseAwaitingGeneration, h.c.GetWorkflow(id).Phase)

	assert.True(t, h.c.ObserveFile("proj-1", correlator.FileUpdate{
		Name: "src/main.mo", Content: content, State: correlator.StateComplete,
	}))

	wf := h.waitPhase(t, id, core.PhaseDeploying)
	assert.Equal(t, 1, wf.Retry.ExecutionCount)
	assert.Equal(t, content, h.mocks.Applier.Applied()["src/main.mo"])
	require.Eventually(t, func() bool {
		for _, e := range h.journal.Events(id) {
			if e == "files_applied" {
				return true
			}
		}
		return false
	}, waitFor, tick)

	// A redelivered completion in the same cycle changes nothing.
	h.c.ObserveFile("proj-1", correlator.FileUpdate{Name: "src/main.mo", Content: content, State: correlator.StateComplete})
	assert.Equal(t, 1, h.mocks.Applier.CallCount("ApplyFiles"))
	assert.Equal(t, 1, h.c.GetWorkflow(id).Retry.ExecutionCount)
}

func TestObserveFile_NoWorkflow(t *testing.T) {
	h := newHarness(t)
	assert.False(t, h.c.ObserveFile("proj-none", correlator.FileUpdate{Name: "a.mo", State: correlator.StateComplete}))
}

func TestObserveFile_ApplyErrorFailsWorkflow(t *testing.T) {
	h := newHarness(t)
	h.mocks.Applier.WithError(errors.New("read-only project"))
	id := h.start(t, "proj-1")
	h.waitPhase(t, id, core.PhaseAwaitingGeneration)

	h.c.ObserveFile("proj-1", correlator.FileUpdate{
		Name:    "src/new.mo",
		Content: strings.Repeat("let x = 1;\n", 10),
		State:   correlator.StateComplete,
	})
	wf := h.waitPhase(t, id, core.PhaseFailed)
	assert.Equal(t, string(core.PhaseApplyingFiles), wf.Result.CompletedPhase)
	assert.Equal(t, 0, wf.Retry.ExecutionCount)
}

func TestObserveFile_ApplyPanicFailsWorkflow(t *testing.T) {
	h := newHarness(t)
	h.mocks.Applier.WithPanic("index out of range")
	id := h.start(t, "proj-1")
	h.waitPhase(t, id, core.PhaseAwaitingGeneration)

	h.c.ObserveFile("proj-1", correlator.FileUpdate{
		Name:    "src/new.mo",
		Content: strings.Repeat("let x = 1;\n", 10),
		State:   correlator.StateComplete,
	})
	wf := h.waitPhase(t, id, core.PhaseFailed)
	assert.Equal(t, string(core.PhaseApplyingFiles), wf.Result.CompletedPhase)
	assert.Contains(t, wf.Error.LastError, "file applier panicked")
}

func TestSubscribe_ReceivesSnapshots(t *testing.T) {
	h := newHarness(t)
	ch, unsubscribe := h.c.Subscribe()
	defer unsubscribe()

	initial := <-ch
	assert.Empty(t, initial.Workflows)
	assert.False(t, initial.IsCoordinating)

	id := h.start(t, "proj-1")
	require.Eventually(t, func() bool {
		select {
		case snap := <-ch:
			return len(snap.Workflows) == 1 && snap.Workflows[0].ID == id && snap.IsCoordinating
		default:
			return false
		}
	}, waitFor, tick)
}

func TestSnapshot_ReturnsCopies(t *testing.T) {
	h := newHarness(t)
	id := h.start(t, "proj-1")

	snap := h.c.Snapshot()
	require.Len(t, snap.Workflows, 1)
	snap.Workflows[0].Phase = core.PhaseCompleted
	assert.Equal(t, id, snap.ProjectMappings["proj-1"])
	assert.NotEqual(t, core.PhaseCompleted, h.c.GetWorkflow(id).Phase)
}

func TestJournal_RecordsLifecycle(t *testing.T) {
	h := newHarness(t)
	id := h.start(t, "proj-1")
	h.deployCycle(t, id)
	h.c.CompleteWorkflow(id, core.CompletionResult{Success: true, Phase: "deployment"})

	got := h.journal.Events(id)
	require.NotEmpty(t, got)
	assert.Equal(t, "started", got[0])
	assert.Contains(t, got, "phase_changed")
}

func TestClose_RejectsFurtherStarts(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.c.Close())
	require.NoError(t, h.c.Close())

	err := h.c.Admission("proj-1")
	assert.True(t, errors.Is(err, core.ErrCoordinatorClosed))
}

func TestRun_StopsOnContextCancel(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.c.Run(ctx) }()

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(waitFor):
		t.Fatal("Run did not return")
	}
}

func TestNew_InvalidOptionsFallBackToDefaults(t *testing.T) {
	opts := DefaultOptions()
	opts.MaxExecutions = 0
	c := New(core.Collaborators{}, opts)
	defer c.Close()
	assert.Equal(t, DefaultOptions().MaxExecutions, c.Options().MaxExecutions)
}
