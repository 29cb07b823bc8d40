package testutil

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coinnation/kontext-sub005/internal/core"
)

// MockCall records a call to a mock.
type MockCall struct {
	Method    string
	Args      []any
	Timestamp time.Time
}

type callLog struct {
	mu    sync.Mutex
	calls []MockCall
}

func (l *callLog) record(method string, args ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls = append(l.calls, MockCall{Method: method, Args: args, Timestamp: time.Now()})
}

// Calls returns recorded calls.
func (l *callLog) Calls() []MockCall {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]MockCall{}, l.calls...)
}

// CallCount returns number of calls to a method.
func (l *callLog) CallCount(method string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, c := range l.calls {
		if c.Method == method {
			n++
		}
	}
	return n
}

// MockSurface implements core.Surface. It is ready by default.
type MockSurface struct {
	callLog
	ready    atomic.Bool
	submitFn func(context.Context, string) error
}

// NewMockSurface creates a ready surface that accepts every prompt.
func NewMockSurface() *MockSurface {
	m := &MockSurface{}
	m.ready.Store(true)
	return m
}

// SetReady toggles readiness.
func (m *MockSurface) SetReady(ready bool) *MockSurface {
	m.ready.Store(ready)
	return m
}

// WithSubmitFunc sets a custom submit function.
func (m *MockSurface) WithSubmitFunc(fn func(context.Context, string) error) *MockSurface {
	m.submitFn = fn
	return m
}

// WithError makes every submission fail with err.
func (m *MockSurface) WithError(err error) *MockSurface {
	return m.WithSubmitFunc(func(context.Context, string) error { return err })
}

func (m *MockSurface) Ready() bool {
	m.record("Ready")
	return m.ready.Load()
}

func (m *MockSurface) SwitchToConversationalSurface(tabID string) {
	m.record("SwitchToConversationalSurface", tabID)
}

func (m *MockSurface) SubmitCorrectivePrompt(ctx context.Context, prompt string) error {
	m.record("SubmitCorrectivePrompt", prompt)
	if m.submitFn != nil {
		return m.submitFn(ctx, prompt)
	}
	return nil
}

// LastPrompt returns the most recently submitted prompt.
func (m *MockSurface) LastPrompt() string {
	calls := m.Calls()
	for i := len(calls) - 1; i >= 0; i-- {
		if calls[i].Method == "SubmitCorrectivePrompt" {
			return calls[i].Args[0].(string)
		}
	}
	return ""
}

// MockDeployer implements core.Deployer. It is ready by default.
type MockDeployer struct {
	callLog
	ready    atomic.Bool
	deployFn func(context.Context, core.WorkflowID, string) error
}

// NewMockDeployer creates a ready deployer whose calls succeed at once.
func NewMockDeployer() *MockDeployer {
	m := &MockDeployer{}
	m.ready.Store(true)
	return m
}

// SetReady toggles readiness.
func (m *MockDeployer) SetReady(ready bool) *MockDeployer {
	m.ready.Store(ready)
	return m
}

// WithDeployFunc sets a custom deployment function.
func (m *MockDeployer) WithDeployFunc(fn func(context.Context, core.WorkflowID, string) error) *MockDeployer {
	m.deployFn = fn
	return m
}

func (m *MockDeployer) Ready() bool {
	m.record("Ready")
	return m.ready.Load()
}

func (m *MockDeployer) ExecuteDeployment(ctx context.Context, workflowID core.WorkflowID, projectID string) error {
	m.record("ExecuteDeployment", workflowID, projectID)
	if m.deployFn != nil {
		return m.deployFn(ctx, workflowID, projectID)
	}
	return nil
}

// MockApplier implements core.FileApplier.
type MockApplier struct {
	callLog
	err       error
	panicWith any

	mu      sync.Mutex
	applied map[string]string
}

// NewMockApplier creates an applier that records the files it receives.
func NewMockApplier() *MockApplier {
	return &MockApplier{applied: make(map[string]string)}
}

// WithError makes every application fail with err.
func (m *MockApplier) WithError(err error) *MockApplier {
	m.err = err
	return m
}

// WithPanic makes ApplyFiles panic with v.
func (m *MockApplier) WithPanic(v any) *MockApplier {
	m.panicWith = v
	return m
}

func (m *MockApplier) ApplyFiles(_ context.Context, workflowID core.WorkflowID, projectID string, files map[string]string) error {
	m.record("ApplyFiles", workflowID, projectID, len(files))
	if m.panicWith != nil {
		panic(m.panicWith)
	}
	if m.err != nil {
		return m.err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for k, v := range files {
		m.applied[k] = v
	}
	return nil
}

// Applied returns a copy of every file applied so far.
func (m *MockApplier) Applied() map[string]string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]string, len(m.applied))
	for k, v := range m.applied {
		out[k] = v
	}
	return out
}

// MockResolver implements core.RequestResolver.
type MockResolver struct {
	callLog
	panicWith any
}

// NewMockResolver creates a resolver that records calls.
func NewMockResolver() *MockResolver {
	return &MockResolver{}
}

// WithPanic makes the resolver panic, for testing isolation.
func (m *MockResolver) WithPanic(v any) *MockResolver {
	m.panicWith = v
	return m
}

func (m *MockResolver) MarkRelatedRequestsResolved(workflowID core.WorkflowID, projectID string) {
	m.record("MarkRelatedRequestsResolved", workflowID, projectID)
	if m.panicWith != nil {
		panic(m.panicWith)
	}
}

// MockJournal implements core.Journal in memory.
type MockJournal struct {
	mu      sync.Mutex
	entries []core.JournalEntry
	err     error
}

// NewMockJournal creates an empty journal.
func NewMockJournal() *MockJournal {
	return &MockJournal{}
}

// WithError makes every write fail.
func (m *MockJournal) WithError(err error) *MockJournal {
	m.err = err
	return m
}

func (m *MockJournal) Record(_ context.Context, entry core.JournalEntry) error {
	if m.err != nil {
		return m.err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, entry)
	return nil
}

func (m *MockJournal) List(_ context.Context, workflowID core.WorkflowID) ([]core.JournalEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []core.JournalEntry
	for _, e := range m.entries {
		if e.WorkflowID == workflowID {
			out = append(out, e)
		}
	}
	return out, nil
}

// Events returns the recorded event names for a workflow, in order.
func (m *MockJournal) Events(workflowID core.WorkflowID) []string {
	entries, _ := m.List(context.Background(), workflowID)
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.Event
	}
	return out
}

// Collaborators bundles ready mocks for every port.
type Collaborators struct {
	Surface  *MockSurface
	Deployer *MockDeployer
	Applier  *MockApplier
	Resolver *MockResolver
}

// NewCollaborators creates ready mocks for every port.
func NewCollaborators() *Collaborators {
	return &Collaborators{
		Surface:  NewMockSurface(),
		Deployer: NewMockDeployer(),
		Applier:  NewMockApplier(),
		Resolver: NewMockResolver(),
	}
}

// Ports converts the mocks into core.Collaborators.
func (c *Collaborators) Ports() core.Collaborators {
	return core.Collaborators{
		Surface:  c.Surface,
		Deployer: c.Deployer,
		Applier:  c.Applier,
		Resolver: c.Resolver,
	}
}
