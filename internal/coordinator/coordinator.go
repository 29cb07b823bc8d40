// Package coordinator owns the lifecycle of fix-and-redeploy workflows: it
// admits starts, drives the phase machine through injection, generation,
// file application and deployment, counts attempts, and reclaims finished
// records after a grace period.
package coordinator

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"go.opentelemetry.io/otel/trace"

	"github.com/coinnation/kontext-sub005/internal/core"
	"github.com/coinnation/kontext-sub005/internal/correlator"
	"github.com/coinnation/kontext-sub005/internal/events"
	"github.com/coinnation/kontext-sub005/internal/logging"
	"github.com/coinnation/kontext-sub005/internal/registry"
	"github.com/coinnation/kontext-sub005/internal/tracing"
	"github.com/coinnation/kontext-sub005/internal/ttlcache"
)

// Coordinator is safe for concurrent use. All record mutations happen under
// mu; the registry is only read or written while mu is held so that
// snapshots never observe a half-applied transition.
type Coordinator struct {
	opts    Options
	collab  core.Collaborators
	clock   clockwork.Clock
	logger  *logging.Logger
	tracer  trace.Tracer
	journal core.Journal
	bus     *events.EventBus
	ownsBus bool

	mu           sync.Mutex
	registry     *registry.Registry
	sequential   *ttlcache.Cache[string, int]
	trackers     map[core.WorkflowID]*correlator.Tracker
	timers       map[core.WorkflowID][]clockwork.Timer
	lastActivity time.Time
	closed       bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithClock replaces the real clock.
func WithClock(clock clockwork.Clock) Option {
	return func(c *Coordinator) { c.clock = clock }
}

// WithLogger sets the logger.
func WithLogger(logger *logging.Logger) Option {
	return func(c *Coordinator) { c.logger = logger }
}

// WithTracer sets the tracer used for collaborator spans.
func WithTracer(tracer trace.Tracer) Option {
	return func(c *Coordinator) { c.tracer = tracer }
}

// WithJournal records every transition in j. Failures are logged only.
func WithJournal(j core.Journal) Option {
	return func(c *Coordinator) { c.journal = j }
}

// WithEventBus publishes on a shared bus instead of a private one. The
// caller keeps ownership and closes it.
func WithEventBus(bus *events.EventBus) Option {
	return func(c *Coordinator) { c.bus = bus }
}

// New creates a coordinator. Invalid options are replaced by the defaults.
func New(collab core.Collaborators, opts Options, options ...Option) *Coordinator {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Coordinator{
		opts:     opts,
		collab:   collab,
		trackers: make(map[core.WorkflowID]*correlator.Tracker),
		timers:   make(map[core.WorkflowID][]clockwork.Timer),
		ctx:      ctx,
		cancel:   cancel,
	}
	for _, opt := range options {
		opt(c)
	}
	if c.clock == nil {
		c.clock = clockwork.NewRealClock()
	}
	if c.logger == nil {
		c.logger = logging.NewNop()
	}
	c.logger = c.logger.WithComponent("coordinator")
	if err := opts.Validate(); err != nil {
		c.logger.Warn("invalid coordinator options, using defaults", "error", err)
		c.opts = DefaultOptions()
	}
	if c.tracer == nil {
		c.tracer = tracing.Noop()
	}
	if c.bus == nil {
		c.bus = events.New(100)
		c.ownsBus = true
	}
	c.registry = registry.New(registry.WithLogger(c.logger.Logger))
	c.sequential = ttlcache.New[string, int](c.opts.SequentialCounterTTL, 0, c.clock)
	c.lastActivity = c.clock.Now()
	return c
}

// Options returns the effective options.
func (c *Coordinator) Options() Options {
	return c.opts
}

// Bus returns the event bus the coordinator publishes on.
func (c *Coordinator) Bus() *events.EventBus {
	return c.bus
}

// GetWorkflow returns a copy of the record, or nil.
func (c *Coordinator) GetWorkflow(id core.WorkflowID) *core.Workflow {
	c.mu.Lock()
	defer c.mu.Unlock()
	wf, ok := c.registry.Get(id)
	if !ok {
		return nil
	}
	return wf.Clone()
}

// GetWorkflowForProject returns a copy of the project's record, or nil.
func (c *Coordinator) GetWorkflowForProject(projectID string) *core.Workflow {
	c.mu.Lock()
	defer c.mu.Unlock()
	wf, ok := c.registry.GetByProject(projectID)
	if !ok {
		return nil
	}
	return wf.Clone()
}

// IsProjectActivelyRetrying reports whether the project has a non-terminal
// workflow still driven by automation.
func (c *Coordinator) IsProjectActivelyRetrying(projectID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	wf, ok := c.registry.GetByProject(projectID)
	return ok && wf.IsActive()
}

// Snapshot returns the full point-in-time state.
func (c *Coordinator) Snapshot() core.Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

func (c *Coordinator) snapshotLocked() core.Snapshot {
	all := c.registry.All()
	coordinating := false
	for _, wf := range all {
		if wf.IsActive() {
			coordinating = true
			break
		}
	}
	return core.Snapshot{
		IsCoordinating:  coordinating,
		Workflows:       all,
		ProjectMappings: c.registry.ProjectMappings(),
		LastActivity:    c.lastActivity,
	}
}

// Subscribe hands out a channel that receives the current snapshot and then
// a full snapshot after every mutation. A slow consumer loses older
// snapshots, never newer ones. Call the returned function to unsubscribe.
func (c *Coordinator) Subscribe() (<-chan core.Snapshot, func()) {
	size := c.opts.SubscriberBuffer
	if size <= 0 {
		size = 1
	}
	evCh := c.bus.Subscribe(events.TypeSnapshot)
	out := make(chan core.Snapshot, size)
	out <- c.Snapshot()

	go func() {
		defer close(out)
		for ev := range evCh {
			se, ok := ev.(events.SnapshotEvent)
			if !ok {
				continue
			}
			select {
			case out <- se.Snapshot:
			default:
				select {
				case <-out:
				default:
				}
				select {
				case out <- se.Snapshot:
				default:
				}
			}
		}
	}()

	var once sync.Once
	return out, func() {
		once.Do(func() { c.bus.Unsubscribe(evCh) })
	}
}

// Close stops timers and background work. Records stay readable.
func (c *Coordinator) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	for id, timers := range c.timers {
		for _, t := range timers {
			t.Stop()
		}
		delete(c.timers, id)
	}
	c.mu.Unlock()

	c.cancel()
	c.wg.Wait()
	if c.ownsBus {
		c.bus.Close()
	}
	return nil
}

// goAsync runs fn on the coordinator's lifetime context.
func (c *Coordinator) goAsync(fn func(ctx context.Context)) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.wg.Add(1)
	c.mu.Unlock()

	go func() {
		defer c.wg.Done()
		fn(c.ctx)
	}()
}

// scheduleLocked runs fn after d unless the workflow's timers are stopped.
func (c *Coordinator) scheduleLocked(id core.WorkflowID, d time.Duration, fn func()) {
	t := c.clock.AfterFunc(d, fn)
	c.timers[id] = append(c.timers[id], t)
}

func (c *Coordinator) stopTimersLocked(id core.WorkflowID) {
	for _, t := range c.timers[id] {
		t.Stop()
	}
	delete(c.timers, id)
}

func (c *Coordinator) newID() core.WorkflowID {
	return core.WorkflowID(uuid.NewString())
}

func (c *Coordinator) logFor(wf *core.Workflow) *logging.Logger {
	return c.logger.WithWorkflow(string(wf.ID)).WithProject(wf.ProjectID)
}

// batch collects the side effects of one locked mutation so they can be
// emitted after the lock is released.
type batch struct {
	events   []events.Event
	priority []events.Event
	journal  []core.JournalEntry
	changed  bool
}

func (b *batch) emit(ev events.Event) {
	b.events = append(b.events, ev)
	b.changed = true
}

func (b *batch) emitPriority(ev events.Event) {
	b.priority = append(b.priority, ev)
	b.changed = true
}

func (b *batch) record(wf *core.Workflow, event string, from core.Phase, detail string, at time.Time) {
	b.journal = append(b.journal, core.JournalEntry{
		WorkflowID: wf.ID,
		ProjectID:  wf.ProjectID,
		Event:      event,
		FromPhase:  from,
		ToPhase:    wf.Phase,
		Attempt:    wf.Retry.ExecutionCount,
		Detail:     detail,
		At:         at,
	})
	b.changed = true
}

// flush publishes the batch and a fresh snapshot, then writes the journal.
func (c *Coordinator) flush(b *batch) {
	if b == nil || !b.changed {
		return
	}
	for _, ev := range b.events {
		c.bus.Publish(ev)
	}
	for _, ev := range b.priority {
		c.bus.PublishPriority(ev)
	}
	c.bus.Publish(events.NewSnapshotEvent(c.Snapshot(), c.clock.Now()))

	if c.journal == nil {
		return
	}
	for _, entry := range b.journal {
		if err := c.journal.Record(c.ctx, entry); err != nil {
			c.logger.Warn("journal write failed",
				"workflow_id", entry.WorkflowID,
				"event", entry.Event,
				"error", err)
		}
	}
}

// transitionLocked moves wf to phase "to" and stamps its clocks.
func (c *Coordinator) transitionLocked(wf *core.Workflow, to core.Phase, now time.Time, b *batch) {
	from := wf.Phase
	wf.Timing.LastActivity = now
	c.lastActivity = now
	if from == to {
		return
	}
	wf.Phase = to
	wf.Timing.PhaseStartedAt = now
	wf.Timing.LastTransitionAt = now

	c.logFor(wf).Info("workflow phase changed",
		"from", from,
		"to", to,
		"attempt", wf.Retry.ExecutionCount,
		"max_attempts", wf.Retry.MaxExecutions)
	if !to.IsTerminal() {
		b.emit(events.NewWorkflowPhaseChangedEvent(wf.Clone(), from, now))
	}
	b.record(wf, "phase_changed", from, "", now)
}

// dropLocked removes wf and everything attached to it.
func (c *Coordinator) dropLocked(wf *core.Workflow, reason string, now time.Time, b *batch) {
	c.registry.Remove(wf.ID)
	c.stopTimersLocked(wf.ID)
	delete(c.trackers, wf.ID)
	c.lastActivity = now
	b.emit(events.NewWorkflowRemovedEvent(wf.ID, wf.ProjectID, reason, now))
	b.record(wf, "removed", wf.Phase, reason, now)
}
