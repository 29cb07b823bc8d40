// Package registry stores workflow records keyed by id, with a secondary
// index from project id to the single workflow currently tracked for it.
package registry

import (
	"log/slog"
	"sort"
	"sync"

	"github.com/coinnation/kontext-sub005/internal/core"
)

// Registry is safe for concurrent use. The primary map and the project index
// are always changed together under one lock.
type Registry struct {
	mu        sync.RWMutex
	workflows map[core.WorkflowID]*core.Workflow
	byProject map[string]core.WorkflowID
	logger    *slog.Logger
}

// Option configures the registry.
type Option func(*Registry)

// WithLogger sets the logger used to report self-healed index entries.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Registry) {
		r.logger = logger
	}
}

// New creates an empty registry.
func New(opts ...Option) *Registry {
	r := &Registry{
		workflows: make(map[core.WorkflowID]*core.Workflow),
		byProject: make(map[string]core.WorkflowID),
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Put inserts or replaces the workflow and points its project index at it,
// overwriting any previous entry for that project.
func (r *Registry) Put(wf *core.Workflow) {
	if wf == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.workflows[wf.ID] = wf
	r.byProject[wf.ProjectID] = wf.ID
}

// Get returns the live record for id. Callers that mutate it must serialize
// their writes themselves.
func (r *Registry) Get(id core.WorkflowID) (*core.Workflow, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	wf, ok := r.workflows[id]
	return wf, ok
}

// GetByProject resolves through the project index. A dangling index entry is
// removed and reported as absent.
func (r *Registry) GetByProject(projectID string) (*core.Workflow, bool) {
	r.mu.RLock()
	id, indexed := r.byProject[projectID]
	wf, ok := r.workflows[id]
	r.mu.RUnlock()

	if !indexed {
		return nil, false
	}
	if ok {
		return wf, true
	}

	r.mu.Lock()
	// Re-check under the write lock; a concurrent Put may have repaired it.
	if current, still := r.byProject[projectID]; still && current == id {
		if _, exists := r.workflows[id]; !exists {
			delete(r.byProject, projectID)
			r.logger.Warn("removed stale project index entry",
				"project_id", projectID,
				"workflow_id", id)
		}
	}
	wf, ok = r.workflows[r.byProject[projectID]]
	r.mu.Unlock()
	return wf, ok
}

// Remove deletes the record and the project index entry if it still points
// at id.
func (r *Registry) Remove(id core.WorkflowID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	wf, ok := r.workflows[id]
	if !ok {
		return false
	}
	delete(r.workflows, id)
	if r.byProject[wf.ProjectID] == id {
		delete(r.byProject, wf.ProjectID)
	}
	return true
}

// RemoveProject deletes the indexed workflow for a project together with its
// index entry. It returns the removed record, if any.
func (r *Registry) RemoveProject(projectID string) (*core.Workflow, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, indexed := r.byProject[projectID]
	if !indexed {
		return nil, false
	}
	delete(r.byProject, projectID)
	wf, ok := r.workflows[id]
	if ok {
		delete(r.workflows, id)
	}
	return wf, ok
}

// All returns a point-in-time copy of every record, ordered by creation time.
func (r *Registry) All() []*core.Workflow {
	r.mu.RLock()
	out := make([]*core.Workflow, 0, len(r.workflows))
	for _, wf := range r.workflows {
		out = append(out, wf.Clone())
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Timing.CreatedAt.Equal(out[j].Timing.CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].Timing.CreatedAt.Before(out[j].Timing.CreatedAt)
	})
	return out
}

// ProjectMappings returns a copy of the project index.
func (r *Registry) ProjectMappings() map[string]core.WorkflowID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]core.WorkflowID, len(r.byProject))
	for k, v := range r.byProject {
		out[k] = v
	}
	return out
}

// Len returns the number of records.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.workflows)
}
