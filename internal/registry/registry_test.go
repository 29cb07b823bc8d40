package registry

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/coinnation/kontext-sub005/internal/core"
)

func newWorkflow(id, project string) *core.Workflow {
	return &core.Workflow{
		ID:        core.WorkflowID(id),
		ProjectID: project,
		Phase:     core.PhaseInjectingMessage,
		Timing:    core.Timing{CreatedAt: time.Now()},
	}
}

func TestRegistry_PutGet(t *testing.T) {
	r := New()
	r.Put(newWorkflow("wf-1", "proj-1"))

	wf, ok := r.Get("wf-1")
	if !ok || wf.ProjectID != "proj-1" {
		t.Fatalf("Get returned %v, %v", wf, ok)
	}
	byProject, ok := r.GetByProject("proj-1")
	if !ok || byProject.ID != "wf-1" {
		t.Fatalf("GetByProject returned %v, %v", byProject, ok)
	}
	if _, ok := r.GetByProject("missing"); ok {
		t.Fatal("expected absent project")
	}
}

func TestRegistry_PutOverwritesProjectIndex(t *testing.T) {
	r := New()
	r.Put(newWorkflow("wf-1", "proj-1"))
	r.Put(newWorkflow("wf-2", "proj-1"))

	wf, ok := r.GetByProject("proj-1")
	if !ok || wf.ID != "wf-2" {
		t.Fatalf("expected index to point at wf-2, got %v", wf)
	}
	if got := r.ProjectMappings(); len(got) != 1 {
		t.Fatalf("expected one mapping, got %v", got)
	}
}

func TestRegistry_RemoveKeepsForeignIndex(t *testing.T) {
	r := New()
	r.Put(newWorkflow("wf-1", "proj-1"))
	r.Put(newWorkflow("wf-2", "proj-1"))

	// wf-1 is no longer indexed; removing it must not drop wf-2's entry.
	if !r.Remove("wf-1") {
		t.Fatal("expected wf-1 to be removed")
	}
	if wf, ok := r.GetByProject("proj-1"); !ok || wf.ID != "wf-2" {
		t.Fatalf("index lost after removing unrelated record: %v", wf)
	}
	if r.Remove("wf-1") {
		t.Fatal("second remove should report false")
	}
}

func TestRegistry_GetByProjectSelfHeals(t *testing.T) {
	r := New()
	r.Put(newWorkflow("wf-1", "proj-1"))
	// Re-home the same id under another project, leaving proj-1 pointing at it.
	r.Put(newWorkflow("wf-1", "proj-2"))
	r.Remove("wf-1")

	if _, ok := r.ProjectMappings()["proj-1"]; !ok {
		t.Fatal("test setup should leave a dangling proj-1 entry")
	}
	if _, ok := r.GetByProject("proj-1"); ok {
		t.Fatal("dangling index must resolve to absent")
	}
	if _, ok := r.ProjectMappings()["proj-1"]; ok {
		t.Fatal("dangling index entry should have been removed")
	}
}

func TestRegistry_RemoveProject(t *testing.T) {
	r := New()
	r.Put(newWorkflow("wf-1", "proj-1"))

	wf, ok := r.RemoveProject("proj-1")
	if !ok || wf.ID != "wf-1" {
		t.Fatalf("RemoveProject returned %v, %v", wf, ok)
	}
	if r.Len() != 0 {
		t.Fatalf("expected empty registry, got %d", r.Len())
	}
	if _, ok := r.RemoveProject("proj-1"); ok {
		t.Fatal("second RemoveProject should report absent")
	}
}

func TestRegistry_AllIsSnapshot(t *testing.T) {
	r := New()
	base := time.Now()
	for i := 0; i < 3; i++ {
		wf := newWorkflow(fmt.Sprintf("wf-%d", i), fmt.Sprintf("proj-%d", i))
		wf.Timing.CreatedAt = base.Add(time.Duration(i) * time.Second)
		r.Put(wf)
	}

	all := r.All()
	if len(all) != 3 {
		t.Fatalf("expected 3 workflows, got %d", len(all))
	}
	if all[0].ID != "wf-0" || all[2].ID != "wf-2" {
		t.Fatalf("expected creation order, got %s..%s", all[0].ID, all[2].ID)
	}

	all[0].Phase = core.PhaseFailed
	live, _ := r.Get("wf-0")
	if live.Phase == core.PhaseFailed {
		t.Fatal("All must return copies")
	}
}

func TestRegistry_ConcurrentAccess(t *testing.T) {
	r := New()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			project := fmt.Sprintf("proj-%d", i%5)
			id := core.WorkflowID(fmt.Sprintf("wf-%d", i))
			r.Put(newWorkflow(string(id), project))
			r.GetByProject(project)
			r.All()
			r.Remove(id)
		}(i)
	}
	wg.Wait()

	// Every surviving index entry must resolve to a record for that project.
	for project, id := range r.ProjectMappings() {
		wf, ok := r.Get(id)
		if ok && wf.ProjectID != project {
			t.Errorf("index %s -> %s points at project %s", project, id, wf.ProjectID)
		}
	}
}
