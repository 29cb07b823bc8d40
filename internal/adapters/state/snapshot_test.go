package state

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/coinnation/kontext-sub005/internal/core"
)

func testSnapshot() core.Snapshot {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	return core.Snapshot{
		IsCoordinating: true,
		Workflows: []*core.Workflow{{
			ID:        "wf-1",
			ProjectID: "proj-1",
			Phase:     core.PhaseDeploying,
			Retry:     core.RetryState{ExecutionCount: 2, MaxExecutions: 3},
			Timing:    core.Timing{CreatedAt: now, LastActivity: now},
		}},
		ProjectMappings: map[string]core.WorkflowID{"proj-1": "wf-1"},
		LastActivity:    now,
	}
}

func TestSnapshotFile_WriteAndRead(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "snapshot.json")
	f := NewSnapshotFile(path)

	written, err := f.Write(testSnapshot())
	if err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	if !written {
		t.Error("first Write() should write")
	}

	snap, exportedAt, err := ReadSnapshotFile(path)
	if err != nil {
		t.Fatalf("ReadSnapshotFile() error = %v", err)
	}
	if exportedAt.IsZero() {
		t.Error("exportedAt should be set")
	}
	if len(snap.Workflows) != 1 || snap.Workflows[0].Retry.ExecutionCount != 2 {
		t.Errorf("ReadSnapshotFile() = %+v", snap)
	}
	if snap.ProjectMappings["proj-1"] != "wf-1" {
		t.Errorf("ProjectMappings = %v", snap.ProjectMappings)
	}
}

func TestSnapshotFile_SkipsUnchanged(t *testing.T) {
	path := filepath.Join(t.TempDir(), "snapshot.json")
	f := NewSnapshotFile(path)

	if _, err := f.Write(testSnapshot()); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	written, err := f.Write(testSnapshot())
	if err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	if written {
		t.Error("identical snapshot should not be rewritten")
	}

	changed := testSnapshot()
	changed.Workflows[0].Phase = core.PhaseCompleted
	if written, _ := f.Write(changed); !written {
		t.Error("changed snapshot should be written")
	}
}

func TestReadSnapshotFile_Missing(t *testing.T) {
	_, _, err := ReadSnapshotFile(filepath.Join(t.TempDir(), "absent.json"))
	if !errors.Is(err, ErrNoSnapshot) {
		t.Errorf("ReadSnapshotFile() error = %v, want ErrNoSnapshot", err)
	}
}

func TestReadSnapshotFile_Tampered(t *testing.T) {
	path := filepath.Join(t.TempDir(), "snapshot.json")
	if _, err := NewSnapshotFile(path).Write(testSnapshot()); err != nil {
		t.Fatalf("Write() error = %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	tampered := strings.Replace(string(data), `"deploying"`, `"completed"`, 1)
	if err := os.WriteFile(path, []byte(tampered), 0o644); err != nil {
		t.Fatal(err)
	}

	if _, _, err := ReadSnapshotFile(path); err == nil || !strings.Contains(err.Error(), "checksum") {
		t.Errorf("ReadSnapshotFile() error = %v, want checksum mismatch", err)
	}
}

func TestWriteFileAtomic(t *testing.T) {
	path := filepath.Join(t.TempDir(), "a", "b", "config.yaml")
	if err := WriteFileAtomic(path, []byte("log:\n  level: info\n"), 0o644); err != nil {
		t.Fatalf("WriteFileAtomic() error = %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "log:\n  level: info\n" {
		t.Errorf("content = %q", data)
	}
}
