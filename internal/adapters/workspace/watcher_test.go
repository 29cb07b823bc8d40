package workspace

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coinnation/kontext-sub005/internal/correlator"
	"github.com/coinnation/kontext-sub005/internal/logging"
)

type recorder struct {
	mu      sync.Mutex
	updates []correlator.FileUpdate
}

func (r *recorder) handle(projectID string, u correlator.FileUpdate) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.updates = append(r.updates, u)
	return true
}

func (r *recorder) snapshot() []correlator.FileUpdate {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]correlator.FileUpdate, len(r.updates))
	copy(out, r.updates)
	return out
}

func (r *recorder) has(name string, state correlator.FileState) bool {
	for _, u := range r.snapshot() {
		if u.Name == name && u.State == state {
			return true
		}
	}
	return false
}

func newTestWatcher(t *testing.T, clock clockwork.Clock) (*Watcher, *recorder, string) {
	t.Helper()
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "src"), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(root, "node_modules", "pkg"), 0o755))

	rec := &recorder{}
	w, err := New(Options{
		ProjectID:   "proj-a",
		Roots:       []string{root},
		Ignore:      []string{"node_modules", ".git", "*.swp"},
		SettleDelay: 500 * time.Millisecond,
		Clock:       clock,
	}, rec.handle, logging.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = w.Close() })
	return w, rec, root
}

func TestNew_Validation(t *testing.T) {
	handler := func(string, correlator.FileUpdate) bool { return true }
	logger := logging.NewNop()

	_, err := New(Options{Roots: []string{t.TempDir()}}, handler, logger)
	assert.Error(t, err)
	_, err = New(Options{ProjectID: "p"}, handler, logger)
	assert.Error(t, err)
	_, err = New(Options{ProjectID: "p", Roots: []string{t.TempDir()}}, nil, logger)
	assert.Error(t, err)
	_, err = New(Options{ProjectID: "p", Roots: []string{filepath.Join(t.TempDir(), "missing")}}, handler, logger)
	assert.Error(t, err)
}

func TestWatcher_SkipsIgnoredDirectories(t *testing.T) {
	w, _, root := newTestWatcher(t, clockwork.NewFakeClock())

	w.mu.Lock()
	defer w.mu.Unlock()
	assert.True(t, w.watched[root])
	assert.True(t, w.watched[filepath.Join(root, "src")])
	assert.False(t, w.watched[filepath.Join(root, "node_modules")])
	assert.False(t, w.watched[filepath.Join(root, "node_modules", "pkg")])
}

func TestWatcher_CreateWriteSettle(t *testing.T) {
	clock := clockwork.NewFakeClock()
	w, rec, root := newTestWatcher(t, clock)

	path := filepath.Join(root, "src", "App.tsx")
	require.NoError(t, os.WriteFile(path, []byte("export const App = () => null"), 0o644))

	w.handleEvent(fsnotify.Event{Name: path, Op: fsnotify.Create})
	w.handleEvent(fsnotify.Event{Name: path, Op: fsnotify.Write})

	updates := rec.snapshot()
	require.Len(t, updates, 1)
	assert.Equal(t, "src/App.tsx", updates[0].Name)
	assert.Equal(t, correlator.StateDetected, updates[0].State)

	clock.Advance(499 * time.Millisecond)
	assert.False(t, rec.has("src/App.tsx", correlator.StateComplete))

	clock.Advance(time.Millisecond)
	assert.Eventually(t, func() bool { return rec.has("src/App.tsx", correlator.StateComplete) },
		time.Second, 5*time.Millisecond)

	last := rec.snapshot()[len(rec.snapshot())-1]
	assert.Equal(t, "export const App = () => null", last.Content)
}

func TestWatcher_WriteAfterSettleReportsWriting(t *testing.T) {
	clock := clockwork.NewFakeClock()
	w, rec, root := newTestWatcher(t, clock)

	path := filepath.Join(root, "main.mo")
	require.NoError(t, os.WriteFile(path, []byte("actor {}"), 0o644))

	w.handleEvent(fsnotify.Event{Name: path, Op: fsnotify.Write})
	w.handleEvent(fsnotify.Event{Name: path, Op: fsnotify.Write})

	updates := rec.snapshot()
	require.Len(t, updates, 1)
	assert.Equal(t, correlator.StateWriting, updates[0].State)
	assert.Equal(t, "main.mo", updates[0].Name)
}

func TestWatcher_IgnoredAndRemovedFiles(t *testing.T) {
	clock := clockwork.NewFakeClock()
	w, rec, root := newTestWatcher(t, clock)

	w.handleEvent(fsnotify.Event{Name: filepath.Join(root, "node_modules", "pkg", "index.js"), Op: fsnotify.Write})
	w.handleEvent(fsnotify.Event{Name: filepath.Join(root, "src", ".App.tsx.swp"), Op: fsnotify.Write})
	w.handleEvent(fsnotify.Event{Name: filepath.Join(os.TempDir(), "elsewhere.txt"), Op: fsnotify.Write})
	assert.Empty(t, rec.snapshot())

	path := filepath.Join(root, "src", "gone.ts")
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o644))
	w.handleEvent(fsnotify.Event{Name: path, Op: fsnotify.Create})
	w.handleEvent(fsnotify.Event{Name: path, Op: fsnotify.Remove})

	clock.Advance(time.Second)
	time.Sleep(20 * time.Millisecond)
	assert.False(t, rec.has("src/gone.ts", correlator.StateComplete))
	assert.False(t, w.isPending(path))
}

func TestWatcher_NewDirectoryIsWatched(t *testing.T) {
	w, _, root := newTestWatcher(t, clockwork.NewFakeClock())

	dir := filepath.Join(root, "src", "components")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	w.handleEvent(fsnotify.Event{Name: dir, Op: fsnotify.Create})

	w.mu.Lock()
	defer w.mu.Unlock()
	assert.True(t, w.watched[dir])
}

func TestWatcher_RunReportsRealFiles(t *testing.T) {
	w, rec, root := newTestWatcher(t, clockwork.NewRealClock())
	w.opts.SettleDelay = 20 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()
	defer func() {
		cancel()
		<-done
	}()

	path := filepath.Join(root, "src", "index.ts")
	require.NoError(t, os.WriteFile(path, []byte("console.log('fixed')"), 0o644))

	assert.Eventually(t, func() bool { return rec.has("src/index.ts", correlator.StateComplete) },
		3*time.Second, 10*time.Millisecond)
}
