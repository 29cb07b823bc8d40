// Package workspace turns file system activity under a project tree into
// correlator file updates, for hosts where generated code lands on disk
// instead of arriving on a message stream.
package workspace

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/jonboulle/clockwork"

	"github.com/coinnation/kontext-sub005/internal/correlator"
	"github.com/coinnation/kontext-sub005/internal/logging"
)

// Handler receives updates. Coordinator.ObserveFile satisfies it.
type Handler func(projectID string, update correlator.FileUpdate) bool

// Options configures a Watcher.
type Options struct {
	ProjectID string
	Roots     []string
	// Ignore holds glob patterns matched against every path segment.
	Ignore []string
	// SettleDelay is how long a file must stay quiet before it is reported
	// complete.
	SettleDelay time.Duration
	Clock       clockwork.Clock
}

// Watcher reports created files as detected, modified files as writing and
// files that stopped changing as complete.
type Watcher struct {
	opts    Options
	handler Handler
	logger  *logging.Logger
	watcher *fsnotify.Watcher

	mu      sync.Mutex
	pending map[string]clockwork.Timer
	watched map[string]bool
	closed  bool
}

// New creates a watcher and registers every directory under the roots.
func New(opts Options, handler Handler, logger *logging.Logger) (*Watcher, error) {
	if opts.ProjectID == "" {
		return nil, errors.New("workspace watcher requires a project id")
	}
	if handler == nil {
		return nil, errors.New("workspace watcher requires a handler")
	}
	if len(opts.Roots) == 0 {
		return nil, errors.New("workspace watcher requires at least one root")
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	roots := make([]string, 0, len(opts.Roots))
	for _, r := range opts.Roots {
		abs, err := filepath.Abs(r)
		if err != nil {
			return nil, fmt.Errorf("resolving root %s: %w", r, err)
		}
		roots = append(roots, abs)
	}
	opts.Roots = roots

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating file watcher: %w", err)
	}
	w := &Watcher{
		opts:    opts,
		handler: handler,
		logger:  logger.WithComponent("workspace").WithProject(opts.ProjectID),
		watcher: fw,
		pending: make(map[string]clockwork.Timer),
		watched: make(map[string]bool),
	}
	for _, root := range roots {
		if err := w.addTree(root); err != nil {
			_ = fw.Close()
			return nil, err
		}
	}
	return w, nil
}

// Run processes events until ctx is done, then closes the watcher.
func (w *Watcher) Run(ctx context.Context) error {
	defer w.Close()
	w.logger.Info("watching workspace", "roots", w.opts.Roots, "directories", w.watchedCount())
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			w.handleEvent(event)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("file watcher error", "error", err)
		}
	}
}

// Close stops the watcher and drops pending settle timers.
func (w *Watcher) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	for path, t := range w.pending {
		t.Stop()
		delete(w.pending, path)
	}
	w.mu.Unlock()
	return w.watcher.Close()
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	if w.ignored(event.Name) {
		return
	}
	switch {
	case event.Has(fsnotify.Create):
		info, err := os.Stat(event.Name)
		if err != nil {
			return
		}
		if info.IsDir() {
			if err := w.addTree(event.Name); err != nil {
				w.logger.Warn("cannot watch new directory", "path", event.Name, "error", err)
			}
			return
		}
		w.emit(event.Name, correlator.StateDetected, "")
		w.settle(event.Name)
	case event.Has(fsnotify.Write):
		if !w.isPending(event.Name) {
			w.emit(event.Name, correlator.StateWriting, "")
		}
		w.settle(event.Name)
	case event.Has(fsnotify.Remove), event.Has(fsnotify.Rename):
		w.cancel(event.Name)
	}
}

// settle (re)arms the quiet timer for path.
func (w *Watcher) settle(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	if t, ok := w.pending[path]; ok {
		t.Stop()
	}
	w.pending[path] = w.opts.Clock.AfterFunc(w.opts.SettleDelay, func() { w.complete(path) })
}

func (w *Watcher) complete(path string) {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	delete(w.pending, path)
	w.mu.Unlock()

	content, err := os.ReadFile(path)
	if err != nil {
		w.logger.Debug("settled file unreadable", "path", path, "error", err)
		return
	}
	w.emit(path, correlator.StateComplete, string(content))
}

func (w *Watcher) cancel(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if t, ok := w.pending[path]; ok {
		t.Stop()
		delete(w.pending, path)
	}
}

func (w *Watcher) isPending(path string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	_, ok := w.pending[path]
	return ok
}

func (w *Watcher) emit(path string, state correlator.FileState, content string) {
	name, ok := w.relative(path)
	if !ok {
		return
	}
	w.handler(w.opts.ProjectID, correlator.FileUpdate{
		Name:    name,
		Content: content,
		State:   state,
		At:      w.opts.Clock.Now(),
	})
}

// relative names path by its slash-separated position under its root.
func (w *Watcher) relative(path string) (string, bool) {
	for _, root := range w.opts.Roots {
		rel, err := filepath.Rel(root, path)
		if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
			continue
		}
		return filepath.ToSlash(rel), true
	}
	return "", false
}

func (w *Watcher) ignored(path string) bool {
	rel, ok := w.relative(path)
	if !ok {
		return true
	}
	for _, segment := range strings.Split(rel, "/") {
		for _, pattern := range w.opts.Ignore {
			if match, _ := filepath.Match(pattern, segment); match {
				return true
			}
		}
	}
	return false
}

// addTree watches dir and every non-ignored directory below it.
func (w *Watcher) addTree(dir string) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if path != dir && w.ignored(path) {
			return filepath.SkipDir
		}
		return w.addWatch(path)
	})
}

func (w *Watcher) addWatch(path string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.watched[path] {
		return nil
	}
	if err := w.watcher.Add(path); err != nil {
		return fmt.Errorf("watching %s: %w", path, err)
	}
	w.watched[path] = true
	return nil
}

func (w *Watcher) watchedCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.watched)
}
