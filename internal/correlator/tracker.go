// Package correlator decides which generated files belong to the workflow
// currently running for a project, and when that workflow's file-production
// phase can be considered finished.
package correlator

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// FileState is the generation state reported for a file.
type FileState string

const (
	// StateDetected marks a provisional placeholder; it never blocks completion.
	StateDetected FileState = "detected"
	StateWriting  FileState = "writing"
	StateComplete FileState = "complete"
)

// ParseFileState maps a wire value to a FileState, defaulting to detected.
func ParseFileState(s string) FileState {
	switch FileState(strings.ToLower(strings.TrimSpace(s))) {
	case StateWriting:
		return StateWriting
	case StateComplete:
		return StateComplete
	default:
		return StateDetected
	}
}

// FileUpdate is one observation from the generation stream.
type FileUpdate struct {
	Name    string    `json:"name" validate:"required"`
	Content string    `json:"content"`
	State   FileState `json:"state" validate:"required,oneof=detected writing complete"`
	At      time.Time `json:"at,omitempty"`
}

// Config tunes membership and confidence heuristics.
type Config struct {
	// RecentWindow is the trailing window of rule 4.
	RecentWindow time.Duration
	// MinContentLength is the size a file with no baseline must exceed to
	// count as newly produced.
	MinContentLength int
	// MinAverageSize is the average member size below which the content
	// quality check fails.
	MinAverageSize int
	// PlaceholderMarkers flag unfinished content.
	PlaceholderMarkers []string
	// ConfidenceThreshold suppresses completion notifications below it.
	ConfidenceThreshold float64
}

// DefaultConfig returns the default heuristics.
func DefaultConfig() Config {
	return Config{
		RecentWindow:        60 * time.Second,
		MinContentLength:    10,
		MinAverageSize:      50,
		PlaceholderMarkers:  []string{"// ... existing code", "/* ... */", "TODO: implement", "[placeholder]"},
		ConfidenceThreshold: 0.5,
	}
}

type fileRecord struct {
	content   string
	state     FileState
	updatedAt time.Time
}

// Tracker aggregates updates for one workflow cycle. It is safe for
// concurrent use.
type Tracker struct {
	mu        sync.Mutex
	cfg       Config
	clock     clockwork.Clock
	startedAt time.Time
	baseline  map[string]string
	lastSeen  map[string]time.Time
	files     map[string]*fileRecord
}

// NewTracker creates a tracker for a cycle started at startedAt. baseline
// holds each file's content at workflow start; files missing from it did not
// exist yet.
func NewTracker(startedAt time.Time, baseline map[string]string, cfg Config, clock clockwork.Clock) *Tracker {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	b := make(map[string]string, len(baseline))
	for k, v := range baseline {
		b[k] = v
	}
	return &Tracker{
		cfg:       cfg,
		clock:     clock,
		startedAt: startedAt,
		baseline:  b,
		lastSeen:  make(map[string]time.Time),
		files:     make(map[string]*fileRecord),
	}
}

// StartedAt returns the cycle start time.
func (t *Tracker) StartedAt() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.startedAt
}

// Observe records an update. Re-delivering the same update is harmless.
func (t *Tracker) Observe(u FileUpdate) {
	if u.Name == "" {
		return
	}
	at := u.At
	if at.IsZero() {
		at = t.clock.Now()
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	rec, ok := t.files[u.Name]
	if !ok {
		rec = &fileRecord{}
		t.files[u.Name] = rec
	}
	rec.content = u.Content
	rec.state = u.State
	if at.After(rec.updatedAt) {
		rec.updatedAt = at
	}
	if t.lastSeen != nil && at.After(t.lastSeen[u.Name]) {
		t.lastSeen[u.Name] = at
	}
}

// resetTiming drops the per-file timestamp map, as after a restart that lost
// timing state. Membership then falls back to the size and recency rules.
func (t *Tracker) resetTiming() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lastSeen = nil
}

// Restart begins a new cycle at startedAt, keeping the baseline but
// forgetting every observation.
func (t *Tracker) Restart(startedAt time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.startedAt = startedAt
	t.lastSeen = make(map[string]time.Time)
	t.files = make(map[string]*fileRecord)
}

// Membership reports whether name belongs to this workflow and which rule
// matched first.
func (t *Tracker) Membership(name string) (bool, Reason) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.membershipLocked(name, t.clock.Now())
}

// MemberFiles returns the content of every member file.
func (t *Tracker) MemberFiles() map[string]string {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.clock.Now()
	out := make(map[string]string)
	for name, rec := range t.files {
		if ok, _ := t.membershipLocked(name, now); ok {
			out[name] = rec.content
		}
	}
	return out
}

// Verdict is the aggregated completion decision.
type Verdict struct {
	Complete   bool              `json:"complete"`
	Members    []string          `json:"members"`
	Writing    []string          `json:"writing,omitempty"`
	Confidence float64           `json:"confidence"`
	Notify     bool              `json:"notify"`
	Reasons    map[string]Reason `json:"reasons,omitempty"`
}

// Verdict evaluates completion: at least one member file, at least one of
// them complete, none still writing.
func (t *Tracker) Verdict() Verdict {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.clock.Now()
	v := Verdict{Reasons: make(map[string]Reason)}
	if len(t.files) == 0 {
		return v
	}

	anyComplete := false
	for name, rec := range t.files {
		ok, reason := t.membershipLocked(name, now)
		if !ok {
			continue
		}
		v.Members = append(v.Members, name)
		v.Reasons[name] = reason
		switch rec.state {
		case StateWriting:
			v.Writing = append(v.Writing, name)
		case StateComplete:
			anyComplete = true
		}
	}
	sort.Strings(v.Members)
	sort.Strings(v.Writing)

	v.Complete = len(v.Members) > 0 && anyComplete && len(v.Writing) == 0
	v.Confidence = t.confidenceLocked(v.Members)
	v.Notify = v.Complete && v.Confidence >= t.cfg.ConfidenceThreshold
	return v
}
