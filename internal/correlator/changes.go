package correlator

import (
	"sort"
	"strings"

	"github.com/sergi/go-diff/diffmatchpatch"
)

// FileChange summarises how a member file differs from its baseline.
type FileChange struct {
	Name         string `json:"name"`
	Created      bool   `json:"created"`
	LinesAdded   int    `json:"lines_added"`
	LinesRemoved int    `json:"lines_removed"`
}

// Changes returns a line-level summary for every member file, sorted by name.
func (t *Tracker) Changes() []FileChange {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.clock.Now()
	dmp := diffmatchpatch.New()
	var out []FileChange
	for name, rec := range t.files {
		if ok, _ := t.membershipLocked(name, now); !ok {
			continue
		}
		base, existed := t.baseline[name]
		change := FileChange{Name: name, Created: !existed}

		a, b, lines := dmp.DiffLinesToChars(base, rec.content)
		diffs := dmp.DiffCharsToLines(dmp.DiffMain(a, b, false), lines)
		for _, d := range diffs {
			n := countLines(d.Text)
			switch d.Type {
			case diffmatchpatch.DiffInsert:
				change.LinesAdded += n
			case diffmatchpatch.DiffDelete:
				change.LinesRemoved += n
			}
		}
		out = append(out, change)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func countLines(s string) int {
	if s == "" {
		return 0
	}
	n := strings.Count(s, "\n")
	if !strings.HasSuffix(s, "\n") {
		n++
	}
	return n
}
