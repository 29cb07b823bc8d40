package correlator

import "time"

// Reason names the membership rule that matched.
type Reason string

const (
	ReasonNone          Reason = ""
	ReasonUpdatedAfter  Reason = "updated_after_start"
	ReasonContentDiffer Reason = "content_changed"
	ReasonNewFile       Reason = "new_file"
	ReasonRecent        Reason = "recent_update"
)

// membershipLocked applies the four rules in diagnostic order. Any match is
// sufficient. Without the timestamp map only the new-file and recency rules
// are evaluated.
func (t *Tracker) membershipLocked(name string, now time.Time) (bool, Reason) {
	rec, ok := t.files[name]
	if !ok {
		return false, ReasonNone
	}
	base, hadBaseline := t.baseline[name]

	if t.lastSeen != nil {
		if seen, ok := t.lastSeen[name]; ok && !t.startedAt.IsZero() && seen.After(t.startedAt) {
			return true, ReasonUpdatedAfter
		}
		if hadBaseline && rec.content != base {
			return true, ReasonContentDiffer
		}
	}
	if !hadBaseline && len(rec.content) > t.cfg.MinContentLength {
		return true, ReasonNewFile
	}
	if !rec.updatedAt.IsZero() && now.Sub(rec.updatedAt) <= t.cfg.RecentWindow {
		return true, ReasonRecent
	}
	return false, ReasonNone
}
