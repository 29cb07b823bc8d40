package correlator

import "strings"

const (
	weightMemberRatio = 0.4
	weightSize        = 0.3
	weightMarkers     = 0.3
)

// confidenceLocked combines the share of tracked files that are members with
// a content quality check. It only gates notifications, never correctness.
func (t *Tracker) confidenceLocked(members []string) float64 {
	if len(t.files) == 0 || len(members) == 0 {
		return 0
	}

	ratio := float64(len(members)) / float64(len(t.files))

	total := 0
	placeholders := false
	for _, name := range members {
		content := t.files[name].content
		total += len(content)
		if t.hasPlaceholder(content) {
			placeholders = true
		}
	}

	score := weightMemberRatio * ratio
	if total/len(members) >= t.cfg.MinAverageSize {
		score += weightSize
	}
	if !placeholders {
		score += weightMarkers
	}
	return score
}

func (t *Tracker) hasPlaceholder(content string) bool {
	for _, marker := range t.cfg.PlaceholderMarkers {
		if marker != "" && strings.Contains(content, marker) {
			return true
		}
	}
	return false
}
