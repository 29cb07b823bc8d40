// Package core holds the domain model of the fix-and-redeploy coordinator:
// workflow records, phases, error classification, snapshots and the ports
// through which the coordinator reaches its collaborators.
package core

import "strings"

// ErrorKind classifies the failure that spawned a workflow.
type ErrorKind string

const (
	ErrorKindCompilation ErrorKind = "compilation"
	ErrorKindBundling    ErrorKind = "bundling"
	ErrorKindDeployment  ErrorKind = "deployment"
	ErrorKindNetwork     ErrorKind = "network"
	ErrorKindUnknown     ErrorKind = "unknown"
)

// ErrorKinds is the ordered list of all error kinds.
var ErrorKinds = []ErrorKind{
	ErrorKindCompilation,
	ErrorKindBundling,
	ErrorKindDeployment,
	ErrorKindNetwork,
	ErrorKindUnknown,
}

// ParseErrorKind accepts both "deployment" and the detector spelling
// "deployment-error". Anything unrecognised maps to ErrorKindUnknown.
func ParseErrorKind(s string) ErrorKind {
	s = strings.ToLower(strings.TrimSpace(s))
	s = strings.TrimSuffix(s, "-error")
	s = strings.TrimSuffix(s, "_error")
	for _, k := range ErrorKinds {
		if string(k) == s {
			return k
		}
	}
	return ErrorKindUnknown
}

// classificationKeywords is checked in order; the first kind with a matching
// keyword wins.
var classificationKeywords = []struct {
	kind     ErrorKind
	keywords []string
}{
	{ErrorKindNetwork, []string{"econnrefused", "etimedout", "network", "socket hang up", "fetch failed", "dns"}},
	{ErrorKindBundling, []string{"bundle", "webpack", "vite", "rollup", "esbuild", "module not found"}},
	{ErrorKindCompilation, []string{"type error", "syntax error", "type mismatch", "compile", "unbound", "cannot find"}},
	{ErrorKindDeployment, []string{"deploy", "canister", "install", "upgrade", "cycles", "replica"}},
}

// ClassifyError guesses an ErrorKind from raw error text when the failure
// detector did not supply one.
func ClassifyError(raw string) ErrorKind {
	lower := strings.ToLower(raw)
	for _, entry := range classificationKeywords {
		for _, kw := range entry.keywords {
			if strings.Contains(lower, kw) {
				return entry.kind
			}
		}
	}
	return ErrorKindUnknown
}

// MaxAttemptsMarker is prepended to the stored error once automatic retries
// are exhausted.
const MaxAttemptsMarker = "[MAX ATTEMPTS REACHED]"

// DefaultConversationalTab is the surface tab the corrective prompt goes to.
const DefaultConversationalTab = "chat"
