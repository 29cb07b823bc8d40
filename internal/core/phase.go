package core

import "fmt"

// Phase represents a stage of a fix-and-redeploy workflow.
type Phase string

const (
	// PhaseIdle is the zero phase of a record that has not been started.
	PhaseIdle Phase = "idle"

	// PhaseInjectingMessage is entered on start. The corrective prompt is
	// being delivered to the conversational surface.
	PhaseInjectingMessage Phase = "injecting_message"

	// PhaseAwaitingGeneration waits for the external AI process to stream
	// files back through the correlator.
	PhaseAwaitingGeneration Phase = "awaiting_generation"

	// PhaseApplyingFiles is entered once generated files are being applied.
	PhaseApplyingFiles Phase = "applying_files"

	// PhaseDeploying is entered when a deployment attempt has been triggered.
	PhaseDeploying Phase = "deploying"

	// PhaseCompleted is terminal: the last deployment succeeded.
	PhaseCompleted Phase = "completed"

	// PhaseFailed is terminal: attempts exhausted or unrecoverable error.
	PhaseFailed Phase = "failed"
)

// AllPhases returns every phase in lifecycle order.
func AllPhases() []Phase {
	return []Phase{
		PhaseIdle,
		PhaseInjectingMessage,
		PhaseAwaitingGeneration,
		PhaseApplyingFiles,
		PhaseDeploying,
		PhaseCompleted,
		PhaseFailed,
	}
}

// PhaseOrder returns the numeric order of a phase (0-indexed).
// Both terminal phases share the last slot.
func PhaseOrder(p Phase) int {
	switch p {
	case PhaseIdle:
		return 0
	case PhaseInjectingMessage:
		return 1
	case PhaseAwaitingGeneration:
		return 2
	case PhaseApplyingFiles:
		return 3
	case PhaseDeploying:
		return 4
	case PhaseCompleted, PhaseFailed:
		return 5
	default:
		return -1
	}
}

// IsTerminal reports whether no automatic transition can leave the phase.
func (p Phase) IsTerminal() bool {
	return p == PhaseCompleted || p == PhaseFailed
}

// ValidPhase checks if a phase string is valid.
func ValidPhase(p Phase) bool {
	return PhaseOrder(p) >= 0
}

// ParsePhase converts a string to a Phase with validation.
func ParsePhase(s string) (Phase, error) {
	p := Phase(s)
	if !ValidPhase(p) {
		return "", fmt.Errorf("invalid phase: %s", s)
	}
	return p, nil
}

// String returns the string representation of the phase.
func (p Phase) String() string {
	return string(p)
}

// Description returns a human-readable description of the phase.
func (p Phase) Description() string {
	switch p {
	case PhaseIdle:
		return "Not started"
	case PhaseInjectingMessage:
		return "Delivering the corrective prompt"
	case PhaseAwaitingGeneration:
		return "Waiting for generated files"
	case PhaseApplyingFiles:
		return "Applying generated files"
	case PhaseDeploying:
		return "Deployment in progress"
	case PhaseCompleted:
		return "Deployment succeeded"
	case PhaseFailed:
		return "Automatic retries stopped"
	default:
		return "Unknown phase"
	}
}
