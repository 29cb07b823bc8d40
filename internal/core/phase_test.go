package core

import "testing"

func TestPhase_Order(t *testing.T) {
	if PhaseOrder(PhaseInjectingMessage) >= PhaseOrder(PhaseAwaitingGeneration) {
		t.Fatalf("expected injecting before awaiting generation")
	}
	if PhaseOrder(PhaseApplyingFiles) >= PhaseOrder(PhaseDeploying) {
		t.Fatalf("expected applying before deploying")
	}
	if PhaseOrder(PhaseCompleted) != PhaseOrder(PhaseFailed) {
		t.Fatalf("expected terminal phases to share an order")
	}
	if PhaseOrder("invalid") != -1 {
		t.Fatalf("expected invalid phase order -1")
	}
}

func TestPhase_IsTerminal(t *testing.T) {
	tests := []struct {
		phase Phase
		want  bool
	}{
		{PhaseIdle, false},
		{PhaseInjectingMessage, false},
		{PhaseAwaitingGeneration, false},
		{PhaseApplyingFiles, false},
		{PhaseDeploying, false},
		{PhaseCompleted, true},
		{PhaseFailed, true},
	}
	for _, tt := range tests {
		if got := tt.phase.IsTerminal(); got != tt.want {
			t.Errorf("%s.IsTerminal() = %v, want %v", tt.phase, got, tt.want)
		}
	}
}

func TestPhase_Parse(t *testing.T) {
	for _, phase := range AllPhases() {
		p, err := ParsePhase(string(phase))
		if err != nil {
			t.Fatalf("unexpected error parsing %s: %v", phase, err)
		}
		if p != phase {
			t.Fatalf("expected %s, got %s", phase, p)
		}
		if p.Description() == "Unknown phase" {
			t.Errorf("phase %s has no description", p)
		}
	}
	if _, err := ParsePhase("rollback"); err == nil {
		t.Fatalf("expected error for unknown phase")
	}
}
