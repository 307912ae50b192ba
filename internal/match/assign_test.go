package match

import (
	"testing"

	"github.com/dudu/refacer/internal/config"
	"github.com/dudu/refacer/internal/face"
)

func smallFrameObservation(x1, y1, x2, y2 int) face.Observation {
	return face.Observation{
		Box:         face.Box{X1: x1, Y1: y1, X2: x2, Y2: y2},
		FrameWidth:  100,
		FrameHeight: 100,
	}
}

func TestAssignFirstComeAllowsDoubleClaim(t *testing.T) {
	m := New(config.Default().Match, nil)

	references := []face.Observation{
		smallFrameObservation(10, 10, 30, 30),
		smallFrameObservation(12, 12, 32, 32),
	}
	candidates := []face.Observation{
		smallFrameObservation(10, 10, 30, 30),
		smallFrameObservation(60, 60, 80, 80),
	}

	assigned := m.Assign(references, candidates, config.StrategyFirstCome)
	if assigned[0] != 0 || assigned[1] != 0 {
		t.Fatalf("first-come assignment = %v, want both references claiming candidate 0", assigned)
	}
}

func TestAssignExclusivePreventsDoubleClaim(t *testing.T) {
	m := New(config.Default().Match, nil)

	references := []face.Observation{
		smallFrameObservation(10, 10, 30, 30),
		smallFrameObservation(12, 12, 32, 32),
	}
	candidates := []face.Observation{
		smallFrameObservation(10, 10, 30, 30),
		smallFrameObservation(60, 60, 80, 80),
	}

	assigned := m.Assign(references, candidates, config.StrategyExclusive)
	if assigned[0] != 0 {
		t.Fatalf("reference 0 is the exact candidate, got assignment %v", assigned)
	}
	if assigned[1] == 0 {
		t.Fatalf("candidate 0 claimed twice: %v", assigned)
	}
}

func TestAssignEmitsDiagnosticsPerReference(t *testing.T) {
	var diags []Diagnostic
	m := New(config.Default().Match, func(d Diagnostic) { diags = append(diags, d) })

	references := []face.Observation{
		smallFrameObservation(10, 10, 30, 30),
		smallFrameObservation(60, 60, 80, 80),
	}
	candidates := []face.Observation{smallFrameObservation(10, 10, 30, 30)}

	m.Assign(references, candidates, config.StrategyExclusive)
	if len(diags) != 2 {
		t.Fatalf("got %d diagnostics, want one per reference", len(diags))
	}
	if diags[0].Chosen != 0 {
		t.Fatalf("reference 0 diagnostic chosen = %d, want 0", diags[0].Chosen)
	}
}

func TestAssignNoCandidates(t *testing.T) {
	m := New(config.Default().Match, nil)
	assigned := m.Assign([]face.Observation{smallFrameObservation(0, 0, 10, 10)}, nil, config.StrategyFirstCome)
	if len(assigned) != 1 || assigned[0] != -1 {
		t.Fatalf("assignment = %v, want [-1]", assigned)
	}
}
