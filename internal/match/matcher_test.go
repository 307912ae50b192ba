package match

import (
	"math"
	"testing"

	"github.com/dudu/refacer/internal/config"
	"github.com/dudu/refacer/internal/face"
)

func testObservation(x1, y1, x2, y2 int, emb *face.Embedding) face.Observation {
	return face.Observation{
		Box:         face.Box{X1: x1, Y1: y1, X2: x2, Y2: y2},
		Embedding:   emb,
		FrameWidth:  1000,
		FrameHeight: 1000,
	}
}

func testEmbedding(dims ...int) *face.Embedding {
	var e face.Embedding
	for _, d := range dims {
		e[d] = 1
	}
	e.Normalize()
	return &e
}

func TestMatchIdenticalFaceScoresOne(t *testing.T) {
	// Identical embedding, position and area must yield composite 1.0.
	var diag Diagnostic
	m := New(config.Default().Match, func(d Diagnostic) { diag = d })

	emb := testEmbedding(0, 7)
	ref := testObservation(100, 100, 200, 200, emb)
	candidates := []face.Observation{testObservation(100, 100, 200, 200, emb)}

	chosen, ok := m.Match(ref, candidates)
	if !ok || chosen != 0 {
		t.Fatalf("expected match on candidate 0, got %d ok=%v", chosen, ok)
	}
	if got := diag.Scores[0].Composite; math.Abs(got-1.0) > 1e-9 {
		t.Fatalf("composite = %v, want 1.0", got)
	}
}

func TestMatchIdenticalEmbeddingsClearThresholdAnywhere(t *testing.T) {
	// The embedding sub-score alone (weight 0.8) clears the 0.4 default
	// threshold regardless of position and size.
	var diag Diagnostic
	m := New(config.Default().Match, func(d Diagnostic) { diag = d })

	emb := testEmbedding(3)
	ref := testObservation(0, 0, 10, 10, emb)
	candidates := []face.Observation{testObservation(900, 900, 1000, 1000, emb)}

	if _, ok := m.Match(ref, candidates); !ok {
		t.Fatal("expected identical embeddings to match despite position/size")
	}
	if got := diag.Scores[0].Embedding; math.Abs(got-1.0) > 1e-6 {
		t.Fatalf("embedding sub-score = %v, want 1.0", got)
	}
}

func TestMatchDegradedOppositeCorner(t *testing.T) {
	// No embeddings and the reference in the opposite corner: position
	// similarity collapses to 0 and the composite reduces to 0.3 × area
	// ratio.
	var diag Diagnostic
	m := New(config.Default().Match, func(d Diagnostic) { diag = d })

	ref := testObservation(-5, -5, 5, 5, nil)                        // center (0,0), area 100
	candidates := []face.Observation{testObservation(490, 490, 510, 510, nil)} // centered, area 400

	if _, ok := m.Match(ref, candidates); ok {
		t.Fatal("expected no match below threshold")
	}
	score := diag.Scores[0]
	if score.Position > 1e-9 {
		t.Fatalf("position similarity = %v, want 0", score.Position)
	}
	if !score.Degraded {
		t.Fatal("expected degraded scoring without embeddings")
	}
	want := 0.3 * (100.0 / 400.0)
	if math.Abs(score.Composite-want) > 1e-9 {
		t.Fatalf("composite = %v, want %v", score.Composite, want)
	}
}

func TestMatchTieKeepsDetectionOrder(t *testing.T) {
	m := New(config.Default().Match, nil)

	ref := testObservation(100, 100, 200, 200, nil)
	same := testObservation(100, 100, 200, 200, nil)
	candidates := []face.Observation{same, same}

	chosen, ok := m.Match(ref, candidates)
	if !ok || chosen != 0 {
		t.Fatalf("tie must keep first candidate, got %d ok=%v", chosen, ok)
	}
}

func TestMatchDeterministic(t *testing.T) {
	m := New(config.Default().Match, nil)

	ref := testObservation(100, 100, 220, 220, testEmbedding(1, 2))
	candidates := []face.Observation{
		testObservation(110, 105, 230, 225, testEmbedding(1, 2)),
		testObservation(400, 400, 520, 520, testEmbedding(1, 3)),
		testObservation(90, 95, 210, 215, testEmbedding(2, 4)),
	}

	first, okFirst := m.Match(ref, candidates)
	for i := 0; i < 50; i++ {
		chosen, ok := m.Match(ref, candidates)
		if chosen != first || ok != okFirst {
			t.Fatalf("run %d: got %d ok=%v, want %d ok=%v", i, chosen, ok, first, okFirst)
		}
	}
}

func TestMatchNoCandidates(t *testing.T) {
	m := New(config.Default().Match, nil)
	if _, ok := m.Match(testObservation(0, 0, 10, 10, nil), nil); ok {
		t.Fatal("expected no match with zero candidates")
	}
}
