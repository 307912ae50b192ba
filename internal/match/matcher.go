// Package match re-locates tracked reference faces across frames using
// embedding similarity plus positional and size heuristics.
package match

import (
	"math"

	"github.com/dudu/refacer/internal/config"
	"github.com/dudu/refacer/internal/face"
)

// Score holds the sub-scores computed for one candidate against one reference.
type Score struct {
	Candidate int
	Embedding float64
	Position  float64
	Size      float64
	// Degraded is set when either embedding was absent and the composite
	// fell back to position and size only.
	Degraded  bool
	Composite float64
}

// Diagnostic is the per-frame matching record emitted to the observer.
// It carries every candidate's scores and the chosen index (-1 for none).
type Diagnostic struct {
	FrameIndex int
	Reference  int
	Scores     []Score
	Chosen     int
}

// Observer receives matching diagnostics. It must return quickly; it is
// invoked synchronously from the frame loop.
type Observer func(Diagnostic)

// Matcher scores candidate observations against a tracked reference.
type Matcher struct {
	cfg      config.Match
	observer Observer
}

// New creates a matcher with the given weights and threshold.
func New(cfg config.Match, observer Observer) *Matcher {
	return &Matcher{cfg: cfg, observer: observer}
}

// Match selects the best-scoring candidate for the reference, or reports
// no match when nothing clears the similarity threshold. Ties keep the
// first candidate in detection order. Match is deterministic: identical
// inputs always yield the identical index.
func (m *Matcher) Match(reference face.Observation, candidates []face.Observation) (int, bool) {
	return m.match(0, reference, candidates)
}

func (m *Matcher) match(refIndex int, reference face.Observation, candidates []face.Observation) (int, bool) {
	scores := m.scoreAll(reference, candidates)

	chosen := -1
	best := math.Inf(-1)
	for _, s := range scores {
		if s.Composite >= m.cfg.SimilarityThreshold && s.Composite > best {
			best = s.Composite
			chosen = s.Candidate
		}
	}

	m.emit(reference, refIndex, scores, chosen)
	return chosen, chosen >= 0
}

func (m *Matcher) scoreAll(reference face.Observation, candidates []face.Observation) []Score {
	scores := make([]Score, 0, len(candidates))
	for i, candidate := range candidates {
		scores = append(scores, m.score(i, reference, candidate))
	}
	return scores
}

func (m *Matcher) score(index int, reference, candidate face.Observation) Score {
	s := Score{Candidate: index}

	if reference.Embedding != nil && candidate.Embedding != nil {
		cos := float64(face.Cosine(reference.Embedding, candidate.Embedding))
		s.Embedding = (cos + 1) / 2
	}

	s.Position = positionSimilarity(reference, candidate)
	s.Size = sizeSimilarity(reference.Area(), candidate.Area())

	if reference.Embedding != nil && candidate.Embedding != nil {
		s.Composite = m.cfg.EmbeddingWeight*s.Embedding +
			m.cfg.PositionWeight*s.Position +
			m.cfg.SizeWeight*s.Size
	} else {
		s.Degraded = true
		s.Composite = m.cfg.DegradedPositionWeight*s.Position +
			m.cfg.DegradedSizeWeight*s.Size
	}
	return s
}

func (m *Matcher) emit(reference face.Observation, refIndex int, scores []Score, chosen int) {
	if m.observer == nil {
		return
	}
	m.observer(Diagnostic{
		FrameIndex: reference.FrameIndex,
		Reference:  refIndex,
		Scores:     scores,
		Chosen:     chosen,
	})
}

// positionSimilarity maps center distance to [0,1], scaled by the
// half-diagonal of the frame the reference was anchored in.
func positionSimilarity(reference, candidate face.Observation) float64 {
	width, height := reference.FrameWidth, reference.FrameHeight
	if width == 0 || height == 0 {
		width, height = candidate.FrameWidth, candidate.FrameHeight
	}
	halfDiagonal := math.Hypot(float64(width), float64(height)) / 2
	if halfDiagonal <= 0 {
		return 0
	}

	refCenter := reference.Center()
	candCenter := candidate.Center()
	distance := math.Hypot(
		float64(candCenter.X-refCenter.X),
		float64(candCenter.Y-refCenter.Y),
	)
	return math.Max(0, 1-distance/halfDiagonal)
}

func sizeSimilarity(a, b int) float64 {
	if a <= 0 || b <= 0 {
		return 0
	}
	if a > b {
		a, b = b, a
	}
	return float64(a) / float64(b)
}
