package match

import (
	"sort"

	"github.com/dudu/refacer/internal/config"
	"github.com/dudu/refacer/internal/face"
)

// Assign resolves one frame's candidates for several tracked references.
// The result has one entry per reference: the claimed candidate index or
// -1 for no match.
//
// StrategyFirstCome matches every reference independently, so two
// references may claim the same candidate. StrategyExclusive runs a
// greedy pass where the highest composite score claims first and each
// candidate is claimed at most once.
func (m *Matcher) Assign(references []face.Observation, candidates []face.Observation, strategy config.Strategy) []int {
	assigned := make([]int, len(references))
	for i := range assigned {
		assigned[i] = -1
	}
	if len(references) == 0 || len(candidates) == 0 {
		for i, reference := range references {
			m.emit(reference, i, nil, -1)
		}
		return assigned
	}

	if strategy == config.StrategyFirstCome {
		for i, reference := range references {
			if chosen, ok := m.match(i, reference, candidates); ok {
				assigned[i] = chosen
			}
		}
		return assigned
	}

	type claim struct {
		reference int
		candidate int
		composite float64
	}

	allScores := make([][]Score, len(references))
	var claims []claim
	for i, reference := range references {
		scores := m.scoreAll(reference, candidates)
		allScores[i] = scores
		for _, s := range scores {
			if s.Composite >= m.cfg.SimilarityThreshold {
				claims = append(claims, claim{reference: i, candidate: s.Candidate, composite: s.Composite})
			}
		}
	}

	// Highest score claims first; ties resolve in reference order, then
	// detection order, keeping the pass deterministic.
	sort.SliceStable(claims, func(a, b int) bool {
		return claims[a].composite > claims[b].composite
	})

	candidateTaken := make([]bool, len(candidates))
	for _, c := range claims {
		if assigned[c.reference] >= 0 || candidateTaken[c.candidate] {
			continue
		}
		assigned[c.reference] = c.candidate
		candidateTaken[c.candidate] = true
	}

	for i, reference := range references {
		m.emit(reference, i, allScores[i], assigned[i])
	}
	return assigned
}
