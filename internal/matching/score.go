package matching

import (
	"math"
	"math/rand"

	"github.com/peerprep/practice-server/internal/store"
)

// Threshold is the minimum acceptance score. A pair is matched only when its
// score is strictly greater than this.
const Threshold = 20

// Deterministic sub-score weights.
const (
	interestWeight   = 40
	goalsWeight      = 30
	universityWeight = 10
	yearWeight       = 10

	// jitterMax bounds the volatile component: uniform in [0, jitterMax).
	jitterMax = 10
)

// Scorer computes a 0..100 compatibility score between two candidate
// profiles. The deterministic portion is symmetric; a small random jitter is
// added on top to break ties between otherwise-identical candidates so that
// none of them starves permanently. Tests pin the jitter with
// NewDeterministicScorer.
type Scorer struct {
	jitter func() float64
}

// NewScorer creates a scorer with uniform random jitter in [0, 10).
func NewScorer() *Scorer {
	return &Scorer{jitter: func() float64 { return rand.Float64() * jitterMax }}
}

// NewDeterministicScorer creates a scorer with zero jitter, for tests and any
// caller that needs reproducible scores.
func NewDeterministicScorer() *Scorer {
	return &Scorer{jitter: func() float64 { return 0 }}
}

// Score returns the compatibility score for the pair, rounded to the nearest
// integer. Missing optional profile fields contribute zero to their
// sub-score; the function never fails.
func (s *Scorer) Score(a, b store.Profile) int {
	return int(math.Round(s.Deterministic(a, b) + s.jitter()))
}

// Deterministic returns the jitter-free portion of the score. It is symmetric
// in its arguments: Deterministic(a, b) == Deterministic(b, a).
func (s *Scorer) Deterministic(a, b store.Profile) float64 {
	var score float64

	if a.TechInterest != "" && a.TechInterest == b.TechInterest {
		score += interestWeight
	}

	score += goalsWeight * goalOverlap(a.PracticeGoals, b.PracticeGoals)

	if a.University != "" && b.University != "" && a.University == b.University {
		score += universityWeight
	}
	if a.Year != "" && b.Year != "" && a.Year == b.Year {
		score += yearWeight
	}

	return score
}

// goalOverlap returns |intersection| / max(|a|, |b|) over the two goal lists
// treated as sets; duplicates in a list do not inflate the ratio.
func goalOverlap(a, b []string) float64 {
	setA := make(map[string]struct{}, len(a))
	for _, g := range a {
		setA[g] = struct{}{}
	}
	setB := make(map[string]struct{}, len(b))
	for _, g := range b {
		setB[g] = struct{}{}
	}
	if len(setA) == 0 || len(setB) == 0 {
		return 0
	}

	common := 0
	for g := range setA {
		if _, ok := setB[g]; ok {
			common++
		}
	}

	larger := len(setA)
	if len(setB) > larger {
		larger = len(setB)
	}
	return float64(common) / float64(larger)
}
