package matching

import (
	"testing"

	"github.com/peerprep/practice-server/internal/store"
)

func profile(interest string, goals []string, university, year string) store.Profile {
	return store.Profile{
		Name:          "someone",
		TechInterest:  interest,
		PracticeGoals: goals,
		University:    university,
		Year:          year,
	}
}

func TestScore_IdenticalProfilesScoreFull(t *testing.T) {
	s := NewDeterministicScorer()
	a := profile("data-science", []string{"confidence", "clarity"}, "X", "2026")
	b := profile("data-science", []string{"confidence", "clarity"}, "X", "2026")

	if got := s.Score(a, b); got != 100 {
		t.Errorf("Score = %d, want 100", got)
	}
	if got := s.Score(a, b); got <= Threshold {
		t.Errorf("identical profiles must always exceed the threshold, got %d", got)
	}
}

func TestScore_DeterministicPartIsSymmetric(t *testing.T) {
	s := NewDeterministicScorer()
	a := profile("backend", []string{"system-design", "communication"}, "X", "2025")
	b := profile("frontend", []string{"communication"}, "Y", "2026")

	if s.Deterministic(a, b) != s.Deterministic(b, a) {
		t.Errorf("Deterministic(a,b)=%v != Deterministic(b,a)=%v",
			s.Deterministic(a, b), s.Deterministic(b, a))
	}
}

func TestScore_InterestMatch(t *testing.T) {
	s := NewDeterministicScorer()

	a := profile("backend", nil, "", "")
	b := profile("backend", nil, "", "")
	if got := s.Score(a, b); got != 40 {
		t.Errorf("matching interests: Score = %d, want 40", got)
	}

	b.TechInterest = "frontend"
	if got := s.Score(a, b); got != 0 {
		t.Errorf("different interests: Score = %d, want 0", got)
	}
}

func TestScore_EmptyInterestsDoNotMatch(t *testing.T) {
	s := NewDeterministicScorer()
	a := profile("", nil, "", "")
	b := profile("", nil, "", "")
	if got := s.Score(a, b); got != 0 {
		t.Errorf("two empty interests must contribute zero, got %d", got)
	}
}

func TestScore_GoalOverlapRatio(t *testing.T) {
	s := NewDeterministicScorer()

	// 1 of max(2, 3) goals shared -> 30 * 1/3 = 10.
	a := profile("", []string{"confidence", "clarity"}, "", "")
	b := profile("", []string{"confidence", "brevity", "depth"}, "", "")
	if got := s.Score(a, b); got != 10 {
		t.Errorf("partial overlap: Score = %d, want 10", got)
	}

	// Full overlap -> 30.
	b = profile("", []string{"clarity", "confidence"}, "", "")
	if got := s.Score(a, b); got != 30 {
		t.Errorf("full overlap: Score = %d, want 30", got)
	}
}

func TestScore_DuplicateGoalsDoNotInflateRatio(t *testing.T) {
	s := NewDeterministicScorer()

	a := profile("", []string{"clarity", "clarity", "clarity"}, "", "")
	b := profile("", []string{"clarity"}, "", "")
	// Set semantics: both sets are {clarity}, ratio 1 -> 30.
	if got := s.Score(a, b); got != 30 {
		t.Errorf("duplicated goals: Score = %d, want 30", got)
	}
}

func TestScore_EmptyGoalListsContributeZero(t *testing.T) {
	s := NewDeterministicScorer()
	a := profile("", nil, "", "")
	b := profile("", []string{"clarity"}, "", "")
	if got := s.Score(a, b); got != 0 {
		t.Errorf("empty goals: Score = %d, want 0", got)
	}
}

func TestScore_UniversityAndYearRequireNonEmpty(t *testing.T) {
	s := NewDeterministicScorer()

	a := profile("", nil, "X", "2026")
	b := profile("", nil, "X", "2026")
	if got := s.Score(a, b); got != 20 {
		t.Errorf("matching university+year: Score = %d, want 20", got)
	}

	// Two empty universities are not a match.
	a = profile("", nil, "", "2026")
	b = profile("", nil, "", "2026")
	if got := s.Score(a, b); got != 10 {
		t.Errorf("empty universities: Score = %d, want 10", got)
	}

	a = profile("", nil, "", "")
	b = profile("", nil, "", "")
	if got := s.Score(a, b); got != 0 {
		t.Errorf("all empty: Score = %d, want 0", got)
	}
}

func TestScore_JitterStaysInRange(t *testing.T) {
	s := NewScorer()
	a := profile("backend", []string{"clarity"}, "X", "2026")
	b := profile("backend", []string{"clarity"}, "X", "2026")

	// Deterministic part is 90; with jitter in [0, 10) the rounded total must
	// stay within [90, 100].
	for i := 0; i < 1000; i++ {
		got := s.Score(a, b)
		if got < 90 || got > 100 {
			t.Fatalf("Score = %d, want within [90, 100]", got)
		}
	}
}
