package compaction

import "strings"

// Similarity scores how alike two entry contents are, in [0, 1].
// Implementations must be symmetric: Score(a, b) == Score(b, a).
// Embedding-based measures satisfying the same contract plug in here.
type Similarity interface {
	Score(a, b string) float64
}

// JaccardSimilarity measures token-set overlap. Deterministic and
// symmetric, which is all Tier-2 semantic compaction requires.
type JaccardSimilarity struct{}

// NewJaccardSimilarity creates a JaccardSimilarity.
func NewJaccardSimilarity() *JaccardSimilarity {
	return &JaccardSimilarity{}
}

// Score implements Similarity.
func (JaccardSimilarity) Score(a, b string) float64 {
	setA := tokenSet(a)
	setB := tokenSet(b)
	if len(setA) == 0 && len(setB) == 0 {
		return 1
	}
	if len(setA) == 0 || len(setB) == 0 {
		return 0
	}

	intersection := 0
	for tok := range setA {
		if _, ok := setB[tok]; ok {
			intersection++
		}
	}
	union := len(setA) + len(setB) - intersection
	return float64(intersection) / float64(union)
}

func tokenSet(s string) map[string]struct{} {
	set := make(map[string]struct{})
	for _, tok := range strings.Fields(strings.ToLower(s)) {
		set[strings.Trim(tok, ".,;:!?\"'()[]{}")] = struct{}{}
	}
	delete(set, "")
	return set
}
