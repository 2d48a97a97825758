package retrieval

import (
	"sort"

	"github.com/WhoKnows1337/XPShareV10-sub007/internal/models"
)

// DefaultRRFK is the standard constant for reciprocal rank fusion.
const DefaultRRFK = 60

// ScoreBreakdown exposes each ranking signal's contribution for diagnostics.
type ScoreBreakdown struct {
	Vector  float64 `json:"vector_score"`
	Lexical float64 `json:"lexical_score"`
	Fused   float64 `json:"fused_score"`
}

// RankedExperience is an experience with its fused score breakdown.
type RankedExperience struct {
	models.Experience
	Scores ScoreBreakdown `json:"scores"`
}

// fuse merges the vector and lexical result lists with reciprocal rank
// fusion: each list contributes 1/(k+rank) per record (rank is the 1-based
// position within that list), and a record's fused score is the sum of its
// contributions. Results are sorted by fused score descending; ties break by
// more recent occurrence/creation timestamp.
func fuse(vector, lexical []models.ScoredExperience, k int) []RankedExperience {
	if k <= 0 {
		k = DefaultRRFK
	}

	combined := make(map[string]*RankedExperience)
	order := make([]string, 0, len(vector)+len(lexical))

	add := func(list []models.ScoredExperience, setSignal func(*RankedExperience, float64)) {
		for i, se := range list {
			contribution := 1.0 / float64(k+i+1)
			entry, ok := combined[se.ID]
			if !ok {
				entry = &RankedExperience{Experience: se.Experience}
				combined[se.ID] = entry
				order = append(order, se.ID)
			}
			setSignal(entry, se.Score)
			entry.Scores.Fused += contribution
		}
	}

	add(vector, func(e *RankedExperience, score float64) { e.Scores.Vector = score })
	add(lexical, func(e *RankedExperience, score float64) { e.Scores.Lexical = score })

	results := make([]RankedExperience, 0, len(combined))
	for _, id := range order {
		results = append(results, *combined[id])
	}

	sort.SliceStable(results, func(i, j int) bool {
		if results[i].Scores.Fused == results[j].Scores.Fused {
			return results[i].Recency().After(results[j].Recency())
		}
		return results[i].Scores.Fused > results[j].Scores.Fused
	})
	return results
}
