package citation

import (
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/WhoKnows1337/XPShareV10-sub007/internal/models"
)

// DefaultMaxDistance is the geographic distance at which relevance
// reaches zero.
const DefaultMaxDistance = 100.0

// defaultRelevance applies to tools with no recognized scoring scheme
// and to candidates carrying no metric at all.
const defaultRelevance = 0.9

// toolKind buckets a tool name for relevance scoring.
type toolKind int

const (
	kindOther toolKind = iota
	kindSemantic
	kindGeo
	kindLexical
	kindConfidence
)

func kindOf(toolName string) toolKind {
	name := strings.ToLower(toolName)
	switch {
	case strings.Contains(name, "geo") || strings.Contains(name, "location") || strings.Contains(name, "nearby"):
		return kindGeo
	case strings.Contains(name, "lexical") || strings.Contains(name, "keyword"):
		return kindLexical
	case strings.Contains(name, "connection") || strings.Contains(name, "pattern"):
		return kindConfidence
	case strings.Contains(name, "search") || strings.Contains(name, "similar") || strings.Contains(name, "semantic"):
		return kindSemantic
	default:
		return kindOther
	}
}

// relevance converts a candidate's raw metric into a [0,1] score using
// the scheme its tool reports in.
func relevance(c Candidate, maxDistance float64) float64 {
	if !c.hasMetric {
		return defaultRelevance
	}
	switch kindOf(c.ToolName) {
	case kindSemantic:
		return clamp01(c.metric)
	case kindGeo:
		if maxDistance <= 0 {
			maxDistance = DefaultMaxDistance
		}
		return max(0, 1-c.metric/maxDistance)
	case kindLexical:
		return min(1, c.metric/10)
	case kindConfidence:
		return clamp01(c.metric)
	default:
		return defaultRelevance
	}
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// Assign deduplicates candidates by experience id, scores them, and
// hands out 1-based indices. The first-seen candidate for an id wins,
// keeping its snippet, context, and relevance unmodified. The
// deduplicated set is sorted by relevance descending before indexing.
func Assign(messageID string, candidates []Candidate, maxDistance float64) []models.Citation {
	seen := make(map[string]struct{}, len(candidates))
	out := make([]models.Citation, 0, len(candidates))
	for _, c := range candidates {
		if c.ExperienceID == "" {
			continue
		}
		if _, dup := seen[c.ExperienceID]; dup {
			continue
		}
		seen[c.ExperienceID] = struct{}{}
		out = append(out, models.Citation{
			ID:            uuid.NewString(),
			MessageID:     messageID,
			ExperienceID:  c.ExperienceID,
			ToolName:      c.ToolName,
			Relevance:     relevance(c, maxDistance),
			Snippet:       c.Snippet,
			ContextBefore: c.ContextBefore,
			ContextAfter:  c.ContextAfter,
		})
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Relevance > out[j].Relevance
	})
	for i := range out {
		out[i].Index = i + 1
	}
	return out
}
