package retrieval

import (
	"strings"
	"time"

	"github.com/WhoKnows1337/XPShareV10-sub007/internal/models"
)

// Filters narrows the candidate set before ranking. All conditions are
// AND-ed together; within one attribute's allowed value set the match is OR.
// Records failing any condition are excluded from both ranking signals.
type Filters struct {
	Category     string              `json:"category,omitempty"`
	IncludeTags  []string            `json:"include_tags,omitempty"`
	ExcludeTags  []string            `json:"exclude_tags,omitempty"`
	IncludeAttrs map[string][]string `json:"include_attrs,omitempty"`
	ExcludeAttrs map[string][]string `json:"exclude_attrs,omitempty"`
	OccurredFrom time.Time           `json:"occurred_from,omitempty"`
	OccurredTo   time.Time           `json:"occurred_to,omitempty"`
	Location     string              `json:"location,omitempty"` // substring match
	HasWitness   *bool               `json:"has_witness,omitempty"`
}

// Matches reports whether the experience passes every filter condition.
func (f Filters) Matches(e models.Experience) bool {
	if f.Category != "" && e.Category != f.Category {
		return false
	}

	for _, tag := range f.IncludeTags {
		if !containsString(e.Tags, tag) {
			return false
		}
	}
	for _, tag := range f.ExcludeTags {
		if containsString(e.Tags, tag) {
			return false
		}
	}

	// AND across distinct attributes, OR within one attribute's value set.
	for attr, allowed := range f.IncludeAttrs {
		if len(allowed) == 0 {
			continue
		}
		value, ok := e.Attributes[attr]
		if !ok || !containsString(allowed, value) {
			return false
		}
	}
	for attr, denied := range f.ExcludeAttrs {
		if value, ok := e.Attributes[attr]; ok && containsString(denied, value) {
			return false
		}
	}

	if !f.OccurredFrom.IsZero() && e.OccurredAt.Before(f.OccurredFrom) {
		return false
	}
	if !f.OccurredTo.IsZero() && e.OccurredAt.After(f.OccurredTo) {
		return false
	}

	if f.Location != "" && !strings.Contains(strings.ToLower(e.Location), strings.ToLower(f.Location)) {
		return false
	}

	if f.HasWitness != nil && e.HasWitness != *f.HasWitness {
		return false
	}

	return true
}

// IsZero reports whether no filter condition is set.
func (f Filters) IsZero() bool {
	return f.Category == "" &&
		len(f.IncludeTags) == 0 && len(f.ExcludeTags) == 0 &&
		len(f.IncludeAttrs) == 0 && len(f.ExcludeAttrs) == 0 &&
		f.OccurredFrom.IsZero() && f.OccurredTo.IsZero() &&
		f.Location == "" && f.HasWitness == nil
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// apply returns only the experiences passing the filters, preserving order.
func (f Filters) apply(list []models.ScoredExperience) []models.ScoredExperience {
	if f.IsZero() {
		return list
	}
	filtered := make([]models.ScoredExperience, 0, len(list))
	for _, e := range list {
		if f.Matches(e.Experience) {
			filtered = append(filtered, e)
		}
	}
	return filtered
}
