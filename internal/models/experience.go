package models

import "time"

// Experience is a submitted narrative record. The core engine only reads
// experiences; creation and editing happen elsewhere.
type Experience struct {
	ID         string            `json:"id"`
	Title      string            `json:"title"`
	Body       string            `json:"body"`
	Category   string            `json:"category"`
	Embedding  []float32         `json:"-"`
	Tags       []string          `json:"tags,omitempty"`
	Attributes map[string]string `json:"attributes,omitempty"`
	Location   string            `json:"location,omitempty"`
	HasWitness bool              `json:"has_witness"`
	OccurredAt time.Time         `json:"occurred_at"`
	CreatedAt  time.Time         `json:"created_at"`
}

// Recency returns the timestamp used for tie-breaking in ranked results:
// the occurrence time when set, otherwise the creation time.
func (e Experience) Recency() time.Time {
	if !e.OccurredAt.IsZero() {
		return e.OccurredAt
	}
	return e.CreatedAt
}

// ScoredExperience is an Experience with a similarity or lexical match score.
type ScoredExperience struct {
	Experience
	Score float64 `json:"score"`
}
