package models

// Citation attributes part of a generated answer to a specific experience.
// Indices are unique and sequential starting at 1 within one answer, assigned
// after deduplication by experience ID.
type Citation struct {
	ID            string  `json:"id"`
	MessageID     string  `json:"message_id"`
	ExperienceID  string  `json:"experience_id"`
	ToolName      string  `json:"tool_name"`
	Index         int     `json:"citation_index"`
	Relevance     float64 `json:"relevance_score"`
	Snippet       string  `json:"snippet"`
	ContextBefore string  `json:"context_before,omitempty"`
	ContextAfter  string  `json:"context_after,omitempty"`
}
