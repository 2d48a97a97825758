package citation

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/WhoKnows1337/XPShareV10-sub007/internal/models"
)

// Storage persists the final citation set for a message. Rewriting the
// same message's citations replaces the previous set, so recomputing a
// turn renumbers rather than duplicates.
type Storage interface {
	SaveCitations(ctx context.Context, messageID string, citations []models.Citation) error
	CitationsForMessage(ctx context.Context, messageID string) ([]models.Citation, error)
}

// ToolOutput pairs one tool invocation's name with its decoded output.
type ToolOutput struct {
	Tool    string
	Payload any
}

// Tracker extracts, scores, and persists citations for conversation
// turns.
type Tracker struct {
	storage     Storage
	maxDistance float64
	logger      *slog.Logger
}

func NewTracker(storage Storage) *Tracker {
	return &Tracker{
		storage:     storage,
		maxDistance: DefaultMaxDistance,
		logger:      slog.Default().With("component", "citations"),
	}
}

// Record processes every tool output from one answer turn and persists
// the resulting citations against messageID. Unrecognized payloads
// contribute nothing; a storage failure is the only error path.
func (t *Tracker) Record(ctx context.Context, messageID string, outputs []ToolOutput) ([]models.Citation, error) {
	var candidates []Candidate
	for _, out := range outputs {
		extracted := Extract(out.Tool, out.Payload)
		if len(extracted) == 0 {
			t.logger.Debug("no citations in tool output", "tool", out.Tool)
			continue
		}
		candidates = append(candidates, extracted...)
	}

	citations := Assign(messageID, candidates, t.maxDistance)
	if len(citations) == 0 {
		return nil, nil
	}

	if err := t.storage.SaveCitations(ctx, messageID, citations); err != nil {
		return nil, fmt.Errorf("saving citations for message %s: %w", messageID, err)
	}
	t.logger.Info("citations recorded", "message_id", messageID, "count", len(citations))
	return citations, nil
}

// ForMessage returns the persisted citations of one message in index
// order.
func (t *Tracker) ForMessage(ctx context.Context, messageID string) ([]models.Citation, error) {
	return t.storage.CitationsForMessage(ctx, messageID)
}
