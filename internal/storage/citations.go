package storage

import (
	"context"
	"fmt"

	"github.com/WhoKnows1337/XPShareV10-sub007/internal/models"
)

// SaveCitations replaces the citations stored for a message with the given
// set. Recomputing a turn's citations renumbers them, so the previous rows
// for that message are dropped in the same transaction.
func (s *Store) SaveCitations(ctx context.Context, messageID string, citations []models.Citation) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning citation transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM citations WHERE message_id = ?`, messageID); err != nil {
		return fmt.Errorf("clearing citations for message %s: %w", messageID, err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO citations (id, message_id, experience_id, tool_name, citation_index, relevance, snippet, context_before, context_after)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("preparing citation insert: %w", err)
	}
	defer stmt.Close()

	for _, c := range citations {
		if _, err := stmt.ExecContext(ctx, c.ID, messageID, c.ExperienceID, c.ToolName,
			c.Index, c.Relevance, c.Snippet, c.ContextBefore, c.ContextAfter); err != nil {
			return fmt.Errorf("inserting citation %d for message %s: %w", c.Index, messageID, err)
		}
	}

	return tx.Commit()
}

// CitationsForMessage returns the citations stored for a message, ordered by
// citation index.
func (s *Store) CitationsForMessage(ctx context.Context, messageID string) ([]models.Citation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, message_id, experience_id, tool_name, citation_index, relevance, snippet, context_before, context_after
		FROM citations WHERE message_id = ? ORDER BY citation_index ASC`, messageID)
	if err != nil {
		return nil, fmt.Errorf("querying citations for message %s: %w", messageID, err)
	}
	defer rows.Close()

	var results []models.Citation
	for rows.Next() {
		var c models.Citation
		if err := rows.Scan(&c.ID, &c.MessageID, &c.ExperienceID, &c.ToolName,
			&c.Index, &c.Relevance, &c.Snippet, &c.ContextBefore, &c.ContextAfter); err != nil {
			return nil, fmt.Errorf("scanning citation: %w", err)
		}
		results = append(results, c)
	}
	return results, rows.Err()
}
