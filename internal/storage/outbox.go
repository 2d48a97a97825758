package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/WhoKnows1337/XPShareV10-sub007/internal/models"
)

// AppendOutbox inserts a queued message at the tail of the outbox.
func (s *Store) AppendOutbox(ctx context.Context, m models.QueuedMessage) error {
	attachments, err := json.Marshal(m.Attachments)
	if err != nil {
		return fmt.Errorf("encoding attachments: %w", err)
	}
	if m.Attachments == nil {
		attachments = []byte("[]")
	}

	queuedAt := m.QueuedAt
	if queuedAt.IsZero() {
		queuedAt = time.Now().UTC()
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO outbox_messages (id, conversation_id, role, content, attachments, retry_count, queued_at, last_attempt_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.ConversationID, m.Role, m.Content, string(attachments),
		m.RetryCount, formatTime(queuedAt), formatTime(m.LastAttemptAt),
	)
	if err != nil {
		return fmt.Errorf("appending outbox message %s: %w", m.ID, err)
	}
	return nil
}

// RemoveOutbox deletes a queued message by ID. Returns ErrNotFound if no row
// matches.
func (s *Store) RemoveOutbox(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM outbox_messages WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("removing outbox message %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateOutbox persists a message's retry state after a failed attempt.
func (s *Store) UpdateOutbox(ctx context.Context, m models.QueuedMessage) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE outbox_messages SET retry_count = ?, last_attempt_at = ? WHERE id = ?`,
		m.RetryCount, formatTime(m.LastAttemptAt), m.ID,
	)
	if err != nil {
		return fmt.Errorf("updating outbox message %s: %w", m.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListOutbox returns all queued messages in insertion order.
func (s *Store) ListOutbox(ctx context.Context) ([]models.QueuedMessage, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, conversation_id, role, content, attachments, retry_count, queued_at, last_attempt_at
		FROM outbox_messages ORDER BY queued_at ASC, rowid ASC`)
	if err != nil {
		return nil, fmt.Errorf("listing outbox: %w", err)
	}
	defer rows.Close()

	var results []models.QueuedMessage
	for rows.Next() {
		var m models.QueuedMessage
		var attachments, queuedAt, lastAttemptAt string
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.Role, &m.Content,
			&attachments, &m.RetryCount, &queuedAt, &lastAttemptAt); err != nil {
			return nil, fmt.Errorf("scanning outbox message: %w", err)
		}
		if err := json.Unmarshal([]byte(attachments), &m.Attachments); err != nil {
			return nil, fmt.Errorf("decoding attachments for %s: %w", m.ID, err)
		}
		if m.QueuedAt, err = parseTime(queuedAt); err != nil {
			return nil, fmt.Errorf("parsing queued_at for %s: %w", m.ID, err)
		}
		if m.LastAttemptAt, err = parseTime(lastAttemptAt); err != nil {
			return nil, fmt.Errorf("parsing last_attempt_at for %s: %w", m.ID, err)
		}
		results = append(results, m)
	}
	return results, rows.Err()
}

// CountOutbox returns the number of queued messages.
func (s *Store) CountOutbox(ctx context.Context) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM outbox_messages").Scan(&count)
	return count, err
}
