package models

import "time"

// QueuedMessage is an outgoing message buffered in the offline outbox.
// It is created when a send attempt fails or no connectivity exists, and
// destroyed on successful delivery or when RetryCount reaches the configured
// maximum.
type QueuedMessage struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	Role           string    `json:"role"`
	Content        string    `json:"content"`
	Attachments    []string  `json:"attachments,omitempty"`
	RetryCount     int       `json:"retry_count"`
	QueuedAt       time.Time `json:"queued_at"`
	LastAttemptAt  time.Time `json:"last_attempt_at,omitempty"`
}
