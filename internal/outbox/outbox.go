// Package outbox queues messages durably while the transport is down
// and drains them once connectivity returns.
package outbox

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/WhoKnows1337/XPShareV10-sub007/internal/models"
)

// Storage is the durable backing for queued messages.
type Storage interface {
	AppendOutbox(ctx context.Context, m models.QueuedMessage) error
	RemoveOutbox(ctx context.Context, id string) error
	UpdateOutbox(ctx context.Context, m models.QueuedMessage) error
	ListOutbox(ctx context.Context) ([]models.QueuedMessage, error)
	CountOutbox(ctx context.Context) (int, error)
}

// SendFunc delivers one message. The outbox owns retry policy; the
// function should make a single attempt.
type SendFunc func(ctx context.Context, m models.QueuedMessage) error

const (
	defaultMaxRetries = 3
	defaultBaseDelay  = 2 * time.Second
)

// Config tunes the retry policy. The zero value picks defaults.
type Config struct {
	// MaxRetries is the retry count at which a message is dropped and
	// recorded as failed.
	MaxRetries int
	// BaseDelay seeds the exponential backoff between attempts on the
	// same message.
	BaseDelay time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxRetries <= 0 {
		c.MaxRetries = defaultMaxRetries
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = defaultBaseDelay
	}
	return c
}

// SyncResult aggregates one sync pass.
type SyncResult struct {
	Success int `json:"success"`
	Failed  int `json:"failed"`
}

// Outbox is the single logical owner of its queue. Sync is guarded
// against reentrancy so two concurrent passes cannot double-send.
type Outbox struct {
	storage Storage
	cfg     Config
	logger  *slog.Logger
	syncing atomic.Bool

	// now is swapped in tests.
	now func() time.Time
}

func New(storage Storage, cfg Config) *Outbox {
	return &Outbox{
		storage: storage,
		cfg:     cfg.withDefaults(),
		logger:  slog.Default().With("component", "outbox"),
		now:     time.Now,
	}
}

// Enqueue appends a message with a fresh retry count. Storage errors
// are logged, not returned; a message the queue cannot hold is lost the
// same way an undelivered one would be.
func (o *Outbox) Enqueue(ctx context.Context, m models.QueuedMessage) string {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	m.RetryCount = 0
	if m.QueuedAt.IsZero() {
		m.QueuedAt = o.now().UTC()
	}
	if err := o.storage.AppendOutbox(ctx, m); err != nil {
		o.logger.Error("enqueue failed", "message_id", m.ID, "error", err)
		return ""
	}
	o.logger.Info("message queued", "message_id", m.ID, "conversation_id", m.ConversationID)
	return m.ID
}

// Dequeue removes a message by id. Missing ids and storage errors are
// logged and swallowed.
func (o *Outbox) Dequeue(ctx context.Context, id string) {
	if err := o.storage.RemoveOutbox(ctx, id); err != nil {
		o.logger.Warn("dequeue failed", "message_id", id, "error", err)
	}
}

// Pending returns the current queue depth.
func (o *Outbox) Pending(ctx context.Context) int {
	n, err := o.storage.CountOutbox(ctx)
	if err != nil {
		o.logger.Warn("counting outbox failed", "error", err)
		return 0
	}
	return n
}

// Sync attempts delivery of every queued message once, in insertion
// order. A message whose previous attempt failed is skipped until its
// backoff window has elapsed; it stays queued for a later pass. A
// message reaching the retry limit is dropped and counted as failed.
// A reentrant call returns immediately with zero counts.
func (o *Outbox) Sync(ctx context.Context, send SendFunc) SyncResult {
	if !o.syncing.CompareAndSwap(false, true) {
		o.logger.Debug("sync already in flight")
		return SyncResult{}
	}
	defer o.syncing.Store(false)

	messages, err := o.storage.ListOutbox(ctx)
	if err != nil {
		o.logger.Error("listing outbox failed", "error", err)
		return SyncResult{}
	}

	var result SyncResult
	for _, m := range messages {
		if ctx.Err() != nil {
			break
		}
		if !o.eligible(m) {
			continue
		}

		err := send(ctx, m)
		if err == nil {
			o.Dequeue(ctx, m.ID)
			result.Success++
			continue
		}
		o.logger.Warn("delivery failed", "message_id", m.ID, "retry_count", m.RetryCount, "error", err)

		m.RetryCount++
		m.LastAttemptAt = o.now().UTC()
		if m.RetryCount >= o.cfg.MaxRetries {
			o.logger.Error("message dropped after max retries", "message_id", m.ID, "retries", m.RetryCount)
			o.Dequeue(ctx, m.ID)
			result.Failed++
			continue
		}
		if err := o.storage.UpdateOutbox(ctx, m); err != nil {
			o.logger.Warn("updating retry state failed", "message_id", m.ID, "error", err)
		}
	}

	o.logger.Info("sync complete", "success", result.Success, "failed", result.Failed)
	return result
}

// eligible reports whether a message's backoff window has elapsed.
// Never-attempted messages are always eligible.
func (o *Outbox) eligible(m models.QueuedMessage) bool {
	if m.RetryCount == 0 || m.LastAttemptAt.IsZero() {
		return true
	}
	shift := m.RetryCount - 1
	if shift > 16 {
		shift = 16
	}
	wait := o.cfg.BaseDelay << shift
	return o.now().Sub(m.LastAttemptAt) >= wait
}

// AutoSync drains the queue whenever online signals a reconnect, once
// per event and only when the queue is non-empty. It blocks until ctx
// is done or online closes.
func (o *Outbox) AutoSync(ctx context.Context, online <-chan struct{}, send SendFunc) {
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-online:
			if !ok {
				return
			}
			if o.Pending(ctx) == 0 {
				continue
			}
			o.logger.Info("connectivity restored, draining outbox")
			o.Sync(ctx, send)
		}
	}
}
