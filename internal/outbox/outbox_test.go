package outbox

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/WhoKnows1337/XPShareV10-sub007/internal/models"
)

// memStorage is an in-memory Storage for tests.
type memStorage struct {
	mu       sync.Mutex
	messages []models.QueuedMessage

	appendErr error
}

func (s *memStorage) AppendOutbox(_ context.Context, m models.QueuedMessage) error {
	if s.appendErr != nil {
		return s.appendErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = append(s.messages, m)
	return nil
}

func (s *memStorage) RemoveOutbox(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, m := range s.messages {
		if m.ID == id {
			s.messages = append(s.messages[:i], s.messages[i+1:]...)
			return nil
		}
	}
	return errors.New("not found")
}

func (s *memStorage) UpdateOutbox(_ context.Context, m models.QueuedMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.messages {
		if s.messages[i].ID == m.ID {
			s.messages[i].RetryCount = m.RetryCount
			s.messages[i].LastAttemptAt = m.LastAttemptAt
			return nil
		}
	}
	return errors.New("not found")
}

func (s *memStorage) ListOutbox(_ context.Context) ([]models.QueuedMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.QueuedMessage, len(s.messages))
	copy(out, s.messages)
	return out, nil
}

func (s *memStorage) CountOutbox(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.messages), nil
}

func newTestOutbox(storage Storage, now *time.Time) *Outbox {
	o := New(storage, Config{BaseDelay: time.Second})
	o.now = func() time.Time { return *now }
	return o
}

func TestSync_DeliversInInsertionOrder(t *testing.T) {
	storage := &memStorage{}
	now := time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC)
	o := newTestOutbox(storage, &now)

	ctx := context.Background()
	for _, content := range []string{"first", "second", "third"} {
		o.Enqueue(ctx, models.QueuedMessage{ConversationID: "c1", Role: "user", Content: content})
	}

	var delivered []string
	result := o.Sync(ctx, func(_ context.Context, m models.QueuedMessage) error {
		delivered = append(delivered, m.Content)
		return nil
	})
	if result.Success != 3 || result.Failed != 0 {
		t.Fatalf("result = %+v, want 3 successes", result)
	}
	if len(delivered) != 3 || delivered[0] != "first" || delivered[2] != "third" {
		t.Errorf("delivery order = %v", delivered)
	}
	if o.Pending(ctx) != 0 {
		t.Errorf("pending = %d after full drain", o.Pending(ctx))
	}
}

func TestSync_FailureIncrementsRetryAndKeepsMessage(t *testing.T) {
	storage := &memStorage{}
	now := time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC)
	o := newTestOutbox(storage, &now)

	ctx := context.Background()
	o.Enqueue(ctx, models.QueuedMessage{Content: "flaky"})

	result := o.Sync(ctx, func(_ context.Context, _ models.QueuedMessage) error {
		return errors.New("offline")
	})
	if result.Success != 0 || result.Failed != 0 {
		t.Fatalf("result = %+v, want neither success nor terminal failure", result)
	}
	msgs, _ := storage.ListOutbox(ctx)
	if len(msgs) != 1 || msgs[0].RetryCount != 1 {
		t.Fatalf("messages = %+v, want one with retryCount 1", msgs)
	}
	if !msgs[0].LastAttemptAt.Equal(now) {
		t.Errorf("lastAttemptAt = %v, want %v", msgs[0].LastAttemptAt, now)
	}
}

func TestSync_BackoffSkipsUntilWindowElapses(t *testing.T) {
	storage := &memStorage{}
	now := time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC)
	o := newTestOutbox(storage, &now)

	ctx := context.Background()
	o.Enqueue(ctx, models.QueuedMessage{Content: "m"})

	attempts := 0
	fail := func(_ context.Context, _ models.QueuedMessage) error {
		attempts++
		return errors.New("offline")
	}

	o.Sync(ctx, fail) // retryCount 1, backoff 1s
	o.Sync(ctx, fail) // within window, skipped
	if attempts != 1 {
		t.Fatalf("attempts = %d, want backoff to skip the second pass", attempts)
	}

	now = now.Add(time.Second)
	o.Sync(ctx, fail) // retryCount 2, backoff now 2s
	if attempts != 2 {
		t.Fatalf("attempts = %d after window elapsed", attempts)
	}

	now = now.Add(time.Second)
	o.Sync(ctx, fail) // only 1s into a 2s window
	if attempts != 2 {
		t.Fatalf("attempts = %d, want doubled backoff to skip", attempts)
	}
}

// A message failing at the retry limit is dropped and counted as
// failed, not retried forever.
func TestSync_DropsAfterMaxRetries(t *testing.T) {
	storage := &memStorage{}
	now := time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC)
	o := newTestOutbox(storage, &now)

	ctx := context.Background()
	o.Enqueue(ctx, models.QueuedMessage{Content: "doomed"})

	fail := func(_ context.Context, _ models.QueuedMessage) error {
		return errors.New("offline")
	}

	var last SyncResult
	for i := 0; i < 3; i++ {
		last = o.Sync(ctx, fail)
		now = now.Add(time.Minute)
	}
	if last.Failed != 1 {
		t.Fatalf("final pass = %+v, want one terminal failure", last)
	}
	if o.Pending(ctx) != 0 {
		t.Errorf("pending = %d, want dropped message gone", o.Pending(ctx))
	}
}

func TestSync_ReentrantCallIsANoOp(t *testing.T) {
	storage := &memStorage{}
	now := time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC)
	o := newTestOutbox(storage, &now)

	ctx := context.Background()
	o.Enqueue(ctx, models.QueuedMessage{Content: "m"})

	inner := SyncResult{Success: -1}
	o.Sync(ctx, func(_ context.Context, _ models.QueuedMessage) error {
		inner = o.Sync(ctx, func(_ context.Context, _ models.QueuedMessage) error { return nil })
		return nil
	})
	if inner.Success != 0 || inner.Failed != 0 {
		t.Errorf("nested sync = %+v, want zero counts", inner)
	}
}

func TestEnqueue_SwallowsStorageErrors(t *testing.T) {
	storage := &memStorage{appendErr: errors.New("disk full")}
	now := time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC)
	o := newTestOutbox(storage, &now)

	if id := o.Enqueue(context.Background(), models.QueuedMessage{Content: "m"}); id != "" {
		t.Errorf("id = %q, want empty on storage failure", id)
	}
}

func TestAutoSync_DrainsOncePerReconnect(t *testing.T) {
	storage := &memStorage{}
	now := time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC)
	o := newTestOutbox(storage, &now)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	o.Enqueue(ctx, models.QueuedMessage{Content: "queued while offline"})

	delivered := make(chan string, 1)
	online := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		o.AutoSync(ctx, online, func(_ context.Context, m models.QueuedMessage) error {
			delivered <- m.Content
			return nil
		})
	}()

	online <- struct{}{}
	select {
	case got := <-delivered:
		if got != "queued while offline" {
			t.Errorf("delivered %q", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("reconnect did not trigger sync")
	}

	// Queue is empty now; another reconnect must not call send.
	online <- struct{}{}
	close(online)
	<-done
	select {
	case got := <-delivered:
		t.Errorf("unexpected delivery %q on empty queue", got)
	default:
	}
}
