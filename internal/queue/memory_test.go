package queue

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func mustMessage(t *testing.T, kind Kind, payload any) Message {
	t.Helper()
	msg, err := NewMessage(kind, payload, time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("NewMessage: %v", err)
	}
	return msg
}

// collect consumes q until want messages were handled or the timeout
// passes.
func collect(t *testing.T, q Queue, want int, fn HandlerFunc) []Message {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var (
		mu  sync.Mutex
		got []Message
	)
	done := make(chan struct{})
	go func() {
		_ = q.Consume(ctx, func(ctx context.Context, msg Message) error {
			mu.Lock()
			got = append(got, msg)
			n := len(got)
			mu.Unlock()
			err := fn(ctx, msg)
			if n == want {
				close(done)
			}
			return err
		})
	}()
	select {
	case <-done:
	case <-ctx.Done():
		mu.Lock()
		n := len(got)
		mu.Unlock()
		t.Fatalf("timed out after %d of %d deliveries", n, want)
	}
	cancel()
	mu.Lock()
	defer mu.Unlock()
	return append([]Message(nil), got...)
}

func TestNewMessage(t *testing.T) {
	msg := mustMessage(t, KindGitLabNote, map[string]int{"id": 7})
	if msg.ID == "" {
		t.Error("message id is empty")
	}
	if string(msg.Payload) != `{"id":7}` {
		t.Errorf("payload = %s", msg.Payload)
	}
	other := mustMessage(t, KindGitLabNote, nil)
	if other.ID == msg.ID {
		t.Error("message ids must be unique")
	}

	if _, err := NewMessage(Kind("push"), nil, time.Now()); err == nil {
		t.Error("expected error for unknown kind")
	}
}

func TestMemoryQueue_Delivers(t *testing.T) {
	q := NewMemoryQueue(8, WithMemoryLogger(quietLogger()))
	defer q.Close()

	ctx := context.Background()
	for _, kind := range []Kind{KindInternalIssue, KindGitLabIssue, KindGitLabNote} {
		if err := q.Publish(ctx, mustMessage(t, kind, nil)); err != nil {
			t.Fatalf("Publish: %v", err)
		}
	}
	if q.Len() != 3 {
		t.Fatalf("Len = %d, want 3", q.Len())
	}

	got := collect(t, q, 3, func(context.Context, Message) error { return nil })
	want := []Kind{KindInternalIssue, KindGitLabIssue, KindGitLabNote}
	for i, msg := range got {
		if msg.Kind != want[i] {
			t.Errorf("delivery %d kind = %s, want %s", i, msg.Kind, want[i])
		}
		if msg.Attempt != 1 {
			t.Errorf("delivery %d attempt = %d, want 1", i, msg.Attempt)
		}
	}
}

func TestMemoryQueue_Redelivers(t *testing.T) {
	q := NewMemoryQueue(8, WithMaxAttempts(3), WithMemoryLogger(quietLogger()))
	defer q.Close()

	if err := q.Publish(context.Background(), mustMessage(t, KindGitLabIssue, nil)); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	got := collect(t, q, 3, func(context.Context, Message) error { return errors.New("upstream 503") })

	for i, msg := range got {
		if msg.Attempt != i+1 {
			t.Errorf("delivery %d attempt = %d, want %d", i, msg.Attempt, i+1)
		}
	}
	// Give a would-be fourth delivery a chance to show up.
	time.Sleep(20 * time.Millisecond)
	if q.Len() != 0 {
		t.Errorf("Len = %d after max attempts, want 0", q.Len())
	}
}

func TestMemoryQueue_PermanentIsDropped(t *testing.T) {
	q := NewMemoryQueue(8, WithMemoryLogger(quietLogger()))
	defer q.Close()

	ctx := context.Background()
	_ = q.Publish(ctx, mustMessage(t, KindGitLabIssue, nil))
	_ = q.Publish(ctx, mustMessage(t, KindGitLabNote, nil))

	got := collect(t, q, 2, func(_ context.Context, msg Message) error {
		if msg.Kind == KindGitLabIssue {
			return Permanent(errors.New("bad payload"))
		}
		return nil
	})
	if got[0].Kind != KindGitLabIssue || got[1].Kind != KindGitLabNote {
		t.Errorf("deliveries = %v, %v", got[0].Kind, got[1].Kind)
	}
}

func TestMemoryQueue_Close(t *testing.T) {
	q := NewMemoryQueue(1)
	if err := q.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	_ = q.Close()

	if err := q.Publish(context.Background(), mustMessage(t, KindGitLabNote, nil)); !errors.Is(err, ErrClosed) {
		t.Errorf("Publish after close = %v, want ErrClosed", err)
	}
	err := q.Consume(context.Background(), func(context.Context, Message) error { return nil })
	if !errors.Is(err, ErrClosed) {
		t.Errorf("Consume after close = %v, want ErrClosed", err)
	}
}

func TestMemoryQueue_PublishHonoursContext(t *testing.T) {
	q := NewMemoryQueue(1)
	defer q.Close()

	_ = q.Publish(context.Background(), mustMessage(t, KindGitLabNote, nil))
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if err := q.Publish(ctx, mustMessage(t, KindGitLabNote, nil)); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Publish on full queue = %v, want deadline exceeded", err)
	}
}

func TestPermanent(t *testing.T) {
	base := errors.New("boom")
	if Permanent(nil) != nil {
		t.Error("Permanent(nil) should be nil")
	}
	err := Permanent(base)
	if !IsPermanent(err) || !errors.Is(err, base) {
		t.Errorf("Permanent(%v) lost its cause or mark", base)
	}
	if IsPermanent(base) {
		t.Error("plain error reported permanent")
	}
}
