package queue

import (
	"context"
	"errors"
	"testing"

	"github.com/nats-io/nats.go"
)

// startTestNATS starts an embedded NATS server with JetStream and returns a
// connection to it.
func startTestNATS(t *testing.T) *nats.Conn {
	t.Helper()
	es, err := StartEmbedded(EmbeddedConfig{Port: -1, StoreDir: t.TempDir(), Token: "s3cret"})
	if err != nil {
		t.Fatalf("start embedded NATS: %v", err)
	}
	t.Cleanup(es.Shutdown)

	nc, err := es.Connect()
	if err != nil {
		t.Fatal(err)
	}
	return nc
}

func TestStartEmbedded_RequiresToken(t *testing.T) {
	es, err := StartEmbedded(EmbeddedConfig{Port: -1, StoreDir: t.TempDir(), Token: "s3cret"})
	if err != nil {
		t.Fatalf("start embedded NATS: %v", err)
	}
	t.Cleanup(es.Shutdown)

	if nc, err := nats.Connect(es.ClientURL()); err == nil {
		nc.Close()
		t.Fatal("connect without token should fail")
	}
}

func TestStartEmbedded_RequiresStoreDir(t *testing.T) {
	if _, err := StartEmbedded(EmbeddedConfig{Port: -1}); err == nil {
		t.Error("expected error without a store dir")
	}
}

func TestNATSQueue_PublishConsume(t *testing.T) {
	nc := startTestNATS(t)
	q, err := NewNATSQueue(nc, NATSConfig{Logger: quietLogger()})
	if err != nil {
		t.Fatalf("NewNATSQueue: %v", err)
	}
	defer q.Close()

	ctx := context.Background()
	first := mustMessage(t, KindGitLabIssue, map[string]int{"iid": 3})
	second := mustMessage(t, KindInternalComment, map[string]string{"id": "c1"})
	for _, msg := range []Message{first, second, first} {
		if err := q.Publish(ctx, msg); err != nil {
			t.Fatalf("Publish: %v", err)
		}
	}

	info, err := q.js.StreamInfo(StreamEvents)
	if err != nil {
		t.Fatalf("StreamInfo: %v", err)
	}
	// The repeated publish is deduplicated by message id.
	if info.State.LastSeq != 2 {
		t.Errorf("stream last sequence = %d, want 2", info.State.LastSeq)
	}

	got := collect(t, q, 2, func(context.Context, Message) error { return nil })
	if got[0].ID != first.ID || got[1].ID != second.ID {
		t.Errorf("delivered ids = %s, %s; want %s, %s", got[0].ID, got[1].ID, first.ID, second.ID)
	}
	if got[0].Kind != KindGitLabIssue || string(got[0].Payload) != `{"iid":3}` {
		t.Errorf("first delivery = %+v", got[0])
	}
	if got[0].Attempt != 1 {
		t.Errorf("attempt = %d, want 1", got[0].Attempt)
	}
}

func TestNATSQueue_Redelivers(t *testing.T) {
	nc := startTestNATS(t)
	q, err := NewNATSQueue(nc, NATSConfig{MaxAttempts: 2, Logger: quietLogger()})
	if err != nil {
		t.Fatalf("NewNATSQueue: %v", err)
	}
	defer q.Close()

	if err := q.Publish(context.Background(), mustMessage(t, KindGitLabNote, nil)); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	got := collect(t, q, 2, func(_ context.Context, msg Message) error {
		if msg.Attempt == 1 {
			return errors.New("upstream 503")
		}
		return nil
	})
	if got[0].ID != got[1].ID {
		t.Errorf("redelivery carried a different message")
	}
	if got[1].Attempt != 2 {
		t.Errorf("second attempt = %d, want 2", got[1].Attempt)
	}
}

func TestNATSQueue_Closed(t *testing.T) {
	nc := startTestNATS(t)
	q, err := NewNATSQueue(nc, NATSConfig{})
	if err != nil {
		t.Fatalf("NewNATSQueue: %v", err)
	}
	if err := q.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := q.Publish(context.Background(), mustMessage(t, KindGitLabNote, nil)); !errors.Is(err, ErrClosed) {
		t.Errorf("Publish after close = %v, want ErrClosed", err)
	}
}
