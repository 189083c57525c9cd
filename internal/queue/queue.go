// Package queue decouples webhook receipt from sync processing.
//
// The producer side implements the webhook handler contract: it validates
// an event, wraps it in a Message and publishes it. Consumers pull messages
// and hand the decoded event to the syncer. Two transports exist: an
// in-process channel queue for single-binary deployments and tests, and a
// NATS JetStream queue that survives restarts and spreads work across
// replicas.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ErrClosed is returned by a closed queue.
var ErrClosed = errors.New("queue closed")

// Kind names the event a message carries.
type Kind string

// Message kinds.
const (
	KindInternalIssue   Kind = "internal.issue"
	KindInternalComment Kind = "internal.comment"
	KindGitLabIssue     Kind = "gitlab.issue"
	KindGitLabNote      Kind = "gitlab.note"
)

// IsValid reports whether k is a known kind.
func (k Kind) IsValid() bool {
	switch k {
	case KindInternalIssue, KindInternalComment, KindGitLabIssue, KindGitLabNote:
		return true
	}
	return false
}

// Message is one queued event.
type Message struct {
	ID         string          `json:"id"`
	Kind       Kind            `json:"kind"`
	Payload    json.RawMessage `json:"payload"`
	EnqueuedAt time.Time       `json:"enqueued_at"`
	// Attempt starts at 1 and grows with every redelivery.
	Attempt int `json:"-"`
}

// NewMessage encodes payload into a message with a fresh id.
func NewMessage(kind Kind, payload any, now time.Time) (Message, error) {
	if !kind.IsValid() {
		return Message{}, fmt.Errorf("unknown message kind %q", kind)
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return Message{}, fmt.Errorf("encode %s payload: %w", kind, err)
	}
	return Message{
		ID:         uuid.NewString(),
		Kind:       kind,
		Payload:    data,
		EnqueuedAt: now.UTC(),
	}, nil
}

// HandlerFunc processes one message. A nil return acknowledges it. A
// non-nil return asks for redelivery unless the error is marked with
// Permanent.
type HandlerFunc func(ctx context.Context, msg Message) error

// Queue is a message transport.
type Queue interface {
	Publish(ctx context.Context, msg Message) error
	// Consume delivers messages to fn until ctx is done or the queue is
	// closed.
	Consume(ctx context.Context, fn HandlerFunc) error
	Close() error
}

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err so that the message is dropped instead of redelivered.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}
