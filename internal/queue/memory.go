package queue

import (
	"context"
	"log/slog"
	"sync"
)

// DefaultMaxAttempts bounds redeliveries of a failing message.
const DefaultMaxAttempts = 3

// MemoryQueue is an in-process queue backed by a buffered channel.
// Messages are lost on restart.
type MemoryQueue struct {
	ch          chan Message
	done        chan struct{}
	closeOnce   sync.Once
	maxAttempts int
	logger      *slog.Logger
}

// MemoryOption configures a MemoryQueue.
type MemoryOption func(*MemoryQueue)

// WithMaxAttempts sets how many times a failing message is delivered.
func WithMaxAttempts(n int) MemoryOption {
	return func(q *MemoryQueue) {
		if n > 0 {
			q.maxAttempts = n
		}
	}
}

// WithMemoryLogger sets the logger used for dropped messages.
func WithMemoryLogger(l *slog.Logger) MemoryOption {
	return func(q *MemoryQueue) {
		if l != nil {
			q.logger = l
		}
	}
}

// NewMemoryQueue returns a queue holding up to size undelivered messages.
func NewMemoryQueue(size int, opts ...MemoryOption) *MemoryQueue {
	if size <= 0 {
		size = 1024
	}
	q := &MemoryQueue{
		ch:          make(chan Message, size),
		done:        make(chan struct{}),
		maxAttempts: DefaultMaxAttempts,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Publish enqueues msg, blocking while the buffer is full.
func (q *MemoryQueue) Publish(ctx context.Context, msg Message) error {
	if msg.Attempt == 0 {
		msg.Attempt = 1
	}
	select {
	case <-q.done:
		return ErrClosed
	default:
	}
	select {
	case q.ch <- msg:
		return nil
	case <-q.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Consume delivers messages to fn. Several consumers may share one queue;
// each message goes to exactly one of them.
func (q *MemoryQueue) Consume(ctx context.Context, fn HandlerFunc) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-q.done:
			return ErrClosed
		case msg := <-q.ch:
			err := fn(ctx, msg)
			if err == nil {
				continue
			}
			if IsPermanent(err) || msg.Attempt >= q.maxAttempts {
				q.logger.Warn("dropping message", "id", msg.ID, "kind", msg.Kind, "attempt", msg.Attempt, "error", err)
				continue
			}
			msg.Attempt++
			select {
			case q.ch <- msg:
			default:
				// A consumer must not block on its own queue.
				q.logger.Warn("requeue failed, queue full", "id", msg.ID, "kind", msg.Kind, "error", err)
			}
		}
	}
}

// Len returns the number of undelivered messages.
func (q *MemoryQueue) Len() int {
	return len(q.ch)
}

// Close stops all consumers. Undelivered messages are discarded.
func (q *MemoryQueue) Close() error {
	q.closeOnce.Do(func() { close(q.done) })
	return nil
}
