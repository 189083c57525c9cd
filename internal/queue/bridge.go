package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/steveyegge/trackbridge/internal/syncer"
)

// EventHandler processes decoded events. *syncer.Syncer implements it.
type EventHandler interface {
	HandleInternalIssue(ctx context.Context, ev syncer.InternalIssueEvent) error
	HandleInternalComment(ctx context.Context, ev syncer.InternalCommentEvent) error
	HandleGitLabIssue(ctx context.Context, ev syncer.GitLabIssueEvent) error
	HandleGitLabNote(ctx context.Context, ev syncer.GitLabNoteEvent) error
}

// Producer validates events and publishes them. It satisfies the webhook
// server's handler contract, so the server answers as soon as an event is
// stored.
type Producer struct {
	q   Queue
	now func() time.Time
}

// NewProducer returns a producer publishing to q.
func NewProducer(q Queue) *Producer {
	return &Producer{q: q, now: time.Now}
}

func (p *Producer) HandleInternalIssue(ctx context.Context, ev syncer.InternalIssueEvent) error {
	if err := ev.Validate(); err != nil {
		return err
	}
	return p.publish(ctx, KindInternalIssue, ev)
}

func (p *Producer) HandleInternalComment(ctx context.Context, ev syncer.InternalCommentEvent) error {
	if err := ev.Validate(); err != nil {
		return err
	}
	return p.publish(ctx, KindInternalComment, ev)
}

func (p *Producer) HandleGitLabIssue(ctx context.Context, ev syncer.GitLabIssueEvent) error {
	if err := ev.Validate(); err != nil {
		return err
	}
	return p.publish(ctx, KindGitLabIssue, ev)
}

func (p *Producer) HandleGitLabNote(ctx context.Context, ev syncer.GitLabNoteEvent) error {
	if err := ev.Validate(); err != nil {
		return err
	}
	return p.publish(ctx, KindGitLabNote, ev)
}

func (p *Producer) publish(ctx context.Context, kind Kind, ev any) error {
	msg, err := NewMessage(kind, ev, p.now())
	if err != nil {
		return err
	}
	return p.q.Publish(ctx, msg)
}

// Consumer feeds queued events to an EventHandler.
type Consumer struct {
	q       Queue
	handler EventHandler
	logger  *slog.Logger
}

// NewConsumer returns a consumer reading q.
func NewConsumer(q Queue, handler EventHandler, logger *slog.Logger) *Consumer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Consumer{q: q, handler: handler, logger: logger}
}

// Run consumes until ctx is done.
func (c *Consumer) Run(ctx context.Context) error {
	return c.q.Consume(ctx, c.Dispatch)
}

// Dispatch decodes msg and calls the matching handler method. Messages that
// cannot be decoded or fail validation are dropped; other handler errors
// are redelivered.
func (c *Consumer) Dispatch(ctx context.Context, msg Message) error {
	log := c.logger.With("message_id", msg.ID, "kind", msg.Kind, "attempt", msg.Attempt)
	var err error
	switch msg.Kind {
	case KindInternalIssue:
		var ev syncer.InternalIssueEvent
		if err = decode(msg, &ev); err == nil {
			err = c.handler.HandleInternalIssue(ctx, ev)
		}
	case KindInternalComment:
		var ev syncer.InternalCommentEvent
		if err = decode(msg, &ev); err == nil {
			err = c.handler.HandleInternalComment(ctx, ev)
		}
	case KindGitLabIssue:
		var ev syncer.GitLabIssueEvent
		if err = decode(msg, &ev); err == nil {
			err = c.handler.HandleGitLabIssue(ctx, ev)
		}
	case KindGitLabNote:
		var ev syncer.GitLabNoteEvent
		if err = decode(msg, &ev); err == nil {
			err = c.handler.HandleGitLabNote(ctx, ev)
		}
	default:
		err = Permanent(fmt.Errorf("unknown message kind %q", msg.Kind))
	}
	switch {
	case err == nil:
	case IsPermanent(err), errors.Is(err, syncer.ErrInvalidEvent), errors.Is(err, errUndecodable):
		log.Warn("message rejected", "error", err)
		return Permanent(err)
	default:
		return err
	}
	log.Debug("message processed", "queued_for", time.Since(msg.EnqueuedAt))
	return nil
}

var errUndecodable = errors.New("undecodable payload")

func decode(msg Message, into any) error {
	if err := json.Unmarshal(msg.Payload, into); err != nil {
		return fmt.Errorf("%w: %s: %v", errUndecodable, msg.Kind, err)
	}
	return nil
}
