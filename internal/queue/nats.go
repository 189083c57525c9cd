package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
)

const (
	// StreamEvents is the JetStream stream holding webhook events.
	StreamEvents = "TRACKBRIDGE_EVENTS"

	// SubjectPrefix is the subject prefix of all queued events.
	SubjectPrefix = "trackbridge.events."

	// DefaultDurable is the durable consumer name shared by all replicas.
	DefaultDurable = "trackbridge-sync"

	fetchBatch = 16
	fetchWait  = 2 * time.Second
)

// SubjectFor returns the subject of a message kind, e.g.
// trackbridge.events.gitlab.note.
func SubjectFor(kind Kind) string {
	return SubjectPrefix + string(kind)
}

// EnsureStream creates the events stream if it does not exist yet.
func EnsureStream(js nats.JetStreamContext) error {
	if _, err := js.StreamInfo(StreamEvents); err == nil {
		return nil
	}
	_, err := js.AddStream(&nats.StreamConfig{
		Name:      StreamEvents,
		Subjects:  []string{SubjectPrefix + ">"},
		Storage:   nats.FileStorage,
		Retention: nats.WorkQueuePolicy,
		MaxMsgs:   100000,
		MaxBytes:  256 << 20,
		MaxAge:    24 * time.Hour,
	})
	if err != nil {
		return fmt.Errorf("create %s stream: %w", StreamEvents, err)
	}
	return nil
}

// NATSConfig configures a NATSQueue.
type NATSConfig struct {
	URL   string
	Token string
	// Durable is the consumer name. Replicas sharing it split the work.
	Durable     string
	MaxAttempts int
	// AckWait is how long a message may be processed before redelivery.
	AckWait time.Duration
	Logger  *slog.Logger
}

// NATSQueue is a Queue on a JetStream work-queue stream.
type NATSQueue struct {
	nc     *nats.Conn
	js     nats.JetStreamContext
	cfg    NATSConfig
	logger *slog.Logger

	mu     sync.Mutex
	closed bool
}

// DialNATS connects to cfg.URL and ensures the events stream.
func DialNATS(cfg NATSConfig) (*NATSQueue, error) {
	opts := []nats.Option{nats.Name("trackbridge")}
	if cfg.Token != "" {
		opts = append(opts, nats.Token(cfg.Token))
	}
	nc, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS %s: %w", cfg.URL, err)
	}
	q, err := NewNATSQueue(nc, cfg)
	if err != nil {
		nc.Close()
		return nil, err
	}
	return q, nil
}

// NewNATSQueue wraps an existing connection. Close closes nc.
func NewNATSQueue(nc *nats.Conn, cfg NATSConfig) (*NATSQueue, error) {
	if cfg.Durable == "" {
		cfg.Durable = DefaultDurable
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.AckWait <= 0 {
		cfg.AckWait = 30 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	js, err := nc.JetStream()
	if err != nil {
		return nil, fmt.Errorf("get JetStream context: %w", err)
	}
	if err := EnsureStream(js); err != nil {
		return nil, err
	}
	return &NATSQueue{nc: nc, js: js, cfg: cfg, logger: cfg.Logger}, nil
}

// Publish stores msg in the stream. The message id doubles as the JetStream
// dedup id, so a retried publish is stored once.
func (q *NATSQueue) Publish(ctx context.Context, msg Message) error {
	if q.isClosed() {
		return ErrClosed
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode message %s: %w", msg.ID, err)
	}
	if _, err := q.js.Publish(SubjectFor(msg.Kind), data, nats.MsgId(msg.ID), nats.Context(ctx)); err != nil {
		return fmt.Errorf("publish %s: %w", msg.Kind, err)
	}
	return nil
}

// Consume pulls batches from the durable consumer until ctx is done.
func (q *NATSQueue) Consume(ctx context.Context, fn HandlerFunc) error {
	sub, err := q.js.PullSubscribe(SubjectPrefix+">", q.cfg.Durable,
		nats.BindStream(StreamEvents),
		nats.AckExplicit(),
		nats.AckWait(q.cfg.AckWait),
		nats.MaxDeliver(q.cfg.MaxAttempts),
	)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", q.cfg.Durable, err)
	}
	defer func() { _ = sub.Unsubscribe() }()

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if q.isClosed() {
			return ErrClosed
		}

		fetchCtx, cancel := context.WithTimeout(ctx, fetchWait)
		msgs, err := sub.Fetch(fetchBatch, nats.Context(fetchCtx))
		cancel()
		switch {
		case err == nil:
		case errors.Is(err, context.DeadlineExceeded), errors.Is(err, nats.ErrTimeout):
			continue
		case ctx.Err() != nil:
			return ctx.Err()
		case errors.Is(err, nats.ErrConnectionClosed), errors.Is(err, nats.ErrBadSubscription):
			return ErrClosed
		default:
			return fmt.Errorf("fetch: %w", err)
		}

		for _, m := range msgs {
			q.deliver(ctx, m, fn)
		}
	}
}

func (q *NATSQueue) deliver(ctx context.Context, m *nats.Msg, fn HandlerFunc) {
	var msg Message
	if err := json.Unmarshal(m.Data, &msg); err != nil {
		q.logger.Warn("dropping undecodable message", "subject", m.Subject, "error", err)
		_ = m.Term()
		return
	}
	msg.Attempt = 1
	if meta, err := m.Metadata(); err == nil {
		msg.Attempt = int(meta.NumDelivered)
	}

	err := fn(ctx, msg)
	switch {
	case err == nil:
		if aerr := m.AckSync(); aerr != nil {
			q.logger.Warn("ack failed", "id", msg.ID, "error", aerr)
		}
	case IsPermanent(err) || msg.Attempt >= q.cfg.MaxAttempts:
		q.logger.Warn("dropping message", "id", msg.ID, "kind", msg.Kind, "attempt", msg.Attempt, "error", err)
		_ = m.Term()
	default:
		_ = m.NakWithDelay(time.Duration(msg.Attempt) * time.Second)
	}
}

func (q *NATSQueue) isClosed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

// Close drains the connection.
func (q *NATSQueue) Close() error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	q.mu.Unlock()
	return q.nc.Drain()
}
