package cache

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/redis/go-redis/v9"
)

const (
	defaultNamespace    = "trackbridge"
	defaultRetryTimeout = 5 * time.Second
)

// RedisOption is a functional option for configuring the Redis store.
type RedisOption func(*RedisStore)

// WithNamespace sets the key namespace prefix.
func WithNamespace(ns string) RedisOption {
	return func(s *RedisStore) {
		if ns != "" {
			s.namespace = ns
		}
	}
}

// WithRetryTimeout bounds how long transient failures are retried.
func WithRetryTimeout(d time.Duration) RedisOption {
	return func(s *RedisStore) {
		if d > 0 {
			s.retryTimeout = d
		}
	}
}

// RedisStore implements Store on Redis.
type RedisStore struct {
	client       redis.UniversalClient
	namespace    string
	retryTimeout time.Duration
	closed       atomic.Bool
}

// NewRedisStore connects to redisURL (e.g. "redis://localhost:6379/0") and
// verifies connectivity.
func NewRedisStore(redisURL string, opts ...RedisOption) (*RedisStore, error) {
	redisOpts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}

	s := NewRedisStoreFromClient(redis.NewClient(redisOpts), opts...)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.client.Ping(ctx).Err(); err != nil {
		_ = s.client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return s, nil
}

// NewRedisStoreFromClient wraps an existing client. Connectivity is not checked.
func NewRedisStoreFromClient(client redis.UniversalClient, opts ...RedisOption) *RedisStore {
	s := &RedisStore{
		client:       client,
		namespace:    defaultNamespace,
		retryTimeout: defaultRetryTimeout,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *RedisStore) key(k string) string {
	return s.namespace + ":" + k
}

// Get returns the value for key. redis.Nil is a miss, not an error, and is
// never retried.
func (s *RedisStore) Get(ctx context.Context, key string) (string, bool, error) {
	if s.closed.Load() {
		return "", false, ErrClosed
	}

	var (
		value string
		found bool
	)
	err := s.withRetry(ctx, func() error {
		v, err := s.client.Get(ctx, s.key(key)).Result()
		if errors.Is(err, redis.Nil) {
			found = false
			return nil
		}
		if err != nil {
			return err
		}
		value, found = v, true
		return nil
	})
	if err != nil {
		return "", false, fmt.Errorf("redis get: %w", err)
	}
	return value, found, nil
}

// Set writes key with a TTL. A zero TTL keeps the key until deleted.
func (s *RedisStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if s.closed.Load() {
		return ErrClosed
	}
	err := s.withRetry(ctx, func() error {
		return s.client.Set(ctx, s.key(key), value, ttl).Err()
	})
	if err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

// Del removes key. Deleting a missing key succeeds.
func (s *RedisStore) Del(ctx context.Context, key string) error {
	if s.closed.Load() {
		return ErrClosed
	}
	err := s.withRetry(ctx, func() error {
		return s.client.Del(ctx, s.key(key)).Err()
	})
	if err != nil {
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}

// TTL returns the remaining lifetime of key.
func (s *RedisStore) TTL(ctx context.Context, key string) (time.Duration, error) {
	d, err := s.client.TTL(ctx, s.key(key)).Result()
	if err != nil {
		return 0, fmt.Errorf("redis ttl: %w", err)
	}
	return d, nil
}

// Ping checks connectivity.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close releases the underlying client.
func (s *RedisStore) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	return s.client.Close()
}

func (s *RedisStore) withRetry(ctx context.Context, op func() error) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 50 * time.Millisecond
	bo.MaxInterval = time.Second
	bo.MaxElapsedTime = s.retryTimeout

	return backoff.Retry(func() error {
		err := op()
		if err != nil && isTransient(err) {
			return err
		}
		if err != nil {
			return backoff.Permanent(err)
		}
		return nil
	}, backoff.WithContext(bo, ctx))
}

// isTransient returns true for connectivity errors that may clear up within
// the retry window.
func isTransient(err error) bool {
	if err == nil || errors.Is(err, redis.Nil) {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	errStr := strings.ToLower(err.Error())
	for _, s := range []string{
		"connection refused",
		"connection reset",
		"broken pipe",
		"i/o timeout",
		"loading redis is loading",
		"tryagain",
		"pool timeout",
	} {
		if strings.Contains(errStr, s) {
			return true
		}
	}
	return false
}
