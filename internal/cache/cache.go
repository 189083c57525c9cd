// Package cache provides the short-TTL key-value store used for loop
// suppression and job-state checkpoints.
//
// The store is a write-once, read-once coordination primitive. Writes are
// visible to reads as soon as Set returns. Unavailability is reported to the
// caller as an error so that a sync operation never proceeds blindly.
package cache

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// DefaultSuppressionTTL is how long a loop-suppression key lives when the
// configuration does not say otherwise.
const DefaultSuppressionTTL = 60 * time.Second

// ErrClosed is returned by operations on a closed store.
var ErrClosed = errors.New("cache store is closed")

// Store is the key-value contract. A missing key is reported as found=false
// with a nil error.
type Store interface {
	Get(ctx context.Context, key string) (value string, found bool, err error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Del(ctx context.Context, key string) error
}

// Consume reads key and, when present, deletes it. It reports whether the key
// was present. A failed delete is returned as an error: leaving the key would
// suppress a later legitimate event.
func Consume(ctx context.Context, s Store, key string) (bool, error) {
	_, found, err := s.Get(ctx, key)
	if err != nil {
		return false, fmt.Errorf("read %s: %w", key, err)
	}
	if !found {
		return false, nil
	}
	if err := s.Del(ctx, key); err != nil {
		return true, fmt.Errorf("delete %s: %w", key, err)
	}
	return true, nil
}

// Arm writes a suppression marker for key.
func Arm(ctx context.Context, s Store, key string, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = DefaultSuppressionTTL
	}
	if err := s.Set(ctx, key, "true", ttl); err != nil {
		return fmt.Errorf("arm %s: %w", key, err)
	}
	return nil
}
