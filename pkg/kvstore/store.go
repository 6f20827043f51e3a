// Package kvstore persists per-channel collaboration state. The redis
// implementation shares state between server instances; the memory
// implementation serves single-node deployments and tests.
package kvstore

import (
	"context"
	"time"
)

// Store is a byte-valued key store with per-key TTL.
type Store interface {
	// Get returns the value and whether the key exists.
	Get(ctx context.Context, key string) ([]byte, bool, error)
	// Set stores value under key. ttl <= 0 means no expiry.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// Update atomically read-modify-writes key. fn receives the current
	// value (nil and false when the key is missing) and returns the
	// replacement. Concurrent updates of the same key serialize; none is
	// lost. An error from fn aborts the write.
	Update(ctx context.Context, key string, ttl time.Duration, fn func(old []byte, found bool) ([]byte, error)) error
	// Delete removes key; deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
	Close() error
}
