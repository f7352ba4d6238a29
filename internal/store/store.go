// Package store provides the key-value persistence used by the engine:
// checkout sessions, minted instruments, idempotency records and orders.
//
// Two backends implement KeyValueStore: an in-process map for single-node
// deployments and tests, and Redis for shared state. Both support an atomic
// compare-and-swap so that state transitions (reserving an instrument,
// completing a session) are conditional writes rather than read-then-write.
package store

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when a key is absent or expired.
	ErrNotFound = errors.New("store: key not found")

	// ErrContention is returned when an update kept losing compare-and-swap races.
	ErrContention = errors.New("store: too much contention")
)

// KeyValueStore is the storage contract. A ttl of zero means no expiry.
type KeyValueStore interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// PutIfAbsent writes value only if key does not exist and reports whether it did.
	PutIfAbsent(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)
	// CompareAndSwap replaces the value only if it still equals old.
	CompareAndSwap(ctx context.Context, key string, old, new []byte, ttl time.Duration) (bool, error)
	Delete(ctx context.Context, key string) error
	// Incr atomically increments an integer counter and returns the new value.
	Incr(ctx context.Context, key string) (int64, error)
}
