package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

const maxUpdateAttempts = 16

// Collection stores JSON-encoded records of type T under a key prefix.
type Collection[T any] struct {
	kv     KeyValueStore
	prefix string
	ttl    time.Duration
}

// NewCollection creates a typed view over kv. Every write refreshes ttl.
func NewCollection[T any](kv KeyValueStore, prefix string, ttl time.Duration) *Collection[T] {
	return &Collection[T]{kv: kv, prefix: prefix, ttl: ttl}
}

func (c *Collection[T]) key(id string) string {
	return c.prefix + id
}

// Get returns the record or ErrNotFound.
func (c *Collection[T]) Get(ctx context.Context, id string) (*T, error) {
	rec, _, err := c.getRaw(ctx, id)
	return rec, err
}

func (c *Collection[T]) getRaw(ctx context.Context, id string) (*T, []byte, error) {
	raw, err := c.kv.Get(ctx, c.key(id))
	if err != nil {
		return nil, nil, err
	}
	var rec T
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, nil, fmt.Errorf("decode %s%s: %w", c.prefix, id, err)
	}
	return &rec, raw, nil
}

// Put writes the record unconditionally.
func (c *Collection[T]) Put(ctx context.Context, id string, rec *T) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode %s%s: %w", c.prefix, id, err)
	}
	return c.kv.Put(ctx, c.key(id), raw, c.ttl)
}

// Create writes the record only if id is unused.
func (c *Collection[T]) Create(ctx context.Context, id string, rec *T) (bool, error) {
	raw, err := json.Marshal(rec)
	if err != nil {
		return false, fmt.Errorf("encode %s%s: %w", c.prefix, id, err)
	}
	return c.kv.PutIfAbsent(ctx, c.key(id), raw, c.ttl)
}

// Delete removes the record.
func (c *Collection[T]) Delete(ctx context.Context, id string) error {
	return c.kv.Delete(ctx, c.key(id))
}

// Update applies fn to the current record and writes the result with
// compare-and-swap, retrying from a fresh read when another writer won.
// If fn returns an error the record is left untouched and the error is returned.
func (c *Collection[T]) Update(ctx context.Context, id string, fn func(rec *T) error) (*T, error) {
	for attempt := 0; attempt < maxUpdateAttempts; attempt++ {
		rec, old, err := c.getRaw(ctx, id)
		if err != nil {
			return nil, err
		}
		if err := fn(rec); err != nil {
			return nil, err
		}
		next, err := json.Marshal(rec)
		if err != nil {
			return nil, fmt.Errorf("encode %s%s: %w", c.prefix, id, err)
		}
		swapped, err := c.kv.CompareAndSwap(ctx, c.key(id), old, next, c.ttl)
		if err != nil {
			return nil, err
		}
		if swapped {
			return rec, nil
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
	}
	return nil, ErrContention
}

// IsNotFound reports whether err means the record does not exist.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
