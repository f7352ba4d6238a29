// Package idempotency maps client-supplied idempotency keys to previously
// computed responses so retried requests replay instead of re-executing.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/itayshmool/ucp-engine/internal/store"
)

// ErrInFlight is returned when another request holds the key and has not finished.
var ErrInFlight = errors.New("idempotency: request with this key is in flight")

const (
	statusPending = "pending"
	statusDone    = "done"

	// pendingTTL bounds how long a crashed request can block its key.
	pendingTTL = time.Minute
)

// Record is a stored response snapshot.
type Record struct {
	Status      string          `json:"status"`
	Fingerprint string          `json:"fingerprint"`
	Response    json.RawMessage `json:"response,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
}

// Decode unmarshals the stored response into v.
func (r *Record) Decode(v any) error {
	return json.Unmarshal(r.Response, v)
}

// Cache stores records per scope ("mint", "complete") and key.
type Cache struct {
	kv  store.KeyValueStore
	ttl time.Duration
	now func() time.Time
}

// New creates a cache whose completed records live for ttl.
func New(kv store.KeyValueStore, ttl time.Duration) *Cache {
	return &Cache{kv: kv, ttl: ttl, now: time.Now}
}

func storageKey(scope, key string) string {
	return "idem:" + scope + ":" + key
}

// Begin claims key for a new execution. It returns a non-nil record when a
// completed response exists (the caller must replay it), ErrInFlight when
// another execution holds the key, and (nil, nil) when the caller now owns it.
func (c *Cache) Begin(ctx context.Context, scope, key, fingerprint string) (*Record, error) {
	pending, err := json.Marshal(Record{Status: statusPending, Fingerprint: fingerprint, CreatedAt: c.now()})
	if err != nil {
		return nil, err
	}

	for attempt := 0; attempt < 2; attempt++ {
		claimed, err := c.kv.PutIfAbsent(ctx, storageKey(scope, key), pending, pendingTTL)
		if err != nil {
			return nil, fmt.Errorf("claim idempotency key: %w", err)
		}
		if claimed {
			return nil, nil
		}

		raw, err := c.kv.Get(ctx, storageKey(scope, key))
		if store.IsNotFound(err) {
			// Expired between the two calls; try to claim again.
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("read idempotency key: %w", err)
		}

		var rec Record
		if err := json.Unmarshal(raw, &rec); err != nil {
			return nil, fmt.Errorf("decode idempotency record: %w", err)
		}
		if rec.Status != statusDone {
			return nil, ErrInFlight
		}
		return &rec, nil
	}
	return nil, ErrInFlight
}

// Complete stores the response for a key claimed with Begin.
func (c *Cache) Complete(ctx context.Context, scope, key, fingerprint string, response any) error {
	body, err := json.Marshal(response)
	if err != nil {
		return err
	}
	raw, err := json.Marshal(Record{
		Status:      statusDone,
		Fingerprint: fingerprint,
		Response:    body,
		CreatedAt:   c.now(),
	})
	if err != nil {
		return err
	}
	return c.kv.Put(ctx, storageKey(scope, key), raw, c.ttl)
}

// Abandon releases a claimed key after a failed execution so a retry
// re-validates from scratch.
func (c *Cache) Abandon(ctx context.Context, scope, key string) error {
	return c.kv.Delete(ctx, storageKey(scope, key))
}

// Fingerprint hashes a request so replays with different inputs can be detected.
func Fingerprint(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}
