package store

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedisStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisStore(client, "test:"), mr
}

func backends(t *testing.T) map[string]KeyValueStore {
	rs, _ := newTestRedisStore(t)
	return map[string]KeyValueStore{
		"memory": NewMemoryStore(),
		"redis":  rs,
	}
}

func TestKeyValueStore_Contract(t *testing.T) {
	for name, kv := range backends(t) {
		kv := kv
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			_, err := kv.Get(ctx, "missing")
			assert.ErrorIs(t, err, ErrNotFound)

			require.NoError(t, kv.Put(ctx, "a", []byte("1"), 0))
			got, err := kv.Get(ctx, "a")
			require.NoError(t, err)
			assert.Equal(t, []byte("1"), got)

			ok, err := kv.PutIfAbsent(ctx, "a", []byte("2"), 0)
			require.NoError(t, err)
			assert.False(t, ok)

			ok, err = kv.PutIfAbsent(ctx, "b", []byte("2"), 0)
			require.NoError(t, err)
			assert.True(t, ok)

			swapped, err := kv.CompareAndSwap(ctx, "a", []byte("stale"), []byte("3"), 0)
			require.NoError(t, err)
			assert.False(t, swapped)

			swapped, err = kv.CompareAndSwap(ctx, "a", []byte("1"), []byte("3"), 0)
			require.NoError(t, err)
			assert.True(t, swapped)

			_, err = kv.CompareAndSwap(ctx, "nope", []byte("1"), []byte("3"), 0)
			assert.ErrorIs(t, err, ErrNotFound)

			n, err := kv.Incr(ctx, "counter")
			require.NoError(t, err)
			assert.Equal(t, int64(1), n)
			n, err = kv.Incr(ctx, "counter")
			require.NoError(t, err)
			assert.Equal(t, int64(2), n)

			require.NoError(t, kv.Delete(ctx, "a"))
			_, err = kv.Get(ctx, "a")
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestMemoryStore_ExpiryAndSweep(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	s := NewMemoryStore().WithClock(func() time.Time { return now })
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, "short", []byte("x"), time.Minute))
	require.NoError(t, s.Put(ctx, "forever", []byte("y"), 0))

	now = now.Add(2 * time.Minute)

	_, err := s.Get(ctx, "short")
	assert.ErrorIs(t, err, ErrNotFound)

	ok, err := s.PutIfAbsent(ctx, "short", []byte("z"), time.Minute)
	require.NoError(t, err)
	assert.True(t, ok, "expired key should be reusable")

	now = now.Add(2 * time.Minute)
	assert.Equal(t, 1, s.Sweep())
	assert.Equal(t, 1, s.Len())
}

func TestRedisStore_TTL(t *testing.T) {
	rs, mr := newTestRedisStore(t)
	ctx := context.Background()

	require.NoError(t, rs.Put(ctx, "k", []byte("v"), time.Second))
	mr.FastForward(2 * time.Second)

	_, err := rs.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrNotFound)
}

type widget struct {
	ID    string `json:"id"`
	Count int    `json:"count"`
}

func TestCollection_UpdateIsAtomic(t *testing.T) {
	for name, kv := range backends(t) {
		kv := kv
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			c := NewCollection[widget](kv, "widget:", 0)

			created, err := c.Create(ctx, "w1", &widget{ID: "w1"})
			require.NoError(t, err)
			require.True(t, created)

			var wg sync.WaitGroup
			for i := 0; i < 8; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					for {
						_, err := c.Update(ctx, "w1", func(w *widget) error {
							w.Count++
							return nil
						})
						if err != ErrContention {
							assert.NoError(t, err)
							return
						}
					}
				}()
			}
			wg.Wait()

			got, err := c.Get(ctx, "w1")
			require.NoError(t, err)
			assert.Equal(t, 8, got.Count)
		})
	}
}

func TestCollection_UpdateAbortsOnError(t *testing.T) {
	ctx := context.Background()
	c := NewCollection[widget](NewMemoryStore(), "widget:", 0)
	require.NoError(t, c.Put(ctx, "w1", &widget{ID: "w1", Count: 1}))

	boom := assert.AnError
	_, err := c.Update(ctx, "w1", func(w *widget) error {
		w.Count = 99
		return boom
	})
	assert.ErrorIs(t, err, boom)

	got, err := c.Get(ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, 1, got.Count)

	_, err = c.Update(ctx, "missing", func(*widget) error { return nil })
	assert.True(t, IsNotFound(err))
}

type countingSweepable struct{ calls int }

func (c *countingSweepable) Sweep() int {
	c.calls++
	return 0
}

func TestSweeper_RunOnce(t *testing.T) {
	target := &countingSweepable{}
	s, err := NewSweeper(target, "@every 1h", discardLogger())
	require.NoError(t, err)

	s.RunOnce()
	assert.Equal(t, 1, target.calls)

	_, err = NewSweeper(target, "not a schedule", discardLogger())
	assert.Error(t, err)
}

func discardLogger() logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}
