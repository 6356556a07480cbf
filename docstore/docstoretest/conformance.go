// Package docstoretest holds the behaviour every docstore.Store must share.
package docstoretest

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/coinshop/docstore"
)

type counter struct {
	N int `json:"n"`
}

// Run exercises store through the raw interface and through Collection.
// newStore must return an empty store.
func Run(t *testing.T, newStore func(t *testing.T) docstore.Store) {
	t.Run("AppendGet", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		d, err := s.Append(ctx, docstore.Users, "u-1", json.RawMessage(`{"n":1}`))
		require.NoError(t, err)
		assert.Equal(t, int64(1), d.Version)

		got, err := s.Get(ctx, docstore.Users, "u-1")
		require.NoError(t, err)
		assert.JSONEq(t, `{"n":1}`, string(got.Body))
		assert.Equal(t, int64(1), got.Version)

		_, err = s.Get(ctx, docstore.Users, "missing")
		assert.ErrorIs(t, err, docstore.ErrNotFound)

		// same id in another collection is a different document
		_, err = s.Get(ctx, docstore.Orders, "u-1")
		assert.ErrorIs(t, err, docstore.ErrNotFound)
	})

	t.Run("AppendRejectsDuplicateID", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		_, err := s.Append(ctx, docstore.Orders, "ORD-1", json.RawMessage(`{}`))
		require.NoError(t, err)
		_, err = s.Append(ctx, docstore.Orders, "ORD-1", json.RawMessage(`{}`))
		assert.ErrorIs(t, err, docstore.ErrDuplicateID)
	})

	t.Run("UpdateByIDChecksVersion", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		_, err := s.Append(ctx, docstore.Users, "u-1", json.RawMessage(`{"n":1}`))
		require.NoError(t, err)

		d, err := s.UpdateByID(ctx, docstore.Users, "u-1", 1, json.RawMessage(`{"n":2}`))
		require.NoError(t, err)
		assert.Equal(t, int64(2), d.Version)

		_, err = s.UpdateByID(ctx, docstore.Users, "u-1", 1, json.RawMessage(`{"n":3}`))
		assert.ErrorIs(t, err, docstore.ErrConcurrentModification)

		_, err = s.UpdateByID(ctx, docstore.Users, "ghost", 1, json.RawMessage(`{}`))
		assert.ErrorIs(t, err, docstore.ErrNotFound)

		got, err := s.Get(ctx, docstore.Users, "u-1")
		require.NoError(t, err)
		assert.JSONEq(t, `{"n":2}`, string(got.Body))
	})

	t.Run("ListOrdersByID", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		for _, id := range []string{"c", "a", "b"} {
			_, err := s.Append(ctx, docstore.Discounts, id, json.RawMessage(`{}`))
			require.NoError(t, err)
		}
		_, err := s.Append(ctx, docstore.Users, "z", json.RawMessage(`{}`))
		require.NoError(t, err)

		docs, err := s.List(ctx, docstore.Discounts)
		require.NoError(t, err)
		require.Len(t, docs, 3)
		assert.Equal(t, "a", docs[0].ID)
		assert.Equal(t, "c", docs[2].ID)
	})

	t.Run("MutateSerialisesWriters", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		c := docstore.NewCollection[counter](s, docstore.Users)
		require.NoError(t, c.Insert(ctx, "u-1", counter{}))

		var wg sync.WaitGroup
		var mu sync.Mutex
		applied := 0
		for i := 0; i < 5; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := c.Mutate(ctx, "u-1", func(v *counter) error {
					v.N++
					return nil
				})
				if err == nil {
					mu.Lock()
					applied++
					mu.Unlock()
				}
			}()
		}
		wg.Wait()

		got, _, err := c.Get(ctx, "u-1")
		require.NoError(t, err)
		assert.Equal(t, applied, got.N)
	})

	t.Run("MutateSkipWrite", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		c := docstore.NewCollection[counter](s, docstore.Users)
		require.NoError(t, c.Insert(ctx, "u-1", counter{N: 7}))

		v, err := c.Mutate(ctx, "u-1", func(v *counter) error { return docstore.ErrSkipWrite })
		require.NoError(t, err)
		assert.Equal(t, 7, v.N)

		_, version, err := c.Get(ctx, "u-1")
		require.NoError(t, err)
		assert.Equal(t, int64(1), version)
	})

	t.Run("UpsertCreatesThenMutates", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		c := docstore.NewCollection[counter](s, docstore.Rankings)
		inc := func(v *counter) error {
			v.N++
			return nil
		}

		v, err := c.Upsert(ctx, "u-1", counter{N: 10}, inc)
		require.NoError(t, err)
		assert.Equal(t, 11, v.N)

		v, err = c.Upsert(ctx, "u-1", counter{N: 10}, inc)
		require.NoError(t, err)
		assert.Equal(t, 12, v.N)
	})
}
