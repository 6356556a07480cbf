package memory_test

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/coinshop/docstore"
	"github.com/warp/coinshop/docstore/docstoretest"
	"github.com/warp/coinshop/docstore/memory"
)

func TestMemoryStore(t *testing.T) {
	docstoretest.Run(t, func(*testing.T) docstore.Store { return memory.New() })
}

func TestFault_LimitedTimes(t *testing.T) {
	m := memory.New()
	ctx := context.Background()
	_, err := m.Append(ctx, docstore.Users, "u-1", json.RawMessage(`{}`))
	require.NoError(t, err)

	f := m.Inject(memory.Fault{Collection: docstore.Users, Op: memory.OpGet, Err: docstore.ErrUnavailable, Times: 2})

	_, err = m.Get(ctx, docstore.Users, "u-1")
	assert.ErrorIs(t, err, docstore.ErrUnavailable)
	_, err = m.Get(ctx, docstore.Users, "u-1")
	assert.ErrorIs(t, err, docstore.ErrUnavailable)
	_, err = m.Get(ctx, docstore.Users, "u-1")
	assert.NoError(t, err)
	assert.Equal(t, 2, f.Hits())

	// other collections and ops are untouched
	_, err = m.List(ctx, docstore.Orders)
	assert.NoError(t, err)
}

func TestFault_ClearFaults(t *testing.T) {
	m := memory.New()
	m.Inject(memory.Fault{Err: docstore.ErrUnavailable})

	_, err := m.List(context.Background(), docstore.Orders)
	assert.ErrorIs(t, err, docstore.ErrUnavailable)

	m.ClearFaults()
	_, err = m.List(context.Background(), docstore.Orders)
	assert.NoError(t, err)
}

func TestMutate_GivesUpUnderConstantContention(t *testing.T) {
	m := memory.New()
	ctx := context.Background()
	c := docstore.NewCollection[map[string]int](m, docstore.Users)
	require.NoError(t, c.Insert(ctx, "u-1", map[string]int{"n": 0}))

	// every update loses the race to a competing writer
	competing := false
	m.Inject(memory.Fault{Collection: docstore.Users, Op: memory.OpUpdate, Before: func() {
		if competing {
			return
		}
		competing = true
		defer func() { competing = false }()
		d, err := m.Get(ctx, docstore.Users, "u-1")
		require.NoError(t, err)
		_, err = m.UpdateByID(ctx, docstore.Users, "u-1", d.Version, d.Body)
		require.NoError(t, err)
	}})

	_, err := c.Mutate(ctx, "u-1", func(v *map[string]int) error {
		(*v)["n"]++
		return nil
	})
	assert.ErrorIs(t, err, docstore.ErrConcurrentModification)
}
