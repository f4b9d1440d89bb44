package badger

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/10yihang/cpid/internal/engine"
)

func createTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := NewStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestStore_PutGet(t *testing.T) {
	store := createTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, "ckpt/step-1", []byte("state"), 0))

	entry, err := store.Get(ctx, "ckpt/step-1")
	require.NoError(t, err)
	assert.Equal(t, "ckpt/step-1", entry.Key)
	assert.Equal(t, []byte("state"), entry.Value)
	assert.True(t, entry.ExpireAt.IsZero())

	_, err = store.Get(ctx, "ckpt/missing")
	assert.ErrorIs(t, err, engine.ErrKeyNotFound)
}

func TestStore_Expiry(t *testing.T) {
	store := createTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, "short", []byte("x"), 50*time.Millisecond))
	assert.Eventually(t, func() bool {
		_, err := store.Get(ctx, "short")
		return err == engine.ErrKeyNotFound
	}, 3*time.Second, 20*time.Millisecond)
}

func TestStore_KeysAndDel(t *testing.T) {
	store := createTestStore(t)
	ctx := context.Background()

	for _, k := range []string{"a/2", "a/1", "b/1"} {
		require.NoError(t, store.Put(ctx, k, []byte(k), 0))
	}

	keys, err := store.Keys(ctx, "a/")
	require.NoError(t, err)
	assert.Equal(t, []string{"a/1", "a/2"}, keys)

	n, err := store.Del(ctx, "a/1", "a/missing")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	keys, err = store.Keys(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, []string{"a/2", "b/1"}, keys)
}
