package rendezvous

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/10yihang/cpid/internal/kvstore"
	"github.com/10yihang/cpid/internal/storetest"
	cerrors "github.com/10yihang/cpid/pkg/errors"
)

func newKVStore(t *testing.T, addr string) *KVStore {
	t.Helper()
	cfg := kvstore.DefaultConfig()
	cfg.Addr = addr
	client := kvstore.New(cfg, nil)
	t.Cleanup(func() { _ = client.Close() })
	return NewKVStore(client, "job:c10d:abc", nil)
}

// stores returns two handles onto the same backing store.
func stores(t *testing.T) map[string][2]Store {
	addr := storetest.Start(t)
	dir := t.TempDir()
	f1, err := NewFileStore(dir)
	require.NoError(t, err)
	f2, err := NewFileStore(dir)
	require.NoError(t, err)
	return map[string][2]Store{
		"kv":   {newKVStore(t, addr), newKVStore(t, addr)},
		"file": {f1, f2},
	}
}

func TestSetOnceAndGet(t *testing.T) {
	for name, pair := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			a, b := pair[0], pair[1]

			require.NoError(t, a.Set(ctx, "rank0", []byte("tcp://10.0.0.1:4000")))
			err := b.Set(ctx, "rank0", []byte("other"))
			assert.ErrorIs(t, err, cerrors.ErrKeyExists)

			val, err := b.Get(ctx, "rank0")
			require.NoError(t, err)
			assert.Equal(t, []byte("tcp://10.0.0.1:4000"), val)

			ok, err := b.Check(ctx, []string{"rank0", "rank1"})
			require.NoError(t, err)
			assert.False(t, ok)
		})
	}
}

func TestGetBlocksUntilSet(t *testing.T) {
	for name, pair := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			a, b := pair[0], pair[1]

			go func() {
				time.Sleep(50 * time.Millisecond)
				_ = a.Set(ctx, "late", []byte("v"))
			}()

			val, err := b.Get(ctx, "late")
			require.NoError(t, err)
			assert.Equal(t, []byte("v"), val)
		})
	}
}

func TestWaitTimeoutNamesKeys(t *testing.T) {
	for name, pair := range stores(t) {
		t.Run(name, func(t *testing.T) {
			s := pair[0]
			s.SetTimeout(50 * time.Millisecond)

			err := s.Wait(context.Background(), []string{"x", "y"})
			require.ErrorIs(t, err, cerrors.ErrWaitTimeout)
			assert.Contains(t, err.Error(), "x, y")
		})
	}
}

func TestCloseDeletesOwnKeys(t *testing.T) {
	for name, pair := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			a, b := pair[0], pair[1]

			require.NoError(t, a.Set(ctx, "mine", []byte("1")))
			require.NoError(t, b.Set(ctx, "theirs", []byte("2")))
			require.NoError(t, a.Close())

			ok, err := b.Check(ctx, []string{"mine"})
			require.NoError(t, err)
			assert.False(t, ok)
			ok, err = b.Check(ctx, []string{"theirs"})
			require.NoError(t, err)
			assert.True(t, ok)
		})
	}
}

func TestOpen(t *testing.T) {
	addr := storetest.Start(t)

	s, err := Open("store://"+addr+"/job", nil)
	require.NoError(t, err)
	require.NoError(t, s.Set(context.Background(), "k", []byte("v")))
	require.NoError(t, s.Close())

	f, err := Open("file:"+t.TempDir(), nil)
	require.NoError(t, err)
	assert.IsType(t, &FileStore{}, f)

	for _, bad := range []string{"tcp://host", "file:", "store://", ""} {
		_, err := Open(bad, nil)
		assert.ErrorIs(t, err, cerrors.ErrUnknownRendezvous, bad)
	}
}
