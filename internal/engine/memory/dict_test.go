package memory

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDict_BasicOperations(t *testing.T) {
	d := NewDict(16)

	d.Set("key1", []byte("value1"), 0)
	entry, ok := d.Get("key1")
	require.True(t, ok)
	assert.Equal(t, []byte("value1"), entry.Value)

	assert.Equal(t, int64(1), d.Del("key1"))
	_, ok = d.Get("key1")
	assert.False(t, ok)
}

func TestDict_SetNXSetXX(t *testing.T) {
	d := NewDict(16)

	assert.False(t, d.SetXX("key1", []byte("v0"), 0))
	assert.True(t, d.SetNX("key1", []byte("v1"), 0))
	assert.False(t, d.SetNX("key1", []byte("v2"), 0))
	assert.True(t, d.SetXX("key1", []byte("v3"), 0))

	entry, _ := d.Get("key1")
	assert.Equal(t, []byte("v3"), entry.Value)
}

func TestDict_Expiry(t *testing.T) {
	d := NewDict(16)

	d.Set("key1", []byte("v"), 20*time.Millisecond)
	ttl, ok := d.TTL("key1")
	require.True(t, ok)
	assert.Greater(t, ttl, time.Duration(0))

	time.Sleep(40 * time.Millisecond)
	_, ok = d.Get("key1")
	assert.False(t, ok)
	assert.True(t, d.SetNX("key1", []byte("again"), 0))
}

func TestDict_UpdateDeletesOnNil(t *testing.T) {
	d := NewDict(16)
	d.Set("key1", []byte("v"), 0)

	err := d.Update("key1", func(old *Entry) (*Entry, error) {
		require.NotNil(t, old)
		return nil, nil
	})
	require.NoError(t, err)
	assert.Equal(t, int64(0), d.Exists("key1"))
}

func TestDict_ConcurrentAccess(t *testing.T) {
	d := NewDict(16)
	var wg sync.WaitGroup

	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				key := fmt.Sprintf("k%d-%d", n, j)
				d.Set(key, []byte("v"), 0)
				d.Get(key)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int64(1600), d.Len())
}
