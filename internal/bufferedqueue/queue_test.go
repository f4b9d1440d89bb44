package bufferedqueue

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	cerrors "github.com/10yihang/cpid/pkg/errors"
)

type episode struct {
	ID     int
	Frames []float32
}

func newCodec(t *testing.T) *GobCodec[episode] {
	t.Helper()
	codec, err := NewGobCodec[episode]()
	require.NoError(t, err)
	return codec
}

func TestGobCodec(t *testing.T) {
	codec := newCodec(t)
	in := episode{ID: 7, Frames: make([]float32, 1000)}

	data, err := codec.Encode(in)
	require.NoError(t, err)
	assert.Less(t, len(data), 4000)

	out, err := codec.Decode(data)
	require.NoError(t, err)
	assert.Equal(t, in, out)

	_, err = codec.Decode([]byte("garbage"))
	assert.Error(t, err)
}

func TestVerdict(t *testing.T) {
	assert.Equal(t, Accepted, parseVerdict([]byte{1}))
	assert.Equal(t, Rejected, parseVerdict([]byte{2}))
	assert.Equal(t, Verdict(0), parseVerdict([]byte("confirm")))
	assert.Equal(t, "rejected", Rejected.String())
}

func newProducer(t *testing.T, queueSize int) *Producer[episode] {
	t.Helper()
	p, err := NewProducer[episode](newCodec(t), &ProducerConfig{
		Endpoint:  "tcp://127.0.0.1:0",
		Workers:   1,
		QueueSize: queueSize,
	}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close() })
	return p
}

func TestDeliversItems(t *testing.T) {
	p := newProducer(t, 16)
	c := NewConsumer[episode]([]string{p.Endpoint()}, newCodec(t), nil, nil)
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	for i := 0; i < 5; i++ {
		require.NoError(t, c.Enqueue(ctx, episode{ID: i, Frames: []float32{float32(i)}}))
	}
	require.NoError(t, c.Flush(ctx))

	got := map[int]bool{}
	for len(got) < 5 {
		e, err := p.Get(ctx)
		require.NoError(t, err)
		got[e.ID] = true
	}
}

func TestRejectedItemsAreRetried(t *testing.T) {
	p := newProducer(t, 2)
	c := NewConsumer[episode]([]string{p.Endpoint()}, newCodec(t), &ConsumerConfig{
		QueueSize:   8,
		MaxInFlight: 4,
	}, nil)
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	const n = 30
	var mu sync.Mutex
	got := map[int]int{}
	done := make(chan struct{})

	// Nobody reads until every item was enqueued or Enqueue blocked, so
	// the producer has to reject some of them.
	start := make(chan struct{})
	var startOnce sync.Once
	startReader := func() { startOnce.Do(func() { close(start) }) }
	go func() {
		defer close(done)
		<-start
		for {
			e, err := p.Get(ctx)
			if err != nil {
				return
			}
			mu.Lock()
			got[e.ID]++
			complete := len(got) == n
			mu.Unlock()
			if complete {
				return
			}
		}
	}()

	enqueued := make(chan error, 1)
	go func() {
		for i := 0; i < n; i++ {
			if err := c.Enqueue(ctx, episode{ID: i}); err != nil {
				enqueued <- err
				return
			}
		}
		enqueued <- nil
	}()

	select {
	case err := <-enqueued:
		require.NoError(t, err)
	case <-time.After(500 * time.Millisecond):
		startReader()
		require.NoError(t, <-enqueued)
	}
	startReader()
	require.NoError(t, c.Flush(ctx))

	select {
	case <-done:
	case <-ctx.Done():
		t.Fatal("not every item arrived")
	}
	mu.Lock()
	defer mu.Unlock()
	assert.Len(t, got, n)
}

func TestStoppedProducer(t *testing.T) {
	p := newProducer(t, 4)
	p.Stop()
	_, err := p.Get(context.Background())
	assert.ErrorIs(t, err, cerrors.ErrStopped)
}

func TestClosedConsumer(t *testing.T) {
	c := NewConsumer[episode](nil, newCodec(t), nil, nil)
	require.NoError(t, c.Close())
	assert.ErrorIs(t, c.Enqueue(context.Background(), episode{}), cerrors.ErrClosed)
}
