package reqrep

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	cerrors "github.com/10yihang/cpid/pkg/errors"
)

func echo(_ context.Context, req []byte, reply ReplyFunc) {
	reply(req)
}

func newServer(t *testing.T, h Handler, workers int) *Server {
	t.Helper()
	s, err := NewServer(h, &ServerConfig{Endpoint: "tcp://127.0.0.1:0", Workers: workers}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func newClient(t *testing.T, endpoints []string, cfg *ClientConfig) *Client {
	t.Helper()
	c := NewClient(endpoints, cfg, nil)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func waitCtx(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestEcho(t *testing.T) {
	s1 := newServer(t, echo, 2)
	s2 := newServer(t, echo, 1)
	assert.NotEqual(t, s1.Endpoint(), s2.Endpoint())

	c := newClient(t, []string{s1.Endpoint(), s2.Endpoint()}, nil)
	ctx := waitCtx(t)

	futures := make([]*Future, 20)
	for i := range futures {
		futures[i] = c.Request([]byte(fmt.Sprintf("msg-%d", i)))
	}
	for i, f := range futures {
		rep, err := f.Wait(ctx)
		require.NoError(t, err)
		assert.Equal(t, fmt.Sprintf("msg-%d", i), string(rep))
	}
	require.NoError(t, c.WaitForReplies(ctx))
	assert.Equal(t, 0, c.Backlog())
}

func TestSlowServerIsRetried(t *testing.T) {
	var calls, received atomic.Int64
	slow := func(_ context.Context, req []byte, reply ReplyFunc) {
		received.Add(int64(len(req)))
		if calls.Add(1) == 1 {
			time.Sleep(300 * time.Millisecond)
		}
		reply(req)
	}
	s := newServer(t, slow, 2)
	c := newClient(t, []string{s.Endpoint()}, &ClientConfig{ReplyTimeout: 100 * time.Millisecond})
	ctx := waitCtx(t)

	var sent int64
	futures := make([]*Future, 5)
	for i := range futures {
		msg := []byte(fmt.Sprintf("payload-%d", i))
		sent += int64(len(msg))
		futures[i] = c.Request(msg)
	}
	for i, f := range futures {
		rep, err := f.Wait(ctx)
		require.NoError(t, err)
		assert.Equal(t, fmt.Sprintf("payload-%d", i), string(rep))
	}
	assert.GreaterOrEqual(t, received.Load(), sent)
	assert.Greater(t, calls.Load(), int64(5))
}

func TestMaxRetriesAndMissingReply(t *testing.T) {
	silent := func(context.Context, []byte, ReplyFunc) {}
	s := newServer(t, silent, 1)
	c := newClient(t, []string{s.Endpoint()}, &ClientConfig{ReplyTimeout: 50 * time.Millisecond, MaxRetries: 2})
	ctx := waitCtx(t)

	_, err := c.Request([]byte("x")).Wait(ctx)
	assert.ErrorIs(t, err, cerrors.ErrMaxRetries)

	select {
	case err := <-s.Err():
		assert.ErrorIs(t, err, cerrors.ErrReplyNotSent)
	case <-ctx.Done():
		t.Fatal("no contract violation reported")
	}
}

func TestMissingReplyStopsWorker(t *testing.T) {
	// dropOnce leaves the first "drop" request unanswered.
	dropOnce := func() Handler {
		var dropped atomic.Bool
		return func(_ context.Context, req []byte, reply ReplyFunc) {
			if string(req) == "drop" && dropped.CompareAndSwap(false, true) {
				return
			}
			reply(req)
		}
	}

	t.Run("remaining worker serves", func(t *testing.T) {
		s := newServer(t, dropOnce(), 2)
		c := newClient(t, []string{s.Endpoint()}, &ClientConfig{ReplyTimeout: 200 * time.Millisecond, MaxRetries: 3})
		ctx := waitCtx(t)

		rep, err := c.Request([]byte("drop")).Wait(ctx)
		require.NoError(t, err)
		assert.Equal(t, "drop", string(rep))
		select {
		case err := <-s.Err():
			assert.ErrorIs(t, err, cerrors.ErrReplyNotSent)
		case <-ctx.Done():
			t.Fatal("no contract violation reported")
		}

		rep, err = c.Request([]byte("still here")).Wait(ctx)
		require.NoError(t, err)
		assert.Equal(t, "still here", string(rep))
	})

	t.Run("last worker stops", func(t *testing.T) {
		s := newServer(t, dropOnce(), 1)
		c := newClient(t, []string{s.Endpoint()}, &ClientConfig{ReplyTimeout: 100 * time.Millisecond, MaxRetries: 1})
		ctx := waitCtx(t)

		_, err := c.Request([]byte("drop")).Wait(ctx)
		assert.ErrorIs(t, err, cerrors.ErrMaxRetries)
		select {
		case <-s.Err():
		case <-ctx.Done():
			t.Fatal("no contract violation reported")
		}

		_, err = c.Request([]byte("unanswered")).Wait(ctx)
		assert.ErrorIs(t, err, cerrors.ErrMaxRetries)
	})
}

func TestBacklogOverflowAndEndpointUpdate(t *testing.T) {
	c := newClient(t, nil, &ClientConfig{MaxBacklog: 2})
	ctx := waitCtx(t)

	first := c.Request([]byte("a"))
	second := c.Request([]byte("b"))
	third := c.Request([]byte("c"))

	_, err := first.Wait(ctx)
	assert.ErrorIs(t, err, cerrors.ErrBacklogOverflow)
	require.Eventually(t, func() bool { return c.Backlog() == 2 }, 2*time.Second, 10*time.Millisecond)

	s := newServer(t, echo, 1)
	assert.True(t, c.UpdateEndpoints([]string{s.Endpoint()}))
	assert.False(t, c.UpdateEndpoints([]string{s.Endpoint(), s.Endpoint()}))

	rep, err := second.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, "b", string(rep))
	rep, err = third.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, "c", string(rep))
	assert.Equal(t, 0, c.ProcessBacklog())
}

func TestCloseFailsPending(t *testing.T) {
	c := NewClient(nil, nil, nil)
	f := c.Request([]byte("lost"))
	require.NoError(t, c.Close())

	_, err := f.Wait(context.Background())
	assert.ErrorIs(t, err, cerrors.ErrClosed)

	_, err = c.Request([]byte("late")).Result()
	assert.ErrorIs(t, err, cerrors.ErrClosed)
	assert.ErrorIs(t, c.WaitForReplies(context.Background()), cerrors.ErrClosed)
}
