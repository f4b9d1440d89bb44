package reqrep

import (
	"context"
	"sync"
)

// Future is the eventual reply to a request.
type Future struct {
	done  chan struct{}
	once  sync.Once
	reply []byte
	err   error
}

func newFuture() *Future {
	return &Future{done: make(chan struct{})}
}

func (f *Future) resolve(reply []byte, err error) {
	f.once.Do(func() {
		f.reply = reply
		f.err = err
		close(f.done)
	})
}

// Done is closed once the reply arrived or the request failed.
func (f *Future) Done() <-chan struct{} {
	return f.done
}

// Wait blocks for the reply.
func (f *Future) Wait(ctx context.Context) ([]byte, error) {
	select {
	case <-f.done:
		return f.reply, f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Result returns the reply of a completed future. It must only be called
// after Done is closed.
func (f *Future) Result() ([]byte, error) {
	<-f.done
	return f.reply, f.err
}
