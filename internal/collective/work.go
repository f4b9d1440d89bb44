package collective

import (
	"context"
	"sync"
)

// Work is the handle of an asynchronous collective operation.
type Work struct {
	done chan struct{}

	mu      sync.Mutex
	err     error
	outputs []Tensor
}

func newWork() *Work {
	return &Work{done: make(chan struct{})}
}

func completedWork(outputs []Tensor, err error) *Work {
	w := newWork()
	w.finish(outputs, err)
	return w
}

func (w *Work) finish(outputs []Tensor, err error) {
	w.mu.Lock()
	w.outputs = outputs
	w.err = err
	w.mu.Unlock()
	close(w.done)
}

// Wait blocks until the operation completes or ctx ends. It returns the
// operation's error.
func (w *Work) Wait(ctx context.Context) error {
	select {
	case <-w.done:
		return w.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// IsCompleted reports whether the operation finished, successfully or not.
func (w *Work) IsCompleted() bool {
	select {
	case <-w.done:
		return true
	default:
		return false
	}
}

// IsSuccess reports whether the operation finished without error.
func (w *Work) IsSuccess() bool {
	return w.IsCompleted() && w.Err() == nil
}

func (w *Work) Err() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.err
}

// Outputs holds the per-rank tensors of a completed AllGather.
func (w *Work) Outputs() []Tensor {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.outputs
}
