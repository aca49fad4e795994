package workerpool

import (
	"context"
	"sync"
)

// Handle tracks a single submitted job.
type Handle struct {
	name string
	done chan struct{}
	once sync.Once
	err  error
}

func newHandle(name string) *Handle {
	return &Handle{
		name: name,
		done: make(chan struct{}),
	}
}

// Name returns the name the job was submitted with.
func (h *Handle) Name() string {
	return h.name
}

// Done is closed once the job has finished.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Err returns the job's error.  It is nil while the job is still running.
func (h *Handle) Err() error {
	select {
	case <-h.done:
		return h.err
	default:
		return nil
	}
}

// Wait blocks until the job finishes and returns its error, or returns
// ctx.Err() if ctx ends first.
func (h *Handle) Wait(ctx context.Context) error {
	select {
	case <-h.done:
		return h.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *Handle) finish(err error) {
	h.once.Do(func() {
		h.err = err
		close(h.done)
	})
}
