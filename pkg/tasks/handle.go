package tasks

import (
	"context"
	"sync"
)

// Status is the state of a scheduled task
type Status string

const (
	StatusPending Status = "pending"
	StatusDone    Status = "done"
	StatusFailed  Status = "failed"
)

// Handle tracks one scheduled task
type Handle struct {
	ID   string
	Name string
	Key  string

	done chan struct{}
	once sync.Once
	mu   sync.Mutex
	err  error
}

func newHandle(id, name, key string) *Handle {
	return &Handle{ID: id, Name: name, Key: key, done: make(chan struct{})}
}

func (h *Handle) complete(err error) {
	h.once.Do(func() {
		h.mu.Lock()
		h.err = err
		h.mu.Unlock()
		close(h.done)
	})
}

// Done is closed when the task finishes
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Wait blocks until the task finishes and returns its final error
func (h *Handle) Wait(ctx context.Context) error {
	select {
	case <-h.done:
		return h.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Err returns the final error, or nil while pending
func (h *Handle) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.err
}

// Status reports the current state
func (h *Handle) Status() Status {
	select {
	case <-h.done:
		if h.Err() != nil {
			return StatusFailed
		}
		return StatusDone
	default:
		return StatusPending
	}
}
