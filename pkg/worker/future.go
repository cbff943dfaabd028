package worker

import (
	"context"
	"sync"
	"time"
)

// Future tracks a single submitted task.
type Future struct {
	done   chan struct{}
	cancel context.CancelFunc
	once   sync.Once
	err    error
}

func newFuture(cancel context.CancelFunc) *Future {
	return &Future{done: make(chan struct{}), cancel: cancel}
}

func (f *Future) complete(err error) {
	f.once.Do(func() {
		f.err = err
		f.cancel()
		close(f.done)
	})
}

// Done is closed once the task has finished or been discarded.
func (f *Future) Done() <-chan struct{} {
	return f.done
}

// Err returns the task result. It is only meaningful after Done is closed.
func (f *Future) Err() error {
	select {
	case <-f.done:
		return f.err
	default:
		return nil
	}
}

// Cancel cancels the task context. A queued task is discarded without running.
func (f *Future) Cancel() {
	f.cancel()
}

// Wait blocks until the task finishes or timeout elapses. finished is false on timeout.
func (f *Future) Wait(timeout time.Duration) (finished bool, err error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-f.done:
		return true, f.err
	case <-timer.C:
		return false, nil
	}
}
