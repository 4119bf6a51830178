// Package dispatch provides the single serial queue that owns all observable
// state. Every mutation of published state runs on it; background work hands
// results back with Async.
package dispatch

import (
	"context"
	"errors"
	"sync"
)

// ErrClosed is returned by Sync once the queue has been closed.
var ErrClosed = errors.New("dispatch queue closed")

// Queue runs closures one at a time on a dedicated goroutine.
type Queue struct {
	work     chan func()
	done     chan struct{}
	stopOnce sync.Once
}

// NewQueue starts a queue. Call Close to stop it.
func NewQueue() *Queue {
	q := &Queue{
		work: make(chan func(), 256),
		done: make(chan struct{}),
	}
	go q.run()
	return q
}

func (q *Queue) run() {
	for {
		select {
		case <-q.done:
			return
		case fn := <-q.work:
			fn()
		}
	}
}

// Async schedules fn and returns immediately. It is a no-op after Close.
func (q *Queue) Async(fn func()) {
	select {
	case <-q.done:
	case q.work <- fn:
	}
}

// Sync runs fn on the queue and waits for it to finish. It returns
// ctx.Err() if ctx is done before fn ran, and ErrClosed after Close.
// Sync must not be called from a closure already running on the queue.
func (q *Queue) Sync(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	wrapped := func() {
		defer close(finished)
		fn()
	}
	select {
	case <-q.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	case q.work <- wrapped:
	}
	select {
	case <-finished:
		return nil
	case <-q.done:
		return ErrClosed
	}
}

// Close stops the queue. Pending closures are dropped.
func (q *Queue) Close() {
	q.stopOnce.Do(func() { close(q.done) })
}
