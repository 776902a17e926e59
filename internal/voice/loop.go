package voice

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// Executor serialises control-core work onto a single goroutine. Component
// state is only touched from functions run by the executor.
type Executor interface {
	Post(fn func())
	AfterFunc(d time.Duration, fn func()) Timer
}

// Timer is a cancellable delayed task. Stop reports whether it prevented the
// task from running.
type Timer interface {
	Stop() bool
}

// EventLoop is the production Executor: an unbounded FIFO drained by Run.
type EventLoop struct {
	mu     sync.Mutex
	queue  []func()
	wake   chan struct{}
	done   chan struct{}
	closed bool
}

func NewEventLoop() *EventLoop {
	return &EventLoop{
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
}

// Post enqueues fn. Posting never blocks; work posted after Run returns is dropped.
func (l *EventLoop) Post(fn func()) {
	if fn == nil {
		return
	}
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.queue = append(l.queue, fn)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
}

func (l *EventLoop) AfterFunc(d time.Duration, fn func()) Timer {
	t := &loopTimer{}
	t.timer = time.AfterFunc(d, func() {
		l.Post(func() {
			if t.stopped.Load() {
				return
			}
			t.fired.Store(true)
			fn()
		})
	})
	return t
}

// Run drains the queue until ctx is cancelled.
func (l *EventLoop) Run(ctx context.Context) error {
	defer func() {
		l.mu.Lock()
		l.closed = true
		l.queue = nil
		l.mu.Unlock()
		close(l.done)
	}()

	for {
		l.mu.Lock()
		batch := l.queue
		l.queue = nil
		l.mu.Unlock()

		for _, fn := range batch {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			fn()
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-l.wake:
		}
	}
}

// Done is closed once Run has returned.
func (l *EventLoop) Done() <-chan struct{} {
	return l.done
}

// Call runs fn on the loop and waits for it, or for ctx or loop shutdown.
func (l *EventLoop) Call(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	l.Post(func() {
		defer close(finished)
		fn()
	})
	select {
	case <-finished:
		return nil
	case <-l.done:
		return context.Canceled
	case <-ctx.Done():
		return ctx.Err()
	}
}

type loopTimer struct {
	timer   *time.Timer
	stopped atomic.Bool
	fired   atomic.Bool
}

func (t *loopTimer) Stop() bool {
	if t.stopped.Swap(true) {
		return false
	}
	t.timer.Stop()
	return !t.fired.Load()
}

func stopTimer(t Timer) {
	if t != nil {
		t.Stop()
	}
}
