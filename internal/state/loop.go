package state

import (
	"context"
	"errors"
	"log"
	"sync"
)

// ErrLoopClosed is returned when posting to a stopped loop.
var ErrLoopClosed = errors.New("loop closed")

// Loop is a cooperative single-threaded task queue. Network callbacks,
// timers and watchers Post work here instead of touching state directly.
// The queue is unbounded so Post never blocks, even from inside a task.
type Loop struct {
	mu      sync.Mutex
	queue   []task
	pending map[string]bool
	closed  bool

	wake      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

type task struct {
	key string
	fn  func()
}

func NewLoop() *Loop {
	return &Loop{
		pending: make(map[string]bool),
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
}

// Post enqueues fn. It reports false once the loop is closed.
func (l *Loop) Post(fn func()) bool {
	return l.post("", fn)
}

// PostCoalesced enqueues fn unless a task with the same key is still
// waiting to run.
func (l *Loop) PostCoalesced(key string, fn func()) bool {
	return l.post(key, fn)
}

func (l *Loop) post(key string, fn func()) bool {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return false
	}
	if key != "" {
		if l.pending[key] {
			l.mu.Unlock()
			return true
		}
		l.pending[key] = true
	}
	l.queue = append(l.queue, task{key: key, fn: fn})
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
	return true
}

// Do runs fn on the loop and waits for it. Must not be called from a task.
func (l *Loop) Do(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	if !l.Post(func() {
		defer close(finished)
		fn()
	}) {
		return ErrLoopClosed
	}
	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-l.done:
		return ErrLoopClosed
	}
}

// Run drains tasks until ctx is cancelled or Close is called.
func (l *Loop) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-l.done:
			return
		default:
		}

		l.mu.Lock()
		batch := l.queue
		l.queue = nil
		l.mu.Unlock()

		for _, t := range batch {
			if t.key != "" {
				l.mu.Lock()
				delete(l.pending, t.key)
				l.mu.Unlock()
			}
			runTask(t.fn)
		}
		if len(batch) > 0 {
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-l.done:
			return
		case <-l.wake:
		}
	}
}

// Close stops the loop. Queued tasks that have not started are dropped.
func (l *Loop) Close() {
	l.closeOnce.Do(func() {
		l.mu.Lock()
		l.closed = true
		l.queue = nil
		l.mu.Unlock()
		close(l.done)
	})
}

// Done is closed once the loop has been stopped.
func (l *Loop) Done() <-chan struct{} {
	return l.done
}

func runTask(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("STATE: task panic: %v", r)
		}
	}()
	fn()
}
