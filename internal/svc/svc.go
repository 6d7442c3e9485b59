// Package svc provides the single-threaded executor every registry runs on.
// Work is posted as closures and executed one at a time in posting order,
// so state owned by the loop needs no locks.
package svc

import (
	"errors"
	"sync"
)

// ErrStopped is returned by Sync after the loop has stopped.
var ErrStopped = errors.New("svc: loop stopped")

// Loop is an ordered, unbounded work queue drained by one goroutine.
type Loop struct {
	mu      sync.Mutex
	queue   []func()
	wake    chan struct{}
	done    chan struct{}
	stopped bool
}

// New creates a loop. Call Run to start it.
func New() *Loop {
	return &Loop{
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
}

// Post queues fn without blocking. Posts from one goroutine run in order.
// Posting to a stopped loop drops fn.
func (l *Loop) Post(fn func()) bool {
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return false
	}
	l.queue = append(l.queue, fn)
	l.mu.Unlock()
	select {
	case l.wake <- struct{}{}:
	default:
	}
	return true
}

// Sync runs code on the loop and waits for its result.
// It must not be called from the loop itself.
func Sync[T any](l *Loop, code func() (T, error)) (T, error) {
	result := make(chan struct{})
	var value T
	var err error
	if !l.Post(func() {
		value, err = code()
		close(result)
	}) {
		return value, ErrStopped
	}
	select {
	case <-result:
		return value, err
	case <-l.done:
		select {
		case <-result:
			return value, err
		default:
			return value, ErrStopped
		}
	}
}

// Do runs fn on the loop and waits for it to finish.
func (l *Loop) Do(fn func()) error {
	_, err := Sync(l, func() (struct{}, error) {
		fn()
		return struct{}{}, nil
	})
	return err
}

// Run drains the queue until Stop is called. It runs on the calling goroutine.
func (l *Loop) Run() {
	defer close(l.done)
	for {
		l.mu.Lock()
		batch := l.queue
		l.queue = nil
		stopped := l.stopped
		l.mu.Unlock()

		for _, fn := range batch {
			fn()
		}
		if stopped && len(batch) == 0 {
			return
		}
		if len(batch) == 0 {
			<-l.wake
		}
	}
}

// Start runs the loop on a new goroutine.
func (l *Loop) Start() *Loop {
	go l.Run()
	return l
}

// Stop rejects new work; work already queued still runs.
func (l *Loop) Stop() {
	l.mu.Lock()
	l.stopped = true
	l.mu.Unlock()
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// Done is closed once Run has returned.
func (l *Loop) Done() <-chan struct{} {
	return l.done
}
