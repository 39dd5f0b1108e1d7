// Package eventlog provides per-key event buffers with a single-consumer
// asynchronous pull, and a registry that maps composite keys to those buffers.
//
// A Log holds events pushed by a producer until a consumer pulls them. When a
// consumer is already waiting, Add hands the event straight to it instead of
// buffering. Open and Close maintain a reference count so that callers can tell
// when the first interested party arrives and when the last one leaves.
package eventlog

import (
	"context"
	"errors"
	"sync"
)

// Log errors.
var (
	// ErrPullPending is returned by Next when another pull is already waiting
	// on the same log. Only one consumer may wait at a time.
	ErrPullPending = errors.New("eventlog: pull already pending")

	// ErrClosed is returned to a waiting or future pull once the log has been
	// shut down.
	ErrClosed = errors.New("eventlog: log is shut down")
)

// Log is a FIFO event buffer with at most one outstanding pull.
// The zero value is not usable; create logs with New.
type Log[E any] struct {
	key Key

	mu      sync.Mutex
	refs    int
	backlog []E
	waiter  *waiter[E]
	closed  bool
}

// waiter is the single pending pull. ch has capacity one so that Add never
// blocks while holding the log's lock.
type waiter[E any] struct {
	ch chan delivery[E]
}

type delivery[E any] struct {
	event E
	err   error
}

// New creates an empty log for key.
func New[E any](key Key) *Log[E] {
	return &Log[E]{key: key}
}

// Key returns the key the log was created for.
func (l *Log[E]) Key() Key {
	return l.key
}

// Add appends e. If a pull is waiting, e is handed to it directly and is not
// buffered. Adding to a shut down log is a no-op.
func (l *Log[E]) Add(e E) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return
	}

	if w := l.waiter; w != nil {
		l.waiter = nil
		w.ch <- delivery[E]{event: e}
		return
	}

	l.backlog = append(l.backlog, e)
}

// Next returns the oldest buffered event. If the backlog is empty it waits
// until Add supplies one, ctx is done, or the log is shut down.
//
// Buffered events are returned even when ctx is already done, so callers can
// poll without waiting by passing an expired context. A second concurrent call
// fails with ErrPullPending.
func (l *Log[E]) Next(ctx context.Context) (E, error) {
	var zero E

	l.mu.Lock()
	if len(l.backlog) > 0 {
		e := l.pop()
		l.mu.Unlock()
		return e, nil
	}
	if l.closed {
		l.mu.Unlock()
		return zero, ErrClosed
	}
	if l.waiter != nil {
		l.mu.Unlock()
		return zero, ErrPullPending
	}
	if err := ctx.Err(); err != nil {
		l.mu.Unlock()
		return zero, err
	}
	w := &waiter[E]{ch: make(chan delivery[E], 1)}
	l.waiter = w
	l.mu.Unlock()

	select {
	case d := <-w.ch:
		return d.event, d.err
	case <-ctx.Done():
	}

	l.mu.Lock()
	if l.waiter == w {
		l.waiter = nil
		l.mu.Unlock()
		return zero, ctx.Err()
	}
	l.mu.Unlock()

	// Add or Shutdown resolved the waiter before the slot was cleared.
	d := <-w.ch
	return d.event, d.err
}

// TryNext pops the oldest buffered event without waiting.
func (l *Log[E]) TryNext() (E, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if len(l.backlog) == 0 {
		var zero E
		return zero, false
	}
	return l.pop(), true
}

// pop removes the head of the backlog. Callers hold l.mu.
func (l *Log[E]) pop() E {
	var zero E
	e := l.backlog[0]
	l.backlog[0] = zero
	l.backlog = l.backlog[1:]
	if len(l.backlog) == 0 {
		l.backlog = nil
	}
	return e
}

// Open increments the reference count. It reports true only when the count
// moves from zero to one.
func (l *Log[E]) Open() bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.refs++
	return l.refs == 1
}

// Close decrements the reference count, never below zero. It reports true
// only when the count reaches zero.
func (l *Log[E]) Close() bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.refs == 0 {
		return false
	}
	l.refs--
	return l.refs == 0
}

// Shutdown drops the backlog, fails a pending pull with ErrClosed and makes
// every later Next fail the same way. It is safe to call more than once.
func (l *Log[E]) Shutdown() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return
	}
	l.closed = true
	l.backlog = nil
	if w := l.waiter; w != nil {
		l.waiter = nil
		w.ch <- delivery[E]{err: ErrClosed}
	}
}

// IsShutdown reports whether Shutdown has been called.
func (l *Log[E]) IsShutdown() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed
}

// Stats is a point-in-time view of a log.
type Stats struct {
	Key     Key  `json:"key"`
	Refs    int  `json:"refs"`
	Backlog int  `json:"backlog"`
	Pending bool `json:"pending"`
	Closed  bool `json:"closed"`
}

// Stats returns the current reference count, backlog length and pull state.
func (l *Log[E]) Stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()

	return Stats{
		Key:     l.key,
		Refs:    l.refs,
		Backlog: len(l.backlog),
		Pending: l.waiter != nil,
		Closed:  l.closed,
	}
}

// Len returns the number of buffered events.
func (l *Log[E]) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.backlog)
}

// Refs returns the current reference count.
func (l *Log[E]) Refs() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.refs
}

// Pending reports whether a pull is waiting.
func (l *Log[E]) Pending() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.waiter != nil
}
