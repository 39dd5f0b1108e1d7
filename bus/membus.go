package bus

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemBusConfig configures an in-memory event bus.
type MemBusConfig struct {
	// Tap, when set, is called after every broadcast with a record of it.
	Tap func(Entry)

	// Now provides the broadcast time (for testing). Defaults to time.Now.
	Now func() time.Time

	Logger *slog.Logger
}

// MemBus is an in-process EventService. Registrations are acknowledged
// immediately and payloads are delivered through each listener's executor.
type MemBus struct {
	mu       sync.RWMutex
	subjects map[string]map[ListenerID]*listener
	closed   bool

	tap    func(Entry)
	now    func() time.Time
	logger *slog.Logger
}

type listener struct {
	id      ListenerID
	handler Handler
	exec    Executor
}

// NewMemBus creates a new in-memory event bus with the given configuration.
func NewMemBus(config MemBusConfig) *MemBus {
	now := config.Now
	if now == nil {
		now = time.Now
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &MemBus{
		subjects: make(map[string]map[ListenerID]*listener),
		tap:      config.Tap,
		now:      now,
		logger:   logger,
	}
}

// Broadcast hands payload to every listener currently registered on subject.
// A payload broadcast to a subject without listeners is dropped.
func (b *MemBus) Broadcast(_ context.Context, subject string, payload []byte) (int, error) {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return 0, ErrClosed
	}
	targets := make([]*listener, 0, len(b.subjects[subject]))
	for _, l := range b.subjects[subject] {
		targets = append(targets, l)
	}
	b.mu.RUnlock()

	data := append([]byte(nil), payload...)
	for _, l := range targets {
		handler := l.handler
		l.exec(func() { handler(data) })
	}

	if len(targets) == 0 {
		b.logger.Debug("broadcast dropped, no listeners", "subject", subject)
	}
	if b.tap != nil {
		b.tap(Entry{
			Subject:   subject,
			Payload:   data,
			Listeners: len(targets),
			Time:      b.now(),
		})
	}
	return len(targets), nil
}

// AddSubscriber registers handler on subject. A nil executor defaults to
// DirectExecutor.
func (b *MemBus) AddSubscriber(_ context.Context, subject string, handler Handler, exec Executor) (ListenerID, <-chan error) {
	if exec == nil {
		exec = DirectExecutor
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return "", acked(ErrClosed)
	}

	id := ListenerID(uuid.NewString())
	subs := b.subjects[subject]
	if subs == nil {
		subs = make(map[ListenerID]*listener)
		b.subjects[subject] = subs
	}
	subs[id] = &listener{id: id, handler: handler, exec: exec}

	b.logger.Debug("listener registered", "subject", subject, "listener_id", id)
	return id, acked(nil)
}

// RemoveSubscriber deregisters one listener.
func (b *MemBus) RemoveSubscriber(subject string, id ListenerID) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs, ok := b.subjects[subject]
	if !ok {
		return
	}
	if _, ok := subs[id]; !ok {
		return
	}
	delete(subs, id)
	if len(subs) == 0 {
		delete(b.subjects, subject)
	}
	b.logger.Debug("listener removed", "subject", subject, "listener_id", id)
}

// RemoveSubject deregisters every listener on subject.
func (b *MemBus) RemoveSubject(subject string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subjects, subject)
}

// Listeners returns the number of listeners registered on subject.
func (b *MemBus) Listeners(subject string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subjects[subject])
}

// Subjects returns the subjects that currently have listeners, sorted.
func (b *MemBus) Subjects() []string {
	b.mu.RLock()
	out := make([]string, 0, len(b.subjects))
	for s := range b.subjects {
		out = append(out, s)
	}
	b.mu.RUnlock()
	sort.Strings(out)
	return out
}

// Close shuts down the bus and drops all registrations. Later broadcasts and
// registrations fail with ErrClosed.
func (b *MemBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.closed = true
	b.subjects = make(map[string]map[ListenerID]*listener)
	return nil
}

// Compile-time interface check.
var _ EventService = (*MemBus)(nil)
