// Package bridge exposes a push-based event bus to long-poll clients.
//
// Shared-subject pulls compete for one backlog per subject. Sessions get a
// backlog of their own, so every session on a subject sees every event that
// arrives after it subscribed. Events published while nothing is bound to a
// subject are dropped.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/petal-labs/petalpoll/bus"
	"github.com/petal-labs/petalpoll/eventlog"
)

// Registry categories.
const (
	CategorySubject eventlog.Category = "subject"
	CategorySession eventlog.Category = "session"
)

var (
	// ErrUnknownSession is returned for pulls against a session that was never
	// created or has already been removed.
	ErrUnknownSession = errors.New("bridge: unknown session")

	// ErrRegistration is returned when the bus rejects a listener
	// registration. The bus error is joined to it.
	ErrRegistration = errors.New("bridge: listener registration failed")
)

// Config configures a Bridge.
type Config struct {
	Bus      bus.EventService
	Observer Observer

	// NewID allocates session identifiers. Defaults to random UUIDs.
	NewID func() string

	// Now is used for idle tracking (for testing). Defaults to time.Now.
	Now func() time.Time

	Logger *slog.Logger
}

// Bridge routes bus events into per-subject and per-session event logs.
type Bridge struct {
	bus      bus.EventService
	logs     *eventlog.Registry[string]
	bindings sync.Map // *eventlog.Log[string] -> *binding
	seq      atomic.Uint64
	closed   atomic.Bool

	observer Observer
	newID    func() string
	now      func() time.Time
	logger   *slog.Logger
}

// New creates a bridge over cfg.Bus.
func New(cfg Config) (*Bridge, error) {
	if cfg.Bus == nil {
		return nil, fmt.Errorf("bridge: event service is required")
	}
	b := &Bridge{
		bus:      cfg.Bus,
		logs:     eventlog.NewRegistry[string](),
		observer: cfg.Observer,
		newID:    cfg.NewID,
		now:      cfg.Now,
		logger:   cfg.Logger,
	}
	if b.observer == nil {
		b.observer = nopObserver{}
	}
	if b.newID == nil {
		b.newID = uuid.NewString
	}
	if b.now == nil {
		b.now = time.Now
	}
	if b.logger == nil {
		b.logger = slog.Default()
	}
	return b, nil
}

func subjectKey(subject string) eventlog.Key {
	return eventlog.Key{Category: CategorySubject, Name: subject}
}

func sessionKey(subject, id string) eventlog.Key {
	return eventlog.Key{Category: CategorySession, Name: subject + "-" + id}
}

// Publish broadcasts payload on subject and returns the number of listeners
// it reached. Bus failures are logged, not returned.
func (b *Bridge) Publish(ctx context.Context, subject, payload string) int {
	n, err := bus.Broadcast(ctx, b.bus, subject, payload, bus.EncodeText)
	if err != nil {
		b.logger.Error("publish failed", "subject", subject, "error", err)
	}
	if n == 0 && err == nil {
		b.logger.Debug("publish dropped, subject has no listeners", "subject", subject)
	}
	b.observer.Published(ctx, subject, n)
	return n
}

// Pull waits for the next event on the subject's shared log, binding the log
// to the bus first if nothing else holds it. The binding stays in place after
// the pull returns until Unbind is called.
//
// Only one pull may wait on a subject at a time; a second concurrent pull
// fails with eventlog.ErrPullPending.
func (b *Bridge) Pull(ctx context.Context, subject string) (event string, err error) {
	ctx, done := b.observer.PullStarted(ctx, subject, "")
	defer func() { done(outcomeOf(err)) }()

	bd, err := b.acquire(ctx, subjectKey(subject), subject, "", true)
	if err != nil {
		return "", err
	}
	defer b.release(bd)

	event, err = bd.log.Next(ctx)
	if errors.Is(err, eventlog.ErrPullPending) {
		b.logger.Error("concurrent pull rejected", "subject", subject, "error", err)
	}
	bd.touch(b.now())
	return event, err
}

// Unbind releases the subject's shared log. Once no pull is in flight the
// listener is removed and buffered events are discarded. Unbinding a subject
// with no shared log is a no-op.
func (b *Bridge) Unbind(_ context.Context, subject string) {
	log, ok := b.logs.Remove(subjectKey(subject))
	if !ok {
		return
	}
	if bd, ok := b.bindingOf(log); ok {
		b.dropReader(bd)
	}
}

// Subscribe creates a session on subject and returns its identifier. The
// session's listener is registered before Subscribe returns, so every event
// published afterwards is buffered for it.
func (b *Bridge) Subscribe(ctx context.Context, subject string) (string, error) {
	id := b.newID()
	if _, err := b.acquire(ctx, sessionKey(subject, id), subject, id, false); err != nil {
		b.logger.Warn("subscribe failed", "subject", subject, "session_id", id, "error", err)
		return "", err
	}
	b.logger.Info("session subscribed", "subject", subject, "session_id", id)
	return id, nil
}

// PullSession waits for the next event on a session's log.
func (b *Bridge) PullSession(ctx context.Context, subject, id string) (event string, err error) {
	ctx, done := b.observer.PullStarted(ctx, subject, id)
	defer func() { done(outcomeOf(err)) }()

	bd, ok := b.lookup(sessionKey(subject, id))
	if !ok || bd.subject != subject || bd.session != id {
		return "", ErrUnknownSession
	}
	bd.touch(b.now())
	event, err = bd.log.Next(ctx)
	if errors.Is(err, eventlog.ErrPullPending) {
		b.logger.Error("concurrent pull rejected", "subject", subject, "session_id", id, "error", err)
	}
	bd.touch(b.now())
	return event, err
}

// TryPullSession returns a buffered session event without waiting.
func (b *Bridge) TryPullSession(subject, id string) (string, bool, error) {
	bd, ok := b.lookup(sessionKey(subject, id))
	if !ok || bd.subject != subject || bd.session != id {
		return "", false, ErrUnknownSession
	}
	bd.touch(b.now())
	event, ok := bd.log.TryNext()
	return event, ok, nil
}

// Unsubscribe removes a session, its listener and any buffered events. A pull
// waiting on the session fails with eventlog.ErrClosed. Unknown sessions are
// ignored.
func (b *Bridge) Unsubscribe(_ context.Context, subject, id string) {
	if b.unsubscribe(subject, id) {
		b.logger.Info("session unsubscribed", "subject", subject, "session_id", id)
	}
}

// unsubscribe reports whether it removed a live session.
func (b *Bridge) unsubscribe(subject, id string) bool {
	log, ok := b.logs.Remove(sessionKey(subject, id))
	if !ok {
		return false
	}
	bd, ok := b.bindingOf(log)
	if !ok {
		log.Shutdown()
		return false
	}
	return b.teardown(bd)
}

// BindingInfo describes one bound log.
type BindingInfo struct {
	Subject  string            `json:"subject"`
	Session  string            `json:"session,omitempty"`
	Category eventlog.Category `json:"category"`
	Refs     int               `json:"refs"`
	Backlog  int               `json:"backlog"`
	Pending  bool              `json:"pending"`
	LastSeen time.Time         `json:"last_seen"`
}

// Bindings lists the live bindings ordered by subject, then session.
func (b *Bridge) Bindings() []BindingInfo {
	var out []BindingInfo
	b.bindings.Range(func(_, v any) bool {
		bd := v.(*binding)
		if bd.log.IsShutdown() {
			return true
		}
		st := bd.log.Stats()
		out = append(out, BindingInfo{
			Subject:  bd.subject,
			Session:  bd.session,
			Category: st.Key.Category,
			Refs:     st.Refs,
			Backlog:  st.Backlog,
			Pending:  st.Pending,
			LastSeen: bd.idleSince(),
		})
		return true
	})
	sort.Slice(out, func(i, j int) bool {
		if out[i].Subject != out[j].Subject {
			return out[i].Subject < out[j].Subject
		}
		return out[i].Session < out[j].Session
	})
	return out
}

// ReapIdle releases bindings with no pull waiting that have not been touched
// for ttl. Sessions are unsubscribed; shared subjects are unbound. It returns
// the number of bindings released.
func (b *Bridge) ReapIdle(ctx context.Context, ttl time.Duration) int {
	cutoff := b.now().Add(-ttl)

	var idle []*binding
	b.bindings.Range(func(_, v any) bool {
		bd := v.(*binding)
		if !bd.log.Pending() && bd.idleSince().Before(cutoff) {
			idle = append(idle, bd)
		}
		return true
	})

	released := 0
	for _, bd := range idle {
		if !b.releaseIdle(bd) {
			continue
		}
		released++
		b.logger.Info("released idle binding",
			"subject", bd.subject,
			"session_id", bd.session,
			"idle_since", bd.idleSince(),
		)
	}
	return released
}

// releaseIdle reports whether it released bd. A binding already released by
// a concurrent unbind or unsubscribe is left alone.
func (b *Bridge) releaseIdle(bd *binding) bool {
	if bd.session != "" {
		log, ok := b.logs.Get(sessionKey(bd.subject, bd.session))
		if !ok || log != bd.log {
			return false
		}
		return b.unsubscribe(bd.subject, bd.session)
	}
	if !b.logs.RemoveIf(subjectKey(bd.subject), bd.log) {
		return false
	}
	return b.dropReader(bd)
}

// Close unbinds every log. Pulls still waiting fail with eventlog.ErrClosed,
// and later pulls and subscribes fail with it without binding anything.
func (b *Bridge) Close() {
	b.closed.Store(true)
	b.bindings.Range(func(_, v any) bool {
		b.teardown(v.(*binding))
		return true
	})
}

func outcomeOf(err error) Outcome {
	switch {
	case err == nil:
		return OutcomeEvent
	case errors.Is(err, context.DeadlineExceeded):
		return OutcomeTimeout
	case errors.Is(err, context.Canceled):
		return OutcomeCanceled
	case errors.Is(err, eventlog.ErrClosed):
		return OutcomeClosed
	case errors.Is(err, eventlog.ErrPullPending):
		return OutcomeConflict
	case errors.Is(err, ErrUnknownSession):
		return OutcomeUnknownSession
	default:
		return OutcomeUnavailable
	}
}
