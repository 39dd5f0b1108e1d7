package bridge

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/petal-labs/petalpoll/bus"
	"github.com/petal-labs/petalpoll/eventlog"
)

var errAckAbandoned = errors.New("registration channel closed without a result")

// binding ties one event log to one listener registration on the bus.
//
// A binding moves from unbound to bound when its log's reference count goes
// from zero to one, and back to unbound, permanently, when the count returns
// to zero. A later reference to the same key gets a fresh log and binding.
type binding struct {
	id      uint64 // assigned when bound; unique for the bridge's lifetime
	subject string
	session string
	log     *eventlog.Log[string]

	mu       sync.Mutex
	listener bus.ListenerID
	reader   bool // shared subjects: the standing reader reference is held
	unbound  bool

	ready chan struct{} // closed once the registration is acknowledged
	err   error         // registration result; read only after ready is closed

	lastSeen atomic.Int64 // unix nanoseconds of the last pull or subscribe
}

func newBinding(log *eventlog.Log[string], subject, session string) *binding {
	return &binding{
		subject: subject,
		session: session,
		log:     log,
		ready:   make(chan struct{}),
	}
}

func (bd *binding) touch(t time.Time) {
	bd.lastSeen.Store(t.UnixNano())
}

func (bd *binding) idleSince() time.Time {
	return time.Unix(0, bd.lastSeen.Load())
}

// await records the registration result and releases everyone waiting on it.
func (bd *binding) await(ack <-chan error) {
	err, ok := <-ack
	bd.resolve(err, ok)
}

func (bd *binding) resolve(err error, ok bool) {
	if !ok {
		err = errAckAbandoned
	}
	bd.err = err
	close(bd.ready)
}

// wait blocks until the registration is acknowledged or ctx is done. An
// acknowledged registration wins over an expired ctx.
func (bd *binding) wait(ctx context.Context) error {
	select {
	case <-bd.ready:
		return nil
	default:
	}
	select {
	case <-bd.ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// acquire takes a reference on the log for key, binding it to the bus when the
// reference is the first. With reader set it also takes the subject's standing
// reader reference unless that is already held. It returns once the listener
// registration has been acknowledged.
func (b *Bridge) acquire(ctx context.Context, key eventlog.Key, subject, session string, reader bool) (*binding, error) {
	for {
		if b.closed.Load() {
			return nil, eventlog.ErrClosed
		}
		log := b.logs.GetOrCreate(key, nil)
		v, _ := b.bindings.LoadOrStore(log, newBinding(log, subject, session))
		bd := v.(*binding)

		bd.mu.Lock()
		if b.closed.Load() {
			// Close may have ranged over the bindings before this one was
			// stored.
			if bd.log.Refs() == 0 {
				b.logs.RemoveIf(key, log)
				b.bindings.CompareAndDelete(log, bd)
			}
			bd.mu.Unlock()
			return nil, eventlog.ErrClosed
		}
		if cur, ok := b.logs.Get(key); !ok || cur != log || bd.unbound {
			// The log was evicted between lookup and lock; start over with
			// whatever the registry holds now.
			if bd.log.Refs() == 0 {
				b.bindings.CompareAndDelete(log, bd)
			}
			bd.mu.Unlock()
			continue
		}

		if log.Open() {
			b.bind(ctx, bd)
		}
		if reader && !bd.reader {
			log.Open()
			bd.reader = true
		}
		bd.mu.Unlock()

		if err := bd.wait(ctx); err != nil {
			b.release(bd)
			return nil, err
		}

		if bd.err != nil {
			b.teardown(bd)
			return nil, errors.Join(ErrRegistration, bd.err)
		}
		bd.touch(b.now())
		return bd, nil
	}
}

// bind registers the log's Add method as a listener for the binding's
// subject. Callers hold bd.mu.
func (b *Bridge) bind(ctx context.Context, bd *binding) {
	// The registration outlives the request that triggered it.
	regCtx := context.WithoutCancel(ctx)

	id, ack := bus.AddSubscriber(regCtx, b.bus, bd.subject, bus.DecodeText, bd.log.Add, bus.DirectExecutor,
		func(err error) {
			b.logger.Warn("dropping undecodable payload",
				"subject", bd.subject,
				"session_id", bd.session,
				"error", err,
			)
		})
	bd.id = b.seq.Add(1)
	bd.listener = id
	bd.touch(b.now())
	select {
	case err, ok := <-ack:
		bd.resolve(err, ok)
	default:
		go bd.await(ack)
	}

	b.logger.Debug("binding log to bus",
		"binding_id", bd.id,
		"subject", bd.subject,
		"session_id", bd.session,
		"listener_id", id,
	)
	b.observer.Bound(ctx, bd.id, bd.subject, bd.session)
}

// release drops one reference and unbinds when it was the last.
func (b *Bridge) release(bd *binding) {
	bd.mu.Lock()
	defer bd.mu.Unlock()

	if bd.unbound {
		return
	}
	if bd.log.Close() {
		b.unbindLocked(bd)
	}
}

// dropReader releases the standing reader reference, if held. It reports
// whether the reference was held.
func (b *Bridge) dropReader(bd *binding) bool {
	bd.mu.Lock()
	defer bd.mu.Unlock()

	if bd.unbound || !bd.reader {
		return false
	}
	bd.reader = false
	if bd.log.Close() {
		b.unbindLocked(bd)
	}
	return true
}

// teardown unbinds regardless of outstanding references. It reports whether
// this call did the unbinding.
func (b *Bridge) teardown(bd *binding) bool {
	bd.mu.Lock()
	defer bd.mu.Unlock()

	if bd.unbound {
		return false
	}
	b.unbindLocked(bd)
	return true
}

// unbindLocked deregisters the listener, evicts the log and fails any pull
// still waiting on it. Callers hold bd.mu.
func (b *Bridge) unbindLocked(bd *binding) {
	bd.unbound = true
	if bd.listener != "" {
		b.bus.RemoveSubscriber(bd.subject, bd.listener)
	}
	b.logs.RemoveIf(bd.log.Key(), bd.log)
	bd.log.Shutdown()
	b.bindings.CompareAndDelete(bd.log, bd)

	b.logger.Debug("unbound log from bus",
		"binding_id", bd.id,
		"subject", bd.subject,
		"session_id", bd.session,
		"listener_id", bd.listener,
	)
	b.observer.Unbound(context.Background(), bd.id, bd.subject, bd.session)
}

// lookup returns the live binding for key, if any.
func (b *Bridge) lookup(key eventlog.Key) (*binding, bool) {
	log, ok := b.logs.Get(key)
	if !ok {
		return nil, false
	}
	return b.bindingOf(log)
}

func (b *Bridge) bindingOf(log *eventlog.Log[string]) (*binding, bool) {
	v, ok := b.bindings.Load(log)
	if !ok {
		return nil, false
	}
	return v.(*binding), true
}
