package bridge

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/petal-labs/petalpoll/bus"
	"github.com/petal-labs/petalpoll/eventlog"
)

// testBus wraps a MemBus so registrations can be failed or held back.
type testBus struct {
	*bus.MemBus

	fail error
	gate chan struct{}
}

func (tb *testBus) AddSubscriber(ctx context.Context, subject string, h bus.Handler, exec bus.Executor) (bus.ListenerID, <-chan error) {
	if tb.fail != nil {
		ch := make(chan error, 1)
		ch <- tb.fail
		close(ch)
		return "", ch
	}
	id, inner := tb.MemBus.AddSubscriber(ctx, subject, h, exec)
	if tb.gate == nil {
		return id, inner
	}
	ch := make(chan error, 1)
	go func() {
		<-tb.gate
		ch <- <-inner
		close(ch)
	}()
	return id, ch
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestBridge(t *testing.T, eb bus.EventService, opts ...func(*Config)) *Bridge {
	t.Helper()
	cfg := Config{Bus: eb}
	for _, opt := range opts {
		opt(&cfg)
	}
	b, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(b.Close)
	return b
}

func newMemBus(t *testing.T) *bus.MemBus {
	t.Helper()
	mb := bus.NewMemBus(bus.MemBusConfig{})
	t.Cleanup(func() { _ = mb.Close() })
	return mb
}

func expired() context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 0)
	cancel()
	return ctx
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

type pullResult struct {
	event string
	err   error
}

func TestNew_RequiresBus(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Fatal("expected error for missing bus")
	}
}

func TestBridge_PublishBeforeSubscribeIsDropped(t *testing.T) {
	mb := newMemBus(t)
	b := newTestBridge(t, mb)
	ctx := context.Background()

	if n := b.Publish(ctx, "alerts", "hello"); n != 0 {
		t.Fatalf("Publish reached %d listeners, want 0", n)
	}

	id, err := b.Subscribe(ctx, "alerts")
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if _, err := b.PullSession(expired(), "alerts", id); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("PullSession err = %v, want DeadlineExceeded", err)
	}
}

func TestBridge_SubscribeThenPull(t *testing.T) {
	mb := newMemBus(t)
	b := newTestBridge(t, mb)
	ctx := context.Background()

	id, err := b.Subscribe(ctx, "alerts")
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if _, err := b.PullSession(expired(), "alerts", id); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("empty PullSession err = %v, want DeadlineExceeded", err)
	}

	if n := b.Publish(ctx, "alerts", "x"); n != 1 {
		t.Fatalf("Publish reached %d listeners, want 1", n)
	}

	got, err := b.PullSession(expired(), "alerts", id)
	if err != nil || got != "x" {
		t.Fatalf("PullSession = %q, %v, want x", got, err)
	}
	if _, err := b.PullSession(expired(), "alerts", id); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("second PullSession err = %v, want DeadlineExceeded", err)
	}
}

func TestBridge_SessionFanOut(t *testing.T) {
	mb := newMemBus(t)
	b := newTestBridge(t, mb)
	ctx := context.Background()

	first, err := b.Subscribe(ctx, "alerts")
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	second, err := b.Subscribe(ctx, "alerts")
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if first == second {
		t.Fatalf("sessions share id %q", first)
	}
	if n := mb.Listeners("alerts"); n != 2 {
		t.Fatalf("Listeners = %d, want 2", n)
	}

	b.Publish(ctx, "alerts", "e1")
	b.Publish(ctx, "alerts", "e2")

	for _, id := range []string{first, second} {
		for _, want := range []string{"e1", "e2"} {
			got, err := b.PullSession(expired(), "alerts", id)
			if err != nil || got != want {
				t.Fatalf("session %s: PullSession = %q, %v, want %q", id, got, err, want)
			}
		}
	}
}

func TestBridge_SessionPullWaitsForPublish(t *testing.T) {
	mb := newMemBus(t)
	b := newTestBridge(t, mb)
	ctx := context.Background()

	id, err := b.Subscribe(ctx, "alerts")
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	done := make(chan pullResult, 1)
	go func() {
		ev, err := b.PullSession(ctx, "alerts", id)
		done <- pullResult{ev, err}
	}()
	waitFor(t, "pending pull", func() bool { return pendingOn(b, "alerts", id) })

	b.Publish(ctx, "alerts", "late")
	select {
	case r := <-done:
		if r.err != nil || r.event != "late" {
			t.Fatalf("PullSession = %q, %v", r.event, r.err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("pull was not resolved by publish")
	}
	if _, err := b.PullSession(expired(), "alerts", id); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("event delivered twice, err = %v", err)
	}
}

func pendingOn(b *Bridge, subject, session string) bool {
	for _, info := range b.Bindings() {
		if info.Subject == subject && info.Session == session {
			return info.Pending
		}
	}
	return false
}

func TestBridge_PullSessionUnknown(t *testing.T) {
	mb := newMemBus(t)
	b := newTestBridge(t, mb)
	ctx := context.Background()

	if _, err := b.PullSession(ctx, "alerts", "nope"); !errors.Is(err, ErrUnknownSession) {
		t.Fatalf("err = %v, want ErrUnknownSession", err)
	}

	id, err := b.Subscribe(ctx, "alerts")
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if _, err := b.PullSession(ctx, "other", id); !errors.Is(err, ErrUnknownSession) {
		t.Fatalf("wrong subject err = %v, want ErrUnknownSession", err)
	}
	if b.logs.Len() != 1 {
		t.Fatalf("unknown session pull created a log, registry has %d", b.logs.Len())
	}
}

func TestBridge_Unsubscribe(t *testing.T) {
	mb := newMemBus(t)
	b := newTestBridge(t, mb)
	ctx := context.Background()

	// Unknown sessions are a no-op.
	b.Unsubscribe(ctx, "alerts", "nope")

	id, err := b.Subscribe(ctx, "alerts")
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	b.Publish(ctx, "alerts", "buffered")

	b.Unsubscribe(ctx, "alerts", id)
	b.Unsubscribe(ctx, "alerts", id)

	if n := mb.Listeners("alerts"); n != 0 {
		t.Fatalf("Listeners = %d after unsubscribe, want 0", n)
	}
	if _, err := b.PullSession(ctx, "alerts", id); !errors.Is(err, ErrUnknownSession) {
		t.Fatalf("err = %v, want ErrUnknownSession", err)
	}
	if len(b.Bindings()) != 0 {
		t.Fatalf("Bindings = %+v, want none", b.Bindings())
	}
}

func TestBridge_UnsubscribeFailsPendingPull(t *testing.T) {
	mb := newMemBus(t)
	b := newTestBridge(t, mb)
	ctx := context.Background()

	id, err := b.Subscribe(ctx, "alerts")
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	done := make(chan pullResult, 1)
	go func() {
		ev, err := b.PullSession(ctx, "alerts", id)
		done <- pullResult{ev, err}
	}()
	waitFor(t, "pending pull", func() bool { return pendingOn(b, "alerts", id) })

	b.Unsubscribe(ctx, "alerts", id)
	select {
	case r := <-done:
		if !errors.Is(r.err, eventlog.ErrClosed) {
			t.Fatalf("err = %v, want ErrClosed", r.err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("pending pull not released by unsubscribe")
	}
}

func TestBridge_SharedPullBindsAndStaysBound(t *testing.T) {
	mb := newMemBus(t)
	b := newTestBridge(t, mb)
	ctx := context.Background()

	if _, err := b.Pull(expired(), "jobs"); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("first Pull err = %v, want DeadlineExceeded", err)
	}
	if n := mb.Listeners("jobs"); n != 1 {
		t.Fatalf("Listeners = %d after pull, want 1", n)
	}

	b.Publish(ctx, "jobs", "j1")
	b.Publish(ctx, "jobs", "j2")
	for _, want := range []string{"j1", "j2"} {
		got, err := b.Pull(expired(), "jobs")
		if err != nil || got != want {
			t.Fatalf("Pull = %q, %v, want %q", got, err, want)
		}
	}

	// Repeated pulls reuse the one listener.
	if n := mb.Listeners("jobs"); n != 1 {
		t.Fatalf("Listeners = %d, want 1", n)
	}

	b.Unbind(ctx, "jobs")
	b.Unbind(ctx, "jobs")
	if n := mb.Listeners("jobs"); n != 0 {
		t.Fatalf("Listeners = %d after unbind, want 0", n)
	}
}

func TestBridge_SharedSubjectSingleWinner(t *testing.T) {
	mb := newMemBus(t)
	b := newTestBridge(t, mb)
	ctx := context.Background()

	done := make(chan pullResult, 1)
	go func() {
		ev, err := b.Pull(ctx, "jobs")
		done <- pullResult{ev, err}
	}()
	waitFor(t, "pending pull", func() bool { return pendingOn(b, "jobs", "") })

	if _, err := b.Pull(ctx, "jobs"); !errors.Is(err, eventlog.ErrPullPending) {
		t.Fatalf("second Pull err = %v, want ErrPullPending", err)
	}

	if n := b.Publish(ctx, "jobs", "only"); n != 1 {
		t.Fatalf("Publish reached %d listeners, want 1", n)
	}
	select {
	case r := <-done:
		if r.err != nil || r.event != "only" {
			t.Fatalf("Pull = %q, %v", r.event, r.err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("pull not resolved")
	}
	if _, err := b.Pull(expired(), "jobs"); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("event delivered twice, err = %v", err)
	}
}

func TestBridge_SharedAndSessionCoexist(t *testing.T) {
	mb := newMemBus(t)
	b := newTestBridge(t, mb)
	ctx := context.Background()

	id, err := b.Subscribe(ctx, "alerts")
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	_, _ = b.Pull(expired(), "alerts")

	if n := b.Publish(ctx, "alerts", "both"); n != 2 {
		t.Fatalf("Publish reached %d listeners, want 2", n)
	}
	if got, err := b.Pull(expired(), "alerts"); err != nil || got != "both" {
		t.Fatalf("Pull = %q, %v", got, err)
	}
	if got, err := b.PullSession(expired(), "alerts", id); err != nil || got != "both" {
		t.Fatalf("PullSession = %q, %v", got, err)
	}

	b.Unbind(ctx, "alerts")
	if n := mb.Listeners("alerts"); n != 1 {
		t.Fatalf("Unbind removed the session listener, Listeners = %d", n)
	}
}

func TestBridge_UnbindDuringInFlightPull(t *testing.T) {
	mb := newMemBus(t)
	b := newTestBridge(t, mb)
	ctx := context.Background()

	done := make(chan pullResult, 1)
	go func() {
		ev, err := b.Pull(ctx, "jobs")
		done <- pullResult{ev, err}
	}()
	waitFor(t, "pending pull", func() bool { return pendingOn(b, "jobs", "") })

	b.Unbind(ctx, "jobs")
	if n := mb.Listeners("jobs"); n != 1 {
		t.Fatalf("listener removed under an in-flight pull, Listeners = %d", n)
	}

	b.Publish(ctx, "jobs", "last")
	select {
	case r := <-done:
		if r.err != nil || r.event != "last" {
			t.Fatalf("Pull = %q, %v", r.event, r.err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("pull not resolved")
	}

	waitFor(t, "listener removal", func() bool { return mb.Listeners("jobs") == 0 })
	if b.logs.Len() != 0 {
		t.Fatalf("registry still holds %v", b.logs.Keys())
	}
}

func TestBridge_RegistrationFailure(t *testing.T) {
	tb := &testBus{MemBus: newMemBus(t), fail: errors.New("cluster unreachable")}
	b := newTestBridge(t, tb)
	ctx := context.Background()

	if _, err := b.Subscribe(ctx, "alerts"); !errors.Is(err, ErrRegistration) {
		t.Fatalf("Subscribe err = %v, want ErrRegistration", err)
	}
	_, err := b.Pull(ctx, "alerts")
	if !errors.Is(err, ErrRegistration) {
		t.Fatalf("Pull err = %v, want ErrRegistration", err)
	}
	if !errors.Is(err, tb.fail) {
		t.Fatalf("Pull err = %v does not carry the bus error", err)
	}
	if b.logs.Len() != 0 || len(b.Bindings()) != 0 {
		t.Fatalf("failed registration left state behind: %v", b.logs.Keys())
	}

	// A later attempt retries the registration.
	tb.fail = nil
	if _, err := b.Subscribe(ctx, "alerts"); err != nil {
		t.Fatalf("Subscribe after recovery: %v", err)
	}
}

func TestBridge_WaitsForRegistrationAck(t *testing.T) {
	tb := &testBus{MemBus: newMemBus(t), gate: make(chan struct{})}
	b := newTestBridge(t, tb)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := b.Subscribe(ctx, "alerts"); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Subscribe err = %v, want DeadlineExceeded", err)
	}

	done := make(chan error, 1)
	go func() {
		_, err := b.Subscribe(context.Background(), "alerts")
		done <- err
	}()
	select {
	case err := <-done:
		t.Fatalf("Subscribe returned before ack: %v", err)
	case <-time.After(20 * time.Millisecond):
	}

	close(tb.gate)
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Subscribe: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Subscribe did not return after ack")
	}
}

func TestBridge_ConcurrentSubscribers(t *testing.T) {
	mb := newMemBus(t)
	b := newTestBridge(t, mb)
	ctx := context.Background()

	const n = 32
	ids := make([]string, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id, err := b.Subscribe(ctx, "alerts")
			if err != nil {
				t.Errorf("Subscribe: %v", err)
				return
			}
			ids[i] = id
		}(i)
	}
	wg.Wait()

	if got := b.Publish(ctx, "alerts", "fan"); got != n {
		t.Fatalf("Publish reached %d listeners, want %d", got, n)
	}
	seen := map[string]bool{}
	for _, id := range ids {
		if seen[id] {
			t.Fatalf("duplicate session id %s", id)
		}
		seen[id] = true
		if got, err := b.PullSession(expired(), "alerts", id); err != nil || got != "fan" {
			t.Fatalf("session %s: %q, %v", id, got, err)
		}
	}
}

func TestBridge_Close(t *testing.T) {
	mb := newMemBus(t)
	b, err := New(Config{Bus: mb})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := b.Subscribe(ctx, fmt.Sprintf("s%d", i)); err != nil {
			t.Fatalf("Subscribe: %v", err)
		}
	}
	_, _ = b.Pull(expired(), "jobs")

	b.Close()
	if subjects := mb.Subjects(); len(subjects) != 0 {
		t.Fatalf("Subjects after Close = %v", subjects)
	}
	if len(b.Bindings()) != 0 {
		t.Fatalf("Bindings after Close = %+v", b.Bindings())
	}
}

func TestBridge_CloseRejectsNewBindings(t *testing.T) {
	mb := newMemBus(t)
	b := newTestBridge(t, mb)
	ctx := context.Background()

	b.Close()

	if _, err := b.Pull(ctx, "jobs"); !errors.Is(err, eventlog.ErrClosed) {
		t.Fatalf("Pull after Close err = %v, want ErrClosed", err)
	}
	if _, err := b.Subscribe(ctx, "alerts"); !errors.Is(err, eventlog.ErrClosed) {
		t.Fatalf("Subscribe after Close err = %v, want ErrClosed", err)
	}
	if subjects := mb.Subjects(); len(subjects) != 0 {
		t.Fatalf("Subjects after Close = %v", subjects)
	}
	if len(b.Bindings()) != 0 {
		t.Fatalf("Bindings after Close = %+v", b.Bindings())
	}
	if n := b.logs.Len(); n != 0 {
		t.Fatalf("registry holds %d logs after Close", n)
	}
}

func TestBridge_CloseRacingSubscribes(t *testing.T) {
	mb := newMemBus(t)
	b := newTestBridge(t, mb)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, _ = b.Subscribe(ctx, fmt.Sprintf("s%d", i%4))
		}(i)
	}
	b.Close()
	wg.Wait()

	if subjects := mb.Subjects(); len(subjects) != 0 {
		t.Fatalf("listeners left behind after Close: %v", subjects)
	}
	if len(b.Bindings()) != 0 {
		t.Fatalf("Bindings after Close = %+v", b.Bindings())
	}
}

type recordingObserver struct {
	mu        sync.Mutex
	published []int
	outcomes  []Outcome
	bound     int
	unbound   int
}

func (o *recordingObserver) Published(_ context.Context, _ string, n int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.published = append(o.published, n)
}

func (o *recordingObserver) PullStarted(ctx context.Context, _, _ string) (context.Context, func(Outcome)) {
	return ctx, func(out Outcome) {
		o.mu.Lock()
		defer o.mu.Unlock()
		o.outcomes = append(o.outcomes, out)
	}
}

func (o *recordingObserver) Bound(context.Context, uint64, string, string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.bound++
}

func (o *recordingObserver) Unbound(context.Context, uint64, string, string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.unbound++
}

func TestBridge_Observer(t *testing.T) {
	mb := newMemBus(t)
	obs := &recordingObserver{}
	b := newTestBridge(t, mb, func(c *Config) { c.Observer = obs })
	ctx := context.Background()

	id, _ := b.Subscribe(ctx, "alerts")
	b.Publish(ctx, "alerts", "x")
	_, _ = b.PullSession(expired(), "alerts", id)
	_, _ = b.PullSession(expired(), "alerts", id)
	_, _ = b.PullSession(ctx, "alerts", "nope")
	b.Unsubscribe(ctx, "alerts", id)

	obs.mu.Lock()
	defer obs.mu.Unlock()
	want := []Outcome{OutcomeEvent, OutcomeTimeout, OutcomeUnknownSession}
	if fmt.Sprint(obs.outcomes) != fmt.Sprint(want) {
		t.Fatalf("outcomes = %v, want %v", obs.outcomes, want)
	}
	if len(obs.published) != 1 || obs.published[0] != 1 {
		t.Fatalf("published = %v", obs.published)
	}
	if obs.bound != 1 || obs.unbound != 1 {
		t.Fatalf("bound=%d unbound=%d, want 1/1", obs.bound, obs.unbound)
	}
}

func TestOutcomeOf(t *testing.T) {
	tests := []struct {
		err  error
		want Outcome
	}{
		{nil, OutcomeEvent},
		{context.DeadlineExceeded, OutcomeTimeout},
		{context.Canceled, OutcomeCanceled},
		{eventlog.ErrClosed, OutcomeClosed},
		{eventlog.ErrPullPending, OutcomeConflict},
		{ErrUnknownSession, OutcomeUnknownSession},
		{errors.Join(ErrRegistration, errors.New("down")), OutcomeUnavailable},
	}
	for _, tt := range tests {
		if got := outcomeOf(tt.err); got != tt.want {
			t.Errorf("outcomeOf(%v) = %q, want %q", tt.err, got, tt.want)
		}
	}
}
