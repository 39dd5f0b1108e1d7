package bridge

import "context"

// Outcome classifies how a pull ended.
type Outcome string

const (
	OutcomeEvent          Outcome = "event"
	OutcomeTimeout        Outcome = "timeout"
	OutcomeCanceled       Outcome = "canceled"
	OutcomeClosed         Outcome = "closed"
	OutcomeConflict       Outcome = "conflict"
	OutcomeUnavailable    Outcome = "unavailable"
	OutcomeUnknownSession Outcome = "unknown_session"
)

// Observer receives bridge lifecycle notifications. Implementations must be
// safe for concurrent use and must not block.
type Observer interface {
	// Published is called after every publish with the number of listeners
	// the payload reached.
	Published(ctx context.Context, subject string, listeners int)

	// PullStarted is called when a pull begins. The returned function is
	// called exactly once with the pull's outcome.
	PullStarted(ctx context.Context, subject, session string) (context.Context, func(Outcome))

	// Bound is called when a log is bound to the bus. id identifies the
	// binding; a subject can have a binding being torn down and a new one
	// live at the same time.
	Bound(ctx context.Context, id uint64, subject, session string)

	// Unbound is called once for every Bound, with the same id, when the
	// binding's listener is removed.
	Unbound(ctx context.Context, id uint64, subject, session string)
}

type nopObserver struct{}

func (nopObserver) Published(context.Context, string, int) {}

func (nopObserver) PullStarted(ctx context.Context, _, _ string) (context.Context, func(Outcome)) {
	return ctx, func(Outcome) {}
}

func (nopObserver) Bound(context.Context, uint64, string, string)   {}
func (nopObserver) Unbound(context.Context, uint64, string, string) {}
