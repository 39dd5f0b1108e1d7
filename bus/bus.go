// Package bus defines the push-based messaging substrate that petalpoll bridges
// to long-poll clients, and provides an in-memory implementation of it.
//
// Publishers broadcast encoded payloads to a subject; every listener
// registered on that subject receives each payload once. Payloads published
// while a subject has no listeners are dropped.
package bus

import (
	"context"
	"errors"
)

// ErrClosed is returned by operations on a closed bus.
var ErrClosed = errors.New("bus: closed")

// ListenerID identifies one listener registration.
type ListenerID string

// Handler receives raw payloads delivered to a listener.
type Handler func(payload []byte)

// Executor runs listener invocations. DirectExecutor runs them inline on the
// broadcasting goroutine.
type Executor func(task func())

// DirectExecutor invokes task on the calling goroutine.
func DirectExecutor(task func()) { task() }

// EventService is the contract the bridge requires from the messaging
// substrate.
type EventService interface {
	// Broadcast publishes payload to every listener on subject and returns the
	// number of listeners it was handed to. Zero listeners is not an error.
	Broadcast(ctx context.Context, subject string, payload []byte) (int, error)

	// AddSubscriber registers handler on subject. The returned channel yields
	// exactly one value, nil or an error, once the registration has been
	// acknowledged, and is then closed.
	AddSubscriber(ctx context.Context, subject string, handler Handler, exec Executor) (ListenerID, <-chan error)

	// RemoveSubscriber deregisters one listener. Unknown IDs are ignored.
	RemoveSubscriber(subject string, id ListenerID)

	// RemoveSubject deregisters every listener on subject. It is idempotent.
	RemoveSubject(subject string)

	// Close shuts down the service and all registrations.
	Close() error
}

// Broadcast encodes v with enc and publishes it on subject.
func Broadcast[T any](ctx context.Context, svc EventService, subject string, v T, enc Encoder[T]) (int, error) {
	payload, err := enc(v)
	if err != nil {
		return 0, err
	}
	return svc.Broadcast(ctx, subject, payload)
}

// AddSubscriber registers listener on subject, decoding each payload with dec
// before handing it over. Payloads that fail to decode are passed to onError
// when it is non-nil and otherwise skipped.
func AddSubscriber[T any](
	ctx context.Context,
	svc EventService,
	subject string,
	dec Decoder[T],
	listener func(T),
	exec Executor,
	onError func(error),
) (ListenerID, <-chan error) {
	return svc.AddSubscriber(ctx, subject, func(payload []byte) {
		v, err := dec(payload)
		if err != nil {
			if onError != nil {
				onError(err)
			}
			return
		}
		listener(v)
	}, exec)
}

// acked returns a closed channel carrying err.
func acked(err error) <-chan error {
	ch := make(chan error, 1)
	ch <- err
	close(ch)
	return ch
}
