package otel

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/petal-labs/petalpoll/bridge"
)

// Observer reports bridge activity as metrics and spans.
type Observer struct {
	metrics *Metrics
	tracing *Tracing
	now     func() time.Time
}

// NewObserver creates an observer bound to the provided meter and tracer. A
// nil tracer disables spans.
func NewObserver(meter metric.Meter, tracer trace.Tracer) (*Observer, error) {
	m, err := NewMetrics(meter)
	if err != nil {
		return nil, err
	}
	o := &Observer{metrics: m, now: time.Now}
	if tracer != nil {
		o.tracing = NewTracing(tracer)
	}
	return o, nil
}

// Tracing returns the observer's span tracker, or nil when spans are disabled.
func (o *Observer) Tracing() *Tracing {
	return o.tracing
}

func (o *Observer) Published(ctx context.Context, subject string, listeners int) {
	o.metrics.published(ctx, subject, listeners)
	if o.tracing == nil {
		return
	}
	trace.SpanFromContext(ctx).AddEvent("petalpoll.published",
		trace.WithAttributes(bindingAttrs(subject, "")...),
	)
}

func (o *Observer) PullStarted(ctx context.Context, subject, session string) (context.Context, func(bridge.Outcome)) {
	start := o.now()

	var span trace.Span
	if o.tracing != nil {
		ctx, span = o.tracing.startPull(ctx, subject, session)
	}

	return ctx, func(outcome bridge.Outcome) {
		o.metrics.pulled(context.Background(), subject, session, outcome, o.now().Sub(start))
		if span != nil {
			endPull(span, outcome)
		}
	}
}

func (o *Observer) Bound(ctx context.Context, id uint64, subject, session string) {
	o.metrics.bound(ctx, session, 1)
	if o.tracing != nil {
		o.tracing.bound(ctx, id, subject, session)
	}
}

func (o *Observer) Unbound(ctx context.Context, id uint64, _, session string) {
	o.metrics.bound(ctx, session, -1)
	if o.tracing != nil {
		o.tracing.unbound(id)
	}
}

var _ bridge.Observer = (*Observer)(nil)
