// Package otel provides OpenTelemetry integration for the petalpoll bridge.
package otel

import (
	"context"
	"errors"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/petal-labs/petalpoll/bridge"
)

// Tracing turns binding lifetimes and pulls into spans. A binding span runs
// from the listener registration to its removal.
type Tracing struct {
	tracer trace.Tracer

	mu           sync.RWMutex
	bindingSpans map[uint64]bindingSpan // binding id -> span
}

type bindingSpan struct {
	subject string
	session string
	span    trace.Span
}

// NewTracing creates a Tracing that starts spans on tracer.
func NewTracing(tracer trace.Tracer) *Tracing {
	return &Tracing{
		tracer:       tracer,
		bindingSpans: make(map[uint64]bindingSpan),
	}
}

func bindingAttrs(subject, session string) []attribute.KeyValue {
	attrs := []attribute.KeyValue{attribute.String("petalpoll.subject", subject)}
	if session != "" {
		attrs = append(attrs, attribute.String("petalpoll.session_id", session))
	}
	return attrs
}

// bound starts the span for binding id.
func (t *Tracing) bound(ctx context.Context, id uint64, subject, session string) {
	_, span := t.tracer.Start(context.WithoutCancel(ctx), "binding:"+subject,
		trace.WithAttributes(bindingAttrs(subject, session)...),
		trace.WithAttributes(attribute.Int64("petalpoll.binding_id", int64(id))),
	)

	t.mu.Lock()
	t.bindingSpans[id] = bindingSpan{subject: subject, session: session, span: span}
	t.mu.Unlock()
}

// unbound ends the span for binding id.
func (t *Tracing) unbound(id uint64) {
	t.mu.Lock()
	bs, ok := t.bindingSpans[id]
	if ok {
		delete(t.bindingSpans, id)
	}
	t.mu.Unlock()

	if ok {
		bs.span.SetStatus(codes.Ok, "")
		bs.span.End()
	}
}

// startPull starts a pull span as a child of ctx.
func (t *Tracing) startPull(ctx context.Context, subject, session string) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, "pull:"+subject,
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(bindingAttrs(subject, session)...),
	)
}

// endPull ends a pull span. Timeouts and cancellations are normal long-poll
// endings; only bus and contract failures mark the span as an error.
func endPull(span trace.Span, outcome bridge.Outcome) {
	span.SetAttributes(attribute.String("petalpoll.outcome", string(outcome)))
	switch outcome {
	case bridge.OutcomeConflict, bridge.OutcomeUnavailable:
		span.SetStatus(codes.Error, string(outcome))
		span.RecordError(errors.New(string(outcome)))
	default:
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

// ActiveBindingSpanContext returns the span context of the newest binding
// span for subject and session, or an empty SpanContext if none is active.
func (t *Tracing) ActiveBindingSpanContext(subject, session string) trace.SpanContext {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var (
		newest uint64
		found  trace.Span
	)
	for id, bs := range t.bindingSpans {
		if bs.subject == subject && bs.session == session && id >= newest {
			newest, found = id, bs.span
		}
	}
	if found == nil {
		return trace.SpanContext{}
	}
	return found.SpanContext()
}

// ActiveBindingSpans returns the number of binding spans not yet ended.
func (t *Tracing) ActiveBindingSpans() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.bindingSpans)
}
