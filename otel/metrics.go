package otel

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/petal-labs/petalpoll/bridge"
)

// Metrics records bridge activity as OpenTelemetry instruments.
type Metrics struct {
	publishes metric.Int64Counter
	reach     metric.Int64Histogram
	pulls     metric.Int64Counter
	pullWait  metric.Float64Histogram
	bindings  metric.Int64UpDownCounter
	sessions  metric.Int64UpDownCounter
}

// NewMetrics creates the bridge instruments on meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	publishes, err := meter.Int64Counter("petalpoll.publish.count",
		metric.WithDescription("Number of publish calls"),
	)
	if err != nil {
		return nil, err
	}

	reach, err := meter.Int64Histogram("petalpoll.publish.listeners",
		metric.WithDescription("Listeners reached per publish"),
	)
	if err != nil {
		return nil, err
	}

	pulls, err := meter.Int64Counter("petalpoll.pull.count",
		metric.WithDescription("Number of completed pulls by outcome"),
	)
	if err != nil {
		return nil, err
	}

	pullWait, err := meter.Float64Histogram("petalpoll.pull.wait",
		metric.WithDescription("Time a pull spent waiting in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	bindings, err := meter.Int64UpDownCounter("petalpoll.bindings.active",
		metric.WithDescription("Logs currently bound to the bus"),
	)
	if err != nil {
		return nil, err
	}

	sessions, err := meter.Int64UpDownCounter("petalpoll.sessions.active",
		metric.WithDescription("Sessions currently subscribed"),
	)
	if err != nil {
		return nil, err
	}

	return &Metrics{
		publishes: publishes,
		reach:     reach,
		pulls:     pulls,
		pullWait:  pullWait,
		bindings:  bindings,
		sessions:  sessions,
	}, nil
}

func (m *Metrics) published(ctx context.Context, subject string, listeners int) {
	attrs := metric.WithAttributes(
		attribute.String("subject", subject),
		attribute.Bool("dropped", listeners == 0),
	)
	m.publishes.Add(ctx, 1, attrs)
	m.reach.Record(ctx, int64(listeners), metric.WithAttributes(attribute.String("subject", subject)))
}

func (m *Metrics) pulled(ctx context.Context, subject, session string, outcome bridge.Outcome, wait time.Duration) {
	attrs := metric.WithAttributes(
		attribute.String("subject", subject),
		attribute.String("mode", pullMode(session)),
		attribute.String("outcome", string(outcome)),
	)
	m.pulls.Add(ctx, 1, attrs)
	m.pullWait.Record(ctx, wait.Seconds(), attrs)
}

func (m *Metrics) bound(ctx context.Context, session string, delta int64) {
	m.bindings.Add(ctx, delta, metric.WithAttributes(attribute.String("mode", pullMode(session))))
	if session != "" {
		m.sessions.Add(ctx, delta)
	}
}

func pullMode(session string) string {
	if session == "" {
		return "shared"
	}
	return "session"
}
