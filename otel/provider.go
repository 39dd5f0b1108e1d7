package otel

import (
	"context"
	"errors"
	"fmt"
	"sort"

	otelapi "go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// ProviderConfig configures the process-wide telemetry providers.
type ProviderConfig struct {
	ServiceName string

	// OTLPEndpoint is the host:port of an OTLP/HTTP trace collector. Spans
	// are sampled but not exported when empty.
	OTLPEndpoint string
	Insecure     bool

	// SampleRatio is the fraction of root traces kept. Zero keeps all.
	SampleRatio float64
}

// Provider owns the tracer and meter providers. Metrics are collected on
// demand through Snapshot.
type Provider struct {
	Tracer *sdktrace.TracerProvider
	Meter  *sdkmetric.MeterProvider

	reader *sdkmetric.ManualReader
}

// NewProvider builds the tracer and meter providers and installs them as the
// global providers.
func NewProvider(ctx context.Context, cfg ProviderConfig) (*Provider, error) {
	if cfg.ServiceName == "" {
		cfg.ServiceName = "petalpoll"
	}
	res := resource.NewSchemaless(attribute.String("service.name", cfg.ServiceName))

	sampler := sdktrace.AlwaysSample()
	if cfg.SampleRatio > 0 && cfg.SampleRatio < 1 {
		sampler = sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SampleRatio))
	}
	traceOpts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler),
	}
	if cfg.OTLPEndpoint != "" {
		exporterOpts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(cfg.OTLPEndpoint)}
		if cfg.Insecure {
			exporterOpts = append(exporterOpts, otlptracehttp.WithInsecure())
		}
		exporter, err := otlptracehttp.New(ctx, exporterOpts...)
		if err != nil {
			return nil, fmt.Errorf("creating otlp trace exporter: %w", err)
		}
		traceOpts = append(traceOpts, sdktrace.WithBatcher(exporter))
	}

	reader := sdkmetric.NewManualReader()
	p := &Provider{
		Tracer: sdktrace.NewTracerProvider(traceOpts...),
		Meter: sdkmetric.NewMeterProvider(
			sdkmetric.WithResource(res),
			sdkmetric.WithReader(reader),
		),
		reader: reader,
	}

	otelapi.SetTracerProvider(p.Tracer)
	otelapi.SetMeterProvider(p.Meter)
	return p, nil
}

// Shutdown flushes pending spans and stops both providers.
func (p *Provider) Shutdown(ctx context.Context) error {
	return errors.Join(p.Tracer.Shutdown(ctx), p.Meter.Shutdown(ctx))
}

// MetricPoint is one data point from a metric snapshot.
type MetricPoint struct {
	Name       string            `json:"name"`
	Kind       string            `json:"kind"`
	Attributes map[string]string `json:"attributes,omitempty"`
	Value      float64           `json:"value"`
	Count      uint64            `json:"count,omitempty"`
}

// Snapshot collects the current value of every instrument. Histograms report
// their sum in Value and their sample count in Count.
func (p *Provider) Snapshot(ctx context.Context) ([]MetricPoint, error) {
	var rm metricdata.ResourceMetrics
	if err := p.reader.Collect(ctx, &rm); err != nil {
		return nil, err
	}

	var out []MetricPoint
	for _, scope := range rm.ScopeMetrics {
		for _, m := range scope.Metrics {
			out = append(out, points(m)...)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func points(m metricdata.Metrics) []MetricPoint {
	var out []MetricPoint
	switch data := m.Data.(type) {
	case metricdata.Sum[int64]:
		for _, dp := range data.DataPoints {
			out = append(out, MetricPoint{Name: m.Name, Kind: "sum", Attributes: attrMap(dp.Attributes), Value: float64(dp.Value)})
		}
	case metricdata.Sum[float64]:
		for _, dp := range data.DataPoints {
			out = append(out, MetricPoint{Name: m.Name, Kind: "sum", Attributes: attrMap(dp.Attributes), Value: dp.Value})
		}
	case metricdata.Histogram[int64]:
		for _, dp := range data.DataPoints {
			out = append(out, MetricPoint{Name: m.Name, Kind: "histogram", Attributes: attrMap(dp.Attributes), Value: float64(dp.Sum), Count: dp.Count})
		}
	case metricdata.Histogram[float64]:
		for _, dp := range data.DataPoints {
			out = append(out, MetricPoint{Name: m.Name, Kind: "histogram", Attributes: attrMap(dp.Attributes), Value: dp.Sum, Count: dp.Count})
		}
	}
	return out
}

func attrMap(set attribute.Set) map[string]string {
	if set.Len() == 0 {
		return nil
	}
	out := make(map[string]string, set.Len())
	iter := set.Iter()
	for iter.Next() {
		kv := iter.Attribute()
		out[string(kv.Key)] = kv.Value.Emit()
	}
	return out
}
