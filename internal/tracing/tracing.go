// Package tracing builds the OpenTelemetry tracer provider LSS attaches
// one span to per upstream RPC. No exporter is wired here, since where
// spans actually go (Jaeger, OTLP collector, ...) is an operational choice
// outside this module's scope; ServiceName just labels the resource.
package tracing

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

// Options configures New.
type Options struct {
	ServiceName string
	NodeID      string
	SampleRatio float64
}

// New builds and installs a process-global TracerProvider, returning a
// shutdown func the caller should defer.
func New(opts Options) (trace.TracerProvider, func(context.Context) error, error) {
	if opts.SampleRatio <= 0 {
		opts.SampleRatio = 1.0
	}
	res, err := resource.Merge(resource.Default(), resource.NewSchemaless(
		attribute.String("service.name", opts.ServiceName),
		attribute.String("service.instance.id", opts.NodeID),
	))
	if err != nil {
		return nil, nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(opts.SampleRatio))),
	)
	otel.SetTracerProvider(tp)
	return tp, tp.Shutdown, nil
}
