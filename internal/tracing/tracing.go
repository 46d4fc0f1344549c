// Package tracing wires OpenTelemetry tracing through the synchronizer,
// exporting to Jaeger, grounded on the teacher's tracing_test.go (the
// teacher pack carries the test for this package but not the
// implementation it pins down; InitTracer/StartSpan are written fresh to
// that contract).
package tracing

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/jaeger"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
)

// InitTracer builds a TracerProvider exporting spans to a Jaeger
// collector at jaegerEndpoint and installs it as the global provider.
// The provider is returned even if jaegerEndpoint is unreachable;
// export failures surface later, per-batch, not at construction.
func InitTracer(serviceName, jaegerEndpoint string) (*sdktrace.TracerProvider, error) {
	exp, err := jaeger.New(jaeger.WithCollectorEndpoint(jaeger.WithEndpoint(jaegerEndpoint)))
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceNameKey.String(serviceName),
		)),
	)
	otel.SetTracerProvider(tp)
	return tp, nil
}

// tracerName identifies spans emitted by the synchronizer in the global
// provider's instrumentation scope.
const tracerName = "github.com/syncmesh/repo"

// StartSpan opens a span named name under ctx, tagged with attrs. Callers
// end the span themselves; the storage coordinator opens one this way
// around each SaveDoc and LoadDoc.
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	tracer := otel.Tracer(tracerName)
	return tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}
