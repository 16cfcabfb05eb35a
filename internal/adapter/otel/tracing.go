package otel

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("drover")

// StartSpan opens a span on the global tracer. With no provider installed
// this is a no-op span.
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

// String builds a string span attribute.
func String(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// Bool builds a bool span attribute.
func Bool(key string, value bool) attribute.KeyValue {
	return attribute.Bool(key, value)
}
