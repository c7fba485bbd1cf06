// Package telemetry provides thin Tracer/Meter accessors over the global
// OpenTelemetry providers. Every package in this module that wants a span
// or a counter calls telemetry.Tracer/telemetry.Meter with its own
// instrumentation name — by default those resolve to otel's no-op
// providers, so none of these calls cost anything or require a collector.
// A host process that wants real telemetry sets the global providers with
// otel.SetTracerProvider/otel.SetMeterProvider during startup (outside this
// package's scope) and every instrumented call point here picks it up
// automatically, the same way the teacher's dolt store package does.
package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// Tracer returns a named tracer against the current global TracerProvider.
func Tracer(name string) trace.Tracer {
	return otel.Tracer(name)
}

// Meter returns a named meter against the current global MeterProvider.
func Meter(name string) metric.Meter {
	return otel.Meter(name)
}

// StartSpan is a convenience wrapper around Tracer(name).Start.
func StartSpan(ctx context.Context, name, spanName string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return Tracer(name).Start(ctx, spanName, opts...)
}

// EndSpan records err (if non-nil) onto span and ends it. Mirrors the
// dolt store package's endSpan helper.
func EndSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
