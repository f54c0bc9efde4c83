package tracing

import (
	"context"

	"github.com/serum-errors/go-serum"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

type ctxKey struct{}

var noop = trace.NewNoopTracerProvider().Tracer("")

// TracerFromCtx returns the tracer carried by ctx, or a no-op tracer.
func TracerFromCtx(ctx context.Context) trace.Tracer {
	if tracer, ok := ctx.Value(ctxKey{}).(trace.Tracer); ok {
		return tracer
	}
	return noop
}

// SetTracer returns ctx carrying tracer. A nil tracer stores the no-op tracer,
// which keeps a parent context's tracer from leaking into the child.
func SetTracer(ctx context.Context, tracer trace.Tracer) context.Context {
	if tracer == nil {
		tracer = noop
	}
	if existing, ok := ctx.Value(ctxKey{}).(trace.Tracer); ok && existing == tracer {
		return ctx
	}
	return context.WithValue(ctx, ctxKey{}, tracer)
}

// Start starts a span on the context's tracer.
// See go.opentelemetry.io/otel/trace.Tracer.Start.
func Start(ctx context.Context, spanName string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return TracerFromCtx(ctx).Start(ctx, spanName, opts...)
}

// SetSpanError marks the span in ctx as failed with err's serum code.
// A nil err does nothing.
func SetSpanError(ctx context.Context, err error) {
	if err != nil {
		recordError(trace.SpanFromContext(ctx), err)
	}
}

// EndWithStatus sets the span status from err and ends the span.
// Meant for a deferred call with a named error return.
func EndWithStatus(span trace.Span, err error) {
	if err != nil {
		recordError(span, err)
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

func recordError(span trace.Span, err error) {
	span.SetAttributes(attribute.String(AttrKeyScifloErrorCode, serum.Code(err)))
	span.SetStatus(codes.Error, err.Error())
}
