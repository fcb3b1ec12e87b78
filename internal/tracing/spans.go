package tracing

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Span attribute keys.
const (
	AttrAppletID   = "substrate.applet.id"
	AttrEntryPoint = "substrate.entry_point"
	AttrCacheHit   = "substrate.cache.hit"
	AttrBodySize   = "substrate.request.body_size"
	AttrErrorKind  = "error.type"
)

// Span names.
const (
	SpanInvoke  = "substrate.invoke"
	SpanCompile = "substrate.compile"
)

// StartSpan starts a span on tracer. A nil tracer yields the span already in
// ctx, which is a no-op span when there is none.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	if tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	return tracer.Start(ctx, name, opts...)
}

// SetSpanError records err on the span and marks it failed with kind as the
// error type.
func SetSpanError(span trace.Span, err error, kind string) {
	if span == nil || err == nil {
		return
	}
	span.RecordError(err)
	if kind != "" {
		span.SetAttributes(ErrorKindAttr(kind))
	}
	span.SetStatus(codes.Error, err.Error())
}

// SetSpanOK sets the span status to Ok.
func SetSpanOK(span trace.Span) {
	if span == nil {
		return
	}
	span.SetStatus(codes.Ok, "")
}

// AppletAttr returns an attribute for the applet handle.
func AppletAttr(handle string) attribute.KeyValue {
	return attribute.String(AttrAppletID, handle)
}

func EntryPointAttr(symbol string) attribute.KeyValue {
	return attribute.String(AttrEntryPoint, symbol)
}

func CacheHitAttr(hit bool) attribute.KeyValue {
	return attribute.Bool(AttrCacheHit, hit)
}

func BodySizeAttr(n int) attribute.KeyValue {
	return attribute.Int(AttrBodySize, n)
}

func ErrorKindAttr(kind string) attribute.KeyValue {
	return attribute.String(AttrErrorKind, kind)
}
