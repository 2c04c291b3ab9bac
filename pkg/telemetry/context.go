package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

// SpanRef is the persistable identity of a span: what an envelope or a DB
// row stores so a later task can continue or link back to the trace.
type SpanRef struct {
	TraceID string `json:"trace_id"`
	SpanID  string `json:"span_id"`
}

// Valid reports whether both ids are present.
func (r SpanRef) Valid() bool {
	return r.TraceID != "" && r.SpanID != ""
}

// SpanContext rebuilds a remote span context from the ref. ok is false when
// either id fails to parse.
func (r SpanRef) SpanContext() (trace.SpanContext, bool) {
	tid, tidErr := trace.TraceIDFromHex(r.TraceID)
	sid, sidErr := trace.SpanIDFromHex(r.SpanID)
	if tidErr != nil || sidErr != nil {
		return trace.SpanContext{}, false
	}
	return trace.NewSpanContext(trace.SpanContextConfig{
		TraceID: tid,
		SpanID:  sid,
		Remote:  true,
	}), true
}

// RefFromContext extracts the current span's identity, or a zero ref when
// no span is recording.
func RefFromContext(ctx context.Context) SpanRef {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.IsValid() {
		return SpanRef{}
	}
	return SpanRef{
		TraceID: sc.TraceID().String(),
		SpanID:  sc.SpanID().String(),
	}
}

// Inject serializes the active trace context into a string map suitable for
// an envelope's trace_context field. Returns nil when no span is active.
func Inject(ctx context.Context) map[string]string {
	carrier := propagation.MapCarrier{}
	otel.GetTextMapPropagator().Inject(ctx, carrier)
	if len(carrier) == 0 {
		return nil
	}
	return map[string]string(carrier)
}

// Extract restores a trace context previously captured with Inject. The
// returned context carries the remote parent; spans started under it
// continue the caller's trace. A nil or empty map returns ctx unchanged.
func Extract(ctx context.Context, traceContext map[string]string) context.Context {
	if len(traceContext) == 0 {
		return ctx
	}
	return otel.GetTextMapPropagator().Extract(ctx, propagation.MapCarrier(traceContext))
}

// StartLinkedSpan starts a span that carries a span-link back to ref,
// for async work that was scheduled by an earlier, already-ended span.
// The parent relationship comes from ctx (extract the stored trace context
// first to stay on the same trace); the link records which accept span
// scheduled this work. Invalid refs degrade to a span without the link.
func StartLinkedSpan(ctx context.Context, tracer trace.Tracer, name string, ref SpanRef, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	if tracer == nil {
		tracer = Tracer()
	}

	opts := []trace.SpanStartOption{}
	if sc, ok := ref.SpanContext(); ok {
		opts = append(opts, trace.WithLinks(trace.Link{
			SpanContext: sc,
			Attributes:  attrs,
		}))
	}

	ctx, span := tracer.Start(ctx, name, opts...)
	if len(attrs) > 0 {
		span.SetAttributes(attrs...)
	}
	return ctx, span
}

// RecordSpanError records err on the active span and marks it failed.
func RecordSpanError(ctx context.Context, err error) {
	if err == nil {
		return
	}
	span := trace.SpanFromContext(ctx)
	if !span.IsRecording() {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
