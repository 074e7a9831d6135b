package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Attribute keys used on bot spans and metrics.
var (
	AttrChatID     = attribute.Key("wtfbot.chat.id")
	AttrUserID     = attribute.Key("wtfbot.user.id")
	AttrAction     = attribute.Key("wtfbot.routing.action")
	AttrSource     = attribute.Key("wtfbot.routing.source")
	AttrProvider   = attribute.Key("wtfbot.llm.provider")
	AttrModel      = attribute.Key("wtfbot.llm.model")
	AttrErrorClass = attribute.Key("wtfbot.llm.error_class")
	AttrWindowSize = attribute.Key("wtfbot.summary.window")
	AttrHandler    = attribute.Key("wtfbot.dispatch.handler")
	AttrDirection  = attribute.Key("wtfbot.llm.token_direction")
)

// StartSpan starts an internal span with common attributes.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartConsumerSpan starts a span for one inbound Telegram update.
func StartConsumerSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindConsumer),
	)
}

// StartClientSpan starts a span for an outbound call (LLM API, Mem0).
func StartClientSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindClient),
	)
}

// TracerOrNoop returns t, or a no-op tracer when t is nil.
func TracerOrNoop(t trace.Tracer) trace.Tracer {
	if t == nil {
		return noopTracer
	}
	return t
}
