package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"
)

// Standard attribute keys for crewdesk spans and metrics.
var (
	AttrAgentID      = attribute.Key("crewdesk.agent.id")
	AttrTaskID       = attribute.Key("crewdesk.task.id")
	AttrSessionID    = attribute.Key("crewdesk.session.id")
	AttrTenantID     = attribute.Key("crewdesk.tenant.id")
	AttrToolName     = attribute.Key("crewdesk.tool.name")
	AttrModel        = attribute.Key("crewdesk.llm.model")
	AttrTokensInput  = attribute.Key("crewdesk.llm.tokens.input")
	AttrTokensOutput = attribute.Key("crewdesk.llm.tokens.output")
	AttrOutcome      = attribute.Key("crewdesk.outcome")
	AttrBackend      = attribute.Key("crewdesk.backend")
)

// NoopTracer is used by components constructed without a provider.
func NoopTracer() trace.Tracer {
	return nooptrace.NewTracerProvider().Tracer(TracerName)
}

// StartSpan is a convenience wrapper that starts an internal span with common attributes.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartServerSpan starts a span for an inbound gateway request.
func StartServerSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindServer),
	)
}

// StartClientSpan starts a span for an outbound call (LLM API, redis, broker).
func StartClientSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindClient),
	)
}
