package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Standard attribute keys for overseer spans.
var (
	AttrAgentID        = attribute.Key("overseer.agent.id")
	AttrTaskID         = attribute.Key("overseer.task.id")
	AttrTaskType       = attribute.Key("overseer.task.type")
	AttrToolName       = attribute.Key("overseer.tool.name")
	AttrRunID          = attribute.Key("overseer.run.id")
	AttrRunIteration   = attribute.Key("overseer.run.iteration")
	AttrConversationID = attribute.Key("overseer.conversation.id")
	AttrApprovalID     = attribute.Key("overseer.approval.id")
	AttrTokensInput    = attribute.Key("overseer.llm.tokens.input")
	AttrTokensOutput   = attribute.Key("overseer.llm.tokens.output")
)

// StartSpan starts an internal span with common attributes.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartClientSpan starts a span for an outbound call (LLM API, policy backend).
func StartClientSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindClient),
	)
}
