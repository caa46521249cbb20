// Package natsctx propagates OpenTelemetry trace context across NATS message boundaries.
package natsctx

import (
	"context"

	nats "github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

var propagator = propagation.TraceContext{}

// Publish injects the current trace context into message headers and publishes.
func Publish(ctx context.Context, js nats.JetStreamContext, subject string, data []byte) (*nats.PubAck, error) {
	hdr := nats.Header{}
	propagator.Inject(ctx, propagation.HeaderCarrier(hdr))
	msg := &nats.Msg{Subject: subject, Data: data, Header: hdr}
	return js.PublishMsg(msg)
}

// Consume extracts the trace context from a delivered message and starts a child span
// around the handler invocation.
func Consume(spanName string, msg *nats.Msg, handler func(context.Context, *nats.Msg)) {
	carrier := propagation.HeaderCarrier(msg.Header)
	ctx := propagator.Extract(context.Background(), carrier)
	tr := otel.Tracer("workflowcore-nats")
	ctx, span := tr.Start(ctx, spanName, trace.WithSpanKind(trace.SpanKindConsumer))
	defer span.End()
	handler(ctx, msg)
}
