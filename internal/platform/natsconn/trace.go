package natsconn

import (
	"context"

	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/louisbranch/chatline/internal/platform/natsconn"

// HeaderCarrier adapts nats.Header to a propagation.TextMapCarrier.
type HeaderCarrier struct {
	Header nats.Header
}

func (c HeaderCarrier) Get(key string) string { return c.Header.Get(key) }

func (c HeaderCarrier) Set(key, value string) { c.Header.Set(key, value) }

func (c HeaderCarrier) Keys() []string {
	keys := make([]string, 0, len(c.Header))
	for key := range c.Header {
		keys = append(keys, key)
	}
	return keys
}

// Inject returns a header carrying the trace context of ctx.
func Inject(ctx context.Context) nats.Header {
	header := nats.Header{}
	otel.GetTextMapPropagator().Inject(ctx, HeaderCarrier{Header: header})
	return header
}

// Extract restores the trace context carried by header.
func Extract(ctx context.Context, header nats.Header) context.Context {
	if header == nil {
		return ctx
	}
	return otel.GetTextMapPropagator().Extract(ctx, HeaderCarrier{Header: header})
}

// Publish sends data on subject inside a producer span with trace headers.
func Publish(ctx context.Context, nc *nats.Conn, subject string, data []byte) error {
	ctx, span := otel.Tracer(tracerName).Start(ctx, subject+" publish",
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(messagingAttrs(subject, len(data))...),
	)
	defer span.End()

	err := nc.PublishMsg(&nats.Msg{Subject: subject, Data: data, Header: Inject(ctx)})
	if err != nil {
		span.RecordError(err)
	}
	return err
}

// StartConsumerSpan starts a consumer span linked to the publisher of msg.
// Callers end the span.
func StartConsumerSpan(ctx context.Context, msg *nats.Msg, operation string) (context.Context, trace.Span) {
	ctx = Extract(ctx, msg.Header)
	return otel.Tracer(tracerName).Start(ctx, operation,
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(messagingAttrs(msg.Subject, len(msg.Data))...),
	)
}

func messagingAttrs(subject string, size int) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String("messaging.system", "nats"),
		attribute.String("messaging.destination.name", subject),
		attribute.Int("messaging.message.payload_size_bytes", size),
	}
}
