package observability

import (
	"context"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

func TestMessageAttributes_CarrySpanContext(t *testing.T) {
	otel.SetTextMapPropagator(propagation.TraceContext{})

	sc := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    trace.TraceID{0x01, 0x02, 0x03},
		SpanID:     trace.SpanID{0x0a, 0x0b},
		TraceFlags: trace.FlagsSampled,
	})
	ctx := trace.ContextWithSpanContext(context.Background(), sc)

	attrs := InjectMessageAttributes(ctx)
	if got := aws.ToString(attrs["traceparent"].DataType); got != "String" {
		t.Fatalf("traceparent DataType = %q, want String", got)
	}

	got := trace.SpanContextFromContext(ExtractMessageAttributes(context.Background(), attrs))
	if got.TraceID() != sc.TraceID() || got.SpanID() != sc.SpanID() {
		t.Errorf("extracted = %s/%s, want %s/%s", got.TraceID(), got.SpanID(), sc.TraceID(), sc.SpanID())
	}
	if !got.IsRemote() {
		t.Error("extracted span context should be remote")
	}
}

func TestMessageAttributeCarrier_IgnoresNonString(t *testing.T) {
	c := MessageAttributeCarrier{
		"traceparent": {DataType: aws.String("Binary"), BinaryValue: []byte("x")},
	}
	if got := c.Get("traceparent"); got != "" {
		t.Errorf("Get() = %q, want empty for binary attribute", got)
	}
	if got := c.Get("missing"); got != "" {
		t.Errorf("Get() = %q, want empty", got)
	}
}
