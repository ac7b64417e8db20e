package observability

import (
	"context"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

// MessageAttributeCarrier adapts SQS message attributes to a propagation
// carrier. Only string attributes are read.
type MessageAttributeCarrier map[string]types.MessageAttributeValue

var _ propagation.TextMapCarrier = MessageAttributeCarrier(nil)

func (c MessageAttributeCarrier) Get(key string) string {
	v, ok := c[key]
	if !ok || aws.ToString(v.DataType) != "String" {
		return ""
	}
	return aws.ToString(v.StringValue)
}

func (c MessageAttributeCarrier) Set(key, value string) {
	c[key] = types.MessageAttributeValue{
		DataType:    aws.String("String"),
		StringValue: aws.String(value),
	}
}

func (c MessageAttributeCarrier) Keys() []string {
	keys := make([]string, 0, len(c))
	for k := range c {
		keys = append(keys, k)
	}
	return keys
}

// InjectMessageAttributes returns attributes carrying the span context of ctx.
func InjectMessageAttributes(ctx context.Context) map[string]types.MessageAttributeValue {
	c := MessageAttributeCarrier{}
	otel.GetTextMapPropagator().Inject(ctx, c)
	return c
}

// ExtractMessageAttributes continues the trace carried by attrs, if any.
func ExtractMessageAttributes(ctx context.Context, attrs map[string]types.MessageAttributeValue) context.Context {
	return otel.GetTextMapPropagator().Extract(ctx, MessageAttributeCarrier(attrs))
}
