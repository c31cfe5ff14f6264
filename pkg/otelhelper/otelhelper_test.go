package otelhelper

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestEnd(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tracer := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder)).Tracer("test")

	_, succeeded := StartSpan(context.Background(), tracer, "scheduler.node", attribute.String(NodeIDKey, "draft"))
	End(succeeded, nil, attribute.String(ProviderKey, "workspace"))

	_, failed := StartSpan(context.Background(), tracer, "execution.route")
	End(failed, errors.New("provider unavailable"))

	spans := recorder.Ended()
	require.Len(t, spans, 2)

	assert.Equal(t, codes.Ok, spans[0].Status().Code)
	assert.Contains(t, spans[0].Attributes(), attribute.String(NodeIDKey, "draft"))
	assert.Contains(t, spans[0].Attributes(), attribute.String(ProviderKey, "workspace"))

	assert.Equal(t, codes.Error, spans[1].Status().Code)
	assert.Equal(t, "provider unavailable", spans[1].Status().Description)
	require.Len(t, spans[1].Events(), 2)
	assert.Equal(t, "error_occurred", spans[1].Events()[1].Name)
}

func TestNoopTracer(t *testing.T) {
	_, span := StartSpan(context.Background(), NoopTracer(), "noop")
	End(span, errors.New("ignored"))

	assert.False(t, span.SpanContext().IsValid())
}
