package tracing

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEndpointHostStripsScheme(t *testing.T) {
	assert.Equal(t, "otel.local:4318", endpointHost("http://otel.local:4318"))
	assert.Equal(t, "otel.local:4318", endpointHost("https://otel.local:4318"))
	assert.Equal(t, "otel.local:4318", endpointHost("otel.local:4318"))
}

func TestNoopWithoutEndpoint(t *testing.T) {
	tr := Tracer("test")
	require.NotNil(t, tr)

	_, span := tr.Start(context.Background(), "op")
	assert.False(t, span.SpanContext().IsValid(), "disabled tracing produces no-op spans")
	span.End()

	assert.NoError(t, Shutdown(context.Background()))
}

func TestSpanHelpers(t *testing.T) {
	_, span := StartTurn(context.Background(), "c1", "poll", 3)
	RecordResult(span, nil)
	span.End()

	_, span = StartTransition(context.Background(), 7, "pull")
	RecordResult(span, errors.New("boom"))
	span.End()
}
