//go:build unit

package otel

import (
	"context"
	"testing"

	"github.com/hugolhafner/go-fetcher/kafka"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

func TestHeadersCarrier_Get(t *testing.T) {
	headers := []kafka.Header{
		{Key: "traceparent", Value: []byte("00-abc-def-01")},
		{Key: "other", Value: []byte("value")},
	}
	carrier := NewHeadersCarrier(&headers)

	assert.Equal(t, "00-abc-def-01", carrier.Get("traceparent"))
	assert.Equal(t, "value", carrier.Get("other"))
	assert.Equal(t, "", carrier.Get("missing"))
}

func TestHeadersCarrier_Set(t *testing.T) {
	t.Run("appends new key", func(t *testing.T) {
		headers := []kafka.Header{{Key: "existing", Value: []byte("val")}}
		NewHeadersCarrier(&headers).Set("traceparent", "00-abc-def-01")

		require.Len(t, headers, 2)
		assert.Equal(t, "traceparent", headers[1].Key)
		assert.Equal(t, []byte("00-abc-def-01"), headers[1].Value)
	})

	t.Run("replaces every duplicate", func(t *testing.T) {
		headers := []kafka.Header{
			{Key: "traceparent", Value: []byte("a")},
			{Key: "traceparent", Value: []byte("b")},
		}
		NewHeadersCarrier(&headers).Set("traceparent", "c")

		require.Len(t, headers, 2)
		assert.Equal(t, []byte("c"), headers[0].Value)
		assert.Equal(t, []byte("c"), headers[1].Value)
	})
}

func TestHeadersCarrier_Keys(t *testing.T) {
	headers := []kafka.Header{
		{Key: "traceparent", Value: []byte("val1")},
		{Key: "tracestate", Value: []byte("val2")},
	}
	assert.Equal(t, []string{"traceparent", "tracestate"}, NewHeadersCarrier(&headers).Keys())

	empty := []kafka.Header{}
	assert.Empty(t, NewHeadersCarrier(&empty).Keys())
}

func TestTelemetry_RecordContext(t *testing.T) {
	tel, err := NewTelemetry(nil, nil, propagation.TraceContext{})
	require.NoError(t, err)

	traceID, _ := trace.TraceIDFromHex("4bf92f3577b34da6a3ce929d0e0e4736")
	spanID, _ := trace.SpanIDFromHex("00f067aa0ba902b7")
	parent := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    traceID,
		SpanID:     spanID,
		TraceFlags: trace.FlagsSampled,
		Remote:     true,
	})

	rec := kafka.ConsumerRecord{Topic: "orders"}
	tel.Propagator.Inject(trace.ContextWithRemoteSpanContext(context.Background(), parent), NewHeadersCarrier(&rec.Headers))

	got := trace.SpanContextFromContext(tel.RecordContext(context.Background(), &rec))
	assert.Equal(t, traceID, got.TraceID())
	assert.Equal(t, spanID, got.SpanID())

	t.Run("no headers leaves context untouched", func(t *testing.T) {
		bare := kafka.ConsumerRecord{Topic: "orders"}
		got := trace.SpanContextFromContext(tel.RecordContext(context.Background(), &bare))
		assert.False(t, got.IsValid())
	})
}
