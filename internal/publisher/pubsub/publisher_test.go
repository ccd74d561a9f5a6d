package pubsub

import (
	"context"
	"encoding/json"
	"testing"

	pubsub "cloud.google.com/go/pubsub/v2"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

type attributed struct {
	Name string `json:"name"`
}

func (attributed) Attributes() map[string]string {
	return map[string]string{"event": "navtrack.report"}
}

func TestMessageCarriesPayloadAndAttributes(t *testing.T) {
	t.Parallel()

	msg, err := Message(context.Background(), attributed{Name: "run"})
	require.NoError(t, err)
	require.Equal(t, "navtrack.report", msg.Attributes["event"])

	var decoded attributed
	require.NoError(t, json.Unmarshal(msg.Data, &decoded))
	require.Equal(t, "run", decoded.Name)

	plain, err := Message(context.Background(), map[string]int{"n": 1})
	require.NoError(t, err)
	require.JSONEq(t, `{"n":1}`, string(plain.Data))
	require.Empty(t, plain.OrderingKey)
}

func TestMessageRejectsUnencodablePayload(t *testing.T) {
	t.Parallel()

	_, err := Message(context.Background(), make(chan int))
	require.Error(t, err)
}

func TestPublishWithoutPublisher(t *testing.T) {
	t.Parallel()

	_, err := New(nil, "run").Publish(context.Background(), "topic", "x")
	require.Error(t, err)
}

func TestExtractRoundTripsTraceContext(t *testing.T) {
	t.Parallel()

	traceID, err := trace.TraceIDFromHex("4bf92f3577b34da6a3ce929d0e0e4736")
	require.NoError(t, err)
	spanID, err := trace.SpanIDFromHex("00f067aa0ba902b7")
	require.NoError(t, err)
	sc := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    traceID,
		SpanID:     spanID,
		TraceFlags: trace.FlagsSampled,
	})

	// Use an explicit propagator; the global one is process-wide.
	prop := propagation.TraceContext{}
	attrs := propagation.MapCarrier{}
	prop.Inject(trace.ContextWithSpanContext(context.Background(), sc), attrs)
	require.NotEmpty(t, attrs.Get("traceparent"))

	got := prop.Extract(context.Background(), attrs)
	require.Equal(t, traceID, trace.SpanContextFromContext(got).TraceID())

	ctx := context.Background()
	require.Equal(t, ctx, Extract(ctx, nil))
	require.Equal(t, ctx, Extract(ctx, &pubsub.Message{}))
}
