// Package pubsub publishes run notifications to Google Cloud Pub/Sub.
package pubsub

import (
	"context"
	"encoding/json"
	"fmt"

	pubsub "cloud.google.com/go/pubsub/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

// Attributer is implemented by payloads that carry message attributes.
type Attributer interface {
	Attributes() map[string]string
}

// Publisher sends JSON notifications through one topic publisher.
type Publisher struct {
	publisher   *pubsub.Publisher
	orderingKey string
}

// New creates a Publisher. A non-empty orderingKey enables message ordering
// so notifications of one pipeline arrive in publish order.
func New(publisher *pubsub.Publisher, orderingKey string) *Publisher {
	if publisher != nil && orderingKey != "" {
		publisher.EnableMessageOrdering = true
	}
	return &Publisher{publisher: publisher, orderingKey: orderingKey}
}

// Publish sends payload on the topic the publisher was created for and
// waits for the server-assigned message ID.
func (p *Publisher) Publish(ctx context.Context, _ string, payload any) (string, error) {
	if p.publisher == nil {
		return "", fmt.Errorf("pubsub publisher is not configured")
	}
	msg, err := Message(ctx, payload)
	if err != nil {
		return "", err
	}
	msg.OrderingKey = p.orderingKey
	id, err := p.publisher.Publish(ctx, msg).Get(ctx)
	if err != nil {
		if p.orderingKey != "" {
			// An ordered key stays paused after a failure until resumed.
			p.publisher.ResumePublish(p.orderingKey)
		}
		return "", fmt.Errorf("publish message: %w", err)
	}
	return id, nil
}

// Message builds the Pub/Sub message for payload, carrying its attributes
// and the trace context of ctx.
func Message(ctx context.Context, payload any) (*pubsub.Message, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	attrs := propagation.MapCarrier{}
	if a, ok := payload.(Attributer); ok {
		for k, v := range a.Attributes() {
			attrs.Set(k, v)
		}
	}
	otel.GetTextMapPropagator().Inject(ctx, attrs)
	return &pubsub.Message{Data: data, Attributes: attrs}, nil
}

// Extract returns ctx carrying the trace context found in msg's attributes.
func Extract(ctx context.Context, msg *pubsub.Message) context.Context {
	if msg == nil || len(msg.Attributes) == 0 {
		return ctx
	}
	return otel.GetTextMapPropagator().Extract(ctx, propagation.MapCarrier(msg.Attributes))
}
