// Package pubsub publishes lifecycle events to Google Cloud Pub/Sub.
package pubsub

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	pubsub "cloud.google.com/go/pubsub/v2"
	"go.opentelemetry.io/otel"

	"github.com/JakeFAU/review-reply-crawler/internal/review"
)

// Publisher sends JSON-encoded events, one Pub/Sub publisher per topic.
type Publisher struct {
	client *pubsub.Client

	mu         sync.Mutex
	publishers map[string]*pubsub.Publisher
}

// New creates a Publisher on client.
func New(client *pubsub.Client) *Publisher {
	return &Publisher{
		client:     client,
		publishers: make(map[string]*pubsub.Publisher),
	}
}

// Publish marshals payload to JSON and publishes it to topic. Review events
// also carry their type and store id as attributes for subscription filters.
func (p *Publisher) Publish(ctx context.Context, topic string, payload any) (string, error) {
	if p.client == nil {
		return "", fmt.Errorf("pubsub client is not configured")
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}

	msg := &pubsub.Message{Data: data, Attributes: Attributes(payload)}
	otel.GetTextMapPropagator().Inject(ctx, carrier(msg.Attributes))

	id, err := p.publisher(topic).Publish(ctx, msg).Get(ctx)
	if err != nil {
		return "", fmt.Errorf("publish to %s: %w", topic, err)
	}
	return id, nil
}

// Stop flushes and stops every topic publisher.
func (p *Publisher) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, pub := range p.publishers {
		pub.Stop()
	}
}

func (p *Publisher) publisher(topic string) *pubsub.Publisher {
	p.mu.Lock()
	defer p.mu.Unlock()
	pub, ok := p.publishers[topic]
	if !ok {
		pub = p.client.Publisher(topic)
		p.publishers[topic] = pub
	}
	return pub
}

// Attributes derives message attributes from a payload.
func Attributes(payload any) map[string]string {
	attrs := make(map[string]string)
	if ev, ok := payload.(review.Event); ok {
		attrs["event_type"] = ev.Type
		if ev.StoreID != "" {
			attrs["store_id"] = ev.StoreID
		}
		if ev.ReplyStatus != "" {
			attrs["reply_status"] = string(ev.ReplyStatus)
		}
	}
	return attrs
}

// carrier implements propagation.TextMapCarrier over message attributes.
type carrier map[string]string

func (c carrier) Get(key string) string { return c[key] }

func (c carrier) Set(key, value string) { c[key] = value }

func (c carrier) Keys() []string {
	keys := make([]string, 0, len(c))
	for k := range c {
		keys = append(keys, k)
	}
	return keys
}
