// Package memory records lifecycle events in-process for tests and
// single-node runs.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/JakeFAU/review-reply-crawler/internal/review"
)

// Message captures one publish call.
type Message struct {
	ID      string
	Topic   string
	Payload any
}

// Publisher keeps published payloads for inspection.
type Publisher struct {
	mu       sync.RWMutex
	messages []Message
	err      error
}

// New returns a memory Publisher.
func New() *Publisher {
	return &Publisher{}
}

// FailWith makes subsequent publishes return err; nil restores success.
func (p *Publisher) FailWith(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.err = err
}

// Publish records the message and returns a pseudo ID.
func (p *Publisher) Publish(_ context.Context, topic string, payload any) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return "", p.err
	}
	id := fmt.Sprintf("memory-%d", len(p.messages)+1)
	p.messages = append(p.messages, Message{ID: id, Topic: topic, Payload: payload})
	return id, nil
}

// Messages returns a copy of the recorded publishes.
func (p *Publisher) Messages() []Message {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]Message, len(p.messages))
	copy(out, p.messages)
	return out
}

// Events returns the recorded review events of the given type, or all of
// them when eventType is empty.
func (p *Publisher) Events(eventType string) []review.Event {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]review.Event, 0, len(p.messages))
	for _, m := range p.messages {
		ev, ok := m.Payload.(review.Event)
		if !ok {
			continue
		}
		if eventType == "" || ev.Type == eventType {
			out = append(out, ev)
		}
	}
	return out
}
