// Package memory provides an in-process publisher that records messages in
// the same shape the Pub/Sub publisher sends them: a JSON body plus routing
// attributes.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/JakeFAU/jobcrawl/internal/publisher/pubsub"
)

// Message captures one publish call.
type Message struct {
	ID         string
	Topic      string
	Payload    any
	Data       []byte
	Attributes map[string]string
}

// Decode unmarshals the recorded JSON body into v.
func (m Message) Decode(v any) error {
	if err := json.Unmarshal(m.Data, v); err != nil {
		return fmt.Errorf("decode %s message: %w", m.Topic, err)
	}
	return nil
}

// Publisher stores published payloads for inspection.
type Publisher struct {
	mu           sync.RWMutex
	defaultTopic string
	messages     []Message
}

// New returns a memory Publisher. An optional default topic is used when
// Publish receives an empty topic name.
func New(defaultTopic ...string) *Publisher {
	p := &Publisher{}
	if len(defaultTopic) > 0 {
		p.defaultTopic = defaultTopic[0]
	}
	return p
}

// Publish records the message and returns a sequential id.
func (p *Publisher) Publish(_ context.Context, topic string, payload any) (string, error) {
	if topic == "" {
		topic = p.defaultTopic
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}
	msg := Message{Topic: topic, Payload: payload, Data: data}
	if a, ok := payload.(pubsub.Attributer); ok {
		msg.Attributes = a.Attributes()
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	msg.ID = fmt.Sprintf("memory-%d", len(p.messages)+1)
	p.messages = append(p.messages, msg)
	return msg.ID, nil
}

// Messages returns the recorded publishes in order.
func (p *Publisher) Messages() []Message {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]Message, len(p.messages))
	copy(out, p.messages)
	return out
}

// Topic returns the messages published to name.
func (p *Publisher) Topic(name string) []Message {
	p.mu.RLock()
	defer p.mu.RUnlock()
	var out []Message
	for _, m := range p.messages {
		if m.Topic == name {
			out = append(out, m)
		}
	}
	return out
}

// Reset discards every recorded message.
func (p *Publisher) Reset() {
	p.mu.Lock()
	p.messages = nil
	p.mu.Unlock()
}
