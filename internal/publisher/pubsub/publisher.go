// Package pubsub implements a Google Cloud Pub/Sub publisher.
package pubsub

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"cloud.google.com/go/pubsub"
)

// Attributer lets a payload attach Pub/Sub message attributes.
type Attributer interface {
	Attributes() map[string]string
}

type publishResult interface {
	Get(ctx context.Context) (string, error)
}

type topic interface {
	Publish(ctx context.Context, msg *pubsub.Message) publishResult
	Stop()
}

type clientTopic struct {
	t *pubsub.Topic
}

func (c clientTopic) Publish(ctx context.Context, msg *pubsub.Message) publishResult {
	return c.t.Publish(ctx, msg)
}

func (c clientTopic) Stop() {
	c.t.Stop()
}

// Publisher publishes JSON payloads to Pub/Sub topics. Topic handles are
// created lazily and reused.
type Publisher struct {
	mu           sync.Mutex
	resolve      func(name string) topic
	defaultTopic string
	topics       map[string]topic
}

// New creates a Publisher backed by client. An empty topic name passed to
// Publish selects defaultTopic.
func New(client *pubsub.Client, defaultTopic string) *Publisher {
	var resolve func(string) topic
	if client != nil {
		resolve = func(name string) topic { return clientTopic{t: client.Topic(name)} }
	}
	return newPublisher(resolve, defaultTopic)
}

func newPublisher(resolve func(string) topic, defaultTopic string) *Publisher {
	return &Publisher{
		resolve:      resolve,
		defaultTopic: defaultTopic,
		topics:       make(map[string]topic),
	}
}

// Publish marshals the payload to JSON and waits for the server-assigned id.
func (p *Publisher) Publish(ctx context.Context, topicName string, payload any) (string, error) {
	t, err := p.topic(topicName)
	if err != nil {
		return "", err
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}

	msg := &pubsub.Message{Data: data}
	if a, ok := payload.(Attributer); ok {
		msg.Attributes = a.Attributes()
	}
	id, err := t.Publish(ctx, msg).Get(ctx)
	if err != nil {
		return "", fmt.Errorf("publish message: %w", err)
	}
	return id, nil
}

// Stop flushes and stops every topic handle.
func (p *Publisher) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for name, t := range p.topics {
		t.Stop()
		delete(p.topics, name)
	}
}

func (p *Publisher) topic(name string) (topic, error) {
	if name == "" {
		name = p.defaultTopic
	}
	if name == "" {
		return nil, fmt.Errorf("pubsub topic is required")
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.resolve == nil {
		return nil, fmt.Errorf("pubsub publisher is not configured")
	}
	t, ok := p.topics[name]
	if !ok {
		t = p.resolve(name)
		p.topics[name] = t
	}
	return t, nil
}
