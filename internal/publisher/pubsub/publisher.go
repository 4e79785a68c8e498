// Package pubsub publishes crawl records to Google Cloud Pub/Sub.
package pubsub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"cloud.google.com/go/pubsub"

	"github.com/JakeFAU/cmc-crawler/internal/crawler"
)

// SinkPubSub names the Pub/Sub sink in errors and metrics.
const SinkPubSub = "pubsub"

// Config names the project and topic records are published to.
type Config struct {
	ProjectID string `mapstructure:"project_id"`
	Topic     string `mapstructure:"topic"`
}

// Publisher wraps a Pub/Sub topic.
type Publisher struct {
	topic *pubsub.Topic
}

// New creates a Publisher for the provided topic.
func New(topic *pubsub.Topic) *Publisher {
	return &Publisher{topic: topic}
}

// Append marshals the record to JSON and waits for the server to acknowledge
// it. The record URL travels as the "url" attribute.
func (p *Publisher) Append(ctx context.Context, record crawler.Record) error {
	if p.topic == nil {
		return crawler.NewStorageError(SinkPubSub, record.URL, errors.New("pubsub topic is not configured"))
	}
	data, err := json.Marshal(record)
	if err != nil {
		return crawler.NewStorageError(SinkPubSub, record.URL, fmt.Errorf("marshal payload: %w", err))
	}

	result := p.topic.Publish(ctx, &pubsub.Message{
		Data:       data,
		Attributes: map[string]string{"url": record.URL},
	})
	if _, err := result.Get(ctx); err != nil {
		return crawler.NewStorageError(SinkPubSub, record.URL, fmt.Errorf("publish message: %w", err))
	}
	return nil
}

// Close flushes pending messages and stops the topic's background goroutines.
func (p *Publisher) Close() {
	if p.topic != nil {
		p.topic.Stop()
	}
}
