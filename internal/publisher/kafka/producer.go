// Package kafka publishes crawl records to a Kafka topic.
package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	kgo "github.com/segmentio/kafka-go"

	"github.com/JakeFAU/cmc-crawler/internal/crawler"
)

// SinkKafka names the Kafka sink in errors and metrics.
const SinkKafka = "kafka"

// Config names the broker and topic.
type Config struct {
	Brokers []string `mapstructure:"brokers"`
	Topic   string   `mapstructure:"topic"`
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kgo.Message) error
	Close() error
}

// Producer wraps a Kafka writer; messages are keyed by record URL.
type Producer struct {
	writer messageWriter
}

// NewProducer creates a producer for the configured brokers and topic.
func NewProducer(cfg Config) (*Producer, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("kafka brokers are required")
	}
	if cfg.Topic == "" {
		return nil, errors.New("kafka topic is required")
	}
	return &Producer{
		writer: &kgo.Writer{
			Addr:                   kgo.TCP(cfg.Brokers...),
			Topic:                  cfg.Topic,
			Balancer:               &kgo.Hash{},
			RequiredAcks:           kgo.RequireAll,
			AllowAutoTopicCreation: false,
		},
	}, nil
}

// NewProducerWithWriter builds a producer using a custom writer (tests).
func NewProducerWithWriter(writer messageWriter) *Producer {
	return &Producer{writer: writer}
}

// Close shuts down the underlying writer.
func (p *Producer) Close() error {
	if err := p.writer.Close(); err != nil {
		return fmt.Errorf("close kafka writer: %w", err)
	}
	return nil
}

// Append publishes record as a JSON message.
func (p *Producer) Append(ctx context.Context, record crawler.Record) error {
	payload, err := json.Marshal(record)
	if err != nil {
		return crawler.NewStorageError(SinkKafka, record.URL, fmt.Errorf("marshal record: %w", err))
	}

	msg := kgo.Message{
		Key:   []byte(record.URL),
		Value: payload,
		Time:  time.Now().UTC(),
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return crawler.NewStorageError(SinkKafka, record.URL, fmt.Errorf("write message: %w", err))
	}
	return nil
}
