// Package kafka publishes outbox items to Apache Kafka with segmentio/kafka-go.
package kafka

import (
	"context"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	outbox "github.com/oagudo/sqloutbox"
)

// Header names set on every message.
const (
	HeaderItemID    = "outbox-item-id"
	HeaderCreatedAt = "outbox-created-at"
	HeaderAttempt   = "outbox-attempt"
)

// MessageWriter is the subset of *kafka.Writer used by the publisher.
// The writer must not have a Topic configured: the topic is set per message.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

// Publisher writes every item to the topic named by its publishing target,
// keyed by the item identifier.
type Publisher struct {
	writer      MessageWriter
	topicPrefix string
}

// Option is a function that configures a Publisher instance.
type Option func(*Publisher)

// WithTopicPrefix prepends prefix to every publishing target.
func WithTopicPrefix(prefix string) Option {
	return func(p *Publisher) {
		p.topicPrefix = prefix
	}
}

// New creates a Publisher writing through writer.
func New(writer MessageWriter, opts ...Option) *Publisher {
	p := &Publisher{writer: writer}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *Publisher) Publish(ctx context.Context, item *outbox.Item) error {
	msg := kafka.Message{
		Topic: p.topicPrefix + item.PublishingTarget,
		Key:   []byte(item.ID),
		Value: []byte(item.PublishingPayload),
		Headers: []kafka.Header{
			{Key: HeaderItemID, Value: []byte(item.ID)},
			{Key: HeaderCreatedAt, Value: []byte(item.CreatedAt.UTC().Format(time.RFC3339Nano))},
			{Key: HeaderAttempt, Value: []byte(fmt.Sprint(item.PublishingAttempts + 1))},
		},
	}

	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("writing kafka message to %q: %w", msg.Topic, err)
	}
	return nil
}
