// Package rabbitmq publishes outbox items to RabbitMQ with rabbitmq/amqp091-go.
package rabbitmq

import (
	"context"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"

	outbox "github.com/oagudo/sqloutbox"
)

// Channel is the subset of *amqp.Channel used by the publisher.
type Channel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

// Publisher sends every item to the configured exchange, using its publishing
// target as routing key and its identifier as message id.
type Publisher struct {
	channel     Channel
	exchange    string
	contentType string
	mandatory   bool
}

// Option is a function that configures a Publisher instance.
type Option func(*Publisher)

// WithExchange sets the exchange. Default is the default exchange (""),
// which routes to the queue named by the routing key.
func WithExchange(exchange string) Option {
	return func(p *Publisher) {
		p.exchange = exchange
	}
}

// WithContentType sets the content type of published messages.
// Default is "application/json".
func WithContentType(contentType string) Option {
	return func(p *Publisher) {
		p.contentType = contentType
	}
}

// WithMandatory sets the mandatory flag on published messages.
func WithMandatory(mandatory bool) Option {
	return func(p *Publisher) {
		p.mandatory = mandatory
	}
}

// New creates a Publisher sending through channel.
func New(channel Channel, opts ...Option) *Publisher {
	p := &Publisher{
		channel:     channel,
		contentType: "application/json",
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *Publisher) Publish(ctx context.Context, item *outbox.Item) error {
	err := p.channel.PublishWithContext(
		ctx,
		p.exchange,
		item.PublishingTarget,
		p.mandatory,
		false,
		amqp.Publishing{
			ContentType:  p.contentType,
			Body:         []byte(item.PublishingPayload),
			MessageId:    item.ID,
			Timestamp:    item.CreatedAt,
			DeliveryMode: amqp.Persistent,
			Headers: amqp.Table{
				"outbox-attempt": int32(item.PublishingAttempts + 1), // nolint:gosec
			},
		},
	)
	if err != nil {
		return fmt.Errorf("publishing to exchange %q with routing key %q: %w", p.exchange, item.PublishingTarget, err)
	}
	return nil
}
