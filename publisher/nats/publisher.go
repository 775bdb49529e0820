// Package nats publishes outbox items to NATS with nats-io/nats.go.
package nats

import (
	"context"
	"fmt"
	"strconv"

	"github.com/nats-io/nats.go"

	outbox "github.com/oagudo/sqloutbox"
)

// HeaderAttempt carries the 1-based delivery attempt of the item.
const HeaderAttempt = "Outbox-Attempt"

// MsgPublisher is the subset of *nats.Conn used by the publisher.
type MsgPublisher interface {
	PublishMsg(msg *nats.Msg) error
}

// Publisher sends every item on the subject named by its publishing target.
// The item identifier is set as Nats-Msg-Id header, which JetStream streams use
// to discard duplicates within their deduplication window.
type Publisher struct {
	conn          MsgPublisher
	subjectPrefix string
}

// Option is a function that configures a Publisher instance.
type Option func(*Publisher)

// WithSubjectPrefix prepends prefix to every publishing target.
func WithSubjectPrefix(prefix string) Option {
	return func(p *Publisher) {
		p.subjectPrefix = prefix
	}
}

// New creates a Publisher sending through conn.
func New(conn MsgPublisher, opts ...Option) *Publisher {
	p := &Publisher{conn: conn}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *Publisher) Publish(ctx context.Context, item *outbox.Item) error {
	// PublishMsg is buffered and does not take a context
	if err := ctx.Err(); err != nil {
		return err
	}

	msg := nats.NewMsg(p.subjectPrefix + item.PublishingTarget)
	msg.Data = []byte(item.PublishingPayload)
	msg.Header.Set(nats.MsgIdHdr, item.ID)
	msg.Header.Set(HeaderAttempt, strconv.Itoa(item.PublishingAttempts+1))

	if err := p.conn.PublishMsg(msg); err != nil {
		return fmt.Errorf("publishing nats message on %q: %w", msg.Subject, err)
	}
	return nil
}
