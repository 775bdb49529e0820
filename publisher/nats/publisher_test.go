package nats

import (
	"context"
	"errors"
	"testing"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/require"

	outbox "github.com/oagudo/sqloutbox"
)

type fakeConn struct {
	msgs []*nats.Msg
	err  error
}

func (c *fakeConn) PublishMsg(msg *nats.Msg) error {
	if c.err != nil {
		return c.err
	}
	c.msgs = append(c.msgs, msg)
	return nil
}

func TestPublishMapsItemToMsg(t *testing.T) {
	conn := &fakeConn{}
	p := New(conn, WithSubjectPrefix("svc."))

	item := &outbox.Item{
		ID:                 "item-1",
		PublishingAttempts: 4,
		PublishingTarget:   "orders.created",
		PublishingPayload:  "hello",
	}

	require.NoError(t, p.Publish(context.Background(), item))
	require.Len(t, conn.msgs, 1)

	msg := conn.msgs[0]
	require.Equal(t, "svc.orders.created", msg.Subject)
	require.Equal(t, []byte("hello"), msg.Data)
	require.Equal(t, "item-1", msg.Header.Get(nats.MsgIdHdr))
	require.Equal(t, "5", msg.Header.Get(HeaderAttempt))
}

func TestPublishHonoursCancelledContext(t *testing.T) {
	conn := &fakeConn{}
	p := New(conn)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := p.Publish(ctx, &outbox.Item{ID: "x", PublishingTarget: "s"})
	require.ErrorIs(t, err, context.Canceled)
	require.Empty(t, conn.msgs)
}

func TestPublishWrapsConnError(t *testing.T) {
	connErr := errors.New("connection closed")
	p := New(&fakeConn{err: connErr})

	err := p.Publish(context.Background(), &outbox.Item{ID: "x", PublishingTarget: "s"})
	require.ErrorIs(t, err, connErr)
}
