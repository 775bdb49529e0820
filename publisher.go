package outbox

import "context"

// Publisher delivers outbox items to an external system such as a message broker.
//
// An item may be published more than once: a cycle whose updates fail to commit is
// retried from scratch. Consumers are expected to deduplicate on Item.ID.
// A nil error marks the item as Successful, any error counts as a failed attempt.
type Publisher interface {
	Publish(ctx context.Context, item *Item) error
}

// PublisherFunc is an adapter to allow the use of ordinary functions as a Publisher.
type PublisherFunc func(ctx context.Context, item *Item) error

func (f PublisherFunc) Publish(ctx context.Context, item *Item) error {
	return f(ctx, item)
}
