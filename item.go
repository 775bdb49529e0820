package outbox

import (
	"fmt"
	"slices"
	"time"
)

// Status is the publishing state of an outbox item.
type Status string

// Outbox item statuses, persisted as their string labels.
const (
	StatusPending       Status = "Pending"
	StatusSuccessful    Status = "Successful"
	StatusFailed        Status = "Failed"
	StatusFatallyFailed Status = "FatallyFailed"
)

// ParseStatus converts a stored status label into a Status.
func ParseStatus(raw string) (Status, error) {
	status := Status(raw)
	if !status.IsValid() {
		return "", fmt.Errorf("unknown outbox status %q", raw)
	}
	return status, nil
}

// IsValid reports whether the status is one of the known labels.
func (s Status) IsValid() bool {
	switch s {
	case StatusPending, StatusSuccessful, StatusFailed, StatusFatallyFailed:
		return true
	default:
		return false
	}
}

// terminalStatuses are never left once stored.
var terminalStatuses = []Status{StatusSuccessful, StatusFatallyFailed}

// IsTerminal reports whether no further publishing attempt is made for an item in this status.
// A stored terminal status is never changed by the repository.
func (s Status) IsTerminal() bool {
	return slices.Contains(terminalStatuses, s)
}

func (s Status) String() string {
	return string(s)
}

// Item is a message recorded in the outbox table, waiting to be delivered.
type Item struct {
	// ID uniquely identifies the item. It is generated when the item is created
	// and never changes. Consumers use it to deduplicate deliveries.
	ID string

	// CreatedAt is assigned by the store when the item is inserted.
	// It is zero for items that were not persisted yet.
	CreatedAt time.Time

	// Status is the current publishing status.
	Status Status

	// PublishingAttempts counts delivery attempts. It only increases.
	PublishingAttempts int

	// PublishingTarget identifies the destination (topic, queue, subject...).
	PublishingTarget string

	// PublishingPayload is the serialized message body.
	PublishingPayload string
}

// IncrementAttempts records one more delivery attempt.
func (i *Item) IncrementAttempts() {
	i.PublishingAttempts++
}

// InsertionRequest describes a new message to be stored in the outbox.
// Payload is serialized by the repository's ItemFactory.
type InsertionRequest struct {
	PublishingTarget string
	Payload          any
}

// NewInsertionRequest is a shorthand to build an InsertionRequest.
func NewInsertionRequest(target string, payload any) InsertionRequest {
	return InsertionRequest{PublishingTarget: target, Payload: payload}
}
