package outbox

import (
	"fmt"
	"time"
)

// ConfigurationError indicates an invalid setup detected before any I/O,
// such as a missing transaction or an invalid table configuration.
type ConfigurationError struct {
	Err error
}

func (e *ConfigurationError) Error() string { return fmt.Sprintf("invalid outbox configuration: %v", e.Err) }

func (e *ConfigurationError) Unwrap() error { return e.Err }

// SerializationError indicates that the payload of a new item could not be serialized.
type SerializationError struct {
	PublishingTarget string
	Err              error
}

func (e *SerializationError) Error() string {
	return fmt.Sprintf("serializing payload for target %q: %v", e.PublishingTarget, e.Err)
}

func (e *SerializationError) Unwrap() error { return e.Err }

// MalformedRecordError indicates a stored row that cannot be reconstructed into an Item.
// It points to a data integrity issue rather than a transient failure.
type MalformedRecordError struct {
	ID  string
	Err error
}

func (e *MalformedRecordError) Error() string {
	return fmt.Sprintf("malformed outbox record %q: %v", e.ID, e.Err)
}

func (e *MalformedRecordError) Unwrap() error { return e.Err }

// InsertError indicates a failure while inserting a batch of new items.
type InsertError struct {
	Count int
	Err   error
}

func (e *InsertError) Error() string {
	return fmt.Sprintf("inserting %d outbox items: %v", e.Count, e.Err)
}

func (e *InsertError) Unwrap() error { return e.Err }

// UpdateError indicates a failure while updating a batch of items.
// It includes the identifiers of the batch that failed.
type UpdateError struct {
	IDs []string
	Err error
}

func (e *UpdateError) Error() string {
	return fmt.Sprintf("updating %d outbox items: %v", len(e.IDs), e.Err)
}

func (e *UpdateError) Unwrap() error { return e.Err }

// RetrieveError indicates a failure while reading items from the outbox.
type RetrieveError struct {
	Status Status
	Err    error
}

func (e *RetrieveError) Error() string {
	return fmt.Sprintf("retrieving %s outbox items: %v", e.Status, e.Err)
}

func (e *RetrieveError) Unwrap() error { return e.Err }

// CleanupError indicates a failure while purging historical items.
type CleanupError struct {
	Before time.Time
	Err    error
}

func (e *CleanupError) Error() string {
	return fmt.Sprintf("purging outbox items created before %s: %v", e.Before.Format(time.RFC3339), e.Err)
}

func (e *CleanupError) Unwrap() error { return e.Err }

// PublishError indicates an error during item publication.
// It includes a copy of the item as it was after the attempt.
type PublishError struct {
	Item Item
	Err  error
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("publishing outbox item %s to %q: %v", e.Item.ID, e.Item.PublishingTarget, e.Err)
}

func (e *PublishError) Unwrap() error { return e.Err }

// CycleError indicates that a whole publishing cycle failed and its transaction was rolled back.
type CycleError struct {
	Err error
}

func (e *CycleError) Error() string { return fmt.Sprintf("processing outbox cycle: %v", e.Err) }

func (e *CycleError) Unwrap() error { return e.Err }
