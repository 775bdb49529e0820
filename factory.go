package outbox

import (
	"fmt"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
)

// IDGenerator produces item identifiers and validates identifiers read back from the store.
type IDGenerator interface {
	// NewID returns a fresh, globally unique identifier.
	NewID() string

	// ParseID validates a stored identifier and returns its canonical form.
	ParseID(raw string) (string, error)
}

// UUIDGenerator generates random (version 4) UUIDs in their canonical lowercase form.
type UUIDGenerator struct{}

func (UUIDGenerator) NewID() string {
	return uuid.NewString()
}

func (UUIDGenerator) ParseID(raw string) (string, error) {
	id, err := uuid.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

// PayloadSerializer converts a payload into the string stored in the outbox table.
type PayloadSerializer interface {
	Serialize(payload any) (string, error)
}

// JSONSerializer stores payloads as JSON.
// Strings and byte slices are considered already serialized and are stored as given.
type JSONSerializer struct{}

func (JSONSerializer) Serialize(payload any) (string, error) {
	switch p := payload.(type) {
	case string:
		return p, nil
	case []byte:
		return string(p), nil
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// ItemFactory creates new items and reconstructs items read from the store.
type ItemFactory interface {
	// NewItem creates a pending item with a fresh identifier and a serialized payload.
	// The creation time is left unset: the store assigns it on insert.
	NewItem(target string, payload any) (*Item, error)

	// ExistingItem rebuilds an item from its stored columns.
	ExistingItem(id string, createdAt time.Time, status string, attempts int, target, serializedPayload string) (*Item, error)

	// ParseID returns the canonical form of an identifier. The repository matches the
	// rows returned by an insert with the new items on canonical identifiers, since a
	// store may change their representation (SQL Server returns GUIDs upper case).
	ParseID(raw string) (string, error)
}

// DefaultItemFactory is the ItemFactory used unless another one is configured.
type DefaultItemFactory struct {
	idGenerator IDGenerator
	serializer  PayloadSerializer
}

// ItemFactoryOption is a function that configures a DefaultItemFactory.
type ItemFactoryOption func(*DefaultItemFactory)

// WithIDGenerator sets the identifier strategy.
// Default is UUIDGenerator.
func WithIDGenerator(generator IDGenerator) ItemFactoryOption {
	return func(f *DefaultItemFactory) {
		if generator != nil {
			f.idGenerator = generator
		}
	}
}

// WithPayloadSerializer sets the payload serializer.
// Default is JSONSerializer.
func WithPayloadSerializer(serializer PayloadSerializer) ItemFactoryOption {
	return func(f *DefaultItemFactory) {
		if serializer != nil {
			f.serializer = serializer
		}
	}
}

// NewItemFactory creates a DefaultItemFactory.
func NewItemFactory(opts ...ItemFactoryOption) *DefaultItemFactory {
	f := &DefaultItemFactory{
		idGenerator: UUIDGenerator{},
		serializer:  JSONSerializer{},
	}

	for _, opt := range opts {
		opt(f)
	}

	return f
}

func (f *DefaultItemFactory) NewItem(target string, payload any) (*Item, error) {
	serialized, err := f.serializer.Serialize(payload)
	if err != nil {
		return nil, &SerializationError{PublishingTarget: target, Err: err}
	}

	return &Item{
		ID:                 f.idGenerator.NewID(),
		Status:             StatusPending,
		PublishingAttempts: 0,
		PublishingTarget:   target,
		PublishingPayload:  serialized,
	}, nil
}

func (f *DefaultItemFactory) ExistingItem(
	id string,
	createdAt time.Time,
	status string,
	attempts int,
	target string,
	serializedPayload string,
) (*Item, error) {
	parsedID, err := f.idGenerator.ParseID(id)
	if err != nil {
		return nil, &MalformedRecordError{ID: id, Err: fmt.Errorf("parsing identifier: %w", err)}
	}

	parsedStatus, err := ParseStatus(status)
	if err != nil {
		return nil, &MalformedRecordError{ID: id, Err: err}
	}

	return &Item{
		ID:                 parsedID,
		CreatedAt:          createdAt.UTC(),
		Status:             parsedStatus,
		PublishingAttempts: attempts,
		PublishingTarget:   target,
		PublishingPayload:  serializedPayload,
	}, nil
}

func (f *DefaultItemFactory) ParseID(raw string) (string, error) {
	return f.idGenerator.ParseID(raw)
}
