package outbox

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// MessageType selects the sink an entry is delivered to.
type MessageType string

const (
	// MessageTypeEvent entries are published to event subscribers.
	MessageTypeEvent MessageType = "EVENT"
	// MessageTypeTask entries are sent to a task queue.
	MessageTypeTask MessageType = "TASK"
)

// ParseMessageType validates a stored message type.
func ParseMessageType(s string) (MessageType, error) {
	switch t := MessageType(s); t {
	case MessageTypeEvent, MessageTypeTask:
		return t, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownMessageType, s)
	}
}

// Message is what a producer asks to stage.
type Message struct {
	MessageType MessageType
	// AggregateType is a coarse-grained stream identifier (e.g., "Article").
	AggregateType string
	// AggregateID identifies the stream instance.
	AggregateID string
	// EventType names the event (e.g., "ArticleCreated") or the task.
	EventType string
	// Payload must be valid JSON.
	Payload json.RawMessage
	// Topic is the destination for events; empty uses the sink default.
	Topic string
	// RoutingKey is the partition hint for events and the named route for tasks.
	RoutingKey string
}

// Entry is a persisted outbox row.
type Entry struct {
	ID             uuid.UUID
	MessageType    MessageType
	AggregateType  string
	AggregateID    string
	EventType      string
	Payload        json.RawMessage
	Topic          string
	RoutingKey     string
	CreatedAt      time.Time
	PublishedAt    *time.Time
	RetryCount     int
	LastError      string
	NextRetryAt    *time.Time
	SequenceNumber int64
}

// NewEntry builds an unsaved entry from msg.
func NewEntry(msg Message) Entry {
	return Entry{
		MessageType:   msg.MessageType,
		AggregateType: msg.AggregateType,
		AggregateID:   msg.AggregateID,
		EventType:     msg.EventType,
		Payload:       msg.Payload,
		Topic:         msg.Topic,
		RoutingKey:    msg.RoutingKey,
	}
}

// IsPublished reports whether the entry was delivered.
func (e Entry) IsPublished() bool {
	return e.PublishedAt != nil
}

// EligibleAt reports whether the entry may be picked up by a poll at now.
func (e Entry) EligibleAt(now time.Time) bool {
	if e.IsPublished() {
		return false
	}

	return e.NextRetryAt == nil || !e.NextRetryAt.After(now)
}

// Validate checks required fields and JSON validity.
func (e Entry) Validate() error {
	return ValidateEntry(e, true)
}

// ValidateEntry validates an entry with optional JSON validation of the payload.
func ValidateEntry(entry Entry, validatePayload bool) error {
	if _, err := ParseMessageType(string(entry.MessageType)); err != nil {
		return err
	}
	if entry.AggregateType == "" {
		return ErrAggregateTypeRequired
	}
	if entry.EventType == "" {
		return ErrEventTypeRequired
	}
	if len(entry.Payload) == 0 {
		return ErrPayloadRequired
	}
	if validatePayload && !json.Valid(entry.Payload) {
		return ErrInvalidPayload
	}

	return nil
}
