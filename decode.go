package outbox

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// DecodeEvent turns a staged EVENT entry into an Event.
//
// The payload must be a JSON object. When it carries an object under
// "payload" that object becomes the event data and the sibling "metadata"
// (if any) becomes the event metadata. Otherwise the whole object is the data.
// Only one level is unwrapped.
func DecodeEvent(entry Entry) (Event, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(entry.Payload, &fields); err != nil || fields == nil {
		return Event{}, fmt.Errorf("%w: %w: event %s is not a JSON object", ErrPermanent, ErrMalformedPayload, entry.ID)
	}

	event := Event{
		ID:            entry.ID,
		Type:          entry.EventType,
		AggregateType: entry.AggregateType,
		AggregateID:   entry.AggregateID,
		Topic:         entry.Topic,
		Key:           entry.RoutingKey,
		Data:          entry.Payload,
		OccurredAt:    entry.CreatedAt,
		Sequence:      entry.SequenceNumber,
	}
	if inner, ok := fields["payload"]; ok && isObject(inner) {
		event.Data = inner
		if meta, ok := fields["metadata"]; ok && !isNull(meta) {
			event.Metadata = meta
		}
	}

	return event, nil
}

// DecodeTask reads the {type, args} command of a staged TASK entry.
// The route is the entry routing key and is required.
func DecodeTask(entry Entry) (string, Task, error) {
	if entry.RoutingKey == "" {
		return "", Task{}, fmt.Errorf("%w: %w: task %s has no route", ErrPermanent, ErrUnresolvableTask, entry.ID)
	}

	var task Task
	if err := json.Unmarshal(entry.Payload, &task); err != nil {
		return "", Task{}, fmt.Errorf("%w: %w: task %s: %w", ErrPermanent, ErrMalformedPayload, entry.ID, err)
	}
	if task.Type == "" {
		return "", Task{}, fmt.Errorf("%w: %w: task %s has no type", ErrPermanent, ErrUnresolvableTask, entry.ID)
	}

	return entry.RoutingKey, task, nil
}

func isObject(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)

	return len(trimmed) > 0 && trimmed[0] == '{'
}

func isNull(raw json.RawMessage) bool {
	return bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}
