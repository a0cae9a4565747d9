package outbox

import (
	"encoding/json"
	"errors"
	"testing"
	"time"
)

func TestEntryValidate(t *testing.T) {
	validPayload := json.RawMessage(`{"ok":true}`)

	cases := []struct {
		name  string
		entry Entry
		err   error
	}{
		{
			name:  "unknown message type",
			entry: Entry{MessageType: "EMAIL", AggregateType: "Article", EventType: "event", Payload: validPayload},
			err:   ErrUnknownMessageType,
		},
		{
			name:  "missing aggregate type",
			entry: Entry{MessageType: MessageTypeEvent, EventType: "event", Payload: validPayload},
			err:   ErrAggregateTypeRequired,
		},
		{
			name:  "missing event type",
			entry: Entry{MessageType: MessageTypeEvent, AggregateType: "Article", Payload: validPayload},
			err:   ErrEventTypeRequired,
		},
		{
			name:  "missing payload",
			entry: Entry{MessageType: MessageTypeTask, AggregateType: "Article", EventType: "event"},
			err:   ErrPayloadRequired,
		},
		{
			name:  "invalid payload",
			entry: Entry{MessageType: MessageTypeEvent, AggregateType: "Article", EventType: "event", Payload: json.RawMessage(`{`)},
			err:   ErrInvalidPayload,
		},
		{
			name:  "valid",
			entry: Entry{MessageType: MessageTypeEvent, AggregateType: "Article", EventType: "event", Payload: validPayload},
			err:   nil,
		},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			err := tc.entry.Validate()
			if tc.err == nil && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if tc.err != nil && !errors.Is(err, tc.err) {
				t.Fatalf("expected %v, got %v", tc.err, err)
			}
		})
	}
}

func TestValidateEntrySkipJSON(t *testing.T) {
	entry := Entry{
		MessageType:   MessageTypeEvent,
		AggregateType: "Article",
		EventType:     "event",
		Payload:       json.RawMessage(`{`),
	}

	if err := ValidateEntry(entry, false); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
}

func TestParseMessageType(t *testing.T) {
	if got, err := ParseMessageType("TASK"); err != nil || got != MessageTypeTask {
		t.Fatalf("expected TASK, got %q (%v)", got, err)
	}
	if _, err := ParseMessageType("event"); !errors.Is(err, ErrUnknownMessageType) {
		t.Fatalf("expected unknown message type, got %v", err)
	}
}

func TestEntryEligibleAt(t *testing.T) {
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	later := now.Add(time.Minute)

	if !(Entry{}).EligibleAt(now) {
		t.Fatal("new entry should be eligible")
	}
	if (Entry{NextRetryAt: &later}).EligibleAt(now) {
		t.Fatal("entry scheduled in the future should not be eligible")
	}
	if !(Entry{NextRetryAt: &now}).EligibleAt(now) {
		t.Fatal("entry scheduled now should be eligible")
	}
	if (Entry{PublishedAt: &now}).EligibleAt(later) {
		t.Fatal("published entry should never be eligible")
	}
}

func TestNewEntryCopiesMessage(t *testing.T) {
	entry := NewEntry(Message{
		MessageType:   MessageTypeTask,
		AggregateType: "Article",
		AggregateID:   "A1",
		EventType:     "ReindexArticle",
		Payload:       json.RawMessage(`{}`),
		RoutingKey:    "search",
	})

	if entry.RoutingKey != "search" || entry.AggregateID != "A1" || entry.MessageType != MessageTypeTask {
		t.Fatalf("unexpected entry: %+v", entry)
	}
	if entry.RetryCount != 0 || entry.IsPublished() {
		t.Fatalf("new entry must be unpublished with zero retries: %+v", entry)
	}
}
