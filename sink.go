package outbox

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Event is the in-process representation handed to event subscribers.
// Its JSON form is the wire envelope used by broker sinks.
type Event struct {
	ID            uuid.UUID       `json:"id"`
	Type          string          `json:"type"`
	AggregateType string          `json:"aggregate_type"`
	AggregateID   string          `json:"aggregate_id"`
	Topic         string          `json:"topic,omitempty"`
	Key           string          `json:"key,omitempty"`
	Data          json.RawMessage `json:"data"`
	Metadata      json.RawMessage `json:"metadata,omitempty"`
	OccurredAt    time.Time       `json:"occurred_at"`
	Sequence      int64           `json:"sequence"`
}

// Task is a command for a task-queue worker.
type Task struct {
	Type string          `json:"type"`
	Args json.RawMessage `json:"args,omitempty"`
}

// EventSink delivers events to subscribers.
type EventSink interface {
	PublishEvent(ctx context.Context, event Event) error
}

// TaskSink delivers tasks to the named route of a task queue.
type TaskSink interface {
	SendTask(ctx context.Context, route string, task Task) error
}

// EventSinkFunc adapts a function to EventSink.
type EventSinkFunc func(ctx context.Context, event Event) error

// PublishEvent implements EventSink.
func (fn EventSinkFunc) PublishEvent(ctx context.Context, event Event) error {
	return fn(ctx, event)
}

// TaskSinkFunc adapts a function to TaskSink.
type TaskSinkFunc func(ctx context.Context, route string, task Task) error

// SendTask implements TaskSink.
func (fn TaskSinkFunc) SendTask(ctx context.Context, route string, task Task) error {
	return fn(ctx, route, task)
}
