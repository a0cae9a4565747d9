// Package memory is an in-process event bus and task router implementing the
// outbox sinks. It is meant for tests and single-binary deployments.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"

	outbox "github.com/velmie/outbox-dispatch"
)

// ErrNoTaskHandler is returned for tasks sent to a route nobody handles.
var ErrNoTaskHandler = errors.New("outbox memory: no handler for task route")

// EventHandler receives published events.
type EventHandler func(ctx context.Context, event outbox.Event) error

// TaskHandler receives tasks sent to its route.
type TaskHandler func(ctx context.Context, task outbox.Task) error

// Bus fans events out to subscribers and routes tasks to handlers.
type Bus struct {
	mu       sync.RWMutex
	handlers map[string][]EventHandler
	any      []EventHandler
	tasks    map[string]TaskHandler
}

var (
	_ outbox.EventSink = (*Bus)(nil)
	_ outbox.TaskSink  = (*Bus)(nil)
)

// NewBus returns an empty Bus.
func NewBus() *Bus {
	return &Bus{
		handlers: make(map[string][]EventHandler),
		tasks:    make(map[string]TaskHandler),
	}
}

// Subscribe registers handler for events of eventType.
func (b *Bus) Subscribe(eventType string, handler EventHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.handlers[eventType] = append(b.handlers[eventType], handler)
}

// SubscribeAll registers handler for every event.
func (b *Bus) SubscribeAll(handler EventHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.any = append(b.any, handler)
}

// HandleTasks registers the handler of route, replacing any previous one.
func (b *Bus) HandleTasks(route string, handler TaskHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.tasks[route] = handler
}

// PublishEvent runs matching subscribers in registration order and stops at
// the first error. Events nobody subscribes to are dropped.
func (b *Bus) PublishEvent(ctx context.Context, event outbox.Event) error {
	b.mu.RLock()
	handlers := make([]EventHandler, 0, len(b.handlers[event.Type])+len(b.any))
	handlers = append(handlers, b.handlers[event.Type]...)
	handlers = append(handlers, b.any...)
	b.mu.RUnlock()

	for _, handler := range handlers {
		if err := handler(ctx, event); err != nil {
			return fmt.Errorf("outbox memory: handle %s %s: %w", event.Type, event.ID, err)
		}
	}

	return nil
}

// SendTask runs the handler of route. Unknown routes fail permanently.
func (b *Bus) SendTask(ctx context.Context, route string, task outbox.Task) error {
	b.mu.RLock()
	handler, ok := b.tasks[route]
	b.mu.RUnlock()

	if !ok {
		return outbox.Permanent(fmt.Errorf("%w: %s", ErrNoTaskHandler, route))
	}
	if err := handler(ctx, task); err != nil {
		return fmt.Errorf("outbox memory: task %s on %s: %w", task.Type, route, err)
	}

	return nil
}
