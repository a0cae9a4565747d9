// Package redisstream delivers outbox events and tasks to Redis streams.
//
// Events are appended to <prefix><topic> (DefaultStream when the entry has no
// topic); tasks to <prefix><TaskPrefix><route>.
package redisstream

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	outbox "github.com/velmie/outbox-dispatch"
)

const (
	defaultPrefix      = "outbox:"
	defaultStream      = "events"
	defaultTaskPrefix  = "tasks:"
	fieldID            = "id"
	fieldType          = "type"
	fieldAggregateType = "aggregate_type"
	fieldAggregateID   = "aggregate_id"
	fieldKey           = "key"
	fieldData          = "data"
	fieldMetadata      = "metadata"
	fieldOccurredAt    = "occurred_at"
	fieldSequence      = "sequence"
	fieldArgs          = "args"
)

// ErrClientRequired is returned when no Redis client is provided.
var ErrClientRequired = errors.New("outbox redis stream: client is required")

// Config defines stream naming and trimming.
type Config struct {
	Prefix        string
	DefaultStream string
	TaskPrefix    string
	// MaxLen trims streams approximately to this length when positive.
	MaxLen int64
}

func (c Config) withDefaults() Config {
	if c.Prefix == "" {
		c.Prefix = defaultPrefix
	}
	if c.DefaultStream == "" {
		c.DefaultStream = defaultStream
	}
	if c.TaskPrefix == "" {
		c.TaskPrefix = defaultTaskPrefix
	}

	return c
}

// Sink appends entries to Redis streams with XADD.
type Sink struct {
	client redis.UniversalClient
	cfg    Config
}

var (
	_ outbox.EventSink = (*Sink)(nil)
	_ outbox.TaskSink  = (*Sink)(nil)
)

// New constructs a Sink.
func New(client redis.UniversalClient, cfg Config) (*Sink, error) {
	if client == nil {
		return nil, ErrClientRequired
	}

	return &Sink{client: client, cfg: cfg.withDefaults()}, nil
}

// EventStream returns the stream an event with topic is appended to.
func (s *Sink) EventStream(topic string) string {
	if topic == "" {
		topic = s.cfg.DefaultStream
	}

	return s.cfg.Prefix + topic
}

// TaskStream returns the stream a task with route is appended to.
func (s *Sink) TaskStream(route string) string {
	return s.cfg.Prefix + s.cfg.TaskPrefix + route
}

// PublishEvent implements outbox.EventSink.
func (s *Sink) PublishEvent(ctx context.Context, event outbox.Event) error {
	values := map[string]any{
		fieldID:            event.ID.String(),
		fieldType:          event.Type,
		fieldAggregateType: event.AggregateType,
		fieldAggregateID:   event.AggregateID,
		fieldData:          string(event.Data),
		fieldOccurredAt:    event.OccurredAt.UTC().Format(time.RFC3339Nano),
		fieldSequence:      strconv.FormatInt(event.Sequence, 10),
	}
	if event.Key != "" {
		values[fieldKey] = event.Key
	}
	if len(event.Metadata) > 0 {
		values[fieldMetadata] = string(event.Metadata)
	}

	stream := s.EventStream(event.Topic)
	if err := s.client.XAdd(ctx, s.args(stream, values)).Err(); err != nil {
		return fmt.Errorf("outbox redis stream: publish event %s to %s: %w", event.ID, stream, err)
	}

	return nil
}

// SendTask implements outbox.TaskSink.
func (s *Sink) SendTask(ctx context.Context, route string, task outbox.Task) error {
	values := map[string]any{fieldType: task.Type}
	if len(task.Args) > 0 {
		values[fieldArgs] = string(task.Args)
	}

	stream := s.TaskStream(route)
	if err := s.client.XAdd(ctx, s.args(stream, values)).Err(); err != nil {
		return fmt.Errorf("outbox redis stream: send task %s to %s: %w", task.Type, stream, err)
	}

	return nil
}

func (s *Sink) args(stream string, values map[string]any) *redis.XAddArgs {
	args := &redis.XAddArgs{Stream: stream, Values: values}
	if s.cfg.MaxLen > 0 {
		args.MaxLen = s.cfg.MaxLen
		args.Approx = true
	}

	return args
}
