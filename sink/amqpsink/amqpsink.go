// Package amqpsink delivers outbox events and tasks to RabbitMQ.
//
// Events go to the exchange named by the entry topic (or EventExchange) with
// the entry routing key, falling back to the event type. Tasks go to
// TaskExchange with the task route as routing key; with the default exchange
// the route is the queue name.
//
// The channel is put in confirm mode: a publish succeeds only once the broker
// acks it, and with Mandatory set, only if it was not returned as unroutable.
package amqpsink

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	outbox "github.com/velmie/outbox-dispatch"
)

const (
	contentTypeJSON       = "application/json"
	defaultConfirmTimeout = 5 * time.Second
	notifyBuffer          = 64
)

var (
	// ErrChannelRequired is returned when no channel is provided.
	ErrChannelRequired = errors.New("outbox amqp: channel is required")
	// ErrConfirmModeUnavailable is returned when the channel refuses confirm mode.
	ErrConfirmModeUnavailable = errors.New("outbox amqp: channel does not support confirm mode")
	// ErrNacked is returned when the broker refuses a message.
	ErrNacked = errors.New("outbox amqp: message was nacked by the broker")
	// ErrReturned is returned when a mandatory message could not be routed.
	ErrReturned = errors.New("outbox amqp: message was returned unroutable")
	// ErrConfirmTimeout is returned when no confirmation arrives in time.
	ErrConfirmTimeout = errors.New("outbox amqp: confirmation timed out")
)

// Channel is the subset of *amqp.Channel used by the sink.
type Channel interface {
	Confirm(noWait bool) error
	NotifyPublish(confirm chan amqp.Confirmation) chan amqp.Confirmation
	NotifyReturn(c chan amqp.Return) chan amqp.Return
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

// Config defines where messages are published.
type Config struct {
	// EventExchange is used for events without a topic.
	EventExchange string
	// TaskExchange is used for tasks; empty is the default exchange.
	TaskExchange string
	// Mandatory asks the broker to return unroutable messages.
	Mandatory bool
	// AppID is stamped on every message when set.
	AppID string
	// ConfirmTimeout bounds the wait for a broker confirmation. Defaults to 5s.
	ConfirmTimeout time.Duration
}

// Sink publishes persistent JSON messages and waits for broker confirms.
// Publishes are serialized: each one waits for its own confirmation.
type Sink struct {
	ch       Channel
	cfg      Config
	confirms chan amqp.Confirmation
	returns  chan amqp.Return

	mu sync.Mutex
	// tag is the delivery tag of the last publish; the broker numbers from 1.
	tag uint64
}

var (
	_ outbox.EventSink = (*Sink)(nil)
	_ outbox.TaskSink  = (*Sink)(nil)
)

// New constructs a Sink on ch.
func New(ch Channel, cfg Config) (*Sink, error) {
	if ch == nil {
		return nil, ErrChannelRequired
	}
	if cfg.ConfirmTimeout <= 0 {
		cfg.ConfirmTimeout = defaultConfirmTimeout
	}
	if err := ch.Confirm(false); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConfirmModeUnavailable, err)
	}

	s := &Sink{
		ch:       ch,
		cfg:      cfg,
		confirms: ch.NotifyPublish(make(chan amqp.Confirmation, notifyBuffer)),
	}
	if cfg.Mandatory {
		s.returns = ch.NotifyReturn(make(chan amqp.Return, notifyBuffer))
	}

	return s, nil
}

// PublishEvent implements outbox.EventSink.
func (s *Sink) PublishEvent(ctx context.Context, event outbox.Event) error {
	body, err := json.Marshal(event)
	if err != nil {
		return outbox.Permanent(fmt.Errorf("outbox amqp: encode event %s: %w", event.ID, err))
	}

	exchange := event.Topic
	if exchange == "" {
		exchange = s.cfg.EventExchange
	}
	key := event.Key
	if key == "" {
		key = event.Type
	}

	msg := s.publishing(body)
	msg.MessageId = event.ID.String()
	msg.Type = event.Type
	msg.Timestamp = event.OccurredAt
	msg.Headers = amqp.Table{
		"aggregate_type": event.AggregateType,
		"aggregate_id":   event.AggregateID,
		"sequence":       event.Sequence,
	}

	if err := s.publish(ctx, exchange, key, msg); err != nil {
		return fmt.Errorf("outbox amqp: publish event %s to %q: %w", event.ID, exchange, err)
	}

	return nil
}

// SendTask implements outbox.TaskSink.
func (s *Sink) SendTask(ctx context.Context, route string, task outbox.Task) error {
	body, err := json.Marshal(task)
	if err != nil {
		return outbox.Permanent(fmt.Errorf("outbox amqp: encode task %s: %w", task.Type, err))
	}

	msg := s.publishing(body)
	msg.Type = task.Type
	msg.MessageId = uuid.NewString()

	if err := s.publish(ctx, s.cfg.TaskExchange, route, msg); err != nil {
		return fmt.Errorf("outbox amqp: send task %s to %q: %w", task.Type, route, err)
	}

	return nil
}

func (s *Sink) publishing(body []byte) amqp.Publishing {
	return amqp.Publishing{
		ContentType:  contentTypeJSON,
		DeliveryMode: amqp.Persistent,
		AppId:        s.cfg.AppID,
		Body:         body,
	}
}

func (s *Sink) publish(ctx context.Context, exchange, key string, msg amqp.Publishing) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.ch.PublishWithContext(ctx, exchange, key, s.cfg.Mandatory, false, msg); err != nil {
		return err
	}
	s.tag++

	if err := s.waitConfirm(ctx, s.tag); err != nil {
		return err
	}

	return s.checkReturned(msg.MessageId)
}

// waitConfirm reads confirmations up to tag. Confirmations of earlier
// publishes that timed out are skipped.
func (s *Sink) waitConfirm(ctx context.Context, tag uint64) error {
	timer := time.NewTimer(s.cfg.ConfirmTimeout)
	defer timer.Stop()

	for {
		select {
		case c, ok := <-s.confirms:
			if !ok {
				return amqp.ErrClosed
			}
			if c.DeliveryTag < tag {
				continue
			}
			if !c.Ack {
				return fmt.Errorf("%w: delivery tag %d", ErrNacked, c.DeliveryTag)
			}

			return nil
		case <-timer.C:
			return fmt.Errorf("%w: delivery tag %d", ErrConfirmTimeout, tag)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// checkReturned reports whether the broker returned messageID. A return is
// delivered before the ack of the same message, so it is already buffered.
func (s *Sink) checkReturned(messageID string) error {
	if s.returns == nil {
		return nil
	}
	for {
		select {
		case r, ok := <-s.returns:
			if !ok {
				return nil
			}
			if r.MessageId == messageID {
				return fmt.Errorf("%w: %d %s", ErrReturned, r.ReplyCode, r.ReplyText)
			}
		default:
			return nil
		}
	}
}
