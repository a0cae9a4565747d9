package outbox

import (
	"context"
	"errors"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/velmie/outbox-dispatch/dispatch"
	"github.com/velmie/outbox-dispatch/logging"
)

const (
	defaultSinkTimeout     = 10 * time.Second
	defaultMaxRetries      = 5
	defaultStoreRetries    = 3
	defaultStoreRetryDelay = 100 * time.Millisecond
	maxErrorLen            = 1024
	tracerName             = "github.com/velmie/outbox-dispatch"
)

// PublisherConfig defines how entries are delivered and how outcomes are stored.
type PublisherConfig struct {
	// SinkTimeout bounds every sink call.
	SinkTimeout time.Duration
	// MaxRetries is the retry ceiling; dead-lettered entries are raised to it.
	MaxRetries int
	// Backoff schedules retries after transient failures.
	Backoff Backoff
	// StoreRetries is how many times a failed store update is attempted.
	StoreRetries int
	// StoreRetryDelay is the first pause between store attempts; it doubles each time.
	StoreRetryDelay   time.Duration
	FailureClassifier FailureClassifier
	Clock             Clock
	Logger            logging.Logger
	// TracerProvider creates the per-entry publish spans. Defaults to the global provider.
	TracerProvider trace.TracerProvider
}

func (c PublisherConfig) withDefaults() PublisherConfig {
	if c.SinkTimeout <= 0 {
		c.SinkTimeout = defaultSinkTimeout
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = defaultMaxRetries
	}
	c.Backoff = c.Backoff.withDefaults()
	if c.StoreRetries <= 0 {
		c.StoreRetries = defaultStoreRetries
	}
	if c.StoreRetryDelay <= 0 {
		c.StoreRetryDelay = defaultStoreRetryDelay
	}
	if c.FailureClassifier == nil {
		c.FailureClassifier = defaultFailureClassifier
	}
	if c.Clock == nil {
		c.Clock = SystemClock{}
	}
	c.Logger = logging.OrNop(c.Logger)
	if c.TracerProvider == nil {
		c.TracerProvider = otel.GetTracerProvider()
	}

	return c
}

// Publisher delivers one entry to its sink and records the outcome.
type Publisher struct {
	marker     Marker
	dispatcher *dispatch.Dispatcher
	events     EventSink
	tasks      TaskSink
	tracer     trace.Tracer
	cfg        PublisherConfig
}

// NewPublisher creates a Publisher. The task sink must deliver to the task
// queue directly; a StagingTaskSink is rejected.
func NewPublisher(marker Marker, dispatcher *dispatch.Dispatcher, events EventSink, tasks TaskSink, cfg PublisherConfig) (*Publisher, error) {
	if marker == nil {
		return nil, ErrStoreRequired
	}
	if dispatcher == nil {
		return nil, ErrDispatcherRequired
	}
	if events == nil || tasks == nil {
		return nil, ErrSinkRequired
	}
	if _, ok := tasks.(*StagingTaskSink); ok {
		return nil, ErrRecursiveTaskSink
	}

	cfg = cfg.withDefaults()

	return &Publisher{
		marker:     marker,
		dispatcher: dispatcher,
		events:     events,
		tasks:      tasks,
		tracer:     cfg.TracerProvider.Tracer(tracerName),
		cfg:        cfg,
	}, nil
}

// MaxRetries returns the retry ceiling used for dead-lettering.
func (p *Publisher) MaxRetries() int {
	return p.cfg.MaxRetries
}

// Publish delivers entry and updates the store.
// Delivery failures are recorded, not returned. The error is non-nil only
// for an unknown message type, a store update that kept failing, or a
// canceled context.
func (p *Publisher) Publish(ctx context.Context, entry Entry) (Outcome, error) {
	ctx, span := p.tracer.Start(ctx, "outbox.publish",
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			attribute.String("outbox.entry.id", entry.ID.String()),
			attribute.String("outbox.message_type", string(entry.MessageType)),
			attribute.String("outbox.event_type", entry.EventType),
			attribute.Int64("outbox.sequence", entry.SequenceNumber),
			attribute.Int("outbox.retry_count", entry.RetryCount),
		),
	)
	defer span.End()

	outcome, err := p.publish(ctx, entry)
	span.SetAttributes(attribute.String("outbox.outcome", outcome.String()))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}

	return outcome, err
}

func (p *Publisher) publish(ctx context.Context, entry Entry) (Outcome, error) {
	var (
		res dispatch.Result
		err error
	)
	switch entry.MessageType {
	case MessageTypeEvent:
		res, err = p.publishEvent(ctx, entry)
	case MessageTypeTask:
		res, err = p.sendTask(ctx, entry)
	default:
		return OutcomeSkipped, fmt.Errorf("%w: %q on entry %s", ErrUnknownMessageType, entry.MessageType, entry.ID)
	}
	if err != nil {
		return p.fail(ctx, entry, err)
	}

	switch res.Status {
	case dispatch.StatusSkipped:
		p.cfg.Logger.Debug("outbox sink circuit open, entry left pending", "id", entry.ID, "service", res.Service)

		return OutcomeSkipped, nil
	case dispatch.StatusSucceeded:
		return p.published(ctx, entry)
	default:
		if ctxErr := ctx.Err(); ctxErr != nil {
			return OutcomeSkipped, ctxErr
		}

		return p.fail(ctx, entry, res.Cause)
	}
}

func (p *Publisher) publishEvent(ctx context.Context, entry Entry) (dispatch.Result, error) {
	event, err := DecodeEvent(entry)
	if err != nil {
		return dispatch.Result{}, err
	}

	return p.dispatcher.Dispatch(ctx, dispatch.ServiceEventSink, func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, p.cfg.SinkTimeout)
		defer cancel()

		return p.events.PublishEvent(ctx, event)
	}), nil
}

func (p *Publisher) sendTask(ctx context.Context, entry Entry) (dispatch.Result, error) {
	route, task, err := DecodeTask(entry)
	if err != nil {
		return dispatch.Result{}, err
	}

	return p.dispatcher.Dispatch(ctx, dispatch.ServiceTaskSink, func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, p.cfg.SinkTimeout)
		defer cancel()

		return p.tasks.SendTask(ctx, route, task)
	}), nil
}

func (p *Publisher) published(ctx context.Context, entry Entry) (Outcome, error) {
	now := p.cfg.Clock.Now()
	var updated int64
	err := p.withStoreRetry(ctx, func(ctx context.Context) error {
		var err error
		updated, err = p.marker.MarkPublished(ctx, []uuid.UUID{entry.ID}, now)

		return err
	})
	if err != nil {
		return OutcomePublished, fmt.Errorf("outbox mark published %s: %w", entry.ID, err)
	}
	if updated == 0 {
		p.cfg.Logger.Debug("outbox entry was already published", "id", entry.ID)
	}

	return OutcomePublished, nil
}

func (p *Publisher) fail(ctx context.Context, entry Entry, cause error) (Outcome, error) {
	msg := truncateError(cause)

	if p.cfg.FailureClassifier(ctx, entry, cause) == FailureDead {
		p.cfg.Logger.Warn("outbox entry dead-lettered",
			"id", entry.ID, "type", string(entry.MessageType), "event", entry.EventType, "err", cause)
		err := p.withStoreRetry(ctx, func(ctx context.Context) error {
			return p.marker.MarkDead(ctx, entry.ID, msg, p.cfg.MaxRetries)
		})
		if err != nil {
			return OutcomeDeadLettered, fmt.Errorf("outbox mark dead %s: %w", entry.ID, err)
		}

		return OutcomeDeadLettered, nil
	}

	next := p.cfg.Clock.Now().Add(p.cfg.Backoff.Delay(entry.RetryCount))
	p.cfg.Logger.Info("outbox delivery failed, retry scheduled",
		"id", entry.ID, "retry", entry.RetryCount+1, "next_retry_at", next, "err", cause)
	err := p.withStoreRetry(ctx, func(ctx context.Context) error {
		return p.marker.MarkFailed(ctx, entry.ID, msg, next)
	})
	if err != nil {
		return OutcomeRetried, fmt.Errorf("outbox mark failed %s: %w", entry.ID, err)
	}

	return OutcomeRetried, nil
}

func (p *Publisher) withStoreRetry(ctx context.Context, op func(ctx context.Context) error) error {
	var errs []error
	delay := p.cfg.StoreRetryDelay
	for attempt := 0; attempt < p.cfg.StoreRetries; attempt++ {
		err := op(ctx)
		if err == nil {
			return nil
		}
		errs = append(errs, err)
		if attempt == p.cfg.StoreRetries-1 {
			break
		}
		p.cfg.Logger.Warn("outbox store update failed, retrying", "attempt", attempt+1, "err", err)
		if sleepErr := sleepContext(ctx, delay); sleepErr != nil {
			errs = append(errs, sleepErr)

			break
		}
		delay *= 2
	}

	return errors.Join(errs...)
}

func truncateError(err error) string {
	if err == nil {
		return ""
	}

	msg := err.Error()
	if utf8.RuneCountInString(msg) <= maxErrorLen {
		return msg
	}

	return string([]rune(msg)[:maxErrorLen])
}
