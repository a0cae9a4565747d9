package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/velmie/outbox-dispatch/dispatch"
)

var testNow = time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)

type publisherFixture struct {
	store   *memStore
	breaker *toggleBreaker
	sinks   *recordingSinks
	pub     *Publisher
	clock   *manualClock
}

func newPublisherFixture(t *testing.T, cfg PublisherConfig) *publisherFixture {
	t.Helper()

	clock := &manualClock{now: testNow}
	store := newMemStore(clock)
	cb := newToggleBreaker()
	sinks := &recordingSinks{}
	cfg.Clock = clock
	if cfg.Backoff == (Backoff{}) {
		cfg.Backoff = Backoff{Initial: time.Second, Max: time.Minute}
	}
	if cfg.StoreRetryDelay == 0 {
		cfg.StoreRetryDelay = time.Millisecond
	}

	pub, err := NewPublisher(store, dispatch.New(cb), sinks, sinks, cfg)
	if err != nil {
		t.Fatalf("new publisher: %v", err)
	}

	return &publisherFixture{store: store, breaker: cb, sinks: sinks, pub: pub, clock: clock}
}

func (f *publisherFixture) stage(t *testing.T, msgs ...Message) []Entry {
	t.Helper()

	entries, err := NewStager(f.store).StageAll(context.Background(), nopExec{}, msgs...)
	if err != nil {
		t.Fatalf("stage: %v", err)
	}

	return entries
}

func eventMessage(eventType, payload string) Message {
	return Message{
		MessageType:   MessageTypeEvent,
		AggregateType: "Article",
		AggregateID:   "A1",
		EventType:     eventType,
		Payload:       json.RawMessage(payload),
		Topic:         "articles",
		RoutingKey:    "A1",
	}
}

func taskMessage(route, payload string) Message {
	return Message{
		MessageType:   MessageTypeTask,
		AggregateType: "Article",
		AggregateID:   "A1",
		EventType:     "ReindexArticle",
		Payload:       json.RawMessage(payload),
		RoutingKey:    route,
	}
}

func TestNewPublisherRejectsStagingTaskSink(t *testing.T) {
	store := newMemStore(SystemClock{})
	staging := NewStager(store).TaskSink(nopExec{}, "Article", "A1")

	_, err := NewPublisher(store, dispatch.New(newToggleBreaker()), &recordingSinks{}, staging, PublisherConfig{})
	if !errors.Is(err, ErrRecursiveTaskSink) {
		t.Fatalf("expected ErrRecursiveTaskSink, got %v", err)
	}
}

func TestPublishEventSuccess(t *testing.T) {
	f := newPublisherFixture(t, PublisherConfig{})
	entry := f.stage(t, eventMessage("ArticleCreated", `{"title":"hello"}`))[0]

	outcome, err := f.pub.Publish(context.Background(), entry)
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	if outcome != OutcomePublished {
		t.Fatalf("expected published, got %s", outcome)
	}
	stored := f.store.get(entry.ID)
	if stored.PublishedAt == nil || !stored.PublishedAt.Equal(testNow) {
		t.Fatalf("expected published at %v, got %v", testNow, stored.PublishedAt)
	}
	if len(f.sinks.events) != 1 || f.sinks.events[0].Type != "ArticleCreated" || f.sinks.events[0].Topic != "articles" {
		t.Fatalf("unexpected events: %+v", f.sinks.events)
	}
}

func TestPublishTaskForwardsVerbatim(t *testing.T) {
	f := newPublisherFixture(t, PublisherConfig{})
	entry := f.stage(t, taskMessage("search", `{"type":"reindex","args":{"id":"A1","full":true}}`))[0]

	if _, err := f.pub.Publish(context.Background(), entry); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if len(f.sinks.tasks) != 1 {
		t.Fatalf("expected one task, got %d", len(f.sinks.tasks))
	}
	if f.sinks.routes[0] != "search" || f.sinks.tasks[0].Type != "reindex" {
		t.Fatalf("unexpected task: %s %+v", f.sinks.routes[0], f.sinks.tasks[0])
	}
	if string(f.sinks.tasks[0].Args) != `{"id":"A1","full":true}` {
		t.Fatalf("args were not forwarded verbatim: %s", f.sinks.tasks[0].Args)
	}
}

func TestPublishTransientFailureSchedulesRetry(t *testing.T) {
	f := newPublisherFixture(t, PublisherConfig{})
	f.sinks.eventErr = func(Event) error { return errors.New("broker down") }
	entry := f.stage(t, eventMessage("ArticleCreated", `{}`))[0]

	outcome, err := f.pub.Publish(context.Background(), entry)
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	if outcome != OutcomeRetried {
		t.Fatalf("expected retried, got %s", outcome)
	}
	stored := f.store.get(entry.ID)
	if stored.RetryCount != 1 || stored.LastError != "broker down" {
		t.Fatalf("unexpected retry state: %+v", stored)
	}
	if stored.NextRetryAt == nil || !stored.NextRetryAt.Equal(testNow.Add(time.Second)) {
		t.Fatalf("expected next retry at +1s, got %v", stored.NextRetryAt)
	}
	if f.breaker.failures[dispatch.ServiceEventSink] != 1 {
		t.Fatalf("expected breaker failure to be recorded")
	}

	stored.RetryCount = 3
	outcome, err = f.pub.Publish(context.Background(), stored)
	if err != nil || outcome != OutcomeRetried {
		t.Fatalf("publish: %s %v", outcome, err)
	}
	stored = f.store.get(entry.ID)
	if !stored.NextRetryAt.Equal(testNow.Add(8 * time.Second)) {
		t.Fatalf("expected exponential backoff of 8s, got %v", stored.NextRetryAt.Sub(testNow))
	}
}

func TestPublishMalformedPayloadDeadLetters(t *testing.T) {
	f := newPublisherFixture(t, PublisherConfig{MaxRetries: 4})
	entry := f.stage(t, eventMessage("ArticleCreated", `["not","an","object"]`))[0]

	outcome, err := f.pub.Publish(context.Background(), entry)
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	if outcome != OutcomeDeadLettered {
		t.Fatalf("expected dead-lettered, got %s", outcome)
	}
	stored := f.store.get(entry.ID)
	if stored.RetryCount != 4 || stored.PublishedAt != nil {
		t.Fatalf("expected retry count raised to ceiling, got %+v", stored)
	}
	if !strings.Contains(stored.LastError, ErrMalformedPayload.Error()) {
		t.Fatalf("unexpected last error: %q", stored.LastError)
	}
	if len(f.sinks.events) != 0 || f.breaker.failures[dispatch.ServiceEventSink] != 0 {
		t.Fatalf("malformed payload must not reach the sink or the breaker")
	}
}

func TestPublishUnresolvableTaskDeadLetters(t *testing.T) {
	f := newPublisherFixture(t, PublisherConfig{})
	noType := f.stage(t, taskMessage("search", `{"args":{}}`))[0]
	noRoute := f.stage(t, taskMessage("", `{"type":"reindex"}`))[0]

	for _, entry := range []Entry{noType, noRoute} {
		outcome, err := f.pub.Publish(context.Background(), entry)
		if err != nil {
			t.Fatalf("publish: %v", err)
		}
		if outcome != OutcomeDeadLettered {
			t.Fatalf("expected dead-lettered, got %s", outcome)
		}
	}
}

func TestPublishSinkPermanentError(t *testing.T) {
	f := newPublisherFixture(t, PublisherConfig{})
	f.sinks.taskErr = func(Task) error { return Permanent(errors.New("queue rejected task")) }
	entry := f.stage(t, taskMessage("search", `{"type":"reindex"}`))[0]

	outcome, err := f.pub.Publish(context.Background(), entry)
	if err != nil || outcome != OutcomeDeadLettered {
		t.Fatalf("expected dead-lettered, got %s %v", outcome, err)
	}
}

func TestPublishCustomClassifier(t *testing.T) {
	f := newPublisherFixture(t, PublisherConfig{
		FailureClassifier: func(context.Context, Entry, error) FailureAction { return FailureDead },
	})
	f.sinks.eventErr = func(Event) error { return errors.New("boom") }
	entry := f.stage(t, eventMessage("ArticleCreated", `{}`))[0]

	outcome, err := f.pub.Publish(context.Background(), entry)
	if err != nil || outcome != OutcomeDeadLettered {
		t.Fatalf("expected dead-lettered, got %s %v", outcome, err)
	}
}

func TestPublishSkippedWhenCircuitOpen(t *testing.T) {
	f := newPublisherFixture(t, PublisherConfig{})
	f.breaker.setOpen(dispatch.ServiceEventSink, true)
	entry := f.stage(t, eventMessage("ArticleCreated", `{}`))[0]

	outcome, err := f.pub.Publish(context.Background(), entry)
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	if outcome != OutcomeSkipped {
		t.Fatalf("expected skipped, got %s", outcome)
	}
	stored := f.store.get(entry.ID)
	if stored.RetryCount != 0 || stored.NextRetryAt != nil || stored.PublishedAt != nil {
		t.Fatalf("skip must not change the entry: %+v", stored)
	}
	if f.store.markCalls != 0 {
		t.Fatalf("skip must not touch the store")
	}
}

func TestPublishUnknownMessageType(t *testing.T) {
	f := newPublisherFixture(t, PublisherConfig{})

	_, err := f.pub.Publish(context.Background(), Entry{MessageType: "EMAIL", Payload: json.RawMessage(`{}`)})
	if !errors.Is(err, ErrUnknownMessageType) {
		t.Fatalf("expected ErrUnknownMessageType, got %v", err)
	}
}

func TestPublishRetriesStoreUpdates(t *testing.T) {
	f := newPublisherFixture(t, PublisherConfig{StoreRetries: 3})
	entry := f.stage(t, eventMessage("ArticleCreated", `{}`))[0]
	f.store.markErrs = []error{errors.New("deadlock"), errors.New("deadlock")}

	outcome, err := f.pub.Publish(context.Background(), entry)
	if err != nil || outcome != OutcomePublished {
		t.Fatalf("expected published after retries, got %s %v", outcome, err)
	}
	if f.store.markCalls != 3 {
		t.Fatalf("expected 3 store attempts, got %d", f.store.markCalls)
	}
}

func TestPublishSurfacesStoreFailure(t *testing.T) {
	f := newPublisherFixture(t, PublisherConfig{StoreRetries: 2})
	entry := f.stage(t, eventMessage("ArticleCreated", `{}`))[0]
	storeErr := errors.New("db gone")
	f.store.markErrs = []error{storeErr, storeErr}

	_, err := f.pub.Publish(context.Background(), entry)
	if !errors.Is(err, storeErr) {
		t.Fatalf("expected store error, got %v", err)
	}
}

func TestPublishAppliesSinkTimeout(t *testing.T) {
	f := newPublisherFixture(t, PublisherConfig{SinkTimeout: 20 * time.Millisecond})
	var deadline time.Time
	pub, err := NewPublisher(f.store, dispatch.New(f.breaker), EventSinkFunc(func(ctx context.Context, _ Event) error {
		deadline, _ = ctx.Deadline()

		return nil
	}), f.sinks, PublisherConfig{SinkTimeout: 20 * time.Millisecond, Clock: f.clock})
	if err != nil {
		t.Fatalf("new publisher: %v", err)
	}
	entry := f.stage(t, eventMessage("ArticleCreated", `{}`))[0]

	if _, err := pub.Publish(context.Background(), entry); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if deadline.IsZero() {
		t.Fatalf("expected sink call to carry a deadline")
	}
}

func TestTruncateError(t *testing.T) {
	long := errors.New(strings.Repeat("é", maxErrorLen+10))
	if got := truncateError(long); len([]rune(got)) != maxErrorLen {
		t.Fatalf("expected %d runes, got %d", maxErrorLen, len([]rune(got)))
	}
	if truncateError(nil) != "" {
		t.Fatalf("expected empty string for nil error")
	}
}

func TestPublishRecordsSpan(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	f := newPublisherFixture(t, PublisherConfig{TracerProvider: provider})
	entry := f.stage(t, eventMessage("ArticleCreated", `{"id":1}`))[0]

	if _, err := f.pub.Publish(context.Background(), entry); err != nil {
		t.Fatalf("publish: %v", err)
	}

	spans := recorder.Ended()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}
	if spans[0].Name() != "outbox.publish" {
		t.Fatalf("unexpected span name %q", spans[0].Name())
	}
	attrs := map[attribute.Key]attribute.Value{}
	for _, kv := range spans[0].Attributes() {
		attrs[kv.Key] = kv.Value
	}
	if got := attrs["outbox.outcome"].AsString(); got != "published" {
		t.Fatalf("outcome attribute = %q", got)
	}
	if got := attrs["outbox.entry.id"].AsString(); got != entry.ID.String() {
		t.Fatalf("entry id attribute = %q", got)
	}
}
