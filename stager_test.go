package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
)

func TestStagerAssignsIdentity(t *testing.T) {
	store := newMemStore(fixedClock{now: testNow})
	stager := NewStager(store)

	entries, err := stager.StageAll(context.Background(), nopExec{},
		eventMessage("ArticleCreated", `{}`),
		eventMessage("ArticleUpdated", `{}`),
	)
	if err != nil {
		t.Fatalf("stage: %v", err)
	}
	if entries[0].SequenceNumber >= entries[1].SequenceNumber {
		t.Fatalf("sequence numbers must increase: %d, %d", entries[0].SequenceNumber, entries[1].SequenceNumber)
	}
	for _, e := range entries {
		if e.ID.Version() != 7 {
			t.Fatalf("expected UUID v7, got version %d", e.ID.Version())
		}
		if !e.CreatedAt.Equal(testNow) {
			t.Fatalf("expected created at %v, got %v", testNow, e.CreatedAt)
		}
	}
}

func TestStagerRequiresExecutor(t *testing.T) {
	stager := NewStager(newMemStore(SystemClock{}))

	if _, err := stager.Stage(context.Background(), nil, eventMessage("ArticleCreated", `{}`)); !errors.Is(err, ErrExecutorRequired) {
		t.Fatalf("expected ErrExecutorRequired, got %v", err)
	}
}

func TestStagerPropagatesSaveError(t *testing.T) {
	store := newMemStore(SystemClock{})
	store.saveErr = ErrPersistence
	stager := NewStager(store)

	if _, err := stager.Stage(context.Background(), nopExec{}, eventMessage("ArticleCreated", `{}`)); !errors.Is(err, ErrPersistence) {
		t.Fatalf("expected ErrPersistence, got %v", err)
	}
}

func TestStagingTaskSink(t *testing.T) {
	store := newMemStore(SystemClock{})
	sink := NewStager(store).TaskSink(nopExec{}, "Article", "A1")

	err := sink.SendTask(context.Background(), "search", Task{Type: "reindex", Args: json.RawMessage(`{"id":"A1"}`)})
	if err != nil {
		t.Fatalf("send task: %v", err)
	}

	staged, err := store.PollEligible(context.Background(), PollOptions{Limit: 10})
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	if len(staged) != 1 {
		t.Fatalf("expected one staged task, got %d", len(staged))
	}
	entry := staged[0]
	if entry.MessageType != MessageTypeTask || entry.RoutingKey != "search" || entry.EventType != "reindex" {
		t.Fatalf("unexpected staged entry: %+v", entry)
	}
	route, task, err := DecodeTask(entry)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if route != "search" || task.Type != "reindex" || string(task.Args) != `{"id":"A1"}` {
		t.Fatalf("task did not round-trip: %s %+v", route, task)
	}
}
