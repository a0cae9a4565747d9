package redisstream

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	outbox "github.com/velmie/outbox-dispatch"
)

func newSink(t *testing.T, cfg Config) (*Sink, *redis.Client) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	sink, err := New(client, cfg)
	require.NoError(t, err)

	return sink, client
}

func TestPublishEvent(t *testing.T) {
	ctx := context.Background()
	sink, client := newSink(t, Config{})

	id := uuid.MustParse("0195a1f0-0000-7000-8000-000000000002")
	event := outbox.Event{
		ID:            id,
		Type:          "ArticleCreated",
		AggregateType: "Article",
		AggregateID:   "A1",
		Topic:         "articles",
		Key:           "A1",
		Data:          json.RawMessage(`{"title":"hello"}`),
		Metadata:      json.RawMessage(`{"trace":"t1"}`),
		OccurredAt:    time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC),
		Sequence:      42,
	}
	require.NoError(t, sink.PublishEvent(ctx, event))

	msgs, err := client.XRange(ctx, "outbox:articles", "-", "+").Result()
	require.NoError(t, err)
	require.Len(t, msgs, 1)

	values := msgs[0].Values
	require.Equal(t, id.String(), values["id"])
	require.Equal(t, "ArticleCreated", values["type"])
	require.Equal(t, "A1", values["key"])
	require.Equal(t, `{"title":"hello"}`, values["data"])
	require.Equal(t, `{"trace":"t1"}`, values["metadata"])
	require.Equal(t, "42", values["sequence"])
	require.Equal(t, "2025-03-01T10:00:00Z", values["occurred_at"])
}

func TestPublishEventDefaultStream(t *testing.T) {
	ctx := context.Background()
	sink, client := newSink(t, Config{Prefix: "app:", DefaultStream: "all"})

	require.NoError(t, sink.PublishEvent(ctx, outbox.Event{ID: uuid.New(), Type: "Ping", Data: json.RawMessage(`{}`)}))

	n, err := client.XLen(ctx, "app:all").Result()
	require.NoError(t, err)
	require.EqualValues(t, 1, n)
	require.Equal(t, "app:all", sink.EventStream(""))
}

func TestSendTask(t *testing.T) {
	ctx := context.Background()
	sink, client := newSink(t, Config{})

	require.NoError(t, sink.SendTask(ctx, "search", outbox.Task{Type: "reindex", Args: json.RawMessage(`{"id":"A1"}`)}))
	require.NoError(t, sink.SendTask(ctx, "search", outbox.Task{Type: "vacuum"}))

	msgs, err := client.XRange(ctx, sink.TaskStream("search"), "-", "+").Result()
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	require.Equal(t, "reindex", msgs[0].Values["type"])
	require.Equal(t, `{"id":"A1"}`, msgs[0].Values["args"])
	require.NotContains(t, msgs[1].Values, "args")
}

func TestSendTaskFailsWhenRedisIsDown(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { _ = client.Close() })
	sink, err := New(client, Config{})
	require.NoError(t, err)

	mr.Close()
	err = sink.SendTask(context.Background(), "search", outbox.Task{Type: "reindex"})
	require.Error(t, err)
}

func TestNewRequiresClient(t *testing.T) {
	_, err := New(nil, Config{})
	require.ErrorIs(t, err, ErrClientRequired)
}
