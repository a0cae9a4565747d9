package outbox

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestDecodeEvent(t *testing.T) {
	cases := []struct {
		name     string
		payload  string
		data     string
		metadata string
		err      error
	}{
		{name: "flat object", payload: `{"title":"hello"}`, data: `{"title":"hello"}`},
		{name: "envelope", payload: `{"payload":{"title":"hello"},"metadata":{"user":"u1"}}`, data: `{"title":"hello"}`, metadata: `{"user":"u1"}`},
		{name: "envelope without metadata", payload: `{"payload":{"title":"hello"}}`, data: `{"title":"hello"}`},
		{name: "nested envelope unwraps once", payload: `{"payload":{"payload":{"x":1}}}`, data: `{"payload":{"x":1}}`},
		{name: "scalar payload field stays", payload: `{"payload":"text","metadata":{"a":1}}`, data: `{"payload":"text","metadata":{"a":1}}`},
		{name: "array", payload: `[1,2]`, err: ErrMalformedPayload},
		{name: "null", payload: `null`, err: ErrMalformedPayload},
		{name: "invalid", payload: `{`, err: ErrMalformedPayload},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			event, err := DecodeEvent(Entry{EventType: "ArticleCreated", Payload: json.RawMessage(tc.payload), SequenceNumber: 3})
			if tc.err != nil {
				if !errors.Is(err, tc.err) || !errors.Is(err, ErrPermanent) {
					t.Fatalf("expected permanent %v, got %v", tc.err, err)
				}

				return
			}
			if err != nil {
				t.Fatalf("decode: %v", err)
			}
			if string(event.Data) != tc.data {
				t.Fatalf("expected data %s, got %s", tc.data, event.Data)
			}
			if string(event.Metadata) != tc.metadata {
				t.Fatalf("expected metadata %q, got %q", tc.metadata, event.Metadata)
			}
			if event.Type != "ArticleCreated" || event.Sequence != 3 {
				t.Fatalf("entry fields not carried over: %+v", event)
			}
		})
	}
}

func TestDecodeTask(t *testing.T) {
	route, task, err := DecodeTask(Entry{RoutingKey: "mail", Payload: json.RawMessage(`{"type":"send","args":["a@b.c"]}`)})
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if route != "mail" || task.Type != "send" || string(task.Args) != `["a@b.c"]` {
		t.Fatalf("unexpected task: %s %+v", route, task)
	}

	if _, _, err := DecodeTask(Entry{RoutingKey: "mail", Payload: json.RawMessage(`{"args":[]}`)}); !errors.Is(err, ErrUnresolvableTask) {
		t.Fatalf("expected ErrUnresolvableTask, got %v", err)
	}
	if _, _, err := DecodeTask(Entry{Payload: json.RawMessage(`{"type":"send"}`)}); !errors.Is(err, ErrUnresolvableTask) {
		t.Fatalf("expected ErrUnresolvableTask, got %v", err)
	}
	if _, _, err := DecodeTask(Entry{RoutingKey: "mail", Payload: json.RawMessage(`"send"`)}); !errors.Is(err, ErrMalformedPayload) {
		t.Fatalf("expected ErrMalformedPayload, got %v", err)
	}
}
