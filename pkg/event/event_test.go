package event

import (
	"encoding/json"
	"testing"
)

func TestEmitter_OnAndUnsubscribe(t *testing.T) {
	e := NewEmitter()

	var specific, wildcard int
	off := e.On(MessageCreated, func(Event) { specific++ })
	offAll := e.OnAny(func(Event) { wildcard++ })

	e.Emit(MessageCreatedEvent{ConversationID: "c1"})
	e.Emit(StreamDeltaEvent{ConversationID: "c1"})

	if specific != 1 {
		t.Fatalf("specific = %d, want 1", specific)
	}
	if wildcard != 2 {
		t.Fatalf("wildcard = %d, want 2", wildcard)
	}

	off()
	offAll()
	if n := e.ListenerCount(); n != 0 {
		t.Fatalf("ListenerCount() = %d after unsubscribe, want 0", n)
	}

	e.Emit(MessageCreatedEvent{ConversationID: "c1"})
	if specific != 1 || wildcard != 2 {
		t.Fatalf("listeners called after unsubscribe: specific=%d wildcard=%d", specific, wildcard)
	}
}

func TestEmitter_UnsubscribeOnlyRemovesOwnListener(t *testing.T) {
	e := NewEmitter()
	var a, b int
	offA := e.On(StreamDone, func(Event) { a++ })
	e.On(StreamDone, func(Event) { b++ })

	offA()
	e.Emit(StreamDoneEvent{ConversationID: "c1"})

	if a != 0 || b != 1 {
		t.Fatalf("a=%d b=%d, want a=0 b=1", a, b)
	}
}

func TestMatches(t *testing.T) {
	tests := []struct {
		name   string
		ev     Event
		events map[string]bool
		convs  map[string]bool
		want   bool
	}{
		{"no filters", MessageCreatedEvent{ConversationID: "c1"}, nil, nil, true},
		{"event match", MessageCreatedEvent{ConversationID: "c1"}, map[string]bool{MessageCreated: true}, nil, true},
		{"event miss", StreamDeltaEvent{ConversationID: "c1"}, map[string]bool{MessageCreated: true}, nil, false},
		{"conversation match", StreamDeltaEvent{ConversationID: "c1"}, nil, map[string]bool{"c1": true}, true},
		{"conversation miss", StreamDeltaEvent{ConversationID: "c2"}, nil, map[string]bool{"c1": true}, false},
		{"unscoped with conversation filter", KnowledgeIndexedEvent{}, nil, map[string]bool{"c1": true}, false},
		{"remote event scoped", RemoteEvent{Name: MessageCreated, Data: map[string]any{"conversation_id": "c1"}}, nil, map[string]bool{"c1": true}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Matches(tt.ev, tt.events, tt.convs); got != tt.want {
				t.Fatalf("Matches() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestParseFilter(t *testing.T) {
	if f := parseFilter(""); f != nil {
		t.Fatalf("empty param should give nil filter, got %v", f)
	}
	if f := parseFilter(" , "); f != nil {
		t.Fatalf("blank entries should give nil filter, got %v", f)
	}
	f := parseFilter("a, b")
	if !f["a"] || !f["b"] || len(f) != 2 {
		t.Fatalf("parseFilter() = %v", f)
	}
}

func TestRedisRelay_EncodeDecode(t *testing.T) {
	sender := NewRedisRelay(nil, "ch", NewEmitter())
	receiver := NewRedisRelay(nil, "ch", NewEmitter())

	env, err := sender.encode(MessageCreatedEvent{ConversationID: "c1", MessageID: "m1", Seq: 3})
	if err != nil {
		t.Fatalf("encode() error = %v", err)
	}
	payload, _ := json.Marshal(env)

	if _, ok := sender.decode(payload); ok {
		t.Fatal("relay must ignore its own publications")
	}

	ev, ok := receiver.decode(payload)
	if !ok {
		t.Fatal("receiver should accept a foreign publication")
	}
	if ev.EventName() != MessageCreated || ev.ConversationKey() != "c1" {
		t.Fatalf("decoded event = %+v", ev)
	}
	if ev.Data["message_id"] != "m1" {
		t.Fatalf("message_id = %v", ev.Data["message_id"])
	}

	if _, ok := receiver.decode([]byte("not json")); ok {
		t.Fatal("malformed payload should be rejected")
	}
}
