package bus

import (
	"context"
	"encoding/json"
	"testing"
)

func TestLocalBus_PublishReachesOnlySubscribedUser(t *testing.T) {
	b := NewLocal()
	ctx := context.Background()

	var got []string
	leave, err := b.Subscribe(ctx, "alice", func(ev Event) {
		got = append(got, ev.Name)
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer leave()

	if err := b.Publish(ctx, "alice", Event{Name: "message:received"}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if err := b.Publish(ctx, "bob", Event{Name: "message:received"}); err != nil {
		t.Fatalf("publish to absent user: %v", err)
	}

	if len(got) != 1 {
		t.Fatalf("expected 1 event for alice, got %d", len(got))
	}
}

func TestLocalBus_PublishToNobodyIsNotAnError(t *testing.T) {
	b := NewLocal()

	if err := b.Publish(context.Background(), "ghost", Event{Name: "message:received"}); err != nil {
		t.Fatalf("offline recipient must not error: %v", err)
	}
}

func TestLocalBus_LeaveStopsDelivery(t *testing.T) {
	b := NewLocal()
	ctx := context.Background()

	count := 0
	leave, err := b.Subscribe(ctx, "alice", func(Event) { count++ })
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	if err := b.Publish(ctx, "alice", Event{Name: "first"}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	leave()
	if err := b.Publish(ctx, "alice", Event{Name: "second"}); err != nil {
		t.Fatalf("publish after leave: %v", err)
	}

	if count != 1 {
		t.Fatalf("expected 1 delivery, got %d", count)
	}
}

func TestLocalBus_BroadcastReachesEverySubscriber(t *testing.T) {
	b := NewLocal()
	ctx := context.Background()

	var origins []string
	for i := 0; i < 2; i++ {
		leave, err := b.SubscribeBroadcast(ctx, func(ev Event) {
			origins = append(origins, ev.Origin)
		})
		if err != nil {
			t.Fatalf("subscribe broadcast: %v", err)
		}
		defer leave()
	}

	if err := b.Broadcast(ctx, Event{Name: "presence:update", Origin: "proc-1"}); err != nil {
		t.Fatalf("broadcast: %v", err)
	}

	if len(origins) != 2 {
		t.Fatalf("expected 2 broadcast deliveries, got %d", len(origins))
	}
	for _, origin := range origins {
		if origin != "proc-1" {
			t.Fatalf("origin must survive broadcast, got %q", origin)
		}
	}
}

func TestMarshalPayload_ProducesWireReadyJSON(t *testing.T) {
	ev, err := MarshalPayload("presence:update", map[string]any{"userId": "alice", "online": true})
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	if ev.Name != "presence:update" {
		t.Fatalf("expected event name, got %q", ev.Name)
	}

	var decoded map[string]any
	if err := json.Unmarshal(ev.Payload, &decoded); err != nil {
		t.Fatalf("payload must be valid JSON: %v", err)
	}
	if decoded["userId"] != "alice" {
		t.Fatalf("unexpected payload: %v", decoded)
	}
}
