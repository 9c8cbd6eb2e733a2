package delivery

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/relaychat/relay-server/internal/bus"
	"github.com/relaychat/relay-server/internal/core"
	"github.com/relaychat/relay-server/internal/proto"
	"github.com/relaychat/relay-server/internal/queue"
	"github.com/relaychat/relay-server/internal/store"
	"github.com/relaychat/relay-server/internal/store/sqlite"
)

// captureBus records every published event keyed by recipient.
type captureBus struct {
	bus.Bus

	mu     sync.Mutex
	events map[string][]bus.Event
}

func newCaptureBus() *captureBus {
	return &captureBus{Bus: bus.NewLocal(), events: make(map[string][]bus.Event)}
}

func (b *captureBus) Publish(ctx context.Context, userID string, ev bus.Event) error {
	b.mu.Lock()
	b.events[userID] = append(b.events[userID], ev)
	b.mu.Unlock()
	return b.Bus.Publish(ctx, userID, ev)
}

func (b *captureBus) eventsFor(userID string) []bus.Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]bus.Event(nil), b.events[userID]...)
}

// captureQueue records enqueued jobs and optionally fails every enqueue.
type captureQueue struct {
	mu   sync.Mutex
	jobs []queue.Job
	fail bool
}

func (q *captureQueue) Enqueue(_ context.Context, job queue.Job) error {
	if q.fail {
		return errors.New("queue unavailable")
	}
	q.mu.Lock()
	q.jobs = append(q.jobs, job)
	q.mu.Unlock()
	return nil
}

func (q *captureQueue) all() []queue.Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]queue.Job(nil), q.jobs...)
}

type fixture struct {
	svc   *Service
	store store.Store
	bus   *captureBus
	queue *captureQueue
}

func newFixture(t *testing.T, userIDs ...string) *fixture {
	t.Helper()

	st, err := sqlite.New(":memory:")
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	ctx := context.Background()
	for _, id := range userIDs {
		if err := st.UpsertUser(ctx, &store.User{ID: id, Username: "user-" + id}); err != nil {
			t.Fatalf("seed user %s: %v", id, err)
		}
	}

	b := newCaptureBus()
	q := &captureQueue{}
	logger := zerolog.Nop()
	return &fixture{
		svc:   NewService(st, b, q, &logger),
		store: st,
		bus:   b,
		queue: q,
	}
}

func (f *fixture) directConversation(t *testing.T, a, b string) *store.Conversation {
	t.Helper()
	conv, err := f.store.CreateDirect(context.Background(), a, b)
	if err != nil {
		t.Fatalf("create direct: %v", err)
	}
	return conv
}

func TestSend_ValidatesContent(t *testing.T) {
	f := newFixture(t, "alice", "bob")
	ctx := context.Background()
	conv := f.directConversation(t, "alice", "bob")

	if _, err := f.svc.Send(ctx, "alice", proto.SendData{ConversationID: conv.ID}); core.CodeOf(err) != core.CodeInvalidArgument {
		t.Fatalf("expected invalid_argument for empty content, got %v", err)
	}

	long := strings.Repeat("x", maxContentLen+1)
	if _, err := f.svc.Send(ctx, "alice", proto.SendData{ConversationID: conv.ID, Content: long}); core.CodeOf(err) != core.CodeInvalidArgument {
		t.Fatalf("expected invalid_argument for oversized content, got %v", err)
	}

	if _, err := f.svc.Send(ctx, "alice", proto.SendData{ConversationID: conv.ID, Content: "hi", MediaType: "hologram"}); core.CodeOf(err) != core.CodeInvalidArgument {
		t.Fatalf("expected invalid_argument for unknown media type, got %v", err)
	}
}

func TestSend_RequiresMembership(t *testing.T) {
	f := newFixture(t, "alice", "bob", "carol")
	conv := f.directConversation(t, "alice", "bob")

	if _, err := f.svc.Send(context.Background(), "carol", proto.SendData{ConversationID: conv.ID, Content: "hi"}); core.CodeOf(err) != core.CodePermissionDenied {
		t.Fatalf("expected permission_denied, got %v", err)
	}
}

func TestSend_UnknownConversation(t *testing.T) {
	f := newFixture(t, "alice")

	if _, err := f.svc.Send(context.Background(), "alice", proto.SendData{ConversationID: "missing", Content: "hi"}); core.CodeOf(err) != core.CodeNotFound {
		t.Fatalf("expected not_found, got %v", err)
	}
}

func TestSend_FansOutToEveryOtherParticipant(t *testing.T) {
	f := newFixture(t, "alice", "bob", "carol")
	ctx := context.Background()

	conv, err := f.store.CreateGroup(ctx, "alice", []string{"alice", "bob", "carol"}, "team", "")
	if err != nil {
		t.Fatalf("create group: %v", err)
	}

	msg, err := f.svc.Send(ctx, "alice", proto.SendData{ConversationID: conv.ID, Content: "hi all"})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if msg.RecipientID == "alice" || msg.RecipientID == "" {
		t.Fatalf("primary recipient must be another participant, got %q", msg.RecipientID)
	}

	for _, uid := range []string{"bob", "carol"} {
		events := f.bus.eventsFor(uid)
		if len(events) != 1 {
			t.Fatalf("expected exactly 1 event for %s, got %d", uid, len(events))
		}
		if events[0].Name != proto.EventMessageReceived {
			t.Fatalf("expected %s, got %s", proto.EventMessageReceived, events[0].Name)
		}
	}
	if events := f.bus.eventsFor("alice"); len(events) != 0 {
		t.Fatalf("sender must not receive their own fan-out, got %d events", len(events))
	}

	jobs := f.queue.all()
	if len(jobs) != 2 {
		t.Fatalf("expected 2 notification jobs, got %d", len(jobs))
	}
}

func TestSend_LegacyDirectPathCreatesConversation(t *testing.T) {
	f := newFixture(t, "alice", "bob")
	ctx := context.Background()

	first, err := f.svc.Send(ctx, "alice", proto.SendData{To: "bob", Content: "hello"})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if first.ConversationID == "" || first.RecipientID != "bob" {
		t.Fatalf("unexpected message: %+v", first)
	}

	// Second send reuses the same conversation.
	second, err := f.svc.Send(ctx, "alice", proto.SendData{To: "bob", Content: "again"})
	if err != nil {
		t.Fatalf("send again: %v", err)
	}
	if second.ConversationID != first.ConversationID {
		t.Fatalf("expected same conversation, got %s and %s", first.ConversationID, second.ConversationID)
	}
}

func TestSend_LegacyDirectPathRejects(t *testing.T) {
	f := newFixture(t, "alice")
	ctx := context.Background()

	if _, err := f.svc.Send(ctx, "alice", proto.SendData{To: "alice", Content: "hi"}); core.CodeOf(err) != core.CodeInvalidArgument {
		t.Fatalf("expected invalid_argument for self-message, got %v", err)
	}
	if _, err := f.svc.Send(ctx, "alice", proto.SendData{To: "ghost", Content: "hi"}); core.CodeOf(err) != core.CodeNotFound {
		t.Fatalf("expected not_found for unknown recipient, got %v", err)
	}
}

func TestSend_EnqueueFailureIsNotFatal(t *testing.T) {
	f := newFixture(t, "alice", "bob")
	f.queue.fail = true

	msg, err := f.svc.Send(context.Background(), "alice", proto.SendData{To: "bob", Content: "hi"})
	if err != nil {
		t.Fatalf("send must survive queue failure: %v", err)
	}

	// The message is still persisted and fanned out.
	got, err := f.store.GetMessage(context.Background(), msg.ID)
	if err != nil || got == nil {
		t.Fatalf("expected persisted message, got %v %v", got, err)
	}
	if events := f.bus.eventsFor("bob"); len(events) != 1 {
		t.Fatalf("expected fan-out despite queue failure, got %d events", len(events))
	}
}

func TestMarkDelivered_NotifiesSender(t *testing.T) {
	f := newFixture(t, "alice", "bob")
	ctx := context.Background()

	msg, err := f.svc.Send(ctx, "alice", proto.SendData{To: "bob", Content: "hi"})
	if err != nil {
		t.Fatalf("send: %v", err)
	}

	if err := f.svc.MarkDelivered(ctx, msg.ID); err != nil {
		t.Fatalf("mark delivered: %v", err)
	}

	events := f.bus.eventsFor("alice")
	if len(events) != 1 || events[0].Name != proto.EventMessageDeliveryStatus {
		t.Fatalf("expected delivery-status for sender, got %+v", events)
	}
}

func TestMarkDelivered_UnknownMessageIsNoOp(t *testing.T) {
	f := newFixture(t)

	if err := f.svc.MarkDelivered(context.Background(), "missing"); err != nil {
		t.Fatalf("unknown message must be a no-op, got %v", err)
	}
}

func TestMarkRead_NotifiesSender(t *testing.T) {
	f := newFixture(t, "alice", "bob")
	ctx := context.Background()

	msg, err := f.svc.Send(ctx, "alice", proto.SendData{To: "bob", Content: "hi"})
	if err != nil {
		t.Fatalf("send: %v", err)
	}

	if err := f.svc.MarkRead(ctx, msg.ID); err != nil {
		t.Fatalf("mark read: %v", err)
	}

	events := f.bus.eventsFor("alice")
	if len(events) != 1 || events[0].Name != proto.EventMessageReadStatus {
		t.Fatalf("expected read-status for sender, got %+v", events)
	}
}

func TestReplay_DeliversThenMarks(t *testing.T) {
	f := newFixture(t, "alice", "bob")
	ctx := context.Background()

	for _, content := range []string{"one", "two", "three"} {
		if _, err := f.svc.Send(ctx, "alice", proto.SendData{To: "bob", Content: content}); err != nil {
			t.Fatalf("send %s: %v", content, err)
		}
		time.Sleep(time.Millisecond)
	}

	var replayed []*store.Message
	err := f.svc.Replay(ctx, "bob", func(msgs []*store.Message) error {
		replayed = msgs
		return nil
	})
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if len(replayed) != 3 {
		t.Fatalf("expected 3 replayed messages, got %d", len(replayed))
	}
	if replayed[0].Content != "one" || replayed[2].Content != "three" {
		t.Fatalf("replay must be oldest first, got %s..%s", replayed[0].Content, replayed[2].Content)
	}

	// Everything handed to the sink is now delivered.
	pending, err := f.store.UndeliveredFor(ctx, "bob")
	if err != nil {
		t.Fatalf("undelivered for: %v", err)
	}
	if len(pending) != 0 {
		t.Fatalf("expected nothing pending after replay, got %d", len(pending))
	}
}

func TestReplay_SinkFailureLeavesMessagesPending(t *testing.T) {
	f := newFixture(t, "alice", "bob")
	ctx := context.Background()

	if _, err := f.svc.Send(ctx, "alice", proto.SendData{To: "bob", Content: "hi"}); err != nil {
		t.Fatalf("send: %v", err)
	}

	err := f.svc.Replay(ctx, "bob", func([]*store.Message) error {
		return errors.New("socket write failed")
	})
	if err == nil {
		t.Fatalf("expected replay error")
	}

	pending, err := f.store.UndeliveredFor(ctx, "bob")
	if err != nil {
		t.Fatalf("undelivered for: %v", err)
	}
	if len(pending) != 1 {
		t.Fatalf("failed sink must leave messages pending, got %d", len(pending))
	}
}

func TestReplay_NothingPendingSkipsSink(t *testing.T) {
	f := newFixture(t, "bob")

	called := false
	err := f.svc.Replay(context.Background(), "bob", func([]*store.Message) error {
		called = true
		return nil
	})
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if called {
		t.Fatalf("sink must not run with an empty batch")
	}
}
