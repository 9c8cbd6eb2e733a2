package gateway

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/relaychat/relay-server/internal/bus"
	"github.com/relaychat/relay-server/internal/presence"
	"github.com/relaychat/relay-server/internal/proto"
	"github.com/relaychat/relay-server/internal/queue"
	"github.com/relaychat/relay-server/internal/service/delivery"
	"github.com/relaychat/relay-server/internal/store"
	"github.com/relaychat/relay-server/internal/store/sqlite"
)

type harness struct {
	gw       *Gateway
	store    store.Store
	delivery *delivery.Service
	cancels  []context.CancelFunc
}

func newHarness(t *testing.T, userIDs ...string) *harness {
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

	logger := zerolog.Nop()
	fanout := bus.NewLocal()
	tracker := presence.NewMemory(time.Minute)
	dl := delivery.NewService(st, fanout, queue.NewDiscard(&logger), &logger)
	gw := New(tracker, fanout, dl, &logger, time.Minute)

	if err := gw.Start(ctx); err != nil {
		t.Fatalf("start gateway: %v", err)
	}
	t.Cleanup(gw.Stop)

	h := &harness{gw: gw, store: st, delivery: dl}
	t.Cleanup(func() {
		for _, cancel := range h.cancels {
			cancel()
		}
	})
	return h
}

func (h *harness) connect(t *testing.T, userID string) *Client {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	h.cancels = append(h.cancels, cancel)

	client, err := h.gw.Connect(ctx, userID)
	if err != nil {
		t.Fatalf("connect %s: %v", userID, err)
	}
	return client
}

// drain empties the client's event buffer without blocking. All routing in
// these tests is synchronous through the local bus, so everything already
// emitted is in the buffer.
func drain(c *Client) []proto.Outbound {
	var out []proto.Outbound
	for {
		select {
		case ev := <-c.Events:
			out = append(out, ev)
		default:
			return out
		}
	}
}

func eventsOfType(events []proto.Outbound, eventType string) []proto.Outbound {
	var out []proto.Outbound
	for _, ev := range events {
		if ev.Type == eventType {
			out = append(out, ev)
		}
	}
	return out
}

func sendFrame(t *testing.T, h *harness, client *Client, eventType string, payload any) {
	t.Helper()
	raw, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	h.gw.HandleInbound(context.Background(), client, proto.Inbound{Type: eventType, Data: raw})
}

func TestGroupSend_EachRecipientGetsExactlyOneCopy(t *testing.T) {
	h := newHarness(t, "alice", "bob", "carol")
	ctx := context.Background()

	conv, err := h.store.CreateGroup(ctx, "alice", []string{"alice", "bob", "carol"}, "team", "")
	if err != nil {
		t.Fatalf("create group: %v", err)
	}

	alice := h.connect(t, "alice")
	bob := h.connect(t, "bob")
	carol := h.connect(t, "carol")
	drain(alice)
	drain(bob)
	drain(carol)

	sendFrame(t, h, alice, proto.EventMessageSend, proto.SendData{
		ConversationID: conv.ID,
		Content:        "hi all",
		TempID:         "tmp-1",
	})

	sent := eventsOfType(drain(alice), proto.EventMessageSent)
	if len(sent) != 1 {
		t.Fatalf("sender must get one message:sent, got %d", len(sent))
	}
	ack, ok := sent[0].Data.(proto.SentData)
	if !ok {
		t.Fatalf("unexpected sent payload type %T", sent[0].Data)
	}
	if ack.TempID != "tmp-1" || ack.Message == nil || ack.Message.Content != "hi all" {
		t.Fatalf("unexpected acknowledgment: %+v", ack)
	}

	for name, c := range map[string]*Client{"bob": bob, "carol": carol} {
		received := eventsOfType(drain(c), proto.EventMessageReceived)
		if len(received) != 1 {
			t.Fatalf("%s must get exactly one message:received, got %d", name, len(received))
		}
	}

	// Unread accrues to the primary recipient until the read acknowledgment.
	primary := ack.Message.Recipient
	counts, err := h.store.UnreadCounts(ctx, primary)
	if err != nil {
		t.Fatalf("unread counts: %v", err)
	}
	if len(counts) != 1 || counts[0].ConversationID != conv.ID || counts[0].Count != 1 {
		t.Fatalf("expected one unread in the group for %s, got %+v", primary, counts)
	}

	reader := bob
	if primary == "carol" {
		reader = carol
	}
	sendFrame(t, h, reader, proto.EventMessageRead, proto.AckData{MessageID: ack.Message.ID})
	counts, err = h.store.UnreadCounts(ctx, primary)
	if err != nil {
		t.Fatalf("unread counts after read: %v", err)
	}
	if len(counts) != 0 {
		t.Fatalf("expected no unread after read ack, got %+v", counts)
	}
}

func TestReconnect_ReplaysUndeliveredBatchThenMarksDelivered(t *testing.T) {
	h := newHarness(t, "alice", "bob")
	ctx := context.Background()

	// Bob is offline; alice sends three messages.
	for _, content := range []string{"one", "two", "three"} {
		if _, err := h.delivery.Send(ctx, "alice", proto.SendData{To: "bob", Content: content}); err != nil {
			t.Fatalf("send %s: %v", content, err)
		}
		time.Sleep(time.Millisecond)
	}

	bob := h.connect(t, "bob")

	batches := eventsOfType(drain(bob), proto.EventMessagesUndelivered)
	if len(batches) != 1 {
		t.Fatalf("expected one undelivered batch, got %d", len(batches))
	}
	batch, ok := batches[0].Data.(proto.UndeliveredData)
	if !ok {
		t.Fatalf("unexpected batch payload type %T", batches[0].Data)
	}
	if len(batch.Messages) != 3 {
		t.Fatalf("expected 3 messages in batch, got %d", len(batch.Messages))
	}
	if batch.Messages[0].Content != "one" || batch.Messages[2].Content != "three" {
		t.Fatalf("batch must be oldest first: %s..%s", batch.Messages[0].Content, batch.Messages[2].Content)
	}

	pending, err := h.store.UndeliveredFor(ctx, "bob")
	if err != nil {
		t.Fatalf("undelivered for: %v", err)
	}
	if len(pending) != 0 {
		t.Fatalf("replayed messages must be marked delivered, %d still pending", len(pending))
	}

	// A second reconnect has nothing to replay.
	bob2 := h.connect(t, "bob")
	if again := eventsOfType(drain(bob2), proto.EventMessagesUndelivered); len(again) != 0 {
		t.Fatalf("second reconnect must not replay, got %d batches", len(again))
	}
}

func TestDeliveredAck_RoutesStatusToSender(t *testing.T) {
	h := newHarness(t, "alice", "bob")
	ctx := context.Background()

	alice := h.connect(t, "alice")
	bob := h.connect(t, "bob")
	drain(alice)

	msg, err := h.delivery.Send(ctx, "alice", proto.SendData{To: "bob", Content: "hi"})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	drain(alice)
	drain(bob)

	sendFrame(t, h, bob, proto.EventMessageDelivered, proto.AckData{MessageID: msg.ID})

	statuses := eventsOfType(drain(alice), proto.EventMessageDeliveryStatus)
	if len(statuses) != 1 {
		t.Fatalf("expected one delivery-status for sender, got %d", len(statuses))
	}
	var status proto.DeliveryStatusData
	if err := json.Unmarshal(statuses[0].Data.(json.RawMessage), &status); err != nil {
		t.Fatalf("unmarshal status: %v", err)
	}
	if status.MessageID != msg.ID || !status.Delivered || status.DeliveredAt == nil {
		t.Fatalf("unexpected status: %+v", status)
	}
}

func TestReadAck_DrainsUnreadCount(t *testing.T) {
	h := newHarness(t, "alice", "bob")
	ctx := context.Background()

	bob := h.connect(t, "bob")
	drain(bob)

	msg, err := h.delivery.Send(ctx, "alice", proto.SendData{To: "bob", Content: "hi"})
	if err != nil {
		t.Fatalf("send: %v", err)
	}

	counts, err := h.store.UnreadCounts(ctx, "bob")
	if err != nil {
		t.Fatalf("unread counts: %v", err)
	}
	if len(counts) != 1 || counts[0].Count != 1 {
		t.Fatalf("expected one unread, got %+v", counts)
	}

	sendFrame(t, h, bob, proto.EventMessageRead, proto.AckData{MessageID: msg.ID})

	counts, err = h.store.UnreadCounts(ctx, "bob")
	if err != nil {
		t.Fatalf("unread counts after read: %v", err)
	}
	if len(counts) != 0 {
		t.Fatalf("expected no unread after read ack, got %+v", counts)
	}
}

func TestTyping_RelaysToRecipientOnly(t *testing.T) {
	h := newHarness(t, "alice", "bob", "carol")

	alice := h.connect(t, "alice")
	bob := h.connect(t, "bob")
	carol := h.connect(t, "carol")
	drain(alice)
	drain(bob)
	drain(carol)

	sendFrame(t, h, alice, proto.EventTyping, proto.TypingData{To: "bob"})

	typing := eventsOfType(drain(bob), proto.EventUserTyping)
	if len(typing) != 1 {
		t.Fatalf("expected one user:typing for bob, got %d", len(typing))
	}
	var data proto.UserTypingData
	if err := json.Unmarshal(typing[0].Data.(json.RawMessage), &data); err != nil {
		t.Fatalf("unmarshal typing: %v", err)
	}
	if data.UserID != "alice" {
		t.Fatalf("expected alice typing, got %s", data.UserID)
	}

	if leaked := eventsOfType(drain(carol), proto.EventUserTyping); len(leaked) != 0 {
		t.Fatalf("typing must not leak to third parties, got %d", len(leaked))
	}

	sendFrame(t, h, alice, proto.EventTypingStop, proto.TypingData{To: "bob"})
	stopped := eventsOfType(drain(bob), proto.EventUserTypingStop)
	if len(stopped) != 1 {
		t.Fatalf("expected one user:typing:stop, got %d", len(stopped))
	}
}

func TestPresence_AnnouncedToOtherLocalClients(t *testing.T) {
	h := newHarness(t, "alice", "bob")

	alice := h.connect(t, "alice")
	drain(alice)

	bob := h.connect(t, "bob")

	online := eventsOfType(drain(alice), proto.EventPresenceUpdate)
	if len(online) != 1 {
		t.Fatalf("expected one presence update, got %d", len(online))
	}
	var upd proto.PresenceUpdateData
	raw, _ := online[0].Data.(json.RawMessage)
	if err := json.Unmarshal(raw, &upd); err != nil {
		t.Fatalf("unmarshal presence: %v", err)
	}
	if upd.UserID != "bob" || !upd.Online {
		t.Fatalf("expected bob online, got %+v", upd)
	}

	h.gw.Disconnect(context.Background(), bob)

	offline := eventsOfType(drain(alice), proto.EventPresenceUpdate)
	if len(offline) != 1 {
		t.Fatalf("expected one offline update, got %d", len(offline))
	}
	raw, _ = offline[0].Data.(json.RawMessage)
	if err := json.Unmarshal(raw, &upd); err != nil {
		t.Fatalf("unmarshal presence: %v", err)
	}
	if upd.UserID != "bob" || upd.Online || upd.LastSeenAt == nil {
		t.Fatalf("expected bob offline with lastSeenAt, got %+v", upd)
	}
}

func TestSupersededConnection_DoesNotClearPresence(t *testing.T) {
	h := newHarness(t, "alice", "bob")
	ctx := context.Background()

	old := h.connect(t, "bob")
	fresh := h.connect(t, "bob")
	drain(fresh)

	// Closing the superseded socket must not mark bob offline.
	h.gw.Disconnect(ctx, old)

	online, err := h.gw.presence.IsOnline(ctx, "bob")
	if err != nil {
		t.Fatalf("is online: %v", err)
	}
	if !online {
		t.Fatalf("bob must stay online while the fresh connection lives")
	}

	// Messages route to the fresh connection only.
	if _, err := h.delivery.Send(ctx, "alice", proto.SendData{To: "bob", Content: "hi"}); err != nil {
		t.Fatalf("send: %v", err)
	}
	if received := eventsOfType(drain(fresh), proto.EventMessageReceived); len(received) != 1 {
		t.Fatalf("fresh connection must receive the message, got %d", len(received))
	}
	if leaked := eventsOfType(drain(old), proto.EventMessageReceived); len(leaked) != 0 {
		t.Fatalf("stale connection must not receive messages, got %d", len(leaked))
	}
}

func TestSendFailure_SurfacesErrorWithTempID(t *testing.T) {
	h := newHarness(t, "alice")

	alice := h.connect(t, "alice")
	drain(alice)

	sendFrame(t, h, alice, proto.EventMessageSend, proto.SendData{
		ConversationID: "missing",
		Content:        "hi",
		TempID:         "tmp-9",
	})

	errs := eventsOfType(drain(alice), proto.EventMessageError)
	if len(errs) != 1 {
		t.Fatalf("expected one message:error, got %d", len(errs))
	}
	data, ok := errs[0].Data.(proto.ErrorData)
	if !ok {
		t.Fatalf("unexpected error payload type %T", errs[0].Data)
	}
	if data.TempID != "tmp-9" || data.Code == "" {
		t.Fatalf("error must carry tempId and code: %+v", data)
	}
}

func TestUnknownEvent_ReportsInvalidArgument(t *testing.T) {
	h := newHarness(t, "alice")

	alice := h.connect(t, "alice")
	drain(alice)

	h.gw.HandleInbound(context.Background(), alice, proto.Inbound{Type: "message:teleport"})

	errs := eventsOfType(drain(alice), proto.EventMessageError)
	if len(errs) != 1 {
		t.Fatalf("expected one message:error, got %d", len(errs))
	}
}
