// Package delivery orchestrates a message's life from submission to
// delivery and read: recipient resolution, durable append, per-recipient
// fan-out, notification enqueue, and reconnect redelivery.
//
// The state machine is linear, Created -> Delivered -> Read, with no
// regression. Delivery is claimed by the receiver, never inferred by the
// sender; duplicate or out-of-order acknowledgments are no-ops.
package delivery

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/relaychat/relay-server/internal/bus"
	"github.com/relaychat/relay-server/internal/core"
	"github.com/relaychat/relay-server/internal/proto"
	"github.com/relaychat/relay-server/internal/queue"
	"github.com/relaychat/relay-server/internal/store"
	"github.com/relaychat/relay-server/internal/utils"
)

const (
	maxContentLen    = 4096
	notifPreviewLen  = 100
	notifTypeMessage = "message"
)

// Service coordinates the stores, the fan-out bus and the background queue.
type Service struct {
	store store.Store
	bus   bus.Bus
	queue queue.Enqueuer
	log   *zerolog.Logger
}

// NewService creates a delivery orchestrator.
func NewService(st store.Store, b bus.Bus, q queue.Enqueuer, logger *zerolog.Logger) *Service {
	return &Service{store: st, bus: b, queue: q, log: logger}
}

// Send persists a message and fans it out. The append must complete before
// any publish: a persistence failure aborts the send with no partial
// fan-out, while publish failures to individual recipients are independent
// and non-fatal since the message is already recoverable via reconnect
// redelivery.
func (s *Service) Send(ctx context.Context, senderID string, req proto.SendData) (*store.Message, error) {
	if req.Content == "" {
		return nil, core.InvalidArgument("missing required fields")
	}
	if len([]rune(req.Content)) > maxContentLen {
		return nil, core.InvalidArgument("content too long")
	}
	if req.MediaType != "" && !store.ValidMediaType(req.MediaType) {
		return nil, core.InvalidArgument("unknown media type")
	}

	conversationID, recipients, err := s.resolveRecipients(ctx, senderID, req)
	if err != nil {
		return nil, err
	}
	if len(recipients) == 0 {
		return nil, core.InvalidState("conversation has no recipients")
	}

	msg := &store.Message{
		ID:             utils.NewID(),
		ConversationID: conversationID,
		SenderID:       senderID,
		// First recipient in resolution order, kept for backward-compatible
		// single-recipient addressing even in group contexts.
		RecipientID: recipients[0],
		Content:     req.Content,
		MediaURL:    req.MediaURL,
		MediaType:   store.MediaType(req.MediaType),
		CreatedAt:   time.Now().UTC(),
	}

	if err := s.store.AppendMessage(ctx, msg); err != nil {
		return nil, fmt.Errorf("append message: %w", err)
	}

	// Each recipient gets an independently routed event so delivery can be
	// tracked per recipient; one failed publish must not block the rest.
	for _, recipientID := range recipients {
		ev, err := bus.MarshalPayload(proto.EventMessageReceived, proto.ReceivedData{Message: proto.MessageFromStore(msg)})
		if err == nil {
			err = s.bus.Publish(ctx, recipientID, ev)
		}
		if err != nil {
			s.log.Warn().Err(err).Str("message_id", msg.ID).Str("recipient", recipientID).Msg("fanout publish failed")
		}
	}

	for _, recipientID := range recipients {
		job := queue.Job{
			UserID:  recipientID,
			Title:   "New message from " + senderID,
			Message: truncate(req.Content, notifPreviewLen),
			Type:    notifTypeMessage,
		}
		if err := s.queue.Enqueue(ctx, job); err != nil {
			s.log.Error().Err(err).Str("recipient", recipientID).Msg("failed to queue notification")
		}
	}

	s.log.Debug().Str("message_id", msg.ID).Str("sender", senderID).Int("recipients", len(recipients)).Msg("message sent")
	return msg, nil
}

// resolveRecipients determines the target conversation and fan-out list.
// With a conversation ID the recipients are all other participants; with a
// bare user ID (legacy direct path) the direct conversation is found or
// created on first message.
func (s *Service) resolveRecipients(ctx context.Context, senderID string, req proto.SendData) (string, []string, error) {
	if req.ConversationID != "" {
		conv, err := s.store.GetConversation(ctx, req.ConversationID)
		if err != nil {
			return "", nil, fmt.Errorf("get conversation: %w", err)
		}
		if conv == nil {
			return "", nil, core.NotFound("conversation not found")
		}
		if !conv.HasParticipant(senderID) {
			return "", nil, core.PermissionDenied("not a participant of this conversation")
		}
		var recipients []string
		for _, p := range conv.Participants {
			if p != senderID {
				recipients = append(recipients, p)
			}
		}
		return conv.ID, recipients, nil
	}

	if req.To == "" {
		return "", nil, core.InvalidArgument("missing required fields")
	}
	if req.To == senderID {
		return "", nil, core.InvalidArgument("cannot message yourself")
	}
	recipient, err := s.store.GetUserByID(ctx, req.To)
	if err != nil {
		return "", nil, fmt.Errorf("get recipient: %w", err)
	}
	if recipient == nil {
		return "", nil, core.NotFound("recipient not found")
	}
	conv, err := s.store.CreateDirect(ctx, senderID, req.To)
	if err != nil {
		return "", nil, fmt.Errorf("find or create conversation: %w", err)
	}
	return conv.ID, []string{req.To}, nil
}

// MarkDelivered flips the delivered flag and notifies the sender. Unknown
// message IDs and duplicate acks are no-ops, tolerated because delivery
// acknowledgments race with reconnect replay.
func (s *Service) MarkDelivered(ctx context.Context, messageID string) error {
	msg, err := s.store.MarkDelivered(ctx, messageID)
	if err != nil {
		return fmt.Errorf("mark delivered: %w", err)
	}
	if msg == nil {
		return nil
	}

	ev, err := bus.MarshalPayload(proto.EventMessageDeliveryStatus, proto.DeliveryStatusData{
		MessageID:   messageID,
		Delivered:   true,
		DeliveredAt: msg.DeliveredAt,
	})
	if err == nil {
		err = s.bus.Publish(ctx, msg.SenderID, ev)
	}
	if err != nil {
		s.log.Warn().Err(err).Str("message_id", messageID).Msg("delivery status publish failed")
	}
	return nil
}

// MarkRead flips the read flag and notifies the sender. Read does not
// require prior delivered; the flags are independent idempotent flips.
func (s *Service) MarkRead(ctx context.Context, messageID string) error {
	msg, err := s.store.MarkRead(ctx, messageID)
	if err != nil {
		return fmt.Errorf("mark read: %w", err)
	}
	if msg == nil {
		return nil
	}

	ev, err := bus.MarshalPayload(proto.EventMessageReadStatus, proto.ReadStatusData{
		MessageID: messageID,
		Read:      true,
		ReadAt:    msg.ReadAt,
	})
	if err == nil {
		err = s.bus.Publish(ctx, msg.SenderID, ev)
	}
	if err != nil {
		s.log.Warn().Err(err).Str("message_id", messageID).Msg("read status publish failed")
	}
	return nil
}

// Replay fetches everything queued for the user while offline, hands the
// batch to sink, then marks each message delivered. Sink runs first so the
// client takes possession before the flags flip; a sink failure leaves the
// messages undelivered for the next reconnect.
func (s *Service) Replay(ctx context.Context, userID string, sink func(msgs []*store.Message) error) error {
	msgs, err := s.store.UndeliveredFor(ctx, userID)
	if err != nil {
		return fmt.Errorf("fetch undelivered: %w", err)
	}
	if len(msgs) == 0 {
		return nil
	}

	if err := sink(msgs); err != nil {
		return fmt.Errorf("replay sink: %w", err)
	}

	for _, msg := range msgs {
		if _, err := s.store.MarkDelivered(ctx, msg.ID); err != nil {
			s.log.Warn().Err(err).Str("message_id", msg.ID).Msg("mark replayed message delivered")
		}
	}
	s.log.Info().Str("user_id", userID).Int("count", len(msgs)).Msg("replayed undelivered messages")
	return nil
}

func truncate(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}
