// Package proto defines the wire protocol: the envelope shared by the
// WebSocket transport and the fan-out bus, and the closed set of event
// payloads. Event names and payload shapes are a client compatibility
// contract; do not rename fields.
package proto

import (
	"encoding/json"
	"time"

	"github.com/relaychat/relay-server/internal/store"
)

// Inbound is the envelope for frames coming from the client.
type Inbound struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// Outbound is the envelope for frames sent to the client.
type Outbound struct {
	Type string `json:"type"`
	Data any    `json:"data,omitempty"`
}

// Client-to-server event names.
const (
	EventMessageSend      = "message:send"
	EventMessageDelivered = "message:delivered"
	EventMessageRead      = "message:read"
	EventTyping           = "typing"
	EventTypingStop       = "typing:stop"
)

// Server-to-client event names.
const (
	EventMessageSent           = "message:sent"
	EventMessageReceived       = "message:received"
	EventMessageDeliveryStatus = "message:delivery-status"
	EventMessageReadStatus     = "message:read-status"
	EventMessageError          = "message:error"
	EventUserTyping            = "user:typing"
	EventUserTypingStop        = "user:typing:stop"
	EventPresenceUpdate        = "presence:update"
	EventMessagesUndelivered   = "messages:undelivered"
)

// Message is the wire projection of a stored message.
type Message struct {
	ID             string     `json:"id"`
	ConversationID string     `json:"conversationId"`
	Sender         string     `json:"sender"`
	Recipient      string     `json:"recipient"`
	Content        string     `json:"content"`
	MediaURL       string     `json:"mediaUrl,omitempty"`
	MediaType      string     `json:"mediaType,omitempty"`
	Delivered      bool       `json:"delivered"`
	DeliveredAt    *time.Time `json:"deliveredAt,omitempty"`
	Read           bool       `json:"read"`
	ReadAt         *time.Time `json:"readAt,omitempty"`
	CreatedAt      time.Time  `json:"createdAt"`
}

// MessageFromStore converts a stored message to its wire shape.
func MessageFromStore(m *store.Message) *Message {
	return &Message{
		ID:             m.ID,
		ConversationID: m.ConversationID,
		Sender:         m.SenderID,
		Recipient:      m.RecipientID,
		Content:        m.Content,
		MediaURL:       m.MediaURL,
		MediaType:      string(m.MediaType),
		Delivered:      m.Delivered,
		DeliveredAt:    m.DeliveredAt,
		Read:           m.Read,
		ReadAt:         m.ReadAt,
		CreatedAt:      m.CreatedAt,
	}
}

// MessagesFromStore converts a slice of stored messages.
func MessagesFromStore(msgs []*store.Message) []*Message {
	out := make([]*Message, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, MessageFromStore(m))
	}
	return out
}

// SendData is the message:send payload. Either ConversationID or To must be
// set; To alone is the legacy direct-message path.
type SendData struct {
	ConversationID string `json:"conversationId,omitempty"`
	To             string `json:"to,omitempty"`
	Content        string `json:"content"`
	MediaURL       string `json:"mediaUrl,omitempty"`
	MediaType      string `json:"mediaType,omitempty"`
	TempID         string `json:"tempId,omitempty"`
}

// SentData is the message:sent acknowledgment to the sender.
type SentData struct {
	TempID  string   `json:"tempId,omitempty"`
	Message *Message `json:"message"`
}

// ReceivedData is the message:received payload to each recipient.
type ReceivedData struct {
	Message *Message `json:"message"`
}

// AckData carries a message identifier for delivered/read acknowledgments.
type AckData struct {
	MessageID string `json:"messageId"`
}

// DeliveryStatusData is the message:delivery-status payload to the sender.
type DeliveryStatusData struct {
	MessageID   string     `json:"messageId"`
	Delivered   bool       `json:"delivered"`
	DeliveredAt *time.Time `json:"deliveredAt,omitempty"`
}

// ReadStatusData is the message:read-status payload to the sender.
type ReadStatusData struct {
	MessageID string     `json:"messageId"`
	Read      bool       `json:"read"`
	ReadAt    *time.Time `json:"readAt,omitempty"`
}

// ErrorData is the message:error payload. Errors never close the connection;
// only authentication failure does.
type ErrorData struct {
	Error  string `json:"error"`
	Code   string `json:"code,omitempty"`
	TempID string `json:"tempId,omitempty"`
}

// TypingData names the recipient of a typing indicator.
type TypingData struct {
	To string `json:"to"`
}

// UserTypingData relays who is typing to the recipient.
type UserTypingData struct {
	UserID string `json:"userId"`
}

// PresenceUpdateData announces an online/offline transition.
type PresenceUpdateData struct {
	UserID     string     `json:"userId"`
	Online     bool       `json:"online"`
	LastSeenAt *time.Time `json:"lastSeenAt,omitempty"`
}

// UndeliveredData is the one-shot messages:undelivered batch on reconnect.
type UndeliveredData struct {
	Messages []*Message `json:"messages"`
}
