package store

import (
	"context"
	"time"
)

// User is the read-only identity projection consumed by this service.
// Lifecycle (registration, profile updates) belongs to the external identity
// provider; UpsertUser is the synchronization point.
type User struct {
	ID        string
	Username  string
	Email     string
	Avatar    string
	CreatedAt time.Time
}

// MediaType enumerates allowed message attachments.
type MediaType string

const (
	MediaImage MediaType = "image"
	MediaVideo MediaType = "video"
	MediaAudio MediaType = "audio"
	MediaFile  MediaType = "file"
)

// ValidMediaType reports whether s is one of the allowed attachment types.
func ValidMediaType(s string) bool {
	switch MediaType(s) {
	case MediaImage, MediaVideo, MediaAudio, MediaFile:
		return true
	}
	return false
}

// Conversation binds two or more users, either direct (exactly 2, no admin)
// or group (>=2 with exactly one admin who is always a member).
type Conversation struct {
	ID            string
	Participants  []string
	IsGroup       bool
	GroupName     string
	GroupAvatar   string
	GroupAdmin    string
	LastMessageID string
	LastMessageAt time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// HasParticipant reports whether userID is a member of the conversation.
func (c *Conversation) HasParticipant(userID string) bool {
	for _, p := range c.Participants {
		if p == userID {
			return true
		}
	}
	return false
}

// Message is a persisted chat message. RecipientID holds the primary
// recipient (first in fan-out resolution order) even for group messages,
// for backward-compatible single-recipient addressing.
type Message struct {
	ID             string
	ConversationID string
	SenderID       string
	RecipientID    string
	Content        string
	MediaURL       string
	MediaType      MediaType
	Delivered      bool
	DeliveredAt    *time.Time
	Read           bool
	ReadAt         *time.Time
	CreatedAt      time.Time
}

// UnreadCount is a per-conversation count of unread messages for one user.
type UnreadCount struct {
	ConversationID string
	Count          int
}

// UserStore reads the identity projection.
type UserStore interface {
	// UpsertUser writes an identity record synced from the external provider.
	UpsertUser(ctx context.Context, u *User) error

	// GetUserByID retrieves a user by ID.
	GetUserByID(ctx context.Context, id string) (*User, error)

	// GetUsersByIDs retrieves all users whose IDs are in ids. Missing IDs are
	// simply absent from the result; callers compare lengths to detect them.
	GetUsersByIDs(ctx context.Context, ids []string) ([]*User, error)
}

// ConversationStore handles conversation persistence.
type ConversationStore interface {
	// CreateDirect finds or creates the non-group conversation between the
	// pair. Idempotent: the same unordered pair always maps to one record.
	CreateDirect(ctx context.Context, userA, userB string) (*Conversation, error)

	// CreateGroup persists a group conversation. Membership and admin rules
	// are validated by the caller.
	CreateGroup(ctx context.Context, admin string, members []string, name, avatar string) (*Conversation, error)

	// GetConversation retrieves a conversation with its participants.
	GetConversation(ctx context.Context, id string) (*Conversation, error)

	// ListConversationsForUser returns every conversation containing the
	// user, ordered by last_message_at descending.
	ListConversationsForUser(ctx context.Context, userID string) ([]*Conversation, error)

	// AddParticipants inserts members, silently skipping ones already present.
	AddParticipants(ctx context.Context, conversationID string, userIDs []string) error

	// RemoveParticipant deletes one member.
	RemoveParticipant(ctx context.Context, conversationID, userID string) error

	// UpdateGroupInfo overwrites name and/or avatar when non-nil.
	UpdateGroupInfo(ctx context.Context, conversationID string, name, avatar *string) error
}

// MessageStore handles message persistence.
type MessageStore interface {
	// AppendMessage persists the message and updates the owning
	// conversation's last_message_id/last_message_at in one transaction.
	// Returns core.NotFound if the conversation does not exist.
	AppendMessage(ctx context.Context, msg *Message) error

	// ListMessages returns up to limit messages strictly older than before
	// (all when before is nil), ascending by creation time. Internally the
	// newest matching page is selected, then reversed for display order.
	ListMessages(ctx context.Context, conversationID string, limit int, before *time.Time) ([]*Message, error)

	// GetMessage retrieves a message, nil if absent.
	GetMessage(ctx context.Context, id string) (*Message, error)

	// MarkDelivered sets delivered+delivered_at if not already set and
	// returns the updated message. Returns nil, nil if the message is absent;
	// duplicate acks leave delivered_at untouched.
	MarkDelivered(ctx context.Context, id string) (*Message, error)

	// MarkRead sets read+read_at with the same idempotence contract.
	MarkRead(ctx context.Context, id string) (*Message, error)

	// UndeliveredFor returns all messages addressed to the user with
	// delivered=false, oldest first. Used once per reconnect.
	UndeliveredFor(ctx context.Context, userID string) ([]*Message, error)

	// UnreadCounts returns per-conversation unread message counts for the
	// user, omitting conversations with zero unread.
	UnreadCounts(ctx context.Context, userID string) ([]UnreadCount, error)
}

// Store aggregates all storage interfaces.
type Store interface {
	UserStore
	ConversationStore
	MessageStore

	// Close closes the underlying database connection.
	Close() error
}
