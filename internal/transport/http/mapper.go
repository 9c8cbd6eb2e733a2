package http

import (
	"net/http"
	"time"

	"github.com/relaychat/relay-server/internal/core"
	"github.com/relaychat/relay-server/internal/service/conversations"
	"github.com/relaychat/relay-server/internal/store"
)

// ErrorResponse represents an error response body.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

// MemberResponse is the participant projection in conversation responses.
type MemberResponse struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Avatar   string `json:"avatar,omitempty"`
}

// ConversationResponse represents a conversation in API responses.
type ConversationResponse struct {
	ID            string           `json:"id"`
	IsGroup       bool             `json:"isGroup"`
	GroupName     string           `json:"groupName,omitempty"`
	GroupAvatar   string           `json:"groupAvatar,omitempty"`
	GroupAdmin    string           `json:"groupAdmin,omitempty"`
	Participants  []string         `json:"participants"`
	Members       []MemberResponse `json:"members,omitempty"`
	LastMessageID string           `json:"lastMessageId,omitempty"`
	LastMessageAt *time.Time       `json:"lastMessageAt,omitempty"`
	CreatedAt     time.Time        `json:"createdAt"`
	UpdatedAt     time.Time        `json:"updatedAt"`
}

// UnreadCountResponse is one per-conversation unread counter.
type UnreadCountResponse struct {
	ConversationID string `json:"conversationId"`
	Count          int    `json:"count"`
}

func conversationResponse(conv *store.Conversation) ConversationResponse {
	resp := ConversationResponse{
		ID:            conv.ID,
		IsGroup:       conv.IsGroup,
		GroupName:     conv.GroupName,
		GroupAvatar:   conv.GroupAvatar,
		GroupAdmin:    conv.GroupAdmin,
		Participants:  conv.Participants,
		LastMessageID: conv.LastMessageID,
		CreatedAt:     conv.CreatedAt,
		UpdatedAt:     conv.UpdatedAt,
	}
	if !conv.LastMessageAt.IsZero() {
		t := conv.LastMessageAt
		resp.LastMessageAt = &t
	}
	return resp
}

func viewResponse(v conversations.View) ConversationResponse {
	resp := conversationResponse(v.Conversation)
	for _, m := range v.Members {
		resp.Members = append(resp.Members, MemberResponse{ID: m.ID, Username: m.Username, Avatar: m.Avatar})
	}
	return resp
}

// statusOf maps domain error codes to HTTP statuses. Unclassified errors
// are internal.
func statusOf(err error) int {
	switch core.CodeOf(err) {
	case core.CodeUnauthenticated:
		return http.StatusUnauthorized
	case core.CodePermissionDenied:
		return http.StatusForbidden
	case core.CodeNotFound:
		return http.StatusNotFound
	case core.CodeInvalidArgument:
		return http.StatusBadRequest
	case core.CodeInvalidState:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
