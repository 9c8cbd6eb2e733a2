package http

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/relaychat/relay-server/internal/core"
	"github.com/relaychat/relay-server/internal/proto"
	"github.com/relaychat/relay-server/internal/service/conversations"
)

// ConversationHandlers provides HTTP handlers for conversation endpoints.
type ConversationHandlers struct {
	convs *conversations.Service
	log   *zerolog.Logger
}

// NewConversationHandlers creates a new conversation handlers instance.
func NewConversationHandlers(convs *conversations.Service, logger *zerolog.Logger) *ConversationHandlers {
	return &ConversationHandlers{convs: convs, log: logger}
}

// CreateDirectRequest represents the create direct conversation request body.
type CreateDirectRequest struct {
	UserID string `json:"userId" binding:"required"`
}

// CreateGroupRequest represents the create group request body.
type CreateGroupRequest struct {
	Name    string   `json:"name" binding:"required,min=1,max=128"`
	Avatar  string   `json:"avatar"`
	Members []string `json:"members" binding:"required"`
}

// MembersRequest represents the add members request body.
type MembersRequest struct {
	Members []string `json:"members" binding:"required"`
}

// UpdateGroupRequest represents the group info update request body.
type UpdateGroupRequest struct {
	Name   *string `json:"name"`
	Avatar *string `json:"avatar"`
}

// MessagesResponse is one page of conversation history.
type MessagesResponse struct {
	Messages   []*proto.Message `json:"messages"`
	NextCursor string           `json:"nextCursor,omitempty"`
}

// List handles listing the caller's conversations.
// GET /api/conversations
func (h *ConversationHandlers) List(c *gin.Context) {
	userID, ok := callerID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, ErrorResponse{Error: "unauthorized"})
		return
	}

	views, err := h.convs.ListForUser(c.Request.Context(), userID)
	if err != nil {
		h.fail(c, err, "failed to list conversations")
		return
	}

	resp := make([]ConversationResponse, 0, len(views))
	for _, v := range views {
		resp = append(resp, viewResponse(v))
	}
	c.JSON(http.StatusOK, resp)
}

// UnreadCounts handles per-conversation unread counters.
// GET /api/conversations/unread-counts
func (h *ConversationHandlers) UnreadCounts(c *gin.Context) {
	userID, ok := callerID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, ErrorResponse{Error: "unauthorized"})
		return
	}

	counts, err := h.convs.UnreadCounts(c.Request.Context(), userID)
	if err != nil {
		h.fail(c, err, "failed to get unread counts")
		return
	}

	resp := make([]UnreadCountResponse, 0, len(counts))
	for _, uc := range counts {
		resp = append(resp, UnreadCountResponse{ConversationID: uc.ConversationID, Count: uc.Count})
	}
	c.JSON(http.StatusOK, resp)
}

// CreateDirect handles find-or-create for a direct conversation.
// POST /api/conversations/direct
func (h *ConversationHandlers) CreateDirect(c *gin.Context) {
	userID, ok := callerID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, ErrorResponse{Error: "unauthorized"})
		return
	}

	var req CreateDirectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid request body"})
		return
	}

	conv, err := h.convs.CreateDirect(c.Request.Context(), userID, req.UserID)
	if err != nil {
		h.fail(c, err, "failed to create direct conversation")
		return
	}
	c.JSON(http.StatusOK, conversationResponse(conv))
}

// CreateGroup handles group creation.
// POST /api/conversations/group
func (h *ConversationHandlers) CreateGroup(c *gin.Context) {
	userID, ok := callerID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, ErrorResponse{Error: "unauthorized"})
		return
	}

	var req CreateGroupRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid request body"})
		return
	}

	conv, err := h.convs.CreateGroup(c.Request.Context(), userID, req.Members, req.Name, req.Avatar)
	if err != nil {
		h.fail(c, err, "failed to create group")
		return
	}
	c.JSON(http.StatusCreated, conversationResponse(conv))
}

// AddMembers handles adding members to a group.
// POST /api/conversations/:id/members
func (h *ConversationHandlers) AddMembers(c *gin.Context) {
	userID, ok := callerID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, ErrorResponse{Error: "unauthorized"})
		return
	}

	var req MembersRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid request body"})
		return
	}

	conv, err := h.convs.AddMembers(c.Request.Context(), c.Param("id"), userID, req.Members)
	if err != nil {
		h.fail(c, err, "failed to add members")
		return
	}
	c.JSON(http.StatusOK, conversationResponse(conv))
}

// RemoveMember handles removing one member from a group.
// DELETE /api/conversations/:id/members/:userId
func (h *ConversationHandlers) RemoveMember(c *gin.Context) {
	userID, ok := callerID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, ErrorResponse{Error: "unauthorized"})
		return
	}

	conv, err := h.convs.RemoveMember(c.Request.Context(), c.Param("id"), userID, c.Param("userId"))
	if err != nil {
		h.fail(c, err, "failed to remove member")
		return
	}
	c.JSON(http.StatusOK, conversationResponse(conv))
}

// UpdateGroupInfo handles renaming a group or changing its avatar.
// PUT /api/conversations/:id
func (h *ConversationHandlers) UpdateGroupInfo(c *gin.Context) {
	userID, ok := callerID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, ErrorResponse{Error: "unauthorized"})
		return
	}

	var req UpdateGroupRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid request body"})
		return
	}
	if req.Name == nil && req.Avatar == nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "nothing to update"})
		return
	}

	conv, err := h.convs.UpdateGroupInfo(c.Request.Context(), c.Param("id"), userID, req.Name, req.Avatar)
	if err != nil {
		h.fail(c, err, "failed to update group info")
		return
	}
	c.JSON(http.StatusOK, conversationResponse(conv))
}

// Messages handles cursor-paginated history for one conversation.
// GET /api/messages/:conversationId?limit=&cursor=
func (h *ConversationHandlers) Messages(c *gin.Context) {
	userID, ok := callerID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, ErrorResponse{Error: "unauthorized"})
		return
	}

	limit := 0
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid limit"})
			return
		}
		limit = n
	}

	msgs, next, err := h.convs.Messages(c.Request.Context(), userID, c.Param("conversationId"), limit, c.Query("cursor"))
	if err != nil {
		h.fail(c, err, "failed to list messages")
		return
	}
	c.JSON(http.StatusOK, MessagesResponse{Messages: proto.MessagesFromStore(msgs), NextCursor: next})
}

// fail writes a domain-aware error response.
func (h *ConversationHandlers) fail(c *gin.Context, err error, logMsg string) {
	status := statusOf(err)
	if status == http.StatusInternalServerError {
		h.log.Error().Err(err).Msg(logMsg)
		c.JSON(status, ErrorResponse{Error: "internal server error"})
		return
	}
	c.JSON(status, ErrorResponse{Error: err.Error(), Code: core.CodeOf(err)})
}
