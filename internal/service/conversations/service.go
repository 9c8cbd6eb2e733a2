// Package conversations applies membership and admin rules on top of the
// conversation store: direct-pair dedup, group creation, admin-gated
// membership changes, inbox listing.
package conversations

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/relaychat/relay-server/internal/core"
	"github.com/relaychat/relay-server/internal/store"
)

// Service provides conversation operations.
type Service struct {
	store store.Store
	log   *zerolog.Logger
}

// NewService creates a new conversation service.
func NewService(st store.Store, logger *zerolog.Logger) *Service {
	return &Service{store: st, log: logger}
}

// View is a conversation with its participant projection for inbox rendering.
type View struct {
	Conversation *store.Conversation
	Members      []*store.User
}

// CreateDirect finds or creates the direct conversation between requester
// and other. Idempotent for the unordered pair.
func (s *Service) CreateDirect(ctx context.Context, requesterID, otherID string) (*store.Conversation, error) {
	if otherID == "" || otherID == requesterID {
		return nil, core.InvalidArgument("direct conversation requires a distinct recipient")
	}
	if err := s.requireUsers(ctx, []string{requesterID, otherID}, core.CodeNotFound); err != nil {
		return nil, err
	}
	conv, err := s.store.CreateDirect(ctx, requesterID, otherID)
	if err != nil {
		return nil, fmt.Errorf("create direct conversation: %w", err)
	}
	return conv, nil
}

// CreateGroup creates a group conversation. The admin is deduplicated into
// the member set and must end up with at least 2 distinct members.
func (s *Service) CreateGroup(ctx context.Context, adminID string, memberIDs []string, name, avatar string) (*store.Conversation, error) {
	if name == "" {
		return nil, core.InvalidArgument("group name is required")
	}

	members := dedupe(append([]string{adminID}, memberIDs...))
	if len(members) < 2 {
		return nil, core.InvalidArgument("group must have at least 2 participants")
	}
	if err := s.requireUsers(ctx, members, core.CodeInvalidArgument); err != nil {
		return nil, err
	}

	conv, err := s.store.CreateGroup(ctx, adminID, members, name, avatar)
	if err != nil {
		return nil, fmt.Errorf("create group: %w", err)
	}
	s.log.Info().Str("conversation_id", conv.ID).Str("admin", adminID).Int("members", len(members)).Msg("group created")
	return conv, nil
}

// AddMembers adds users to a group. Admin-only; IDs already present are
// silently skipped.
func (s *Service) AddMembers(ctx context.Context, conversationID, requesterID string, newIDs []string) (*store.Conversation, error) {
	conv, err := s.requireGroup(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if conv.GroupAdmin != requesterID {
		return nil, core.PermissionDenied("only group admin can add members")
	}

	newIDs = dedupe(newIDs)
	if err := s.requireUsers(ctx, newIDs, core.CodeNotFound); err != nil {
		return nil, err
	}

	var toAdd []string
	for _, id := range newIDs {
		if !conv.HasParticipant(id) {
			toAdd = append(toAdd, id)
		}
	}
	if len(toAdd) > 0 {
		if err := s.store.AddParticipants(ctx, conversationID, toAdd); err != nil {
			return nil, fmt.Errorf("add participants: %w", err)
		}
	}
	return s.store.GetConversation(ctx, conversationID)
}

// RemoveMember removes a user from a group. Allowed for the admin or for a
// member removing themselves; the admin can never be removed.
func (s *Service) RemoveMember(ctx context.Context, conversationID, requesterID, targetID string) (*store.Conversation, error) {
	conv, err := s.requireGroup(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if conv.GroupAdmin != requesterID && requesterID != targetID {
		return nil, core.PermissionDenied("only group admin can remove members")
	}
	if targetID == conv.GroupAdmin {
		return nil, core.InvalidState("cannot remove group admin")
	}
	if !conv.HasParticipant(targetID) {
		return nil, core.NotFound("user is not a member of this group")
	}
	if len(conv.Participants)-1 < 2 {
		return nil, core.InvalidState("group cannot drop below 2 members")
	}

	if err := s.store.RemoveParticipant(ctx, conversationID, targetID); err != nil {
		return nil, fmt.Errorf("remove participant: %w", err)
	}
	return s.store.GetConversation(ctx, conversationID)
}

// UpdateGroupInfo renames a group and/or changes its avatar. Admin-only.
func (s *Service) UpdateGroupInfo(ctx context.Context, conversationID, requesterID string, name, avatar *string) (*store.Conversation, error) {
	conv, err := s.requireGroup(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if conv.GroupAdmin != requesterID {
		return nil, core.PermissionDenied("only group admin can update group information")
	}
	if name != nil && *name == "" {
		return nil, core.InvalidArgument("group name cannot be empty")
	}

	if err := s.store.UpdateGroupInfo(ctx, conversationID, name, avatar); err != nil {
		return nil, fmt.Errorf("update group info: %w", err)
	}
	return s.store.GetConversation(ctx, conversationID)
}

// ListForUser returns the user's conversations ordered by last activity,
// each with a participant projection.
func (s *Service) ListForUser(ctx context.Context, userID string) ([]View, error) {
	convs, err := s.store.ListConversationsForUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}

	seen := make(map[string]struct{})
	var ids []string
	for _, c := range convs {
		for _, p := range c.Participants {
			if _, ok := seen[p]; !ok {
				seen[p] = struct{}{}
				ids = append(ids, p)
			}
		}
	}
	users, err := s.store.GetUsersByIDs(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("load participants: %w", err)
	}
	byID := make(map[string]*store.User, len(users))
	for _, u := range users {
		byID[u.ID] = u
	}

	views := make([]View, 0, len(convs))
	for _, c := range convs {
		v := View{Conversation: c}
		for _, p := range c.Participants {
			if u := byID[p]; u != nil {
				v.Members = append(v.Members, u)
			}
		}
		views = append(views, v)
	}
	return views, nil
}

// UnreadCounts returns per-conversation unread counts for the user.
func (s *Service) UnreadCounts(ctx context.Context, userID string) ([]store.UnreadCount, error) {
	return s.store.UnreadCounts(ctx, userID)
}

// Messages pages a conversation's history backward from the cursor.
// Returns messages in chronological order plus the cursor for the next
// (older) page, empty when the page was not full.
func (s *Service) Messages(ctx context.Context, requesterID, conversationID string, limit int, cursor string) ([]*store.Message, string, error) {
	conv, err := s.store.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, "", fmt.Errorf("get conversation: %w", err)
	}
	if conv == nil {
		return nil, "", core.NotFound("conversation not found")
	}
	if !conv.HasParticipant(requesterID) {
		return nil, "", core.PermissionDenied("not a participant of this conversation")
	}

	var before *time.Time
	if cursor != "" {
		t, err := store.DecodeCursor(cursor)
		if err != nil {
			return nil, "", core.InvalidArgument("malformed cursor")
		}
		before = &t
	}
	if limit <= 0 {
		limit = 50
	}
	if limit > 100 {
		limit = 100
	}

	msgs, err := s.store.ListMessages(ctx, conversationID, limit, before)
	if err != nil {
		return nil, "", fmt.Errorf("list messages: %w", err)
	}

	next := ""
	if len(msgs) == limit {
		next = store.EncodeCursor(msgs[0].CreatedAt)
	}
	return msgs, next, nil
}

// requireGroup loads a conversation and checks it is a group.
func (s *Service) requireGroup(ctx context.Context, conversationID string) (*store.Conversation, error) {
	conv, err := s.store.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, fmt.Errorf("get conversation: %w", err)
	}
	if conv == nil {
		return nil, core.NotFound("conversation not found")
	}
	if !conv.IsGroup {
		return nil, core.InvalidState("not a group conversation")
	}
	return conv, nil
}

// requireUsers checks every ID resolves to a known user. The error code
// differs by call site: group creation reports InvalidArgument, member
// addition reports NotFound.
func (s *Service) requireUsers(ctx context.Context, ids []string, failCode string) error {
	if len(ids) == 0 {
		return nil
	}
	users, err := s.store.GetUsersByIDs(ctx, ids)
	if err != nil {
		return fmt.Errorf("resolve users: %w", err)
	}
	if len(users) != len(ids) {
		msg := "one or more users not found"
		if failCode == core.CodeInvalidArgument {
			return core.InvalidArgument(msg)
		}
		return core.NotFound(msg)
	}
	return nil
}

func dedupe(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	var out []string
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
