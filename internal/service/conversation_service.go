package service

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	"chatsync/internal/domain"
)

const (
	DefaultConversationLimit = 100
	MaxConversationLimit     = 500
	maxNameLength            = 100
)

type ConversationService struct {
	conversations domain.ConversationRepository
	notify        notifier
}

func NewConversationService(
	conversations domain.ConversationRepository,
	pub domain.Publisher,
	log zerolog.Logger,
) *ConversationService {
	return &ConversationService{
		conversations: conversations,
		notify:        notifier{pub: pub, log: log.With().Str("component", "conversations").Logger()},
	}
}

type ConversationCreateInput struct {
	Name      *string
	IsGroup   bool
	MemberIDs []string
}

// CreateConversation creates a conversation of creatorID with the given members.
// Creating a 1:1 conversation that already exists returns the existing one.
func (s *ConversationService) CreateConversation(
	ctx context.Context,
	in ConversationCreateInput,
	creatorID string,
) (*domain.Conversation, error) {
	if len(in.MemberIDs) == 0 {
		return nil, fmt.Errorf("at least one member is required: %w", domain.ErrInvalidArgument)
	}
	if in.Name != nil {
		name := strings.TrimSpace(*in.Name)
		if len([]rune(name)) > maxNameLength {
			return nil, fmt.Errorf("name exceeds %d characters: %w", maxNameLength, domain.ErrInvalidArgument)
		}
		if name == "" {
			in.Name = nil
		} else {
			in.Name = &name
		}
	}

	// Include creator
	ids := make([]string, 0, len(in.MemberIDs)+1)
	seen := map[string]struct{}{creatorID: {}}
	ids = append(ids, creatorID)
	for _, id := range in.MemberIDs {
		id = strings.TrimSpace(id)
		if id == "" {
			return nil, fmt.Errorf("empty member id: %w", domain.ErrInvalidArgument)
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}

	if !in.IsGroup {
		if len(ids) != 2 {
			return nil, fmt.Errorf("a direct conversation needs exactly one other member: %w", domain.ErrInvalidArgument)
		}
		existing, err := s.conversations.FindExistingDirect(ctx, ids[0], ids[1])
		if err == nil {
			return existing, nil
		}
		if !errors.Is(err, domain.ErrNotFound) {
			return nil, fmt.Errorf("find existing conversation: %w", err)
		}
	}

	conv := &domain.Conversation{
		Name:      in.Name,
		IsGroup:   in.IsGroup,
		CreatedBy: creatorID,
	}
	if err := s.conversations.Create(ctx, conv, ids); err != nil {
		if !in.IsGroup && errors.Is(err, domain.ErrConflict) {
			// Lost a race with the other member creating the same pair.
			return s.conversations.FindExistingDirect(ctx, ids[0], ids[1])
		}
		return nil, err
	}

	for _, m := range conv.Members {
		s.notify.publish(ctx, ids, domain.TableMembers, domain.OpInsert, domain.MemberRow{
			ConversationID: conv.ID,
			UserID:         m.UserID,
			JoinedAt:       m.JoinedAt,
		})
	}
	return conv, nil
}

// ListForUser returns one page of the conversations of userID. The cursor is
// opaque to clients; an empty NextCursor means the last page was reached.
func (s *ConversationService) ListForUser(
	ctx context.Context,
	userID, cursor string,
	limit int,
) (domain.ConversationPage, error) {
	offset := 0
	if cursor != "" {
		n, err := strconv.Atoi(cursor)
		if err != nil || n < 0 {
			return domain.ConversationPage{}, fmt.Errorf("cursor %q: %w", cursor, domain.ErrInvalidArgument)
		}
		offset = n
	}
	if limit <= 0 {
		limit = DefaultConversationLimit
	}
	if limit > MaxConversationLimit {
		limit = MaxConversationLimit
	}

	convs, err := s.conversations.ListForUser(ctx, userID, offset, limit+1)
	if err != nil {
		return domain.ConversationPage{}, err
	}

	page := domain.ConversationPage{Conversations: make([]domain.Conversation, 0, len(convs))}
	if len(convs) > limit {
		convs = convs[:limit]
		page.NextCursor = strconv.Itoa(offset + limit)
	}
	for _, c := range convs {
		page.Conversations = append(page.Conversations, *c)
	}
	return page, nil
}

func (s *ConversationService) GetConversation(
	ctx context.Context,
	conversationID string,
	userID string,
) (*domain.Conversation, error) {
	conv, err := s.conversations.GetByID(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if _, ok := conv.Member(userID); !ok {
		return nil, ErrNotMember
	}
	return conv, nil
}
