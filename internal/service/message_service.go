package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"chatsync/internal/domain"
)

const (
	DefaultMessageLimit = 50
	MaxMessageLimit     = 200
	MaxContentLength    = 5000
	maxClientRefLength  = 64
)

type MessageService struct {
	conversations domain.ConversationRepository
	messages      domain.MessageRepository
	notify        notifier

	// Now stamps inserted messages. Timestamps are assigned by the server.
	Now func() time.Time
}

func NewMessageService(
	conversations domain.ConversationRepository,
	messages domain.MessageRepository,
	pub domain.Publisher,
	log zerolog.Logger,
) *MessageService {
	return &MessageService{
		conversations: conversations,
		messages:      messages,
		notify:        notifier{pub: pub, log: log.With().Str("component", "messages").Logger()},
		Now:           func() time.Time { return time.Now().UTC() },
	}
}

type MessageCreateInput struct {
	ConversationID string
	ClientRef      string
	Content        string
	Kind           domain.Kind
}

// CreateMessage inserts a message from senderID. Repeating an insert with the
// same ClientRef returns the stored message without notifying anyone again.
func (s *MessageService) CreateMessage(
	ctx context.Context,
	in MessageCreateInput,
	senderID string,
) (*domain.MessageRow, error) {
	if in.Kind == "" {
		in.Kind = domain.KindText
	}
	if !in.Kind.Valid() {
		return nil, fmt.Errorf("kind %q: %w", in.Kind, domain.ErrInvalidArgument)
	}
	if strings.TrimSpace(in.Content) == "" {
		return nil, fmt.Errorf("message content cannot be empty: %w", domain.ErrInvalidArgument)
	}
	if len([]rune(in.Content)) > MaxContentLength {
		return nil, fmt.Errorf("message content exceeds %d characters: %w", MaxContentLength, domain.ErrInvalidArgument)
	}
	if len(in.ClientRef) > maxClientRefLength {
		return nil, fmt.Errorf("client_ref exceeds %d characters: %w", maxClientRefLength, domain.ErrInvalidArgument)
	}

	conv, err := s.conversations.GetByID(ctx, in.ConversationID)
	if err != nil {
		return nil, fmt.Errorf("get conversation: %w", err)
	}
	if _, ok := conv.Member(senderID); !ok {
		return nil, ErrNotMember
	}
	memberIDs := memberIDsOf(conv)

	msg := &domain.MessageRow{
		ClientRef:      in.ClientRef,
		ConversationID: conv.ID,
		SenderID:       senderID,
		RecipientID:    conv.Peer(senderID),
		Content:        in.Content,
		Kind:           in.Kind,
		CreatedAt:      s.Now(),
	}
	created, err := s.messages.Insert(ctx, msg, memberIDs)
	if err != nil {
		return nil, fmt.Errorf("insert message: %w", err)
	}
	if created {
		s.notify.publish(ctx, memberIDs, domain.TableMessages, domain.OpInsert, msg)
	}
	return msg, nil
}

// ListMessages returns one page of the timeline, newest first, with the
// status of each message as seen by userID.
func (s *MessageService) ListMessages(
	ctx context.Context,
	conversationID string,
	userID string,
	before domain.Cursor,
	limit int,
) (domain.MessagePage, error) {
	if err := s.requireMember(ctx, conversationID, userID); err != nil {
		return domain.MessagePage{}, err
	}
	if limit <= 0 {
		limit = DefaultMessageLimit
	}
	if limit > MaxMessageLimit {
		limit = MaxMessageLimit
	}

	rows, err := s.messages.ListBefore(ctx, conversationID, userID, before, limit+1)
	if err != nil {
		return domain.MessagePage{}, err
	}
	page := domain.MessagePage{Messages: make([]domain.MessageRow, 0, len(rows))}
	if len(rows) > limit {
		rows = rows[:limit]
		page.HasMore = true
	}
	for _, m := range rows {
		page.Messages = append(page.Messages, *m)
	}
	return page, nil
}

// UpdateStatus records that callerID received or read a message. Only the
// recipients of a message may move its status, and only forward: duplicates
// and regressions succeed without effect.
func (s *MessageService) UpdateStatus(
	ctx context.Context,
	conversationID, messageID, callerID string,
	status domain.Status,
) error {
	if status != domain.StatusDelivered && status != domain.StatusRead {
		return fmt.Errorf("status %q cannot be set by a recipient: %w", status, domain.ErrInvalidArgument)
	}

	msg, err := s.messages.GetByID(ctx, messageID)
	if err != nil {
		return fmt.Errorf("get message: %w", err)
	}
	if msg.ConversationID != conversationID {
		return fmt.Errorf("message %s in %s: %w", messageID, conversationID, domain.ErrNotFound)
	}
	memberIDs, err := s.conversations.MemberIDs(ctx, conversationID)
	if err != nil {
		return fmt.Errorf("list members: %w", err)
	}
	if !contains(memberIDs, callerID) {
		return ErrNotMember
	}
	if msg.SenderID == callerID {
		return fmt.Errorf("status of an own message: %w", domain.ErrInvalidArgument)
	}
	if msg.RecipientID != "" && msg.RecipientID != callerID {
		return ErrNotMember
	}

	change, applied, err := s.messages.AdvanceStatus(ctx, msg, callerID, status)
	if err != nil {
		return fmt.Errorf("advance status: %w", err)
	}
	if !applied {
		return nil
	}
	switch {
	case change.Direct != nil:
		s.notify.publish(ctx, memberIDs, domain.TableMessages, domain.OpUpdate, change.Direct)
	case change.Receipt != nil:
		s.notify.publish(ctx, memberIDs, domain.TableMessageStatus, domain.OpUpdate, change.Receipt)
	}
	return nil
}

// MarkAllReadInConversation marks everything up to at as read by callerID.
// A zero at means now.
func (s *MessageService) MarkAllReadInConversation(
	ctx context.Context,
	conversationID, callerID string,
	at time.Time,
) error {
	memberIDs, err := s.conversations.MemberIDs(ctx, conversationID)
	if err != nil {
		return fmt.Errorf("list members: %w", err)
	}
	if !contains(memberIDs, callerID) {
		return ErrNotMember
	}
	if at.IsZero() {
		at = s.Now()
	}

	member, advanced, err := s.messages.MarkReadUpTo(ctx, conversationID, callerID, at.UTC())
	if err != nil {
		return fmt.Errorf("mark read: %w", err)
	}
	if advanced {
		s.notify.publish(ctx, memberIDs, domain.TableMembers, domain.OpUpdate, member)
	}
	return nil
}

func (s *MessageService) requireMember(ctx context.Context, conversationID, userID string) error {
	ok, err := s.conversations.IsMember(ctx, conversationID, userID)
	if err != nil {
		return fmt.Errorf("check member: %w", err)
	}
	if !ok {
		return ErrNotMember
	}
	return nil
}

func memberIDsOf(c *domain.Conversation) []string {
	ids := make([]string, len(c.Members))
	for i, m := range c.Members {
		ids[i] = m.UserID
	}
	return ids
}
