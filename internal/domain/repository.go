package domain

import (
	"context"
	"time"
)

// ConversationPage is one page of the viewer's conversation list.
type ConversationPage struct {
	Conversations []Conversation `json:"conversations"`
	NextCursor    string         `json:"next_cursor,omitempty"`
}

// MessagePage is one page of a conversation timeline, newest first.
type MessagePage struct {
	Messages []MessageRow `json:"messages"`
	HasMore  bool         `json:"has_more"`
}

// NewMessage is the payload of a remote insert. ClientRef makes the insert idempotent.
type NewMessage struct {
	ConversationID string    `json:"conversation_id"`
	ClientRef      string    `json:"client_ref"`
	Content        string    `json:"content"`
	Kind           Kind      `json:"kind"`
	CreatedAt      time.Time `json:"created_at"`
}

// NewConversation is the payload of a conversation creation.
type NewConversation struct {
	Name      *string  `json:"name,omitempty"`
	IsGroup   bool     `json:"is_group"`
	MemberIDs []string `json:"member_ids"`
}

// RemoteStore is the remote relational store as seen by one authenticated user.
// Failures are reported with ErrNotFound, ErrConflict, ErrUnauthorized or ErrTransient.
type RemoteStore interface {
	ListConversations(ctx context.Context, cursor string, limit int) (ConversationPage, error)
	ListMessages(ctx context.Context, conversationID string, before Cursor, limit int) (MessagePage, error)
	InsertMessage(ctx context.Context, in NewMessage) (MessageRow, error)
	UpdateStatus(ctx context.Context, conversationID, messageID string, status Status) error
	MarkRead(ctx context.Context, conversationID string, at time.Time) error
	CreateConversation(ctx context.Context, in NewConversation) (Conversation, error)
}

// SessionProvider supplies the current session and signals session changes.
// A new value on Changes means all in-memory state for the old session must be dropped.
type SessionProvider interface {
	Current() (Session, bool)
	Changes() <-chan Session
}

// Publisher delivers change events to the realtime channels of the given users.
type Publisher interface {
	Publish(ctx context.Context, userIDs []string, ev ChangeEvent) error
}

// ConversationRepository defines persistence operations for conversations on the server.
type ConversationRepository interface {
	Create(ctx context.Context, c *Conversation, memberIDs []string) error
	GetByID(ctx context.Context, id string) (*Conversation, error)
	ListForUser(ctx context.Context, userID string, offset, limit int) ([]*Conversation, error)
	FindExistingDirect(ctx context.Context, a, b string) (*Conversation, error)
	MemberIDs(ctx context.Context, conversationID string) ([]string, error)
	IsMember(ctx context.Context, conversationID, userID string) (bool, error)
}

// StatusChange is the row touched by a forward status transition: the message
// itself for 1:1 conversations, a receipt row for groups.
type StatusChange struct {
	Direct  *MessageRow
	Receipt *StatusRow
}

// MessageRepository defines persistence operations for messages on the server.
type MessageRepository interface {
	// Insert stores m, or loads the existing row for the same (sender, client_ref).
	Insert(ctx context.Context, m *MessageRow, memberIDs []string) (created bool, err error)
	GetByID(ctx context.Context, id string) (*MessageRow, error)
	ListBefore(ctx context.Context, conversationID, viewerID string, before Cursor, limit int) ([]*MessageRow, error)
	// AdvanceStatus applies a forward-only transition. applied is false for duplicates and regressions.
	AdvanceStatus(ctx context.Context, m *MessageRow, userID string, status Status) (change StatusChange, applied bool, err error)
	// MarkReadUpTo marks everything not authored by userID up to at as read and advances the watermark.
	MarkReadUpTo(ctx context.Context, conversationID, userID string, at time.Time) (member *MemberRow, advanced bool, err error)
}

// CachedConversations is a persisted conversation list snapshot.
type CachedConversations struct {
	Conversations []Conversation
	FetchedAt     time.Time
}

// CachedPage is a persisted message page.
type CachedPage struct {
	Page      MessagePage
	FetchedAt time.Time
}

// Fresh reports whether a snapshot fetched at fetchedAt is still usable at now.
// A non-positive maxAge means cached state never expires.
func Fresh(fetchedAt time.Time, maxAge time.Duration, now time.Time) bool {
	if fetchedAt.IsZero() {
		return false
	}
	return maxAge <= 0 || now.Sub(fetchedAt) <= maxAge
}

// Cache persists the last known remote state of a viewer across restarts.
// Loads of missing entries return ErrNotFound.
type Cache interface {
	SaveConversations(ctx context.Context, viewerID string, convs []Conversation, fetchedAt time.Time) error
	LoadConversations(ctx context.Context, viewerID string) (CachedConversations, error)
	SavePage(ctx context.Context, viewerID, conversationID string, before Cursor, page MessagePage, fetchedAt time.Time) error
	LoadPage(ctx context.Context, viewerID, conversationID string, before Cursor) (CachedPage, error)
	Purge(ctx context.Context, viewerID string) error
}
